// Package catalog はECHONET Liteのクラスごとのプロパティ定義 (名前・アクセスルール・値域) を保持します。
//
// 定義はスーパークラスの基本テーブルと、クラスごとの上書きテーブルの組み合わせで表し、
// Lookup の時点でマージします。Catalog は作成後に変更されません。
package catalog

import (
	"bytes"
	"echonet-controller/echonet_lite"
	"maps"
	"slices"
)

// Lookup はクラスコードからプロパティ定義を引く
type Lookup interface {
	Lookup(classCode echonet_lite.EOJClassCode) (Class, bool)
}

// PropertyRule は1つのプロパティの定義です。
type PropertyRule struct {
	EPC          echonet_lite.EPCType
	Name         string
	Readable     bool // Get 可能
	Writable     bool // Set 可能
	Announceable bool // 状変時アナウンス対象
	Aliases      map[string][]byte
	Value        ValueDesc
	Accept       func(EDT []byte) bool // nil のときは Aliases と Value から判定する
}

// Accepts は EDT が受理可能な値かどうかを返す。
// 値域の定義がないプロパティはどんな値でも受理する。
func (r PropertyRule) Accepts(EDT []byte) bool {
	if r.Accept != nil {
		return r.Accept(EDT)
	}
	if r.Aliases == nil && r.Value == nil {
		return true
	}
	for _, v := range r.Aliases {
		if bytes.Equal(EDT, v) {
			return true
		}
	}
	return r.Value != nil && r.Value.Valid(EDT)
}

// ToEDT はエイリアス名または値の文字列表現を EDT に変換する
func (r PropertyRule) ToEDT(value string) ([]byte, bool) {
	if v, ok := r.Aliases[value]; ok {
		return slices.Clone(v), true
	}
	if r.Value != nil {
		return r.Value.FromString(value)
	}
	return nil, false
}

// EDTToString はEDTを文字列に変換します。
// 変換できない場合は空文字列を返します。
func (r PropertyRule) EDTToString(EDT []byte) string {
	for alias, v := range r.Aliases {
		if bytes.Equal(EDT, v) {
			return alias
		}
	}
	if r.Value != nil {
		if s, ok := r.Value.ToString(EDT); ok {
			return s
		}
	}
	return ""
}

// Class は Lookup の結果で、マージ済みのプロパティ定義を EPC 昇順で持ちます。
type Class struct {
	ClassCode  echonet_lite.EOJClassCode
	Name       string
	Properties []PropertyRule
}

func (c Class) Rule(epc echonet_lite.EPCType) (PropertyRule, bool) {
	i, found := slices.BinarySearchFunc(c.Properties, epc, func(r PropertyRule, epc echonet_lite.EPCType) int {
		return int(r.EPC) - int(epc)
	})
	if !found {
		return PropertyRule{}, false
	}
	return c.Properties[i], true
}

// ClassTable はクラス固有のプロパティ定義です。
// Overrides はスーパークラスの同じ EPC の定義を置き換えます。
type ClassTable struct {
	ClassCode echonet_lite.EOJClassCode
	Name      string
	Overrides []PropertyRule
}

type classEntry struct {
	name      string
	overrides map[echonet_lite.EPCType]PropertyRule
}

// Catalog は変更不可のプロパティ定義集です。
type Catalog struct {
	deviceBase  map[echonet_lite.EPCType]PropertyRule
	profileBase map[echonet_lite.EPCType]PropertyRule
	classes     map[echonet_lite.EOJClassCode]classEntry
}

// New は基本テーブルとクラステーブルから Catalog を作成します。
// 同じクラスコードのテーブルが複数ある場合は後のものが優先されます。
func New(deviceBase, profileBase []PropertyRule, tables ...ClassTable) *Catalog {
	c := &Catalog{
		deviceBase:  toRuleMap(deviceBase),
		profileBase: toRuleMap(profileBase),
		classes:     make(map[echonet_lite.EOJClassCode]classEntry, len(tables)),
	}
	for _, t := range tables {
		c.addTable(t)
	}
	return c
}

func toRuleMap(rules []PropertyRule) map[echonet_lite.EPCType]PropertyRule {
	m := make(map[echonet_lite.EPCType]PropertyRule, len(rules))
	for _, r := range rules {
		m[r.EPC] = r
	}
	return m
}

func (c *Catalog) addTable(t ClassTable) {
	entry, ok := c.classes[t.ClassCode]
	if !ok {
		entry = classEntry{overrides: make(map[echonet_lite.EPCType]PropertyRule)}
	}
	if t.Name != "" {
		entry.name = t.Name
	}
	for _, r := range t.Overrides {
		entry.overrides[r.EPC] = r
	}
	c.classes[t.ClassCode] = entry
}

// With は c のコピーに tables を追加した新しい Catalog を返します。c 自体は変更しません。
func (c *Catalog) With(tables ...ClassTable) *Catalog {
	n := &Catalog{
		deviceBase:  maps.Clone(c.deviceBase),
		profileBase: maps.Clone(c.profileBase),
		classes:     make(map[echonet_lite.EOJClassCode]classEntry, len(c.classes)+len(tables)),
	}
	for code, entry := range c.classes {
		n.classes[code] = classEntry{name: entry.name, overrides: maps.Clone(entry.overrides)}
	}
	for _, t := range tables {
		n.addTable(t)
	}
	return n
}

// Lookup はクラスのプロパティ定義を返します。
// 未登録のクラスは false を返し、呼び出し側は空の定義として扱います。
func (c *Catalog) Lookup(classCode echonet_lite.EOJClassCode) (Class, bool) {
	entry, ok := c.classes[classCode]
	if !ok {
		return Class{ClassCode: classCode}, false
	}
	base := c.deviceBase
	if classCode.IsProfile() {
		base = c.profileBase
	}
	merged := maps.Clone(base)
	if merged == nil {
		merged = make(map[echonet_lite.EPCType]PropertyRule, len(entry.overrides))
	}
	maps.Copy(merged, entry.overrides)

	rules := slices.SortedFunc(maps.Values(merged), func(a, b PropertyRule) int {
		return int(a.EPC) - int(b.EPC)
	})
	return Class{ClassCode: classCode, Name: entry.name, Properties: rules}, true
}

// ClassCodes は登録済みのクラスコードを昇順で返す
func (c *Catalog) ClassCodes() []echonet_lite.EOJClassCode {
	return slices.Sorted(maps.Keys(c.classes))
}
