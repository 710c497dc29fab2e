package catalog

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	el "echonet-controller/echonet_lite"

	"gopkg.in/yaml.v3"
)

// yamlFile はプロパティ定義の追加・上書き用ファイルの形式です。
//
//	classes:
//	  - class_code: "0x0130"
//	    name: Home air conditioner
//	    properties:
//	      - epc: "0xB3"
//	        name: Temperature setting
//	        readable: true
//	        writable: true
//	        size: 1
//	        min: 0
//	        max: 50
//	        unit: "℃"
//	        values:
//	          unknown: "FD"
type yamlFile struct {
	Classes []yamlClass `yaml:"classes"`
}

type yamlClass struct {
	ClassCode  string         `yaml:"class_code"`
	Name       string         `yaml:"name,omitempty"`
	Properties []yamlProperty `yaml:"properties"`
}

type yamlProperty struct {
	EPC          string            `yaml:"epc"`
	Name         string            `yaml:"name"`
	Readable     bool              `yaml:"readable"`
	Writable     bool              `yaml:"writable"`
	Announceable bool              `yaml:"announceable"`
	Size         int               `yaml:"size,omitempty"`
	Min          *int              `yaml:"min,omitempty"`
	Max          *int              `yaml:"max,omitempty"`
	Offset       int               `yaml:"offset,omitempty"`
	Unit         string            `yaml:"unit,omitempty"`
	String       bool              `yaml:"string,omitempty"`
	Values       map[string]string `yaml:"values,omitempty"` // エイリアス名 -> 16進EDT
}

// LoadFile は YAML ファイルを読み込み、base に追加した新しい Catalog を返します。
func LoadFile(path string, base *Catalog) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return ParseYAML(data, base)
}

// ParseYAML は YAML の定義を base に追加した新しい Catalog を返します。
// base が nil の場合は基本テーブルのない Catalog に追加します。
func ParseYAML(data []byte, base *Catalog) (*Catalog, error) {
	var f yamlFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog YAML: %w", err)
	}

	tables := make([]ClassTable, 0, len(f.Classes))
	for _, c := range f.Classes {
		t, err := c.toClassTable()
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}

	if base == nil {
		return New(nil, nil, tables...), nil
	}
	return base.With(tables...), nil
}

func (c yamlClass) toClassTable() (ClassTable, error) {
	code, err := strconv.ParseUint(trimHexPrefix(c.ClassCode), 16, 16)
	if err != nil {
		return ClassTable{}, fmt.Errorf("class %q: invalid class_code: %w", c.ClassCode, err)
	}
	t := ClassTable{ClassCode: el.EOJClassCode(code), Name: c.Name}
	for _, p := range c.Properties {
		r, err := p.toRule()
		if err != nil {
			return ClassTable{}, fmt.Errorf("class %q: %w", c.ClassCode, err)
		}
		t.Overrides = append(t.Overrides, r)
	}
	return t, nil
}

func (p yamlProperty) toRule() (PropertyRule, error) {
	epc, err := el.ParseEPCString(p.EPC)
	if err != nil {
		return PropertyRule{}, err
	}
	r := PropertyRule{
		EPC:          epc,
		Name:         p.Name,
		Readable:     p.Readable,
		Writable:     p.Writable,
		Announceable: p.Announceable,
	}

	if len(p.Values) > 0 {
		r.Aliases = make(map[string][]byte, len(p.Values))
		for alias, hex := range p.Values {
			edt, err := parseHex(hex)
			if err != nil {
				return PropertyRule{}, fmt.Errorf("EPC %v value %q: %w", epc, alias, err)
			}
			r.Aliases[alias] = edt
		}
	}

	switch {
	case p.Min != nil || p.Max != nil:
		n := NumberDesc{Offset: p.Offset, Unit: p.Unit, EDTLen: p.Size}
		if p.Min != nil {
			n.Min = *p.Min
		}
		if p.Max != nil {
			n.Max = *p.Max
		} else {
			n.Max = 1<<(8*n.GetEDTLen()) - 1
		}
		if n.Min > n.Max {
			return PropertyRule{}, fmt.Errorf("EPC %v: min %d > max %d", epc, n.Min, n.Max)
		}
		r.Value = n
	case p.String:
		r.Value = StringDesc{MaxEDTLen: p.Size}
	case p.Size > 0:
		r.Value = SizeDesc{Size: p.Size}
	}
	return r, nil
}

func trimHexPrefix(s string) string {
	return strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
}
