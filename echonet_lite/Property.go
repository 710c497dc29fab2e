package echonet_lite

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Property は各プロパティ（EPC, PDC, EDT）を表します。
// PDC は EDT の長さから決まるので保持しません。
type Property struct {
	EPC EPCType // プロパティコード
	EDT []byte  // プロパティデータ
}
type Properties []Property

// 機器オブジェクトスーパークラス / プロファイルオブジェクトスーパークラス
const (
	EPCOperationStatus                       EPCType = 0x80 // 動作状態
	EPCInstallationLocation                  EPCType = 0x81 // 設置場所
	EPCStandardVersion                       EPCType = 0x82 // 規格Version情報
	EPCIdentificationNumber                  EPCType = 0x83 // 識別番号
	EPCMeasuredInstantaneousPowerConsumption EPCType = 0x84 // 瞬時消費電力計測値
	EPCMeasuredCumulativePowerConsumption    EPCType = 0x85 // 積算消費電力量計測値
	EPCManufacturerFaultCode                 EPCType = 0x86 // メーカ異常コード
	EPCCurrentLimitSetting                   EPCType = 0x87 // 電流制限設定値
	EPCFaultStatus                           EPCType = 0x88 // 異常発生状態
	EPCFaultDescription                      EPCType = 0x89 // 異常内容
	EPCManufacturerCode                      EPCType = 0x8a // メーカコード
	EPCBusinessFacilityCode                  EPCType = 0x8b // 事業場コード
	EPCProductCode                           EPCType = 0x8c // 商品コード
	EPCProductionNumber                      EPCType = 0x8d // 製造番号
	EPCProductionDate                        EPCType = 0x8e // 製造年月日
	EPCPowerSavingOperationSetting           EPCType = 0x8f // 節電動作設定
	EPCRemoteControlSetting                  EPCType = 0x93 // 遠隔操作設定
	EPCCurrentDate                           EPCType = 0x98 // 現在日時
	EPCStatusAnnouncementPropertyMap         EPCType = 0x9d // 状態アナウンスプロパティマップ
	EPCSetPropertyMap                        EPCType = 0x9e // Set プロパティマップ
	EPCGetPropertyMap                        EPCType = 0x9f // Get プロパティマップ
)

var superClassEPCNames = map[EPCType]string{
	EPCOperationStatus:                       "Operation status",
	EPCInstallationLocation:                  "Installation location",
	EPCStandardVersion:                       "Standard version",
	EPCIdentificationNumber:                  "Identification number",
	EPCMeasuredInstantaneousPowerConsumption: "Measured instantaneous power consumption",
	EPCMeasuredCumulativePowerConsumption:    "Measured cumulative power consumption",
	EPCManufacturerFaultCode:                 "Manufacturer fault code",
	EPCCurrentLimitSetting:                   "Current limit setting",
	EPCFaultStatus:                           "Fault occurrence status",
	EPCFaultDescription:                      "Fault description",
	EPCManufacturerCode:                      "Manufacturer code",
	EPCBusinessFacilityCode:                  "Business facility code",
	EPCProductCode:                           "Product code",
	EPCProductionNumber:                      "Production number",
	EPCProductionDate:                        "Production date",
	EPCPowerSavingOperationSetting:           "Power saving operation setting",
	EPCRemoteControlSetting:                  "Remote control setting",
	EPCCurrentDate:                           "Current date",
	EPCStatusAnnouncementPropertyMap:         "Status announcement property map",
	EPCSetPropertyMap:                        "Set property map",
	EPCGetPropertyMap:                        "Get property map",
}

// IsPropertyMap はプロパティマップ (0x9D/0x9E/0x9F) の EPC かどうかを返す
func (e EPCType) IsPropertyMap() bool {
	return e == EPCStatusAnnouncementPropertyMap || e == EPCSetPropertyMap || e == EPCGetPropertyMap
}

func (p Property) Encode() []byte {
	data, _ := p.appendTo(make([]byte, 0, 2+len(p.EDT)))
	return data
}

// appendTo は EPC, PDC, EDT を追加します。EDT が空でも PDC(0) は必ず書き込みます。
func (p Property) appendTo(buf []byte) ([]byte, error) {
	if len(p.EDT) > 0xff {
		return nil, &FormatError{Kind: FormatErrorValueTooLong,
			Detail: fmt.Sprintf("EPC %v: PDC %d exceeds 255", p.EPC, len(p.EDT))}
	}
	buf = append(buf, byte(p.EPC), byte(len(p.EDT)))
	return append(buf, p.EDT...), nil
}

// Equal は EPC と EDT が一致するかを返す。nil と空の EDT は区別しない。
func (p Property) Equal(other Property) bool {
	return p.EPC == other.EPC && bytes.Equal(p.EDT, other.EDT)
}

// Encode は OPC と各プロパティを連結したバイト列を返します。
func (ps Properties) Encode() ([]byte, error) {
	return ps.appendTo(nil)
}

func (ps Properties) appendTo(buf []byte) ([]byte, error) {
	if len(ps) > 0xff {
		return nil, &FormatError{Kind: FormatErrorValueTooLong,
			Detail: fmt.Sprintf("OPC %d exceeds 255", len(ps))}
	}
	buf = append(buf, byte(len(ps)))
	var err error
	for _, p := range ps {
		if buf, err = p.appendTo(buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// DecodeProperties は count 個のプロパティを data の先頭から読み取ります。
// 読み取ったバイト数も返します。
func DecodeProperties(data []byte, count int) (Properties, int, error) {
	props, pos, err := decodeProperties(data, 0, count)
	return props, pos, err
}

// parseProperties は OPC を読み取ってからプロパティリストを読み取ります。
func parseProperties(data []byte, pos int) (int, Properties, error) {
	if pos >= len(data) {
		return pos, nil, &FormatError{Kind: FormatErrorTruncated, Offset: pos, Detail: "missing OPC"}
	}
	count := int(data[pos])
	props, next, err := decodeProperties(data, pos+1, count)
	return next, props, err
}

func decodeProperties(data []byte, pos, count int) (Properties, int, error) {
	if count == 0 {
		return Properties{}, pos, nil
	}
	// 1プロパティは最低2バイトなので、残りバイト数を超える容量は確保しない
	capacity := count
	if max := (len(data) - pos) / 2; capacity > max {
		capacity = max
	}
	if capacity < 0 {
		capacity = 0
	}
	props := make(Properties, 0, capacity)
	for i := 0; i < count; i++ {
		if pos+2 > len(data) {
			return nil, pos, &FormatError{Kind: FormatErrorPropertyLength, Offset: pos,
				Detail: fmt.Sprintf("property %d/%d: EPC/PDC missing", i+1, count)}
		}
		epc := EPCType(data[pos])
		pdc := int(data[pos+1])
		pos += 2
		if pos+pdc > len(data) {
			return nil, pos, &FormatError{Kind: FormatErrorPropertyLength, Offset: pos,
				Detail: fmt.Sprintf("EPC %v: PDC %d, %d bytes remain", epc, pdc, len(data)-pos)}
		}
		var edt []byte
		if pdc > 0 {
			edt = make([]byte, pdc)
			copy(edt, data[pos:pos+pdc])
		}
		props = append(props, Property{EPC: epc, EDT: edt})
		pos += pdc
	}
	return props, pos, nil
}

// EPCType はプロパティコードを表します。
// プロパティコードは、Echonet Lite のプロパティを識別するための 1 バイトの値です。
type EPCType byte

// MarshalJSON は EPCType を "0xXX" 形式のJSON文字列にエンコードします。
func (e EPCType) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%02x", byte(e)))
}

// UnmarshalJSON は "0xXX" 形式または10進数形式のJSON文字列から EPCType をデコードします。
func (e *EPCType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("EPCType should be a string, got %s: %w", data, err)
	}
	v, err := ParseEPCString(s)
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// ParseEPCString は "0x80"、"80" (16進) を EPCType に変換します。
func ParseEPCString(s string) (EPCType, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	val, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid EPC %q: %w", s, err)
	}
	return EPCType(val), nil
}

func (e EPCType) String() string {
	return fmt.Sprintf("%02X", byte(e))
}

func (e EPCType) StringForClass(c EOJClassCode) string {
	if name, ok := epcName(c, e); ok {
		return fmt.Sprintf("%s(%s)", e.String(), name)
	}
	return e.String()
}

func epcName(c EOJClassCode, e EPCType) (string, bool) {
	if c == NodeProfile_ClassCode {
		if name, ok := nodeProfileEPCNames[e]; ok {
			return name, true
		}
	}
	name, ok := superClassEPCNames[e]
	return name, ok
}

func (p Property) EDTString() string {
	if p.EDT == nil {
		return "nil"
	}
	if p.EPC.IsPropertyMap() {
		if m, err := DecodePropertyMap(p.EDT); err == nil {
			return m.String()
		}
	}
	return fmt.Sprintf("%X", p.EDT)
}

func (p Property) String(c EOJClassCode) string {
	return fmt.Sprintf("%s:%s", p.EPC.StringForClass(c), p.EDTString())
}

func (ps Properties) String(classCode EOJClassCode) string {
	results := make([]string, 0, len(ps))
	for _, p := range ps {
		results = append(results, p.String(classCode))
	}
	return fmt.Sprintf("[%s]", strings.Join(results, " "))
}

func (ps Properties) FindEPC(epc EPCType) (Property, bool) {
	for _, p := range ps {
		if p.EPC == epc {
			return p, true
		}
	}
	return Property{}, false
}

// EPCs は EPC だけを並べたリストを返す
func (ps Properties) EPCs() []EPCType {
	epcs := make([]EPCType, len(ps))
	for i, p := range ps {
		epcs[i] = p.EPC
	}
	return epcs
}

// UpdateProperty は指定されたEPCのプロパティを更新または追加します。
// 既存のプロパティが見つかった場合は更新し、見つからなかった場合は追加します。
// 更新または追加されたプロパティを含む新しいPropertiesを返します。
func (ps Properties) UpdateProperty(prop Property) Properties {
	for i, p := range ps {
		if p.EPC == prop.EPC {
			result := make(Properties, len(ps))
			copy(result, ps)
			result[i] = prop
			return result
		}
	}
	return append(ps, prop)
}

// EPCsToProperties は EDT を持たない読み出し要求用のプロパティリストを作る
func EPCsToProperties(epcs ...EPCType) Properties {
	props := make(Properties, len(epcs))
	for i, epc := range epcs {
		props[i] = Property{EPC: epc}
	}
	return props
}
