package echonet_lite

import (
	"fmt"
	"strconv"
	"strings"
)

// EOJ はクラスグループコード・クラスコード・インスタンスコードの3バイトを保持します。
// 値として比較できます。
type EOJ uint32

type EOJClassCode uint16
type EOJInstanceCode uint8

type ClassGroupCodeType byte
type ClassCodeType byte

func (e EOJ) ClassCode() EOJClassCode {
	return EOJClassCode(e >> 8 & 0xffff)
}
func (e EOJ) InstanceCode() EOJInstanceCode {
	return EOJInstanceCode(e)
}

// IsAllInstances はインスタンスコード0 (全インスタンス指定) かどうかを返す
func (e EOJ) IsAllInstances() bool {
	return e.InstanceCode() == 0
}

// Matches は e が other と一致するか、どちらかが全インスタンス指定で同じクラスかを返す
func (e EOJ) Matches(other EOJ) bool {
	if e == other {
		return true
	}
	if e.ClassCode() != other.ClassCode() {
		return false
	}
	return e.IsAllInstances() || other.IsAllInstances()
}

func (c EOJClassCode) ClassGroupCode() ClassGroupCodeType {
	return ClassGroupCodeType(c >> 8)
}
func (c EOJClassCode) ClassCode() ClassCodeType {
	return ClassCodeType(c)
}

// IsProfile はプロファイルオブジェクト (クラスグループ 0x0E) かどうかを返す
func (c EOJClassCode) IsProfile() bool {
	return c.ClassGroupCode() == 0x0e
}

func MakeEOJClassCode(classGroupCode ClassGroupCodeType, classCode ClassCodeType) EOJClassCode {
	return EOJClassCode(uint16(classGroupCode)<<8 | uint16(classCode))
}
func MakeEOJ(classCode EOJClassCode, instanceCode EOJInstanceCode) EOJ {
	return EOJ(uint32(classCode)<<8 | uint32(instanceCode))
}

func DecodeEOJ(data []byte) EOJ {
	if len(data) != 3 {
		return 0
	}
	return EOJ(uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2]))
}
func (e EOJ) Encode() []byte {
	return []byte{byte(e >> 16), byte(e >> 8), byte(e)}
}

const (
	HomeAirConditioner_ClassCode               EOJClassCode = 0x0130 // 家庭用エアコン
	LowVoltageSmartElectricMeter_ClassCode     EOJClassCode = 0x0288 // 低圧スマート電力量メータ
	SingleFunctionLighting_ClassCode           EOJClassCode = 0x0291 // 単機能照明
	Controller_ClassCode                       EOJClassCode = 0x05ff // コントローラ
	NodeProfile_ClassCode                      EOJClassCode = 0x0ef0 // ノードプロファイル
	HighVoltageSmartElectricMeter_ClassCode    EOJClassCode = 0x028a // 高圧スマート電力量メータ
	GeneralLighting_ClassCode                  EOJClassCode = 0x0290 // 一般照明
	ElectricWaterHeater_ClassCode              EOJClassCode = 0x026b // 電気温水器
	HouseholdSolarPowerGeneration_ClassCode    EOJClassCode = 0x0279 // 住宅用太陽光発電
	StorageBattery_ClassCode                   EOJClassCode = 0x027d // 蓄電池
	ElectricVehicleChargerDischarger_ClassCode EOJClassCode = 0x027e // 電気自動車充放電器
)

// NodeProfileObject は一般ノードのノードプロファイルオブジェクト
var NodeProfileObject = MakeEOJ(NodeProfile_ClassCode, 1)

// NodeProfileObject_SendOnly は送信専用ノードのノードプロファイルオブジェクト
var NodeProfileObject_SendOnly = MakeEOJ(NodeProfile_ClassCode, 2)

func (c EOJClassCode) String() string {
	var s string
	switch c {
	case HomeAirConditioner_ClassCode:
		s = "Home air conditioner"
	case LowVoltageSmartElectricMeter_ClassCode:
		s = "Low-voltage smart electric energy meter"
	case HighVoltageSmartElectricMeter_ClassCode:
		s = "High-voltage smart electric energy meter"
	case GeneralLighting_ClassCode:
		s = "General lighting"
	case SingleFunctionLighting_ClassCode:
		// 単機能照明
		s = "Single-function lighting"
	case ElectricWaterHeater_ClassCode:
		s = "Electric water heater"
	case HouseholdSolarPowerGeneration_ClassCode:
		s = "Household solar power generation"
	case StorageBattery_ClassCode:
		s = "Storage battery"
	case ElectricVehicleChargerDischarger_ClassCode:
		s = "EV charger/discharger"
	case Controller_ClassCode:
		s = "Controller"
	case NodeProfile_ClassCode:
		s = "Node profile"

	default:
		switch c.ClassGroupCode() {
		case 0x00:
			s = "Sensor-related device"
		case 0x01:
			s = "Air conditioner-related device"
		case 0x02:
			s = "Housing/facility-related device"
		case 0x03:
			s = "Cooking/housework-related device"
		case 0x04:
			s = "Health-related device"
		case 0x05:
			s = "Management/control-related device"
		case 0x06:
			s = "Audiovisual-related device"
		case 0x0e:
			s = "Profile"
		case 0x0f:
			s = "User definition"
		default:
			s = "?"
		}
	}
	return fmt.Sprintf("%04X[%s]", uint16(c), s)
}

func (e EOJ) String() string {
	return fmt.Sprintf("%s:%v", e.ClassCode(), e.InstanceCode())
}

func (e EOJ) IDString() string {
	return fmt.Sprintf("%06X", uint32(e))
}

func (e EOJ) Specifier() string {
	if e.InstanceCode() == 0 {
		return fmt.Sprintf("%04X", uint16(e.ClassCode()))
	}
	return fmt.Sprintf("%04X:%d", uint16(e.ClassCode()), e.InstanceCode())
}

// ParseEOJString は EOJ の文字列表現を解析します。
// 受け付ける形式:
//
//	"CCCC:I"  CCCC は4桁の16進クラスコード、I は10進インスタンスコード (例 "0130:1")
//	"CCCCII"  6桁の16進 (例 "013001")
//	"CCCC"    インスタンスコード0 (全インスタンス指定)
func ParseEOJString(eojStr string) (EOJ, error) {
	if classStr, instStr, ok := strings.Cut(eojStr, ":"); ok {
		classCode, err := ParseEOJClassCodeString(classStr)
		if err != nil {
			return 0, err
		}
		instanceCode, err := strconv.ParseUint(instStr, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("invalid instance code: %s (must be a number between 0-255)", instStr)
		}
		return MakeEOJ(classCode, EOJInstanceCode(instanceCode)), nil
	}

	switch len(eojStr) {
	case 4:
		classCode, err := ParseEOJClassCodeString(eojStr)
		if err != nil {
			return 0, err
		}
		return MakeEOJ(classCode, 0), nil
	case 6:
		v, err := strconv.ParseUint(eojStr, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid EOJ: %s (must be 6 hexadecimal digits)", eojStr)
		}
		return EOJ(v), nil
	}
	return 0, fmt.Errorf("invalid EOJ format: %s (expected CCCC:I, CCCCII or CCCC)", eojStr)
}

// ParseEOJClassCodeString は4桁の16進文字列を EOJClassCode に変換します。
// 例: "0130" -> HomeAirConditioner_ClassCode
func ParseEOJClassCodeString(classCodeStr string) (EOJClassCode, error) {
	if len(classCodeStr) != 4 {
		return 0, fmt.Errorf("class code must be 4 hexadecimal digits: %s", classCodeStr)
	}

	classCode64, err := strconv.ParseUint(classCodeStr, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid class code: %s (must be 4 hexadecimal digits)", classCodeStr)
	}

	return EOJClassCode(classCode64), nil
}
