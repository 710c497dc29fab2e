package catalog

import (
	el "echonet-controller/echonet_lite"
)

// 家庭用エアコン
const (
	EPC_HAC_AirVolumeSetting          el.EPCType = 0xA0 // 風量設定
	EPC_HAC_AirDirectionSwingSetting  el.EPCType = 0xA3 // 風向スイング設定
	EPC_HAC_OperationModeSetting      el.EPCType = 0xB0 // 運転モード設定
	EPC_HAC_TemperatureSetting        el.EPCType = 0xB3 // 温度設定値
	EPC_HAC_RelativeHumiditySetting   el.EPCType = 0xB4 // 除湿モード時相対湿度設定値
	EPC_HAC_CurrentRoomHumidity       el.EPCType = 0xBA // 室内相対湿度計測値
	EPC_HAC_CurrentRoomTemperature    el.EPCType = 0xBB // 室内温度計測値
	EPC_HAC_CurrentOutsideTemperature el.EPCType = 0xBE // 外気温度計測値
	EPC_HAC_HumidificationModeSetting el.EPCType = 0xC1 // 加湿モード設定
)

// 単機能照明
const (
	EPC_SF_Illuminance el.EPCType = 0xB0 // 照度レベル設定
)

// コントローラ
const (
	EPC_C_ControllerID     el.EPCType = 0xC0 // コントローラID
	EPC_C_NumberOfDevices  el.EPCType = 0xC1 // 管理台数
	EPC_C_Index            el.EPCType = 0xC2 // インデックス
	EPC_C_DeviceID         el.EPCType = 0xC3 // 機器ID
	EPC_C_ClassCode        el.EPCType = 0xC4 // 機種
	EPC_C_Name             el.EPCType = 0xC5 // 名称
	EPC_C_ConnectionStatus el.EPCType = 0xC6 // 接続状態
)

// 低圧スマート電力量メータ
const (
	EPC_SM_Coefficient                   el.EPCType = 0xD3 // 係数
	EPC_SM_EffectiveDigits               el.EPCType = 0xD7 // 積算電力量有効桁数
	EPC_SM_CumulativeEnergyNormal        el.EPCType = 0xE0 // 積算電力量計測値(正方向)
	EPC_SM_CumulativeEnergyUnit          el.EPCType = 0xE1 // 積算電力量単位
	EPC_SM_CumulativeEnergyReverse       el.EPCType = 0xE3 // 積算電力量計測値(逆方向)
	EPC_SM_InstantaneousPower            el.EPCType = 0xE7 // 瞬時電力計測値
	EPC_SM_InstantaneousCurrent          el.EPCType = 0xE8 // 瞬時電流計測値
	EPC_SM_CumulativeEnergyFixedTime     el.EPCType = 0xEA // 定時積算電力量計測値(正方向)
	EPC_SM_CumulativeEnergyFixedTimeRevs el.EPCType = 0xEB // 定時積算電力量計測値(逆方向)
)

var onOff = map[string][]byte{
	"on":  {0x30},
	"off": {0x31},
}

var faultStatus = map[string][]byte{
	"fault":    {0x41},
	"no_fault": {0x42},
}

var propertyMapDesc = propertyMapValue{}

// DeviceSuperClass は機器オブジェクトスーパークラスのプロパティです。
func DeviceSuperClass() []PropertyRule {
	return []PropertyRule{
		{EPC: el.EPCOperationStatus, Name: "Operation status", Readable: true, Writable: true, Announceable: true, Aliases: onOff},
		{EPC: el.EPCInstallationLocation, Name: "Installation location", Readable: true, Writable: true, Announceable: true, Value: SizeDesc{Size: 1}},
		{EPC: el.EPCStandardVersion, Name: "Standard version", Readable: true, Value: SizeDesc{Size: 4}},
		{EPC: el.EPCIdentificationNumber, Name: "Identification number", Readable: true},
		{EPC: el.EPCMeasuredInstantaneousPowerConsumption, Name: "Measured instantaneous power consumption", Readable: true, Value: NumberDesc{EDTLen: 2, Max: 65533, Unit: "W"}},
		{EPC: el.EPCMeasuredCumulativePowerConsumption, Name: "Measured cumulative power consumption", Readable: true, Value: SizeDesc{Size: 4}},
		{EPC: el.EPCFaultStatus, Name: "Fault occurrence status", Readable: true, Announceable: true, Aliases: faultStatus},
		{EPC: el.EPCManufacturerCode, Name: "Manufacturer code", Readable: true, Value: SizeDesc{Size: 3}},
		{EPC: el.EPCProductCode, Name: "Product code", Readable: true, Value: StringDesc{MinEDTLen: 12, MaxEDTLen: 12}},
		{EPC: el.EPCProductionNumber, Name: "Production number", Readable: true, Value: StringDesc{MinEDTLen: 12, MaxEDTLen: 12}},
		{EPC: el.EPCPowerSavingOperationSetting, Name: "Power saving operation setting", Readable: true, Writable: true, Aliases: map[string][]byte{
			"power_saving": {0x41},
			"normal":       {0x42},
		}},
		{EPC: el.EPCCurrentDate, Name: "Current date", Readable: true, Writable: true, Value: SizeDesc{Size: 4}},
		{EPC: el.EPCStatusAnnouncementPropertyMap, Name: "Status announcement property map", Readable: true, Value: propertyMapDesc},
		{EPC: el.EPCSetPropertyMap, Name: "Set property map", Readable: true, Value: propertyMapDesc},
		{EPC: el.EPCGetPropertyMap, Name: "Get property map", Readable: true, Value: propertyMapDesc},
	}
}

// ProfileSuperClass はプロファイルオブジェクトスーパークラスのプロパティです。
func ProfileSuperClass() []PropertyRule {
	return []PropertyRule{
		{EPC: el.EPCFaultStatus, Name: "Fault occurrence status", Readable: true, Aliases: faultStatus},
		{EPC: el.EPCManufacturerCode, Name: "Manufacturer code", Readable: true, Value: SizeDesc{Size: 3}},
		{EPC: el.EPCProductCode, Name: "Product code", Readable: true, Value: StringDesc{MinEDTLen: 12, MaxEDTLen: 12}},
		{EPC: el.EPCStatusAnnouncementPropertyMap, Name: "Status announcement property map", Readable: true, Value: propertyMapDesc},
		{EPC: el.EPCSetPropertyMap, Name: "Set property map", Readable: true, Value: propertyMapDesc},
		{EPC: el.EPCGetPropertyMap, Name: "Get property map", Readable: true, Value: propertyMapDesc},
	}
}

func nodeProfileTable() ClassTable {
	return ClassTable{
		ClassCode: el.NodeProfile_ClassCode,
		Name:      "Node profile",
		Overrides: []PropertyRule{
			{EPC: el.EPC_NPO_OperationStatus, Name: "Operation status", Readable: true, Announceable: true, Aliases: onOff},
			{EPC: el.EPC_NPO_VersionInfo, Name: "Version information", Readable: true, Value: SizeDesc{Size: 4}},
			{EPC: el.EPC_NPO_IDNumber, Name: "Identification number", Readable: true, Value: SizeDesc{Size: 17}},
			{EPC: el.EPC_NPO_IndividualID, Name: "Individual identification information", Readable: true, Writable: true, Value: SizeDesc{Size: 2}},
			{EPC: el.EPC_NPO_SelfNodeInstances, Name: "Self-node instances number", Readable: true, Value: NumberDesc{EDTLen: 3, Max: 16777215}},
			{EPC: el.EPC_NPO_SelfNodeClasses, Name: "Self-node classes number", Readable: true, Value: NumberDesc{EDTLen: 2, Max: 65535}},
			{EPC: el.EPC_NPO_InstanceListNotification, Name: "Instance list notification", Announceable: true, Accept: acceptInstanceList},
			{EPC: el.EPC_NPO_SelfNodeInstanceListS, Name: "Self-node instance list S", Readable: true, Accept: acceptInstanceList},
			{EPC: el.EPC_NPO_SelfNodeClassListS, Name: "Self-node class list S", Readable: true},
		},
	}
}

func controllerTable() ClassTable {
	return ClassTable{
		ClassCode: el.Controller_ClassCode,
		Name:      "Controller",
		Overrides: []PropertyRule{
			{EPC: EPC_C_ControllerID, Name: "Controller ID", Readable: true},
			{EPC: EPC_C_NumberOfDevices, Name: "Number of devices", Readable: true, Value: NumberDesc{EDTLen: 2, Max: 65533}},
			{EPC: EPC_C_Index, Name: "Index", Readable: true, Writable: true, Value: NumberDesc{EDTLen: 2, Max: 65533}},
			{EPC: EPC_C_DeviceID, Name: "Device ID", Readable: true},
			{EPC: EPC_C_ClassCode, Name: "Class code", Readable: true, Value: SizeDesc{Size: 2}},
			{EPC: EPC_C_Name, Name: "Name", Readable: true, Value: StringDesc{MaxEDTLen: 64}},
			{EPC: EPC_C_ConnectionStatus, Name: "Connection status", Readable: true, Aliases: map[string][]byte{
				"connected":    {0x41}, // 接続中
				"disconnected": {0x42}, // 離脱中
				"unregistered": {0x43}, // 未登録
				"deleted":      {0x44}, // 削除
			}},
		},
	}
}

func homeAirConditionerTable() ClassTable {
	temperatureSetting := NumberDesc{Min: 0, Max: 50, Unit: "℃", EDTLen: 1}
	measuredTemperature := NumberDesc{Min: -127, Max: 125, Unit: "℃", EDTLen: 1}
	humidity := NumberDesc{Min: 0, Max: 100, Unit: "%", EDTLen: 1}
	extraValueAlias := map[string][]byte{
		"unknown":   {0xFD},
		"underflow": {0xFE},
		"overflow":  {0xFF},
	}

	return ClassTable{
		ClassCode: el.HomeAirConditioner_ClassCode,
		Name:      "Home air conditioner",
		Overrides: []PropertyRule{
			{EPC: EPC_HAC_AirVolumeSetting, Name: "Air volume setting", Readable: true, Writable: true, Announceable: true,
				Aliases: map[string][]byte{"auto": {0x41}}, Value: NumberDesc{Min: 1, Max: 8, Offset: 0x30}},
			{EPC: EPC_HAC_AirDirectionSwingSetting, Name: "Air direction swing setting", Readable: true, Writable: true, Aliases: map[string][]byte{
				"off":        {0x31},
				"vertical":   {0x41},
				"horizontal": {0x42},
				"both":       {0x43},
			}},
			{EPC: EPC_HAC_OperationModeSetting, Name: "Operation mode setting", Readable: true, Writable: true, Announceable: true, Aliases: map[string][]byte{
				"auto":    {0x41},
				"cooling": {0x42},
				"heating": {0x43},
				"dry":     {0x44},
				"fan":     {0x45},
				"other":   {0x40},
			}},
			{EPC: EPC_HAC_TemperatureSetting, Name: "Temperature setting", Readable: true, Writable: true, Aliases: extraValueAlias, Value: temperatureSetting},
			{EPC: EPC_HAC_RelativeHumiditySetting, Name: "Relative humidity setting", Readable: true, Writable: true, Aliases: extraValueAlias, Value: humidity},
			{EPC: EPC_HAC_CurrentRoomHumidity, Name: "Current room humidity", Readable: true, Aliases: extraValueAlias, Value: humidity},
			{EPC: EPC_HAC_CurrentRoomTemperature, Name: "Current room temperature", Readable: true, Aliases: extraValueAlias, Value: measuredTemperature},
			{EPC: EPC_HAC_CurrentOutsideTemperature, Name: "Current outside temperature", Readable: true, Aliases: extraValueAlias, Value: measuredTemperature},
			{EPC: EPC_HAC_HumidificationModeSetting, Name: "Humidification mode setting", Readable: true, Writable: true, Aliases: map[string][]byte{
				"on":  {0x41},
				"off": {0x42},
			}},
		},
	}
}

func singleFunctionLightingTable() ClassTable {
	return ClassTable{
		ClassCode: el.SingleFunctionLighting_ClassCode,
		Name:      "Single-function lighting",
		Overrides: []PropertyRule{
			{EPC: EPC_SF_Illuminance, Name: "Illuminance level", Readable: true, Writable: true, Value: NumberDesc{Min: 0, Max: 100, Unit: "%"}},
		},
	}
}

func lowVoltageSmartMeterTable() ClassTable {
	cumulative := NumberDesc{EDTLen: 4, Max: 99999999}
	return ClassTable{
		ClassCode: el.LowVoltageSmartElectricMeter_ClassCode,
		Name:      "Low-voltage smart electric energy meter",
		Overrides: []PropertyRule{
			{EPC: EPC_SM_Coefficient, Name: "Coefficient", Readable: true, Value: NumberDesc{EDTLen: 4, Min: 1, Max: 999999}},
			{EPC: EPC_SM_EffectiveDigits, Name: "Number of effective digits", Readable: true, Value: NumberDesc{Min: 1, Max: 8}},
			{EPC: EPC_SM_CumulativeEnergyNormal, Name: "Cumulative energy (normal direction)", Readable: true, Value: cumulative},
			{EPC: EPC_SM_CumulativeEnergyUnit, Name: "Unit for cumulative energy", Readable: true, Value: SizeDesc{Size: 1}},
			{EPC: EPC_SM_CumulativeEnergyReverse, Name: "Cumulative energy (reverse direction)", Readable: true, Value: cumulative},
			{EPC: EPC_SM_InstantaneousPower, Name: "Instantaneous electric power", Readable: true, Value: NumberDesc{EDTLen: 4, Min: -2147483647, Max: 2147483645, Unit: "W"}},
			{EPC: EPC_SM_InstantaneousCurrent, Name: "Instantaneous current", Readable: true, Value: SizeDesc{Size: 4}},
			{EPC: EPC_SM_CumulativeEnergyFixedTime, Name: "Cumulative energy at fixed time (normal direction)", Readable: true, Announceable: true, Value: SizeDesc{Size: 11}},
			{EPC: EPC_SM_CumulativeEnergyFixedTimeRevs, Name: "Cumulative energy at fixed time (reverse direction)", Readable: true, Announceable: true, Value: SizeDesc{Size: 11}},
		},
	}
}

// Default は組み込みのプロパティ定義で Catalog を作成します。
func Default() *Catalog {
	return New(DeviceSuperClass(), ProfileSuperClass(),
		nodeProfileTable(),
		controllerTable(),
		homeAirConditionerTable(),
		singleFunctionLightingTable(),
		lowVoltageSmartMeterTable(),
	)
}

func acceptInstanceList(EDT []byte) bool {
	_, err := el.DecodeInstanceList(EDT)
	return err == nil
}

// propertyMapValue はプロパティマップの EDT を表す値域
type propertyMapValue struct{}

func (propertyMapValue) Valid(EDT []byte) bool {
	_, err := el.DecodePropertyMap(EDT)
	return err == nil
}

func (propertyMapValue) ToString(EDT []byte) (string, bool) {
	m, err := el.DecodePropertyMap(EDT)
	if err != nil {
		return "", false
	}
	return m.String(), true
}

func (propertyMapValue) FromString(string) ([]byte, bool) {
	return nil, false
}
