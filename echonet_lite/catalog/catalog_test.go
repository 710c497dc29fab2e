package catalog

import (
	"testing"

	el "echonet-controller/echonet_lite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_LookupMergesBaseAndOverrides(t *testing.T) {
	c := Default()

	hac, ok := c.Lookup(el.HomeAirConditioner_ClassCode)
	require.True(t, ok)
	assert.Equal(t, "Home air conditioner", hac.Name)

	// スーパークラスのプロパティ
	op, ok := hac.Rule(el.EPCOperationStatus)
	require.True(t, ok)
	assert.True(t, op.Readable)
	assert.True(t, op.Writable)
	assert.True(t, op.Announceable)

	// クラス固有のプロパティ
	temp, ok := hac.Rule(EPC_HAC_TemperatureSetting)
	require.True(t, ok)
	assert.True(t, temp.Writable)

	for i := 1; i < len(hac.Properties); i++ {
		assert.Less(t, hac.Properties[i-1].EPC, hac.Properties[i].EPC, "properties must be sorted by EPC")
	}
}

func TestCatalog_ProfileUsesProfileBase(t *testing.T) {
	c := Default()
	npo, ok := c.Lookup(el.NodeProfile_ClassCode)
	require.True(t, ok)

	_, ok = npo.Rule(el.EPC_NPO_InstanceListNotification)
	assert.True(t, ok)
	// 機器オブジェクトスーパークラスの設置場所はプロファイルには含まれない
	_, ok = npo.Rule(el.EPCInstallationLocation)
	assert.False(t, ok)
}

func TestCatalog_LookupMiss(t *testing.T) {
	c := Default()
	class, ok := c.Lookup(el.MakeEOJClassCode(0x06, 0x99))
	assert.False(t, ok)
	assert.Empty(t, class.Properties)
}

func TestCatalog_WithDoesNotMutateBase(t *testing.T) {
	base := Default()
	extended := base.With(ClassTable{
		ClassCode: el.HomeAirConditioner_ClassCode,
		Overrides: []PropertyRule{{EPC: 0xF0, Name: "Vendor", Readable: true}},
	})

	hac, _ := extended.Lookup(el.HomeAirConditioner_ClassCode)
	_, ok := hac.Rule(0xF0)
	assert.True(t, ok)
	assert.Equal(t, "Home air conditioner", hac.Name)

	hac, _ = base.Lookup(el.HomeAirConditioner_ClassCode)
	_, ok = hac.Rule(0xF0)
	assert.False(t, ok)
}

func TestPropertyRule_Accepts(t *testing.T) {
	c := Default()
	hac, _ := c.Lookup(el.HomeAirConditioner_ClassCode)
	temp, _ := hac.Rule(EPC_HAC_TemperatureSetting)
	mode, _ := hac.Rule(EPC_HAC_OperationModeSetting)

	tests := []struct {
		name string
		rule PropertyRule
		edt  []byte
		want bool
	}{
		{"temperature in range", temp, []byte{25}, true},
		{"temperature out of range", temp, []byte{51}, false},
		{"temperature alias value", temp, []byte{0xFD}, true},
		{"temperature wrong size", temp, []byte{0, 25}, false},
		{"mode alias", mode, []byte{0x42}, true},
		{"mode unknown", mode, []byte{0x99}, false},
		{"no value desc", PropertyRule{EPC: 0xF0}, []byte{1, 2, 3}, true},
		{"explicit predicate", PropertyRule{Accept: func(b []byte) bool { return len(b) == 0 }}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Accepts(tt.edt))
		})
	}
}

func TestPropertyRule_ToEDTAndString(t *testing.T) {
	c := Default()
	hac, _ := c.Lookup(el.HomeAirConditioner_ClassCode)
	op, _ := hac.Rule(el.EPCOperationStatus)
	room, _ := hac.Rule(EPC_HAC_CurrentRoomTemperature)

	edt, ok := op.ToEDT("on")
	require.True(t, ok)
	assert.Equal(t, []byte{0x30}, edt)
	assert.Equal(t, "off", op.EDTToString([]byte{0x31}))

	edt, ok = room.ToEDT("-5℃")
	require.True(t, ok)
	assert.Equal(t, []byte{0xFB}, edt)
	assert.Equal(t, "-5℃", room.EDTToString([]byte{0xFB}))
}

func TestNumberDesc(t *testing.T) {
	n := NumberDesc{EDTLen: 4, Min: -2147483647, Max: 2147483645, Unit: "W"}
	edt, ok := n.FromInt(-300)
	require.True(t, ok)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFE, 0xD4}, edt)
	v, unit, ok := n.ToInt(edt)
	require.True(t, ok)
	assert.Equal(t, -300, v)
	assert.Equal(t, "W", unit)

	volume := NumberDesc{Min: 1, Max: 8, Offset: 0x30}
	edt, ok = volume.FromInt(3)
	require.True(t, ok)
	assert.Equal(t, []byte{0x33}, edt)
	_, ok = volume.FromInt(9)
	assert.False(t, ok)
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
classes:
  - class_code: "0x0130"
    properties:
      - epc: "0xF1"
        name: Vendor mode
        readable: true
        writable: true
        values:
          eco: "41"
          turbo: "42"
  - class_code: "027B"
    name: Floor heater
    properties:
      - epc: "0xE1"
        name: Temperature setting
        readable: true
        writable: true
        min: 0
        max: 50
        unit: "℃"
      - epc: "0xF2"
        name: Serial
        readable: true
        string: true
        size: 8
`)
	c, err := ParseYAML(data, Default())
	require.NoError(t, err)

	hac, ok := c.Lookup(el.HomeAirConditioner_ClassCode)
	require.True(t, ok)
	vendor, ok := hac.Rule(0xF1)
	require.True(t, ok)
	assert.True(t, vendor.Accepts([]byte{0x41}))
	assert.False(t, vendor.Accepts([]byte{0x43}))
	_, ok = hac.Rule(EPC_HAC_TemperatureSetting)
	assert.True(t, ok, "built-in overrides must survive")

	floor, ok := c.Lookup(el.MakeEOJClassCode(0x02, 0x7B))
	require.True(t, ok)
	assert.Equal(t, "Floor heater", floor.Name)
	temp, ok := floor.Rule(0xE1)
	require.True(t, ok)
	assert.True(t, temp.Accepts([]byte{20}))
	assert.False(t, temp.Accepts([]byte{60}))
	serial, _ := floor.Rule(0xF2)
	assert.False(t, serial.Accepts([]byte("123456789")))
	// 基本テーブルも使われる
	_, ok = floor.Rule(el.EPCOperationStatus)
	assert.True(t, ok)
}

func TestParseYAML_Errors(t *testing.T) {
	tests := map[string]string{
		"bad yaml":       "classes: [",
		"bad class code": "classes:\n  - class_code: xyz\n",
		"bad epc":        "classes:\n  - class_code: \"0130\"\n    properties:\n      - epc: zz\n",
		"bad value":      "classes:\n  - class_code: \"0130\"\n    properties:\n      - epc: \"80\"\n        values:\n          on: \"3\"\n",
		"min over max":   "classes:\n  - class_code: \"0130\"\n    properties:\n      - epc: \"80\"\n        min: 5\n        max: 1\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseYAML([]byte(data), nil)
			assert.Error(t, err)
		})
	}
}
