package catalog

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// ValueDesc はEDTの値域を表します。
type ValueDesc interface {
	// Valid は EDT がこの値域に含まれるかを返す
	Valid(EDT []byte) bool
	ToString(EDT []byte) (string, bool)
	FromString(value string) ([]byte, bool)
}

// NumberDescは、数値のプロパティを表します。
type NumberDesc struct {
	Min    int
	Max    int
	Offset int    // 値が 0のときにEDTに格納する値
	Unit   string // Unit of the value (e.g., "C", "W", "%")
	EDTLen int    // Length of the EDT in bytes(0のときは1扱い)
}

func (n NumberDesc) GetEDTLen() int {
	if n.EDTLen == 0 {
		return 1
	}
	return n.EDTLen
}

func (n NumberDesc) FromInt(num int) ([]byte, bool) {
	if num < n.Min || num > n.Max {
		return nil, false
	}
	return uintToBytes(uint32(num+n.Offset), n.GetEDTLen()), true
}

func (n NumberDesc) ToInt(EDT []byte) (int, string, bool) {
	if len(EDT) != n.GetEDTLen() {
		return 0, "", false
	}
	var num int64
	if n.Min >= 0 {
		num = int64(bytesToUint(EDT)) - int64(n.Offset)
	} else {
		num = int64(bytesToInt(EDT)) - int64(n.Offset)
	}
	if num < int64(n.Min) || num > int64(n.Max) {
		return 0, "", false
	}
	return int(num), n.Unit, true
}

func (n NumberDesc) Valid(EDT []byte) bool {
	_, _, ok := n.ToInt(EDT)
	return ok
}

func (n NumberDesc) FromString(s string) ([]byte, bool) {
	v := strings.TrimSuffix(s, n.Unit)
	if num, err := strconv.Atoi(v); err == nil {
		return n.FromInt(num)
	}
	return nil, false
}

func (n NumberDesc) ToString(EDT []byte) (string, bool) {
	if num, unit, ok := n.ToInt(EDT); ok {
		return fmt.Sprintf("%d%s", num, unit), true
	}
	return "", false
}

// StringDescは、文字列(UTF-8/ASCII)のプロパティを表します。
type StringDesc struct {
	MinEDTLen int // 文字列がこのバイト数に満たないときは、 NUL文字で埋める
	MaxEDTLen int // EDTの最大長
}

func (sd StringDesc) Valid(EDT []byte) bool {
	if sd.MaxEDTLen > 0 && len(EDT) > sd.MaxEDTLen {
		return false
	}
	return len(EDT) >= sd.MinEDTLen
}

func (sd StringDesc) FromString(s string) ([]byte, bool) {
	if len(s) == 0 {
		return nil, false
	}
	edt := []byte(s)
	if len(edt) < sd.MinEDTLen {
		result := make([]byte, sd.MinEDTLen)
		copy(result, edt)
		return result, true
	} else if sd.MaxEDTLen > 0 && len(edt) > sd.MaxEDTLen {
		return nil, false
	}
	return edt, true
}

func (sd StringDesc) ToString(EDT []byte) (string, bool) {
	if i := bytes.IndexByte(EDT, 0); i != -1 {
		EDT = EDT[:i]
	}
	return string(EDT), true
}

// SizeDesc はバイト長だけを規定する値域です。表示は16進になります。
type SizeDesc struct {
	Size int
}

func (d SizeDesc) Valid(EDT []byte) bool {
	return len(EDT) == d.Size
}

func (d SizeDesc) ToString(EDT []byte) (string, bool) {
	if !d.Valid(EDT) {
		return "", false
	}
	return fmt.Sprintf("%X", EDT), true
}

func (d SizeDesc) FromString(s string) ([]byte, bool) {
	edt, err := parseHex(s)
	if err != nil || !d.Valid(edt) {
		return nil, false
	}
	return edt, true
}

func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd length hex string %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex string %q: %w", s, err)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func uintToBytes(n uint32, size int) []byte {
	b := make([]byte, size)
	for i := range size {
		b[i] = byte(n >> uint((size-1-i)*8))
	}
	return b
}

func bytesToUint(b []byte) uint32 {
	var n uint32
	for _, v := range b {
		n = n<<8 | uint32(v)
	}
	return n
}

func bytesToInt(b []byte) int32 {
	var n int32
	if len(b) > 0 && b[0]&0x80 != 0 {
		n = -1
	}
	for _, v := range b {
		n = n<<8 | int32(v)
	}
	return n
}
