package echonet_lite

import (
	"bytes"
	"testing"
)

func FuzzDecode(f *testing.F) {
	f.Add([]byte{0x10, 0x81, 0x00, 0x00, 0x05, 0xFF, 0x01, 0x01, 0x30, 0x01, 0x62, 0x01, 0x80, 0x00})
	f.Add([]byte{0x10, 0x81, 0x00, 0x01, 0x05, 0xFF, 0x01, 0x01, 0x30, 0x01, 0x6E, 0x01, 0x80, 0x01, 0x30, 0x01, 0xBB, 0x00})
	f.Add([]byte{0x10, 0x82, 0x00, 0x02, 0xde, 0xad})
	f.Add([]byte{0x10, 0x81, 0x00, 0x01, 0x05, 0xFF, 0x01, 0x01, 0x30, 0x01, 0x62, 0x01, 0x80, 0x02, 0x30})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		frame, err := Decode(data)
		if err != nil {
			return
		}
		if d, ok := frame.EDATA1(); ok && d.Conformance() != nil {
			return
		}
		encoded, err := frame.Encode()
		if err != nil {
			t.Fatalf("re-encode %X: %v", data, err)
		}
		if !bytes.Equal(encoded, data) {
			t.Fatalf("re-encode mismatch:\n in  %X\n out %X", data, encoded)
		}
	})
}

func FuzzDecodeProperties(f *testing.F) {
	f.Add([]byte{0x80, 0x01, 0x30}, 1)
	f.Add([]byte{0x80, 0x05, 0x30}, 1)
	f.Add([]byte{0x9F, 0x00, 0xB0}, 2)

	f.Fuzz(func(t *testing.T, data []byte, count int) {
		if count < 0 || count > 0xff {
			return
		}
		props, n, err := DecodeProperties(data, count)
		if err != nil {
			return
		}
		if n > len(data) {
			t.Fatalf("consumed %d bytes of %d", n, len(data))
		}
		if len(props) != count {
			t.Fatalf("decoded %d properties, want %d", len(props), count)
		}
	})
}

func FuzzDecodePropertyMap(f *testing.F) {
	f.Add([]byte{0x03, 0x80, 0x9E, 0x9F})
	f.Add(append([]byte{0x11}, bytes.Repeat([]byte{0x01}, 16)...))

	f.Fuzz(func(t *testing.T, edt []byte) {
		m, err := DecodePropertyMap(edt)
		if err != nil {
			return
		}
		for _, epc := range m.EPCs() {
			if !m.Has(epc) {
				t.Fatalf("EPCs() returned %v not in map", epc)
			}
		}
	})
}
