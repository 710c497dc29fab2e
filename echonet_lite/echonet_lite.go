package echonet_lite

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

// ECHONET Lite 資料
// https://echonet.jp/spec_g/
//  https://echonet.jp/spec_v114_lite/ (ECHONET Lite)
//  https://echonet.jp/spec_object_rr2/ (ECHONET Liteオブジェクト)

const (
	EHD1_ECHONETLite byte = 0x10 // EHD1: ECHONET Lite規格
	EHD2_Format1     byte = 0x81 // EHD2: 規定電文形式 (EDATA1)
	EHD2_Format2     byte = 0x82 // EHD2: 任意電文形式 (EDATA2)

	EHD_ECHONETLite          EHDType = 0x1081 // 形式1のヘッダ
	EHD_ECHONETLiteArbitrary EHDType = 0x1082 // 形式2のヘッダ

	ECHONETLitePort = 3610 // ECHONET Liteのポート番号

	headerLength  = 4  // EHD(2)+TID(2)
	edata1MinSize = 8  // SEOJ(3)+DEOJ(3)+ESV(1)+OPC(1)
	frameMinSize  = 12 // headerLength + edata1MinSize
)

// ECHONETLiteMulticastIPv4 はECHONET Liteのマルチキャストアドレス
var ECHONETLiteMulticastIPv4 = net.IPv4(224, 0, 23, 0)

type EHDType uint16

func MakeEHD(ehd1, ehd2 byte) EHDType {
	return EHDType(ehd1)<<8 | EHDType(ehd2)
}

func (e EHDType) EHD1() byte { return byte(e >> 8) }
func (e EHDType) EHD2() byte { return byte(e) }

func (e EHDType) String() string {
	switch e {
	case EHD_ECHONETLite:
		return "ECHONET Lite"
	case EHD_ECHONETLiteArbitrary:
		return "ECHONET Lite(arbitrary)"
	default:
		return fmt.Sprintf("(%04X)", uint16(e))
	}
}

// TIDType はトランザクションIDを表します。ワイヤ上はビッグエンディアンです。
type TIDType uint16

func DecodeTID(data []byte) TIDType {
	if len(data) < 2 {
		return 0
	}
	return TIDType(binary.BigEndian.Uint16(data))
}

func (t TIDType) Encode() []byte {
	return binary.BigEndian.AppendUint16(nil, uint16(t))
}

func (t TIDType) String() string {
	return fmt.Sprintf("%04X", uint16(t))
}

// ServiceData は EDATA1 または EDATA2 を表します。
type ServiceData interface {
	// EHD はこのサービスデータを運ぶために必要なヘッダを返す
	EHD() EHDType
	appendTo(buf []byte) ([]byte, error)
}

// Frame はECHONET Liteの電文を表します。
type Frame struct {
	EHD   EHDType     // ヘッダ
	TID   TIDType     // トランザクションID
	EDATA ServiceData // *EDATA1 または EDATA2
}

// NewFrame はヘッダとサービスデータの組み合わせを検査して Frame を作成します。
func NewFrame(ehd EHDType, tid TIDType, data ServiceData) (*Frame, error) {
	f := &Frame{EHD: ehd, TID: tid, EDATA: data}
	if err := f.checkHeader(); err != nil {
		return nil, err
	}
	return f, nil
}

// NewFrame1 は形式1のフレームを作成します。
func NewFrame1(tid TIDType, data *EDATA1) *Frame {
	return &Frame{EHD: EHD_ECHONETLite, TID: tid, EDATA: data}
}

func (f *Frame) checkHeader() error {
	if f.EDATA == nil {
		return &FormatError{Kind: FormatErrorMismatchedPayload, Detail: "service data is nil"}
	}
	if f.EHD != f.EDATA.EHD() {
		return &FormatError{
			Kind:   FormatErrorMismatchedPayload,
			Detail: fmt.Sprintf("EHD %04X does not carry %T", uint16(f.EHD), f.EDATA),
		}
	}
	return nil
}

// EDATA1 は形式1のサービスデータを返します。形式2の場合は false を返します。
func (f *Frame) EDATA1() (*EDATA1, bool) {
	d, ok := f.EDATA.(*EDATA1)
	return d, ok && d != nil
}

// Encode はフレームをバイト列に変換します。
// EHD がゼロ値の場合はサービスデータに合わせたヘッダを使います。
func (f *Frame) Encode() ([]byte, error) {
	frame := *f
	if frame.EDATA != nil && frame.EHD == 0 {
		frame.EHD = frame.EDATA.EHD()
	}
	if err := frame.checkHeader(); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, frameMinSize+16)
	buf = append(buf, frame.EHD.EHD1(), frame.EHD.EHD2())
	buf = binary.BigEndian.AppendUint16(buf, uint16(frame.TID))
	return frame.EDATA.appendTo(buf)
}

func (f *Frame) String() string {
	parts := []string{
		fmt.Sprintf("EHD:%v", f.EHD),
		fmt.Sprintf("TID:%v", f.TID),
	}
	if f.EDATA != nil {
		parts = append(parts, fmt.Sprint(f.EDATA))
	}
	return strings.Join(parts, ", ")
}

// Decode は受信したバイト列から Frame をデコードします。
// 入力スライスは参照されず、EDT は新しいスライスにコピーされます。
func Decode(data []byte) (*Frame, error) {
	if len(data) < headerLength {
		return nil, &FormatError{Kind: FormatErrorTruncated, Offset: len(data),
			Detail: fmt.Sprintf("header needs %d bytes, got %d", headerLength, len(data))}
	}
	if data[0] != EHD1_ECHONETLite {
		return nil, &FormatError{Kind: FormatErrorBadMarker, Offset: 0,
			Detail: fmt.Sprintf("EHD1 %02X", data[0])}
	}
	ehd := MakeEHD(data[0], data[1])
	tid := DecodeTID(data[2:4])

	switch data[1] {
	case EHD2_Format1:
		edata, err := decodeEDATA1(data, headerLength)
		if err != nil {
			return nil, err
		}
		return &Frame{EHD: ehd, TID: tid, EDATA: edata}, nil
	case EHD2_Format2:
		payload := make([]byte, len(data)-headerLength)
		copy(payload, data[headerLength:])
		return &Frame{EHD: ehd, TID: tid, EDATA: EDATA2(payload)}, nil
	default:
		return nil, &FormatError{Kind: FormatErrorUnknownFormat, Offset: 1,
			Detail: fmt.Sprintf("EHD2 %02X", data[1])}
	}
}

func decodeEDATA1(data []byte, pos int) (*EDATA1, error) {
	if len(data) < pos+edata1MinSize {
		return nil, &FormatError{Kind: FormatErrorTruncated, Offset: len(data),
			Detail: fmt.Sprintf("EDATA1 needs %d bytes, got %d", frameMinSize, len(data))}
	}
	esv := ESVType(data[pos+6])
	if !esv.IsValid() {
		return nil, &FormatError{Kind: FormatErrorUnknownESV, Offset: pos + 6,
			Detail: fmt.Sprintf("ESV %02X", byte(esv))}
	}
	d := &EDATA1{
		SEOJ: DecodeEOJ(data[pos : pos+3]),
		DEOJ: DecodeEOJ(data[pos+3 : pos+6]),
		ESV:  esv,
	}
	pos += 7

	next, props, err := parseProperties(data, pos)
	if err != nil {
		return nil, err
	}
	d.Properties = props
	pos = next

	if esv.IsSetGet() {
		if pos >= len(data) {
			// 2つ目の OPC が欠落している
			d.violation = &ServiceShapeError{ESV: esv, Lists: 1, Detail: "missing second property list"}
			return d, nil
		}
		next, props, err = parseProperties(data, pos)
		if err != nil {
			return nil, err
		}
		d.SetGetProperties = props
		pos = next
	}

	if pos < len(data) {
		d.violation = &ServiceShapeError{ESV: esv, Lists: d.lists(),
			Detail: fmt.Sprintf("%d trailing bytes", len(data)-pos)}
	}
	return d, nil
}
