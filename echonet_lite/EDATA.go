package echonet_lite

import (
	"fmt"
	"strings"
)

type ESVType byte

const (
	ESVSetI    ESVType = 0x60 // SetI プロパティ値書き込み要求（応答不要）
	ESVSetC    ESVType = 0x61 // SetC プロパティ値書き込み要求（応答要）
	ESVGet     ESVType = 0x62 // Get プロパティ値読み出し要求
	ESVINF_REQ ESVType = 0x63 // INF_REQ プロパティ値通知要求
	ESVSetGet  ESVType = 0x6e // SetGet プロパティ値書き込み・読み出し要求

	ESVSet_Res    ESVType = 0x71 // Set_Res プロパティ値書き込み応答
	ESVGet_Res    ESVType = 0x72 // Get_Res プロパティ値読み出し応答
	ESVINF        ESVType = 0x73 // INF プロパティ値通知
	ESVINFC       ESVType = 0x74 // INFC プロパティ値通知（応答要）
	ESVINFC_Res   ESVType = 0x7a // INFC_Res プロパティ値通知応答
	ESVSetGet_Res ESVType = 0x7e // SetGet_Res プロパティ値書き込み・読み出し応答

	ESVSetI_SNA    ESVType = 0x50 // SetI_SNA プロパティ値書き込み要求不可応答
	ESVSetC_SNA    ESVType = 0x51 // SetC_SNA プロパティ値書き込み要求不可応答
	ESVGet_SNA     ESVType = 0x52 // Get_SNA プロパティ値読み出し要求不可応答
	ESVINF_REQ_SNA ESVType = 0x53 // INF_REQ_SNA プロパティ値通知要求不可応答
	ESVSetGet_SNA  ESVType = 0x5e // SetGet_SNA プロパティ値書き込み・読み出し要求不可応答
)

func (e ESVType) String() string {
	switch e {
	case ESVSetI:
		return "SetI"
	case ESVSetC:
		return "SetC"
	case ESVGet:
		return "Get"
	case ESVINF_REQ:
		return "INF_REQ"
	case ESVSetGet:
		return "SetGet"
	case ESVINF:
		return "INF"
	case ESVINFC:
		return "INFC"
	case ESVINFC_Res:
		return "INFC_Res"
	case ESVSet_Res:
		return "Set_Res"
	case ESVGet_Res:
		return "Get_Res"
	case ESVSetGet_Res:
		return "SetGet_Res"
	case ESVSetI_SNA:
		return "SetI_SNA"
	case ESVSetC_SNA:
		return "SetC_SNA"
	case ESVGet_SNA:
		return "Get_SNA"
	case ESVINF_REQ_SNA:
		return "INF_REQ_SNA"
	case ESVSetGet_SNA:
		return "SetGet_SNA"

	default:
		return fmt.Sprintf("(%X)", byte(e))
	}
}

// IsValid は ESV が定義済みのサービスコードかどうかを返す
func (e ESVType) IsValid() bool {
	switch e {
	case ESVSetI, ESVSetC, ESVGet, ESVINF_REQ, ESVSetGet,
		ESVSet_Res, ESVGet_Res, ESVINF, ESVINFC, ESVINFC_Res, ESVSetGet_Res,
		ESVSetI_SNA, ESVSetC_SNA, ESVGet_SNA, ESVINF_REQ_SNA, ESVSetGet_SNA:
		return true
	}
	return false
}

// IsSetGet は書き込み・読み出し系 (2つのプロパティリストを持つ) かどうかを返す
func (e ESVType) IsSetGet() bool {
	return e == ESVSetGet || e == ESVSetGet_Res || e == ESVSetGet_SNA
}

// IsSNA は不可応答かどうかを返す
func (e ESVType) IsSNA() bool {
	return e&0xf0 == 0x50
}

// IsResponse は応答または通知（相手から送られてくる側）のESVかどうかを返す
func (e ESVType) IsResponse() bool {
	return e.IsSNA() || e&0xf0 == 0x70
}

// ESVSetI -> 成功:応答無し, 失敗: ESVSetI_SNA
// ESVSetC -> 成功:ESVSet_Res, 失敗: ESVSetC_SNA
// ESVGet -> 成功:ESVGet_Res, 失敗: ESVGet_SNA
// ESVINF_REQ -> 成功:ESVINF, 失敗: ESVINF_REQ_SNA
// ESVSetGet -> 成功:ESVSetGet_Res, 失敗: ESVSetGet_SNA
// ESVINFC -> 成功:ESVINFC_Res
func (e ESVType) ResponseESVs() []ESVType {
	switch e {
	case ESVSetI:
		return []ESVType{ESVSetI_SNA}
	case ESVSetC:
		return []ESVType{ESVSet_Res, ESVSetC_SNA}
	case ESVGet:
		return []ESVType{ESVGet_Res, ESVGet_SNA}
	case ESVINF_REQ:
		return []ESVType{ESVINF, ESVINF_REQ_SNA}
	case ESVSetGet:
		return []ESVType{ESVSetGet_Res, ESVSetGet_SNA}
	case ESVINFC:
		return []ESVType{ESVINFC_Res}
	default:
		return nil
	}
}

// EDATA1 は形式1 (規定電文形式) のサービスデータです。
type EDATA1 struct {
	SEOJ             EOJ        // 送信元ECHONETオブジェクト
	DEOJ             EOJ        // 宛先ECHONETオブジェクト
	ESV              ESVType    // サービスコード
	Properties       Properties // プロパティリスト (SetGet系では書き込み側)
	SetGetProperties Properties // SetGet系のときの読み出し側プロパティ

	violation error // 受信時に検出した形式違反
}

// NewEDATA1 は SetGet 系以外のサービスデータを作成します。
func NewEDATA1(seoj, deoj EOJ, esv ESVType, props Properties) (*EDATA1, error) {
	if !esv.IsValid() {
		return nil, &FormatError{Kind: FormatErrorUnknownESV, Detail: fmt.Sprintf("ESV %02X", byte(esv))}
	}
	if esv.IsSetGet() {
		return nil, &ServiceShapeError{ESV: esv, Lists: 1, Detail: "SetGet services need separate write and read lists"}
	}
	return &EDATA1{SEOJ: seoj, DEOJ: deoj, ESV: esv, Properties: props}, nil
}

// NewSetGetEDATA1 は SetGet 系のサービスデータを作成します。
func NewSetGetEDATA1(seoj, deoj EOJ, esv ESVType, setProps, getProps Properties) (*EDATA1, error) {
	if !esv.IsValid() {
		return nil, &FormatError{Kind: FormatErrorUnknownESV, Detail: fmt.Sprintf("ESV %02X", byte(esv))}
	}
	if !esv.IsSetGet() {
		return nil, &ServiceShapeError{ESV: esv, Lists: 2, Detail: "only SetGet services carry two lists"}
	}
	return &EDATA1{SEOJ: seoj, DEOJ: deoj, ESV: esv, Properties: setProps, SetGetProperties: getProps}, nil
}

func (d *EDATA1) EHD() EHDType { return EHD_ECHONETLite }

// Conformance は受信時に検出した形式違反を返します。違反がなければ nil です。
func (d *EDATA1) Conformance() error {
	if d.violation != nil {
		return d.violation
	}
	if !d.ESV.IsSetGet() && len(d.SetGetProperties) > 0 {
		return &ServiceShapeError{ESV: d.ESV, Lists: 2}
	}
	return nil
}

func (d *EDATA1) lists() int {
	if d.ESV.IsSetGet() {
		return 2
	}
	return 1
}

// EOJ は相手側のオブジェクトを返します。
// 応答・通知では送信元、要求では宛先が相手側です。
func (d *EDATA1) EOJ() EOJ {
	if d.ESV.IsResponse() {
		return d.SEOJ
	}
	return d.DEOJ
}

func (d *EDATA1) appendTo(buf []byte) ([]byte, error) {
	if !d.ESV.IsValid() {
		return nil, &FormatError{Kind: FormatErrorUnknownESV, Detail: fmt.Sprintf("ESV %02X", byte(d.ESV))}
	}
	if err := d.Conformance(); err != nil {
		return nil, err
	}
	buf = append(buf, d.SEOJ.Encode()...)
	buf = append(buf, d.DEOJ.Encode()...)
	buf = append(buf, byte(d.ESV))
	buf, err := d.Properties.appendTo(buf)
	if err != nil {
		return nil, err
	}
	if d.ESV.IsSetGet() {
		return d.SetGetProperties.appendTo(buf)
	}
	return buf, nil
}

func (d *EDATA1) String() string {
	classCode := d.EOJ().ClassCode()
	parts := []string{
		fmt.Sprintf("SEOJ:%v", d.SEOJ),
		fmt.Sprintf("DEOJ:%v", d.DEOJ),
		fmt.Sprintf("ESV:%v", d.ESV),
	}
	if d.ESV.IsSetGet() {
		parts = append(parts,
			fmt.Sprintf("Properties(Set):%v", d.Properties.String(classCode)),
			fmt.Sprintf("Properties(Get):%v", d.SetGetProperties.String(classCode)),
		)
	} else {
		parts = append(parts, fmt.Sprintf("Properties:%v", d.Properties.String(classCode)))
	}
	return strings.Join(parts, ", ")
}

// EDATA2 は形式2 (任意電文形式) のサービスデータです。
type EDATA2 []byte

func (d EDATA2) EHD() EHDType { return EHD_ECHONETLiteArbitrary }

func (d EDATA2) appendTo(buf []byte) ([]byte, error) {
	return append(buf, d...), nil
}

func (d EDATA2) String() string {
	return fmt.Sprintf("EDATA2:%X", []byte(d))
}
