package echonet_lite

import (
	"errors"
	"fmt"
)

// FormatErrorKind はデコード処理のどの段階で失敗したかを表します。
type FormatErrorKind int

const (
	FormatErrorTruncated         FormatErrorKind = iota + 1 // ヘッダ/EDATA1の長さ不足
	FormatErrorBadMarker                                    // EHD1 が 0x10 でない
	FormatErrorUnknownFormat                                // EHD2 が 0x81/0x82 以外
	FormatErrorUnknownESV                                   // 未定義のESV
	FormatErrorPropertyLength                               // PDC が残りバイト数を超えている
	FormatErrorMismatchedPayload                            // ヘッダとサービスデータの組み合わせ不一致
	FormatErrorValueTooLong                                 // エンコード時: OPC/PDC が 255 を超える
)

func (k FormatErrorKind) String() string {
	switch k {
	case FormatErrorTruncated:
		return "truncated"
	case FormatErrorBadMarker:
		return "bad header marker"
	case FormatErrorUnknownFormat:
		return "unknown format"
	case FormatErrorUnknownESV:
		return "unknown ESV"
	case FormatErrorPropertyLength:
		return "property length exceeds frame"
	case FormatErrorMismatchedPayload:
		return "mismatched payload"
	case FormatErrorValueTooLong:
		return "value too long"
	default:
		return fmt.Sprintf("FormatErrorKind(%d)", int(k))
	}
}

// FormatError はフレームの符号化/復号化エラーです。
// errors.Is で同じ Kind のセンチネルと一致します。
type FormatError struct {
	Kind   FormatErrorKind
	Offset int
	Detail string
}

func (e *FormatError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("echonet lite format error: %v", e.Kind)
	}
	return fmt.Sprintf("echonet lite format error: %v at offset %d: %s", e.Kind, e.Offset, e.Detail)
}

func (e *FormatError) Is(target error) bool {
	t, ok := target.(*FormatError)
	return ok && t.Kind == e.Kind
}

var (
	ErrTruncated         = &FormatError{Kind: FormatErrorTruncated}
	ErrBadMarker         = &FormatError{Kind: FormatErrorBadMarker}
	ErrUnknownFormat     = &FormatError{Kind: FormatErrorUnknownFormat}
	ErrUnknownESV        = &FormatError{Kind: FormatErrorUnknownESV}
	ErrPropertyLength    = &FormatError{Kind: FormatErrorPropertyLength}
	ErrMismatchedPayload = &FormatError{Kind: FormatErrorMismatchedPayload}
	ErrValueTooLong      = &FormatError{Kind: FormatErrorValueTooLong}
)

// ErrListShape は ESV とプロパティリストの形が一致しないことを表すセンチネルです。
var ErrListShape = errors.New("property list shape does not match ESV")

// ServiceShapeError は ESV に対してプロパティリストの数が合わないことを表します。
// コンストラクタでは事前条件違反として返され、受信フレームでは EDATA1.Conformance で報告されます。
type ServiceShapeError struct {
	ESV    ESVType
	Lists  int
	Detail string
}

func (e *ServiceShapeError) Error() string {
	msg := fmt.Sprintf("ESV %v with %d property list(s)", e.ESV, e.Lists)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ServiceShapeError) Unwrap() error {
	return ErrListShape
}

// ErrInvalidPropertyMap はプロパティマップのEDTが不正であることを表します。
type ErrInvalidPropertyMap struct {
	EDT []byte
}

func (e ErrInvalidPropertyMap) Error() string {
	return fmt.Sprintf("invalid property map: %X", e.EDT)
}
