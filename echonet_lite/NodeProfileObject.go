package echonet_lite

import "fmt"

const (
	// EPC
	EPC_NPO_OperationStatus          EPCType = 0x80
	EPC_NPO_VersionInfo              EPCType = 0x82
	EPC_NPO_IDNumber                 EPCType = 0x83
	EPC_NPO_IndividualID             EPCType = 0xbf
	EPC_NPO_SelfNodeInstances        EPCType = 0xd3
	EPC_NPO_SelfNodeClasses          EPCType = 0xd4
	EPC_NPO_InstanceListNotification EPCType = 0xd5
	EPC_NPO_SelfNodeInstanceListS    EPCType = 0xd6
	EPC_NPO_SelfNodeClassListS       EPCType = 0xd7
)

// インスタンスリスト通知1回に載せられるEOJの最大数
const MaxInstanceListEntries = 84

var nodeProfileEPCNames = map[EPCType]string{
	EPC_NPO_VersionInfo:              "Version information",
	EPC_NPO_IDNumber:                 "Identification number",
	EPC_NPO_IndividualID:             "Individual identification information",
	EPC_NPO_SelfNodeInstances:        "Self-node instances number",
	EPC_NPO_SelfNodeClasses:          "Self-node classes number",
	EPC_NPO_InstanceListNotification: "Instance list notification",
	EPC_NPO_SelfNodeInstanceListS:    "Self-node instance list S",
	EPC_NPO_SelfNodeClassListS:       "Self-node class list S",
}

type NPO_VersionInfo struct {
	MajorVersion byte
	MinorVersion byte
	Default      bool // 既定電文
	Optional     bool // 任意電文
}

func NPO_DecodeVersionInfo(EDT []byte) *NPO_VersionInfo {
	if len(EDT) < 3 {
		return nil
	}
	return &NPO_VersionInfo{
		MajorVersion: EDT[0],
		MinorVersion: EDT[1],
		Default:      EDT[2]&0x01 != 0,
		Optional:     EDT[2]&0x02 != 0,
	}
}

func (s *NPO_VersionInfo) String() string {
	return fmt.Sprintf("%d.%d Default:%t, Optional:%t",
		s.MajorVersion, s.MinorVersion,
		s.Default, s.Optional,
	)
}

// InstanceList は 0xD5/0xD6 の EDT (個数 + EOJ×個数) です。
type InstanceList []EOJ

func DecodeInstanceList(EDT []byte) (InstanceList, error) {
	if len(EDT) < 1 {
		return nil, fmt.Errorf("instance list: empty EDT")
	}
	instances := int(EDT[0])
	if len(EDT) < 1+instances*3 {
		return nil, fmt.Errorf("instance list: %d instances need %d bytes, got %d", instances, 1+instances*3, len(EDT))
	}
	result := make(InstanceList, 0, instances)
	for i := 0; i < instances; i++ {
		result = append(result, DecodeEOJ(EDT[1+i*3:1+i*3+3]))
	}
	return result, nil
}

func (s InstanceList) String() string {
	return fmt.Sprintf("%d:%v", len(s), []EOJ(s))
}

func (s InstanceList) EDT() []byte {
	n := len(s)
	if n > 0xff {
		n = 0xff
	}
	EDT := make([]byte, 1, 1+n*3)
	EDT[0] = byte(n)
	for _, eoj := range s[:n] {
		EDT = append(EDT, eoj.Encode()...)
	}
	return EDT
}

// InstanceListNotification は 0xD5 のプロパティを作る。
// 84個を超えるインスタンスは複数の通知に分割する。
func (s InstanceList) InstanceListNotification() []Property {
	var props []Property
	for start := 0; start < len(s) || start == 0; start += MaxInstanceListEntries {
		end := min(start+MaxInstanceListEntries, len(s))
		props = append(props, Property{EPC: EPC_NPO_InstanceListNotification, EDT: s[start:end].EDT()})
		if end == len(s) {
			break
		}
	}
	return props
}

// SelfNodeInstanceListS は 0xD6 のプロパティを作る
func (s InstanceList) SelfNodeInstanceListS() Property {
	return Property{EPC: EPC_NPO_SelfNodeInstanceListS, EDT: s.EDT()}
}
