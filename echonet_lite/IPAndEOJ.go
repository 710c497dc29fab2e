package echonet_lite

import (
	"bytes"
	"cmp"
	"fmt"
	"net"
)

// IPAndEOJ はノードのアドレスとオブジェクトの組で、操作対象の機器を表します
type IPAndEOJ struct {
	IP  net.IP
	EOJ EOJ
}

// ParseIPAndEOJ は "192.168.0.10" と "0130:1" のような文字列から IPAndEOJ を作ります
func ParseIPAndEOJ(ip, eoj string) (IPAndEOJ, error) {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return IPAndEOJ{}, fmt.Errorf("invalid IP address: %q", ip)
	}
	if v4 := parsedIP.To4(); v4 != nil {
		parsedIP = v4
	}
	parsedEOJ, err := ParseEOJString(eoj)
	if err != nil {
		return IPAndEOJ{}, err
	}
	return IPAndEOJ{IP: parsedIP, EOJ: parsedEOJ}, nil
}

func (d IPAndEOJ) String() string {
	return fmt.Sprintf("%v %v", d.IP, d.EOJ)
}

func (d IPAndEOJ) Specifier() string {
	return fmt.Sprintf("%v %v", d.IP, d.EOJ.Specifier())
}

// Compare は IP、EOJ の順に比較する
func (d IPAndEOJ) Compare(other IPAndEOJ) int {
	if c := bytes.Compare(d.IP.To16(), other.IP.To16()); c != 0 {
		return c
	}
	return cmp.Compare(d.EOJ, other.EOJ)
}
