package cmd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"echonet-controller/echonet_lite"
	"echonet-controller/echonet_lite/catalog"
	"echonet-controller/echonet_lite/handler"
)

var errNoResponse = errors.New("応答がありません")

// signalContext は Ctrl-C で終了する context を返す
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (rt *runtime) classOf(eoj echonet_lite.EOJ) catalog.Class {
	if class, ok := rt.catalog.Lookup(eoj.ClassCode()); ok {
		return class
	}
	return catalog.Class{ClassCode: eoj.ClassCode()}
}

// parseEPCs は "80" や "0xB0" の並びを EPC のリストにする
func parseEPCs(args []string) ([]echonet_lite.EPCType, error) {
	epcs := make([]echonet_lite.EPCType, 0, len(args))
	for _, arg := range args {
		epc, err := echonet_lite.ParseEPCString(arg)
		if err != nil {
			return nil, err
		}
		epcs = append(epcs, epc)
	}
	return epcs, nil
}

// parseProperty は "EPC=値" を Property にする。
// 値はクラス定義のエイリアス (on など)、値の文字列表現、16進のバイト列の順に解釈する。
func parseProperty(class catalog.Class, arg string) (echonet_lite.Property, error) {
	epcStr, value, ok := strings.Cut(arg, "=")
	if !ok {
		return echonet_lite.Property{}, fmt.Errorf("EPC=値 の形式で指定してください: %q", arg)
	}
	epc, err := echonet_lite.ParseEPCString(epcStr)
	if err != nil {
		return echonet_lite.Property{}, err
	}
	if rule, ok := class.Rule(epc); ok {
		if edt, ok := rule.ToEDT(value); ok {
			return echonet_lite.Property{EPC: epc, EDT: edt}, nil
		}
	}
	edt, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X"))
	if err != nil || len(edt) == 0 {
		return echonet_lite.Property{}, fmt.Errorf("EPC %v の値を解釈できません: %q", epc, value)
	}
	return echonet_lite.Property{EPC: epc, EDT: edt}, nil
}

func parseProperties(class catalog.Class, args []string) (echonet_lite.Properties, error) {
	props := make(echonet_lite.Properties, 0, len(args))
	for _, arg := range args {
		p, err := parseProperty(class, arg)
		if err != nil {
			return nil, err
		}
		props = append(props, p)
	}
	return props, nil
}

// formatValue はクラス定義があればエイリアスなどの表現を添える
func formatValue(class catalog.Class, epc echonet_lite.EPCType, EDT []byte) string {
	raw := echonet_lite.Property{EPC: epc, EDT: EDT}.EDTString()
	if rule, ok := class.Rule(epc); ok {
		if s := rule.EDTToString(EDT); s != "" && s != raw {
			return fmt.Sprintf("%s (%s)", s, raw)
		}
	}
	return raw
}

func epcLabel(class catalog.Class, epc echonet_lite.EPCType) string {
	if rule, ok := class.Rule(epc); ok && rule.Name != "" {
		return fmt.Sprintf("%v(%s)", epc, rule.Name)
	}
	return epc.StringForClass(class.ClassCode)
}

func printResults(w io.Writer, class catalog.Class, results []handler.PropertyResult) {
	for _, r := range results {
		status := "OK"
		if !r.OK {
			status = "NG"
		}
		fmt.Fprintf(w, "  %s %s: %s\n", status, epcLabel(class, r.EPC), formatValue(class, r.EPC, r.EDT))
	}
}

func allOK(results []handler.PropertyResult) bool {
	for _, r := range results {
		if !r.OK {
			return false
		}
	}
	return true
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
