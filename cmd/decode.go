package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"echonet-controller/echonet_lite"

	"github.com/spf13/cobra"
)

func newDecodeCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "decode <hex>...",
		Short: "ECHONET Lite 電文を解析して表示する",
		Example: `  echonet-controller decode 1081000005FF01013001620180 00
  echonet-controller decode "10 81 00 00 05 FF 01 01 30 01 62 01 80 00"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseHexArgs(args)
			if err != nil {
				return err
			}
			frame, err := echonet_lite.Decode(data)
			if err != nil {
				return err
			}
			return rt.printFrame(cmd.OutOrStdout(), frame)
		},
	}
}

// parseHexArgs は空白や ":" で区切られた16進表記をバイト列にする
func parseHexArgs(args []string) ([]byte, error) {
	s := strings.Join(args, "")
	s = strings.NewReplacer(" ", "", ":", "", "\t", "", "\n", "").Replace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("16進表記を解釈できません: %w", err)
	}
	return data, nil
}

func (rt *runtime) printFrame(w io.Writer, frame *echonet_lite.Frame) error {
	fmt.Fprintf(w, "EHD: %v\nTID: %v\n", frame.EHD, frame.TID)
	d, ok := frame.EDATA1()
	if !ok {
		fmt.Fprintf(w, "%v\n", frame.EDATA)
		return nil
	}
	fmt.Fprintf(w, "SEOJ: %v\nDEOJ: %v\nESV: %v\n", d.SEOJ, d.DEOJ, d.ESV)

	class := rt.classOf(d.EOJ())
	printProps := func(title string, props echonet_lite.Properties) {
		fmt.Fprintf(w, "%s (%d):\n", title, len(props))
		for _, p := range props {
			fmt.Fprintf(w, "  %s: %s\n", epcLabel(class, p.EPC), formatValue(class, p.EPC, p.EDT))
		}
	}
	if d.ESV.IsSetGet() {
		printProps("Properties(Set)", d.Properties)
		printProps("Properties(Get)", d.SetGetProperties)
	} else {
		printProps("Properties", d.Properties)
	}

	if err := d.Conformance(); err != nil {
		return fmt.Errorf("電文の形式がサービスに合いません: %w", err)
	}
	return nil
}
