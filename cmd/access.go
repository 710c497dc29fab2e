package cmd

import (
	"context"
	"fmt"
	"net"
	"strings"

	"echonet-controller/echonet_lite"

	"github.com/spf13/cobra"
)

// withController は UDP のハンドラを開いて fn を実行する
func (rt *runtime) withController(cmd *cobra.Command, fn func(ctx context.Context, c *controller) error) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	conn, err := rt.openUDP(ctx)
	if err != nil {
		return err
	}
	c, err := rt.startController(ctx, conn)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(ctx, c)
}

// resolveDevice は先頭の引数をエイリアスか "<ip> <eoj>" として解釈し、残りの引数を返す
func (rt *runtime) resolveDevice(args []string) (echonet_lite.IPAndEOJ, []string, error) {
	if len(args) == 0 {
		return echonet_lite.IPAndEOJ{}, nil, fmt.Errorf("機器を指定してください")
	}
	if device, ok := rt.aliases.GetDeviceByAlias(args[0]); ok {
		return device, args[1:], nil
	}
	if len(args) < 2 {
		return echonet_lite.IPAndEOJ{}, nil, fmt.Errorf("%q はエイリアスではありません。<ip> <eoj> で指定してください", args[0])
	}
	device, err := echonet_lite.ParseIPAndEOJ(args[0], args[1])
	if err != nil {
		return echonet_lite.IPAndEOJ{}, nil, err
	}
	return device, args[2:], nil
}

func newGetCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "get <ip> <eoj>|<alias> <epc>...",
		Short: "プロパティ値を読み出す (Get)",
		Example: `  echonet-controller get 192.168.0.10 0130:1 80 B0 B3
  echonet-controller get living_aircon 80`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, rest, err := rt.resolveDevice(args)
			if err != nil {
				return err
			}
			if len(rest) == 0 {
				return fmt.Errorf("EPC を指定してください")
			}
			epcs, err := parseEPCs(rest)
			if err != nil {
				return err
			}
			class := rt.classOf(device.EOJ)
			return rt.withController(cmd, func(ctx context.Context, c *controller) error {
				ok, results, err := c.Read(ctx, device, epcs...)
				if err != nil {
					return err
				}
				if results == nil && !ok {
					return fmt.Errorf("%v: %w", device.Specifier(), errNoResponse)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%v:\n", device.Specifier())
				printResults(cmd.OutOrStdout(), class, results)
				if !ok {
					return fmt.Errorf("読み出せないプロパティがあります")
				}
				return nil
			})
		},
	}
}

type setFlags struct {
	noResponse bool
}

func newSetCmd(rt *runtime) *cobra.Command {
	flags := &setFlags{}
	cmd := &cobra.Command{
		Use:   "set <ip> <eoj>|<alias> <epc>=<value>...",
		Short: "プロパティ値を書き込む (SetC / SetI)",
		Long: `プロパティ値を書き込みます。値はクラス定義のエイリアス (on, off など)、
値の表現 (26 など)、または16進のバイト列で指定します。`,
		Example: `  echonet-controller set 192.168.0.10 0130:1 80=on B3=26
  echonet-controller set 192.168.0.10 0291:1 80=31 --no-response`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, rest, err := rt.resolveDevice(args)
			if err != nil {
				return err
			}
			if len(rest) == 0 {
				return fmt.Errorf("EPC=値 を指定してください")
			}
			class := rt.classOf(device.EOJ)
			props, err := parseProperties(class, rest)
			if err != nil {
				return err
			}
			return rt.withController(cmd, func(ctx context.Context, c *controller) error {
				if flags.noResponse {
					return c.WriteNoResponse(ctx, device, props)
				}
				ok, results, err := c.Write(ctx, device, props)
				if err != nil {
					return err
				}
				if results == nil && !ok {
					return fmt.Errorf("%v: %w", device.Specifier(), errNoResponse)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%v:\n", device.Specifier())
				printResults(cmd.OutOrStdout(), class, results)
				if !ok {
					return fmt.Errorf("書き込めないプロパティがあります")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&flags.noResponse, "no-response", false, "応答不要の書き込み (SetI) にする")
	return cmd
}

type setGetFlags struct {
	set []string
	get []string
}

func newSetGetCmd(rt *runtime) *cobra.Command {
	flags := &setGetFlags{}
	cmd := &cobra.Command{
		Use:     "setget <ip> <eoj>|<alias> --set <epc>=<value> --get <epc>",
		Short:   "書き込みと読み出しを1回で行う (SetGet)",
		Example: `  echonet-controller setget 192.168.0.10 0130:1 --set 80=on --get B0,BB`,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(flags.set) == 0 || len(flags.get) == 0 {
				return fmt.Errorf("--set と --get の両方が必要です")
			}
			device, rest, err := rt.resolveDevice(args)
			if err != nil {
				return err
			}
			if len(rest) > 0 {
				return fmt.Errorf("余分な引数があります: %v", rest)
			}
			class := rt.classOf(device.EOJ)
			setProps, err := parseProperties(class, flags.set)
			if err != nil {
				return err
			}
			getEPCs, err := parseEPCs(flags.get)
			if err != nil {
				return err
			}
			return rt.withController(cmd, func(ctx context.Context, c *controller) error {
				ok, setResults, getResults, err := c.WriteRead(ctx, device, setProps, getEPCs)
				if err != nil {
					return err
				}
				if setResults == nil && getResults == nil && !ok {
					return fmt.Errorf("%v: %w", device.Specifier(), errNoResponse)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%v set:\n", device.Specifier())
				printResults(out, class, setResults)
				fmt.Fprintf(out, "%v get:\n", device.Specifier())
				printResults(out, class, getResults)
				if !ok {
					return fmt.Errorf("処理できないプロパティがあります")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&flags.set, "set", nil, "書き込むプロパティ (EPC=値)")
	cmd.Flags().StringSliceVar(&flags.get, "get", nil, "読み出すプロパティ (EPC)")
	return cmd
}

type notifyFlags struct {
	withResponse bool
}

// parseDestination は "multicast" または空のときは nil (マルチキャスト) を返す
func parseDestination(s string) (net.IP, error) {
	if s == "" || strings.EqualFold(s, "multicast") {
		return nil, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address: %q", s)
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return ip, nil
}

func newNotifyCmd(rt *runtime) *cobra.Command {
	flags := &notifyFlags{}
	cmd := &cobra.Command{
		Use:   "notify <ip|multicast> <deoj> <epc>=<value>...",
		Short: "自オブジェクトのプロパティを通知する (INF / INFC)",
		Example: `  echonet-controller notify multicast 0EF0:1 80=on
  echonet-controller notify 192.168.0.10 0130:1 80=on --response`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst, err := parseDestination(args[0])
			if err != nil {
				return err
			}
			deoj, err := echonet_lite.ParseEOJString(args[1])
			if err != nil {
				return err
			}
			seoj, _ := rt.cfg.ControllerEOJ()
			props, err := parseProperties(rt.classOf(seoj), args[2:])
			if err != nil {
				return err
			}
			if flags.withResponse && dst == nil {
				return fmt.Errorf("--response には宛先のIPアドレスが必要です")
			}
			return rt.withController(cmd, func(ctx context.Context, c *controller) error {
				if !flags.withResponse {
					return c.Notify(ctx, dst, deoj, props)
				}
				device := echonet_lite.IPAndEOJ{IP: dst, EOJ: deoj}
				ok, results, err := c.NotifyWithResponse(ctx, device, props)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%v: %w", device.Specifier(), errNoResponse)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%v acknowledged:\n", device.Specifier())
				printResults(cmd.OutOrStdout(), rt.classOf(seoj), results)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&flags.withResponse, "response", false, "応答要の通知 (INFC) にして INFC_Res を待つ")
	return cmd
}
