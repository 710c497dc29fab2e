package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"echonet-controller/echonet_lite/handler"

	"github.com/spf13/cobra"
)

type discoverFlags struct {
	wait       time.Duration
	jsonOutput bool
	events     bool
}

func newDiscoverCmd(rt *runtime) *cobra.Command {
	flags := &discoverFlags{}
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "ネットワーク上の機器を探索する",
		Long: `インスタンスリスト通知を要求し、応答したノードのオブジェクトとプロパティマップを取得します。
--wait の間に受信した通知を処理した後、見つかった機器を表示します。`,
		Example: `  echonet-controller discover --wait 10s --json`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var snapshot []handler.DeviceSnapshot
			err := rt.withController(cmd, func(ctx context.Context, c *controller) error {
				if flags.events {
					unsubscribe := c.Subscribe(eventPrinter(cmd.ErrOrStderr()))
					defer unsubscribe()
				}
				if rt.cfg.Discovery.RequestOnStart {
					if err := c.RequestInstanceListNotification(ctx); err != nil {
						return err
					}
				}
				select {
				case <-time.After(flags.wait):
				case <-ctx.Done():
				case <-c.Done():
					if err := c.Err(); err != nil {
						return err
					}
				}
				// 実行中のプロパティマップ取得を待ってから結果を取る
				_ = c.Close()
				snapshot = c.Devices().Snapshot()
				return nil
			})
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), snapshot)
			}
			printSnapshot(cmd.OutOrStdout(), snapshot)
			return nil
		},
	}
	cmd.Flags().DurationVar(&flags.wait, "wait", 5*time.Second, "通知を待つ時間")
	cmd.Flags().BoolVar(&flags.jsonOutput, "json", false, "JSON で出力する")
	cmd.Flags().BoolVar(&flags.events, "events", false, "探索中のイベントを標準エラー出力に表示する")
	return cmd
}

func eventPrinter(w io.Writer) handler.Observer {
	return handler.ObserverFunc(func(e handler.Event) {
		fmt.Fprintln(w, e.String())
		slog.Debug("イベント", "type", e.Type, "node", e.Node, "eoj", e.EOJ)
	})
}

func printSnapshot(w io.Writer, snapshot []handler.DeviceSnapshot) {
	if len(snapshot) == 0 {
		fmt.Fprintln(w, "機器が見つかりませんでした")
		return
	}
	for _, d := range snapshot {
		mark := ""
		if !d.MapAcquired {
			mark = " (プロパティマップ未取得)"
		}
		fmt.Fprintf(w, "%s %s %s%s\n", d.IP, d.EOJ, d.Class, mark)
		for _, p := range d.Properties {
			if p.EDT == nil {
				continue
			}
			name := p.Name
			if name == "" {
				name = "-"
			}
			fmt.Fprintf(w, "  %v %s: %X\n", p.EPC, name, p.EDT)
		}
	}
}
