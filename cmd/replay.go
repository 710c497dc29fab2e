package cmd

import (
	"context"
	"fmt"

	"echonet-controller/echonet_lite/handler"
	"echonet-controller/echonet_lite/network"

	"github.com/spf13/cobra"
)

type replayFlags struct {
	realtime   bool
	port       int
	jsonOutput bool
	events     bool
}

func newReplayCmd(rt *runtime) *cobra.Command {
	flags := &replayFlags{}
	cmd := &cobra.Command{
		Use:   "replay <pcap>",
		Short: "記録した通信を再生して機器の状態を再構成する",
		Long: `pcap ファイルに記録された ECHONET Lite の受信電文を、実際のネットワークの代わりに
ハンドラへ流します。通知から作られた機器とプロパティ値を最後に表示します。
再生中は送信できないため、プロパティマップの取得要求は失敗として記録されます。`,
		Example: `  echonet-controller replay capture.pcap --json`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			transport, err := network.OpenCapture(args[0], network.CaptureOptions{
				Port:     flags.port,
				Realtime: flags.realtime,
			})
			if err != nil {
				return err
			}
			snapshot, err := rt.replay(cmd.Context(), transport, flags.events, cmd)
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
	cmd.Flags().BoolVar(&flags.realtime, "realtime", false, "記録時のパケット間隔を再現する")
	cmd.Flags().IntVar(&flags.port, "port", 0, "ECHONET Lite のポート (0 のときは 3610)")
	cmd.Flags().BoolVar(&flags.jsonOutput, "json", false, "JSON で出力する")
	cmd.Flags().BoolVar(&flags.events, "events", false, "再生中のイベントを標準エラー出力に表示する")
	return cmd
}

// replay は transport を最後まで再生し、その時点の機器の状態を返す
func (rt *runtime) replay(parent context.Context, transport network.Transport, events bool, cmd *cobra.Command) ([]handler.DeviceSnapshot, error) {
	ctx, cancel := signalContext(parent)
	defer cancel()

	c, err := rt.startController(ctx, transport)
	if err != nil {
		return nil, err
	}
	if events {
		c.Subscribe(eventPrinter(cmd.ErrOrStderr()))
	}

	select {
	case <-c.Done():
		// 再生中に始まった探索処理を終わらせる
		c.Discovery().Wait()
	case <-ctx.Done():
	}
	if err := c.Close(); err != nil {
		return nil, fmt.Errorf("再生の終了に失敗: %w", err)
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return c.Devices().Snapshot(), nil
}
