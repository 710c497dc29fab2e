package cmd

import (
	"fmt"
	"os"

	"echonet-controller/config"
	"echonet-controller/echonet_lite/catalog"
	"echonet-controller/echonet_lite/handler"
	"echonet-controller/echonet_lite/log"

	"github.com/spf13/cobra"
)

// runtime はサブコマンドが共有する設定とクラス定義
type runtime struct {
	cfg     *config.Config
	catalog *catalog.Catalog
	aliases *handler.DeviceAliases
	logger  *log.Logger
}

// NewRootCmd はすべてのサブコマンドを持つルートコマンドを作成する
func NewRootCmd() *cobra.Command {
	args := &config.CommandLineArgs{}
	rt := &runtime{}

	root := &cobra.Command{
		Use:   "echonet-controller",
		Short: "ECHONET Lite コントローラ",
		Long: `ECHONET Lite の機器を探索し、プロパティの読み書きや通知を行うコントローラです。
設定は config.toml (または --config で指定したファイル) から読み込み、コマンドラインで上書きできます。`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			markSpecified(cmd, args)
			return rt.setup(*args)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return rt.teardown()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&args.ConfigFile, "config", "", "TOML設定ファイルのパスを指定する")
	flags.BoolVar(&args.Debug, "debug", false, "デバッグログを有効にする")
	flags.StringVar(&args.LogFilename, "log", "", "ログファイル名を指定する (空なら標準エラー出力)")
	flags.StringVar(&args.LogLevel, "log-level", "info", "ログレベル (debug, info, warn, error)")
	flags.StringVar(&args.Interface, "interface", "", "bind するIPv4アドレス")
	flags.StringVar(&args.MulticastIP, "multicast", "224.0.23.0", "マルチキャストアドレス (255.255.255.255 でブロードキャスト)")
	flags.DurationVar(&args.Timeout, "timeout", 0, "要求1回あたりのタイムアウト")
	flags.BoolVar(&args.ValidateWrites, "validate", false, "書き込み前にプロパティ定義で値を検査する")
	flags.StringVar(&args.CatalogFile, "catalog", "", "追加のクラス定義 (YAML)")
	flags.StringVar(&args.MetricsAddr, "metrics-addr", "", "Prometheus メトリクスを公開するアドレス (例 :9100)")

	root.AddCommand(
		newDiscoverCmd(rt),
		newGetCmd(rt),
		newSetCmd(rt),
		newSetGetCmd(rt),
		newNotifyCmd(rt),
		newDecodeCmd(rt),
		newReplayCmd(rt),
	)
	return root
}

// markSpecified はコマンドラインで指定されたフラグを記録する
func markSpecified(cmd *cobra.Command, args *config.CommandLineArgs) {
	changed := cmd.Flags().Changed
	args.ConfigSpecified = changed("config")
	args.DebugSpecified = changed("debug")
	args.LogFilenameSpecified = changed("log")
	args.LogLevelSpecified = changed("log-level")
	args.InterfaceSpecified = changed("interface")
	args.MulticastIPSpecified = changed("multicast")
	args.TimeoutSpecified = changed("timeout")
	args.ValidateWritesSpecified = changed("validate")
	args.CatalogFileSpecified = changed("catalog")
	args.MetricsAddrSpecified = changed("metrics-addr")
}

func (rt *runtime) setup(args config.CommandLineArgs) error {
	cfg, err := config.LoadConfig(args.ConfigFile)
	if err != nil {
		return err
	}
	cfg.ApplyCommandLineArgs(args)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("設定が不正です: %w", err)
	}

	aliases := handler.NewDeviceAliases()
	for alias, value := range cfg.Aliases {
		if err := aliases.ParseAlias(alias, value); err != nil {
			return fmt.Errorf("aliases: %w", err)
		}
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logger, err := log.Setup(cfg.Log.Filename, level)
	if err != nil {
		return fmt.Errorf("ログの設定に失敗: %w", err)
	}

	cat := catalog.Default()
	if cfg.Catalog.File != "" {
		if cat, err = catalog.LoadFile(cfg.Catalog.File, cat); err != nil {
			if logger != nil {
				_ = logger.Close()
			}
			return err
		}
	}

	rt.cfg = cfg
	rt.catalog = cat
	rt.aliases = aliases
	rt.logger = logger
	return nil
}

func (rt *runtime) teardown() error {
	if rt.logger == nil {
		return nil
	}
	err := rt.logger.Close()
	rt.logger = nil
	return err
}

// Execute はルートコマンドを実行する
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}
