package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"echonet-controller/echonet_lite"
	"echonet-controller/echonet_lite/log"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultConfigFile はデフォルトの設定ファイル名
	DefaultConfigFile = "config.toml"
)

// Config はアプリケーション全体の設定を表す
type Config struct {
	Debug bool `toml:"debug"`
	Log   struct {
		Filename string `toml:"filename"` // 空のときは標準エラー出力
		Level    string `toml:"level"`
	} `toml:"log"`
	Network struct {
		Interface       string        `toml:"interface"`    // bind するIPアドレス。空ならワイルドカード
		MulticastIP     string        `toml:"multicast_ip"` // "255.255.255.255" でブロードキャスト
		Port            int           `toml:"port"`
		MonitorInterval time.Duration `toml:"monitor_interval"` // ローカルIPの再取得間隔。0 で無効
	} `toml:"network"`
	Controller struct {
		EOJ            string        `toml:"eoj"`
		RequestTimeout time.Duration `toml:"request_timeout"`
		ValidateWrites bool          `toml:"validate_writes"`
	} `toml:"controller"`
	Discovery struct {
		PropertyMapTimeout time.Duration `toml:"property_map_timeout"`
		Retries            int           `toml:"retries"`
		RequestOnStart     bool          `toml:"request_on_start"` // 起動時にインスタンスリスト通知を要求する
	} `toml:"discovery"`
	Catalog struct {
		File string `toml:"file"` // 追加・上書きするクラス定義の YAML
	} `toml:"catalog"`
	Metrics struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"metrics"`
	// Aliases は機器の別名。値は "192.168.0.10 0130:1" の形式
	Aliases map[string]string `toml:"aliases"`
}

// NewConfig はデフォルト設定を持つConfigを作成する
func NewConfig() *Config {
	cfg := &Config{}
	cfg.Log.Level = "info"
	cfg.Network.MulticastIP = echonet_lite.ECHONETLiteMulticastIPv4.String()
	cfg.Network.Port = echonet_lite.ECHONETLitePort
	cfg.Network.MonitorInterval = time.Minute
	cfg.Controller.EOJ = "05FF:1"
	cfg.Controller.RequestTimeout = 5 * time.Second
	cfg.Discovery.PropertyMapTimeout = 3 * time.Second
	cfg.Discovery.Retries = 2
	cfg.Discovery.RequestOnStart = true
	cfg.Metrics.Addr = ":9100"
	return cfg
}

// LoadConfig は設定を読み込む
// 以下の優先順位でロードする:
// 1. 指定されたパスの設定ファイル（指定がある場合）
// 2. カレントディレクトリのデフォルト設定ファイル（存在する場合）
// 3. デフォルト設定
func LoadConfig(configPath string) (*Config, error) {
	config := NewConfig()

	filePath := configPath
	if filePath == "" {
		if _, err := os.Stat(DefaultConfigFile); err != nil {
			return config, nil
		}
		filePath = DefaultConfigFile
	}

	md, err := toml.DecodeFile(filePath, config)
	if err != nil {
		return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", filePath, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("設定ファイル %s に不明なキーがあります: %v", filePath, undecoded)
	}
	return config, nil
}

// Validate は値の組み合わせと書式を検査する
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := c.BindIP(); err != nil {
		return err
	}
	if _, err := c.MulticastIP(); err != nil {
		return err
	}
	if c.Network.Port <= 0 || c.Network.Port > 0xffff {
		return fmt.Errorf("network.port が範囲外です: %d", c.Network.Port)
	}
	if _, err := c.ControllerEOJ(); err != nil {
		return fmt.Errorf("controller.eoj: %w", err)
	}
	if c.Controller.RequestTimeout <= 0 {
		return fmt.Errorf("controller.request_timeout は正の値が必要です: %v", c.Controller.RequestTimeout)
	}
	if c.Discovery.PropertyMapTimeout <= 0 {
		return fmt.Errorf("discovery.property_map_timeout は正の値が必要です: %v", c.Discovery.PropertyMapTimeout)
	}
	if c.Discovery.Retries < 0 {
		return fmt.Errorf("discovery.retries は0以上が必要です: %d", c.Discovery.Retries)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr が空です")
	}
	return nil
}

// LogLevel は debug 指定を反映したログレベルを返す
func (c *Config) LogLevel() (slog.Level, error) {
	if c.Debug {
		return slog.LevelDebug, nil
	}
	return log.ParseLevel(c.Log.Level)
}

func (c *Config) BindIP() (net.IP, error) {
	return parseIPv4("network.interface", c.Network.Interface)
}

func (c *Config) MulticastIP() (net.IP, error) {
	return parseIPv4("network.multicast_ip", c.Network.MulticastIP)
}

func (c *Config) ControllerEOJ() (echonet_lite.EOJ, error) {
	return echonet_lite.ParseEOJString(c.Controller.EOJ)
}

// parseIPv4 は空文字列を nil として扱う
func parseIPv4(key, s string) (net.IP, error) {
	if s == "" {
		return nil, nil
	}
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("%s は IPv4 アドレスが必要です: %q", key, s)
	}
	return ip.To4(), nil
}

// ApplyCommandLineArgs はコマンドライン引数で指定された値を設定に適用する
func (c *Config) ApplyCommandLineArgs(args CommandLineArgs) {
	if args.DebugSpecified {
		c.Debug = args.Debug
	}
	if args.LogFilenameSpecified {
		c.Log.Filename = args.LogFilename
	}
	if args.LogLevelSpecified {
		c.Log.Level = args.LogLevel
	}
	if args.InterfaceSpecified {
		c.Network.Interface = args.Interface
	}
	if args.MulticastIPSpecified {
		c.Network.MulticastIP = args.MulticastIP
	}
	if args.TimeoutSpecified {
		c.Controller.RequestTimeout = args.Timeout
	}
	if args.ValidateWritesSpecified {
		c.Controller.ValidateWrites = args.ValidateWrites
	}
	if args.CatalogFileSpecified {
		c.Catalog.File = args.CatalogFile
	}
	if args.MetricsAddrSpecified {
		c.Metrics.Enabled = args.MetricsAddr != ""
		c.Metrics.Addr = args.MetricsAddr
	}
}

// CommandLineArgs はコマンドライン引数からの値を保持する
type CommandLineArgs struct {
	// 設定ファイル (メタ設定)
	ConfigFile      string
	ConfigSpecified bool

	// 一般設定
	Debug          bool
	DebugSpecified bool

	// ログ設定
	LogFilename          string
	LogFilenameSpecified bool
	LogLevel             string
	LogLevelSpecified    bool

	// ネットワーク
	Interface            string
	InterfaceSpecified   bool
	MulticastIP          string
	MulticastIPSpecified bool

	// コントローラ
	Timeout                 time.Duration
	TimeoutSpecified        bool
	ValidateWrites          bool
	ValidateWritesSpecified bool

	CatalogFile          string
	CatalogFileSpecified bool

	// 空文字列を指定するとメトリクスを無効にする
	MetricsAddr          string
	MetricsAddrSpecified bool
}
