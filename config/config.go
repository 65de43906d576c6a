package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"sproutling/arduino"
	"sproutling/arduino/handler"
	"sproutling/arduino/network"
	"sproutling/notify"
)

const (
	// DefaultConfigFile はデフォルトの設定ファイル名
	DefaultConfigFile = "config.toml"
)

// Config はアプリケーション全体の設定を表す
type Config struct {
	Debug bool `toml:"debug"`
	Log   struct {
		Filename string `toml:"filename"`
	} `toml:"log"`

	// コントローラー本体への接続
	Device struct {
		Address        string `toml:"address"` // 固定アドレス。空なら設定画面の手動アドレスか探索
		Port           int    `toml:"port"`
		ConnectTimeout string `toml:"connect_timeout"` // e.g., "15s"
		StatusTimeout  string `toml:"status_timeout"`
		SettleDelay    string `toml:"settle_delay"`
		Mock           bool   `toml:"mock"` // 内蔵エミュレーターに接続する
	} `toml:"device"`
	Discovery struct {
		Enabled            bool     `toml:"enabled"`
		Subnets            []string `toml:"subnets"` // "192.168.171" 形式
		AutoSubnets        bool     `toml:"auto_subnets"`
		ProbeTimeout       string   `toml:"probe_timeout"`
		ManualProbeTimeout string   `toml:"manual_probe_timeout"`
		MaxParallel        int      `toml:"max_parallel"`
	} `toml:"discovery"`
	Retry struct {
		MaxAttempts  int     `toml:"max_attempts"`
		InitialDelay string  `toml:"initial_delay"`
		MaxDelay     string  `toml:"max_delay"`
		Multiplier   float64 `toml:"multiplier"`
	} `toml:"retry"`
	Connect struct {
		MaxAttempts   int    `toml:"max_attempts"`
		RetryInterval string `toml:"retry_interval"`
	} `toml:"connect"`

	Database struct {
		Path string `toml:"path"`
	} `toml:"database"`
	HTTPServer struct {
		Enabled bool   `toml:"enabled"`
		Host    string `toml:"host"`
		Port    int    `toml:"port"`
	} `toml:"http_server"`
	TLS struct {
		Enabled  bool   `toml:"enabled"`
		CertFile string `toml:"cert_file"`
		KeyFile  string `toml:"key_file"`
	} `toml:"tls"`
	MQTT struct {
		Enabled     bool   `toml:"enabled"`
		Broker      string `toml:"broker"` // e.g., "tcp://localhost:1883"
		ClientID    string `toml:"client_id"`
		Username    string `toml:"username"`
		Password    string `toml:"password"`
		TopicPrefix string `toml:"topic_prefix"`
		QoS         int    `toml:"qos"`
		Retained    bool   `toml:"retained"`
	} `toml:"mqtt"`
	Console struct {
		Enabled bool `toml:"enabled"`
	} `toml:"console"`
}

// NewConfig はデフォルト設定を持つConfigを作成する
func NewConfig() *Config {
	cfg := &Config{
		Debug: false,
	}
	cfg.Log.Filename = "sproutling.log"

	cfg.Device.Port = arduino.DefaultPort
	cfg.Device.ConnectTimeout = network.DefaultConnectTimeout.String()
	cfg.Device.StatusTimeout = "5s"
	cfg.Device.SettleDelay = network.DefaultSettleDelay.String()

	cfg.Discovery.Enabled = true
	cfg.Discovery.Subnets = append([]string(nil), handler.DefaultCandidateSubnets...)
	cfg.Discovery.ProbeTimeout = handler.DefaultProbeTimeout.String()
	cfg.Discovery.ManualProbeTimeout = handler.DefaultManualProbeTTL.String()

	cfg.Retry.MaxAttempts = handler.DefaultRetryMaxAttempts
	cfg.Retry.InitialDelay = handler.DefaultRetryInitialDelay.String()
	cfg.Retry.MaxDelay = handler.DefaultRetryMaxDelay.String()
	cfg.Retry.Multiplier = handler.DefaultRetryMultiplier

	cfg.Connect.MaxAttempts = handler.ConnectMaxAttempts
	cfg.Connect.RetryInterval = handler.ConnectRetryInterval.String()

	cfg.Database.Path = "sproutling.db"

	cfg.HTTPServer.Enabled = true
	cfg.HTTPServer.Host = "localhost"
	cfg.HTTPServer.Port = 8081

	cfg.MQTT.ClientID = "sproutling"
	cfg.MQTT.TopicPrefix = notify.DefaultTopicPrefix
	cfg.MQTT.QoS = 1

	cfg.Console.Enabled = true
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
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			filePath = DefaultConfigFile
		} else {
			return config, nil
		}
	}

	if _, err := toml.DecodeFile(filePath, config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	return config, nil
}

// InvalidSetting は設定値が不正なことを表す
type InvalidSetting struct {
	Key   string
	Value string
	Err   error
}

func (e *InvalidSetting) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s %q: %v", e.Key, e.Value, e.Err)
	}
	return fmt.Sprintf("invalid %s %q", e.Key, e.Value)
}

func (e *InvalidSetting) Unwrap() error { return e.Err }

// Validate は期間の書式と数値の範囲を検査する
func (c *Config) Validate() error {
	durations := []struct {
		key   string
		value string
	}{
		{"device.connect_timeout", c.Device.ConnectTimeout},
		{"device.status_timeout", c.Device.StatusTimeout},
		{"device.settle_delay", c.Device.SettleDelay},
		{"discovery.probe_timeout", c.Discovery.ProbeTimeout},
		{"discovery.manual_probe_timeout", c.Discovery.ManualProbeTimeout},
		{"retry.initial_delay", c.Retry.InitialDelay},
		{"retry.max_delay", c.Retry.MaxDelay},
		{"connect.retry_interval", c.Connect.RetryInterval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if v, err := time.ParseDuration(d.value); err != nil {
			return &InvalidSetting{Key: d.key, Value: d.value, Err: err}
		} else if v < 0 {
			return &InvalidSetting{Key: d.key, Value: d.value}
		}
	}

	if c.Device.Port < 0 || c.Device.Port > 65535 {
		return &InvalidSetting{Key: "device.port", Value: fmt.Sprint(c.Device.Port)}
	}
	if c.Device.Address != "" {
		if ip := net.ParseIP(c.Device.Address); ip == nil || ip.To4() == nil {
			return &InvalidSetting{Key: "device.address", Value: c.Device.Address}
		}
	}
	for _, s := range c.Discovery.Subnets {
		if err := network.ValidateSubnet(s); err != nil {
			return &InvalidSetting{Key: "discovery.subnets", Value: s, Err: err}
		}
	}
	if c.Discovery.MaxParallel < 0 {
		return &InvalidSetting{Key: "discovery.max_parallel", Value: fmt.Sprint(c.Discovery.MaxParallel)}
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return &InvalidSetting{Key: "retry.multiplier", Value: fmt.Sprint(c.Retry.Multiplier)}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return &InvalidSetting{Key: "mqtt.qos", Value: fmt.Sprint(c.MQTT.QoS)}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return &InvalidSetting{Key: "mqtt.broker", Value: ""}
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return &InvalidSetting{Key: "tls", Value: "cert_file and key_file are required"}
	}
	return nil
}

// duration は検査済みの期間文字列を変換する。空や不正なら def
func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// Timeouts は設定値から TimeoutManager を組み立てる
func (c *Config) Timeouts() *handler.TimeoutManager {
	tm := handler.DefaultTimeoutManager()
	tm.ConnectTimeout = duration(c.Device.ConnectTimeout, tm.ConnectTimeout)
	tm.StatusTimeout = duration(c.Device.StatusTimeout, tm.StatusTimeout)
	tm.ProbeTimeout = duration(c.Discovery.ProbeTimeout, tm.ProbeTimeout)
	tm.ManualProbeTimeout = duration(c.Discovery.ManualProbeTimeout, tm.ManualProbeTimeout)
	return tm
}

// SettleDelay は接続直後に待つ時間
func (c *Config) SettleDelay() time.Duration {
	return duration(c.Device.SettleDelay, network.DefaultSettleDelay)
}

// RetryPolicy は設定値から RetryPolicy を組み立てる
func (c *Config) RetryPolicy() *handler.RetryPolicy {
	p := handler.DefaultRetryPolicy()
	if c.Retry.MaxAttempts > 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}
	p.InitialDelay = duration(c.Retry.InitialDelay, p.InitialDelay)
	p.MaxDelay = duration(c.Retry.MaxDelay, p.MaxDelay)
	if c.Retry.Multiplier >= 1 {
		p.Multiplier = c.Retry.Multiplier
	}
	return p
}

// ConnectRetryInterval は接続失敗後に再試行するまでの間隔
func (c *Config) ConnectRetryInterval() time.Duration {
	return duration(c.Connect.RetryInterval, handler.ConnectRetryInterval)
}

// HTTPAddr は HTTP/WebSocket サーバーの待ち受けアドレス
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPServer.Host, c.HTTPServer.Port)
}

// MQTTOptions は MQTT シンクの設定
func (c *Config) MQTTOptions() notify.MQTTOptions {
	return notify.MQTTOptions{
		BrokerURL:   c.MQTT.Broker,
		ClientID:    c.MQTT.ClientID,
		Username:    c.MQTT.Username,
		Password:    c.MQTT.Password,
		TopicPrefix: c.MQTT.TopicPrefix,
		QoS:         byte(c.MQTT.QoS),
		Retained:    c.MQTT.Retained,
	}
}

// ApplyCommandLineArgs はコマンドライン引数で指定された値を設定に適用する
func (c *Config) ApplyCommandLineArgs(args CommandLineArgs) {
	if args.DebugSpecified {
		c.Debug = args.Debug
	}
	if args.LogFilenameSpecified {
		c.Log.Filename = args.LogFilename
	}
	// device
	if args.AddressSpecified {
		c.Device.Address = args.Address
	}
	if args.PortSpecified {
		c.Device.Port = args.Port
	}
	if args.MockSpecified {
		c.Device.Mock = args.Mock
	}
	// discovery
	if args.SubnetsSpecified {
		c.Discovery.Subnets = splitList(args.Subnets)
	}
	if args.DiscoverySpecified {
		c.Discovery.Enabled = args.Discovery
	}
	// database
	if args.DatabaseSpecified {
		c.Database.Path = args.Database
	}
	// HTTP server
	if args.HTTPServerEnabledSpecified {
		c.HTTPServer.Enabled = args.HTTPServerEnabled
	}
	if args.HTTPServerHostSpecified {
		c.HTTPServer.Host = args.HTTPServerHost
	}
	if args.HTTPServerPortSpecified {
		c.HTTPServer.Port = args.HTTPServerPort
	}
	// TLS
	if args.TLSEnabledSpecified {
		c.TLS.Enabled = args.TLSEnabled
	}
	if args.TLSCertFileSpecified {
		c.TLS.CertFile = args.TLSCertFile
	}
	if args.TLSKeyFileSpecified {
		c.TLS.KeyFile = args.TLSKeyFile
	}
	// MQTT
	if args.MQTTBrokerSpecified {
		c.MQTT.Broker = args.MQTTBroker
		c.MQTT.Enabled = args.MQTTBroker != ""
	}
	// console
	if args.ConsoleSpecified {
		c.Console.Enabled = args.Console
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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

	// コントローラー設定
	Address          string
	AddressSpecified bool
	Port             int
	PortSpecified    bool
	Mock             bool
	MockSpecified    bool

	// 探索設定
	Subnets            string
	SubnetsSpecified   bool
	Discovery          bool
	DiscoverySpecified bool

	// データベース設定
	Database          string
	DatabaseSpecified bool

	// HTTPサーバー設定
	HTTPServerEnabled          bool
	HTTPServerEnabledSpecified bool
	HTTPServerHost             string
	HTTPServerHostSpecified    bool
	HTTPServerPort             int
	HTTPServerPortSpecified    bool

	// TLS設定
	TLSEnabled           bool
	TLSEnabledSpecified  bool
	TLSCertFile          string
	TLSCertFileSpecified bool
	TLSKeyFile           string
	TLSKeyFileSpecified  bool

	// MQTT設定
	MQTTBroker          string
	MQTTBrokerSpecified bool

	// コンソール設定
	Console          bool
	ConsoleSpecified bool
}

// ParseCommandLineArgs はコマンドライン引数をパースする。args には os.Args[1:] を渡す
func ParseCommandLineArgs(name string, args []string) (CommandLineArgs, error) {
	var a CommandLineArgs
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	fs.StringVar(&a.ConfigFile, "config", "", "TOML設定ファイルのパスを指定する")
	fs.BoolVar(&a.Debug, "debug", false, "デバッグモードを有効にする")
	fs.StringVar(&a.LogFilename, "log", "sproutling.log", "ログファイル名を指定する")

	fs.StringVar(&a.Address, "address", "", "コントローラーの IPv4 アドレスを固定する")
	fs.IntVar(&a.Port, "port", arduino.DefaultPort, "コントローラーの TCP ポート番号")
	fs.BoolVar(&a.Mock, "mock", false, "内蔵エミュレーターをコントローラーとして使う")

	fs.StringVar(&a.Subnets, "subnets", "", "探索するサブネットをカンマ区切りで指定する（例: 192.168.1,192.168.2）")
	fs.BoolVar(&a.Discovery, "discovery", true, "サブネット探索を有効にする")

	fs.StringVar(&a.Database, "db", "sproutling.db", "SQLite データベースファイルのパス")

	fs.BoolVar(&a.HTTPServerEnabled, "http-enabled", true, "HTTP/WebSocket サーバーを有効にする")
	fs.StringVar(&a.HTTPServerHost, "http-host", "localhost", "HTTPサーバーのホスト名を指定する")
	fs.IntVar(&a.HTTPServerPort, "http-port", 8081, "HTTPサーバーのポートを指定する")

	fs.BoolVar(&a.TLSEnabled, "tls", false, "HTTPサーバーでTLSを有効にする")
	fs.StringVar(&a.TLSCertFile, "tls-cert-file", "", "TLS証明書ファイルのパスを指定する")
	fs.StringVar(&a.TLSKeyFile, "tls-key-file", "", "TLS秘密鍵ファイルのパスを指定する")

	fs.StringVar(&a.MQTTBroker, "mqtt-broker", "", "通知を送る MQTT ブローカー（例: tcp://localhost:1883）")

	fs.BoolVar(&a.Console, "console", true, "対話コンソールを有効にする")

	if err := fs.Parse(args); err != nil {
		return a, err
	}

	// 明示的に指定されたフラグだけを記録する
	specified := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { specified[f.Name] = true })

	a.ConfigSpecified = specified["config"]
	a.DebugSpecified = specified["debug"]
	a.LogFilenameSpecified = specified["log"]
	a.AddressSpecified = specified["address"]
	a.PortSpecified = specified["port"]
	a.MockSpecified = specified["mock"]
	a.SubnetsSpecified = specified["subnets"]
	a.DiscoverySpecified = specified["discovery"]
	a.DatabaseSpecified = specified["db"]
	a.HTTPServerEnabledSpecified = specified["http-enabled"]
	a.HTTPServerHostSpecified = specified["http-host"]
	a.HTTPServerPortSpecified = specified["http-port"]
	a.TLSEnabledSpecified = specified["tls"]
	a.TLSCertFileSpecified = specified["tls-cert-file"]
	a.TLSKeyFileSpecified = specified["tls-key-file"]
	a.MQTTBrokerSpecified = specified["mqtt-broker"]
	a.ConsoleSpecified = specified["console"]

	return a, nil
}
