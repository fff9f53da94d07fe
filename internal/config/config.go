package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConnectorType identifies which transport backend should be used.
type ConnectorType string

const (
	ConnectorSerial ConnectorType = "serial"
	ConnectorIP     ConnectorType = "ip"

	DefaultSerialGlob   = "/dev/cu.usbmodem*"
	DefaultFallbackPort = "/dev/cu.usbmodem1101"
	DefaultSerialBaud   = 115200
	DefaultServerHost   = "0.0.0.0"
	DefaultServerPort   = 8090
	DefaultSandboxRoot  = "./.sdcard"
	DefaultJournalKeep  = 10000
	DefaultMQTTTopic    = "devbridge"

	envPrefix = "DEVBRIDGE"
)

// ConnectionConfig describes how the device is reached.
type ConnectionConfig struct {
	Connector    ConnectorType `mapstructure:"connector" json:"connector"`
	SerialGlob   string        `mapstructure:"serial_glob" json:"serial_glob"`
	FallbackPort string        `mapstructure:"fallback_port" json:"fallback_port"`
	SerialBaud   int           `mapstructure:"serial_baud" json:"serial_baud"`
	// Host is a host:port address used by the ip connector.
	Host string `mapstructure:"host" json:"host"`
}

// LinkConfig tunes reconnect and firmware update timings.
type LinkConfig struct {
	RetryInterval   time.Duration `mapstructure:"retry_interval" json:"retry_interval"`
	DFUPollInterval time.Duration `mapstructure:"dfu_poll_interval" json:"dfu_poll_interval"`
	DFUTimeout      time.Duration `mapstructure:"dfu_timeout" json:"dfu_timeout"`
	SettleDelay     time.Duration `mapstructure:"settle_delay" json:"settle_delay"`
}

// ServerConfig configures the observer HTTP/websocket listener.
type ServerConfig struct {
	Host      string `mapstructure:"host" json:"host"`
	Port      int    `mapstructure:"port" json:"port"`
	WebUIPath string `mapstructure:"web_ui_path" json:"web_ui_path"`
	Greeting  string `mapstructure:"greeting" json:"greeting"`
	SendQueue int    `mapstructure:"send_queue" json:"send_queue"`
}

type SandboxConfig struct {
	Root string `mapstructure:"root" json:"root"`
}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level      string `mapstructure:"level" json:"level"`
	LogToFile  bool   `mapstructure:"log_to_file" json:"log_to_file"`
	FilePath   string `mapstructure:"file_path" json:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
}

// JournalConfig controls the sqlite journal of device output.
type JournalConfig struct {
	Enabled   bool   `mapstructure:"enabled" json:"enabled"`
	Path      string `mapstructure:"path" json:"path"`
	KeepLines int    `mapstructure:"keep_lines" json:"keep_lines"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
}

// MQTTConfig configures the optional broker mirror.
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Broker   string `mapstructure:"broker" json:"broker"`
	Topic    string `mapstructure:"topic" json:"topic"`
	ClientID string `mapstructure:"client_id" json:"client_id"`
	Username string `mapstructure:"username" json:"username"`
	Password string `mapstructure:"password" json:"password"`
	QoS      int    `mapstructure:"qos" json:"qos"`
}

// BridgeConfig is the root configuration.
type BridgeConfig struct {
	Connection ConnectionConfig `mapstructure:"connection" json:"connection"`
	Link       LinkConfig       `mapstructure:"link" json:"link"`
	Server     ServerConfig     `mapstructure:"server" json:"server"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox" json:"sandbox"`
	Logging    LoggingConfig    `mapstructure:"logging" json:"logging"`
	Journal    JournalConfig    `mapstructure:"journal" json:"journal"`
	Metrics    MetricsConfig    `mapstructure:"metrics" json:"metrics"`
	MQTT       MQTTConfig       `mapstructure:"mqtt" json:"mqtt"`
}

func Default() BridgeConfig {
	return BridgeConfig{
		Connection: ConnectionConfig{
			Connector:    ConnectorSerial,
			SerialGlob:   DefaultSerialGlob,
			FallbackPort: DefaultFallbackPort,
			SerialBaud:   DefaultSerialBaud,
		},
		Link: LinkConfig{
			RetryInterval:   2 * time.Second,
			DFUPollInterval: time.Second,
			DFUTimeout:      60 * time.Second,
			SettleDelay:     2 * time.Second,
		},
		Server: ServerConfig{
			Host:      DefaultServerHost,
			Port:      DefaultServerPort,
			SendQueue: 256,
		},
		Sandbox: SandboxConfig{Root: DefaultSandboxRoot},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Journal: JournalConfig{
			Enabled:   false,
			KeepLines: DefaultJournalKeep,
		},
		MQTT: MQTTConfig{
			Topic:    DefaultMQTTTopic,
			ClientID: "devbridge",
		},
	}
}

// Load resolves the configuration from defaults, the optional file at path
// and the environment, in increasing priority. A missing file is not an
// error. HOST, PORT and SDCARD_PATH are honoured besides DEVBRIDGE_* keys.
func Load(path string) (BridgeConfig, error) {
	v := newViper()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(filepath.Clean(path))
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return BridgeConfig{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg BridgeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return BridgeConfig{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.FillMissingDefaults()

	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.host", envPrefix+"_SERVER_HOST", "HOST")
	_ = v.BindEnv("server.port", envPrefix+"_SERVER_PORT", "PORT")
	_ = v.BindEnv("sandbox.root", envPrefix+"_SANDBOX_ROOT", "SDCARD_PATH")

	return v
}

func setDefaults(v *viper.Viper, d BridgeConfig) {
	v.SetDefault("connection.connector", string(d.Connection.Connector))
	v.SetDefault("connection.serial_glob", d.Connection.SerialGlob)
	v.SetDefault("connection.fallback_port", d.Connection.FallbackPort)
	v.SetDefault("connection.serial_baud", d.Connection.SerialBaud)
	v.SetDefault("connection.host", d.Connection.Host)

	v.SetDefault("link.retry_interval", d.Link.RetryInterval)
	v.SetDefault("link.dfu_poll_interval", d.Link.DFUPollInterval)
	v.SetDefault("link.dfu_timeout", d.Link.DFUTimeout)
	v.SetDefault("link.settle_delay", d.Link.SettleDelay)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.web_ui_path", d.Server.WebUIPath)
	v.SetDefault("server.greeting", d.Server.Greeting)
	v.SetDefault("server.send_queue", d.Server.SendQueue)

	v.SetDefault("sandbox.root", d.Sandbox.Root)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.log_to_file", d.Logging.LogToFile)
	v.SetDefault("logging.file_path", d.Logging.FilePath)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)

	v.SetDefault("journal.enabled", d.Journal.Enabled)
	v.SetDefault("journal.path", d.Journal.Path)
	v.SetDefault("journal.keep_lines", d.Journal.KeepLines)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)

	v.SetDefault("mqtt.enabled", d.MQTT.Enabled)
	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.topic", d.MQTT.Topic)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.username", d.MQTT.Username)
	v.SetDefault("mqtt.password", d.MQTT.Password)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)
}

func (c *BridgeConfig) FillMissingDefaults() {
	d := Default()
	if c.Connection.Connector == "" {
		c.Connection.Connector = d.Connection.Connector
	}
	if c.Connection.SerialBaud <= 0 {
		c.Connection.SerialBaud = d.Connection.SerialBaud
	}
	if c.Link.RetryInterval <= 0 {
		c.Link.RetryInterval = d.Link.RetryInterval
	}
	if c.Link.DFUPollInterval <= 0 {
		c.Link.DFUPollInterval = d.Link.DFUPollInterval
	}
	if c.Link.DFUTimeout <= 0 {
		c.Link.DFUTimeout = d.Link.DFUTimeout
	}
	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.SendQueue <= 0 {
		c.Server.SendQueue = d.Server.SendQueue
	}
	if strings.TrimSpace(c.Sandbox.Root) == "" {
		c.Sandbox.Root = d.Sandbox.Root
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Journal.KeepLines < 0 {
		c.Journal.KeepLines = 0
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = d.MQTT.Topic
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = d.MQTT.ClientID
	}
}

func (c BridgeConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c BridgeConfig) Validate() error {
	switch c.Connection.Connector {
	case ConnectorSerial:
		if strings.TrimSpace(c.Connection.SerialGlob) == "" && strings.TrimSpace(c.Connection.FallbackPort) == "" {
			return errors.New("serial glob or fallback port is required")
		}
		if c.Connection.SerialBaud <= 0 {
			return errors.New("serial baud must be positive")
		}
		if c.Connection.SerialGlob != "" {
			if _, err := filepath.Match(c.Connection.SerialGlob, ""); err != nil {
				return fmt.Errorf("invalid serial glob %q: %w", c.Connection.SerialGlob, err)
			}
		}
	case ConnectorIP:
		if strings.TrimSpace(c.Connection.Host) == "" {
			return errors.New("ip host is required")
		}
	default:
		return fmt.Errorf("unknown connector: %s", c.Connection.Connector)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Sandbox.Root) == "" {
		return errors.New("sandbox root is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level: %s", c.Logging.Level)
	}
	if c.MQTT.Enabled {
		if strings.TrimSpace(c.MQTT.Broker) == "" {
			return errors.New("mqtt broker is required")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1 or 2: %d", c.MQTT.QoS)
		}
	}

	return nil
}

func Save(path string, cfg BridgeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
