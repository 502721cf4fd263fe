package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	PrinterUSB     = "usb"
	PrinterSerial  = "serial"
	PrinterNetwork = "network"

	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
	BackoffConstant    = "constant"

	// MaxProbeTimeout is the ceiling any transport probe may block for.
	MaxProbeTimeout = 2 * time.Second

	MaxPriority = 5
	MinPriority = 1
)

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
	Printer  PrinterConfig   `yaml:"printer"`
	Power    PowerConfig     `yaml:"power"`
	Queue    QueueConfig     `yaml:"queue"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Language string          `yaml:"language"`
	Logging  LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig controls the optional sqlite snapshot of the job store.
// An empty Path keeps all state in memory.
type DatabaseConfig struct {
	Path             string        `yaml:"path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type PrinterConfig struct {
	Type                string        `yaml:"type"`
	USB                 USBConfig     `yaml:"usb"`
	Serial              SerialConfig  `yaml:"serial"`
	Network             NetworkConfig `yaml:"network"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	SendTimeout         time.Duration `yaml:"send_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

type USBConfig struct {
	VendorID    string `yaml:"vendor_id"`
	ProductID   string `yaml:"product_id"`
	OutEndpoint int    `yaml:"out_endpoint"`
}

type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

type NetworkConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	ConfirmStatus bool   `yaml:"confirm_status"`
}

type PowerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Broker      string        `yaml:"broker"`
	Port        int           `yaml:"port"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicOn     string        `yaml:"topic_on"`
	PayloadOn   string        `yaml:"payload_on"`
	TopicOff    string        `yaml:"topic_off"`
	PayloadOff  string        `yaml:"payload_off"`
	AckTopic    string        `yaml:"ack_topic"`
	AckPayload  string        `yaml:"ack_payload"`
	SettleDelay time.Duration `yaml:"settle_delay"`
	AckTimeout  time.Duration `yaml:"ack_timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// BrokerURL returns the broker address in the tcp://host:port form paho expects.
func (p PowerConfig) BrokerURL() string {
	if strings.Contains(p.Broker, "://") {
		return p.Broker
	}
	return fmt.Sprintf("tcp://%s:%d", p.Broker, p.Port)
}

type QueueConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	Backoff       string        `yaml:"backoff"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	MaxJobAge     time.Duration `yaml:"max_job_age"`
	HistoryLimit  int           `yaml:"history_limit"`
	IdlePoll      time.Duration `yaml:"idle_poll"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConfigError reports an invalid configuration value. The previous
// configuration stays active when a reload fails with it.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// Clone returns a copy of c that can be edited without affecting c.
func (c *Config) Clone() *Config {
	out := *c
	out.Webhooks = nil
	for _, h := range c.Webhooks {
		h.Events = append([]string(nil), h.Events...)
		out.Webhooks = append(out.Webhooks, h)
	}
	return &out
}

func invalid(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         5001,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:             "./data/spool.db",
			SnapshotInterval: 30 * time.Second,
		},
		Printer: PrinterConfig{
			Type: PrinterUSB,
			USB: USBConfig{
				VendorID:  "0x04b8",
				ProductID: "0x0e15",
			},
			Serial: SerialConfig{
				Port:     "/dev/ttyUSB0",
				BaudRate: 9600,
			},
			Network: NetworkConfig{
				Host: "192.168.1.100",
				Port: 9100,
			},
			ProbeTimeout:        MaxProbeTimeout,
			SendTimeout:         10 * time.Second,
			HealthCheckInterval: 30 * time.Second,
		},
		Power: PowerConfig{
			Broker:      "localhost",
			Port:        1883,
			TopicOn:     "printer/before_print",
			PayloadOn:   `{"action": "power_on"}`,
			TopicOff:    "printer/after_timeout",
			PayloadOff:  `{"action": "power_off"}`,
			SettleDelay: 5 * time.Second,
			AckTimeout:  10 * time.Second,
			IdleTimeout: 30 * time.Minute,
		},
		Queue: QueueConfig{
			MaxAttempts:   5,
			Backoff:       BackoffLinear,
			RetryDelay:    30 * time.Second,
			MaxRetryDelay: 5 * time.Minute,
			MaxJobAge:     24 * time.Hour,
			HistoryLimit:  500,
			IdlePoll:      30 * time.Second,
		},
		Language: "de",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML file over the defaults and then applies environment
// overrides. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadFromEnv() (*Config, error) {
	cfg := Defaults()
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the environment variables understood by the spool.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return invalid(key, "not an integer: %q", v)
		}
		*dst = n
		return nil
	}

	str("PRINTER_TYPE", &c.Printer.Type)
	str("PRINTER_VENDOR_ID", &c.Printer.USB.VendorID)
	str("PRINTER_PRODUCT_ID", &c.Printer.USB.ProductID)
	str("PRINTER_SERIAL_PORT", &c.Printer.Serial.Port)
	str("PRINTER_NETWORK_IP", &c.Printer.Network.Host)
	str("MQTT_BROKER", &c.Power.Broker)
	str("MQTT_USERNAME", &c.Power.Username)
	str("MQTT_PASSWORD", &c.Power.Password)
	str("MQTT_TOPIC_BEFORE_PRINT", &c.Power.TopicOn)
	str("MQTT_PAYLOAD_BEFORE_PRINT", &c.Power.PayloadOn)
	str("MQTT_TOPIC_AFTER_TIMEOUT", &c.Power.TopicOff)
	str("MQTT_PAYLOAD_AFTER_TIMEOUT", &c.Power.PayloadOff)
	str("LANGUAGE", &c.Language)
	str("SPOOL_DB_PATH", &c.Database.Path)
	str("SPOOL_LOG_LEVEL", &c.Logging.Level)

	if v := getenv("MQTT_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return invalid("MQTT_ENABLED", "not a boolean: %q", v)
		}
		c.Power.Enabled = enabled
	}

	if err := integer("PORT", &c.Server.Port); err != nil {
		return err
	}
	if err := integer("MQTT_PORT", &c.Power.Port); err != nil {
		return err
	}

	var seconds, minutes int
	if err := integer("MQTT_WAIT_SECONDS", &seconds); err != nil {
		return err
	}
	if seconds > 0 {
		c.Power.SettleDelay = time.Duration(seconds) * time.Second
	}
	if err := integer("MQTT_TIMEOUT_MINUTES", &minutes); err != nil {
		return err
	}
	if minutes > 0 {
		c.Power.IdleTimeout = time.Duration(minutes) * time.Minute
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid("server.port", "must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return invalid("server", "timeouts must be non-negative")
	}

	if c.Database.Path != "" && c.Database.SnapshotInterval <= 0 {
		return invalid("database.snapshot_interval", "must be positive when a database path is set")
	}

	if err := c.Printer.Validate(); err != nil {
		return err
	}

	if err := c.Power.Validate(); err != nil {
		return err
	}

	if err := c.Queue.Validate(); err != nil {
		return err
	}

	for i, w := range c.Webhooks {
		if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
			return invalid(fmt.Sprintf("webhooks[%d].url", i), "must be an http(s) URL, got %q", w.URL)
		}
	}

	if c.Language != "de" && c.Language != "en" {
		return invalid("language", "must be de or en, got %q", c.Language)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return invalid("logging.level", "%s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return invalid("logging.format", "%s (valid: json, text)", c.Logging.Format)
	}

	return nil
}

func (p PrinterConfig) Validate() error {
	switch p.Type {
	case PrinterUSB:
		if _, err := ParseHexID(p.USB.VendorID); err != nil {
			return invalid("printer.usb.vendor_id", "%v", err)
		}
		if _, err := ParseHexID(p.USB.ProductID); err != nil {
			return invalid("printer.usb.product_id", "%v", err)
		}
		if p.USB.OutEndpoint < 0 || p.USB.OutEndpoint > 15 {
			return invalid("printer.usb.out_endpoint", "must be between 0 and 15")
		}
	case PrinterSerial:
		if p.Serial.Port == "" {
			return invalid("printer.serial.port", "is required")
		}
		if p.Serial.BaudRate <= 0 {
			return invalid("printer.serial.baud_rate", "must be positive")
		}
	case PrinterNetwork:
		if p.Network.Host == "" {
			return invalid("printer.network.host", "is required")
		}
		if p.Network.Port < 1 || p.Network.Port > 65535 {
			return invalid("printer.network.port", "must be between 1 and 65535, got %d", p.Network.Port)
		}
	default:
		return invalid("printer.type", "unknown printer type %q (valid: usb, serial, network)", p.Type)
	}

	if p.ProbeTimeout <= 0 || p.ProbeTimeout > MaxProbeTimeout {
		return invalid("printer.probe_timeout", "must be in (0, %s]", MaxProbeTimeout)
	}
	if p.SendTimeout <= 0 {
		return invalid("printer.send_timeout", "must be positive")
	}
	if p.HealthCheckInterval < 0 {
		return invalid("printer.health_check_interval", "must be non-negative")
	}
	return nil
}

func (p PowerConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.Broker == "" {
		return invalid("power.broker", "is required when power management is enabled")
	}
	if !strings.Contains(p.Broker, "://") && (p.Port < 1 || p.Port > 65535) {
		return invalid("power.port", "must be between 1 and 65535, got %d", p.Port)
	}
	if p.TopicOn == "" {
		return invalid("power.topic_on", "is required when power management is enabled")
	}
	if p.SettleDelay < 0 {
		return invalid("power.settle_delay", "must be non-negative")
	}
	if p.AckTopic != "" && p.AckTimeout <= 0 {
		return invalid("power.ack_timeout", "must be positive when an ack topic is set")
	}
	if p.IdleTimeout < 0 {
		return invalid("power.idle_timeout", "must be non-negative")
	}
	return nil
}

func (q QueueConfig) Validate() error {
	if q.MaxAttempts < 1 {
		return invalid("queue.max_attempts", "must be at least 1")
	}
	switch q.Backoff {
	case BackoffLinear, BackoffExponential, BackoffConstant:
	default:
		return invalid("queue.backoff", "unknown strategy %q (valid: linear, exponential, constant)", q.Backoff)
	}
	if q.RetryDelay <= 0 {
		return invalid("queue.retry_delay", "must be positive")
	}
	if q.MaxRetryDelay < q.RetryDelay {
		return invalid("queue.max_retry_delay", "must be at least retry_delay")
	}
	if q.MaxJobAge < 0 {
		return invalid("queue.max_job_age", "must be non-negative")
	}
	if q.HistoryLimit < 0 {
		return invalid("queue.history_limit", "must be non-negative")
	}
	if q.IdlePoll <= 0 {
		return invalid("queue.idle_poll", "must be positive")
	}
	return nil
}

// ParseHexID parses USB identifiers written as "0x04b8" or "04b8".
func ParseHexID(s string) (uint16, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if trimmed == "" {
		return 0, fmt.Errorf("empty usb id")
	}
	v, err := strconv.ParseUint(trimmed, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid usb id %q", s)
	}
	return uint16(v), nil
}
