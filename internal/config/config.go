package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bridge-controller/internal/core"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DispatcherConfig - command router settings
type DispatcherConfig struct {
	InitialMode  string   `json:"initial_mode" yaml:"initial_mode"`
	Yield        string   `json:"yield" yaml:"yield"`
	ReplyTimeout string   `json:"reply_timeout" yaml:"reply_timeout"`
	StatusKeys   []string `json:"status_keys" yaml:"status_keys"`
}

// LinkConfig - slave link transport and protocol timing
type LinkConfig struct {
	Transport      string `json:"transport" yaml:"transport"` // i2c | serial | sim
	I2CBus         string `json:"i2c_bus" yaml:"i2c_bus"`
	I2CAddress     uint16 `json:"i2c_address" yaml:"i2c_address"`
	SerialPort     string `json:"serial_port" yaml:"serial_port"`
	BaudRate       int    `json:"baud_rate" yaml:"baud_rate"`
	AckTimeout     string `json:"ack_timeout" yaml:"ack_timeout"`
	StatusTimeout  string `json:"status_timeout" yaml:"status_timeout"`
	PollInterval   string `json:"poll_interval" yaml:"poll_interval"`
	PollWindow     string `json:"poll_window" yaml:"poll_window"`
	ForwardTimeout string `json:"forward_timeout" yaml:"forward_timeout"`

	// In-process simulated slave, used when Transport is "sim".
	SimTick          string `json:"sim_tick" yaml:"sim_tick"`
	SimProcessATicks int    `json:"sim_process_a_ticks" yaml:"sim_process_a_ticks"`
	SimProcessBTicks int    `json:"sim_process_b_ticks" yaml:"sim_process_b_ticks"`
}

// UARTConfig - serial console
type UARTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Port     string `json:"port" yaml:"port"`
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"`
}

// ServerConfig - HTTP server
type ServerConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Port           string   `json:"port" yaml:"port"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// TalkbackConfig - HTTPS command poller
type TalkbackConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	ReadURL      string  `json:"read_url" yaml:"read_url"`
	UpdateURL    string  `json:"update_url" yaml:"update_url"` // %d is replaced with the reply value
	PollInterval string  `json:"poll_interval" yaml:"poll_interval"`
	Timeout      string  `json:"timeout" yaml:"timeout"`
	RateLimit    float64 `json:"rate_limit" yaml:"rate_limit"`
}

// MQTTConfig - one MQTT broker connection
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Broker      string `json:"broker" yaml:"broker"` // tcp://IP:PORT
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
}

// BLEConfig - GATT peripheral
type BLEConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	LocalName   string  `json:"local_name" yaml:"local_name"`
	ServiceUUID string  `json:"service_uuid" yaml:"service_uuid"`
	CharUUID    string  `json:"char_uuid" yaml:"char_uuid"`
	NotifyRate  float64 `json:"notify_rate" yaml:"notify_rate"`
	NotifyBurst int     `json:"notify_burst" yaml:"notify_burst"`
}

// WiFiConfig - NetworkManager control
type WiFiConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// SettingsConfig - persistent key/value store
type SettingsConfig struct {
	Backend       string `json:"backend" yaml:"backend"` // file | redis
	File          string `json:"file" yaml:"file"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
	RedisPrefix   string `json:"redis_prefix" yaml:"redis_prefix"`
}

// Config - top-level structure
type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`
	Link       LinkConfig       `json:"link" yaml:"link"`
	UART       UARTConfig       `json:"uart" yaml:"uart"`
	Server     ServerConfig     `json:"server" yaml:"server"`
	Talkback   TalkbackConfig   `json:"talkback" yaml:"talkback"`
	MQTT       MQTTConfig       `json:"mqtt" yaml:"mqtt"`
	MQTTCloud  MQTTConfig       `json:"mqtt_cloud" yaml:"mqtt_cloud"`
	BLE        BLEConfig        `json:"ble" yaml:"ble"`
	WiFi       WiFiConfig       `json:"wifi" yaml:"wifi"`
	Settings   SettingsConfig   `json:"settings" yaml:"settings"`

	// File system settings
	ScriptsDir    string `json:"scripts_dir" yaml:"scripts_dir"`
	SchedulesFile string `json:"schedules_file" yaml:"schedules_file"`
}

// Load reads path (JSON, or YAML for .yaml/.yml), then sanitizes, fills
// defaults and validates. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			cfg.setDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to open config file '%s': %w", path, err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode json: %w", err)
		}
	}

	cfg.sanitize()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) sanitize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.Dispatcher.InitialMode = strings.TrimSpace(c.Dispatcher.InitialMode)
	c.Link.Transport = strings.ToLower(strings.TrimSpace(c.Link.Transport))
	c.Link.SerialPort = strings.TrimSpace(c.Link.SerialPort)
	c.UART.Port = strings.TrimSpace(c.UART.Port)
	c.Server.Port = strings.TrimSpace(c.Server.Port)
	c.Talkback.ReadURL = strings.TrimSpace(c.Talkback.ReadURL)
	c.Talkback.UpdateURL = strings.TrimSpace(c.Talkback.UpdateURL)
	c.Settings.Backend = strings.ToLower(strings.TrimSpace(c.Settings.Backend))
	c.ScriptsDir = strings.TrimSpace(c.ScriptsDir)
	c.SchedulesFile = strings.TrimSpace(c.SchedulesFile)
	c.MQTT.TopicPrefix = strings.Trim(strings.TrimSpace(c.MQTT.TopicPrefix), "/")
	c.MQTTCloud.TopicPrefix = strings.Trim(strings.TrimSpace(c.MQTTCloud.TopicPrefix), "/")
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	// Dispatcher Defaults
	if c.Dispatcher.InitialMode == "" {
		c.Dispatcher.InitialMode = "wifi"
	}
	if c.Dispatcher.Yield == "" {
		c.Dispatcher.Yield = "500ms"
	}
	if c.Dispatcher.ReplyTimeout == "" {
		c.Dispatcher.ReplyTimeout = "1s"
	}
	if len(c.Dispatcher.StatusKeys) == 0 {
		c.Dispatcher.StatusKeys = []string{"wifi_ssid", "mqtt_broker", "talkback_url"}
	}

	// Link Defaults
	if c.Link.Transport == "" {
		c.Link.Transport = "sim"
	}
	if c.Link.I2CAddress == 0 {
		c.Link.I2CAddress = 0x28
	}
	if c.Link.BaudRate <= 0 {
		c.Link.BaudRate = 115200
	}
	if c.Link.AckTimeout == "" {
		c.Link.AckTimeout = "1s"
	}
	if c.Link.StatusTimeout == "" {
		c.Link.StatusTimeout = "2s"
	}
	if c.Link.PollInterval == "" {
		c.Link.PollInterval = "1s"
	}
	if c.Link.PollWindow == "" {
		c.Link.PollWindow = "50ms"
	}
	if c.Link.ForwardTimeout == "" {
		c.Link.ForwardTimeout = "100ms"
	}
	if c.Link.SimTick == "" {
		c.Link.SimTick = "100ms"
	}
	if c.Link.SimProcessATicks <= 0 {
		c.Link.SimProcessATicks = 30
	}
	if c.Link.SimProcessBTicks <= 0 {
		c.Link.SimProcessBTicks = 15
	}

	// UART Defaults
	if c.UART.Port == "" {
		c.UART.Port = "/dev/ttyUSB0"
	}
	if c.UART.BaudRate <= 0 {
		c.UART.BaudRate = 115200
	}

	// Server Defaults
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:8080"}
	}

	// Talkback Defaults
	if c.Talkback.PollInterval == "" {
		c.Talkback.PollInterval = "15s"
	}
	if c.Talkback.Timeout == "" {
		c.Talkback.Timeout = "10s"
	}
	if c.Talkback.RateLimit <= 0 {
		c.Talkback.RateLimit = 1
	}

	// MQTT Defaults
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	// Brokers drop the older session on a duplicate client ID.
	instance := uuid.NewString()[:8]
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "bridge-controller-" + instance
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "bridge"
	}
	if c.MQTTCloud.ClientID == "" {
		c.MQTTCloud.ClientID = "bridge-controller-cloud-" + instance
	}
	if c.MQTTCloud.TopicPrefix == "" {
		c.MQTTCloud.TopicPrefix = "bridge/cloud"
	}

	// BLE Defaults
	if c.BLE.LocalName == "" {
		c.BLE.LocalName = "BRIDGE-CTRL"
	}
	if c.BLE.ServiceUUID == "" {
		c.BLE.ServiceUUID = "000000ff-0000-1000-8000-00805f9b34fb"
	}
	if c.BLE.CharUUID == "" {
		c.BLE.CharUUID = "0000ff01-0000-1000-8000-00805f9b34fb"
	}
	if c.BLE.NotifyRate <= 0 {
		c.BLE.NotifyRate = 10
	}
	if c.BLE.NotifyBurst <= 0 {
		c.BLE.NotifyBurst = 5
	}

	// Settings Defaults
	if c.Settings.Backend == "" {
		c.Settings.Backend = "file"
	}
	if c.Settings.File == "" {
		c.Settings.File = "settings.json"
	}
	if c.Settings.RedisAddr == "" {
		c.Settings.RedisAddr = "localhost:6379"
	}
	if c.Settings.RedisPrefix == "" {
		c.Settings.RedisPrefix = "bridge:"
	}

	// File Defaults
	if c.ScriptsDir == "" {
		c.ScriptsDir = "scripts"
	}
	if c.SchedulesFile == "" {
		c.SchedulesFile = "schedules.json"
	}
}

func (c *Config) validate() error {
	if _, err := core.ParseMode(c.Dispatcher.InitialMode); err != nil {
		return fmt.Errorf("config error: 'initial_mode': %w", err)
	}

	switch c.Link.Transport {
	case "i2c", "serial", "sim":
	default:
		return fmt.Errorf("config error: unknown link transport %q", c.Link.Transport)
	}
	if c.Link.Transport == "serial" && c.Link.SerialPort == "" {
		return fmt.Errorf("config error: 'serial_port' is required for the serial link")
	}

	switch c.Settings.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("config error: unknown settings backend %q", c.Settings.Backend)
	}

	if c.Talkback.Enabled && c.Talkback.ReadURL == "" {
		return fmt.Errorf("config error: 'talkback.read_url' is required when talkback is enabled")
	}

	durations := map[string]string{
		"dispatcher.yield":         c.Dispatcher.Yield,
		"dispatcher.reply_timeout": c.Dispatcher.ReplyTimeout,
		"link.ack_timeout":         c.Link.AckTimeout,
		"link.status_timeout":      c.Link.StatusTimeout,
		"link.poll_interval":       c.Link.PollInterval,
		"link.poll_window":         c.Link.PollWindow,
		"link.forward_timeout":     c.Link.ForwardTimeout,
		"link.sim_tick":            c.Link.SimTick,
		"talkback.poll_interval":   c.Talkback.PollInterval,
		"talkback.timeout":         c.Talkback.Timeout,
	}
	for name, v := range durations {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("config error: '%s': %w", name, err)
		}
	}
	return nil
}

// Mode returns the parsed initial wireless mode.
func (c *Config) Mode() core.WirelessMode {
	m, _ := core.ParseMode(c.Dispatcher.InitialMode)
	return m
}

// Duration parses a duration field that validate already checked.
func Duration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}
