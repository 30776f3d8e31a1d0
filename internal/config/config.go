package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	BLE      BLEConfig      `yaml:"ble"`
	Settings SettingsConfig `yaml:"settings"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	API      APIConfig      `yaml:"api"`
	Hotkey   HotkeyConfig   `yaml:"hotkey"`
	LogLevel string         `yaml:"log_level"`
}

// BLEConfig holds Bluetooth link settings.
type BLEConfig struct {
	Transport              string        `yaml:"transport"` // "tinygo" or "gatt"
	ScanServices           []string      `yaml:"scan_services"`
	DiscoverServices       []string      `yaml:"discover_services"`
	PublishCharacteristics []string      `yaml:"publish_characteristics"`
	ScanTimeout            time.Duration `yaml:"scan_timeout"`
	AutoConnect            bool          `yaml:"auto_connect"`
	ReconnectDelay         time.Duration `yaml:"reconnect_delay"`
	NegotiationTimeout     time.Duration `yaml:"negotiation_timeout"` // 0 disables
	RequireNotifySuccess   bool          `yaml:"require_notify_success"`
	RSSIPollInterval       time.Duration `yaml:"rssi_poll_interval"` // 0 disables
	SubscriptionBuffer     int           `yaml:"subscription_buffer"`
}

// SettingsConfig selects where the cached device identity is persisted.
type SettingsConfig struct {
	Backend string `yaml:"backend"` // "file", "sqlite" or "memory"
	Path    string `yaml:"path"`
}

// MQTTConfig holds the MQTT bridge settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// InfluxDBConfig holds the time-series sink settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// APIConfig holds the HTTP/WebSocket server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// HotkeyConfig holds the scan hotkey settings.
type HotkeyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Keys    []string `yaml:"keys"`
	Mode    string   `yaml:"mode"` // "hold" or "toggle"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "pulselink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		BLE: BLEConfig{
			Transport:              "tinygo",
			ScanServices:           []string{"180D"},
			DiscoverServices:       []string{"180D"},
			PublishCharacteristics: []string{"2A37"},
			ScanTimeout:            30 * time.Second,
			AutoConnect:            true,
			RSSIPollInterval:       5 * time.Second,
			SubscriptionBuffer:     64,
		},
		Settings: SettingsConfig{
			Backend: "file",
			Path:    filepath.Join(DefaultConfigDir(), "state.yaml"),
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "pulselink",
			TopicPrefix: "pulselink",
			QoS:         0,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Bucket:        "pulselink",
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8765",
		},
		Hotkey: HotkeyConfig{
			Keys: []string{"ctrl", "shift", "h"},
			Mode: "toggle",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in settings.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Settings.Path = expandTilde(cfg.Settings.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.BLE.Transport {
	case "tinygo", "gatt":
	default:
		return fmt.Errorf("ble.transport must be \"tinygo\" or \"gatt\", got %q", c.BLE.Transport)
	}

	if len(c.BLE.PublishCharacteristics) == 0 {
		return fmt.Errorf("ble.publish_characteristics must not be empty")
	}

	if c.BLE.ScanTimeout <= 0 {
		return fmt.Errorf("ble.scan_timeout must be > 0")
	}

	if c.BLE.ReconnectDelay < 0 || c.BLE.NegotiationTimeout < 0 || c.BLE.RSSIPollInterval < 0 {
		return fmt.Errorf("ble durations must not be negative")
	}

	switch c.Settings.Backend {
	case "memory":
	case "file", "sqlite":
		if c.Settings.Path == "" {
			return fmt.Errorf("settings.path must not be empty for backend %q", c.Settings.Backend)
		}
	default:
		return fmt.Errorf("settings.backend must be file, sqlite, or memory, got %q", c.Settings.Backend)
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix must not be empty")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1, or 2, got %d", c.MQTT.QoS)
		}
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("influxdb.url, influxdb.org and influxdb.bucket are required when enabled")
	}

	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen must not be empty")
	}

	if c.Hotkey.Enabled {
		if len(c.Hotkey.Keys) == 0 {
			return fmt.Errorf("hotkey.keys must not be empty")
		}
		switch c.Hotkey.Mode {
		case "hold", "toggle":
		default:
			return fmt.Errorf("hotkey.mode must be \"hold\" or \"toggle\", got %q", c.Hotkey.Mode)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

const defaultHeader = `# pulselink configuration
#
# ble.transport: "tinygo" (CoreBluetooth/BlueZ) or "gatt" (raw HCI, Linux)
# settings.backend: "file", "sqlite" or "memory"
# Durations use Go syntax: 30s, 1m, 500ms.

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config log level to slog. Unknown values map to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
