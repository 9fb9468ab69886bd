package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	BLE       BLEConfig       `yaml:"ble"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	KeepAlive KeepAliveConfig `yaml:"keepalive"`
	LogLevel  string          `yaml:"log_level"`
}

// BLEConfig holds radio settings.
type BLEConfig struct {
	AdvertiseIntervalMS int `yaml:"advertise_interval_ms"`
}

// BridgeConfig holds the application channel settings.
type BridgeConfig struct {
	Listen         string `yaml:"listen"`
	Path           string `yaml:"path"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	Codec          string `yaml:"codec"` // "json" or "cbor"
}

// KeepAliveConfig holds the session keep-alive settings.
type KeepAliveConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ChannelID   string `yaml:"channel_id"`
	ChannelName string `yaml:"channel_name"`
	Title       string `yaml:"title"`
	Body        string `yaml:"body"`
	Icon        string `yaml:"icon"`
	InhibitWhat string `yaml:"inhibit_what"`
}

// AdvertiseInterval returns the advertising interval as a duration.
func (b BLEConfig) AdvertiseInterval() time.Duration {
	return time.Duration(b.AdvertiseIntervalMS) * time.Millisecond
}

// WriteTimeout returns the per-frame write timeout as a duration.
func (b BridgeConfig) WriteTimeout() time.Duration {
	return time.Duration(b.WriteTimeoutMS) * time.Millisecond
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "watchlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		BLE: BLEConfig{
			AdvertiseIntervalMS: 100,
		},
		Bridge: BridgeConfig{
			Listen:         "127.0.0.1:8765",
			Path:           "/channel",
			WriteTimeoutMS: 250,
			Codec:          "json",
		},
		KeepAlive: KeepAliveConfig{
			Enabled:     true,
			ChannelID:   "revmetrix_ble_channel",
			ChannelName: "BLE Foreground Service",
			Title:       "RevMetrix BLE Active",
			Body:        "Maintaining Bluetooth connection",
			Icon:        "bluetooth",
			InhibitWhat: "sleep:idle",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading tilde (~) in path is expanded to the user's
// home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("config: reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing config file: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when given, else the default path when it
// exists, else the built-in defaults.
func LoadOrDefault(path string) (*Config, string, error) {
	if path != "" {
		cfg, err := Load(path)
		return cfg, path, err
	}
	def := DefaultConfigPath()
	if _, err := os.Stat(def); err == nil {
		cfg, err := Load(def)
		return cfg, def, err
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("config: stat %s: %w", def, err)
	}
	return Default(), "", nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.BLE.AdvertiseIntervalMS < 20 || c.BLE.AdvertiseIntervalMS > 10240 {
		return fmt.Errorf("ble.advertise_interval_ms must be between 20 and 10240, got %d", c.BLE.AdvertiseIntervalMS)
	}

	if _, _, err := net.SplitHostPort(c.Bridge.Listen); err != nil {
		return fmt.Errorf("bridge.listen must be host:port, got %q", c.Bridge.Listen)
	}

	if !strings.HasPrefix(c.Bridge.Path, "/") {
		return fmt.Errorf("bridge.path must start with \"/\", got %q", c.Bridge.Path)
	}

	if c.Bridge.WriteTimeoutMS <= 0 {
		return fmt.Errorf("bridge.write_timeout_ms must be > 0")
	}

	switch c.Bridge.Codec {
	case "json", "cbor":
	default:
		return fmt.Errorf("bridge.codec must be \"json\" or \"cbor\", got %q", c.Bridge.Codec)
	}

	if c.KeepAlive.Enabled {
		if c.KeepAlive.ChannelID == "" {
			return fmt.Errorf("keepalive.channel_id must not be empty")
		}
		if c.KeepAlive.Title == "" {
			return fmt.Errorf("keepalive.title must not be empty")
		}
		for _, what := range strings.Split(c.KeepAlive.InhibitWhat, ":") {
			switch what {
			case "shutdown", "sleep", "idle", "handle-power-key", "handle-suspend-key",
				"handle-hibernate-key", "handle-lid-switch":
			default:
				return fmt.Errorf("keepalive.inhibit_what has unknown lock %q", what)
			}
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config level name to a slog.Level. Unknown names
// map to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
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

const defaultHeader = `# watchlink configuration
#
# ble.advertise_interval_ms   advertising interval (100 = low latency)
# bridge.listen               address of the application channel
# bridge.codec                event encoding for new clients: json or cbor
# keepalive.inhibit_what      logind lock types, colon separated
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the written path, or "" if a config was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("config: creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("config: encoding defaults: %w", err)
	}

	content := defaultHeader + "\n" + string(data)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("config: writing config file: %w", err)
	}
	return path, nil
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
