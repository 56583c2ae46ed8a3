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
	LogLevel  string          `yaml:"log_level"`
	Transport string          `yaml:"transport"` // "ble" or "simulator"
	BLE       BLEConfig       `yaml:"ble"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Timing    TimingConfig    `yaml:"timing"`
	StatePath string          `yaml:"state_path"`
	Storage   StorageConfig   `yaml:"storage"`
}

// BLEConfig holds radio link settings.
type BLEConfig struct {
	Device          string        `yaml:"device"`   // address to pair with
	KeyPath         string        `yaml:"key_path"` // written by "podctl ble pair"
	InterChunkDelay time.Duration `yaml:"inter_chunk_delay"`
	ConnectAttempts int           `yaml:"connect_attempts"`
}

// SimulatorConfig configures the in-process pod.
type SimulatorConfig struct {
	ReservoirUnits float64       `yaml:"reservoir_units"`
	Latency        time.Duration `yaml:"latency"`
}

// TimingConfig holds command and session timing.
type TimingConfig struct {
	CommandTimeout time.Duration `yaml:"command_timeout"`
	StatusRetries  int           `yaml:"status_retries"`
	SettleWindow   time.Duration `yaml:"settle_window"`
	SessionWait    time.Duration `yaml:"session_wait"` // bound on one operation, queueing included
	StorageTimeout time.Duration `yaml:"storage_timeout"`
}

// StorageConfig holds the dose database settings. An empty DSN keeps
// finalized doses in the state file only.
type StorageConfig struct {
	DSN string `yaml:"dsn"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "podlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		LogLevel:  "info",
		Transport: "ble",
		BLE: BLEConfig{
			KeyPath:         filepath.Join(DefaultConfigDir(), "pod-key.yaml"),
			InterChunkDelay: 20 * time.Millisecond,
			ConnectAttempts: 3,
		},
		Simulator: SimulatorConfig{
			ReservoirUnits: 200,
		},
		Timing: TimingConfig{
			CommandTimeout: 10 * time.Second,
			StatusRetries:  2,
			SettleWindow:   time.Minute,
			SessionWait:    2 * time.Minute,
			StorageTimeout: 30 * time.Second,
		},
		StatePath: filepath.Join(home, ".local", "share", "podlink", "state.yaml"),
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.StatePath = expandTilde(cfg.StatePath)
	cfg.BLE.KeyPath = expandTilde(cfg.BLE.KeyPath)

	return cfg, nil
}

const header = "# podlink configuration\n# Durations use Go syntax: 500ms, 10s, 2m.\n\n"

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
		return "", fmt.Errorf("marshaling default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Transport {
	case "ble":
		if c.BLE.KeyPath == "" {
			return fmt.Errorf("ble.key_path must not be empty when transport is \"ble\"")
		}
		if c.BLE.InterChunkDelay < 0 {
			return fmt.Errorf("ble.inter_chunk_delay must not be negative")
		}
	case "simulator":
		if c.Simulator.ReservoirUnits <= 0 {
			return fmt.Errorf("simulator.reservoir_units must be > 0")
		}
	default:
		return fmt.Errorf("transport must be \"ble\" or \"simulator\", got %q", c.Transport)
	}

	if c.Timing.CommandTimeout <= 0 {
		return fmt.Errorf("timing.command_timeout must be > 0")
	}
	if c.Timing.StatusRetries < 0 {
		return fmt.Errorf("timing.status_retries must be >= 0")
	}
	if c.Timing.SettleWindow <= 0 {
		return fmt.Errorf("timing.settle_window must be > 0")
	}
	if c.Timing.SessionWait < c.Timing.CommandTimeout {
		return fmt.Errorf("timing.session_wait (%s) must be at least timing.command_timeout (%s)", c.Timing.SessionWait, c.Timing.CommandTimeout)
	}
	if c.Timing.StorageTimeout <= 0 {
		return fmt.Errorf("timing.storage_timeout must be > 0")
	}

	if c.StatePath == "" {
		return fmt.Errorf("state_path must not be empty")
	}
	return nil
}

// ParseLogLevel maps a log_level value to a slog.Level, defaulting to info.
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
