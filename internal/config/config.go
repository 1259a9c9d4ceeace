// Package config manages gonetcat's optional defaults file using
// koanf/v2.
//
// Command-line flags always take precedence; this package only supplies
// the layers beneath them (environment variables, then a YAML file, then
// built-in defaults) for settings worth defaulting across invocations,
// such as connect/accept timeout and pacing interval.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the layered defaults. Network.Wait, Network.Interval and
// both Metrics fields have command-line flags that override them, -v
// raises Log.Level to "debug", and Log.Format has no flag.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Network NetworkConfig `koanf:"network"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// LogConfig controls ambient structured logging.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// NetworkConfig holds the default relay timing parameters.
type NetworkConfig struct {
	// Wait is the default connect/accept timeout (0 = wait forever).
	Wait time.Duration `koanf:"wait"`
	// Interval is the default pacing interval for outbound writes
	// (0 = no pacing).
	Interval time.Duration `koanf:"interval"`
}

// MetricsConfig holds the optional Prometheus exporter configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint, empty
	// to disable it entirely.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint.
	Path string `koanf:"path"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Network: NetworkConfig{
			Wait:     0,
			Interval: 0,
		},
		Metrics: MetricsConfig{
			Addr: "",
			Path: "/metrics",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gonetcat
// configuration. Variables are named GONETCAT_<section>_<key>, e.g.,
// GONETCAT_NETWORK_WAIT.
const envPrefix = "GONETCAT_"

// Load reads configuration from an optional YAML file at path (the file
// layer is skipped entirely when path is empty), overlays environment
// variable overrides, and merges on top of DefaultConfig().
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// GONETCAT_NETWORK_WAIT -> network.wait (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GONETCAT_NETWORK_WAIT -> network.wait.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":        defaults.Log.Level,
		"log.format":       defaults.Log.Format,
		"network.wait":     defaults.Network.Wait.String(),
		"network.interval": defaults.Network.Interval.String(),
		"metrics.addr":     defaults.Metrics.Addr,
		"metrics.path":     defaults.Metrics.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidLogLevel indicates an unrecognized log level string.
	ErrInvalidLogLevel = errors.New("log.level must be one of debug, info, warn, error")
	// ErrNegativeWait indicates a negative connect/accept timeout.
	ErrNegativeWait = errors.New("network.wait must be >= 0")
	// ErrNegativeInterval indicates a negative pacing interval.
	ErrNegativeInterval = errors.New("network.interval must be >= 0")
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	if !validLogLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, cfg.Log.Level)
	}
	if cfg.Network.Wait < 0 {
		return ErrNegativeWait
	}
	if cfg.Network.Interval < 0 {
		return ErrNegativeInterval
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
