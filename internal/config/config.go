// Package config loads the daemon configuration from a YAML file and
// TABWARDEN_* environment variables. User-facing budget settings live in
// the encrypted store, not here; this file covers paths, the tracked
// property and operational knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete daemon configuration.
type Config struct {
	Tracking TrackingConfig `mapstructure:"tracking"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// TrackingConfig names the web property under budget.
type TrackingConfig struct {
	// Domains are matched exactly against the page hostname.
	Domains []string `mapstructure:"domains"`
}

// PathsConfig defines where the daemon keeps its state.
type PathsConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	SocketPath string `mapstructure:"socket_path"`
	PidFile    string `mapstructure:"pid_file"`
}

// LoggingConfig defines logging behavior.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// MetricsConfig defines the optional Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	return filepath.Join(baseDir(), "config.yaml")
}

func baseDir() string {
	if dir := os.Getenv("TABWARDEN_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".tabwarden")
}

// Load reads the config file and environment overrides. A missing file
// is not an error; defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TABWARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(configPath); statErr == nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	dir := baseDir()

	v.SetDefault("tracking.domains", []string{})

	v.SetDefault("paths.data_dir", dir)
	v.SetDefault("paths.socket_path", filepath.Join(dir, "bridge.sock"))
	v.SetDefault("paths.pid_file", filepath.Join(dir, "daemon.pid"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", filepath.Join(dir, "daemon.log"))

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9477")
}

func validate(cfg *Config) error {
	if len(cfg.Tracking.Domains) == 0 {
		return fmt.Errorf("tracking.domains must name at least one hostname")
	}
	for _, d := range cfg.Tracking.Domains {
		if strings.Contains(d, "/") || strings.Contains(d, " ") {
			return fmt.Errorf("tracking.domains entry %q is not a hostname", d)
		}
	}
	if cfg.Paths.DataDir == "" {
		return fmt.Errorf("paths.data_dir must not be empty")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr must be set when metrics are enabled")
	}
	return nil
}
