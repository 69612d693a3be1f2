// Package config loads the TOML configuration consumed by the otpkit daemon
// and examples: logging, introspection server, metrics sampling, persistence
// and event-export DSNs.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/otpkit/internal/logger"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Log         logger.Config     `toml:"log" mapstructure:"log"`
	Server      ServerConfig      `toml:"server" mapstructure:"server"`
	Metrics     MetricsConfig     `toml:"metrics" mapstructure:"metrics"`
	Persistence PersistenceConfig `toml:"persistence" mapstructure:"persistence"`
	EventLog    EventLogConfig    `toml:"eventlog" mapstructure:"eventlog"`
	Runtime     RuntimeConfig     `toml:"runtime" mapstructure:"runtime"`
}

// ServerConfig configures the introspection HTTP server.
type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// MetricsConfig configures Prometheus registration and stats sampling.
type MetricsConfig struct {
	Enabled        bool          `toml:"enabled" mapstructure:"enabled"`
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
}

// PersistenceConfig selects the default snapshot adapter by DSN.
type PersistenceConfig struct {
	DSN              string        `toml:"dsn" mapstructure:"dsn"`
	SnapshotInterval time.Duration `toml:"snapshot_interval" mapstructure:"snapshot_interval"`
	MaxStateAge      time.Duration `toml:"max_state_age" mapstructure:"max_state_age"`
	CleanupInterval  time.Duration `toml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// EventLogConfig selects the lifecycle-event sink by DSN.
type EventLogConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// RuntimeConfig holds runtime-wide knobs.
type RuntimeConfig struct {
	IDPrefix      string        `toml:"id_prefix" mapstructure:"id_prefix"`
	ShutdownGrace time.Duration `toml:"shutdown_grace" mapstructure:"shutdown_grace"`
}

// Defaults used when the file omits a section.
const (
	DefaultListen        = "127.0.0.1:8480"
	DefaultBasePath      = "/otpkit"
	DefaultShutdownGrace = 10 * time.Second
)

// Load reads and validates a TOML config file.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	fc.applyDefaults()
	if err := fc.validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

func (fc *FileConfig) applyDefaults() {
	if fc.Server.Listen == "" {
		fc.Server.Listen = DefaultListen
	}
	if fc.Server.BasePath == "" {
		fc.Server.BasePath = DefaultBasePath
	}
	if fc.Runtime.ShutdownGrace <= 0 {
		fc.Runtime.ShutdownGrace = DefaultShutdownGrace
	}
	if fc.Metrics.SampleInterval <= 0 {
		fc.Metrics.SampleInterval = 5 * time.Second
	}
}

func (fc *FileConfig) validate() error {
	if fc.Persistence.CleanupInterval > 0 && fc.Persistence.MaxStateAge <= 0 {
		return fmt.Errorf("persistence.cleanup_interval requires persistence.max_state_age")
	}
	return nil
}
