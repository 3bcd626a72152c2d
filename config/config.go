// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable that overrides the file.
const EnvPrefix = "FLUXSESSION_"

// Config holds all configuration for the session engine.
type Config struct {
	Session   SessionConfig   `yaml:"session" envPrefix:"SESSION_"`
	DTX       DTXConfig       `yaml:"dtx" envPrefix:"DTX_"`
	VHost     VHostConfig     `yaml:"vhost" envPrefix:"VHOST_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	RateLimit RateLimitConfig `yaml:"ratelimit" envPrefix:"RATELIMIT_"`
}

// SessionConfig holds per-channel session settings.
type SessionConfig struct {
	// How long a producer may ignore flow control before its session is
	// closed.
	FlowControlEnforcementTimeout time.Duration `yaml:"flow_control_enforcement_timeout" env:"FLOW_CONTROL_ENFORCEMENT_TIMEOUT"`

	// Uncommitted message data kept in memory per transaction, in bytes.
	MaxUncommittedInMemorySize int64 `yaml:"max_uncommitted_in_memory_size" env:"MAX_UNCOMMITTED_IN_MEMORY_SIZE"`

	AsyncCommandThreshold int `yaml:"async_command_threshold" env:"ASYNC_COMMAND_THRESHOLD"`

	// Producer credit granted on unblock, and replenished in TopUp steps.
	ProducerCreditLimit int64 `yaml:"producer_credit_limit" env:"PRODUCER_CREDIT_LIMIT"`
	ProducerCreditTopUp int64 `yaml:"producer_credit_top_up" env:"PRODUCER_CREDIT_TOP_UP"`

	LargeTransactionWarnInterval time.Duration `yaml:"large_transaction_warn_interval" env:"LARGE_TRANSACTION_WARN_INTERVAL"`

	// Zero disables the check.
	TxnOpenTimeout time.Duration `yaml:"txn_open_timeout" env:"TXN_OPEN_TIMEOUT"`
	TxnIdleTimeout time.Duration `yaml:"txn_idle_timeout" env:"TXN_IDLE_TIMEOUT"`
}

// DTXConfig holds distributed transaction settings.
type DTXConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	MaxTimeout     time.Duration `yaml:"max_timeout" env:"MAX_TIMEOUT"`
}

// VHostConfig holds virtual host settings.
type VHostConfig struct {
	Name                 string        `yaml:"name" env:"NAME"`
	HousekeepingInterval time.Duration `yaml:"housekeeping_interval" env:"HOUSEKEEPING_INTERVAL"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // text, json
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type" env:"TYPE"` // memory, badger

	// BadgerDB settings
	BadgerDir   string `yaml:"badger_dir" env:"BADGER_DIR"`
	SyncWrites  bool   `yaml:"sync_writes" env:"SYNC_WRITES"`
	Compression string `yaml:"compression" env:"COMPRESSION"` // none, s2, zstd

	// Flow-to-disk circuit breaker
	BreakerFailureThreshold uint32        `yaml:"breaker_failure_threshold" env:"BREAKER_FAILURE_THRESHOLD"`
	BreakerResetTimeout     time.Duration `yaml:"breaker_reset_timeout" env:"BREAKER_RESET_TIMEOUT"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Endpoint        string  `yaml:"endpoint" env:"ENDPOINT"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name" env:"SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"SERVICE_VERSION"`
	MetricsEnabled  bool    `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
	TracesEnabled   bool    `yaml:"traces_enabled" env:"TRACES_ENABLED"`
	TraceSampleRate float64 `yaml:"trace_sample_rate" env:"TRACE_SAMPLE_RATE"` // 0.0 to 1.0
}

// RateLimitConfig holds per-principal publish rate limiting settings.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled" env:"ENABLED"`
	Rate            float64       `yaml:"rate" env:"RATE"` // publishes per second per principal
	Burst           int           `yaml:"burst" env:"BURST"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			FlowControlEnforcementTimeout: 5 * time.Second,
			MaxUncommittedInMemorySize:    10 * 1024 * 1024, // 10MB
			AsyncCommandThreshold:         500,
			ProducerCreditLimit:           1<<31 - 1,
			ProducerCreditTopUp:           1 << 30,
			LargeTransactionWarnInterval:  time.Second,
		},
		DTX: DTXConfig{
			DefaultTimeout: 0, // No expiry unless the client sets one
			MaxTimeout:     time.Hour,
		},
		VHost: VHostConfig{
			Name:                 "default",
			HousekeepingInterval: time.Second,
			ShutdownTimeout:      30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:                    "badger",
			BadgerDir:               "/tmp/fluxsession/data",
			Compression:             "s2",
			BreakerFailureThreshold: 5,
			BreakerResetTimeout:     30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxsession",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  false,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
		RateLimit: RateLimitConfig{
			Enabled:         false,
			Rate:            1000,
			Burst:           2000,
			CleanupInterval: 5 * time.Minute,
		},
	}
}

// Load loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, defaults are used.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides the fields whose FLUXSESSION_ variable is set.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Session.FlowControlEnforcementTimeout <= 0 {
		return fmt.Errorf("session.flow_control_enforcement_timeout must be positive")
	}
	if c.Session.MaxUncommittedInMemorySize < 0 {
		return fmt.Errorf("session.max_uncommitted_in_memory_size cannot be negative")
	}
	if c.Session.AsyncCommandThreshold < 1 {
		return fmt.Errorf("session.async_command_threshold must be at least 1")
	}
	if c.Session.ProducerCreditLimit < 1 || c.Session.ProducerCreditLimit > 1<<32-1 {
		return fmt.Errorf("session.producer_credit_limit must be between 1 and %d", uint32(1<<32-1))
	}
	if c.Session.ProducerCreditTopUp < 1 || c.Session.ProducerCreditTopUp > c.Session.ProducerCreditLimit {
		return fmt.Errorf("session.producer_credit_top_up must be between 1 and session.producer_credit_limit")
	}
	if c.Session.TxnOpenTimeout < 0 || c.Session.TxnIdleTimeout < 0 {
		return fmt.Errorf("session transaction timeouts cannot be negative")
	}

	if c.DTX.DefaultTimeout < 0 || c.DTX.MaxTimeout < 0 {
		return fmt.Errorf("dtx timeouts cannot be negative")
	}
	if c.DTX.MaxTimeout > 0 && c.DTX.DefaultTimeout > c.DTX.MaxTimeout {
		return fmt.Errorf("dtx.default_timeout cannot exceed dtx.max_timeout")
	}

	if c.VHost.Name == "" {
		return fmt.Errorf("vhost.name cannot be empty")
	}
	if c.VHost.HousekeepingInterval < 10*time.Millisecond {
		return fmt.Errorf("vhost.housekeeping_interval must be at least 10ms")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" {
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir required when type is badger")
		}
		validCompression := map[string]bool{"": true, "none": true, "s2": true, "zstd": true}
		if !validCompression[c.Storage.Compression] {
			return fmt.Errorf("storage.compression must be one of: none, s2, zstd")
		}
	}

	// OpenTelemetry validation (only if enabled)
	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("ratelimit.rate must be positive")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("ratelimit.burst must be at least 1")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
