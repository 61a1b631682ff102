// Package config loads the subsystem configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// maxConfigSize caps config files at 1MB to prevent memory exhaustion.
const maxConfigSize = 1 << 20

// Config represents the subsystem configuration.
type Config struct {
	// Session holds session store limits.
	Session SessionConfig `yaml:"session"`

	// Execution holds external execution-test settings.
	Execution ExecutionConfig `yaml:"execution"`

	// CatalogPath points to the node-type catalog file.
	CatalogPath string `yaml:"catalog_path"`

	// Audit configures the audit sinks.
	Audit AuditConfig `yaml:"audit"`

	// Observability configures the metrics/probe server.
	Observability ObservabilityConfig `yaml:"observability"`
}

// SessionConfig holds session store limits.
type SessionConfig struct {
	// TTLMinutes is the session lifetime in minutes (default 30).
	TTLMinutes int `yaml:"ttl_minutes"`
	// OperationsPerMinute is the per-session rate limit (default 30).
	OperationsPerMinute int `yaml:"operations_per_minute"`
	// SweepSchedule is an optional cron spec for the expiry sweeper
	// (e.g. "@every 5m"). Empty disables the sweeper.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// ExecutionConfig holds external execution-test settings.
type ExecutionConfig struct {
	// TimeoutSeconds bounds the execution-test call (default 30).
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// AuditConfig configures audit sinks.
type AuditConfig struct {
	// Redis, if set, enables the Redis audit sink.
	Redis *RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig holds Redis connection settings for the audit sink.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix,omitempty"`
	// TTLHours is the expiry applied to audit lists (0 = never).
	TTLHours int `yaml:"ttl_hours"`
}

// ObservabilityConfig configures the metrics/probe server.
type ObservabilityConfig struct {
	// Enabled controls whether the HTTP server starts.
	Enabled bool `yaml:"enabled"`
	// Port is the HTTP port (default 9090).
	Port int `yaml:"port"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			TTLMinutes:          30,
			OperationsPerMinute: 30,
		},
		Execution: ExecutionConfig{
			TimeoutSeconds: 30,
		},
		Observability: ObservabilityConfig{
			Port: 9090,
		},
	}
}

// Load loads configuration from a YAML file, applying defaults for unset
// fields.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Session.TTLMinutes <= 0 {
		return fmt.Errorf("session.ttl_minutes must be positive, got %d", c.Session.TTLMinutes)
	}
	if c.Session.OperationsPerMinute <= 0 {
		return fmt.Errorf("session.operations_per_minute must be positive, got %d", c.Session.OperationsPerMinute)
	}
	if c.Execution.TimeoutSeconds <= 0 {
		return fmt.Errorf("execution.timeout_seconds must be positive, got %d", c.Execution.TimeoutSeconds)
	}
	if c.Observability.Enabled && (c.Observability.Port < 1 || c.Observability.Port > 65535) {
		return fmt.Errorf("observability.port out of range: %d", c.Observability.Port)
	}
	if c.Audit.Redis != nil && c.Audit.Redis.Addr == "" {
		return fmt.Errorf("audit.redis.addr is required when the redis sink is configured")
	}
	return nil
}

// SessionTTL returns the session lifetime as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLMinutes) * time.Minute
}

// ExecutionTimeout returns the execution-test bound as a duration.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Execution.TimeoutSeconds) * time.Second
}

// RedisAuditTTL returns the Redis audit list expiry as a duration, or 0
// when no Redis sink is configured or the lists never expire.
func (c *Config) RedisAuditTTL() time.Duration {
	if c.Audit.Redis == nil {
		return 0
	}
	return time.Duration(c.Audit.Redis.TTLHours) * time.Hour
}
