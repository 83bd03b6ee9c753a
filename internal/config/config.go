// Package config handles environment variable loading for ports, storage
// paths, concurrency limits, etc.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the application.
type Config struct {
	// Path of the SQLite database file backing the run store.
	DBPath string

	// HTTP server port for the API.
	HTTPPort int

	// Maximum number of concurrently executing sessions.
	MaxConcurrency int

	// Admission rate window. RequestsPerInterval <= 0 disables the window.
	RequestsPerInterval int
	RateInterval        time.Duration

	// Applied when a submission carries no timeout of its own.
	DefaultRunTimeout time.Duration

	// Terminal runs older than this are purged by the cleanup task.
	RetentionDays int

	// Idle-subscriber heartbeat interval for output streams.
	HeartbeatInterval time.Duration

	// Agent executable invoked for each run.
	AgentBin string

	// OTLP collector address; empty disables tracing export.
	OTELEndpoint string

	// Log level: debug, info, warn, error.
	LogLevel string
}

// Load reads configuration from AGENTPLANE_* environment variables,
// applying defaults and validating the result.
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:              "agentplane.db",
		HTTPPort:            6200,
		MaxConcurrency:      2,
		RequestsPerInterval: 0,
		RateInterval:        time.Minute,
		DefaultRunTimeout:   30 * time.Minute,
		RetentionDays:       30,
		HeartbeatInterval:   30 * time.Second,
		AgentBin:            "claude",
		LogLevel:            "info",
	}

	if v := os.Getenv("AGENTPLANE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	var err error
	if cfg.HTTPPort, err = intEnv("AGENTPLANE_PORT", cfg.HTTPPort); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrency, err = intEnv("AGENTPLANE_MAX_CONCURRENCY", cfg.MaxConcurrency); err != nil {
		return nil, err
	}
	if cfg.RequestsPerInterval, err = intEnv("AGENTPLANE_REQUESTS_PER_INTERVAL", cfg.RequestsPerInterval); err != nil {
		return nil, err
	}
	if cfg.RateInterval, err = durationEnv("AGENTPLANE_RATE_INTERVAL", cfg.RateInterval); err != nil {
		return nil, err
	}
	if cfg.DefaultRunTimeout, err = durationEnv("AGENTPLANE_DEFAULT_RUN_TIMEOUT", cfg.DefaultRunTimeout); err != nil {
		return nil, err
	}
	if cfg.RetentionDays, err = intEnv("AGENTPLANE_RETENTION_DAYS", cfg.RetentionDays); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = durationEnv("AGENTPLANE_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return nil, err
	}

	if v := os.Getenv("AGENTPLANE_AGENT_BIN"); v != "" {
		cfg.AgentBin = v
	}
	cfg.OTELEndpoint = os.Getenv("AGENTPLANE_OTEL_ENDPOINT")
	if v := os.Getenv("AGENTPLANE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if cfg.MaxConcurrency < 1 {
		return nil, fmt.Errorf("AGENTPLANE_MAX_CONCURRENCY must be >= 1, got %d", cfg.MaxConcurrency)
	}
	if cfg.RetentionDays < 1 {
		return nil, fmt.Errorf("AGENTPLANE_RETENTION_DAYS must be >= 1, got %d", cfg.RetentionDays)
	}
	if cfg.RequestsPerInterval > 0 && cfg.RateInterval <= 0 {
		return nil, fmt.Errorf("AGENTPLANE_RATE_INTERVAL must be positive when rate limiting is enabled")
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("AGENTPLANE_HEARTBEAT_INTERVAL must be positive")
	}

	return cfg, nil
}

func intEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// Retention returns the cleanup cutoff window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
