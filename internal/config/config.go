// Package config loads the process's ambient, environment-driven
// settings: listen address, data directory, health-probe cadence,
// logging, and whether to watch the config file for hot reload. The
// domain catalog (providers, virtual providers, limits) is a separate
// concern owned by internal/persistence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the full set of environment-derived settings for one process.
type Config struct {
	ListenAddr          string
	DataDir             string
	HealthProbeInterval time.Duration
	LogLevel            string
	LogFormat           string // "console" or "json"
	ConfigWatch         bool
}

// New loads Config from the process environment, applying defaults for
// anything unset.
func New() (*Config, error) {
	cfg := &Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		DataDir:             getEnv("DATA_DIR", "./data"),
		HealthProbeInterval: getEnvAsDuration("HEALTH_PROBE_INTERVAL", 30*time.Second),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "console"),
		ConfigWatch:         getEnvAsBool("CONFIG_WATCH", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate reports an error for settings that would otherwise fail later
// in a less diagnosable way.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if c.HealthProbeInterval <= 0 {
		return fmt.Errorf("health probe interval must be positive, got %s", c.HealthProbeInterval)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("log format must be console or json, got %q", c.LogFormat)
	}
	return nil
}

// ConfigPath returns the path to the domain configuration file inside
// DataDir.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

// UsageSnapshotPath returns the path to the usage snapshot file inside
// DataDir.
func (c *Config) UsageSnapshotPath() string {
	return filepath.Join(c.DataDir, "usage.json")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
