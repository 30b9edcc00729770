// Package config loads the erpsync YAML configuration file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration for one erpsync deployment.
// Durations are YAML strings in time.ParseDuration syntax ("10m", "2h").
type Config struct {
	Database    string        `yaml:"database"`
	Tenant      string        `yaml:"tenant"`
	PageSize    int           `yaml:"page_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	MappingsDir string        `yaml:"mappings_dir"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the per-module circuit breaker.
type BreakerConfig struct {
	Threshold    int     `yaml:"threshold"`
	FailureRatio float64 `yaml:"failure_ratio"`
	Recovery     string  `yaml:"recovery"`
	Staleness    string  `yaml:"staleness"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Database:    "erpsync.db",
		Tenant:      "default",
		PageSize:    50,
		MaxAttempts: 5,
		Breaker: BreakerConfig{
			Threshold:    5,
			FailureRatio: 0.8,
			Recovery:     "10m",
			Staleness:    "2h",
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field constraints and duration syntax.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker.threshold must be positive, got %d", c.Breaker.Threshold)
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		return fmt.Errorf("breaker.failure_ratio must be in (0, 1], got %g", c.Breaker.FailureRatio)
	}
	if _, err := time.ParseDuration(c.Breaker.Recovery); err != nil {
		return fmt.Errorf("breaker.recovery: %w", err)
	}
	if _, err := time.ParseDuration(c.Breaker.Staleness); err != nil {
		return fmt.Errorf("breaker.staleness: %w", err)
	}
	return nil
}

// RecoveryDuration returns the parsed breaker recovery delay. Call after
// Validate.
func (c *BreakerConfig) RecoveryDuration() time.Duration {
	d, _ := time.ParseDuration(c.Recovery)
	return d
}

// StalenessDuration returns the parsed breaker staleness window. Call after
// Validate.
func (c *BreakerConfig) StalenessDuration() time.Duration {
	d, _ := time.ParseDuration(c.Staleness)
	return d
}
