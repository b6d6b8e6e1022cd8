// Package config handles configuration loading and validation for the
// chunkforge daemon.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chunkforge/chunkforge/pkg/bytesize"
)

// ServiceConfig tunes the processing service.
type ServiceConfig struct {
	Workers         int    `yaml:"workers"`          // Worker goroutines (default: NumCPU-1)
	QueueSize       int    `yaml:"queue_size"`       // Work queue capacity (default: 1024)
	ShutdownTimeout string `yaml:"shutdown_timeout"` // Duration string, e.g. "5s"
	CacheBudget     string `yaml:"cache_budget"`     // Byte size string, e.g. "256MB" (empty: caching disabled)
}

// WorldConfig tunes the in-memory world.
type WorldConfig struct {
	Seed   int64 `yaml:"seed"`
	Radius int32 `yaml:"radius"` // World extent in chunks on x and z (default: 64)
}

// Config is the daemon configuration.
type Config struct {
	Listen   string        `yaml:"listen"`    // HTTP listen address (default: ":9180")
	LogLevel string        `yaml:"log_level"` // zerolog level name (default: "info")
	Service  ServiceConfig `yaml:"service"`
	World    WorldConfig   `yaml:"world"`
}

// Load reads configuration from a YAML file and applies defaults. An
// empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = ":9180"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Service.QueueSize == 0 {
		cfg.Service.QueueSize = 1024
	}
	if cfg.Service.ShutdownTimeout == "" {
		cfg.Service.ShutdownTimeout = "5s"
	}
	if cfg.World.Radius == 0 {
		cfg.World.Radius = 64
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Service.Workers < 0 {
		return fmt.Errorf("service.workers must not be negative, got %d", c.Service.Workers)
	}
	if c.Service.QueueSize < 1 {
		return fmt.Errorf("service.queue_size must be at least 1, got %d", c.Service.QueueSize)
	}
	if _, err := time.ParseDuration(c.Service.ShutdownTimeout); err != nil {
		return fmt.Errorf("service.shutdown_timeout: %w", err)
	}
	if c.Service.CacheBudget != "" {
		if _, err := bytesize.Parse(c.Service.CacheBudget); err != nil {
			return fmt.Errorf("service.cache_budget: %w", err)
		}
	}
	if c.World.Radius < 1 {
		return fmt.Errorf("world.radius must be at least 1, got %d", c.World.Radius)
	}
	return nil
}

// ShutdownTimeout returns the parsed shutdown timeout. Config
// validation guarantees it parses.
func (c *Config) ShutdownTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Service.ShutdownTimeout)
	return d
}

// CacheBudgetBytes returns the parsed cache budget, 0 when unset.
func (c *Config) CacheBudgetBytes() int64 {
	if c.Service.CacheBudget == "" {
		return 0
	}
	n, _ := bytesize.Parse(c.Service.CacheBudget)
	return n
}
