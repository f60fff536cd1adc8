// Package config loads server configuration from an optional yaml file with
// environment-variable fallbacks.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Piano struct {
		Strategy       string `yaml:"strategy"`
		ReleaseGraceMs int    `yaml:"release_grace_ms"`
		StaleAfterSec  int    `yaml:"stale_after_sec"`
	} `yaml:"piano"`

	RateLimit struct {
		MaxPerSecond  int `yaml:"max_per_second"`
		MaxBurst      int `yaml:"max_burst"`
		CriticalAfter int `yaml:"critical_after"`
	} `yaml:"rate_limit"`

	Batch struct {
		Enabled           *bool `yaml:"enabled"`
		MaxSize           int   `yaml:"max_size"`
		MaxDelayMs        int   `yaml:"max_delay_ms"`
		PriorityThreshold int   `yaml:"priority_threshold"`
		CompressMinBytes  int   `yaml:"compress_min_bytes"`
	} `yaml:"batch"`

	Heartbeat struct {
		IntervalSec int `yaml:"interval_sec"`
	} `yaml:"heartbeat"`

	NATS struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads the yaml file at path (skipped if it does not exist), then
// applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Config file is optional; env vars and defaults apply.
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("PIANOWIRE_ADDR", c.Server.Addr)
	c.Piano.Strategy = getEnv("PIANOWIRE_STRATEGY", c.Piano.Strategy)
	c.RateLimit.MaxPerSecond = getEnvAsInt("PIANOWIRE_RATE_MAX_PER_SECOND", c.RateLimit.MaxPerSecond)
	c.RateLimit.MaxBurst = getEnvAsInt("PIANOWIRE_RATE_MAX_BURST", c.RateLimit.MaxBurst)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Piano.ReleaseGraceMs <= 0 {
		c.Piano.ReleaseGraceMs = 50
	}
	if c.Piano.StaleAfterSec <= 0 {
		c.Piano.StaleAfterSec = 30
	}
	if c.RateLimit.MaxPerSecond <= 0 {
		c.RateLimit.MaxPerSecond = 30
	}
	if c.RateLimit.MaxBurst <= 0 {
		c.RateLimit.MaxBurst = 60
	}
	if c.RateLimit.CriticalAfter <= 0 {
		c.RateLimit.CriticalAfter = 5
	}
	if c.Batch.Enabled == nil {
		enabled := true
		c.Batch.Enabled = &enabled
	}
	if c.Batch.MaxSize <= 0 {
		c.Batch.MaxSize = 10
	}
	if c.Batch.MaxDelayMs <= 0 {
		c.Batch.MaxDelayMs = 16
	}
	if c.Batch.PriorityThreshold <= 0 {
		c.Batch.PriorityThreshold = 5
	}
	if c.Batch.CompressMinBytes <= 0 {
		c.Batch.CompressMinBytes = 1024
	}
	if c.Heartbeat.IntervalSec <= 0 {
		c.Heartbeat.IntervalSec = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// ReleaseGrace returns the note release grace window.
func (c *Config) ReleaseGrace() time.Duration {
	return time.Duration(c.Piano.ReleaseGraceMs) * time.Millisecond
}

// StaleAfter returns the orphaned-note staleness threshold.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Piano.StaleAfterSec) * time.Second
}

// BatchMaxDelay returns the batch flush deadline.
func (c *Config) BatchMaxDelay() time.Duration {
	return time.Duration(c.Batch.MaxDelayMs) * time.Millisecond
}

// HeartbeatInterval returns the liveness ping interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSec) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
