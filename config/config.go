// Package config loads toolkit settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/Swind/go-task-toolkit/core"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all toolkit configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Worker pool
	PoolName          string        `env:"TOOLKIT_POOL_NAME" envDefault:"toolkit-pool"`
	PoolSize          int           `env:"TOOLKIT_POOL_SIZE" envDefault:"512"`
	IdleWorkerTimeout time.Duration `env:"TOOLKIT_IDLE_WORKER_TIMEOUT" envDefault:"60s"`
	HistoryCapacity   int           `env:"TOOLKIT_HISTORY_CAPACITY" envDefault:"100"`

	// Periodic statistics log line; 0 disables it
	StatsLogInterval time.Duration `env:"TOOLKIT_STATS_LOG_INTERVAL" envDefault:"0s"`

	// Warnings per second for submissions rejected after shutdown
	RejectedLogRate float64 `env:"TOOLKIT_REJECTED_LOG_RATE" envDefault:"1"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Monitoring; an empty address disables the HTTP endpoint
	MetricsAddr      string        `env:"TOOLKIT_METRICS_ADDR"`
	MetricsNamespace string        `env:"TOOLKIT_METRICS_NAMESPACE" envDefault:"toolkit"`
	SnapshotInterval time.Duration `env:"TOOLKIT_SNAPSHOT_INTERVAL" envDefault:"5s"`

	// Broker used by transport/natsreply; empty disables it
	NATSURL string `env:"TOOLKIT_NATS_URL"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: ENV vars > .env file > defaults
//
// files overrides the .env lookup; a missing file is not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}
	return Parse()
}

// Parse reads configuration from the environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.PoolName == "" {
		return fmt.Errorf("TOOLKIT_POOL_NAME is required")
	}

	// Range checks
	if c.PoolSize < 1 {
		return fmt.Errorf("TOOLKIT_POOL_SIZE must be > 0, got %d", c.PoolSize)
	}
	if c.IdleWorkerTimeout <= 0 {
		return fmt.Errorf("TOOLKIT_IDLE_WORKER_TIMEOUT must be > 0, got %s", c.IdleWorkerTimeout)
	}
	if c.HistoryCapacity < 1 {
		return fmt.Errorf("TOOLKIT_HISTORY_CAPACITY must be > 0, got %d", c.HistoryCapacity)
	}
	if c.StatsLogInterval < 0 {
		return fmt.Errorf("TOOLKIT_STATS_LOG_INTERVAL must be >= 0, got %s", c.StatsLogInterval)
	}
	if c.RejectedLogRate <= 0 {
		return fmt.Errorf("TOOLKIT_REJECTED_LOG_RATE must be > 0, got %.2f", c.RejectedLogRate)
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("TOOLKIT_SNAPSHOT_INTERVAL must be > 0, got %s", c.SnapshotInterval)
	}

	// Enum checks
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// PoolConfig converts the pool settings into a core.WorkerPoolConfig.
// Handlers not derived from configuration keep their defaults.
func (c *Config) PoolConfig(logger core.Logger) core.WorkerPoolConfig {
	if logger == nil {
		logger = core.NewNoOpLogger()
	}
	cfg := core.DefaultWorkerPoolConfig()
	cfg.Name = c.PoolName
	cfg.MaxWorkers = c.PoolSize
	cfg.IdleTimeout = c.IdleWorkerTimeout
	cfg.HistoryCapacity = c.HistoryCapacity
	cfg.Logger = logger
	cfg.RejectedTaskHandler = core.NewDefaultRejectedTaskHandler(logger, c.RejectedLogRate)
	return cfg
}

// LogConfig logs the effective configuration at info level.
func (c *Config) LogConfig(logger core.Logger) {
	logger.Info("Toolkit configuration loaded",
		core.F("pool_name", c.PoolName),
		core.F("pool_size", c.PoolSize),
		core.F("idle_worker_timeout", c.IdleWorkerTimeout.String()),
		core.F("history_capacity", c.HistoryCapacity),
		core.F("stats_log_interval", c.StatsLogInterval.String()),
		core.F("rejected_log_rate", c.RejectedLogRate),
		core.F("log_level", c.LogLevel),
		core.F("log_format", c.LogFormat),
		core.F("metrics_addr", c.MetricsAddr),
		core.F("metrics_namespace", c.MetricsNamespace),
		core.F("snapshot_interval", c.SnapshotInterval.String()),
		core.F("nats_url", c.NATSURL),
	)
}
