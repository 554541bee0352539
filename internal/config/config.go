// Package config loads engine configuration from the environment, with
// CLI flags in cmd/maestrod taking precedence over it.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/maestro-run/maestro/internal/backend/postgres"
)

// Config is the full set of tunables a running engine needs.
type Config struct {
	Backend postgres.Config

	// Workers is the number of goroutines consuming the shared queue.
	Workers int

	// BatchSize is loaded but not passed to internal/queue/postgres,
	// whose Work loop claims one job at a time until none is eligible.
	BatchSize int

	// PollingInterval is how often internal/queue/postgres polls for
	// claimable jobs.
	PollingInterval time.Duration

	// JobExpiration marks a claimed-but-unfinished job stale after this
	// long, making it eligible for RecoverStalled.
	JobExpiration time.Duration

	LogLevel  string
	LogFormat string
}

// Default returns the configuration a freshly started daemon uses absent
// any environment or flag overrides.
func Default() *Config {
	return &Config{
		Workers:         10,
		BatchSize:       10,
		PollingInterval: 500 * time.Millisecond,
		JobExpiration:   5 * time.Minute,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// FromEnv builds a Config from the environment, falling back to Default
// for anything unset. Supported variables:
//   - MAESTRO_POSTGRES_URL
//   - MAESTRO_WORKERS
//   - MAESTRO_BATCH_SIZE
//   - MAESTRO_POLL_INTERVAL (Go duration string, e.g. "500ms")
//   - MAESTRO_JOB_EXPIRATION (Go duration string, e.g. "5m")
//   - MAESTRO_LOG_LEVEL
//   - MAESTRO_LOG_FORMAT
func FromEnv() *Config {
	cfg := Default()

	if url := os.Getenv("MAESTRO_POSTGRES_URL"); url != "" {
		cfg.Backend.ConnectionString = url
	}
	if v := os.Getenv("MAESTRO_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("MAESTRO_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("MAESTRO_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollingInterval = d
		}
	}
	if v := os.Getenv("MAESTRO_JOB_EXPIRATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.JobExpiration = d
		}
	}
	if v := os.Getenv("MAESTRO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MAESTRO_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}
