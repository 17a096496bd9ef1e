package scheduler

import (
	"time"

	"github.com/gridpulse/creditledger/internal/config"
)

// Config controls scheduler cadence and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	LockTTL     time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   50,
		JobTimeout:  30 * time.Second,
		LockTTL:     2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	out := Config{
		BatchSize:   cfg.SchedulerBatchSize,
		EnabledJobs: cfg.SchedulerEnabledJobs,
	}
	if cfg.SchedulerRunIntervalSeconds > 0 {
		out.RunInterval = time.Duration(cfg.SchedulerRunIntervalSeconds) * time.Second
	}
	return out.withDefaults()
}
