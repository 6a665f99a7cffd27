package scheduler

import (
	"time"

	"github.com/smallbiznis/feeledger/internal/config"
)

// Config controls scheduler intervals, batch sizes and per-job timeouts.
type Config struct {
	RunInterval      time.Duration
	BatchSize        int
	MaxSweepBatches  int
	OverdueTimeout   time.Duration
	ReconcileTimeout time.Duration
	DriftTimeout     time.Duration
	EnabledJobs      []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      time.Minute,
		BatchSize:        100,
		MaxSweepBatches:  20,
		OverdueTimeout:   30 * time.Second,
		ReconcileTimeout: 5 * time.Minute,
		DriftTimeout:     2 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.RunInterval,
		BatchSize:   cfg.Scheduler.BatchSize,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxSweepBatches <= 0 {
		c.MaxSweepBatches = defaults.MaxSweepBatches
	}
	if c.OverdueTimeout <= 0 {
		c.OverdueTimeout = defaults.OverdueTimeout
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = defaults.ReconcileTimeout
	}
	if c.DriftTimeout <= 0 {
		c.DriftTimeout = defaults.DriftTimeout
	}
	return c
}
