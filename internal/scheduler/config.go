package scheduler

import (
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval      time.Duration
	BatchSize        int
	JobTimeout       time.Duration
	FinalizeInvoices bool
	// SnapshotHour is the UTC hour after which the daily analytics snapshot
	// job is allowed to run.
	SnapshotHour int
	// EnabledJobs restricts which jobs run; empty means all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      time.Minute,
		BatchSize:        50,
		JobTimeout:       30 * time.Second,
		FinalizeInvoices: true,
		SnapshotHour:     2,
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
	if c.SnapshotHour < 0 || c.SnapshotHour > 23 {
		c.SnapshotHour = defaults.SnapshotHour
	}
	return c
}
