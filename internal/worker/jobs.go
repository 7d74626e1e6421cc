// Package worker binds the pipeline's periodic work to the scheduler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jwalitptl/videocast-api/internal/config"
	"github.com/jwalitptl/videocast-api/internal/service/distribution"
	"github.com/jwalitptl/videocast-api/internal/service/generation"
	"github.com/jwalitptl/videocast-api/internal/service/sweeper"
	"github.com/jwalitptl/videocast-api/pkg/lock"
	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/worker"
)

const (
	JobSubmit     = "generation-submit"
	JobPoll       = "generation-poll"
	JobDistribute = "distribution-trigger"
	JobSweep      = "timeout-sweeps"
	JobCache      = "cache-retention"
	JobWarmup     = "cache-warmup"
)

type Config struct {
	SubmitInterval     time.Duration
	PollInterval       time.Duration
	DistributeInterval time.Duration
	SweepInterval      time.Duration
	CacheInterval      time.Duration
	WarmupInterval     time.Duration
	// BatchSize bounds how many items one tick of a job touches.
	BatchSize int
	// LockTTL bounds how long a crashed replica can hold a job lease.
	LockTTL time.Duration
}

func ConfigFrom(c config.SchedulerConfig) Config {
	return Config{
		SubmitInterval:     c.SubmitInterval,
		PollInterval:       c.PollInterval,
		DistributeInterval: c.DistributeInterval,
		SweepInterval:      c.SweepInterval,
		CacheInterval:      c.CacheInterval,
		WarmupInterval:     c.WarmupInterval,
		BatchSize:          c.BatchSize,
	}
}

const defaultLockTTL = 5 * time.Minute

type Dependencies struct {
	Generation   generation.Servicer
	Distribution distribution.Servicer
	Sweeper      sweeper.Servicer
	// Locker keeps the jobs that call out to providers on one replica at a
	// time.
	Locker lock.Locker
	Logger *logger.Logger
}

// Jobs returns one scheduler job per periodic concern. Each runs on its own
// ticker; none of them waits on another.
func Jobs(deps Dependencies, cfg Config) []worker.Job {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("jobs")
	limit := cfg.BatchSize
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	exclusive := func(name string, run func(context.Context) error) func(context.Context) error {
		return func(ctx context.Context) error {
			lease, err := deps.Locker.Acquire(ctx, "job:"+name, cfg.LockTTL)
			if errors.Is(err, lock.ErrNotAcquired) {
				log.Debug("Job already running elsewhere", "job", name)
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to acquire job lease: %w", err)
			}
			defer func() {
				if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
					log.Error(err, "Failed to release job lease", "job", name)
				}
			}()
			return run(ctx)
		}
	}

	return []worker.Job{
		{
			Name:     JobSubmit,
			Interval: cfg.SubmitInterval,
			Run: exclusive(JobSubmit, func(ctx context.Context) error {
				n, err := deps.Generation.SubmitPending(ctx, limit)
				if n > 0 {
					log.Info("Submitted pending items", "count", n)
				}
				return err
			}),
		},
		{
			Name:     JobPoll,
			Interval: cfg.PollInterval,
			Run: func(ctx context.Context) error {
				n, err := deps.Generation.PollProcessing(ctx, limit)
				if n > 0 {
					log.Debug("Polled processing items", "count", n)
				}
				return err
			},
		},
		{
			Name:     JobDistribute,
			Interval: cfg.DistributeInterval,
			Run: exclusive(JobDistribute, func(ctx context.Context) error {
				report, err := deps.Distribution.SendReady(ctx, limit)
				if report.Sent+report.Failed > 0 {
					log.Info("Distributed ready items", "sent", report.Sent, "failed", report.Failed)
				}
				if err != nil {
					return err
				}
				_, err = deps.Distribution.PollStale(ctx, limit)
				return err
			}),
		},
		{
			Name:     JobSweep,
			Interval: cfg.SweepInterval,
			Run: func(ctx context.Context) error {
				if _, err := deps.Sweeper.SweepGenerationTimeouts(ctx); err != nil {
					return err
				}
				_, err := deps.Sweeper.SweepDistributionTimeouts(ctx)
				return err
			},
		},
		{
			Name:     JobCache,
			Interval: cfg.CacheInterval,
			Run: func(ctx context.Context) error {
				_, err := deps.Sweeper.SweepCacheRetention(ctx)
				return err
			},
		},
		{
			Name:     JobWarmup,
			Interval: cfg.WarmupInterval,
			Run: func(ctx context.Context) error {
				_, err := deps.Sweeper.WarmupMissingCache(ctx)
				return err
			},
		},
	}
}
