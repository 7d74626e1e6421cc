package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/metrics"
)

// Job is one independently scheduled periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Scheduler struct {
	jobs    []Job
	logger  *logger.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

func NewScheduler(logger *logger.Logger, metrics *metrics.Metrics, jobs ...Job) *Scheduler {
	// Config validation instead of defaults
	for _, job := range jobs {
		if job.Name == "" {
			panic("job Name must not be empty")
		}
		if job.Interval <= 0 {
			panic(fmt.Sprintf("job %s: Interval must be greater than 0", job.Name))
		}
		if job.Run == nil {
			panic(fmt.Sprintf("job %s: Run must not be nil", job.Name))
		}
	}

	return &Scheduler{
		jobs:    jobs,
		logger:  logger,
		metrics: metrics,
	}
}

// Start launches one ticker loop per job and returns immediately.
// Wait blocks until every loop has observed ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.loop(ctx, job)
		}(job)
	}
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.logger.Info("Starting scheduled job", "job", job.Name, "interval", job.Interval.String())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Shutting down scheduled job", "job", job.Name)
			return
		case <-ticker.C:
			if err := s.runOnce(ctx, job); err != nil {
				s.logger.Error(err, "Scheduled job failed", "job", job.Name)
			}
		}
	}
}

// RunNow executes the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, job := range s.jobs {
		if job.Name == name {
			return s.runOnce(ctx, job)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for _, job := range s.jobs {
		names = append(names, job.Name)
	}
	return names
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) (err error) {
	timer := prometheus.NewTimer(s.metrics.JobDuration.WithLabelValues(job.Name))
	defer timer.ObserveDuration()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
		if err != nil {
			s.metrics.JobFailures.WithLabelValues(job.Name).Inc()
		}
	}()

	return job.Run(ctx)
}

// Retry calls fn up to attempts times, sleeping delay between failures.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return err
}
