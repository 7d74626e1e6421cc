package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/metrics"
)

func TestSchedulerRunsJobsUntilCancelled(t *testing.T) {
	var runs int32
	s := NewScheduler(logger.Nop(), metrics.NewUnregistered(), Job{
		Name:     "tick",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return errors.New("keeps going")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()
}

func TestSchedulerRunNow(t *testing.T) {
	called := false
	s := NewScheduler(logger.Nop(), metrics.NewUnregistered(), Job{
		Name:     "sweep",
		Interval: time.Hour,
		Run:      func(ctx context.Context) error { called = true; return nil },
	})

	require.NoError(t, s.RunNow(context.Background(), "sweep"))
	assert.True(t, called)
	assert.Error(t, s.RunNow(context.Background(), "missing"))
	assert.Equal(t, []string{"sweep"}, s.Jobs())
}

func TestSchedulerRecoversPanics(t *testing.T) {
	s := NewScheduler(logger.Nop(), metrics.NewUnregistered(), Job{
		Name:     "bad",
		Interval: time.Hour,
		Run:      func(ctx context.Context) error { panic("nil map") },
	})
	assert.Error(t, s.RunNow(context.Background(), "bad"))
}

func TestSchedulerRejectsInvalidJobs(t *testing.T) {
	assert.Panics(t, func() {
		NewScheduler(logger.Nop(), metrics.NewUnregistered(), Job{Name: "x", Run: func(context.Context) error { return nil }})
	})
}

func TestRetry(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}
