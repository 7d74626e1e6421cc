package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jwalitptl/videocast-api/internal/cache"
	"github.com/jwalitptl/videocast-api/internal/model"
	"github.com/jwalitptl/videocast-api/internal/observability"
	"github.com/jwalitptl/videocast-api/internal/repository"
	"github.com/jwalitptl/videocast-api/internal/sharelink"
	"github.com/jwalitptl/videocast-api/pkg/lock"
	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/metrics"
)

const (
	SweepGeneration   = "generation"
	SweepDistribution = "distribution"
	SweepCache        = "cache"
	SweepWarmup       = "warmup"
)

// Names lists the sweeps in the order an operator would usually run them.
var Names = []string{SweepGeneration, SweepDistribution, SweepCache, SweepWarmup}

var ErrUnknownSweep = errors.New("unknown sweep")

// SweepResult reports one sweep run.
type SweepResult struct {
	Sweep        string    `json:"sweep"`
	Examined     int       `json:"examined"`
	Transitioned int       `json:"transitioned"`
	Errors       int       `json:"errors"`
	Skipped      bool      `json:"skipped,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

type Servicer interface {
	SweepGenerationTimeouts(ctx context.Context) (SweepResult, error)
	SweepDistributionTimeouts(ctx context.Context) (SweepResult, error)
	SweepCacheRetention(ctx context.Context) (SweepResult, error)
	WarmupMissingCache(ctx context.Context) (SweepResult, error)
	Run(ctx context.Context, name string) (SweepResult, error)
	WarmItem(ctx context.Context, itemID uuid.UUID) error
}

// ArtifactCache is the part of internal/cache the sweeper drives.
type ArtifactCache interface {
	EnsureCached(ctx context.Context, key, sourceURL string) (cache.Entry, bool, error)
	Sweep() (int, error)
	Retention() time.Duration
}

// BatchRefresher is told whenever an item of a batch changed state.
type BatchRefresher interface {
	Refresh(ctx context.Context, batchID uuid.UUID)
}

type Config struct {
	GenerationDeadline   time.Duration
	DistributionDeadline time.Duration
	WarmupBatchSize      int
	LockTTL              time.Duration
}

type Dependencies struct {
	Items     repository.ItemRepository
	Batches   repository.BatchRepository
	Cache     ArtifactCache
	Locker    lock.Locker
	Refresher BatchRefresher
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

type Service struct {
	items     repository.ItemRepository
	batches   repository.BatchRepository
	cache     ArtifactCache
	locker    lock.Locker
	refresher BatchRefresher
	metrics   *metrics.Metrics
	logger    *logger.Logger
	cfg       Config
	now       func() time.Time
}

func NewService(deps Dependencies, cfg Config) *Service {
	if cfg.GenerationDeadline <= 0 {
		cfg.GenerationDeadline = 15 * time.Minute
	}
	if cfg.DistributionDeadline <= 0 {
		cfg.DistributionDeadline = 10 * time.Minute
	}
	if cfg.WarmupBatchSize <= 0 {
		cfg.WarmupBatchSize = 50
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	return &Service{
		items:     deps.Items,
		batches:   deps.Batches,
		cache:     deps.Cache,
		locker:    deps.Locker,
		refresher: deps.Refresher,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With("sweeper"),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run dispatches a sweep by name.
func (s *Service) Run(ctx context.Context, name string) (SweepResult, error) {
	switch name {
	case SweepGeneration:
		return s.SweepGenerationTimeouts(ctx)
	case SweepDistribution:
		return s.SweepDistributionTimeouts(ctx)
	case SweepCache:
		return s.SweepCacheRetention(ctx)
	case SweepWarmup:
		return s.WarmupMissingCache(ctx)
	default:
		return SweepResult{}, fmt.Errorf("%w: %q", ErrUnknownSweep, name)
	}
}

// SweepGenerationTimeouts fails items stuck in PROCESSING past the deadline.
// They are not retried.
func (s *Service) SweepGenerationTimeouts(ctx context.Context) (SweepResult, error) {
	return s.guarded(ctx, SweepGeneration, func(ctx context.Context, res *SweepResult) error {
		now := s.now()
		items, err := s.items.ListStuckProcessing(ctx, now.Add(-s.cfg.GenerationDeadline), 0)
		if err != nil {
			return err
		}
		reason := fmt.Sprintf("generation timed out after %s", s.cfg.GenerationDeadline)
		return s.eachItem(ctx, res, items, func(item *model.Item) (bool, error) {
			guard := repository.GenerationGuardOf(item)
			item.MarkFailed(reason, now)
			return s.items.UpdateGeneration(ctx, item, guard)
		})
	})
}

// SweepDistributionTimeouts returns messages that never got a delivery
// confirmation to PENDING so the next trigger sends them again.
func (s *Service) SweepDistributionTimeouts(ctx context.Context) (SweepResult, error) {
	return s.guarded(ctx, SweepDistribution, func(ctx context.Context, res *SweepResult) error {
		now := s.now()
		items, err := s.items.ListStuckMessages(ctx, now.Add(-s.cfg.DistributionDeadline), 0)
		if err != nil {
			return err
		}
		annotation := fmt.Sprintf("auto-recovered: no delivery confirmation within %s", s.cfg.DistributionDeadline)
		return s.eachItem(ctx, res, items, func(item *model.Item) (bool, error) {
			guard := repository.MessageGuardOf(item)
			item.ResetMessage(annotation, now)
			return s.items.UpdateMessage(ctx, item, guard)
		})
	})
}

// SweepCacheRetention deletes cached files past retention.
func (s *Service) SweepCacheRetention(ctx context.Context) (SweepResult, error) {
	return s.guarded(ctx, SweepCache, func(ctx context.Context, res *SweepResult) error {
		removed, err := s.cache.Sweep()
		res.Transitioned = removed
		res.Examined = removed
		return err
	})
}

// WarmupMissingCache fills the cache for recently finished items that have
// no entry yet.
func (s *Service) WarmupMissingCache(ctx context.Context) (SweepResult, error) {
	return s.guarded(ctx, SweepWarmup, func(ctx context.Context, res *SweepResult) error {
		since := s.now().Add(-s.cache.Retention())
		items, err := s.items.ListRecentlyDone(ctx, since, s.cfg.WarmupBatchSize)
		if err != nil {
			return err
		}
		var result *multierror.Error
		for _, item := range items {
			if ctx.Err() != nil {
				break
			}
			res.Examined++
			key := sharelink.CacheKey(item.BatchID, item.ID)
			_, hit, err := s.cache.EnsureCached(ctx, key, item.ArtifactURL)
			if err != nil {
				res.Errors++
				result = multierror.Append(result, fmt.Errorf("item %s: %w", item.ID, err))
				s.count(SweepWarmup, "error")
				continue
			}
			if hit {
				continue
			}
			res.Transitioned++
			s.count(SweepWarmup, "transitioned")
		}
		return result.ErrorOrNil()
	})
}

// WarmItem fills the cache for one DONE item. Items that are not DONE are
// ignored.
func (s *Service) WarmItem(ctx context.Context, itemID uuid.UUID) error {
	item, err := s.items.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if item.GenerationStatus != model.GenerationDone || item.ArtifactURL == "" {
		return nil
	}
	_, _, err = s.cache.EnsureCached(ctx, sharelink.CacheKey(item.BatchID, item.ID), item.ArtifactURL)
	return err
}

// guarded runs fn under the sweep's lease. A lease held elsewhere yields a
// skipped result, not an error.
func (s *Service) guarded(ctx context.Context, name string, fn func(context.Context, *SweepResult) error) (SweepResult, error) {
	res := SweepResult{Sweep: name, StartedAt: s.now()}

	ctx, span := observability.StartSpan(ctx, "sweep."+name, attribute.String("sweep", name))
	defer span.End()

	lease, err := s.locker.Acquire(ctx, "sweep:"+name, s.cfg.LockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		res.Skipped = true
		res.FinishedAt = s.now()
		s.logger.Debug("Sweep already running elsewhere", "sweep", name)
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to acquire sweep lease: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error(err, "Failed to release sweep lease", "sweep", name)
		}
	}()

	err = fn(ctx, &res)
	res.FinishedAt = s.now()
	span.SetAttributes(
		attribute.Int("sweep.examined", res.Examined),
		attribute.Int("sweep.transitioned", res.Transitioned),
		attribute.Int("sweep.errors", res.Errors),
	)
	if err != nil {
		span.RecordError(err)
		s.logger.Error(err, "Sweep finished with errors", "sweep", name, "errors", res.Errors)
	} else if res.Transitioned > 0 {
		s.logger.Info("Sweep finished", "sweep", name, "examined", res.Examined, "transitioned", res.Transitioned)
	}
	return res, err
}

// eachItem applies one transition per item, collecting errors instead of
// stopping, then refreshes every touched batch once.
func (s *Service) eachItem(ctx context.Context, res *SweepResult, items []*model.Item, apply func(*model.Item) (bool, error)) error {
	var result *multierror.Error
	touched := make(map[uuid.UUID]struct{})
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		res.Examined++
		applied, err := apply(item)
		if err != nil {
			res.Errors++
			result = multierror.Append(result, fmt.Errorf("item %s: %w", item.ID, err))
			s.count(res.Sweep, "error")
			continue
		}
		if !applied {
			s.count(res.Sweep, "raced")
			continue
		}
		res.Transitioned++
		touched[item.BatchID] = struct{}{}
		s.count(res.Sweep, "transitioned")
	}
	for batchID := range touched {
		s.refresh(ctx, batchID)
	}
	return result.ErrorOrNil()
}

func (s *Service) refresh(ctx context.Context, batchID uuid.UUID) {
	if s.refresher != nil {
		s.refresher.Refresh(ctx, batchID)
		return
	}
	if _, err := s.batches.RecomputeCounters(ctx, batchID); err != nil {
		s.logger.Error(err, "Failed to recompute batch counters", "batch_id", batchID.String())
	}
}

func (s *Service) count(sweep, outcome string) {
	if s.metrics != nil {
		s.metrics.SweepItems.WithLabelValues(sweep, outcome).Inc()
	}
}
