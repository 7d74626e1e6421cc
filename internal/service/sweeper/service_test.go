package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/videocast-api/internal/cache"
	"github.com/jwalitptl/videocast-api/internal/model"
	"github.com/jwalitptl/videocast-api/internal/repository/memory"
	"github.com/jwalitptl/videocast-api/internal/sharelink"
	"github.com/jwalitptl/videocast-api/pkg/lock"
	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/metrics"
)

type fakeCache struct {
	entries  map[string]bool
	fills    []string
	fillErr  map[string]error
	swept    int
	sweepErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]bool{}, fillErr: map[string]error{}}
}

func (f *fakeCache) EnsureCached(_ context.Context, key, src string) (cache.Entry, bool, error) {
	if f.entries[key] {
		return cache.Entry{Key: key}, true, nil
	}
	if err := f.fillErr[src]; err != nil {
		return cache.Entry{}, false, err
	}
	f.fills = append(f.fills, key)
	f.entries[key] = true
	return cache.Entry{Key: key}, false, nil
}

func (f *fakeCache) Sweep() (int, error)      { return f.swept, f.sweepErr }
func (f *fakeCache) Retention() time.Duration { return 24 * time.Hour }

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSweeper(t *testing.T, items ...*model.Item) (*Service, *memory.Store, *fakeCache) {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.Batches().Create(context.Background(), &model.Batch{Name: "b"}, items))
	fc := newFakeCache()
	svc := NewService(Dependencies{
		Items:   store.Items(),
		Batches: store.Batches(),
		Cache:   fc,
		Locker:  lock.NewLocalLocker(),
		Metrics: metrics.NewUnregistered(),
		Logger:  logger.Nop(),
	}, Config{GenerationDeadline: 15 * time.Minute, DistributionDeadline: 10 * time.Minute, WarmupBatchSize: 10})
	svc.now = func() time.Time { return base }
	return svc, store, fc
}

func processingItem(startedAgo time.Duration) *model.Item {
	it := model.NewItem(uuid.Nil, "Ann", "+15550001", "amy", "hi")
	it.MarkProcessing("job-"+startedAgo.String(), base.Add(-startedAgo))
	return it
}

func doneItem(url string, generatedAgo time.Duration) *model.Item {
	it := model.NewItem(uuid.Nil, "Bob", "+15550002", "amy", "hi")
	_ = it.MarkDone(url, base.Add(-generatedAgo))
	return it
}

func sentItem(updatedAgo time.Duration, status model.MessageStatus) *model.Item {
	it := doneItem("https://cdn/x.mp4", time.Hour)
	_ = it.MarkMessageAccepted(status, "msg-1", base.Add(-updatedAgo))
	return it
}

func TestSweepGenerationTimeouts_FailsOnlyStuckItems(t *testing.T) {
	stuck := processingItem(20 * time.Minute)
	fresh := processingItem(2 * time.Minute)
	svc, store, _ := newSweeper(t, stuck, fresh)
	ctx := context.Background()

	res, err := svc.SweepGenerationTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Examined)
	assert.Equal(t, 1, res.Transitioned)

	got, err := store.Items().Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GenerationFailed, got.GenerationStatus)
	assert.Equal(t, "generation timed out after 15m0s", got.GenerationError)

	got, err = store.Items().Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GenerationProcessing, got.GenerationStatus)

	b, err := store.Batches().Get(ctx, stuck.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, b.GenerationFailed)
}

func TestSweepGenerationTimeouts_SecondRunIsNoop(t *testing.T) {
	svc, _, _ := newSweeper(t, processingItem(time.Hour))
	ctx := context.Background()

	first, err := svc.SweepGenerationTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Transitioned)

	second, err := svc.SweepGenerationTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Examined)
	assert.Zero(t, second.Transitioned)
}

func TestSweepGenerationTimeouts_FailsAbandonedClaims(t *testing.T) {
	submitting := model.NewItem(uuid.Nil, "Ann", "+15550001", "amy", "hi")
	submitting.ClaimSubmit(base.Add(-time.Hour))
	finishing := processingItem(time.Hour)
	finishing.MarkRendered("https://cdn/raw.mp4", base.Add(-time.Hour))
	finishing.ClaimFinish(base.Add(-time.Hour))
	svc, store, _ := newSweeper(t, submitting, finishing)
	ctx := context.Background()

	res, err := svc.SweepGenerationTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Transitioned)

	for _, id := range []uuid.UUID{submitting.ID, finishing.ID} {
		got, err := store.Items().Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.GenerationFailed, got.GenerationStatus)
		assert.Equal(t, model.StageNone, got.Stage)
	}
}

func TestSweepDistributionTimeouts_ResetsInFlight(t *testing.T) {
	queued := sentItem(30*time.Minute, model.MessageQueued)
	sent := sentItem(11*time.Minute, model.MessageSent)
	recent := sentItem(time.Minute, model.MessageSent)
	svc, store, _ := newSweeper(t, queued, sent, recent)
	ctx := context.Background()

	res, err := svc.SweepDistributionTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Transitioned)

	for _, id := range []uuid.UUID{queued.ID, sent.ID} {
		got, err := store.Items().Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.MessagePending, got.MessageStatus)
		assert.Empty(t, got.MessageProviderID)
		assert.Equal(t, "auto-recovered: no delivery confirmation within 10m0s", got.MessageError)
	}
	got, err := store.Items().Get(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageSent, got.MessageStatus)

	again, err := svc.SweepDistributionTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Transitioned)
}

func TestWarmupMissingCache(t *testing.T) {
	cached := doneItem("https://cdn/a.mp4", time.Hour)
	missing := doneItem("https://cdn/b.mp4", 2*time.Hour)
	broken := doneItem("https://cdn/broken.mp4", 3*time.Hour)
	old := doneItem("https://cdn/old.mp4", 48*time.Hour)
	svc, _, fc := newSweeper(t, cached, missing, broken, old)
	fc.entries[sharelink.CacheKey(cached.BatchID, cached.ID)] = true
	fc.fillErr["https://cdn/broken.mp4"] = errors.New("status 404")

	res, err := svc.WarmupMissingCache(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), broken.ID.String())
	assert.Equal(t, 3, res.Examined)
	assert.Equal(t, 1, res.Transitioned)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, []string{sharelink.CacheKey(missing.BatchID, missing.ID)}, fc.fills)
}

func TestSweepCacheRetention(t *testing.T) {
	svc, _, fc := newSweeper(t)
	fc.swept = 3

	res, err := svc.SweepCacheRetention(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Transitioned)
}

func TestGuarded_SkipsWhenLeaseHeld(t *testing.T) {
	svc, _, _ := newSweeper(t, processingItem(time.Hour))
	ctx := context.Background()

	lease, err := svc.locker.Acquire(ctx, "sweep:"+SweepGeneration, time.Minute)
	require.NoError(t, err)

	res, err := svc.SweepGenerationTimeouts(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, res.Transitioned)

	require.NoError(t, lease.Release(ctx))
	res, err = svc.SweepGenerationTimeouts(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Transitioned)
}

func TestRun_UnknownSweep(t *testing.T) {
	svc, _, _ := newSweeper(t)
	_, err := svc.Run(context.Background(), "bogus")
	assert.ErrorIs(t, err, ErrUnknownSweep)
}

func TestWarmItem_IgnoresUnfinished(t *testing.T) {
	pending := processingItem(time.Minute)
	done := doneItem("https://cdn/d.mp4", time.Minute)
	svc, _, fc := newSweeper(t, pending, done)
	ctx := context.Background()

	require.NoError(t, svc.WarmItem(ctx, pending.ID))
	assert.Empty(t, fc.fills)

	require.NoError(t, svc.WarmItem(ctx, done.ID))
	assert.Equal(t, []string{sharelink.CacheKey(done.BatchID, done.ID)}, fc.fills)
}
