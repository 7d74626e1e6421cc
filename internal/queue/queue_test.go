package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/videocast-api/pkg/metrics"
)

type recordingWarmer struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (r *recordingWarmer) WarmItem(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return r.err
}

func (r *recordingWarmer) seen() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.ids...)
}

type recordingFinisher struct {
	recordingWarmer
}

func (r *recordingFinisher) FinishItem(ctx context.Context, id uuid.UUID) error {
	return r.WarmItem(ctx, id)
}

func TestWarmupTaskPayload(t *testing.T) {
	id := uuid.New()
	task, err := newWarmupTask(id)
	require.NoError(t, err)
	assert.Equal(t, WarmupCacheTask, task.Type())

	var p WarmupPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, id.String(), p.ItemID)
}

func TestProcessor_HandleWarmup(t *testing.T) {
	w := &recordingWarmer{}
	p := NewProcessor(w, nil, nil)
	id := uuid.New()
	task, err := newWarmupTask(id)
	require.NoError(t, err)

	require.NoError(t, p.handleWarmup(context.Background(), task))
	assert.Equal(t, []uuid.UUID{id}, w.seen())

	w.err = errors.New("download failed")
	assert.Error(t, p.handleWarmup(context.Background(), task))
}

func TestProcessor_BadPayloadSkipsRetry(t *testing.T) {
	p := NewProcessor(&recordingWarmer{}, nil, nil)
	err := p.handleWarmup(context.Background(), asynq.NewTask(WarmupCacheTask, []byte(`{"item_id":"nope"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestLocalEnqueuer(t *testing.T) {
	w := &recordingWarmer{}
	l := NewLocalEnqueuer(w, 4, 1, nil, metrics.NewUnregistered())
	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)

	id := uuid.New()
	require.NoError(t, l.EnqueueWarmup(ctx, id))
	assert.Eventually(t, func() bool { return len(w.seen()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	l.Wait()
}

func TestLocalEnqueuer_DropsWhenFull(t *testing.T) {
	l := NewLocalEnqueuer(&recordingWarmer{}, 1, 1, nil, nil)
	ctx := context.Background()
	// Not started, so the second request finds the buffer full.
	require.NoError(t, l.EnqueueWarmup(ctx, uuid.New()))
	require.NoError(t, l.EnqueueWarmup(ctx, uuid.New()))
	assert.Len(t, l.ch, 1)
}

func TestProcessor_HandleFinish(t *testing.T) {
	f := &recordingFinisher{}
	p := NewProcessor(&recordingWarmer{}, f, nil)
	id := uuid.New()
	task, err := newFinishTask(id)
	require.NoError(t, err)
	assert.Equal(t, FinishRenderTask, task.Type())

	require.NoError(t, p.handleFinish(context.Background(), task))
	assert.Equal(t, []uuid.UUID{id}, f.seen())

	err = p.handleFinish(context.Background(), asynq.NewTask(FinishRenderTask, []byte(`{"item_id":"nope"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestLocalEnqueuer_RoutesFinishToFinisher(t *testing.T) {
	w := &recordingWarmer{}
	f := &recordingFinisher{}
	l := NewLocalEnqueuer(w, 4, 1, nil, nil)
	l.SetFinisher(f)
	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)

	id := uuid.New()
	require.NoError(t, l.EnqueueFinish(ctx, id))
	assert.Eventually(t, func() bool { return len(f.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, w.seen())

	cancel()
	l.Wait()
}

func TestLocalEnqueuer_FinishWithoutFinisherIsNoop(t *testing.T) {
	l := NewLocalEnqueuer(&recordingWarmer{}, 1, 1, nil, nil)
	require.NoError(t, l.EnqueueFinish(context.Background(), uuid.New()))
	assert.Empty(t, l.ch)
}
