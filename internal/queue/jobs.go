package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/jwalitptl/videocast-api/pkg/metrics"
)

const (
	// WarmupCacheTask is scheduled each time an item reaches DONE.
	WarmupCacheTask = "cache:warmup"
	// FinishRenderTask runs translation or compositing for a rendered item
	// outside the webhook request.
	FinishRenderTask = "render:finish"
)

// WarmupPayload names the item whose artifact should be cached.
type WarmupPayload struct {
	ItemID string `json:"item_id"`
}

// FinishPayload names the rendered item to finish.
type FinishPayload struct {
	ItemID string `json:"item_id"`
}

// Warmer fills the artifact cache for one item.
type Warmer interface {
	WarmItem(ctx context.Context, itemID uuid.UUID) error
}

// Finisher runs the follow-up work of a rendered item.
type Finisher interface {
	FinishItem(ctx context.Context, itemID uuid.UUID) error
}

// AsynqEnqueuer hands warm-up and finish work to the asynq worker process.
type AsynqEnqueuer struct {
	client   *asynq.Client
	maxRetry int
	metrics  *metrics.Metrics
}

func NewAsynqEnqueuer(client *asynq.Client, maxRetry int, m *metrics.Metrics) *AsynqEnqueuer {
	if maxRetry <= 0 {
		maxRetry = 5
	}
	return &AsynqEnqueuer{client: client, maxRetry: maxRetry, metrics: m}
}

// EnqueueWarmup schedules one warm-up per item. A duplicate within the
// retention of the first task is a no-op.
func (e *AsynqEnqueuer) EnqueueWarmup(ctx context.Context, itemID uuid.UUID) error {
	task, err := newWarmupTask(itemID)
	if err != nil {
		return err
	}
	return e.enqueue(ctx, task, "warmup:"+itemID.String())
}

// EnqueueFinish schedules the follow-up work of a rendered item. The task id
// collapses repeated callbacks for the same item.
func (e *AsynqEnqueuer) EnqueueFinish(ctx context.Context, itemID uuid.UUID) error {
	task, err := newFinishTask(itemID)
	if err != nil {
		return err
	}
	return e.enqueue(ctx, task, "finish:"+itemID.String())
}

func (e *AsynqEnqueuer) enqueue(ctx context.Context, task *asynq.Task, id string) error {
	_, err := e.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(e.maxRetry),
		asynq.TaskID(id),
		asynq.Retention(time.Hour),
	)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict):
		e.count(task.Type(), "duplicate")
		return nil
	case err != nil:
		e.count(task.Type(), "error")
		return fmt.Errorf("enqueue %s task: %w", task.Type(), err)
	}
	e.count(task.Type(), "asynq")
	return nil
}

func (e *AsynqEnqueuer) count(task, result string) {
	if e.metrics != nil {
		e.metrics.QueueEnqueue.WithLabelValues(task, result).Inc()
	}
}

func newWarmupTask(itemID uuid.UUID) (*asynq.Task, error) {
	data, err := json.Marshal(WarmupPayload{ItemID: itemID.String()})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(WarmupCacheTask, data), nil
}

func newFinishTask(itemID uuid.UUID) (*asynq.Task, error) {
	data, err := json.Marshal(FinishPayload{ItemID: itemID.String()})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(FinishRenderTask, data), nil
}
