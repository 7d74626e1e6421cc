package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/metrics"
)

type localTask struct {
	kind   string
	itemID uuid.UUID
}

// LocalEnqueuer runs warm-ups and finish work on in-process goroutines when
// no asynq backend is configured. A full buffer drops the request; the
// warm-up sweep and the render poller pick those items up later.
type LocalEnqueuer struct {
	warmer   Warmer
	finisher Finisher
	ch       chan localTask
	workers  int
	logger   *logger.Logger
	metrics  *metrics.Metrics
	wg       sync.WaitGroup
}

func NewLocalEnqueuer(warmer Warmer, buffer, workers int, log *logger.Logger, m *metrics.Metrics) *LocalEnqueuer {
	if buffer <= 0 {
		buffer = 256
	}
	if workers <= 0 {
		workers = 2
	}
	if log == nil {
		log = logger.Nop()
	}
	return &LocalEnqueuer{
		warmer:  warmer,
		ch:      make(chan localTask, buffer),
		workers: workers,
		logger:  log.With("queue"),
		metrics: m,
	}
}

// SetFinisher must be called before Start. The generation service is built
// after the queue, so it cannot be a constructor argument.
func (l *LocalEnqueuer) SetFinisher(f Finisher) { l.finisher = f }

func (l *LocalEnqueuer) EnqueueWarmup(ctx context.Context, itemID uuid.UUID) error {
	l.push(localTask{kind: WarmupCacheTask, itemID: itemID})
	return nil
}

func (l *LocalEnqueuer) EnqueueFinish(ctx context.Context, itemID uuid.UUID) error {
	if l.finisher == nil {
		return nil
	}
	l.push(localTask{kind: FinishRenderTask, itemID: itemID})
	return nil
}

func (l *LocalEnqueuer) push(t localTask) {
	select {
	case l.ch <- t:
		l.count(t.kind, "local")
	default:
		l.count(t.kind, "dropped")
		l.logger.Warn("Local queue full, dropping request", "task", t.kind, "item_id", t.itemID.String())
	}
}

// Start launches the workers. They exit when ctx is done; Wait blocks until
// they have.
func (l *LocalEnqueuer) Start(ctx context.Context) {
	for i := 0; i < l.workers; i++ {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-l.ch:
					l.run(ctx, t)
				}
			}
		}()
	}
}

func (l *LocalEnqueuer) run(ctx context.Context, t localTask) {
	var err error
	switch t.kind {
	case FinishRenderTask:
		err = l.finisher.FinishItem(ctx, t.itemID)
	default:
		err = l.warmer.WarmItem(ctx, t.itemID)
	}
	if err != nil {
		l.logger.Warn("Queued task failed", "task", t.kind, "item_id", t.itemID.String(), "error", err.Error())
	}
}

func (l *LocalEnqueuer) Wait() { l.wg.Wait() }

func (l *LocalEnqueuer) count(task, result string) {
	if l.metrics != nil {
		l.metrics.QueueEnqueue.WithLabelValues(task, result).Inc()
	}
}
