package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/jwalitptl/videocast-api/pkg/logger"
)

// Processor is plugged into the asynq worker loop.
type Processor struct {
	warmer   Warmer
	finisher Finisher
	logger   *logger.Logger
}

func NewProcessor(warmer Warmer, finisher Finisher, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.Nop()
	}
	return &Processor{warmer: warmer, finisher: finisher, logger: log.With("queue")}
}

// Handler registers the warm-up handler and, when a finisher is set, the
// finish handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(WarmupCacheTask, p.handleWarmup)
	if p.finisher != nil {
		mux.HandleFunc(FinishRenderTask, p.handleFinish)
	}
	return mux
}

func (p *Processor) handleWarmup(ctx context.Context, task *asynq.Task) error {
	var payload WarmupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w: %w", err, asynq.SkipRetry)
	}
	itemID, err := parseItemID(payload.ItemID)
	if err != nil {
		return err
	}
	if err := p.warmer.WarmItem(ctx, itemID); err != nil {
		p.logger.Warn("Warm-up failed", "item_id", payload.ItemID, "error", err.Error())
		return err
	}
	p.logger.Debug("Warm-up done", "item_id", payload.ItemID)
	return nil
}

func (p *Processor) handleFinish(ctx context.Context, task *asynq.Task) error {
	var payload FinishPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w: %w", err, asynq.SkipRetry)
	}
	itemID, err := parseItemID(payload.ItemID)
	if err != nil {
		return err
	}
	if err := p.finisher.FinishItem(ctx, itemID); err != nil {
		p.logger.Warn("Finish failed", "item_id", payload.ItemID, "error", err.Error())
		return err
	}
	return nil
}

func parseItemID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid item id %q: %w", raw, asynq.SkipRetry)
	}
	return id, nil
}
