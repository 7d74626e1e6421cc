package event

import (
	"context"
	"time"

	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/messaging"
)

// Publisher emits pipeline events. Publishing is best effort: a broker
// failure is logged and never fails the state transition that caused it.
type Publisher interface {
	Publish(ctx context.Context, evt PipelineEvent)
}

type brokerPublisher struct {
	broker messaging.Broker
	logger *logger.Logger
}

func NewPublisher(broker messaging.Broker, logger *logger.Logger) Publisher {
	if broker == nil {
		return Nop()
	}
	return &brokerPublisher{broker: broker, logger: logger}
}

func (p *brokerPublisher) Publish(ctx context.Context, evt PipelineEvent) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	if err := p.broker.Publish(ctx, Channel, evt); err != nil {
		p.logger.Error(err, "Failed to publish pipeline event",
			"event_type", string(evt.Type),
			"batch_id", evt.BatchID.String())
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, PipelineEvent) {}

// Nop discards events.
func Nop() Publisher { return nopPublisher{} }
