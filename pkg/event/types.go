package event

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	ItemGenerationChanged   EventType = "item.generation.changed"
	ItemDistributionChanged EventType = "item.distribution.changed"
	BatchCreated            EventType = "batch.created"
	BatchGenerationFinished EventType = "batch.generation.finished"
)

// Channel is the broker channel pipeline events are published on.
const Channel = "videocast.items"

// PipelineEvent is the payload published for every item or batch transition.
type PipelineEvent struct {
	Type       EventType  `json:"type"`
	BatchID    uuid.UUID  `json:"batch_id"`
	ItemID     *uuid.UUID `json:"item_id,omitempty"`
	Status     string     `json:"status,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}
