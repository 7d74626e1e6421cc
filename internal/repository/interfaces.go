package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/videocast-api/internal/model"
)

// All repository interfaces in one file
type (
	// BatchRepository persists batches. Items are created with their batch
	// in one transaction and never outlive it.
	BatchRepository interface {
		Create(ctx context.Context, batch *model.Batch, items []*model.Item) error
		Get(ctx context.Context, id uuid.UUID) (*model.Batch, error)
		List(ctx context.Context, page model.Pagination) ([]*model.Batch, error)
		Delete(ctx context.Context, id uuid.UUID) error
		// RecomputeCounters rebuilds the cached counters from items.
		RecomputeCounters(ctx context.Context, id uuid.UUID) (*model.BatchCounters, error)
		// MarkNotified stamps notified_at once; false means it was already set.
		MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	}

	// ItemRepository persists items and serves the selections the
	// orchestrator, distribution engine and sweeper work from.
	ItemRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Item, error)
		ListByBatch(ctx context.Context, batchID uuid.UUID, page model.Pagination) ([]*model.Item, error)
		// GetByProviderJobID matches a render or translate job handle.
		GetByProviderJobID(ctx context.Context, jobID string) (*model.Item, error)
		GetByMessageProviderID(ctx context.Context, messageID string) (*model.Item, error)

		// UpdateGeneration writes only the generation columns of item, and only
		// while the stored row still matches guard. It reports whether the row
		// changed.
		UpdateGeneration(ctx context.Context, item *model.Item, guard GenerationGuard) (bool, error)
		// UpdateMessage writes only the message columns of item, and only while
		// the stored row matches guard and is still DONE with the guarded
		// artifact.
		UpdateMessage(ctx context.Context, item *model.Item, guard MessageGuard) (bool, error)
		// ResetGeneration writes both column groups for a forced regeneration.
		ResetGeneration(ctx context.Context, item *model.Item, guard GenerationGuard) (bool, error)
		// SetExcluded flips the exclusion flag. Excluding is refused while a
		// message is in flight; false means the row did not qualify.
		SetExcluded(ctx context.Context, id uuid.UUID, excluded bool, at time.Time) (bool, error)

		ListPendingGeneration(ctx context.Context, limit int) ([]*model.Item, error)
		ListProcessing(ctx context.Context, limit int) ([]*model.Item, error)
		ListStuckProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]*model.Item, error)
		// ListDistributable returns DONE, non-excluded items whose message is
		// PENDING. A nil batchID selects across all batches.
		ListDistributable(ctx context.Context, batchID *uuid.UUID, limit int) ([]*model.Item, error)
		ListStuckMessages(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Item, error)
		ListRecentlyDone(ctx context.Context, since time.Time, limit int) ([]*model.Item, error)
	}
)

// GenerationGuard is the generation state a conditional write expects to
// find. The job handles are compared too, so a stale worker cannot overwrite
// a newer attempt that happens to be in the same status and stage.
type GenerationGuard struct {
	Status         model.GenerationStatus
	Stage          model.Stage
	JobID          string
	TranslateJobID string
}

// GenerationGuardOf captures the guard for item as it is now.
func GenerationGuardOf(item *model.Item) GenerationGuard {
	return GenerationGuard{
		Status:         item.GenerationStatus,
		Stage:          item.Stage,
		JobID:          item.ProviderJobID,
		TranslateJobID: item.TranslateJobID,
	}
}

// MessageGuard is the message state a conditional write expects to find.
// An empty Status matches any message status.
type MessageGuard struct {
	Status      model.MessageStatus
	ProviderID  string
	ArtifactURL string
	// Included additionally requires the item not to be excluded.
	Included bool
}

// MessageGuardOf captures the guard for item as it is now.
func MessageGuardOf(item *model.Item) MessageGuard {
	return MessageGuard{
		Status:      item.MessageStatus,
		ProviderID:  item.MessageProviderID,
		ArtifactURL: item.ArtifactURL,
	}
}
