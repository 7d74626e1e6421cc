package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/videocast-api/internal/model"
	"github.com/jwalitptl/videocast-api/internal/repository"
	apperrors "github.com/jwalitptl/videocast-api/pkg/errors"
)

const itemColumns = `
	id, batch_id, recipient_name, recipient_address, persona_id, script, excluded,
	generation_status, stage, render_url, provider_job_id, translate_job_id, artifact_url, generation_error,
	generated_at, processing_started_at, message_status, message_provider_id,
	message_error, sent_at, message_updated_at, created_at, updated_at`

const insertItemQuery = `
	INSERT INTO batch_items (` + itemColumns + `)
	VALUES (
		:id, :batch_id, :recipient_name, :recipient_address, :persona_id, :script, :excluded,
		:generation_status, :stage, :render_url, :provider_job_id, :translate_job_id, :artifact_url, :generation_error,
		:generated_at, :processing_started_at, :message_status, :message_provider_id,
		:message_error, :sent_at, :message_updated_at, :created_at, :updated_at
	)`

// The two column groups are written independently so that a generation
// writer and a message writer never overwrite each other's state.
const (
	generationSet = `
		generation_status = :generation_status,
		stage = :stage,
		render_url = :render_url,
		provider_job_id = :provider_job_id,
		translate_job_id = :translate_job_id,
		artifact_url = :artifact_url,
		generation_error = :generation_error,
		generated_at = :generated_at,
		processing_started_at = :processing_started_at`

	messageSet = `
		message_status = :message_status,
		message_provider_id = :message_provider_id,
		message_error = :message_error,
		sent_at = :sent_at,
		message_updated_at = :message_updated_at`

	touchUpdatedAt = `,
		updated_at = :updated_at`

	generationWhere = `
		WHERE id = :id
		  AND generation_status = :guard_status
		  AND stage = :guard_stage
		  AND provider_job_id = :guard_job_id
		  AND translate_job_id = :guard_translate_job_id`
)

type itemRepository struct {
	BaseRepository
}

func NewItemRepository(base BaseRepository) repository.ItemRepository {
	return &itemRepository{base}
}

func (r *itemRepository) Get(ctx context.Context, id uuid.UUID) (*model.Item, error) {
	return r.getOne(ctx, "item_get", `SELECT `+itemColumns+` FROM batch_items WHERE id = $1`, id)
}

func (r *itemRepository) GetByProviderJobID(ctx context.Context, jobID string) (*model.Item, error) {
	if jobID == "" {
		return nil, apperrors.NewNotFound("item", nil)
	}
	query := `
		SELECT ` + itemColumns + `
		FROM batch_items
		WHERE provider_job_id = $1 OR translate_job_id = $1
		ORDER BY updated_at DESC
		LIMIT 1`
	return r.getOne(ctx, "item_get_by_job", query, jobID)
}

func (r *itemRepository) GetByMessageProviderID(ctx context.Context, messageID string) (*model.Item, error) {
	if messageID == "" {
		return nil, apperrors.NewNotFound("item", nil)
	}
	query := `
		SELECT ` + itemColumns + `
		FROM batch_items
		WHERE message_provider_id = $1
		ORDER BY updated_at DESC
		LIMIT 1`
	return r.getOne(ctx, "item_get_by_message", query, messageID)
}

func (r *itemRepository) getOne(ctx context.Context, op, query string, arg interface{}) (*model.Item, error) {
	var item model.Item
	err := r.db.GetContext(ctx, &item, query, arg)
	r.observe(op, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("item", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return &item, nil
}

func (r *itemRepository) ListByBatch(ctx context.Context, batchID uuid.UUID, page model.Pagination) ([]*model.Item, error) {
	page = page.Normalize()
	query := `
		SELECT ` + itemColumns + `
		FROM batch_items
		WHERE batch_id = $1
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3`
	return r.list(ctx, "item_list_batch", query, batchID, page.PageSize, page.Offset())
}

type guardedItem struct {
	*model.Item
	GuardStatus         model.GenerationStatus `db:"guard_status"`
	GuardStage          model.Stage            `db:"guard_stage"`
	GuardJobID          string                 `db:"guard_job_id"`
	GuardTranslateJobID string                 `db:"guard_translate_job_id"`
	GuardMessage        model.MessageStatus    `db:"guard_message"`
	GuardProviderID     string                 `db:"guard_provider_id"`
	GuardArtifactURL    string                 `db:"guard_artifact_url"`
}

func withGenerationGuard(item *model.Item, guard repository.GenerationGuard) guardedItem {
	return guardedItem{
		Item:                item,
		GuardStatus:         guard.Status,
		GuardStage:          guard.Stage,
		GuardJobID:          guard.JobID,
		GuardTranslateJobID: guard.TranslateJobID,
	}
}

func (r *itemRepository) UpdateGeneration(ctx context.Context, item *model.Item, guard repository.GenerationGuard) (bool, error) {
	query := `UPDATE batch_items SET` + generationSet + touchUpdatedAt + generationWhere
	return r.guardedUpdate(ctx, "item_update_generation", query, withGenerationGuard(item, guard))
}

func (r *itemRepository) ResetGeneration(ctx context.Context, item *model.Item, guard repository.GenerationGuard) (bool, error) {
	query := `UPDATE batch_items SET` + generationSet + `,` + messageSet + touchUpdatedAt + generationWhere
	return r.guardedUpdate(ctx, "item_reset_generation", query, withGenerationGuard(item, guard))
}

func (r *itemRepository) UpdateMessage(ctx context.Context, item *model.Item, guard repository.MessageGuard) (bool, error) {
	query := `UPDATE batch_items SET` + messageSet + touchUpdatedAt + `
		WHERE id = :id
		  AND generation_status = 'DONE'
		  AND artifact_url = :guard_artifact_url
		  AND message_provider_id = :guard_provider_id`
	if guard.Status != "" {
		query += ` AND message_status = :guard_message`
	}
	if guard.Included {
		query += ` AND NOT excluded`
	}
	return r.guardedUpdate(ctx, "item_update_message", query, guardedItem{
		Item:             item,
		GuardMessage:     guard.Status,
		GuardProviderID:  guard.ProviderID,
		GuardArtifactURL: guard.ArtifactURL,
	})
}

func (r *itemRepository) guardedUpdate(ctx context.Context, op, query string, arg guardedItem) (bool, error) {
	result, err := r.db.NamedExecContext(ctx, query, arg)
	r.observe(op, err)
	if err != nil {
		return false, fmt.Errorf("failed to update item: %w", err)
	}
	rows, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *itemRepository) SetExcluded(ctx context.Context, id uuid.UUID, excluded bool, at time.Time) (bool, error) {
	query := `
		UPDATE batch_items SET excluded = $2, updated_at = $3
		WHERE id = $1
		  AND (NOT $2 OR message_status NOT IN ('QUEUED', 'SENT'))`
	result, err := r.db.ExecContext(ctx, query, id, excluded, at)
	r.observe("item_set_excluded", err)
	if err != nil {
		return false, fmt.Errorf("failed to update item: %w", err)
	}
	rows, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	if rows == 1 {
		return true, nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *itemRepository) ListPendingGeneration(ctx context.Context, limit int) ([]*model.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM batch_items
		WHERE generation_status = 'PENDING'
		ORDER BY created_at
		LIMIT NULLIF($1, 0)`
	return r.list(ctx, "item_list_pending", query, limit)
}

func (r *itemRepository) ListProcessing(ctx context.Context, limit int) ([]*model.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM batch_items
		WHERE generation_status = 'PROCESSING'
		ORDER BY processing_started_at NULLS FIRST
		LIMIT NULLIF($1, 0)`
	return r.list(ctx, "item_list_processing", query, limit)
}

func (r *itemRepository) ListStuckProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]*model.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM batch_items
		WHERE generation_status = 'PROCESSING'
		  AND COALESCE(processing_started_at, updated_at) < $1
		ORDER BY processing_started_at NULLS FIRST
		LIMIT NULLIF($2, 0)`
	return r.list(ctx, "item_list_stuck_processing", query, startedBefore, limit)
}

func (r *itemRepository) ListDistributable(ctx context.Context, batchID *uuid.UUID, limit int) ([]*model.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM batch_items
		WHERE generation_status = 'DONE'
		  AND artifact_url <> ''
		  AND NOT excluded
		  AND message_status = 'PENDING'
		  AND ($1::uuid IS NULL OR batch_id = $1)
		ORDER BY generated_at NULLS LAST, created_at
		LIMIT NULLIF($2, 0)`
	return r.list(ctx, "item_list_distributable", query, batchID, limit)
}

func (r *itemRepository) ListStuckMessages(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM batch_items
		WHERE message_status IN ('QUEUED', 'SENT')
		  AND COALESCE(message_updated_at, updated_at) < $1
		ORDER BY message_updated_at NULLS FIRST
		LIMIT NULLIF($2, 0)`
	return r.list(ctx, "item_list_stuck_messages", query, updatedBefore, limit)
}

func (r *itemRepository) ListRecentlyDone(ctx context.Context, since time.Time, limit int) ([]*model.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM batch_items
		WHERE generation_status = 'DONE'
		  AND generated_at >= $1
		ORDER BY generated_at DESC
		LIMIT NULLIF($2, 0)`
	return r.list(ctx, "item_list_recently_done", query, since, limit)
}

func (r *itemRepository) list(ctx context.Context, op, query string, args ...interface{}) ([]*model.Item, error) {
	var items []*model.Item
	err := r.db.SelectContext(ctx, &items, query, args...)
	r.observe(op, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return items, nil
}
