package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/videocast-api/internal/model"
	"github.com/jwalitptl/videocast-api/internal/repository"
	apperrors "github.com/jwalitptl/videocast-api/pkg/errors"
)

const batchColumns = `
	id, name, message_template, created_by, target_language, background,
	notify_email, notified_at, total, generation_succeeded, generation_failed,
	message_sent, message_failed, message_pending, created_at, updated_at`

type batchRepository struct {
	BaseRepository
}

func NewBatchRepository(base BaseRepository) repository.BatchRepository {
	return &batchRepository{base}
}

func (r *batchRepository) Create(ctx context.Context, batch *model.Batch, items []*model.Item) error {
	now := time.Now().UTC()
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	batch.CreatedAt = now
	batch.UpdatedAt = now
	batch.BatchCounters = model.ComputeCounters(items)

	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO batches (` + batchColumns + `)
			VALUES (
				:id, :name, :message_template, :created_by, :target_language, :background,
				:notify_email, :notified_at, :total, :generation_succeeded, :generation_failed,
				:message_sent, :message_failed, :message_pending, :created_at, :updated_at
			)`
		if _, err := tx.NamedExecContext(ctx, query, batch); err != nil {
			return fmt.Errorf("failed to create batch: %w", err)
		}

		for i, item := range items {
			item.BatchID = batch.ID
			if item.ID == uuid.Nil {
				item.ID = uuid.New()
			}
			// Submission order is preserved through created_at.
			item.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
			item.UpdatedAt = item.CreatedAt
			if _, err := tx.NamedExecContext(ctx, insertItemQuery, item); err != nil {
				return fmt.Errorf("failed to create batch item: %w", err)
			}
		}
		return nil
	})
	r.observe("batch_create", err)
	return err
}

func (r *batchRepository) Get(ctx context.Context, id uuid.UUID) (*model.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`

	var batch model.Batch
	err := r.db.GetContext(ctx, &batch, query, id)
	r.observe("batch_get", err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("batch", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &batch, nil
}

func (r *batchRepository) List(ctx context.Context, page model.Pagination) ([]*model.Batch, error) {
	page = page.Normalize()
	query := `
		SELECT ` + batchColumns + `
		FROM batches
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	var batches []*model.Batch
	err := r.db.SelectContext(ctx, &batches, query, page.PageSize, page.Offset())
	r.observe("batch_list", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	return batches, nil
}

func (r *batchRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM batches WHERE id = $1`, id)
	r.observe("batch_delete", err)
	if err != nil {
		return fmt.Errorf("failed to delete batch: %w", err)
	}
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if rows == 0 {
		return apperrors.NewNotFound("batch", nil)
	}
	return nil
}

func (r *batchRepository) RecomputeCounters(ctx context.Context, id uuid.UUID) (*model.BatchCounters, error) {
	query := `
		UPDATE batches b SET
			total = c.total,
			generation_succeeded = c.generation_succeeded,
			generation_failed = c.generation_failed,
			message_sent = c.message_sent,
			message_failed = c.message_failed,
			message_pending = c.message_pending,
			updated_at = NOW()
		FROM (
			SELECT
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE generation_status = 'DONE') AS generation_succeeded,
				COUNT(*) FILTER (WHERE generation_status = 'FAILED') AS generation_failed,
				COUNT(*) FILTER (WHERE generation_status = 'DONE' AND NOT excluded
					AND message_status IN ('QUEUED', 'SENT', 'DELIVERED')) AS message_sent,
				COUNT(*) FILTER (WHERE generation_status = 'DONE' AND NOT excluded
					AND message_status IN ('FAILED', 'ERROR')) AS message_failed,
				COUNT(*) FILTER (WHERE generation_status = 'DONE' AND NOT excluded
					AND message_status = 'PENDING') AS message_pending
			FROM batch_items
			WHERE batch_id = $1
		) c
		WHERE b.id = $1
		RETURNING b.total, b.generation_succeeded, b.generation_failed,
			b.message_sent, b.message_failed, b.message_pending`

	var counters model.BatchCounters
	err := r.db.GetContext(ctx, &counters, query, id)
	r.observe("batch_recount", err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("batch", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to recompute batch counters: %w", err)
	}
	return &counters, nil
}

func (r *batchRepository) MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE batches
		SET notified_at = $1, updated_at = $1
		WHERE id = $2 AND notified_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, at, id)
	r.observe("batch_mark_notified", err)
	if err != nil {
		return false, fmt.Errorf("failed to mark batch notified: %w", err)
	}
	rows, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}
