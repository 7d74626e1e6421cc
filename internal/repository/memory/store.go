// Package memory keeps batches and items in process memory. It backs the
// memory database driver and the service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/videocast-api/internal/model"
	"github.com/jwalitptl/videocast-api/internal/repository"
	apperrors "github.com/jwalitptl/videocast-api/pkg/errors"
)

// Store holds both tables under one lock. Every read returns a copy.
type Store struct {
	mu      sync.RWMutex
	batches map[uuid.UUID]*model.Batch
	items   map[uuid.UUID]*model.Item
}

func NewStore() *Store {
	return &Store{
		batches: make(map[uuid.UUID]*model.Batch),
		items:   make(map[uuid.UUID]*model.Item),
	}
}

// Batches returns the store as a BatchRepository.
func (s *Store) Batches() repository.BatchRepository { return batchRepo{s} }

// Items returns the store as an ItemRepository.
func (s *Store) Items() repository.ItemRepository { return itemRepo{s} }

type batchRepo struct{ s *Store }

func (r batchRepo) Create(_ context.Context, batch *model.Batch, items []*model.Item) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	if _, exists := s.batches[batch.ID]; exists {
		return apperrors.NewConflict("batch already exists")
	}
	batch.CreatedAt = now
	batch.UpdatedAt = now
	batch.BatchCounters = model.ComputeCounters(items)

	for i, it := range items {
		it.BatchID = batch.ID
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		// Submission order is preserved through created_at.
		it.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		it.UpdatedAt = it.CreatedAt
		cp := *it
		s.items[it.ID] = &cp
	}
	cp := *batch
	s.batches[batch.ID] = &cp
	return nil
}

func (r batchRepo) Get(_ context.Context, id uuid.UUID) (*model.Batch, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	b, ok := r.s.batches[id]
	if !ok {
		return nil, apperrors.NewNotFound("batch", nil)
	}
	cp := *b
	return &cp, nil
}

func (r batchRepo) List(_ context.Context, page model.Pagination) ([]*model.Batch, error) {
	page = page.Normalize()
	r.s.mu.RLock()
	all := make([]*model.Batch, 0, len(r.s.batches))
	for _, b := range r.s.batches {
		cp := *b
		all = append(all, &cp)
	}
	r.s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, page), nil
}

func (r batchRepo) Delete(_ context.Context, id uuid.UUID) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[id]; !ok {
		return apperrors.NewNotFound("batch", nil)
	}
	delete(s.batches, id)
	for itemID, it := range s.items {
		if it.BatchID == id {
			delete(s.items, itemID)
		}
	}
	return nil
}

func (r batchRepo) RecomputeCounters(_ context.Context, id uuid.UUID) (*model.BatchCounters, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, apperrors.NewNotFound("batch", nil)
	}
	var items []*model.Item
	for _, it := range s.items {
		if it.BatchID == id {
			items = append(items, it)
		}
	}
	b.BatchCounters = model.ComputeCounters(items)
	b.UpdatedAt = time.Now().UTC()
	counters := b.BatchCounters
	return &counters, nil
}

func (r batchRepo) MarkNotified(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return false, apperrors.NewNotFound("batch", nil)
	}
	if b.NotifiedAt != nil {
		return false, nil
	}
	b.NotifiedAt = &at
	b.UpdatedAt = at
	return true, nil
}

type itemRepo struct{ s *Store }

func (r itemRepo) Get(_ context.Context, id uuid.UUID) (*model.Item, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	it, ok := r.s.items[id]
	if !ok {
		return nil, apperrors.NewNotFound("item", nil)
	}
	cp := *it
	return &cp, nil
}

func (r itemRepo) ListByBatch(_ context.Context, batchID uuid.UUID, page model.Pagination) ([]*model.Item, error) {
	items := r.filter(func(it *model.Item) bool { return it.BatchID == batchID })
	sort.Slice(items, func(i, j int) bool { return byCreated(items[i], items[j]) })
	return paginate(items, page.Normalize()), nil
}

func (r itemRepo) GetByProviderJobID(_ context.Context, jobID string) (*model.Item, error) {
	return r.findOne(func(it *model.Item) bool {
		return jobID != "" && (it.ProviderJobID == jobID || it.TranslateJobID == jobID)
	})
}

func (r itemRepo) GetByMessageProviderID(_ context.Context, messageID string) (*model.Item, error) {
	return r.findOne(func(it *model.Item) bool {
		return messageID != "" && it.MessageProviderID == messageID
	})
}

func (r itemRepo) UpdateGeneration(_ context.Context, item *model.Item, guard repository.GenerationGuard) (bool, error) {
	return r.guarded(item, generationMatches(guard), mergeGeneration)
}

func (r itemRepo) UpdateMessage(_ context.Context, item *model.Item, guard repository.MessageGuard) (bool, error) {
	return r.guarded(item, func(stored *model.Item) bool {
		if stored.GenerationStatus != model.GenerationDone || stored.ArtifactURL != guard.ArtifactURL {
			return false
		}
		if guard.Status != "" && stored.MessageStatus != guard.Status {
			return false
		}
		if guard.Included && stored.Excluded {
			return false
		}
		return stored.MessageProviderID == guard.ProviderID
	}, mergeMessage)
}

func (r itemRepo) ResetGeneration(_ context.Context, item *model.Item, guard repository.GenerationGuard) (bool, error) {
	return r.guarded(item, generationMatches(guard), func(stored, next *model.Item) {
		mergeGeneration(stored, next)
		mergeMessage(stored, next)
	})
}

func (r itemRepo) SetExcluded(_ context.Context, id uuid.UUID, excluded bool, at time.Time) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.items[id]
	if !ok {
		return false, apperrors.NewNotFound("item", nil)
	}
	if excluded && stored.MessageStatus.InFlight() {
		return false, nil
	}
	stored.Excluded = excluded
	stored.UpdatedAt = at
	return true, nil
}

func generationMatches(guard repository.GenerationGuard) func(*model.Item) bool {
	return func(stored *model.Item) bool {
		return stored.GenerationStatus == guard.Status &&
			stored.Stage == guard.Stage &&
			stored.ProviderJobID == guard.JobID &&
			stored.TranslateJobID == guard.TranslateJobID
	}
}

func (r itemRepo) guarded(item *model.Item, match func(*model.Item) bool, merge func(stored, next *model.Item)) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.items[item.ID]
	if !ok || !match(stored) {
		return false, nil
	}
	merge(stored, item)
	return true, nil
}

func (r itemRepo) ListPendingGeneration(_ context.Context, limit int) ([]*model.Item, error) {
	items := r.filter(func(it *model.Item) bool { return it.GenerationStatus == model.GenerationPending })
	sort.Slice(items, func(i, j int) bool { return byCreated(items[i], items[j]) })
	return truncate(items, limit), nil
}

func (r itemRepo) ListProcessing(_ context.Context, limit int) ([]*model.Item, error) {
	items := r.filter(func(it *model.Item) bool { return it.GenerationStatus == model.GenerationProcessing })
	sort.Slice(items, func(i, j int) bool { return byCreated(items[i], items[j]) })
	return truncate(items, limit), nil
}

func (r itemRepo) ListStuckProcessing(_ context.Context, startedBefore time.Time, limit int) ([]*model.Item, error) {
	items := r.filter(func(it *model.Item) bool {
		if it.GenerationStatus != model.GenerationProcessing {
			return false
		}
		started := it.UpdatedAt
		if it.ProcessingStartedAt != nil {
			started = *it.ProcessingStartedAt
		}
		return started.Before(startedBefore)
	})
	sort.Slice(items, func(i, j int) bool { return byCreated(items[i], items[j]) })
	return truncate(items, limit), nil
}

func (r itemRepo) ListDistributable(_ context.Context, batchID *uuid.UUID, limit int) ([]*model.Item, error) {
	items := r.filter(func(it *model.Item) bool {
		if batchID != nil && it.BatchID != *batchID {
			return false
		}
		return it.Distributable() && it.MessageStatus == model.MessagePending
	})
	sort.Slice(items, func(i, j int) bool { return byCreated(items[i], items[j]) })
	return truncate(items, limit), nil
}

func (r itemRepo) ListStuckMessages(_ context.Context, updatedBefore time.Time, limit int) ([]*model.Item, error) {
	items := r.filter(func(it *model.Item) bool {
		if !it.MessageStatus.InFlight() {
			return false
		}
		updated := it.UpdatedAt
		if it.MessageUpdatedAt != nil {
			updated = *it.MessageUpdatedAt
		}
		return updated.Before(updatedBefore)
	})
	sort.Slice(items, func(i, j int) bool { return byCreated(items[i], items[j]) })
	return truncate(items, limit), nil
}

func (r itemRepo) ListRecentlyDone(_ context.Context, since time.Time, limit int) ([]*model.Item, error) {
	items := r.filter(func(it *model.Item) bool {
		return it.GenerationStatus == model.GenerationDone && it.GeneratedAt != nil && !it.GeneratedAt.Before(since)
	})
	sort.Slice(items, func(i, j int) bool { return items[i].GeneratedAt.After(*items[j].GeneratedAt) })
	return truncate(items, limit), nil
}

func (r itemRepo) filter(keep func(*model.Item) bool) []*model.Item {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*model.Item
	for _, it := range r.s.items {
		if keep(it) {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out
}

func (r itemRepo) findOne(match func(*model.Item) bool) (*model.Item, error) {
	items := r.filter(match)
	if len(items) == 0 {
		return nil, apperrors.NewNotFound("item", nil)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.After(items[j].UpdatedAt) })
	return items[0], nil
}

// Save stores a copy of item as is, replacing any stored version.
func (s *Store) Save(item *model.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.items[item.ID] = &cp
}

// mergeGeneration copies the generation columns of next onto stored,
// mirroring the postgres UPDATE of the same name.
func mergeGeneration(stored, next *model.Item) {
	stored.GenerationStatus = next.GenerationStatus
	stored.Stage = next.Stage
	stored.RenderURL = next.RenderURL
	stored.ProviderJobID = next.ProviderJobID
	stored.TranslateJobID = next.TranslateJobID
	stored.ArtifactURL = next.ArtifactURL
	stored.GenerationError = next.GenerationError
	stored.GeneratedAt = next.GeneratedAt
	stored.ProcessingStartedAt = next.ProcessingStartedAt
	stored.UpdatedAt = next.UpdatedAt
}

// mergeMessage copies the message columns of next onto stored.
func mergeMessage(stored, next *model.Item) {
	stored.MessageStatus = next.MessageStatus
	stored.MessageProviderID = next.MessageProviderID
	stored.MessageError = next.MessageError
	stored.SentAt = next.SentAt
	stored.MessageUpdatedAt = next.MessageUpdatedAt
	stored.UpdatedAt = next.UpdatedAt
}

func byCreated(a, b *model.Item) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID.String() < b.ID.String()
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func truncate[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}

func paginate[T any](in []T, page model.Pagination) []T {
	start := page.Offset()
	if start >= len(in) {
		return []T{}
	}
	end := start + page.PageSize
	if end > len(in) {
		end = len(in)
	}
	return in[start:end]
}
