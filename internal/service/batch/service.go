package batch

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/videocast-api/internal/model"
	"github.com/jwalitptl/videocast-api/internal/repository"
	apperrors "github.com/jwalitptl/videocast-api/pkg/errors"
	"github.com/jwalitptl/videocast-api/pkg/event"
	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/validator"
)

type CreateItemRequest struct {
	RecipientName    string `json:"recipient_name"`
	RecipientAddress string `json:"recipient_address"`
	PersonaID        string `json:"persona_id"`
	Script           string `json:"script"`
}

type CreateBatchRequest struct {
	Name            string              `json:"name" validate:"notblank,max=200"`
	MessageTemplate string              `json:"message_template" validate:"max=4000"`
	TargetLanguage  string              `json:"target_language" validate:"max=16"`
	Background      string              `json:"background" validate:"max=2048"`
	NotifyEmail     string              `json:"notify_email" validate:"omitempty,email"`
	Items           []CreateItemRequest `json:"items" validate:"required,min=1,max=5000"`
}

// GenerateReport counts what one generate request did with the batch's
// PENDING items.
type GenerateReport struct {
	Submitted int `json:"submitted"`
	Rejected  int `json:"rejected"`
	Deferred  int `json:"deferred"`
}

type Servicer interface {
	Create(ctx context.Context, createdBy string, req *CreateBatchRequest) (*model.Batch, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Batch, error)
	List(ctx context.Context, page model.Pagination) ([]*model.Batch, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListItems(ctx context.Context, batchID uuid.UUID, page model.Pagination) ([]*model.Item, error)
	GetItem(ctx context.Context, itemID uuid.UUID) (*model.Item, error)
	Generate(ctx context.Context, batchID uuid.UUID) (GenerateReport, error)
	Recount(ctx context.Context, id uuid.UUID) (*model.Batch, error)
	SetExclusion(ctx context.Context, itemID uuid.UUID, excluded bool) (*model.Item, error)
	Refresh(ctx context.Context, batchID uuid.UUID)
}

// Submitter hands one item to the renderer.
type Submitter interface {
	Submit(ctx context.Context, item *model.Item) error
}

// Notifier sends the one-off batch-ready email.
type Notifier interface {
	SendBatchReady(ctx context.Context, to string, batch *model.Batch) error
}

type Dependencies struct {
	Batches   repository.BatchRepository
	Items     repository.ItemRepository
	Submitter Submitter
	Notifier  Notifier
	Events    event.Publisher
	Logger    *logger.Logger
}

type Service struct {
	batches   repository.BatchRepository
	items     repository.ItemRepository
	submitter Submitter
	notifier  Notifier
	events    event.Publisher
	validator validator.Validator
	logger    *logger.Logger
	now       func() time.Time
}

func NewService(deps Dependencies) *Service {
	if deps.Events == nil {
		deps.Events = event.Nop()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	return &Service{
		batches:   deps.Batches,
		items:     deps.Items,
		submitter: deps.Submitter,
		notifier:  deps.Notifier,
		events:    deps.Events,
		validator: validator.New(),
		logger:    deps.Logger.With("batch"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetSubmitter wires the orchestrator after construction. The orchestrator
// itself refreshes batches through this service, so one of the two has to
// be set late.
func (s *Service) SetSubmitter(sub Submitter) { s.submitter = sub }

// Create stores the batch with all of its items in PENDING. Per-item field
// problems are not rejected here; they fail the item on submit so that one
// bad row does not block the rest of the batch.
func (s *Service) Create(ctx context.Context, createdBy string, req *CreateBatchRequest) (*model.Batch, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, apperrors.NewValidation(err.Error())
	}

	b := &model.Batch{
		Name:            strings.TrimSpace(req.Name),
		MessageTemplate: req.MessageTemplate,
		CreatedBy:       createdBy,
		TargetLanguage:  strings.TrimSpace(req.TargetLanguage),
		Background:      strings.TrimSpace(req.Background),
		NotifyEmail:     strings.TrimSpace(req.NotifyEmail),
	}
	b.ID = uuid.New()

	items := make([]*model.Item, 0, len(req.Items))
	for _, r := range req.Items {
		items = append(items, model.NewItem(b.ID,
			strings.TrimSpace(r.RecipientName),
			strings.TrimSpace(r.RecipientAddress),
			strings.TrimSpace(r.PersonaID),
			strings.TrimSpace(r.Script),
		))
	}

	if err := s.batches.Create(ctx, b, items); err != nil {
		return nil, err
	}
	s.events.Publish(ctx, event.PipelineEvent{Type: event.BatchCreated, BatchID: b.ID, Detail: b.Name})
	s.logger.Info("Batch created", "batch_id", b.ID.String(), "items", len(items), "created_by", createdBy)
	return b, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Batch, error) {
	return s.batches.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, page model.Pagination) ([]*model.Batch, error) {
	return s.batches.List(ctx, page.Normalize())
}

// Delete removes a batch and, by cascade, its items.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.batches.Delete(ctx, id)
}

func (s *Service) ListItems(ctx context.Context, batchID uuid.UUID, page model.Pagination) ([]*model.Item, error) {
	if _, err := s.batches.Get(ctx, batchID); err != nil {
		return nil, err
	}
	return s.items.ListByBatch(ctx, batchID, page.Normalize())
}

func (s *Service) GetItem(ctx context.Context, itemID uuid.UUID) (*model.Item, error) {
	return s.items.Get(ctx, itemID)
}

// Generate submits every PENDING item of the batch. A transient provider
// error defers the item to the scheduled submit job and the loop goes on.
// Items another worker claimed in the meantime are left to it.
func (s *Service) Generate(ctx context.Context, batchID uuid.UUID) (GenerateReport, error) {
	var report GenerateReport
	if _, err := s.batches.Get(ctx, batchID); err != nil {
		return report, err
	}

	pending, err := s.pendingItems(ctx, batchID)
	if err != nil {
		return report, err
	}
	for _, item := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.submitter.Submit(ctx, item); err != nil {
			if apperrors.IsConflict(err) {
				continue
			}
			report.Deferred++
			s.logger.Warn("Submit deferred", "item_id", item.ID.String(), "error", err.Error())
			continue
		}
		if item.GenerationStatus == model.GenerationFailed {
			report.Rejected++
		} else {
			report.Submitted++
		}
	}
	s.logger.Info("Batch generation requested", "batch_id", batchID.String(),
		"submitted", report.Submitted, "rejected", report.Rejected, "deferred", report.Deferred)
	return report, nil
}

func (s *Service) pendingItems(ctx context.Context, batchID uuid.UUID) ([]*model.Item, error) {
	var out []*model.Item
	page := model.Pagination{Page: 1, PageSize: 500}
	for {
		items, err := s.items.ListByBatch(ctx, batchID, page)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if it.GenerationStatus == model.GenerationPending {
				out = append(out, it)
			}
		}
		if len(items) < page.PageSize {
			return out, nil
		}
		page.Page++
	}
}

// Recount rebuilds the counters from items and returns the fresh batch.
func (s *Service) Recount(ctx context.Context, id uuid.UUID) (*model.Batch, error) {
	if _, err := s.batches.RecomputeCounters(ctx, id); err != nil {
		return nil, err
	}
	return s.batches.Get(ctx, id)
}

// SetExclusion toggles whether an item is skipped by distribution.
func (s *Service) SetExclusion(ctx context.Context, itemID uuid.UUID, excluded bool) (*model.Item, error) {
	item, err := s.items.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Excluded == excluded {
		return item, nil
	}
	inFlight := apperrors.NewConflict("item has a message in flight")
	if excluded && item.MessageStatus.InFlight() {
		return nil, inFlight
	}
	now := s.now()
	ok, err := s.items.SetExcluded(ctx, itemID, excluded, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, inFlight
	}
	item.Excluded = excluded
	item.UpdatedAt = now
	s.Refresh(ctx, item.BatchID)
	return item, nil
}

// Refresh recomputes the batch counters after an item transition. The first
// refresh that sees generation finished claims the batch-ready notification;
// later ones find it claimed and do nothing.
func (s *Service) Refresh(ctx context.Context, batchID uuid.UUID) {
	counters, err := s.batches.RecomputeCounters(ctx, batchID)
	if err != nil {
		s.logger.Error(err, "Failed to recompute batch counters", "batch_id", batchID.String())
		return
	}
	if !counters.GenerationFinished() {
		return
	}

	b, err := s.batches.Get(ctx, batchID)
	if err != nil {
		s.logger.Error(err, "Failed to load batch", "batch_id", batchID.String())
		return
	}
	if b.NotifiedAt != nil {
		return
	}
	claimed, err := s.batches.MarkNotified(ctx, batchID, s.now())
	if err != nil {
		s.logger.Error(err, "Failed to mark batch notified", "batch_id", batchID.String())
		return
	}
	if !claimed {
		return
	}

	s.events.Publish(ctx, event.PipelineEvent{Type: event.BatchGenerationFinished, BatchID: batchID})
	if b.NotifyEmail == "" || s.notifier == nil {
		return
	}
	if err := s.notifier.SendBatchReady(ctx, b.NotifyEmail, b); err != nil {
		s.logger.Error(err, "Failed to send batch-ready email", "batch_id", batchID.String())
	}
}
