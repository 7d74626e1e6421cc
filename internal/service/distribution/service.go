package distribution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/jwalitptl/videocast-api/internal/model"
	"github.com/jwalitptl/videocast-api/internal/provider"
	"github.com/jwalitptl/videocast-api/internal/repository"
	"github.com/jwalitptl/videocast-api/internal/sharelink"
	apperrors "github.com/jwalitptl/videocast-api/pkg/errors"
	"github.com/jwalitptl/videocast-api/pkg/event"
	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/metrics"
)

// SendReport summarizes one distribution pass.
type SendReport struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

func (r *SendReport) add(o SendReport) {
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.Skipped += o.Skipped
}

type Servicer interface {
	SendBatch(ctx context.Context, batchID uuid.UUID) (SendReport, error)
	ResendOne(ctx context.Context, itemID uuid.UUID) (*model.Item, error)
	OnDeliveryEvent(ctx context.Context, providerMessageID, status, timestamp string) error
	SendReady(ctx context.Context, limit int) (SendReport, error)
	PollStale(ctx context.Context, limit int) (int, error)
	ShareLink(ctx context.Context, itemID uuid.UUID) (string, error)
}

// BatchRefresher is told whenever an item of a batch changed state.
type BatchRefresher interface {
	Refresh(ctx context.Context, batchID uuid.UUID)
}

type Config struct {
	PublicBaseURL string
	// StatusPollAfter is how long a message may sit QUEUED or SENT before
	// its status is polled.
	StatusPollAfter time.Duration
}

type Dependencies struct {
	Items     repository.ItemRepository
	Batches   repository.BatchRepository
	Messaging provider.MessagingProvider
	Links     *sharelink.Codec
	Refresher BatchRefresher
	Events    event.Publisher
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

type Service struct {
	items     repository.ItemRepository
	batches   repository.BatchRepository
	messaging provider.MessagingProvider
	links     *sharelink.Codec
	refresher BatchRefresher
	events    event.Publisher
	metrics   *metrics.Metrics
	logger    *logger.Logger
	cfg       Config
	now       func() time.Time
}

func NewService(deps Dependencies, cfg Config) *Service {
	if deps.Events == nil {
		deps.Events = event.Nop()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if cfg.StatusPollAfter <= 0 {
		cfg.StatusPollAfter = 2 * time.Minute
	}
	return &Service{
		items:     deps.Items,
		batches:   deps.Batches,
		messaging: deps.Messaging,
		links:     deps.Links,
		refresher: deps.Refresher,
		events:    deps.Events,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With("distribution"),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SendBatch sends every distributable item of the batch whose message is
// still PENDING. A failed item never stops the others.
func (s *Service) SendBatch(ctx context.Context, batchID uuid.UUID) (SendReport, error) {
	batch, err := s.batches.Get(ctx, batchID)
	if err != nil {
		return SendReport{}, err
	}
	items, err := s.items.ListDistributable(ctx, &batchID, 0)
	if err != nil {
		return SendReport{}, err
	}

	report := s.sendAll(ctx, batch, items)
	s.refresh(ctx, batchID)
	s.logger.Info("Batch distribution finished",
		"batch_id", batchID.String(),
		"sent", report.Sent,
		"failed", report.Failed,
		"skipped", report.Skipped)
	return report, nil
}

func (s *Service) sendAll(ctx context.Context, batch *model.Batch, items []*model.Item) SendReport {
	var report SendReport
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		report.add(s.sendOne(ctx, batch, item))
	}
	return report
}

// ResendOne sends an item again whatever its previous message status was.
func (s *Service) ResendOne(ctx context.Context, itemID uuid.UUID) (*model.Item, error) {
	item, err := s.items.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !item.Distributable() {
		return nil, apperrors.NewConflict("item is not distributable: it must be generated and not excluded")
	}
	batch, err := s.batches.Get(ctx, item.BatchID)
	if err != nil {
		return nil, err
	}
	r := s.sendOne(ctx, batch, item)
	s.refresh(ctx, item.BatchID)
	if r.Skipped > 0 {
		return nil, apperrors.NewConflict("item changed while sending")
	}
	return item, nil
}

// sendOne claims the message before handing it to the provider, so two
// senders holding the same snapshot cannot both send it. The outcome is
// written under the claim: a regeneration that landed during the send wins.
func (s *Service) sendOne(ctx context.Context, batch *model.Batch, item *model.Item) SendReport {
	if !item.Distributable() {
		return SendReport{Skipped: 1}
	}
	link, err := s.link(batch.ID, item.ID)
	if err != nil {
		s.logger.Error(err, "Failed to build share link", "item_id", item.ID.String())
		return SendReport{Skipped: 1}
	}
	text := RenderMessage(batch.MessageTemplate, item.RecipientName, item.RecipientAddress, link)

	guard := repository.MessageGuardOf(item)
	guard.Included = true
	item.ClaimMessage(s.now())
	claimed, err := s.items.UpdateMessage(ctx, item, guard)
	if err != nil {
		s.logger.Error(err, "Failed to claim message", "item_id", item.ID.String())
		return SendReport{Skipped: 1}
	}
	if !claimed {
		s.logger.Debug("Message already claimed or item changed", "item_id", item.ID.String())
		return SendReport{Skipped: 1}
	}
	claim := repository.MessageGuardOf(item)

	res, err := s.messaging.Send(ctx, item.RecipientAddress, text)
	write := context.WithoutCancel(ctx)
	now := s.now()
	switch {
	case err != nil:
		item.MarkMessageError(provider.ErrorMessage(err), now)
	case !res.Accepted:
		item.MarkMessageError(res.Reason, now)
	default:
		status := model.MessageSent
		if mapped, ok := MapStatus(res.Status); ok && mapped == model.MessageQueued {
			status = model.MessageQueued
		}
		if err := item.MarkMessageAccepted(status, res.MessageID, now); err != nil {
			item.MarkMessageError(err.Error(), now)
		}
	}

	applied, perr := s.items.UpdateMessage(write, item, claim)
	if perr != nil || !applied {
		s.logger.Warn("Message outcome not recorded, item changed concurrently",
			"item_id", item.ID.String(),
			"message_id", res.MessageID)
		return SendReport{Skipped: 1}
	}
	s.publish(write, item)

	if item.MessageStatus == model.MessageError {
		if s.metrics != nil {
			s.metrics.MessagesFailed.Inc()
		}
		return SendReport{Failed: 1}
	}
	if s.metrics != nil {
		s.metrics.MessagesSent.Inc()
	}
	return SendReport{Sent: 1}
}

// OnDeliveryEvent applies a delivery report. Unknown message ids and
// meaningless statuses are acknowledged without change.
func (s *Service) OnDeliveryEvent(ctx context.Context, providerMessageID, status, timestamp string) error {
	item, err := s.items.GetByMessageProviderID(ctx, providerMessageID)
	if apperrors.IsNotFound(err) {
		s.logger.Debug("Delivery event for unknown message", "message_id", providerMessageID)
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.applyStatus(ctx, item, status, ParseTimestamp(timestamp))
	return err
}

func (s *Service) applyStatus(ctx context.Context, item *model.Item, raw string, eventAt *time.Time) (bool, error) {
	mapped, ok := MapStatus(raw)
	if !ok {
		s.logger.Warn("Ignoring unrecognized delivery status",
			"item_id", item.ID.String(),
			"status", raw)
		return false, nil
	}
	if mapped != model.MessageError && !item.Distributable() {
		s.logger.Warn("Ignoring delivery status for non-distributable item",
			"item_id", item.ID.String(),
			"status", raw)
		return false, nil
	}

	// Reports match any message status but only the artifact and provider
	// message they were issued for.
	guard := repository.MessageGuardOf(item)
	guard.Status = ""
	if !item.ApplyDeliveryStatus(mapped, "provider reported "+raw, eventAt, s.now()) {
		return false, nil
	}
	applied, err := s.items.UpdateMessage(ctx, item, guard)
	if err != nil {
		return false, fmt.Errorf("failed to persist item: %w", err)
	}
	if !applied {
		s.logger.Debug("Delivery status not applied, item changed", "item_id", item.ID.String(), "status", raw)
		return false, nil
	}
	s.publish(ctx, item)
	s.refresh(ctx, item.BatchID)
	return true, nil
}

// SendReady sends distributable items across all batches.
func (s *Service) SendReady(ctx context.Context, limit int) (SendReport, error) {
	items, err := s.items.ListDistributable(ctx, nil, limit)
	if err != nil {
		return SendReport{}, err
	}

	byBatch := make(map[uuid.UUID][]*model.Item)
	var order []uuid.UUID
	for _, it := range items {
		if _, seen := byBatch[it.BatchID]; !seen {
			order = append(order, it.BatchID)
		}
		byBatch[it.BatchID] = append(byBatch[it.BatchID], it)
	}

	var (
		report SendReport
		result *multierror.Error
	)
	for _, batchID := range order {
		batch, err := s.batches.Get(ctx, batchID)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("batch %s: %w", batchID, err))
			continue
		}
		report.add(s.sendAll(ctx, batch, byBatch[batchID]))
		s.refresh(ctx, batchID)
	}
	return report, result.ErrorOrNil()
}

// PollStale asks the provider about messages that have been in flight longer
// than the poll-after interval and applies whatever it reports.
func (s *Service) PollStale(ctx context.Context, limit int) (int, error) {
	items, err := s.items.ListStuckMessages(ctx, s.now().Add(-s.cfg.StatusPollAfter), limit)
	if err != nil {
		return 0, err
	}
	var (
		updated int
		result  *multierror.Error
	)
	for _, item := range items {
		if ctx.Err() != nil || item.MessageProviderID == "" {
			continue
		}
		raw, err := s.messaging.GetStatus(ctx, item.MessageProviderID)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("item %s: %w", item.ID, err))
			continue
		}
		if mapped, ok := MapStatus(raw); !ok || mapped == item.MessageStatus {
			continue
		}
		applied, err := s.applyStatus(ctx, item, raw, nil)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("item %s: %w", item.ID, err))
			continue
		}
		if applied {
			updated++
		}
	}
	return updated, result.ErrorOrNil()
}

// ShareLink issues a fresh public link for a distributable item.
func (s *Service) ShareLink(ctx context.Context, itemID uuid.UUID) (string, error) {
	item, err := s.items.Get(ctx, itemID)
	if err != nil {
		return "", err
	}
	if !item.Distributable() {
		return "", apperrors.NewConflict("item has no video to share")
	}
	return s.link(item.BatchID, item.ID)
}

func (s *Service) link(batchID, itemID uuid.UUID) (string, error) {
	token, err := s.links.Encode(batchID, itemID)
	if err != nil {
		return "", err
	}
	return sharelink.URL(s.cfg.PublicBaseURL, token), nil
}

func (s *Service) publish(ctx context.Context, item *model.Item) {
	itemID := item.ID
	s.events.Publish(ctx, event.PipelineEvent{
		Type:    event.ItemDistributionChanged,
		BatchID: item.BatchID,
		ItemID:  &itemID,
		Status:  string(item.MessageStatus),
		Detail:  item.MessageError,
	})
}

func (s *Service) refresh(ctx context.Context, batchID uuid.UUID) {
	if s.refresher != nil {
		s.refresher.Refresh(ctx, batchID)
		return
	}
	if _, err := s.batches.RecomputeCounters(ctx, batchID); err != nil {
		s.logger.Error(err, "Failed to recompute batch counters", "batch_id", batchID.String())
	}
}
