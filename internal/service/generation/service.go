package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/jwalitptl/videocast-api/internal/model"
	"github.com/jwalitptl/videocast-api/internal/provider"
	"github.com/jwalitptl/videocast-api/internal/repository"
	apperrors "github.com/jwalitptl/videocast-api/pkg/errors"
	"github.com/jwalitptl/videocast-api/pkg/event"
	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/metrics"
	"github.com/jwalitptl/videocast-api/pkg/validator"
)

// PollOutcome is what one poll did to an item.
type PollOutcome string

const (
	OutcomeUnchanged   PollOutcome = "unchanged"
	OutcomeTranslating PollOutcome = "translating"
	OutcomeRendered    PollOutcome = "rendered"
	OutcomeDone        PollOutcome = "done"
	OutcomeFailed      PollOutcome = "failed"
)

type Servicer interface {
	Submit(ctx context.Context, item *model.Item) error
	PollOnce(ctx context.Context, item *model.Item) (PollOutcome, error)
	ForceRegenerate(ctx context.Context, itemID uuid.UUID) (*model.Item, error)
	SubmitPending(ctx context.Context, limit int) (int, error)
	PollProcessing(ctx context.Context, limit int) (int, error)
	OnRenderCallback(ctx context.Context, jobID, status, resultURL string) error
	FinishItem(ctx context.Context, itemID uuid.UUID) error
}

// ErrItemBusy is returned when another worker claimed the item first.
var ErrItemBusy = apperrors.NewConflict("item is being worked on by another worker")

// Compositor overlays a rendered clip on a background.
type Compositor interface {
	Composite(ctx context.Context, itemID uuid.UUID, videoURL, background string) (string, error)
}

// WarmupEnqueuer schedules a cache fill for a finished item.
type WarmupEnqueuer interface {
	EnqueueWarmup(ctx context.Context, itemID uuid.UUID) error
}

// FinishEnqueuer schedules the follow-up work of a rendered item off the
// request path.
type FinishEnqueuer interface {
	EnqueueFinish(ctx context.Context, itemID uuid.UUID) error
}

// BatchRefresher is told whenever an item of a batch changed state.
type BatchRefresher interface {
	Refresh(ctx context.Context, batchID uuid.UUID)
}

type Config struct {
	Width  int
	Height int
	// NoopLanguages are target languages the renderer already speaks, so no
	// translate step is run for them.
	NoopLanguages []string
	WebhookURL    string
}

type Dependencies struct {
	Items      repository.ItemRepository
	Batches    repository.BatchRepository
	Avatar     provider.AvatarProvider
	Compositor Compositor
	Warmup     WarmupEnqueuer
	Finisher   FinishEnqueuer
	Refresher  BatchRefresher
	Events     event.Publisher
	Metrics    *metrics.Metrics
	Logger     *logger.Logger
}

type Service struct {
	items      repository.ItemRepository
	batches    repository.BatchRepository
	avatar     provider.AvatarProvider
	compositor Compositor
	warmup     WarmupEnqueuer
	finisher   FinishEnqueuer
	refresher  BatchRefresher
	events     event.Publisher
	validator  validator.Validator
	metrics    *metrics.Metrics
	logger     *logger.Logger
	cfg        Config
	noop       map[string]bool
	now        func() time.Time
}

func NewService(deps Dependencies, cfg Config) *Service {
	noop := make(map[string]bool, len(cfg.NoopLanguages))
	for _, l := range cfg.NoopLanguages {
		noop[normalizeLanguage(l)] = true
	}
	if deps.Events == nil {
		deps.Events = event.Nop()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	return &Service{
		items:      deps.Items,
		batches:    deps.Batches,
		avatar:     deps.Avatar,
		compositor: deps.Compositor,
		warmup:     deps.Warmup,
		finisher:   deps.Finisher,
		refresher:  deps.Refresher,
		events:     deps.Events,
		validator:  validator.New(),
		metrics:    deps.Metrics,
		logger:     deps.Logger.With("generation"),
		cfg:        cfg,
		noop:       noop,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetFinisher wires the finish queue after construction. The queue is
// built before the orchestrator it calls back into.
func (s *Service) SetFinisher(f FinishEnqueuer) { s.finisher = f }

// Submit sends a PENDING item to the renderer. The item is claimed before
// the provider is called, so concurrent submitters cannot both render it.
// Invalid input and provider rejections are recorded on the item as FAILED
// and are not returned as errors; a transient provider failure releases the
// claim for the next scheduled submit and is returned.
func (s *Service) Submit(ctx context.Context, item *model.Item) error {
	switch item.GenerationStatus {
	case model.GenerationProcessing:
		return apperrors.NewConflict("item is already processing")
	case model.GenerationDone:
		return apperrors.NewConflict("item is already generated, regenerate it instead")
	case model.GenerationFailed:
		return apperrors.NewConflict("item has failed, regenerate it instead")
	}
	guard := repository.GenerationGuardOf(item)

	if err := s.validator.Validate(item); err != nil {
		item.MarkFailed(err.Error(), s.now())
		_, perr := s.transition(ctx, item, guard)
		return perr
	}

	item.ClaimSubmit(s.now())
	claimed, err := s.transition(ctx, item, guard)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrItemBusy
	}
	claim := repository.GenerationGuardOf(item)

	jobID, err := s.avatar.SubmitRender(ctx, provider.RenderRequest{
		PersonaID:  item.PersonaID,
		Script:     item.Script,
		Width:      s.cfg.Width,
		Height:     s.cfg.Height,
		WebhookURL: s.cfg.WebhookURL,
	})
	// The outcome is recorded even when the caller has gone away.
	write := context.WithoutCancel(ctx)
	if err != nil {
		if !provider.IsRejection(err) {
			item.ReleaseSubmit(s.now())
			if _, perr := s.transition(write, item, claim); perr != nil {
				s.logger.Error(perr, "Failed to release submit claim", "item_id", item.ID.String())
			}
			return fmt.Errorf("failed to submit render: %w", err)
		}
		item.MarkFailed(provider.ErrorMessage(err), s.now())
		_, perr := s.transition(write, item, claim)
		return perr
	}

	item.MarkProcessing(jobID, s.now())
	applied, err := s.transition(write, item, claim)
	if err != nil {
		return err
	}
	if !applied {
		s.logger.Warn("Item changed while its render was submitted", "item_id", item.ID.String(), "job_id", jobID)
		return apperrors.NewConflict("item changed while submitting")
	}
	return nil
}

// PollOnce asks the provider about the active job of a PROCESSING item and
// moves it forward. Items another worker is submitting or finishing are
// left alone.
func (s *Service) PollOnce(ctx context.Context, item *model.Item) (PollOutcome, error) {
	if item.GenerationStatus != model.GenerationProcessing {
		return OutcomeUnchanged, nil
	}

	var (
		st  provider.JobStatus
		err error
	)
	switch {
	case item.Stage == model.StageSubmitting || item.Stage == model.StageFinishing:
		return OutcomeUnchanged, nil
	case item.Stage == model.StageRendered:
		return s.finish(ctx, item)
	case item.TranslateJobID != "":
		st, err = s.avatar.PollTranslate(ctx, item.TranslateJobID)
	default:
		st, err = s.avatar.PollRender(ctx, item.ProviderJobID)
	}
	if err != nil {
		return OutcomeUnchanged, fmt.Errorf("failed to poll job: %w", err)
	}

	outcome, err := s.apply(ctx, item, st)
	if err != nil || outcome != OutcomeRendered {
		return outcome, err
	}
	return s.finish(ctx, item)
}

func (s *Service) apply(ctx context.Context, item *model.Item, st provider.JobStatus) (PollOutcome, error) {
	switch st.State {
	case provider.JobDone:
		return s.record(ctx, item, st.ResultURL)
	case provider.JobFailed:
		reason := st.Error
		if reason == "" {
			reason = "render failed"
		}
		if item.TranslateJobID != "" {
			reason = "translation failed: " + reason
		}
		return s.fail(ctx, item, repository.GenerationGuardOf(item), reason)
	default:
		return OutcomeUnchanged, nil
	}
}

// record stores a finished job result. When nothing is left to do the item
// goes straight to DONE; otherwise it is parked as RENDERED for finish.
func (s *Service) record(ctx context.Context, item *model.Item, resultURL string) (PollOutcome, error) {
	guard := repository.GenerationGuardOf(item)
	if resultURL == "" {
		return s.fail(ctx, item, guard, "provider reported completion without a result url")
	}
	batch, err := s.batches.Get(ctx, item.BatchID)
	if err != nil {
		return OutcomeUnchanged, fmt.Errorf("failed to load batch: %w", err)
	}

	translate := item.TranslateJobID == "" && s.needsTranslation(batch.TargetLanguage)
	if !translate && batch.Background == "" {
		return s.done(ctx, item, guard, resultURL)
	}

	item.MarkRendered(resultURL, s.now())
	applied, err := s.transition(ctx, item, guard)
	if err != nil || !applied {
		return OutcomeUnchanged, err
	}
	return OutcomeRendered, nil
}

// finish claims a RENDERED item and runs its follow-up work: the translate
// submit, or the composite and the move to DONE. The work runs detached from
// the caller so that a caller deadline never fails the item; the compositor
// bounds itself.
func (s *Service) finish(ctx context.Context, item *model.Item) (PollOutcome, error) {
	guard := repository.GenerationGuardOf(item)
	item.ClaimFinish(s.now())
	claimed, err := s.transition(ctx, item, guard)
	if err != nil {
		return OutcomeUnchanged, err
	}
	if !claimed {
		return OutcomeUnchanged, nil
	}
	claim := repository.GenerationGuardOf(item)
	work := context.WithoutCancel(ctx)

	batch, err := s.batches.Get(work, item.BatchID)
	if err != nil {
		s.release(work, item, claim)
		return OutcomeUnchanged, fmt.Errorf("failed to load batch: %w", err)
	}

	if item.TranslateJobID == "" && s.needsTranslation(batch.TargetLanguage) {
		jobID, err := s.avatar.SubmitTranslate(work, item.RenderURL, batch.TargetLanguage)
		if err != nil {
			if !provider.IsRejection(err) {
				s.release(work, item, claim)
				return OutcomeUnchanged, fmt.Errorf("failed to submit translation: %w", err)
			}
			return s.fail(work, item, claim, "translation failed: "+provider.ErrorMessage(err))
		}
		item.MarkTranslating(jobID, s.now())
		if _, err := s.transition(work, item, claim); err != nil {
			return OutcomeUnchanged, err
		}
		return OutcomeTranslating, nil
	}

	final := item.RenderURL
	if batch.Background != "" {
		if s.compositor == nil {
			return s.fail(work, item, claim, "composite failed: compositor is not enabled")
		}
		final, err = s.compositor.Composite(work, item.ID, item.RenderURL, batch.Background)
		if err != nil {
			return s.fail(work, item, claim, "composite failed: "+err.Error())
		}
	}
	return s.done(work, item, claim, final)
}

func (s *Service) release(ctx context.Context, item *model.Item, claim repository.GenerationGuard) {
	item.ReleaseFinish(s.now())
	if _, err := s.transition(ctx, item, claim); err != nil {
		s.logger.Error(err, "Failed to release finish claim", "item_id", item.ID.String())
	}
}

func (s *Service) done(ctx context.Context, item *model.Item, guard repository.GenerationGuard, artifactURL string) (PollOutcome, error) {
	if err := item.MarkDone(artifactURL, s.now()); err != nil {
		return s.fail(ctx, item, guard, err.Error())
	}
	applied, err := s.transition(ctx, item, guard)
	if err != nil || !applied {
		return OutcomeUnchanged, err
	}
	if s.warmup != nil {
		if err := s.warmup.EnqueueWarmup(ctx, item.ID); err != nil {
			s.logger.Error(err, "Failed to enqueue cache warm-up", "item_id", item.ID.String())
		}
	}
	return OutcomeDone, nil
}

func (s *Service) fail(ctx context.Context, item *model.Item, guard repository.GenerationGuard, reason string) (PollOutcome, error) {
	item.MarkFailed(reason, s.now())
	applied, err := s.transition(ctx, item, guard)
	if err != nil || !applied {
		return OutcomeUnchanged, err
	}
	return OutcomeFailed, nil
}

// FinishItem runs the follow-up work of a RENDERED item. Items in any other
// state, or claimed by another worker, are skipped.
func (s *Service) FinishItem(ctx context.Context, itemID uuid.UUID) error {
	item, err := s.items.Get(ctx, itemID)
	if apperrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if item.GenerationStatus != model.GenerationProcessing || item.Stage != model.StageRendered {
		return nil
	}
	_, err = s.finish(ctx, item)
	return err
}

// ForceRegenerate resets a finished item and submits it again.
func (s *Service) ForceRegenerate(ctx context.Context, itemID uuid.UUID) (*model.Item, error) {
	item, err := s.items.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}
	prior := item.GenerationStatus
	if prior != model.GenerationDone && prior != model.GenerationFailed {
		return nil, apperrors.NewConflict("only failed or completed items can be regenerated")
	}

	guard := repository.GenerationGuardOf(item)
	item.ResetGeneration(s.now())
	applied, err := s.items.ResetGeneration(ctx, item, guard)
	if err != nil {
		return nil, fmt.Errorf("failed to persist item: %w", err)
	}
	if !applied {
		return nil, apperrors.NewConflict("item changed while regenerating")
	}
	s.changed(ctx, item, prior)
	if err := s.Submit(ctx, item); err != nil {
		return item, err
	}
	return item, nil
}

// SubmitPending submits up to limit PENDING items and returns how many were
// accepted by the provider.
func (s *Service) SubmitPending(ctx context.Context, limit int) (int, error) {
	items, err := s.items.ListPendingGeneration(ctx, limit)
	if err != nil {
		return 0, err
	}
	var (
		submitted int
		result    *multierror.Error
	)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if err := s.Submit(ctx, item); err != nil {
			if errors.Is(err, ErrItemBusy) {
				continue
			}
			result = multierror.Append(result, fmt.Errorf("item %s: %w", item.ID, err))
			continue
		}
		if item.GenerationStatus == model.GenerationProcessing {
			submitted++
		}
	}
	return submitted, result.ErrorOrNil()
}

// PollProcessing polls up to limit PROCESSING items and returns how many
// changed state.
func (s *Service) PollProcessing(ctx context.Context, limit int) (int, error) {
	items, err := s.items.ListProcessing(ctx, limit)
	if err != nil {
		return 0, err
	}
	var (
		changed int
		result  *multierror.Error
	)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		outcome, err := s.PollOnce(ctx, item)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("item %s: %w", item.ID, err))
			continue
		}
		if outcome != OutcomeUnchanged {
			changed++
		}
	}
	return changed, result.ErrorOrNil()
}

// OnRenderCallback records a provider callback. Unknown jobs and callbacks
// for items that already moved on are ignored. A finished render that still
// needs translation or a composite is parked and handed to the finish queue,
// so the callback never waits on that work.
func (s *Service) OnRenderCallback(ctx context.Context, jobID, status, resultURL string) error {
	item, err := s.items.GetByProviderJobID(ctx, jobID)
	if apperrors.IsNotFound(err) {
		s.logger.Debug("Render callback for unknown job", "job_id", jobID)
		return nil
	}
	if err != nil {
		return err
	}
	if item.GenerationStatus != model.GenerationProcessing {
		return nil
	}
	switch item.Stage {
	case model.StageSubmitting, model.StageRendered, model.StageFinishing:
		return nil
	}
	// The render callback arrives after translation already started.
	if item.TranslateJobID != "" && item.TranslateJobID != jobID {
		return nil
	}

	st := provider.JobStatus{State: provider.ParseJobState(status), ResultURL: resultURL}
	if st.State == provider.JobDone && resultURL == "" {
		s.logger.Debug("Render callback without a result url, leaving it to the poller", "job_id", jobID)
		return nil
	}
	if st.State == provider.JobFailed {
		st.Error = "render " + strings.ToLower(strings.TrimSpace(status))
	}
	outcome, err := s.apply(ctx, item, st)
	if err != nil || outcome != OutcomeRendered {
		return err
	}
	if s.finisher == nil {
		return nil
	}
	if err := s.finisher.EnqueueFinish(ctx, item.ID); err != nil {
		// The poller finishes RENDERED items it finds.
		s.logger.Error(err, "Failed to enqueue finish", "item_id", item.ID.String())
	}
	return nil
}

// transition persists the generation columns of item if the stored row still
// matches guard, then fans out the side effects of a status change.
func (s *Service) transition(ctx context.Context, item *model.Item, guard repository.GenerationGuard) (bool, error) {
	applied, err := s.items.UpdateGeneration(ctx, item, guard)
	if err != nil {
		return false, fmt.Errorf("failed to persist item: %w", err)
	}
	if applied && item.GenerationStatus != guard.Status {
		s.changed(ctx, item, guard.Status)
	}
	return applied, nil
}

func (s *Service) changed(ctx context.Context, item *model.Item, prior model.GenerationStatus) {
	if s.metrics != nil && item.GenerationStatus != prior {
		s.metrics.GenerationTransitions.WithLabelValues(string(item.GenerationStatus)).Inc()
	}
	itemID := item.ID
	s.events.Publish(ctx, event.PipelineEvent{
		Type:    event.ItemGenerationChanged,
		BatchID: item.BatchID,
		ItemID:  &itemID,
		Status:  string(item.GenerationStatus),
		Detail:  item.GenerationError,
	})
	s.refresh(ctx, item.BatchID)
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

func (s *Service) needsTranslation(lang string) bool {
	lang = normalizeLanguage(lang)
	return lang != "" && !s.noop[lang]
}

func normalizeLanguage(l string) string {
	return strings.ToLower(strings.TrimSpace(l))
}
