package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type GenerationStatus string

const (
	GenerationPending    GenerationStatus = "PENDING"
	GenerationProcessing GenerationStatus = "PROCESSING"
	GenerationDone       GenerationStatus = "DONE"
	GenerationFailed     GenerationStatus = "FAILED"
)

type MessageStatus string

const (
	MessagePending   MessageStatus = "PENDING"
	MessageQueued    MessageStatus = "QUEUED"
	MessageSent      MessageStatus = "SENT"
	MessageDelivered MessageStatus = "DELIVERED"
	MessageFailed    MessageStatus = "FAILED"
	MessageError     MessageStatus = "ERROR"
)

// Stage refines PROCESSING. Every stage that calls out to a provider or the
// compositor is entered with a conditional write before the call, so a
// worker that loses the write never repeats the call.
type Stage string

const (
	StageNone        Stage = ""
	StageSubmitting  Stage = "SUBMITTING"
	StageRendering   Stage = "RENDERING"
	StageTranslating Stage = "TRANSLATING"
	// StageRendered holds a finished provider output in RenderURL until the
	// follow-up work (translation or composite) picks it up.
	StageRendered  Stage = "RENDERED"
	StageFinishing Stage = "FINISHING"
)

// InFlight reports whether a message was handed to the provider without a
// delivery confirmation yet.
func (s MessageStatus) InFlight() bool {
	return s == MessageQueued || s == MessageSent
}

var (
	ErrEmptyArtifactURL = errors.New("artifact url must not be empty")
	ErrNotDistributable = errors.New("item is not distributable")
)

// Item is one recipient within a batch. BatchID is an explicit foreign key;
// the batch is always loaded through its repository.
type Item struct {
	Base
	BatchID          uuid.UUID `json:"batch_id" db:"batch_id"`
	RecipientName    string    `json:"recipient_name" db:"recipient_name" validate:"notblank,max=200"`
	RecipientAddress string    `json:"recipient_address" db:"recipient_address" validate:"notblank,max=64"`
	PersonaID        string    `json:"persona_id" db:"persona_id" validate:"notblank"`
	Script           string    `json:"script" db:"script" validate:"notblank,max=5000"`
	Excluded         bool      `json:"excluded" db:"excluded"`

	GenerationStatus    GenerationStatus `json:"generation_status" db:"generation_status"`
	Stage               Stage            `json:"stage,omitempty" db:"stage"`
	RenderURL           string           `json:"-" db:"render_url"`
	ProviderJobID       string           `json:"provider_job_id,omitempty" db:"provider_job_id"`
	TranslateJobID      string           `json:"translate_job_id,omitempty" db:"translate_job_id"`
	ArtifactURL         string           `json:"artifact_url,omitempty" db:"artifact_url"`
	GenerationError     string           `json:"generation_error,omitempty" db:"generation_error"`
	GeneratedAt         *time.Time       `json:"generated_at,omitempty" db:"generated_at"`
	ProcessingStartedAt *time.Time       `json:"processing_started_at,omitempty" db:"processing_started_at"`

	MessageStatus     MessageStatus `json:"message_status" db:"message_status"`
	MessageProviderID string        `json:"message_provider_id,omitempty" db:"message_provider_id"`
	MessageError      string        `json:"message_error,omitempty" db:"message_error"`
	SentAt            *time.Time    `json:"sent_at,omitempty" db:"sent_at"`
	MessageUpdatedAt  *time.Time    `json:"message_updated_at,omitempty" db:"message_updated_at"`
}

// NewItem returns an item in its initial state.
func NewItem(batchID uuid.UUID, name, address, personaID, script string) *Item {
	now := time.Now().UTC()
	return &Item{
		Base:             Base{ID: uuid.New(), CreatedAt: now, UpdatedAt: now},
		BatchID:          batchID,
		RecipientName:    name,
		RecipientAddress: address,
		PersonaID:        personaID,
		Script:           script,
		GenerationStatus: GenerationPending,
		MessageStatus:    MessagePending,
	}
}

// ClaimSubmit moves a PENDING item into PROCESSING before its render is
// submitted. The job handle is filled in by MarkProcessing.
func (i *Item) ClaimSubmit(now time.Time) {
	i.GenerationStatus = GenerationProcessing
	i.Stage = StageSubmitting
	i.ProviderJobID = ""
	i.TranslateJobID = ""
	i.RenderURL = ""
	i.ArtifactURL = ""
	i.GenerationError = ""
	i.ProcessingStartedAt = &now
	i.UpdatedAt = now
}

// ReleaseSubmit returns a claimed item to PENDING after a transient
// submit failure.
func (i *Item) ReleaseSubmit(now time.Time) {
	i.GenerationStatus = GenerationPending
	i.Stage = StageNone
	i.ProcessingStartedAt = nil
	i.UpdatedAt = now
}

// MarkProcessing records a freshly assigned render job handle.
func (i *Item) MarkProcessing(jobID string, now time.Time) {
	i.GenerationStatus = GenerationProcessing
	i.Stage = StageRendering
	i.ProviderJobID = jobID
	i.TranslateJobID = ""
	i.RenderURL = ""
	i.ArtifactURL = ""
	i.GenerationError = ""
	if i.ProcessingStartedAt == nil {
		i.ProcessingStartedAt = &now
	}
	i.UpdatedAt = now
}

// MarkRendered stores a finished render or translation output for the
// follow-up step.
func (i *Item) MarkRendered(resultURL string, now time.Time) {
	i.Stage = StageRendered
	i.RenderURL = resultURL
	i.UpdatedAt = now
}

// ClaimFinish takes the follow-up step of a RENDERED item.
func (i *Item) ClaimFinish(now time.Time) {
	i.Stage = StageFinishing
	i.UpdatedAt = now
}

// ReleaseFinish hands the follow-up step back after a transient failure.
func (i *Item) ReleaseFinish(now time.Time) {
	i.Stage = StageRendered
	i.UpdatedAt = now
}

// MarkTranslating keeps the item PROCESSING while a translate job runs.
func (i *Item) MarkTranslating(translateJobID string, now time.Time) {
	i.Stage = StageTranslating
	i.TranslateJobID = translateJobID
	i.RenderURL = ""
	i.UpdatedAt = now
}

// MarkDone is the only way into DONE, and it refuses an empty URL.
func (i *Item) MarkDone(artifactURL string, now time.Time) error {
	if artifactURL == "" {
		return ErrEmptyArtifactURL
	}
	i.GenerationStatus = GenerationDone
	i.Stage = StageNone
	i.RenderURL = ""
	i.ArtifactURL = artifactURL
	i.GenerationError = ""
	i.GeneratedAt = &now
	i.UpdatedAt = now
	return nil
}

// MarkFailed moves the item to FAILED. Any artifact URL is cleared so that
// only DONE items carry one.
func (i *Item) MarkFailed(reason string, now time.Time) {
	i.GenerationStatus = GenerationFailed
	i.Stage = StageNone
	i.RenderURL = ""
	i.ArtifactURL = ""
	i.GenerationError = reason
	i.UpdatedAt = now
}

// ResetGeneration clears every per-attempt field and returns the item to
// PENDING. Message state is reset as well because the artifact changes.
func (i *Item) ResetGeneration(now time.Time) {
	i.GenerationStatus = GenerationPending
	i.Stage = StageNone
	i.RenderURL = ""
	i.ProviderJobID = ""
	i.TranslateJobID = ""
	i.ArtifactURL = ""
	i.GenerationError = ""
	i.GeneratedAt = nil
	i.ProcessingStartedAt = nil
	i.MessageStatus = MessagePending
	i.MessageProviderID = ""
	i.MessageError = ""
	i.SentAt = nil
	i.MessageUpdatedAt = &now
	i.UpdatedAt = now
}

// Distributable reports whether a message may be sent for this item.
func (i *Item) Distributable() bool {
	return i.GenerationStatus == GenerationDone && i.ArtifactURL != "" && !i.Excluded
}

// ClaimMessage marks a send as started before the provider is called. The
// provider id is filled in by MarkMessageAccepted.
func (i *Item) ClaimMessage(now time.Time) {
	i.MessageStatus = MessageQueued
	i.MessageProviderID = ""
	i.MessageError = ""
	i.MessageUpdatedAt = &now
	i.UpdatedAt = now
}

// MarkMessageAccepted records a provider-accepted send.
func (i *Item) MarkMessageAccepted(status MessageStatus, providerID string, now time.Time) error {
	if !i.Distributable() {
		return ErrNotDistributable
	}
	i.MessageStatus = status
	i.MessageProviderID = providerID
	i.MessageError = ""
	i.SentAt = &now
	i.MessageUpdatedAt = &now
	i.UpdatedAt = now
	return nil
}

// MarkMessageError records a rejected or failed send.
func (i *Item) MarkMessageError(reason string, now time.Time) {
	i.MessageStatus = MessageError
	i.MessageError = reason
	i.MessageUpdatedAt = &now
	i.UpdatedAt = now
}

// ApplyDeliveryStatus applies a mapped provider status unconditionally and
// reports whether anything changed. sentAt is only replaced when the event
// carried a parseable timestamp, and messageUpdatedAt only moves when the
// status does, so replayed reports leave the item untouched.
func (i *Item) ApplyDeliveryStatus(status MessageStatus, reason string, eventAt *time.Time, now time.Time) bool {
	changed := false
	if i.MessageStatus != status {
		i.MessageStatus = status
		i.MessageUpdatedAt = &now
		changed = true
	}
	if (status == MessageError || status == MessageFailed) && i.MessageError != reason {
		i.MessageError = reason
		changed = true
	}
	if eventAt != nil && (i.SentAt == nil || !i.SentAt.Equal(*eventAt)) {
		t := *eventAt
		i.SentAt = &t
		changed = true
	}
	if changed {
		i.UpdatedAt = now
	}
	return changed
}

// ResetMessage returns an in-flight message to PENDING with an annotation.
func (i *Item) ResetMessage(annotation string, now time.Time) {
	i.MessageStatus = MessagePending
	i.MessageProviderID = ""
	i.MessageError = annotation
	i.MessageUpdatedAt = &now
	i.UpdatedAt = now
}
