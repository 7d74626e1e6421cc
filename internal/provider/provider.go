// Package provider holds the contracts of the two external services the
// pipeline talks to and the HTTP transport their clients share.
package provider

import (
	"context"
	"strings"

	"github.com/jwalitptl/videocast-api/internal/model"
)

// JobState is the provider-neutral state of a render or translate job.
type JobState string

const (
	JobPending JobState = "pending"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// ParseJobState maps provider job states, including those seen on webhooks.
func ParseJobState(raw string) JobState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "done", "completed", "complete", "succeeded":
		return JobDone
	case "error", "failed", "rejected":
		return JobFailed
	case "created", "queued", "pending":
		return JobPending
	default:
		return JobRunning
	}
}

type JobStatus struct {
	State     JobState
	ResultURL string
	Error     string
}

type RenderRequest struct {
	PersonaID string
	Script    string
	Width     int
	Height    int
	// WebhookURL asks the provider to call back on completion.
	WebhookURL string
}

// AvatarProvider renders talking-head videos.
type AvatarProvider interface {
	SubmitRender(ctx context.Context, req RenderRequest) (string, error)
	PollRender(ctx context.Context, jobID string) (JobStatus, error)
	SubmitTranslate(ctx context.Context, sourceURL, targetLanguage string) (string, error)
	PollTranslate(ctx context.Context, jobID string) (JobStatus, error)
	ListPersonas(ctx context.Context) ([]model.Persona, error)
}

// SendResult is the provider's answer to one send. A rejected message has
// Accepted=false and a Reason; transport failures are returned as errors.
type SendResult struct {
	MessageID string
	Accepted  bool
	// Status is the raw provider status, e.g. "queued" or "sent".
	Status string
	Reason string
}

// MessagingProvider delivers text messages to recipient addresses.
type MessagingProvider interface {
	Send(ctx context.Context, address, text string) (SendResult, error)
	// GetStatus returns the raw provider status of a sent message.
	GetStatus(ctx context.Context, messageID string) (string, error)
	CheckAddressRegistered(ctx context.Context, address string) (bool, error)
}
