package model

import "time"

type PreviewStatus string

const (
	PreviewProcessing PreviewStatus = "PROCESSING"
	PreviewDone       PreviewStatus = "DONE"
	PreviewFailed     PreviewStatus = "FAILED"
)

// PreviewSession tracks a one-off render that is not part of any batch.
// Sessions live only in the expiring preview store.
type PreviewSession struct {
	ID        string        `json:"id"`
	PersonaID string        `json:"persona_id"`
	JobID     string        `json:"job_id"`
	Status    PreviewStatus `json:"status"`
	URL       string        `json:"url,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}
