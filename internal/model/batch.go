package model

import "time"

// Batch is one user-submitted job. Counters are a cache over its items and
// are rebuilt by recomputation, never incremented in place.
type Batch struct {
	Base
	Name            string     `json:"name" db:"name"`
	MessageTemplate string     `json:"message_template" db:"message_template"`
	CreatedBy       string     `json:"created_by" db:"created_by"`
	TargetLanguage  string     `json:"target_language,omitempty" db:"target_language"`
	Background      string     `json:"background,omitempty" db:"background"`
	NotifyEmail     string     `json:"notify_email,omitempty" db:"notify_email"`
	NotifiedAt      *time.Time `json:"notified_at,omitempty" db:"notified_at"`
	BatchCounters
}

// BatchCounters are the aggregate item counts shown to operators.
type BatchCounters struct {
	Total               int `json:"total" db:"total"`
	GenerationSucceeded int `json:"generation_succeeded" db:"generation_succeeded"`
	GenerationFailed    int `json:"generation_failed" db:"generation_failed"`
	MessageSent         int `json:"message_sent" db:"message_sent"`
	MessageFailed       int `json:"message_failed" db:"message_failed"`
	MessagePending      int `json:"message_pending" db:"message_pending"`
}

// GenerationFinished reports whether no item is still PENDING or PROCESSING.
func (c BatchCounters) GenerationFinished() bool {
	return c.Total > 0 && c.GenerationSucceeded+c.GenerationFailed == c.Total
}

// ComputeCounters derives counters from items. Message counts only consider
// items that could be distributed: DONE and not excluded.
func ComputeCounters(items []*Item) BatchCounters {
	var c BatchCounters
	for _, it := range items {
		c.Total++
		switch it.GenerationStatus {
		case GenerationDone:
			c.GenerationSucceeded++
		case GenerationFailed:
			c.GenerationFailed++
		}
		if it.GenerationStatus != GenerationDone || it.Excluded {
			continue
		}
		switch it.MessageStatus {
		case MessageQueued, MessageSent, MessageDelivered:
			c.MessageSent++
		case MessageFailed, MessageError:
			c.MessageFailed++
		default:
			c.MessagePending++
		}
	}
	return c
}
