package domain

import (
	"encoding/json"
	"time"
)

// FailedCallStatus is the replay state of a journaled call.
type FailedCallStatus string

const (
	FailedCallPendingRetry FailedCallStatus = "pending_retry"
	FailedCallDeadLetter   FailedCallStatus = "dead_letter"
	FailedCallResolved     FailedCallStatus = "resolved"
)

// Journal sources.
const (
	SourceEventPublish  = "event_publish"
	SourceAgencySubmit  = "agency_submit"
	SourceWebhookPrefix = "webhook:"
)

// FailedCall is a durable record of an inbound or outbound event that could not be processed.
type FailedCall struct {
	ID          int64            `json:"id"`
	Source      string           `json:"source"`
	EventID     string           `json:"event_id"`
	Payload     json.RawMessage  `json:"payload"`
	Error       string           `json:"error"`
	RetryCount  int              `json:"retry_count"`
	NextRetryAt time.Time        `json:"next_retry_at"`
	Status      FailedCallStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
