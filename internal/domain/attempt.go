package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Channel is the closed set of delivery channels a collections message can use.
type Channel string

const (
	ChannelEmail  Channel = "email"
	ChannelSMS    Channel = "sms"
	ChannelVoice  Channel = "voice"
	ChannelLetter Channel = "letter"
)

// Channels lists every channel variant.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelVoice, ChannelLetter}

// ParseChannel validates a raw channel name.
func ParseChannel(raw string) (Channel, bool) {
	for _, ch := range Channels {
		if string(ch) == raw {
			return ch, true
		}
	}
	return "", false
}

// AttemptResult is the normalized outcome of one outbound collections message.
type AttemptResult string

const (
	AttemptPending  AttemptResult = "pending"
	AttemptSuccess  AttemptResult = "success"
	AttemptFailed   AttemptResult = "failed"
	AttemptBounced  AttemptResult = "bounced"
	AttemptNoAnswer AttemptResult = "no_answer"
)

// Valid reports whether r is a known result.
func (r AttemptResult) Valid() bool {
	switch r {
	case AttemptPending, AttemptSuccess, AttemptFailed, AttemptBounced, AttemptNoAnswer:
		return true
	}
	return false
}

// CollectionAttempt is an append-only record of one collections message.
type CollectionAttempt struct {
	ID                string           `json:"id"`
	InvoiceID         string           `json:"invoice_id"`
	UserID            string           `json:"user_id"`
	Channel           Channel          `json:"channel"`
	AttemptNumber     int              `json:"attempt_number"`
	ReminderLevel     EscalationLevel  `json:"reminder_level"`
	Result            AttemptResult    `json:"result"`
	ProviderMessageID *string          `json:"provider_message_id,omitempty"`
	RecoveredAmount   *decimal.Decimal `json:"recovered_amount,omitempty"`
	FailureReason     *string          `json:"failure_reason,omitempty"`
	AttemptedAt       time.Time        `json:"attempted_at"`
}
