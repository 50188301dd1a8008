/**
 * @description
 * Domain models for invoices under collections and the escalation ladder.
 */
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus is the lifecycle status of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusSent          InvoiceStatus = "sent"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusOverdue       InvoiceStatus = "overdue"
	InvoiceStatusInCollections InvoiceStatus = "in_collections"
	InvoiceStatusDisputed      InvoiceStatus = "disputed"
	InvoiceStatusCancelled     InvoiceStatus = "cancelled"
)

// IsTerminal reports whether no further collections activity may happen.
func (s InvoiceStatus) IsTerminal() bool {
	return s == InvoiceStatusPaid || s == InvoiceStatusCancelled
}

// Collectable reports whether the status allows the scheduler to escalate.
func (s InvoiceStatus) Collectable() bool {
	switch s {
	case InvoiceStatusSent, InvoiceStatusOverdue, InvoiceStatusInCollections:
		return true
	}
	return false
}

// EscalationLevel is the severity stage of collections treatment.
type EscalationLevel string

const (
	LevelPending EscalationLevel = "pending"
	LevelGentle  EscalationLevel = "gentle"
	LevelFirm    EscalationLevel = "firm"
	LevelFinal   EscalationLevel = "final"
	LevelAgency  EscalationLevel = "agency"
)

var levelOrder = []EscalationLevel{LevelPending, LevelGentle, LevelFirm, LevelFinal, LevelAgency}

// Rank returns the position of the level on the ladder, or -1 when unknown.
func (l EscalationLevel) Rank() int {
	for i, level := range levelOrder {
		if level == l {
			return i
		}
	}
	return -1
}

// Valid reports whether l is one of the known levels.
func (l EscalationLevel) Valid() bool {
	return l.Rank() >= 0
}

// Next returns the level directly above l. The second value is false at the top of the ladder.
func (l EscalationLevel) Next() (EscalationLevel, bool) {
	rank := l.Rank()
	if rank < 0 || rank == len(levelOrder)-1 {
		return l, false
	}
	return levelOrder[rank+1], true
}

// Before reports whether l sits strictly below other.
func (l EscalationLevel) Before(other EscalationLevel) bool {
	return l.Rank() < other.Rank()
}

// Invoice represents an invoice row together with its collections state.
type Invoice struct {
	ID                 string           `json:"id"`
	UserID             string           `json:"user_id"`
	ClientID           string           `json:"client_id"`
	ClientName         string           `json:"client_name"`
	ClientEmail        string           `json:"client_email"`
	ClientPhone        *string          `json:"client_phone,omitempty"`
	ClientAddress      *string          `json:"client_address,omitempty"`
	Reference          string           `json:"reference"`
	Amount             decimal.Decimal  `json:"amount"`
	Currency           string           `json:"currency"`
	DueDate            time.Time        `json:"due_date"`
	Status             InvoiceStatus    `json:"status"`
	EscalationLevel    EscalationLevel  `json:"escalation_level"`
	CollectionsEnabled bool             `json:"collections_enabled"`
	EscalationPaused   bool             `json:"escalation_paused"`
	GentleSentAt       *time.Time       `json:"gentle_sent_at,omitempty"`
	FirmSentAt         *time.Time       `json:"firm_sent_at,omitempty"`
	FinalSentAt        *time.Time       `json:"final_sent_at,omitempty"`
	AgencySentAt       *time.Time       `json:"agency_sent_at,omitempty"`
	NextReminderAt     *time.Time       `json:"next_reminder_at,omitempty"`
	PaidAt             *time.Time       `json:"paid_at,omitempty"`
	ClaimToken         *string          `json:"-"`
	ClaimLevel         *EscalationLevel `json:"-"`
	ClaimExpiresAt     *time.Time       `json:"-"`
	Version            int64            `json:"version"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// SentAt returns the recorded send time for a level.
func (i *Invoice) SentAt(level EscalationLevel) *time.Time {
	switch level {
	case LevelGentle:
		return i.GentleSentAt
	case LevelFirm:
		return i.FirmSentAt
	case LevelFinal:
		return i.FinalSentAt
	case LevelAgency:
		return i.AgencySentAt
	}
	return nil
}

// SetSentAt records the send time for a level.
func (i *Invoice) SetSentAt(level EscalationLevel, at time.Time) {
	t := at
	switch level {
	case LevelGentle:
		i.GentleSentAt = &t
	case LevelFirm:
		i.FirmSentAt = &t
	case LevelFinal:
		i.FinalSentAt = &t
	case LevelAgency:
		i.AgencySentAt = &t
	}
}

// ClientContact returns the channel address for the invoice's client, if any.
func (i *Invoice) ClientContact(channel Channel) (string, bool) {
	switch channel {
	case ChannelEmail:
		return i.ClientEmail, i.ClientEmail != ""
	case ChannelSMS, ChannelVoice:
		if i.ClientPhone == nil || *i.ClientPhone == "" {
			return "", false
		}
		return *i.ClientPhone, true
	case ChannelLetter:
		if i.ClientAddress == nil || *i.ClientAddress == "" {
			return "", false
		}
		return *i.ClientAddress, true
	}
	return "", false
}
