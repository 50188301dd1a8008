package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// HandoffStatus tracks an agency referral after escalation has finished.
type HandoffStatus string

const (
	HandoffPending    HandoffStatus = "pending"
	HandoffSubmitted  HandoffStatus = "submitted"
	HandoffInProgress HandoffStatus = "in_progress"
	HandoffCollected  HandoffStatus = "collected"
	HandoffFailed     HandoffStatus = "failed"
	HandoffClosed     HandoffStatus = "closed"
)

// Valid reports whether s is a known handoff status.
func (s HandoffStatus) Valid() bool {
	switch s {
	case HandoffPending, HandoffSubmitted, HandoffInProgress, HandoffCollected, HandoffFailed, HandoffClosed:
		return true
	}
	return false
}

// AgencyHandoff is created once per invoice when escalation reaches the agency level.
type AgencyHandoff struct {
	ID                string           `json:"id"`
	InvoiceID         string           `json:"invoice_id"`
	UserID            string           `json:"user_id"`
	AgencyID          string           `json:"agency_id"`
	AgencyName        string           `json:"agency_name"`
	CommissionPercent decimal.Decimal  `json:"commission_percent"`
	OriginalAmount    decimal.Decimal  `json:"original_amount"`
	OutstandingAmount decimal.Decimal  `json:"outstanding_amount"`
	DaysOverdue       int              `json:"days_overdue"`
	Status            HandoffStatus    `json:"status"`
	RecoveryOutcome   *string          `json:"recovery_outcome,omitempty"`
	RecoveredAmount   *decimal.Decimal `json:"recovered_amount,omitempty"`
	ExternalReference *string          `json:"external_reference,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Commission returns the agency's cut of the given recovered amount.
func (h *AgencyHandoff) Commission(recovered decimal.Decimal) decimal.Decimal {
	return recovered.Mul(h.CommissionPercent).Div(decimal.NewFromInt(100)).Round(2)
}

// HandoffUpdate is one entry in a handoff's append-only history.
type HandoffUpdate struct {
	ID              int64            `json:"id"`
	HandoffID       string           `json:"handoff_id"`
	Status          HandoffStatus    `json:"status"`
	Note            *string          `json:"note,omitempty"`
	RecoveredAmount *decimal.Decimal `json:"recovered_amount,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}
