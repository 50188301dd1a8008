package store

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/recoup/collections-service/internal/domain"
)

// ListCandidatesParams selects invoices the escalation sweep should look at.
type ListCandidatesParams struct {
	Now            time.Time
	MinOverdueDays int
	Limit          int

	// Location is the business timezone overdue days are counted in. Nil means UTC.
	Location *time.Location
}

// ClaimEscalationParams takes a short lease on an invoice before a reminder is sent.
type ClaimEscalationParams struct {
	InvoiceID       string
	ExpectedVersion int64
	FromLevel       domain.EscalationLevel
	ToLevel         domain.EscalationLevel
	ClaimToken      string
	Now             time.Time
	LeaseUntil      time.Time
}

// CommitEscalationParams records a sent reminder and advances the invoice in one transaction.
type CommitEscalationParams struct {
	InvoiceID      string
	ClaimToken     string
	Level          domain.EscalationLevel
	SentAt         time.Time
	NextReminderAt *time.Time
	Attempt        domain.CollectionAttempt
}

// ClientClaimParams stores the payer's side of a payment confirmation.
type ClientClaimParams struct {
	ConfirmationID  string
	ExpectedVersion int64
	Amount          decimal.Decimal
	Method          domain.PaymentMethod
	PaidOn          time.Time
	Notes           *string
	Now             time.Time
}

// SettleParams completes a confirmation and marks its invoice paid.
type SettleParams struct {
	ConfirmationID  string
	ExpectedVersion int64
	SettlementID    string
	Amount          decimal.Decimal
	Method          domain.PaymentMethod
	PaidOn          time.Time
	VerifiedBy      string
	Now             time.Time

	// RequireLiveToken refuses the write once Now reaches the token expiry.
	RequireLiveToken bool
}

// CancelConfirmationParams closes a confirmation without settling it.
type CancelConfirmationParams struct {
	ConfirmationID  string
	ExpectedVersion int64
	FromStatuses    []domain.ConfirmationStatus
	Reason          *string
	Now             time.Time

	// RequireLiveToken refuses the write once Now reaches the token expiry.
	RequireLiveToken bool
}

// HandoffUpdateParams appends an agency status update.
type HandoffUpdateParams struct {
	HandoffID       string
	Status          domain.HandoffStatus
	Note            *string
	RecoveryOutcome *string
	RecoveredAmount *decimal.Decimal
	ExternalRef     *string
}
