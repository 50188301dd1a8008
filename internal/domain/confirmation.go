/**
 * @description
 * Domain models for the two-party payment confirmation workflow.
 */
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConfirmationStatus is the state of a payment confirmation.
type ConfirmationStatus string

const (
	ConfirmationPendingClient   ConfirmationStatus = "pending_client"
	ConfirmationClientConfirmed ConfirmationStatus = "client_confirmed"
	ConfirmationBothConfirmed   ConfirmationStatus = "both_confirmed"
	ConfirmationExpired         ConfirmationStatus = "expired"
	ConfirmationCancelled       ConfirmationStatus = "cancelled"
)

// IsTerminal reports whether the confirmation can no longer change.
func (s ConfirmationStatus) IsTerminal() bool {
	switch s {
	case ConfirmationBothConfirmed, ConfirmationExpired, ConfirmationCancelled:
		return true
	}
	return false
}

// BlocksEscalation reports whether a confirmation in this state suspends collections.
func (s ConfirmationStatus) BlocksEscalation() bool {
	return s == ConfirmationClientConfirmed || s == ConfirmationBothConfirmed
}

// PaymentMethod is how the payer says they paid.
type PaymentMethod string

const (
	PaymentBankTransfer PaymentMethod = "bank_transfer"
	PaymentCash         PaymentMethod = "cash"
	PaymentCheque       PaymentMethod = "cheque"
	PaymentCard         PaymentMethod = "card"
	PaymentPayPal       PaymentMethod = "paypal"
	PaymentOther        PaymentMethod = "other"
)

// Valid reports whether m is an accepted payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentBankTransfer, PaymentCash, PaymentCheque, PaymentCard, PaymentPayPal, PaymentOther:
		return true
	}
	return false
}

// PaymentConfirmation tracks a payer's offline payment claim and the issuer's acknowledgement.
type PaymentConfirmation struct {
	ID                string             `json:"id"`
	InvoiceID         string             `json:"invoice_id"`
	UserID            string             `json:"user_id"`
	Token             string             `json:"token,omitempty"`
	TokenHash         string             `json:"-"`
	TokenExpiresAt    time.Time          `json:"token_expires_at"`
	Status            ConfirmationStatus `json:"status"`
	ExpectedAmount    decimal.Decimal    `json:"expected_amount"`
	ClientAmount      *decimal.Decimal   `json:"client_amount,omitempty"`
	ClientMethod      *PaymentMethod     `json:"client_method,omitempty"`
	ClientPaidOn      *time.Time         `json:"client_paid_on,omitempty"`
	ClientNotes       *string            `json:"client_notes,omitempty"`
	ClientConfirmedAt *time.Time         `json:"client_confirmed_at,omitempty"`
	VerifiedAt        *time.Time         `json:"verified_at,omitempty"`
	VerifiedBy        *string            `json:"verified_by,omitempty"`
	CancelledAt       *time.Time         `json:"cancelled_at,omitempty"`
	CancelReason      *string            `json:"cancel_reason,omitempty"`
	Version           int64              `json:"version"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Settlement is the immutable record written when an issuer verifies a claim.
type Settlement struct {
	ID             string          `json:"id"`
	InvoiceID      string          `json:"invoice_id"`
	ConfirmationID string          `json:"confirmation_id"`
	Amount         decimal.Decimal `json:"amount"`
	Method         PaymentMethod   `json:"method"`
	PaidOn         time.Time       `json:"paid_on"`
	VerifiedBy     string          `json:"verified_by"`
	CreatedAt      time.Time       `json:"created_at"`
}
