package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvoiceNotFound      = fmt.Errorf("invoice %w", ErrNotFound)
	ErrConfirmationNotFound = fmt.Errorf("payment confirmation %w", ErrNotFound)
	ErrHandoffNotFound      = fmt.Errorf("agency handoff %w", ErrNotFound)
	ErrActorNotFound        = fmt.Errorf("actor %w", ErrNotFound)

	ErrForbidden       = errors.New("actor does not own this resource")
	ErrVersionConflict = errors.New("record changed since it was read")
	ErrDenied          = errors.New("action not authorized")

	ErrTokenExpired       = errors.New("confirmation token has expired")
	ErrAlreadyConfirmed   = errors.New("payment already confirmed by client")
	ErrAlreadyVerified    = errors.New("payment already verified")
	ErrNotClientConfirmed = errors.New("payment has not been confirmed by the client")
	ErrConfirmationActive = errors.New("an open payment confirmation already exists for this invoice")
	ErrConfirmationClosed = errors.New("payment confirmation is closed")
	ErrInvoiceClosed      = errors.New("invoice is paid or cancelled")
)

// ValidationError reports a malformed or incomplete input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// DenyReason explains why the quota and consent gate refused an action.
type DenyReason string

const (
	DenyTierChannel DenyReason = "tier_channel_not_allowed"
	DenyQuota       DenyReason = "quota_exceeded"
	DenyOptedOut    DenyReason = "recipient_opted_out"
	DenyNoConsent   DenyReason = "consent_missing"
	DenyNoContact   DenyReason = "recipient_contact_missing"
)

// DeniedError is returned when every candidate channel was refused.
type DeniedError struct {
	Reason DenyReason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("action denied: %s", e.Reason)
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// Kind groups errors by how callers should react to them.
type Kind int

const (
	KindFatal Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindConflict
)

// KindOf classifies an error returned by the application services.
func KindOf(err error) Kind {
	var validation *ValidationError
	switch {
	case errors.As(err, &validation), errors.Is(err, ErrTokenExpired):
		return KindValidation
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrDenied):
		return KindAuthorization
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrAlreadyConfirmed), errors.Is(err, ErrAlreadyVerified),
		errors.Is(err, ErrNotClientConfirmed), errors.Is(err, ErrConfirmationActive),
		errors.Is(err, ErrConfirmationClosed), errors.Is(err, ErrInvoiceClosed):
		return KindConflict
	}
	return KindFatal
}
