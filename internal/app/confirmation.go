/**
 * @description
 * Two-party payment confirmation. The issuer opens a confirmation and shares a link with the
 * payer; the payer states how and when they paid; the issuer then verifies (marking the invoice
 * paid) or rejects the claim. While a claim is client_confirmed or both_confirmed the invoice is
 * not escalated.
 *
 * Only the SHA-256 of the link token is stored. Every status change is a version check-and-set.
 */
package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/recoup/collections-service/internal/domain"
	"github.com/recoup/collections-service/internal/store"
)

const (
	confirmationTokenBytes = 32
	maxClaimNotesLength    = 1000
	expiryBatchLimit       = 500
	systemExpiryVerifier   = "system:expiry"
)

// ConfirmationStore persists confirmations and settlements.
type ConfirmationStore interface {
	GetInvoiceByID(ctx context.Context, invoiceID string) (*domain.Invoice, error)
	CreateConfirmation(ctx context.Context, c domain.PaymentConfirmation) (*domain.PaymentConfirmation, error)
	GetConfirmationByID(ctx context.Context, id string) (*domain.PaymentConfirmation, error)
	GetConfirmationByTokenHash(ctx context.Context, tokenHash string) (*domain.PaymentConfirmation, error)
	RecordClientClaim(ctx context.Context, params store.ClientClaimParams) (*domain.PaymentConfirmation, error)
	SettleConfirmation(ctx context.Context, params store.SettleParams) (*domain.PaymentConfirmation, *domain.Settlement, error)
	CancelConfirmation(ctx context.Context, params store.CancelConfirmationParams) (*domain.PaymentConfirmation, error)
	ExpireConfirmations(ctx context.Context, now time.Time, limit int) ([]domain.PaymentConfirmation, error)
	ListExpiredConfirmations(ctx context.Context, now time.Time, status domain.ConfirmationStatus, limit int) ([]domain.PaymentConfirmation, error)
}

// ConfirmationConfig controls token lifetime, link building and expiry handling.
type ConfirmationConfig struct {
	TokenTTL      time.Duration
	PublicBaseURL string
	// ExpiryMarksPaid settles expired client-confirmed claims instead of reopening the invoice.
	ExpiryMarksPaid bool
	// Location decides which calendar day "today" is for paid_on. Nil means UTC.
	Location *time.Location
}

// ConfirmationRequest is returned to the issuer when a confirmation is opened.
type ConfirmationRequest struct {
	Confirmation *domain.PaymentConfirmation `json:"confirmation"`
	Token        string                      `json:"token"`
	ClaimURL     string                      `json:"claim_url"`
}

// PayerView is what the payer sees when opening the link.
type PayerView struct {
	InvoiceReference string                    `json:"invoice_reference"`
	ClientName       string                    `json:"client_name"`
	Amount           decimal.Decimal           `json:"amount"`
	Currency         string                    `json:"currency"`
	Status           domain.ConfirmationStatus `json:"status"`
	ExpiresAt        time.Time                 `json:"expires_at"`
}

// ClaimInput is the payer's statement of payment.
type ClaimInput struct {
	Amount decimal.Decimal      `json:"amount"`
	Method domain.PaymentMethod `json:"method"`
	PaidOn time.Time            `json:"paid_on"`
	Notes  *string              `json:"notes,omitempty"`
}

// VerifyInput lets the issuer record the amount actually received when it differs from the claim.
type VerifyInput struct {
	ActualAmount *decimal.Decimal `json:"actual_amount,omitempty"`
}

// ExpiryResult summarizes an expiry pass.
type ExpiryResult struct {
	Expired int `json:"expired"`
	Settled int `json:"settled"`
}

// ConfirmationService runs the payment confirmation workflow.
type ConfirmationService struct {
	store   ConfirmationStore
	events  EventPublisher
	config  ConfirmationConfig
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewConfirmationService creates a new confirmation service.
func NewConfirmationService(store ConfirmationStore, events EventPublisher, cfg ConfirmationConfig, metrics *Metrics, logger *slog.Logger) *ConfirmationService {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 30 * 24 * time.Hour
	}
	cfg.PublicBaseURL = strings.TrimSuffix(cfg.PublicBaseURL, "/")
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &ConfirmationService{
		store:   store,
		events:  events,
		config:  cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Request opens a confirmation for an invoice the actor owns.
func (s *ConfirmationService) Request(ctx context.Context, actorID, invoiceID string) (*ConfirmationRequest, error) {
	invoice, err := s.store.GetInvoiceByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.UserID != actorID {
		return nil, domain.ErrForbidden
	}
	if invoice.Status.IsTerminal() {
		return nil, domain.ErrInvoiceClosed
	}

	token, hash, err := newConfirmationToken()
	if err != nil {
		return nil, err
	}
	confirmation, err := s.store.CreateConfirmation(ctx, domain.PaymentConfirmation{
		ID:             s.newID(),
		InvoiceID:      invoice.ID,
		UserID:         invoice.UserID,
		TokenHash:      hash,
		TokenExpiresAt: s.now().Add(s.config.TokenTTL),
		Status:         domain.ConfirmationPendingClient,
		ExpectedAmount: invoice.Amount,
	})
	if err != nil {
		return nil, err
	}
	confirmation.Token = token

	s.metrics.confirmation(string(confirmation.Status))
	s.logger.Info("payment confirmation requested", "confirmation_id", confirmation.ID, "invoice_id", invoice.ID)
	return &ConfirmationRequest{
		Confirmation: confirmation,
		Token:        token,
		ClaimURL:     s.config.PublicBaseURL + "/confirm/" + token,
	}, nil
}

// View returns the payer's view of an open confirmation.
func (s *ConfirmationService) View(ctx context.Context, token string) (*PayerView, error) {
	confirmation, err := s.lookupToken(ctx, token)
	if err != nil {
		return nil, err
	}
	switch confirmation.Status {
	case domain.ConfirmationExpired:
		return nil, domain.ErrTokenExpired
	case domain.ConfirmationCancelled:
		return nil, domain.ErrConfirmationClosed
	}
	if confirmation.Status == domain.ConfirmationPendingClient && !s.now().Before(confirmation.TokenExpiresAt) {
		return nil, domain.ErrTokenExpired
	}

	invoice, err := s.store.GetInvoiceByID(ctx, confirmation.InvoiceID)
	if err != nil {
		return nil, err
	}
	return &PayerView{
		InvoiceReference: invoice.Reference,
		ClientName:       invoice.ClientName,
		Amount:           confirmation.ExpectedAmount,
		Currency:         invoice.Currency,
		Status:           confirmation.Status,
		ExpiresAt:        confirmation.TokenExpiresAt,
	}, nil
}

// ClientConfirm records the payer's claim that the invoice was paid.
func (s *ConfirmationService) ClientConfirm(ctx context.Context, token string, in ClaimInput) (*domain.PaymentConfirmation, error) {
	confirmation, err := s.lookupToken(ctx, token)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := payerState(confirmation, now); err != nil {
		return nil, err
	}
	if err := validateClaim(in, now.In(s.config.Location)); err != nil {
		return nil, err
	}

	updated, err := s.store.RecordClientClaim(ctx, store.ClientClaimParams{
		ConfirmationID:  confirmation.ID,
		ExpectedVersion: confirmation.Version,
		Amount:          in.Amount,
		Method:          in.Method,
		PaidOn:          in.PaidOn,
		Notes:           in.Notes,
		Now:             now,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, err
		}
		current, rerr := s.store.GetConfirmationByID(ctx, confirmation.ID)
		if rerr != nil {
			return nil, rerr
		}
		if serr := payerState(current, now); serr != nil {
			return nil, serr
		}
		return nil, err
	}

	s.metrics.confirmation(string(updated.Status))
	s.logger.Info("payment claimed by client", "confirmation_id", updated.ID, "invoice_id", updated.InvoiceID)
	s.publish(ctx, "payment.client_confirmed", ConfirmationEvent{
		ConfirmationID: updated.ID,
		InvoiceID:      updated.InvoiceID,
		UserID:         updated.UserID,
		Status:         updated.Status,
		Amount:         updated.ClientAmount,
		Method:         updated.ClientMethod,
		OccurredAt:     now,
	})
	return updated, nil
}

// Verify confirms the payer's claim and marks the invoice paid.
func (s *ConfirmationService) Verify(ctx context.Context, confirmationID, actorID string, in VerifyInput) (*domain.PaymentConfirmation, *domain.Settlement, error) {
	confirmation, err := s.owned(ctx, confirmationID, actorID)
	if err != nil {
		return nil, nil, err
	}
	if err := issuerState(confirmation, s.now()); err != nil {
		return nil, nil, err
	}

	amount := confirmation.ExpectedAmount
	if confirmation.ClientAmount != nil {
		amount = *confirmation.ClientAmount
	}
	if in.ActualAmount != nil {
		if !in.ActualAmount.IsPositive() {
			return nil, nil, &domain.ValidationError{Field: "actual_amount", Message: "must be greater than zero"}
		}
		amount = *in.ActualAmount
	}

	return s.settle(ctx, confirmation, amount, actorID)
}

// Reject turns down a client claim. The invoice becomes eligible for escalation again.
func (s *ConfirmationService) Reject(ctx context.Context, confirmationID, actorID, reason string) (*domain.PaymentConfirmation, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &domain.ValidationError{Field: "reason", Message: "is required"}
	}
	confirmation, err := s.owned(ctx, confirmationID, actorID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := issuerState(confirmation, now); err != nil {
		return nil, err
	}

	updated, err := s.cancel(ctx, confirmation, []domain.ConfirmationStatus{domain.ConfirmationClientConfirmed}, &reason, true,
		func(c *domain.PaymentConfirmation) error { return issuerState(c, now) })
	if err != nil {
		return nil, err
	}
	s.logger.Info("payment claim rejected", "confirmation_id", updated.ID, "invoice_id", updated.InvoiceID)
	s.publish(ctx, "payment.claim_rejected", ConfirmationEvent{
		ConfirmationID: updated.ID,
		InvoiceID:      updated.InvoiceID,
		UserID:         updated.UserID,
		Status:         updated.Status,
		Reason:         &reason,
		OccurredAt:     s.now(),
	})
	return updated, nil
}

// Cancel withdraws an open confirmation.
func (s *ConfirmationService) Cancel(ctx context.Context, confirmationID, actorID string, reason *string) (*domain.PaymentConfirmation, error) {
	confirmation, err := s.owned(ctx, confirmationID, actorID)
	if err != nil {
		return nil, err
	}
	if err := openState(confirmation); err != nil {
		return nil, err
	}

	updated, err := s.cancel(ctx, confirmation,
		[]domain.ConfirmationStatus{domain.ConfirmationPendingClient, domain.ConfirmationClientConfirmed}, reason, false, openState)
	if err != nil {
		return nil, err
	}
	s.logger.Info("payment confirmation cancelled", "confirmation_id", updated.ID, "invoice_id", updated.InvoiceID)
	s.publish(ctx, "payment.claim_cancelled", ConfirmationEvent{
		ConfirmationID: updated.ID,
		InvoiceID:      updated.InvoiceID,
		UserID:         updated.UserID,
		Status:         updated.Status,
		Reason:         reason,
		OccurredAt:     s.now(),
	})
	return updated, nil
}

// ExpireStale closes confirmations whose link has expired.
func (s *ConfirmationService) ExpireStale(ctx context.Context) (ExpiryResult, error) {
	var result ExpiryResult
	now := s.now()

	if s.config.ExpiryMarksPaid {
		claims, err := s.store.ListExpiredConfirmations(ctx, now, domain.ConfirmationClientConfirmed, expiryBatchLimit)
		if err != nil {
			return result, fmt.Errorf("failed to list expired claims: %w", err)
		}
		for i := range claims {
			claim := &claims[i]
			amount := claim.ExpectedAmount
			if claim.ClientAmount != nil {
				amount = *claim.ClientAmount
			}
			if _, _, err := s.settle(ctx, claim, amount, systemExpiryVerifier); err != nil {
				s.logger.Error("failed to settle expired claim", "confirmation_id", claim.ID, "error", err)
				continue
			}
			result.Settled++
		}
	}

	expired, err := s.store.ExpireConfirmations(ctx, now, expiryBatchLimit)
	if err != nil {
		return result, fmt.Errorf("failed to expire confirmations: %w", err)
	}
	for _, c := range expired {
		s.metrics.confirmation(string(c.Status))
		s.publish(ctx, "payment.claim_expired", ConfirmationEvent{
			ConfirmationID: c.ID,
			InvoiceID:      c.InvoiceID,
			UserID:         c.UserID,
			Status:         c.Status,
			OccurredAt:     now,
		})
	}
	result.Expired = len(expired)

	if result.Expired > 0 || result.Settled > 0 {
		s.logger.Info("confirmation expiry finished", "expired", result.Expired, "settled", result.Settled)
	}
	return result, nil
}

// settle completes a client-confirmed claim. Only the expiry job may settle a claim whose
// token has lapsed.
func (s *ConfirmationService) settle(ctx context.Context, confirmation *domain.PaymentConfirmation, amount decimal.Decimal, verifiedBy string) (*domain.PaymentConfirmation, *domain.Settlement, error) {
	now := s.now()
	requireLive := verifiedBy != systemExpiryVerifier
	method := domain.PaymentOther
	if confirmation.ClientMethod != nil {
		method = *confirmation.ClientMethod
	}
	paidOn := now
	if confirmation.ClientPaidOn != nil {
		paidOn = *confirmation.ClientPaidOn
	}

	updated, settlement, err := s.store.SettleConfirmation(ctx, store.SettleParams{
		ConfirmationID:   confirmation.ID,
		ExpectedVersion:  confirmation.Version,
		SettlementID:     s.newID(),
		Amount:           amount,
		Method:           method,
		PaidOn:           paidOn,
		VerifiedBy:       verifiedBy,
		Now:              now,
		RequireLiveToken: requireLive,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, nil, err
		}
		current, rerr := s.store.GetConfirmationByID(ctx, confirmation.ID)
		if rerr != nil {
			return nil, nil, rerr
		}
		serr := claimState(current)
		if serr == nil && requireLive {
			serr = issuerState(current, now)
		}
		if serr != nil {
			return nil, nil, serr
		}
		return nil, nil, err
	}

	s.metrics.confirmation(string(updated.Status))
	s.logger.Info("payment verified", "confirmation_id", updated.ID, "invoice_id", updated.InvoiceID, "verified_by", verifiedBy)
	s.publish(ctx, "payment.confirmed", ConfirmationEvent{
		ConfirmationID: updated.ID,
		InvoiceID:      updated.InvoiceID,
		UserID:         updated.UserID,
		Status:         updated.Status,
		Amount:         &settlement.Amount,
		Method:         &settlement.Method,
		OccurredAt:     now,
	})
	return updated, settlement, nil
}

func (s *ConfirmationService) cancel(
	ctx context.Context,
	confirmation *domain.PaymentConfirmation,
	from []domain.ConfirmationStatus,
	reason *string,
	requireLive bool,
	stateCheck func(*domain.PaymentConfirmation) error,
) (*domain.PaymentConfirmation, error) {
	updated, err := s.store.CancelConfirmation(ctx, store.CancelConfirmationParams{
		ConfirmationID:   confirmation.ID,
		ExpectedVersion:  confirmation.Version,
		FromStatuses:     from,
		Reason:           reason,
		Now:              s.now(),
		RequireLiveToken: requireLive,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, err
		}
		current, rerr := s.store.GetConfirmationByID(ctx, confirmation.ID)
		if rerr != nil {
			return nil, rerr
		}
		if serr := stateCheck(current); serr != nil {
			return nil, serr
		}
		return nil, err
	}
	s.metrics.confirmation(string(updated.Status))
	return updated, nil
}

func (s *ConfirmationService) owned(ctx context.Context, confirmationID, actorID string) (*domain.PaymentConfirmation, error) {
	confirmation, err := s.store.GetConfirmationByID(ctx, confirmationID)
	if err != nil {
		return nil, err
	}
	if confirmation.UserID != actorID {
		return nil, domain.ErrForbidden
	}
	return confirmation, nil
}

func (s *ConfirmationService) lookupToken(ctx context.Context, token string) (*domain.PaymentConfirmation, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.ErrConfirmationNotFound
	}
	return s.store.GetConfirmationByTokenHash(ctx, hashConfirmationToken(token))
}

func (s *ConfirmationService) publish(ctx context.Context, routingKey string, event ConfirmationEvent) {
	if err := s.events.Publish(ctx, routingKey, event); err != nil {
		s.logger.Error("failed to publish confirmation event", "routing_key", routingKey, "confirmation_id", event.ConfirmationID, "error", err)
	}
}

// payerState reports why the payer may not submit a claim, if anything.
func payerState(c *domain.PaymentConfirmation, now time.Time) error {
	switch c.Status {
	case domain.ConfirmationClientConfirmed, domain.ConfirmationBothConfirmed:
		return domain.ErrAlreadyConfirmed
	case domain.ConfirmationExpired:
		return domain.ErrTokenExpired
	case domain.ConfirmationCancelled:
		return domain.ErrConfirmationClosed
	}
	if !now.Before(c.TokenExpiresAt) {
		return domain.ErrTokenExpired
	}
	return nil
}

// issuerState reports why the issuer may not verify or reject, if anything.
func issuerState(c *domain.PaymentConfirmation, now time.Time) error {
	if err := claimState(c); err != nil {
		return err
	}
	if !now.Before(c.TokenExpiresAt) {
		return domain.ErrTokenExpired
	}
	return nil
}

func claimState(c *domain.PaymentConfirmation) error {
	switch c.Status {
	case domain.ConfirmationClientConfirmed:
		return nil
	case domain.ConfirmationBothConfirmed:
		return domain.ErrAlreadyVerified
	case domain.ConfirmationPendingClient:
		return domain.ErrNotClientConfirmed
	case domain.ConfirmationExpired:
		return domain.ErrTokenExpired
	}
	return domain.ErrConfirmationClosed
}

func openState(c *domain.PaymentConfirmation) error {
	switch c.Status {
	case domain.ConfirmationPendingClient, domain.ConfirmationClientConfirmed:
		return nil
	case domain.ConfirmationBothConfirmed:
		return domain.ErrAlreadyVerified
	}
	return domain.ErrConfirmationClosed
}

// validateClaim checks a payer's claim. paid_on is a calendar date and is compared with the
// calendar date of now in now's location.
func validateClaim(in ClaimInput, now time.Time) error {
	if !in.Amount.IsPositive() {
		return &domain.ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if !in.Method.Valid() {
		return &domain.ValidationError{Field: "method", Message: "unknown payment method"}
	}
	if in.PaidOn.IsZero() {
		return &domain.ValidationError{Field: "paid_on", Message: "is required"}
	}
	py, pm, pd := in.PaidOn.Date()
	ny, nm, nd := now.Date()
	if time.Date(py, pm, pd, 0, 0, 0, 0, time.UTC).After(time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)) {
		return &domain.ValidationError{Field: "paid_on", Message: "must not be in the future"}
	}
	if in.Notes != nil && len(*in.Notes) > maxClaimNotesLength {
		return &domain.ValidationError{Field: "notes", Message: fmt.Sprintf("must be at most %d characters", maxClaimNotesLength)}
	}
	return nil
}

func newConfirmationToken() (string, string, error) {
	buf := make([]byte, confirmationTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate confirmation token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	return token, hashConfirmationToken(token), nil
}

func hashConfirmationToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
