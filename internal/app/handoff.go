/**
 * @description
 * Agency handoff. When an invoice reaches the agency level a referral is created once,
 * submitted to the partner agency, and kept up to date from the agency's status reports.
 */
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/recoup/collections-service/internal/domain"
	"github.com/recoup/collections-service/internal/store"
	"github.com/recoup/collections-service/pkg/agencyclient"
	"github.com/recoup/collections-service/pkg/resilient"
)

// HandoffStore persists agency handoffs.
type HandoffStore interface {
	GetInvoiceByID(ctx context.Context, invoiceID string) (*domain.Invoice, error)
	CreateHandoff(ctx context.Context, handoff domain.AgencyHandoff) (*domain.AgencyHandoff, bool, error)
	GetHandoff(ctx context.Context, handoffID string) (*domain.AgencyHandoff, error)
	MarkHandoffSubmitted(ctx context.Context, handoffID, externalRef string) error
	AppendHandoffUpdate(ctx context.Context, params store.HandoffUpdateParams) (*domain.AgencyHandoff, error)
}

// AgencySubmitter delivers referrals to the partner agency.
type AgencySubmitter interface {
	Submit(ctx context.Context, referral agencyclient.Referral) (string, error)
}

// FailureRecorder journals a call that must be retried later.
type FailureRecorder interface {
	Record(ctx context.Context, source, eventID string, payload interface{}, cause error) error
}

// HandoffConfig names the partner agency and its commission.
type HandoffConfig struct {
	AgencyID          string
	AgencyName        string
	CommissionPercent decimal.Decimal
}

// handoffJob is the journal payload for a handoff that still has to reach the agency.
type handoffJob struct {
	InvoiceID   string `json:"invoice_id"`
	DaysOverdue int    `json:"days_overdue"`
}

// HandoffUpdateInput is an agency status report.
type HandoffUpdateInput struct {
	Status            domain.HandoffStatus `json:"status"`
	Note              *string              `json:"note,omitempty"`
	RecoveryOutcome   *string              `json:"recovery_outcome,omitempty"`
	RecoveredAmount   *decimal.Decimal     `json:"recovered_amount,omitempty"`
	ExternalReference *string              `json:"external_reference,omitempty"`
}

// HandoffService manages agency referrals.
type HandoffService struct {
	store   HandoffStore
	agency  AgencySubmitter
	gate    Gate
	events  EventPublisher
	journal FailureRecorder
	config  HandoffConfig
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewHandoffService creates a new handoff service.
func NewHandoffService(
	store HandoffStore,
	agency AgencySubmitter,
	gate Gate,
	events EventPublisher,
	journal FailureRecorder,
	cfg HandoffConfig,
	logger *slog.Logger,
) *HandoffService {
	return &HandoffService{
		store:   store,
		agency:  agency,
		gate:    gate,
		events:  events,
		journal: journal,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Open creates and submits the handoff for an invoice that just reached the agency level.
// A failure is journaled and retried by the replay sweep.
func (s *HandoffService) Open(ctx context.Context, invoice *domain.Invoice, daysOverdue int) (*domain.AgencyHandoff, error) {
	handoff, err := s.process(ctx, invoice, daysOverdue)
	if err != nil {
		job := handoffJob{InvoiceID: invoice.ID, DaysOverdue: daysOverdue}
		if jerr := s.journal.Record(ctx, domain.SourceAgencySubmit, invoice.ID, job, err); jerr != nil {
			return handoff, fmt.Errorf("agency handoff failed (%v) and could not be journaled: %w", err, jerr)
		}
		s.logger.Warn("agency handoff deferred to replay", "invoice_id", invoice.ID, "error", err)
	}
	return handoff, nil
}

// ReplayHandoff is the journal handler for the agency_submit source.
func (s *HandoffService) ReplayHandoff(ctx context.Context, call domain.FailedCall) error {
	var job handoffJob
	if err := json.Unmarshal(call.Payload, &job); err != nil || job.InvoiceID == "" {
		return resilient.Permanent(fmt.Errorf("invalid agency handoff payload: %v", err))
	}
	invoice, err := s.store.GetInvoiceByID(ctx, job.InvoiceID)
	if err != nil {
		return err
	}
	_, err = s.process(ctx, invoice, job.DaysOverdue)
	return err
}

func (s *HandoffService) process(ctx context.Context, invoice *domain.Invoice, daysOverdue int) (*domain.AgencyHandoff, error) {
	handoff, created, err := s.store.CreateHandoff(ctx, domain.AgencyHandoff{
		ID:                s.newID(),
		InvoiceID:         invoice.ID,
		UserID:            invoice.UserID,
		AgencyID:          s.config.AgencyID,
		AgencyName:        s.config.AgencyName,
		CommissionPercent: s.config.CommissionPercent,
		OriginalAmount:    invoice.Amount,
		OutstandingAmount: invoice.Amount,
		DaysOverdue:       daysOverdue,
		Status:            domain.HandoffPending,
	})
	if err != nil {
		return nil, err
	}
	if handoff.Status != domain.HandoffPending {
		return handoff, nil
	}

	if created {
		if err := s.events.Publish(ctx, "collections.agency_handoff", HandoffEvent{
			HandoffID:         handoff.ID,
			InvoiceID:         handoff.InvoiceID,
			UserID:            handoff.UserID,
			AgencyID:          handoff.AgencyID,
			Status:            handoff.Status,
			OutstandingAmount: handoff.OutstandingAmount,
			OccurredAt:        s.now(),
		}); err != nil {
			s.logger.Error("failed to publish handoff event", "handoff_id", handoff.ID, "error", err)
		}
	}

	reference, err := s.agency.Submit(ctx, agencyclient.Referral{
		HandoffID:         handoff.ID,
		InvoiceID:         invoice.ID,
		InvoiceReference:  invoice.Reference,
		DebtorName:        invoice.ClientName,
		DebtorEmail:       invoice.ClientEmail,
		OutstandingAmount: handoff.OutstandingAmount.StringFixed(2),
		Currency:          invoice.Currency,
		DaysOverdue:       handoff.DaysOverdue,
		CommissionPercent: handoff.CommissionPercent.StringFixed(2),
	})
	if err != nil {
		return handoff, err
	}
	if err := s.store.MarkHandoffSubmitted(ctx, handoff.ID, reference); err != nil {
		return handoff, fmt.Errorf("failed to mark handoff submitted: %w", err)
	}
	if err := s.gate.Increment(ctx, invoice.UserID, domain.ActionAgencyHandoff, handoff.ID); err != nil {
		s.logger.Warn("failed to record agency handoff usage", "handoff_id", handoff.ID, "error", err)
	}

	handoff.Status = domain.HandoffSubmitted
	handoff.ExternalReference = &reference
	s.logger.Info("agency handoff submitted", "handoff_id", handoff.ID, "invoice_id", invoice.ID, "reference", reference)
	return handoff, nil
}

// ApplyUpdate records a status report from the agency and appends it to the handoff history.
func (s *HandoffService) ApplyUpdate(ctx context.Context, handoffID string, in HandoffUpdateInput) (*domain.AgencyHandoff, error) {
	if !in.Status.Valid() {
		return nil, &domain.ValidationError{Field: "status", Message: "unknown handoff status"}
	}
	if in.RecoveredAmount != nil && in.RecoveredAmount.IsNegative() {
		return nil, &domain.ValidationError{Field: "recovered_amount", Message: "must not be negative"}
	}
	if _, err := s.store.GetHandoff(ctx, handoffID); err != nil {
		return nil, err
	}

	handoff, err := s.store.AppendHandoffUpdate(ctx, store.HandoffUpdateParams{
		HandoffID:       handoffID,
		Status:          in.Status,
		Note:            in.Note,
		RecoveryOutcome: in.RecoveryOutcome,
		RecoveredAmount: in.RecoveredAmount,
		ExternalRef:     in.ExternalReference,
	})
	if err != nil {
		return nil, err
	}

	event := HandoffEvent{
		HandoffID:         handoff.ID,
		InvoiceID:         handoff.InvoiceID,
		UserID:            handoff.UserID,
		AgencyID:          handoff.AgencyID,
		Status:            handoff.Status,
		OutstandingAmount: handoff.OutstandingAmount,
		OccurredAt:        s.now(),
	}
	if handoff.RecoveredAmount != nil {
		commission := handoff.Commission(*handoff.RecoveredAmount)
		event.RecoveredAmount = handoff.RecoveredAmount
		event.Commission = &commission
	}
	if err := s.events.Publish(ctx, "collections.agency_update", event); err != nil {
		s.logger.Error("failed to publish handoff update event", "handoff_id", handoff.ID, "error", err)
	}
	return handoff, nil
}
