package app

import (
	"context"
	"log/slog"

	"github.com/recoup/collections-service/internal/domain"
)

// InvoiceStore is the invoice access needed by issuer operations.
type InvoiceStore interface {
	GetInvoiceByID(ctx context.Context, invoiceID string) (*domain.Invoice, error)
	SetEscalationPaused(ctx context.Context, invoiceID string, paused bool) (*domain.Invoice, error)
	ListAttempts(ctx context.Context, invoiceID string) ([]domain.CollectionAttempt, error)
}

// InvoiceService exposes the issuer's collection controls.
type InvoiceService struct {
	store  InvoiceStore
	logger *slog.Logger
}

func NewInvoiceService(store InvoiceStore, logger *slog.Logger) *InvoiceService {
	return &InvoiceService{store: store, logger: logger}
}

// SetPaused pauses or resumes escalation for an invoice the actor owns.
func (s *InvoiceService) SetPaused(ctx context.Context, actorID, invoiceID string, paused bool) (*domain.Invoice, error) {
	if _, err := s.ownedInvoice(ctx, actorID, invoiceID); err != nil {
		return nil, err
	}
	invoice, err := s.store.SetEscalationPaused(ctx, invoiceID, paused)
	if err != nil {
		return nil, err
	}
	s.logger.Info("collections pause updated", "invoice_id", invoiceID, "paused", paused)
	return invoice, nil
}

// ListAttempts returns the collection history of an invoice the actor owns.
func (s *InvoiceService) ListAttempts(ctx context.Context, actorID, invoiceID string) ([]domain.CollectionAttempt, error) {
	if _, err := s.ownedInvoice(ctx, actorID, invoiceID); err != nil {
		return nil, err
	}
	attempts, err := s.store.ListAttempts(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if attempts == nil {
		attempts = []domain.CollectionAttempt{}
	}
	return attempts, nil
}

func (s *InvoiceService) ownedInvoice(ctx context.Context, actorID, invoiceID string) (*domain.Invoice, error) {
	invoice, err := s.store.GetInvoiceByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.UserID != actorID {
		return nil, domain.ErrForbidden
	}
	return invoice, nil
}
