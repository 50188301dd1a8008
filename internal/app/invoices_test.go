package app

import (
	"context"
	"errors"
	"testing"

	"github.com/recoup/collections-service/internal/domain"
)

func TestInvoicePauseStopsEscalation(t *testing.T) {
	h := newHarness(t, domain.TierGrowth)
	h.store.putInvoice(overdueInvoice("inv-1", 16))
	svc := NewInvoiceService(h.store, discardLogger())
	ctx := context.Background()

	paused, err := svc.SetPaused(ctx, testActorID, "inv-1", true)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !paused.EscalationPaused {
		t.Fatal("expected the invoice to be paused")
	}
	if _, err := h.escalator.Evaluate(ctx, h.store.invoice("inv-1"), testNow); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(h.store.attemptsFor("inv-1")) != 0 {
		t.Fatal("expected no attempts while paused")
	}

	if _, err := svc.SetPaused(ctx, testActorID, "inv-1", false); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := h.sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	attempts, err := svc.ListAttempts(ctx, testActorID, "inv-1")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts after resuming, got %d", len(attempts))
	}
}

func TestInvoiceServiceOwnership(t *testing.T) {
	store := newMemStore()
	store.putInvoice(overdueInvoice("inv-1", 6))
	svc := NewInvoiceService(store, discardLogger())
	ctx := context.Background()

	if _, err := svc.SetPaused(ctx, "intruder", "inv-1", true); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := svc.ListAttempts(ctx, "intruder", "inv-1"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := svc.ListAttempts(ctx, testActorID, "missing"); !errors.Is(err, domain.ErrInvoiceNotFound) {
		t.Fatalf("expected invoice not found, got %v", err)
	}

	attempts, err := svc.ListAttempts(ctx, testActorID, "inv-1")
	if err != nil || attempts == nil || len(attempts) != 0 {
		t.Fatalf("expected an empty, non-nil list, got %v, %v", attempts, err)
	}
}
