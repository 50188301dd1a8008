package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recoup/collections-service/internal/domain"
	"github.com/recoup/collections-service/internal/store"
)

// CandidateStore lists invoices the sweep should evaluate.
type CandidateStore interface {
	ListEscalationCandidates(ctx context.Context, params store.ListCandidatesParams) ([]domain.Invoice, error)
}

// SweepResult summarizes one escalation sweep.
type SweepResult struct {
	Evaluated  int       `json:"evaluated"`
	Advanced   int       `json:"advanced"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Sweeper runs the escalator over every candidate invoice with bounded concurrency.
type Sweeper struct {
	store     CandidateStore
	escalator *Escalator
	workers   int
	limit     int
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper creates a new sweeper.
func NewSweeper(store CandidateStore, escalator *Escalator, workers, limit int, metrics *Metrics, logger *slog.Logger) *Sweeper {
	if workers <= 0 {
		workers = 1
	}
	return &Sweeper{
		store:     store,
		escalator: escalator,
		workers:   workers,
		limit:     limit,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Sweep evaluates every candidate once. A failure on one invoice is counted and logged and
// does not stop the others. Sweeps may overlap; the escalation claim keeps them from
// sending the same level twice.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.now()
	result := SweepResult{StartedAt: now}

	schedule := s.escalator.Schedule()
	candidates, err := s.store.ListEscalationCandidates(ctx, store.ListCandidatesParams{
		Now:            now,
		MinOverdueDays: schedule.GentleDays,
		Limit:          s.limit,
		Location:       schedule.Location,
	})
	if err != nil {
		return result, fmt.Errorf("failed to list escalation candidates: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, invoice := range candidates {
		invoice := invoice
		g.Go(func() error {
			out, err := s.escalator.Evaluate(gctx, invoice, now)

			mu.Lock()
			defer mu.Unlock()
			result.Evaluated++
			switch {
			case err != nil:
				result.Failed++
				s.logger.Error("escalation failed", "invoice_id", invoice.ID, "level", invoice.EscalationLevel, "error", err)
			case out.Advanced():
				result.Advanced++
			default:
				result.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	result.FinishedAt = s.now()
	s.metrics.observeSweep(result)
	s.logger.Info("escalation sweep finished",
		"candidates", len(candidates),
		"evaluated", result.Evaluated,
		"advanced", result.Advanced,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"duration", result.FinishedAt.Sub(result.StartedAt).String(),
	)
	return result, ctx.Err()
}
