/**
 * @description
 * Escalation state machine. An invoice moves pending -> gentle -> firm -> final -> agency,
 * one level at a time, as it becomes more overdue.
 *
 * Each level advance is claim, send, commit:
 * - ClaimEscalation leases the invoice with a version check.
 * - The notifier sends the level's reminder.
 * - CommitEscalation records the attempt and advances the level in one transaction.
 * A failed claim means another sweep got there first. A retryable send failure releases the
 * claim and leaves the level where it was.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/recoup/collections-service/internal/domain"
	"github.com/recoup/collections-service/internal/store"
)

// Schedule holds the day thresholds and channel mixes of the escalation ladder.
type Schedule struct {
	GentleDays int
	FirmDays   int
	FinalDays  int
	AgencyDays int
	Location   *time.Location
	Mixes      map[domain.EscalationLevel][]domain.Channel
}

// DefaultMixes are the channels tried, in order, at each level.
func DefaultMixes() map[domain.EscalationLevel][]domain.Channel {
	return map[domain.EscalationLevel][]domain.Channel{
		domain.LevelGentle: {domain.ChannelEmail},
		domain.LevelFirm:   {domain.ChannelSMS, domain.ChannelEmail},
		domain.LevelFinal:  {domain.ChannelLetter, domain.ChannelVoice, domain.ChannelEmail},
		domain.LevelAgency: {domain.ChannelEmail},
	}
}

// DefaultSchedule returns the 5/15/30/45 day ladder in London time.
func DefaultSchedule() Schedule {
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		loc = time.UTC
	}
	return Schedule{
		GentleDays: 5,
		FirmDays:   15,
		FinalDays:  30,
		AgencyDays: 45,
		Location:   loc,
		Mixes:      DefaultMixes(),
	}
}

// Threshold returns the days overdue at which level is reached.
func (s Schedule) Threshold(level domain.EscalationLevel) (int, bool) {
	switch level {
	case domain.LevelGentle:
		return s.GentleDays, true
	case domain.LevelFirm:
		return s.FirmDays, true
	case domain.LevelFinal:
		return s.FinalDays, true
	case domain.LevelAgency:
		return s.AgencyDays, true
	}
	return 0, false
}

// Mix returns the channel mix for a level.
func (s Schedule) Mix(level domain.EscalationLevel) []domain.Channel {
	if mix, ok := s.Mixes[level]; ok && len(mix) > 0 {
		return mix
	}
	return DefaultMixes()[level]
}

func (s Schedule) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// DaysOverdue counts calendar days between the due date and now in loc. It is negative before
// the due date.
func DaysOverdue(dueDate, now time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	dy, dm, dd := dueDate.In(loc).Date()
	ny, nm, nd := now.In(loc).Date()
	due := time.Date(dy, dm, dd, 0, 0, 0, 0, time.UTC)
	today := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	return int(today.Sub(due).Hours() / 24)
}

// TargetLevel returns the highest level whose threshold has been reached.
func TargetLevel(daysOverdue int, s Schedule) domain.EscalationLevel {
	switch {
	case daysOverdue >= s.AgencyDays:
		return domain.LevelAgency
	case daysOverdue >= s.FinalDays:
		return domain.LevelFinal
	case daysOverdue >= s.FirmDays:
		return domain.LevelFirm
	case daysOverdue >= s.GentleDays:
		return domain.LevelGentle
	}
	return domain.LevelPending
}

// NextReminderAt returns local midnight of the day the level after level becomes due,
// or nil when level is the last one.
func (s Schedule) NextReminderAt(dueDate time.Time, level domain.EscalationLevel) *time.Time {
	next, ok := level.Next()
	if !ok {
		return nil
	}
	days, ok := s.Threshold(next)
	if !ok {
		return nil
	}
	loc := s.location()
	y, m, d := dueDate.In(loc).Date()
	at := time.Date(y, m, d+days, 0, 0, 0, 0, loc)
	return &at
}

// SkipReason explains why Evaluate stopped without reaching the target level.
type SkipReason string

const (
	SkipNone           SkipReason = ""
	SkipNotDue         SkipReason = "not_due"
	SkipDisabled       SkipReason = "collections_disabled"
	SkipPaused         SkipReason = "paused"
	SkipPaymentClaimed SkipReason = "payment_claimed"
	SkipConflict       SkipReason = "conflict"
	SkipDenied         SkipReason = "denied"
	SkipDeliveryFailed SkipReason = "delivery_failed"
	SkipClosed         SkipReason = "closed"
)

// Outcome reports what one Evaluate call did to an invoice.
type Outcome struct {
	InvoiceID string
	From      domain.EscalationLevel
	To        domain.EscalationLevel
	Attempts  int
	Skip      SkipReason
}

// Advanced reports whether at least one level was committed.
func (o Outcome) Advanced() bool {
	return o.From.Before(o.To)
}

// EscalationStore persists escalation claims and commits.
type EscalationStore interface {
	HasBlockingConfirmation(ctx context.Context, invoiceID string) (bool, error)
	ClaimEscalation(ctx context.Context, params store.ClaimEscalationParams) (*domain.Invoice, error)
	CommitEscalation(ctx context.Context, params store.CommitEscalationParams) (*domain.Invoice, error)
	ReleaseEscalation(ctx context.Context, invoiceID, claimToken string) error
}

// Sender sends the reminder for a level over a channel mix.
type Sender interface {
	Send(ctx context.Context, invoice *domain.Invoice, level domain.EscalationLevel, mix []domain.Channel) (*domain.CollectionAttempt, error)
}

// HandoffOpener creates the agency referral once an invoice reaches the agency level.
type HandoffOpener interface {
	Open(ctx context.Context, invoice *domain.Invoice, daysOverdue int) (*domain.AgencyHandoff, error)
}

// EventPublisher publishes domain events.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload interface{}) error
}

// Escalator advances invoices along the schedule.
type Escalator struct {
	store    EscalationStore
	sender   Sender
	gate     Gate
	handoffs HandoffOpener
	events   EventPublisher
	schedule Schedule
	claimTTL time.Duration
	metrics  *Metrics
	logger   *slog.Logger
	newToken func() string
}

// NewEscalator creates a new escalator.
func NewEscalator(
	store EscalationStore,
	sender Sender,
	gate Gate,
	handoffs HandoffOpener,
	events EventPublisher,
	schedule Schedule,
	claimTTL time.Duration,
	metrics *Metrics,
	logger *slog.Logger,
) *Escalator {
	if claimTTL <= 0 {
		claimTTL = 10 * time.Minute
	}
	return &Escalator{
		store:    store,
		sender:   sender,
		gate:     gate,
		handoffs: handoffs,
		events:   events,
		schedule: schedule,
		claimTTL: claimTTL,
		metrics:  metrics,
		logger:   logger,
		newToken: uuid.NewString,
	}
}

// Schedule returns the escalation ladder in use.
func (e *Escalator) Schedule() Schedule {
	return e.schedule
}

// Evaluate advances the invoice one level at a time until it reaches the level its age calls for.
// Benign stops (not due, paused, lost race) return a nil error with Skip set.
func (e *Escalator) Evaluate(ctx context.Context, invoice domain.Invoice, now time.Time) (Outcome, error) {
	out := Outcome{InvoiceID: invoice.ID, From: invoice.EscalationLevel, To: invoice.EscalationLevel}

	switch {
	case !invoice.Status.Collectable():
		out.Skip = SkipClosed
		return out, nil
	case !invoice.CollectionsEnabled:
		out.Skip = SkipDisabled
		return out, nil
	case invoice.EscalationPaused:
		out.Skip = SkipPaused
		return out, nil
	}

	days := DaysOverdue(invoice.DueDate, now, e.schedule.location())
	target := TargetLevel(days, e.schedule)
	if !invoice.EscalationLevel.Before(target) {
		out.Skip = SkipNotDue
		return out, nil
	}

	blocked, err := e.store.HasBlockingConfirmation(ctx, invoice.ID)
	if err != nil {
		return out, fmt.Errorf("failed to check payment confirmations: %w", err)
	}
	if blocked {
		out.Skip = SkipPaymentClaimed
		return out, nil
	}

	current := &invoice
	for current.EscalationLevel.Before(target) {
		next, _ := current.EscalationLevel.Next()

		committed, skip, err := e.advance(ctx, current, next, days, now)
		if err != nil {
			out.Skip = skip
			return out, err
		}
		if skip != SkipNone {
			out.Skip = skip
			return out, nil
		}

		out.To = next
		out.Attempts++
		current = committed
		if !current.Status.Collectable() {
			break
		}
	}
	return out, nil
}

// advance runs claim, send and commit for a single level.
func (e *Escalator) advance(ctx context.Context, invoice *domain.Invoice, level domain.EscalationLevel, days int, now time.Time) (*domain.Invoice, SkipReason, error) {
	if level == domain.LevelAgency {
		decision, err := e.gate.Authorize(ctx, AuthorizeRequest{ActorID: invoice.UserID, Action: domain.ActionAgencyHandoff})
		if err != nil {
			return nil, SkipDeliveryFailed, fmt.Errorf("authorize agency handoff: %w", err)
		}
		if !decision.Allowed {
			e.logger.Info("agency handoff denied", "invoice_id", invoice.ID, "reason", decision.Reason)
			return nil, SkipDenied, nil
		}
	}

	claimToken := e.newToken()
	claimed, err := e.store.ClaimEscalation(ctx, store.ClaimEscalationParams{
		InvoiceID:       invoice.ID,
		ExpectedVersion: invoice.Version,
		FromLevel:       invoice.EscalationLevel,
		ToLevel:         level,
		ClaimToken:      claimToken,
		Now:             now,
		LeaseUntil:      now.Add(e.claimTTL),
	})
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			e.logger.Debug("escalation claim lost", "invoice_id", invoice.ID, "level", level)
			return nil, SkipConflict, nil
		}
		return nil, SkipDeliveryFailed, fmt.Errorf("failed to claim escalation: %w", err)
	}

	attempt, sendErr := e.sender.Send(ctx, claimed, level, e.schedule.Mix(level))
	if sendErr != nil {
		if err := e.store.ReleaseEscalation(context.WithoutCancel(ctx), invoice.ID, claimToken); err != nil {
			e.logger.Error("failed to release escalation claim", "invoice_id", invoice.ID, "error", err)
		}
		if errors.Is(sendErr, domain.ErrDenied) {
			e.logger.Info("escalation denied on every channel", "invoice_id", invoice.ID, "level", level, "error", sendErr)
			return nil, SkipDenied, nil
		}
		return nil, SkipDeliveryFailed, fmt.Errorf("failed to send %s reminder: %w", level, sendErr)
	}

	committed, err := e.store.CommitEscalation(ctx, store.CommitEscalationParams{
		InvoiceID:      invoice.ID,
		ClaimToken:     claimToken,
		Level:          level,
		SentAt:         attempt.AttemptedAt,
		NextReminderAt: e.schedule.NextReminderAt(invoice.DueDate, level),
		Attempt:        *attempt,
	})
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			e.logger.Warn("escalation claim expired before commit", "invoice_id", invoice.ID, "level", level, "attempt_id", attempt.ID)
			return nil, SkipConflict, nil
		}
		return nil, SkipDeliveryFailed, fmt.Errorf("failed to commit escalation: %w", err)
	}

	e.metrics.escalated(string(level))
	e.logger.Info("invoice escalated",
		"invoice_id", invoice.ID,
		"level", level,
		"channel", attempt.Channel,
		"result", attempt.Result,
		"days_overdue", days,
	)

	if err := e.events.Publish(ctx, "collections.escalated", EscalatedEvent{
		InvoiceID:   committed.ID,
		UserID:      committed.UserID,
		From:        invoice.EscalationLevel,
		To:          level,
		Channel:     attempt.Channel,
		Result:      attempt.Result,
		DaysOverdue: days,
		OccurredAt:  now,
	}); err != nil {
		e.logger.Error("failed to publish escalation event", "invoice_id", invoice.ID, "error", err)
	}

	if level == domain.LevelAgency && e.handoffs != nil {
		if _, err := e.handoffs.Open(ctx, committed, days); err != nil {
			e.logger.Error("failed to open agency handoff", "invoice_id", invoice.ID, "error", err)
		}
	}
	return committed, SkipNone, nil
}
