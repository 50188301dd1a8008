/**
 * @description
 * Multi-channel notifier. Tries each channel of a level's mix in order, gated by quota and
 * consent, and returns the attempt that should be recorded for the level.
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
	"github.com/recoup/collections-service/pkg/providerclient"
	"github.com/recoup/collections-service/pkg/resilient"
)

// Provider sends a built message to the channel provider.
type Provider interface {
	Send(ctx context.Context, msg providerclient.Message) (*providerclient.Result, error)
}

// Gate is the quota and consent check used before every send.
type Gate interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (Decision, error)
	Increment(ctx context.Context, actorID string, action domain.Action, idempotencyKey string) error
}

// Notifier sends collection reminders.
type Notifier struct {
	gate     Gate
	provider Provider
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewNotifier creates a new notifier.
func NewNotifier(gate Gate, provider Provider, metrics *Metrics, logger *slog.Logger) *Notifier {
	return &Notifier{
		gate:     gate,
		provider: provider,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Send walks the channel mix until one channel accepts the reminder.
//
// It returns a successful or pending attempt as soon as a provider accepts the message. When
// no provider accepts it, a transient provider error wins over a failed attempt, and a failed
// attempt wins over a deny. When every channel was refused the error is a *domain.DeniedError.
func (n *Notifier) Send(ctx context.Context, invoice *domain.Invoice, level domain.EscalationLevel, mix []domain.Channel) (*domain.CollectionAttempt, error) {
	var (
		lastDeny     domain.DenyReason = domain.DenyTierChannel
		transientErr error
		failed       *domain.CollectionAttempt
	)

	for _, channel := range mix {
		dispatcher, err := dispatcherFor(channel)
		if err != nil {
			return nil, err
		}

		recipient, ok := invoice.ClientContact(channel)
		if !ok {
			lastDeny = domain.DenyNoContact
			n.logger.Info("skipping channel without recipient contact", "invoice_id", invoice.ID, "channel", channel)
			continue
		}

		action := domain.ActionForChannel(channel)
		decision, err := n.gate.Authorize(ctx, AuthorizeRequest{
			ActorID:     invoice.UserID,
			RecipientID: invoice.ClientID,
			Channel:     channel,
			Action:      action,
		})
		if err != nil {
			return nil, fmt.Errorf("authorize %s: %w", channel, err)
		}
		if !decision.Allowed {
			lastDeny = decision.Reason
			n.logger.Info("channel denied", "invoice_id", invoice.ID, "channel", channel, "reason", decision.Reason)
			continue
		}

		attemptID := n.newID()
		msg := dispatcher.Build(invoice, level, recipient, attemptID)
		result, err := n.provider.Send(ctx, msg)
		if err != nil {
			if resilient.IsRetryable(err) {
				n.logger.Warn("provider unavailable, trying next channel", "invoice_id", invoice.ID, "channel", channel, "error", err)
				transientErr = err
				continue
			}
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			n.logger.Error("provider rejected reminder", "invoice_id", invoice.ID, "channel", channel, "error", err)
			reason := err.Error()
			attempt := n.newAttempt(attemptID, invoice, channel, level, domain.AttemptFailed, nil, &reason)
			n.metrics.attempt(string(channel), string(attempt.Result))
			if failed == nil {
				failed = attempt
			}
			continue
		}

		outcome := dispatcher.Interpret(*result)
		var messageID *string
		if result.MessageID != "" {
			id := result.MessageID
			messageID = &id
		}
		if outcome == domain.AttemptFailed {
			reason := result.Detail
			if reason == "" {
				reason = "provider reported failure"
			}
			attempt := n.newAttempt(attemptID, invoice, channel, level, outcome, messageID, &reason)
			n.metrics.attempt(string(channel), string(outcome))
			if failed == nil {
				failed = attempt
			}
			continue
		}

		var reason *string
		if outcome == domain.AttemptBounced || outcome == domain.AttemptNoAnswer {
			detail := result.Detail
			reason = &detail
		}
		attempt := n.newAttempt(attemptID, invoice, channel, level, outcome, messageID, reason)
		n.metrics.attempt(string(channel), string(outcome))

		if err := n.gate.Increment(ctx, invoice.UserID, action, attemptID); err != nil {
			n.logger.Warn("failed to record usage", "invoice_id", invoice.ID, "channel", channel, "error", err)
		}
		return attempt, nil
	}

	if transientErr != nil {
		return nil, transientErr
	}
	if failed != nil {
		return failed, nil
	}
	return nil, &domain.DeniedError{Reason: lastDeny}
}

func (n *Notifier) newAttempt(
	id string,
	invoice *domain.Invoice,
	channel domain.Channel,
	level domain.EscalationLevel,
	result domain.AttemptResult,
	messageID *string,
	reason *string,
) *domain.CollectionAttempt {
	return &domain.CollectionAttempt{
		ID:                id,
		InvoiceID:         invoice.ID,
		UserID:            invoice.UserID,
		Channel:           channel,
		ReminderLevel:     level,
		Result:            result,
		ProviderMessageID: messageID,
		FailureReason:     reason,
		AttemptedAt:       n.now(),
	}
}
