/**
 * @description
 * Domain events and the bus that publishes them to RabbitMQ. A publish that still fails after
 * the event policy's retries is journaled so the replay sweep can deliver it later.
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
	"github.com/recoup/collections-service/pkg/rabbitmq"
	"github.com/recoup/collections-service/pkg/resilient"
)

// EscalatedEvent is published on routing key collections.escalated.
type EscalatedEvent struct {
	InvoiceID   string                 `json:"invoice_id"`
	UserID      string                 `json:"user_id"`
	From        domain.EscalationLevel `json:"from"`
	To          domain.EscalationLevel `json:"to"`
	Channel     domain.Channel         `json:"channel"`
	Result      domain.AttemptResult   `json:"result"`
	DaysOverdue int                    `json:"days_overdue"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

// HandoffEvent is published on collections.agency_handoff and collections.agency_update.
type HandoffEvent struct {
	HandoffID         string               `json:"handoff_id"`
	InvoiceID         string               `json:"invoice_id"`
	UserID            string               `json:"user_id"`
	AgencyID          string               `json:"agency_id"`
	Status            domain.HandoffStatus `json:"status"`
	OutstandingAmount decimal.Decimal      `json:"outstanding_amount"`
	RecoveredAmount   *decimal.Decimal     `json:"recovered_amount,omitempty"`
	Commission        *decimal.Decimal     `json:"commission,omitempty"`
	OccurredAt        time.Time            `json:"occurred_at"`
}

// ConfirmationEvent is published on the payment.* routing keys.
type ConfirmationEvent struct {
	ConfirmationID string                    `json:"confirmation_id"`
	InvoiceID      string                    `json:"invoice_id"`
	UserID         string                    `json:"user_id"`
	Status         domain.ConfirmationStatus `json:"status"`
	Amount         *decimal.Decimal          `json:"amount,omitempty"`
	Method         *domain.PaymentMethod     `json:"method,omitempty"`
	Reason         *string                   `json:"reason,omitempty"`
	OccurredAt     time.Time                 `json:"occurred_at"`
}

// Retrier runs an operation under a retry policy.
type Retrier interface {
	Retry(ctx context.Context, policy resilient.Policy, op func(ctx context.Context) error) error
}

// publishEnvelope is the journal payload of an undelivered event.
type publishEnvelope struct {
	Exchange   string          `json:"exchange"`
	RoutingKey string          `json:"routing_key"`
	Body       json.RawMessage `json:"body"`
}

// EventBus publishes domain events to one exchange.
type EventBus struct {
	publisher rabbitmq.Publisher
	retrier   Retrier
	journal   FailureRecorder
	exchange  string
	logger    *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(publisher rabbitmq.Publisher, retrier Retrier, journal FailureRecorder, exchange string, logger *slog.Logger) *EventBus {
	return &EventBus{
		publisher: publisher,
		retrier:   retrier,
		journal:   journal,
		exchange:  exchange,
		logger:    logger,
	}
}

// Publish sends payload on routingKey. It only returns an error when the event could neither be
// delivered nor journaled.
func (b *EventBus) Publish(ctx context.Context, routingKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return resilient.Permanent(fmt.Errorf("failed to encode %s event: %w", routingKey, err))
	}

	err = b.retrier.Retry(ctx, resilient.EventPolicy(), func(ctx context.Context) error {
		return resilient.Transient(b.publisher.Publish(ctx, b.exchange, routingKey, json.RawMessage(body)))
	})
	if err == nil {
		return nil
	}

	b.logger.Warn("event publish failed, journaling for replay", "routing_key", routingKey, "error", err)
	if b.journal == nil {
		return err
	}
	envelope := publishEnvelope{Exchange: b.exchange, RoutingKey: routingKey, Body: body}
	if jerr := b.journal.Record(ctx, domain.SourceEventPublish, uuid.NewString(), envelope, err); jerr != nil {
		return fmt.Errorf("publish %s: %v; journal: %w", routingKey, err, jerr)
	}
	return nil
}

// ReplayPublish is the journal handler for the event_publish source.
func (b *EventBus) ReplayPublish(ctx context.Context, call domain.FailedCall) error {
	var envelope publishEnvelope
	if err := json.Unmarshal(call.Payload, &envelope); err != nil || envelope.RoutingKey == "" {
		return resilient.Permanent(fmt.Errorf("invalid event payload: %v", err))
	}
	return b.publisher.Publish(ctx, envelope.Exchange, envelope.RoutingKey, envelope.Body)
}
