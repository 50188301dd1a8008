/**
 * @description
 * Provider webhook processing. Delivery reports resolve pending attempts; opt-out reports
 * record the recipient's opt-out for the channel. Signature checks happen in the API layer;
 * everything reaching Handle is already verified.
 */
package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/recoup/collections-service/internal/domain"
	"github.com/recoup/collections-service/pkg/resilient"
)

// Webhook event types.
const (
	WebhookTypeDelivery = "delivery"
	WebhookTypeOptOut   = "opt_out"
)

// WebhookOutcome tells the API layer how a webhook was handled.
type WebhookOutcome string

const (
	WebhookProcessed WebhookOutcome = "processed"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookDeferred  WebhookOutcome = "deferred"
)

// WebhookEvent is the provider callback body.
type WebhookEvent struct {
	EventID           string `json:"event_id"`
	Type              string `json:"type"`
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"`
	Detail            string `json:"detail"`
	RecipientID       string `json:"recipient_id"`
	Channel           string `json:"channel"`
}

// WebhookStore applies webhook effects.
type WebhookStore interface {
	ResolvePendingAttempt(ctx context.Context, providerMessageID string, result domain.AttemptResult, reason *string) (bool, error)
	RecordOptOut(ctx context.Context, clientID string, channel domain.Channel, at time.Time) error
}

// WebhookJournal keeps webhooks that could not be processed.
type WebhookJournal interface {
	Record(ctx context.Context, source, eventID string, payload interface{}, cause error) error
	DeadLetter(ctx context.Context, source, eventID string, payload interface{}, cause error) error
}

// webhookEnvelope is the journal payload of a webhook. Body is kept verbatim.
type webhookEnvelope struct {
	Provider string `json:"provider"`
	Body     string `json:"body"`
}

// WebhookProcessor handles verified provider callbacks.
type WebhookProcessor struct {
	store   WebhookStore
	dedupe  WebhookDedupe
	journal WebhookJournal
	logger  *slog.Logger
	now     func() time.Time
}

func NewWebhookProcessor(store WebhookStore, dedupe WebhookDedupe, journal WebhookJournal, logger *slog.Logger) *WebhookProcessor {
	return &WebhookProcessor{
		store:   store,
		dedupe:  dedupe,
		journal: journal,
		logger:  logger,
		now:     time.Now,
	}
}

// Handle processes a verified webhook body. Malformed bodies are dead-lettered and returned as
// a *domain.ValidationError. Processing failures are journaled for replay and reported as deferred.
func (p *WebhookProcessor) Handle(ctx context.Context, provider string, body []byte) (WebhookOutcome, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	source := domain.SourceWebhookPrefix + provider

	event, err := parseWebhookEvent(body)
	if err != nil {
		p.deadLetter(ctx, source, bodyEventID(body), provider, body, err)
		return "", err
	}

	fresh, err := p.dedupe.Begin(ctx, provider, event.EventID)
	if err != nil {
		// Without the dedupe store the effects are still idempotent, so keep going.
		p.logger.Warn("webhook dedupe unavailable", "provider", provider, "event_id", event.EventID, "error", err)
		fresh = true
	}
	if !fresh {
		p.logger.Info("duplicate webhook ignored", "provider", provider, "event_id", event.EventID)
		return WebhookDuplicate, nil
	}

	if err := p.apply(ctx, event); err != nil {
		if rerr := p.dedupe.Release(ctx, provider, event.EventID); rerr != nil {
			p.logger.Warn("failed to release webhook dedupe key", "event_id", event.EventID, "error", rerr)
		}
		if resilient.IsPermanent(err) {
			p.deadLetter(ctx, source, event.EventID, provider, body, err)
			return "", &domain.ValidationError{Field: "body", Message: err.Error()}
		}
		if jerr := p.journal.Record(ctx, source, event.EventID, webhookEnvelope{Provider: provider, Body: string(body)}, err); jerr != nil {
			return "", fmt.Errorf("webhook processing failed (%v) and could not be journaled: %w", err, jerr)
		}
		return WebhookDeferred, nil
	}

	if err := p.dedupe.Complete(ctx, provider, event.EventID); err != nil {
		p.logger.Warn("failed to complete webhook dedupe key", "event_id", event.EventID, "error", err)
	}
	return WebhookProcessed, nil
}

// RejectUnverified dead-letters a webhook whose signature did not check out.
func (p *WebhookProcessor) RejectUnverified(ctx context.Context, provider string, body []byte, cause error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	p.deadLetter(ctx, domain.SourceWebhookPrefix+provider, bodyEventID(body), provider, body, cause)
}

// Replay is the journal handler for webhook sources.
func (p *WebhookProcessor) Replay(ctx context.Context, call domain.FailedCall) error {
	var envelope webhookEnvelope
	if err := json.Unmarshal(call.Payload, &envelope); err != nil {
		return resilient.Permanent(fmt.Errorf("invalid webhook journal payload: %w", err))
	}
	event, err := parseWebhookEvent([]byte(envelope.Body))
	if err != nil {
		return resilient.Permanent(err)
	}
	return p.apply(ctx, event)
}

func (p *WebhookProcessor) apply(ctx context.Context, event *WebhookEvent) error {
	switch event.Type {
	case WebhookTypeDelivery:
		result := deliveryResult(event.Status, event.Detail)
		if result == domain.AttemptPending {
			return nil
		}
		var reason *string
		if result != domain.AttemptSuccess && event.Detail != "" {
			detail := event.Detail
			reason = &detail
		}
		resolved, err := p.store.ResolvePendingAttempt(ctx, event.ProviderMessageID, result, reason)
		if err != nil {
			return err
		}
		if !resolved {
			p.logger.Info("no pending attempt for delivery report", "provider_message_id", event.ProviderMessageID, "event_id", event.EventID)
			return nil
		}
		p.logger.Info("attempt resolved", "provider_message_id", event.ProviderMessageID, "result", result)
		return nil

	case WebhookTypeOptOut:
		channel, _ := domain.ParseChannel(event.Channel)
		if err := p.store.RecordOptOut(ctx, event.RecipientID, channel, p.now()); err != nil {
			return err
		}
		p.logger.Info("recipient opted out", "recipient_id", event.RecipientID, "channel", channel)
		return nil
	}
	return resilient.Permanent(fmt.Errorf("unsupported webhook type %q", event.Type))
}

func parseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, &domain.ValidationError{Field: "body", Message: "malformed JSON"}
	}
	event.EventID = strings.TrimSpace(event.EventID)
	event.Type = strings.ToLower(strings.TrimSpace(event.Type))
	if event.EventID == "" {
		return nil, &domain.ValidationError{Field: "event_id", Message: "is required"}
	}

	switch event.Type {
	case WebhookTypeDelivery:
		if strings.TrimSpace(event.ProviderMessageID) == "" {
			return nil, &domain.ValidationError{Field: "provider_message_id", Message: "is required"}
		}
		if _, ok := knownDeliveryStatuses[strings.ToLower(event.Status)]; !ok {
			return nil, &domain.ValidationError{Field: "status", Message: "unknown delivery status"}
		}
	case WebhookTypeOptOut:
		if strings.TrimSpace(event.RecipientID) == "" {
			return nil, &domain.ValidationError{Field: "recipient_id", Message: "is required"}
		}
		if _, ok := domain.ParseChannel(event.Channel); !ok {
			return nil, &domain.ValidationError{Field: "channel", Message: "unknown channel"}
		}
	default:
		return nil, &domain.ValidationError{Field: "type", Message: "must be delivery or opt_out"}
	}
	return &event, nil
}

var knownDeliveryStatuses = map[string]struct{}{
	"queued": {}, "sent": {}, "in-progress": {},
	"delivered": {}, "completed": {},
	"failed": {}, "bounced": {}, "no-answer": {}, "busy": {},
}

// deliveryResult maps a provider delivery status to an attempt result. Pending means the
// report is intermediate and changes nothing.
func deliveryResult(status, detail string) domain.AttemptResult {
	switch strings.ToLower(status) {
	case "delivered", "completed":
		return domain.AttemptSuccess
	case "bounced":
		return domain.AttemptBounced
	case "no-answer", "busy":
		return domain.AttemptNoAnswer
	case "failed":
		if strings.EqualFold(detail, "bounced") {
			return domain.AttemptBounced
		}
		return domain.AttemptFailed
	}
	return domain.AttemptPending
}

func (p *WebhookProcessor) deadLetter(ctx context.Context, source, eventID, provider string, body []byte, cause error) {
	envelope := webhookEnvelope{Provider: provider, Body: string(body)}
	if err := p.journal.DeadLetter(ctx, source, eventID, envelope, cause); err != nil {
		p.logger.Error("failed to dead-letter webhook", "source", source, "event_id", eventID, "error", err)
	}
}

// bodyEventID derives a stable id for bodies whose own event id cannot be trusted or read.
func bodyEventID(body []byte) string {
	var probe struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && strings.TrimSpace(probe.EventID) != "" {
		return "unverified:" + strings.TrimSpace(probe.EventID)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// IsWebhookValidation reports whether err came from a malformed webhook body.
func IsWebhookValidation(err error) bool {
	var validation *domain.ValidationError
	return errors.As(err, &validation)
}
