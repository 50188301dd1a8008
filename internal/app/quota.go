/**
 * @description
 * Quota and consent gate. Every outbound reminder and agency handoff asks Authorize first;
 * Increment is called only after the action actually happened.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/recoup/collections-service/internal/domain"
)

// Unlimited marks an action with no monthly cap.
const Unlimited int64 = -1

// TierPolicy lists the channels a tier may use and its monthly limit per action.
// A missing action has a limit of zero.
type TierPolicy struct {
	Channels map[domain.Channel]bool
	Limits   map[domain.Action]int64
}

var allChannels = map[domain.Channel]bool{
	domain.ChannelEmail:  true,
	domain.ChannelSMS:    true,
	domain.ChannelVoice:  true,
	domain.ChannelLetter: true,
}

var tierPolicies = map[domain.Tier]TierPolicy{
	domain.TierFree: {
		Channels: map[domain.Channel]bool{domain.ChannelEmail: true},
		Limits: map[domain.Action]int64{
			domain.ActionEmailReminder: 10,
			domain.ActionAgencyHandoff: 0,
		},
	},
	domain.TierStarter: {
		Channels: map[domain.Channel]bool{domain.ChannelEmail: true},
		Limits: map[domain.Action]int64{
			domain.ActionEmailReminder: 500,
		},
	},
	domain.TierGrowth: {
		Channels: allChannels,
		Limits: map[domain.Action]int64{
			domain.ActionEmailReminder: 2000,
			domain.ActionSMSReminder:   100,
			domain.ActionVoiceCall:     10,
			domain.ActionPostalLetter:  10,
			domain.ActionAgencyHandoff: 0,
		},
	},
	domain.TierPro: {
		Channels: allChannels,
		Limits: map[domain.Action]int64{
			domain.ActionEmailReminder: 5000,
			domain.ActionSMSReminder:   500,
			domain.ActionVoiceCall:     50,
			domain.ActionPostalLetter:  50,
			domain.ActionAgencyHandoff: 20,
		},
	},
	domain.TierBusiness: {
		Channels: allChannels,
		Limits: map[domain.Action]int64{
			domain.ActionEmailReminder: Unlimited,
			domain.ActionSMSReminder:   Unlimited,
			domain.ActionVoiceCall:     Unlimited,
			domain.ActionPostalLetter:  Unlimited,
			domain.ActionAgencyHandoff: Unlimited,
		},
	},
}

// PolicyForTier returns the channel and quota table for a tier. Unknown tiers get the free table.
func PolicyForTier(tier domain.Tier) TierPolicy {
	if p, ok := tierPolicies[tier]; ok {
		return p
	}
	return tierPolicies[domain.TierFree]
}

// AuthorizeRequest asks whether an actor may perform an action. Channel and RecipientID are empty
// for actions that do not contact the recipient.
type AuthorizeRequest struct {
	ActorID     string
	RecipientID string
	Channel     domain.Channel
	Action      domain.Action
}

// Decision is the gate's answer. Usage, Limit and ResetsAt describe the current quota period.
type Decision struct {
	Allowed  bool
	Reason   domain.DenyReason
	Usage    int64
	Limit    int64
	ResetsAt time.Time
}

// QuotaStore loads the data the gate decides on.
type QuotaStore interface {
	GetActor(ctx context.Context, actorID string) (*domain.Actor, error)
	GetConsent(ctx context.Context, clientID string, channel domain.Channel) (*domain.RecipientConsent, error)
}

// UsageCounter is the shared monthly usage store.
type UsageCounter interface {
	Get(ctx context.Context, key string) (int64, error)
	// Increment adds one to key unless idempotencyKey was already applied, and returns the count.
	Increment(ctx context.Context, key, idempotencyKey string, expireAt time.Time) (int64, error)
}

// QuotaGate decides whether reminders and handoffs may go out.
type QuotaGate struct {
	store   QuotaStore
	counter UsageCounter
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewQuotaGate creates a new gate.
func NewQuotaGate(store QuotaStore, counter UsageCounter, metrics *Metrics, logger *slog.Logger) *QuotaGate {
	return &QuotaGate{
		store:   store,
		counter: counter,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Authorize checks, in order, that the tier allows the channel, that the monthly quota has room
// and that the recipient consented to the channel. A deny has no side effects.
func (g *QuotaGate) Authorize(ctx context.Context, req AuthorizeRequest) (Decision, error) {
	actor, err := g.store.GetActor(ctx, req.ActorID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load actor: %w", err)
	}

	policy := PolicyForTier(actor.Tier)
	periodStart, resetsAt := quotaPeriod(g.now())
	limit := policy.Limits[req.Action]
	decision := Decision{Limit: limit, ResetsAt: resetsAt}

	if req.Channel != "" && !policy.Channels[req.Channel] {
		return g.deny(decision, domain.DenyTierChannel), nil
	}
	if limit == 0 {
		return g.deny(decision, domain.DenyTierChannel), nil
	}

	usage, err := g.counter.Get(ctx, usageKey(req.ActorID, req.Action, periodStart))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read usage: %w", err)
	}
	decision.Usage = usage
	if limit != Unlimited && usage >= limit {
		return g.deny(decision, domain.DenyQuota), nil
	}

	if req.Channel != "" && req.RecipientID != "" {
		consent, err := g.store.GetConsent(ctx, req.RecipientID, req.Channel)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to load consent: %w", err)
		}
		if reason, ok := consentAllows(req.Channel, consent); !ok {
			return g.deny(decision, reason), nil
		}
	}

	decision.Allowed = true
	return decision, nil
}

// Increment records one completed action. Replaying the same idempotency key has no effect.
func (g *QuotaGate) Increment(ctx context.Context, actorID string, action domain.Action, idempotencyKey string) error {
	if strings.TrimSpace(idempotencyKey) == "" {
		return fmt.Errorf("idempotency key is required")
	}
	periodStart, resetsAt := quotaPeriod(g.now())
	count, err := g.counter.Increment(ctx, usageKey(actorID, action, periodStart), idempotencyKey, resetsAt)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	g.logger.Debug("usage incremented", "actor_id", actorID, "action", action, "count", count)
	return nil
}

func (g *QuotaGate) deny(decision Decision, reason domain.DenyReason) Decision {
	decision.Allowed = false
	decision.Reason = reason
	g.metrics.quotaDenied(string(reason))
	return decision
}

// consentAllows applies the per-channel consent rule. Email is opt-out; every other channel
// needs an explicit grant.
func consentAllows(channel domain.Channel, consent *domain.RecipientConsent) (domain.DenyReason, bool) {
	if consent != nil && consent.OptedOut {
		return domain.DenyOptedOut, false
	}
	if channel == domain.ChannelEmail {
		return "", true
	}
	if consent == nil || !consent.Granted {
		return domain.DenyNoConsent, false
	}
	return "", true
}

// quotaPeriod returns the UTC calendar month containing now and the instant the next one starts.
func quotaPeriod(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func usageKey(actorID string, action domain.Action, periodStart time.Time) string {
	return fmt.Sprintf("usage:%s:%s:%s", actorID, action, periodStart.Format("2006-01"))
}
