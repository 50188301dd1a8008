package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/recoup/collections-service/internal/domain"
)

func newTestGate(t *testing.T, tier domain.Tier) (*QuotaGate, *memStore, *MemoryUsageCounter) {
	t.Helper()
	store := newMemStore()
	store.putActor(domain.Actor{ID: testActorID, Tier: tier})
	counter := NewMemoryUsageCounter()
	gate := NewQuotaGate(store, counter, nil, discardLogger())
	gate.now = fixedClock(testNow)
	return gate, store, counter
}

func fillUsage(t *testing.T, gate *QuotaGate, action domain.Action, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := gate.Increment(context.Background(), testActorID, action, fmt.Sprintf("fill-%d", i)); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
}

func TestAuthorizeTierChannelChecks(t *testing.T) {
	tests := []struct {
		name    string
		tier    domain.Tier
		channel domain.Channel
		action  domain.Action
		allowed bool
		reason  domain.DenyReason
	}{
		{"free email", domain.TierFree, domain.ChannelEmail, domain.ActionEmailReminder, true, ""},
		{"free sms", domain.TierFree, domain.ChannelSMS, domain.ActionSMSReminder, false, domain.DenyTierChannel},
		{"starter letter", domain.TierStarter, domain.ChannelLetter, domain.ActionPostalLetter, false, domain.DenyTierChannel},
		{"growth voice", domain.TierGrowth, domain.ChannelVoice, domain.ActionVoiceCall, true, ""},
		{"growth agency", domain.TierGrowth, "", domain.ActionAgencyHandoff, false, domain.DenyTierChannel},
		{"pro agency", domain.TierPro, "", domain.ActionAgencyHandoff, true, ""},
		{"business agency", domain.TierBusiness, "", domain.ActionAgencyHandoff, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, _, _ := newTestGate(t, tt.tier)
			decision, err := gate.Authorize(context.Background(), AuthorizeRequest{
				ActorID: testActorID,
				Channel: tt.channel,
				Action:  tt.action,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if decision.Allowed != tt.allowed || decision.Reason != tt.reason {
				t.Fatalf("expected allowed=%v reason=%q, got %+v", tt.allowed, tt.reason, decision)
			}
		})
	}
}

func TestAuthorizeQuotaBoundary(t *testing.T) {
	gate, _, _ := newTestGate(t, domain.TierFree)
	req := AuthorizeRequest{ActorID: testActorID, Channel: domain.ChannelEmail, Action: domain.ActionEmailReminder}

	fillUsage(t, gate, domain.ActionEmailReminder, 9)
	decision, err := gate.Authorize(context.Background(), req)
	if err != nil || !decision.Allowed || decision.Usage != 9 || decision.Limit != 10 {
		t.Fatalf("expected allowed at 9/10, got %+v, %v", decision, err)
	}

	// Replays the first nine keys and applies one more.
	fillUsage(t, gate, domain.ActionEmailReminder, 10)
	decision, err = gate.Authorize(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed || decision.Reason != domain.DenyQuota {
		t.Fatalf("expected quota deny at 10/10, got %+v", decision)
	}
	if !decision.ResetsAt.Equal(time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected reset on April 1, got %v", decision.ResetsAt)
	}
}

func TestAuthorizeUnlimitedIgnoresUsage(t *testing.T) {
	gate, _, _ := newTestGate(t, domain.TierBusiness)
	fillUsage(t, gate, domain.ActionSMSReminder, 50)

	decision, err := gate.Authorize(context.Background(), AuthorizeRequest{
		ActorID: testActorID,
		Channel: domain.ChannelSMS,
		Action:  domain.ActionSMSReminder,
	})
	if err != nil || !decision.Allowed || decision.Limit != Unlimited {
		t.Fatalf("expected unlimited allow, got %+v, %v", decision, err)
	}
}

func TestAuthorizeConsent(t *testing.T) {
	tests := []struct {
		name    string
		channel domain.Channel
		consent *domain.RecipientConsent
		allowed bool
		reason  domain.DenyReason
	}{
		{"email without record", domain.ChannelEmail, nil, true, ""},
		{"email opted out", domain.ChannelEmail, &domain.RecipientConsent{OptedOut: true}, false, domain.DenyOptedOut},
		{"sms without record", domain.ChannelSMS, nil, false, domain.DenyNoConsent},
		{"sms granted", domain.ChannelSMS, &domain.RecipientConsent{Granted: true}, true, ""},
		{"sms granted then opted out", domain.ChannelSMS, &domain.RecipientConsent{Granted: true, OptedOut: true}, false, domain.DenyOptedOut},
		{"voice not granted", domain.ChannelVoice, &domain.RecipientConsent{}, false, domain.DenyNoConsent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, store, _ := newTestGate(t, domain.TierGrowth)
			if tt.consent != nil {
				c := *tt.consent
				c.ClientID = testClientID
				c.Channel = tt.channel
				store.putConsent(c)
			}
			decision, err := gate.Authorize(context.Background(), AuthorizeRequest{
				ActorID:     testActorID,
				RecipientID: testClientID,
				Channel:     tt.channel,
				Action:      domain.ActionForChannel(tt.channel),
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if decision.Allowed != tt.allowed || decision.Reason != tt.reason {
				t.Fatalf("expected allowed=%v reason=%q, got %+v", tt.allowed, tt.reason, decision)
			}
		})
	}
}

func TestAuthorizeChecksTierBeforeConsent(t *testing.T) {
	gate, store, _ := newTestGate(t, domain.TierFree)
	store.putConsent(domain.RecipientConsent{ClientID: testClientID, Channel: domain.ChannelSMS, OptedOut: true})

	decision, err := gate.Authorize(context.Background(), AuthorizeRequest{
		ActorID:     testActorID,
		RecipientID: testClientID,
		Channel:     domain.ChannelSMS,
		Action:      domain.ActionSMSReminder,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Reason != domain.DenyTierChannel {
		t.Fatalf("expected tier deny first, got %q", decision.Reason)
	}
}

func TestAuthorizeLegacyPaidTier(t *testing.T) {
	gate, _, _ := newTestGate(t, domain.NormalizeTier("paid"))
	decision, err := gate.Authorize(context.Background(), AuthorizeRequest{
		ActorID: testActorID,
		Channel: domain.ChannelSMS,
		Action:  domain.ActionSMSReminder,
	})
	if err != nil || !decision.Allowed || decision.Limit != 100 {
		t.Fatalf("expected legacy paid to behave like growth, got %+v, %v", decision, err)
	}
}

func TestAuthorizeUnknownActor(t *testing.T) {
	gate, _, _ := newTestGate(t, domain.TierFree)
	_, err := gate.Authorize(context.Background(), AuthorizeRequest{ActorID: "ghost", Action: domain.ActionEmailReminder})
	if !errors.Is(err, domain.ErrActorNotFound) {
		t.Fatalf("expected actor not found, got %v", err)
	}
}

func TestIncrementIsIdempotentPerKey(t *testing.T) {
	gate, _, counter := newTestGate(t, domain.TierFree)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := gate.Increment(ctx, testActorID, domain.ActionEmailReminder, "attempt-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := gate.Increment(ctx, testActorID, domain.ActionEmailReminder, "attempt-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := gate.Increment(ctx, testActorID, domain.ActionEmailReminder, " "); err == nil {
		t.Fatal("expected an error for an empty idempotency key")
	}

	start, _ := quotaPeriod(testNow)
	got, _ := counter.Get(ctx, usageKey(testActorID, domain.ActionEmailReminder, start))
	if got != 2 {
		t.Fatalf("expected usage 2, got %d", got)
	}
}

func TestQuotaPeriodRollsOverInUTC(t *testing.T) {
	start, end := quotaPeriod(time.Date(2025, 12, 31, 23, 59, 0, 0, time.FixedZone("x", -5*3600)))
	if !start.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected period %v to %v", start, end)
	}
	if got := usageKey("u", domain.ActionVoiceCall, start); got != "usage:u:voice_call:2026-01" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestPolicyForTierFallsBackToFree(t *testing.T) {
	policy := PolicyForTier("enterprise")
	if policy.Limits[domain.ActionEmailReminder] != 10 || policy.Channels[domain.ChannelSMS] {
		t.Fatalf("expected the free policy, got %+v", policy)
	}
}
