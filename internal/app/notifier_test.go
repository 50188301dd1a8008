package app

import (
	"context"
	"errors"
	"testing"

	"github.com/recoup/collections-service/internal/domain"
	"github.com/recoup/collections-service/pkg/providerclient"
	"github.com/recoup/collections-service/pkg/resilient"
)

// stubGate answers Authorize per channel and records increments.
type stubGate struct {
	decisions  map[domain.Channel]Decision
	err        error
	increments []string
}

func (g *stubGate) Authorize(ctx context.Context, req AuthorizeRequest) (Decision, error) {
	if g.err != nil {
		return Decision{}, g.err
	}
	if d, ok := g.decisions[req.Channel]; ok {
		return d, nil
	}
	return Decision{Allowed: true}, nil
}

func (g *stubGate) Increment(ctx context.Context, actorID string, action domain.Action, idempotencyKey string) error {
	g.increments = append(g.increments, string(action)+":"+idempotencyKey)
	return nil
}

func newTestNotifier(gate Gate, provider Provider) *Notifier {
	n := NewNotifier(gate, provider, nil, discardLogger())
	n.now = fixedClock(testNow)
	return n
}

func finalMix() []domain.Channel {
	return []domain.Channel{domain.ChannelLetter, domain.ChannelVoice, domain.ChannelEmail}
}

func TestSendFallsBackAfterDeny(t *testing.T) {
	gate := &stubGate{decisions: map[domain.Channel]Decision{
		domain.ChannelLetter: {Allowed: false, Reason: domain.DenyQuota},
	}}
	provider := newStubProvider()
	provider.on(domain.ChannelVoice, answer(providerclient.StatusDelivered, "completed"))
	n := newTestNotifier(gate, provider)
	invoice := overdueInvoice("inv-1", 31)

	attempt, err := n.Send(context.Background(), &invoice, domain.LevelFinal, finalMix())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempt.Channel != domain.ChannelVoice || attempt.Result != domain.AttemptSuccess {
		t.Fatalf("expected successful voice attempt, got %+v", attempt)
	}
	if len(gate.increments) != 1 || gate.increments[0] != "voice_call:"+attempt.ID {
		t.Fatalf("expected one voice increment keyed by attempt, got %v", gate.increments)
	}
	sent := provider.sent()
	if len(sent) != 1 || sent[0].Reference != attempt.ID {
		t.Fatalf("expected one send referencing the attempt, got %+v", sent)
	}
}

func TestSendSkipsChannelWithoutContact(t *testing.T) {
	gate := &stubGate{}
	provider := newStubProvider()
	n := newTestNotifier(gate, provider)
	invoice := overdueInvoice("inv-1", 31)
	invoice.ClientAddress = nil
	invoice.ClientPhone = nil

	attempt, err := n.Send(context.Background(), &invoice, domain.LevelFinal, finalMix())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempt.Channel != domain.ChannelEmail {
		t.Fatalf("expected email, got %s", attempt.Channel)
	}
}

func TestSendAllDeniedReturnsLastReason(t *testing.T) {
	gate := &stubGate{decisions: map[domain.Channel]Decision{
		domain.ChannelLetter: {Reason: domain.DenyTierChannel},
		domain.ChannelVoice:  {Reason: domain.DenyNoConsent},
		domain.ChannelEmail:  {Reason: domain.DenyOptedOut},
	}}
	n := newTestNotifier(gate, newStubProvider())
	invoice := overdueInvoice("inv-1", 31)

	attempt, err := n.Send(context.Background(), &invoice, domain.LevelFinal, finalMix())
	if attempt != nil {
		t.Fatalf("expected no attempt, got %+v", attempt)
	}
	var denied *domain.DeniedError
	if !errors.As(err, &denied) || denied.Reason != domain.DenyOptedOut {
		t.Fatalf("expected opted-out deny, got %v", err)
	}
	if !errors.Is(err, domain.ErrDenied) {
		t.Fatal("expected error to match ErrDenied")
	}
}

func TestSendTransientErrorWinsOverFailedAttempt(t *testing.T) {
	provider := newStubProvider()
	provider.on(domain.ChannelLetter, answer(providerclient.StatusFailed, "address invalid"))
	provider.on(domain.ChannelVoice, failWith(resilient.Transient(errors.New("connection reset"))))
	provider.on(domain.ChannelEmail, failWith(&resilient.StatusError{StatusCode: 400}))
	n := newTestNotifier(&stubGate{}, provider)
	invoice := overdueInvoice("inv-1", 31)

	attempt, err := n.Send(context.Background(), &invoice, domain.LevelFinal, finalMix())
	if attempt != nil {
		t.Fatalf("expected no attempt, got %+v", attempt)
	}
	if !resilient.IsRetryable(err) {
		t.Fatalf("expected a retryable error, got %v", err)
	}
}

func TestSendFailedAttemptWinsOverDeny(t *testing.T) {
	gate := &stubGate{decisions: map[domain.Channel]Decision{
		domain.ChannelVoice: {Reason: domain.DenyNoConsent},
		domain.ChannelEmail: {Reason: domain.DenyQuota},
	}}
	provider := newStubProvider()
	provider.on(domain.ChannelLetter, failWith(&resilient.StatusError{StatusCode: 422, Body: "undeliverable"}))
	n := newTestNotifier(gate, provider)
	invoice := overdueInvoice("inv-1", 31)

	attempt, err := n.Send(context.Background(), &invoice, domain.LevelFinal, finalMix())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempt.Channel != domain.ChannelLetter || attempt.Result != domain.AttemptFailed || attempt.FailureReason == nil {
		t.Fatalf("expected failed letter attempt, got %+v", attempt)
	}
	if len(gate.increments) != 0 {
		t.Fatalf("expected no quota use, got %v", gate.increments)
	}
}

func TestSendAuthorizeErrorStops(t *testing.T) {
	provider := newStubProvider()
	n := newTestNotifier(&stubGate{err: errors.New("redis down")}, provider)
	invoice := overdueInvoice("inv-1", 6)

	if _, err := n.Send(context.Background(), &invoice, domain.LevelGentle, []domain.Channel{domain.ChannelEmail}); err == nil {
		t.Fatal("expected an error")
	}
	if len(provider.sent()) != 0 {
		t.Fatal("expected no sends")
	}
}

func TestSendCancelledContextStops(t *testing.T) {
	provider := newStubProvider()
	provider.on(domain.ChannelSMS, failWith(context.Canceled))
	n := newTestNotifier(&stubGate{}, provider)
	invoice := overdueInvoice("inv-1", 16)

	_, err := n.Send(context.Background(), &invoice, domain.LevelFirm, []domain.Channel{domain.ChannelSMS, domain.ChannelEmail})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(provider.sent()) != 1 {
		t.Fatalf("expected the email fallback to be skipped, got %d sends", len(provider.sent()))
	}
}

func TestSendSingleChannelMix(t *testing.T) {
	provider := newStubProvider()
	n := newTestNotifier(&stubGate{}, provider)
	invoice := overdueInvoice("inv-1", 6)

	attempt, err := n.Send(context.Background(), &invoice, domain.LevelGentle, []domain.Channel{domain.ChannelSMS})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempt.Channel != domain.ChannelSMS || attempt.ProviderMessageID == nil {
		t.Fatalf("unexpected attempt: %+v", attempt)
	}
}
