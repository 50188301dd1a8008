package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/recoup/collections-service/internal/domain"
	"github.com/recoup/collections-service/pkg/resilient"
)

type publishedMessage struct {
	exchange   string
	routingKey string
	body       json.RawMessage
}

// stubBroker implements rabbitmq.Publisher.
type stubBroker struct {
	mu       sync.Mutex
	err      error
	messages []publishedMessage
}

func (b *stubBroker) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	raw, _ := body.(json.RawMessage)
	b.messages = append(b.messages, publishedMessage{exchange: exchange, routingKey: routingKey, body: raw})
	return nil
}

func (b *stubBroker) Close() {}

type failingRecorder struct{}

func (failingRecorder) Record(ctx context.Context, source, eventID string, payload interface{}, cause error) error {
	return errors.New("journal unavailable")
}

func TestEventBusPublishes(t *testing.T) {
	broker := &stubBroker{}
	retrier := &immediateRetrier{}
	bus := NewEventBus(broker, retrier, nil, "collections", discardLogger())

	event := EscalatedEvent{InvoiceID: "inv-1", From: domain.LevelPending, To: domain.LevelGentle, OccurredAt: testNow}
	if err := bus.Publish(context.Background(), "collections.escalated", event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(broker.messages) != 1 || retrier.calls != 1 {
		t.Fatalf("expected one publish, got %+v", broker.messages)
	}
	msg := broker.messages[0]
	if msg.exchange != "collections" || msg.routingKey != "collections.escalated" {
		t.Fatalf("unexpected message %+v", msg)
	}
	var decoded EscalatedEvent
	if err := json.Unmarshal(msg.body, &decoded); err != nil || decoded.To != domain.LevelGentle {
		t.Fatalf("unexpected body %s", msg.body)
	}
}

func TestEventBusJournalsUndeliveredEvents(t *testing.T) {
	broker := &stubBroker{err: errors.New("connection closed")}
	store := newMemStore()
	journal := NewJournal(store, 3, nil, discardLogger())
	journal.now = fixedClock(testNow)
	bus := NewEventBus(broker, &immediateRetrier{}, journal, "collections", discardLogger())
	journal.Register(domain.SourceEventPublish, bus.ReplayPublish)

	if err := bus.Publish(context.Background(), "payment.confirmed", ConfirmationEvent{ConfirmationID: "c-1"}); err != nil {
		t.Fatalf("expected the journal to absorb the failure, got %v", err)
	}
	calls := store.failedCalls()
	if len(calls) != 1 || calls[0].Source != domain.SourceEventPublish || calls[0].EventID == "" {
		t.Fatalf("unexpected journal %+v", calls)
	}

	broker.err = nil
	journal.now = fixedClock(testNow.Add(time.Minute))
	result, err := journal.Replay(context.Background())
	if err != nil || result.Resolved != 1 {
		t.Fatalf("expected replay to resolve, got %+v, %v", result, err)
	}
	if len(broker.messages) != 1 || broker.messages[0].routingKey != "payment.confirmed" || broker.messages[0].exchange != "collections" {
		t.Fatalf("unexpected replayed message %+v", broker.messages)
	}
	var decoded ConfirmationEvent
	if err := json.Unmarshal(broker.messages[0].body, &decoded); err != nil || decoded.ConfirmationID != "c-1" {
		t.Fatalf("unexpected replayed body %s", broker.messages[0].body)
	}
}

func TestEventBusFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("without journal", func(t *testing.T) {
		bus := NewEventBus(&stubBroker{err: errors.New("down")}, &immediateRetrier{}, nil, "collections", discardLogger())
		if err := bus.Publish(ctx, "collections.escalated", EscalatedEvent{}); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("journal failure", func(t *testing.T) {
		bus := NewEventBus(&stubBroker{err: errors.New("down")}, &immediateRetrier{}, failingRecorder{}, "collections", discardLogger())
		if err := bus.Publish(ctx, "collections.escalated", EscalatedEvent{}); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("unencodable payload", func(t *testing.T) {
		broker := &stubBroker{}
		bus := NewEventBus(broker, &immediateRetrier{}, nil, "collections", discardLogger())
		err := bus.Publish(ctx, "collections.escalated", func() {})
		if !resilient.IsPermanent(err) || len(broker.messages) != 0 {
			t.Fatalf("expected a permanent error and no publish, got %v", err)
		}
	})

	t.Run("invalid replay payload", func(t *testing.T) {
		bus := NewEventBus(&stubBroker{}, &immediateRetrier{}, nil, "collections", discardLogger())
		err := bus.ReplayPublish(ctx, domain.FailedCall{Payload: []byte(`{"exchange":"collections"}`)})
		if !resilient.IsPermanent(err) {
			t.Fatalf("expected a permanent error, got %v", err)
		}
	})
}
