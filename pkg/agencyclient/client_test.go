package agencyclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/recoup/collections-service/pkg/resilient"
)

func testCaller() *resilient.Client {
	return resilient.NewClient(
		resilient.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		resilient.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
	)
}

func testReferral() Referral {
	return Referral{
		HandoffID:         "handoff-1",
		InvoiceID:         "inv-1",
		InvoiceReference:  "INV-1001",
		DebtorName:        "Acme Ltd",
		OutstandingAmount: "500.00",
		Currency:          "GBP",
		DaysOverdue:       61,
		CommissionPercent: "15.00",
	}
}

func TestSubmitReturnsAgencyReference(t *testing.T) {
	var got Referral
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/referrals" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer agency-key" {
			t.Errorf("missing bearer token")
		}
		if r.Header.Get("Idempotency-Key") != "handoff-1" {
			t.Errorf("expected the handoff id as idempotency key, got %q", r.Header.Get("Idempotency-Key"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"reference":"AG-778"}`))
	}))
	defer server.Close()

	client := NewClient(testCaller(), server.URL+"/", " agency-key ")
	ref, err := client.Submit(context.Background(), testReferral())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref != "AG-778" {
		t.Fatalf("unexpected reference %q", ref)
	}
	if got.DaysOverdue != 61 || got.OutstandingAmount != "500.00" {
		t.Fatalf("agency received %+v", got)
	}
}

func TestSubmitRetriesUnavailableAgency(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"reference":"AG-1"}`))
	}))
	defer server.Close()

	client := NewClient(testCaller(), server.URL, "")
	if _, err := client.Submit(context.Background(), testReferral()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestSubmitFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"rejected referral", http.StatusUnprocessableEntity, `{"error":"duplicate"}`, false},
		{"missing reference", http.StatusOK, `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(testCaller(), server.URL, "")
			_, err := client.Submit(context.Background(), testReferral())
			if err == nil || resilient.IsRetryable(err) != tt.retryable {
				t.Fatalf("expected retryable=%v error, got %v", tt.retryable, err)
			}
		})
	}
}

func TestSubmitWithoutURLIsPermanent(t *testing.T) {
	client := NewClient(testCaller(), "", "")
	_, err := client.Submit(context.Background(), testReferral())
	if !resilient.IsPermanent(err) {
		t.Fatalf("expected permanent configuration error, got %v", err)
	}
}
