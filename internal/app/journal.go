/**
 * @description
 * Failure journal. Events the service could not deliver or process are stored in failed_calls
 * and replayed with backoff until they succeed or are parked as dead letters.
 */
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/recoup/collections-service/internal/domain"
	"github.com/recoup/collections-service/pkg/resilient"
)

const (
	defaultReplayBatch = 100
	defaultReplayLease = 2 * time.Minute
)

// JournalStore persists failed calls.
type JournalStore interface {
	RecordFailedCall(ctx context.Context, call domain.FailedCall) (*domain.FailedCall, error)
	ClaimDueFailedCalls(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.FailedCall, error)
	MarkFailedCallResolved(ctx context.Context, id int64) error
	MarkFailedCallRetry(ctx context.Context, id int64, lastErr string, nextRetryAt time.Time) error
	MarkFailedCallDeadLetter(ctx context.Context, id int64, lastErr string) error
}

// ReplayHandler re-runs one journaled call. Returning a resilient.Permanent error dead-letters it.
type ReplayHandler func(ctx context.Context, call domain.FailedCall) error

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	Claimed      int `json:"claimed"`
	Resolved     int `json:"resolved"`
	Rescheduled  int `json:"rescheduled"`
	DeadLettered int `json:"dead_lettered"`
}

// Journal records failed calls and replays them.
type Journal struct {
	store      JournalStore
	maxRetries int
	batch      int
	lease      time.Duration
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.RWMutex
	handlers map[string]ReplayHandler
}

// NewJournal creates a new journal.
func NewJournal(store JournalStore, maxRetries int, metrics *Metrics, logger *slog.Logger) *Journal {
	if maxRetries <= 0 {
		maxRetries = 8
	}
	return &Journal{
		store:      store,
		maxRetries: maxRetries,
		batch:      defaultReplayBatch,
		lease:      defaultReplayLease,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
		handlers:   make(map[string]ReplayHandler),
	}
}

// Register installs the replay handler for a source. A handler registered for
// domain.SourceWebhookPrefix serves every webhook:<provider> source.
func (j *Journal) Register(source string, handler ReplayHandler) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.handlers[source] = handler
}

func (j *Journal) handlerFor(source string) (ReplayHandler, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if h, ok := j.handlers[source]; ok {
		return h, true
	}
	if strings.HasPrefix(source, domain.SourceWebhookPrefix) {
		h, ok := j.handlers[domain.SourceWebhookPrefix]
		return h, ok
	}
	return nil, false
}

// Record journals a call for replay.
func (j *Journal) Record(ctx context.Context, source, eventID string, payload interface{}, cause error) error {
	return j.write(ctx, source, eventID, payload, cause, domain.FailedCallPendingRetry)
}

// DeadLetter journals a call that can never succeed, keeping it for inspection.
func (j *Journal) DeadLetter(ctx context.Context, source, eventID string, payload interface{}, cause error) error {
	return j.write(ctx, source, eventID, payload, cause, domain.FailedCallDeadLetter)
}

func (j *Journal) write(ctx context.Context, source, eventID string, payload interface{}, cause error, status domain.FailedCallStatus) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode journal payload: %w", err)
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}

	// The caller's request may already be cancelled; the record must still land.
	ctx = context.WithoutCancel(ctx)
	if _, err := j.store.RecordFailedCall(ctx, domain.FailedCall{
		Source:      source,
		EventID:     eventID,
		Payload:     body,
		Error:       message,
		NextRetryAt: j.now().Add(time.Duration(retryDelaySeconds(0)) * time.Second),
		Status:      status,
	}); err != nil {
		return fmt.Errorf("failed to journal %s call: %w", source, err)
	}

	j.metrics.failedCall(source, string(status))
	j.logger.Warn("call journaled", "source", source, "event_id", eventID, "status", status, "error", message)
	return nil
}

// Replay claims due calls and re-runs them through their handlers.
func (j *Journal) Replay(ctx context.Context) (ReplayResult, error) {
	var result ReplayResult

	calls, err := j.store.ClaimDueFailedCalls(ctx, j.now(), j.lease, j.batch)
	if err != nil {
		return result, fmt.Errorf("failed to claim journaled calls: %w", err)
	}
	result.Claimed = len(calls)

	for _, call := range calls {
		status, err := j.replayOne(ctx, call)
		if err != nil {
			j.logger.Error("failed to update journaled call", "id", call.ID, "source", call.Source, "error", err)
			continue
		}
		switch status {
		case domain.FailedCallResolved:
			result.Resolved++
		case domain.FailedCallDeadLetter:
			result.DeadLettered++
		default:
			result.Rescheduled++
		}
		j.metrics.failedCall(call.Source, string(status))
	}

	if result.Claimed > 0 {
		j.logger.Info("journal replay finished",
			"claimed", result.Claimed,
			"resolved", result.Resolved,
			"rescheduled", result.Rescheduled,
			"dead_lettered", result.DeadLettered,
		)
	}
	return result, nil
}

func (j *Journal) replayOne(ctx context.Context, call domain.FailedCall) (domain.FailedCallStatus, error) {
	handler, ok := j.handlerFor(call.Source)
	if !ok {
		return domain.FailedCallDeadLetter, j.store.MarkFailedCallDeadLetter(ctx, call.ID, "no replay handler for source "+call.Source)
	}

	err := handler(ctx, call)
	if err == nil {
		return domain.FailedCallResolved, j.store.MarkFailedCallResolved(ctx, call.ID)
	}

	// retry_count was bumped when the call was claimed.
	if resilient.IsPermanent(err) || call.RetryCount >= j.maxRetries {
		j.logger.Warn("journaled call dead-lettered", "id", call.ID, "source", call.Source, "retries", call.RetryCount, "error", err)
		return domain.FailedCallDeadLetter, j.store.MarkFailedCallDeadLetter(ctx, call.ID, err.Error())
	}

	next := j.now().Add(time.Duration(retryDelaySeconds(call.RetryCount)) * time.Second)
	return domain.FailedCallPendingRetry, j.store.MarkFailedCallRetry(ctx, call.ID, err.Error(), next)
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << minInt(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
