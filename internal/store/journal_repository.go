package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/recoup/collections-service/internal/domain"
)

const failedCallColumns = `
	id, source, event_id, payload, error, retry_count, next_retry_at, status, created_at, updated_at`

func scanFailedCall(row rowScanner) (*domain.FailedCall, error) {
	var (
		call    domain.FailedCall
		payload []byte
	)
	if err := row.Scan(
		&call.ID,
		&call.Source,
		&call.EventID,
		&payload,
		&call.Error,
		&call.RetryCount,
		&call.NextRetryAt,
		&call.Status,
		&call.CreatedAt,
		&call.UpdatedAt,
	); err != nil {
		return nil, err
	}
	call.Payload = json.RawMessage(payload)
	return &call, nil
}

// RecordFailedCall journals a call for replay. Recording the same (source, event_id) twice
// refreshes the payload and error instead of adding a row.
func (r *Repository) RecordFailedCall(ctx context.Context, call domain.FailedCall) (*domain.FailedCall, error) {
	status := call.Status
	if status == "" {
		status = domain.FailedCallPendingRetry
	}
	payload := []byte(call.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return scanFailedCall(r.db.QueryRow(ctx, `
		INSERT INTO failed_calls (source, event_id, payload, error, retry_count, next_retry_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, NOW(), NOW())
		ON CONFLICT (source, event_id)
		DO UPDATE SET
			payload = EXCLUDED.payload,
			error = EXCLUDED.error,
			retry_count = failed_calls.retry_count + 1,
			status = CASE WHEN failed_calls.status = 'resolved' THEN failed_calls.status ELSE EXCLUDED.status END,
			next_retry_at = EXCLUDED.next_retry_at,
			updated_at = NOW()
		RETURNING `+failedCallColumns,
		call.Source, call.EventID, payload, call.Error, call.NextRetryAt, string(status),
	))
}

// ClaimDueFailedCalls leases pending rows whose retry time has passed. Leased rows get their
// next_retry_at pushed out so a concurrent replayer skips them.
func (r *Repository) ClaimDueFailedCalls(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.FailedCall, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		WITH due AS (
			SELECT id
			FROM failed_calls
			WHERE status = 'pending_retry'
			  AND next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE failed_calls fc
		SET next_retry_at = $2,
		    retry_count = fc.retry_count + 1,
		    updated_at = NOW()
		FROM due
		WHERE fc.id = due.id
		RETURNING `+prefixed("fc", failedCallColumns),
		now, now.Add(lease), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []domain.FailedCall
	for rows.Next() {
		call, err := scanFailedCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *call)
	}
	return calls, rows.Err()
}

// MarkFailedCallResolved closes a journaled call after a successful replay.
func (r *Repository) MarkFailedCallResolved(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE failed_calls
		SET status = 'resolved', error = '', updated_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

// MarkFailedCallRetry schedules another replay attempt.
func (r *Repository) MarkFailedCallRetry(ctx context.Context, id int64, lastErr string, nextRetryAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE failed_calls
		SET status = 'pending_retry', error = $2, next_retry_at = $3, updated_at = NOW()
		WHERE id = $1
	`, id, lastErr, nextRetryAt)
	return err
}

// MarkFailedCallDeadLetter parks a call that will not be replayed again.
func (r *Repository) MarkFailedCallDeadLetter(ctx context.Context, id int64, lastErr string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE failed_calls
		SET status = 'dead_letter', error = $2, updated_at = NOW()
		WHERE id = $1
	`, id, lastErr)
	return err
}
