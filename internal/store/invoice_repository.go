package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/recoup/collections-service/internal/domain"
)

const invoiceColumns = `
	id, user_id, client_id, client_name, client_email, client_phone, client_address, reference,
	amount, currency, due_date, status, escalation_level, collections_enabled, escalation_paused,
	gentle_sent_at, firm_sent_at, final_sent_at, agency_sent_at, next_reminder_at, paid_at,
	escalation_claim_token, escalation_claim_level, escalation_claim_expires_at,
	version, created_at, updated_at`

const attemptColumns = `
	id, invoice_id, user_id, channel, attempt_number, reminder_level, result,
	provider_message_id, recovered_amount, failure_reason, attempted_at`

func scanInvoice(row rowScanner) (*domain.Invoice, error) {
	var invoice domain.Invoice
	if err := row.Scan(
		&invoice.ID,
		&invoice.UserID,
		&invoice.ClientID,
		&invoice.ClientName,
		&invoice.ClientEmail,
		&invoice.ClientPhone,
		&invoice.ClientAddress,
		&invoice.Reference,
		&invoice.Amount,
		&invoice.Currency,
		&invoice.DueDate,
		&invoice.Status,
		&invoice.EscalationLevel,
		&invoice.CollectionsEnabled,
		&invoice.EscalationPaused,
		&invoice.GentleSentAt,
		&invoice.FirmSentAt,
		&invoice.FinalSentAt,
		&invoice.AgencySentAt,
		&invoice.NextReminderAt,
		&invoice.PaidAt,
		&invoice.ClaimToken,
		&invoice.ClaimLevel,
		&invoice.ClaimExpiresAt,
		&invoice.Version,
		&invoice.CreatedAt,
		&invoice.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func scanAttempt(row rowScanner) (*domain.CollectionAttempt, error) {
	var attempt domain.CollectionAttempt
	if err := row.Scan(
		&attempt.ID,
		&attempt.InvoiceID,
		&attempt.UserID,
		&attempt.Channel,
		&attempt.AttemptNumber,
		&attempt.ReminderLevel,
		&attempt.Result,
		&attempt.ProviderMessageID,
		&attempt.RecoveredAmount,
		&attempt.FailureReason,
		&attempt.AttemptedAt,
	); err != nil {
		return nil, err
	}
	return &attempt, nil
}

// GetInvoiceByID retrieves an invoice.
func (r *Repository) GetInvoiceByID(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	invoice, err := scanInvoice(r.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, invoiceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return invoice, nil
}

// ListEscalationCandidates returns invoices that may be due for their next reminder.
// The state machine makes the final decision; this query only narrows the scan.
func (r *Repository) ListEscalationCandidates(ctx context.Context, params ListCandidatesParams) ([]domain.Invoice, error) {
	if params.Limit <= 0 {
		params.Limit = 500
	}
	timezone := "UTC"
	if params.Location != nil {
		timezone = params.Location.String()
	}
	query := `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE status IN ('sent', 'overdue', 'in_collections')
		  AND collections_enabled
		  AND NOT escalation_paused
		  AND escalation_level <> 'agency'
		  AND (due_date AT TIME ZONE $4)::date <= (($1::timestamptz AT TIME ZONE $4)::date - $2::int)
		  AND (next_reminder_at IS NULL OR next_reminder_at <= $1)
		  AND (escalation_claim_expires_at IS NULL OR escalation_claim_expires_at <= $1)
		  AND NOT EXISTS (
			SELECT 1
			FROM payment_confirmations pc
			WHERE pc.invoice_id = invoices.id
			  AND pc.status IN ('client_confirmed', 'both_confirmed')
		  )
		ORDER BY due_date
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, params.Now, params.MinOverdueDays, params.Limit, timezone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []domain.Invoice
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *invoice)
	}
	return invoices, rows.Err()
}

// HasBlockingConfirmation reports whether a payment claim currently suspends collections for the invoice.
func (r *Repository) HasBlockingConfirmation(ctx context.Context, invoiceID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM payment_confirmations
			WHERE invoice_id = $1
			  AND status IN ('client_confirmed', 'both_confirmed')
		)
	`, invoiceID).Scan(&exists)
	return exists, err
}

// ClaimEscalation leases the invoice for one level advance. It fails with ErrVersionConflict when the
// invoice moved since it was read, is no longer eligible, or another sweep holds a live claim.
func (r *Repository) ClaimEscalation(ctx context.Context, params ClaimEscalationParams) (*domain.Invoice, error) {
	query := `
		UPDATE invoices
		SET escalation_claim_token = $4,
		    escalation_claim_level = $5,
		    escalation_claim_expires_at = $6,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
		  AND version = $2
		  AND escalation_level = $3
		  AND status IN ('sent', 'overdue', 'in_collections')
		  AND collections_enabled
		  AND NOT escalation_paused
		  AND (escalation_claim_expires_at IS NULL OR escalation_claim_expires_at <= $7)
		  AND NOT EXISTS (
			SELECT 1
			FROM payment_confirmations pc
			WHERE pc.invoice_id = invoices.id
			  AND pc.status IN ('client_confirmed', 'both_confirmed')
		  )
		RETURNING ` + invoiceColumns
	invoice, err := scanInvoice(r.db.QueryRow(ctx, query,
		params.InvoiceID,
		params.ExpectedVersion,
		string(params.FromLevel),
		params.ClaimToken,
		string(params.ToLevel),
		params.LeaseUntil,
		params.Now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrVersionConflict
		}
		return nil, err
	}
	return invoice, nil
}

// CommitEscalation inserts the attempt and advances the level held by the claim.
func (r *Repository) CommitEscalation(ctx context.Context, params CommitEscalationParams) (*domain.Invoice, error) {
	var invoice *domain.Invoice
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		updated, err := scanInvoice(tx.QueryRow(ctx, `
			UPDATE invoices
			SET escalation_level = CASE WHEN status IN ('paid', 'cancelled') THEN escalation_level ELSE $3::text END,
			    gentle_sent_at = CASE WHEN $3::text = 'gentle' THEN $4 ELSE gentle_sent_at END,
			    firm_sent_at = CASE WHEN $3::text = 'firm' THEN $4 ELSE firm_sent_at END,
			    final_sent_at = CASE WHEN $3::text = 'final' THEN $4 ELSE final_sent_at END,
			    agency_sent_at = CASE WHEN $3::text = 'agency' THEN $4 ELSE agency_sent_at END,
			    next_reminder_at = CASE WHEN status IN ('paid', 'cancelled') THEN NULL ELSE $5 END,
			    status = CASE WHEN status IN ('sent', 'overdue') THEN 'in_collections' ELSE status END,
			    escalation_claim_token = NULL,
			    escalation_claim_level = NULL,
			    escalation_claim_expires_at = NULL,
			    version = version + 1,
			    updated_at = NOW()
			WHERE id = $1
			  AND escalation_claim_token = $2
			RETURNING `+invoiceColumns,
			params.InvoiceID,
			params.ClaimToken,
			string(params.Level),
			params.SentAt,
			params.NextReminderAt,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrVersionConflict
			}
			return fmt.Errorf("failed to advance invoice: %w", err)
		}

		a := params.Attempt
		if _, err := tx.Exec(ctx, `
			INSERT INTO collection_attempts (
				id, invoice_id, user_id, channel, attempt_number, reminder_level, result,
				provider_message_id, recovered_amount, failure_reason, attempted_at
			)
			SELECT $1, $2, $3, $4, COALESCE(MAX(attempt_number), 0) + 1, $5, $6, $7, $8, $9, $10
			FROM collection_attempts
			WHERE invoice_id = $2
		`, a.ID, params.InvoiceID, a.UserID, string(a.Channel), string(a.ReminderLevel), string(a.Result),
			a.ProviderMessageID, a.RecoveredAmount, a.FailureReason, a.AttemptedAt); err != nil {
			return fmt.Errorf("failed to insert collection attempt: %w", err)
		}

		invoice = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

// ReleaseEscalation drops a claim without advancing so the next sweep retries the level.
func (r *Repository) ReleaseEscalation(ctx context.Context, invoiceID, claimToken string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE invoices
		SET escalation_claim_token = NULL,
		    escalation_claim_level = NULL,
		    escalation_claim_expires_at = NULL,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
		  AND escalation_claim_token = $2
	`, invoiceID, claimToken)
	return err
}

// SetEscalationPaused toggles the issuer's pause flag.
func (r *Repository) SetEscalationPaused(ctx context.Context, invoiceID string, paused bool) (*domain.Invoice, error) {
	invoice, err := scanInvoice(r.db.QueryRow(ctx, `
		UPDATE invoices
		SET escalation_paused = $2,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+invoiceColumns, invoiceID, paused))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return invoice, nil
}

// ListAttempts returns the attempt history for an invoice in send order.
func (r *Repository) ListAttempts(ctx context.Context, invoiceID string) ([]domain.CollectionAttempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM collection_attempts
		WHERE invoice_id = $1
		ORDER BY attempt_number
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.CollectionAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *attempt)
	}
	return attempts, rows.Err()
}

// ResolvePendingAttempt sets the final result of an attempt that was still pending.
// It returns false when no pending attempt carries the provider message id.
func (r *Repository) ResolvePendingAttempt(ctx context.Context, providerMessageID string, result domain.AttemptResult, reason *string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE collection_attempts
		SET result = $2,
		    failure_reason = COALESCE($3, failure_reason)
		WHERE provider_message_id = $1
		  AND result = 'pending'
	`, providerMessageID, string(result), reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
