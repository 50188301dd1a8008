package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/recoup/collections-service/internal/domain"
)

const confirmationColumns = `
	id, invoice_id, user_id, token_hash, token_expires_at, status, expected_amount,
	client_amount, client_method, client_paid_on, client_notes, client_confirmed_at,
	verified_at, verified_by, cancelled_at, cancel_reason, version, created_at, updated_at`

func scanConfirmation(row rowScanner) (*domain.PaymentConfirmation, error) {
	var c domain.PaymentConfirmation
	if err := row.Scan(
		&c.ID,
		&c.InvoiceID,
		&c.UserID,
		&c.TokenHash,
		&c.TokenExpiresAt,
		&c.Status,
		&c.ExpectedAmount,
		&c.ClientAmount,
		&c.ClientMethod,
		&c.ClientPaidOn,
		&c.ClientNotes,
		&c.ClientConfirmedAt,
		&c.VerifiedAt,
		&c.VerifiedBy,
		&c.CancelledAt,
		&c.CancelReason,
		&c.Version,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

func collectConfirmations(rows pgx.Rows) ([]domain.PaymentConfirmation, error) {
	defer rows.Close()
	var out []domain.PaymentConfirmation
	for rows.Next() {
		c, err := scanConfirmation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CreateConfirmation opens a confirmation for an invoice. Only one open confirmation may exist
// per invoice; a second one fails with ErrConfirmationActive.
func (r *Repository) CreateConfirmation(ctx context.Context, c domain.PaymentConfirmation) (*domain.PaymentConfirmation, error) {
	created, err := scanConfirmation(r.db.QueryRow(ctx, `
		INSERT INTO payment_confirmations (
			id, invoice_id, user_id, token_hash, token_expires_at, status, expected_amount,
			version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, 'pending_client', $6, 1, NOW(), NOW())
		RETURNING `+confirmationColumns,
		c.ID, c.InvoiceID, c.UserID, c.TokenHash, c.TokenExpiresAt, c.ExpectedAmount,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrConfirmationActive
		}
		return nil, fmt.Errorf("failed to insert payment confirmation: %w", err)
	}
	return created, nil
}

// GetConfirmationByID retrieves a confirmation.
func (r *Repository) GetConfirmationByID(ctx context.Context, id string) (*domain.PaymentConfirmation, error) {
	c, err := scanConfirmation(r.db.QueryRow(ctx, `SELECT `+confirmationColumns+` FROM payment_confirmations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrConfirmationNotFound
		}
		return nil, err
	}
	return c, nil
}

// GetConfirmationByTokenHash looks up the confirmation behind a payer link.
func (r *Repository) GetConfirmationByTokenHash(ctx context.Context, tokenHash string) (*domain.PaymentConfirmation, error) {
	c, err := scanConfirmation(r.db.QueryRow(ctx, `SELECT `+confirmationColumns+` FROM payment_confirmations WHERE token_hash = $1`, tokenHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrConfirmationNotFound
		}
		return nil, err
	}
	return c, nil
}

// RecordClientClaim moves a pending confirmation to client_confirmed.
func (r *Repository) RecordClientClaim(ctx context.Context, params ClientClaimParams) (*domain.PaymentConfirmation, error) {
	c, err := scanConfirmation(r.db.QueryRow(ctx, `
		UPDATE payment_confirmations
		SET status = 'client_confirmed',
		    client_amount = $3,
		    client_method = $4,
		    client_paid_on = $5,
		    client_notes = $6,
		    client_confirmed_at = $7,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
		  AND version = $2
		  AND status = 'pending_client'
		  AND token_expires_at > $7
		RETURNING `+confirmationColumns,
		params.ConfirmationID,
		params.ExpectedVersion,
		params.Amount,
		string(params.Method),
		params.PaidOn,
		params.Notes,
		params.Now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrVersionConflict
		}
		return nil, err
	}
	return c, nil
}

// SettleConfirmation completes a client-confirmed claim, marks the invoice paid and writes
// the settlement row in one transaction.
func (r *Repository) SettleConfirmation(ctx context.Context, params SettleParams) (*domain.PaymentConfirmation, *domain.Settlement, error) {
	var (
		confirmation *domain.PaymentConfirmation
		settlement   *domain.Settlement
	)
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		c, err := scanConfirmation(tx.QueryRow(ctx, `
			UPDATE payment_confirmations
			SET status = 'both_confirmed',
			    verified_at = $3,
			    verified_by = $4,
			    version = version + 1,
			    updated_at = NOW()
			WHERE id = $1
			  AND version = $2
			  AND status = 'client_confirmed'
			  AND (NOT $5::boolean OR token_expires_at > $3)
			RETURNING `+confirmationColumns,
			params.ConfirmationID, params.ExpectedVersion, params.Now, params.VerifiedBy, params.RequireLiveToken,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrVersionConflict
			}
			return fmt.Errorf("failed to verify payment confirmation: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE invoices
			SET status = 'paid',
			    paid_at = $2,
			    next_reminder_at = NULL,
			    escalation_claim_token = NULL,
			    escalation_claim_level = NULL,
			    escalation_claim_expires_at = NULL,
			    version = version + 1,
			    updated_at = NOW()
			WHERE id = $1
			  AND status NOT IN ('paid', 'cancelled')
		`, c.InvoiceID, params.Now)
		if err != nil {
			return fmt.Errorf("failed to mark invoice paid: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrInvoiceClosed
		}

		s := domain.Settlement{
			ID:             params.SettlementID,
			InvoiceID:      c.InvoiceID,
			ConfirmationID: c.ID,
			Amount:         params.Amount,
			Method:         params.Method,
			PaidOn:         params.PaidOn,
			VerifiedBy:     params.VerifiedBy,
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO settlements (id, invoice_id, confirmation_id, amount, method, paid_on, verified_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			RETURNING created_at
		`, s.ID, s.InvoiceID, s.ConfirmationID, s.Amount, string(s.Method), s.PaidOn, s.VerifiedBy).Scan(&s.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert settlement: %w", err)
		}

		confirmation = c
		settlement = &s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return confirmation, settlement, nil
}

// CancelConfirmation closes a confirmation that is still in one of the given statuses.
func (r *Repository) CancelConfirmation(ctx context.Context, params CancelConfirmationParams) (*domain.PaymentConfirmation, error) {
	statuses := make([]string, 0, len(params.FromStatuses))
	for _, s := range params.FromStatuses {
		statuses = append(statuses, string(s))
	}
	c, err := scanConfirmation(r.db.QueryRow(ctx, `
		UPDATE payment_confirmations
		SET status = 'cancelled',
		    cancelled_at = $4,
		    cancel_reason = $5,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
		  AND version = $2
		  AND status = ANY($3)
		  AND (NOT $6::boolean OR token_expires_at > $4)
		RETURNING `+confirmationColumns,
		params.ConfirmationID, params.ExpectedVersion, statuses, params.Now, params.Reason, params.RequireLiveToken,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrVersionConflict
		}
		return nil, err
	}
	return c, nil
}

// ExpireConfirmations moves open confirmations past their token expiry to expired.
func (r *Repository) ExpireConfirmations(ctx context.Context, now time.Time, limit int) ([]domain.PaymentConfirmation, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.Query(ctx, `
		WITH due AS (
			SELECT id
			FROM payment_confirmations
			WHERE status IN ('pending_client', 'client_confirmed')
			  AND token_expires_at <= $1
			ORDER BY token_expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE payment_confirmations pc
		SET status = 'expired',
		    version = pc.version + 1,
		    updated_at = NOW()
		FROM due
		WHERE pc.id = due.id
		RETURNING `+prefixed("pc", confirmationColumns),
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectConfirmations(rows)
}

// ListExpiredConfirmations returns open confirmations in the given status whose token has expired.
func (r *Repository) ListExpiredConfirmations(ctx context.Context, now time.Time, status domain.ConfirmationStatus, limit int) ([]domain.PaymentConfirmation, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+confirmationColumns+`
		FROM payment_confirmations
		WHERE status = $2
		  AND token_expires_at <= $1
		ORDER BY token_expires_at
		LIMIT $3
	`, now, string(status), limit)
	if err != nil {
		return nil, err
	}
	return collectConfirmations(rows)
}
