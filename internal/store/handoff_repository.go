package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/recoup/collections-service/internal/domain"
)

const handoffColumns = `
	id, invoice_id, user_id, agency_id, agency_name, commission_percent, original_amount,
	outstanding_amount, days_overdue, status, recovery_outcome, recovered_amount,
	external_reference, created_at, updated_at`

func scanHandoff(row rowScanner) (*domain.AgencyHandoff, error) {
	var h domain.AgencyHandoff
	if err := row.Scan(
		&h.ID,
		&h.InvoiceID,
		&h.UserID,
		&h.AgencyID,
		&h.AgencyName,
		&h.CommissionPercent,
		&h.OriginalAmount,
		&h.OutstandingAmount,
		&h.DaysOverdue,
		&h.Status,
		&h.RecoveryOutcome,
		&h.RecoveredAmount,
		&h.ExternalReference,
		&h.CreatedAt,
		&h.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &h, nil
}

// CreateHandoff inserts the agency referral for an invoice. An invoice has at most one handoff;
// when it already exists the stored row is returned with created=false.
func (r *Repository) CreateHandoff(ctx context.Context, handoff domain.AgencyHandoff) (*domain.AgencyHandoff, bool, error) {
	created, err := scanHandoff(r.db.QueryRow(ctx, `
		INSERT INTO agency_handoffs (
			id, invoice_id, user_id, agency_id, agency_name, commission_percent, original_amount,
			outstanding_amount, days_overdue, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (invoice_id) DO NOTHING
		RETURNING `+handoffColumns,
		handoff.ID,
		handoff.InvoiceID,
		handoff.UserID,
		handoff.AgencyID,
		handoff.AgencyName,
		handoff.CommissionPercent,
		handoff.OriginalAmount,
		handoff.OutstandingAmount,
		handoff.DaysOverdue,
		string(domain.HandoffPending),
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert agency handoff: %w", err)
	}

	existing, err := r.GetHandoffByInvoiceID(ctx, handoff.InvoiceID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetHandoff retrieves a handoff by id.
func (r *Repository) GetHandoff(ctx context.Context, handoffID string) (*domain.AgencyHandoff, error) {
	h, err := scanHandoff(r.db.QueryRow(ctx, `SELECT `+handoffColumns+` FROM agency_handoffs WHERE id = $1`, handoffID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrHandoffNotFound
		}
		return nil, err
	}
	return h, nil
}

// GetHandoffByInvoiceID retrieves the handoff created for an invoice.
func (r *Repository) GetHandoffByInvoiceID(ctx context.Context, invoiceID string) (*domain.AgencyHandoff, error) {
	h, err := scanHandoff(r.db.QueryRow(ctx, `SELECT `+handoffColumns+` FROM agency_handoffs WHERE invoice_id = $1`, invoiceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrHandoffNotFound
		}
		return nil, err
	}
	return h, nil
}

// MarkHandoffSubmitted stores the agency's reference once the referral was accepted.
func (r *Repository) MarkHandoffSubmitted(ctx context.Context, handoffID, externalRef string) error {
	// A handoff the agency already moved past pending keeps its status.
	_, err := r.db.Exec(ctx, `
		UPDATE agency_handoffs
		SET status = 'submitted',
		    external_reference = $2,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending'
	`, handoffID, externalRef)
	return err
}

// AppendHandoffUpdate records an agency status report and applies it to the handoff.
func (r *Repository) AppendHandoffUpdate(ctx context.Context, params HandoffUpdateParams) (*domain.AgencyHandoff, error) {
	var handoff *domain.AgencyHandoff
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		updated, err := scanHandoff(tx.QueryRow(ctx, `
			UPDATE agency_handoffs
			SET status = $2,
			    recovery_outcome = COALESCE($3, recovery_outcome),
			    recovered_amount = COALESCE($4, recovered_amount),
			    external_reference = COALESCE($5, external_reference),
			    outstanding_amount = CASE
			        WHEN $4::numeric IS NULL THEN outstanding_amount
			        ELSE GREATEST(original_amount - $4::numeric, 0)
			    END,
			    updated_at = NOW()
			WHERE id = $1
			RETURNING `+handoffColumns,
			params.HandoffID,
			string(params.Status),
			params.RecoveryOutcome,
			params.RecoveredAmount,
			params.ExternalRef,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrHandoffNotFound
			}
			return fmt.Errorf("failed to update agency handoff: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO agency_handoff_updates (handoff_id, status, note, recovered_amount, created_at)
			VALUES ($1, $2, $3, $4, NOW())
		`, params.HandoffID, string(params.Status), params.Note, params.RecoveredAmount); err != nil {
			return fmt.Errorf("failed to append handoff update: %w", err)
		}

		handoff = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handoff, nil
}
