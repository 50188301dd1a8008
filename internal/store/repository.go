/**
 * @description
 * Data access layer for the collections service.
 * Every write that races with a concurrent sweep or request is a conditional UPDATE
 * on version (or on a claim token) and reports domain.ErrVersionConflict when it loses.
 */
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recoup/collections-service/internal/domain"
)

const uniqueViolation = "23505"

// Repository handles database operations for collections.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// withTx runs fn inside a transaction, committing only when fn succeeds.
func (r *Repository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FindActorIDByClerkUserID resolves the internal user id from a Clerk user id string.
func (r *Repository) FindActorIDByClerkUserID(ctx context.Context, clerkUserID string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, "SELECT id FROM users WHERE clerk_user_id = $1", clerkUserID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrActorNotFound
		}
		return "", err
	}
	return id, nil
}

// GetActor loads an issuer and normalizes its subscription tier.
func (r *Repository) GetActor(ctx context.Context, actorID string) (*domain.Actor, error) {
	var (
		actor domain.Actor
		tier  *string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, COALESCE(clerk_user_id, ''), COALESCE(email, ''), subscription_tier
		FROM users
		WHERE id = $1
	`, actorID).Scan(&actor.ID, &actor.ClerkUserID, &actor.Email, &tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrActorNotFound
		}
		return nil, err
	}
	if tier != nil {
		actor.Tier = domain.NormalizeTier(*tier)
	} else {
		actor.Tier = domain.TierFree
	}
	return &actor, nil
}

// GetConsent returns the recipient's consent for a channel, or nil when none was ever recorded.
func (r *Repository) GetConsent(ctx context.Context, clientID string, channel domain.Channel) (*domain.RecipientConsent, error) {
	var consent domain.RecipientConsent
	err := r.db.QueryRow(ctx, `
		SELECT client_id, channel, granted, opted_out, opted_out_at, updated_at
		FROM recipient_consents
		WHERE client_id = $1 AND channel = $2
	`, clientID, string(channel)).Scan(
		&consent.ClientID,
		&consent.Channel,
		&consent.Granted,
		&consent.OptedOut,
		&consent.OptedOutAt,
		&consent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &consent, nil
}

// RecordOptOut marks a recipient as opted out of a channel.
func (r *Repository) RecordOptOut(ctx context.Context, clientID string, channel domain.Channel, at time.Time) error {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return errors.New("client id is required")
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO recipient_consents (client_id, channel, granted, opted_out, opted_out_at, updated_at)
		VALUES ($1, $2, FALSE, TRUE, $3, NOW())
		ON CONFLICT (client_id, channel)
		DO UPDATE SET opted_out = TRUE, opted_out_at = EXCLUDED.opted_out_at, updated_at = NOW()
	`, clientID, string(channel), at)
	return err
}

// prefixed qualifies every column in a comma separated list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
