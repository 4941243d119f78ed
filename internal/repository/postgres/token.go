package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/uneseule/uneseule-backend/internal/models"
	"github.com/uneseule/uneseule-backend/internal/repository"
)

const tokenColumns = `id, token, device_id, child_id, session_ref, connect_url, access_key,
	state, issued_at, expires_at, renewed_at, revoked_at`

// TokenRepository handles session token data access
type TokenRepository struct {
	db *sqlx.DB
}

// NewTokenRepository creates a new token repository
func NewTokenRepository(db *sqlx.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// GetActive retrieves the active token for a device/child pair
func (r *TokenRepository) GetActive(ctx context.Context, deviceID, childID uuid.UUID) (*models.SessionToken, error) {
	var token models.SessionToken
	query := `SELECT ` + tokenColumns + ` FROM session_tokens
		WHERE device_id = $1 AND child_id = $2 AND state = 'active'`

	if err := r.db.GetContext(ctx, &token, query, deviceID, childID); err != nil {
		return nil, mapNotFound(err)
	}
	return &token, nil
}

// Create inserts a token; the partial unique index rejects a second active token
func (r *TokenRepository) Create(ctx context.Context, token *models.SessionToken) error {
	query := `
		INSERT INTO session_tokens (
			id, token, device_id, child_id, session_ref, connect_url, access_key,
			state, issued_at, expires_at
		) VALUES (
			:id, :token, :device_id, :child_id, :session_ref, :connect_url, :access_key,
			:state, :issued_at, :expires_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("failed to create session token: %w", err)
	}
	return nil
}

// Extend moves the expiry forward; GREATEST keeps it from ever shrinking
func (r *TokenRepository) Extend(ctx context.Context, id uuid.UUID, expiresAt, renewedAt time.Time) error {
	query := `
		UPDATE session_tokens
		SET expires_at = GREATEST(expires_at, $2), renewed_at = $3
		WHERE id = $1 AND state = 'active'`

	res, err := r.db.ExecContext(ctx, query, id, expiresAt, renewedAt)
	if err != nil {
		return fmt.Errorf("failed to extend session token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkExpired retires a lapsed active token
func (r *TokenRepository) MarkExpired(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE session_tokens SET state = 'expired' WHERE id = $1 AND state = 'active'`, id)
	return err
}

// RevokeForDevice revokes all active tokens of a device
func (r *TokenRepository) RevokeForDevice(ctx context.Context, deviceID uuid.UUID, at time.Time) ([]*models.SessionToken, error) {
	var tokens []*models.SessionToken
	query := `
		UPDATE session_tokens
		SET state = 'revoked', revoked_at = $2
		WHERE device_id = $1 AND state = 'active'
		RETURNING ` + tokenColumns

	if err := r.db.SelectContext(ctx, &tokens, query, deviceID, at); err != nil {
		return nil, fmt.Errorf("failed to revoke session tokens: %w", err)
	}
	return tokens, nil
}

// ExpireStale marks every lapsed active token expired
func (r *TokenRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE session_tokens SET state = 'expired' WHERE state = 'active' AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
