package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/uneseule/uneseule-backend/internal/models"
)

// ChildRepository reads child profiles owned by the parent app
type ChildRepository struct {
	db *sqlx.DB
}

// NewChildRepository creates a new child repository
func NewChildRepository(db *sqlx.DB) *ChildRepository {
	return &ChildRepository{db: db}
}

// GetByID retrieves a child profile
func (r *ChildRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Child, error) {
	var row struct {
		models.Child
		Traits pq.StringArray `db:"personality_traits"`
	}
	query := `
		SELECT id, user_id, name, birth_date, personality_traits, is_active
		FROM children WHERE id = $1`

	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, mapNotFound(err)
	}
	child := row.Child
	child.PersonalityTraits = []string(row.Traits)
	return &child, nil
}

// EntitlementRepository reads and updates subscriptions
type EntitlementRepository struct {
	db *sqlx.DB
}

// NewEntitlementRepository creates a new entitlement repository
func NewEntitlementRepository(db *sqlx.DB) *EntitlementRepository {
	return &EntitlementRepository{db: db}
}

// GetForUser retrieves the subscription of a parent account
func (r *EntitlementRepository) GetForUser(ctx context.Context, userID uuid.UUID) (*models.Entitlement, error) {
	var ent models.Entitlement
	query := `SELECT user_id, plan_type, status, expires_at FROM subscriptions WHERE user_id = $1`
	if err := r.db.GetContext(ctx, &ent, query, userID); err != nil {
		return nil, mapNotFound(err)
	}
	return &ent, nil
}

// ApplyPaymentEvent deduplicates the event and upserts the subscription in one transaction
func (r *EntitlementRepository) ApplyPaymentEvent(ctx context.Context, event models.PaymentEvent, receivedAt time.Time) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (provider, delivery_id, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, delivery_id) DO NOTHING`,
		event.Provider, event.EventID, receivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record payment event: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		return false, nil
	}

	tier := event.Tier
	if !models.ValidTier(tier) {
		tier = ""
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, plan_type, status, expires_at, updated_at)
		VALUES ($1, COALESCE(NULLIF($2, ''), 'free'), COALESCE(NULLIF($3, ''), 'trial'), $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			plan_type = COALESCE(NULLIF($2, ''), subscriptions.plan_type),
			status = COALESCE(NULLIF($3, ''), subscriptions.status),
			expires_at = COALESCE($4, subscriptions.expires_at),
			updated_at = $5`,
		event.UserID, string(tier), string(event.Status), event.ExpiresAt, receivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to update subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit payment event: %w", err)
	}
	return true, nil
}
