package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/uneseule/uneseule-backend/internal/models"
)

// AuditLogRepository handles audit log data access
type AuditLogRepository struct {
	db *sqlx.DB
}

// NewAuditLogRepository creates a new audit log repository
func NewAuditLogRepository(db *sqlx.DB) *AuditLogRepository {
	return &AuditLogRepository{db: db}
}

// Log creates a new audit log entry
func (r *AuditLogRepository) Log(ctx context.Context, entry *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (
			id, device_id, child_id, action, resource_type, resource_id,
			ip_address, metadata, status, error_message, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.DeviceID, entry.ChildID, entry.Action, entry.ResourceType, entry.ResourceID,
		entry.IPAddress, entry.Metadata, entry.Status, entry.ErrorMessage, entry.CreatedAt,
	)
	return err
}

// Recent gets the newest audit logs
func (r *AuditLogRepository) Recent(ctx context.Context, limit int) ([]*models.AuditLog, error) {
	var entries []*models.AuditLog
	query := `
		SELECT id, device_id, child_id, action, resource_type, resource_id,
			ip_address, metadata, status, error_message, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1`

	err := r.db.SelectContext(ctx, &entries, query, limit)
	return entries, err
}
