package postgres

import (
	"github.com/jmoiron/sqlx"
	"github.com/uneseule/uneseule-backend/internal/repository"
)

var (
	_ repository.DeviceRepository       = (*DeviceRepository)(nil)
	_ repository.TokenRepository        = (*TokenRepository)(nil)
	_ repository.ConversationRepository = (*ConversationRepository)(nil)
	_ repository.ChildRepository        = (*ChildRepository)(nil)
	_ repository.EntitlementRepository  = (*EntitlementRepository)(nil)
	_ repository.AuditRepository        = (*AuditLogRepository)(nil)
)

// Repositories groups the PostgreSQL implementations
type Repositories struct {
	Devices       *DeviceRepository
	Tokens        *TokenRepository
	Conversations *ConversationRepository
	Children      *ChildRepository
	Entitlements  *EntitlementRepository
	Audit         *AuditLogRepository
}

// NewRepositories builds every repository over one connection pool
func NewRepositories(db *sqlx.DB) *Repositories {
	return &Repositories{
		Devices:       NewDeviceRepository(db),
		Tokens:        NewTokenRepository(db),
		Conversations: NewConversationRepository(db),
		Children:      NewChildRepository(db),
		Entitlements:  NewEntitlementRepository(db),
		Audit:         NewAuditLogRepository(db),
	}
}
