package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uneseule/uneseule-backend/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a uniqueness constraint rejects a write
	ErrConflict = errors.New("conflict")
)

// DeviceRepository defines device identity storage operations
type DeviceRepository interface {
	Create(ctx context.Context, device *models.Device) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error)
	GetBySerial(ctx context.Context, serial string) (*models.Device, error)
	// GetByChild returns the active device paired with childID
	GetByChild(ctx context.Context, childID uuid.UUID) (*models.Device, error)
	// Pair binds an unpaired device; ErrConflict if the device is already
	// paired or the child already has an active device
	Pair(ctx context.Context, deviceID, childID uuid.UUID, at time.Time) error
	Unpair(ctx context.Context, deviceID uuid.UUID, at time.Time) error
	SetActive(ctx context.Context, deviceID uuid.UUID, active bool, at time.Time) error
	TouchLastSeen(ctx context.Context, deviceID uuid.UUID, at time.Time) error
	UpdateStatus(ctx context.Context, deviceID uuid.UUID, status models.DeviceStatus, at time.Time) error
}

// TokenRepository defines session token storage operations
type TokenRepository interface {
	// GetActive returns the token in state active for the pair, which may be past expiry
	GetActive(ctx context.Context, deviceID, childID uuid.UUID) (*models.SessionToken, error)
	// Create inserts an active token; ErrConflict if the pair already has one
	Create(ctx context.Context, token *models.SessionToken) error
	Extend(ctx context.Context, id uuid.UUID, expiresAt, renewedAt time.Time) error
	MarkExpired(ctx context.Context, id uuid.UUID) error
	// RevokeForDevice revokes every active token of the device and returns them
	RevokeForDevice(ctx context.Context, deviceID uuid.UUID, at time.Time) ([]*models.SessionToken, error)
	// ExpireStale marks active tokens past expiry as expired
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// UpdateFunc computes the change for a conversation record held under the
// ingestion transaction
type UpdateFunc func(rec *models.ConversationRecord) (*models.ConversationUpdate, error)

// ConversationRepository defines conversation and delivery storage operations
type ConversationRepository interface {
	Create(ctx context.Context, rec *models.ConversationRecord) error
	// GetBySessionRef returns the record with all of its turns
	GetBySessionRef(ctx context.Context, sessionRef string) (*models.ConversationRecord, error)
	// Latest returns the most recently updated record for the child
	Latest(ctx context.Context, childID uuid.UUID) (*models.ConversationRecord, error)
	// LatestWithTurns returns the most recently updated record that has turns,
	// carrying at most limit of its newest turns in order
	LatestWithTurns(ctx context.Context, childID uuid.UUID, limit int) (*models.ConversationRecord, error)
	// ApplyDelivery records the delivery and applies fn to the matching record
	// as one unit; nothing is kept if fn or any write fails
	ApplyDelivery(ctx context.Context, delivery models.WebhookDelivery, sessionRef string, fn UpdateFunc) (models.IngestOutcome, *models.ConversationRecord, error)
	// DeleteDeliveriesBefore evicts delivery records received before cutoff
	DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ChildRepository reads child profiles
type ChildRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Child, error)
}

// EntitlementRepository reads and updates subscription state
type EntitlementRepository interface {
	GetForUser(ctx context.Context, userID uuid.UUID) (*models.Entitlement, error)
	// ApplyPaymentEvent records the event id in the delivery store and updates the
	// entitlement together; returns false when the event was already seen
	ApplyPaymentEvent(ctx context.Context, event models.PaymentEvent, receivedAt time.Time) (bool, error)
}

// AuditRepository defines audit log storage operations
type AuditRepository interface {
	Log(ctx context.Context, entry *models.AuditLog) error
	Recent(ctx context.Context, limit int) ([]*models.AuditLog, error)
}
