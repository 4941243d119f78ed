package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/uneseule/uneseule-backend/internal/models"
	"github.com/uneseule/uneseule-backend/internal/repository"
)

const deviceColumns = `id, serial_number, sealed_secret, device_type, firmware_version,
	child_id, paired_at, battery_level, connection_status, last_seen, is_active,
	created_at, updated_at`

// DeviceRepository handles device data access
type DeviceRepository struct {
	db *sqlx.DB
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db *sqlx.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Create inserts a registered, unpaired device
func (r *DeviceRepository) Create(ctx context.Context, device *models.Device) error {
	query := `
		INSERT INTO devices (
			id, serial_number, sealed_secret, device_type, firmware_version,
			connection_status, is_active, created_at, updated_at
		) VALUES (
			:id, :serial_number, :sealed_secret, :device_type, :firmware_version,
			:connection_status, :is_active, :created_at, :updated_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, device); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

func (r *DeviceRepository) get(ctx context.Context, where string, arg interface{}) (*models.Device, error) {
	var device models.Device
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE ` + where
	if err := r.db.GetContext(ctx, &device, query, arg); err != nil {
		return nil, mapNotFound(err)
	}
	return &device, nil
}

// GetByID retrieves a device by ID
func (r *DeviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	return r.get(ctx, "id = $1", id)
}

// GetBySerial retrieves a device by serial number
func (r *DeviceRepository) GetBySerial(ctx context.Context, serial string) (*models.Device, error) {
	return r.get(ctx, "serial_number = $1", serial)
}

// GetByChild retrieves the active device paired with a child
func (r *DeviceRepository) GetByChild(ctx context.Context, childID uuid.UUID) (*models.Device, error) {
	return r.get(ctx, "child_id = $1 AND is_active", childID)
}

// Pair binds an unpaired device to a child
func (r *DeviceRepository) Pair(ctx context.Context, deviceID, childID uuid.UUID, at time.Time) error {
	query := `
		UPDATE devices
		SET child_id = $2, paired_at = $3, updated_at = $3
		WHERE id = $1 AND child_id IS NULL`

	res, err := r.db.ExecContext(ctx, query, deviceID, childID, at)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("failed to pair device: %w", err)
	}
	return r.requireRow(ctx, res, deviceID)
}

// requireRow turns a zero-row conditional update into ErrNotFound or ErrConflict
func (r *DeviceRepository) requireRow(ctx context.Context, res sql.Result, deviceID uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := r.GetByID(ctx, deviceID); err != nil {
		return err
	}
	return repository.ErrConflict
}

func (r *DeviceRepository) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Unpair clears the child binding
func (r *DeviceRepository) Unpair(ctx context.Context, deviceID uuid.UUID, at time.Time) error {
	return r.exec(ctx,
		`UPDATE devices SET child_id = NULL, paired_at = NULL, updated_at = $2 WHERE id = $1`,
		deviceID, at)
}

// SetActive switches the activity flag
func (r *DeviceRepository) SetActive(ctx context.Context, deviceID uuid.UUID, active bool, at time.Time) error {
	return r.exec(ctx,
		`UPDATE devices SET is_active = $2, updated_at = $3 WHERE id = $1`,
		deviceID, active, at)
}

// TouchLastSeen records liveness
func (r *DeviceRepository) TouchLastSeen(ctx context.Context, deviceID uuid.UUID, at time.Time) error {
	return r.exec(ctx,
		`UPDATE devices SET last_seen = $2 WHERE id = $1`,
		deviceID, at)
}

// UpdateStatus stores a device status report
func (r *DeviceRepository) UpdateStatus(ctx context.Context, deviceID uuid.UUID, status models.DeviceStatus, at time.Time) error {
	query := `
		UPDATE devices SET
			battery_level = COALESCE($2, battery_level),
			connection_status = COALESCE(NULLIF($3, ''), connection_status),
			firmware_version = COALESCE(NULLIF($4, ''), firmware_version),
			last_seen = $5,
			updated_at = $5
		WHERE id = $1`

	return r.exec(ctx, query,
		deviceID, status.BatteryLevel, status.ConnectionState, status.FirmwareVersion, at)
}
