package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/uneseule/uneseule-backend/internal/apperr"
	"github.com/uneseule/uneseule-backend/internal/audit"
	"github.com/uneseule/uneseule-backend/internal/auth"
	"github.com/uneseule/uneseule-backend/internal/cache"
	"github.com/uneseule/uneseule-backend/internal/events"
	"github.com/uneseule/uneseule-backend/internal/models"
	"github.com/uneseule/uneseule-backend/internal/repository"
	"github.com/uneseule/uneseule-backend/internal/voice"
)

// RegisterRequest describes a device announcing itself at first boot
type RegisterRequest struct {
	SerialNumber    string `json:"serial_number"`
	DeviceType      string `json:"device_type"`
	FirmwareVersion string `json:"firmware_version"`
}

// Registration is returned once; the secret is never readable again
type Registration struct {
	Device *models.Device
	Secret string
}

// DeviceService handles device identity, pairing and liveness
type DeviceService struct {
	devices  repository.DeviceRepository
	tokens   repository.TokenRepository
	children repository.ChildRepository
	verifier *auth.DeviceVerifier
	sealer   *auth.Sealer
	provider voice.Provider
	locker   cache.Locker
	lockTTL  time.Duration
	audit    *audit.Service
	events   events.Publisher
	logger   *logrus.Logger
	now      func() time.Time
}

// Register creates an unpaired identity and returns its shared secret
func (s *DeviceService) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	serial := strings.TrimSpace(req.SerialNumber)
	if serial == "" || len(serial) > 64 {
		return nil, apperr.New(apperr.CodeInvalidRequest, "serial_number is required and at most 64 characters")
	}
	if req.DeviceType == "" {
		req.DeviceType = "toy"
	}

	if _, err := s.devices.GetBySerial(ctx, serial); err == nil {
		return nil, apperr.ErrSerialExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup serial: %w", err)
	}

	secret, err := auth.GenerateDeviceSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	sealed, err := s.sealer.Seal(serial, secret)
	if err != nil {
		return nil, fmt.Errorf("seal secret: %w", err)
	}

	now := s.now()
	device := &models.Device{
		ID:              uuid.New(),
		SerialNumber:    serial,
		SealedSecret:    sealed,
		DeviceType:      req.DeviceType,
		FirmwareVersion: req.FirmwareVersion,
		ConnectionState: models.ConnectionOffline,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.devices.Create(ctx, device); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, apperr.ErrSerialExists
		}
		return nil, fmt.Errorf("create device: %w", err)
	}

	s.logger.WithFields(logrus.Fields{"device_id": device.ID, "serial": serial}).Info("Registered device")
	s.audit.Log(ctx, audit.NewEvent(audit.EventDeviceRegister, &device.ID, nil).On("device", serial))

	return &Registration{Device: device, Secret: secret}, nil
}

// Authenticate verifies a signed device request and returns the device.
// Staleness is checked before the identity is looked up.
func (s *DeviceService) Authenticate(ctx context.Context, req auth.SignedRequest) (*models.Device, error) {
	if err := s.verifier.CheckFreshness(req.Timestamp); err != nil {
		return nil, err
	}

	device, err := s.devices.GetBySerial(ctx, req.Serial)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.ErrUnknownDevice
	}
	if err != nil {
		return nil, apperr.ErrUnknownDevice.Wrap(err)
	}

	secret, err := s.sealer.Open(device.SerialNumber, device.SealedSecret)
	if err != nil {
		s.logger.WithField("device_id", device.ID).Error("Device secret cannot be opened")
		return nil, apperr.ErrUnknownDevice.Wrap(err)
	}

	if err := s.verifier.Verify(ctx, req, secret); err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.devices.TouchLastSeen(ctx, device.ID, now); err != nil {
		s.logger.WithError(err).WithField("device_id", device.ID).Warn("Failed to update last seen")
	} else {
		device.LastSeen = &now
	}
	return device, nil
}

// Pair binds the device to a child
func (s *DeviceService) Pair(ctx context.Context, device *models.Device, childID uuid.UUID) (*models.Device, error) {
	child, err := s.children.GetByID(ctx, childID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && !child.IsActive) {
		return nil, apperr.ErrChildNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load child: %w", err)
	}

	if device.IsPaired() {
		return nil, apperr.ErrAlreadyPaired
	}
	if other, err := s.devices.GetByChild(ctx, childID); err == nil && other.ID != device.ID {
		return nil, apperr.ErrChildAlreadyHasDevice
	} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("load child device: %w", err)
	}

	now := s.now()
	if err := s.devices.Pair(ctx, device.ID, childID, now); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, s.pairConflict(ctx, device.ID)
		}
		return nil, fmt.Errorf("pair device: %w", err)
	}

	s.audit.Log(ctx, audit.NewEvent(audit.EventDevicePair, &device.ID, &childID).On("device", device.SerialNumber))

	return s.devices.GetByID(ctx, device.ID)
}

// pairConflict tells a lost race on the device apart from one on the child
func (s *DeviceService) pairConflict(ctx context.Context, deviceID uuid.UUID) error {
	current, err := s.devices.GetByID(ctx, deviceID)
	if err == nil && current.IsPaired() {
		return apperr.ErrAlreadyPaired
	}
	return apperr.ErrChildAlreadyHasDevice
}

// Unpair revokes the device's active tokens, then clears the pairing and
// terminates the revoked upstream sessions best-effort
func (s *DeviceService) Unpair(ctx context.Context, device *models.Device) error {
	if !device.IsPaired() {
		return apperr.ErrNotPaired
	}
	childID := *device.ChildID

	unlock, err := lockPair(ctx, s.locker, device.ID, childID, s.lockTTL)
	if err != nil {
		return err
	}
	now := s.now()
	revoked, err := s.tokens.RevokeForDevice(ctx, device.ID, now)
	if err != nil {
		unlock()
		return fmt.Errorf("revoke tokens: %w", err)
	}
	if err := s.devices.Unpair(ctx, device.ID, now); err != nil {
		unlock()
		return fmt.Errorf("unpair device: %w", err)
	}
	unlock()

	s.terminateRevoked(revoked)

	s.audit.Log(ctx, audit.NewEvent(audit.EventDeviceUnpair, &device.ID, &childID).
		On("device", device.SerialNumber).
		With("revoked_tokens", len(revoked)))
	publish(ctx, s.events, s.logger, events.New(events.TypeDeviceUnpaired, device.ID.String(), map[string]interface{}{
		"device_id": device.ID,
		"child_id":  childID,
	}))
	return nil
}

func (s *DeviceService) terminateRevoked(revoked []*models.SessionToken) {
	for _, t := range revoked {
		if t.SessionRef != "" {
			terminateUpstream(s.provider, s.logger, t.SessionRef)
		}
	}
}

// ReportStatus stores a device status report
func (s *DeviceService) ReportStatus(ctx context.Context, device *models.Device, status models.DeviceStatus) (*models.DeviceHealth, error) {
	if status.BatteryLevel != nil && (*status.BatteryLevel < 0 || *status.BatteryLevel > 100) {
		return nil, apperr.New(apperr.CodeInvalidRequest, "battery_level must be between 0 and 100")
	}
	switch status.ConnectionState {
	case "", models.ConnectionOnline, models.ConnectionOffline, models.ConnectionSleep:
	default:
		return nil, apperr.New(apperr.CodeInvalidRequest, "connection_status must be online, offline or sleep")
	}

	if err := s.devices.UpdateStatus(ctx, device.ID, status, s.now()); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	return s.Health(ctx, device.ID)
}

// Health returns the read-only snapshot of a device
func (s *DeviceService) Health(ctx context.Context, deviceID uuid.UUID) (*models.DeviceHealth, error) {
	device, err := s.devices.GetByID(ctx, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.ErrUnknownDevice
	}
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	status := "healthy"
	if !device.IsActive {
		status = "deactivated"
	} else if !device.IsPaired() {
		status = "unpaired"
	}

	return &models.DeviceHealth{
		Status:          status,
		DeviceID:        device.ID,
		ChildID:         device.ChildID,
		BatteryLevel:    device.BatteryLevel,
		ConnectionState: device.ConnectionState,
		FirmwareVersion: device.FirmwareVersion,
		LastSeen:        device.LastSeen,
		ServerTime:      s.now().UTC(),
	}, nil
}

// Deactivate switches a device off and revokes its tokens
func (s *DeviceService) Deactivate(ctx context.Context, deviceID uuid.UUID) error {
	device, err := s.devices.GetByID(ctx, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.ErrUnknownDevice
	}
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}

	revoked, err := s.deactivate(ctx, device)
	if err != nil {
		return err
	}
	s.terminateRevoked(revoked)

	s.audit.Log(ctx, audit.NewEvent(audit.EventDeviceDeactivate, &deviceID, device.ChildID).
		On("device", device.SerialNumber).
		With("revoked_tokens", len(revoked)))
	return nil
}

// deactivate flips the flag and revokes tokens under the pair lock
func (s *DeviceService) deactivate(ctx context.Context, device *models.Device) ([]*models.SessionToken, error) {
	if device.ChildID != nil {
		unlock, err := lockPair(ctx, s.locker, device.ID, *device.ChildID, s.lockTTL)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	now := s.now()
	if err := s.devices.SetActive(ctx, device.ID, false, now); err != nil {
		return nil, fmt.Errorf("deactivate device: %w", err)
	}
	revoked, err := s.tokens.RevokeForDevice(ctx, device.ID, now)
	if err != nil {
		return nil, fmt.Errorf("revoke tokens: %w", err)
	}
	return revoked, nil
}

// Reactivate switches a device back on unless its child got another device meanwhile
func (s *DeviceService) Reactivate(ctx context.Context, deviceID uuid.UUID) error {
	device, err := s.devices.GetByID(ctx, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.ErrUnknownDevice
	}
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}

	if err := s.devices.SetActive(ctx, deviceID, true, s.now()); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return apperr.ErrChildAlreadyHasDevice
		}
		return fmt.Errorf("reactivate device: %w", err)
	}

	s.audit.Log(ctx, audit.NewEvent(audit.EventDeviceReactivate, &deviceID, device.ChildID).On("device", device.SerialNumber))
	return nil
}
