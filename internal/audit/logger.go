package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/uneseule/uneseule-backend/internal/models"
	"github.com/uneseule/uneseule-backend/internal/repository"
)

// EventType represents the type of audit event
type EventType string

const (
	EventDeviceRegister   EventType = "device.register"
	EventDevicePair       EventType = "device.pair"
	EventDeviceUnpair     EventType = "device.unpair"
	EventDeviceDeactivate EventType = "device.deactivate"
	EventDeviceReactivate EventType = "device.reactivate"
	EventTokenIssue       EventType = "token.issue"
	EventTokenRenew       EventType = "token.renew"
	EventUnknownSession   EventType = "webhook.unknown_session"
	EventPaymentApplied   EventType = "payment.applied"
)

// Result values
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Event represents an audit event
type Event struct {
	ID           uuid.UUID              `json:"id"`
	EventType    EventType              `json:"event_type"`
	DeviceID     *uuid.UUID             `json:"device_id,omitempty"`
	ChildID      *uuid.UUID             `json:"child_id,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	Resource     string                 `json:"resource,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Result       string                 `json:"result,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Service records audit events. Recording never fails the calling operation.
type Service struct {
	repo   repository.AuditRepository
	logger *logrus.Logger
}

// NewService creates a new audit service
func NewService(repo repository.AuditRepository, logger *logrus.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
	}
}

// Log records an audit event; storage errors are logged and swallowed
func (s *Service) Log(ctx context.Context, event *Event) {
	entry := &models.AuditLog{
		ID:           event.ID,
		DeviceID:     event.DeviceID,
		ChildID:      event.ChildID,
		Action:       string(event.EventType),
		ResourceType: event.Resource,
		ResourceID:   event.ResourceID,
		IPAddress:    event.IPAddress,
		Metadata:     models.JSONB(event.Metadata),
		Status:       event.Result,
		ErrorMessage: event.ErrorMessage,
		CreatedAt:    event.CreatedAt,
	}

	if err := s.repo.Log(ctx, entry); err != nil {
		s.logger.WithError(err).WithField("event_type", event.EventType).Warn("Failed to write audit log")
	}
}

// Recent retrieves the newest system-wide audit events
func (s *Service) Recent(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	logs, err := s.repo.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}

	events := make([]*Event, len(logs))
	for i, log := range logs {
		events[i] = &Event{
			ID:           log.ID,
			EventType:    EventType(log.Action),
			DeviceID:     log.DeviceID,
			ChildID:      log.ChildID,
			IPAddress:    log.IPAddress,
			Resource:     log.ResourceType,
			ResourceID:   log.ResourceID,
			Result:       log.Status,
			ErrorMessage: log.ErrorMessage,
			Metadata:     map[string]interface{}(log.Metadata),
			CreatedAt:    log.CreatedAt,
		}
	}

	return events, nil
}

// NewEvent creates a successful event for a device and child
func NewEvent(eventType EventType, deviceID, childID *uuid.UUID) *Event {
	return &Event{
		ID:        uuid.New(),
		EventType: eventType,
		DeviceID:  deviceID,
		ChildID:   childID,
		Result:    ResultSuccess,
		CreatedAt: time.Now().UTC(),
		Metadata:  make(map[string]interface{}),
	}
}

// On sets the resource the event refers to
func (e *Event) On(resource, id string) *Event {
	e.Resource = resource
	e.ResourceID = id
	return e
}

// With adds a metadata field
func (e *Event) With(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
