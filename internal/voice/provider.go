// Package voice defines the narrow client surface of the external voice-AI
// upstream and the guard that bounds every call to it.
package voice

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uneseule/uneseule-backend/internal/models"
)

// SessionRequest asks the upstream for a new conversation session
type SessionRequest struct {
	DeviceID uuid.UUID
	ChildID  uuid.UUID
	Context  *models.SessionContext
	TTL      time.Duration
}

// Session is what the device needs to talk to the upstream directly
type Session struct {
	// SessionRef identifies the session in webhooks
	SessionRef  string
	ConnectURL  string
	AccessToken string
}

// Provider is a voice upstream client
type Provider interface {
	Name() string
	CreateUpstreamSession(ctx context.Context, req SessionRequest) (*Session, error)
	// TerminateUpstreamSession ends a session; unknown sessions are not an error
	TerminateUpstreamSession(ctx context.Context, sessionRef string) error
}
