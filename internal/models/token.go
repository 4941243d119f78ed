package models

import (
	"time"

	"github.com/google/uuid"
)

// TokenState is the lifecycle state of a session token
type TokenState string

const (
	TokenActive  TokenState = "active"
	TokenExpired TokenState = "expired"
	TokenRevoked TokenState = "revoked"
)

// SessionToken authorizes a device's direct connection to the voice upstream
type SessionToken struct {
	ID         uuid.UUID  `json:"-" db:"id"`
	Token      string     `json:"token" db:"token"`
	DeviceID   uuid.UUID  `json:"device_id" db:"device_id"`
	ChildID    uuid.UUID  `json:"child_id" db:"child_id"`
	SessionRef string     `json:"session_ref" db:"session_ref"`
	ConnectURL string     `json:"connect_url,omitempty" db:"connect_url"`
	AccessKey  string     `json:"access_token,omitempty" db:"access_key"`
	State      TokenState `json:"state" db:"state"`
	IssuedAt   time.Time  `json:"issued_at" db:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	RenewedAt  *time.Time `json:"renewed_at,omitempty" db:"renewed_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// IsLive reports whether the token is active and not past its expiry at now
func (t *SessionToken) IsLive(now time.Time) bool {
	return t.State == TokenActive && now.Before(t.ExpiresAt)
}

// ExtendedExpiry returns the expiry after a renewal at now; it never moves backwards
func (t *SessionToken) ExtendedExpiry(now time.Time, ttl time.Duration) time.Time {
	candidate := now.Add(ttl)
	if candidate.After(t.ExpiresAt) {
		return candidate
	}
	return t.ExpiresAt
}
