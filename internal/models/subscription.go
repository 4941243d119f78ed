package models

import (
	"time"

	"github.com/google/uuid"
)

// Tier is a subscription plan
type Tier string

const (
	TierFree    Tier = "free"
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

// SubscriptionStatus is the billing state of a subscription
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusTrial     SubscriptionStatus = "trial"
	StatusExpired   SubscriptionStatus = "expired"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// Entitlement is the subscription view the protocol core reads
type Entitlement struct {
	UserID    uuid.UUID          `json:"user_id" db:"user_id"`
	Tier      Tier               `json:"tier" db:"plan_type"`
	Status    SubscriptionStatus `json:"status" db:"status"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty" db:"expires_at"`
}

// Allows reports whether the entitlement permits new voice sessions at now
func (e *Entitlement) Allows(now time.Time) bool {
	if e.Status != StatusActive && e.Status != StatusTrial {
		return false
	}
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

// ValidTier reports whether t is a known tier
func ValidTier(t Tier) bool {
	switch t {
	case TierFree, TierBasic, TierPremium:
		return true
	}
	return false
}

// Child is the read-only child profile used for pairing and context
type Child struct {
	ID                uuid.UUID `json:"id" db:"id"`
	UserID            uuid.UUID `json:"user_id" db:"user_id"`
	Name              string    `json:"name" db:"name"`
	BirthDate         time.Time `json:"birth_date" db:"birth_date"`
	PersonalityTraits []string  `json:"personality_traits" db:"-"`
	IsActive          bool      `json:"is_active" db:"is_active"`
}

// AgeAt returns the child's age in whole years at now
func (c *Child) AgeAt(now time.Time) int {
	years := now.Year() - c.BirthDate.Year()
	if now.Month() < c.BirthDate.Month() ||
		(now.Month() == c.BirthDate.Month() && now.Day() < c.BirthDate.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

// PaymentEvent is a normalized subscription change from a payment provider
type PaymentEvent struct {
	Provider  string
	EventID   string
	Type      string
	UserID    uuid.UUID
	Tier      Tier
	Status    SubscriptionStatus
	ExpiresAt *time.Time
}
