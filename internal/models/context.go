package models

import "github.com/google/uuid"

// SessionContext primes an upstream voice session
type SessionContext struct {
	ChildID           uuid.UUID `json:"child_id"`
	ChildName         string    `json:"child_name"`
	ChildAge          int       `json:"child_age"`
	PersonalityTraits []string  `json:"personality_traits"`
	Summary           string    `json:"summary,omitempty"`
	Topics            []string  `json:"topics,omitempty"`
	RecentTurns       []Turn    `json:"recent_turns"`
	// Truncated is set when recent turns were dropped to fit the size budget
	Truncated bool `json:"truncated,omitempty"`
}
