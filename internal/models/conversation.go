package models

import (
	"time"

	"github.com/google/uuid"
)

// Turn roles
const (
	RoleChild = "user"
	RoleAgent = "agent"
)

// Turn is one utterance in a voice session
type Turn struct {
	Seq       int       `json:"seq" db:"seq"`
	Role      string    `json:"role" db:"role"`
	Text      string    `json:"text" db:"text"`
	Timestamp time.Time `json:"timestamp" db:"spoken_at"`
}

// ConversationRecord holds the transcript and derived state of one upstream session
type ConversationRecord struct {
	ID          uuid.UUID `json:"id" db:"id"`
	ChildID     uuid.UUID `json:"child_id" db:"child_id"`
	DeviceID    uuid.UUID `json:"device_id" db:"device_id"`
	SessionRef  string    `json:"session_ref" db:"session_ref"`
	Summary     string    `json:"summary" db:"summary"`
	Topics      []string  `json:"topics" db:"-"`
	MoodLabel   string    `json:"mood_label,omitempty" db:"mood_label"`
	MoodScore   float64   `json:"mood_score" db:"mood_score"`
	TurnCount   int       `json:"turn_count" db:"turn_count"`
	Turns       []Turn    `json:"turns,omitempty" db:"-"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	LastUpdated time.Time `json:"last_updated" db:"updated_at"`
}

// ConversationUpdate is the incremental change applied by one webhook delivery
type ConversationUpdate struct {
	Turns     []Turn
	Summary   string
	Topics    []string
	MoodLabel string
	MoodScore float64
}

// Analysis carries provider-derived fields of a delivery
type Analysis struct {
	Mood      string   `json:"mood,omitempty"`
	Sentiment *float64 `json:"sentiment,omitempty"`
	Topics    []string `json:"topics,omitempty"`
}

// WebhookDelivery records a processed provider delivery id
type WebhookDelivery struct {
	Provider   string    `db:"provider"`
	DeliveryID string    `db:"delivery_id"`
	ReceivedAt time.Time `db:"received_at"`
}

// IngestOutcome reports what a delivery did to storage
type IngestOutcome string

const (
	IngestApplied        IngestOutcome = "applied"
	IngestDuplicate      IngestOutcome = "duplicate"
	IngestUnknownSession IngestOutcome = "unknown_session"
)
