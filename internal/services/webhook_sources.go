package services

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/uneseule/uneseule-backend/internal/apperr"
	"github.com/uneseule/uneseule-backend/internal/auth"
	"github.com/uneseule/uneseule-backend/internal/models"
)

// Voice webhook source names
const (
	SourceElevenLabs = "elevenlabs"
	SourceGeneric    = "generic"

	// GenericSignatureHeader carries the hex HMAC of generic voice webhooks
	GenericSignatureHeader = "X-Webhook-Signature"
)

// Delivery is a parsed voice webhook
type Delivery struct {
	ID         string
	Type       string
	SessionRef string
	Turns      []models.Turn
	Analysis   *models.Analysis
}

// VoiceSource verifies and parses one provider's webhook format
type VoiceSource interface {
	Name() string
	Scheme() auth.SignatureScheme
	// Parse validates the payload; errors are MalformedWebhook
	Parse(body []byte) (*Delivery, error)
}

// NewVoiceSource returns the source for a provider name
func NewVoiceSource(name, secret string, tolerance time.Duration) (VoiceSource, error) {
	switch name {
	case SourceElevenLabs:
		return &elevenLabsSource{scheme: auth.NewElevenLabsScheme(secret, tolerance)}, nil
	case SourceGeneric:
		return &genericSource{scheme: auth.NewHexScheme(GenericSignatureHeader, secret)}, nil
	}
	return nil, fmt.Errorf("unknown voice webhook provider %q", name)
}

func malformed(format string, args ...interface{}) error {
	return apperr.ErrMalformedWebhook.WithMessage(fmt.Sprintf(format, args...))
}

func normalizeRole(role string) (string, bool) {
	switch strings.ToLower(role) {
	case "user", "child":
		return models.RoleChild, true
	case "agent", "assistant", "toy":
		return models.RoleAgent, true
	}
	return "", false
}

type elevenLabsSource struct {
	scheme auth.SignatureScheme
}

type elevenLabsEnvelope struct {
	Type           string `json:"type"`
	EventTimestamp int64  `json:"event_timestamp"`
	Data           struct {
		ConversationID string `json:"conversation_id"`
		Transcript     []struct {
			Role           string  `json:"role"`
			Message        *string `json:"message"`
			TimeInCallSecs float64 `json:"time_in_call_secs"`
		} `json:"transcript"`
		Metadata struct {
			StartTimeUnixSecs int64 `json:"start_time_unix_secs"`
		} `json:"metadata"`
		Analysis *models.Analysis `json:"analysis"`
	} `json:"data"`
}

func (s *elevenLabsSource) Name() string                 { return SourceElevenLabs }
func (s *elevenLabsSource) Scheme() auth.SignatureScheme { return s.scheme }

func (s *elevenLabsSource) Parse(body []byte) (*Delivery, error) {
	var env elevenLabsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}
	if env.Type == "" || env.EventTimestamp == 0 || env.Data.ConversationID == "" {
		return nil, malformed("type, event_timestamp and data.conversation_id are required")
	}

	start := env.Data.Metadata.StartTimeUnixSecs
	if start == 0 {
		start = env.EventTimestamp
	}

	d := &Delivery{
		// the provider sends no delivery id; the triple is stable across redeliveries
		ID:         fmt.Sprintf("%s:%s:%d", env.Data.ConversationID, env.Type, env.EventTimestamp),
		Type:       env.Type,
		SessionRef: env.Data.ConversationID,
		Analysis:   env.Data.Analysis,
	}
	for i, t := range env.Data.Transcript {
		role, ok := normalizeRole(t.Role)
		if !ok {
			return nil, malformed("transcript[%d]: unknown role %q", i, t.Role)
		}
		if t.Message == nil || strings.TrimSpace(*t.Message) == "" {
			continue
		}
		at := time.Unix(start, 0).Add(time.Duration(t.TimeInCallSecs * float64(time.Second))).UTC()
		d.Turns = append(d.Turns, models.Turn{Role: role, Text: *t.Message, Timestamp: at})
	}
	return d, nil
}

type genericSource struct {
	scheme auth.SignatureScheme
}

type genericEnvelope struct {
	DeliveryID string `json:"delivery_id"`
	Type       string `json:"type"`
	SessionRef string `json:"session_ref"`
	Turns      []struct {
		Role      string    `json:"role"`
		Text      string    `json:"text"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"turns"`
	Analysis *models.Analysis `json:"analysis"`
}

func (s *genericSource) Name() string                 { return SourceGeneric }
func (s *genericSource) Scheme() auth.SignatureScheme { return s.scheme }

func (s *genericSource) Parse(body []byte) (*Delivery, error) {
	var env genericEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}
	if env.DeliveryID == "" || env.SessionRef == "" {
		return nil, malformed("delivery_id and session_ref are required")
	}

	d := &Delivery{ID: env.DeliveryID, Type: env.Type, SessionRef: env.SessionRef, Analysis: env.Analysis}
	for i, t := range env.Turns {
		role, ok := normalizeRole(t.Role)
		if !ok {
			return nil, malformed("turns[%d]: unknown role %q", i, t.Role)
		}
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		d.Turns = append(d.Turns, models.Turn{Role: role, Text: t.Text, Timestamp: t.Timestamp.UTC()})
	}
	return d, nil
}
