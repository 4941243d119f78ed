// Package events fans protocol events out to operators: an in-process hub
// feeding websocket clients and, when configured, Kafka topics.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	TypeConversationUpdated = "conversation.updated"
	TypeUnknownSession      = "webhook.unknown_session"
	TypeTokenIssued         = "token.issued"
	TypeDeviceUnpaired      = "device.unpaired"
)

// Event is one published fact
type Event struct {
	ID         uuid.UUID              `json:"id"`
	Type       string                 `json:"type"`
	Key        string                 `json:"key"`
	OccurredAt time.Time              `json:"occurred_at"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// New creates an event; key is the partition key, usually a device or child id
func New(eventType, key string, data map[string]interface{}) Event {
	return Event{ID: uuid.New(), Type: eventType, Key: key, OccurredAt: time.Now().UTC(), Data: data}
}

// Payload returns the JSON encoding of the event
func (e Event) Payload() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Noop drops every event
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Multi publishes to every publisher and joins their errors
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
