// Package bus provides the event bus the daemon publishes workspace and
// process state over. Two implementations exist: an in-memory bus for
// single-node deployments and a NATS-backed bus for everything else.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a message on the bus. Data carries the typed payload as raw JSON
// so subscribers decode only the event types they care about.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent wraps payload in an Event with a fresh ID and UTC timestamp.
func NewEvent(eventType, source string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s event: %w", e.Type, err)
	}
	return nil
}

// EventHandler handles one delivered event. Errors are logged by the bus,
// never retried.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe surface shared by both implementations.
// Subjects are dot-separated; Subscribe accepts NATS-style wildcards
// (* for one token, > for the rest).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
