package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart     EventType = "start"
	EventReady     EventType = "ready"
	EventStop      EventType = "stop"
	EventExit      EventType = "exit"
	EventFailed    EventType = "failed"
	EventBootstrap EventType = "bootstrap"
	EventFallback  EventType = "fallback"
)

// Record is the backend snapshot carried by an event.
type Record struct {
	PID      int    `json:"pid"`
	State    string `json:"state"`
	Root     string `json:"root,omitempty"`
	Platform string `json:"platform,omitempty"`
	// Outcome is set for bootstrap events.
	Outcome string `json:"outcome,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// New stamps an event with the current time.
func New(t EventType, rec Record) Event {
	return Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}
}
