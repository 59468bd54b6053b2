package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/autopilot/internal/models"
)

// EventType represents different event types in the system
type EventType string

const (
	EventSessionStarted  EventType = "session_started"
	EventSessionRunning  EventType = "session_running"
	EventSessionProgress EventType = "session_progress"
	EventSessionFinished EventType = "session_finished"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// SessionEvent is the payload of every session event
type SessionEvent struct {
	SessionID  string
	ResourceID string
	OwnerID    string
	RunID      string
	Mode       models.ExecutionMode
	State      models.SessionState
	Behavior   models.BehaviorName // progress events only
	Achieved   int
	Target     int
	Delta      int // progress events: increase since the previous report
	Error      *models.ErrorRecord // finished events: the surfaced error, if any
	Duration   time.Duration
}

// AllSessionEvents lists every session event type
var AllSessionEvents = []EventType{
	EventSessionStarted,
	EventSessionRunning,
	EventSessionProgress,
	EventSessionFinished,
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
