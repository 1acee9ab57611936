package sync

import "time"

// Status is the engine's current state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPushing Status = "pushing"
	StatusPulling Status = "pulling"
	StatusError   Status = "error"
)

// EventType identifies an engine event.
type EventType string

const (
	// EventStatusChange fires on every status transition.
	EventStatusChange EventType = "status-change"

	// EventSyncComplete fires when a push or pull finishes successfully.
	// Count carries the number of operations sent or applied.
	EventSyncComplete EventType = "sync-complete"

	// EventSyncError fires when a push or pull fails terminally.
	EventSyncError EventType = "sync-error"
)

// Event is an engine notification.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Status is set for status-change events.
	Status Status `json:"status,omitempty"`

	// SyncType is "push" or "pull" for completion and error events.
	SyncType string `json:"syncType,omitempty"`

	// Count is the operation count for sync-complete events.
	Count int `json:"count,omitempty"`

	// Err is set for sync-error events.
	Err error `json:"-"`

	// Error carries the error message for serialized consumers.
	Error string `json:"error,omitempty"`
}

// emitEvent delivers an event without blocking. A slow or absent consumer
// drops events rather than stalling a sync.
func (e *Engine) emitEvent(ev Event) {
	ev.Timestamp = time.Now()
	if ev.Err != nil {
		ev.Error = ev.Err.Error()
	}
	select {
	case e.events <- ev:
	default:
		e.logger.Printf("Warning: event channel full, dropping %s event", ev.Type)
	}
}
