// Package history exports fleet lifecycle events to external systems for
// audit and statistics. The filesystem remains the canonical fleet state;
// sinks are observability only and every write is best-effort.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of fleet event.
type EventType string

const (
	EventScale       EventType = "scale"
	EventRunnerStart EventType = "runner_start"
	EventRunnerStop  EventType = "runner_stop"
	EventGhostPurged EventType = "ghost_purged"
)

// Event represents one fleet lifecycle event.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	GroupKey   string    `json:"group_key"`
	RunnerID   string    `json:"runner_id,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Target     int       `json:"target,omitempty"` // replica target for scale events
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for fleet events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
