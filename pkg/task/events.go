package task

import (
	"encoding/json"
)

// EventKind discriminates scheduler events.
type EventKind string

const (
	// EventQueued is emitted once when a task is admitted to the queue.
	EventQueued EventKind = "queued"

	// EventProgress is emitted on worker pickup, engine progress updates,
	// and transient-failure re-enqueues. Best-effort delivery.
	EventProgress EventKind = "progress"

	// EventComplete carries the rendered result payload. Terminal.
	EventComplete EventKind = "complete"

	// EventFailed carries the final error classification. Terminal.
	EventFailed EventKind = "failed"
)

// Terminal reports whether the event ends the task's event stream.
func (k EventKind) Terminal() bool {
	return k == EventComplete || k == EventFailed
}

// ErrorInfo describes a task failure in client-facing terms.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is one scheduler notification, fanned out to every session subscribed
// to the task at emission time.
type Event struct {
	Kind   EventKind `json:"kind"`
	TaskID string    `json:"task_id"`
	Status Status    `json:"status"`

	// Queued fields.
	QueuePosition    int     `json:"queue_position,omitempty"`
	EstimatedMinutes float64 `json:"estimated_wait_minutes,omitempty"`

	// Progress fields.
	Progress   int    `json:"progress,omitempty"`
	Message    string `json:"message,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`

	// Completion payload, already rendered in the task's output format.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Failure classification.
	Err *ErrorInfo `json:"error,omitempty"`
}

// Sink receives scheduler events for delivery to sessions. Implementations
// must not block: terminal events must reach every listed session, while
// progress events may be dropped under backpressure.
type Sink interface {
	Deliver(sessionIDs []string, ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(sessionIDs []string, ev Event)

// Deliver implements Sink.
func (f SinkFunc) Deliver(sessionIDs []string, ev Event) {
	f(sessionIDs, ev)
}
