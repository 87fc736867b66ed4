// Package metrics defines the observability interfaces used across the
// service. Implementations live in subpackages; passing nil disables
// collection with zero overhead.
package metrics

import (
	"time"

	"github.com/murmur-labs/scribed/pkg/task"
)

// SessionMetrics observes the WebSocket session layer.
//
// This interface is optional - pass nil to disable metrics collection.
type SessionMetrics interface {
	// SessionOpened records an accepted connection.
	SessionOpened()

	// SessionClosed records a closed connection with its lifetime.
	SessionClosed(lifetime time.Duration)

	// MessageReceived records one inbound protocol message by type.
	MessageReceived(msgType string)

	// UploadBytes records received audio payload bytes.
	UploadBytes(n int)

	// EventDropped records a non-terminal event dropped under backpressure.
	EventDropped()
}

// SchedulerMetrics observes the task scheduler. It extends task.Observer so a
// single implementation can be handed to the scheduler directly.
type SchedulerMetrics interface {
	task.Observer
}

// ============================================================================
// Nil-safe helpers
// ============================================================================

// SessionOpened records an accepted connection if metrics are enabled.
func SessionOpened(m SessionMetrics) {
	if m != nil {
		m.SessionOpened()
	}
}

// SessionClosed records a closed connection if metrics are enabled.
func SessionClosed(m SessionMetrics, lifetime time.Duration) {
	if m != nil {
		m.SessionClosed(lifetime)
	}
}

// MessageReceived records an inbound message if metrics are enabled.
func MessageReceived(m SessionMetrics, msgType string) {
	if m != nil {
		m.MessageReceived(msgType)
	}
}

// UploadBytes records received payload bytes if metrics are enabled.
func UploadBytes(m SessionMetrics, n int) {
	if m != nil {
		m.UploadBytes(n)
	}
}

// EventDropped records a dropped event if metrics are enabled.
func EventDropped(m SessionMetrics) {
	if m != nil {
		m.EventDropped()
	}
}
