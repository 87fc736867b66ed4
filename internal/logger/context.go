package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context
type LogContext struct {
	TraceID   string    // OpenTelemetry trace ID
	SpanID    string    // OpenTelemetry span ID
	Op        string    // Operation name (upload_request, transcribe, derive, etc.)
	TaskID    string    // Transcription task ID
	SessionID string    // WebSocket session ID
	FileHash  string    // Content hash of the audio file
	ClientIP  string    // Client IP address (without port)
	StartTime time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext with the given client IP
func NewLogContext(clientIP string) *LogContext {
	return &LogContext{
		ClientIP:  clientIP,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithOp returns a copy with the operation name set
func (lc *LogContext) WithOp(op string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Op = op
	}
	return clone
}

// WithTask returns a copy with the task ID set
func (lc *LogContext) WithTask(taskID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TaskID = taskID
	}
	return clone
}

// WithSession returns a copy with the session ID set
func (lc *LogContext) WithSession(sessionID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.SessionID = sessionID
	}
	return clone
}

// WithFileHash returns a copy with the file hash set
func (lc *LogContext) WithFileHash(hash string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.FileHash = hash
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
