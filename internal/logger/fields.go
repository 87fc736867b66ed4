package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements for log aggregation
// and querying.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Operation
	// ========================================================================
	KeyOp        = "op"        // Operation name: upload_request, transcribe, derive, etc.
	KeyComponent = "component" // Subsystem emitting the log: scheduler, hub, cache, etc.

	// ========================================================================
	// Session
	// ========================================================================
	KeySessionID   = "session_id"   // WebSocket session identifier
	KeyClientIP    = "client_ip"    // Client IP address (without port)
	KeyMessageType = "message_type" // Protocol message type in the envelope
	KeyQueueDepth  = "queue_depth"  // Outbound queue depth for a session

	// ========================================================================
	// Task Lifecycle
	// ========================================================================
	KeyTaskID        = "task_id"        // Transcription task identifier
	KeyStatus        = "status"         // Task status: pending, processing, completed, ...
	KeyAttempt       = "attempt"        // Current attempt number
	KeyMaxRetries    = "max_retries"    // Configured retry ceiling
	KeyProgress      = "progress"       // Reported progress percentage
	KeyQueuePosition = "queue_position" // Position in the pending queue at enqueue
	KeyWorkerID      = "worker_id"      // Worker goroutine identifier

	// ========================================================================
	// File / Blob
	// ========================================================================
	KeyFileHash = "file_hash" // Content hash of the audio file
	KeyFileName = "file_name" // Client-supplied file name
	KeySize     = "size"      // Byte size
	KeyRefCount = "ref_count" // Blob reference count
	KeyPath     = "path"      // Filesystem path

	// ========================================================================
	// Result Cache
	// ========================================================================
	KeyCacheHit = "cache_hit" // Whether a cache lookup hit
	KeyFormat   = "format"    // Output format: json, srt
	KeyEntries  = "entries"   // Number of cache entries touched
	KeyEvicted  = "evicted"   // Number of entries removed by a sweep

	// ========================================================================
	// Engine
	// ========================================================================
	KeyEngine        = "engine"         // Engine backend name
	KeyModel         = "model"          // Engine model identifier
	KeyAudioDuration = "audio_duration" // Audio duration in seconds

	// ========================================================================
	// Server
	// ========================================================================
	KeyAddr        = "addr"        // Network address (host:port)
	KeyConnections = "connections" // Active connection count
	KeySignal      = "signal"      // Received OS signal name

	// ========================================================================
	// Timing & Errors
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
)

// ============================================================================
// Field constructors for type safety
// These functions provide type-safe construction of slog.Attr values.
// ============================================================================

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// Op returns a slog.Attr for the operation name
func Op(name string) slog.Attr {
	return slog.String(KeyOp, name)
}

// Component returns a slog.Attr for the emitting subsystem
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// SessionID returns a slog.Attr for the WebSocket session identifier
func SessionID(id string) slog.Attr {
	return slog.String(KeySessionID, id)
}

// ClientIP returns a slog.Attr for the client IP address
func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}

// MessageType returns a slog.Attr for the protocol message type
func MessageType(t string) slog.Attr {
	return slog.String(KeyMessageType, t)
}

// TaskID returns a slog.Attr for the task identifier
func TaskID(id string) slog.Attr {
	return slog.String(KeyTaskID, id)
}

// Status returns a slog.Attr for the task status
func Status(s string) slog.Attr {
	return slog.String(KeyStatus, s)
}

// Attempt returns a slog.Attr for the current attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// Progress returns a slog.Attr for the reported progress percentage
func Progress(pct int) slog.Attr {
	return slog.Int(KeyProgress, pct)
}

// FileHash returns a slog.Attr for the content hash
func FileHash(h string) slog.Attr {
	return slog.String(KeyFileHash, h)
}

// FileName returns a slog.Attr for the client-supplied file name
func FileName(name string) slog.Attr {
	return slog.String(KeyFileName, name)
}

// Size returns a slog.Attr for a byte size
func Size(s int64) slog.Attr {
	return slog.Int64(KeySize, s)
}

// RefCount returns a slog.Attr for a blob reference count
func RefCount(n int) slog.Attr {
	return slog.Int(KeyRefCount, n)
}

// Path returns a slog.Attr for a filesystem path
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// CacheHit returns a slog.Attr indicating a cache hit or miss
func CacheHit(hit bool) slog.Attr {
	return slog.Bool(KeyCacheHit, hit)
}

// Format returns a slog.Attr for the output format
func Format(f string) slog.Attr {
	return slog.String(KeyFormat, f)
}

// Entries returns a slog.Attr for a cache entry count
func Entries(n int) slog.Attr {
	return slog.Int(KeyEntries, n)
}

// Engine returns a slog.Attr for the engine backend name
func Engine(name string) slog.Attr {
	return slog.String(KeyEngine, name)
}

// Addr returns a slog.Attr for a network address
func Addr(a string) slog.Attr {
	return slog.String(KeyAddr, a)
}

// DurationMs returns a slog.Attr for operation duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error (safe to call with nil)
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
