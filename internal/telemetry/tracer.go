package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for transcription operations.
// These follow OpenTelemetry semantic conventions where applicable.
const (
	// ========================================================================
	// Client attributes
	// ========================================================================
	AttrClientIP   = "client.ip"
	AttrClientAddr = "client.address"

	// ========================================================================
	// Session attributes
	// ========================================================================
	AttrSessionID   = "session.id"
	AttrMessageType = "session.message_type"

	// ========================================================================
	// Task attributes
	// ========================================================================
	AttrTaskID        = "task.id"
	AttrTaskStatus    = "task.status"
	AttrTaskAttempt   = "task.attempt"
	AttrTaskQueuePos  = "task.queue_position"
	AttrTaskWorkerID  = "task.worker_id"
	AttrTaskRetryable = "task.retryable"

	// ========================================================================
	// File / blob attributes
	// ========================================================================
	AttrFileHash = "file.hash"
	AttrFileName = "file.name"
	AttrFileSize = "file.size"
	AttrRefCount = "blob.ref_count"

	// ========================================================================
	// Cache attributes
	// ========================================================================
	AttrCacheHit    = "cache.hit"
	AttrCacheFormat = "cache.format"

	// ========================================================================
	// Engine attributes
	// ========================================================================
	AttrEngine        = "engine.name"
	AttrEngineModel   = "engine.model"
	AttrAudioDuration = "audio.duration_seconds"

	// ========================================================================
	// Storage backend attributes
	// ========================================================================
	AttrStoreName = "store.name"
	AttrStoreType = "store.type"
	AttrBucket    = "storage.bucket"
	AttrKey       = "storage.key"
	AttrRegion    = "storage.region"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	// Session layer spans
	SpanSessionAccept  = "session.accept"
	SpanSessionMessage = "session.message"
	SpanUploadRequest  = "session.upload_request"
	SpanUploadData     = "session.upload_data"

	// Scheduler spans
	SpanTaskSubmit  = "scheduler.submit"
	SpanTaskExecute = "scheduler.execute"
	SpanTaskCancel  = "scheduler.cancel"

	// Engine spans
	SpanTranscribe = "engine.transcribe"

	// Cache spans
	SpanCacheLookup = "cache.lookup"
	SpanCacheStore  = "cache.store"
	SpanCacheDerive = "cache.derive"
	SpanCacheSweep  = "cache.sweep"

	// Blob store spans
	SpanBlobPut     = "blob.put"
	SpanBlobAcquire = "blob.acquire"
	SpanBlobRelease = "blob.release"
)

// ClientIP returns an attribute for client IP address
func ClientIP(ip string) attribute.KeyValue {
	return attribute.String(AttrClientIP, ip)
}

// ClientAddr returns an attribute for full client address
func ClientAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrClientAddr, addr)
}

// SessionID returns an attribute for the WebSocket session identifier
func SessionID(id string) attribute.KeyValue {
	return attribute.String(AttrSessionID, id)
}

// MessageType returns an attribute for the protocol message type
func MessageType(t string) attribute.KeyValue {
	return attribute.String(AttrMessageType, t)
}

// TaskID returns an attribute for the task identifier
func TaskID(id string) attribute.KeyValue {
	return attribute.String(AttrTaskID, id)
}

// TaskStatus returns an attribute for the task status
func TaskStatus(status string) attribute.KeyValue {
	return attribute.String(AttrTaskStatus, status)
}

// TaskAttempt returns an attribute for the task attempt number
func TaskAttempt(n int) attribute.KeyValue {
	return attribute.Int(AttrTaskAttempt, n)
}

// FileHash returns an attribute for the content hash
func FileHash(hash string) attribute.KeyValue {
	return attribute.String(AttrFileHash, hash)
}

// FileName returns an attribute for the client-supplied file name
func FileName(name string) attribute.KeyValue {
	return attribute.String(AttrFileName, name)
}

// FileSize returns an attribute for the file size in bytes
func FileSize(size int64) attribute.KeyValue {
	return attribute.Int64(AttrFileSize, size)
}

// CacheHit returns an attribute for cache hit indicator
func CacheHit(hit bool) attribute.KeyValue {
	return attribute.Bool(AttrCacheHit, hit)
}

// CacheFormat returns an attribute for the derived format
func CacheFormat(format string) attribute.KeyValue {
	return attribute.String(AttrCacheFormat, format)
}

// Engine returns an attribute for the engine backend name
func Engine(name string) attribute.KeyValue {
	return attribute.String(AttrEngine, name)
}

// EngineModel returns an attribute for the engine model identifier
func EngineModel(model string) attribute.KeyValue {
	return attribute.String(AttrEngineModel, model)
}

// AudioDuration returns an attribute for the audio duration in seconds
func AudioDuration(seconds float64) attribute.KeyValue {
	return attribute.Float64(AttrAudioDuration, seconds)
}

// StoreName returns an attribute for store name
func StoreName(name string) attribute.KeyValue {
	return attribute.String(AttrStoreName, name)
}

// StoreType returns an attribute for store type
func StoreType(t string) attribute.KeyValue {
	return attribute.String(AttrStoreType, t)
}

// Bucket returns an attribute for S3 bucket name
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns an attribute for S3 object key
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// Region returns an attribute for cloud region
func Region(region string) attribute.KeyValue {
	return attribute.String(AttrRegion, region)
}

// StartTaskSpan starts a span for a scheduler operation on a task.
// This is a convenience function that sets common attributes.
func StartTaskSpan(ctx context.Context, operation, taskID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		TaskID(taskID),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "scheduler."+operation, trace.WithAttributes(allAttrs...))
}

// StartEngineSpan starts a span for an engine invocation.
func StartEngineSpan(ctx context.Context, hash string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		FileHash(hash),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanTranscribe, trace.WithAttributes(allAttrs...))
}

// StartCacheSpan starts a span for a result cache operation.
func StartCacheSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "cache."+operation, trace.WithAttributes(attrs...))
}

// StartBlobSpan starts a span for a blob store operation.
func StartBlobSpan(ctx context.Context, operation, hash string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		FileHash(hash),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "blob."+operation, trace.WithAttributes(allAttrs...))
}

// StartSessionSpan starts a span for a session-layer operation.
func StartSessionSpan(ctx context.Context, operation, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		SessionID(sessionID),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "session."+operation, trace.WithAttributes(allAttrs...))
}
