package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "scribed", cfg.ServiceName)
	assert.Equal(t, "dev", cfg.ServiceVersion)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Enabled = false

	shutdown, err := Init(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	// Should be able to call shutdown without error
	err = shutdown(ctx)
	assert.NoError(t, err)

	// Should not be enabled
	assert.False(t, IsEnabled())
}

func TestTracerReturnsNoOp(t *testing.T) {
	// Reset state
	tracer = nil
	enabled = false

	// Without initialization, should return no-op tracer
	tr := Tracer()
	require.NotNil(t, tr)
}

func TestStartSpan(t *testing.T) {
	ctx := context.Background()

	// Even without initialization, StartSpan should work (no-op)
	newCtx, span := StartSpan(ctx, "test.operation")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)

	// Should be able to end the span
	span.End()
}

func TestSpanFromContext(t *testing.T) {
	ctx := context.Background()

	// Should return a span even without active span
	span := SpanFromContext(ctx)
	require.NotNil(t, span)
}

func TestAddEvent(t *testing.T) {
	ctx := context.Background()

	// Should not panic with no active span
	require.NotPanics(t, func() {
		AddEvent(ctx, "test.event")
	})
}

func TestRecordError(t *testing.T) {
	ctx := context.Background()

	// Should not panic with nil error
	require.NotPanics(t, func() {
		RecordError(ctx, nil)
	})

	// Should not panic with error
	require.NotPanics(t, func() {
		RecordError(ctx, errors.New("test error"))
	})
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()

	// Should not panic
	require.NotPanics(t, func() {
		SetStatus(ctx, codes.Ok, "success")
	})

	require.NotPanics(t, func() {
		SetStatus(ctx, codes.Error, "failed")
	})
}

func TestSetAttributes(t *testing.T) {
	ctx := context.Background()

	// Should not panic
	require.NotPanics(t, func() {
		SetAttributes(ctx, ClientIP("192.168.1.1"))
	})
}

func TestTraceID(t *testing.T) {
	ctx := context.Background()

	// Without active span, should return empty string
	traceID := TraceID(ctx)
	assert.Equal(t, "", traceID)
}

func TestSpanID(t *testing.T) {
	ctx := context.Background()

	// Without active span, should return empty string
	spanID := SpanID(ctx)
	assert.Equal(t, "", spanID)
}

func TestAttributeHelpers(t *testing.T) {
	t.Run("ClientIP", func(t *testing.T) {
		attr := ClientIP("192.168.1.100")
		assert.Equal(t, AttrClientIP, string(attr.Key))
		assert.Equal(t, "192.168.1.100", attr.Value.AsString())
	})

	t.Run("ClientAddr", func(t *testing.T) {
		attr := ClientAddr("192.168.1.100:12345")
		assert.Equal(t, AttrClientAddr, string(attr.Key))
		assert.Equal(t, "192.168.1.100:12345", attr.Value.AsString())
	})

	t.Run("SessionID", func(t *testing.T) {
		attr := SessionID("sess-7")
		assert.Equal(t, AttrSessionID, string(attr.Key))
		assert.Equal(t, "sess-7", attr.Value.AsString())
	})

	t.Run("TaskID", func(t *testing.T) {
		attr := TaskID("task-42")
		assert.Equal(t, AttrTaskID, string(attr.Key))
		assert.Equal(t, "task-42", attr.Value.AsString())
	})

	t.Run("TaskStatus", func(t *testing.T) {
		attr := TaskStatus("processing")
		assert.Equal(t, AttrTaskStatus, string(attr.Key))
		assert.Equal(t, "processing", attr.Value.AsString())
	})

	t.Run("TaskAttempt", func(t *testing.T) {
		attr := TaskAttempt(2)
		assert.Equal(t, AttrTaskAttempt, string(attr.Key))
		assert.Equal(t, int64(2), attr.Value.AsInt64())
	})

	t.Run("FileHash", func(t *testing.T) {
		attr := FileHash("d41d8cd98f00b204e9800998ecf8427e")
		assert.Equal(t, AttrFileHash, string(attr.Key))
		assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", attr.Value.AsString())
	})

	t.Run("FileName", func(t *testing.T) {
		attr := FileName("meeting.wav")
		assert.Equal(t, AttrFileName, string(attr.Key))
		assert.Equal(t, "meeting.wav", attr.Value.AsString())
	})

	t.Run("FileSize", func(t *testing.T) {
		attr := FileSize(1048576)
		assert.Equal(t, AttrFileSize, string(attr.Key))
		assert.Equal(t, int64(1048576), attr.Value.AsInt64())
	})

	t.Run("CacheHit", func(t *testing.T) {
		attr := CacheHit(true)
		assert.Equal(t, AttrCacheHit, string(attr.Key))
		assert.True(t, attr.Value.AsBool())
	})

	t.Run("CacheFormat", func(t *testing.T) {
		attr := CacheFormat("srt")
		assert.Equal(t, AttrCacheFormat, string(attr.Key))
		assert.Equal(t, "srt", attr.Value.AsString())
	})

	t.Run("Engine", func(t *testing.T) {
		attr := Engine("funasr")
		assert.Equal(t, AttrEngine, string(attr.Key))
		assert.Equal(t, "funasr", attr.Value.AsString())
	})

	t.Run("AudioDuration", func(t *testing.T) {
		attr := AudioDuration(12.5)
		assert.Equal(t, AttrAudioDuration, string(attr.Key))
		assert.Equal(t, 12.5, attr.Value.AsFloat64())
	})

	t.Run("Bucket", func(t *testing.T) {
		attr := Bucket("my-bucket")
		assert.Equal(t, AttrBucket, string(attr.Key))
		assert.Equal(t, "my-bucket", attr.Value.AsString())
	})

	t.Run("StorageKey", func(t *testing.T) {
		attr := StorageKey("path/to/object")
		assert.Equal(t, AttrKey, string(attr.Key))
		assert.Equal(t, "path/to/object", attr.Value.AsString())
	})
}

func TestStartTaskSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartTaskSpan(ctx, "execute", "task-42")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()

	// With additional attributes
	newCtx2, span2 := StartTaskSpan(ctx, "submit", "task-43", TaskAttempt(0), FileHash("abc"))
	require.NotNil(t, newCtx2)
	require.NotNil(t, span2)
	span2.End()
}

func TestStartEngineSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartEngineSpan(ctx, "d41d8cd98f00b204e9800998ecf8427e")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()

	// With additional attributes
	newCtx2, span2 := StartEngineSpan(ctx, "abc123", Engine("funasr"), FileSize(1024))
	require.NotNil(t, newCtx2)
	require.NotNil(t, span2)
	span2.End()
}

func TestStartCacheSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartCacheSpan(ctx, "lookup")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()

	// With additional attributes
	newCtx2, span2 := StartCacheSpan(ctx, "write", CacheHit(false))
	require.NotNil(t, newCtx2)
	require.NotNil(t, span2)
	span2.End()
}
