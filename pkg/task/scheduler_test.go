package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmur-labs/scribed/pkg/blob"
	"github.com/murmur-labs/scribed/pkg/engine"
	"github.com/murmur-labs/scribed/pkg/format"
	"github.com/murmur-labs/scribed/pkg/resultcache"
)

// ============================================================================
// Test fixtures
// ============================================================================

// sinkRecorder collects delivered events and lets tests wait for them.
type sinkRecorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{ch: make(chan Event, 128)}
}

func (r *sinkRecorder) Deliver(sessionIDs []string, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

// waitFor blocks until an event of the given kind arrives for the task.
func (r *sinkRecorder) waitFor(t *testing.T, kind EventKind, taskID string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind && ev.TaskID == taskID {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event of task %s", kind, taskID)
		}
	}
}

// kindsFor returns the ordered event kinds recorded for one task.
func (r *sinkRecorder) kindsFor(taskID string) []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []EventKind
	for _, ev := range r.events {
		if ev.TaskID == taskID {
			kinds = append(kinds, ev.Kind)
		}
	}
	return kinds
}

type fixture struct {
	sched *Scheduler
	sink  *sinkRecorder
	blobs *blob.Store
	cache *resultcache.Cache
	eng   *engine.MockEngine
}

func newFixture(t *testing.T, cfg Config, eng *engine.MockEngine) *fixture {
	t.Helper()

	blobs, err := blob.New(blob.Config{BasePath: t.TempDir(), DeleteOnRelease: true})
	require.NoError(t, err)

	cache := resultcache.New(resultcache.NewMemoryStore(), resultcache.Config{})
	sink := newSinkRecorder()
	sched := NewScheduler(cfg, eng, cache, blobs, sink)

	t.Cleanup(func() {
		_ = sched.Stop(2 * time.Second)
		_ = cache.Close()
		_ = blobs.Close()
	})

	return &fixture{sched: sched, sink: sink, blobs: blobs, cache: cache, eng: eng}
}

// submitAndUpload registers a task, streams its audio into the blob store,
// and returns the task ID and content hash. The task is not yet enqueued.
func (f *fixture) submitAndUpload(t *testing.T, session string, data []byte, name string) (string, string) {
	t.Helper()

	hash := blob.HashBytes(data)
	res, err := f.sched.Submit(context.Background(), SubmitRequest{
		FileName:     name,
		FileSize:     int64(len(data)),
		FileHash:     hash,
		OutputFormat: format.JSON,
		SessionID:    session,
	})
	require.NoError(t, err)
	require.Equal(t, ModeAwaitingUpload, res.Mode)

	up, err := f.blobs.BeginUpload(hash, int64(len(data)))
	require.NoError(t, err)
	_, err = up.Write(data)
	require.NoError(t, err)
	_, err = up.Finalize()
	require.NoError(t, err)

	return res.TaskID, hash
}

// ============================================================================
// Submission and validation
// ============================================================================

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, Config{
		MaxFileSize:       100,
		AllowedExtensions: []string{".wav", ".mp3"},
	}, &engine.MockEngine{})

	tests := []struct {
		name    string
		req     SubmitRequest
		wantErr error
	}{
		{
			name:    "file too large",
			req:     SubmitRequest{FileName: "a.wav", FileSize: 101, FileHash: "h"},
			wantErr: ErrFileTooLarge,
		},
		{
			name:    "unsupported extension",
			req:     SubmitRequest{FileName: "a.flac", FileSize: 10, FileHash: "h"},
			wantErr: ErrUnsupportedFile,
		},
		{
			name: "extension check is case-insensitive",
			req:  SubmitRequest{FileName: "a.WAV", FileSize: 10, FileHash: "h"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.sched.Submit(context.Background(), tc.req)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSubmitRejectsZeroSize(t *testing.T) {
	f := newFixture(t, Config{}, &engine.MockEngine{})
	_, err := f.sched.Submit(context.Background(), SubmitRequest{
		FileName: "a.wav", FileSize: 0, FileHash: "h",
	})
	assert.Error(t, err)
}

func TestEnqueueUnknownTask(t *testing.T) {
	f := newFixture(t, Config{}, &engine.MockEngine{})
	_, err := f.sched.EnqueueUploaded(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

// ============================================================================
// Happy path
// ============================================================================

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 4}, &engine.MockEngine{
		ProgressPoints: []int{50, 100},
	})
	f.sched.Start()

	id, hash := f.submitAndUpload(t, "sess-1", []byte("audio-bytes"), "talk.wav")

	res, err := f.sched.EnqueueUploaded(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Position)
	assert.True(t, res.Immediate)

	ev := f.sink.waitFor(t, EventComplete, id)
	require.NotEmpty(t, ev.Payload)

	var doc format.Document
	require.NoError(t, json.Unmarshal(ev.Payload, &doc))
	assert.Equal(t, id, doc.TaskID)
	assert.Equal(t, "talk.wav", doc.FileName)
	assert.Equal(t, hash, doc.FileHash)
	assert.Equal(t, "Speaker1: hello world", doc.Summary.FullText)

	snap, err := f.sched.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.NotNil(t, snap.FinishedAt)

	kinds := f.sink.kindsFor(id)
	require.GreaterOrEqual(t, len(kinds), 3)
	assert.Equal(t, EventQueued, kinds[0])
	assert.Equal(t, EventProgress, kinds[1])
	assert.Equal(t, EventComplete, kinds[len(kinds)-1])

	// Immediate deletion policy: the artifact is gone once the task is done.
	assert.False(t, f.blobs.Contains(hash))
}

func TestProgressEventsCarryPercentages(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 4}, &engine.MockEngine{
		ProgressPoints: []int{25, 75},
	})
	f.sched.Start()

	id, _ := f.submitAndUpload(t, "sess-1", []byte("pcm"), "a.wav")
	_, err := f.sched.EnqueueUploaded(context.Background(), id)
	require.NoError(t, err)
	f.sink.waitFor(t, EventComplete, id)

	var pcts []int
	f.sink.mu.Lock()
	for _, ev := range f.sink.events {
		if ev.TaskID == id && ev.Kind == EventProgress {
			pcts = append(pcts, ev.Progress)
		}
	}
	f.sink.mu.Unlock()
	assert.Equal(t, []int{0, 25, 75}, pcts)
}

// ============================================================================
// Result cache interplay
// ============================================================================

func TestCacheHitSkipsUploadAndEngine(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 4}, &engine.MockEngine{})
	f.sched.Start()

	data := []byte("same-audio")
	id1, hash := f.submitAndUpload(t, "sess-a", data, "a.wav")
	_, err := f.sched.EnqueueUploaded(context.Background(), id1)
	require.NoError(t, err)
	first := f.sink.waitFor(t, EventComplete, id1)

	// Second client, same content hash: answered from cache without upload.
	res, err := f.sched.Submit(context.Background(), SubmitRequest{
		FileName:     "copy.wav",
		FileSize:     int64(len(data)),
		FileHash:     hash,
		OutputFormat: format.JSON,
		SessionID:    "sess-b",
	})
	require.NoError(t, err)
	assert.Equal(t, ModeCacheHit, res.Mode)
	assert.NotEqual(t, id1, res.TaskID)

	second := f.sink.waitFor(t, EventComplete, res.TaskID)
	assert.Equal(t, []byte(first.Payload), []byte(second.Payload), "cached payload is reused verbatim")
	assert.Equal(t, int64(1), f.eng.Calls(), "engine must not run on a cache hit")

	snap, err := f.sched.Get(res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
}

func TestForceRefreshBypassesCache(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 4}, &engine.MockEngine{})
	f.sched.Start()

	data := []byte("refresh-me")
	id1, hash := f.submitAndUpload(t, "sess-a", data, "a.wav")
	_, err := f.sched.EnqueueUploaded(context.Background(), id1)
	require.NoError(t, err)
	f.sink.waitFor(t, EventComplete, id1)

	res, err := f.sched.Submit(context.Background(), SubmitRequest{
		FileName:     "a.wav",
		FileSize:     int64(len(data)),
		FileHash:     hash,
		OutputFormat: format.JSON,
		ForceRefresh: true,
		SessionID:    "sess-a",
	})
	require.NoError(t, err)
	assert.Equal(t, ModeAwaitingUpload, res.Mode)
}

// ============================================================================
// Capacity
// ============================================================================

func TestQueueFullRejectsAdmission(t *testing.T) {
	// No workers started, so admitted tasks stay pending.
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 1}, &engine.MockEngine{})

	id1, _ := f.submitAndUpload(t, "s1", []byte("first"), "a.wav")
	_, err := f.sched.EnqueueUploaded(context.Background(), id1)
	require.NoError(t, err)

	id2, _ := f.submitAndUpload(t, "s2", []byte("second"), "b.wav")
	_, err = f.sched.EnqueueUploaded(context.Background(), id2)
	assert.ErrorIs(t, err, ErrQueueFull)

	// The rejected task is removed from the registry.
	_, err = f.sched.Get(id2)
	assert.ErrorIs(t, err, ErrUnknownTask)

	// The admitted one is untouched.
	snap, err := f.sched.Get(id1)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, snap.Status)
}

// ============================================================================
// Retry policy
// ============================================================================

func TestTransientFailureRetries(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 4, MaxRetries: 2}, &engine.MockEngine{
		FailTimes: 1,
		FailWith:  engine.Transient(engine.CodeEngineFault, errors.New("decoder hiccup")),
	})
	f.sched.Start()

	id, _ := f.submitAndUpload(t, "s1", []byte("flaky"), "a.wav")
	_, err := f.sched.EnqueueUploaded(context.Background(), id)
	require.NoError(t, err)

	f.sink.waitFor(t, EventComplete, id)

	snap, err := f.sched.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 1, snap.RetryCount)
	assert.Equal(t, int64(2), f.eng.Calls())

	// The retry surfaces as a pending-status progress event with the error.
	var sawRetry bool
	f.sink.mu.Lock()
	for _, ev := range f.sink.events {
		if ev.TaskID == id && ev.Kind == EventProgress && ev.Status == StatusPending {
			sawRetry = true
			assert.Equal(t, 1, ev.RetryCount)
			require.NotNil(t, ev.Err)
			assert.Equal(t, engine.CodeEngineFault, ev.Err.Code)
		}
	}
	f.sink.mu.Unlock()
	assert.True(t, sawRetry, "retry must be announced to subscribers")
}

func TestRetriesExhaustedFailsTask(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 4, MaxRetries: 1}, &engine.MockEngine{
		FailTimes: 5,
		FailWith:  engine.Transient(engine.CodeEngineFault, errors.New("still broken")),
	})
	f.sched.Start()

	id, hash := f.submitAndUpload(t, "s1", []byte("doomed"), "a.wav")
	_, err := f.sched.EnqueueUploaded(context.Background(), id)
	require.NoError(t, err)

	ev := f.sink.waitFor(t, EventFailed, id)
	require.NotNil(t, ev.Err)
	assert.Equal(t, engine.CodeEngineFault, ev.Err.Code)

	snap, err := f.sched.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, 1, snap.RetryCount)
	assert.Equal(t, int64(2), f.eng.Calls(), "initial attempt plus one retry")
	assert.False(t, f.blobs.Contains(hash), "failed task must drop its blob reference")
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 4, MaxRetries: 3}, &engine.MockEngine{
		FailTimes: 5,
		FailWith:  engine.Permanent(engine.CodeAudioTooShort, errors.New("0.2s of audio")),
	})
	f.sched.Start()

	id, _ := f.submitAndUpload(t, "s1", []byte("tiny"), "a.wav")
	_, err := f.sched.EnqueueUploaded(context.Background(), id)
	require.NoError(t, err)

	ev := f.sink.waitFor(t, EventFailed, id)
	require.NotNil(t, ev.Err)
	assert.Equal(t, engine.CodeAudioTooShort, ev.Err.Code)
	assert.Equal(t, int64(1), f.eng.Calls())
}

// ============================================================================
// Cancellation
// ============================================================================

func TestCancelPendingTask(t *testing.T) {
	// Workers never start, so the task stays pending.
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 4}, &engine.MockEngine{})

	id, hash := f.submitAndUpload(t, "s1", []byte("cancel-me"), "a.wav")
	_, err := f.sched.EnqueueUploaded(context.Background(), id)
	require.NoError(t, err)

	require.NoError(t, f.sched.Cancel(id, "s1"))

	snap, err := f.sched.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.False(t, f.blobs.Contains(hash))

	// Second cancel is rejected; the state does not move.
	assert.ErrorIs(t, f.sched.Cancel(id, "s1"), ErrNotCancellable)

	// A late worker skips the cancelled task without touching the engine.
	f.sched.Start()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.eng.Calls())
}

func TestCancelRequiresSubscription(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 4}, &engine.MockEngine{})

	id, _ := f.submitAndUpload(t, "owner", []byte("private"), "a.wav")
	_, err := f.sched.EnqueueUploaded(context.Background(), id)
	require.NoError(t, err)

	assert.ErrorIs(t, f.sched.Cancel(id, "stranger"), ErrNotSubscriber)
	assert.ErrorIs(t, f.sched.Cancel("ghost", "owner"), ErrUnknownTask)
}

func TestCancelProcessingIsRejected(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 4}, &engine.MockEngine{
		Delay: 300 * time.Millisecond,
	})
	f.sched.Start()

	id, _ := f.submitAndUpload(t, "s1", []byte("busy"), "a.wav")
	_, err := f.sched.EnqueueUploaded(context.Background(), id)
	require.NoError(t, err)

	// Wait for the worker pickup, then try to cancel mid-run.
	f.sink.waitFor(t, EventProgress, id)
	assert.ErrorIs(t, f.sched.Cancel(id, "s1"), ErrNotCancellable)

	f.sink.waitFor(t, EventComplete, id)
}

// ============================================================================
// Shared-hash reference counting
// ============================================================================

func TestConcurrentSameHashTasksShareBlob(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 2, MaxQueueSize: 4}, &engine.MockEngine{
		Delay: 300 * time.Millisecond,
	})
	f.sched.Start()

	data := []byte("shared-audio")
	hash := blob.HashBytes(data)

	id1, _ := f.submitAndUpload(t, "s1", data, "a.wav")
	_, err := f.sched.EnqueueUploaded(context.Background(), id1)
	require.NoError(t, err)

	// Second task for the same content while the first is still running.
	res2, err := f.sched.Submit(context.Background(), SubmitRequest{
		FileName:     "b.wav",
		FileSize:     int64(len(data)),
		FileHash:     hash,
		OutputFormat: format.JSON,
		SessionID:    "s2",
	})
	require.NoError(t, err)
	require.Equal(t, ModeAwaitingUpload, res2.Mode)
	_, err = f.sched.EnqueueUploaded(context.Background(), res2.TaskID)
	require.NoError(t, err)

	// Both admitted: the blob carries one reference per task.
	f.sink.waitFor(t, EventProgress, id1)
	f.sink.waitFor(t, EventProgress, res2.TaskID)
	info, err := f.blobs.Stat(hash)
	require.NoError(t, err)
	assert.Equal(t, 2, info.RefCount)

	f.sink.waitFor(t, EventComplete, id1)
	f.sink.waitFor(t, EventComplete, res2.TaskID)

	// Last release drains the refcount and deletes the artifact.
	assert.False(t, f.blobs.Contains(hash))
}

// ============================================================================
// Subscriptions
// ============================================================================

func TestSubscribeFansOutEvents(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 4}, &engine.MockEngine{})

	var deliveries [][]string
	var mu sync.Mutex
	sink := SinkFunc(func(ids []string, ev Event) {
		mu.Lock()
		cp := append([]string(nil), ids...)
		deliveries = append(deliveries, cp)
		mu.Unlock()
	})

	blobs := f.blobs
	sched := NewScheduler(Config{MaxConcurrent: 1, MaxQueueSize: 4}, f.eng, f.cache, blobs, sink)
	t.Cleanup(func() { _ = sched.Stop(2 * time.Second) })

	data := []byte("watched")
	hash := blob.HashBytes(data)
	res, err := sched.Submit(context.Background(), SubmitRequest{
		FileName: "a.wav", FileSize: int64(len(data)), FileHash: hash,
		OutputFormat: format.JSON, SessionID: "creator",
	})
	require.NoError(t, err)

	require.NoError(t, sched.Subscribe(res.TaskID, "watcher"))
	require.NoError(t, sched.Unsubscribe(res.TaskID, "watcher"))
	require.NoError(t, sched.Subscribe(res.TaskID, "watcher-2"))
	sched.DetachSession("creator")

	up, err := blobs.BeginUpload(hash, int64(len(data)))
	require.NoError(t, err)
	_, err = up.Write(data)
	require.NoError(t, err)
	_, err = up.Finalize()
	require.NoError(t, err)

	_, err = sched.EnqueueUploaded(context.Background(), res.TaskID)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, deliveries)
	assert.Equal(t, []string{"watcher-2"}, deliveries[len(deliveries)-1],
		"queued event goes to the surviving subscriber only")

	assert.ErrorIs(t, sched.Subscribe("ghost", "x"), ErrUnknownTask)
}

// ============================================================================
// Stats and estimates
// ============================================================================

func TestStatsCounters(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 2, MaxQueueSize: 8}, &engine.MockEngine{})
	f.sched.Start()

	id, _ := f.submitAndUpload(t, "s1", []byte("counted"), "a.wav")
	_, err := f.sched.EnqueueUploaded(context.Background(), id)
	require.NoError(t, err)
	f.sink.waitFor(t, EventComplete, id)

	st := f.sched.Stats()
	assert.Equal(t, int64(1), st.Completed)
	assert.Equal(t, 2, st.MaxConcurrent)
	assert.Equal(t, 8, st.MaxQueueSize)
	assert.Greater(t, st.AvgProcessingSeconds, float64(0))
}

func TestEstimateWait(t *testing.T) {
	s := NewScheduler(Config{MaxConcurrent: 2, MaxQueueSize: 8}, &engine.MockEngine{}, nil, nil, newSinkRecorder())

	// No completions yet: no estimate.
	assert.Zero(t, s.estimateWait(3))

	s.window.add(4 * time.Minute)
	// position 3, two workers: 3 * 4min / 2 = 6 minutes.
	assert.InDelta(t, 6.0, s.estimateWait(3), 0.01)
	assert.Zero(t, s.estimateWait(0))
}

// ============================================================================
// Retention
// ============================================================================

func TestPruneFinishedKeepsRecentAndLive(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 4}, &engine.MockEngine{})
	f.sched.Start()

	done, _ := f.submitAndUpload(t, "s1", []byte("old-result"), "a.wav")
	_, err := f.sched.EnqueueUploaded(context.Background(), done)
	require.NoError(t, err)
	f.sink.waitFor(t, EventComplete, done)

	live, _ := f.submitAndUpload(t, "s1", []byte("still-waiting"), "b.wav")

	// Cutoff in the future: every terminal task is older than it.
	f.sched.pruneFinished(time.Now().Add(time.Minute))

	_, err = f.sched.Get(done)
	assert.ErrorIs(t, err, ErrUnknownTask)
	_, err = f.sched.Get(live)
	assert.NoError(t, err, "non-terminal tasks survive pruning")
}
