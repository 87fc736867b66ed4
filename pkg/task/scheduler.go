package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/murmur-labs/scribed/internal/logger"
	"github.com/murmur-labs/scribed/internal/telemetry"
	"github.com/murmur-labs/scribed/pkg/blob"
	"github.com/murmur-labs/scribed/pkg/engine"
	"github.com/murmur-labs/scribed/pkg/format"
	"github.com/murmur-labs/scribed/pkg/resultcache"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrUnknownTask means no task exists with the given ID.
	ErrUnknownTask = errors.New("unknown task")

	// ErrNotSubscriber means the session is not subscribed to the task.
	ErrNotSubscriber = errors.New("session is not subscribed to task")

	// ErrNotCancellable means the task already left the pending state.
	ErrNotCancellable = errors.New("only pending tasks can be cancelled")

	// ErrAlreadyQueued means the task was enqueued before.
	ErrAlreadyQueued = errors.New("task already queued")

	// ErrFileTooLarge means the declared size exceeds the configured limit.
	ErrFileTooLarge = errors.New("file exceeds maximum size")

	// ErrUnsupportedFile means the file extension is not in the allowlist.
	ErrUnsupportedFile = errors.New("unsupported file extension")

	// ErrStopped means the scheduler is shutting down.
	ErrStopped = errors.New("scheduler stopped")
)

// ============================================================================
// Configuration
// ============================================================================

// Config controls scheduler behavior.
type Config struct {
	// MaxConcurrent is the worker pool size.
	MaxConcurrent int

	// MaxQueueSize caps admitted (pending + processing) tasks.
	MaxQueueSize int

	// TaskTimeout bounds one engine run. Zero means no timeout.
	TaskTimeout time.Duration

	// MaxRetries is how many times a transient failure is re-enqueued.
	MaxRetries int

	// MaxFileSize caps the declared upload size in bytes. Zero disables.
	MaxFileSize int64

	// AllowedExtensions is the audio extension allowlist (".wav", ".mp3", ...).
	// Empty accepts everything.
	AllowedExtensions []string

	// MergeGap is the maximum silence between sentences merged into one
	// segment in the JSON output.
	MergeGap time.Duration

	// CompletionRetention is how long terminal tasks stay queryable.
	CompletionRetention time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 1
	}
	if c.MaxQueueSize < 1 {
		c.MaxQueueSize = 10
	}
	if c.MergeGap <= 0 {
		c.MergeGap = format.DefaultMergeGap
	}
	if c.CompletionRetention <= 0 {
		c.CompletionRetention = time.Hour
	}
}

// Notifier is told about terminal task outcomes. Implementations must not
// block the caller; delivery is best-effort.
type Notifier interface {
	TaskFinished(snap Snapshot)
}

// Observer receives lifecycle signals for metrics collection.
type Observer interface {
	TaskEnqueued()
	TaskStarted()
	TaskFinished(status Status, processing time.Duration)
	TaskRetried()
	CacheLookup(hit bool)
}

type nopObserver struct{}

func (nopObserver) TaskEnqueued()                      {}
func (nopObserver) TaskStarted()                       {}
func (nopObserver) TaskFinished(Status, time.Duration) {}
func (nopObserver) TaskRetried()                       {}
func (nopObserver) CacheLookup(bool)                   {}

// ============================================================================
// Scheduler
// ============================================================================

// Scheduler owns the task registry, the admission queue, and the worker pool.
type Scheduler struct {
	cfg    Config
	engine engine.Engine
	cache  *resultcache.Cache
	blobs  *blob.Store
	sink   Sink

	notifier Notifier // optional
	observer Observer

	mu    sync.Mutex // guards tasks and admission accounting
	tasks map[string]*Task
	queue *fifo

	window *completionWindow

	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Option customizes a scheduler.
type Option func(*Scheduler)

// WithNotifier installs a terminal-outcome notifier (e.g. webhooks).
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithObserver installs a metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// NewScheduler wires the scheduler. Call Start before submitting tasks.
func NewScheduler(cfg Config, eng engine.Engine, cache *resultcache.Cache, blobs *blob.Store, sink Sink, opts ...Option) *Scheduler {
	cfg.applyDefaults()

	s := &Scheduler{
		cfg:      cfg,
		engine:   eng,
		cache:    cache,
		blobs:    blobs,
		sink:     sink,
		observer: nopObserver{},
		tasks:    make(map[string]*Task),
		// Room for every admitted task plus one in-flight retry per worker.
		queue:  newFIFO(cfg.MaxQueueSize + cfg.MaxConcurrent),
		window: newCompletionWindow(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the worker pool and the retention janitor.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		for i := 0; i < s.cfg.MaxConcurrent; i++ {
			s.wg.Add(1)
			go s.worker(i)
		}
		s.wg.Add(1)
		go s.janitor()

		logger.Info("scheduler started",
			logger.KeyComponent, "scheduler",
			"max_concurrent", s.cfg.MaxConcurrent,
			"max_queue_size", s.cfg.MaxQueueSize)
	})
}

// Stop signals the workers and waits up to timeout for in-flight tasks.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("scheduler stopped", logger.KeyComponent, "scheduler")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("scheduler stop: workers still busy after %s", timeout)
	}
}

func (s *Scheduler) isStopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// ============================================================================
// Submission
// ============================================================================

// SubmitRequest describes a new transcription request before upload.
type SubmitRequest struct {
	FileName     string
	FileSize     int64
	FileHash     string
	OutputFormat format.Format
	ForceRefresh bool
	SessionID    string
}

// SubmitMode tells the session layer what happens next.
type SubmitMode string

const (
	// ModeCacheHit means the result is already cached; no upload needed.
	// The completion event is delivered asynchronously.
	ModeCacheHit SubmitMode = "cache_hit"

	// ModeAwaitingUpload means the client must stream the file before the
	// task can enter the queue.
	ModeAwaitingUpload SubmitMode = "awaiting_upload"
)

// SubmitResult is the admission decision for a new request.
type SubmitResult struct {
	TaskID string
	Mode   SubmitMode
}

// Submit validates the request and either answers from the cache or registers
// a pending task awaiting its upload. On a cache hit the completion event is
// emitted asynchronously, after the caller has had a chance to observe the
// returned task ID.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if s.isStopped() {
		return nil, ErrStopped
	}
	if err := s.validate(req); err != nil {
		return nil, err
	}

	t := newTask(uuid.NewString(), req)

	hit := !req.ForceRefresh && s.cache.Contains(req.FileHash)
	s.observer.CacheLookup(hit)

	if hit {
		t.markCompleted()
		s.completed.Add(1)

		s.mu.Lock()
		s.tasks[t.ID] = t
		s.mu.Unlock()

		logger.InfoCtx(ctx, "answering from result cache",
			logger.TaskID(t.ID),
			logger.FileHash(req.FileHash),
			logger.CacheHit(true))

		go s.emitCached(t)
		return &SubmitResult{TaskID: t.ID, Mode: ModeCacheHit}, nil
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	logger.InfoCtx(ctx, "task awaiting upload",
		logger.TaskID(t.ID),
		logger.FileHash(req.FileHash),
		logger.KeyFileName, req.FileName,
		logger.KeySize, req.FileSize)

	return &SubmitResult{TaskID: t.ID, Mode: ModeAwaitingUpload}, nil
}

func (s *Scheduler) validate(req SubmitRequest) error {
	if req.FileSize <= 0 {
		return fmt.Errorf("declared file size must be positive")
	}
	if s.cfg.MaxFileSize > 0 && req.FileSize > s.cfg.MaxFileSize {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, req.FileSize, s.cfg.MaxFileSize)
	}
	if len(s.cfg.AllowedExtensions) > 0 {
		ext := strings.ToLower(filepath.Ext(req.FileName))
		ok := false
		for _, allowed := range s.cfg.AllowedExtensions {
			if ext == strings.ToLower(allowed) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnsupportedFile, ext)
		}
	}
	return nil
}

// emitCached renders the cached payload and delivers the terminal event.
func (s *Scheduler) emitCached(t *Task) {
	payload, err := s.renderPayload(t, 0)
	if err != nil {
		// Entry swept between the lookup and the render; surface a failure
		// so the client can resubmit with the upload.
		t.markFailed(engine.CodeEngineFault, "cached result no longer available")
		s.sink.Deliver(t.subscriberIDs(), Event{
			Kind:   EventFailed,
			TaskID: t.ID,
			Status: StatusFailed,
			Err:    &ErrorInfo{Code: engine.CodeEngineFault, Message: "cached result no longer available"},
		})
		return
	}

	s.sink.Deliver(t.subscriberIDs(), Event{
		Kind:    EventComplete,
		TaskID:  t.ID,
		Status:  StatusCompleted,
		Payload: payload,
	})
}

// ============================================================================
// Admission
// ============================================================================

// EnqueueResult describes where an uploaded task landed.
type EnqueueResult struct {
	Position         int
	EstimatedMinutes float64

	// Immediate means an idle worker will pick the task up right away.
	Immediate bool
}

// EnqueueUploaded admits a task whose upload has been verified: it takes a
// blob reference, enters the FIFO, and emits the queued event. Fails with
// ErrQueueFull when admitted tasks already fill the queue; the task is then
// removed and the stored blob keeps its zero refcount.
func (s *Scheduler) EnqueueUploaded(ctx context.Context, taskID string) (*EnqueueResult, error) {
	if s.isStopped() {
		return nil, ErrStopped
	}

	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownTask
	}
	if t.isAdmitted() || t.Status() != StatusPending {
		s.mu.Unlock()
		return nil, ErrAlreadyQueued
	}

	admitted, processing := s.admittedLocked()
	if admitted >= s.cfg.MaxQueueSize {
		delete(s.tasks, taskID)
		s.mu.Unlock()
		return nil, ErrQueueFull
	}

	path, err := s.blobs.Acquire(ctx, t.FileHash)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("acquire audio blob: %w", err)
	}
	t.markAdmitted(path)

	pos := s.queue.size() + 1
	idle := s.cfg.MaxConcurrent - processing
	s.mu.Unlock()

	s.observer.TaskEnqueued()

	// The queued event goes out before the FIFO insert so a fast worker
	// cannot emit progress ahead of it.
	eta := s.estimateWait(pos)
	s.sink.Deliver(t.subscriberIDs(), Event{
		Kind:             EventQueued,
		TaskID:           t.ID,
		Status:           StatusPending,
		QueuePosition:    pos,
		EstimatedMinutes: eta,
	})

	if _, err := s.queue.push(t.ID); err != nil {
		// Capacity is sized so an admitted task always fits.
		s.finishFailed(ctx, t, engine.CodeEngineFault, "queue insertion failed")
		return nil, err
	}

	logger.InfoCtx(ctx, "task queued",
		logger.TaskID(t.ID),
		logger.FileHash(t.FileHash),
		logger.KeyQueuePosition, pos)

	return &EnqueueResult{
		Position:         pos,
		EstimatedMinutes: eta,
		Immediate:        pos <= idle,
	}, nil
}

// admittedLocked counts admitted non-terminal tasks and how many of those are
// processing. Callers hold s.mu.
func (s *Scheduler) admittedLocked() (admitted, processing int) {
	for _, t := range s.tasks {
		st := t.Status()
		if !t.isAdmitted() || st.Terminal() {
			continue
		}
		admitted++
		if st == StatusProcessing {
			processing++
		}
	}
	return admitted, processing
}

// estimateWait projects the wait for a queue position from the rolling mean
// of recent completions, spread across the worker pool.
func (s *Scheduler) estimateWait(position int) float64 {
	mean := s.window.mean()
	if mean == 0 || position <= 0 {
		return 0
	}
	waitSec := mean.Seconds() * float64(position) / float64(s.cfg.MaxConcurrent)
	return waitSec / 60
}

// ============================================================================
// Queries and control
// ============================================================================

// Get returns a snapshot of the task.
func (s *Scheduler) Get(taskID string) (Snapshot, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrUnknownTask
	}
	return t.Snapshot(), nil
}

// Subscribe adds a session to the task's event fan-out.
func (s *Scheduler) Subscribe(taskID, sessionID string) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}
	t.subscribe(sessionID)
	return nil
}

// Unsubscribe removes a session from one task.
func (s *Scheduler) Unsubscribe(taskID, sessionID string) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}
	t.unsubscribe(sessionID)
	return nil
}

// DetachSession drops a disconnected session from every task. Tasks keep
// running; only their event fan-out shrinks.
func (s *Scheduler) DetachSession(sessionID string) {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.unsubscribe(sessionID)
	}
}

// Cancel aborts a pending task. Only subscribers may cancel; processing and
// terminal tasks are not cancellable and the engine run is never interrupted.
func (s *Scheduler) Cancel(taskID, sessionID string) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}
	if !t.isSubscriber(sessionID) {
		return ErrNotSubscriber
	}
	if !t.markCancelled() {
		return ErrNotCancellable
	}

	s.cancelled.Add(1)
	s.observer.TaskFinished(StatusCancelled, 0)
	s.releaseBlob(t)

	logger.Info("task cancelled",
		logger.TaskID(taskID),
		logger.KeySessionID, sessionID)
	return nil
}

// Stats returns a scheduler summary.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	var pending, processing int
	for _, t := range s.tasks {
		switch t.Status() {
		case StatusPending:
			pending++
		case StatusProcessing:
			processing++
		}
	}
	s.mu.Unlock()

	return Stats{
		Pending:              pending,
		Processing:           processing,
		Completed:            s.completed.Load(),
		Failed:               s.failed.Load(),
		Cancelled:            s.cancelled.Load(),
		QueueSize:            s.queue.size(),
		MaxQueueSize:         s.cfg.MaxQueueSize,
		MaxConcurrent:        s.cfg.MaxConcurrent,
		AvgProcessingSeconds: s.window.mean().Seconds(),
	}
}

// ============================================================================
// Worker pool
// ============================================================================

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		taskID, ok := s.queue.pop(s.stopCh)
		if !ok {
			return
		}
		s.run(id, taskID)
	}
}

func (s *Scheduler) run(workerID int, taskID string) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if !t.markProcessing() {
		// Cancelled while queued; the blob reference was already dropped.
		return
	}
	s.observer.TaskStarted()

	ctx := logger.WithContext(context.Background(), &logger.LogContext{
		Op:        "task.run",
		TaskID:    taskID,
		FileHash:  t.FileHash,
		StartTime: time.Now(),
	})

	ctx, span := telemetry.StartTaskSpan(ctx, "execute", taskID,
		telemetry.FileHash(t.FileHash),
		telemetry.TaskAttempt(t.retries()))
	defer span.End()

	logger.DebugCtx(ctx, "worker picked up task",
		logger.KeyWorkerID, workerID,
		logger.KeyAttempt, t.retries())

	s.deliver(t, Event{
		Kind:     EventProgress,
		TaskID:   t.ID,
		Status:   StatusProcessing,
		Progress: 0,
		Message:  "transcription started",
	})

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if s.cfg.TaskTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
	}

	hints := engine.Hints{
		FileName: t.FileName,
		Progress: func(pct int) {
			s.deliver(t, Event{
				Kind:     EventProgress,
				TaskID:   t.ID,
				Status:   StatusProcessing,
				Progress: pct,
			})
		},
	}

	start := time.Now()
	raw, err := s.engine.Transcribe(runCtx, t.BlobPath(), hints)
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.handleFailure(ctx, t, err)
		return
	}
	s.handleSuccess(ctx, t, raw, elapsed)
}

func (s *Scheduler) handleSuccess(ctx context.Context, t *Task, raw *engine.RawResult, elapsed time.Duration) {
	if err := s.cache.PutRaw(t.FileHash, raw); err != nil {
		logger.WarnCtx(ctx, "storing raw result failed", logger.Err(err))
	}

	payload, err := s.renderPayload(t, elapsed)
	if err != nil {
		s.finishFailed(ctx, t, engine.CodeEngineFault, fmt.Sprintf("render %s output: %v", t.OutputFormat, err))
		return
	}

	if !t.markCompleted() {
		return
	}
	s.completed.Add(1)
	s.window.add(elapsed)
	s.observer.TaskFinished(StatusCompleted, elapsed)
	s.releaseBlob(t)

	s.deliver(t, Event{
		Kind:    EventComplete,
		TaskID:  t.ID,
		Status:  StatusCompleted,
		Payload: payload,
	})
	s.notify(t)

	logger.InfoCtx(ctx, "task completed",
		logger.TaskID(t.ID),
		logger.FileHash(t.FileHash),
		logger.KeyDurationMs, elapsed.Milliseconds())
}

func (s *Scheduler) handleFailure(ctx context.Context, t *Task, err error) {
	cls := engine.Classify(err)

	if engine.IsTransient(cls) && t.retries() < s.cfg.MaxRetries {
		attempt := t.markRetry()
		s.observer.TaskRetried()

		s.deliver(t, Event{
			Kind:       EventProgress,
			TaskID:     t.ID,
			Status:     StatusPending,
			RetryCount: attempt,
			Message:    "transient failure, retrying",
			Err:        &ErrorInfo{Code: engine.CodeOf(cls), Message: cls.Error()},
		})

		logger.WarnCtx(ctx, "task re-enqueued after transient failure",
			logger.TaskID(t.ID),
			logger.KeyAttempt, attempt,
			logger.KeyMaxRetries, s.cfg.MaxRetries,
			logger.Err(cls))

		if _, pushErr := s.queue.push(t.ID); pushErr != nil {
			s.finishFailed(ctx, t, engine.CodeOf(cls), cls.Error())
		}
		return
	}

	s.finishFailed(ctx, t, engine.CodeOf(cls), cls.Error())
}

// finishFailed applies the terminal failure transition exactly once.
func (s *Scheduler) finishFailed(ctx context.Context, t *Task, code, msg string) {
	if !t.markFailed(code, msg) {
		return
	}
	s.failed.Add(1)
	s.observer.TaskFinished(StatusFailed, 0)
	s.releaseBlob(t)

	s.deliver(t, Event{
		Kind:   EventFailed,
		TaskID: t.ID,
		Status: StatusFailed,
		Err:    &ErrorInfo{Code: code, Message: msg},
	})
	s.notify(t)

	logger.ErrorCtx(ctx, "task failed",
		logger.TaskID(t.ID),
		logger.FileHash(t.FileHash),
		logger.KeyError, msg,
		"error_code", code)
}

// renderPayload derives the task's output format from the cached raw result.
// Derivations are shared across tasks with the same (hash, format) pair.
func (s *Scheduler) renderPayload(t *Task, elapsed time.Duration) (json.RawMessage, error) {
	meta := format.Meta{
		TaskID:         t.ID,
		FileName:       t.FileName,
		FileHash:       t.FileHash,
		ProcessingTime: elapsed,
	}

	return s.cache.GetOrDeriveFormat(t.FileHash, string(t.OutputFormat), func(raw *engine.RawResult) ([]byte, error) {
		switch t.OutputFormat {
		case format.SRT:
			return json.Marshal(format.NewSRTPayload(meta, raw))
		default:
			return json.Marshal(format.RenderJSON(meta, raw, s.cfg.MergeGap))
		}
	})
}

func (s *Scheduler) deliver(t *Task, ev Event) {
	s.sink.Deliver(t.subscriberIDs(), ev)
}

func (s *Scheduler) releaseBlob(t *Task) {
	if !t.releaseBlobOnce() {
		return
	}
	if err := s.blobs.Release(context.Background(), t.FileHash); err != nil {
		logger.Warn("blob release failed",
			logger.FileHash(t.FileHash),
			logger.Err(err))
	}
}

func (s *Scheduler) notify(t *Task) {
	if s.notifier == nil {
		return
	}
	s.notifier.TaskFinished(t.Snapshot())
}

// ============================================================================
// Retention janitor
// ============================================================================

// janitor prunes terminal tasks after the retention window so task_status
// keeps answering for recently finished work without growing forever.
func (s *Scheduler) janitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.pruneFinished(time.Now().Add(-s.cfg.CompletionRetention))
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) pruneFinished(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.tasks {
		if !t.Status().Terminal() {
			continue
		}
		if fin := t.finished(); !fin.IsZero() && fin.Before(cutoff) {
			delete(s.tasks, id)
		}
	}
}
