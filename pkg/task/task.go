// Package task implements the transcription scheduler: a bounded FIFO queue,
// a fixed worker pool, the task registry and lifecycle state machine, the
// retry policy, and blob refcount hooks. It is the sole arbiter of task
// admission, ordering, execution, and completion notification.
package task

import (
	"sync"
	"time"

	"github.com/murmur-labs/scribed/pkg/format"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is one transcription request. All lifecycle fields are guarded by the
// task's own mutex; cross-task coordination goes through the scheduler.
type Task struct {
	mu sync.Mutex

	// Immutable after creation.
	ID             string
	FileHash       string
	FileName       string
	FileSize       int64
	OutputFormat   format.Format
	CreatorSession string
	CreatedAt      time.Time

	status     Status
	retryCount int
	admitted   bool // entered the queue (counts against capacity)
	blobHeld   bool // holds a blob reference
	blobPath   string
	startedAt  time.Time
	finishedAt time.Time
	errCode    string
	errMsg     string

	subscribers map[string]struct{}
}

// newTask creates a pending task subscribed to by its creator.
func newTask(id string, req SubmitRequest) *Task {
	t := &Task{
		ID:             id,
		FileHash:       req.FileHash,
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		OutputFormat:   req.OutputFormat,
		CreatorSession: req.SessionID,
		CreatedAt:      time.Now(),
		status:         StatusPending,
		subscribers:    make(map[string]struct{}),
	}
	if req.SessionID != "" {
		t.subscribers[req.SessionID] = struct{}{}
	}
	return t
}

// Snapshot is an immutable view of a task for status queries and events.
type Snapshot struct {
	TaskID       string        `json:"task_id"`
	Status       Status        `json:"status"`
	FileHash     string        `json:"file_hash"`
	FileName     string        `json:"file_name"`
	FileSize     int64         `json:"file_size"`
	OutputFormat format.Format `json:"output_format"`
	RetryCount   int           `json:"retry_count"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// Snapshot returns a copy of the task's current state.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		TaskID:       t.ID,
		Status:       t.status,
		FileHash:     t.FileHash,
		FileName:     t.FileName,
		FileSize:     t.FileSize,
		OutputFormat: t.OutputFormat,
		RetryCount:   t.retryCount,
		CreatedAt:    t.CreatedAt,
		ErrorCode:    t.errCode,
		ErrorMessage: t.errMsg,
	}
	if !t.startedAt.IsZero() {
		st := t.startedAt
		s.StartedAt = &st
	}
	if !t.finishedAt.IsZero() {
		ft := t.finishedAt
		s.FinishedAt = &ft
	}
	return s
}

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// markAdmitted records queue admission and the resolved blob path.
func (t *Task) markAdmitted(blobPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.admitted = true
	t.blobHeld = true
	t.blobPath = blobPath
}

// markProcessing CAS-transitions Pending to Processing. Returns false when
// the task is no longer pending (e.g. cancelled while queued).
func (t *Task) markProcessing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending {
		return false
	}
	t.status = StatusProcessing
	if t.startedAt.IsZero() {
		t.startedAt = time.Now()
	}
	return true
}

// markRetry transitions Processing back to Pending and bumps the retry count.
func (t *Task) markRetry() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusPending
	t.retryCount++
	return t.retryCount
}

// markCompleted transitions to Completed. Returns false if already terminal.
func (t *Task) markCompleted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.status = StatusCompleted
	t.finishedAt = time.Now()
	return true
}

// markFailed transitions to Failed with an error classification.
func (t *Task) markFailed(code, msg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.status = StatusFailed
	t.errCode = code
	t.errMsg = msg
	t.finishedAt = time.Now()
	return true
}

// markCancelled transitions Pending to Cancelled. Processing and terminal
// tasks are untouched; the engine is never interrupted.
func (t *Task) markCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending {
		return false
	}
	t.status = StatusCancelled
	t.finishedAt = time.Now()
	return true
}

// releaseBlobOnce reports whether the task still held its blob reference and
// clears the flag, so a terminal transition releases exactly once.
func (t *Task) releaseBlobOnce() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	held := t.blobHeld
	t.blobHeld = false
	return held
}

// BlobPath returns the resolved artifact path (set at admission).
func (t *Task) BlobPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blobPath
}

func (t *Task) isAdmitted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.admitted
}

func (t *Task) retries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryCount
}

func (t *Task) finished() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

// ============================================================================
// Subscriptions
// ============================================================================

// subscribe is idempotent.
func (t *Task) subscribe(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers[sessionID] = struct{}{}
}

// unsubscribe is idempotent.
func (t *Task) unsubscribe(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscribers, sessionID)
}

// isSubscriber reports whether the session is subscribed.
func (t *Task) isSubscriber(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.subscribers[sessionID]
	return ok
}

// subscriberIDs snapshots the subscriber set for fan-out.
func (t *Task) subscriberIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.subscribers))
	for id := range t.subscribers {
		ids = append(ids, id)
	}
	return ids
}
