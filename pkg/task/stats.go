package task

import (
	"sync"
	"time"
)

// Stats is a point-in-time scheduler summary for status endpoints.
type Stats struct {
	Pending       int   `json:"pending"`
	Processing    int   `json:"processing"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Cancelled     int64 `json:"cancelled"`
	QueueSize     int   `json:"queue_size"`
	MaxQueueSize  int   `json:"max_queue_size"`
	MaxConcurrent int   `json:"max_concurrent"`

	// AvgProcessingSeconds is the rolling mean over recent completions.
	AvgProcessingSeconds float64 `json:"avg_processing_seconds"`
}

// completionWindowSize bounds the rolling mean used for wait estimates.
const completionWindowSize = 20

// completionWindow tracks the durations of the most recent completions.
type completionWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func newCompletionWindow() *completionWindow {
	return &completionWindow{samples: make([]time.Duration, completionWindowSize)}
}

// add records one completed task's processing duration.
func (w *completionWindow) add(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

// mean returns the rolling mean, or 0 when no completions were recorded.
func (w *completionWindow) mean() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.next
	if w.full {
		n = len(w.samples)
	}
	if n == 0 {
		return 0
	}

	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += w.samples[i]
	}
	return sum / time.Duration(n)
}
