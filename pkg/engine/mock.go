package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MockEngine is a scriptable Engine for tests. It can return a fixed result,
// fail a configurable number of times before succeeding, report progress
// points, and record concurrency to verify adapter discipline.
type MockEngine struct {
	mu sync.Mutex

	// Result is returned on success. If nil, a minimal one-sentence result is
	// synthesized.
	Result *RawResult

	// FailTimes makes the first N calls return FailWith before succeeding.
	FailTimes int

	// FailWith is the error returned while FailTimes > 0.
	FailWith error

	// Delay simulates engine latency per call.
	Delay time.Duration

	// ProgressPoints are emitted through hints.Progress on each call.
	ProgressPoints []int

	calls       atomic.Int64
	inFlight    atomic.Int64
	maxFlight   atomic.Int64
	lastPath    string
	lastHints   Hints
	failedSoFar int
}

// Transcribe implements Engine.
func (m *MockEngine) Transcribe(ctx context.Context, path string, hints Hints) (*RawResult, error) {
	m.calls.Add(1)

	cur := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		max := m.maxFlight.Load()
		if cur <= max || m.maxFlight.CompareAndSwap(max, cur) {
			break
		}
	}

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for _, pct := range m.ProgressPoints {
		if hints.Progress != nil {
			hints.Progress(pct)
		}
	}

	m.mu.Lock()
	m.lastPath = path
	m.lastHints = hints
	shouldFail := m.failedSoFar < m.FailTimes
	if shouldFail {
		m.failedSoFar++
	}
	res := m.Result
	m.mu.Unlock()

	if shouldFail {
		return nil, m.FailWith
	}

	if res == nil {
		res = &RawResult{
			Sentences: []Sentence{
				{Text: "hello world", StartMs: 0, EndMs: 1500, Speaker: 0},
			},
			DurationMs: 1500,
		}
	}
	return res, nil
}

// Calls returns the total number of Transcribe invocations.
func (m *MockEngine) Calls() int64 {
	return m.calls.Load()
}

// MaxConcurrency returns the peak number of simultaneous calls observed.
func (m *MockEngine) MaxConcurrency() int64 {
	return m.maxFlight.Load()
}

// LastPath returns the path of the most recent call.
func (m *MockEngine) LastPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPath
}
