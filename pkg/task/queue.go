package task

import (
	"errors"
)

// ErrQueueFull means the queue has no free slot for a new task.
var ErrQueueFull = errors.New("task queue is full")

// fifo is a bounded channel-backed FIFO of task IDs. The channel capacity is
// sized to admissions plus in-flight retries, so a worker re-enqueueing a
// transient failure never blocks.
type fifo struct {
	ch chan string
}

func newFIFO(capacity int) *fifo {
	if capacity < 1 {
		capacity = 1
	}
	return &fifo{ch: make(chan string, capacity)}
}

// push appends a task ID and returns its 1-based position in the queue.
func (q *fifo) push(id string) (int, error) {
	select {
	case q.ch <- id:
		return len(q.ch), nil
	default:
		return 0, ErrQueueFull
	}
}

// pop blocks until a task ID is available or stop is closed. Stop takes
// priority so shutdown does not drain the backlog.
func (q *fifo) pop(stop <-chan struct{}) (string, bool) {
	select {
	case <-stop:
		return "", false
	default:
	}
	select {
	case id := <-q.ch:
		return id, true
	case <-stop:
		return "", false
	}
}

// size returns the number of queued task IDs.
func (q *fifo) size() int {
	return len(q.ch)
}
