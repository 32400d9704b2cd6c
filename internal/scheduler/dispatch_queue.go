package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phrazzld/archivist/internal/domain"
)

// Common errors returned by the DispatchQueue
var (
	ErrQueueClosed = errors.New("dispatch queue is closed")
	ErrQueueFull   = errors.New("dispatch queue is full")
)

// DispatchQueue is a bounded buffer of Queued tasks awaiting a dispatch
// goroutine. Enqueue never blocks.
type DispatchQueue struct {
	mu     sync.Mutex
	tasks  chan *domain.Task
	logger *slog.Logger
	closed bool
}

// NewDispatchQueue creates a new queue with the specified buffer size
func NewDispatchQueue(size int, logger *slog.Logger) *DispatchQueue {
	if size <= 0 {
		size = 1
	}
	return &DispatchQueue{
		tasks:  make(chan *domain.Task, size),
		logger: logger,
	}
}

// Enqueue adds a task to the queue.
// Returns an error if the queue is full or closed
func (q *DispatchQueue) Enqueue(task *domain.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.tasks <- task:
		q.logger.Debug("task enqueued for dispatch",
			"task_id", task.ID,
			"job_id", task.JobID,
			"queue_len", len(q.tasks),
			"queue_cap", cap(q.tasks))
		return nil
	default:
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, cap(q.tasks))
	}
}

// Close prevents further submissions. Tasks already buffered can still be
// received from Channel.
func (q *DispatchQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.tasks)
		q.logger.Debug("dispatch queue closed")
	}
}

// Channel returns a read-only channel for consuming tasks
func (q *DispatchQueue) Channel() <-chan *domain.Task {
	return q.tasks
}

// Len returns the number of buffered tasks.
func (q *DispatchQueue) Len() int {
	return len(q.tasks)
}
