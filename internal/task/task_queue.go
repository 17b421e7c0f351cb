package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/domain"
)

// Common errors returned by the TaskQueue
var (
	ErrQueueClosed   = errors.New("task queue is closed")
	ErrQueueFull     = errors.New("task queue is full")
	ErrAlreadyQueued = errors.New("task is already queued")
)

// TaskQueueReader provides read-only access to queued jobs,
// allowing workers to consume them without the ability to enqueue.
type TaskQueueReader interface {
	// Next blocks until a job is available. It returns ErrQueueClosed once
	// the queue is closed and drained, or ctx's error.
	Next(ctx context.Context) (Job, error)
}

// TaskQueueWriter provides write access to the task queue.
type TaskQueueWriter interface {
	// Enqueue adds a job to the queue for processing.
	// Returns an error if the queue is full or closed.
	Enqueue(job Job) error

	// Remove drops a queued job. It reports false if the job is not queued.
	Remove(taskID uuid.UUID) bool

	// Close closes the task queue, preventing further job submission.
	Close()
}

// TaskQueue is a bounded FIFO of jobs for one queue kind. Removed jobs stay
// in the buffer as tombstones and are skipped when dequeued.
type TaskQueue struct {
	kind   domain.QueueKind
	jobs   chan Job
	logger *slog.Logger

	mu      sync.Mutex
	queued  map[uuid.UUID]bool
	removed map[uuid.UUID]int
	closed  bool
}

var (
	_ TaskQueueReader = (*TaskQueue)(nil)
	_ TaskQueueWriter = (*TaskQueue)(nil)
)

// NewTaskQueue creates a new task queue with the specified buffer size
func NewTaskQueue(kind domain.QueueKind, size int, logger *slog.Logger) *TaskQueue {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskQueue{
		kind:    kind,
		jobs:    make(chan Job, size),
		logger:  logger.With("queue", string(kind)),
		queued:  make(map[uuid.UUID]bool),
		removed: make(map[uuid.UUID]int),
	}
}

// Kind returns the queue kind.
func (q *TaskQueue) Kind() domain.QueueKind { return q.kind }

// Enqueue adds a job to the queue for processing.
// Returns an error if the queue is full or closed.
func (q *TaskQueue) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.queued[job.TaskID] {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, job.TaskID)
	}

	select {
	case q.jobs <- job:
		q.queued[job.TaskID] = true
		q.logger.Debug("job enqueued",
			"task_id", job.TaskID,
			"task_type", job.Type,
			"queue_len", len(q.jobs),
			"queue_cap", cap(q.jobs))
		return nil
	default:
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, cap(q.jobs))
	}
}

// Remove drops a queued job so no worker picks it up. It reports false if
// the job is not waiting in this queue.
func (q *TaskQueue) Remove(taskID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.queued[taskID] {
		return false
	}
	delete(q.queued, taskID)
	q.removed[taskID]++
	q.logger.Debug("job removed", "task_id", taskID)
	return true
}

// Next implements TaskQueueReader.
func (q *TaskQueue) Next(ctx context.Context) (Job, error) {
	for {
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case job, ok := <-q.jobs:
			if !ok {
				return Job{}, ErrQueueClosed
			}
			if q.take(job) {
				return job, nil
			}
		}
	}
}

// take claims a dequeued job, or consumes its tombstone.
func (q *TaskQueue) take(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n := q.removed[job.TaskID]; n > 0 {
		if n == 1 {
			delete(q.removed, job.TaskID)
		} else {
			q.removed[job.TaskID] = n - 1
		}
		return false
	}
	delete(q.queued, job.TaskID)
	return true
}

// Len returns the number of live jobs waiting in the queue.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// Close closes the task queue, preventing further job submission.
// Jobs already queued can still be taken.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.jobs)
		q.logger.Info("task queue closed")
	}
}
