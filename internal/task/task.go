package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/domain"
)

// Job is a unit of background work: one task row waiting for its executor.
type Job struct {
	TaskID     uuid.UUID
	ProjectID  string
	Type       domain.TaskType
	EnqueuedAt time.Time
}

// JobFor builds the job that executes t.
func JobFor(t *domain.Task) Job {
	return Job{
		TaskID:     t.ID,
		ProjectID:  t.ProjectID,
		Type:       t.Type,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Kind returns the queue the job runs on.
func (j Job) Kind() domain.QueueKind { return j.Type.Queue() }

// ProgressUpdate is reported by executors while a task runs.
type ProgressUpdate struct {
	domain.StageInfo
	Message string
}

// Reporter lets an executor publish progress for the task it runs.
type Reporter interface {
	Progress(ctx context.Context, update ProgressUpdate) error
}

// Executor runs tasks of one queue kind. The task passed in is already
// processing; the returned result is stored on completion.
type Executor interface {
	Execute(ctx context.Context, t *domain.Task, report Reporter) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t *domain.Task, report Reporter) (json.RawMessage, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, t *domain.Task, report Reporter) (json.RawMessage, error) {
	return f(ctx, t, report)
}

// Lifecycle records task transitions on behalf of workers. Implementations
// return an error wrapping domain.ErrInvalidTransition when the task is no
// longer in a state that permits the call, for example after cancellation.
// Version: 1.0
type Lifecycle interface {
	// MarkProcessing moves a pending task to processing and returns it.
	MarkProcessing(ctx context.Context, taskID uuid.UUID) (*domain.Task, error)

	// ReportProgress records progress of a processing task.
	ReportProgress(ctx context.Context, taskID uuid.UUID, update ProgressUpdate) error

	// Heartbeat marks a processing task as still alive.
	Heartbeat(ctx context.Context, taskID uuid.UUID) error

	// MarkCompleted finishes a processing task successfully.
	MarkCompleted(ctx context.Context, taskID uuid.UUID, result json.RawMessage) error

	// MarkFailed finishes a non-terminal task with an error code.
	MarkFailed(ctx context.Context, taskID uuid.UUID, code, message string) error

	// PendingTasks lists tasks waiting to run, oldest first.
	PendingTasks(ctx context.Context) ([]*domain.Task, error)

	// StaleTasks lists processing tasks without a heartbeat for olderThan.
	// Zero lists every processing task.
	StaleTasks(ctx context.Context, olderThan time.Duration) ([]*domain.Task, error)
}

// CodedError is an execution failure with a stable error code.
type CodedError struct {
	Code    string
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *CodedError) Unwrap() error { return e.Err }

// NewCodedError creates a CodedError.
func NewCodedError(code, message string, err error) *CodedError {
	return &CodedError{Code: code, Message: message, Err: err}
}

// classify returns the error code and message recorded for a failed run.
func classify(err error) (string, string) {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}
	return domain.ErrorCodeExecutionFailed, err.Error()
}
