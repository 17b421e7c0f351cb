package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []TaskStatus{TaskStatusPending, TaskStatusProcessing}

// Error codes recorded on failed or cancelled tasks.
const (
	ErrorCodeCancelled         = "TASK_CANCELLED"
	ErrorCodeWatchdogTimeout   = "WATCHDOG_TIMEOUT"
	ErrorCodeWorkerInterrupted = "WORKER_INTERRUPTED"
	ErrorCodeEnqueueFailed     = "ENQUEUE_FAILED"
	ErrorCodeExecutionFailed   = "EXECUTION_FAILED"
)

// CancelledMessage is the error message stored on user-cancelled tasks.
const CancelledMessage = "Task cancelled by user"

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is completed, failed or cancelled.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// CanTransitionTo reports whether the state machine permits s -> next.
//
//	pending    -> processing | failed | cancelled
//	processing -> completed | failed | cancelled
//
// pending -> failed covers tasks that could not be enqueued.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusProcessing || next == TaskStatusFailed || next == TaskStatusCancelled
	case TaskStatusProcessing:
		return next == TaskStatusCompleted || next == TaskStatusFailed || next == TaskStatusCancelled
	}
	return false
}

// SourceStatuses returns the statuses from which next may be entered.
func SourceStatuses(next TaskStatus) []TaskStatus {
	var from []TaskStatus
	for _, s := range ActiveStatuses {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}

// Validation errors for Task
var (
	ErrEmptyTaskID         = errors.New("task ID cannot be empty")
	ErrEmptyTaskUserID     = errors.New("task user ID cannot be empty")
	ErrEmptyTaskProjectID  = errors.New("task project ID cannot be empty")
	ErrEmptyTaskTargetType = errors.New("task target type cannot be empty")
	ErrEmptyTaskTargetID   = errors.New("task target ID cannot be empty")
	ErrInvalidTaskStatus   = errors.New("invalid task status")
)

// Task is a durable record of one background operation.
type Task struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"userId"`
	ProjectID    string          `json:"projectId"`
	Type         TaskType        `json:"type"`
	TargetType   string          `json:"targetType"`
	TargetID     string          `json:"targetId"`
	EpisodeID    *string         `json:"episodeId"`
	Status       TaskStatus      `json:"status"`
	Progress     int             `json:"progress"`
	Payload      json.RawMessage `json:"payload"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    *string         `json:"errorCode"`
	ErrorMessage *string         `json:"errorMessage"`
	Dismissed    bool            `json:"dismissed"`
	HeartbeatAt  *time.Time      `json:"heartbeatAt,omitempty"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// NewTaskParams carries the caller-supplied fields of a new task.
type NewTaskParams struct {
	UserID     uuid.UUID
	ProjectID  string
	Type       TaskType
	TargetType string
	TargetID   string
	EpisodeID  *string
	Payload    json.RawMessage
}

// NewTask creates a pending Task with a fresh ID and timestamps.
// Returns an error if validation fails.
func NewTask(p NewTaskParams) (*Task, error) {
	now := time.Now().UTC()
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	t := &Task{
		ID:         uuid.New(),
		UserID:     p.UserID,
		ProjectID:  strings.TrimSpace(p.ProjectID),
		Type:       p.Type,
		TargetType: strings.TrimSpace(p.TargetType),
		TargetID:   strings.TrimSpace(p.TargetID),
		EpisodeID:  p.EpisodeID,
		Status:     TaskStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks if the Task has valid data.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if t.UserID == uuid.Nil {
		return ErrEmptyTaskUserID
	}
	if t.ProjectID == "" {
		return ErrEmptyTaskProjectID
	}
	if !t.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTaskType, t.Type)
	}
	if t.TargetType == "" {
		return ErrEmptyTaskTargetType
	}
	if t.TargetID == "" {
		return ErrEmptyTaskTargetID
	}
	if !t.Status.Valid() {
		return ErrInvalidTaskStatus
	}
	return nil
}

// OwnedBy reports whether userID owns the task.
func (t *Task) OwnedBy(userID uuid.UUID) bool {
	return t != nil && t.UserID == userID
}

// Transition describes a status change applied atomically to a task row.
type Transition struct {
	To           TaskStatus
	ErrorCode    string
	ErrorMessage string
	Result       json.RawMessage
	At           time.Time
}

// Apply mutates t according to tr. It returns ErrInvalidTransition when the
// state machine forbids the change; t is left untouched in that case.
func (t *Task) Apply(tr Transition) error {
	if !t.Status.CanTransitionTo(tr.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, tr.To)
	}
	at := tr.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	t.Status = tr.To
	t.UpdatedAt = at
	switch tr.To {
	case TaskStatusProcessing:
		t.StartedAt = &at
		t.HeartbeatAt = &at
	case TaskStatusCompleted:
		t.Progress = 100
		t.Result = tr.Result
		t.FinishedAt = &at
	case TaskStatusFailed, TaskStatusCancelled:
		code, msg := tr.ErrorCode, tr.ErrorMessage
		t.ErrorCode = &code
		t.ErrorMessage = &msg
		t.FinishedAt = &at
	}
	return nil
}

// StrPtr returns a pointer to s, or nil for the empty string.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StrVal dereferences p, returning "" for nil.
func StrVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
