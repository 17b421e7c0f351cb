package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/domain"
)

// DefaultQueryLimit is applied when a TaskFilter has no positive limit.
const DefaultQueryLimit = 50

// MaxQueryLimit caps TaskFilter.Limit.
const MaxQueryLimit = 500

// TaskFilter selects tasks for Query. Zero-valued fields do not filter,
// except UserID which is always required by callers that serve users.
type TaskFilter struct {
	ProjectID  string
	UserID     uuid.UUID
	TargetType string
	TargetIDs  []string
	Types      []domain.TaskType
	Statuses   []domain.TaskStatus
	Limit      int

	// Unbounded disables Limit. Callers must bound the result through
	// TargetIDs and Statuses.
	Unbounded bool

	// LatestPerTarget keeps only the most recently updated matching task
	// of each target.
	LatestPerTarget bool
}

// NormalizedLimit returns the effective row limit of f.
func (f TaskFilter) NormalizedLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultQueryLimit
	case f.Limit > MaxQueryLimit:
		return MaxQueryLimit
	}
	return f.Limit
}

// TaskStore defines the interface for task persistence operations.
// Status changes go through Transition, which applies the change only if the
// current status is one the state machine allows to reach the target.
type TaskStore interface {
	// Create saves a new task. Returns ErrInvalidEntity if validation fails.
	Create(ctx context.Context, task *domain.Task) error

	// GetByID retrieves a task by ID. Returns ErrTaskNotFound if absent.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// Query lists tasks matching filter, newest first.
	Query(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)

	// Transition atomically moves a task to tr.To. Returns ErrTaskNotFound
	// if the task is absent and ErrTransitionDenied if its current status
	// does not permit the change; the row is unchanged in both cases.
	Transition(ctx context.Context, id uuid.UUID, tr domain.Transition) (*domain.Task, error)

	// UpdateProgress records progress for a processing task and refreshes its
	// heartbeat. A non-empty payload replaces the stored one. Returns
	// ErrTransitionDenied if the task is not processing.
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int, payload json.RawMessage, at time.Time) (*domain.Task, error)

	// Touch refreshes the heartbeat of a processing task.
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error

	// DismissFailed marks the given failed tasks owned by userID as dismissed
	// and returns the updated rows. Other ids are skipped silently.
	DismissFailed(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]*domain.Task, error)

	// ListPending returns all pending tasks, oldest first.
	ListPending(ctx context.Context) ([]*domain.Task, error)

	// ListProcessing returns processing tasks whose heartbeat is older than
	// staleFor. A zero staleFor returns every processing task.
	ListProcessing(ctx context.Context, staleFor time.Duration) ([]*domain.Task, error)

	// WithTx returns a new TaskStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) TaskStore
}
