package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/domain"
)

// EventStore is the append-only, project-scoped lifecycle event log.
type EventStore interface {
	// Append assigns the next id of the event's project to ev.ID and stores
	// it. Ids within a project increase monotonically in commit order.
	Append(ctx context.Context, ev *domain.LifecycleEvent) error

	// ListAfter returns up to limit events of projectID with id > afterID in
	// ascending order. A non-nil userID restricts results to that owner.
	ListAfter(ctx context.Context, projectID string, afterID int64, limit int, userID uuid.UUID) ([]*domain.LifecycleEvent, error)

	// ListByTask returns up to limit events of one task in ascending order.
	ListByTask(ctx context.Context, taskID uuid.UUID, limit int) ([]*domain.LifecycleEvent, error)

	// Get retrieves a single event. Returns ErrEventNotFound if absent.
	Get(ctx context.Context, projectID string, id int64) (*domain.LifecycleEvent, error)

	// WithTx returns a new EventStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) EventStore
}

// Stores groups the transaction-bound stores handed to a Transactor callback.
type Stores struct {
	Tasks  TaskStore
	Events EventStore
}

// Transactor runs fn with stores bound to a single transaction. The
// transaction commits if fn returns nil and rolls back otherwise.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}
