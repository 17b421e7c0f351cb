package postgres

import (
	"context"
	"database/sql"

	"github.com/phrazzld/taskflow/internal/store"
)

// Transactor implements store.Transactor over a *sql.DB.
type Transactor struct {
	db     *sql.DB
	tasks  *PostgresTaskStore
	events *PostgresEventStore
}

var _ store.Transactor = (*Transactor)(nil)

// NewTransactor binds the given stores to transactions opened on db.
func NewTransactor(db *sql.DB, tasks *PostgresTaskStore, events *PostgresEventStore) *Transactor {
	return &Transactor{db: db, tasks: tasks, events: events}
}

// InTx implements store.Transactor.
func (t *Transactor) InTx(ctx context.Context, fn func(ctx context.Context, s store.Stores) error) error {
	return store.RunInTransaction(ctx, t.db, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, store.Stores{
			Tasks:  t.tasks.WithTx(tx),
			Events: t.events.WithTx(tx),
		})
	})
}
