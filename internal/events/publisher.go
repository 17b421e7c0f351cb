package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/phrazzld/taskflow/internal/platform/logger"
	"github.com/phrazzld/taskflow/internal/store"
)

const (
	// DefaultReplayPageSize bounds a single replay query.
	DefaultReplayPageSize = 500

	// DefaultTaskEventsLimit applies when a task history is requested without a limit.
	DefaultTaskEventsLimit = 500

	// MaxTaskEventsLimit caps a task history request.
	MaxTaskEventsLimit = 5000

	// SourceReconcile marks events synthesised from the task row.
	SourceReconcile = "db_reconcile"

	broadcastTimeout = 5 * time.Second
)

// ErrProjectMismatch is returned when a mutation yields an event for a
// project other than the one it was started for.
var ErrProjectMismatch = errors.New("event belongs to a different project")

// MutateFunc changes task rows and returns the lifecycle events describing
// the change. It runs inside the publishing transaction.
type MutateFunc func(ctx context.Context, tasks store.TaskStore) ([]*domain.LifecycleEvent, error)

// Publisher is the single writer of the event log. Task mutations and their
// events commit together; broadcast follows the commit.
type Publisher struct {
	tx       store.Transactor
	tasks    store.TaskStore
	events   store.EventStore
	emitter  EventEmitter
	pageSize int
	logger   *slog.Logger

	locks projectLocks
}

// NewPublisher creates a Publisher. tasks and events are used for reads
// outside a transaction; tx provides transaction-bound stores for writes.
func NewPublisher(
	tx store.Transactor,
	tasks store.TaskStore,
	events store.EventStore,
	emitter EventEmitter,
	pageSize int,
	logger *slog.Logger,
) *Publisher {
	if pageSize <= 0 {
		pageSize = DefaultReplayPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		tx:       tx,
		tasks:    tasks,
		events:   events,
		emitter:  emitter,
		pageSize: pageSize,
		logger:   logger.With(slog.String("component", "event_publisher")),
		locks:    projectLocks{held: make(map[string]*projectLock)},
	}
}

// Mutate runs fn in a transaction, appends the events it returns to
// projectID's log in that same transaction and, after commit, broadcasts
// them in id order. Publishing for one project is serialised within the
// process so broadcasts leave in the order their ids were assigned.
//
// A failed broadcast does not fail the mutation; it is reported in the
// returned publish side effect.
func (p *Publisher) Mutate(ctx context.Context, projectID string, fn MutateFunc) ([]*domain.LifecycleEvent, domain.SideEffect, error) {
	unlock := p.locks.lock(projectID)
	defer unlock()

	var appended []*domain.LifecycleEvent
	err := p.tx.InTx(ctx, func(ctx context.Context, s store.Stores) error {
		evs, err := fn(ctx, s.Tasks)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			if ev.ProjectID != projectID {
				return fmt.Errorf("%w: %s", ErrProjectMismatch, ev.ProjectID)
			}
			if err := s.Events.Append(ctx, ev); err != nil {
				return fmt.Errorf("append %s event: %w", ev.LifecycleType(), err)
			}
		}
		appended = evs
		return nil
	})
	if err != nil {
		return nil, domain.SideEffect{}, err
	}

	return appended, p.broadcast(ctx, appended), nil
}

// PublishTaskEvent appends ev to its project's log, assigning ev.ID, then
// broadcasts it.
func (p *Publisher) PublishTaskEvent(ctx context.Context, ev *domain.LifecycleEvent) (domain.SideEffect, error) {
	_, published, err := p.Mutate(ctx, ev.ProjectID, func(context.Context, store.TaskStore) ([]*domain.LifecycleEvent, error) {
		return []*domain.LifecycleEvent{ev}, nil
	})
	return published, err
}

func (p *Publisher) broadcast(ctx context.Context, evs []*domain.LifecycleEvent) domain.SideEffect {
	if p.emitter == nil || len(evs) == 0 {
		return domain.NewSideEffect(domain.SideEffectPublish, nil)
	}
	log := logger.FromContextOrDefault(ctx, p.logger)

	// Committed events are broadcast even if the caller has gone away.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), broadcastTimeout)
	defer cancel()

	var errs []error
	for _, ev := range evs {
		if err := p.emitter.EmitEvent(bctx, ev); err != nil {
			log.Warn("failed to broadcast task event",
				slog.String("error", err.Error()),
				slog.String("project_id", ev.ProjectID),
				slog.String("event_id", ev.ID),
				slog.String("task_id", ev.TaskID.String()))
			errs = append(errs, fmt.Errorf("event %s: %w", ev.ID, err))
		}
	}
	return domain.NewSideEffect(domain.SideEffectPublish, errors.Join(errs...))
}

// ListEventsAfter returns up to limit events of projectID with id > afterID
// owned by userID, in ascending id order. A non-positive limit returns one
// page. The log is read in pages of at most the configured page size.
func (p *Publisher) ListEventsAfter(ctx context.Context, projectID string, afterID int64, limit int, userID uuid.UUID) ([]*domain.LifecycleEvent, error) {
	if limit <= 0 {
		limit = p.pageSize
	}

	var out []*domain.LifecycleEvent
	cursor := afterID
	for len(out) < limit {
		size := min(p.pageSize, limit-len(out))
		page, err := p.events.ListAfter(ctx, projectID, cursor, size, userID)
		if err != nil {
			return nil, fmt.Errorf("list events after %d: %w", cursor, err)
		}
		out = append(out, page...)
		if len(page) < size {
			break
		}
		last, ok := page[len(page)-1].Seq()
		if !ok || last <= cursor {
			break
		}
		cursor = last
	}
	return out, nil
}

// ClampTaskEventsLimit applies the default and bounds of a task history request.
func ClampTaskEventsLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultTaskEventsLimit
	case limit > MaxTaskEventsLimit:
		return MaxTaskEventsLimit
	default:
		return limit
	}
}

// ListTaskLifecycleEvents returns the ordered history of one task. When the
// complete history lacks the terminal event matching the task row, a
// reconcile event built from the row is appended. It is never stored.
func (p *Publisher) ListTaskLifecycleEvents(ctx context.Context, taskID uuid.UUID, limit int) ([]*domain.LifecycleEvent, error) {
	limit = ClampTaskEventsLimit(limit)

	evs, err := p.events.ListByTask(ctx, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	if len(evs) >= limit {
		return evs, nil
	}

	task, err := p.tasks.GetByID(ctx, taskID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return evs, nil
		}
		return nil, fmt.Errorf("load task for reconciliation: %w", err)
	}

	if ev := ReconcileEvent(task, evs); ev != nil {
		logger.FromContextOrDefault(ctx, p.logger).Debug("reconciled missing terminal event",
			slog.String("task_id", task.ID.String()),
			slog.String("status", string(task.Status)))
		evs = append(evs, ev)
	}
	return evs, nil
}

// ReconcileEvent returns a synthetic terminal event for a terminal task whose
// history has no event of the matching lifecycle type, or nil.
func ReconcileEvent(task *domain.Task, history []*domain.LifecycleEvent) *domain.LifecycleEvent {
	lifecycle, ok := domain.LifecycleForStatus(task.Status)
	if !ok {
		return nil
	}
	for _, ev := range history {
		if ev.LifecycleType() == lifecycle {
			return nil
		}
	}

	var payload domain.LifecyclePayload
	switch task.Status {
	case domain.TaskStatusCompleted:
		payload = domain.CompletedPayload{
			StageInfo: domain.StageInfo{Progress: domain.IntPtr(100)},
			Result:    task.Result,
			Source:    SourceReconcile,
		}
	case domain.TaskStatusFailed:
		payload = domain.FailedPayload{
			ErrorCode:    domain.StrVal(task.ErrorCode),
			ErrorMessage: domain.StrVal(task.ErrorMessage),
			Source:       SourceReconcile,
		}
	case domain.TaskStatusCancelled:
		payload = domain.CancelledPayload{
			ErrorCode: domain.StrVal(task.ErrorCode),
			Message:   domain.StrVal(task.ErrorMessage),
			Cancelled: true,
			Source:    SourceReconcile,
		}
	}

	ev := domain.NewLifecycleEvent(task, payload)
	ev.ID = fmt.Sprintf("reconcile:%s:%s", task.ID, lifecycle)
	ev.TS = task.UpdatedAt
	if task.FinishedAt != nil {
		ev.TS = *task.FinishedAt
	}
	return ev
}

type projectLock struct {
	mu   sync.Mutex
	refs int
}

// projectLocks is a set of mutexes keyed by project ID that are released
// from the map once nobody holds or waits for them.
type projectLocks struct {
	mu   sync.Mutex
	held map[string]*projectLock
}

func (l *projectLocks) lock(projectID string) func() {
	l.mu.Lock()
	pl, ok := l.held[projectID]
	if !ok {
		pl = &projectLock{}
		l.held[projectID] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.held, projectID)
		}
		l.mu.Unlock()
	}
}
