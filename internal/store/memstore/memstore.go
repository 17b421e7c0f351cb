// Package memstore is an in-memory implementation of the store contracts.
// Transactions are serialized and roll back by restoring a snapshot.
package memstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/phrazzld/taskflow/internal/store"
)

// Store holds tasks and project event logs in memory.
type Store struct {
	mu       sync.Mutex
	tasks    map[uuid.UUID]*domain.Task
	events   map[string][]*domain.LifecycleEvent
	counters map[string]int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tasks:    make(map[uuid.UUID]*domain.Task),
		events:   make(map[string][]*domain.LifecycleEvent),
		counters: make(map[string]int64),
	}
}

var (
	_ store.TaskStore  = (*TaskStore)(nil)
	_ store.EventStore = (*EventStore)(nil)
	_ store.Transactor = (*Store)(nil)
)

// Tasks returns a TaskStore view that locks per call.
func (s *Store) Tasks() *TaskStore { return &TaskStore{s: s} }

// Events returns an EventStore view that locks per call.
func (s *Store) Events() *EventStore { return &EventStore{s: s} }

// InTx implements store.Transactor. The store lock is held for the whole
// callback; fn must only use the stores it is given.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, st store.Stores) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	err := fn(ctx, store.Stores{
		Tasks:  &TaskStore{s: s, held: true},
		Events: &EventStore{s: s, held: true},
	})
	if err != nil {
		s.restore(snap)
	}
	return err
}

type snapshot struct {
	tasks    map[uuid.UUID]*domain.Task
	events   map[string][]*domain.LifecycleEvent
	counters map[string]int64
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		tasks:    make(map[uuid.UUID]*domain.Task, len(s.tasks)),
		events:   make(map[string][]*domain.LifecycleEvent, len(s.events)),
		counters: make(map[string]int64, len(s.counters)),
	}
	for id, t := range s.tasks {
		snap.tasks[id] = t
	}
	for p, evs := range s.events {
		snap.events[p] = evs[:len(evs):len(evs)]
	}
	for p, n := range s.counters {
		snap.counters[p] = n
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.tasks = snap.tasks
	s.events = snap.events
	s.counters = snap.counters
}

func (s *Store) lock(held bool) func() {
	if held {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	c.Payload = append(json.RawMessage(nil), t.Payload...)
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &c
}

// TaskStore is the in-memory store.TaskStore. Stored tasks are replaced,
// never mutated in place, so snapshots stay consistent.
type TaskStore struct {
	s    *Store
	held bool
}

// Create implements store.TaskStore.
func (ts *TaskStore) Create(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	defer ts.s.lock(ts.held)()

	if _, ok := ts.s.tasks[task.ID]; ok {
		return store.ErrDuplicate
	}
	ts.s.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetByID implements store.TaskStore.
func (ts *TaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	defer ts.s.lock(ts.held)()

	t, ok := ts.s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// Query implements store.TaskStore.
func (ts *TaskStore) Query(ctx context.Context, f store.TaskFilter) ([]*domain.Task, error) {
	defer ts.s.lock(ts.held)()

	targetIDs := toSet(f.TargetIDs)
	types := make(map[domain.TaskType]bool, len(f.Types))
	for _, t := range f.Types {
		types[t] = true
	}
	statuses := make(map[domain.TaskStatus]bool, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses[s] = true
	}

	var out []*domain.Task
	for _, t := range ts.s.tasks {
		switch {
		case f.ProjectID != "" && t.ProjectID != f.ProjectID,
			f.UserID != uuid.Nil && t.UserID != f.UserID,
			f.TargetType != "" && t.TargetType != f.TargetType,
			len(targetIDs) > 0 && !targetIDs[t.TargetID],
			len(types) > 0 && !types[t.Type],
			len(statuses) > 0 && !statuses[t.Status]:
			continue
		}
		out = append(out, cloneTask(t))
	}
	if f.LatestPerTarget {
		out = latestPerTarget(out)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := f.NormalizedLimit(); !f.Unbounded && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func latestPerTarget(tasks []*domain.Task) []*domain.Task {
	type key struct{ targetType, targetID string }
	latest := make(map[key]*domain.Task)
	for _, t := range tasks {
		k := key{t.TargetType, t.TargetID}
		cur, ok := latest[k]
		if !ok || t.UpdatedAt.After(cur.UpdatedAt) ||
			(t.UpdatedAt.Equal(cur.UpdatedAt) && t.ID.String() > cur.ID.String()) {
			latest[k] = t
		}
	}
	out := make([]*domain.Task, 0, len(latest))
	for _, t := range latest {
		out = append(out, t)
	}
	return out
}

// Transition implements store.TaskStore.
func (ts *TaskStore) Transition(ctx context.Context, id uuid.UUID, tr domain.Transition) (*domain.Task, error) {
	defer ts.s.lock(ts.held)()

	cur, ok := ts.s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	next := cloneTask(cur)
	if err := next.Apply(tr); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrTransitionDenied, err)
	}
	ts.s.tasks[id] = next
	return cloneTask(next), nil
}

// UpdateProgress implements store.TaskStore.
func (ts *TaskStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress int, payload json.RawMessage, at time.Time) (*domain.Task, error) {
	defer ts.s.lock(ts.held)()

	cur, ok := ts.s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	if cur.Status != domain.TaskStatusProcessing {
		return nil, fmt.Errorf("%w: task is %s", store.ErrTransitionDenied, cur.Status)
	}
	next := cloneTask(cur)
	next.Progress = progress
	if len(payload) > 0 {
		next.Payload = append(json.RawMessage(nil), payload...)
	}
	next.HeartbeatAt = &at
	next.UpdatedAt = at
	ts.s.tasks[id] = next
	return cloneTask(next), nil
}

// Touch implements store.TaskStore.
func (ts *TaskStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	defer ts.s.lock(ts.held)()

	cur, ok := ts.s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if cur.Status != domain.TaskStatusProcessing {
		return fmt.Errorf("%w: task is %s", store.ErrTransitionDenied, cur.Status)
	}
	next := cloneTask(cur)
	next.HeartbeatAt = &at
	ts.s.tasks[id] = next
	return nil
}

// DismissFailed implements store.TaskStore.
func (ts *TaskStore) DismissFailed(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]*domain.Task, error) {
	defer ts.s.lock(ts.held)()

	now := time.Now().UTC()
	seen := make(map[uuid.UUID]bool, len(ids))
	var out []*domain.Task
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		cur, ok := ts.s.tasks[id]
		if !ok || cur.UserID != userID || cur.Status != domain.TaskStatusFailed || cur.Dismissed {
			continue
		}
		next := cloneTask(cur)
		next.Dismissed = true
		next.UpdatedAt = now
		ts.s.tasks[id] = next
		out = append(out, cloneTask(next))
	}
	return out, nil
}

// ListPending implements store.TaskStore.
func (ts *TaskStore) ListPending(ctx context.Context) ([]*domain.Task, error) {
	return ts.listByStatus(domain.TaskStatusPending, 0), nil
}

// ListProcessing implements store.TaskStore.
func (ts *TaskStore) ListProcessing(ctx context.Context, staleFor time.Duration) ([]*domain.Task, error) {
	return ts.listByStatus(domain.TaskStatusProcessing, staleFor), nil
}

func (ts *TaskStore) listByStatus(status domain.TaskStatus, staleFor time.Duration) []*domain.Task {
	defer ts.s.lock(ts.held)()

	cutoff := time.Now().UTC().Add(-staleFor)
	var out []*domain.Task
	for _, t := range ts.s.tasks {
		if t.Status != status {
			continue
		}
		if staleFor > 0 {
			beat := t.UpdatedAt
			if t.HeartbeatAt != nil {
				beat = *t.HeartbeatAt
			}
			if !beat.Before(cutoff) {
				continue
			}
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// WithTx implements store.TaskStore. The in-memory store has no SQL
// transactions; use Store.InTx instead.
func (ts *TaskStore) WithTx(*sql.Tx) store.TaskStore { return ts }

// EventStore is the in-memory store.EventStore.
type EventStore struct {
	s    *Store
	held bool
}

// Append implements store.EventStore.
func (es *EventStore) Append(ctx context.Context, ev *domain.LifecycleEvent) error {
	if ev.ProjectID == "" {
		return fmt.Errorf("%w: event project ID cannot be empty", store.ErrInvalidEntity)
	}
	if ev.Payload == nil {
		return fmt.Errorf("%w: event payload cannot be empty", store.ErrInvalidEntity)
	}
	defer es.s.lock(es.held)()

	es.s.counters[ev.ProjectID]++
	ev.ID = strconv.FormatInt(es.s.counters[ev.ProjectID], 10)
	c := *ev
	es.s.events[ev.ProjectID] = append(es.s.events[ev.ProjectID], &c)
	return nil
}

// ListAfter implements store.EventStore.
func (es *EventStore) ListAfter(ctx context.Context, projectID string, afterID int64, limit int, userID uuid.UUID) ([]*domain.LifecycleEvent, error) {
	defer es.s.lock(es.held)()

	var out []*domain.LifecycleEvent
	for _, ev := range es.s.events[projectID] {
		if limit > 0 && len(out) >= limit {
			break
		}
		seq, _ := ev.Seq()
		if seq <= afterID {
			continue
		}
		if userID != uuid.Nil && ev.UserID != userID {
			continue
		}
		c := *ev
		out = append(out, &c)
	}
	return out, nil
}

// ListByTask implements store.EventStore.
func (es *EventStore) ListByTask(ctx context.Context, taskID uuid.UUID, limit int) ([]*domain.LifecycleEvent, error) {
	defer es.s.lock(es.held)()

	var out []*domain.LifecycleEvent
	for _, evs := range es.s.events {
		for _, ev := range evs {
			if ev.TaskID == taskID {
				c := *ev
				out = append(out, &c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := out[i].Seq()
		b, _ := out[j].Seq()
		return a < b
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get implements store.EventStore.
func (es *EventStore) Get(ctx context.Context, projectID string, id int64) (*domain.LifecycleEvent, error) {
	defer es.s.lock(es.held)()

	for _, ev := range es.s.events[projectID] {
		if seq, _ := ev.Seq(); seq == id {
			c := *ev
			return &c, nil
		}
	}
	return nil, store.ErrEventNotFound
}

// WithTx implements store.EventStore.
func (es *EventStore) WithTx(*sql.Tx) store.EventStore { return es }

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
