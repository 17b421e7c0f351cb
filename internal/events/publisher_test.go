package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/phrazzld/taskflow/internal/store"
	"github.com/phrazzld/taskflow/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publisherFixture struct {
	store     *memstore.Store
	handler   *MockEventHandler
	publisher *Publisher
}

func newPublisherFixture(t *testing.T, pageSize int) *publisherFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ms := memstore.New()
	handler := &MockEventHandler{}
	emitter := NewFanout(logger)
	emitter.Register(handler)
	return &publisherFixture{
		store:     ms,
		handler:   handler,
		publisher: NewPublisher(ms, ms.Tasks(), ms.Events(), emitter, pageSize, logger),
	}
}

func (f *publisherFixture) createTask(t *testing.T, userID uuid.UUID, project string) *domain.Task {
	t.Helper()
	task := newTestTask(t, userID, project)
	_, _, err := f.publisher.Mutate(context.Background(), project, func(ctx context.Context, tasks store.TaskStore) ([]*domain.LifecycleEvent, error) {
		if err := tasks.Create(ctx, task); err != nil {
			return nil, err
		}
		return []*domain.LifecycleEvent{domain.NewLifecycleEvent(task, domain.CreatedPayload{})}, nil
	})
	require.NoError(t, err)
	return task
}

func TestPublisher_MutateAppendsThenBroadcasts(t *testing.T) {
	f := newPublisherFixture(t, 0)
	task := f.createTask(t, uuid.New(), "p1")

	stored, err := f.store.Tasks().GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, stored.Status)

	require.Equal(t, 1, f.handler.HandledCount)
	assert.Equal(t, "1", f.handler.LastEvent().ID)
	assert.Equal(t, domain.LifecycleCreated, f.handler.LastEvent().LifecycleType())
}

func TestPublisher_MutateRollsBackOnError(t *testing.T) {
	f := newPublisherFixture(t, 0)
	task := newTestTask(t, uuid.New(), "p1")
	boom := errors.New("boom")

	_, _, err := f.publisher.Mutate(context.Background(), "p1", func(ctx context.Context, tasks store.TaskStore) ([]*domain.LifecycleEvent, error) {
		require.NoError(t, tasks.Create(ctx, task))
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = f.store.Tasks().GetByID(context.Background(), task.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
	assert.Zero(t, f.handler.HandledCount)
}

func TestPublisher_RejectsEventForOtherProject(t *testing.T) {
	f := newPublisherFixture(t, 0)
	task := newTestTask(t, uuid.New(), "p2")

	_, _, err := f.publisher.Mutate(context.Background(), "p1", func(context.Context, store.TaskStore) ([]*domain.LifecycleEvent, error) {
		return []*domain.LifecycleEvent{domain.NewLifecycleEvent(task, domain.CreatedPayload{})}, nil
	})
	assert.ErrorIs(t, err, ErrProjectMismatch)

	evs, err := f.store.Events().ListAfter(context.Background(), "p2", 0, 0, uuid.Nil)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestPublisher_BroadcastFailureIsNotAnError(t *testing.T) {
	f := newPublisherFixture(t, 0)
	f.handler.HandlerError = errors.New("channel down")
	task := newTestTask(t, uuid.New(), "p1")

	ev := domain.NewLifecycleEvent(task, domain.CreatedPayload{})
	published, err := f.publisher.PublishTaskEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "1", ev.ID)
	assert.Equal(t, domain.SideEffectPublish, published.Name)
	assert.False(t, published.OK)
	assert.Contains(t, published.Error, "channel down")

	stored, err := f.store.Events().Get(context.Background(), "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, task.ID, stored.TaskID)
}

func TestPublisher_BroadcastOrderMatchesIDs(t *testing.T) {
	f := newPublisherFixture(t, 0)
	task := newTestTask(t, uuid.New(), "p1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := domain.NewLifecycleEvent(task, domain.ProcessingPayload{})
			_, err := f.publisher.PublishTaskEvent(context.Background(), ev)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, f.handler.Events, 50)
	for i, ev := range f.handler.Events {
		seq, ok := ev.Seq()
		require.True(t, ok)
		assert.Equal(t, int64(i+1), seq)
	}
}

func TestPublisher_ListEventsAfter(t *testing.T) {
	f := newPublisherFixture(t, 2)
	ctx := context.Background()
	owner, other := uuid.New(), uuid.New()
	mine := newTestTask(t, owner, "p1")
	theirs := newTestTask(t, other, "p1")

	for i := 0; i < 6; i++ {
		task := mine
		if i%3 == 2 {
			task = theirs
		}
		_, err := f.publisher.PublishTaskEvent(ctx, domain.NewLifecycleEvent(task, domain.ProcessingPayload{}))
		require.NoError(t, err)
	}

	tests := []struct {
		name    string
		afterID int64
		limit   int
		want    []string
	}{
		{name: "everything across pages", afterID: 0, limit: 100, want: []string{"1", "2", "4", "5"}},
		{name: "limited", afterID: 0, limit: 3, want: []string{"1", "2", "4"}},
		{name: "after cursor", afterID: 2, limit: 100, want: []string{"4", "5"}},
		{name: "past the end", afterID: 6, limit: 100, want: nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			evs, err := f.publisher.ListEventsAfter(ctx, "p1", tc.afterID, tc.limit, owner)
			require.NoError(t, err)

			var ids []string
			for _, ev := range evs {
				ids = append(ids, ev.ID)
				assert.Equal(t, owner, ev.UserID)
			}
			assert.Equal(t, tc.want, ids)
		})
	}
}

func TestClampTaskEventsLimit(t *testing.T) {
	assert.Equal(t, DefaultTaskEventsLimit, ClampTaskEventsLimit(0))
	assert.Equal(t, DefaultTaskEventsLimit, ClampTaskEventsLimit(-3))
	assert.Equal(t, 1, ClampTaskEventsLimit(1))
	assert.Equal(t, MaxTaskEventsLimit, ClampTaskEventsLimit(MaxTaskEventsLimit+1))
}

func TestPublisher_ListTaskLifecycleEventsReconciles(t *testing.T) {
	ctx := context.Background()

	t.Run("terminal row without terminal event", func(t *testing.T) {
		f := newPublisherFixture(t, 0)
		task := f.createTask(t, uuid.New(), "p1")

		// The transition commits without an event, as after a crash.
		_, err := f.store.Tasks().Transition(ctx, task.ID, domain.Transition{To: domain.TaskStatusProcessing})
		require.NoError(t, err)
		_, err = f.store.Tasks().Transition(ctx, task.ID, domain.Transition{
			To:     domain.TaskStatusCompleted,
			Result: json.RawMessage(`{"imageUrl":"u"}`),
		})
		require.NoError(t, err)

		evs, err := f.publisher.ListTaskLifecycleEvents(ctx, task.ID, 0)
		require.NoError(t, err)
		require.Len(t, evs, 2)

		last := evs[1]
		assert.Equal(t, fmt.Sprintf("reconcile:%s:completed", task.ID), last.ID)
		_, durable := last.Seq()
		assert.False(t, durable)
		p, ok := last.Payload.(domain.CompletedPayload)
		require.True(t, ok)
		assert.Equal(t, SourceReconcile, p.Source)
		assert.JSONEq(t, `{"imageUrl":"u"}`, string(p.Result))
	})

	t.Run("complete history is returned as is", func(t *testing.T) {
		f := newPublisherFixture(t, 0)
		task := f.createTask(t, uuid.New(), "p1")

		_, _, err := f.publisher.Mutate(ctx, "p1", func(ctx context.Context, tasks store.TaskStore) ([]*domain.LifecycleEvent, error) {
			updated, err := tasks.Transition(ctx, task.ID, domain.Transition{
				To:        domain.TaskStatusCancelled,
				ErrorCode: domain.ErrorCodeCancelled,
				At:        time.Now().UTC(),
			})
			if err != nil {
				return nil, err
			}
			return []*domain.LifecycleEvent{domain.NewLifecycleEvent(updated, domain.CancelledPayload{
				ErrorCode: domain.ErrorCodeCancelled,
				Cancelled: true,
			})}, nil
		})
		require.NoError(t, err)

		evs, err := f.publisher.ListTaskLifecycleEvents(ctx, task.ID, 0)
		require.NoError(t, err)
		require.Len(t, evs, 2)
		assert.Equal(t, "2", evs[1].ID)
	})

	t.Run("truncated history is not reconciled", func(t *testing.T) {
		f := newPublisherFixture(t, 0)
		task := f.createTask(t, uuid.New(), "p1")
		_, err := f.store.Tasks().Transition(ctx, task.ID, domain.Transition{To: domain.TaskStatusFailed, ErrorCode: "E"})
		require.NoError(t, err)

		evs, err := f.publisher.ListTaskLifecycleEvents(ctx, task.ID, 1)
		require.NoError(t, err)
		require.Len(t, evs, 1)
		assert.Equal(t, "1", evs[0].ID)
	})
}

func TestReconcileEvent_NonTerminal(t *testing.T) {
	task := newTestTask(t, uuid.New(), "p1")
	assert.Nil(t, ReconcileEvent(task, nil))
}
