package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/phrazzld/taskflow/internal/events"
	"github.com/phrazzld/taskflow/internal/store"
	"github.com/phrazzld/taskflow/internal/store/memstore"
	"github.com/phrazzld/taskflow/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProject = "proj-1"

// fakeQueue records jobs and lets tests script removal outcomes.
type fakeQueue struct {
	mu         sync.Mutex
	jobs       []task.Job
	removed    []uuid.UUID
	enqueueErr error
	removeOK   bool
	removeErr  error
}

func (q *fakeQueue) Enqueue(job task.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Remove(taskID uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, taskID)
	return q.removeOK, q.removeErr
}

// recordedEvents collects broadcast events.
type recordedEvents struct {
	mu  sync.Mutex
	evs []*domain.LifecycleEvent
}

func (r *recordedEvents) HandleEvent(_ context.Context, ev *domain.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}

func (r *recordedEvents) all() []*domain.LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.LifecycleEvent(nil), r.evs...)
}

func (r *recordedEvents) lifecycleTypes() []domain.LifecycleType {
	var out []domain.LifecycleType
	for _, ev := range r.all() {
		out = append(out, ev.LifecycleType())
	}
	return out
}

type serviceFixture struct {
	store     *memstore.Store
	queue     *fakeQueue
	broadcast *recordedEvents
	service   TaskService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ms := memstore.New()
	rec := &recordedEvents{}
	emitter := events.NewFanout(logger)
	emitter.Register(rec)
	publisher := events.NewPublisher(ms, ms.Tasks(), ms.Events(), emitter, 0, logger)
	q := &fakeQueue{removeOK: true}

	svc, err := NewTaskService(ms.Tasks(), publisher, q, logger)
	require.NoError(t, err)
	return &serviceFixture{store: ms, queue: q, broadcast: rec, service: svc}
}

func (f *serviceFixture) submit(t *testing.T, userID uuid.UUID, targetID string) *domain.Task {
	t.Helper()
	created, err := f.service.Submit(context.Background(), SubmitParams{
		UserID:     userID,
		ProjectID:  testProject,
		Type:       domain.TaskTypeImageCharacter,
		TargetType: "character",
		TargetID:   targetID,
		Payload:    json.RawMessage(`{"prompt":"a knight in rain"}`),
	})
	require.NoError(t, err)
	return created
}

func (f *serviceFixture) reload(t *testing.T, id uuid.UUID) *domain.Task {
	t.Helper()
	got, err := f.store.Tasks().GetByID(context.Background(), id)
	require.NoError(t, err)
	return got
}

func TestNewTaskService_RequiresDependencies(t *testing.T) {
	ms := memstore.New()
	publisher := events.NewPublisher(ms, ms.Tasks(), ms.Events(), nil, 0, nil)

	_, err := NewTaskService(nil, publisher, &fakeQueue{}, nil)
	assert.Error(t, err)
	_, err = NewTaskService(ms.Tasks(), nil, &fakeQueue{}, nil)
	assert.Error(t, err)
	_, err = NewTaskService(ms.Tasks(), publisher, nil, nil)
	assert.Error(t, err)

	svc, err := NewTaskService(ms.Tasks(), publisher, &fakeQueue{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, svc)
}

func TestSubmit(t *testing.T) {
	f := newServiceFixture(t)
	userID := uuid.New()

	created := f.submit(t, userID, "char-1")

	stored := f.reload(t, created.ID)
	assert.Equal(t, domain.TaskStatusPending, stored.Status)
	assert.Equal(t, userID, stored.UserID)
	assert.JSONEq(t,
		`{"prompt":"a knight in rain","flowId":"single:image_character","flowStageIndex":1,"flowStageTotal":1}`,
		string(stored.Payload))

	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, created.ID, f.queue.jobs[0].TaskID)
	assert.Equal(t, domain.QueueImage, f.queue.jobs[0].Kind())

	evs := f.broadcast.all()
	require.Len(t, evs, 1)
	assert.Equal(t, "1", evs[0].ID)
	assert.Equal(t, domain.LifecycleCreated, evs[0].LifecycleType())
	assert.Equal(t, "single:image_character", evs[0].Payload.StageOf().FlowID)
}

func TestSubmit_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		params SubmitParams
	}{
		{
			name: "unknown type",
			params: SubmitParams{
				Type: "paint_mural", TargetType: "character", TargetID: "c",
				Payload: json.RawMessage(`{"prompt":"p"}`),
			},
		},
		{
			name: "missing prompt",
			params: SubmitParams{
				Type: domain.TaskTypeImageCharacter, TargetType: "character", TargetID: "c",
				Payload: json.RawMessage(`{"style":"noir"}`),
			},
		},
		{
			name: "payload not an object",
			params: SubmitParams{
				Type: domain.TaskTypeVoiceLine, TargetType: "line", TargetID: "l",
				Payload: json.RawMessage(`["hello"]`),
			},
		},
		{
			name: "missing target",
			params: SubmitParams{
				Type:    domain.TaskTypeImageCharacter,
				Payload: json.RawMessage(`{"prompt":"p"}`),
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newServiceFixture(t)
			tc.params.UserID = uuid.New()
			tc.params.ProjectID = testProject

			_, err := f.service.Submit(context.Background(), tc.params)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Empty(t, f.queue.jobs)
			assert.Empty(t, f.broadcast.all())
		})
	}
}

func TestSubmit_EnqueueFailureFailsTask(t *testing.T) {
	f := newServiceFixture(t)
	f.queue.enqueueErr = task.ErrQueueFull
	userID := uuid.New()

	_, err := f.service.Submit(context.Background(), SubmitParams{
		UserID:     userID,
		ProjectID:  testProject,
		Type:       domain.TaskTypeAnalyzeNovel,
		TargetType: "novel",
		TargetID:   "n-1",
		Payload:    json.RawMessage(`{"content":"It was a dark night."}`),
	})
	assert.ErrorIs(t, err, ErrQueueUnavailable)
	assert.ErrorIs(t, err, task.ErrQueueFull)

	tasks, err := f.store.Tasks().Query(context.Background(), store.TaskFilter{ProjectID: testProject, UserID: userID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskStatusFailed, tasks[0].Status)
	assert.Equal(t, domain.ErrorCodeEnqueueFailed, domain.StrVal(tasks[0].ErrorCode))

	assert.Equal(t, []domain.LifecycleType{domain.LifecycleCreated, domain.LifecycleFailed}, f.broadcast.lifecycleTypes())
}

func TestQueryTasks_ScopedToCaller(t *testing.T) {
	f := newServiceFixture(t)
	owner, other := uuid.New(), uuid.New()
	mine := f.submit(t, owner, "char-1")
	f.submit(t, other, "char-1")

	got, err := f.service.QueryTasks(context.Background(), owner, store.TaskFilter{ProjectID: testProject})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mine.ID, got[0].ID)

	// A filter naming someone else is overridden by the caller.
	got, err = f.service.QueryTasks(context.Background(), owner, store.TaskFilter{ProjectID: testProject, UserID: other})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, owner, got[0].UserID)

	_, err = f.service.QueryTasks(context.Background(), owner, store.TaskFilter{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestGetTaskByID(t *testing.T) {
	f := newServiceFixture(t)
	owner := uuid.New()
	created := f.submit(t, owner, "char-1")

	t.Run("owner without events", func(t *testing.T) {
		details, err := f.service.GetTaskByID(context.Background(), owner, created.ID, false, 0)
		require.NoError(t, err)
		assert.Equal(t, created.ID, details.Task.ID)
		assert.Nil(t, details.Events)
	})

	t.Run("owner with events", func(t *testing.T) {
		details, err := f.service.GetTaskByID(context.Background(), owner, created.ID, true, 10)
		require.NoError(t, err)
		require.Len(t, details.Events, 1)
		assert.Equal(t, domain.LifecycleCreated, details.Events[0].LifecycleType())
	})

	t.Run("other user sees not found", func(t *testing.T) {
		_, err := f.service.GetTaskByID(context.Background(), uuid.New(), created.ID, false, 0)
		assert.ErrorIs(t, err, ErrTaskNotFound)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := f.service.GetTaskByID(context.Background(), owner, uuid.New(), false, 0)
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})
}

func TestCancelTask_QueueCleanup(t *testing.T) {
	tests := []struct {
		name        string
		removeOK    bool
		removeErr   error
		wantFailed  bool
		wantMessage string
	}{
		{name: "job removed", removeOK: true},
		{name: "job not queued", wantFailed: true, wantMessage: queueJobNotFound},
		{name: "queue backend error", removeErr: errors.New("redis: connection refused"), wantFailed: true, wantMessage: "redis: connection refused"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newServiceFixture(t)
			owner := uuid.New()
			created := f.submit(t, owner, "char-1")
			f.queue.removeOK, f.queue.removeErr = tc.removeOK, tc.removeErr

			res, err := f.service.CancelTask(context.Background(), owner, created.ID)
			require.NoError(t, err)
			assert.True(t, res.Cancelled)
			assert.Equal(t, domain.TaskStatusCancelled, res.Task.Status)
			assert.Equal(t, domain.ErrorCodeCancelled, domain.StrVal(res.Task.ErrorCode))
			assert.Equal(t, []uuid.UUID{created.ID}, f.queue.removed)

			require.Len(t, res.SideEffects, 2)
			effect := res.SideEffects[0]
			assert.Equal(t, domain.SideEffectQueueCleanup, effect.Name)
			assert.Equal(t, !tc.wantFailed, effect.OK)
			assert.Equal(t, tc.wantMessage, effect.Error)
			assert.Equal(t, domain.SideEffect{Name: domain.SideEffectPublish, OK: true}, res.SideEffects[1])

			evs := f.broadcast.all()
			require.Len(t, evs, 2)
			payload, ok := evs[1].Payload.(domain.CancelledPayload)
			require.True(t, ok)
			assert.True(t, payload.Cancelled)
			assert.Equal(t, tc.wantFailed, payload.QueueCleanupFailed)
			assert.Equal(t, tc.wantMessage, payload.QueueCleanupError)
			assert.Equal(t, "cancelled", payload.Stage)

			assert.Equal(t, domain.TaskStatusCancelled, f.reload(t, created.ID).Status)
		})
	}
}

// failingAppendTx runs transactions whose event appends fail.
type failingAppendTx struct {
	store.Transactor
	err error
}

func (tx failingAppendTx) InTx(ctx context.Context, fn func(ctx context.Context, s store.Stores) error) error {
	return tx.Transactor.InTx(ctx, func(ctx context.Context, s store.Stores) error {
		s.Events = failingAppendEvents{EventStore: s.Events, err: tx.err}
		return fn(ctx, s)
	})
}

type failingAppendEvents struct {
	store.EventStore
	err error
}

func (e failingAppendEvents) Append(context.Context, *domain.LifecycleEvent) error {
	return e.err
}

func TestCancelTask_RollbackRestoresQueuedJob(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	owner := uuid.New()
	created := f.submit(t, owner, "char-1")
	require.Len(t, f.queue.jobs, 1)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	diskFull := errors.New("disk full")
	publisher := events.NewPublisher(failingAppendTx{Transactor: f.store, err: diskFull},
		f.store.Tasks(), f.store.Events(), nil, 0, logger)
	svc, err := NewTaskService(f.store.Tasks(), publisher, f.queue, logger)
	require.NoError(t, err)

	_, err = svc.CancelTask(ctx, owner, created.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, diskFull)

	assert.Equal(t, domain.TaskStatusPending, f.reload(t, created.ID).Status)
	assert.Equal(t, []uuid.UUID{created.ID}, f.queue.removed)
	require.Len(t, f.queue.jobs, 2)
	assert.Equal(t, created.ID, f.queue.jobs[1].TaskID)
}

func TestCancelTask_BroadcastFailureIsReported(t *testing.T) {
	f := newServiceFixture(t)
	owner := uuid.New()
	created := f.submit(t, owner, "char-1")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fanout := events.NewFanout(logger)
	fanout.Register(events.HandlerFunc(func(context.Context, *domain.LifecycleEvent) error {
		return errors.New("channel closed")
	}))
	publisher := events.NewPublisher(f.store, f.store.Tasks(), f.store.Events(), fanout, 0, logger)
	svc, err := NewTaskService(f.store.Tasks(), publisher, f.queue, logger)
	require.NoError(t, err)

	res, err := svc.CancelTask(context.Background(), owner, created.ID)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	require.Len(t, res.SideEffects, 2)

	published := res.SideEffects[1]
	assert.Equal(t, domain.SideEffectPublish, published.Name)
	assert.False(t, published.OK)
	assert.Contains(t, published.Error, "channel closed")

	// The cancellation itself committed.
	assert.Equal(t, domain.TaskStatusCancelled, f.reload(t, created.ID).Status)
	evs, err := f.store.Events().ListByTask(context.Background(), created.ID, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, domain.LifecycleCancelled, evs[1].LifecycleType())
}

func TestCancelTask_TerminalIsNoop(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	owner := uuid.New()
	created := f.submit(t, owner, "char-1")

	_, err := f.service.MarkProcessing(ctx, created.ID)
	require.NoError(t, err)
	require.NoError(t, f.service.MarkCompleted(ctx, created.ID, json.RawMessage(`{"imageUrl":"u"}`)))
	before := f.reload(t, created.ID)
	eventCount := len(f.broadcast.all())

	res, err := f.service.CancelTask(ctx, owner, created.ID)
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
	assert.NotNil(t, res.SideEffects)
	assert.Empty(t, res.SideEffects)
	assert.Equal(t, domain.TaskStatusCompleted, res.Task.Status)
	assert.Equal(t, before.UpdatedAt, f.reload(t, created.ID).UpdatedAt)
	assert.Len(t, f.broadcast.all(), eventCount)
	assert.Empty(t, f.queue.removed)
}

func TestCancelTask_OtherUser(t *testing.T) {
	f := newServiceFixture(t)
	created := f.submit(t, uuid.New(), "char-1")

	_, err := f.service.CancelTask(context.Background(), uuid.New(), created.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.Equal(t, domain.TaskStatusPending, f.reload(t, created.ID).Status)
}

func TestDismissFailedTasksWithDetails(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	owner, other := uuid.New(), uuid.New()

	failed := f.submit(t, owner, "char-1")
	require.NoError(t, f.service.MarkFailed(ctx, failed.ID, "PROVIDER_FAILED", "nsfw"))
	pending := f.submit(t, owner, "char-2")
	theirs := f.submit(t, other, "char-3")
	require.NoError(t, f.service.MarkFailed(ctx, theirs.ID, "PROVIDER_FAILED", "nsfw"))
	before := len(f.broadcast.all())

	dismissed, err := f.service.DismissFailedTasksWithDetails(ctx, owner, []string{
		failed.ID.String(),
		" " + failed.ID.String() + " ",
		pending.ID.String(),
		theirs.ID.String(),
		"not-a-uuid",
		uuid.NewString(),
	})
	require.NoError(t, err)
	require.Len(t, dismissed, 1)
	assert.Equal(t, failed.ID, dismissed[0].ID)
	assert.True(t, dismissed[0].Dismissed)
	assert.NotEmpty(t, dismissed[0].Payload)

	assert.False(t, f.reload(t, theirs.ID).Dismissed)
	assert.False(t, f.reload(t, pending.ID).Dismissed)

	evs := f.broadcast.all()[before:]
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventTypeDismissed, evs[0].Type)
	assert.Equal(t, failed.ID, evs[0].TaskID)

	// Dismissing again finds nothing left to dismiss.
	again, err := f.service.DismissFailedTasksWithDetails(ctx, owner, []string{failed.ID.String()})
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestLifecycle_EventSequence(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	created := f.submit(t, uuid.New(), "char-1")

	started, err := f.service.MarkProcessing(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusProcessing, started.Status)

	require.NoError(t, f.service.ReportProgress(ctx, created.ID, task.ProgressUpdate{
		StageInfo: domain.StageInfo{Stage: "render", StageLabel: "Rendering", Progress: domain.IntPtr(40)},
	}))
	require.NoError(t, f.service.ReportProgress(ctx, created.ID, task.ProgressUpdate{
		StageInfo: domain.StageInfo{Stage: "render", Progress: domain.IntPtr(250)},
	}))
	require.NoError(t, f.service.Heartbeat(ctx, created.ID))
	require.NoError(t, f.service.MarkCompleted(ctx, created.ID, json.RawMessage(`{"imageUrl":"https://cdn/x.png"}`)))

	evs := f.broadcast.all()
	require.Len(t, evs, 5)
	wantTypes := []domain.LifecycleType{
		domain.LifecycleCreated,
		domain.LifecycleProcessing,
		domain.LifecycleProcessing,
		domain.LifecycleProcessing,
		domain.LifecycleCompleted,
	}
	assert.Equal(t, wantTypes, f.broadcast.lifecycleTypes())

	var last int64
	for _, ev := range evs {
		seq, ok := ev.Seq()
		require.True(t, ok)
		assert.Greater(t, seq, last)
		last = seq
	}

	progress := evs[2].Payload.(domain.ProcessingPayload)
	assert.Equal(t, "render", progress.Stage)
	assert.Equal(t, "Rendering", progress.StageLabel)
	assert.Equal(t, 40, *progress.Progress)
	assert.Equal(t, "single:image_character", progress.FlowID)
	assert.Equal(t, 100, *evs[3].Payload.StageOf().Progress)

	done := f.reload(t, created.ID)
	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.JSONEq(t, `{"imageUrl":"https://cdn/x.png"}`, string(done.Result))

	// A finished task refuses further lifecycle calls.
	err = f.service.ReportProgress(ctx, created.ID, task.ProgressUpdate{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	err = f.service.Heartbeat(ctx, created.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.service.MarkProcessing(ctx, created.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Len(t, f.broadcast.all(), 5)
}

func TestLifecycle_CompletingPendingIsDenied(t *testing.T) {
	f := newServiceFixture(t)
	created := f.submit(t, uuid.New(), "char-1")

	err := f.service.MarkCompleted(context.Background(), created.ID, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.TaskStatusPending, f.reload(t, created.ID).Status)

	err = f.service.MarkFailed(context.Background(), uuid.New(), "X", "y")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestLifecycle_PendingAndStaleTasks(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	a := f.submit(t, uuid.New(), "char-1")
	b := f.submit(t, uuid.New(), "char-2")
	_, err := f.service.MarkProcessing(ctx, b.ID)
	require.NoError(t, err)

	pending, err := f.service.PendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	stale, err := f.service.StaleTasks(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, b.ID, stale[0].ID)
}
