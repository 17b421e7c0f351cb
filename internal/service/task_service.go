package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/phrazzld/taskflow/internal/events"
	"github.com/phrazzld/taskflow/internal/payload"
	"github.com/phrazzld/taskflow/internal/platform/logger"
	"github.com/phrazzld/taskflow/internal/store"
	"github.com/phrazzld/taskflow/internal/task"
)

// Messages recorded on cancelled tasks and their events.
const (
	queueJobNotFound    = "queue job not found during cancellation cleanup"
	cancelledStageLabel = "Task cancelled"
)

// Queue defines the background work queue used by the task service
type Queue interface {
	// Enqueue hands a job to the workers.
	Enqueue(job task.Job) error

	// Remove drops a queued job, reporting false if it was not queued.
	Remove(taskID uuid.UUID) (bool, error)
}

// SubmitParams describes a new task.
type SubmitParams struct {
	UserID     uuid.UUID
	ProjectID  string
	Type       domain.TaskType
	TargetType string
	TargetID   string
	EpisodeID  *string
	Payload    json.RawMessage
}

// TaskDetails is a task together with its optional event history.
type TaskDetails struct {
	Task   *domain.Task
	Events []*domain.LifecycleEvent
}

// CancelResult is the outcome of a cancellation. Cancelled is false when the
// task had already finished. SideEffects report best-effort cleanup steps.
type CancelResult struct {
	Task        *domain.Task
	Cancelled   bool
	SideEffects []domain.SideEffect
}

// TaskService provides task lifecycle operations. It is the only writer of
// task rows and, through the event publisher, of the event log.
type TaskService interface {
	task.Lifecycle

	// Submit creates a pending task, publishes its created event and enqueues it.
	Submit(ctx context.Context, params SubmitParams) (*domain.Task, error)

	// QueryTasks lists the caller's own tasks matching filter.
	QueryTasks(ctx context.Context, userID uuid.UUID, filter store.TaskFilter) ([]*domain.Task, error)

	// GetTaskByID returns a task owned by userID, optionally with up to
	// eventsLimit events of its history. Returns ErrTaskNotFound otherwise.
	GetTaskByID(ctx context.Context, userID, taskID uuid.UUID, includeEvents bool, eventsLimit int) (*TaskDetails, error)

	// CancelTask cancels a non-terminal task owned by userID. Cancelling a
	// finished task is a no-op.
	CancelTask(ctx context.Context, userID, taskID uuid.UUID) (*CancelResult, error)

	// DismissFailedTasksWithDetails dismisses the caller's failed tasks among
	// taskIDs and returns the dismissed rows. Other ids are skipped.
	DismissFailedTasksWithDetails(ctx context.Context, userID uuid.UUID, taskIDs []string) ([]*domain.Task, error)

	// QueryTaskTargetStates derives the task state of each target.
	QueryTaskTargetStates(ctx context.Context, userID uuid.UUID, projectID string, targets []domain.TargetQuery) ([]domain.TargetState, error)
}

// taskServiceImpl implements the TaskService interface
type taskServiceImpl struct {
	tasks     store.TaskStore
	publisher *events.Publisher
	queue     Queue
	logger    *slog.Logger
}

var _ TaskService = (*taskServiceImpl)(nil)

// NewTaskService creates a new TaskService.
// It returns an error if any of the required dependencies are nil.
func NewTaskService(
	tasks store.TaskStore,
	publisher *events.Publisher,
	queue Queue,
	logger *slog.Logger,
) (TaskService, error) {
	if tasks == nil {
		return nil, &TaskServiceError{Operation: "create_service", Message: "tasks cannot be nil"}
	}
	if publisher == nil {
		return nil, &TaskServiceError{Operation: "create_service", Message: "publisher cannot be nil"}
	}
	if queue == nil {
		return nil, &TaskServiceError{Operation: "create_service", Message: "queue cannot be nil"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &taskServiceImpl{
		tasks:     tasks,
		publisher: publisher,
		queue:     queue,
		logger:    logger.With("component", "task_service"),
	}, nil
}

// Submit implements TaskService.
func (s *taskServiceImpl) Submit(ctx context.Context, p SubmitParams) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	normalized, err := payload.Prepare(p.Type, p.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	t, err := domain.NewTask(domain.NewTaskParams{
		UserID:     p.UserID,
		ProjectID:  p.ProjectID,
		Type:       p.Type,
		TargetType: p.TargetType,
		TargetID:   p.TargetID,
		EpisodeID:  p.EpisodeID,
		Payload:    normalized,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	_, _, err = s.publisher.Mutate(ctx, t.ProjectID, func(ctx context.Context, tasks store.TaskStore) ([]*domain.LifecycleEvent, error) {
		if err := tasks.Create(ctx, t); err != nil {
			return nil, err
		}
		return []*domain.LifecycleEvent{
			domain.NewLifecycleEvent(t, domain.CreatedPayload{StageInfo: payload.Flow(t.Payload)}),
		}, nil
	})
	if err != nil {
		log.Error("failed to create task",
			"error", err,
			"user_id", p.UserID,
			"project_id", p.ProjectID,
			"task_type", p.Type)
		return nil, NewTaskServiceError("submit", "failed to create task", err)
	}

	if err := s.queue.Enqueue(task.JobFor(t)); err != nil {
		log.Error("failed to enqueue task",
			"error", err,
			"task_id", t.ID,
			"task_type", t.Type)
		if markErr := s.MarkFailed(ctx, t.ID, domain.ErrorCodeEnqueueFailed, err.Error()); markErr != nil {
			log.Error("failed to record enqueue failure", "error", markErr, "task_id", t.ID)
		}
		return nil, NewTaskServiceError("submit", "failed to enqueue task",
			fmt.Errorf("%w: %w", ErrQueueUnavailable, err))
	}

	log.Info("task submitted",
		"task_id", t.ID,
		"task_type", t.Type,
		"project_id", t.ProjectID)
	return t, nil
}

// QueryTasks implements TaskService.
func (s *taskServiceImpl) QueryTasks(ctx context.Context, userID uuid.UUID, filter store.TaskFilter) ([]*domain.Task, error) {
	if strings.TrimSpace(filter.ProjectID) == "" {
		return nil, fmt.Errorf("%w: projectId is required", domain.ErrValidation)
	}
	filter.UserID = userID

	tasks, err := s.tasks.Query(ctx, filter)
	if err != nil {
		return nil, NewTaskServiceError("query_tasks", "failed to query tasks", err)
	}
	return tasks, nil
}

// GetTaskByID implements TaskService.
func (s *taskServiceImpl) GetTaskByID(ctx context.Context, userID, taskID uuid.UUID, includeEvents bool, eventsLimit int) (*TaskDetails, error) {
	t, err := s.ownedTask(ctx, "get_task", userID, taskID)
	if err != nil {
		return nil, err
	}

	details := &TaskDetails{Task: t}
	if includeEvents {
		evs, err := s.publisher.ListTaskLifecycleEvents(ctx, taskID, eventsLimit)
		if err != nil {
			return nil, NewTaskServiceError("get_task", "failed to list task events", err)
		}
		details.Events = evs
	}
	return details, nil
}

// ownedTask loads a task and hides it from anyone but its owner.
func (s *taskServiceImpl) ownedTask(ctx context.Context, op string, userID, taskID uuid.UUID) (*domain.Task, error) {
	t, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, NewTaskServiceError(op, "failed to retrieve task", err)
	}
	if !t.OwnedBy(userID) {
		logger.FromContextOrDefault(ctx, s.logger).Debug("task requested by non-owner",
			"task_id", taskID,
			"user_id", userID)
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// CancelTask implements TaskService. Queue cleanup runs inside the
// cancellation so its outcome travels on the cancelled event. If the
// cancellation then fails to commit, a removed job is put back.
func (s *taskServiceImpl) CancelTask(ctx context.Context, userID, taskID uuid.UUID) (*CancelResult, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	current, err := s.ownedTask(ctx, "cancel_task", userID, taskID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return &CancelResult{Task: current, SideEffects: []domain.SideEffect{}}, nil
	}

	var (
		updated *domain.Task
		cleanup domain.SideEffect
		removed bool
	)
	_, published, err := s.publisher.Mutate(ctx, current.ProjectID, func(ctx context.Context, tasks store.TaskStore) ([]*domain.LifecycleEvent, error) {
		t, err := tasks.Transition(ctx, taskID, domain.Transition{
			To:           domain.TaskStatusCancelled,
			ErrorCode:    domain.ErrorCodeCancelled,
			ErrorMessage: domain.CancelledMessage,
		})
		if err != nil {
			return nil, err
		}
		updated = t
		cleanup = s.removeQueued(ctx, taskID)
		removed = cleanup.OK

		stage := payload.Flow(t.Payload)
		stage.Stage = string(domain.LifecycleCancelled)
		stage.StageLabel = cancelledStageLabel
		return []*domain.LifecycleEvent{domain.NewLifecycleEvent(t, domain.CancelledPayload{
			StageInfo:          stage,
			ErrorCode:          domain.ErrorCodeCancelled,
			Message:            domain.CancelledMessage,
			Cancelled:          true,
			QueueCleanupFailed: !cleanup.OK,
			QueueCleanupError:  cleanup.Error,
		})}, nil
	})
	if err != nil {
		if removed {
			s.requeue(ctx, current)
		}
		if errors.Is(err, store.ErrTransitionDenied) {
			// Finished between the read and the update.
			latest, getErr := s.tasks.GetByID(ctx, taskID)
			if getErr != nil {
				return nil, NewTaskServiceError("cancel_task", "failed to reload task", getErr)
			}
			return &CancelResult{Task: latest, SideEffects: []domain.SideEffect{}}, nil
		}
		log.Error("failed to cancel task", "error", err, "task_id", taskID)
		return nil, NewTaskServiceError("cancel_task", "failed to cancel task", err)
	}

	if !cleanup.OK {
		log.Warn("queue cleanup failed during cancellation",
			"task_id", taskID,
			"error", cleanup.Error)
	}
	log.Info("task cancelled", "task_id", taskID, "previous_status", current.Status)

	return &CancelResult{
		Task:        updated,
		Cancelled:   true,
		SideEffects: []domain.SideEffect{cleanup, published},
	}, nil
}

// requeue restores the job of a task whose cancellation rolled back.
func (s *taskServiceImpl) requeue(ctx context.Context, t *domain.Task) {
	if err := s.queue.Enqueue(task.JobFor(t)); err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to restore queued job after cancellation rollback",
			"error", err,
			"task_id", t.ID)
	}
}

func (s *taskServiceImpl) removeQueued(ctx context.Context, taskID uuid.UUID) domain.SideEffect {
	removed, err := s.queue.Remove(taskID)
	if err == nil && !removed {
		err = errors.New(queueJobNotFound)
	}
	return domain.NewSideEffect(domain.SideEffectQueueCleanup, err)
}

// DismissFailedTasksWithDetails implements TaskService.
func (s *taskServiceImpl) DismissFailedTasksWithDetails(ctx context.Context, userID uuid.UUID, taskIDs []string) ([]*domain.Task, error) {
	ids := uniqueTaskIDs(taskIDs)
	if len(ids) == 0 {
		return []*domain.Task{}, nil
	}

	// Events are published per project, so group the candidates first.
	byProject := make(map[string][]uuid.UUID)
	var projects []string
	for _, id := range ids {
		t, err := s.tasks.GetByID(ctx, id)
		if err != nil {
			if store.IsNotFoundError(err) {
				continue
			}
			return nil, NewTaskServiceError("dismiss_tasks", "failed to retrieve task", err)
		}
		if !t.OwnedBy(userID) || t.Status != domain.TaskStatusFailed || t.Dismissed {
			continue
		}
		if _, ok := byProject[t.ProjectID]; !ok {
			projects = append(projects, t.ProjectID)
		}
		byProject[t.ProjectID] = append(byProject[t.ProjectID], id)
	}

	dismissed := []*domain.Task{}
	for _, projectID := range projects {
		_, _, err := s.publisher.Mutate(ctx, projectID, func(ctx context.Context, tasks store.TaskStore) ([]*domain.LifecycleEvent, error) {
			rows, err := tasks.DismissFailed(ctx, userID, byProject[projectID])
			if err != nil {
				return nil, err
			}
			evs := make([]*domain.LifecycleEvent, 0, len(rows))
			for _, t := range rows {
				evs = append(evs, domain.NewLifecycleEvent(t, domain.DismissedPayload{
					StageInfo: payload.Flow(t.Payload),
					Dismissed: true,
				}))
			}
			dismissed = append(dismissed, rows...)
			return evs, nil
		})
		if err != nil {
			return nil, NewTaskServiceError("dismiss_tasks", "failed to dismiss tasks", err)
		}
	}

	logger.FromContextOrDefault(ctx, s.logger).Info("dismissed failed tasks",
		"user_id", userID,
		"requested", len(taskIDs),
		"dismissed", len(dismissed))
	return dismissed, nil
}

// uniqueTaskIDs drops blank, malformed and repeated ids, keeping order.
func uniqueTaskIDs(raw []string) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(raw))
	var ids []uuid.UUID
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// MarkProcessing implements task.Lifecycle.
func (s *taskServiceImpl) MarkProcessing(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	return s.transition(ctx, "mark_processing", taskID,
		domain.Transition{To: domain.TaskStatusProcessing},
		func(t *domain.Task) domain.LifecyclePayload {
			stage := payload.Flow(t.Payload)
			stage.Stage = string(domain.LifecycleProcessing)
			stage.Progress = domain.IntPtr(0)
			return domain.ProcessingPayload{StageInfo: stage}
		})
}

// ReportProgress implements task.Lifecycle.
func (s *taskServiceImpl) ReportProgress(ctx context.Context, taskID uuid.UUID, update task.ProgressUpdate) error {
	current, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return NewTaskServiceError("report_progress", "failed to retrieve task", err)
	}

	progress := current.Progress
	if update.Progress != nil {
		progress = min(max(*update.Progress, 0), 100)
	}

	var staged json.RawMessage
	if update.Stage != "" || update.StageLabel != "" {
		staged, err = payload.WithStage(current.Payload, update.Stage, update.StageLabel)
		if err != nil {
			return NewTaskServiceError("report_progress", "failed to record stage", err)
		}
	}

	_, _, err = s.publisher.Mutate(ctx, current.ProjectID, func(ctx context.Context, tasks store.TaskStore) ([]*domain.LifecycleEvent, error) {
		t, err := tasks.UpdateProgress(ctx, taskID, progress, staged, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		stage := mergeStage(payload.Flow(t.Payload), update.StageInfo)
		stage.Progress = domain.IntPtr(progress)
		return []*domain.LifecycleEvent{domain.NewLifecycleEvent(t, domain.ProcessingPayload{
			StageInfo: stage,
			Message:   update.Message,
		})}, nil
	})
	return NewTaskServiceError("report_progress", "failed to record progress", err)
}

// mergeStage overlays the executor's stage fields onto the task's flow.
func mergeStage(flow, update domain.StageInfo) domain.StageInfo {
	out := flow
	out.Stage = update.Stage
	out.StageLabel = update.StageLabel
	out.StepID = update.StepID
	if update.FlowID != "" {
		out.FlowID = update.FlowID
	}
	if update.FlowStageIndex > 0 {
		out.FlowStageIndex = update.FlowStageIndex
	}
	if update.FlowStageTotal > 0 {
		out.FlowStageTotal = update.FlowStageTotal
	}
	if update.FlowStageTitle != "" {
		out.FlowStageTitle = update.FlowStageTitle
	}
	return out
}

// Heartbeat implements task.Lifecycle.
func (s *taskServiceImpl) Heartbeat(ctx context.Context, taskID uuid.UUID) error {
	err := s.tasks.Touch(ctx, taskID, time.Now().UTC())
	return NewTaskServiceError("heartbeat", "failed to refresh heartbeat", err)
}

// MarkCompleted implements task.Lifecycle.
func (s *taskServiceImpl) MarkCompleted(ctx context.Context, taskID uuid.UUID, result json.RawMessage) error {
	_, err := s.transition(ctx, "mark_completed", taskID,
		domain.Transition{To: domain.TaskStatusCompleted, Result: result},
		func(t *domain.Task) domain.LifecyclePayload {
			stage := payload.Flow(t.Payload)
			stage.Stage = string(domain.LifecycleCompleted)
			stage.Progress = domain.IntPtr(100)
			return domain.CompletedPayload{StageInfo: stage, Result: t.Result}
		})
	return err
}

// MarkFailed implements task.Lifecycle.
func (s *taskServiceImpl) MarkFailed(ctx context.Context, taskID uuid.UUID, code, message string) error {
	_, err := s.transition(ctx, "mark_failed", taskID,
		domain.Transition{To: domain.TaskStatusFailed, ErrorCode: code, ErrorMessage: message},
		func(t *domain.Task) domain.LifecyclePayload {
			stage := payload.Flow(t.Payload)
			stage.Stage = string(domain.LifecycleFailed)
			return domain.FailedPayload{
				StageInfo:    stage,
				ErrorCode:    domain.StrVal(t.ErrorCode),
				ErrorMessage: domain.StrVal(t.ErrorMessage),
			}
		})
	return err
}

// PendingTasks implements task.Lifecycle.
func (s *taskServiceImpl) PendingTasks(ctx context.Context) ([]*domain.Task, error) {
	tasks, err := s.tasks.ListPending(ctx)
	if err != nil {
		return nil, NewTaskServiceError("pending_tasks", "failed to list pending tasks", err)
	}
	return tasks, nil
}

// StaleTasks implements task.Lifecycle.
func (s *taskServiceImpl) StaleTasks(ctx context.Context, olderThan time.Duration) ([]*domain.Task, error) {
	tasks, err := s.tasks.ListProcessing(ctx, olderThan)
	if err != nil {
		return nil, NewTaskServiceError("stale_tasks", "failed to list processing tasks", err)
	}
	return tasks, nil
}

// transition applies tr to a task and publishes the event built by eventFor
// in the same transaction.
func (s *taskServiceImpl) transition(
	ctx context.Context,
	op string,
	taskID uuid.UUID,
	tr domain.Transition,
	eventFor func(t *domain.Task) domain.LifecyclePayload,
) (*domain.Task, error) {
	current, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, NewTaskServiceError(op, "failed to retrieve task", err)
	}
	if tr.At.IsZero() {
		tr.At = time.Now().UTC()
	}

	var updated *domain.Task
	_, _, err = s.publisher.Mutate(ctx, current.ProjectID, func(ctx context.Context, tasks store.TaskStore) ([]*domain.LifecycleEvent, error) {
		t, err := tasks.Transition(ctx, taskID, tr)
		if err != nil {
			return nil, err
		}
		updated = t
		return []*domain.LifecycleEvent{domain.NewLifecycleEvent(t, eventFor(t))}, nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrTransitionDenied) {
			logger.FromContextOrDefault(ctx, s.logger).Error("task transition failed",
				"error", err,
				"task_id", taskID,
				"to", tr.To)
		}
		return nil, NewTaskServiceError(op, fmt.Sprintf("failed to move task to %s", tr.To), err)
	}
	return updated, nil
}
