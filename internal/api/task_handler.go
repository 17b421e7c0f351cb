package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/phrazzld/taskflow/internal/api/shared"
	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/phrazzld/taskflow/internal/platform/logger"
	"github.com/phrazzld/taskflow/internal/service"
	"github.com/phrazzld/taskflow/internal/store"
)

// TaskHandler serves the task endpoints.
type TaskHandler struct {
	tasks  service.TaskService
	logger *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(tasks service.TaskService, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{
		tasks:  tasks,
		logger: logger.With("component", "task_handler"),
	}
}

// SubmitTask handles POST /tasks. The task runs in the background; the
// response only acknowledges it.
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req SubmitTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		HandleAPIError(w, r, validationError(err), "")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleAPIError(w, r, validationError(err), "")
		return
	}

	t, err := h.tasks.Submit(r.Context(), service.SubmitParams{
		UserID:     userID,
		ProjectID:  req.ProjectID,
		Type:       req.Type,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		EpisodeID:  req.EpisodeID,
		Payload:    req.Payload,
	})
	if err != nil {
		HandleAPIError(w, r, err, "Failed to submit task")
		return
	}

	logger.FromContextOrDefault(r.Context(), h.logger).Info("task submitted",
		"task_id", t.ID,
		"task_type", t.Type,
		"project_id", t.ProjectID)

	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitTaskResponse{
		TaskID: t.ID.String(),
		Async:  true,
	})
}

// ListTasks handles GET /tasks?projectId=&targetId=&types=&limit=.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	filter := store.TaskFilter{
		ProjectID: strings.TrimSpace(r.URL.Query().Get("projectId")),
		Limit:     limit,
	}
	if targetID := strings.TrimSpace(r.URL.Query().Get("targetId")); targetID != "" {
		filter.TargetIDs = []string{targetID}
	}
	for _, raw := range queryCSV(r, "types") {
		filter.Types = append(filter.Types, domain.TaskType(raw))
	}

	tasks, err := h.tasks.QueryTasks(r.Context(), userID, filter)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}

	shared.RespondWithJSON(w, r, http.StatusOK, TaskListResponse{Tasks: tasks})
}

// GetTask handles GET /tasks/{taskId}?includeEvents=&eventsLimit=.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := handleUserIDAndPathUUID(w, r, "taskId")
	if !ok {
		return
	}

	includeEvents, err := queryBool(r, "includeEvents")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	eventsLimit, err := queryInt(r, "eventsLimit", 0)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	details, err := h.tasks.GetTaskByID(r.Context(), userID, taskID, includeEvents, eventsLimit)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get task")
		return
	}

	resp := TaskResponse{Task: details.Task}
	if includeEvents {
		resp.Events = details.Events
		if resp.Events == nil {
			resp.Events = []*domain.LifecycleEvent{}
		}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// CancelTask handles DELETE /tasks/{taskId}. Cancelling a finished task
// succeeds with cancelled=false.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := handleUserIDAndPathUUID(w, r, "taskId")
	if !ok {
		return
	}

	res, err := h.tasks.CancelTask(r.Context(), userID, taskID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to cancel task")
		return
	}

	sideEffects := res.SideEffects
	if sideEffects == nil {
		sideEffects = []domain.SideEffect{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, CancelTaskResponse{
		Task:        res.Task,
		Cancelled:   res.Cancelled,
		SideEffects: sideEffects,
	})
}

// DismissTasks handles POST /tasks/dismiss.
func (h *TaskHandler) DismissTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req DismissTasksRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		HandleAPIError(w, r, validationError(err), "")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleAPIError(w, r, validationError(err), "")
		return
	}

	dismissed, err := h.tasks.DismissFailedTasksWithDetails(r.Context(), userID, req.TaskIDs)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to dismiss tasks")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, DismissTasksResponse{
		Success:   true,
		Dismissed: len(dismissed),
	})
}

// TargetStates handles POST /task-target-states.
func (h *TaskHandler) TargetStates(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req TargetStatesRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		HandleAPIError(w, r, validationError(err), "")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleAPIError(w, r, validationError(err), "")
		return
	}

	states, err := h.tasks.QueryTaskTargetStates(r.Context(), userID, req.ProjectID, req.Targets)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to query target states")
		return
	}
	if states == nil {
		states = []domain.TargetState{}
	}

	shared.RespondWithJSON(w, r, http.StatusOK, TargetStatesResponse{States: states})
}
