package api

import (
	"encoding/json"

	"github.com/phrazzld/taskflow/internal/domain"
)

// SubmitTaskRequest defines the payload for creating a task.
type SubmitTaskRequest struct {
	ProjectID  string          `json:"projectId"  validate:"required"`
	Type       domain.TaskType `json:"type"       validate:"required"`
	TargetType string          `json:"targetType" validate:"required"`
	TargetID   string          `json:"targetId"   validate:"required"`
	EpisodeID  *string         `json:"episodeId"`
	Payload    json.RawMessage `json:"payload"    validate:"required"`
}

// SubmitTaskResponse acknowledges an accepted task.
type SubmitTaskResponse struct {
	TaskID string `json:"taskId"`
	Async  bool   `json:"async"`
}

// TaskListResponse is the body of GET /tasks.
type TaskListResponse struct {
	Tasks []*domain.Task `json:"tasks"`
}

// TaskResponse is the body of GET /tasks/{taskId}. Events is present only
// when requested.
type TaskResponse struct {
	Task   *domain.Task             `json:"task"`
	Events []*domain.LifecycleEvent `json:"events,omitempty"`
}

// CancelTaskResponse is the body of DELETE /tasks/{taskId}.
type CancelTaskResponse struct {
	Task        *domain.Task        `json:"task"`
	Cancelled   bool                `json:"cancelled"`
	SideEffects []domain.SideEffect `json:"sideEffects"`
}

// DismissTasksRequest defines the payload for dismissing failed tasks.
type DismissTasksRequest struct {
	TaskIDs []string `json:"taskIds" validate:"required,min=1,dive,required"`
}

// DismissTasksResponse reports how many tasks were dismissed.
type DismissTasksResponse struct {
	Success   bool `json:"success"`
	Dismissed int  `json:"dismissed"`
}

// TargetStatesRequest defines the payload for a target state query.
type TargetStatesRequest struct {
	ProjectID string               `json:"projectId" validate:"required"`
	Targets   []domain.TargetQuery `json:"targets"   validate:"dive"`
}

// TargetStatesResponse lists one state per requested target, in order.
type TargetStatesResponse struct {
	States []domain.TargetState `json:"states"`
}
