package domain

import (
	"time"

	"github.com/google/uuid"
)

// TargetQuery asks for the task state of one business entity.
type TargetQuery struct {
	TargetType string     `json:"targetType" validate:"required"`
	TargetID   string     `json:"targetId" validate:"required"`
	Types      []TaskType `json:"types"`
}

// TargetPhase summarises a target's most recent task.
type TargetPhase string

// Target phases.
const (
	PhaseIdle       TargetPhase = "idle"
	PhaseQueued     TargetPhase = "queued"
	PhaseProcessing TargetPhase = "processing"
	PhaseCompleted  TargetPhase = "completed"
	PhaseFailed     TargetPhase = "failed"
)

// TargetState is the derived snapshot of a target's task activity.
type TargetState struct {
	TargetType   string      `json:"targetType"`
	TargetID     string      `json:"targetId"`
	Phase        TargetPhase `json:"phase"`
	Active       bool        `json:"active"`
	Status       *TaskStatus `json:"status"`
	TaskID       *uuid.UUID  `json:"taskId"`
	TaskType     *TaskType   `json:"taskType"`
	Progress     *int        `json:"progress"`
	Stage        *string     `json:"stage"`
	StageLabel   *string     `json:"stageLabel"`
	ErrorCode    *string     `json:"errorCode"`
	ErrorMessage *string     `json:"errorMessage"`
	UpdatedAt    *time.Time  `json:"updatedAt"`
}

// SelectTargetTask picks the task that decides q's state. Tasks not
// matching the target or requested types are ignored. The most recently
// updated active task wins; otherwise the most recently updated completed
// or failed task decides. Cancelled tasks never decide. Returns nil if no
// task qualifies or the deciding failure was dismissed.
func SelectTargetTask(q TargetQuery, tasks []*Task) *Task {
	allowed := make(map[TaskType]bool, len(q.Types))
	for _, t := range q.Types {
		allowed[t] = true
	}

	var active, settled *Task
	for _, t := range tasks {
		if t.TargetType != q.TargetType || t.TargetID != q.TargetID {
			continue
		}
		if len(allowed) > 0 && !allowed[t.Type] {
			continue
		}
		switch t.Status {
		case TaskStatusPending, TaskStatusProcessing:
			if newer(t, active) {
				active = t
			}
		case TaskStatusCompleted, TaskStatusFailed:
			if newer(t, settled) {
				settled = t
			}
		}
	}

	switch {
	case active != nil:
		return active
	case settled != nil && settled.Status == TaskStatusFailed && settled.Dismissed:
		return nil
	}
	return settled
}

func newer(t, than *Task) bool {
	if than == nil || t.UpdatedAt.After(than.UpdatedAt) {
		return true
	}
	return t.UpdatedAt.Equal(than.UpdatedAt) && t.ID.String() > than.ID.String()
}

// DeriveTargetState computes the snapshot for q from candidate tasks.
// stageOf reads the reported stage of the deciding task and may be nil.
func DeriveTargetState(q TargetQuery, tasks []*Task, stageOf func(*Task) StageInfo) TargetState {
	state := TargetState{TargetType: q.TargetType, TargetID: q.TargetID, Phase: PhaseIdle}

	pick := SelectTargetTask(q, tasks)
	if pick == nil {
		return state
	}

	switch pick.Status {
	case TaskStatusPending:
		state.Phase = PhaseQueued
	case TaskStatusProcessing:
		state.Phase = PhaseProcessing
	case TaskStatusCompleted:
		state.Phase = PhaseCompleted
	case TaskStatusFailed:
		state.Phase = PhaseFailed
	}

	status := pick.Status
	id := pick.ID
	typ := pick.Type
	progress := pick.Progress
	updated := pick.UpdatedAt
	state.Active = !status.IsTerminal()
	state.Status = &status
	state.TaskID = &id
	state.TaskType = &typ
	state.Progress = &progress
	state.ErrorCode = pick.ErrorCode
	state.ErrorMessage = pick.ErrorMessage
	state.UpdatedAt = &updated

	if stageOf != nil {
		info := stageOf(pick)
		state.Stage = StrPtr(info.Stage)
		state.StageLabel = StrPtr(info.StageLabel)
	}
	return state
}
