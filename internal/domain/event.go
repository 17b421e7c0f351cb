package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// EventType is the outer classification of a lifecycle event.
type EventType string

// Event types delivered to stream clients.
const (
	EventTypeLifecycle EventType = "task.lifecycle"
	EventTypeDismissed EventType = "task.dismissed"
)

// Streamable reports whether events of type t are forwarded to clients.
func (t EventType) Streamable() bool {
	return t == EventTypeLifecycle || t == EventTypeDismissed
}

// LifecycleType discriminates the LifecyclePayload variants.
type LifecycleType string

// Lifecycle types.
const (
	LifecycleCreated    LifecycleType = "created"
	LifecycleProcessing LifecycleType = "processing"
	LifecycleCompleted  LifecycleType = "completed"
	LifecycleFailed     LifecycleType = "failed"
	LifecycleCancelled  LifecycleType = "cancelled"
	LifecycleDismissed  LifecycleType = "dismissed"
)

// LifecycleForStatus maps a terminal task status to its lifecycle type.
func LifecycleForStatus(s TaskStatus) (LifecycleType, bool) {
	switch s {
	case TaskStatusCompleted:
		return LifecycleCompleted, true
	case TaskStatusFailed:
		return LifecycleFailed, true
	case TaskStatusCancelled:
		return LifecycleCancelled, true
	}
	return "", false
}

// StageInfo holds progress and flow position shared by all payload variants.
// It is also the basis of the stream dedup fingerprint.
type StageInfo struct {
	Stage          string `json:"stage,omitempty"`
	StageLabel     string `json:"stageLabel,omitempty"`
	StepID         string `json:"stepId,omitempty"`
	FlowID         string `json:"flowId,omitempty"`
	FlowStageIndex int    `json:"flowStageIndex,omitempty"`
	FlowStageTotal int    `json:"flowStageTotal,omitempty"`
	FlowStageTitle string `json:"flowStageTitle,omitempty"`
	Progress       *int   `json:"progress,omitempty"`
}

// StageOf returns s. Payload variants embed StageInfo and inherit it.
func (s StageInfo) StageOf() StageInfo { return s }

// LifecyclePayload is the tagged union of event payloads. The concrete type
// is selected by Kind and serialised as the "lifecycleType" field.
type LifecyclePayload interface {
	Kind() LifecycleType
	StageOf() StageInfo
}

// CreatedPayload is emitted when a task row is created.
type CreatedPayload struct {
	StageInfo
}

// ProcessingPayload reports the start of execution and later progress.
type ProcessingPayload struct {
	StageInfo
	Message string `json:"message,omitempty"`
}

// CompletedPayload is emitted when a task finishes successfully.
type CompletedPayload struct {
	StageInfo
	Result json.RawMessage `json:"result,omitempty"`
	Source string          `json:"source,omitempty"`
}

// FailedPayload is emitted when a task fails.
type FailedPayload struct {
	StageInfo
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Source       string `json:"source,omitempty"`
}

// CancelledPayload is emitted when a task is cancelled. Queue cleanup is
// best-effort; its outcome is reported here rather than failing the cancel.
type CancelledPayload struct {
	StageInfo
	ErrorCode          string `json:"errorCode"`
	Message            string `json:"message"`
	Cancelled          bool   `json:"cancelled"`
	QueueCleanupFailed bool   `json:"queueCleanupFailed"`
	QueueCleanupError  string `json:"queueCleanupError,omitempty"`
	Source             string `json:"source,omitempty"`
}

// DismissedPayload is emitted when a failed task is dismissed by its owner.
type DismissedPayload struct {
	StageInfo
	Dismissed bool `json:"dismissed"`
}

func (CreatedPayload) Kind() LifecycleType    { return LifecycleCreated }
func (ProcessingPayload) Kind() LifecycleType { return LifecycleProcessing }
func (CompletedPayload) Kind() LifecycleType  { return LifecycleCompleted }
func (FailedPayload) Kind() LifecycleType     { return LifecycleFailed }
func (CancelledPayload) Kind() LifecycleType  { return LifecycleCancelled }
func (DismissedPayload) Kind() LifecycleType  { return LifecycleDismissed }

// MarshalPayload encodes p with its lifecycleType discriminator.
func MarshalPayload(p LifecyclePayload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrUnknownLifecycleType)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(raw, "lifecycleType", string(p.Kind()))
}

// UnmarshalPayload decodes a payload by its lifecycleType discriminator.
func UnmarshalPayload(raw []byte) (LifecyclePayload, error) {
	kind := LifecycleType(gjson.GetBytes(raw, "lifecycleType").String())

	var p LifecyclePayload
	var err error
	switch kind {
	case LifecycleCreated:
		var v CreatedPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case LifecycleProcessing:
		var v ProcessingPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case LifecycleCompleted:
		var v CompletedPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case LifecycleFailed:
		var v FailedPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case LifecycleCancelled:
		var v CancelledPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case LifecycleDismissed:
		var v DismissedPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLifecycleType, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

// LifecycleEvent is one entry of a project's event log.
type LifecycleEvent struct {
	// ID is the decimal event sequence within the project. Reconciled events
	// carry a non-numeric ID and are never used as a cursor.
	ID         string
	Type       EventType
	TaskID     uuid.UUID
	ProjectID  string
	UserID     uuid.UUID
	TaskType   TaskType
	TargetType string
	TargetID   string
	EpisodeID  *string
	TS         time.Time
	Payload    LifecyclePayload
}

// NewLifecycleEvent builds an unsequenced event for t.
func NewLifecycleEvent(t *Task, p LifecyclePayload) *LifecycleEvent {
	typ := EventTypeLifecycle
	if p.Kind() == LifecycleDismissed {
		typ = EventTypeDismissed
	}
	return &LifecycleEvent{
		Type:       typ,
		TaskID:     t.ID,
		ProjectID:  t.ProjectID,
		UserID:     t.UserID,
		TaskType:   t.Type,
		TargetType: t.TargetType,
		TargetID:   t.TargetID,
		EpisodeID:  t.EpisodeID,
		TS:         time.Now().UTC(),
		Payload:    p,
	}
}

// Seq returns the numeric sequence of a durable event.
func (e *LifecycleEvent) Seq() (int64, bool) {
	n, err := strconv.ParseInt(e.ID, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// LifecycleType returns the payload discriminator, or "" without a payload.
func (e *LifecycleEvent) LifecycleType() LifecycleType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

type eventJSON struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	TaskID     uuid.UUID       `json:"taskId"`
	ProjectID  string          `json:"projectId"`
	UserID     uuid.UUID       `json:"userId"`
	TaskType   TaskType        `json:"taskType"`
	TargetType string          `json:"targetType"`
	TargetID   string          `json:"targetId"`
	EpisodeID  *string         `json:"episodeId"`
	TS         time.Time       `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// MarshalJSON implements json.Marshaler.
func (e LifecycleEvent) MarshalJSON() ([]byte, error) {
	payload, err := MarshalPayload(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{
		ID:         e.ID,
		Type:       e.Type,
		TaskID:     e.TaskID,
		ProjectID:  e.ProjectID,
		UserID:     e.UserID,
		TaskType:   e.TaskType,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		EpisodeID:  e.EpisodeID,
		TS:         e.TS,
		Payload:    payload,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *LifecycleEvent) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := UnmarshalPayload(raw.Payload)
	if err != nil {
		return err
	}
	*e = LifecycleEvent{
		ID:         raw.ID,
		Type:       raw.Type,
		TaskID:     raw.TaskID,
		ProjectID:  raw.ProjectID,
		UserID:     raw.UserID,
		TaskType:   raw.TaskType,
		TargetType: raw.TargetType,
		TargetID:   raw.TargetID,
		EpisodeID:  raw.EpisodeID,
		TS:         raw.TS,
		Payload:    payload,
	}
	return nil
}

// ParseCursor parses a Last-Event-ID value. Missing, malformed and
// non-positive values all mean "from the beginning".
func ParseCursor(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// IntPtr returns a pointer to n.
func IntPtr(n int) *int { return &n }
