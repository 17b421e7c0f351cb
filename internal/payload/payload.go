// Package payload checks and normalises task payloads. Payloads are opaque
// to the task system apart from a few fields: the per-kind required input
// and the flow position used to describe progress.
package payload

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Flow fields read from and defaulted in every payload.
const (
	FieldFlowID         = "flowId"
	FieldFlowStageIndex = "flowStageIndex"
	FieldFlowStageTotal = "flowStageTotal"
	FieldFlowStageTitle = "flowStageTitle"
)

// Stage fields written by progress reports.
const (
	FieldStage      = "stage"
	FieldStageLabel = "stageLabel"
)

// requiredFields lists, per queue kind, fields of which at least one must be
// a non-empty string.
var requiredFields = map[domain.QueueKind][]string{
	domain.QueueImage: {"prompt"},
	domain.QueueVideo: {"imageUrl"},
	domain.QueueVoice: {"text"},
	domain.QueueText:  {"content", "prompt"},
}

// Check validates raw against the shape expected for task type t.
func Check(t domain.TaskType, raw json.RawMessage) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownTaskType, t)
	}
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return fmt.Errorf("%w: payload must be valid JSON", domain.ErrInvalidPayload)
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return fmt.Errorf("%w: payload must be a JSON object", domain.ErrInvalidPayload)
	}

	fields := requiredFields[t.Queue()]
	for _, f := range fields {
		v := gjson.GetBytes(raw, f)
		if v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return nil
		}
	}
	return fmt.Errorf("%w: %s payload requires %s", domain.ErrInvalidPayload, t, strings.Join(fields, " or "))
}

// Normalize fills in flow defaults: flowId "single:<type>", flowStageIndex
// at least 1 and flowStageTotal at least flowStageIndex.
func Normalize(t domain.TaskType, raw json.RawMessage) (json.RawMessage, error) {
	out := []byte(raw)
	var err error

	if id := gjson.GetBytes(out, FieldFlowID); id.Type != gjson.String || strings.TrimSpace(id.Str) == "" {
		if out, err = sjson.SetBytes(out, FieldFlowID, "single:"+string(t)); err != nil {
			return nil, err
		}
	}

	index := max(int(gjson.GetBytes(out, FieldFlowStageIndex).Int()), 1)
	total := max(int(gjson.GetBytes(out, FieldFlowStageTotal).Int()), index)
	if out, err = sjson.SetBytes(out, FieldFlowStageIndex, index); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, FieldFlowStageTotal, total); err != nil {
		return nil, err
	}
	return out, nil
}

// Prepare checks raw and returns its normalised form.
func Prepare(t domain.TaskType, raw json.RawMessage) (json.RawMessage, error) {
	if err := Check(t, raw); err != nil {
		return nil, err
	}
	return Normalize(t, raw)
}

// Flow returns the flow position recorded in raw.
func Flow(raw json.RawMessage) domain.StageInfo {
	return domain.StageInfo{
		FlowID:         gjson.GetBytes(raw, FieldFlowID).String(),
		FlowStageIndex: int(gjson.GetBytes(raw, FieldFlowStageIndex).Int()),
		FlowStageTotal: int(gjson.GetBytes(raw, FieldFlowStageTotal).Int()),
		FlowStageTitle: gjson.GetBytes(raw, FieldFlowStageTitle).String(),
	}
}

// Stage returns the flow position of raw together with the last reported
// stage.
func Stage(raw json.RawMessage) domain.StageInfo {
	info := Flow(raw)
	info.Stage = gjson.GetBytes(raw, FieldStage).String()
	info.StageLabel = gjson.GetBytes(raw, FieldStageLabel).String()
	return info
}

// WithStage records stage and label in raw. Empty values remove the field.
func WithStage(raw json.RawMessage, stage, label string) (json.RawMessage, error) {
	out := []byte(raw)
	for field, value := range map[string]string{FieldStage: stage, FieldStageLabel: label} {
		var err error
		if value == "" {
			out, err = sjson.DeleteBytes(out, field)
		} else {
			out, err = sjson.SetBytes(out, field, value)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
	}
	return out, nil
}

// Prompt returns the text an analysis task works on: content if present,
// otherwise prompt.
func Prompt(raw json.RawMessage) string {
	for _, f := range []string{"content", "prompt"} {
		if v := gjson.GetBytes(raw, f); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return v.Str
		}
	}
	return ""
}

// Instructions returns the optional analysis instructions in raw.
func Instructions(raw json.RawMessage) string {
	return gjson.GetBytes(raw, "instructions").String()
}
