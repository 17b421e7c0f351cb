package domain

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleEvent_JSONCarriesDiscriminator(t *testing.T) {
	t.Parallel()

	task, err := NewTask(validTaskParams())
	require.NoError(t, err)

	ev := NewLifecycleEvent(task, ProcessingPayload{
		StageInfo: StageInfo{Stage: "render", StepID: "s1", FlowStageIndex: 1, FlowStageTotal: 2, Progress: IntPtr(40)},
	})
	ev.ID = "7"

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.Equal(t, "task.lifecycle", generic["type"])
	payload := generic["payload"].(map[string]any)
	assert.Equal(t, "processing", payload["lifecycleType"])
	assert.Equal(t, float64(40), payload["progress"])

	var decoded LifecycleEvent
	require.NoError(t, json.Unmarshal(data, &decoded))
	p, ok := decoded.Payload.(ProcessingPayload)
	require.True(t, ok)
	assert.Equal(t, "render", p.Stage)
	assert.Equal(t, 40, *p.Progress)
	assert.Equal(t, task.ID, decoded.TaskID)
}

func TestNewLifecycleEvent_DismissedType(t *testing.T) {
	t.Parallel()

	task, err := NewTask(validTaskParams())
	require.NoError(t, err)

	ev := NewLifecycleEvent(task, DismissedPayload{Dismissed: true, StageInfo: StageInfo{Stage: "dismissed"}})
	assert.Equal(t, EventTypeDismissed, ev.Type)
	assert.Equal(t, LifecycleDismissed, ev.LifecycleType())
}

func TestUnmarshalPayload_UnknownType(t *testing.T) {
	t.Parallel()

	_, err := UnmarshalPayload([]byte(`{"lifecycleType":"exploded"}`))
	assert.ErrorIs(t, err, ErrUnknownLifecycleType)

	_, err = UnmarshalPayload([]byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownLifecycleType)
}

func TestCancelledPayload_CleanupFields(t *testing.T) {
	t.Parallel()

	raw, err := MarshalPayload(CancelledPayload{
		ErrorCode:          ErrorCodeCancelled,
		Message:            CancelledMessage,
		Cancelled:          true,
		QueueCleanupFailed: true,
		QueueCleanupError:  "queue unavailable",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"lifecycleType":"cancelled",
		"errorCode":"TASK_CANCELLED",
		"message":"Task cancelled by user",
		"cancelled":true,
		"queueCleanupFailed":true,
		"queueCleanupError":"queue unavailable"
	}`, string(raw))
}

func TestLifecycleEvent_Seq(t *testing.T) {
	t.Parallel()

	ev := &LifecycleEvent{ID: "42", TaskID: uuid.New()}
	n, ok := ev.Seq()
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)

	ev.ID = "reconcile:abc:completed"
	_, ok = ev.Seq()
	assert.False(t, ok)
}

func TestParseCursor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(0), ParseCursor(""))
	assert.Equal(t, int64(0), ParseCursor("abc"))
	assert.Equal(t, int64(0), ParseCursor("-3"))
	assert.Equal(t, int64(12), ParseCursor("12"))
}
