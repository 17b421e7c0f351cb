package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTask(t *testing.T, userID uuid.UUID, project string) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(domain.NewTaskParams{
		UserID:     userID,
		ProjectID:  project,
		Type:       domain.TaskTypeImageCharacter,
		TargetType: "character",
		TargetID:   "char-1",
		Payload:    json.RawMessage(`{"prompt":"a knight"}`),
	})
	require.NoError(t, err)
	return task
}

// MockEventHandler implements the EventHandler interface for testing
type MockEventHandler struct {
	// The events received by this handler, in order
	Events []*domain.LifecycleEvent
	// Error to return from HandleEvent
	HandlerError error
	// Count of events handled
	HandledCount int
}

// HandleEvent implements the EventHandler interface
func (h *MockEventHandler) HandleEvent(ctx context.Context, event *domain.LifecycleEvent) error {
	h.Events = append(h.Events, event)
	h.HandledCount++
	return h.HandlerError
}

// LastEvent returns the most recent event, or nil.
func (h *MockEventHandler) LastEvent() *domain.LifecycleEvent {
	if len(h.Events) == 0 {
		return nil
	}
	return h.Events[len(h.Events)-1]
}

func TestHandlerFunc(t *testing.T) {
	var got *domain.LifecycleEvent
	handler := HandlerFunc(func(_ context.Context, ev *domain.LifecycleEvent) error {
		got = ev
		return errors.New("handler error")
	})

	event := domain.NewLifecycleEvent(newTestTask(t, uuid.New(), "p1"), domain.CreatedPayload{})
	err := handler.HandleEvent(context.Background(), event)

	assert.EqualError(t, err, "handler error")
	assert.Same(t, event, got)
}
