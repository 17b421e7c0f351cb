package stream

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteEvent(t *testing.T) {
	task := &domain.Task{ID: uuid.New(), UserID: uuid.New(), ProjectID: "p1", Type: domain.TaskTypeVoiceLine}

	tests := []struct {
		name   string
		id     string
		wantID bool
	}{
		{name: "durable id", id: "42", wantID: true},
		{name: "reconcile id", id: "reconcile:" + task.ID.String() + ":completed"},
		{name: "no id"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev := domain.NewLifecycleEvent(task, domain.CreatedPayload{})
			ev.ID = tc.id

			var buf bytes.Buffer
			require.NoError(t, WriteEvent(&buf, ev))
			out := buf.String()

			assert.True(t, strings.HasSuffix(out, "\n\n"))
			assert.Equal(t, tc.wantID, strings.HasPrefix(out, "id: "+tc.id+"\n"))
			assert.Contains(t, out, "event: task.lifecycle\n")
			assert.Contains(t, out, `"lifecycleType":"created"`)
			assert.Equal(t, 1, strings.Count(out, "data: "))
		})
	}
}

func TestWriteHeartbeat(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, WriteHeartbeat(&buf, at))
	assert.Equal(t, "event: heartbeat\ndata: {\"ts\":\"2025-03-01T09:00:00Z\"}\n\n", buf.String())
}
