package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/channel"
	"github.com/phrazzld/taskflow/internal/config"
	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/phrazzld/taskflow/internal/store/memstore"
	"github.com/phrazzld/taskflow/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// newTestApplication wires the application over an in-memory store and
// channel. Image tasks complete immediately.
func newTestApplication(t *testing.T) *application {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Server: config.ServerConfig{Port: 0, LogLevel: "error"},
		Auth: config.AuthConfig{
			JWTSecret:            strings.Repeat("s", 32),
			TokenLifetimeMinutes: 5,
		},
		Stream: config.StreamConfig{
			HeartbeatInterval: time.Hour,
			ReplayPageSize:    100,
			DedupWindow:       10 * time.Second,
			DedupMaxEntries:   128,
			ListenerBuffer:    16,
		},
	}

	app := &application{config: cfg, logger: log}
	app.registry = channel.NewRegistry(channel.NewMemoryBroker(), cfg.Stream.ListenerBuffer, log)
	require.NoError(t, app.registry.Start(context.Background()))

	app.runner = task.NewRunner(task.DefaultRunnerConfig(), log)
	app.runner.RegisterExecutor(domain.QueueImage, task.ExecutorFunc(
		func(ctx context.Context, _ *domain.Task, report task.Reporter) (json.RawMessage, error) {
			return json.RawMessage(`{"url":"https://cdn.example.com/knight.png"}`), nil
		}))

	ms := memstore.New()
	require.NoError(t, app.setupServices(ms, ms.Tasks(), ms.Events()))
	require.NoError(t, app.runner.Start(context.Background(), app.taskService))
	t.Cleanup(app.cleanup)
	return app
}

func authed(t *testing.T, app *application, req *http.Request) *http.Request {
	t.Helper()
	token, err := app.jwtService.GenerateToken(req.Context(), uuid.New())
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestRouter_HealthAndAuth(t *testing.T) {
	app := newTestApplication(t)
	router := app.setupRouter()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())

	for _, path := range []string{"/tasks", "/stream?projectId=p1"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
		assert.NotEmpty(t, rr.Header().Get("X-Trace-ID"), path)
	}
}

func TestRouter_SubmitThenStream(t *testing.T) {
	app := newTestApplication(t)
	srv := httptest.NewServer(app.setupRouter())
	t.Cleanup(srv.Close)

	userID := uuid.New()
	token, err := app.jwtService.GenerateToken(context.Background(), userID)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"projectId":  "p1",
		"type":       "image_character",
		"targetType": "character",
		"targetId":   "c1",
		"payload":    map[string]any{"prompt": "a knight in rain"},
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/tasks", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream?projectId=p1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	// Read frames until the task completes. Replay and live may split the
	// history at any point; ids must still strictly increase.
	var (
		types  []string
		lastID int64
		event  string
	)
	reader := bufio.NewReader(resp.Body)
	for len(types) == 0 || types[len(types)-1] != string(domain.LifecycleCompleted) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "id: "):
			id, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
			require.NoError(t, err)
			assert.Greater(t, id, lastID)
			lastID = id
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && event == string(domain.EventTypeLifecycle):
			data := strings.TrimPrefix(line, "data: ")
			require.True(t, gjson.Valid(data), data)
			types = append(types, gjson.Get(data, "payload.lifecycleType").String())
		}
	}

	require.NotEmpty(t, types)
	assert.Equal(t, string(domain.LifecycleCreated), types[0])
	assert.Contains(t, types, string(domain.LifecycleProcessing))
	assert.Equal(t, string(domain.LifecycleCompleted), types[len(types)-1])
}

func TestRouter_OwnershipIsolation(t *testing.T) {
	app := newTestApplication(t)
	router := app.setupRouter()

	body := `{"projectId":"p1","type":"image_character","targetType":"character","targetId":"c1","payload":{"prompt":"x"}}`
	req := authed(t, app, httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(body)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var submitted struct {
		TaskID string `json:"taskId"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &submitted))

	// authed mints a token for a fresh user each call.
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, authed(t, app, httptest.NewRequest(http.MethodGet, "/tasks/"+submitted.TaskID, nil)))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
