package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/taskflow/internal/api/shared"
	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestGetPathUUID(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	tests := []struct {
		name    string
		value   string
		want    uuid.UUID
		wantErr error
	}{
		{name: "valid", value: id.String(), want: id},
		{name: "missing", value: "", wantErr: domain.ErrValidation},
		{name: "malformed", value: "12345", wantErr: domain.ErrInvalidID},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := withURLParam(httptest.NewRequest(http.MethodGet, "/tasks/x", nil), "taskId", tc.value)

			got, err := getPathUUID(req, "taskId")
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestHandleUserIDAndPathUUID(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	taskID := uuid.New()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/tasks/x", nil)
		req = req.WithContext(shared.WithUserID(req.Context(), userID))
		req = withURLParam(req, "taskId", taskID.String())
		rr := httptest.NewRecorder()

		gotUser, gotTask, ok := handleUserIDAndPathUUID(rr, req, "taskId")
		require.True(t, ok)
		assert.Equal(t, userID, gotUser)
		assert.Equal(t, taskID, gotTask)
	})

	t.Run("no user", func(t *testing.T) {
		t.Parallel()
		req := withURLParam(httptest.NewRequest(http.MethodGet, "/tasks/x", nil), "taskId", taskID.String())
		rr := httptest.NewRecorder()

		_, _, ok := handleUserIDAndPathUUID(rr, req, "taskId")
		assert.False(t, ok)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("bad id", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/tasks/x", nil)
		req = req.WithContext(shared.WithUserID(req.Context(), userID))
		req = withURLParam(req, "taskId", "nope")
		rr := httptest.NewRecorder()

		_, _, ok := handleUserIDAndPathUUID(rr, req, "taskId")
		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestQueryHelpers(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/tasks?limit=25&includeEvents=true&types=image_panel,%20,video_panel&bad=x", nil)

	n, err := queryInt(req, "limit", 0)
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	n, err = queryInt(req, "missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = queryInt(req, "bad", 0)
	assert.ErrorIs(t, err, domain.ErrValidation)

	b, err := queryBool(req, "includeEvents")
	require.NoError(t, err)
	assert.True(t, b)

	_, err = queryBool(req, "bad")
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Equal(t, []string{"image_panel", "video_panel"}, queryCSV(req, "types"))
	assert.Nil(t, queryCSV(req, "missing"))
}
