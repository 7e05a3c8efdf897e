package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apimiddleware "github.com/fieldstack/simsync/internal/api/middleware"
	"github.com/fieldstack/simsync/internal/auth"
	"github.com/fieldstack/simsync/internal/config"
	"github.com/fieldstack/simsync/internal/reconcile"
	"github.com/fieldstack/simsync/internal/task"
)

type testServer struct {
	handler http.Handler
	manager *task.Manager
	records *reconcile.MemoryRecordStore
	tokens  *auth.TokenService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	records := reconcile.NewMemoryRecordStore(
		reconcile.SimCard{ID: "c1", Serial: "S1"},
		reconcile.SimCard{ID: "c2", Serial: "S2"},
	)
	strategy := reconcile.NewStreamingSync(records, reconcile.Config{RetryBaseDelay: time.Millisecond}, log)

	cfg := task.DefaultManagerConfig()
	cfg.ContinuationDelay = 0
	cfg.DependencyPollInterval = 10 * time.Millisecond
	cfg.DependencyTimeout = 50 * time.Millisecond
	manager := task.NewManager(task.NewMemoryTaskStore(), task.NewRegistry(strategy), cfg, log)
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	tokens, err := auth.NewTokenService(config.AuthConfig{
		JWTSecret:            "0123456789abcdef0123456789abcdef",
		TokenLifetimeMinutes: 60,
	})
	require.NoError(t, err)

	router := NewRouter(NewTaskHandler(manager, log), apimiddleware.NewAuthMiddleware(tokens), log)
	return &testServer{handler: router, manager: manager, records: records, tokens: tokens}
}

func (s *testServer) do(t *testing.T, method, path, subject, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if subject != "" {
		token, err := s.tokens.GenerateToken(context.Background(), subject)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) start(t *testing.T, subject, body string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/tasks", subject, body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp StartTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TaskID)
	return resp.TaskID
}

const syncBody = `{"payload":{"records":[
	{"serial":"S1","status":"active","top_up_amount":"120"},
	{"serial":"S2","status":"suspended"}
]}}`

func TestTaskAPI_StartAndStatus(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	id := s.start(t, "owner-a", syncBody)
	s.manager.Wait()

	rec := s.do(t, http.MethodGet, "/api/tasks/"+id, "owner-a", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view task.TaskView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, task.StatusCompleted, view.Task.Status)
	assert.Equal(t, 2, view.Task.Total)
	assert.Equal(t, 2, view.Task.Processed)
	assert.Equal(t, 100, view.Task.Progress)
	assert.Equal(t, "owner-a", view.Task.OwnerID)

	card, err := s.records.GetRecord(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "active", card.Status)
	assert.Equal(t, reconcile.QualityPremium, card.Quality)
	assert.Equal(t, "owner-a", card.UpdatedBy)
}

func TestTaskAPI_Authorization(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/tasks", "", syncBody).Code)

	id := s.start(t, "owner-a", syncBody)
	s.manager.Wait()

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/tasks/"+id, "owner-b", "").Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodDelete, "/api/tasks/"+id, "owner-b", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/tasks/missing", "owner-a", "").Code)
}

func TestTaskAPI_StartValidation(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{"payload":`, http.StatusBadRequest},
		{"missing payload", `{"priority":"high"}`, http.StatusBadRequest},
		{"bad priority", `{"payload":{},"priority":"urgent"}`, http.StatusBadRequest},
		{"negative total", `{"payload":{},"total":-1}`, http.StatusBadRequest},
		{"unknown strategy", `{"payload":{},"strategy":"nope"}`, http.StatusBadRequest},
		{"missing parent", `{"payload":{},"parent_id":"ghost"}`, http.StatusNotFound},
		{"unmet dependency", `{"payload":{},"dependencies":["ghost"]}`, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/tasks", "owner-a", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestTaskAPI_CancelFinishedTask(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	id := s.start(t, "owner-a", syncBody)
	s.manager.Wait()

	rec := s.do(t, http.MethodDelete, "/api/tasks/"+id, "owner-a", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CancelTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Cancelled)
}

func TestTaskAPI_CleanupAndHealth(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/tasks/cleanup", "", "").Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, "/api/tasks/cleanup", "owner-a", "").Code)

	rec := s.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
