package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fieldstack/simsync/internal/api/shared"
	"github.com/fieldstack/simsync/internal/auth"
	"github.com/fieldstack/simsync/internal/platform/logger"
	"github.com/fieldstack/simsync/internal/task"
)

// TaskManager is the part of task.Manager the HTTP layer drives.
type TaskManager interface {
	StartTask(ctx context.Context, payload json.RawMessage, opts task.StartOptions) (string, error)
	GetTaskStatus(ctx context.Context, id, ownerID string) (*task.TaskView, error)
	CancelTask(id string) bool
	CleanupNow(ctx context.Context) (int, error)
}

// TaskHandler serves the /api/tasks endpoints.
type TaskHandler struct {
	manager TaskManager
	logger  *slog.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(manager TaskManager, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		manager: manager,
		logger:  logger.With(slog.String("component", "task_handler")),
	}
}

// StartTask handles POST /api/tasks.
func (h *TaskHandler) StartTask(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	var req StartTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, shared.ValidationMessage(err), err)
		return
	}

	priority, err := task.ParsePriority(req.Priority)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	id, err := h.manager.StartTask(r.Context(), req.Payload, task.StartOptions{
		Strategy:     req.Strategy,
		Priority:     priority,
		Dependencies: req.Dependencies,
		OwnerID:      principal.ID,
		Total:        req.Total,
		ParentID:     req.ParentID,
	})
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("task accepted",
		slog.String("task_id", id),
		slog.String("strategy", req.Strategy))
	shared.RespondWithJSON(w, r, http.StatusAccepted, StartTaskResponse{TaskID: id})
}

// GetTask handles GET /api/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	view, err := h.manager.GetTaskStatus(r.Context(), chi.URLParam(r, "id"), principal.ID)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, view)
}

// CancelTask handles DELETE /api/tasks/{id}. Only the owner may cancel; the
// response says whether a live execution was signalled.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.PrincipalFrom(r.Context())
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := h.manager.GetTaskStatus(r.Context(), id, principal.ID); err != nil {
		HandleAPIError(w, r, err)
		return
	}

	cancelled := h.manager.CancelTask(id)
	logger.FromContext(r.Context()).Info("task cancel requested",
		slog.String("task_id", id),
		slog.Bool("cancelled", cancelled))
	shared.RespondWithJSON(w, r, http.StatusOK, CancelTaskResponse{Cancelled: cancelled})
}

// Cleanup handles POST /api/tasks/cleanup.
func (h *TaskHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	n, err := h.manager.CleanupNow(r.Context())
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Info("manual cleanup finished", slog.Int("removed", n))
	w.WriteHeader(http.StatusNoContent)
}
