package api

import (
	"errors"
	"net/http"

	"github.com/fieldstack/simsync/internal/api/shared"
	"github.com/fieldstack/simsync/internal/auth"
	"github.com/fieldstack/simsync/internal/store"
	"github.com/fieldstack/simsync/internal/task"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// exposing the error itself to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized

	case errors.Is(err, task.ErrUnauthorized):
		return http.StatusForbidden

	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	case errors.Is(err, task.ErrDependencyTimeout):
		return http.StatusGatewayTimeout

	case errors.Is(err, task.ErrInvalidTask),
		errors.Is(err, task.ErrUnknownStrategy),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	case errors.Is(err, store.ErrTransientIO):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err.
func GetSafeErrorMessage(err error) string {
	switch {
	case err == nil:
		return "An unexpected error occurred"
	case errors.Is(err, auth.ErrUnauthenticated):
		return "Authentication required"
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return "Invalid token"
	case errors.Is(err, task.ErrUnauthorized):
		return "You do not own this task"
	case errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, store.ErrNotFound):
		return "Resource not found"
	case errors.Is(err, store.ErrTaskExists):
		return "Task already exists"
	case errors.Is(err, task.ErrDependencyTimeout):
		return "Task dependencies did not complete in time"
	case errors.Is(err, task.ErrUnknownStrategy):
		return "Unknown strategy"
	case errors.Is(err, task.ErrInvalidTask), errors.Is(err, store.ErrInvalidEntity):
		return "Invalid task request"
	case errors.Is(err, store.ErrTransientIO):
		return "Service temporarily unavailable"
	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the mapped status and safe message, logging the detail.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error) {
	shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
}
