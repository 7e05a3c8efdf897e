package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	apimiddleware "github.com/fieldstack/simsync/internal/api/middleware"
)

// NewRouter wires the task endpoints behind bearer authentication.
func NewRouter(tasks *TaskHandler, authMiddleware *apimiddleware.AuthMiddleware, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(apimiddleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)
		r.Post("/", tasks.StartTask)
		r.Post("/cleanup", tasks.Cleanup)
		r.Get("/{id}", tasks.GetTask)
		r.Delete("/{id}", tasks.CancelTask)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.Error("failed to write health check response", slog.String("error", err.Error()))
		}
	})

	return r
}
