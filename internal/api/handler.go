// Package api provides the HTTP ops surface of the mentor bot.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/mentorbot/internal/delivery"
	"github.com/ashureev/mentorbot/internal/directory"
	"github.com/ashureev/mentorbot/internal/middleware"
	"github.com/ashureev/mentorbot/internal/shared"
	"github.com/ashureev/mentorbot/internal/store"
	"github.com/ashureev/mentorbot/web"
)

// Handler serves the ops endpoints.
type Handler struct {
	dir      *directory.Repository
	engine   *delivery.Engine
	sessions store.Repository
	hub      *Hub
	logger   *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(dir *directory.Repository, engine *delivery.Engine, sessions store.Repository, hub *Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{dir: dir, engine: engine, sessions: sessions, hub: hub, logger: logger}
}

// Router builds the ops router. Everything except /health and the dashboard
// requires opsToken when it is set.
func (h *Handler) Router(opsToken string, origins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(origins))

	h.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(middleware.OpsToken(opsToken))
		h.RegisterDirectory(r)
		h.RegisterBroadcasts(r)
		h.RegisterExport(r)
		r.Get("/ws/broadcasts", h.hub.ServeHTTP)
	})

	r.Handle("/*", web.DashboardHandler())
	return r
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// fail maps an outcome error to its status code.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, shared.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, shared.ErrPermission):
		status = http.StatusForbidden
	case errors.Is(err, shared.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, shared.ErrStaleRequest):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", r.URL.Path, "error", err)
		Error(w, status, "internal error")
		return
	}
	Error(w, status, err.Error())
}
