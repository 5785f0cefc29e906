package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// Health returns the health status of the service and its stores.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok", "sessions": "ok", "directory": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.sessions.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "check", "sessions", "error", err)
		checks["sessions"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	}
	if _, err := h.dir.Users(ctx); err != nil {
		h.logger.Error("Health check failed", "check", "directory", "error", err)
		checks["directory"] = "unreadable"
		statusCode = http.StatusServiceUnavailable
	}
	if statusCode != http.StatusOK {
		status["status"] = "degraded"
	}
	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *Handler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
