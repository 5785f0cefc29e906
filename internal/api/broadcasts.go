package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/mentorbot/internal/domain"
)

// RegisterBroadcasts registers the run history routes.
func (h *Handler) RegisterBroadcasts(r chi.Router) {
	r.Route("/api/broadcasts", func(r chi.Router) {
		r.Get("/", h.ListBroadcasts)
		r.Get("/stats", h.BroadcastStats)
		r.Get("/{id}", h.GetBroadcast)
		r.Post("/{id}/retry", h.RetryBroadcast)
	})
}

// ListBroadcasts returns every run, newest first.
func (h *Handler) ListBroadcasts(w http.ResponseWriter, r *http.Request) {
	runs, err := h.engine.History().Runs(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []*domain.BroadcastRecord{}
	}
	JSON(w, http.StatusOK, runs)
}

// BroadcastStats returns totals over finished runs.
func (h *Handler) BroadcastStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.History().Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

// GetBroadcast returns one run with its failures.
func (h *Handler) GetBroadcast(w http.ResponseWriter, r *http.Request) {
	rec, failures, err := h.engine.History().Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if failures == nil {
		failures = []domain.FailedDelivery{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"run": rec, "failures": failures})
}

type retryRequest struct {
	Payload *domain.Payload `json:"payload,omitempty"`
}

// RetryBroadcast re-sends a run to its failed recipients. The body may
// override the stored payload. The run outlives a dropped client.
func (h *Handler) RetryBroadcast(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id := chi.URLParam(r, "id")
	h.logger.Info("Retry requested via ops API", "run_id", id)

	report, err := h.engine.RetryFailed(context.WithoutCancel(r.Context()), id, req.Payload, h.hub.Publish)
	if report == nil {
		h.fail(w, r, err)
		return
	}
	if err != nil {
		h.logger.Warn("Retry run not fully recorded", "run_id", report.RunID, "error", err)
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"run_id":   report.RunID,
		"total":    report.Total,
		"sent":     report.Sent,
		"failed":   report.Failed,
		"by_error": report.Groups(),
	})
}
