package api

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/mentorbot/internal/export"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// RegisterExport registers the spreadsheet export route.
func (h *Handler) RegisterExport(r chi.Router) {
	r.Get("/api/export/users.xlsx", h.ExportUsers)
}

// ExportUsers streams the directory and run history as a workbook.
func (h *Handler) ExportUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.dir.Users(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	runs, err := h.engine.History().Runs(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := export.Write(&buf, users, runs); err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="users.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
