package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/shared"
)

// RegisterDirectory registers the directory maintenance routes.
func (h *Handler) RegisterDirectory(r chi.Router) {
	r.Route("/api/directory", func(r chi.Router) {
		r.Get("/check", h.Check)
		r.Post("/fix", h.Fix)
		r.Get("/stats", h.Stats)
		r.Get("/users", h.Users)
		r.Get("/branch/{id}", h.Branch)
		r.Get("/hierarchy", h.Hierarchy)
	})
}

// Check reports integrity issues without changing anything.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	rep, err := h.dir.Check(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"ok": rep.OK(), "report": rep})
}

// Fix repairs and persists the directory.
func (h *Handler) Fix(w http.ResponseWriter, r *http.Request) {
	res, err := h.dir.Fix(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// Stats returns today's directory statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.dir.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

// Users lists every member ordered by id.
func (h *Handler) Users(w http.ResponseWriter, r *http.Request) {
	users, err := h.dir.Users(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]*domain.User, 0, len(users))
	for _, id := range users.IDs() {
		out = append(out, users[id])
	}
	JSON(w, http.StatusOK, out)
}

type branchMember struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Level    domain.Level `json:"level"`
	MentorID string       `json:"mentor_id"`
	Depth    int          `json:"depth"`
}

// Branch returns the descendant subtree of a member, breadth first.
func (h *Handler) Branch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	users, err := h.dir.Users(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	root, ok := users[id]
	if !ok {
		h.fail(w, r, shared.ErrNotFound)
		return
	}
	entries := users.Branch(id)
	members := make([]branchMember, len(entries))
	perLevel := make(map[domain.Level]int)
	for i, e := range entries {
		members[i] = branchMember{
			ID:       e.User.ChatID,
			Name:     e.User.FullName(),
			Level:    e.User.Level,
			MentorID: e.MentorID,
			Depth:    e.Depth,
		}
		perLevel[e.User.Level]++
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"root":      root,
		"members":   members,
		"per_level": perLevel,
	})
}

// Hierarchy returns the whole mentor forest in preorder. Roots have depth 0.
func (h *Handler) Hierarchy(w http.ResponseWriter, r *http.Request) {
	users, err := h.dir.Users(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entries := users.Hierarchy()
	members := make([]branchMember, len(entries))
	roots := 0
	for i, e := range entries {
		members[i] = branchMember{
			ID:       e.User.ChatID,
			Name:     e.User.FullName(),
			Level:    e.User.Level,
			MentorID: e.MentorID,
			Depth:    e.Depth,
		}
		if e.Depth == 0 {
			roots++
		}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"total":   len(users),
		"roots":   roots,
		"members": members,
	})
}
