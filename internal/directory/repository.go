// Package directory is the user-record collection built on the record store.
// It owns the directory invariants: every record is keyed by its own chat
// identifier, no two records share an identity, and mentor references form
// an acyclic forest over existing users.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/recordstore"
	"github.com/ashureev/mentorbot/internal/shared"
)

const (
	// DocumentName is the file stem of the directory document.
	DocumentName = "users"
	// UsersKey is the required top-level key.
	UsersKey = "users"
)

// Schema returns the record store schema of the directory document.
func Schema() recordstore.Schema {
	return recordstore.Schema{
		Name:        DocumentName,
		RequiredKey: UsersKey,
		Repair:      RepairUsers,
	}
}

// Repository reads and mutates the directory document. Every mutation reloads
// the full document, mutates it in memory and saves it back.
type Repository struct {
	store  *recordstore.Store
	ladder domain.Ladder
	now    func() time.Time
	logger *slog.Logger
}

// NewRepository registers the directory schema on store.
func NewRepository(store *recordstore.Store, ladder domain.Ladder, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	store.Register(Schema())
	return &Repository{store: store, ladder: ladder, now: time.Now, logger: logger}
}

// SetClock replaces time.Now, for tests.
func (r *Repository) SetClock(now func() time.Time) {
	r.now = now
}

// Today returns the current calendar day.
func (r *Repository) Today() string {
	return domain.Day(r.now())
}

// Ladder returns the level ladder the directory validates against.
func (r *Repository) Ladder() domain.Ladder {
	return r.ladder
}

// Users loads the whole directory.
func (r *Repository) Users(ctx context.Context) (domain.Users, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := r.store.Load(DocumentName)
	if err != nil {
		return nil, fmt.Errorf("load directory: %w", err)
	}
	return decodeUsers(doc)
}

// Get returns one user or an error wrapping shared.ErrNotFound.
func (r *Repository) Get(ctx context.Context, id string) (*domain.User, error) {
	users, err := r.Users(ctx)
	if err != nil {
		return nil, err
	}
	u, ok := users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, shared.ErrNotFound)
	}
	return u, nil
}

// Update runs fn against the freshly loaded directory and saves the result.
// Nothing is written when fn returns an error. recordstore.ErrUnchanged
// skips the save and is not reported. Record keys are re-asserted as chat
// identifiers before saving.
func (r *Repository) Update(ctx context.Context, fn func(users domain.Users) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.store.Update(DocumentName, func(doc recordstore.Document) error {
		users, err := decodeUsers(doc)
		if err != nil {
			return err
		}
		if err := fn(users); err != nil {
			return err
		}
		for id, u := range users {
			if u == nil {
				delete(users, id)
				continue
			}
			u.ChatID = id
		}
		return recordstore.Encode(doc, UsersKey, users)
	})
}

// Touch records that the user was active today. Unknown users and users
// already seen today cause no write.
func (r *Repository) Touch(ctx context.Context, id string) error {
	today := r.Today()
	return r.Update(ctx, func(users domain.Users) error {
		u, ok := users[id]
		if !ok || u.ActiveToday == today {
			return recordstore.ErrUnchanged
		}
		u.ActiveToday = today
		return nil
	})
}

// Report is the result of a read-only integrity check.
type Report struct {
	Users     int     `json:"users"`
	Corrupted bool    `json:"corrupted"`
	Error     string  `json:"error,omitempty"`
	Issues    []Issue `json:"issues"`
}

// OK reports whether the on-disk directory needs no repair.
func (rep *Report) OK() bool {
	return !rep.Corrupted && len(rep.Issues) == 0
}

// Check inspects the on-disk directory without changing it.
func (r *Repository) Check(ctx context.Context) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := r.store.Peek(DocumentName)
	if err != nil {
		return &Report{Corrupted: true, Error: err.Error(), Issues: []Issue{}}, nil
	}
	var raw map[string]json.RawMessage
	if err := recordstore.Decode(doc, UsersKey, &raw); err != nil {
		return &Report{Corrupted: true, Error: err.Error(), Issues: []Issue{}}, nil
	}
	_, issues := repair(raw)
	if issues == nil {
		issues = []Issue{}
	}
	return &Report{Users: len(raw), Issues: issues}, nil
}

// FixResult summarizes a repair-and-persist pass.
type FixResult struct {
	Before int     `json:"before"`
	After  int     `json:"after"`
	Issues []Issue `json:"issues"`
}

// Fix repairs the directory and persists the result.
func (r *Repository) Fix(ctx context.Context) (*FixResult, error) {
	rep, err := r.Check(ctx)
	if err != nil {
		return nil, err
	}
	after := 0
	err = r.Update(ctx, func(users domain.Users) error {
		after = len(users)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fix directory: %w", err)
	}
	r.logger.Info("Directory fixed", "before", rep.Users, "after", after, "issues", len(rep.Issues))
	return &FixResult{Before: rep.Users, After: after, Issues: rep.Issues}, nil
}

// LevelStats counts members of one level.
type LevelStats struct {
	Level  domain.Level `json:"level"`
	Total  int          `json:"total"`
	Active int          `json:"active"`
}

// Stats summarizes the directory for one day.
type Stats struct {
	Day           string       `json:"day"`
	Total         int          `json:"total"`
	NewToday      int          `json:"new_today"`
	ActiveToday   int          `json:"active_today"`
	WithMentor    int          `json:"with_mentor"`
	WithoutMentor int          `json:"without_mentor"`
	Levels        []LevelStats `json:"levels"`
}

// Stats computes directory statistics for today.
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	users, err := r.Users(ctx)
	if err != nil {
		return nil, err
	}
	return ComputeStats(users, r.ladder, r.Today()), nil
}

// ComputeStats summarizes users for day.
func ComputeStats(users domain.Users, ladder domain.Ladder, day string) *Stats {
	st := &Stats{Day: day, Total: len(users)}
	perLevel := make(map[domain.Level]*LevelStats, len(ladder))
	for _, l := range ladder {
		perLevel[l] = &LevelStats{Level: l}
	}
	for _, u := range users {
		if u.RegistrationDate == day {
			st.NewToday++
		}
		active := u.ActiveOn(day)
		if active {
			st.ActiveToday++
		}
		if u.HasMentor() {
			st.WithMentor++
		}
		if ls, ok := perLevel[u.Level]; ok {
			ls.Total++
			if active {
				ls.Active++
			}
		}
	}
	st.WithoutMentor = st.Total - st.WithMentor
	for _, l := range ladder {
		st.Levels = append(st.Levels, *perLevel[l])
	}
	return st
}

func decodeUsers(doc recordstore.Document) (domain.Users, error) {
	users := make(domain.Users)
	if err := recordstore.Decode(doc, UsersKey, &users); err != nil {
		return nil, fmt.Errorf("decode directory: %w", err)
	}
	for id, u := range users {
		if u == nil {
			delete(users, id)
		}
	}
	return users, nil
}
