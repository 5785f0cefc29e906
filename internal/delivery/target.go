package delivery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/shared"
)

// TargetKind selects the population of a broadcast.
type TargetKind string

// Broadcast populations.
const (
	TargetAll      TargetKind = "all"
	TargetLevels   TargetKind = "levels"
	TargetActive   TargetKind = "active"
	TargetInactive TargetKind = "inactive"
)

// Target describes who a broadcast goes to.
type Target struct {
	Kind   TargetKind     `json:"kind"`
	Levels []domain.Level `json:"levels,omitempty"`
}

// String is the human-readable target stored on the run record.
func (t Target) String() string {
	switch t.Kind {
	case TargetLevels:
		parts := make([]string, len(t.Levels))
		for i, l := range t.Levels {
			parts[i] = string(l)
		}
		return "levels: " + strings.Join(parts, ", ")
	case TargetActive:
		return "active today"
	case TargetInactive:
		return "inactive today"
	default:
		return "all users"
	}
}

// Authorize checks that issuer may broadcast to t. Coordinators may only
// target levels; the superadmin may use every target.
func Authorize(roster domain.Roster, issuerID string, t Target) error {
	switch {
	case roster.IsSuperAdmin(issuerID):
		return nil
	case roster.IsAdmin(issuerID) && t.Kind == TargetLevels:
		return nil
	case roster.IsAdmin(issuerID):
		return fmt.Errorf("%w: coordinators may only target levels", shared.ErrPermission)
	default:
		return fmt.Errorf("%w: broadcasts are reserved for admins", shared.ErrPermission)
	}
}

// SelectRecipients resolves t against the directory after authorizing the
// issuer. Recipients are ordered by name for deterministic runs.
func SelectRecipients(users domain.Users, roster domain.Roster, issuerID string, t Target, today string) ([]Recipient, error) {
	if err := Authorize(roster, issuerID, t); err != nil {
		return nil, err
	}
	if t.Kind == TargetLevels && len(t.Levels) == 0 {
		return nil, fmt.Errorf("%w: choose at least one level", shared.ErrInvalidRequest)
	}
	levels := make(map[domain.Level]bool, len(t.Levels))
	for _, l := range t.Levels {
		levels[l] = true
	}

	var out []Recipient
	for id, u := range users {
		var match bool
		switch t.Kind {
		case TargetAll:
			match = true
		case TargetLevels:
			match = levels[u.Level]
		case TargetActive:
			match = u.ActiveOn(today)
		case TargetInactive:
			match = !u.ActiveOn(today)
		default:
			return nil, fmt.Errorf("%w: unknown target %q", shared.ErrInvalidRequest, t.Kind)
		}
		if match {
			out = append(out, Recipient{ID: id, Name: u.FullName()})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
