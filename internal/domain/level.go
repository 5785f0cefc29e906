package domain

// Level is one rank of the community ladder.
type Level string

// Ladder is the ordered set of levels, lowest first.
type Ladder []Level

// DefaultLadder returns the five-rank ladder used when no community file
// overrides it.
func DefaultLadder() Ladder {
	return Ladder{"novice", "apprentice", "practitioner", "advanced", "master"}
}

// Rank returns the position of level in the ladder, or -1 if unknown.
func (l Ladder) Rank(level Level) int {
	for i, v := range l {
		if v == level {
			return i
		}
	}
	return -1
}

// Contains reports whether level belongs to the ladder.
func (l Ladder) Contains(level Level) bool {
	return l.Rank(level) >= 0
}

// AtOrAbove returns level and every higher rank. Unknown levels yield nil.
func (l Ladder) AtOrAbove(level Level) []Level {
	r := l.Rank(level)
	if r < 0 {
		return nil
	}
	out := make([]Level, len(l)-r)
	copy(out, l[r:])
	return out
}

// Roster names the platform's privileged accounts.
type Roster struct {
	SuperAdmin   string
	Coordinators []string
}

// IsSuperAdmin reports whether id is the superadmin.
func (r Roster) IsSuperAdmin(id string) bool {
	return id != "" && id == r.SuperAdmin
}

// IsAdmin reports whether id is the superadmin or a coordinator.
func (r Roster) IsAdmin(id string) bool {
	if r.IsSuperAdmin(id) {
		return true
	}
	for _, c := range r.Coordinators {
		if c == id {
			return true
		}
	}
	return false
}

// AdminIDs lists every privileged account.
func (r Roster) AdminIDs() []string {
	var ids []string
	if r.SuperAdmin != "" {
		ids = append(ids, r.SuperAdmin)
	}
	return append(ids, r.Coordinators...)
}
