// Package domain contains core domain types for the mentorship directory.
package domain

import (
	"sort"
	"strings"
	"time"
)

// DateLayout is the calendar-day format used for registration and activity dates.
const DateLayout = "2006-01-02"

// Day formats t as a calendar day.
func Day(t time.Time) string {
	return t.Format(DateLayout)
}

// User is one member of the directory. The record key in the directory
// document always equals ChatID once the repair pass has run.
type User struct {
	Name             string `json:"name"`
	Surname          string `json:"surname"`
	Level            Level  `json:"level"`
	Mentor           string `json:"mentor,omitempty"`
	PendingMentor    string `json:"pending_mentor,omitempty"`
	PendingNewMentor string `json:"pending_new_mentor,omitempty"`
	PendingLevel     Level  `json:"pending_level,omitempty"`
	ChatID           string `json:"chat_id"`
	RegistrationDate string `json:"registration_date"`
	ActiveToday      string `json:"active_today,omitempty"`
}

// FullName joins name and surname.
func (u *User) FullName() string {
	return strings.TrimSpace(u.Name + " " + u.Surname)
}

// HasMentor returns true if the user has an accepted mentor.
func (u *User) HasMentor() bool {
	return u.Mentor != ""
}

// ActiveOn reports whether the user was active on the given day.
func (u *User) ActiveOn(day string) bool {
	return u.ActiveToday == day
}

// Users is the directory keyed by chat identifier.
type Users map[string]*User

// IDs returns the keys in ascending order.
func (us Users) IDs() []string {
	ids := make([]string, 0, len(us))
	for id := range us {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Students returns the direct mentees of mentorID sorted by full name.
func (us Users) Students(mentorID string) []*User {
	var out []*User
	for _, u := range us {
		if u.Mentor == mentorID {
			out = append(out, u)
		}
	}
	sortByName(out)
	return out
}

// HasStudents reports whether anyone names mentorID as mentor.
func (us Users) HasStudents(mentorID string) bool {
	for _, u := range us {
		if u.Mentor == mentorID {
			return true
		}
	}
	return false
}

// AtLevel returns users at the given level sorted by full name.
func (us Users) AtLevel(level Level) []*User {
	var out []*User
	for _, u := range us {
		if u.Level == level {
			out = append(out, u)
		}
	}
	sortByName(out)
	return out
}

// IsAncestor reports whether ancestorID appears on the mentor chain above id.
// The walk stops at the first repeated user, so corrupted cycles terminate.
func (us Users) IsAncestor(ancestorID, id string) bool {
	seen := make(map[string]bool)
	cur := id
	for {
		u, ok := us[cur]
		if !ok || u.Mentor == "" || seen[cur] {
			return false
		}
		seen[cur] = true
		if u.Mentor == ancestorID {
			return true
		}
		cur = u.Mentor
	}
}

// BranchEntry is one member of a mentor's descendant subtree.
type BranchEntry struct {
	User     *User
	MentorID string
	Depth    int
}

// Branch collects the full descendant subtree of rootID in depth-first
// preorder using an explicit stack, so each member directly follows its
// mentor. Siblings are ordered by name and each user is visited at most once.
func (us Users) Branch(rootID string) []BranchEntry {
	children := make(map[string][]*User)
	for _, u := range us {
		if u.Mentor != "" {
			children[u.Mentor] = append(children[u.Mentor], u)
		}
	}
	for _, c := range children {
		sortByName(c)
	}

	type item struct {
		user  *User
		from  string
		depth int
	}
	push := func(stack []item, parent string, depth int) []item {
		kids := children[parent]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, item{user: kids[i], from: parent, depth: depth})
		}
		return stack
	}

	visited := map[string]bool{rootID: true}
	stack := push(nil, rootID, 1)
	var out []BranchEntry
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur.user.ChatID] {
			continue
		}
		visited[cur.user.ChatID] = true
		out = append(out, BranchEntry{User: cur.user, MentorID: cur.from, Depth: cur.depth})
		stack = push(stack, cur.user.ChatID, cur.depth+1)
	}
	return out
}

// Hierarchy lists the whole forest: every root at depth 0 followed by its
// branch.
func (us Users) Hierarchy() []BranchEntry {
	var out []BranchEntry
	for _, root := range us.Roots() {
		out = append(out, BranchEntry{User: root})
		out = append(out, us.Branch(root.ChatID)...)
	}
	return out
}

// Roots returns users without a mentor, sorted by full name.
func (us Users) Roots() []*User {
	var out []*User
	for _, u := range us {
		if u.Mentor == "" {
			out = append(out, u)
		}
	}
	sortByName(out)
	return out
}

func sortByName(users []*User) {
	sort.SliceStable(users, func(i, j int) bool {
		if users[i].FullName() == users[j].FullName() {
			return users[i].ChatID < users[j].ChatID
		}
		return users[i].FullName() < users[j].FullName()
	})
}
