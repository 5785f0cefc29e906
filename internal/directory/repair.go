package directory

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/recordstore"
)

// Issue kinds found by the repair pass.
const (
	IssueMalformed      = "malformed_record"
	IssueMissingName    = "missing_name"
	IssueChatIDMismatch = "chat_id_fixed"
	IssueDuplicate      = "duplicate_removed"
	IssueOrphanMentor   = "orphan_mentor_cleared"
	IssueStalePending   = "stale_pending_cleared"
	IssueCycle          = "mentor_cycle_broken"
)

// Issue is one integrity violation and the repair applied to it.
type Issue struct {
	Kind   string `json:"kind"`
	UserID string `json:"user_id"`
	Detail string `json:"detail,omitempty"`
}

// RepairUsers is the structural repair pass of the users document.
func RepairUsers(doc recordstore.Document) (recordstore.RepairCounts, error) {
	var raw map[string]json.RawMessage
	if err := recordstore.Decode(doc, UsersKey, &raw); err != nil {
		return nil, err
	}
	users, issues := repair(raw)
	counts := recordstore.RepairCounts{}
	for _, is := range issues {
		counts[is.Kind]++
	}
	if len(issues) == 0 {
		return counts, nil
	}
	return counts, recordstore.Encode(doc, UsersKey, users)
}

// repair turns raw entries into a consistent directory: every record is an
// object with a name, is keyed by its own chat_id, names existing users as
// mentor and pending targets, and sits in an acyclic mentor forest.
func repair(raw map[string]json.RawMessage) (domain.Users, []Issue) {
	var issues []Issue
	users := make(domain.Users, len(raw))

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, id := range keys {
		entry := bytes.TrimSpace(raw[id])
		if len(entry) == 0 || entry[0] != '{' {
			issues = append(issues, Issue{Kind: IssueMalformed, UserID: id, Detail: "record is not an object"})
			continue
		}
		var u domain.User
		if err := json.Unmarshal(entry, &u); err != nil {
			issues = append(issues, Issue{Kind: IssueMalformed, UserID: id, Detail: err.Error()})
			continue
		}
		if strings.TrimSpace(u.Name) == "" {
			issues = append(issues, Issue{Kind: IssueMissingName, UserID: id})
			continue
		}
		users[id] = &u
	}

	for _, id := range keys {
		u, ok := users[id]
		if !ok || u.ChatID == id {
			continue
		}
		if u.ChatID != "" {
			if _, taken := users[u.ChatID]; taken {
				issues = append(issues, Issue{Kind: IssueDuplicate, UserID: id, Detail: "duplicates " + u.ChatID})
				delete(users, id)
				continue
			}
		}
		issues = append(issues, Issue{Kind: IssueChatIDMismatch, UserID: id, Detail: "was " + quote(u.ChatID)})
		u.ChatID = id
	}

	for _, id := range users.IDs() {
		u := users[id]
		if u.Mentor != "" && (u.Mentor == id || users[u.Mentor] == nil) {
			issues = append(issues, Issue{Kind: IssueOrphanMentor, UserID: id, Detail: "mentor " + u.Mentor})
			u.Mentor = ""
		}
		if u.PendingMentor != "" && users[u.PendingMentor] == nil {
			issues = append(issues, Issue{Kind: IssueStalePending, UserID: id, Detail: "pending_mentor " + u.PendingMentor})
			u.PendingMentor = ""
		}
		if u.PendingNewMentor != "" && users[u.PendingNewMentor] == nil {
			issues = append(issues, Issue{Kind: IssueStalePending, UserID: id, Detail: "pending_new_mentor " + u.PendingNewMentor})
			u.PendingNewMentor = ""
		}
	}

	for _, id := range users.IDs() {
		if users.IsAncestor(id, id) {
			u := users[id]
			issues = append(issues, Issue{Kind: IssueCycle, UserID: id, Detail: "mentor " + u.Mentor})
			u.Mentor = ""
		}
	}

	return users, issues
}

func quote(s string) string {
	if s == "" {
		return "empty"
	}
	return s
}
