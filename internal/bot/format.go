package bot

import (
	"fmt"
	"strings"

	"github.com/ashureev/mentorbot/internal/delivery"
	"github.com/ashureev/mentorbot/internal/directory"
	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/mentorship"
	"github.com/ashureev/mentorbot/internal/telegram"
)

const memberHelp = `/profile: your profile, mentor and level changes
/students: your direct students
/branch: everyone below you
/assignments: assignments sent to you
/dialogue: talk to your mentor or a student
/end: end the current dialogue
/cancel: abort the current step`

// Commands is the command menu published to the platform.
var Commands = []telegram.BotCommand{
	{Command: "start", Description: "Register or show the menu"},
	{Command: "profile", Description: "Your profile"},
	{Command: "students", Description: "Your students"},
	{Command: "branch", Description: "Your mentoring branch"},
	{Command: "assignments", Description: "Assignments"},
	{Command: "dialogue", Description: "Start a dialogue"},
	{Command: "end", Description: "End the dialogue"},
	{Command: "cancel", Description: "Abort the current step"},
	{Command: "help", Description: "Help"},
}

func adminHelp(super bool) string {
	lines := []string{
		"/broadcast: send a message to a group",
		"/assign: send an assignment",
		"/assignments: issued assignments",
		"/history: recent broadcasts",
		"/stats: directory statistics",
	}
	if super {
		lines = append(lines,
			"/users: every member by level",
			"/hierarchy: the whole mentor tree",
			"/check_data: inspect the directory for damage",
			"/fix_data: repair the directory")
	}
	return strings.Join(lines, "\n")
}

// messageLimit keeps replies under the 4096 character cap of a chat message.
const messageLimit = 4000

// splitText cuts text into parts of at most limit characters, preferring to
// break after a newline.
func splitText(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > 0; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

func nameOf(users domain.Users, id string) string {
	if u, ok := users[id]; ok {
		return u.FullName()
	}
	return id
}

func formatProfile(u *domain.User, users domain.Users) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\nLevel: %s\nRegistered: %s\n", u.FullName(), u.Level, u.RegistrationDate)
	if u.HasMentor() {
		fmt.Fprintf(&sb, "Mentor: %s\n", nameOf(users, u.Mentor))
	} else {
		sb.WriteString("Mentor: none\n")
	}
	fmt.Fprintf(&sb, "Students: %d\n", len(users.Students(u.ChatID)))
	switch mentorship.StateOf(u) {
	case mentorship.StatePendingMentorApproval:
		fmt.Fprintf(&sb, "Waiting for %s to accept you.\n", nameOf(users, u.PendingMentor))
	case mentorship.StateMentorChangeRequested:
		fmt.Fprintf(&sb, "Waiting for %s to accept the mentor change.\n", nameOf(users, u.PendingNewMentor))
	case mentorship.StateLevelChangeRequested:
		fmt.Fprintf(&sb, "Level change to %s awaits your mentor.\n", u.PendingLevel)
	}
	return sb.String()
}

func formatBranch(users domain.Users, rootID string, ladder domain.Ladder) string {
	entries := users.Branch(rootID)
	if len(entries) == 0 {
		return "Your branch is empty."
	}
	perLevel := make(map[domain.Level]int)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Branch of %s (%d members):\n", nameOf(users, rootID), len(entries))
	for _, e := range entries {
		perLevel[e.User.Level]++
		fmt.Fprintf(&sb, "%s• %s, %s\n", strings.Repeat("  ", e.Depth-1), e.User.FullName(), e.User.Level)
	}
	sb.WriteString("\n")
	for _, l := range ladder {
		if n := perLevel[l]; n > 0 {
			fmt.Fprintf(&sb, "%s: %d\n", l, n)
		}
	}
	return sb.String()
}

func formatUsers(users domain.Users, ladder domain.Ladder) string {
	var sb strings.Builder
	sb.WriteString("All members by level:\n")
	for _, l := range ladder {
		members := users.AtLevel(l)
		fmt.Fprintf(&sb, "\n%s (%d):\n", l, len(members))
		for _, u := range members {
			fmt.Fprintf(&sb, "  • %s (ID: %s)", u.FullName(), u.ChatID)
			if m, ok := users[u.Mentor]; ok {
				fmt.Fprintf(&sb, " → %s", m.FullName())
			}
			sb.WriteString("\n")
		}
	}
	fmt.Fprintf(&sb, "\nTotal: %d", len(users))
	return sb.String()
}

func formatHierarchy(users domain.Users) string {
	entries := users.Hierarchy()
	if len(entries) == 0 {
		return "The directory is empty."
	}
	var sb strings.Builder
	sb.WriteString("Mentor hierarchy:\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s• %s [%s] (ID: %s)\n", strings.Repeat("  ", e.Depth), e.User.FullName(), e.User.Level, e.User.ChatID)
	}
	return sb.String()
}

func formatReport(r *delivery.Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Delivery finished.\nRecipients: %d\nSent: %d\nFailed: %d\n", r.Total, r.Sent, r.Failed)
	for _, g := range r.Groups() {
		fmt.Fprintf(&sb, "  %s: %d\n", g.Kind, g.Count)
	}
	return sb.String()
}

func formatStats(st *directory.Stats, bs domain.BroadcastStats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Statistics for %s\nUsers: %d (new today %d, active today %d)\nWith mentor: %d, without: %d\n",
		st.Day, st.Total, st.NewToday, st.ActiveToday, st.WithMentor, st.WithoutMentor)
	for _, l := range st.Levels {
		fmt.Fprintf(&sb, "  %s: %d (active %d)\n", l.Level, l.Total, l.Active)
	}
	fmt.Fprintf(&sb, "Broadcasts: %d, sent %d, failed %d\n", bs.TotalBroadcasts, bs.TotalSent, bs.TotalFailed)
	return sb.String()
}

func formatHistory(runs []*domain.BroadcastRecord) string {
	var sb strings.Builder
	for _, r := range runs {
		status := "running"
		if r.Finished() {
			status = fmt.Sprintf("%d/%d sent", r.SentCount, r.RecipientsCount)
		}
		fmt.Fprintf(&sb, "• %s %s to %s: %s, %s\n",
			r.Timestamp.Format("2006-01-02 15:04"), r.Kind, r.Target, r.MessageType, status)
	}
	return sb.String()
}

func formatCheck(rep *directory.Report) string {
	if rep.Corrupted {
		return "The directory file is damaged: " + rep.Error + "\nRun /fix_data to restore it."
	}
	if rep.OK() {
		return fmt.Sprintf("Directory OK: %d users, no issues.", rep.Users)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d users, %d issues:\n", rep.Users, len(rep.Issues))
	for _, is := range rep.Issues {
		fmt.Fprintf(&sb, "• %s %s: %s\n", is.Kind, is.UserID, is.Detail)
	}
	sb.WriteString("Run /fix_data to repair.")
	return sb.String()
}

func formatFix(res *directory.FixResult) string {
	return fmt.Sprintf("Directory repaired: %d → %d users, %d issues fixed.", res.Before, res.After, len(res.Issues))
}
