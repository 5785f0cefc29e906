package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/shared"
	"github.com/ashureev/mentorbot/internal/telegram"
)

func (b *Bot) cmdAssignments(ctx context.Context, userID string) {
	if b.Roster.IsAdmin(userID) {
		list, err := b.Assignments.List(ctx)
		if err != nil {
			b.fail(ctx, userID, err)
			return
		}
		if len(list) == 0 {
			b.reply(ctx, userID, "No assignments yet.")
			return
		}
		var sb strings.Builder
		for _, a := range list {
			fmt.Fprintf(&sb, "• %s: %s (sent %d, solutions %d)\n",
				a.CreatedAt.Format("2006-01-02"), excerpt(a.Payload), a.SentCount, a.SolutionsCount)
		}
		b.reply(ctx, userID, sb.String())
		return
	}

	list, err := b.Assignments.For(ctx, userID)
	if err != nil {
		b.fail(ctx, userID, err)
		return
	}
	if len(list) == 0 {
		b.reply(ctx, userID, "You have no assignments.")
		return
	}
	buttons := make([]telegram.InlineKeyboardButton, len(list))
	for i, a := range list {
		buttons[i] = telegram.Button(excerpt(a.Payload), "solve:"+a.ID)
	}
	b.replyKB(ctx, userID, "Your assignments. Pick one to submit a solution:", telegram.Keyboard(buttons...))
}

func (b *Bot) cbSolve(ctx context.Context, userID, assignmentID string) error {
	if _, err := b.Assignments.Get(ctx, assignmentID); err != nil {
		return err
	}
	sess := &domain.Session{
		UserID:   userID,
		State:    domain.StateSolutionCompose,
		Solution: &domain.SolutionDraft{AssignmentID: assignmentID},
	}
	if err := b.saveSession(ctx, sess); err != nil {
		return err
	}
	b.reply(ctx, userID, "Send your solution as a message, or /cancel.")
	return nil
}

func (b *Bot) onSolution(ctx context.Context, sess *domain.Session, m *telegram.Message) {
	userID := sess.UserID
	payload, ok := m.Payload()
	if !ok {
		b.reply(ctx, userID, "This kind of message cannot be submitted.")
		return
	}
	if sess.Solution == nil {
		b.clearSession(ctx, userID)
		b.fail(ctx, userID, shared.ErrStaleRequest)
		return
	}
	sol, err := b.Assignments.Submit(ctx, sess.Solution.AssignmentID, userID, payload)
	if err != nil {
		b.fail(ctx, userID, err)
		return
	}
	b.clearSession(ctx, userID)
	if sol.MentorID == "" {
		b.reply(ctx, userID, "Solution recorded. You have no mentor yet, so nobody was notified.")
		return
	}
	b.reply(ctx, userID, "Solution sent to your mentor ✅")
}

func (b *Bot) cmdDialogue(ctx context.Context, userID string) {
	users, err := b.Directory.Users(ctx)
	if err != nil {
		b.fail(ctx, userID, err)
		return
	}
	u, ok := users[userID]
	if !ok {
		b.fail(ctx, userID, shared.ErrNotFound)
		return
	}
	var buttons []telegram.InlineKeyboardButton
	if m, ok := users[u.Mentor]; ok {
		buttons = append(buttons, telegram.Button("Mentor: "+m.FullName(), "dlg:"+m.ChatID))
	}
	for _, s := range users.Students(userID) {
		buttons = append(buttons, telegram.Button("Student: "+s.FullName(), "dlg:"+s.ChatID))
	}
	if len(buttons) == 0 {
		b.reply(ctx, userID, "You have nobody to talk to yet: no mentor and no students.")
		return
	}
	b.replyKB(ctx, userID, "Who do you want to talk to?", telegram.Keyboard(buttons...))
}

func (b *Bot) cbDialogue(ctx context.Context, userID, partnerID string) error {
	displaced, err := b.Dialogues.Start(ctx, userID, partnerID, "")
	if err != nil {
		return err
	}
	name := userID
	if u, err := b.Directory.Get(ctx, userID); err == nil {
		name = u.FullName()
	}
	for _, id := range displaced {
		b.reply(ctx, id, "Your dialogue was ended because your partner started another one.")
	}
	b.reply(ctx, partnerID, fmt.Sprintf("%s started a dialogue with you. Messages you send now go to them; /end to stop.", name))
	b.reply(ctx, userID, "Dialogue started. Messages you send now are relayed; /end to stop.")
	return nil
}

func (b *Bot) cmdEnd(ctx context.Context, userID string) {
	partner, ok, err := b.Dialogues.End(ctx, userID)
	if err != nil {
		b.fail(ctx, userID, err)
		return
	}
	if !ok {
		b.reply(ctx, userID, "You have no active dialogue.")
		return
	}
	b.reply(ctx, partner, "Your partner ended the dialogue.")
	b.reply(ctx, userID, "Dialogue ended.")
}

// onChat handles a message outside any flow: it is relayed when the sender
// has an active dialogue.
func (b *Bot) onChat(ctx context.Context, userID string, m *telegram.Message) {
	payload, ok := m.Payload()
	if !ok {
		b.reply(ctx, userID, "This kind of message is not supported.")
		return
	}
	to, err := b.Dialogues.Relay(ctx, userID, payload)
	switch {
	case err == nil:
	case errors.Is(err, shared.ErrNoActiveDialogue) && !b.Roster.IsAdmin(userID):
		if _, gerr := b.Directory.Get(ctx, userID); errors.Is(gerr, shared.ErrNotFound) {
			b.reply(ctx, userID, "Send /start to register.")
			return
		}
		b.fail(ctx, userID, err)
	case to != "":
		b.Logger.Warn("Dialogue message saved but not delivered", "user_id", userID, "partner_id", to, "error", err)
		b.reply(ctx, userID, "Your message was saved but could not be delivered.")
	default:
		b.fail(ctx, userID, err)
	}
}

func excerpt(p domain.Payload) string {
	s := strings.Join(strings.Fields(p.Body()), " ")
	if s == "" {
		s = "[" + string(p.Kind) + "]"
	}
	if r := []rune(s); len(r) > 40 {
		s = string(r[:40]) + "…"
	}
	return s
}
