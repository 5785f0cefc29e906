package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/mentorship"
	"github.com/ashureev/mentorbot/internal/shared"
	"github.com/ashureev/mentorbot/internal/telegram"
)

func (b *Bot) cmdStart(ctx context.Context, userID string) {
	b.clearSession(ctx, userID)
	if b.Roster.IsAdmin(userID) {
		b.reply(ctx, userID, "Hello, admin.\n\n"+adminHelp(b.Roster.IsSuperAdmin(userID)))
		return
	}
	u, err := b.Directory.Get(ctx, userID)
	if err == nil {
		b.reply(ctx, userID, fmt.Sprintf("You are already registered as %s.\n\n%s", u.FullName(), memberHelp))
		return
	}
	sess := &domain.Session{UserID: userID, State: domain.StateRegistrationName, Registration: &domain.RegistrationDraft{}}
	if err := b.saveSession(ctx, sess); err != nil {
		b.fail(ctx, userID, err)
		return
	}
	b.reply(ctx, userID, "Welcome! What is your first name?")
}

func (b *Bot) cmdHelp(ctx context.Context, userID string) {
	if b.Roster.IsAdmin(userID) {
		b.reply(ctx, userID, adminHelp(b.Roster.IsSuperAdmin(userID)))
		return
	}
	b.reply(ctx, userID, memberHelp)
}

func (b *Bot) onName(ctx context.Context, sess *domain.Session, text string) {
	name := strings.TrimSpace(text)
	if name == "" {
		b.reply(ctx, sess.UserID, "Please send your first name as text.")
		return
	}
	if sess.Registration == nil {
		sess.Registration = &domain.RegistrationDraft{}
	}
	sess.Registration.Name = name
	sess.State = domain.StateRegistrationSurname
	if err := b.saveSession(ctx, sess); err != nil {
		b.fail(ctx, sess.UserID, err)
		return
	}
	b.reply(ctx, sess.UserID, "And your surname?")
}

func (b *Bot) onSurname(ctx context.Context, sess *domain.Session, text string) {
	if sess.Registration == nil {
		sess.Registration = &domain.RegistrationDraft{}
	}
	sess.Registration.Surname = strings.TrimSpace(text)
	sess.State = domain.StateRegistrationLevel
	if err := b.saveSession(ctx, sess); err != nil {
		b.fail(ctx, sess.UserID, err)
		return
	}
	b.replyKB(ctx, sess.UserID, "Choose your level:", levelKeyboard("lvl", b.ladder))
}

func (b *Bot) cbRegistrationLevel(ctx context.Context, userID, level string) error {
	sess, err := b.session(ctx, userID)
	if err != nil {
		return err
	}
	if sess.State != domain.StateRegistrationLevel || sess.Registration == nil {
		return shared.ErrStaleRequest
	}
	_, err = b.Machine.Register(ctx, userID, mentorship.Registration{
		Name:    sess.Registration.Name,
		Surname: sess.Registration.Surname,
		Level:   domain.Level(level),
	})
	if err != nil {
		return err
	}
	sess.Registration.Level = domain.Level(level)
	sess.State = domain.StateMentorLevel
	if err := b.saveSession(ctx, sess); err != nil {
		return err
	}
	b.replyKB(ctx, userID, "Registered. Now choose the level of your mentor:",
		levelKeyboard("mlvl", b.Machine.MentorLevels(domain.Level(level))))
	return nil
}

func (b *Bot) cbMentorLevel(ctx context.Context, userID, level string) error {
	sess, err := b.session(ctx, userID)
	if err != nil {
		return err
	}
	if sess.State != domain.StateMentorLevel && sess.State != domain.StateMentorChange {
		return shared.ErrStaleRequest
	}
	candidates, err := b.Machine.MentorCandidates(ctx, userID, domain.Level(level))
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		b.reply(ctx, userID, "No mentors at this level. Pick another level.")
		return nil
	}
	buttons := make([]telegram.InlineKeyboardButton, len(candidates))
	for i, c := range candidates {
		buttons[i] = telegram.Button(fmt.Sprintf("%s (%s)", c.FullName(), c.Level), "pick:"+c.ChatID)
	}
	b.replyKB(ctx, userID, "Choose your mentor:", telegram.Keyboard(buttons...))
	return nil
}

func (b *Bot) cbPickMentor(ctx context.Context, userID, mentorID string) error {
	sess, err := b.session(ctx, userID)
	if err != nil {
		return err
	}
	switch sess.State {
	case domain.StateMentorLevel:
		err = b.Machine.RequestMentor(ctx, userID, mentorID)
	case domain.StateMentorChange:
		err = b.Machine.RequestMentorChange(ctx, userID, mentorID)
	default:
		return shared.ErrStaleRequest
	}
	if err != nil {
		return err
	}
	b.clearSession(ctx, userID)
	b.reply(ctx, userID, "Request sent. You will be notified when your mentor answers.")
	return nil
}

func (b *Bot) cbMentorChange(ctx context.Context, userID string) error {
	u, err := b.Directory.Get(ctx, userID)
	if err != nil {
		return err
	}
	if !u.HasMentor() {
		return fmt.Errorf("%w: you have no mentor yet", shared.ErrInvalidRequest)
	}
	sess := &domain.Session{UserID: userID, State: domain.StateMentorChange}
	if err := b.saveSession(ctx, sess); err != nil {
		return err
	}
	b.replyKB(ctx, userID, "Choose the level of your new mentor:", levelKeyboard("mlvl", b.ladder))
	return nil
}

func (b *Bot) cbLevelMenu(ctx context.Context, userID string) error {
	if _, err := b.Directory.Get(ctx, userID); err != nil {
		return err
	}
	sess := &domain.Session{UserID: userID, State: domain.StateLevelChange}
	if err := b.saveSession(ctx, sess); err != nil {
		return err
	}
	b.replyKB(ctx, userID, "Which level do you want your mentor to confirm?", levelKeyboard("newlvl", b.ladder))
	return nil
}

func (b *Bot) cbLevelRequest(ctx context.Context, userID, level string) error {
	sess, err := b.session(ctx, userID)
	if err != nil {
		return err
	}
	if sess.State != domain.StateLevelChange {
		return shared.ErrStaleRequest
	}
	if err := b.Machine.RequestLevelChange(ctx, userID, domain.Level(level)); err != nil {
		return err
	}
	b.clearSession(ctx, userID)
	b.reply(ctx, userID, "Level change requested. Your mentor will review it.")
	return nil
}

// cbDecision handles accept/decline buttons. The pressing user is always
// the actor; the machine re-validates them against the pending field.
func (b *Bot) cbDecision(ctx context.Context, q *telegram.CallbackQuery, action string, args []string) error {
	actor := q.SenderID()
	requester := arg(args, 0)

	var err error
	var result string
	switch action {
	case "macc":
		_, err = b.Machine.AcceptMentor(ctx, actor, requester)
		result = "You accepted the student."
	case "mdec":
		err = b.Machine.DeclineMentor(ctx, actor, requester)
		result = "Declined."
	case "cacc":
		_, err = b.Machine.AcceptMentorChange(ctx, actor, requester)
		result = "You accepted the student."
	case "cdec":
		err = b.Machine.DeclineMentorChange(ctx, actor, requester)
		result = "Declined."
	case "lacc":
		level := domain.Level(arg(args, 1))
		_, err = b.Machine.AcceptLevelChange(ctx, actor, requester, level)
		result = fmt.Sprintf("Level %s confirmed.", level)
	case "ldec":
		err = b.Machine.DeclineLevelChange(ctx, actor, requester)
		result = "Level change declined."
	}
	if err != nil {
		return err
	}
	if q.Message != nil {
		if eerr := b.API.EditMessageText(ctx, actor, q.Message.MessageID, result, nil); eerr != nil {
			b.Logger.Debug("Failed to edit decision message", "user_id", actor, "error", eerr)
		}
	}
	return nil
}

func (b *Bot) cmdProfile(ctx context.Context, userID string) {
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
	b.replyKB(ctx, userID, formatProfile(u, users), telegram.Keyboard(
		telegram.Button("Change mentor", "mchg"),
		telegram.Button("Change level", "lchg"),
	))
}

func (b *Bot) cmdStudents(ctx context.Context, userID string) {
	users, err := b.Directory.Users(ctx)
	if err != nil {
		b.fail(ctx, userID, err)
		return
	}
	students := users.Students(userID)
	if len(students) == 0 {
		b.reply(ctx, userID, "You have no students yet.")
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Your students (%d):\n", len(students))
	for _, s := range students {
		fmt.Fprintf(&sb, "• %s, %s", s.FullName(), s.Level)
		if n := len(users.Students(s.ChatID)); n > 0 {
			fmt.Fprintf(&sb, " (%d students)", n)
		}
		sb.WriteString("\n")
	}
	b.reply(ctx, userID, sb.String())
}

func (b *Bot) cmdBranch(ctx context.Context, userID string) {
	users, err := b.Directory.Users(ctx)
	if err != nil {
		b.fail(ctx, userID, err)
		return
	}
	b.reply(ctx, userID, formatBranch(users, userID, b.ladder))
}

// Notify implements mentorship.Notifier over chat messages.
func (b *Bot) Notify(ctx context.Context, ev mentorship.Event) error {
	name := ev.Requester.FullName()
	var text string
	var kb *telegram.InlineKeyboardMarkup
	switch ev.Kind {
	case mentorship.EventMentorRequested:
		text = fmt.Sprintf("%s (%s) chose you as their mentor.", name, ev.Requester.Level)
		kb = decisionKeyboard("macc:"+ev.Requester.ChatID, "mdec:"+ev.Requester.ChatID)
	case mentorship.EventMentorAccepted:
		text = "Your mentor confirmed your choice ✅"
	case mentorship.EventMentorDeclined:
		text = "Your mentor declined your request. Send /start to pick another mentor."
	case mentorship.EventMentorChangeRequested:
		text = fmt.Sprintf("%s (%s) wants to switch to you as their mentor.", name, ev.Requester.Level)
		kb = decisionKeyboard("cacc:"+ev.Requester.ChatID, "cdec:"+ev.Requester.ChatID)
	case mentorship.EventMentorChangeAccepted:
		text = "Your new mentor accepted you ✅"
	case mentorship.EventMentorChangeDeclined:
		text = "Your mentor change request was declined."
	case mentorship.EventStudentLeft:
		text = fmt.Sprintf("%s moved to another mentor.", name)
	case mentorship.EventLevelChangeRequested:
		text = fmt.Sprintf("%s asks to change level from %s to %s.", name, ev.Requester.Level, ev.Level)
		kb = decisionKeyboard(fmt.Sprintf("lacc:%s:%s", ev.Requester.ChatID, ev.Level), "ldec:"+ev.Requester.ChatID)
	case mentorship.EventLevelChangeAccepted:
		text = fmt.Sprintf("Your level is now %s ✅", ev.Level)
	case mentorship.EventLevelChangeDeclined:
		text = "Your level change was declined."
	default:
		return fmt.Errorf("unknown event %q", ev.Kind)
	}
	_, err := b.API.SendMessage(ctx, ev.RecipientID, text, kb)
	return err
}

func decisionKeyboard(accept, decline string) *telegram.InlineKeyboardMarkup {
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{{
		telegram.Button("Accept", accept),
		telegram.Button("Decline", decline),
	}}}
}

func levelKeyboard(action string, levels []domain.Level) *telegram.InlineKeyboardMarkup {
	buttons := make([]telegram.InlineKeyboardButton, len(levels))
	for i, l := range levels {
		buttons[i] = telegram.Button(string(l), action+":"+string(l))
	}
	return telegram.Keyboard(buttons...)
}
