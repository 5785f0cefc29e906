// Package bot turns chat updates into calls on the core services. It holds
// no business rules of its own; conversation state lives in the session
// store between updates.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashureev/mentorbot/internal/assignment"
	"github.com/ashureev/mentorbot/internal/delivery"
	"github.com/ashureev/mentorbot/internal/dialogue"
	"github.com/ashureev/mentorbot/internal/directory"
	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/gateway"
	"github.com/ashureev/mentorbot/internal/mentorship"
	"github.com/ashureev/mentorbot/internal/shared"
	"github.com/ashureev/mentorbot/internal/store"
	"github.com/ashureev/mentorbot/internal/telegram"
)

// API is the subset of the Bot API used for interactive replies.
type API interface {
	SendMessage(ctx context.Context, chatID, text string, kb *telegram.InlineKeyboardMarkup) (*telegram.Message, error)
	EditMessageText(ctx context.Context, chatID string, messageID int64, text string, kb *telegram.InlineKeyboardMarkup) error
	AnswerCallbackQuery(ctx context.Context, queryID, text string, alert bool) error
}

// Deps are the services the bot dispatches to.
type Deps struct {
	API         API
	Gateway     gateway.Gateway
	Directory   *directory.Repository
	Machine     *mentorship.Machine
	Engine      *delivery.Engine
	Assignments *assignment.Service
	Dialogues   *dialogue.Manager
	Sessions    store.Repository
	Roster      domain.Roster
	Logger      *slog.Logger
	// Progress receives every delivery progress notification, for the ops
	// feed. Optional.
	Progress func(delivery.Progress)
}

// Bot dispatches updates.
type Bot struct {
	Deps
	ladder domain.Ladder
	runs   sync.WaitGroup
}

// New creates a dispatcher.
func New(d Deps) *Bot {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Bot{Deps: d, ladder: d.Directory.Ladder()}
}

// Wait blocks until background delivery runs have finished.
func (b *Bot) Wait() {
	b.runs.Wait()
}

// Handle processes one update.
func (b *Bot) Handle(ctx context.Context, u telegram.Update) {
	switch {
	case u.Message != nil:
		b.handleMessage(ctx, u.Message)
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, u.CallbackQuery)
	}
}

func (b *Bot) handleMessage(ctx context.Context, m *telegram.Message) {
	userID := m.SenderID()
	if err := b.Directory.Touch(ctx, userID); err != nil {
		b.Logger.Warn("Failed to record activity", "user_id", userID, "error", err)
	}

	if cmd, ok := command(m.Text); ok {
		b.handleCommand(ctx, userID, cmd, m)
		return
	}

	sess, err := b.session(ctx, userID)
	if err != nil {
		b.fail(ctx, userID, err)
		return
	}
	switch sess.State {
	case domain.StateRegistrationName:
		b.onName(ctx, sess, m.Text)
	case domain.StateRegistrationSurname:
		b.onSurname(ctx, sess, m.Text)
	case domain.StateBroadcastCompose, domain.StateAssignmentCompose:
		b.onCompose(ctx, sess, m)
	case domain.StateSolutionCompose:
		b.onSolution(ctx, sess, m)
	default:
		b.onChat(ctx, userID, m)
	}
}

func (b *Bot) handleCommand(ctx context.Context, userID, cmd string, m *telegram.Message) {
	switch cmd {
	case "start":
		b.cmdStart(ctx, userID)
	case "help", "menu":
		b.cmdHelp(ctx, userID)
	case "cancel":
		b.clearSession(ctx, userID)
		b.reply(ctx, userID, "Cancelled.")
	case "profile":
		b.cmdProfile(ctx, userID)
	case "students":
		b.cmdStudents(ctx, userID)
	case "branch":
		b.cmdBranch(ctx, userID)
	case "assignments":
		b.cmdAssignments(ctx, userID)
	case "dialogue":
		b.cmdDialogue(ctx, userID)
	case "end":
		b.cmdEnd(ctx, userID)
	case "stats":
		b.cmdStats(ctx, userID)
	case "broadcast":
		b.cmdBroadcast(ctx, userID)
	case "assign":
		b.cmdAssign(ctx, userID)
	case "history":
		b.cmdHistory(ctx, userID)
	case "users":
		b.cmdUsers(ctx, userID)
	case "hierarchy":
		b.cmdHierarchy(ctx, userID)
	case "check_data":
		b.cmdCheck(ctx, userID)
	case "fix_data":
		b.cmdFix(ctx, userID)
	default:
		b.reply(ctx, userID, "Unknown command. Try /help.")
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *telegram.CallbackQuery) {
	userID := q.SenderID()
	action, args := parseCallback(q.Data)

	var err error
	switch action {
	case "lvl":
		err = b.cbRegistrationLevel(ctx, userID, arg(args, 0))
	case "mlvl":
		err = b.cbMentorLevel(ctx, userID, arg(args, 0))
	case "pick":
		err = b.cbPickMentor(ctx, userID, arg(args, 0))
	case "macc", "mdec", "cacc", "cdec", "lacc", "ldec":
		err = b.cbDecision(ctx, q, action, args)
	case "mchg":
		err = b.cbMentorChange(ctx, userID)
	case "lchg":
		err = b.cbLevelMenu(ctx, userID)
	case "newlvl":
		err = b.cbLevelRequest(ctx, userID, arg(args, 0))
	case "bt":
		err = b.cbBroadcastTarget(ctx, userID, arg(args, 0))
	case "bl":
		err = b.cbToggleLevel(ctx, q, arg(args, 0))
	case "bdone":
		err = b.cbLevelsDone(ctx, userID)
	case "solve":
		err = b.cbSolve(ctx, userID, arg(args, 0))
	case "dlg":
		err = b.cbDialogue(ctx, userID, arg(args, 0))
	case "retry":
		err = b.cbRetry(ctx, userID, arg(args, 0))
	default:
		err = shared.ErrInvalidRequest
	}

	text, alert := "", false
	if err != nil {
		text, alert = outcome(err), true
		if !isRejection(err) {
			b.Logger.Error("Callback failed", "user_id", userID, "data", q.Data, "error", err)
		}
	}
	if aerr := b.API.AnswerCallbackQuery(ctx, q.ID, text, alert); aerr != nil {
		b.Logger.Debug("Failed to answer callback", "user_id", userID, "error", aerr)
	}
}

func (b *Bot) session(ctx context.Context, userID string) (*domain.Session, error) {
	sess, err := b.Sessions.GetSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = &domain.Session{UserID: userID}
	}
	return sess, nil
}

func (b *Bot) saveSession(ctx context.Context, sess *domain.Session) error {
	return b.Sessions.UpsertSession(ctx, sess)
}

func (b *Bot) clearSession(ctx context.Context, userID string) {
	if err := b.Sessions.DeleteSession(ctx, userID); err != nil {
		b.Logger.Warn("Failed to clear session", "user_id", userID, "error", err)
	}
}

func (b *Bot) reply(ctx context.Context, chatID, text string) {
	b.replyKB(ctx, chatID, text, nil)
}

// replyKB sends text in parts of at most messageLimit characters. The
// keyboard is attached to the last part, which is returned.
func (b *Bot) replyKB(ctx context.Context, chatID, text string, kb *telegram.InlineKeyboardMarkup) *telegram.Message {
	parts := splitText(text, messageLimit)
	var msg *telegram.Message
	for i, part := range parts {
		var markup *telegram.InlineKeyboardMarkup
		if i == len(parts)-1 {
			markup = kb
		}
		m, err := b.API.SendMessage(ctx, chatID, part, markup)
		if err != nil {
			b.Logger.Warn("Failed to send reply", "user_id", chatID, "part", i+1, "parts", len(parts), "error_type", gateway.Classify(err), "error", err)
			return nil
		}
		msg = m
	}
	return msg
}

// fail reports an error to the user. Rejections are shown verbatim;
// anything else is logged and shown generically.
func (b *Bot) fail(ctx context.Context, userID string, err error) {
	if !isRejection(err) {
		b.Logger.Error("Request failed", "user_id", userID, "error", err)
	}
	b.reply(ctx, userID, outcome(err))
}

func isRejection(err error) bool {
	return errors.Is(err, shared.ErrStaleRequest) ||
		errors.Is(err, shared.ErrPermission) ||
		errors.Is(err, shared.ErrInvalidRequest) ||
		errors.Is(err, shared.ErrNotFound) ||
		errors.Is(err, shared.ErrNoActiveDialogue)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, shared.ErrStaleRequest):
		return "This request is no longer valid."
	case errors.Is(err, shared.ErrPermission):
		return "You are not allowed to do that."
	case errors.Is(err, shared.ErrNoActiveDialogue):
		return "You have no active dialogue. Start one with /dialogue."
	case errors.Is(err, shared.ErrNotFound):
		return "Not found. Are you registered? Send /start."
	case errors.Is(err, shared.ErrInvalidRequest):
		if _, detail, ok := strings.Cut(err.Error(), ": "); ok {
			return "Cannot do that: " + detail + "."
		}
		return "Cannot do that."
	case errors.Is(err, shared.ErrSaveFailed):
		return "Saving failed, nothing was changed. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}

func command(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	cmd := strings.Fields(text)[0][1:]
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), true
}

func parseCallback(data string) (string, []string) {
	parts := strings.Split(data, ":")
	return parts[0], parts[1:]
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
