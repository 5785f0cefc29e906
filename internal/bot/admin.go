package bot

import (
	"context"
	"fmt"
	"slices"

	"github.com/ashureev/mentorbot/internal/assignment"
	"github.com/ashureev/mentorbot/internal/delivery"
	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/shared"
	"github.com/ashureev/mentorbot/internal/telegram"
)

// targetAssignment marks a BroadcastDraft that collects an assignment.
const targetAssignment = "assignment"

// historyLimit is the number of runs /history lists.
const historyLimit = 10

func (b *Bot) requireAdmin(userID string) error {
	if !b.Roster.IsAdmin(userID) {
		return fmt.Errorf("%w: admins only", shared.ErrPermission)
	}
	return nil
}

func (b *Bot) requireSuperAdmin(userID string) error {
	if !b.Roster.IsSuperAdmin(userID) {
		return fmt.Errorf("%w: superadmin only", shared.ErrPermission)
	}
	return nil
}

func (b *Bot) cmdBroadcast(ctx context.Context, userID string) {
	if err := b.requireAdmin(userID); err != nil {
		b.fail(ctx, userID, err)
		return
	}
	if !b.Roster.IsSuperAdmin(userID) {
		if err := b.cbBroadcastTarget(ctx, userID, string(delivery.TargetLevels)); err != nil {
			b.fail(ctx, userID, err)
		}
		return
	}
	b.replyKB(ctx, userID, "Who should receive the broadcast?", telegram.Keyboard(
		telegram.Button("Everyone", "bt:all"),
		telegram.Button("By level", "bt:levels"),
		telegram.Button("Active today", "bt:active"),
		telegram.Button("Inactive today", "bt:inactive"),
	))
}

func (b *Bot) cbBroadcastTarget(ctx context.Context, userID, kind string) error {
	target := delivery.Target{Kind: delivery.TargetKind(kind)}
	if err := delivery.Authorize(b.Roster, userID, target); err != nil {
		return err
	}
	draft := &domain.BroadcastDraft{Target: kind}
	if target.Kind == delivery.TargetLevels {
		return b.startLevelPicker(ctx, userID, draft)
	}
	sess := &domain.Session{UserID: userID, State: domain.StateBroadcastCompose, Broadcast: draft}
	if err := b.saveSession(ctx, sess); err != nil {
		return err
	}
	b.reply(ctx, userID, fmt.Sprintf("Target: %s. Send the message to broadcast, or /cancel.", target))
	return nil
}

func (b *Bot) cmdAssign(ctx context.Context, userID string) {
	if err := b.requireAdmin(userID); err != nil {
		b.fail(ctx, userID, err)
		return
	}
	if err := b.startLevelPicker(ctx, userID, &domain.BroadcastDraft{Target: targetAssignment}); err != nil {
		b.fail(ctx, userID, err)
	}
}

func (b *Bot) startLevelPicker(ctx context.Context, userID string, draft *domain.BroadcastDraft) error {
	sess := &domain.Session{UserID: userID, State: domain.StateBroadcastLevels, Broadcast: draft}
	if err := b.saveSession(ctx, sess); err != nil {
		return err
	}
	b.replyKB(ctx, userID, "Choose the levels, then press Done.", b.levelPicker(draft.Levels))
	return nil
}

func (b *Bot) levelPicker(selected []domain.Level) *telegram.InlineKeyboardMarkup {
	buttons := make([]telegram.InlineKeyboardButton, 0, len(b.ladder)+2)
	for _, l := range b.ladder {
		label := string(l)
		if slices.Contains(selected, l) {
			label = "✅ " + label
		}
		buttons = append(buttons, telegram.Button(label, "bl:"+string(l)))
	}
	buttons = append(buttons, telegram.Button("All levels", "bl:*"), telegram.Button("Done", "bdone"))
	return telegram.Keyboard(buttons...)
}

func (b *Bot) cbToggleLevel(ctx context.Context, q *telegram.CallbackQuery, level string) error {
	userID := q.SenderID()
	sess, err := b.session(ctx, userID)
	if err != nil {
		return err
	}
	if sess.State != domain.StateBroadcastLevels || sess.Broadcast == nil {
		return shared.ErrStaleRequest
	}
	draft := sess.Broadcast
	switch {
	case level == "*":
		draft.Levels = append([]domain.Level(nil), b.ladder...)
	case !b.ladder.Contains(domain.Level(level)):
		return fmt.Errorf("%w: unknown level %q", shared.ErrInvalidRequest, level)
	case slices.Contains(draft.Levels, domain.Level(level)):
		draft.Levels = slices.DeleteFunc(draft.Levels, func(l domain.Level) bool { return l == domain.Level(level) })
	default:
		draft.Levels = append(draft.Levels, domain.Level(level))
	}
	if err := b.saveSession(ctx, sess); err != nil {
		return err
	}
	if q.Message != nil {
		if err := b.API.EditMessageText(ctx, userID, q.Message.MessageID,
			"Choose the levels, then press Done.", b.levelPicker(draft.Levels)); err != nil {
			b.Logger.Debug("Failed to update level picker", "user_id", userID, "error", err)
		}
	}
	return nil
}

func (b *Bot) cbLevelsDone(ctx context.Context, userID string) error {
	sess, err := b.session(ctx, userID)
	if err != nil {
		return err
	}
	if sess.State != domain.StateBroadcastLevels || sess.Broadcast == nil {
		return shared.ErrStaleRequest
	}
	if len(sess.Broadcast.Levels) == 0 {
		return fmt.Errorf("%w: choose at least one level", shared.ErrInvalidRequest)
	}
	sess.State = domain.StateBroadcastCompose
	what := "message"
	if sess.Broadcast.Target == targetAssignment {
		sess.State = domain.StateAssignmentCompose
		what = "assignment"
	}
	if err := b.saveSession(ctx, sess); err != nil {
		return err
	}
	b.reply(ctx, userID, fmt.Sprintf("Send the %s now, or /cancel.", what))
	return nil
}

// onCompose takes the payload of a broadcast or assignment and starts the
// run in the background. Progress is shown by editing one status message.
func (b *Bot) onCompose(ctx context.Context, sess *domain.Session, m *telegram.Message) {
	userID := sess.UserID
	payload, ok := m.Payload()
	if !ok {
		b.reply(ctx, userID, "This kind of message cannot be sent. Use text, a photo, a document, a voice note or a video.")
		return
	}
	if sess.Broadcast == nil {
		b.clearSession(ctx, userID)
		b.fail(ctx, userID, shared.ErrStaleRequest)
		return
	}
	draft := *sess.Broadcast
	b.clearSession(ctx, userID)

	if sess.State == domain.StateAssignmentCompose {
		b.startRun(ctx, userID, "Sending assignment…", func(ctx context.Context, progress func(delivery.Progress)) (*delivery.Report, error) {
			a, report, err := b.Assignments.Send(ctx, assignment.SendRequest{
				IssuerID: userID,
				Levels:   draft.Levels,
				Payload:  payload,
				Progress: progress,
			})
			if err == nil {
				b.Logger.Info("Assignment issued", "user_id", userID, "assignment_id", a.ID)
			}
			return report, err
		})
		return
	}

	target := delivery.Target{Kind: delivery.TargetKind(draft.Target), Levels: draft.Levels}
	users, err := b.Directory.Users(ctx)
	if err != nil {
		b.fail(ctx, userID, err)
		return
	}
	recipients, err := delivery.SelectRecipients(users, b.Roster, userID, target, b.Directory.Today())
	if err != nil {
		b.fail(ctx, userID, err)
		return
	}
	if len(recipients) == 0 {
		b.reply(ctx, userID, "Nobody matches this target.")
		return
	}
	status := fmt.Sprintf("Sending to %d recipients…", len(recipients))
	b.startRun(ctx, userID, status, func(ctx context.Context, progress func(delivery.Progress)) (*delivery.Report, error) {
		return b.Engine.Run(ctx, delivery.Request{
			IssuerID:   userID,
			Target:     target.String(),
			Kind:       domain.RunBroadcast,
			Payload:    payload,
			Recipients: recipients,
			Progress:   progress,
		})
	})
}

func (b *Bot) cbRetry(ctx context.Context, userID, runID string) error {
	if err := b.requireAdmin(userID); err != nil {
		return err
	}
	rec, _, err := b.Engine.History().Run(ctx, runID)
	if err != nil {
		return err
	}
	if rec.IssuerID != userID && !b.Roster.IsSuperAdmin(userID) {
		return fmt.Errorf("%w: only the issuer may retry this run", shared.ErrPermission)
	}
	status := fmt.Sprintf("Retrying %d failed deliveries…", rec.FailedCount)
	b.startRun(ctx, userID, status, func(ctx context.Context, progress func(delivery.Progress)) (*delivery.Report, error) {
		return b.Engine.RetryFailed(ctx, runID, nil, progress)
	})
	return nil
}

type runFunc func(ctx context.Context, progress func(delivery.Progress)) (*delivery.Report, error)

// startRun executes run on its own goroutine so the update loop keeps
// serving other users while a large fan-out is in flight.
func (b *Bot) startRun(ctx context.Context, issuerID, status string, run runFunc) {
	msg := b.replyKB(ctx, issuerID, status, nil)
	progress := func(p delivery.Progress) {
		if b.Progress != nil {
			b.Progress(p)
		}
		if msg == nil || p.Finished {
			return
		}
		text := fmt.Sprintf("Sending… %d/%d (%.0f%%)\nSent: %d, failed: %d", p.Done, p.Total, p.Fraction*100, p.Sent, p.Failed)
		if err := b.API.EditMessageText(ctx, issuerID, msg.MessageID, text, nil); err != nil {
			b.Logger.Debug("Failed to update progress", "user_id", issuerID, "error", err)
		}
	}

	b.runs.Add(1)
	go func() {
		defer b.runs.Done()
		report, err := run(ctx, progress)
		if report == nil {
			b.fail(ctx, issuerID, err)
			return
		}
		if err != nil {
			b.Logger.Error("Delivery run not fully recorded", "run_id", report.RunID, "error", err)
		}
		var kb *telegram.InlineKeyboardMarkup
		if report.Failed > 0 {
			kb = telegram.Keyboard(telegram.Button("Retry failed", "retry:"+report.RunID))
		}
		b.replyKB(ctx, issuerID, formatReport(report), kb)
	}()
}

func (b *Bot) cmdStats(ctx context.Context, userID string) {
	if err := b.requireAdmin(userID); err != nil {
		b.fail(ctx, userID, err)
		return
	}
	st, err := b.Directory.Stats(ctx)
	if err != nil {
		b.fail(ctx, userID, err)
		return
	}
	bs, err := b.Engine.History().Stats(ctx)
	if err != nil {
		b.fail(ctx, userID, err)
		return
	}
	b.reply(ctx, userID, formatStats(st, bs))
}

func (b *Bot) cmdHistory(ctx context.Context, userID string) {
	if err := b.requireAdmin(userID); err != nil {
		b.fail(ctx, userID, err)
		return
	}
	runs, err := b.Engine.History().Runs(ctx)
	if err != nil {
		b.fail(ctx, userID, err)
		return
	}
	if len(runs) == 0 {
		b.reply(ctx, userID, "No broadcasts yet.")
		return
	}
	if len(runs) > historyLimit {
		runs = runs[:historyLimit]
	}
	b.reply(ctx, userID, formatHistory(runs))
}

func (b *Bot) cmdCheck(ctx context.Context, userID string) {
	if err := b.requireSuperAdmin(userID); err != nil {
		b.fail(ctx, userID, err)
		return
	}
	rep, err := b.Directory.Check(ctx)
	if err != nil {
		b.fail(ctx, userID, err)
		return
	}
	b.reply(ctx, userID, formatCheck(rep))
}

func (b *Bot) cmdFix(ctx context.Context, userID string) {
	if err := b.requireSuperAdmin(userID); err != nil {
		b.fail(ctx, userID, err)
		return
	}
	res, err := b.Directory.Fix(ctx)
	if err != nil {
		b.fail(ctx, userID, err)
		return
	}
	b.reply(ctx, userID, formatFix(res))
}

func (b *Bot) cmdUsers(ctx context.Context, userID string) {
	if err := b.requireSuperAdmin(userID); err != nil {
		b.fail(ctx, userID, err)
		return
	}
	users, err := b.Directory.Users(ctx)
	if err != nil {
		b.fail(ctx, userID, err)
		return
	}
	b.reply(ctx, userID, formatUsers(users, b.ladder))
}

func (b *Bot) cmdHierarchy(ctx context.Context, userID string) {
	if err := b.requireSuperAdmin(userID); err != nil {
		b.fail(ctx, userID, err)
		return
	}
	users, err := b.Directory.Users(ctx)
	if err != nil {
		b.fail(ctx, userID, err)
		return
	}
	b.reply(ctx, userID, formatHierarchy(users))
}
