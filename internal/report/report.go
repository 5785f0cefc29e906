// Package report builds and schedules the daily activity report.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/mentorbot/internal/directory"
	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/gateway"
)

// Build renders the activity report of users for day.
func Build(users domain.Users, ladder domain.Ladder, day string) string {
	var newToday []string
	for _, id := range users.IDs() {
		if u := users[id]; u.RegistrationDate == day {
			newToday = append(newToday, u.FullName())
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 Daily activity report (%s)\n\n", day)
	fmt.Fprintf(&sb, "Total users: %d\n", len(users))
	fmt.Fprintf(&sb, "New today: %d: %s\n\n", len(newToday), list(newToday))

	for _, level := range ladder {
		members := users.AtLevel(level)
		var active, inactive []string
		for _, u := range members {
			if u.ActiveOn(day) {
				active = append(active, u.FullName())
			} else {
				inactive = append(inactive, u.FullName())
			}
		}
		fmt.Fprintf(&sb, "🔹 %s (%d)\n", level, len(members))
		fmt.Fprintf(&sb, "✅ Active today (%d): %s\n", len(active), list(active))
		fmt.Fprintf(&sb, "❌ Not seen today (%d): %s\n\n", len(inactive), list(inactive))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func list(names []string) string {
	if len(names) == 0 {
		return "—"
	}
	return strings.Join(names, ", ")
}

// Scheduler sends the report once a day at a fixed local time.
type Scheduler struct {
	dir    *directory.Repository
	gw     gateway.Gateway
	chatID string
	hour   int
	minute int
	now    func() time.Time
	logger *slog.Logger
}

// NewScheduler creates a scheduler firing daily at hh:mm.
func NewScheduler(dir *directory.Repository, gw gateway.Gateway, chatID, at string, logger *slog.Logger) (*Scheduler, error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return nil, fmt.Errorf("parse report time %q: %w", at, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		dir:    dir,
		gw:     gw,
		chatID: chatID,
		hour:   t.Hour(),
		minute: t.Minute(),
		now:    time.Now,
		logger: logger,
	}, nil
}

// Next returns the first firing time strictly after from.
func (s *Scheduler) Next(from time.Time) time.Time {
	next := time.Date(from.Year(), from.Month(), from.Day(), s.hour, s.minute, 0, 0, from.Location())
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run blocks, sending a report at every firing time until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Report scheduler started", "chat_id", s.chatID,
		"at", fmt.Sprintf("%02d:%02d", s.hour, s.minute))
	for {
		wait := s.Next(s.now()).Sub(s.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Report scheduler shutting down", "reason", ctx.Err())
			return nil
		case <-timer.C:
		}
		if err := s.Send(ctx); err != nil {
			s.logger.Error("Failed to send daily report", "chat_id", s.chatID,
				"error_type", gateway.Classify(err), "error", err)
		}
	}
}

// Send builds today's report and delivers it.
func (s *Scheduler) Send(ctx context.Context) error {
	users, err := s.dir.Users(ctx)
	if err != nil {
		return err
	}
	text := Build(users, s.dir.Ladder(), domain.Day(s.now()))
	if err := s.gw.Send(ctx, s.chatID, domain.Payload{Kind: domain.ContentText, Text: text}); err != nil {
		return err
	}
	s.logger.Info("Daily report sent", "chat_id", s.chatID, "users", len(users))
	return nil
}
