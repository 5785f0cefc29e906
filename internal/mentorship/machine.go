// Package mentorship implements the approval-driven mentor/mentee handshakes.
// Every transition reloads the directory, re-validates the pending field
// against the actor and saves the full document back.
package mentorship

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ashureev/mentorbot/internal/directory"
	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/shared"
)

// State is the derived handshake state of a user record.
type State string

// Handshake states.
const (
	StateUnregistered           State = "unregistered"
	StatePendingMentorSelection State = "pending_mentor_selection"
	StatePendingMentorApproval  State = "pending_mentor_approval"
	StateActive                 State = "active"
	StateMentorChangeRequested  State = "mentor_change_requested"
	StateLevelChangeRequested   State = "level_change_requested"
)

// StateOf derives the handshake state from the record fields.
func StateOf(u *domain.User) State {
	switch {
	case u == nil:
		return StateUnregistered
	case u.Mentor == "" && u.PendingMentor != "":
		return StatePendingMentorApproval
	case u.Mentor == "":
		return StatePendingMentorSelection
	case u.PendingNewMentor != "":
		return StateMentorChangeRequested
	case u.PendingLevel != "":
		return StateLevelChangeRequested
	default:
		return StateActive
	}
}

// Registration is the profile collected by the registration dialogue.
type Registration struct {
	Name    string       `validate:"required,max=64"`
	Surname string       `validate:"max=64"`
	Level   domain.Level `validate:"required,level"`
}

// Machine drives the handshakes over the directory.
type Machine struct {
	dir      *directory.Repository
	notifier Notifier
	roster   domain.Roster
	ladder   domain.Ladder
	validate *validator.Validate
	logger   *slog.Logger
}

// NewMachine creates a state machine. A nil notifier discards events.
func NewMachine(dir *directory.Repository, roster domain.Roster, notifier Notifier, logger *slog.Logger) *Machine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ladder := dir.Ladder()
	v := validator.New()
	_ = v.RegisterValidation("level", func(fl validator.FieldLevel) bool {
		return ladder.Contains(domain.Level(fl.Field().String()))
	})
	return &Machine{
		dir:      dir,
		notifier: notifier,
		roster:   roster,
		ladder:   ladder,
		validate: v,
		logger:   logger,
	}
}

// Register creates the requester's record, or refreshes the profile of an
// existing one while keeping its relationships.
func (m *Machine) Register(ctx context.Context, id string, reg Registration) (*domain.User, error) {
	reg.Name = strings.TrimSpace(reg.Name)
	reg.Surname = strings.TrimSpace(reg.Surname)
	if err := m.validate.Struct(reg); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrInvalidRequest, err)
	}

	today := m.dir.Today()
	var out domain.User
	err := m.dir.Update(ctx, func(users domain.Users) error {
		u, ok := users[id]
		if !ok {
			u = &domain.User{ChatID: id, RegistrationDate: today}
			users[id] = u
		}
		u.Name = reg.Name
		u.Surname = reg.Surname
		u.Level = reg.Level
		u.ActiveToday = today
		out = *u
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", id, err)
	}
	m.logger.Info("User registered", "user_id", id, "level", reg.Level)
	return &out, nil
}

// MentorLevels lists the levels a requester at level may pick an initial
// mentor from.
func (m *Machine) MentorLevels(level domain.Level) []domain.Level {
	return m.ladder.AtOrAbove(level)
}

// MentorCandidates lists users at level the requester may select: never the
// requester, the superadmin, their current mentor, or one of their own
// descendants.
func (m *Machine) MentorCandidates(ctx context.Context, requesterID string, level domain.Level) ([]*domain.User, error) {
	users, err := m.dir.Users(ctx)
	if err != nil {
		return nil, err
	}
	current := ""
	if u, ok := users[requesterID]; ok {
		current = u.Mentor
	}
	var out []*domain.User
	for _, c := range users.AtLevel(level) {
		if c.ChatID == requesterID || c.ChatID == current || m.roster.IsSuperAdmin(c.ChatID) {
			continue
		}
		if users.IsAncestor(requesterID, c.ChatID) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// checkCandidate applies the selection policy shared by initial selection
// and mentor change.
func (m *Machine) checkCandidate(users domain.Users, requesterID, mentorID string) error {
	requester := users[requesterID]
	switch {
	case mentorID == requesterID:
		return fmt.Errorf("%w: cannot select yourself", shared.ErrInvalidRequest)
	case m.roster.IsSuperAdmin(mentorID):
		return fmt.Errorf("%w: operator account cannot mentor", shared.ErrInvalidRequest)
	case requester.Mentor == mentorID:
		return fmt.Errorf("%w: already your mentor", shared.ErrInvalidRequest)
	}
	if _, ok := users[mentorID]; !ok {
		return fmt.Errorf("mentor %s: %w", mentorID, shared.ErrNotFound)
	}
	if users.IsAncestor(requesterID, mentorID) {
		return fmt.Errorf("%w: mentor is one of your descendants", shared.ErrInvalidRequest)
	}
	return nil
}

// RequestMentor records an initial mentor choice in pending_mentor.
func (m *Machine) RequestMentor(ctx context.Context, requesterID, mentorID string) error {
	var requester, mentor domain.User
	err := m.dir.Update(ctx, func(users domain.Users) error {
		u, ok := users[requesterID]
		if !ok {
			return fmt.Errorf("user %s: %w", requesterID, shared.ErrNotFound)
		}
		if u.HasMentor() {
			return fmt.Errorf("%w: already has a mentor, request a change instead", shared.ErrInvalidRequest)
		}
		if err := m.checkCandidate(users, requesterID, mentorID); err != nil {
			return err
		}
		mu := users[mentorID]
		if m.ladder.Rank(mu.Level) < m.ladder.Rank(u.Level) {
			return fmt.Errorf("%w: mentor level %s is below %s", shared.ErrInvalidRequest, mu.Level, u.Level)
		}
		u.PendingMentor = mentorID
		requester, mentor = *u, *mu
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("Mentor requested", "user_id", requesterID, "mentor_id", mentorID)
	m.notify(ctx, Event{Kind: EventMentorRequested, RecipientID: mentorID, Requester: requester, Actor: &mentor})
	return nil
}

// AcceptMentor confirms a pending initial request addressed to actorID.
func (m *Machine) AcceptMentor(ctx context.Context, actorID, requesterID string) (*domain.User, error) {
	var requester, actor domain.User
	err := m.dir.Update(ctx, func(users domain.Users) error {
		u, err := pending(users, requesterID, func(u *domain.User) string { return u.PendingMentor }, actorID)
		if err != nil {
			return err
		}
		if u.HasMentor() {
			return fmt.Errorf("%w: user already has a mentor", shared.ErrStaleRequest)
		}
		if users.IsAncestor(requesterID, actorID) {
			return fmt.Errorf("%w: accepting would create a cycle", shared.ErrInvalidRequest)
		}
		u.Mentor = actorID
		u.PendingMentor = ""
		requester = *u
		if a, ok := users[actorID]; ok {
			actor = *a
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Mentor accepted", "user_id", requesterID, "mentor_id", actorID)
	m.notify(ctx, Event{Kind: EventMentorAccepted, RecipientID: requesterID, Requester: requester, Actor: &actor})
	return &requester, nil
}

// DeclineMentor clears a pending initial request addressed to actorID.
func (m *Machine) DeclineMentor(ctx context.Context, actorID, requesterID string) error {
	var requester domain.User
	err := m.dir.Update(ctx, func(users domain.Users) error {
		u, err := pending(users, requesterID, func(u *domain.User) string { return u.PendingMentor }, actorID)
		if err != nil {
			return err
		}
		u.PendingMentor = ""
		requester = *u
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("Mentor declined", "user_id", requesterID, "mentor_id", actorID)
	m.notify(ctx, Event{Kind: EventMentorDeclined, RecipientID: requesterID, Requester: requester})
	return nil
}

// RequestMentorChange records a replacement mentor in pending_new_mentor.
// Level ordering is not enforced for changes.
func (m *Machine) RequestMentorChange(ctx context.Context, requesterID, mentorID string) error {
	var requester, mentor domain.User
	err := m.dir.Update(ctx, func(users domain.Users) error {
		u, ok := users[requesterID]
		if !ok {
			return fmt.Errorf("user %s: %w", requesterID, shared.ErrNotFound)
		}
		if !u.HasMentor() {
			return fmt.Errorf("%w: no current mentor to change", shared.ErrInvalidRequest)
		}
		if err := m.checkCandidate(users, requesterID, mentorID); err != nil {
			return err
		}
		u.PendingNewMentor = mentorID
		requester, mentor = *u, *users[mentorID]
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("Mentor change requested", "user_id", requesterID, "mentor_id", mentorID)
	m.notify(ctx, Event{Kind: EventMentorChangeRequested, RecipientID: mentorID, Requester: requester, Actor: &mentor})
	return nil
}

// AcceptMentorChange moves the requester under actorID and tells the prior
// mentor.
func (m *Machine) AcceptMentorChange(ctx context.Context, actorID, requesterID string) (*domain.User, error) {
	var requester, actor domain.User
	var prior string
	err := m.dir.Update(ctx, func(users domain.Users) error {
		u, err := pending(users, requesterID, func(u *domain.User) string { return u.PendingNewMentor }, actorID)
		if err != nil {
			return err
		}
		if users.IsAncestor(requesterID, actorID) {
			return fmt.Errorf("%w: accepting would create a cycle", shared.ErrInvalidRequest)
		}
		prior = u.Mentor
		u.Mentor = actorID
		u.PendingNewMentor = ""
		requester = *u
		if a, ok := users[actorID]; ok {
			actor = *a
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Mentor change accepted", "user_id", requesterID, "mentor_id", actorID, "prior_mentor_id", prior)
	m.notify(ctx, Event{Kind: EventMentorChangeAccepted, RecipientID: requesterID, Requester: requester, Actor: &actor})
	if prior != "" && prior != actorID {
		m.notify(ctx, Event{Kind: EventStudentLeft, RecipientID: prior, Requester: requester, Actor: &actor})
	}
	return &requester, nil
}

// DeclineMentorChange clears pending_new_mentor without touching mentor.
func (m *Machine) DeclineMentorChange(ctx context.Context, actorID, requesterID string) error {
	var requester domain.User
	err := m.dir.Update(ctx, func(users domain.Users) error {
		u, err := pending(users, requesterID, func(u *domain.User) string { return u.PendingNewMentor }, actorID)
		if err != nil {
			return err
		}
		u.PendingNewMentor = ""
		requester = *u
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("Mentor change declined", "user_id", requesterID, "mentor_id", actorID)
	m.notify(ctx, Event{Kind: EventMentorChangeDeclined, RecipientID: requesterID, Requester: requester})
	return nil
}

// RequestLevelChange records pending_level for the current mentor to review.
func (m *Machine) RequestLevelChange(ctx context.Context, requesterID string, level domain.Level) error {
	if !m.ladder.Contains(level) {
		return fmt.Errorf("%w: unknown level %q", shared.ErrInvalidRequest, level)
	}
	var requester domain.User
	err := m.dir.Update(ctx, func(users domain.Users) error {
		u, ok := users[requesterID]
		if !ok {
			return fmt.Errorf("user %s: %w", requesterID, shared.ErrNotFound)
		}
		if !u.HasMentor() {
			return fmt.Errorf("%w: a mentor must approve level changes", shared.ErrInvalidRequest)
		}
		if u.Level == level {
			return fmt.Errorf("%w: already at level %s", shared.ErrInvalidRequest, level)
		}
		u.PendingLevel = level
		requester = *u
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("Level change requested", "user_id", requesterID, "level", level)
	m.notify(ctx, Event{Kind: EventLevelChangeRequested, RecipientID: requester.Mentor, Requester: requester, Level: level})
	return nil
}

// AcceptLevelChange applies pending_level. Only the current mentor may
// accept, and only for the level value they were shown.
func (m *Machine) AcceptLevelChange(ctx context.Context, actorID, requesterID string, level domain.Level) (*domain.User, error) {
	var requester domain.User
	err := m.dir.Update(ctx, func(users domain.Users) error {
		u, err := levelRequest(users, actorID, requesterID)
		if err != nil {
			return err
		}
		if u.PendingLevel != level {
			return fmt.Errorf("%w: pending level is %q", shared.ErrStaleRequest, u.PendingLevel)
		}
		u.Level = level
		u.PendingLevel = ""
		requester = *u
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Level change accepted", "user_id", requesterID, "mentor_id", actorID, "level", level)
	m.notify(ctx, Event{Kind: EventLevelChangeAccepted, RecipientID: requesterID, Requester: requester, Level: level})
	return &requester, nil
}

// DeclineLevelChange clears pending_level.
func (m *Machine) DeclineLevelChange(ctx context.Context, actorID, requesterID string) error {
	var requester domain.User
	var level domain.Level
	err := m.dir.Update(ctx, func(users domain.Users) error {
		u, err := levelRequest(users, actorID, requesterID)
		if err != nil {
			return err
		}
		level = u.PendingLevel
		u.PendingLevel = ""
		requester = *u
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("Level change declined", "user_id", requesterID, "mentor_id", actorID)
	m.notify(ctx, Event{Kind: EventLevelChangeDeclined, RecipientID: requesterID, Requester: requester, Level: level})
	return nil
}

// pending returns the requester's record if the pending field still names
// the actor.
func pending(users domain.Users, requesterID string, field func(*domain.User) string, actorID string) (*domain.User, error) {
	u, ok := users[requesterID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s is gone", shared.ErrStaleRequest, requesterID)
	}
	if field(u) != actorID {
		return nil, shared.ErrStaleRequest
	}
	return u, nil
}

func levelRequest(users domain.Users, actorID, requesterID string) (*domain.User, error) {
	u, ok := users[requesterID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s is gone", shared.ErrStaleRequest, requesterID)
	}
	if u.Mentor != actorID {
		return nil, fmt.Errorf("%w: only the current mentor may review level changes", shared.ErrPermission)
	}
	if u.PendingLevel == "" {
		return nil, shared.ErrStaleRequest
	}
	return u, nil
}

func (m *Machine) notify(ctx context.Context, ev Event) {
	if ev.RecipientID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := m.notifier.Notify(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("Failed to deliver handshake notification",
			"kind", ev.Kind, "recipient_id", ev.RecipientID, "error", err)
	}
}
