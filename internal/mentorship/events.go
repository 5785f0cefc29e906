package mentorship

import (
	"context"

	"github.com/ashureev/mentorbot/internal/domain"
)

// EventKind names a handshake notification.
type EventKind string

// Handshake notifications. The recipient of each is noted alongside.
const (
	EventMentorRequested       EventKind = "mentor_requested"        // to the chosen mentor
	EventMentorAccepted        EventKind = "mentor_accepted"         // to the requester
	EventMentorDeclined        EventKind = "mentor_declined"         // to the requester
	EventMentorChangeRequested EventKind = "mentor_change_requested" // to the new mentor
	EventMentorChangeAccepted  EventKind = "mentor_change_accepted"  // to the requester
	EventMentorChangeDeclined  EventKind = "mentor_change_declined"  // to the requester
	EventStudentLeft           EventKind = "student_left"            // to the prior mentor
	EventLevelChangeRequested  EventKind = "level_change_requested"  // to the current mentor
	EventLevelChangeAccepted   EventKind = "level_change_accepted"   // to the requester
	EventLevelChangeDeclined   EventKind = "level_change_declined"   // to the requester
)

// Event is emitted after a transition has been saved.
type Event struct {
	Kind        EventKind
	RecipientID string
	// Requester is the user whose record changed.
	Requester domain.User
	// Actor is the other party of the handshake, if known.
	Actor *domain.User
	Level domain.Level
}

// Notifier delivers handshake notifications. Failures never roll back a
// transition.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }
