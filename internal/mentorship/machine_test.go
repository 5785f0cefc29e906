package mentorship

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ashureev/mentorbot/internal/directory"
	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/recordstore"
	"github.com/ashureev/mentorbot/internal/shared"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) kinds() []EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventKind, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Kind
	}
	return out
}

type fixture struct {
	dir      *directory.Repository
	machine  *Machine
	notifier *recordingNotifier
}

func newFixture(t *testing.T, seed domain.Users) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := recordstore.New(t.TempDir(), recordstore.WithLogger(logger))
	if err != nil {
		t.Fatalf("recordstore.New() error = %v", err)
	}
	dir := directory.NewRepository(st, domain.DefaultLadder(), logger)
	if seed != nil {
		err := dir.Update(context.Background(), func(users domain.Users) error {
			for id, u := range seed {
				users[id] = u
			}
			return nil
		})
		if err != nil {
			t.Fatalf("seed directory: %v", err)
		}
	}
	n := &recordingNotifier{}
	roster := domain.Roster{SuperAdmin: "op", Coordinators: []string{"coord"}}
	return &fixture{dir: dir, machine: NewMachine(dir, roster, n, logger), notifier: n}
}

func (f *fixture) user(t *testing.T, id string) *domain.User {
	t.Helper()
	u, err := f.dir.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return u
}

func baseUsers() domain.Users {
	return domain.Users{
		"a":     {Name: "Ann", Level: "apprentice"},
		"b":     {Name: "Bob", Level: "master"},
		"c":     {Name: "Cid", Level: "master"},
		"low":   {Name: "Low", Level: "novice"},
		"op":    {Name: "Operator", Level: "master"},
		"coord": {Name: "Coordinator", Level: "master"},
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	u, err := f.machine.Register(ctx, "42", Registration{Name: " Ann ", Surname: "Lee", Level: "novice"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if u.Name != "Ann" || u.ChatID != "42" || u.RegistrationDate == "" {
		t.Fatalf("unexpected record: %+v", u)
	}
	if StateOf(u) != StatePendingMentorSelection {
		t.Errorf("StateOf() = %s", StateOf(u))
	}

	tests := []struct {
		name string
		reg  Registration
	}{
		{"missing name", Registration{Level: "novice"}},
		{"unknown level", Registration{Name: "Ann", Level: "guru"}},
		{"missing level", Registration{Name: "Ann"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.machine.Register(ctx, "43", tt.reg); !errors.Is(err, shared.ErrInvalidRequest) {
				t.Fatalf("Register() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestMentorHandshake(t *testing.T) {
	f := newFixture(t, baseUsers())
	ctx := context.Background()

	if err := f.machine.RequestMentor(ctx, "a", "b"); err != nil {
		t.Fatalf("RequestMentor() error = %v", err)
	}
	if got := f.user(t, "a"); got.PendingMentor != "b" || got.Mentor != "" {
		t.Fatalf("after request: %+v", got)
	}

	// The requester changes their mind before b answers.
	if err := f.dir.Update(ctx, func(users domain.Users) error {
		users["a"].PendingMentor = ""
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.machine.RequestMentor(ctx, "a", "c"); err != nil {
		t.Fatalf("RequestMentor(c) error = %v", err)
	}
	if _, err := f.machine.AcceptMentor(ctx, "c", "a"); err != nil {
		t.Fatalf("AcceptMentor(c) error = %v", err)
	}
	got := f.user(t, "a")
	if got.Mentor != "c" || got.PendingMentor != "" {
		t.Fatalf("after accept: %+v", got)
	}

	if _, err := f.machine.AcceptMentor(ctx, "b", "a"); !errors.Is(err, shared.ErrStaleRequest) {
		t.Fatalf("stale AcceptMentor() error = %v, want ErrStaleRequest", err)
	}
	if _, err := f.machine.AcceptMentor(ctx, "c", "a"); !errors.Is(err, shared.ErrStaleRequest) {
		t.Fatalf("duplicate AcceptMentor() error = %v, want ErrStaleRequest", err)
	}
	if got := f.user(t, "a"); got.Mentor != "c" {
		t.Fatalf("stale accept mutated record: %+v", got)
	}

	want := []EventKind{EventMentorRequested, EventMentorRequested, EventMentorAccepted}
	if kinds := f.notifier.kinds(); len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
}

func TestDeclineMentor(t *testing.T) {
	f := newFixture(t, baseUsers())
	ctx := context.Background()

	if err := f.machine.RequestMentor(ctx, "a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := f.machine.DeclineMentor(ctx, "c", "a"); !errors.Is(err, shared.ErrStaleRequest) {
		t.Fatalf("DeclineMentor(wrong actor) error = %v", err)
	}
	if err := f.machine.DeclineMentor(ctx, "b", "a"); err != nil {
		t.Fatalf("DeclineMentor() error = %v", err)
	}
	got := f.user(t, "a")
	if got.PendingMentor != "" || got.Mentor != "" {
		t.Fatalf("after decline: %+v", got)
	}
}

func TestRequestMentorPolicy(t *testing.T) {
	users := baseUsers()
	users["kid"] = &domain.User{Name: "Kid", Level: "master", Mentor: "b"}
	f := newFixture(t, users)
	ctx := context.Background()

	tests := []struct {
		name      string
		requester string
		mentor    string
		want      error
	}{
		{"self", "a", "a", shared.ErrInvalidRequest},
		{"operator", "a", "op", shared.ErrInvalidRequest},
		{"lower level", "a", "low", shared.ErrInvalidRequest},
		{"unknown mentor", "a", "ghost", shared.ErrNotFound},
		{"unknown requester", "ghost", "b", shared.ErrNotFound},
		{"descendant", "b", "kid", shared.ErrInvalidRequest},
		{"already mentored", "kid", "c", shared.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.machine.RequestMentor(ctx, tt.requester, tt.mentor); !errors.Is(err, tt.want) {
				t.Fatalf("RequestMentor() error = %v, want %v", err, tt.want)
			}
		})
	}

	if err := f.machine.RequestMentor(ctx, "a", "coord"); err != nil {
		t.Fatalf("coordinator as mentor: %v", err)
	}
}

func TestMentorCandidates(t *testing.T) {
	users := baseUsers()
	users["kid"] = &domain.User{Name: "Kid", Level: "master", Mentor: "b"}
	f := newFixture(t, users)

	got, err := f.machine.MentorCandidates(context.Background(), "b", "master")
	if err != nil {
		t.Fatalf("MentorCandidates() error = %v", err)
	}
	ids := map[string]bool{}
	for _, u := range got {
		ids[u.ChatID] = true
	}
	if ids["b"] || ids["op"] || ids["kid"] {
		t.Fatalf("excluded accounts offered: %v", ids)
	}
	if !ids["c"] || !ids["coord"] {
		t.Fatalf("eligible mentors missing: %v", ids)
	}

	levels := f.machine.MentorLevels("advanced")
	if len(levels) != 2 || levels[0] != "advanced" || levels[1] != "master" {
		t.Fatalf("MentorLevels() = %v", levels)
	}
}

func TestMentorChange(t *testing.T) {
	users := baseUsers()
	users["a"].Mentor = "b"
	f := newFixture(t, users)
	ctx := context.Background()

	if err := f.machine.RequestMentorChange(ctx, "a", "b"); !errors.Is(err, shared.ErrInvalidRequest) {
		t.Fatalf("change to current mentor error = %v", err)
	}
	if err := f.machine.RequestMentorChange(ctx, "low", "b"); !errors.Is(err, shared.ErrInvalidRequest) {
		t.Fatalf("change without mentor error = %v", err)
	}
	// Level ordering does not apply to changes.
	if err := f.machine.RequestMentorChange(ctx, "a", "low"); err != nil {
		t.Fatalf("RequestMentorChange() error = %v", err)
	}
	if StateOf(f.user(t, "a")) != StateMentorChangeRequested {
		t.Fatal("state not mentor_change_requested")
	}
	if err := f.machine.DeclineMentorChange(ctx, "low", "a"); err != nil {
		t.Fatalf("DeclineMentorChange() error = %v", err)
	}
	if got := f.user(t, "a"); got.Mentor != "b" || got.PendingNewMentor != "" {
		t.Fatalf("after decline: %+v", got)
	}

	if err := f.machine.RequestMentorChange(ctx, "a", "c"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.machine.AcceptMentorChange(ctx, "low", "a"); !errors.Is(err, shared.ErrStaleRequest) {
		t.Fatalf("AcceptMentorChange(wrong actor) error = %v", err)
	}
	if _, err := f.machine.AcceptMentorChange(ctx, "c", "a"); err != nil {
		t.Fatalf("AcceptMentorChange() error = %v", err)
	}
	if got := f.user(t, "a"); got.Mentor != "c" || got.PendingNewMentor != "" {
		t.Fatalf("after accept: %+v", got)
	}

	var left *Event
	for i, ev := range f.notifier.events {
		if ev.Kind == EventStudentLeft {
			left = &f.notifier.events[i]
		}
	}
	if left == nil || left.RecipientID != "b" {
		t.Fatalf("prior mentor not notified: %v", f.notifier.kinds())
	}
}

func TestLevelChange(t *testing.T) {
	users := baseUsers()
	users["a"].Mentor = "b"
	f := newFixture(t, users)
	ctx := context.Background()

	if err := f.machine.RequestLevelChange(ctx, "a", "guru"); !errors.Is(err, shared.ErrInvalidRequest) {
		t.Fatalf("unknown level error = %v", err)
	}
	if err := f.machine.RequestLevelChange(ctx, "low", "master"); !errors.Is(err, shared.ErrInvalidRequest) {
		t.Fatalf("level change without mentor error = %v", err)
	}
	if err := f.machine.RequestLevelChange(ctx, "a", "advanced"); err != nil {
		t.Fatalf("RequestLevelChange() error = %v", err)
	}

	if _, err := f.machine.AcceptLevelChange(ctx, "c", "a", "advanced"); !errors.Is(err, shared.ErrPermission) {
		t.Fatalf("AcceptLevelChange(not mentor) error = %v", err)
	}
	if _, err := f.machine.AcceptLevelChange(ctx, "b", "a", "master"); !errors.Is(err, shared.ErrStaleRequest) {
		t.Fatalf("AcceptLevelChange(other level) error = %v", err)
	}
	if got := f.user(t, "a"); got.Level != "apprentice" || got.PendingLevel != "advanced" {
		t.Fatalf("rejected accept mutated record: %+v", got)
	}

	if _, err := f.machine.AcceptLevelChange(ctx, "b", "a", "advanced"); err != nil {
		t.Fatalf("AcceptLevelChange() error = %v", err)
	}
	if got := f.user(t, "a"); got.Level != "advanced" || got.PendingLevel != "" {
		t.Fatalf("after accept: %+v", got)
	}
	if _, err := f.machine.AcceptLevelChange(ctx, "b", "a", "advanced"); !errors.Is(err, shared.ErrStaleRequest) {
		t.Fatalf("duplicate accept error = %v", err)
	}

	if err := f.machine.RequestLevelChange(ctx, "a", "master"); err != nil {
		t.Fatal(err)
	}
	if err := f.machine.DeclineLevelChange(ctx, "c", "a"); !errors.Is(err, shared.ErrPermission) {
		t.Fatalf("DeclineLevelChange(not mentor) error = %v", err)
	}
	if err := f.machine.DeclineLevelChange(ctx, "b", "a"); err != nil {
		t.Fatalf("DeclineLevelChange() error = %v", err)
	}
	if got := f.user(t, "a"); got.Level != "advanced" || got.PendingLevel != "" {
		t.Fatalf("after decline: %+v", got)
	}
}

func TestNotifierFailureKeepsTransition(t *testing.T) {
	f := newFixture(t, baseUsers())
	f.notifier.err = errors.New("gateway down")
	ctx := context.Background()

	if err := f.machine.RequestMentor(ctx, "a", "b"); err != nil {
		t.Fatalf("RequestMentor() error = %v", err)
	}
	if _, err := f.machine.AcceptMentor(ctx, "b", "a"); err != nil {
		t.Fatalf("AcceptMentor() error = %v", err)
	}
	if got := f.user(t, "a"); got.Mentor != "b" {
		t.Fatalf("transition lost: %+v", got)
	}
}
