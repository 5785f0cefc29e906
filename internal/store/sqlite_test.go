package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/mentorbot/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetSession(ctx, "42")
	if err != nil || got != nil {
		t.Fatalf("GetSession(missing) = %+v, %v; want nil, nil", got, err)
	}

	in := &domain.Session{
		UserID:       "42",
		State:        domain.StateRegistrationLevel,
		Registration: &domain.RegistrationDraft{Name: "Ann", Surname: "Lee"},
	}
	if err := s.UpsertSession(ctx, in); err != nil {
		t.Fatalf("UpsertSession() error = %v", err)
	}
	got, err = s.GetSession(ctx, "42")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.State != domain.StateRegistrationLevel || got.Registration == nil || got.Registration.Surname != "Lee" {
		t.Fatalf("GetSession() = %+v", got)
	}
	if got.Broadcast != nil || got.Solution != nil {
		t.Fatalf("unexpected drafts: %+v", got)
	}

	in.State = domain.StateBroadcastCompose
	in.Registration = nil
	in.Broadcast = &domain.BroadcastDraft{Target: "levels", Levels: []domain.Level{"novice"}}
	if err := s.UpsertSession(ctx, in); err != nil {
		t.Fatalf("UpsertSession(replace) error = %v", err)
	}
	got, _ = s.GetSession(ctx, "42")
	if got.State != domain.StateBroadcastCompose || got.Registration != nil || len(got.Broadcast.Levels) != 1 {
		t.Fatalf("replaced session = %+v", got)
	}

	if err := s.DeleteSession(ctx, "42"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if err := s.DeleteSession(ctx, "42"); err != nil {
		t.Fatalf("DeleteSession(missing) error = %v", err)
	}
	if got, _ := s.GetSession(ctx, "42"); got != nil {
		t.Fatalf("session survived delete: %+v", got)
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return base }
	for _, id := range []string{"old", "refreshed"} {
		if err := s.UpsertSession(ctx, &domain.Session{UserID: id, State: domain.StateRegistrationName}); err != nil {
			t.Fatal(err)
		}
	}
	s.now = func() time.Time { return base.Add(50 * time.Minute) }
	if err := s.UpsertSession(ctx, &domain.Session{UserID: "fresh", State: domain.StateRegistrationName}); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return base.Add(80 * time.Minute) }
	if err := s.UpsertSession(ctx, &domain.Session{UserID: "refreshed", State: domain.StateRegistrationSurname}); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return base.Add(90 * time.Minute) }
	var cleaned []string
	cleanupExpiredSessions(ctx, s, time.Hour, func(id string) { cleaned = append(cleaned, id) })
	if len(cleaned) != 1 || cleaned[0] != "old" {
		t.Fatalf("cleanup callback got %v, want [old]", cleaned)
	}
	for _, id := range []string{"fresh", "refreshed"} {
		if got, _ := s.GetSession(ctx, id); got == nil {
			t.Fatalf("session %s was removed", id)
		}
	}
	if got, _ := s.GetSession(ctx, "old"); got != nil {
		t.Fatalf("expired session survived: %+v", got)
	}

	ids, err := s.CleanupExpiredSessions(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("CleanupExpiredSessions() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "fresh" || ids[1] != "refreshed" {
		t.Fatalf("CleanupExpiredSessions() = %v, want [fresh refreshed]", ids)
	}
	ids, err = s.CleanupExpiredSessions(ctx, 5*time.Minute)
	if err != nil || len(ids) != 0 {
		t.Fatalf("second CleanupExpiredSessions() = %v, %v; want none", ids, err)
	}
}
