package directory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/recordstore"
	"github.com/ashureev/mentorbot/internal/shared"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestRepository(t *testing.T) (*Repository, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := recordstore.New(dir, recordstore.WithLogger(discard))
	if err != nil {
		t.Fatalf("recordstore.New() error = %v", err)
	}
	repo := NewRepository(st, domain.DefaultLadder(), discard)
	repo.SetClock(func() time.Time { return time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC) })
	return repo, dir
}

func writeUsers(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "users.json"), []byte(body), 0o644); err != nil {
		t.Fatalf("write users.json: %v", err)
	}
}

func assertInvariants(t *testing.T, users domain.Users) {
	t.Helper()
	seen := make(map[string]string)
	for id, u := range users {
		if u.ChatID != id {
			t.Errorf("user %s has chat_id %q", id, u.ChatID)
		}
		if other, dup := seen[u.ChatID]; dup {
			t.Errorf("users %s and %s share identity", id, other)
		}
		seen[u.ChatID] = id
		if u.Mentor != "" {
			if _, ok := users[u.Mentor]; !ok {
				t.Errorf("user %s references missing mentor %s", id, u.Mentor)
			}
		}
		if users.IsAncestor(id, id) {
			t.Errorf("user %s is on a mentor cycle", id)
		}
	}
}

func TestLoadRemovesDuplicateIdentity(t *testing.T) {
	repo, dir := newTestRepository(t)
	writeUsers(t, dir, `{"users":{
		"555":{"name":"Ann","chat_id":"555","level":"novice"},
		"777":{"name":"Ann","chat_id":"555","level":"novice"}
	}}`)

	users, err := repo.Users(context.Background())
	if err != nil {
		t.Fatalf("Users() error = %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("len(users) = %d, want 1", len(users))
	}
	if _, ok := users["555"]; !ok {
		t.Fatalf("record 555 was not kept: %v", users.IDs())
	}
	assertInvariants(t, users)
}

func TestLoadRepairsStructure(t *testing.T) {
	repo, dir := newTestRepository(t)
	writeUsers(t, dir, `{"users":{
		"1":{"name":"Root","level":"master"},
		"2":{"name":"Kid","chat_id":"99","mentor":"1"},
		"3":"garbage",
		"4":{"surname":"Nameless"},
		"5":{"name":"Orphan","chat_id":"5","mentor":"404","pending_mentor":"405"},
		"6":{"name":"A","chat_id":"6","mentor":"7"},
		"7":{"name":"B","chat_id":"7","mentor":"8"},
		"8":{"name":"C","chat_id":"8","mentor":"6"},
		"9":{"name":"Self","chat_id":"9","mentor":"9"}
	}}`)

	users, err := repo.Users(context.Background())
	if err != nil {
		t.Fatalf("Users() error = %v", err)
	}
	assertInvariants(t, users)

	if _, ok := users["3"]; ok {
		t.Error("malformed record 3 was kept")
	}
	if _, ok := users["4"]; ok {
		t.Error("nameless record 4 was kept")
	}
	if users["1"].ChatID != "1" || users["2"].ChatID != "2" {
		t.Error("chat_id was not reconciled with the key")
	}
	if users["2"].Mentor != "1" {
		t.Errorf("valid mentor link lost: %q", users["2"].Mentor)
	}
	if users["5"].Mentor != "" || users["5"].PendingMentor != "" {
		t.Error("orphan references were not cleared")
	}
	if users["9"].Mentor != "" {
		t.Error("self mentorship was not cleared")
	}
	broken := 0
	for _, id := range []string{"6", "7", "8"} {
		if users[id].Mentor == "" {
			broken++
		}
	}
	if broken != 1 {
		t.Errorf("cycle broken at %d places, want 1", broken)
	}
}

func TestCheckReportsWithoutWriting(t *testing.T) {
	repo, dir := newTestRepository(t)
	body := `{"users":{"1":{"name":"A","chat_id":"2"},"2":{"name":"B","chat_id":"2"}}}`
	writeUsers(t, dir, body)

	rep, err := repo.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if rep.OK() {
		t.Fatal("Check() reported a healthy directory")
	}
	if rep.Users != 2 || len(rep.Issues) != 1 || rep.Issues[0].Kind != IssueDuplicate {
		t.Fatalf("unexpected report: %+v", rep)
	}

	got, _ := os.ReadFile(filepath.Join(dir, "users.json"))
	if string(got) != body {
		t.Fatal("Check() modified the document")
	}

	res, err := repo.Fix(context.Background())
	if err != nil {
		t.Fatalf("Fix() error = %v", err)
	}
	if res.Before != 2 || res.After != 1 {
		t.Fatalf("Fix() = %+v, want 2 -> 1", res)
	}
	rep, err = repo.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !rep.OK() {
		t.Fatalf("directory still needs repair after Fix(): %+v", rep.Issues)
	}
}

func TestCheckCorruptedFile(t *testing.T) {
	repo, dir := newTestRepository(t)
	writeUsers(t, dir, `{"users":`)

	rep, err := repo.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !rep.Corrupted || rep.OK() {
		t.Fatalf("corruption not reported: %+v", rep)
	}
}

func TestUpdateAndGet(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	err := repo.Update(ctx, func(users domain.Users) error {
		users["10"] = &domain.User{Name: "Ann", Level: "novice"}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	u, err := repo.Get(ctx, "10")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if u.ChatID != "10" {
		t.Errorf("ChatID = %q, want key", u.ChatID)
	}

	if _, err := repo.Get(ctx, "11"); !errors.Is(err, shared.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}

	sentinel := errors.New("abort")
	err = repo.Update(ctx, func(users domain.Users) error {
		delete(users, "10")
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Update() error = %v, want sentinel", err)
	}
	if _, err := repo.Get(ctx, "10"); err != nil {
		t.Fatalf("aborted update changed the directory: %v", err)
	}
}

func TestTouchAndStats(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	err := repo.Update(ctx, func(users domain.Users) error {
		users["1"] = &domain.User{Name: "Mentor", Level: "master", RegistrationDate: "2026-01-01"}
		users["2"] = &domain.User{Name: "Kid", Level: "novice", Mentor: "1", RegistrationDate: "2026-10-18"}
		users["3"] = &domain.User{Name: "Other", Level: "novice", RegistrationDate: "2026-05-01"}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := repo.Touch(ctx, "3"); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if err := repo.Touch(ctx, "missing"); err != nil {
		t.Fatalf("Touch(missing) error = %v", err)
	}

	st, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Total != 3 || st.NewToday != 1 || st.ActiveToday != 1 || st.WithMentor != 1 || st.WithoutMentor != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if len(st.Levels) != len(domain.DefaultLadder()) {
		t.Fatalf("len(Levels) = %d", len(st.Levels))
	}
	for _, ls := range st.Levels {
		if ls.Level == "novice" && (ls.Total != 2 || ls.Active != 1) {
			t.Errorf("novice stats = %+v", ls)
		}
	}
}

func TestTouchWithoutChangeWritesNothing(t *testing.T) {
	repo, dir := newTestRepository(t)
	ctx := context.Background()

	err := repo.Update(ctx, func(users domain.Users) error {
		users["1"] = &domain.User{Name: "Seen", Level: "novice", ActiveToday: "2026-10-18"}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	before, err := os.ReadFile(filepath.Join(dir, "users.json"))
	if err != nil {
		t.Fatalf("read users.json: %v", err)
	}
	backups, err := repo.store.Backups(DocumentName)
	if err != nil {
		t.Fatalf("Backups() error = %v", err)
	}

	for range 3 {
		if err := repo.Touch(ctx, "999"); err != nil {
			t.Fatalf("Touch(unknown) error = %v", err)
		}
		if err := repo.Touch(ctx, "1"); err != nil {
			t.Fatalf("Touch(seen) error = %v", err)
		}
	}

	after, err := os.ReadFile(filepath.Join(dir, "users.json"))
	if err != nil {
		t.Fatalf("read users.json: %v", err)
	}
	if string(after) != string(before) {
		t.Errorf("users.json rewritten by no-op touches")
	}
	got, err := repo.store.Backups(DocumentName)
	if err != nil {
		t.Fatalf("Backups() error = %v", err)
	}
	if len(got) != len(backups) {
		t.Errorf("backups = %d, want %d", len(got), len(backups))
	}
}
