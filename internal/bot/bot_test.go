package bot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/ashureev/mentorbot/internal/assignment"
	"github.com/ashureev/mentorbot/internal/delivery"
	"github.com/ashureev/mentorbot/internal/dialogue"
	"github.com/ashureev/mentorbot/internal/directory"
	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/mentorship"
	"github.com/ashureev/mentorbot/internal/recordstore"
	"github.com/ashureev/mentorbot/internal/telegram"
)

type chatMessage struct {
	chatID string
	text   string
	kb     *telegram.InlineKeyboardMarkup
}

type fakeAPI struct {
	mu       sync.Mutex
	nextID   int64
	messages []chatMessage
	edits    []chatMessage
	answers  []string
}

func (a *fakeAPI) SendMessage(_ context.Context, chatID, text string, kb *telegram.InlineKeyboardMarkup) (*telegram.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.messages = append(a.messages, chatMessage{chatID: chatID, text: text, kb: kb})
	return &telegram.Message{MessageID: a.nextID, Text: text}, nil
}

func (a *fakeAPI) EditMessageText(_ context.Context, chatID string, _ int64, text string, kb *telegram.InlineKeyboardMarkup) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edits = append(a.edits, chatMessage{chatID: chatID, text: text, kb: kb})
	return nil
}

func (a *fakeAPI) AnswerCallbackQuery(_ context.Context, _, text string, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers = append(a.answers, text)
	return nil
}

func (a *fakeAPI) last(chatID string) chatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.messages) - 1; i >= 0; i-- {
		if a.messages[i].chatID == chatID {
			return a.messages[i]
		}
	}
	return chatMessage{}
}

func (a *fakeAPI) sentTo(chatID string) []chatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []chatMessage
	for _, m := range a.messages {
		if m.chatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

func (a *fakeAPI) lastAnswer() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.answers) == 0 {
		return "<none>"
	}
	return a.answers[len(a.answers)-1]
}

type delivered struct {
	to string
	p  domain.Payload
}

type fakeGateway struct {
	mu   sync.Mutex
	sent []delivered
}

func (g *fakeGateway) Send(_ context.Context, to string, p domain.Payload) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, delivered{to: to, p: p})
	return nil
}

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
}

func (m *memSessions) GetSession(_ context.Context, userID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memSessions) UpsertSession(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.UserID] = *s
	return nil
}

func (m *memSessions) DeleteSession(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
	return nil
}

func (m *memSessions) CleanupExpiredSessions(context.Context, time.Duration) ([]string, error) {
	return nil, nil
}

func (m *memSessions) Ping(context.Context) error { return nil }

func (m *memSessions) Close() error { return nil }

type fixture struct {
	bot      *Bot
	api      *fakeAPI
	gw       *fakeGateway
	dir      *directory.Repository
	sessions *memSessions
}

// Ids: 1 superadmin, 5 coordinator, 100 mentor, 200 mentee of 100, 300 unattached.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := recordstore.New(t.TempDir(), recordstore.WithLogger(logger))
	if err != nil {
		t.Fatalf("recordstore.New() error = %v", err)
	}
	dir := directory.NewRepository(st, domain.DefaultLadder(), logger)
	err = dir.Update(context.Background(), func(users domain.Users) error {
		users["100"] = &domain.User{Name: "Mira", Surname: "Stone", Level: "master"}
		users["200"] = &domain.User{Name: "Sam", Surname: "Reed", Level: "novice", Mentor: "100"}
		users["300"] = &domain.User{Name: "Tess", Surname: "Vale", Level: "apprentice"}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	roster := domain.Roster{SuperAdmin: "1", Coordinators: []string{"5"}}
	api := &fakeAPI{}
	gw := &fakeGateway{}
	engine := delivery.NewEngine(gw, delivery.NewHistory(st), delivery.WithRate(rate.Inf), delivery.WithLogger(logger))
	sessions := &memSessions{sessions: make(map[string]domain.Session)}

	var b *Bot
	notifier := mentorship.NotifierFunc(func(ctx context.Context, ev mentorship.Event) error {
		return b.Notify(ctx, ev)
	})
	b = New(Deps{
		API:         api,
		Gateway:     gw,
		Directory:   dir,
		Machine:     mentorship.NewMachine(dir, roster, notifier, logger),
		Engine:      engine,
		Assignments: assignment.NewService(dir, engine, st, gw, roster, logger),
		Dialogues:   dialogue.NewManager(dir, st, gw, logger),
		Sessions:    sessions,
		Roster:      roster,
		Logger:      logger,
	})
	return &fixture{bot: b, api: api, gw: gw, dir: dir, sessions: sessions}
}

func (f *fixture) say(from int64, text string) {
	f.bot.Handle(context.Background(), telegram.Update{Message: &telegram.Message{
		From: &telegram.User{ID: from},
		Chat: telegram.Chat{ID: from},
		Text: text,
	}})
}

func (f *fixture) press(from int64, data string) {
	f.bot.Handle(context.Background(), telegram.Update{CallbackQuery: &telegram.CallbackQuery{
		ID:      "q",
		From:    telegram.User{ID: from},
		Message: &telegram.Message{MessageID: 1},
		Data:    data,
	}})
}

func hasButton(kb *telegram.InlineKeyboardMarkup, data string) bool {
	if kb == nil {
		return false
	}
	for _, row := range kb.InlineKeyboard {
		for _, b := range row {
			if b.CallbackData == data {
				return true
			}
		}
	}
	return false
}

func TestRegistrationAndMentorHandshake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.say(42, "/start")
	f.say(42, "Ann")
	f.say(42, "Lee")
	if !hasButton(f.api.last("42").kb, "lvl:novice") {
		t.Fatalf("expected level keyboard, got %+v", f.api.last("42"))
	}
	f.press(42, "lvl:novice")

	u, err := f.dir.Get(ctx, "42")
	if err != nil {
		t.Fatalf("Get(42) error = %v", err)
	}
	if u.FullName() != "Ann Lee" || u.Level != "novice" {
		t.Fatalf("registered user = %+v", u)
	}

	f.press(42, "mlvl:master")
	if !hasButton(f.api.last("42").kb, "pick:100") {
		t.Fatalf("expected mentor 100 offered, got %+v", f.api.last("42"))
	}
	f.press(42, "pick:100")

	req := f.api.last("100")
	if !strings.Contains(req.text, "Ann Lee") || !hasButton(req.kb, "macc:42") {
		t.Fatalf("mentor notification = %+v", req)
	}

	f.press(100, "macc:42")
	u, _ = f.dir.Get(ctx, "42")
	if u.Mentor != "100" || u.PendingMentor != "" {
		t.Fatalf("after accept = %+v", u)
	}
	if got := f.api.last("42").text; !strings.Contains(got, "confirmed") {
		t.Fatalf("requester notification = %q", got)
	}

	// A repeated press is stale and changes nothing.
	f.press(100, "macc:42")
	if got := f.api.lastAnswer(); got != "This request is no longer valid." {
		t.Fatalf("second accept answer = %q", got)
	}
}

func TestRegistrationLevelOutsideFlowIsStale(t *testing.T) {
	f := newFixture(t)
	f.press(42, "lvl:novice")
	if got := f.api.lastAnswer(); got != "This request is no longer valid." {
		t.Fatalf("answer = %q", got)
	}
	if _, err := f.dir.Get(context.Background(), "42"); err == nil {
		t.Fatal("user registered without a registration flow")
	}
}

func TestBroadcastRunsInBackground(t *testing.T) {
	f := newFixture(t)
	var progress []delivery.Progress
	f.bot.Progress = func(p delivery.Progress) { progress = append(progress, p) }

	f.say(1, "/broadcast")
	f.press(1, "bt:all")
	f.say(1, "Meeting at six")
	f.bot.Wait()

	f.gw.mu.Lock()
	n := len(f.gw.sent)
	f.gw.mu.Unlock()
	if n != 3 {
		t.Fatalf("sent %d messages, want 3", n)
	}
	if len(progress) == 0 || !progress[len(progress)-1].Finished {
		t.Fatalf("progress = %+v", progress)
	}
	summary := f.api.last("1")
	if !strings.Contains(summary.text, "Sent: 3") || summary.kb != nil {
		t.Fatalf("summary = %+v", summary)
	}
	if s, _ := f.sessions.GetSession(context.Background(), "1"); s != nil {
		t.Fatalf("session not cleared: %+v", s)
	}
}

func TestCoordinatorBroadcastsByLevelOnly(t *testing.T) {
	f := newFixture(t)

	f.press(5, "bt:all")
	if got := f.api.lastAnswer(); got != "You are not allowed to do that." {
		t.Fatalf("answer = %q", got)
	}

	f.say(5, "/broadcast")
	if !hasButton(f.api.last("5").kb, "bl:novice") {
		t.Fatalf("expected level picker, got %+v", f.api.last("5"))
	}
	f.press(5, "bl:novice")
	f.press(5, "bdone")
	f.say(5, "Novices only")
	f.bot.Wait()

	f.gw.mu.Lock()
	defer f.gw.mu.Unlock()
	if len(f.gw.sent) != 1 || f.gw.sent[0].to != "200" {
		t.Fatalf("sent = %+v", f.gw.sent)
	}
}

func TestMemberCannotBroadcast(t *testing.T) {
	f := newFixture(t)
	f.say(200, "/broadcast")
	if got := f.api.last("200").text; got != "You are not allowed to do that." {
		t.Fatalf("reply = %q", got)
	}
}

func TestDialogueRelay(t *testing.T) {
	f := newFixture(t)

	f.say(200, "hello?")
	if got := f.api.last("200").text; !strings.Contains(got, "no active dialogue") {
		t.Fatalf("reply without dialogue = %q", got)
	}

	f.press(200, "dlg:100")
	if got := f.api.last("100").text; !strings.Contains(got, "Sam Reed started a dialogue") {
		t.Fatalf("partner notice = %q", got)
	}

	f.say(200, "hi")
	f.gw.mu.Lock()
	if len(f.gw.sent) != 1 || f.gw.sent[0].to != "100" || f.gw.sent[0].p.Text != "Sam Reed: hi" {
		t.Fatalf("relayed = %+v", f.gw.sent)
	}
	f.gw.mu.Unlock()

	f.say(100, "/end")
	if got := f.api.last("200").text; got != "Your partner ended the dialogue." {
		t.Fatalf("end notice = %q", got)
	}
}

func TestDialogueOutsideRelationshipIsRejected(t *testing.T) {
	f := newFixture(t)
	f.press(300, "dlg:100")
	if got := f.api.lastAnswer(); got != "You are not allowed to do that." {
		t.Fatalf("answer = %q", got)
	}
}

func TestUnregisteredChatIsPromptedToRegister(t *testing.T) {
	f := newFixture(t)
	f.say(77, "hello")
	if got := f.api.last("77").text; got != "Send /start to register." {
		t.Fatalf("reply = %q", got)
	}
}

func TestAssignmentAndSolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.say(1, "/assign")
	f.press(1, "bl:novice")
	f.press(1, "bdone")
	f.say(1, "Write a haiku")
	f.bot.Wait()

	list, err := f.bot.Assignments.For(ctx, "200")
	if err != nil || len(list) != 1 {
		t.Fatalf("For(200) = %d, %v", len(list), err)
	}

	f.say(200, "/assignments")
	if !hasButton(f.api.last("200").kb, "solve:"+list[0].ID) {
		t.Fatalf("assignments reply = %+v", f.api.last("200"))
	}
	f.press(200, "solve:"+list[0].ID)
	f.say(200, "Autumn moonlight")

	if got := f.api.last("200").text; !strings.Contains(got, "sent to your mentor") {
		t.Fatalf("submit reply = %q", got)
	}
	sols, err := f.bot.Assignments.SolutionsForMentor(ctx, "100")
	if err != nil || len(sols) != 1 {
		t.Fatalf("SolutionsForMentor = %d, %v", len(sols), err)
	}
}

func TestCommand(t *testing.T) {
	tests := []struct {
		text string
		want string
		ok   bool
	}{
		{"/start", "start", true},
		{"/Help extra", "help", true},
		{"/stats@mentor_bot", "stats", true},
		{"hello", "", false},
	}
	for _, tt := range tests {
		got, ok := command(tt.text)
		if got != tt.want || ok != tt.ok {
			t.Errorf("command(%q) = %q, %v; want %q, %v", tt.text, got, ok, tt.want, tt.ok)
		}
	}
}

func TestHierarchyAndUsersForSuperAdmin(t *testing.T) {
	f := newFixture(t)

	f.say(1, "/hierarchy")
	got := f.api.last("1").text
	for _, want := range []string{
		"• Mira Stone [master] (ID: 100)\n  • Sam Reed [novice] (ID: 200)",
		"• Tess Vale [apprentice] (ID: 300)",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("hierarchy missing %q:\n%s", want, got)
		}
	}

	f.say(1, "/users")
	got = f.api.last("1").text
	if !strings.Contains(got, "Sam Reed (ID: 200) → Mira Stone") || !strings.Contains(got, "Total: 3") {
		t.Fatalf("users listing:\n%s", got)
	}

	f.say(5, "/hierarchy")
	if got := f.api.last("5").text; got != "You are not allowed to do that." {
		t.Fatalf("coordinator hierarchy = %q", got)
	}
}

func TestLongReplyIsSplit(t *testing.T) {
	f := newFixture(t)
	err := f.dir.Update(context.Background(), func(users domain.Users) error {
		for i := 0; i < 300; i++ {
			id := fmt.Sprintf("%d", 1000+i)
			users[id] = &domain.User{Name: fmt.Sprintf("Member%03d", i), Surname: "Longsurname", Level: "novice", Mentor: "100"}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	f.say(100, "/branch")
	parts := f.api.sentTo("100")
	if len(parts) < 2 {
		t.Fatalf("expected a split reply, got %d message(s)", len(parts))
	}
	var joined strings.Builder
	for _, p := range parts {
		if n := utf8.RuneCountInString(p.text); n > messageLimit {
			t.Fatalf("part of %d characters exceeds the limit", n)
		}
		joined.WriteString(p.text)
	}
	for _, name := range []string{"Member000 Longsurname", "Member299 Longsurname", "Sam Reed"} {
		if !strings.Contains(joined.String(), name) {
			t.Errorf("reply lost %q", name)
		}
	}
}

func TestSplitText(t *testing.T) {
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("splitText(short) = %q", got)
	}
	got := splitText("aaaa\nbbbb\ncccc", 10)
	if len(got) != 2 || got[0] != "aaaa\nbbbb\n" || got[1] != "cccc" {
		t.Fatalf("splitText at newline = %q", got)
	}
	got = splitText(strings.Repeat("я", 25), 10)
	if len(got) != 3 || utf8.RuneCountInString(got[2]) != 5 {
		t.Fatalf("splitText without newline = %q", got)
	}
}
