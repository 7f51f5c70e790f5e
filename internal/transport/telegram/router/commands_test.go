package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"rembot/internal/engine"
	"rembot/internal/reminder"
	kit "rembot/internal/transport"
	logx "rembot/pkg/logx"
)

type sentMsg struct {
	To   kit.ChatTarget
	Text string
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []sentMsg
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, sentMsg{To: to, Text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) snapshot() []sentMsg {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentMsg(nil), a.sent...)
}

func (a *fakeAdapter) awaitSent(t *testing.T, n int) []sentMsg {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := a.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := a.snapshot()
	t.Fatalf("timed out waiting for %d sends, got %d: %v", n, len(got), got)
	return nil
}

type fakeReminders struct {
	mu     sync.Mutex
	nextID reminder.ID
	rows   []reminder.Reminder
}

func (f *fakeReminders) Create(_ context.Context, req reminder.CreateRequest) (reminder.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	r := reminder.Reminder{
		ID:          f.nextID,
		Message:     req.Message,
		Target:      req.Target,
		ScheduledAt: req.At,
		Policy:      req.Policy,
		Filter:      req.Filter,
		Status:      reminder.StatusPending,
	}
	if r.Policy == "" {
		r.Policy = reminder.PolicyNone
	}
	f.rows = append(f.rows, r)
	return r, nil
}

func (f *fakeReminders) ListTarget(_ context.Context, target string) ([]reminder.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []reminder.Reminder
	for _, r := range f.rows {
		if r.Target == target {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeReminders) DeleteIndex(_ context.Context, target string, index int) (reminder.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var match []int
	for i, r := range f.rows {
		if r.Target == target {
			match = append(match, i)
		}
	}
	if index < 1 || index > len(match) {
		return reminder.Reminder{}, fmt.Errorf("%w: index %d of %d", reminder.ErrNotFound, index, len(match))
	}
	i := match[index-1]
	r := f.rows[i]
	f.rows = append(f.rows[:i], f.rows[i+1:]...)
	return r, nil
}

func (f *fakeReminders) Snapshot(context.Context) engine.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	targets := map[string]bool{}
	for _, r := range f.rows {
		targets[r.Target] = true
	}
	return engine.Snapshot{Reminders: len(f.rows), Targets: len(targets)}
}

func textUpdate(chatID, fromID int64, text string) kit.Update {
	return kit.Update{Message: &kit.Message{ID: 1, ChatID: chatID, FromID: fromID, Text: text}}
}

// newTestRouter starts a full dispatch loop over fakes and returns the update
// feed plus a stop func.
func newTestRouter(t *testing.T, owners, allowed []int64) (*fakeAdapter, *fakeReminders, chan kit.Update, func()) {
	t.Helper()
	ad := &fakeAdapter{}
	fr := &fakeReminders{}
	serv := &Services{Reminders: fr, RuntimeSupervisors: NewSupervisorRegistry()}
	m := NewCommandManager(logx.Nop(), ad, nil, serv, owners, allowed)
	m.SetRegistry(Commands())

	updates := make(chan kit.Update, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, updates)
	}()
	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("dispatch loop did not stop")
		}
	}
	return ad, fr, updates, stop
}

func TestAddCommandCreatesReminder(t *testing.T) {
	t.Parallel()

	ad, fr, updates, stop := newTestRouter(t, nil, nil)
	defer stop()

	updates <- textUpdate(77, 5, "/remind add +45m water the plants")

	got := ad.awaitSent(t, 1)
	if !strings.Contains(got[0].Text, "reminder set for") {
		t.Fatalf("reply = %q, want a confirmation", got[0].Text)
	}
	rows, _ := fr.ListTarget(context.Background(), "77")
	if len(rows) != 1 {
		t.Fatalf("stored rows = %d, want 1", len(rows))
	}
	if rows[0].Message != "water the plants" {
		t.Fatalf("Message = %q, want %q", rows[0].Message, "water the plants")
	}
	if rows[0].Policy != reminder.PolicyNone {
		t.Fatalf("Policy = %q, want %q", rows[0].Policy, reminder.PolicyNone)
	}
}

func TestAddRejectsJunkWithUsage(t *testing.T) {
	t.Parallel()

	ad, fr, updates, stop := newTestRouter(t, nil, nil)
	defer stop()

	updates <- textUpdate(77, 5, "/remind add tomorrow tea")

	got := ad.awaitSent(t, 1)
	if !strings.Contains(got[0].Text, "unrecognized time") || !strings.Contains(got[0].Text, "Usage") {
		t.Fatalf("reply = %q, want parse error with usage", got[0].Text)
	}
	if rows, _ := fr.ListTarget(context.Background(), "77"); len(rows) != 0 {
		t.Fatalf("stored rows = %d, want 0", len(rows))
	}
}

func TestUnknownCommandGetsHint(t *testing.T) {
	t.Parallel()

	ad, _, updates, stop := newTestRouter(t, nil, nil)
	defer stop()

	updates <- textUpdate(77, 5, "/zzz")

	got := ad.awaitSent(t, 1)
	if got[0].Text != "unknown command. try /help" {
		t.Fatalf("reply = %q, want unknown-command hint", got[0].Text)
	}
}

func TestMenuAliasRoutesToLeaf(t *testing.T) {
	t.Parallel()

	ad, _, updates, stop := newTestRouter(t, nil, nil)
	defer stop()

	// "remind ls" is reachable as the auto-generated /remind_ls menu alias.
	updates <- textUpdate(77, 5, "/remind_ls")

	got := ad.awaitSent(t, 1)
	if !strings.Contains(got[0].Text, "no reminders in this chat") {
		t.Fatalf("reply = %q, want empty-list text", got[0].Text)
	}
}

func TestShortAliasRoutesToLeaf(t *testing.T) {
	t.Parallel()

	ad, _, updates, stop := newTestRouter(t, nil, nil)
	defer stop()

	updates <- textUpdate(77, 5, "/rl")

	got := ad.awaitSent(t, 1)
	if !strings.Contains(got[0].Text, "no reminders in this chat") {
		t.Fatalf("reply = %q, want empty-list text", got[0].Text)
	}
}

func TestStatusIsOwnerOnly(t *testing.T) {
	t.Parallel()

	ad, _, updates, stop := newTestRouter(t, []int64{9}, nil)
	defer stop()

	updates <- textUpdate(77, 5, "/remind status")
	updates <- textUpdate(77, 9, "/remind status")

	got := ad.awaitSent(t, 2)
	if got[0].Text != "unauthorized" {
		t.Fatalf("reply to non-owner = %q, want %q", got[0].Text, "unauthorized")
	}
	if !strings.Contains(got[1].Text, "rembot status") {
		t.Fatalf("reply to owner = %q, want status text", got[1].Text)
	}
}

func TestWhitelistRefusesOtherChats(t *testing.T) {
	t.Parallel()

	ad, _, updates, stop := newTestRouter(t, nil, []int64{100})
	defer stop()

	updates <- textUpdate(200, 5, "/remind ls")

	got := ad.awaitSent(t, 1)
	if got[0].Text != "not allowed in this chat" {
		t.Fatalf("reply = %q, want whitelist refusal", got[0].Text)
	}

	updates <- textUpdate(100, 5, "/remind ls")
	got = ad.awaitSent(t, 2)
	if !strings.Contains(got[1].Text, "no reminders in this chat") {
		t.Fatalf("reply in allowed chat = %q, want empty-list text", got[1].Text)
	}
}

func TestWhitelistOwnerBypass(t *testing.T) {
	t.Parallel()

	ad, _, updates, stop := newTestRouter(t, []int64{9}, []int64{100})
	defer stop()

	updates <- textUpdate(200, 9, "/remind ls")

	got := ad.awaitSent(t, 1)
	if !strings.Contains(got[0].Text, "no reminders in this chat") {
		t.Fatalf("reply = %q, want empty-list text for owner", got[0].Text)
	}
}

func TestWhitelistSilencesUnknownCommands(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	fr := &fakeReminders{}
	m := NewCommandManager(logx.Nop(), ad, nil, &Services{Reminders: fr}, nil, []int64{100})
	m.SetRegistry(Commands())

	// Stranger chat: junk gets no reply at all.
	m.routeMessage(context.Background(), textUpdate(200, 5, "/zzz"))
	if got := ad.snapshot(); len(got) != 0 {
		t.Fatalf("sends to stranger = %d, want 0", len(got))
	}

	// Allowed chat still gets the hint.
	m.routeMessage(context.Background(), textUpdate(100, 5, "/zzz"))
	got := ad.snapshot()
	if len(got) != 1 || got[0].Text != "unknown command. try /help" {
		t.Fatalf("sends to allowed chat = %v, want the hint", got)
	}
}

func TestRemoveByIndex(t *testing.T) {
	t.Parallel()

	ad, fr, updates, stop := newTestRouter(t, nil, nil)
	defer stop()

	at := time.Now().Add(time.Hour)
	ctx := context.Background()
	_, _ = fr.Create(ctx, reminder.CreateRequest{Message: "tea", Target: "77", At: at})
	_, _ = fr.Create(ctx, reminder.CreateRequest{Message: "cake", Target: "77", At: at})

	updates <- textUpdate(77, 5, "/remind rm 1")

	got := ad.awaitSent(t, 1)
	if !strings.Contains(got[0].Text, "removed") || !strings.Contains(got[0].Text, "tea") {
		t.Fatalf("reply = %q, want removal of tea", got[0].Text)
	}
	rows, _ := fr.ListTarget(ctx, "77")
	if len(rows) != 1 || rows[0].Message != "cake" {
		t.Fatalf("rows after rm = %v, want only cake", rows)
	}

	updates <- textUpdate(77, 5, "/remind rm 9")
	got = ad.awaitSent(t, 2)
	if !strings.Contains(got[1].Text, "no reminder") {
		t.Fatalf("reply = %q, want out-of-range notice", got[1].Text)
	}
}

func TestListNumbersRowsAndCapsOutput(t *testing.T) {
	t.Parallel()

	ad, fr, updates, stop := newTestRouter(t, nil, nil)
	defer stop()

	ctx := context.Background()
	at := time.Now().Add(time.Hour)
	for i := 0; i < 30; i++ {
		_, _ = fr.Create(ctx, reminder.CreateRequest{Message: fmt.Sprintf("item %d", i+1), Target: "77", At: at})
	}

	updates <- textUpdate(77, 5, "/remind ls")

	got := ad.awaitSent(t, 1)
	text := got[0].Text
	if !strings.Contains(text, "1. ") || !strings.Contains(text, "item 1") {
		t.Fatalf("list = %q, want numbered rows", text)
	}
	if !strings.Contains(text, "and 5 more") {
		t.Fatalf("list = %q, want overflow footer", text)
	}
}

func TestContainerNodeShowsHelp(t *testing.T) {
	t.Parallel()

	ad, _, updates, stop := newTestRouter(t, nil, nil)
	defer stop()

	updates <- textUpdate(77, 5, "/remind")

	got := ad.awaitSent(t, 1)
	if !strings.Contains(got[0].Text, "Subcommands") {
		t.Fatalf("reply = %q, want group help", got[0].Text)
	}
}

func TestHelpListsTopLevelCommands(t *testing.T) {
	t.Parallel()

	ad, _, updates, stop := newTestRouter(t, nil, nil)
	defer stop()

	updates <- textUpdate(77, 5, "/help")

	got := ad.awaitSent(t, 1)
	if !strings.Contains(got[0].Text, "/remind") || !strings.Contains(got[0].Text, "/start") {
		t.Fatalf("help = %q, want /remind and /start entries", got[0].Text)
	}
}
