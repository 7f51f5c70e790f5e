package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rembot/internal/reminder"
	"rembot/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "reminders.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	return st
}

func testReminder(at time.Time, msg string) reminder.Reminder {
	return reminder.Reminder{
		Message:     msg,
		Target:      "42",
		ScheduledAt: at,
		Policy:      reminder.PolicyNone,
		CreatedAt:   at.Add(-time.Hour),
		Status:      reminder.StatusPending,
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	at := time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC)
	id, err := st.Create(ctx, testReminder(at, "standup"))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if id != 1 {
		t.Fatalf("first id = %d, want 1", id)
	}

	got, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Message != "standup" || got.Target != "42" || !got.ScheduledAt.Equal(at) {
		t.Fatalf("unexpected row: %+v", got)
	}
	if got.Status != reminder.StatusPending {
		t.Fatalf("Status = %s, want pending", got.Status)
	}

	if _, err := st.Get(ctx, 99); !errors.Is(err, reminder.ErrNotFound) {
		t.Fatalf("Get(99) error = %v, want ErrNotFound", err)
	}
}

func TestFileStoreListOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	base := time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC)

	// Created out of chronological order on purpose.
	later := testReminder(base, "second")
	later.CreatedAt = base.Add(2 * time.Hour)
	if _, err := st.Create(ctx, later); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	earlier := testReminder(base, "first")
	earlier.CreatedAt = base.Add(time.Hour)
	if _, err := st.Create(ctx, earlier); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	rows, err := st.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("List len = %d, want 2", len(rows))
	}
	if rows[0].Message != "first" || rows[1].Message != "second" {
		t.Fatalf("rows out of creation order: %q, %q", rows[0].Message, rows[1].Message)
	}
}

func TestFileStoreReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	at := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

	st := openTestStore(t, dir)
	keepID, err := st.Create(ctx, testReminder(at, "keep"))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	dropID, err := st.Create(ctx, testReminder(at.Add(time.Minute), "drop"))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	newAt := at.AddDate(0, 0, 7)
	firing := reminder.StatusFiring
	if err := st.Update(ctx, keepID, Mutation{ScheduledAt: &newAt, Status: &firing}); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if err := st.Delete(ctx, dropID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	st2 := openTestStore(t, dir)
	defer st2.Close()

	got, err := st2.Get(ctx, keepID)
	if err != nil {
		t.Fatalf("Get after reopen error: %v", err)
	}
	if !got.ScheduledAt.Equal(newAt) || got.Status != reminder.StatusFiring {
		t.Fatalf("mutation lost across reopen: %+v", got)
	}
	if _, err := st2.Get(ctx, dropID); !errors.Is(err, reminder.ErrNotFound) {
		t.Fatalf("deleted row resurfaced: err = %v", err)
	}

	// Ids are never reused, even though the highest row was deleted.
	nextID, err := st2.Create(ctx, testReminder(at, "third"))
	if err != nil {
		t.Fatalf("Create after reopen error: %v", err)
	}
	if nextID != dropID+1 {
		t.Fatalf("next id = %d, want %d", nextID, dropID+1)
	}
}

func TestFileStoreSkipsTornJournalLine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	at := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

	st := openTestStore(t, dir)
	id, err := st.Create(ctx, testReminder(at, "survivor"))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// Simulate a crash mid-append: a half-written record at the tail.
	journal := filepath.Join(dir, "reminders.journal.jsonl")
	f, err := os.OpenFile(journal, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if _, err := f.WriteString(`{"op":"put","reminder":{"id":2,"mess`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	_ = f.Close()

	st2 := openTestStore(t, dir)
	defer st2.Close()

	if _, err := st2.Get(ctx, id); err != nil {
		t.Fatalf("intact row lost after torn line: %v", err)
	}
	rows, err := st2.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("List len = %d, want 1", len(rows))
	}
}

func TestFileStoreCompact(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	at := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

	st := openTestStore(t, dir)
	for i := 0; i < 3; i++ {
		if _, err := st.Create(ctx, testReminder(at.Add(time.Duration(i)*time.Minute), "r")); err != nil {
			t.Fatalf("Create error: %v", err)
		}
	}
	if err := st.Delete(ctx, 2); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if err := st.Compact(ctx); err != nil {
		t.Fatalf("Compact error: %v", err)
	}

	fi, err := os.Stat(filepath.Join(dir, "reminders.journal.jsonl"))
	if err != nil {
		t.Fatalf("stat journal: %v", err)
	}
	if fi.Size() != 0 {
		t.Fatalf("journal size after compact = %d, want 0", fi.Size())
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// Snapshot alone restores state and the id high-water mark.
	st2 := openTestStore(t, dir)
	defer st2.Close()
	rows, err := st2.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("List len = %d, want 2", len(rows))
	}
	id, err := st2.Create(ctx, testReminder(at, "fresh"))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if id != 4 {
		t.Fatalf("id after compacted reopen = %d, want 4", id)
	}
}

func TestFileStoreUpdateDeleteNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	firing := reminder.StatusFiring
	if err := st.Update(ctx, 7, Mutation{Status: &firing}); !errors.Is(err, reminder.ErrNotFound) {
		t.Fatalf("Update error = %v, want ErrNotFound", err)
	}
	if err := st.Delete(ctx, 7); !errors.Is(err, reminder.ErrNotFound) {
		t.Fatalf("Delete error = %v, want ErrNotFound", err)
	}
}
