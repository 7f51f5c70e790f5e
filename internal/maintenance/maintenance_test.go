package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rembot/internal/clock"
	"rembot/pkg/logx"
)

type jobProbe struct {
	mu        sync.Mutex
	n         int
	failFirst bool

	ch chan struct{}
}

func newProbe() *jobProbe {
	return &jobProbe{ch: make(chan struct{}, 16)}
}

func (p *jobProbe) fn(ctx context.Context) error {
	p.mu.Lock()
	p.n++
	fail := p.failFirst && p.n == 1
	p.mu.Unlock()
	p.ch <- struct{}{}
	if fail {
		return errors.New("boom")
	}
	return nil
}

func (p *jobProbe) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

func awaitRun(t *testing.T, p *jobProbe) {
	t.Helper()
	select {
	case <-p.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a job run")
	}
}

func assertNoRun(t *testing.T, p *jobProbe) {
	t.Helper()
	select {
	case <-p.ch:
		t.Fatal("job ran unexpectedly")
	case <-time.After(50 * time.Millisecond):
	}
}

func awaitCond(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestJobRunsAtCronSlot(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, time.May, 1, 4, 29, 0, 0, time.UTC)
	mc := clock.NewMock(t0)
	p := newProbe()

	s := New(mc, logx.Nop())
	if err := s.Add("compact", "30 4 * * *", p.fn); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	assertNoRun(t, p)

	mc.Advance(time.Minute)
	awaitRun(t, p)

	mc.Advance(24 * time.Hour)
	awaitRun(t, p)

	awaitCond(t, "run counter never reached 2", func() bool {
		return s.Snapshot()[0].Runs == 2
	})
	awaitCond(t, "next deadline never advanced", func() bool {
		want := time.Date(2026, time.May, 3, 4, 30, 0, 0, time.UTC)
		return s.Snapshot()[0].NextAt.Equal(want)
	})
}

func TestJobErrorKeepsSchedule(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, time.May, 1, 4, 29, 0, 0, time.UTC)
	mc := clock.NewMock(t0)
	p := newProbe()
	p.failFirst = true

	s := New(mc, logx.Nop())
	if err := s.Add("compact", "30 4 * * *", p.fn); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	mc.Advance(time.Minute)
	awaitCond(t, "failed run never recorded", func() bool {
		return s.Snapshot()[0].Fails == 1
	})

	// The failure must not unschedule the job.
	mc.Advance(24 * time.Hour)
	awaitCond(t, "second run never recorded", func() bool {
		return s.Snapshot()[0].Runs == 1
	})

	info := s.Snapshot()[0]
	if info.LastErr != "" {
		t.Fatalf("LastErr = %q, want cleared after a good run", info.LastErr)
	}
	if info.LastRun.IsZero() {
		t.Fatal("LastRun is zero after two runs")
	}
	if got := p.count(); got != 2 {
		t.Fatalf("run count = %d, want 2", got)
	}
}

func TestAddValidation(t *testing.T) {
	t.Parallel()
	s := New(clock.NewMock(time.Unix(0, 0)), logx.Nop())
	noop := func(ctx context.Context) error { return nil }

	if err := s.Add("bad", "not a cron spec", noop); err == nil {
		t.Fatal("bad spec accepted")
	}
	if err := s.Add("", "* * * * *", noop); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := s.Add("nilfn", "* * * * *", nil); err == nil {
		t.Fatal("nil func accepted")
	}
	if err := s.Add("ok", "* * * * *", noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("ok", "* * * * *", noop); err == nil {
		t.Fatal("duplicate name accepted")
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())
	if err := s.Add("late", "* * * * *", noop); err == nil {
		t.Fatal("Add after Start accepted")
	}
}

func TestStopHaltsJobs(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, time.May, 1, 4, 29, 0, 0, time.UTC)
	mc := clock.NewMock(t0)
	p := newProbe()

	s := New(mc, logx.Nop())
	if err := s.Add("compact", "30 4 * * *", p.fn); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start(context.Background())
	s.Stop(context.Background())

	mc.Advance(2 * time.Hour)
	assertNoRun(t, p)
}

func TestSnapshotSeedsDeadlines(t *testing.T) {
	t.Parallel()
	// 2026-05-01 is a Friday; the next Monday is May 4.
	t0 := time.Date(2026, time.May, 1, 4, 29, 0, 0, time.UTC)
	mc := clock.NewMock(t0)

	s := New(mc, logx.Nop())
	if err := s.Add("refresh", DefaultRefreshSpec, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("compact", DefaultCompactSpec, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	infos := s.Snapshot()
	if len(infos) != 2 || infos[0].Name != "compact" || infos[1].Name != "refresh" {
		t.Fatalf("snapshot order = %+v, want compact then refresh", infos)
	}
	if want := time.Date(2026, time.May, 1, 4, 30, 0, 0, time.UTC); !infos[0].NextAt.Equal(want) {
		t.Fatalf("compact NextAt = %v, want %v", infos[0].NextAt, want)
	}
	if want := time.Date(2026, time.May, 4, 3, 0, 0, 0, time.UTC); !infos[1].NextAt.Equal(want) {
		t.Fatalf("refresh NextAt = %v, want %v", infos[1].NextAt, want)
	}
}
