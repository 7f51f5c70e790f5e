package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"rembot/internal/clock"
	"rembot/internal/reminder"
	"rembot/pkg/logx"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	fires []reminder.ID
	next  func(id reminder.ID, nth int) (time.Time, bool)

	ch chan reminder.ID
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{ch: make(chan reminder.ID, 16)}
}

func (d *fakeDispatcher) Fire(ctx context.Context, id reminder.ID) (time.Time, bool) {
	d.mu.Lock()
	d.fires = append(d.fires, id)
	nth := len(d.fires)
	fn := d.next
	d.mu.Unlock()
	d.ch <- id
	if fn != nil {
		return fn(id, nth)
	}
	return time.Time{}, false
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fires)
}

func awaitFire(t *testing.T, d *fakeDispatcher) reminder.ID {
	t.Helper()
	select {
	case id := <-d.ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dispatch")
		return 0
	}
}

func assertNoFire(t *testing.T, d *fakeDispatcher) {
	t.Helper()
	select {
	case id := <-d.ch:
		t.Fatalf("unexpected dispatch of id %d", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFiresAtScheduledInstant(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC)
	mc := clock.NewMock(t0)
	d := newFakeDispatcher()
	s := New(mc, d, logx.Nop())

	s.Add(1, t0.Add(time.Hour))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	assertNoFire(t, d)

	mc.Advance(time.Hour)
	if id := awaitFire(t, d); id != 1 {
		t.Fatalf("fired id = %d, want 1", id)
	}
	assertNoFire(t, d)
}

func TestEarlierInsertRearmsTimer(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC)
	mc := clock.NewMock(t0)
	d := newFakeDispatcher()
	s := New(mc, d, logx.Nop())

	s.Add(1, t0.Add(2*time.Hour))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	// A later insert with an earlier deadline must preempt the armed timer.
	s.Add(2, t0.Add(30*time.Minute))

	mc.Advance(30 * time.Minute)
	if id := awaitFire(t, d); id != 2 {
		t.Fatalf("fired id = %d, want 2", id)
	}
	assertNoFire(t, d)

	mc.Advance(90 * time.Minute)
	if id := awaitFire(t, d); id != 1 {
		t.Fatalf("fired id = %d, want 1", id)
	}
}

func TestRemovePreventsFire(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC)
	mc := clock.NewMock(t0)
	d := newFakeDispatcher()
	s := New(mc, d, logx.Nop())

	s.Add(1, t0.Add(time.Hour))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Remove(1)
	mc.Advance(2 * time.Hour)
	assertNoFire(t, d)

	if snap := s.Snapshot(); snap.Armed != 0 {
		t.Fatalf("Armed = %d, want 0", snap.Armed)
	}
}

func TestEqualTimesFireInIDOrder(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC)
	mc := clock.NewMock(t0)
	d := newFakeDispatcher()
	s := New(mc, d, logx.Nop())

	at := t0.Add(time.Hour)
	s.Add(2, at)
	s.Add(1, at)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	mc.Advance(time.Hour)
	first := awaitFire(t, d)
	second := awaitFire(t, d)
	if first != 1 || second != 2 {
		t.Fatalf("dispatch order = [%d %d], want [1 2]", first, second)
	}
}

func TestRequeueRearms(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC)
	mc := clock.NewMock(t0)
	d := newFakeDispatcher()
	d.next = func(id reminder.ID, nth int) (time.Time, bool) {
		if nth == 1 {
			return t0.Add(2 * time.Hour), true
		}
		return time.Time{}, false
	}
	s := New(mc, d, logx.Nop())

	s.Add(1, t0.Add(time.Hour))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	mc.Advance(time.Hour)
	if id := awaitFire(t, d); id != 1 {
		t.Fatalf("fired id = %d, want 1", id)
	}

	mc.Advance(time.Hour)
	if id := awaitFire(t, d); id != 1 {
		t.Fatalf("requeued fire id = %d, want 1", id)
	}
	if got := d.count(); got != 2 {
		t.Fatalf("fire count = %d, want 2", got)
	}
}

func TestStopHaltsDispatch(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC)
	mc := clock.NewMock(t0)
	d := newFakeDispatcher()
	s := New(mc, d, logx.Nop())

	s.Add(1, t0.Add(time.Hour))
	s.Start(context.Background())
	s.Stop(context.Background())

	mc.Advance(2 * time.Hour)
	assertNoFire(t, d)
}

func TestSnapshotReportsHead(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC)
	mc := clock.NewMock(t0)
	s := New(mc, newFakeDispatcher(), logx.Nop())

	s.Add(5, t0.Add(2*time.Hour))
	s.Add(9, t0.Add(time.Hour))

	snap := s.Snapshot()
	if snap.Armed != 2 {
		t.Fatalf("Armed = %d, want 2", snap.Armed)
	}
	if snap.NextID != 9 || !snap.NextAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("head = (%d, %v), want (9, %v)", snap.NextID, snap.NextAt, t0.Add(time.Hour))
	}
}
