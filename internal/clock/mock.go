package clock

import (
	"sync"
	"time"
)

// Mock is a manually driven Clock. Now() only moves when the test calls
// Advance or Set; timers fire synchronously inside those calls, on the
// caller's goroutine, in deadline order.
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*mockTimer
}

func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) NewTimer(d time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{
		clk:      m,
		deadline: m.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	m.timers = append(m.timers, t)
	if d <= 0 {
		t.fireLocked(m.now)
	}
	return t
}

// Advance moves the clock forward by d, firing every pending timer whose
// deadline is reached along the way.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.setLocked(target)
	m.mu.Unlock()
}

// Set jumps the clock to t (backwards jumps only move Now, never un-fire).
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.setLocked(t)
	m.mu.Unlock()
}

func (m *Mock) setLocked(target time.Time) {
	m.now = target
	kept := m.timers[:0]
	for _, t := range m.timers {
		if t.stopped || t.fired {
			continue
		}
		if !t.deadline.After(m.now) {
			t.fireLocked(m.now)
			continue
		}
		kept = append(kept, t)
	}
	m.timers = append([]*mockTimer(nil), kept...)
}

type mockTimer struct {
	clk      *Mock
	deadline time.Time
	ch       chan time.Time
	fired    bool
	stopped  bool
}

func (t *mockTimer) C() <-chan time.Time { return t.ch }

func (t *mockTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	wasPending := !t.fired && !t.stopped
	t.stopped = true
	return wasPending
}

// fireLocked delivers at most one tick; the channel is buffered so the
// receiver may not be selecting yet.
func (t *mockTimer) fireLocked(now time.Time) {
	if t.fired || t.stopped {
		return
	}
	t.fired = true
	select {
	case t.ch <- now:
	default:
	}
}
