// Package clock abstracts wall-clock access so the scheduling loop can be
// driven deterministically in tests. Production code uses System(); tests
// use Mock and advance it by hand.
package clock

import "time"

type Clock interface {
	Now() time.Time
	// NewTimer arms a one-shot timer relative to the clock's current time.
	// A non-positive d fires immediately.
	NewTimer(d time.Duration) Timer
}

type Timer interface {
	// C returns the channel the timer fires on. The channel is never closed.
	C() <-chan time.Time
	// Stop disarms the timer. It reports whether the timer was still pending.
	Stop() bool
}

// System returns the real-time clock backed by package time.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer(d time.Duration) Timer {
	if d < 0 {
		d = 0
	}
	return sysTimer{t: time.NewTimer(d)}
}

type sysTimer struct{ t *time.Timer }

func (s sysTimer) C() <-chan time.Time { return s.t.C }
func (s sysTimer) Stop() bool          { return s.t.Stop() }
