package scheduler

import (
	"container/heap"
	"context"
	"runtime/debug"
	"sync"
	"time"

	"rembot/internal/clock"
	"rembot/internal/reminder"
	logx "rembot/pkg/logx"
)

// Dispatcher handles one due reminder. Fire never returns an error: the
// dispatch layer owns failure handling and logging. When requeue is true
// the loop re-arms the same id at next.
type Dispatcher interface {
	Fire(ctx context.Context, id reminder.ID) (next time.Time, requeue bool)
}

// Service runs the single scheduling loop.
//
// All armed occurrences live in one min-heap; the loop sleeps on a timer
// armed for the earliest entry and wakes early whenever Add or Remove
// changes the head. There is no polling tick. Due entries dispatch
// synchronously, one at a time, so equal fire times leave in id order.
type Service struct {
	log  logx.Logger
	clk  clock.Clock
	disp Dispatcher

	mu sync.Mutex
	h  entryHeap

	wake      chan struct{}
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCancel context.CancelFunc
}

func New(clk clock.Clock, disp Dispatcher, log logx.Logger) *Service {
	return &Service{
		log:  log.With(logx.String("comp", "scheduler")),
		clk:  clk,
		disp: disp,
		wake: make(chan struct{}, 1),
	}
}

// Add arms id at the given time, replacing any entry already armed for the
// same id so a reminder never holds two heap slots. Safe from any
// goroutine; inserting a new earliest entry wakes the loop so it re-targets
// its timer.
func (s *Service) Add(id reminder.ID, at time.Time) {
	s.mu.Lock()
	s.removeLocked(id)
	heap.Push(&s.h, entry{at: at, id: id})
	s.mu.Unlock()
	s.kick()
}

// Remove disarms id. Removing an id that is not armed (already popped for
// dispatch, or never added) is a no-op.
func (s *Service) Remove(id reminder.ID) {
	s.mu.Lock()
	s.removeLocked(id)
	s.mu.Unlock()
	s.kick()
}

func (s *Service) removeLocked(id reminder.ID) {
	for i := range s.h {
		if s.h[i].id == id {
			heap.Remove(&s.h, i)
			return
		}
	}
}

func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	stopCh := s.stopCh
	stopDone := s.stopDone
	armed := len(s.h)
	s.mu.Unlock()

	go func() {
		defer close(stopDone)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in scheduling loop",
					logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		s.run(runCtx, stopCh)
	}()
	s.log.Info("service started", logx.Int("armed", armed))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	stopDone := s.stopDone
	cancel := s.runCancel
	s.stopCh = nil
	s.stopDone = nil
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	select {
	case <-stopDone:
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		// loop exits in background
		s.log.Warn("service stop timed out", logx.Duration("took", time.Since(start)))
	}
}

func (s *Service) run(ctx context.Context, stopCh chan struct{}) {
	for {
		s.mu.Lock()
		var timer clock.Timer
		var waitC <-chan time.Time
		if len(s.h) > 0 {
			d := s.h[0].at.Sub(s.clk.Now())
			timer = s.clk.NewTimer(d)
			waitC = timer.C()
		}
		s.mu.Unlock()

		// waitC stays nil with nothing armed; the select then blocks until
		// an Add wakes us or the service stops.
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-stopCh:
			stopTimer(timer)
			return
		case <-s.wake:
			stopTimer(timer)
		case <-waitC:
			s.fireDue(ctx)
		}
	}
}

func stopTimer(t clock.Timer) {
	if t != nil {
		t.Stop()
	}
}

// fireDue pops and dispatches every entry whose time has come. The heap
// lock is released around Fire so Add and Remove stay responsive during
// delivery.
func (s *Service) fireDue(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.h) == 0 {
			s.mu.Unlock()
			return
		}
		top := s.h[0]
		if top.at.After(s.clk.Now()) {
			s.mu.Unlock()
			return
		}
		heap.Pop(&s.h)
		s.mu.Unlock()

		next, requeue := s.disp.Fire(ctx, top.id)
		if requeue {
			s.Add(top.id, next)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Snapshot reports the armed queue for status output.
type Snapshot struct {
	Armed  int         `json:"armed"`
	NextID reminder.ID `json:"next_id,omitempty"`
	NextAt time.Time   `json:"next_at,omitempty"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Armed: len(s.h)}
	if len(s.h) > 0 {
		snap.NextID = s.h[0].id
		snap.NextAt = s.h[0].at
	}
	return snap
}
