// Package engine is the reminder facade: validated creation, listing and
// deletion for command handlers, plus startup recovery that re-arms every
// persisted reminder into the scheduling loop.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"rembot/internal/clock"
	"rembot/internal/dispatch"
	"rembot/internal/recurrence"
	"rembot/internal/reminder"
	"rembot/internal/scheduler"
	"rembot/internal/storage"
	logx "rembot/pkg/logx"
)

type Config struct {
	// MaxPerTarget caps how many reminders one target may hold.
	// Zero or negative disables the cap.
	MaxPerTarget int
}

const maxMessageLen = 4096

type Service struct {
	cfg   Config
	store storage.Store
	sched *scheduler.Service
	disp  *dispatch.Dispatcher
	cal   recurrence.Calendar
	clk   clock.Clock
	log   logx.Logger

	// Serializes the write paths. The store has its own lock, but the
	// cap check plus create must not interleave.
	mu sync.Mutex
}

func New(cfg Config, store storage.Store, sched *scheduler.Service, disp *dispatch.Dispatcher, cal recurrence.Calendar, clk clock.Clock, log logx.Logger) *Service {
	return &Service{
		cfg:   cfg,
		store: store,
		sched: sched,
		disp:  disp,
		cal:   cal,
		clk:   clk,
		log:   log.With(logx.String("comp", "engine")),
	}
}

// Apply retunes the validation limits. Reminders already stored are never
// re-checked against a lowered cap.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Start arms every persisted reminder and launches the scheduling loop.
// Past-due rows fire immediately, once each; rows caught mid-fire by a
// crash are re-delivered.
func (s *Service) Start(ctx context.Context) error {
	rows, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("recover reminders: %w", err)
	}
	interrupted := 0
	for _, r := range rows {
		s.sched.Add(r.ID, r.ScheduledAt)
		if r.Status == reminder.StatusFiring {
			interrupted++
		}
	}
	s.sched.Start(ctx)
	s.log.Info("service started",
		logx.Int("reminders", len(rows)), logx.Int("interrupted_fires", interrupted))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.sched.Stop(ctx)
}

// Create validates the request, normalizes the first occurrence, persists
// the reminder, and arms it.
//
// One-offs must be strictly in the future. Repeating reminders accept a
// past anchor; the stored time advances to the first eligible occurrence
// after now, so "daily at 08:00" created at noon first fires tomorrow.
func (s *Service) Create(ctx context.Context, req reminder.CreateRequest) (reminder.Reminder, error) {
	if req.Policy == "" {
		req.Policy = reminder.PolicyNone
	}
	now := s.clk.Now()
	if err := validate(req, now); err != nil {
		return reminder.Reminder{}, err
	}

	at := req.At
	if req.Policy.Repeats() {
		if !at.After(now) || !recurrence.Eligible(req.Filter, s.cal, at) {
			next, ok := recurrence.NextEligible(req.Policy, req.Filter, s.cal, at, now)
			if !ok {
				return reminder.Reminder{}, fmt.Errorf("%w: no eligible occurrence within the search horizon", reminder.ErrInvalidSchedule)
			}
			at = next
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLimitLocked(ctx, req.Target); err != nil {
		return reminder.Reminder{}, err
	}

	r := reminder.Reminder{
		Message:     strings.TrimSpace(req.Message),
		Target:      req.Target,
		ScheduledAt: at,
		Policy:      req.Policy,
		Filter:      req.Filter,
		CreatedAt:   now,
		Status:      reminder.StatusPending,
	}
	id, err := s.store.Create(ctx, r)
	if err != nil {
		return reminder.Reminder{}, err
	}
	r.ID = id
	s.sched.Add(id, at)

	s.log.Info("reminder created",
		logx.Int64("id", int64(id)),
		logx.String("target", r.Target),
		logx.Time("at", at),
		logx.String("policy", string(r.Policy)))
	return r, nil
}

func (s *Service) Get(ctx context.Context, id reminder.ID) (reminder.Reminder, error) {
	return s.store.Get(ctx, id)
}

// List returns every reminder in creation order.
func (s *Service) List(ctx context.Context) ([]reminder.Reminder, error) {
	return s.store.List(ctx)
}

// ListTarget returns the target's reminders in creation order. The 1-based
// positions in this listing are what DeleteIndex resolves against.
func (s *Service) ListTarget(ctx context.Context, target string) ([]reminder.Reminder, error) {
	rows, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, r := range rows {
		if r.Target == target {
			out = append(out, r)
		}
	}
	return out, nil
}

// Delete removes the reminder and disarms it. A reminder already past its
// durable firing mark still completes that one delivery.
func (s *Service) Delete(ctx context.Context, id reminder.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.sched.Remove(id)
	s.log.Info("reminder deleted", logx.Int64("id", int64(id)))
	return nil
}

// DeleteIndex removes the index-th reminder (1-based) of the target's
// listing and returns the removed row.
func (s *Service) DeleteIndex(ctx context.Context, target string, index int) (reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.ListTarget(ctx, target)
	if err != nil {
		return reminder.Reminder{}, err
	}
	if index < 1 || index > len(rows) {
		return reminder.Reminder{}, fmt.Errorf("%w: index %d of %d", reminder.ErrNotFound, index, len(rows))
	}
	r := rows[index-1]
	if err := s.store.Delete(ctx, r.ID); err != nil {
		return reminder.Reminder{}, err
	}
	s.sched.Remove(r.ID)
	s.log.Info("reminder deleted",
		logx.Int64("id", int64(r.ID)), logx.String("target", target), logx.Int("index", index))
	return r, nil
}

// Snapshot reports totals for status output.
type Snapshot struct {
	Reminders int                `json:"reminders"`
	Targets   int                `json:"targets"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
	Dispatch  dispatch.Stats     `json:"dispatch"`
}

func (s *Service) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{Scheduler: s.sched.Snapshot()}
	if s.disp != nil {
		snap.Dispatch = s.disp.Stats()
	}
	rows, err := s.store.List(ctx)
	if err != nil {
		s.log.Warn("snapshot list failed", logx.Err(err))
		return snap
	}
	snap.Reminders = len(rows)
	targets := map[string]struct{}{}
	for _, r := range rows {
		targets[r.Target] = struct{}{}
	}
	snap.Targets = len(targets)
	return snap
}

func (s *Service) checkLimitLocked(ctx context.Context, target string) error {
	if s.cfg.MaxPerTarget <= 0 {
		return nil
	}
	rows, err := s.ListTarget(ctx, target)
	if err != nil {
		return err
	}
	if len(rows) >= s.cfg.MaxPerTarget {
		return fmt.Errorf("%w: target holds %d of %d reminders", reminder.ErrLimitExceeded, len(rows), s.cfg.MaxPerTarget)
	}
	return nil
}

func validate(req reminder.CreateRequest, now time.Time) error {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return fmt.Errorf("%w: message is empty", reminder.ErrInvalidSchedule)
	}
	if len(msg) > maxMessageLen {
		return fmt.Errorf("%w: message exceeds %d characters", reminder.ErrInvalidSchedule, maxMessageLen)
	}
	if strings.TrimSpace(req.Target) == "" {
		return fmt.Errorf("%w: target is empty", reminder.ErrInvalidSchedule)
	}
	if !req.Policy.Valid() {
		return fmt.Errorf("%w: unknown policy %q", reminder.ErrInvalidSchedule, req.Policy)
	}
	if !req.Filter.Valid() {
		return fmt.Errorf("%w: unknown filter %q", reminder.ErrInvalidSchedule, req.Filter)
	}
	if req.Filter != reminder.FilterNone && !req.Policy.Repeats() {
		return fmt.Errorf("%w: day filters need a repeating policy", reminder.ErrInvalidSchedule)
	}
	if req.At.IsZero() {
		return fmt.Errorf("%w: time is required", reminder.ErrInvalidSchedule)
	}
	if !req.Policy.Repeats() && !req.At.After(now) {
		return fmt.Errorf("%w: time is in the past", reminder.ErrInvalidSchedule)
	}
	return nil
}
