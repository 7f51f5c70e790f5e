// Package supervisor runs named goroutines under a shared context with
// panic recovery, per-task stats, optional cancel-on-first-error and
// restart loops with jittered backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "rembot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	failOnce sync.Once
	failure  atomic.Value // stores error
	waitOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	started atomic.Uint64
	active  atomic.Int64

	mu    sync.Mutex
	stats map[string]*taskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first non-nil
// error or panic from any goroutine.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		stats:  map[string]*taskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded error, if any.
func (s *Supervisor) Err() error {
	err, _ := s.failure.Load().(error)
	return err
}

// TaskStats is an aggregated view of goroutines sharing one name.
// Operational signal only, not a synchronization primitive.
type TaskStats struct {
	Name      string    `json:"name"`
	Active    int64     `json:"active"`
	Started   uint64    `json:"started"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at"`
}

type Snapshot struct {
	Active     int64       `json:"active"`
	Started    uint64      `json:"started"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

type taskStats struct {
	active    int64
	started   uint64
	restarts  uint64
	panics    uint64
	lastErr   string
	lastErrAt time.Time
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	out := Snapshot{
		Active:  s.active.Load(),
		Started: s.started.Load(),
	}
	if err := s.Err(); err != nil {
		out.FirstError = err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.stats))
	for name := range s.stats {
		names = append(names, name)
	}
	sort.Strings(names)
	out.Tasks = make([]TaskStats, 0, len(names))
	for _, name := range names {
		st := s.stats[name]
		out.Tasks = append(out.Tasks, TaskStats{
			Name:      name,
			Active:    st.active,
			Started:   st.started,
			Restarts:  st.restarts,
			Panics:    st.panics,
			LastErr:   st.lastErr,
			LastErrAt: st.lastErrAt,
		})
	}
	return out
}

func (s *Supervisor) update(name string, mut func(*taskStats)) {
	s.mu.Lock()
	st, ok := s.stats[name]
	if !ok {
		st = &taskStats{}
		s.stats[name] = st
	}
	mut(st)
	s.mu.Unlock()
}

func (s *Supervisor) noteStart(name string, isRestart bool) {
	s.update(name, func(st *taskStats) {
		st.started++
		st.active++
		if isRestart {
			st.restarts++
		}
	})
}

func (s *Supervisor) noteStop(name string, err error) {
	s.update(name, func(st *taskStats) {
		if st.active > 0 {
			st.active--
		}
		if err != nil {
			st.lastErr = err.Error()
			st.lastErrAt = time.Now()
		}
	})
}

// capture runs fn under the supervisor context and converts a panic into
// an error carrying the task name, counting and logging it on the way.
func (s *Supervisor) capture(name string, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("panic in %s: %v", name, r)
			s.update(name, func(st *taskStats) { st.panics++ })
			if !s.log.IsZero() {
				s.log.Error("goroutine panicked",
					logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}
	}()
	return fn(s.ctx), false
}

// fail records a terminal error for the task and publishes it as the
// supervisor's first error, cancelling everything when configured to.
func (s *Supervisor) fail(name string, err error) {
	s.noteStop(name, err)
	s.publish(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn once under the supervisor context. A panic is recovered and
// recorded; a non-nil error (other than context.Canceled) becomes the
// supervisor's first error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		s.noteStart(name, false)
		err, panicked := s.capture(name, fn)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			s.noteStop(name, nil)
		case panicked:
			s.fail(name, err)
		default:
			s.fail(name, fmt.Errorf("%s: %w", name, err))
		}
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	floor           time.Duration
	ceil            time.Duration
	maxRestarts     int // <=0 means unlimited
	stopOnCleanExit bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.floor = min
		}
		if max > 0 {
			c.ceil = max
		}
	}
}

// WithMaxRestarts limits restarts before giving up. The initial run does
// not count as a restart.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithStopOnCleanExit stops (instead of restarting) when fn returns nil.
// Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// steadyRun is how long a run must survive for its failure to reset the
// accumulated backoff.
const steadyRun = 30 * time.Second

// GoRestart runs fn and restarts it on error or panic with jittered
// exponential backoff until the supervisor context is cancelled. Meant for
// long-running loops (pollers, watchers) where transient failures should
// self-heal without bringing down the process.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		floor:           250 * time.Millisecond,
		ceil:            30 * time.Second,
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.ceil < cfg.floor {
		cfg.ceil = cfg.floor
	}

	r := &restarter{sup: s, name: name, fn: fn, cfg: cfg}
	// The ".restart" suffix keeps the host goroutine's stats separate from
	// the logical task's.
	s.Go0(name+".restart", r.loop)
}

func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}

type restarter struct {
	sup  *Supervisor
	name string
	fn   func(ctx context.Context) error
	cfg  restartCfg
}

func (r *restarter) loop(ctx context.Context) {
	s := r.sup
	backoff := r.cfg.floor
	for failures := 0; ; {
		if ctx.Err() != nil {
			return
		}

		s.noteStart(r.name, failures > 0)
		began := time.Now()
		err, panicked := s.capture(r.name, r.fn)

		// A return during shutdown is a clean stop, whatever fn reported.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			s.noteStop(r.name, nil)
			return
		}
		if err == nil {
			if r.cfg.stopOnCleanExit {
				s.noteStop(r.name, nil)
				return
			}
			err = errors.New("exited")
		}
		if !panicked {
			err = fmt.Errorf("%s: %w", r.name, err)
		}
		s.noteStop(r.name, err)

		failures++
		// A run that stayed healthy for a while resets the backoff, so a
		// rare failure does not inherit a long delay.
		if time.Since(began) >= steadyRun {
			backoff = r.cfg.floor
		}
		if r.cfg.maxRestarts > 0 && failures > r.cfg.maxRestarts {
			if !s.log.IsZero() {
				s.log.Error("goroutine gave up after restarts",
					logx.String("name", r.name), logx.Int("restarts", failures), logx.Err(err))
			}
			s.publish(err)
			if s.cancelOnErr {
				s.cancel()
			}
			return
		}

		wait := jitter(backoff)
		if !s.log.IsZero() {
			s.log.Warn("goroutine restarting",
				logx.String("name", r.name), logx.Duration("backoff", wait), logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if backoff *= 2; backoff > r.cfg.ceil {
			backoff = r.cfg.ceil
		}
	}
}

// jitter pads d by up to 20%.
func jitter(d time.Duration) time.Duration {
	if span := int64(d) / 5; span > 0 {
		d += time.Duration(time.Now().UnixNano() % (span + 1))
	}
	return d
}

// Stop cancels the context and waits for all goroutines, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			defer close(s.done)
			s.wg.Wait()
		}()
	})

	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) publish(err error) {
	if err == nil {
		return
	}
	s.failOnce.Do(func() { s.failure.Store(err) })
}
