// Package maintenance runs cron-scheduled housekeeping jobs, such as
// journal compaction and holiday table refresh. Each job gets its own
// supervised loop that sleeps until the next cron slot, runs the job,
// and re-arms. Cron spec changes take effect on restart.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"rembot/internal/clock"
	"rembot/internal/runtime/supervisor"
	"rembot/pkg/logx"
)

// Default specs for the built-in jobs (standard 5-field cron, local time).
const (
	DefaultCompactSpec = "30 4 * * *" // daily 04:30
	DefaultRefreshSpec = "0 3 * * 1"  // mondays 03:00
)

// JobFunc is one housekeeping run. A returned error is logged and counted;
// the job stays scheduled.
type JobFunc func(ctx context.Context) error

type job struct {
	name  string
	spec  string
	sched cron.Schedule
	run   JobFunc

	mu      sync.Mutex
	nextAt  time.Time
	runs    uint64
	fails   uint64
	lastRun time.Time
	lastErr string
}

// JobInfo is a point-in-time view of one job, for status surfaces.
type JobInfo struct {
	Name    string
	Spec    string
	NextAt  time.Time
	Runs    uint64
	Fails   uint64
	LastRun time.Time
	LastErr string
}

// Service owns the housekeeping jobs. Add everything before Start.
type Service struct {
	log logx.Logger
	clk clock.Clock

	mu      sync.Mutex
	jobs    []*job
	sup     *supervisor.Supervisor
	running bool
}

func New(clk clock.Clock, log logx.Logger) *Service {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		clk: clk,
		log: log.With(logx.String("comp", "maintenance")),
	}
}

// Add registers a job under a standard 5-field cron spec.
func (s *Service) Add(name, spec string, run JobFunc) error {
	if name == "" {
		return fmt.Errorf("maintenance: job name is empty")
	}
	if run == nil {
		return fmt.Errorf("maintenance: job %s has no func", name)
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("maintenance: job %s spec %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("maintenance: job %s added after start", name)
	}
	for _, j := range s.jobs {
		if j.name == name {
			return fmt.Errorf("maintenance: duplicate job %s", name)
		}
	}
	s.jobs = append(s.jobs, &job{name: name, spec: spec, sched: sched, run: run})
	return nil
}

// Start seeds every job's first deadline and spawns the loops. Seeding
// happens here, on the caller's goroutine, so deadlines are fixed before
// Start returns.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)

	now := s.clk.Now()
	for _, j := range s.jobs {
		j.mu.Lock()
		j.nextAt = j.sched.Next(now)
		j.mu.Unlock()

		j := j
		s.sup.GoRestart("maintenance."+j.name, func(ctx context.Context) error {
			return s.jobLoop(ctx, j)
		},
			supervisor.WithRestartBackoff(time.Second, time.Minute),
			supervisor.WithStopOnCleanExit(true),
		)
	}
	s.log.Info("maintenance started", logx.Int("jobs", len(s.jobs)))
}

// Stop cancels the loops and waits for in-flight runs to finish, bounded
// by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.running = false
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("maintenance stop incomplete", logx.Err(err))
		return
	}
	s.log.Info("maintenance stopped")
}

// jobLoop arms a timer for the job's stored deadline, runs on fire, then
// advances the deadline from the slot that just fired rather than from
// Now. A clock jump past several slots replays each one instead of
// silently skipping them.
func (s *Service) jobLoop(ctx context.Context, j *job) error {
	for {
		j.mu.Lock()
		next := j.nextAt
		j.mu.Unlock()
		if next.IsZero() {
			s.log.Warn("job has no next run, stopping its loop", logx.String("job", j.name))
			return nil
		}

		t := s.clk.NewTimer(next.Sub(s.clk.Now()))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C():
		}

		s.runJob(ctx, j)

		j.mu.Lock()
		j.nextAt = j.sched.Next(next)
		j.mu.Unlock()
	}
}

func (s *Service) runJob(ctx context.Context, j *job) {
	started := time.Now()
	err := j.run(ctx)
	took := time.Since(started)

	j.mu.Lock()
	j.lastRun = s.clk.Now()
	if err != nil {
		j.fails++
		j.lastErr = err.Error()
	} else {
		j.runs++
		j.lastErr = ""
	}
	j.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed",
			logx.String("job", j.name),
			logx.Duration("took", took),
			logx.Err(err))
		return
	}
	s.log.Info("job done",
		logx.String("job", j.name),
		logx.Duration("took", took))
}

// Snapshot lists the jobs sorted by name. Before Start the NextAt fields
// are computed from the current clock reading.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	jobs := append([]*job(nil), s.jobs...)
	s.mu.Unlock()

	now := s.clk.Now()
	out := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		info := JobInfo{
			Name:    j.name,
			Spec:    j.spec,
			NextAt:  j.nextAt,
			Runs:    j.runs,
			Fails:   j.fails,
			LastRun: j.lastRun,
			LastErr: j.lastErr,
		}
		j.mu.Unlock()
		if info.NextAt.IsZero() {
			info.NextAt = j.sched.Next(now)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}
