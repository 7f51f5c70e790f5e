// Package dispatch turns a due reminder into a delivery plus a reschedule
// or retirement.
package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rembot/internal/clock"
	"rembot/internal/recurrence"
	"rembot/internal/reminder"
	"rembot/internal/storage"
	logx "rembot/pkg/logx"
)

// Notifier delivers one message to a target. Implementations own queueing
// and retries; an error here means the message was not accepted at all.
type Notifier interface {
	Notify(ctx context.Context, target, message string) error
}

// Config bounds a single fire.
type Config struct {
	// DispatchTimeout caps the delivery hand-off of one fire. Zero means
	// only the caller's context bounds it.
	DispatchTimeout time.Duration

	// RetryRearmDelay spaces out re-attempts when the store rejects the
	// pre-delivery mark. No delivery has happened yet at that point, so
	// retrying is safe. Zero means 30s.
	RetryRearmDelay time.Duration
}

// Stats are cumulative fire counters.
type Stats struct {
	Fired       uint64 `json:"fired"`
	Delivered   uint64 `json:"delivered"`
	Rescheduled uint64 `json:"rescheduled"`
	Retired     uint64 `json:"retired"`
	RetryArmed  uint64 `json:"retry_armed"`
}

type Dispatcher struct {
	cfg   Config
	store storage.Store
	n     Notifier
	cal   recurrence.Calendar
	clk   clock.Clock
	log   logx.Logger

	fired       atomic.Uint64
	delivered   atomic.Uint64
	rescheduled atomic.Uint64
	retired     atomic.Uint64
	retryArmed  atomic.Uint64
}

func New(cfg Config, store storage.Store, n Notifier, cal recurrence.Calendar, clk clock.Clock, log logx.Logger) *Dispatcher {
	if cfg.RetryRearmDelay <= 0 {
		cfg.RetryRearmDelay = 30 * time.Second
	}
	return &Dispatcher{
		cfg:   cfg,
		store: store,
		n:     n,
		cal:   cal,
		clk:   clk,
		log:   log.With(logx.String("comp", "dispatch")),
	}
}

// Fire handles one due reminder end to end:
//
//  1. load the row; ids deleted while armed are silently skipped
//  2. write the durable "firing" mark, then deliver; a crash between the
//     two re-delivers on the next start (at-least-once)
//  3. delivery failures are logged and never block step 4
//  4. one-offs retire; repeating reminders advance to the next eligible
//     occurrence, collapsing any missed periods into a single catch-up
//
// The returned time re-arms the scheduling loop when requeue is true.
func (d *Dispatcher) Fire(ctx context.Context, id reminder.ID) (time.Time, bool) {
	log := d.log.With(logx.String("fire_id", shortID()), logx.Int64("id", int64(id)))

	r, err := d.store.Get(ctx, id)
	if errors.Is(err, reminder.ErrNotFound) {
		log.Debug("reminder gone before dispatch")
		return time.Time{}, false
	}
	if err != nil {
		log.Error("load failed, retrying later", logx.Err(err))
		d.retryArmed.Add(1)
		return d.clk.Now().Add(d.cfg.RetryRearmDelay), true
	}

	if r.Status != reminder.StatusFiring {
		firing := reminder.StatusFiring
		if err := d.store.Update(ctx, id, storage.Mutation{Status: &firing}); err != nil {
			if errors.Is(err, reminder.ErrNotFound) {
				log.Debug("reminder gone before dispatch")
				return time.Time{}, false
			}
			log.Error("firing mark failed, retrying later", logx.Err(err))
			d.retryArmed.Add(1)
			return d.clk.Now().Add(d.cfg.RetryRearmDelay), true
		}
	} else {
		log.Info("re-dispatching after interrupted fire")
	}

	d.fired.Add(1)
	nctx := ctx
	if d.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		nctx, cancel = context.WithTimeout(ctx, d.cfg.DispatchTimeout)
		defer cancel()
	}
	if err := d.n.Notify(nctx, r.Target, r.Message); err != nil {
		log.Warn("delivery failed", logx.String("target", r.Target), logx.Err(err))
	} else {
		d.delivered.Add(1)
		log.Info("delivered", logx.String("target", r.Target))
	}

	if !r.Policy.Repeats() {
		d.retire(ctx, id, log)
		return time.Time{}, false
	}

	next, ok := recurrence.NextEligible(r.Policy, r.Filter, d.cal, r.ScheduledAt, d.clk.Now())
	if !ok {
		log.Warn("no eligible occurrence ahead, retiring",
			logx.String("policy", string(r.Policy)), logx.String("filter", string(r.Filter)))
		d.retire(ctx, id, log)
		return time.Time{}, false
	}

	pending := reminder.StatusPending
	if err := d.store.Update(ctx, id, storage.Mutation{ScheduledAt: &next, Status: &pending}); err != nil {
		if errors.Is(err, reminder.ErrNotFound) {
			log.Debug("reminder deleted during delivery")
		} else {
			// The row keeps its firing mark; the next start re-delivers
			// and reschedules it.
			log.Error("reschedule failed", logx.Err(err))
		}
		return time.Time{}, false
	}

	d.rescheduled.Add(1)
	log.Info("rescheduled", logx.Time("next", next), logx.String("policy", string(r.Policy)))
	return next, true
}

// Stats reports the cumulative counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Fired:       d.fired.Load(),
		Delivered:   d.delivered.Load(),
		Rescheduled: d.rescheduled.Load(),
		Retired:     d.retired.Load(),
		RetryArmed:  d.retryArmed.Load(),
	}
}

func (d *Dispatcher) retire(ctx context.Context, id reminder.ID, log logx.Logger) {
	err := d.store.Delete(ctx, id)
	if err == nil || errors.Is(err, reminder.ErrNotFound) {
		// Deleted mid-delivery by the user counts as retired.
		d.retired.Add(1)
		return
	}
	log.Error("retire failed", logx.Err(err))
}

func shortID() string { return uuid.NewString()[:8] }
