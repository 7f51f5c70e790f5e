// Package app assembles the bot: configuration, logging, storage, the
// holiday calendar, the scheduling core, the notify pipeline, maintenance
// jobs and the telegram command surface. It owns startup order, config
// hot-reload fan-out and bounded shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"rembot/internal/clock"
	"rembot/internal/dispatch"
	"rembot/internal/engine"
	"rembot/internal/holiday"
	"rembot/internal/maintenance"
	"rembot/internal/notify"
	"rembot/internal/scheduler"
	"rembot/internal/storage"
	kit "rembot/internal/transport"
	"rembot/internal/transport/logsink"
	telegram "rembot/internal/transport/telegram/adapter"
	logx "rembot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter kit.Adapter

	hol   *holiday.Manager
	eng   *engine.Service
	notif *notify.Service
	maint *maintenance.Service

	cmdm *CommandManager
	serv *Services

	// tokenSet remembers whether a telegram token was present at boot.
	// Token changes need a restart, so reloads gate the telegram log sink
	// on this instead of re-reading the token.
	tokenSet bool

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	// The adapter exists before the logging service because the service
	// wants it as a telegram sink.
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, tokenSet, err := newAdapter(cfg, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg, tokenSet), ad)
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	clk := clock.System()

	hc, err := mapHolidayConfig(cfg)
	if err != nil {
		return nil, err
	}
	hol := holiday.New(hc, clk, log)

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notify.New(ncfg, ad, log)

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dcfg, store, pipelineNotifier{pipe: notif}, hol, clk, log)
	sched := scheduler.New(clk, disp, log)
	eng := engine.New(mapEngineConfig(cfg), store, sched, disp, hol, clk, log)

	maint := maintenance.New(clk, log)
	if err := registerJobs(maint, cfg, store, hol, hc.SourceURL != ""); err != nil {
		return nil, err
	}

	serv := &Services{
		Reminders:          eng,
		Notify:             notif,
		Holiday:            hol,
		RuntimeSupervisors: NewSupervisorRegistry(),
	}
	cmdm := NewCommandManager(log.With(logx.String("comp", "commands")),
		ad, cfgm, serv, cfg.Telegram.OwnerUserIDs, cfg.Telegram.AllowedChatIDs)
	cmdm.SetRegistry(Commands())

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		store:    store,
		adapter:  ad,
		hol:      hol,
		eng:      eng,
		notif:    notif,
		maint:    maint,
		cmdm:     cmdm,
		serv:     serv,
		tokenSet: tokenSet,
		updates:  make(chan kit.Update, 256),
	}, nil
}

// newAdapter picks the real telegram adapter when a token is configured
// and the log-only stand-in otherwise. Without a token, deliveries land in
// the log and no updates ever arrive.
func newAdapter(cfg *Config, log logx.Logger) (ad kit.Adapter, tokenSet bool, err error) {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return logsink.New(log), false, nil
	}
	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, false, err
	}
	tad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log)
	if err != nil {
		return nil, false, err
	}
	return tad, true, nil
}

// registerJobs wires the cron maintenance schedule: store compaction
// always, holiday refresh only when a source URL is configured.
func registerJobs(maint *maintenance.Service, cfg *Config, store storage.Store, hol *holiday.Manager, refresh bool) error {
	spec := strings.TrimSpace(cfg.Maintenance.CompactCron)
	if spec == "" {
		spec = maintenance.DefaultCompactSpec
	}
	if err := maint.Add("compact", spec, store.Compact); err != nil {
		return err
	}
	if !refresh {
		return nil
	}
	spec = strings.TrimSpace(cfg.Holiday.RefreshCron)
	if spec == "" {
		spec = maintenance.DefaultRefreshSpec
	}
	return maint.Add("holiday-refresh", spec, hol.Refresh)
}

// Done is closed once the run context dies, by Stop or by a fatal error
// under the supervisor.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error the supervisor saw, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	if a.serv != nil {
		a.serv.AppSupervisor = a.sup
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Reloads are transactional: a config that fails validation is never
	// committed or published.
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return ValidateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if tad, ok := a.adapter.(interface{ Supervisor() *Supervisor }); ok {
		// /remind status reads poller health from here.
		if sup := tad.Supervisor(); sup != nil {
			a.serv.RuntimeSupervisors.Set("telegram.adapter", sup)
		}
	}

	// Delivery pipeline before the engine: the recovery scan may fire
	// overdue reminders immediately.
	a.notif.Start(a.sup.Context())
	if err := a.eng.Start(a.sup.Context()); err != nil {
		return err
	}
	a.maint.Start(a.sup.Context())

	// Warm the holiday tables in the background; the weekly cron keeps
	// them fresh afterwards.
	a.sup.Go0("holiday.warmup", func(c context.Context) {
		if err := a.hol.Refresh(c); err != nil && c.Err() == nil {
			a.log.Warn("holiday warmup failed", logx.Err(err))
		}
	})

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// reloadLoop applies committed config updates until c ends. Rapid saves
// coalesce, so only the newest pending config is applied.
func (a *App) reloadLoop(c context.Context, sub chan *Config) {
	last := a.cfgm.Get()
	for {
		var next *Config
		select {
		case <-c.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			next = drainNewest(sub, cfg)
		}

		sections, attrs := SummarizeConfigChange(last, next)
		if len(sections) == 0 {
			a.log.Debug("config reload received, but no effective changes detected")
			a.applyReload(last, next, nil)
			last = next
			a.log.Info("config reloaded (no changes)")
			continue
		}

		changed := logx.String("changed", strings.Join(sections, ","))
		a.log.Debug("config change summary", append([]logx.Field{changed}, attrs...)...)
		a.applyReload(last, next, sections)
		last = next
		a.log.Info("config reloaded", append([]logx.Field{changed}, attrs...)...)
	}
}

func drainNewest(sub chan *Config, cur *Config) *Config {
	for {
		select {
		case next, ok := <-sub:
			if !ok {
				return cur
			}
			if next != nil {
				cur = next
			}
		default:
			return cur
		}
	}
}

// applyReload pushes a validated config into the running services.
// Settings that cannot change live only get a warning.
func (a *App) applyReload(oldCfg, newCfg *Config, sections []string) {
	for _, msg := range restartRequired(oldCfg, newCfg, sections) {
		a.log.Warn(msg + "; restart required for changes to take effect")
	}

	// Logging first so later appliers log at the new level.
	a.logs.Apply(mapLogConfig(newCfg, a.tokenSet))

	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.cmdm.SetAllowedChats(newCfg.Telegram.AllowedChatIDs)

	a.eng.Apply(mapEngineConfig(newCfg))

	if ncfg, err := mapNotifyConfig(newCfg); err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	if hc, err := mapHolidayConfig(newCfg); err != nil {
		a.log.Warn("invalid holiday config; keeping previous", logx.Err(err))
	} else {
		a.hol.Apply(hc)
	}
}

// restartRequired lists changed settings that only take effect on the next
// boot.
func restartRequired(oldCfg, newCfg *Config, sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage":
			out = append(out, "storage config changed")
		case "maintenance":
			out = append(out, "maintenance cron changed")
		}
	}
	if oldCfg == nil {
		return out
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		out = append(out, "telegram token/poll_timeout changed")
	}
	if oldCfg.Reminders.DispatchTimeout != newCfg.Reminders.DispatchTimeout ||
		oldCfg.Reminders.RetryRearmDelay != newCfg.Reminders.RetryRearmDelay {
		out = append(out, "reminder dispatch timing changed")
	}
	if oldCfg.Holiday.RefreshCron != newCfg.Holiday.RefreshCron {
		out = append(out, "holiday refresh cron changed")
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding
	// while the ordered teardown below runs.
	a.sup.Cancel()

	// Command workers first so in-flight handlers finish before their
	// services go away.
	a.stopStep(ctx, "router", 4*time.Second, func(c context.Context) error {
		if sup := a.cmdm.Supervisor(); sup != nil {
			return sup.Wait(c)
		}
		return nil
	})

	// Engine stops the timer loop; nothing fires past this point.
	a.stopStep(ctx, "engine", 2*time.Second, func(c context.Context) error { a.eng.Stop(c); return nil })
	a.stopStep(ctx, "maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })

	// Drain queued deliveries before the adapter goes away.
	a.stopStep(ctx, "notify", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.stopStep(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.stopStep(ctx, "storage", time.Second, func(c context.Context) error { return a.store.Close() })

	// Last: supervised goroutines (config watch and reload, dispatcher).
	a.stopStep(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// stopStep runs one teardown action under its own budget so a stuck
// component cannot stall the rest of shutdown. The caller's deadline is
// never extended.
func (a *App) stopStep(ctx context.Context, name string, budget time.Duration, fn func(context.Context) error) {
	start := time.Now()

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < budget {
			budget = rem
		}
	}
	stepCtx := ctx
	if budget > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		a.finishStep(name, start, err)
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached, moving on",
			logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		// fn is expected to honor stepCtx. If it returns later anyway, say
		// so, otherwise the leak stays invisible.
		go func() {
			err := <-done
			a.log.Info("stop step finished late",
				logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}

func (a *App) finishStep(name string, start time.Time, err error) {
	took := time.Since(start)
	switch {
	case err != nil:
		a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
	case took >= 500*time.Millisecond:
		a.log.Info("stop step done", logx.String("name", name), logx.Duration("took", took))
	default:
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", took))
	}
}
