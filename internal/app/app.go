// Package app wires the daemon together: config, logging, storage, the
// Telegram adapter, the alert pipeline and the reminder engine.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"remindme/internal/adherence"
	"remindme/internal/alert"
	"remindme/internal/config"
	"remindme/internal/eventbus"
	"remindme/internal/refill"
	"remindme/internal/reminder"
	rtsup "remindme/internal/runtime/supervisor"
	"remindme/internal/store"
	"remindme/internal/transport"
	"remindme/internal/transport/telegram"
	logx "remindme/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *store.Store
	streams *store.Streams

	adapter *telegram.Adapter
	target  transport.ChatTarget
	loc     *time.Location

	alerts    *alert.Service
	ringer    *alert.Ringer
	wake      *reminder.WakeLock
	recorder  *adherence.Recorder
	deliverer *reminder.Deliverer
	sched     *reminder.Scheduler
	refills   *refill.Tracker

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := cfg.Telegram.PollTimeout.ValueOr("telegram.poll_timeout", 10*time.Second)
	if err != nil {
		return nil, err
	}
	if cfg.Telegram.ChatID == 0 {
		return nil, fmt.Errorf("telegram.chat_id is required")
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	target := transport.ChatTarget{ChatID: cfg.Telegram.ChatID}

	loc, err := loadLocation(cfg.Reminders.Timezone)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	busyTimeout, err := cfg.Storage.BusyTimeout.ValueOr("storage.busy_timeout", 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, logSvc.Logger().With(logx.String("comp", "store")), bus)
	if err != nil {
		return nil, err
	}

	alertsCfg, err := mapAlertsConfig(cfg)
	if err != nil {
		return nil, err
	}
	alerts := alert.New(alertsCfg, adapter, logSvc.Logger().With(logx.String("comp", "alerts")), bus)
	ringer := alert.NewRinger(alerts, alertsCfg.RingInterval, logSvc.Logger().With(logx.String("comp", "ringer")))

	remCfg, err := mapRemindersConfig(cfg)
	if err != nil {
		return nil, err
	}

	wake := reminder.NewWakeLock(remCfg.wakeHoldMax)
	recorder := adherence.NewRecorder(st, loc, logSvc.Logger().With(logx.String("comp", "adherence")))

	deliverer := reminder.NewDeliverer(reminder.DelivererConfig{
		Target:    target,
		AckWindow: remCfg.ackWindow,
		Location:  loc,
	}, st, recorder, alerts, ringer, adapter, adapter, wake,
		logSvc.Logger().With(logx.String("comp", "delivery")), bus)

	sched := reminder.NewScheduler(reminder.SchedulerConfig{
		Location:         loc,
		RetryMax:         remCfg.retryMax,
		RetryBase:        remCfg.retryBase,
		WatchdogInterval: remCfg.watchdogInterval,
	}, st, deliverer.Deliver, logSvc.Logger().With(logx.String("comp", "scheduler")), bus)

	refillCfg, err := mapRefillsConfig(cfg, loc, target)
	if err != nil {
		return nil, err
	}
	refills := refill.NewTracker(refillCfg, st, alerts, logSvc.Logger().With(logx.String("comp", "refills")))

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     st,
		streams:   store.NewStreams(st, bus),
		adapter:   adapter,
		target:    target,
		loc:       loc,
		alerts:    alerts,
		ringer:    ringer,
		wake:      wake,
		recorder:  recorder,
		deliverer: deliverer,
		sched:     sched,
		refills:   refills,
		updates:   make(chan transport.Update, 256),
	}, nil
}

// Done closes when the supervisor context dies (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.alerts.Start(runCtx)
	a.sched.Start(runCtx)

	// Boot recovery: drop stale adherence rows, then re-arm every stored
	// schedule. The watchdog repeats the reconcile while we run.
	if err := a.recorder.PurgeStale(runCtx); err != nil {
		a.log.Warn("adherence purge failed", logx.Err(err))
	}
	if err := a.sched.Recover(runCtx); err != nil {
		return fmt.Errorf("boot recovery: %w", err)
	}
	a.log.Info("boot recovery done", logx.Int("armed", len(a.sched.Snapshot())))

	if err := a.refills.Start(runCtx); err != nil {
		return err
	}

	a.sup.Go("updates.dispatch", func(c context.Context) error {
		return a.dispatchLoop(c)
	})

	// Keep today's plan visible: log whenever the day's schedule set changes.
	planCh := a.streams.SchedulesForDay(runCtx, isoToday(a.loc))
	a.sup.Go0("plan.observe", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case snap, ok := <-planCh:
				if !ok {
					return
				}
				a.log.Debug("today's plan updated", logx.Int("schedules", len(snap)))
			}
		}
	})

	// Store mutations can invalidate armed timers; reconcile on change
	// instead of waiting for the watchdog.
	storeEvents, unsub := a.bus.Subscribe(64)
	a.sup.Go0("schedules.reconcile", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-storeEvents:
				if !ok {
					return
				}
				if ev.Type != eventbus.TypeSchedulesChanged && ev.Type != eventbus.TypeMedicinesChanged {
					continue
				}
				if err := a.sched.Recover(c); err != nil && c.Err() == nil {
					a.log.Warn("reconcile after store change failed", logx.Err(err))
				}
			}
		}
	})

	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c) })
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("tz", a.loc.String()))
	return nil
}

// reloadLoop applies hot config changes: logging always, alert tuning live.
// Storage and telegram changes need a restart and only get a warning.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts, keep only the newest.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			if acfg, err := mapAlertsConfig(newCfg); err != nil {
				a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
			} else {
				wasEnabled := a.alerts.Enabled()
				a.alerts.Apply(acfg)
				if wasEnabled && !acfg.Enabled {
					stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
					a.alerts.Stop(stopCtx)
					cancel()
					a.log.Info("alerts disabled via config")
				} else if !wasEnabled && acfg.Enabled {
					a.alerts.Start(c)
					a.log.Info("alerts enabled via config")
				}
			}

			if lastApplied != nil && lastApplied.Storage != newCfg.Storage {
				a.log.Warn("storage config changed; restart required")
			}
			if newCfg.Telegram.ChatID != a.target.ChatID {
				a.log.Warn("telegram.chat_id changed; restart required")
			}
			lastApplied = newCfg

			a.log.Info("config reloaded")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bounded per-component shutdown: one stuck component must not stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("refills", time.Second, func(context.Context) error { a.refills.Stop(); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("alerts", 2*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("store", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("reminders.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func isoToday(loc *time.Location) int {
	wd := int(time.Now().In(loc).Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
