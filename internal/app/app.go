// Package app wires the scheduling engine together: config, logging,
// storage, the event store, reminder timers, dispatch and the daily digest.
package app

import (
	"context"
	"fmt"
	"time"

	"commsched/internal/config"
	"commsched/internal/digest"
	"commsched/internal/dispatch"
	"commsched/internal/event"
	"commsched/internal/eventbus"
	"commsched/internal/reminder"
	"commsched/internal/runtime/supervisor"
	"commsched/internal/storage"
	"commsched/internal/store"
	logx "commsched/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	persist storage.Store
	events  *store.Store
	sched   *reminder.Scheduler
	disp    *dispatch.Dispatcher
	digest  *digest.Service
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

	bus := eventbus.New()

	var persist storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		persist = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	clock := event.Clock(time.Now)

	dcfg, alertCh, mailCh, err := mapDispatchConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dcfg, alertCh, mailCh, dispatch.IdentityResolver{}, clock,
		log.With(logx.String("comp", "dispatch")), bus)

	sched := reminder.New(disp, clock, log.With(logx.String("comp", "reminder")), bus)

	events := store.New(store.Config{
		DefaultLeadMinutes: cfg.Reminders.Leads(),
		OverdueNotices:     cfg.Reminders.OverdueNotices,
	}, clock, log.With(logx.String("comp", "store")),
		store.WithBus(bus),
		store.WithRescheduler(sched),
		store.WithPersister(persist),
		store.WithAnnouncer(disp),
	)

	dig := digest.New(mapDigestConfig(cfg), events, disp,
		log.With(logx.String("comp", "digest")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		persist: persist,
		events:  events,
		sched:   sched,
		disp:    disp,
		digest:  dig,
	}, nil
}

// Store exposes the event store for embedding callers.
func (a *App) Store() *store.Store { return a.events }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	a.disp.Start(runCtx)

	// Probe the alert channel once; the grant (or denial) is cached for the
	// process lifetime.
	permCtx, cancel := context.WithTimeout(runCtx, 15*time.Second)
	granted := a.disp.RequestPermission(permCtx)
	cancel()
	if !granted {
		a.log.Warn("alert channel permission denied; alert firings will be recorded and dropped")
	}

	// Restore persisted events; seeding re-arms their reminder timers.
	if a.persist != nil {
		loadCtx, cancel := context.WithTimeout(runCtx, 30*time.Second)
		evs, err := a.persist.LoadAll(loadCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("restore events: %w", err)
		}
		a.events.Seed(evs)
	}

	if err := a.digest.Start(runCtx); err != nil {
		return err
	}

	// Debug visibility into engine signals.
	signals, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-signals:
				if !ok {
					return
				}
				a.log.Debug("signal", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
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
				a.applyReload(c, newCfg)
			}
		}
	})

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if dcfg, _, _, err := mapDispatchConfig(cfg, logx.Nop()); err != nil {
		a.log.Warn("invalid notifications config; keeping previous", logx.Err(err))
	} else {
		// Channels are constructed once at boot; only pipeline knobs reload.
		a.disp.Apply(dcfg)
	}

	if err := a.digest.Apply(ctx, mapDigestConfig(cfg)); err != nil {
		a.log.Warn("invalid digest config; keeping previous", logx.Err(err))
	}

	if _, _, err := mapStorageConfig(cfg); err == nil {
		// Storage is opened once; a driver/path change needs a restart.
		a.log.Debug("storage config changes take effect on restart")
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops unwind immediately.
	a.sup.Cancel()

	// Bound each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					a.log.Warn("panic in stop step", logx.String("name", name), logx.Any("panic", r))
				}
			}()
			fn(stepCtx)
		}()

		select {
		case <-done:
			a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("digest", 3*time.Second, func(c context.Context) { a.digest.Stop(c) })
	step("reminder", 3*time.Second, func(c context.Context) { a.sched.Stop(c) })
	step("dispatch", 5*time.Second, func(c context.Context) { a.disp.Stop(c) })
	if a.persist != nil {
		step("storage", 3*time.Second, func(context.Context) {
			if err := a.persist.Close(); err != nil {
				a.log.Warn("storage close failed", logx.Err(err))
			}
		})
	}

	err := a.sup.Wait(ctx)
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}
