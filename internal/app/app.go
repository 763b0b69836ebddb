package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fwdbot/internal/config"
	"fwdbot/internal/eventbus"
	"fwdbot/internal/forward"
	"fwdbot/internal/metrics"
	"fwdbot/internal/notifier"
	"fwdbot/internal/runlock"
	rtsup "fwdbot/internal/runtime/supervisor"
	"fwdbot/internal/storage"
	"fwdbot/internal/task/engine"
	"fwdbot/internal/task/scheduler"
	"fwdbot/internal/tracing"
	kit "fwdbot/internal/transport"
	telegram "fwdbot/internal/transport/telegram/adapter"
	"fwdbot/internal/transport/telegram/router"
	logx "fwdbot/pkg/logx"
	"fwdbot/pkg/systemd"
)

// Version is stamped at build time.
var Version = "dev"

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	locks  runlock.Locker
	traces *tracing.Provider

	adapter *telegram.Adapter
	engine  *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	fwd     *forward.Service
	router  *router.Router

	col     *metrics.Collectors
	metrics *metrics.Server

	updates chan kit.Update
}

// NewApp loads and validates the config and builds every component. Nothing
// runs until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	ad, err := telegram.New(mapTelegramConfig(cfg), log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	// Alerts at or above logging.telegram.min_level go to the log chat.
	logSvc.SetSender(ad)

	traces, err := tracing.Setup(mapTracingConfig(cfg, Version), log.With(logx.String("comp", "tracing")))
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, mapStorageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	locks, err := runlock.Open(mapLockConfig(cfg), log.With(logx.String("comp", "runlock")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()
	eng := engine.New(mapEngineConfig(cfg), log.With(logx.String("comp", "taskengine")), bus)
	sched := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, eng, log.With(logx.String("comp", "scheduler")))
	notif := notifier.New(mapNotifierConfig(cfg), ad, log.With(logx.String("comp", "notifier")), bus)

	fwd, err := forward.New(mapForwardConfig(cfg), forward.Deps{
		Store:    store,
		Triggers: sched,
		Out:      ad,
		Notifier: notif,
		Locks:    locks,
		Bus:      bus,
		Tracer:   traces.Tracer("fwdbot/forward"),
		Log:      log,
	})
	if err != nil {
		_ = locks.Close()
		_ = store.Close()
		return nil, err
	}

	rt := router.New(router.Config{Owners: cfg.Telegram.OwnerUserIDs}, ad, fwd, notif, log.With(logx.String("comp", "router")))

	col := metrics.NewCollectors(bus)
	msrv := metrics.NewServer(mapMetricsConfig(cfg), col, store.Ping, log.With(logx.String("comp", "metrics")))

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		locks:   locks,
		traces:  traces,
		adapter: ad,
		engine:  eng,
		sched:   sched,
		notif:   notif,
		fwd:     fwd,
		router:  rt,
		col:     col,
		metrics: msrv,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	// Engine before scheduler: fired triggers need workers.
	a.engine.Start(run)
	a.sched.Start(run)
	a.notif.Start(run)

	if err := a.fwd.Restore(run); err != nil {
		return fmt.Errorf("restore forwarding: %w", err)
	}

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	a.sup.Go("metrics.consume", func(c context.Context) error {
		return a.col.Consume(c, a.bus, a.log.With(logx.String("comp", "metrics")))
	})
	a.metrics.Start(run)

	// Debug-level event log; metrics keeps the counts.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
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
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog failed", logx.Err(err))
		}
	})
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started",
		logx.String("version", Version),
		logx.Int("groups", len(a.fwd.Groups())),
		logx.String("timezone", a.sched.Location().String()),
	)
	return nil
}

// applyConfig re-applies the sections that can change at runtime. Everything
// else is logged as needing a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))
	a.router.SetOwners(next.Telegram.OwnerUserIDs)
	a.sched.Apply(scheduler.Config{Timezone: next.Scheduler.Timezone})
	a.notif.Apply(mapNotifierConfig(next))
	a.metrics.Reconfigure(a.sup.Context(), mapMetricsConfig(next))

	if restart := config.RestartRequired(prev, next); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", restart))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Each step is bounded so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
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
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Triggers first so no new run starts; in-flight runs finish in the engine.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("metrics", time.Second, func(c context.Context) error { a.metrics.Stop(c); return nil })
	step("tracing", 2*time.Second, func(c context.Context) error { return a.traces.Shutdown(c) })
	step("runlock", time.Second, func(context.Context) error { return a.locks.Close() })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, router, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
