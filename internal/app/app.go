package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"padbridge/internal/config"
	"padbridge/internal/eventbus"
	"padbridge/internal/monitor"
	"padbridge/internal/observability/debugsrv"
	"padbridge/internal/runtime/supervisor"
	"padbridge/internal/storage"
	"padbridge/internal/task/scheduler"
	logx "padbridge/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched *scheduler.Scheduler
	mon   *monitor.Service
	debug *debugsrv.Service

	wdMu       sync.Mutex
	watchdogID scheduler.ID
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	opts, err := mapSchedulerOptions(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(opts, log.With(logx.String("comp", "scheduler")), bus)

	mcfg, err := mapMonitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	mon := monitor.New(mcfg, sched, store, log.With(logx.String("comp", "monitor")), bus)

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	dbg := debugsrv.New(dcfg, debugsrv.Sources{
		Tasks:   sched,
		Samples: mon.Sampler().History,
		Logs:    logSvc.Recent,
	}, log.With(logx.String("comp", "debugsrv")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sched:   sched,
		mon:     mon,
		debug:   dbg,
	}, nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) Monitor() *monitor.Service { return a.mon }

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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	cfg := a.cfgm.Get()
	if err := a.mon.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}
	if cfg.Watchdog.Enabled {
		if err := a.startWatchdog(); err != nil {
			return err
		}
	}

	// Task lifecycle events at debug level.
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128, "")
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
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.String("scheduler", scheduler.Version()),
		logx.Int("capacity", a.sched.Capacity()),
	)
	return nil
}

// reloadLoop fans committed config changes out to the running components.
func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
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
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if config.StorageChanged(oldCfg, newCfg) {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if config.CapacityChanged(oldCfg, newCfg) {
		a.log.Warn("scheduler.capacity changed; restart required for changes to take effect",
			logx.Int("current", a.sched.Capacity()))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	// Mapping errors cannot happen here: the validator already ran them.
	if opts, err := mapSchedulerOptions(newCfg); err == nil {
		a.sched.Apply(opts)
	}
	if mcfg, err := mapMonitorConfig(newCfg); err == nil {
		if err := a.mon.Apply(ctx, mcfg); err != nil {
			a.log.Warn("monitor reconfigure failed", logx.Err(err))
		}
	}
	if dcfg, err := mapDebugConfig(newCfg); err == nil {
		a.debug.Reconfigure(ctx, dcfg)
	}
	if newCfg.Watchdog.Enabled != oldCfg.Watchdog.Enabled {
		if newCfg.Watchdog.Enabled {
			if err := a.startWatchdog(); err != nil {
				a.log.Warn("watchdog enable failed", logx.Err(err))
			}
		} else {
			a.stopWatchdog(ctx)
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify(daemon.SdNotifyStopping)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step runs one shutdown step bounded by max so a stuck component can't stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Monitor first: it owns a scheduler task and writes to storage.
	step("monitor", 2*time.Second, func(c context.Context) error { a.mon.Stop(c); return nil })
	step("debugsrv", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("watchdog", time.Second, func(c context.Context) error { a.stopWatchdog(c); return nil })
	step("scheduler", 3*time.Second, func(c context.Context) error { return a.sched.Close(c) })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped", logx.Uint64("events_dropped", a.bus.Dropped()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
