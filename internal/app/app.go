// Package app wires the check-in daemon together: config manager, logging,
// Telegram adapter, attempt journal, alert notifier, tick schedule, and the
// engine driver, all under one supervisor.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"checkinbot/internal/alert"
	"checkinbot/internal/config"
	"checkinbot/internal/engine"
	"checkinbot/internal/eventbus"
	"checkinbot/internal/runtime/supervisor"
	"checkinbot/internal/state"
	"checkinbot/internal/storage"
	"checkinbot/internal/telegram"
	logx "checkinbot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.Bus

	adapter *telegram.Adapter
	journal storage.Journal
	alerts  *alert.Service
	engine  *engine.Engine
	ticker  *Ticker

	// mu guards the pieces the reload loop swaps while ticks run.
	mu          sync.Mutex
	driver      *engine.Driver
	tickTimeout time.Duration
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
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

	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return fail(err)
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fail(err)
	}

	bus := eventbus.New()

	jc, err := MapJournalConfig(cfg)
	if err != nil {
		return fail(err)
	}
	journal, err := storage.Open(jc, log.With(logx.String("comp", "journal")))
	if err != nil {
		return fail(err)
	}
	if journal != nil {
		log.Info("attempt journal enabled", logx.String("driver", jc.Driver))
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		adapter: ad,
		journal: journal,
		alerts:  alert.New(mapAlertConfig(cfg), ad, bus, log.With(logx.String("comp", "alerts"))),
		engine: &engine.Engine{
			Sender:  ad,
			Log:     log.With(logx.String("comp", "engine")),
			Bus:     bus,
			Journal: journal,
		},
	}
	if err := a.reconfigure(cfg); err != nil {
		return fail(err)
	}

	tickCfg, err := mapTickConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.ticker = NewTicker(tickCfg, log.With(logx.String("comp", "ticker")), a.runTick)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop()).
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
		return ValidateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.alerts.Enabled() {
		a.sup.Go("alerts", a.alerts.Run)
		a.log.Info("alerts enabled")
	}

	if err := a.ticker.Start(a.sup.Context()); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	notifyReady(a.log)
	startWatchdog(a.sup, a.log)

	a.mu.Lock()
	targets := len(a.driver.Targets)
	a.mu.Unlock()
	a.log.Info("app started",
		logx.Int("targets", targets),
		logx.Bool("scheduler", a.ticker.Enabled()))
	return nil
}

// runTick executes one driver pass under the configured invocation timeout.
// Tick-level failures (corrupt state, failed save) go to the log and the
// bus; subscribers decide whether that becomes an alert.
func (a *App) runTick(ctx context.Context) {
	a.mu.Lock()
	d := a.driver
	timeout := a.tickTimeout
	a.mu.Unlock()
	if d == nil {
		return
	}

	tctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rep, err := d.Tick(tctx)
	if err != nil {
		a.log.Error("tick failed", logx.Err(err))
		a.bus.Publish(eventbus.Event{Type: engine.EventTickError, Data: err.Error()})
		return
	}
	for _, r := range rep.Results {
		if r.Changed {
			a.log.Info("tick", logx.String("summary", rep.Summary()))
			return
		}
	}
}

// reconfigure rebuilds the driver from a validated config. The engine and
// its collaborators survive reloads; only targets, mode, horizon, state
// path, and the tick timeout swap.
func (a *App) reconfigure(cfg *config.Config) error {
	rc, err := mapRuntimeConfig(cfg)
	if err != nil {
		return err
	}
	store, err := state.NewStore(rc.statePath)
	if err != nil {
		return err
	}
	d := &engine.Driver{
		Store:   store,
		Engine:  a.engine,
		Targets: rc.targets,
		Mode:    rc.mode,
		Horizon: rc.horizon,
		Log:     a.log.With(logx.String("comp", "driver")),
	}
	a.mu.Lock()
	a.driver = d
	a.tickTimeout = rc.tickTimeout
	a.mu.Unlock()
	return nil
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
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
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			// The adapter, journal, and alert subscription are built once at
			// startup; changes there need a restart.
			for _, s := range sections {
				switch s {
				case "telegram", "storage", "alerts":
					a.log.Warn("config section needs restart to take effect", logx.String("section", s))
				}
			}

			// The validator vetted this config before commit, so failures
			// here are unexpected; keep the previous runtime on any.
			if err := a.reconfigure(newCfg); err != nil {
				a.log.Warn("target reload failed; keeping previous", logx.Err(err))
			}
			if tickCfg, err := mapTickConfig(newCfg); err != nil {
				a.log.Warn("schedule reload failed; keeping previous", logx.Err(err))
			} else if err := a.ticker.Apply(tickCfg); err != nil {
				a.log.Warn("schedule apply failed; keeping previous", logx.Err(err))
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	notifyStopping()

	// Cancel the run context first so background loops start unwinding
	// immediately; in-flight waits inside a tick end with it.
	a.sup.Cancel()

	// Each shutdown step gets an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
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
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("ticker", 5*time.Second, func(c context.Context) error { a.ticker.Stop(c); return nil })
	step("telegram", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("journal", time.Second, func(context.Context) error {
		if a.journal != nil {
			return a.journal.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
