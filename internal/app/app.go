// Package app wires the shopwatch components into a process.
//
// New builds everything a command needs (storage, rule catalog, registry,
// executor, alert engine, run entry point, scheduler, notifier). Start turns
// the process into the long-running service: it starts the cron tick, the
// notifier, config hot reload and systemd notifications. One-shot CLI
// commands skip Start and call Stop when done.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"shopwatch/internal/alerts"
	"shopwatch/internal/config"
	"shopwatch/internal/eventbus"
	"shopwatch/internal/executor"
	"shopwatch/internal/notify"
	"shopwatch/internal/observability/diag"
	"shopwatch/internal/registry"
	"shopwatch/internal/rules"
	"shopwatch/internal/runs"
	rtsup "shopwatch/internal/runtime/supervisor"
	"shopwatch/internal/scheduler"
	"shopwatch/internal/storage"
	kit "shopwatch/internal/transport"
	"shopwatch/internal/transport/telegram"
	logx "shopwatch/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	bot   *telegram.Adapter

	rules  *rules.Registry
	runSup *rtsup.Supervisor
	reg    *registry.Registry
	alerts *alerts.Engine
	runs   *runs.Service
	sched  *scheduler.Service
	notif  *notify.Service
	diag   *diag.Service

	// sup owns the service loops; nil until Start.
	sup     *rtsup.Supervisor
	started time.Time

	stopOnce sync.Once
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	catalog, err := Validate(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	tgCfg, hasBot, err := mapTelegram(cfg)
	if err != nil {
		return nil, err
	}
	var (
		bot    *telegram.Adapter
		sender logx.Sender
	)
	if hasBot {
		bot, err = telegram.New(tgCfg, logx.NewConsole(cfg.Logging.Level))
		if err != nil {
			return nil, err
		}
		sender = bot
	}

	logCfg := mapLogging(cfg)
	if !hasBot {
		logCfg.Telegram.Enabled = false
	}
	logSvc, root := logx.New(logCfg, sender)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Debug("storage.opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	pipe, err := mapPipeline(cfg, root)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	ruleReg := rules.NewRegistry(catalog)

	// Suite runs outlive any single request, so they get their own
	// supervisor that is only cancelled on Stop.
	runSup := rtsup.New(context.Background(), rtsup.WithLogger(root.With(logx.String("comp", "runs.supervisor"))))
	reg := registry.New(runSup, cfg.Registry.MaxConcurrent, root)

	engine := alerts.NewEngine(store, bus, root)
	runsCfg, logDir := mapRuns(cfg)
	runlog := executor.NewRunLog(logDir)
	exec := executor.New(executor.Deps{
		Store:    store,
		Pipeline: pipe,
		Rules:    ruleReg,
		Dedup:    engine,
		RunLog:   runlog,
		Log:      root,
	})
	runSvc := runs.New(runsCfg, runs.Deps{
		Store:    store,
		Registry: reg,
		Executor: exec,
		RunLog:   runlog,
		Bus:      bus,
		Log:      root,
	})
	sched := scheduler.New(mapScheduler(cfg), store, runSvc, bus, root)

	ncfg, err := mapNotifier(cfg, hasBot)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	var ns kit.Sender
	if bot != nil {
		ns = bot
	}
	notif := notify.New(ncfg, ns, bus, root)

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		bot:    bot,
		rules:  ruleReg,
		runSup: runSup,
		reg:    reg,
		alerts: engine,
		runs:   runSvc,
		sched:  sched,
		notif:  notif,
	}
	a.diag = diag.New(mapDiag(cfg), func(ctx context.Context) (any, bool) {
		h := a.Health(ctx)
		return h, h.Status == HealthOK
	}, root)
	return a, nil
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Log() logx.Logger { return a.log }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Rules() *rules.Registry { return a.rules }
func (a *App) Alerts() *alerts.Engine { return a.alerts }
func (a *App) Runs() *runs.Service { return a.runs }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Notifier() *notify.Service { return a.notif }
func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the service supervisor is cancelled (fatal error or
// Stop). Before Start it is already closed.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the service supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the long-lived service loops until ctx ends or Stop is called.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()
	sctx := a.sup.Context()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := Validate(cfg)
		return err
	})

	if a.notif.Enabled() {
		a.notif.Start(sctx)
	}
	if err := a.sched.Start(sctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.diag.Start(sctx)

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifySystemd(daemon.SdNotifyReady)
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					a.notifySystemd(daemon.SdNotifyWatchdog)
				}
			}
		})
	}

	a.log.Info("app.started",
		logx.Int("max_concurrent", a.reg.Limit()),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("notifier", a.notif.Enabled()),
		logx.Int("rules", a.rules.Current().Len()),
	)
	return nil
}

func (a *App) notifySystemd(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Warn("systemd.notify_failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("systemd.notified", logx.String("state", state))
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
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
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config.reloaded", logx.String("changed", ""))
				continue
			}
			if restart := config.RestartRequired(sections); len(restart) > 0 {
				a.log.Warn("config.restart_required", logx.String("sections", strings.Join(restart, ",")))
			}
			a.apply(ctx, newCfg)
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config.reloaded", fields...)
		}
	}
}

// apply pushes the hot-reloadable sections into the running components.
func (a *App) apply(ctx context.Context, cfg *config.Config) {
	hasBot := a.bot != nil
	logCfg := mapLogging(cfg)
	if !hasBot {
		logCfg.Telegram.Enabled = false
	}
	a.logs.Apply(logCfg)

	if cat, err := rules.Build(cfg.AlertTypes, cfg.Rules); err != nil {
		a.log.Warn("rules.reload_rejected", logx.Err(err))
	} else {
		a.rules.Replace(cat)
		a.log.Info("rules.reloaded", logx.Int("rules", cat.Len()))
	}

	a.sched.Apply(mapScheduler(cfg))
	a.diag.Reconfigure(ctx, mapDiag(cfg))

	ncfg, err := mapNotifier(cfg, hasBot)
	if err != nil {
		a.log.Warn("notifier.reload_rejected", logx.Err(err))
		return
	}
	was := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case was && !ncfg.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
		a.log.Info("notifier.disabled")
	case !was && ncfg.Enabled:
		a.notif.Start(ctx)
		a.log.Info("notifier.enabled")
	}
}

// Stop shuts everything down in dependency order. Each step is bounded and
// never extends the caller's deadline. It is safe to call more than once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var stopErr error
	a.stopOnce.Do(func() {
		stopErr = a.stop(ctx, reason)
	})
	return stopErr
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("app.stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.notifySystemd(daemon.SdNotifyStopping)
		a.sup.Cancel()
	}

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "suite_runs", 10*time.Second, func(c context.Context) error {
		if n := a.reg.CancelAll(); n > 0 {
			a.log.Info("suite_runs.cancelling", logx.Int("count", n))
		}
		return a.runSup.Stop(c)
	})
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "diag", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("app.stopped", logx.String("reason", string(reason)))
	return a.logs.Close()
}

// step runs fn with an upper bound so one component cannot stall shutdown.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = max(rem, 0)
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("app.stop_step_error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("app.stop_step", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("app.stop_step_deadline", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("app.stop_step_late", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
