// Package app wires the error pipeline, its sinks and the ops surfaces
// together and owns start/stop ordering and config reload fan-out.
package app

import (
	"context"
	"fmt"
	"time"

	"errbot/internal/commands"
	"errbot/internal/config"
	"errbot/internal/eventbus"
	"errbot/internal/metrics"
	"errbot/internal/notifier"
	"errbot/internal/opsserver"
	"errbot/internal/pipeline"
	rtsup "errbot/internal/runtime/supervisor"
	"errbot/internal/storage"
	"errbot/internal/transport"
	"errbot/internal/transport/natsmirror"
	"errbot/internal/transport/telegram"
	logx "errbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor
	sups *rtsup.Registry

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Filtered
	store storage.Store

	adapter *telegram.Adapter // nil when telegram is not configured
	mirror  *natsmirror.Mirror
	guard   *notifier.GuardedSender
	notif   *notifier.Service
	pipe    *pipeline.Pipeline
	cmds    *commands.Manager
	metrics *metrics.Metrics
	ops     *opsserver.Service
	sd      sdNotifier

	updates chan transport.Update
}

// New loads and validates the config at cfgPath and builds every component.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogConfig())
	cfgm.SetLogger(log)
	appLog := log.With(logx.String("comp", "app"))

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.BusyTimeout(),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		appLog.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	a := &App{
		cfgm:    cfgm,
		sups:    rtsup.NewRegistry(),
		log:     appLog,
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
		sd:      sdNotifier{log: appLog},
		updates: make(chan transport.Update, 64),
	}
	if err := a.build(cfg, log); err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	ncfg, err := cfg.NotifierConfig()
	if err != nil {
		return err
	}
	pcfg, err := cfg.PipelineConfig()
	if err != nil {
		return err
	}

	var primary transport.Sender
	if cfg.Telegram.Token == "" || cfg.Telegram.ChatID == 0 {
		a.log.Warn("telegram token or chat_id not set, notifications are only logged")
		primary = transport.NopSender{Log: log.With(logx.String("comp", "pipeline"))}
	} else {
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: cfg.PollTimeout(),
			Poll:        cfg.Telegram.Commands,
			SendTimeout: ncfg.SendTimeout,
		}, log)
		if err != nil {
			a.log.Warn("telegram adapter unavailable, notifications are only logged", logx.Err(err))
			primary = transport.NopSender{Log: log.With(logx.String("comp", "pipeline"))}
		} else {
			a.adapter = ad
			primary = ad
		}
	}

	a.guard = notifier.NewGuardedSender(primary, ncfg, log, a.bus)
	var sender transport.Sender = a.guard
	if cfg.NATS.Enabled {
		m, err := natsmirror.Dial(natsmirror.Config{URL: cfg.NATS.URL, Subject: cfg.NATS.Subject}, log)
		if err != nil {
			return err
		}
		a.mirror = m
		mlog := log.With(logx.String("comp", "natsmirror"))
		sender = &transport.MultiSender{
			Primary: a.guard,
			Mirrors: []transport.Sender{m},
			OnMirrorError: func(err error) {
				mlog.Warn("mirror publish failed", logx.Err(err))
			},
		}
	}

	a.notif = notifier.New(ncfg, log, a.bus)

	opts := []pipeline.Option{
		pipeline.WithLogger(log),
		pipeline.WithBus(a.bus),
		pipeline.WithDispatcher(a.notif),
	}
	if a.store != nil {
		opts = append(opts, pipeline.WithStore(a.store))
	}
	a.pipe = pipeline.New(pcfg, sender, opts...)
	a.logs.SetCapture(a.pipe.CaptureLine)

	a.cmds = commands.New(a.guard, a.pipe, cfg.Telegram.OwnerUserIDs, log, commands.WithStatus(a.statusLines))

	a.metrics = metrics.New(a.pipe)
	a.metrics.RegisterBusDrops(a.bus)

	src := opsserver.Sources{
		Pipeline:    a.pipe,
		Supervisors: a.sups,
		Metrics:     a.metrics.Handler(),
	}
	if a.store != nil {
		src.Deliveries = a.store
	}
	a.ops = opsserver.New(opsserver.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          cfg.Ops.Addr,
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
	}, src, log)
	return nil
}

// Pipeline exposes the pipeline so embedders can report errors directly.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
		rtsup.WithPanicHook(func(name string, r any, stack []byte) {
			a.pipe.ReportPanic(r, stack)
		}),
	)
	a.sups.Set("app", a.sup)
	run := a.sup.Context()

	a.notif.Start(run)
	a.sups.Set("notifier", a.notif.Supervisor())

	if err := a.pipe.Start(run); err != nil {
		return err
	}
	a.sups.Set("pipeline", a.pipe.Supervisor())

	if a.adapter != nil {
		if err := a.adapter.Start(run, a.updates); err != nil {
			return err
		}
		a.sups.Set("telegram", a.adapter.Supervisor())
		if a.cfgm.Get().Telegram.Commands {
			a.sup.Go0("telegram.menu", a.publishMenu)
			a.sup.Go("commands.dispatch", func(c context.Context) error {
				return a.cmds.DispatchLoop(c, a.updates)
			})
		}
	}

	a.sup.Go0("metrics.events", func(c context.Context) { a.metrics.Run(c, a.bus) })

	a.ops.Start(run)
	a.sups.Set("ops", a.ops.Supervisor())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.sd.watchdog(c, func() bool { return a.sup.Err() == nil })
	})

	a.sd.ready()
	a.log.Info("app started",
		logx.Bool("telegram", a.adapter != nil),
		logx.Bool("nats", a.mirror != nil),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

func (a *App) publishMenu(c context.Context) {
	cmds := a.cmds.Commands()
	menu := make([]telegram.Command, 0, len(cmds))
	for _, cmd := range cmds {
		menu = append(menu, telegram.Command{Name: cmd.Name, Description: cmd.Description})
	}
	if err := a.adapter.SetCommands(menu); err != nil && c.Err() == nil {
		a.log.Warn("command menu not published", logx.Err(err))
	}
}

// Stop shuts components down in dependency order. Each step is bounded so
// one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.sd.stopping()
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped, deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Inbound first, then the pipeline (final snapshot), then the queue it feeds.
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.adapter == nil {
			return nil
		}
		return a.adapter.Stop(c)
	})
	step("pipeline", 3*time.Second, a.pipe.Stop)
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("nats", time.Second, func(context.Context) error {
		if a.mirror == nil {
			return nil
		}
		return a.mirror.Close()
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
