package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"petfeeder/internal/actuator"
	"petfeeder/internal/alert"
	"petfeeder/internal/clock"
	"petfeeder/internal/config"
	"petfeeder/internal/dispatch"
	"petfeeder/internal/eventbus"
	"petfeeder/internal/feeding"
	"petfeeder/internal/metrics"
	"petfeeder/internal/opsserver"
	rtsup "petfeeder/internal/runtime/supervisor"
	"petfeeder/internal/storage"
	"petfeeder/internal/task/engine"
	"petfeeder/internal/task/scheduler"
	logx "petfeeder/pkg/logx"
)

type App struct {
	cfgm     *config.ConfigManager
	settings config.EngineSettings

	sup *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	devices actuator.Resolver
	coord   *dispatch.Coordinator
	engine  *engine.Service
	sched   *scheduler.Service
	alerts  *alert.Service
	metrics *metrics.Metrics
	ops     *opsserver.Service
}

type options struct {
	clock   clock.Clock
	store   storage.Store
	devices actuator.Resolver
	sinks   []alert.Sink
}

type Option func(*options)

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithStore skips opening storage from config. The app still closes it on Stop.
func WithStore(s storage.Store) Option { return func(o *options) { o.store = s } }

// WithDevices replaces the configured actuator directory.
func WithDevices(r actuator.Resolver) Option { return func(o *options) { o.devices = r } }

// WithAlertSinks adds sinks next to the log sink.
func WithAlertSinks(sinks ...alert.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// New wires every component from the loaded config. Nothing runs until Start.
// Errors wrap feeding.ErrConfiguration or feeding.ErrStoreUnavailable.
func New(cfgm *config.ConfigManager, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfg := cfgm.Get()
	if cfg == nil {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}
	es, err := cfg.Engine.Settings()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg))
	a := &App{
		cfgm:     cfgm,
		settings: es,
		log:      log,
		logs:     logs,
		bus:      eventbus.New(),
	}
	fail := func(err error) (*App, error) {
		if a.store != nil && o.store == nil {
			_ = a.store.Close()
		}
		_ = logs.Close()
		return nil, err
	}

	a.store = o.store
	if a.store == nil {
		sc, err := mapStorageConfig(cfg)
		if err != nil {
			return fail(fmt.Errorf("%w: %v", feeding.ErrConfiguration, err))
		}
		if a.store, err = storage.Open(sc, log); err != nil {
			return fail(fmt.Errorf("%w: open %s storage: %v", feeding.ErrStoreUnavailable, sc.Driver, err))
		}
	}

	a.devices = o.devices
	if a.devices == nil {
		def, devs, err := mapActuatorConfig(cfg, es)
		if err != nil {
			return fail(fmt.Errorf("%w: %v", feeding.ErrConfiguration, err))
		}
		if def.BaseURL == "" && len(devs) == 0 {
			log.Warn("no actuator configured; every dispatch will fail until actuator.base_url is set")
		}
		a.devices = actuator.NewDirectory(def, devs, log.With(logx.Component("actuator")))
	}

	clk := o.clock
	if clk == nil {
		clk = clock.NewSystem(es.Location)
	}
	a.coord, err = dispatch.New(mapDispatchConfig(es), dispatch.Deps{
		Clock:     clk,
		Schedules: a.store,
		Events:    a.store,
		Pets:      a.store,
		Devices:   a.devices,
		Bus:       a.bus,
		Log:       log,
	})
	if err != nil {
		return fail(err)
	}

	engCfg, err := mapTaskEngineConfig(cfg, es)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", feeding.ErrConfiguration, err))
	}
	a.engine = engine.New(engCfg, log, a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(es), a.engine, a.store, a.coord, log, a.bus)

	alertCfg, err := mapAlertConfig(cfg)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", feeding.ErrConfiguration, err))
	}
	sinks := append([]alert.Sink{alert.LogSink{Log: log.With(logx.Component("alert"))}}, o.sinks...)
	if alertCfg.Telegram.Token != "" {
		tg, err := alert.NewTelegramSink(alertCfg.Telegram)
		if err != nil {
			return fail(fmt.Errorf("%w: alerts.telegram: %v", feeding.ErrConfiguration, err))
		}
		sinks = append(sinks, tg)
	}
	a.alerts = alert.New(alertCfg, sinks, log, a.bus)

	a.metrics = metrics.New(a.bus.Dropped)

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", feeding.ErrConfiguration, err))
	}
	a.ops = opsserver.New(opsCfg, opsserver.Deps{
		Feeder:      a.coord,
		Devices:     a.devices,
		Metrics:     a.metrics,
		Status:      func() any { return a.Status() },
		Health:      a.Health,
		TickTimeout: es.TickTimeout,
	}, log)

	return a, nil
}

func (a *App) Logger() logx.Logger                { return a.log }
func (a *App) Coordinator() *dispatch.Coordinator { return a.coord }
func (a *App) Devices() actuator.Resolver         { return a.devices }
func (a *App) Settings() config.EngineSettings    { return a.settings }

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Done is closed when the app supervisor is cancelled, e.g. after a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Health returns nil while the periodic tick path is able to run.
func (a *App) Health() error {
	if err := a.Err(); err != nil {
		return err
	}
	if a.sup == nil {
		return errors.New("not started")
	}
	if !a.engine.Snapshot().Running {
		return errors.New("task engine not running")
	}
	if !a.sched.Snapshot().Running {
		return errors.New("scheduler not running")
	}
	return nil
}

type Status struct {
	Engine      engine.Snapshot     `json:"engine"`
	Scheduler   scheduler.Snapshot  `json:"scheduler"`
	TicksActive int                 `json:"ticks_active"`
	MatchWindow time.Duration       `json:"match_window"`
	Alerts      []alert.HistoryItem `json:"alerts,omitempty"`
	Supervisors []rtsup.Stats       `json:"supervisors,omitempty"`
}

func (a *App) Status() Status {
	st := Status{
		Engine:      a.engine.Snapshot(),
		Scheduler:   a.sched.Snapshot(),
		TicksActive: a.coord.InFlight(),
		MatchWindow: a.coord.MatchWindow(),
		Alerts:      a.alerts.Snapshot(),
	}
	if a.sup != nil {
		st.Supervisors = a.sup.Snapshot()
	}
	for _, sup := range []*rtsup.Supervisor{a.engine.Supervisor(), a.alerts.Supervisor(), a.ops.Supervisor()} {
		if sup != nil {
			st.Supervisors = append(st.Supervisors, sup.Snapshot()...)
		}
	}
	return st
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapAlertConfig(cfg); err != nil {
			return err
		}
		if _, err := mapOpsConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	events, unsub := a.bus.Subscribe(512, "dispatch.", "tick.", "sweep.", "task.")
	a.sup.Go0("metrics.consume", func(c context.Context) {
		defer unsub()
		a.metrics.Consume(c, events)
	})

	// Keep this debug-level; ticks fire every few seconds.
	debugEvents, debugUnsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer debugUnsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-debugEvents:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// engine first: the first sweep may fire right after the scheduler starts
	a.engine.Start(a.sup.Context())
	a.alerts.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	a.ops.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("feeder started",
		logx.Duration("match_window", a.settings.MatchWindow),
		logx.Duration("tick_interval", a.settings.TickInterval),
		logx.String("timezone", a.settings.Location.String()),
		logx.Bool("ops", a.cfgm.Get().Ops.Enabled),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
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
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("keys", strings.Join(ch.RestartRequired, ",")))
	}

	if err := a.logs.Apply(mapLoggingConfig(newCfg)); err != nil {
		a.log.Warn("log file unavailable; continuing on stdout", logx.Err(err))
	}

	// Only the sweep cadence changes live; the coordinator keeps its window,
	// so the cadence is held to the window it was started with.
	if es, err := newCfg.Engine.Settings(); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		sc := mapSchedulerConfig(es)
		sc.Location = a.settings.Location
		if w := a.coord.MatchWindow(); sc.TickInterval > w {
			a.log.Warn("tick_interval exceeds the running match_window; clamping until restart",
				logx.Duration("tick_interval", sc.TickInterval), logx.Duration("match_window", w))
			sc.TickInterval = w
		}
		a.sched.Apply(sc)
	}

	if ac, err := mapAlertConfig(newCfg); err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.alerts.Enabled()
		a.alerts.Apply(ac)
		switch {
		case wasEnabled && !ac.Enabled:
			a.log.Info("alerts disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.alerts.Stop(stopCtx)
			cancel()
		case !wasEnabled && ac.Enabled:
			a.log.Info("alerts enabled via config")
			a.alerts.Start(ctx)
		}
	}

	if oc, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in reverse dependency order. It is also the
// cleanup path for an App that was never started.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		err := a.store.Close()
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// fn must honor stepCtx; log the leak instead of blocking shutdown.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Sweeps first so nothing new is queued, then let running ticks record their events.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", a.settings.TickTimeout+a.settings.AppendTimeout, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("alerts", 3*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	// Finally, wait for supervised goroutines (config watch/reload, metrics).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
