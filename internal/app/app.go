package app

import (
	"context"
	"fmt"
	"time"

	"smsgate/internal/config"
	"smsgate/internal/correlator"
	"smsgate/internal/dispatch"
	"smsgate/internal/eventbus"
	"smsgate/internal/gateway"
	"smsgate/internal/job"
	"smsgate/internal/observability/debug"
	"smsgate/internal/publisher"
	"smsgate/internal/runtime/supervisor"
	"smsgate/internal/transport"
	"smsgate/internal/transport/relay"
	"smsgate/internal/transport/sim"
	logx "smsgate/pkg/logx"
)

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	base logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	reg     *job.Registry
	janitor *job.Janitor
	pub     *publisher.Publisher
	corr    *correlator.Correlator
	orch    *dispatch.Orchestrator

	driver string
	sim    *sim.Transport
	relay  *relay.Transport

	gw    *gateway.Server
	debug *debug.Service
}

// NewApp loads cfgPath and builds every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, base := logx.New(mapLogConfig(cfg))
	log := base.With(logx.String("comp", "app"))

	bus := eventbus.New()
	reg := job.NewRegistry(job.WithBus(bus))
	pub := publisher.New(publisher.WithBus(bus))
	corr := correlator.New(reg, pub, base,
		correlator.WithOrphanSampler(logx.NewSampler(cfg.Registry.OrphanLogRate, cfg.Registry.OrphanLogBurst)),
	)

	a := &App{
		cfgm:   cfgm,
		base:   base,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		reg:    reg,
		pub:    pub,
		corr:   corr,
		driver: driverOf(cfg),
	}

	var tr transport.Transport
	switch a.driver {
	case config.DriverExternal:
		rc, err := mapRelayConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.relay = relay.New(rc, base)
		tr = a.relay
	default:
		sc, err := mapSimConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.sim = sim.New(sc, base)
		a.sim.Bind(corr)
		tr = a.sim
	}

	a.orch = dispatch.New(tr, reg, base)
	a.orch.SetDefaultMaxRetries(defaultMaxRetries(cfg))

	jc, err := mapJanitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.janitor = job.NewJanitor(jc, reg, base.With(logx.String("comp", "janitor")))

	device, _ := tr.(transport.Prober)
	a.gw = gateway.New(mapGatewayConfig(cfg), gateway.Deps{
		Orchestrator: a.orch,
		Registry:     reg,
		Correlator:   corr,
		Publisher:    pub,
		Device:       device,
	}, base)

	dc, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.debug = debug.New(dc, a.state, base)

	return a, nil
}

// Addr returns the gateway's bound address after Start.
func (a *App) Addr() string { return a.gw.Addr() }

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

// state feeds the debug server's /debug/state endpoint.
func (a *App) state() any {
	published, dropped := a.pub.Stats()
	listener, attached := a.pub.Current()
	st := map[string]any{
		"jobs":      a.reg.Len(),
		"driver":    a.driver,
		"published": published,
		"dropped":   dropped,
		"listener":  map[string]any{"attached": attached, "id": listener},
		"janitor":   a.janitor.Enabled(),
	}
	if a.sim != nil {
		st["sim_pending"] = a.sim.Pending()
	}
	if a.sup != nil {
		st["tasks"] = a.sup.Snapshot()
	}
	return st
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.base.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if err := a.gw.Start(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	a.sup.Go("gateway.serve", a.gw.Serve)

	if err := a.janitor.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("janitor: %w", err)
	}
	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}

	// Log lifecycle events for debugging; components never depend on this.
	events, unsub := a.bus.Subscribe(256)
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("addr", a.gw.Addr()),
		logx.String("driver", a.driver),
	)
	return nil
}

// applyConfig pushes a validated config to the live components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.Strings("changed", sections)}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLogConfig(newCfg))
	a.orch.SetDefaultMaxRetries(defaultMaxRetries(newCfg))

	if jc, err := mapJanitorConfig(newCfg); err != nil {
		a.log.Warn("invalid registry config; keeping previous", logx.Err(err))
	} else if err := a.janitor.Apply(ctx, jc); err != nil {
		a.log.Warn("janitor reschedule failed", logx.Err(err))
	}

	if driverOf(newCfg) != a.driver {
		a.log.Warn("transport driver changed; restart required for changes to take effect",
			logx.String("running", a.driver), logx.String("configured", driverOf(newCfg)))
	} else if a.sim != nil {
		if sc, err := mapSimConfig(newCfg); err != nil {
			a.log.Warn("invalid sim config; keeping previous", logx.Err(err))
		} else {
			a.sim.Apply(sc)
		}
	} else if a.relay != nil {
		if rc, err := mapRelayConfig(newCfg); err != nil {
			a.log.Warn("invalid relay config; keeping previous", logx.Err(err))
		} else {
			a.relay.Apply(rc)
		}
	}

	if newCfg.Gateway != oldCfg.Gateway {
		a.log.Warn("gateway config changed; restart required for changes to take effect")
	}
	if newCfg.Registry.OrphanLogRate != oldCfg.Registry.OrphanLogRate || newCfg.Registry.OrphanLogBurst != oldCfg.Registry.OrphanLogBurst {
		a.log.Warn("registry.orphan_log_rate changed; restart required for changes to take effect")
	}

	if dc, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, dc)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Each step gets an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
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

	// Gateway first so no new jobs arrive while the rest winds down.
	step("gateway", 3*time.Second, a.gw.Shutdown)
	step("transport", 1*time.Second, func(context.Context) error {
		if a.sim != nil {
			return a.sim.Close()
		}
		return nil
	})
	step("janitor", 1*time.Second, func(c context.Context) error { a.janitor.Stop(c); return nil })
	step("debug", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("publisher", 500*time.Millisecond, func(context.Context) error { a.pub.Detach(); return nil })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, a.sup.Wait)

	published, dropped := a.pub.Stats()
	a.log.Info("stopped",
		logx.Int("jobs", a.reg.Len()),
		logx.Uint64("published", published),
		logx.Uint64("dropped", dropped),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
