package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"devicepool/internal/config"
	"devicepool/internal/diag"
	"devicepool/internal/eventbus"
	"devicepool/internal/pool"
	"devicepool/internal/runtime/supervisor"
	logx "devicepool/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sink diag.Sink

	pool   *pool.Pool
	pruner *pruner
	burnIn burnInConfig
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	pcfg, err := mapPoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	dcfg, diagEnabled, err := mapDiagConfig(cfg)
	if err != nil {
		return nil, err
	}
	bi, err := mapBurnIn(cfg)
	if err != nil {
		return nil, err
	}
	if err := validateSchedule(pruneSchedule(cfg)); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))

	var sink diag.Sink
	if diagEnabled {
		s, err := diag.Open(dcfg, log.With(logx.String("comp", "diag")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		sink = s
		log.Info("diagnostics enabled", logx.String("driver", dcfg.Driver), logx.String("path", dcfg.Path))
	}

	bus := eventbus.New()

	p, err := pool.New(pcfg,
		pool.WithLogger(log.With(logx.String("comp", "pool"))),
		pool.WithBus(bus),
		pool.WithSink(sink),
		pool.WithCache(pool.NewMapCache()),
	)
	if err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	return &App{
		cfgPath: cfgm.Path(),
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		sink:    sink,
		pool:    p,
		pruner:  newPruner(p, log.With(logx.String("comp", "prune"))),
		burnIn:  bi,
	}, nil
}

// Pool exposes the running pool to front ends.
func (a *App) Pool() *pool.Pool { return a.pool }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	cfg := a.cfgm.Get()
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapTunables(cfg); err != nil {
			return err
		}
		if _, _, err := mapDiagConfig(cfg); err != nil {
			return err
		}
		return validateSchedule(pruneSchedule(cfg))
	})

	if err := a.pruner.Start(pruneSchedule(cfg)); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe("", 128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e := <-events:
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				newCfg = coalesce(sub, newCfg)
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.burnIn.jobs > 0 {
		a.sup.Go("burn-in", func(c context.Context) error {
			return runBurnIn(c, a.pool, a.burnIn, a.log.With(logx.String("comp", "burn-in")))
		})
	}

	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Int("devices", len(a.pool.Devices())))
	return nil
}

// coalesce keeps only the newest config queued on sub.
func coalesce(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "devices":
			a.log.Warn("device list changed; restart required for changes to take effect")
		case "diagnostics":
			a.log.Warn("diagnostics config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if t, err := mapTunables(newCfg); err != nil {
		a.log.Warn("invalid pool config; keeping previous", logx.Err(err))
	} else {
		a.pool.Apply(t)
	}
	if err := a.pruner.Start(pruneSchedule(newCfg)); err != nil {
		a.log.Warn("invalid prune schedule; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("prune", time.Second, func(context.Context) error { a.pruner.Stop(); return nil })

	// Join bounds itself by the pool's join timeout per worker and per listener.
	step("pool", 10*time.Second, func(context.Context) error { a.pool.Join(); return nil })
	step("diagnostics", time.Second, func(context.Context) error {
		if a.sink != nil {
			return a.sink.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	snap := a.pool.Snapshot()
	a.log.Info("stopped",
		logx.Int("finished", snap.Finished),
		logx.Uint64("recycles", snap.Recycles),
		logx.Uint64("logs_dropped", snap.LogsDropped),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
