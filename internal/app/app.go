package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"slackpush/internal/config"
	"slackpush/internal/eventbus"
	"slackpush/internal/ingest"
	"slackpush/internal/reporter"
	"slackpush/internal/runtime/supervisor"
	"slackpush/internal/scheduler"
	"slackpush/internal/storage"
	logx "slackpush/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	pool  *reporter.Pool
	users *usersProxy
	reps  *registry

	httpIn *ingest.HTTPService
	sched  *scheduler.Service

	amqpMu     sync.Mutex
	amqpCancel context.CancelFunc

	routerDone chan struct{}
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	users := &usersProxy{}
	uf, err := mapUsersFetcher(cfg)
	if err != nil {
		return nil, err
	}
	users.set(uf)

	pool := reporter.NewPool(mapPoolConfig(cfg), log.With(logx.String("comp", "delivery")), bus)
	reps := newRegistry(log.With(logx.String("comp", "reporter")), pool, bus, store, users)
	reps.apply(cfg, nil)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		pool:    pool,
		users:   users,
		reps:    reps,
		sched:   scheduler.New(mapSchedulerConfig(cfg), log),
	}
	a.registerJobs(cfg)
	return a, nil
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()
	cfg := a.cfgm.Get()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validateConfig(c) })

	// The pool outlives the run context so Stop can drain it after sources
	// are closed.
	a.pool.Start(context.Background())

	events, unsub := a.bus.SubscribeTypes(256, eventbus.BuildStarted, eventbus.BuildFinished)
	a.routerDone = make(chan struct{})
	a.sup.Go("reporters.route", func(c context.Context) error {
		defer close(a.routerDone)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				a.reps.route(ev)
			}
		}
	})

	// Debug-level trace of every bus event.
	all, unsubAll := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsubAll()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-all:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.httpIn = ingest.NewHTTPService(mapHTTPIngest(cfg), a.bus, a.sup, a.log)
	a.httpIn.SetHealth(a.health)
	if err := a.httpIn.Start(run); err != nil {
		return err
	}
	a.startAMQP(cfg)

	a.sched.Start(run)

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

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Strs("reporters", cfg.EnabledReporters()),
		logx.String("http", a.httpIn.Addr()),
	)
	return nil
}

// applyConfig fans a committed config out to the running components.
func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)

	if ch.Has("logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if ch.Has("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if ch.Has("delivery") {
		prev := a.pool.Config()
		next := mapPoolConfig(newCfg)
		a.pool.Apply(next)
		cur := a.pool.Config()
		if prev.Workers != cur.Workers || prev.QueueSize != cur.QueueSize {
			stopCtx, cancel := context.WithTimeout(c, 5*time.Second)
			a.pool.Stop(stopCtx)
			cancel()
			a.pool.Start(context.Background())
			a.log.Info("delivery pool restarted", logx.Int("workers", cur.Workers), logx.Int("queue", cur.QueueSize))
		}
	}
	if ch.Has("buildbot") {
		uf, err := mapUsersFetcher(newCfg)
		if err != nil {
			a.log.Warn("invalid buildbot config; keeping previous", logx.Err(err))
		} else {
			a.users.set(uf)
		}
	}
	if ch.Has("ingest.http") {
		if err := a.httpIn.Reconfigure(c, mapHTTPIngest(newCfg)); err != nil {
			a.log.Warn("http ingest reconfigure failed", logx.Err(err))
		}
	}
	if ch.Has("ingest.amqp") {
		a.startAMQP(newCfg)
	}
	if ch.Has("scheduler") {
		a.sched.Apply(c, mapSchedulerConfig(newCfg))
		a.registerJobs(newCfg)
	}
	if ch.Has("reporters") {
		a.reps.apply(newCfg, ch.Reporters)
	}

	a.log.Info("config reloaded", fields...)
}

// startAMQP replaces the running consumer, if any, with one for cfg.
func (a *App) startAMQP(cfg *config.Config) {
	a.amqpMu.Lock()
	defer a.amqpMu.Unlock()
	if a.amqpCancel != nil {
		a.amqpCancel()
		a.amqpCancel = nil
	}
	ac, enabled := mapAMQPIngest(cfg)
	if !enabled {
		return
	}
	gen, cancel := context.WithCancel(a.sup.Context())
	a.amqpCancel = cancel
	consumer := ingest.NewAMQPConsumer(ac, a.bus, a.log)
	// A broker outage is not fatal; the consumer keeps reconnecting.
	a.sup.GoRestart("ingest.amqp", func(context.Context) error {
		return consumer.Run(gen)
	}, supervisor.WithBackoff(time.Second, 30*time.Second))
}

func (a *App) stopAMQP() {
	a.amqpMu.Lock()
	defer a.amqpMu.Unlock()
	if a.amqpCancel != nil {
		a.amqpCancel()
		a.amqpCancel = nil
	}
}

// health is served on /healthz.
func (a *App) health() any {
	out := map[string]any{
		"reporters": a.reps.stats(),
		"pending":   a.pool.Pending(),
		"jobs":      a.sched.Snapshot(),
	}
	if a.sup != nil {
		out["tasks"] = a.sup.Snapshot()
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop intake before canceling the run context so accepted builds still
	// reach the router.
	step := a.stepper(ctx)
	step("sources", 2*time.Second, func(c context.Context) error {
		a.stopAMQP()
		if a.httpIn != nil {
			a.httpIn.Stop(c)
		}
		return nil
	})

	a.sup.Cancel()

	step("router", time.Second, func(c context.Context) error {
		if a.routerDone == nil {
			return nil
		}
		select {
		case <-a.routerDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("reporters", 5*time.Second, func(c context.Context) error { a.pool.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, router, ingest).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// stepper returns a helper that runs a shutdown step with an upper bound so
// one component can't stall the whole stop.
func (a *App) stepper(ctx context.Context) func(name string, max time.Duration, fn func(context.Context) error) {
	return func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
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
}
