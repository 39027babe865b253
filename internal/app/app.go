package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"notifybot/internal/access"
	"notifybot/internal/config"
	"notifybot/internal/eventbus"
	"notifybot/internal/notify"
	"notifybot/internal/notify/nma"
	"notifybot/internal/notify/pushbullet"
	"notifybot/internal/observability/metrics"
	"notifybot/internal/router"
	"notifybot/internal/runtime/supervisor"
	"notifybot/internal/storage"
	kit "notifybot/internal/transport"
	"notifybot/internal/transport/telegram"
	logx "notifybot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	acl   *access.Table

	adapter  *telegram.Adapter
	backends *notify.Registry
	disp     *notify.Dispatcher
	router   *router.Router
	metrics  *metrics.Server

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with the chat sink off, set its target, then apply the real
	// config so Apply doesn't warn about a missing target.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetChatTarget(groupLogChat(cfg), cfg.Logging.Chat.ThreadID)
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	switch {
	case errors.Is(err, storage.ErrDisabled):
		if cfg.Backends.NotifyMyAndroid.Enabled || cfg.Backends.PushBullet.Enabled {
			return nil, errors.New("storage.driver=none leaves enabled backends without credentials")
		}
		log.Warn("storage disabled")
	case err != nil:
		return nil, err
	default:
		log.Info("storage enabled", logx.String("driver", storageDriverName(sc.Driver)))
	}

	acl := access.NewTable(cfg)
	bus := eventbus.New()

	deps := notify.Deps{
		Store:     store,
		Checker:   acl,
		Resolver:  acl,
		Messenger: notify.SenderMessenger{Sender: ad},
		Log:       log,
		HaltOnDenied: func() bool {
			return cfgm.Get().Commands.HaltsOnDenied()
		},
	}
	backends := notify.NewRegistry()
	if err := registerBackends(cfg, deps, backends); err != nil {
		return nil, err
	}

	reg := metrics.NewRegistry()
	dm, err := notify.NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	disp := notify.NewDispatcher(backends,
		notify.WithDispatchLogger(log.With(logx.String("comp", "dispatcher"))),
		notify.WithSink(notify.MultiSink{
			notify.LogSink{Log: log.With(logx.String("comp", "delivery"))},
			dm,
			notify.BusSink{Bus: bus},
		}),
	)
	registerBusMetrics(reg, bus)

	rt := router.New(router.Options{
		Server:   cfg.ServerName(),
		Sender:   ad,
		Backends: backends,
		Checker:  acl,
		Bus:      bus,
		Log:      log,
		Timeout:  func() time.Duration { return commandTimeout(cfgm.Get()) },
	})

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		acl:      acl,
		adapter:  ad,
		backends: backends,
		disp:     disp,
		router:   rt,
		metrics:  metrics.NewServer(reg, log),
		updates:  make(chan kit.Update, 256),
	}, nil
}

// registerBackends builds the enabled backends, each with its own HTTP
// client timeout. Registration order decides command precedence.
func registerBackends(cfg *config.Config, deps notify.Deps, reg *notify.Registry) error {
	if c := cfg.Backends.NotifyMyAndroid; c.Enabled {
		timeout, err := backendTimeout("backends.notifymyandroid.timeout", c.Timeout)
		if err != nil {
			return err
		}
		d := deps
		d.HTTP = &http.Client{Timeout: timeout}
		d.Log = deps.Log.With(logx.String("backend", nma.Name))
		if err := reg.Register(nma.New(nma.Options{Endpoint: c.Endpoint, Application: c.Application}, d)); err != nil {
			return err
		}
	}
	if c := cfg.Backends.PushBullet; c.Enabled {
		timeout, err := backendTimeout("backends.pushbullet.timeout", c.Timeout)
		if err != nil {
			return err
		}
		d := deps
		d.HTTP = &http.Client{Timeout: timeout}
		d.Log = deps.Log.With(logx.String("backend", pushbullet.Name))
		if err := reg.Register(pushbullet.New(pushbullet.Options{BaseURL: c.BaseURL}, d)); err != nil {
			return err
		}
	}
	return nil
}

func registerBusMetrics(reg prometheus.Registerer, bus eventbus.Bus) {
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "notifybot_eventbus_dropped_total",
		Help: "Events dropped because a subscriber was full",
	}, func() float64 { return float64(eventbus.Dropped(bus)) }))
}

func storageDriverName(d string) string {
	if d == "" {
		return "memory"
	}
	return d
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
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.adapter.SetCommands(a.router.Menu()); err != nil {
		a.log.Warn("failed to publish command menu", logx.Err(err))
	}

	a.metrics.Reconfigure(a.sup.Context(), mapMetricsConfig(a.cfgm.Get()))

	a.sup.Go("notify.dispatch", func(c context.Context) error {
		return a.disp.Run(c, a.bus)
	})
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	failures, unsub := a.bus.Subscribe(64, notify.EventFailed)
	a.sup.Go0("eventbus.failures", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-failures:
				if !ok {
					return
				}
				if r, isResult := e.Data.(notify.Result); isResult {
					a.log.Debug("delivery failure event", logx.String("backend", r.Backend), logx.String("delivery_id", r.ID))
				}
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

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("server", a.cfgm.Get().ServerName()),
		logx.Int("backends", len(a.backends.Backends())),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "storage", "backends", "telegram.token", "server":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.SetChatTarget(groupLogChat(newCfg), newCfg.Logging.Chat.ThreadID)
	a.logs.Apply(mapLogConfig(newCfg))

	a.acl.Apply(newCfg)
	a.metrics.Reconfigure(ctx, mapMetricsConfig(newCfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component can't stall the rest.
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

	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 4*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("deliveries", 10*time.Second, func(c context.Context) error { return a.disp.Drain(c) })
	step("metrics", time.Second, func(c context.Context) error { a.metrics.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
