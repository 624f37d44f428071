package app

import (
	"context"
	"fmt"
	"time"

	"groupsummary/internal/config"
	"groupsummary/internal/eventbus"
	"groupsummary/internal/httpapi"
	"groupsummary/internal/llm"
	"groupsummary/internal/runtime/supervisor"
	"groupsummary/internal/storage"
	"groupsummary/internal/summary/admin"
	"groupsummary/internal/summary/gate"
	"groupsummary/internal/summary/health"
	"groupsummary/internal/summary/history"
	"groupsummary/internal/summary/jobs"
	"groupsummary/internal/summary/keystatus"
	"groupsummary/internal/summary/queue"
	"groupsummary/internal/summary/store"
	kit "groupsummary/internal/transport"
	telegram "groupsummary/internal/transport/telegram/adapter"
	logx "groupsummary/pkg/logx"
	"groupsummary/pkg/systemd"
)

const (
	jobHealthCheck = "summary_health_check"
	jobKeyCleanup  = "key_status_cleanup"
)

// App owns every component of the bot and wires them together.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	stats storage.Store // nil when storage is disabled
	sd    *systemd.Notifier

	adapter *telegram.Adapter

	schedules *store.Store
	keys      *keystatus.Store
	closeKeys func() error
	jobs      *jobs.Manager
	gate      *gate.Policy
	history   *history.Collector
	llm       *llm.Client
	pipeline  *queue.Pipeline
	worker    *queue.Worker
	health    *health.Monitor
	admin     *admin.Service
	api       *httpapi.Server // nil when http.addr is empty

	updates chan kit.Update
}

// New loads the config at cfgPath and builds every component. Nothing is
// started until Start. ctx bounds the lifetime of the app supervisor.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(ctx, cfg); err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, config.DefaultPollTimeout)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		ParseMode:   cfg.Telegram.ParseMode,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg), ad)
	ad.SetLogger(root.With(logx.String("comp", "telegram")))
	log := root.With(logx.String("comp", "app"))
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		sd:      systemd.New(comp("systemd")),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(comp("supervisor")), supervisor.WithCancelOnError(true))

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, comp("storage"))
		if err != nil {
			return nil, err
		}
		a.stats = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	lo, hi := cfg.Summary.LengthBounds()
	a.schedules, err = store.Open(cfg.Summary.Dir(), store.WithLogger(comp("schedules")), store.WithBounds(lo, hi))
	if err != nil {
		return nil, err
	}

	backend, closeKeys, err := openKeyBackend(ctx, cfg, comp("keystatus"))
	if err != nil {
		return nil, err
	}
	a.closeKeys = closeKeys
	a.keys, err = keystatus.Open(ctx, backend,
		keystatus.WithLogger(comp("keystatus")),
		keystatus.WithFailureThreshold(cfg.KeyStatus.FailureThreshold),
	)
	if err != nil {
		_ = closeKeys()
		return nil, fmt.Errorf("key status: %w", err)
	}

	settings, err := llm.SettingsFromConfig(cfg.LLM)
	if err != nil {
		return nil, err
	}
	a.llm, err = llm.New(settings, a.keys, comp("llm"))
	if err != nil {
		return nil, err
	}

	a.gate = gate.New(cfg.Gate, comp("gate"))
	a.history = history.New(hi)
	a.pipeline = queue.NewPipeline(mapPipelineConfig(cfg, ad.BotID()), a.gate, a.history, a.llm, ad, a.schedules)

	wcfg, err := mapWorkerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.worker = queue.NewWorker(wcfg, a.sup, a.pipeline,
		queue.WithLogger(comp("queue")),
		queue.WithRecorder(a.stats),
		queue.WithBus(a.bus),
	)
	a.jobs = jobs.New(mapJobsConfig(cfg), a.worker, jobs.WithLogger(comp("jobs")))
	a.health = health.New(a.jobs, a.worker, a.schedules, health.WithLogger(comp("health")), health.WithBus(a.bus))
	a.admin = admin.New(a.schedules, a.jobs, a.bus, comp("admin"))

	if hc, enabled, err := mapHTTPConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		a.api = httpapi.New(hc, httpapi.Deps{
			Admin:    a.admin,
			Health:   a.health,
			Jobs:     a.jobs,
			Keys:     a.keys,
			Models:   a.llm,
			Runner:   a.pipeline,
			Recorder: a.stats,
			Stats:    a.stats,
		}, comp("httpapi"))
	}
	return a, nil
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} { return a.sup.Context().Done() }

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error { return a.sup.Err() }

// Start runs the startup sequence: prune invalid groups, start cron,
// reconcile jobs, add maintenance jobs, start the processor and report
// readiness to systemd.
func (a *App) Start(ctx context.Context) error {
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)
	cfg := a.cfgm.Get()

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go0("history.feed", a.feedHistory)
	a.sup.Go0("eventbus.log", a.logEvents)

	if n, err := a.schedules.CleanupInvalidGroups(); err != nil {
		a.log.Warn("invalid group cleanup failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("removed invalid groups", logx.Int("count", n))
	}
	a.jobs.EnsureStarted()
	res := a.jobs.Reconcile(a.schedules.All(), a.schedules.RemoveKey)
	for key, msg := range res.Failed {
		a.log.Warn("schedule not registered", logx.String("group", key), logx.String("err", msg))
	}
	if err := a.addMaintenance(cfg); err != nil {
		return err
	}
	a.worker.Start()

	if a.api != nil {
		if err := a.api.Start(a.sup); err != nil {
			return fmt.Errorf("http api: %w", err)
		}
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	a.sd.Ready()
	if every := systemd.WatchdogInterval(); every > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			a.sd.Watchdog(c, every, func() bool { return a.jobs.Running() && a.worker.ProcessorActive() })
		})
	}

	a.log.Info("app started",
		logx.Int("groups", len(res.Failed)+res.Registered),
		logx.Int("jobs", len(a.jobs.JobIDs())),
		logx.String("timezone", a.jobs.Location().String()),
	)
	return nil
}

func (a *App) addMaintenance(cfg *config.Config) error {
	healthEvery, cleanupEvery, err := maintenanceIntervals(cfg)
	if err != nil {
		return err
	}
	if err := a.jobs.AddMaintenance(jobHealthCheck, "@every "+healthEvery.String(), healthEvery/2, a.health.Maintenance); err != nil {
		return err
	}
	return a.jobs.AddMaintenance(jobKeyCleanup, "@every "+cleanupEvery.String(), 30*time.Second, func(ctx context.Context) error {
		n, err := a.keys.CleanupExpiredKeys(ctx)
		if n > 0 {
			a.log.Info("key quarantine expired", logx.Int("restored", n))
		}
		return err
	})
}
