package app

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/vidforge/vidforge-backend/internal/data/db"
	jobsrepo "github.com/vidforge/vidforge-backend/internal/data/repos/jobs"
	statsrepo "github.com/vidforge/vidforge-backend/internal/data/repos/stats"
	webhooksrepo "github.com/vidforge/vidforge-backend/internal/data/repos/webhooks"
	"github.com/vidforge/vidforge-backend/internal/events"
	apphttp "github.com/vidforge/vidforge-backend/internal/http"
	httpH "github.com/vidforge/vidforge-backend/internal/http/handlers"
	"github.com/vidforge/vidforge-backend/internal/platform/logger"
	"github.com/vidforge/vidforge-backend/internal/queue"
	"github.com/vidforge/vidforge-backend/internal/stats"
	"github.com/vidforge/vidforge-backend/internal/webhook"
)

type Repos struct {
	Jobs          jobsrepo.JobRepo
	Archive       jobsrepo.ArchiveRepo
	Subscriptions webhooksrepo.SubscriptionRepo
	Deliveries    webhooksrepo.DeliveryRepo
	Stats         statsrepo.StatsRepo
}

type Services struct {
	Queue    queue.Service
	Webhooks webhook.Service
}

// App owns every long-lived piece of the process: the store, the event bus,
// the worker and recovery loops, the webhook dispatcher, the stats
// aggregator, and the HTTP surface on top.
type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Cfg      Config
	Repos    Repos
	Services Services
	Registry *queue.Registry
	Bus      *events.Bus
	Server   *apphttp.Server

	worker     *queue.Worker
	recoverer  *queue.Recoverer
	dispatcher *webhook.Dispatcher
	aggregator *stats.Aggregator
	relay      *events.Relay

	cancel context.CancelFunc
}

func New() (*App, error) {
	cfg := LoadConfig()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	dbCfg := db.LoadConfig()
	conn, err := db.Open(dbCfg, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(conn); err != nil {
		log.Sync()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	repos := Repos{
		Jobs:          jobsrepo.NewJobRepo(conn, log),
		Archive:       jobsrepo.NewArchiveRepo(conn, log),
		Subscriptions: webhooksrepo.NewSubscriptionRepo(conn, log),
		Deliveries:    webhooksrepo.NewDeliveryRepo(conn, log),
		Stats:         statsrepo.NewStatsRepo(conn, log),
	}

	bus := events.NewBus(log)

	var relay *events.Relay
	if cfg.RedisAddr != "" {
		relay, err = events.NewRelay(log, cfg.RedisAddr, cfg.RedisChannel, bus)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init event relay: %w", err)
		}
	}

	registry := queue.NewRegistry()

	queueSvc := queue.NewService(conn, log, repos.Jobs, repos.Archive, registry, cfg.MaxAttempts, cfg.QueueSoftLimit)

	strategy, err := queue.ParseStrategy(cfg.BackoffStrategy)
	if err != nil {
		log.Warn("Unknown backoff strategy, using exponential", "value", cfg.BackoffStrategy)
	}
	policy := queue.BackoffPolicy{
		Strategy:  strategy,
		BaseDelay: cfg.BaseDelay,
		MaxDelay:  cfg.MaxDelay,
	}

	executor := queue.NewExecutor(log, repos.Jobs, repos.Archive, registry, bus, policy, cfg.JobTimeout)
	worker := queue.NewWorker(log, repos.Jobs, executor, queue.WorkerConfig{
		WorkerID:     cfg.WorkerID,
		Queues:       cfg.Queues,
		Concurrency:  cfg.QueueConcurrency,
		BatchSize:    cfg.QueueBatchSize,
		PollInterval: cfg.PollInterval,
		JobTimeout:   cfg.JobTimeout,
	})
	recoverer := queue.NewRecoverer(log, repos.Jobs, repos.Archive, bus, cfg.StallCheck)

	webhookSvc := webhook.NewService(conn, log, repos.Subscriptions, repos.Deliveries, cfg.WebhookMaxRetries)
	dispatcher := webhook.NewDispatcher(log, repos.Subscriptions, repos.Deliveries, bus, webhook.DispatcherConfig{
		DeliveryTimeout: cfg.WebhookDeliveryTimeout,
		PollInterval:    cfg.WebhookPollInterval,
		Concurrency:     cfg.WebhookConcurrency,
		DisableAfter:    cfg.WebhookDisableAfter,
	})

	aggregator := stats.NewAggregator(log, repos.Stats, cfg.StatsInterval)

	server := apphttp.NewServer(apphttp.RouterConfig{
		JobHandler:        httpH.NewJobHandler(queueSvc),
		DeadLetterHandler: httpH.NewDeadLetterHandler(queueSvc),
		WebhookHandler:    httpH.NewWebhookHandler(webhookSvc),
		StatsHandler:      httpH.NewStatsHandler(aggregator),
	})

	return &App{
		Log:   log,
		DB:    conn,
		Cfg:   cfg,
		Repos: repos,
		Services: Services{
			Queue:    queueSvc,
			Webhooks: webhookSvc,
		},
		Registry:   registry,
		Bus:        bus,
		Server:     server,
		worker:     worker,
		recoverer:  recoverer,
		dispatcher: dispatcher,
		aggregator: aggregator,
		relay:      relay,
	}, nil
}

// Start launches the background loops. Leases left behind by a previous run
// of this worker id are reclaimed first so their jobs re-enter the runnable
// set before the poll loop starts claiming.
func (a *App) Start() error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if n, err := a.recoverer.ReclaimWorker(ctx, a.Cfg.WorkerID); err != nil {
		a.Log.Error("Startup lease reclaim failed", "error", err)
	} else if n > 0 {
		a.Log.Info("Reclaimed leases from previous run", "worker_id", a.Cfg.WorkerID, "count", n)
	}

	if a.relay != nil {
		if err := a.relay.Start(ctx); err != nil {
			cancel()
			a.cancel = nil
			return fmt.Errorf("start event relay: %w", err)
		}
	}

	a.recoverer.Start(ctx)
	a.worker.Start(ctx)
	a.dispatcher.Start(ctx)
	a.aggregator.Start(ctx)
	return nil
}

func (a *App) Run() error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Server.Run(":" + a.Cfg.Port)
}

// Close stops the loops and waits for in-flight jobs and deliveries to
// finish their current attempt.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.worker != nil {
		a.worker.Drain()
	}
	if a.dispatcher != nil {
		a.dispatcher.Drain()
	}
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.Log.Warn("Event relay close failed", "error", err)
		}
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
