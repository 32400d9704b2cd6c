package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	natsgo "github.com/nats-io/nats.go"
	"github.com/phrazzld/archivist/internal/asset"
	"github.com/phrazzld/archivist/internal/config"
	"github.com/phrazzld/archivist/internal/events"
	"github.com/phrazzld/archivist/internal/maintenance"
	"github.com/phrazzld/archivist/internal/metrics"
	"github.com/phrazzld/archivist/internal/platform/etcd"
	"github.com/phrazzld/archivist/internal/platform/memory"
	"github.com/phrazzld/archivist/internal/platform/minio"
	"github.com/phrazzld/archivist/internal/platform/nats"
	"github.com/phrazzld/archivist/internal/platform/postgres"
	"github.com/phrazzld/archivist/internal/reaction"
	"github.com/phrazzld/archivist/internal/scheduler"
	"github.com/phrazzld/archivist/internal/service"
	"github.com/phrazzld/archivist/internal/service/auth"
	"github.com/phrazzld/archivist/internal/store"
	"github.com/phrazzld/archivist/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// application holds the shared dependencies and owns their shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	metricsRegistry *prometheus.Registry
	metrics         *metrics.Metrics
	tracing         func(context.Context) error

	jobStore   store.JobStore
	registry   worker.Registry
	reporter   worker.Reporter
	closeEtcd  func() error
	pool       *worker.Pool
	scheduler  *scheduler.Scheduler
	reaper     *scheduler.Reaper
	reactions  *reaction.Handler
	expirer    *maintenance.Expirer
	emitter    *events.InMemoryEventEmitter
	jobService service.JobService
	jwtService auth.JWTService

	natsConn   *natsgo.Conn
	subscriber *nats.Subscriber
}

// newApplication builds every component. db is nil for the memory driver.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	ok := false
	defer func() {
		if !ok {
			app.cleanup()
		}
	}()

	var err error
	app.tracing, err = setupTracing(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	app.metricsRegistry = prometheus.NewRegistry()
	app.metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = metrics.New(app.metricsRegistry)

	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}
	logger.Info("JWT authentication service initialized",
		"token_lifetime_minutes", cfg.Auth.TokenLifetimeMinutes)

	switch cfg.Database.Driver {
	case "postgres":
		if db == nil {
			return nil, errors.New("postgres driver selected without a database connection")
		}
		app.jobStore = postgres.NewPostgresJobStore(db, logger)
	default:
		logger.Warn("using in-memory job store, state is lost on restart")
		app.jobStore = memory.NewJobStore(logger)
	}

	if err := app.setupWorkers(); err != nil {
		return nil, err
	}

	indexer, err := setupAssets(ctx, cfg.Assets, logger)
	if err != nil {
		return nil, err
	}

	app.emitter = events.NewInMemoryEventEmitter(logger)

	app.scheduler = scheduler.New(app.jobStore, app.pool, scheduler.Config{
		Interval:          cfg.Scheduler.Interval,
		BatchSize:         cfg.Scheduler.BatchSize,
		DispatchWorkers:   cfg.Scheduler.DispatchWorkers,
		DispatchQueueSize: cfg.Scheduler.DispatchQueueSize,
		SharedRoot:        cfg.Storage.SharedRoot,
		MasterAddress:     cfg.Storage.MasterAddress,
	}, logger, scheduler.WithMetrics(app.metrics))

	app.reactions = reaction.NewHandler(app.jobStore, indexer, logger,
		reaction.WithEmitter(app.emitter),
		reaction.WithTrigger(app.scheduler.Trigger),
		reaction.WithMetrics(app.metrics))
	app.scheduler.SetReportHandler(app.reactions)

	app.reaper = scheduler.NewReaper(app.jobStore, scheduler.ReaperConfig{
		Interval:      cfg.Reaper.Interval,
		OrphanTimeout: cfg.Reaper.OrphanTimeout,
		BatchSize:     cfg.Reaper.BatchSize,
	}, app.scheduler.Trigger, logger, scheduler.WithMetrics(app.metrics))

	app.jobService, err = service.NewJobService(app.jobStore, app.emitter, app.scheduler.Trigger, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create job service: %w", err)
	}

	app.expirer, err = maintenance.NewExpirer(app.jobStore, maintenance.Config{
		Schedule:    cfg.Maintenance.Schedule,
		ExpireAfter: cfg.Maintenance.ExpireAfter,
		BatchSize:   cfg.Maintenance.BatchSize,
	}, logger, app.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create job expirer: %w", err)
	}

	if err := app.setupNATS(); err != nil {
		return nil, err
	}

	ok = true
	logger.Info("application initialized")
	return app, nil
}

func (app *application) setupWorkers() error {
	cfg := app.config.Workers

	switch cfg.Registry {
	case "static":
		app.registry = worker.NewStaticRegistry(cfg.URLs)
	case "etcd":
		reg, err := etcd.NewRegistry(etcd.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			Prefix:      cfg.Etcd.Prefix,
			DialTimeout: cfg.Etcd.DialTimeout,
			TTL:         cfg.HeartbeatTTL,
		}, app.logger)
		if err != nil {
			return fmt.Errorf("failed to create etcd worker registry: %w", err)
		}
		app.registry, app.reporter, app.closeEtcd = reg, reg, reg.Close
	default:
		reg := worker.NewMemoryRegistry(cfg.HeartbeatTTL)
		app.registry, app.reporter = reg, reg
	}

	client := worker.NewClient(worker.ClientConfig{
		ConnectTimeout: cfg.ConnectTimeout,
		ExecuteTimeout: cfg.ExecuteTimeout,
	})
	app.pool = worker.NewPool(app.registry, client, worker.PoolConfig{
		MaxQueueSize:     cfg.MaxQueueSize,
		FailureThreshold: cfg.FailureThreshold,
		RefreshInterval:  cfg.RefreshInterval,
	}, app.logger)
	if app.reporter != nil {
		app.reporter = app.pool.Observing(app.reporter)
	}
	app.metrics.ObserveWorkers(app.pool.Available)

	app.logger.Info("worker pool configured", "registry", cfg.Registry, "max_queue_size", cfg.MaxQueueSize)
	return nil
}

func setupAssets(ctx context.Context, cfg config.AssetsConfig, logger *slog.Logger) (asset.Indexer, error) {
	if cfg.Backend != "minio" {
		return asset.NewMemoryIndexer(), nil
	}
	indexer, err := minio.NewAssetStore(ctx, minio.Config{
		Endpoint:  cfg.Minio.Endpoint,
		AccessKey: cfg.Minio.AccessKey,
		SecretKey: cfg.Minio.SecretKey,
		Bucket:    cfg.Minio.Bucket,
		UseSSL:    cfg.Minio.UseSSL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create asset store: %w", err)
	}
	logger.Info("asset store connected", "bucket", cfg.Minio.Bucket)
	return indexer, nil
}

// setupNATS connects the bus when a URL is configured: job-finished events
// are published and worker reports are consumed.
func (app *application) setupNATS() error {
	cfg := app.config.NATS
	if cfg.URL == "" {
		return nil
	}

	conn, err := nats.Connect(cfg.URL, app.logger)
	if err != nil {
		return err
	}
	app.natsConn = conn

	app.emitter.RegisterHandler(nats.NewPublisher(conn, cfg.JobEventSubject, app.logger), events.JobFinished)
	app.subscriber = nats.NewSubscriber(conn, app.reactions, nats.SubscriberConfig{
		Subject:    cfg.ReactionSubject,
		QueueGroup: cfg.QueueGroup,
	}, app.logger)
	return nil
}

// Run starts the background loops and serves HTTP until ctx is done.
func (app *application) Run(ctx context.Context) error {
	app.pool.Start(ctx)
	app.scheduler.Start(ctx)
	app.reaper.Start(ctx)
	app.expirer.Start()
	if app.subscriber != nil {
		if err := app.subscriber.Start(); err != nil {
			app.cleanup()
			return err
		}
	}

	if err := app.startHTTPServer(ctx, app.setupRouter()); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup stops components in reverse dependency order. It is safe to call
// on a partially built application.
func (app *application) cleanup() {
	if app.subscriber != nil {
		app.subscriber.Stop()
	}
	if app.expirer != nil {
		app.expirer.Stop()
	}
	if app.reaper != nil {
		app.reaper.Stop()
	}
	if app.scheduler != nil {
		app.scheduler.Stop()
	}
	if app.pool != nil {
		app.pool.Stop()
	}
	if app.natsConn != nil {
		if err := app.natsConn.Drain(); err != nil {
			app.logger.Error("error draining NATS connection", "error", err)
		}
	}
	if app.closeEtcd != nil {
		if err := app.closeEtcd(); err != nil {
			app.logger.Error("error closing etcd client", "error", err)
		}
	}
	if app.tracing != nil {
		if err := app.tracing(context.Background()); err != nil {
			app.logger.Error("error flushing traces", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}

	app.logger.Info("application shutdown completed")
}
