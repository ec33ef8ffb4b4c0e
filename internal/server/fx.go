// Package server builds and runs the progress service: it selects the
// configured bus, store, and archive backends, wires the registry and
// the HTTP/WebSocket surface on top of them, and owns graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/ytwei72/TradingAgents-CN-sub000/internal/api"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/archive"
	archivegcs "github.com/ytwei72/TradingAgents-CN-sub000/internal/archive/gcs"
	archivelocal "github.com/ytwei72/TradingAgents-CN-sub000/internal/archive/local"
	archivememory "github.com/ytwei72/TradingAgents-CN-sub000/internal/archive/memory"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/bus"
	busmemory "github.com/ytwei72/TradingAgents-CN-sub000/internal/bus/memory"
	buspubsub "github.com/ytwei72/TradingAgents-CN-sub000/internal/bus/pubsub"
	busredis "github.com/ytwei72/TradingAgents-CN-sub000/internal/bus/redis"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/clock/system"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/config"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/id/uuid"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/logging"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/metrics"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/plan"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/producer"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/registry"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/router"
	storagememory "github.com/ytwei72/TradingAgents-CN-sub000/internal/storage/memory"
	pgstore "github.com/ytwei72/TradingAgents-CN-sub000/internal/storage/postgres"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/store"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/telemetry"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/tracker"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/ws"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	engine    bus.Engine
	registry  *registry.Registry
	hub       *ws.Hub
	apiServer *api.Server

	pgStore   *pgstore.StepStore
	gcsClient *storage.Client
}

// Build creates the application's dependencies from configuration. The
// returned App owns every backend connection it opened and releases them
// in Close.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	metrics.Init()
	telemetry.SetupPropagation()

	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.String("bus", cfg.Bus.Backend),
		zap.String("store", cfg.Store.Backend),
		zap.String("archive", cfg.Archive.Backend),
	)

	app.engine = setupBus(cfg, logger)
	if err := app.engine.Connect(ctx); err != nil {
		return nil, fmt.Errorf("bus connect failed: %w", err)
	}

	clk := system.New()
	rtr := router.New(app.engine, clk, logger, router.WithPublishTimeout(cfg.PublishTimeout()))

	repo, err := setupStore(ctx, app)
	if err != nil {
		return nil, err
	}
	archiver, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}

	app.registry, err = registry.New(registry.Config{
		Router:      rtr,
		Clock:       clk,
		Logger:      logger,
		Repo:        repo,
		Broadcaster: producer.New(rtr, clk, logger),
		Archiver:    archiver,
		Weights:     weightPolicy(cfg.Progress),
	})
	if err != nil {
		return nil, fmt.Errorf("registry init failed: %w", err)
	}

	app.hub = ws.NewHub(logger)
	if err := app.hub.Bind(ctx, rtr); err != nil {
		return nil, fmt.Errorf("ws hub bind failed: %w", err)
	}

	app.apiServer = api.NewServer(
		app.registry,
		app.hub,
		uuid.New(),
		cfg,
		logger,
		api.WithReadiness(app.engine.Connected),
	)
	return app, nil
}

// Run starts the HTTP server and blocks until the context is canceled or
// a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close gracefully releases every backend connection. Registered jobs are
// unsubscribed but their persisted state is kept so trackers rebuild on
// the next start.
func (a *App) Close(ctx context.Context) error {
	if a.registry != nil {
		a.registry.Close(ctx)
	}
	if a.engine != nil {
		if err := a.engine.Disconnect(ctx); err != nil {
			a.logger.Warn("bus disconnect failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	// Sync flushes buffered log entries; stderr rejects the sync on some
	// platforms, which is harmless.
	_ = a.logger.Sync()
	a.logger.Info("shutdown complete")
	return nil
}

func setupBus(cfg config.Config, logger *zap.Logger) bus.Engine {
	switch cfg.Bus.Backend {
	case "redis":
		logger.Info("using redis bus backend", zap.String("addr", cfg.Bus.Redis.Addr))
		return busredis.New(busredis.Config{
			Addr:     cfg.Bus.Redis.Addr,
			Password: cfg.Bus.Redis.Password,
			DB:       cfg.Bus.Redis.DB,
		}, logger)
	case "pubsub":
		logger.Info("using pubsub bus backend",
			zap.String("project", cfg.Bus.PubSub.ProjectID),
			zap.String("topic", cfg.Bus.PubSub.TopicName),
		)
		return buspubsub.New(buspubsub.Config{
			ProjectID:      cfg.Bus.PubSub.ProjectID,
			TopicID:        cfg.Bus.PubSub.TopicName,
			SubscriptionID: cfg.Bus.PubSub.Subscription,
		}, logger)
	default:
		logger.Info("using in-memory bus backend")
		return busmemory.New(logger)
	}
}

func setupStore(ctx context.Context, app *App) (store.StepRepository, error) {
	switch app.cfg.Store.Backend {
	case "postgres":
		app.logger.Info("using postgres step store")
		pg, err := pgstore.NewStepStore(ctx, pgstore.Config{
			DSN:      app.cfg.Store.DSN,
			MaxConns: app.cfg.Store.MaxConns,
			MinConns: app.cfg.Store.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres step store init failed: %w", err)
		}
		app.pgStore = pg
		return pg, nil
	default:
		app.logger.Info("using in-memory step store")
		return storagememory.NewStepStore(), nil
	}
}

func setupArchive(ctx context.Context, app *App) (archive.Archiver, error) {
	switch app.cfg.Archive.Backend {
	case "gcs":
		app.logger.Info("using gcs archive backend", zap.String("bucket", app.cfg.Archive.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsClient = client
		arch, err := archivegcs.New(client, archivegcs.Config{
			Bucket: app.cfg.Archive.Bucket,
			Prefix: app.cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs archiver init failed: %w", err)
		}
		return arch, nil
	case "local":
		app.logger.Info("using local archive backend", zap.String("base_dir", app.cfg.Archive.BaseDir))
		arch, err := archivelocal.New(archivelocal.Config{BaseDir: app.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archiver init failed: %w", err)
		}
		return arch, nil
	default:
		app.logger.Info("using in-memory archive backend")
		return archivememory.New(), nil
	}
}

// weightPolicy maps the configured weighting mode onto a tracker policy.
func weightPolicy(cfg config.ProgressConfig) tracker.WeightPolicy {
	if cfg.Weighting != "phase" {
		return tracker.EqualWeights()
	}
	weights := make(map[plan.Phase]float64, len(cfg.PhaseWeights))
	for phase, w := range cfg.PhaseWeights {
		weights[plan.Phase(phase)] = w
	}
	return tracker.PhaseWeights(weights)
}
