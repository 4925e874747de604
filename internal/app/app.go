// Package app initializes and holds long-lived application services, acting
// as a dependency injection container. Services are constructed here in
// dependency order and torn down in reverse during shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fetchwork/mediascrape/internal/api"
	"github.com/fetchwork/mediascrape/internal/archive"
	"github.com/fetchwork/mediascrape/internal/cache"
	"github.com/fetchwork/mediascrape/internal/config"
	"github.com/fetchwork/mediascrape/internal/deadletter"
	"github.com/fetchwork/mediascrape/internal/extractor"
	"github.com/fetchwork/mediascrape/internal/extractor/headless"
	"github.com/fetchwork/mediascrape/internal/extractor/static"
	"github.com/fetchwork/mediascrape/internal/logging"
	"github.com/fetchwork/mediascrape/internal/metrics"
	"github.com/fetchwork/mediascrape/internal/pipeline"
	"github.com/fetchwork/mediascrape/internal/queue"
	"github.com/fetchwork/mediascrape/internal/scrape"
	"github.com/fetchwork/mediascrape/internal/store"
)

// App holds all shared, long-lived services.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Store      scrape.Store
	Cache      scrape.Cache
	Queue      scrape.Queue
	Controller *pipeline.Controller
	Server     *api.Server

	redisClient *redis.Client
	renderer    *headless.Renderer
	snapshots   archive.Store
	pubsubSink  *deadletter.PubSub
}

// New constructs every service. It fails fast if the database is
// unreachable; Redis is allowed to be down (degraded mode).
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.LogDevelopment)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable at startup", zap.String("addr", cfg.RedisAddr()), zap.Error(err))
	}
	cancel()
	kv := cache.NewWithClient(redisClient, logger.Named("cache"))

	var sinks deadletter.Multi
	sinks = append(sinks, deadletter.NewLog(logger.Named("dlq")))
	var pubsubSink *deadletter.PubSub
	if cfg.DeadletterTopic != "" {
		pubsubSink, err = deadletter.NewPubSub(ctx, cfg.GCPProject, cfg.DeadletterTopic, logger.Named("dlq"))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init deadletter topic: %w", err)
		}
		sinks = append(sinks, pubsubSink)
	}

	q := queue.New(redisClient, queue.Options{
		ItemDeadline: cfg.ItemDeadline(),
		DeadLetter:   sinks,
	}, logger.Named("queue"), nil)

	staticExtractor := static.New(static.Config{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.ScraperTimeout,
	})
	renderer := headless.New(headless.Config{
		Headless:    cfg.Headless,
		BlockAssets: cfg.DisableImages,
		UserAgent:   cfg.UserAgent,
		NavTimeout:  cfg.ScraperTimeout,
	}, logger.Named("renderer"))
	router := extractor.NewRouter(staticExtractor, renderer, logger.Named("router"))

	var snapshots archive.Store = archive.NoOp{}
	if cfg.ArchiveBucket != "" {
		gcs, err := archive.NewGCS(ctx, cfg.ArchiveBucket)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init archive: %w", err)
		}
		snapshots = gcs
	}

	controller := pipeline.New(db, kv, q, router, snapshots,
		cfg.ScraperConcurrency, logger.Named("pipeline"), nil)

	server := api.NewServer(db, kv, controller, cfg, logger.Named("api"))

	logger.Info("application services initialized",
		zap.Int("concurrency", cfg.ScraperConcurrency),
		zap.Bool("headless", cfg.Headless),
		zap.Bool("archive", cfg.ArchiveBucket != ""),
	)

	return &App{
		Config:      cfg,
		Logger:      logger,
		Store:       db,
		Cache:       kv,
		Queue:       q,
		Controller:  controller,
		Server:      server,
		redisClient: redisClient,
		renderer:    renderer,
		snapshots:   snapshots,
		pubsubSink:  pubsubSink,
	}, nil
}

// Start launches the worker pool and backpressure loops.
func (a *App) Start(ctx context.Context) error {
	if err := a.Controller.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	return nil
}

// Close tears services down in reverse order: drain the queue, close the
// browser, then the stores and clients.
func (a *App) Close(ctx context.Context) {
	if err := a.Controller.Close(ctx); err != nil {
		a.Logger.Warn("pipeline close", zap.Error(err))
	}
	a.renderer.Close()
	if a.pubsubSink != nil {
		if err := a.pubsubSink.Close(); err != nil {
			a.Logger.Warn("deadletter close", zap.Error(err))
		}
	}
	if err := a.snapshots.Close(); err != nil {
		a.Logger.Warn("archive close", zap.Error(err))
	}
	if err := a.redisClient.Close(); err != nil {
		a.Logger.Warn("redis close", zap.Error(err))
	}
	a.Store.Close()
	// Best-effort flush; stderr may be gone already.
	_ = a.Logger.Sync()
}
