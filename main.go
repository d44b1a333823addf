package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"game-library-sync/config"
	"game-library-sync/handlers"
	"game-library-sync/locks"
	"game-library-sync/logging"
	"game-library-sync/middleware"
	"game-library-sync/platforms"
	"game-library-sync/services"
	"game-library-sync/store"
	"game-library-sync/utils"
	"game-library-sync/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := store.Migrate(db); err != nil {
		logging.Fatal().Err(err).Msg("failed to migrate database")
	}

	objects := newObjectStore(ctx, cfg.Platforms.FileImport)
	registry, limiter := platforms.Build(cfg.Platforms, objects)
	locker := newLocker(ctx, cfg.Redis)

	matcher := services.NewMatcher(db)
	reconciler := services.NewReconciler(db, matcher)
	merger := services.NewMerger(db, cfg.Merger, nil)

	wmLogger := logging.NewWatermillAdapter()
	queue, err := workers.NewQueue(cfg.Queue, wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open task queue")
	}
	dispatcher := workers.NewDispatcher(queue.Publisher)

	coordinator := services.NewCoordinator(services.CoordinatorDeps{
		DB:         db,
		Registry:   registry,
		Limiter:    limiter,
		Reconciler: reconciler,
		Locker:     locker,
		Dispatcher: dispatcher,
		Notifier:   workers.NewResultPublisher(queue.Publisher),
		Config:     cfg.Sync,
	})

	syncWorker, err := workers.NewSyncWorker(queue.Subscriber, coordinator, registry.Platforms(), cfg.Queue, wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to create sync worker")
	}
	go func() {
		logging.Info().Msg("Starting library sync worker...")
		syncWorker.Start(ctx)
	}()

	scheduler, err := services.NewScheduler(coordinator, merger, limiter, cfg.Sync, cfg.Merger)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to create scheduler")
	}
	if err := scheduler.Start(); err != nil {
		logging.Fatal().Err(err).Msg("failed to start scheduler")
	}

	app := fiber.New(fiber.Config{
		BodyLimit: cfg.HTTP.BodyLimitMB * 1024 * 1024,
	})

	// Probes and scrapers bypass the gateway token
	handlers.SetupHealthRoutes(app, db)

	// 🔐❗ GLOBAL: Only Gateway requests allowed
	app.Use(middleware.GatewayAuthMiddleware(cfg.HTTP.GatewayToken))

	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(cfg.HTTP.AllowedOrigins, ","),
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-User-ID, X-User-Roles",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	handlers.SetupAccountRoutes(app, handlers.NewAccountHandler(coordinator, objects))
	handlers.SetupAdminRoutes(app, handlers.NewAdminHandler(coordinator, merger))

	go func() {
		if err := app.Listen(fmt.Sprintf(":%d", cfg.HTTP.Port)); err != nil {
			logging.Error().Err(err).Msg("Server error")
		}
	}()

	logging.Info().Int("port", cfg.HTTP.Port).Msg("✅ Server running")
	logging.Info().Interface("platforms", registry.Platforms()).Str("queue", cfg.Queue.Backend).Msg("✅ Library sync worker running")
	logging.Info().Strs("origins", cfg.HTTP.AllowedOrigins).Msg("✅ CORS configured")

	<-ctx.Done()
	logging.Info().Msg("Shutting down server...")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logging.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := scheduler.Shutdown(); err != nil {
		logging.Warn().Err(err).Msg("Scheduler shutdown incomplete")
	}
	dispatcher.Close()
	if err := syncWorker.Close(); err != nil {
		logging.Warn().Err(err).Msg("Sync worker shutdown incomplete")
	}
	if err := queue.Close(); err != nil {
		logging.Warn().Err(err).Msg("Queue shutdown incomplete")
	}
}

func newObjectStore(ctx context.Context, cfg config.FileImportConfig) utils.ObjectStore {
	if !cfg.Enabled {
		return utils.NewMemoryStore()
	}
	s3Store, err := utils.NewS3Store(ctx, utils.BucketConfig{
		Bucket:          cfg.Bucket,
		AccountID:       cfg.AccountID,
		AccessKeyID:     cfg.AccessKeyID,
		AccessKeySecret: cfg.AccessKeySecret,
		Endpoint:        cfg.Endpoint,
		Region:          cfg.Region,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize export bucket")
	}
	return s3Store
}

func newLocker(ctx context.Context, cfg config.RedisConfig) locks.Locker {
	if cfg.URL == "" {
		logging.Warn().Msg("⚠️  REDIS_URL not set, sync locks are process-local")
		return locks.NewMemoryLocker()
	}
	client, err := locks.NewRedisClient(ctx, cfg.URL)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to connect to redis")
	}
	return locks.NewRedisLocker(client, "library-sync:")
}
