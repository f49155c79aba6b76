package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pid-provider/api"
	"pid-provider/config"
	"pid-provider/models"
	"pid-provider/providers/core"
	"pid-provider/services"
	"pid-provider/storage"
	"pid-provider/tracing"
)

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Setup Database
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to pid provider database.")

	logging.Info("Running database auto-migration...")
	if err := models.Migrate(db); err != nil {
		logging.Fatal("Auto-migration failed", zap.Error(err))
	}

	// Setup Storage
	s3Client, err := storage.NewS3Client(ctx, cfg)
	if err != nil {
		logging.Fatal("S3 client creation failed", zap.Error(err))
	}
	blobs := storage.NewS3Store(s3Client, cfg.S3Bucket)

	// Setup Tracing
	tp, err := tracing.NewProvider(ctx, cfg)
	if err != nil {
		logging.Fatal("Tracing setup failed", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}()

	// Setup Services
	provider := services.NewProvider(cfg, db, blobs, logging, tp.Tracer())
	fetcher := services.NewFetcher(cfg, provider, blobs, logging)

	// Setup Cron
	cronScheduler := cron.New()
	if _, err := cronScheduler.AddFunc(cfg.FetchRetrySchedule, func() {
		logging.Info("Running scheduled fetch retry job...")
		count, err := fetcher.RetryFailed(ctx, cfg.FetchRetryBatch)
		if err != nil {
			logging.Error("Fetch retry job failed", zap.Error(err))
			return
		}
		logging.Info("Fetch retry job completed", zap.Int("registered", count))
	}); err != nil {
		logging.Fatal("Invalid FETCH_RETRY_SCHEDULE", zap.Error(err))
	}
	if cfg.CoreEnabled() {
		coreSync := services.NewCoreSync(provider, core.NewClient(cfg, logging), logging)
		if _, err := cronScheduler.AddFunc(cfg.CoreSyncSchedule, func() {
			logging.Info("Running scheduled core sync job...")
			count, err := coreSync.Run(ctx, cfg.CoreSyncBatch)
			if err != nil {
				logging.Error("Core sync job failed", zap.Error(err))
				return
			}
			logging.Info("Core sync job completed", zap.Int("synced", count))
		}); err != nil {
			logging.Fatal("Invalid CORE_SYNC_SCHEDULE", zap.Error(err))
		}
	} else {
		logging.Info("Core pid provider not configured, sync disabled.")
	}
	cronScheduler.Start()
	defer cronScheduler.Stop()

	// Setup Router
	router := api.NewRouter(cfg, provider, fetcher, tp.Tracer(), logging)

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       120 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      300 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Error("Server shutdown failed", zap.Error(err))
		}
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
	logging.Info("Server stopped")
}
