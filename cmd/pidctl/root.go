package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pid-provider/config"
	"pid-provider/models"
	"pid-provider/services"
	"pid-provider/storage"
)

var (
	user    string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "pidctl",
	Short:         "Register and maintain scholarly article PIDs",
	Long:          `pidctl talks to the pid provider database and blob storage directly, using the same environment as the server.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&user, "user", "u", "pidctl", "user recorded as creator/updater")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
}

// app hält die für alle Unterbefehle gemeinsamen Dienste.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *gorm.DB
	s3       *storage.S3Store
	provider *services.Provider
}

func setup(ctx context.Context) (*app, error) {
	zcfg := zap.NewProductionConfig()
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logging, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("can't initialize zap logger: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load error: %w", err)
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := models.Migrate(db); err != nil {
		return nil, fmt.Errorf("auto-migration failed: %w", err)
	}
	client, err := storage.NewS3Client(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("s3 client creation failed: %w", err)
	}
	blobs := storage.NewS3Store(client, cfg.S3Bucket)

	return &app{
		cfg:      cfg,
		logger:   logging,
		db:       db,
		s3:       blobs,
		provider: services.NewProvider(cfg, db, blobs, logging, nil),
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
