package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"go.uber.org/zap"

	"github.com/mapfold/atlas-engine/pkg/adapters/provider"
	"github.com/mapfold/atlas-engine/pkg/config"
	"github.com/mapfold/atlas-engine/pkg/crypto"
	"github.com/mapfold/atlas-engine/pkg/database"
	"github.com/mapfold/atlas-engine/pkg/handlers"
	"github.com/mapfold/atlas-engine/pkg/repositories"
	"github.com/mapfold/atlas-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

// schedulerRef and refresherRef are late-bound forwarders. The data source
// service needs the scheduler, the scheduler needs the pipelines, the
// pipelines need the data source service, and the scheduler's cron needs the
// webhook service. Both refs are filled in before the scheduler starts.
type schedulerRef struct{ services.Scheduler }

type refresherRef struct{ services.WebhookRefresher }

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.String("database", cfg.Database.Host),
		zap.String("redis", cfg.Redis.Host),
		zap.String("version", cfg.Version))

	if cfg.CredentialsKey == "" {
		logger.Fatal("CREDENTIALS_KEY must be set")
	}
	encryptor, err := crypto.NewConfigEncryptor(cfg.CredentialsKey)
	if err != nil {
		logger.Fatal("Failed to initialise credentials encryptor", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Migrations run over database/sql; RunMigrations closes the handle.
	migrationDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatal("Failed to open migration connection", zap.Error(err))
	}
	if err := database.RunMigrations(migrationDB, cfg.Database.MigrationsPath, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	if redisClient == nil {
		logger.Info("Redis not configured, geocode cache disabled")
	} else {
		defer redisClient.Close() //nolint:errcheck
	}

	// Repositories
	dsRepo := repositories.NewDataSourceRepository(db)
	recordRepo := repositories.NewRecordRepository(db)
	areaRepo := repositories.NewAreaRepository(db)
	jobRepo := repositories.NewJobRepository(db)

	// Provider adaptors
	providerClient := provider.NewClient(time.Duration(cfg.Importer.HTTPTimeoutSeconds)*time.Second, logger)
	factory := provider.NewAdaptorFactory(providerClient, logger)

	// Services
	tracker := services.NewChangeTracker(recordRepo, cfg.Importer.BatchSize, logger)
	schedRef := &schedulerRef{}
	dataSourceService := services.NewDataSourceService(dsRepo, encryptor, factory, tracker, schedRef, logger)

	geocoder := services.NewGeocoder(areaRepo, redisClient, services.DefaultCountryInference(), logger)
	enricher := services.NewEnricher(areaRepo, recordRepo, logger)
	importPipeline := services.NewImportPipeline(dataSourceService, factory, recordRepo, dsRepo, cfg.Importer.BatchSize, logger)
	enrichmentPipeline := services.NewEnrichmentPipeline(dataSourceService, geocoder, enricher, recordRepo, cfg.Importer.BatchSize, logger)

	refreshRef := &refresherRef{}
	scheduler := services.NewScheduler(jobRepo, importPipeline, enrichmentPipeline, dsRepo, refreshRef, cfg.Scheduler, nil, logger)
	schedRef.Scheduler = scheduler

	webhookService := services.NewWebhookService(dataSourceService, dsRepo, tracker, scheduler, cfg.BaseURL, logger)
	refreshRef.WebhookRefresher = webhookService

	if err := scheduler.Start(); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewDataSourcesHandler(dataSourceService, webhookService, logger).RegisterRoutes(mux)
	handlers.NewWebhooksHandler(webhookService, logger).RegisterRoutes(mux)
	handlers.NewJobsHandler(scheduler, logger).RegisterRoutes(mux)
	handlers.NewAreasHandler(areaRepo, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:         cfg.BindAddr + ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting atlas-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}

	scheduler.Stop()
	logger.Info("atlas-engine stopped")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
