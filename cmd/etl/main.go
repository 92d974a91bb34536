package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"

	"github.com/couchcryptid/snow-cover-etl/internal/adapter/httpadapter"
	"github.com/couchcryptid/snow-cover-etl/internal/adapter/postgres"
	"github.com/couchcryptid/snow-cover-etl/internal/config"
	"github.com/couchcryptid/snow-cover-etl/internal/domain"
	"github.com/couchcryptid/snow-cover-etl/internal/observability"
	"github.com/couchcryptid/snow-cover-etl/internal/pipeline"
	"github.com/couchcryptid/snow-cover-etl/internal/processing"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	logger := sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	catalog, err := domain.LoadCatalogFile(cfg.RegionsFile, domain.CatalogOptions{NameProperty: cfg.RegionNameProperty})
	if err != nil {
		logger.Error("failed to load region catalog", "path", cfg.RegionsFile, "error", err)
		return 1
	}
	logger.Info("region catalog loaded", "regions", catalog.Len(), "path", cfg.RegionsFile)

	acquirer, err := newAcquirer(cfg, logger, metrics)
	if err != nil {
		logger.Error("failed to create catalog client", "error", err)
		return 1
	}

	opts, err := processorOptions(cfg)
	if err != nil {
		logger.Error("invalid processing options", "error", err)
		return 1
	}
	processor, err := processing.NewProcessor(opts, logger, metrics)
	if err != nil {
		logger.Error("failed to create processor", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.Open(ctx, postgres.Config{
		URL:       cfg.DatabaseURL,
		Table:     cfg.PostgresTable,
		BatchSize: cfg.BatchSize,
	}, logger, metrics)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return 1
	}
	defer store.Close()

	stageOpts := []pipeline.Option{pipeline.WithStorageSetup(func(ctx context.Context) error {
		version, err := store.PostGISVersion(ctx)
		if err != nil {
			return err
		}
		logger.Info("store connected", "postgis", version, "table", cfg.PostgresTable)
		return store.EnsureSchema(ctx)
	})}
	if len(cfg.KafkaBrokers) > 0 {
		writer := newPublisher(cfg, logger)
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}()
		stageOpts = append(stageOpts, pipeline.WithPublisher(writer))
		logger.Info("record publication enabled", "topic", cfg.KafkaTopic)
	}
	if cfg.ArchiveEndpoint != "" {
		archiver, err := newArchiver(ctx, cfg, logger)
		if err != nil {
			logger.Error("failed to create archiver", "error", err)
			return 1
		}
		stageOpts = append(stageOpts, pipeline.WithArchiver(archiver))
		logger.Info("raster archival enabled", "bucket", cfg.ArchiveBucket)
	}

	orch := pipeline.New(acquirer, processor, store, catalog, pipeline.Config{
		AOI:             cfg.AOI,
		DownloadWorkers: cfg.DownloadWorkers,
		ProcessTimeout:  cfg.ProcessTimeout,
		IngestTimeout:   cfg.IngestTimeout,
		StoreAttempts:   cfg.StoreRetryAttempts,
		StoreBackoff:    cfg.StoreRetryBackoff,
		StoreMaxBackoff: cfg.StoreRetryMaxDelay,
	}, logger, metrics, stageOpts...)

	srv := httpadapter.NewServer(cfg.HTTPAddr, orch, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	report, runErr := orch.Run(ctx, cfg.Steps())

	if cfg.ReportPath != "" {
		if err := writeReport(cfg.ReportPath, report); err != nil {
			logger.Error("failed to write run report", "path", cfg.ReportPath, "error", err)
		} else {
			logger.Info("run report written", "path", cfg.ReportPath)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	if runErr != nil {
		logger.Error("run aborted", "error", runErr)
		return 2
	}
	logger.Info("shutdown complete")
	return 0
}
