package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/snow-cover-etl/internal/adapter/archive"
	kafkaadapter "github.com/couchcryptid/snow-cover-etl/internal/adapter/kafka"
	"github.com/couchcryptid/snow-cover-etl/internal/adapter/stac"
	"github.com/couchcryptid/snow-cover-etl/internal/config"
	"github.com/couchcryptid/snow-cover-etl/internal/domain"
	"github.com/couchcryptid/snow-cover-etl/internal/observability"
	"github.com/couchcryptid/snow-cover-etl/internal/processing"
	"github.com/couchcryptid/snow-cover-etl/internal/raster"
)

func newAcquirer(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*stac.Client, error) {
	var opts []stac.Option
	if cfg.AuthEnabled() {
		grant := stac.NewPasswordGrant(cfg.AuthTokenURL, cfg.AuthClientID, cfg.CDSEUsername, cfg.CDSEPassword,
			&http.Client{Timeout: cfg.RequestTimeout}, clockwork.NewRealClock())
		opts = append(opts, stac.WithTokenSource(grant))
		logger.Info("catalog authentication enabled", "token_url", cfg.AuthTokenURL)
	}
	return stac.NewClient(stac.Config{
		BaseURL:         cfg.STACURL,
		Collection:      cfg.STACCollection,
		AssetKeys:       cfg.STACAssetKeys,
		PageLimit:       cfg.STACPageLimit,
		MaxItems:        cfg.STACMaxItems,
		CloudCoverMax:   cfg.CloudCoverMax,
		RateLimit:       cfg.CatalogRateLimit,
		RequestTimeout:  cfg.RequestTimeout,
		DownloadTimeout: cfg.DownloadTimeout,
		CacheDir:        cfg.RasterCacheDir,
		Retry: stac.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			Jitter:      cfg.RetryJitter,
		},
		UserAgent: "snow-cover-etl",
	}, logger, metrics, opts...)
}

func processorOptions(cfg *config.Config) (processing.Options, error) {
	opts := processing.DefaultOptions()
	var err error
	if opts.Rule, err = raster.ParseOverlapRule(cfg.OverlapRule); err != nil {
		return opts, domain.E(domain.KindConfiguration, "OVERLAP_RULE", err)
	}
	if opts.Mode, err = processing.ParseFractionMode(cfg.FractionMode); err != nil {
		return opts, domain.E(domain.KindConfiguration, "FRACTION_MODE", err)
	}
	if opts.Area, err = processing.ParseAreaPolicy(cfg.AreaPolicy); err != nil {
		return opts, domain.E(domain.KindConfiguration, "AREA_POLICY", err)
	}
	opts.Encoding = raster.Encoding{
		ValidMax:      uint16(cfg.FSCValidMax),   //nolint:gosec // range-checked by config
		Cloud:         uint16(cfg.FSCCloud),      //nolint:gosec // range-checked by config
		NoData:        uint16(cfg.FSCNoData),     //nolint:gosec // range-checked by config
		SnowThreshold: uint16(cfg.SnowThreshold), //nolint:gosec // range-checked by config
	}
	opts.PartialNoData = cfg.PartialNoData
	return opts, nil
}

func newPublisher(cfg *config.Config, logger *slog.Logger) *kafkaadapter.Writer {
	return kafkaadapter.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
}

func newArchiver(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*archive.Archiver, error) {
	a, err := archive.New(archive.Config{
		Endpoint:    cfg.ArchiveEndpoint,
		AccessKey:   cfg.ArchiveAccessKey,
		SecretKey:   cfg.ArchiveSecretKey,
		Bucket:      cfg.ArchiveBucket,
		UseSSL:      cfg.ArchiveUseSSL,
		DeleteLocal: cfg.ArchiveDeleteLocal,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := a.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// writeReport writes the run report as JSON, replacing path atomically.
func writeReport(path string, report *domain.RunReport) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after rename
	if err := report.WriteJSON(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("encode report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
