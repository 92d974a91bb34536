package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	sharedretry "github.com/couchcryptid/storm-data-shared/retry"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/snow-cover-etl/internal/domain"
	"github.com/couchcryptid/snow-cover-etl/internal/observability"
)

// Acquirer lists catalog assets for a window and downloads them.
type Acquirer interface {
	Search(ctx context.Context, q domain.CatalogQuery) iter.Seq2[domain.AssetDescriptor, error]
	Download(ctx context.Context, desc domain.AssetDescriptor) (domain.RasterAsset, error)
}

// Processor reduces one raster over the region catalog.
type Processor interface {
	Process(ctx context.Context, asset domain.RasterAsset, catalog *domain.Catalog) (domain.AssetStatistics, error)
}

// Loader persists statistics records.
type Loader interface {
	UpsertBatch(ctx context.Context, records []domain.StatisticsRecord) (int, error)
	Ping(ctx context.Context) error
}

// Publisher forwards ingested records downstream.
type Publisher interface {
	Publish(ctx context.Context, records []domain.StatisticsRecord) error
}

// Archiver moves a processed raster out of the local cache.
type Archiver interface {
	Archive(ctx context.Context, asset domain.RasterAsset) error
}

// Config tunes the orchestrator.
type Config struct {
	AOI             orb.Bound
	DownloadWorkers int
	ProcessTimeout  time.Duration
	// IngestTimeout bounds each UpsertBatch attempt. Zero means no bound.
	IngestTimeout   time.Duration
	// StoreAttempts bounds UpsertBatch calls while storage is unreachable.
	StoreAttempts   int
	StoreBackoff    time.Duration
	StoreMaxBackoff time.Duration
}

// Orchestrator runs acquire, process and ingest over a sequence of time steps.
type Orchestrator struct {
	acquirer  Acquirer
	processor Processor
	loader    Loader
	publisher Publisher
	archiver  Archiver
	setup     func(ctx context.Context) error
	catalog   *domain.Catalog
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool

	mu       sync.Mutex
	progress domain.RunProgress
}

// Option configures optional stages.
type Option func(*Orchestrator)

// WithPublisher publishes every ingested batch.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithArchiver archives every raster once its records are stored.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithStorageSetup runs fn once storage answers, before the first window.
// fn is retried like any storage call while it reports StorageUnreachable.
func WithStorageSetup(fn func(ctx context.Context) error) Option {
	return func(o *Orchestrator) { o.setup = fn }
}

// New creates an Orchestrator over an immutable region catalog.
func New(a Acquirer, p Processor, l Loader, catalog *domain.Catalog, cfg Config, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Orchestrator {
	if cfg.DownloadWorkers <= 0 {
		cfg.DownloadWorkers = 1
	}
	if cfg.StoreAttempts <= 0 {
		cfg.StoreAttempts = 3
	}
	if cfg.StoreBackoff <= 0 {
		cfg.StoreBackoff = 200 * time.Millisecond
	}
	if cfg.StoreMaxBackoff < cfg.StoreBackoff {
		cfg.StoreMaxBackoff = 5 * time.Second
	}
	o := &Orchestrator{
		acquirer:  a,
		processor: p,
		loader:    l,
		catalog:   catalog,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CheckReadiness returns nil once a run has started and storage answers.
func (o *Orchestrator) CheckReadiness(ctx context.Context) error {
	if !o.ready.Load() {
		return errors.New("no run has started yet")
	}
	return o.loader.Ping(ctx)
}

// Progress returns the state of the current or last run.
func (o *Orchestrator) Progress() domain.RunProgress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

func (o *Orchestrator) setProgress(fn func(p *domain.RunProgress)) {
	o.mu.Lock()
	fn(&o.progress)
	o.mu.Unlock()
}

// Run processes every window in order. The report is returned even when the
// run aborts; the error is non-nil only for an abort. Cancelling ctx stops the
// run before the next window and marks the report cancelled.
func (o *Orchestrator) Run(ctx context.Context, windows []domain.TimeWindow) (*domain.RunReport, error) {
	report := domain.NewRunReport(uuid.NewString())
	logger := o.logger.With("run_id", report.RunID)
	logger.Info("run started", "steps", len(windows), "regions", o.catalog.Len())
	o.metrics.PipelineRunning.Set(1)
	defer o.metrics.PipelineRunning.Set(0)
	o.setProgress(func(p *domain.RunProgress) {
		*p = domain.RunProgress{RunID: report.RunID, Steps: len(windows)}
	})
	defer o.setProgress(func(p *domain.RunProgress) {
		p.Current = ""
		p.Finished = true
	})

	if err := o.checkStorage(ctx); err != nil {
		report.Abort(err)
		report.Close()
		logger.Error("run aborted", "error", err)
		return report, err
	}
	o.ready.Store(true)

	var abort error
	for _, w := range windows {
		if ctx.Err() != nil {
			report.Cancel()
			logger.Info("run cancelled", "reason", ctx.Err())
			break
		}
		o.setProgress(func(p *domain.RunProgress) { p.Current = w.String() })
		step, err := o.runStep(ctx, logger.With("step", w.String()), w)
		report.Add(step)
		o.setProgress(func(p *domain.RunProgress) {
			p.Completed++
			p.Counts = report.Counts()
		})
		o.metrics.StepsTotal.WithLabelValues(string(step.State)).Inc()
		if err != nil {
			abort = err
			report.Abort(err)
			logger.Error("run aborted", "step", w.String(), "error", err)
			break
		}
	}
	report.Close()

	c := report.Counts()
	logger.Info("run finished",
		"succeeded", c.Succeeded,
		"skipped", c.Skipped,
		"failed", c.Failed,
		"records", c.Records,
		"aborted", report.Aborted,
		"cancelled", report.Cancelled,
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
	return report, abort
}

// checkStorage pings the loader, then runs the setup hook, both with the
// storage retry policy.
func (o *Orchestrator) checkStorage(ctx context.Context) error {
	err := o.withStorageRetry(ctx, "ping store", func() error {
		return o.loader.Ping(ctx)
	})
	if err != nil || o.setup == nil {
		return err
	}
	return o.withStorageRetry(ctx, "prepare store", func() error {
		return o.setup(ctx)
	})
}

type download struct {
	asset domain.RasterAsset
	err   error
}

// runStep drives one window through Acquiring, Processing and Ingesting. A
// non-nil error means the run must stop.
func (o *Orchestrator) runStep(ctx context.Context, logger *slog.Logger, w domain.TimeWindow) (step domain.StepReport, err error) {
	start := time.Now()
	step = domain.StepReport{Window: w.String(), State: domain.StepPending}
	defer func() { step.Duration = time.Since(start) }()

	o.transition(logger, &step, domain.StepAcquiring)
	descs, err := o.search(ctx, w)
	if err != nil {
		o.fail(logger, &step, "", domain.StepAcquiring, err)
		if domain.Fatal(err) {
			step.Finish()
			return step, err
		}
	}
	step.Assets = len(descs)

	downloads, err := o.downloadAll(ctx, descs)
	if err != nil {
		o.fail(logger, &step, "", domain.StepAcquiring, err)
		step.Finish()
		return step, err
	}

	for i, desc := range descs {
		if ctx.Err() != nil {
			o.fail(logger, &step, desc.ID, step.State, domain.E(domain.KindTransient, "run step", ctx.Err()))
			break
		}
		if downloads[i].err != nil {
			o.fail(logger, &step, desc.ID, domain.StepAcquiring, downloads[i].err)
			continue
		}
		if err := o.handleAsset(ctx, logger, &step, downloads[i].asset); err != nil {
			step.Finish()
			return step, err
		}
	}

	step.Finish()
	o.logOutcome(logger, step)
	return step, nil
}

// search drains the lazy catalog sequence. Descriptors read before a failure
// are kept.
func (o *Orchestrator) search(ctx context.Context, w domain.TimeWindow) ([]domain.AssetDescriptor, error) {
	q := domain.CatalogQuery{BBox: o.cfg.AOI, Window: w}
	var descs []domain.AssetDescriptor
	for desc, err := range o.acquirer.Search(ctx, q) {
		if err != nil {
			return descs, err
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

// downloadAll fetches the assets on a bounded worker pool. Per-asset failures
// are returned in the slice; only a run-fatal failure is returned as error and
// cancels the remaining downloads.
func (o *Orchestrator) downloadAll(ctx context.Context, descs []domain.AssetDescriptor) ([]download, error) {
	out := make([]download, len(descs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.DownloadWorkers)
	for i, desc := range descs {
		g.Go(func() error {
			asset, err := o.acquirer.Download(gctx, desc)
			out[i] = download{asset: asset, err: err}
			if domain.Fatal(err) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// handleAsset processes one raster and ingests its records. Only a run-fatal
// failure is returned.
func (o *Orchestrator) handleAsset(ctx context.Context, logger *slog.Logger, step *domain.StepReport, asset domain.RasterAsset) error {
	logger = logger.With("asset_id", asset.ID)
	o.transition(logger, step, domain.StepProcessing)

	stats, err := o.process(ctx, asset)
	if err != nil {
		o.fail(logger, step, asset.ID, domain.StepProcessing, err)
		return nil
	}
	step.RegionsOutside += stats.Count(domain.RegionOutsideFootprint)
	step.RegionsNoData += stats.Count(domain.RegionNoValidPixels)
	step.PartialRegions += stats.PartialCount()

	if len(stats.Records) > 0 {
		o.transition(logger, step, domain.StepIngesting)
		n, err := o.ingest(ctx, stats.Records)
		if err != nil {
			o.fail(logger, step, asset.ID, domain.StepIngesting, err)
			if domain.Fatal(err) {
				return err
			}
			return nil
		}
		step.Records += n
		o.publish(ctx, logger, stats.Records)
	}
	o.archive(ctx, logger, asset)
	return nil
}

func (o *Orchestrator) process(ctx context.Context, asset domain.RasterAsset) (domain.AssetStatistics, error) {
	if o.cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ProcessTimeout)
		defer cancel()
	}
	return o.processor.Process(ctx, asset, o.catalog)
}

// ingest upserts one asset's records as a single batch, retrying while the
// store is unreachable.
func (o *Orchestrator) ingest(ctx context.Context, records []domain.StatisticsRecord) (int, error) {
	var n int
	err := o.withStorageRetry(ctx, "ingest batch", func() error {
		var err error
		n, err = o.upsert(ctx, records)
		return err
	})
	return n, err
}

// upsert is one UpsertBatch attempt under IngestTimeout. A batch that runs out
// of time while the run is still live fails as transient.
func (o *Orchestrator) upsert(ctx context.Context, records []domain.StatisticsRecord) (int, error) {
	if o.cfg.IngestTimeout <= 0 {
		return o.loader.UpsertBatch(ctx, records)
	}
	bctx, cancel := context.WithTimeout(ctx, o.cfg.IngestTimeout)
	defer cancel()
	n, err := o.loader.UpsertBatch(bctx, records)
	if err != nil && ctx.Err() == nil && errors.Is(bctx.Err(), context.DeadlineExceeded) {
		return n, domain.E(domain.KindTransient, "ingest batch",
			fmt.Errorf("batch timed out after %s: %v", o.cfg.IngestTimeout, err))
	}
	return n, err
}

// withStorageRetry calls fn up to StoreAttempts times while it reports
// StorageUnreachable, with exponential backoff between attempts.
func (o *Orchestrator) withStorageRetry(ctx context.Context, op string, fn func() error) error {
	backoff := o.cfg.StoreBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, domain.ErrStorageUnreachable) {
			return err
		}
		if attempt >= o.cfg.StoreAttempts {
			return fmt.Errorf("%s: giving up after %d attempts: %w", op, attempt, err)
		}
		o.metrics.StorageRetries.Inc()
		o.logger.Warn("storage unreachable, retrying", "op", op, "attempt", attempt, "backoff", backoff, "error", err)
		if !sharedretry.SleepWithContext(ctx, backoff) {
			return domain.E(domain.KindTransient, op, ctx.Err())
		}
		backoff = sharedretry.NextBackoff(backoff, o.cfg.StoreMaxBackoff)
	}
}

func (o *Orchestrator) publish(ctx context.Context, logger *slog.Logger, records []domain.StatisticsRecord) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, records); err != nil {
		logger.Warn("publish records failed", "records", len(records), "error", err)
	}
}

func (o *Orchestrator) archive(ctx context.Context, logger *slog.Logger, asset domain.RasterAsset) {
	if o.archiver == nil {
		return
	}
	if err := o.archiver.Archive(ctx, asset); err != nil {
		logger.Warn("archive raster failed", "path", asset.Path, "error", err)
	}
}

func (o *Orchestrator) transition(logger *slog.Logger, step *domain.StepReport, to domain.StepState) {
	if step.State == to {
		return
	}
	logger.Debug("step transition", "from", string(step.State), "to", string(to))
	step.State = to
}

func (o *Orchestrator) fail(logger *slog.Logger, step *domain.StepReport, assetID string, stage domain.StepState, err error) {
	step.Fail(assetID, stage, err)
	o.metrics.AssetFailures.WithLabelValues(stageLabel(stage)).Inc()
	logger.Warn("asset failed", "asset_id", assetID, "stage", string(stage), "kind", domain.KindOf(err).String(), "error", err)
}

func (o *Orchestrator) logOutcome(logger *slog.Logger, step domain.StepReport) {
	attrs := []any{
		"state", string(step.State),
		"assets", step.Assets,
		"records", step.Records,
		"regions_outside", step.RegionsOutside,
		"regions_no_valid_pixels", step.RegionsNoData,
		"partial_regions", step.PartialRegions,
	}
	if step.State == domain.StepFailed {
		logger.Warn("step failed", append(attrs, "cause", step.Cause)...)
		return
	}
	logger.Info("step finished", attrs...)
}

func stageLabel(s domain.StepState) string {
	switch s {
	case domain.StepAcquiring:
		return "acquire"
	case domain.StepProcessing:
		return "process"
	case domain.StepIngesting:
		return "ingest"
	}
	return string(s)
}
