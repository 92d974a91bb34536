package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "snow_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for the ETL pipeline.
type Metrics struct {
	PipelineRunning prometheus.Gauge
	StepsTotal      *prometheus.CounterVec // labels: outcome={done,skipped,failed}

	// Acquisition metrics.
	CatalogRequests *prometheus.CounterVec // labels: outcome={success,error,not_found}
	CatalogRetries  prometheus.Counter
	Downloads       *prometheus.CounterVec // labels: result={downloaded,cached,integrity_error,error}
	DownloadedBytes prometheus.Counter

	// Processing metrics.
	ProcessingDuration prometheus.Histogram
	RegionSkips        *prometheus.CounterVec // labels: reason={outside_footprint,no_valid_pixels}
	PartialCoverage    prometheus.Counter
	ReprojectionCache  *prometheus.CounterVec // labels: result={hit,miss}
	AssetFailures      *prometheus.CounterVec // labels: stage={acquire,process,ingest}

	// Ingestion metrics.
	RecordsUpserted prometheus.Counter
	RecordsRejected prometheus.Counter
	StorageRetries  prometheus.Counter
	IngestDuration  prometheus.Histogram
}

func newMetrics() *Metrics {
	return &Metrics{
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while a run is in progress, 0 otherwise.",
		}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Completed time steps by outcome.",
		}, []string{"outcome"}),
		CatalogRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_requests_total",
			Help:      "STAC catalog requests by outcome.",
		}, []string{"outcome"}),
		CatalogRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_retries_total",
			Help:      "Retried catalog and download requests.",
		}),
		Downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Raster asset fetches by result.",
		}, []string{"result"}),
		DownloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written to the raster cache.",
		}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Duration of the zonal reduction of one raster asset.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		RegionSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "region_skips_total",
			Help:      "Region reductions that produced no record, by reason.",
		}, []string{"reason"}),
		PartialCoverage: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_coverage_total",
			Help:      "Records computed from a raster that only partly covers the region.",
		}),
		ReprojectionCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reprojection_cache_total",
			Help:      "Reprojected region cache lookups by result.",
		}, []string{"result"}),
		AssetFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_failures_total",
			Help:      "Assets that failed, by stage.",
		}, []string{"stage"}),
		RecordsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_upserted_total",
			Help:      "Statistics records written to the store.",
		}),
		RecordsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rejected_total",
			Help:      "Statistics records rejected by validation or constraints.",
		}),
		StorageRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_retries_total",
			Help:      "Upsert batches retried after the store was unreachable.",
		}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Duration of one upsert batch.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.PipelineRunning,
		m.StepsTotal,
		m.CatalogRequests,
		m.CatalogRetries,
		m.Downloads,
		m.DownloadedBytes,
		m.ProcessingDuration,
		m.RegionSkips,
		m.PartialCoverage,
		m.ReprojectionCache,
		m.AssetFailures,
		m.RecordsUpserted,
		m.RecordsRejected,
		m.StorageRetries,
		m.IngestDuration,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
