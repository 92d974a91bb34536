// Package processing reduces downloaded FSC rasters to per-region snow statistics.
package processing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/stat"

	"github.com/couchcryptid/snow-cover-etl/internal/domain"
	"github.com/couchcryptid/snow-cover-etl/internal/geo"
	"github.com/couchcryptid/snow-cover-etl/internal/observability"
	"github.com/couchcryptid/snow-cover-etl/internal/raster"
)

// Processor computes zonal snow statistics. It holds no per-asset state and
// may be shared across goroutines.
type Processor struct {
	opts    Options
	cache   *geometryCache
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewProcessor validates opts and creates a Processor.
func NewProcessor(opts Options, logger *slog.Logger, metrics *observability.Metrics) (*Processor, error) {
	if err := opts.Encoding.Validate(); err != nil {
		return nil, domain.E(domain.KindConfiguration, "processor", err)
	}
	if _, err := raster.ParseOverlapRule(string(opts.Rule)); err != nil {
		return nil, domain.E(domain.KindConfiguration, "processor", err)
	}
	if opts.PartialNoData < 0 || opts.PartialNoData > 1 {
		return nil, domain.Errorf(domain.KindConfiguration, "processor", "partial no-data share %v outside [0, 1]", opts.PartialNoData)
	}
	return &Processor{
		opts:    opts,
		cache:   newGeometryCache(opts.CacheSize, metrics),
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Process reads asset and emits one record per region that intersects the
// raster and has at least one valid pixel. Regions outside the footprint
// and regions with only cloud or no-data pixels produce no record.
//
// An unreadable file is an UnreadableAsset error and an undefined grid
// reference system is a ReprojectionFailure; both concern this asset only.
func (p *Processor) Process(ctx context.Context, asset domain.RasterAsset, catalog *domain.Catalog) (domain.AssetStatistics, error) {
	op := "process " + asset.ID
	start := time.Now()
	defer func() { p.metrics.ProcessingDuration.Observe(time.Since(start).Seconds()) }()

	grid, err := raster.ReadGeoTIFF(asset.Path)
	if err != nil {
		return domain.AssetStatistics{}, domain.E(domain.KindUnreadableAsset, op, err)
	}
	if grid.CRS == geo.Unknown {
		grid.CRS = asset.CRS
	}
	if !grid.CRS.Supported() {
		return domain.AssetStatistics{}, domain.E(domain.KindReprojection, op,
			fmt.Errorf("grid crs %s: %w", grid.CRS, geo.ErrUnsupportedCRS))
	}
	footprint, err := grid.FootprintWGS84()
	if err != nil {
		return domain.AssetStatistics{}, domain.E(domain.KindReprojection, op, err)
	}
	gridBounds := grid.Bounds()

	out := domain.AssetStatistics{AssetID: asset.ID}
	date := asset.ObservationDate()
	computedAt := domain.Now()

	for _, region := range catalog.Regions() {
		if err := ctx.Err(); err != nil {
			return domain.AssetStatistics{}, domain.E(domain.KindTransient, op, err)
		}

		if !region.Bound().Intersects(footprint) {
			out.Outcomes = append(out.Outcomes, p.skip(region.Name, domain.RegionOutsideFootprint))
			continue
		}

		boundary, err := p.cache.project(region, grid.CRS)
		if err != nil {
			return domain.AssetStatistics{}, domain.E(domain.KindReprojection, op,
				fmt.Errorf("region %q to %s: %w", region.Name, grid.CRS, err))
		}
		if !boundary.Bound().Intersects(gridBounds) {
			out.Outcomes = append(out.Outcomes, p.skip(region.Name, domain.RegionOutsideFootprint))
			continue
		}

		z, err := raster.Zonal(ctx, grid, boundary, p.opts.Rule, p.opts.Encoding, p.opts.Mode == FractionMean)
		if err != nil {
			return domain.AssetStatistics{}, domain.E(domain.KindTransient, op, err)
		}
		z.Partial = z.Partial || z.NoDataShare() > p.opts.PartialNoData
		if z.Covered == 0 {
			out.Outcomes = append(out.Outcomes, p.skip(region.Name, domain.RegionOutsideFootprint))
			continue
		}
		if z.Valid() == 0 {
			p.logger.Debug("no valid pixels",
				"asset_id", asset.ID, "region", region.Name, "cloud", z.Cloud, "no_data", z.NoData)
			out.Outcomes = append(out.Outcomes, p.skip(region.Name, domain.RegionNoValidPixels))
			continue
		}

		fraction := p.fraction(z)
		rec := domain.StatisticsRecord{
			Region:          region.Name,
			ObservationDate: date,
			SnowFraction:    fraction,
			SnowAreaKm2:     p.area(fraction, z, region, grid, boundary),
			SourceAssetID:   asset.ID,
			ComputedAt:      computedAt,
			ValidPixels:     z.Valid(),
			SnowPixels:      z.Snow,
			Partial:         z.Partial,
			Geometry:        region.Geometry,
		}
		if z.Partial {
			p.metrics.PartialCoverage.Inc()
			p.logger.Info("partial raster coverage",
				"asset_id", asset.ID, "region", region.Name, "valid_pixels", z.Valid())
		}
		out.Records = append(out.Records, rec)
		out.Outcomes = append(out.Outcomes, domain.RegionOutcome{
			Region:      region.Name,
			Status:      domain.RegionRecorded,
			Partial:     z.Partial,
			ValidPixels: z.Valid(),
			SnowPixels:  z.Snow,
		})
	}
	return out, nil
}

func (p *Processor) skip(region string, status domain.RegionStatus) domain.RegionOutcome {
	p.metrics.RegionSkips.WithLabelValues(string(status)).Inc()
	return domain.RegionOutcome{Region: region, Status: status}
}

func (p *Processor) fraction(z raster.ZonalStats) float64 {
	if p.opts.Mode == FractionMean {
		f := stat.Mean(z.Values, nil) / float64(p.opts.Encoding.ValidMax) * 100
		return min(100, max(0, f))
	}
	return float64(z.Snow) / float64(z.Valid()) * 100
}

func (p *Processor) area(fraction float64, z raster.ZonalStats, region domain.Region, grid *raster.Grid, boundary orb.MultiPolygon) float64 {
	if p.opts.Area == AreaPixel {
		row := int(grid.ToPixel(boundary.Bound().Center())[1])
		row = min(grid.Height-1, max(0, row))
		return fraction / 100 * float64(z.Valid()) * grid.CellAreaKm2(row)
	}
	return fraction / 100 * region.AreaKm2
}
