package raster

import (
	"context"

	"github.com/paulmach/orb"
)

// ZonalStats are the pixel counts of one polygon over one grid.
type ZonalStats struct {
	Covered  int
	Snow     int
	SnowFree int
	Cloud    int
	NoData   int
	Partial  bool

	// Values holds the FSC value of every valid pixel when collection was requested.
	Values []float64
}

// Valid is the number of snow and snow-free pixels.
func (z ZonalStats) Valid() int { return z.Snow + z.SnowFree }

// NoDataShare is the fraction of covered pixels outside the raster's valid swath.
func (z ZonalStats) NoDataShare() float64 {
	if z.Covered == 0 {
		return 0
	}
	return float64(z.NoData) / float64(z.Covered)
}

// Zonal classifies every pixel of g selected by mp. mp must be in the grid's
// CRS. ctx is checked once per row, and its error is returned unwrapped.
func Zonal(ctx context.Context, g *Grid, mp orb.MultiPolygon, rule OverlapRule, enc Encoding, collect bool) (ZonalStats, error) {
	cov, err := Mask(ctx, g, mp, rule)
	if err != nil {
		return ZonalStats{}, err
	}
	z := ZonalStats{Covered: cov.Count, Partial: cov.Partial}
	if collect {
		z.Values = make([]float64, 0, cov.Count)
	}
	for r := 0; r < cov.rows; r++ {
		if err := ctx.Err(); err != nil {
			return ZonalStats{}, err
		}
		row := cov.row0 + r
		for k := 0; k < cov.cols; k++ {
			if !cov.mask[r*cov.cols+k] {
				continue
			}
			v := g.At(cov.col0+k, row)
			switch enc.Classify(v, g.NoData) {
			case ClassSnow:
				z.Snow++
			case ClassSnowFree:
				z.SnowFree++
			case ClassCloud:
				z.Cloud++
				continue
			default:
				z.NoData++
				continue
			}
			if collect {
				z.Values = append(z.Values, float64(v))
			}
		}
	}
	return z, nil
}
