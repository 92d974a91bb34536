// Package raster decodes single-band GeoTIFF products and reduces them over
// polygons.
package raster

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/couchcryptid/snow-cover-etl/internal/geo"
)

// GeoTransform maps pixel corners to world coordinates for north-up grids:
//
//	x = OriginX + col × PixelWidth
//	y = OriginY + row × PixelHeight
//
// PixelHeight is negative when row 0 is the northern edge.
type GeoTransform struct {
	OriginX     float64
	OriginY     float64
	PixelWidth  float64
	PixelHeight float64
}

// Valid reports whether both pixel sizes are finite and non-zero.
func (t GeoTransform) Valid() bool {
	ok := func(v float64) bool { return v != 0 && !math.IsNaN(v) && !math.IsInf(v, 0) }
	return ok(t.PixelWidth) && ok(t.PixelHeight)
}

// Grid is one decoded band.
type Grid struct {
	Width     int
	Height    int
	Values    []uint16 // row-major
	Transform GeoTransform
	CRS       geo.CRS
	NoData    *uint16
}

// NewGrid allocates a zero-filled grid.
func NewGrid(width, height int, t GeoTransform, crs geo.CRS) *Grid {
	return &Grid{
		Width:     width,
		Height:    height,
		Values:    make([]uint16, width*height),
		Transform: t,
		CRS:       crs,
	}
}

// At returns the value at (col, row).
func (g *Grid) At(col, row int) uint16 { return g.Values[row*g.Width+col] }

// Set writes the value at (col, row).
func (g *Grid) Set(col, row int, v uint16) { g.Values[row*g.Width+col] = v }

// Bounds returns the world envelope of the grid in its own CRS.
func (g *Grid) Bounds() orb.Bound {
	x0, y0 := g.Transform.OriginX, g.Transform.OriginY
	x1 := x0 + float64(g.Width)*g.Transform.PixelWidth
	y1 := y0 + float64(g.Height)*g.Transform.PixelHeight
	return orb.Bound{
		Min: orb.Point{math.Min(x0, x1), math.Min(y0, y1)},
		Max: orb.Point{math.Max(x0, x1), math.Max(y0, y1)},
	}
}

// ToPixel maps a world point into fractional pixel space where pixel
// (c, r) covers [c, c+1) × [r, r+1).
func (g *Grid) ToPixel(p orb.Point) orb.Point {
	return orb.Point{
		(p[0] - g.Transform.OriginX) / g.Transform.PixelWidth,
		(p[1] - g.Transform.OriginY) / g.Transform.PixelHeight,
	}
}

// PixelCentre returns the world coordinate of the centre of (col, row).
func (g *Grid) PixelCentre(col, row int) orb.Point {
	return orb.Point{
		g.Transform.OriginX + (float64(col)+0.5)*g.Transform.PixelWidth,
		g.Transform.OriginY + (float64(row)+0.5)*g.Transform.PixelHeight,
	}
}

// CellAreaKm2 returns the area of one pixel. Projected grids use the pixel
// size in metres; geographic grids use the equal-area surface of the pixel
// at the given row.
func (g *Grid) CellAreaKm2(row int) float64 {
	if !g.CRS.Geographic() {
		return math.Abs(g.Transform.PixelWidth*g.Transform.PixelHeight) / 1e6
	}
	y0 := g.Transform.OriginY + float64(row)*g.Transform.PixelHeight
	y1 := y0 + g.Transform.PixelHeight
	x0 := g.Transform.OriginX
	x1 := x0 + g.Transform.PixelWidth
	return geo.BoundAreaKm2(orb.Bound{
		Min: orb.Point{math.Min(x0, x1), math.Min(y0, y1)},
		Max: orb.Point{math.Max(x0, x1), math.Max(y0, y1)},
	})
}

// FootprintWGS84 returns the grid envelope in EPSG:4326.
func (g *Grid) FootprintWGS84() (orb.Bound, error) {
	b, err := geo.ReprojectBound(g.Bounds(), g.CRS, geo.WGS84)
	if err != nil {
		return orb.Bound{}, fmt.Errorf("grid footprint: %w", err)
	}
	return b, nil
}
