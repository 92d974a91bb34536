package raster

import (
	"context"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// majoritySamples is the per-axis sub-sample count for RuleMajority.
const majoritySamples = 4

// Coverage is the set of grid pixels selected by a polygon.
type Coverage struct {
	col0, row0 int
	cols, rows int
	mask       []bool

	// Count is the number of selected pixels.
	Count int
	// Partial is set when any vertex of the polygon lies outside the grid.
	// The grid is convex, so no edge can leave it otherwise.
	Partial bool
}

// Each calls fn for every selected pixel in row-major order.
func (c *Coverage) Each(fn func(col, row int)) {
	for r := 0; r < c.rows; r++ {
		for k := 0; k < c.cols; k++ {
			if c.mask[r*c.cols+k] {
				fn(c.col0+k, c.row0+r)
			}
		}
	}
}

// Contains reports whether (col, row) is selected.
func (c *Coverage) Contains(col, row int) bool {
	k, r := col-c.col0, row-c.row0
	if k < 0 || r < 0 || k >= c.cols || r >= c.rows {
		return false
	}
	return c.mask[r*c.cols+k]
}

// Mask selects the pixels of g covered by mp under rule. mp must be in the
// grid's CRS. ctx is checked once per scanned row.
func Mask(ctx context.Context, g *Grid, mp orb.MultiPolygon, rule OverlapRule) (Coverage, error) {
	pm := make(orb.MultiPolygon, len(mp))
	for i, poly := range mp {
		pm[i] = make(orb.Polygon, len(poly))
		for j, ring := range poly {
			pr := make(orb.Ring, len(ring))
			for k, p := range ring {
				pr[k] = g.ToPixel(p)
			}
			pm[i][j] = pr
		}
	}

	cov := Coverage{Partial: leavesGrid(pm, g.Width, g.Height)}
	pb := pm.Bound()
	col0 := max(0, int(math.Floor(pb.Min[0])))
	row0 := max(0, int(math.Floor(pb.Min[1])))
	col1 := min(g.Width, int(math.Ceil(pb.Max[0])))
	row1 := min(g.Height, int(math.Ceil(pb.Max[1])))
	if col0 >= col1 || row0 >= row1 {
		return cov, nil
	}
	cov.col0, cov.row0 = col0, row0
	cov.cols, cov.rows = col1-col0, row1-row0

	centre, err := scanCentres(ctx, pm, col0, row0, cov.cols, cov.rows)
	if err != nil {
		return Coverage{}, err
	}
	switch rule {
	case RuleAny:
		edges := traceEdges(pm, col0, row0, cov.cols, cov.rows)
		for i := range centre {
			centre[i] = centre[i] || edges[i]
		}
	case RuleMajority:
		edges := traceEdges(pm, col0, row0, cov.cols, cov.rows)
		for i, touched := range edges {
			if !touched {
				continue
			}
			if i%cov.cols == 0 {
				if err := ctx.Err(); err != nil {
					return Coverage{}, err
				}
			}
			col := float64(col0 + i%cov.cols)
			row := float64(row0 + i/cov.cols)
			centre[i] = majorityInside(pm, col, row)
		}
	}

	cov.mask = centre
	for _, in := range centre {
		if in {
			cov.Count++
		}
	}
	return cov, nil
}

// leavesGrid reports whether a pixel-space vertex of pm falls outside a
// width × height grid.
func leavesGrid(pm orb.MultiPolygon, width, height int) bool {
	w, h := float64(width), float64(height)
	for _, poly := range pm {
		for _, ring := range poly {
			for _, p := range ring {
				if p[0] < 0 || p[1] < 0 || p[0] > w || p[1] > h {
					return true
				}
			}
		}
	}
	return false
}

// scanCentres marks pixels whose centre lies inside pm using an even-odd
// scanline fill over all rings.
func scanCentres(ctx context.Context, pm orb.MultiPolygon, col0, row0, cols, rows int) ([]bool, error) {
	mask := make([]bool, cols*rows)
	var xs []float64
	for r := 0; r < rows; r++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		y := float64(row0+r) + 0.5
		xs = xs[:0]
		for _, poly := range pm {
			for _, ring := range poly {
				for i := 0; i+1 < len(ring); i++ {
					a, b := ring[i], ring[i+1]
					if (a[1] <= y) == (b[1] <= y) {
						continue
					}
					xs = append(xs, a[0]+(y-a[1])*(b[0]-a[0])/(b[1]-a[1]))
				}
			}
		}
		sort.Float64s(xs)
		for i := 0; i+1 < len(xs); i += 2 {
			from := max(col0, int(math.Ceil(xs[i]-0.5)))
			to := min(col0+cols-1, int(math.Ceil(xs[i+1]-0.5))-1)
			for c := from; c <= to; c++ {
				mask[r*cols+(c-col0)] = true
			}
		}
	}
	return mask, nil
}

// traceEdges marks every pixel crossed by a ring edge.
func traceEdges(pm orb.MultiPolygon, col0, row0, cols, rows int) []bool {
	mask := make([]bool, cols*rows)
	win := orb.Bound{
		Min: orb.Point{float64(col0), float64(row0)},
		Max: orb.Point{float64(col0 + cols), float64(row0 + rows)},
	}
	mark := func(c, r int) {
		k, rr := c-col0, r-row0
		if k >= 0 && rr >= 0 && k < cols && rr < rows {
			mask[rr*cols+k] = true
		}
	}
	for _, poly := range pm {
		for _, ring := range poly {
			for i := 0; i+1 < len(ring); i++ {
				a, b, ok := clipSegment(ring[i], ring[i+1], win)
				if ok {
					traverse(a, b, mark)
				}
			}
		}
	}
	return mask
}

// traverse visits every cell the segment a→b passes through.
func traverse(a, b orb.Point, visit func(c, r int)) {
	c, r := int(math.Floor(a[0])), int(math.Floor(a[1]))
	ce, re := int(math.Floor(b[0])), int(math.Floor(b[1]))
	dx, dy := b[0]-a[0], b[1]-a[1]

	stepC, tMaxX, tDeltaX := axisStep(a[0], dx, c)
	stepR, tMaxY, tDeltaY := axisStep(a[1], dy, r)

	n := absInt(ce-c) + absInt(re-r)
	visit(c, r)
	for i := 0; i < n; i++ {
		if tMaxX < tMaxY {
			c += stepC
			tMaxX += tDeltaX
		} else {
			r += stepR
			tMaxY += tDeltaY
		}
		visit(c, r)
	}
}

func axisStep(origin, d float64, cell int) (step int, tMax, tDelta float64) {
	switch {
	case d > 0:
		return 1, (float64(cell+1) - origin) / d, 1 / d
	case d < 0:
		return -1, (float64(cell) - origin) / d, -1 / d
	}
	return 0, math.Inf(1), math.Inf(1)
}

// clipSegment clips a→b to bound (Liang–Barsky).
func clipSegment(a, b orb.Point, bound orb.Bound) (orb.Point, orb.Point, bool) {
	t0, t1 := 0.0, 1.0
	dx, dy := b[0]-a[0], b[1]-a[1]
	clip := func(p, q float64) bool {
		if p == 0 {
			return q >= 0
		}
		t := q / p
		if p < 0 {
			if t > t1 {
				return false
			}
			t0 = math.Max(t0, t)
		} else {
			if t < t0 {
				return false
			}
			t1 = math.Min(t1, t)
		}
		return true
	}
	if !clip(-dx, a[0]-bound.Min[0]) || !clip(dx, bound.Max[0]-a[0]) ||
		!clip(-dy, a[1]-bound.Min[1]) || !clip(dy, bound.Max[1]-a[1]) {
		return a, b, false
	}
	return orb.Point{a[0] + t0*dx, a[1] + t0*dy}, orb.Point{a[0] + t1*dx, a[1] + t1*dy}, true
}

func majorityInside(pm orb.MultiPolygon, col, row float64) bool {
	inside := 0
	const total = majoritySamples * majoritySamples
	for i := 0; i < majoritySamples; i++ {
		for j := 0; j < majoritySamples; j++ {
			p := orb.Point{
				col + (float64(i)+0.5)/majoritySamples,
				row + (float64(j)+0.5)/majoritySamples,
			}
			if planar.MultiPolygonContains(pm, p) {
				inside++
			}
		}
	}
	return 2*inside >= total
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
