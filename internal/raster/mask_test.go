package raster

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/snow-cover-etl/internal/geo"
)

// unitGrid is 10×10 with 1 m pixels covering x∈[0,10], y∈[0,10], north-up.
func unitGrid() *Grid {
	return NewGrid(10, 10, GeoTransform{OriginX: 0, OriginY: 10, PixelWidth: 1, PixelHeight: -1}, 32632)
}

func square(x0, y0, x1, y1 float64) orb.MultiPolygon {
	return orb.MultiPolygon{{{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}}
}

func mask(t *testing.T, g *Grid, mp orb.MultiPolygon, rule OverlapRule) Coverage {
	t.Helper()
	cov, err := Mask(context.Background(), g, mp, rule)
	require.NoError(t, err)
	return cov
}

func zonal(t *testing.T, g *Grid, mp orb.MultiPolygon, collect bool) ZonalStats {
	t.Helper()
	z, err := Zonal(context.Background(), g, mp, RuleCentre, DefaultEncoding(), collect)
	require.NoError(t, err)
	return z
}

func TestMask_Rules(t *testing.T) {
	g := unitGrid()
	// Pixel space cols 2.3..5.6, rows 4.7..7.7.
	poly := square(2.3, 2.3, 5.6, 5.3)

	tests := []struct {
		rule OverlapRule
		want int
	}{
		{RuleCentre, 12},
		{RuleMajority, 11},
		{RuleAny, 16},
	}
	for _, tt := range tests {
		t.Run(string(tt.rule), func(t *testing.T) {
			cov := mask(t, g, poly, tt.rule)
			assert.Equal(t, tt.want, cov.Count)
			assert.False(t, cov.Partial)
		})
	}
}

func TestMask_CentreSelectsExpectedPixels(t *testing.T) {
	g := unitGrid()
	cov := mask(t, g, square(2.3, 2.3, 5.6, 5.3), RuleCentre)

	assert.True(t, cov.Contains(2, 5))
	assert.True(t, cov.Contains(5, 7))
	assert.False(t, cov.Contains(2, 4))
	assert.False(t, cov.Contains(6, 5))
	assert.False(t, cov.Contains(-1, 5))

	var visited int
	cov.Each(func(col, row int) {
		visited++
		assert.GreaterOrEqual(t, col, 2)
		assert.LessOrEqual(t, col, 5)
		assert.GreaterOrEqual(t, row, 5)
		assert.LessOrEqual(t, row, 7)
	})
	assert.Equal(t, 12, visited)
}

func TestMask_MajorityUsesCoveredShare(t *testing.T) {
	g := unitGrid()
	cov := mask(t, g, square(2.3, 2.3, 5.6, 5.3), RuleMajority)

	assert.False(t, cov.Contains(5, 7)) // 6/16 covered
	assert.True(t, cov.Contains(5, 5))  // 8/16 covered
	assert.True(t, cov.Contains(2, 7))  // 9/16 covered
	assert.False(t, cov.Contains(3, 4)) // 4/16 covered
	assert.True(t, cov.Contains(3, 5))  // interior
}

func TestMask_Hole(t *testing.T) {
	g := unitGrid()
	poly := orb.MultiPolygon{{
		{{1, 1}, {9, 1}, {9, 9}, {1, 9}, {1, 1}},
		{{4, 4}, {6, 4}, {6, 6}, {4, 6}, {4, 4}},
	}}
	cov := mask(t, g, poly, RuleCentre)
	assert.Equal(t, 64-4, cov.Count)
}

func TestMask_PartialAndOutside(t *testing.T) {
	g := unitGrid()

	partial := mask(t, g, square(7, 7, 15, 15), RuleCentre)
	assert.True(t, partial.Partial)
	assert.Equal(t, 9, partial.Count)

	outside := mask(t, g, square(20, 20, 30, 30), RuleAny)
	assert.Zero(t, outside.Count)
	outside.Each(func(int, int) { t.Fatal("no pixel expected") })
}

func TestMask_PartialFollowsVertices(t *testing.T) {
	g := unitGrid()

	// An L touching the grid's north and east edges, every vertex on or inside the grid.
	ell := orb.MultiPolygon{{{{0, 0}, {10, 0}, {10, 4}, {4, 4}, {4, 10}, {0, 10}, {0, 0}}}}
	cov := mask(t, g, ell, RuleCentre)
	assert.False(t, cov.Partial)
	assert.Equal(t, 100-36, cov.Count)

	// A sliver whose single outside vertex pokes past the east edge.
	spike := orb.MultiPolygon{{{{2, 2}, {10.5, 5}, {2, 8}, {2, 2}}}}
	assert.True(t, mask(t, g, spike, RuleAny).Partial)
}

func TestMask_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Mask(ctx, unitGrid(), square(2.3, 2.3, 5.6, 5.3), RuleMajority)
	require.ErrorIs(t, err, context.Canceled)

	_, err = Zonal(ctx, unitGrid(), square(2.3, 2.3, 5.6, 5.3), RuleCentre, DefaultEncoding(), false)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMask_TinyPolygonInsideOnePixel(t *testing.T) {
	g := unitGrid()
	tiny := square(3.1, 3.1, 3.3, 3.3)

	assert.Zero(t, mask(t, g, tiny, RuleCentre).Count)
	assert.Zero(t, mask(t, g, tiny, RuleMajority).Count)
	assert.Equal(t, 1, mask(t, g, tiny, RuleAny).Count)
}

func TestZonal_Counts(t *testing.T) {
	g := unitGrid()
	// Centre rule selects cols 2..5, rows 5..7. Column 5 stays 0.
	vals := []uint16{0, 40, 100, 205, 255, 250, 1, 0, 60}
	i := 0
	for r := 5; r <= 7; r++ {
		for c := 2; c <= 4; c++ {
			g.Set(c, r, vals[i])
			i++
		}
	}

	z := zonal(t, g, square(2.3, 2.3, 5.6, 5.3), true)
	assert.Equal(t, 12, z.Covered)
	assert.Equal(t, 4, z.Snow)     // 40, 100, 1, 60
	assert.Equal(t, 5, z.SnowFree) // two zeros plus column 5
	assert.Equal(t, 1, z.Cloud)
	assert.Equal(t, 2, z.NoData) // 255 and the unused code 250
	assert.Equal(t, 9, z.Valid())
	assert.InDelta(t, 2.0/12, z.NoDataShare(), 1e-12)
	assert.ElementsMatch(t, []float64{0, 40, 100, 1, 0, 60, 0, 0, 0}, z.Values)

	noValues := zonal(t, g, square(2.3, 2.3, 5.6, 5.3), false)
	assert.Nil(t, noValues.Values)
	assert.Equal(t, 4, noValues.Snow)
}

func TestClassify(t *testing.T) {
	enc := DefaultEncoding()
	assert.Equal(t, ClassSnowFree, enc.Classify(0, nil))
	assert.Equal(t, ClassSnow, enc.Classify(1, nil))
	assert.Equal(t, ClassSnow, enc.Classify(100, nil))
	assert.Equal(t, ClassCloud, enc.Classify(205, nil))
	assert.Equal(t, ClassNoData, enc.Classify(255, nil))
	assert.Equal(t, ClassNoData, enc.Classify(101, nil))

	nd := uint16(0)
	assert.Equal(t, ClassNoData, enc.Classify(0, &nd))

	enc.SnowThreshold = 50
	assert.Equal(t, ClassSnowFree, enc.Classify(49, nil))
	assert.Equal(t, ClassSnow, enc.Classify(50, nil))
	assert.Equal(t, "snow-free", ClassSnowFree.String())
}

func TestEncoding_Validate(t *testing.T) {
	require.NoError(t, DefaultEncoding().Validate())
	assert.Error(t, Encoding{ValidMax: 100, Cloud: 50, NoData: 255}.Validate())
	assert.Error(t, Encoding{ValidMax: 100, Cloud: 205, NoData: 255, SnowThreshold: 101}.Validate())
}

func TestParseOverlapRule(t *testing.T) {
	for in, want := range map[string]OverlapRule{
		"centre": RuleCentre, "Center": RuleCentre, "": RuleCentre,
		"majority": RuleMajority, "any": RuleAny, "all_touched": RuleAny,
	} {
		got, err := ParseOverlapRule(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseOverlapRule("half")
	require.Error(t, err)
}

func TestGrid_CellArea(t *testing.T) {
	g := NewGrid(2, 2, GeoTransform{OriginX: 0, OriginY: 0, PixelWidth: 20, PixelHeight: -20}, 32632)
	assert.InDelta(t, 0.0004, g.CellAreaKm2(0), 1e-12)

	ll := NewGrid(2, 2, GeoTransform{OriginX: 0, OriginY: 1, PixelWidth: 1, PixelHeight: -1}, geo.WGS84)
	assert.InDelta(t, 12_364, ll.CellAreaKm2(0), 60)
}
