package processing

import (
	"fmt"
	"strings"

	"github.com/couchcryptid/snow-cover-etl/internal/raster"
)

// FractionMode selects how the snow fraction of a region is derived.
type FractionMode string

const (
	// FractionBinary is snow pixels / valid pixels × 100.
	FractionBinary FractionMode = "binary"
	// FractionMean is the mean FSC value of the valid pixels.
	FractionMean FractionMode = "mean"
)

// ParseFractionMode accepts binary and mean.
func ParseFractionMode(s string) (FractionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "binary":
		return FractionBinary, nil
	case "mean":
		return FractionMean, nil
	}
	return "", fmt.Errorf("unknown fraction mode %q (want binary or mean)", s)
}

// AreaPolicy selects how snow area is derived from the fraction.
type AreaPolicy string

const (
	// AreaEqualArea is fraction / 100 × the region's equal-area surface.
	AreaEqualArea AreaPolicy = "equal_area"
	// AreaPixel is fraction / 100 × valid pixels × cell area.
	AreaPixel AreaPolicy = "pixel"
)

// ParseAreaPolicy accepts equal_area and pixel.
func ParseAreaPolicy(s string) (AreaPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "equal_area", "equal-area":
		return AreaEqualArea, nil
	case "pixel":
		return AreaPixel, nil
	}
	return "", fmt.Errorf("unknown area policy %q (want equal_area or pixel)", s)
}

// Options configures a Processor.
type Options struct {
	Rule      raster.OverlapRule
	Encoding  raster.Encoding
	Mode      FractionMode
	Area      AreaPolicy
	CacheSize int
	// PartialNoData flags a region as partial when more than this share of
	// its covered pixels is outside the raster's valid swath.
	PartialNoData float64
}

// DefaultOptions are the centre rule, the HR-S&I encoding, the binary
// fraction, the equal-area policy and a 10% no-data share for partial coverage.
func DefaultOptions() Options {
	return Options{
		Rule:          raster.RuleCentre,
		Encoding:      raster.DefaultEncoding(),
		Mode:          FractionBinary,
		Area:          AreaEqualArea,
		CacheSize:     512,
		PartialNoData: 0.1,
	}
}
