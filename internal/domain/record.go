package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
)

// AreaTolerance is the relative tolerance for fraction/area consistency.
const AreaTolerance = 1e-6

// RecordKey identifies a persisted statistics row.
type RecordKey struct {
	Region string
	Date   time.Time
}

func (k RecordKey) String() string {
	return k.Region + "|" + k.Date.Format(time.DateOnly)
}

// StatisticsRecord is the zonal summary of one raster over one region.
type StatisticsRecord struct {
	Region          string           `json:"region"`
	ObservationDate time.Time        `json:"observation_date"`
	SnowFraction    float64          `json:"snow_fraction"`
	SnowAreaKm2     float64          `json:"snow_area_km2"`
	SourceAssetID   string           `json:"source_asset_id"`
	ComputedAt      time.Time        `json:"computed_at"`
	ValidPixels     int              `json:"valid_pixels"`
	SnowPixels      int              `json:"snow_pixels"`
	Partial         bool             `json:"partial_coverage"`
	Geometry        orb.MultiPolygon `json:"-"`
}

// Key returns the (region, date) identity of the record.
func (r StatisticsRecord) Key() RecordKey {
	return RecordKey{Region: r.Region, Date: ObservationDate(r.ObservationDate)}
}

// Validate enforces the storage range invariants. Violations are
// ConstraintViolation errors; values are never clamped.
func (r StatisticsRecord) Validate() error {
	const op = "validate record"
	switch {
	case r.Region == "":
		return Errorf(KindConstraintViolation, op, "region is empty")
	case r.ObservationDate.IsZero():
		return Errorf(KindConstraintViolation, op, "%s: observation date is zero", r.Region)
	case math.IsNaN(r.SnowFraction) || r.SnowFraction < 0 || r.SnowFraction > 100:
		return Errorf(KindConstraintViolation, op, "%s: fraction %v outside [0,100]", r.Key(), r.SnowFraction)
	case math.IsNaN(r.SnowAreaKm2) || math.IsInf(r.SnowAreaKm2, 0) || r.SnowAreaKm2 < 0:
		return Errorf(KindConstraintViolation, op, "%s: area %v is negative or not finite", r.Key(), r.SnowAreaKm2)
	case r.SourceAssetID == "":
		return Errorf(KindConstraintViolation, op, "%s: source asset is empty", r.Key())
	}
	return nil
}

// ConsistentWith reports whether area = fraction/100 × regionAreaKm2 within
// the relative tolerance tol.
func (r StatisticsRecord) ConsistentWith(regionAreaKm2, tol float64) bool {
	want := r.SnowFraction / 100 * regionAreaKm2
	return math.Abs(r.SnowAreaKm2-want) <= tol*math.Max(1, regionAreaKm2)
}

func (r StatisticsRecord) String() string {
	return fmt.Sprintf("%s fraction=%.2f area=%.3fkm2 source=%s", r.Key(), r.SnowFraction, r.SnowAreaKm2, r.SourceAssetID)
}

// RegionStatus is the outcome of reducing one region over one raster.
type RegionStatus string

const (
	RegionRecorded         RegionStatus = "recorded"
	RegionOutsideFootprint RegionStatus = "outside_footprint"
	RegionNoValidPixels    RegionStatus = "no_valid_pixels"
)

// RegionOutcome describes how a region fared against one raster.
type RegionOutcome struct {
	Region      string       `json:"region"`
	Status      RegionStatus `json:"status"`
	Partial     bool         `json:"partial,omitempty"`
	ValidPixels int          `json:"valid_pixels"`
	SnowPixels  int          `json:"snow_pixels"`
}

// AssetStatistics is everything the processor derived from one raster.
type AssetStatistics struct {
	AssetID  string
	Records  []StatisticsRecord
	Outcomes []RegionOutcome
}

// Count returns the number of outcomes with the given status.
func (s AssetStatistics) Count(status RegionStatus) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// PartialCount returns the number of recorded regions with partial coverage.
func (s AssetStatistics) PartialCount() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Status == RegionRecorded && o.Partial {
			n++
		}
	}
	return n
}
