package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/couchcryptid/snow-cover-etl/internal/geo"
)

// CatalogQuery selects products from the remote catalog.
type CatalogQuery struct {
	Collection string
	BBox       orb.Bound
	Window     TimeWindow
}

// Validate checks the bounding box and time window.
func (q CatalogQuery) Validate() error {
	if q.Collection == "" {
		return Errorf(KindMalformedQuery, "catalog query", "collection is required")
	}
	if err := ValidateBBox(q.BBox); err != nil {
		return E(KindMalformedQuery, "catalog query", err)
	}
	if q.Window.End.Before(q.Window.Start) {
		return Errorf(KindMalformedQuery, "catalog query", "window end %s before start %s", q.Window.End, q.Window.Start)
	}
	return nil
}

// ValidateBBox checks a longitude/latitude envelope is non-empty and in range.
func ValidateBBox(b orb.Bound) error {
	if b.Min[0] >= b.Max[0] || b.Min[1] >= b.Max[1] {
		return fmt.Errorf("bbox %v is empty", b)
	}
	if b.Min[0] < -180 || b.Max[0] > 180 || b.Min[1] < -90 || b.Max[1] > 90 {
		return fmt.Errorf("bbox %v is outside longitude/latitude range", b)
	}
	return nil
}

// Checksum is a digest reported by the catalog for an asset.
type Checksum struct {
	Algorithm string // "sha256" or "md5"
	Digest    []byte
}

// IsZero reports whether no checksum is known.
func (c Checksum) IsZero() bool { return len(c.Digest) == 0 }

func (c Checksum) String() string {
	if c.IsZero() {
		return ""
	}
	return c.Algorithm + ":" + hex.EncodeToString(c.Digest)
}

// AssetDescriptor is a catalog entry that has not been downloaded yet.
type AssetDescriptor struct {
	ID         string
	Collection string
	AcquiredAt time.Time
	Footprint  orb.Bound // EPSG:4326
	CRS        geo.CRS   // grid CRS reported by the catalog, Unknown if absent
	Href       string
	MediaType  string
	Size       int64 // bytes, 0 if unknown
	Checksum   Checksum
	CloudCover *float64
}

// RasterAsset is a downloaded, integrity-checked raster in the local cache.
type RasterAsset struct {
	ID         string    `json:"id"`
	AcquiredAt time.Time `json:"acquired_at"`
	Footprint  orb.Bound `json:"-"`
	CRS        geo.CRS   `json:"crs"`
	Path       string    `json:"path"`
	SHA256     string    `json:"sha256"`
	Size       int64     `json:"size"`
	Cached     bool      `json:"cached"`
}

// ObservationDate is the UTC calendar date the asset was acquired on.
func (a RasterAsset) ObservationDate() time.Time {
	return ObservationDate(a.AcquiredAt)
}

// ObservationDate truncates t to midnight UTC.
func ObservationDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// CacheFileName returns the cache file name for an asset: fsc_YYYYMMDD_<id>.tif
// with characters unsafe for file names replaced.
func CacheFileName(id string, acquired time.Time) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
	return fmt.Sprintf("fsc_%s_%s.tif", acquired.UTC().Format("20060102"), safe)
}
