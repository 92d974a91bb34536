package domain

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/couchcryptid/snow-cover-etl/internal/geo"
)

// Region is a named analysis boundary. Geometry is held in EPSG:4326.
type Region struct {
	Name        string
	Geometry    orb.MultiPolygon
	CRS         geo.CRS
	DeclaredCRS geo.CRS
	AreaKm2     float64
}

// Bound returns the longitude/latitude envelope of the region.
func (r Region) Bound() orb.Bound { return r.Geometry.Bound() }

// Catalog is the immutable set of regions used for a run. It is safe for
// concurrent readers; nothing mutates it after construction.
type Catalog struct {
	regions []Region
	index   map[string]int
	bound   orb.Bound
}

// CatalogOptions controls how a GeoJSON region file is interpreted.
type CatalogOptions struct {
	// NameProperty is the feature property holding the region name. The
	// "name" property is used when it is absent.
	NameProperty string
}

// NewCatalog validates regions and builds a catalog. Region geometry must
// already be in EPSG:4326.
func NewCatalog(regions []Region) (*Catalog, error) {
	if len(regions) == 0 {
		return nil, Errorf(KindConfiguration, "region catalog", "no regions")
	}
	c := &Catalog{
		regions: make([]Region, len(regions)),
		index:   make(map[string]int, len(regions)),
	}
	for i, r := range regions {
		if strings.TrimSpace(r.Name) == "" {
			return nil, Errorf(KindConfiguration, "region catalog", "region %d has no name", i)
		}
		if _, dup := c.index[r.Name]; dup {
			return nil, Errorf(KindConfiguration, "region catalog", "duplicate region name %q", r.Name)
		}
		if err := validateMultiPolygon(r.Geometry); err != nil {
			return nil, Errorf(KindConfiguration, "region catalog", "region %q: %v", r.Name, err)
		}
		if r.CRS == geo.Unknown {
			r.CRS = geo.WGS84
		}
		if r.CRS != geo.WGS84 {
			return nil, Errorf(KindConfiguration, "region catalog", "region %q is in %s, want EPSG:4326", r.Name, r.CRS)
		}
		if r.DeclaredCRS == geo.Unknown {
			r.DeclaredCRS = r.CRS
		}
		if r.AreaKm2 <= 0 {
			r.AreaKm2 = geo.AreaKm2(r.Geometry)
		}
		if r.AreaKm2 <= 0 {
			return nil, Errorf(KindConfiguration, "region catalog", "region %q has zero area", r.Name)
		}
		c.regions[i] = r
		c.index[r.Name] = i
		if i == 0 {
			c.bound = r.Bound()
		} else {
			c.bound = c.bound.Union(r.Bound())
		}
	}
	return c, nil
}

// LoadCatalogFile reads a GeoJSON FeatureCollection of region boundaries.
func LoadCatalogFile(path string, opts CatalogOptions) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, E(KindConfiguration, "region catalog", err)
	}
	defer f.Close()
	return LoadCatalog(f, opts)
}

// LoadCatalog decodes a GeoJSON FeatureCollection. A legacy "crs" member
// declares the coordinate system; geometry is normalised to EPSG:4326.
func LoadCatalog(r io.Reader, opts CatalogOptions) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, E(KindConfiguration, "region catalog", err)
	}

	declared, err := declaredCRS(data)
	if err != nil {
		return nil, E(KindConfiguration, "region catalog", err)
	}
	if !declared.Supported() {
		return nil, Errorf(KindConfiguration, "region catalog", "regions declared in %s: %v", declared, geo.ErrUnsupportedCRS)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, Errorf(KindConfiguration, "region catalog", "decode geojson: %v", err)
	}

	regions := make([]Region, 0, len(fc.Features))
	for i, f := range fc.Features {
		name := featureName(f, opts.NameProperty)
		if name == "" {
			return nil, Errorf(KindConfiguration, "region catalog", "feature %d has no name", i)
		}

		var mp orb.MultiPolygon
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			mp = orb.MultiPolygon{g}
		case orb.MultiPolygon:
			mp = g
		default:
			return nil, Errorf(KindConfiguration, "region catalog", "region %q: geometry %T is not a polygon", name, f.Geometry)
		}

		if declared != geo.WGS84 {
			mp, err = geo.ReprojectMultiPolygon(mp, declared, geo.WGS84)
			if err != nil {
				return nil, Errorf(KindConfiguration, "region catalog", "region %q: %v", name, err)
			}
		}

		regions = append(regions, Region{
			Name:        name,
			Geometry:    mp,
			CRS:         geo.WGS84,
			DeclaredCRS: declared,
		})
	}
	return NewCatalog(regions)
}

// Regions returns the regions in load order. The slice is a copy; the
// geometries it references must be treated as read-only.
func (c *Catalog) Regions() []Region {
	out := make([]Region, len(c.regions))
	copy(out, c.regions)
	return out
}

// Lookup returns the region with the given name.
func (c *Catalog) Lookup(name string) (Region, bool) {
	i, ok := c.index[name]
	if !ok {
		return Region{}, false
	}
	return c.regions[i], true
}

// Len returns the number of regions.
func (c *Catalog) Len() int { return len(c.regions) }

// Bound returns the envelope of all regions in EPSG:4326.
func (c *Catalog) Bound() orb.Bound { return c.bound }

// Names returns the sorted region names.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.regions))
	for _, r := range c.regions {
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names
}

func featureName(f *geojson.Feature, prop string) string {
	for _, key := range []string{prop, "name"} {
		if key == "" {
			continue
		}
		if v, ok := f.Properties[key]; ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

func declaredCRS(data []byte) (geo.CRS, error) {
	var doc struct {
		CRS *struct {
			Properties struct {
				Name string `json:"name"`
			} `json:"properties"`
		} `json:"crs"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return geo.Unknown, fmt.Errorf("decode geojson: %w", err)
	}
	if doc.CRS == nil || doc.CRS.Properties.Name == "" {
		return geo.WGS84, nil
	}
	return geo.ParseCRS(doc.CRS.Properties.Name)
}

func validateMultiPolygon(mp orb.MultiPolygon) error {
	if len(mp) == 0 {
		return fmt.Errorf("empty geometry")
	}
	for pi, poly := range mp {
		if len(poly) == 0 {
			return fmt.Errorf("polygon %d has no rings", pi)
		}
		for ri, ring := range poly {
			if err := validateRing(ring); err != nil {
				return fmt.Errorf("polygon %d ring %d: %w", pi, ri, err)
			}
		}
	}
	return nil
}

func validateRing(ring orb.Ring) error {
	if len(ring) < 4 {
		return fmt.Errorf("ring has %d positions, need at least 4", len(ring))
	}
	if !ring.Closed() {
		return fmt.Errorf("ring is not closed")
	}
	n := len(ring) - 1
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsIntersect(ring[i], ring[i+1], ring[j], ring[j+1]) {
				return fmt.Errorf("ring self-intersects between edges %d and %d", i, j)
			}
		}
	}
	return nil
}

func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := orient(q1, q2, p1)
	d2 := orient(q1, q2, p2)
	d3 := orient(p1, p2, q1)
	d4 := orient(p1, p2, q2)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}

func orient(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p orb.Point) bool {
	return p[0] >= min(a[0], b[0]) && p[0] <= max(a[0], b[0]) &&
		p[1] >= min(a[1], b[1]) && p[1] <= max(a[1], b[1])
}
