package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/wroge/wgs84"
)

const (
	// maxMercatorLat is the latitude limit of EPSG:3857.
	maxMercatorLat = 85.05112878
	// Transverse Mercator is evaluated at most this far from the central meridian.
	maxLonOffset = 45.0
	maxUTMLat    = 84.5

	// Inverse projections are refined until the forward image is this close, in metres.
	inverseTolerance = 1e-5
	inverseSteps     = 4
	jacobianStep     = 1e-6
)

// pointFunc transforms one point.
type pointFunc func(orb.Point) (orb.Point, error)

// transformer builds the conversion from one system to another. Both legs go
// through EPSG:4326 so the target's domain can be checked in degrees.
func transformer(from, to CRS) (pointFunc, error) {
	src, ok := from.system()
	if !ok || !from.Supported() {
		return nil, fmt.Errorf("%s: %w", from, ErrUnsupportedCRS)
	}
	dst, ok := to.system()
	if !ok || !to.Supported() {
		return nil, fmt.Errorf("%s: %w", to, ErrUnsupportedCRS)
	}
	if from == to {
		return func(p orb.Point) (orb.Point, error) { return p, nil }, nil
	}

	lonLat := wgs84.LonLat()
	toLonLat := wgs84.Transform(src, lonLat)
	fromLonLat := wgs84.Transform(lonLat, dst)
	var srcForward wgs84.Func
	if !from.Geographic() {
		srcForward = wgs84.Transform(lonLat, src)
	}

	return func(p orb.Point) (orb.Point, error) {
		ll := p
		if from != WGS84 {
			lon, lat, _ := toLonLat(p[0], p[1], 0)
			ll = orb.Point{lon, lat}
			if srcForward != nil {
				ll = refineInverse(srcForward, p, ll)
			}
			if !finite(ll) {
				return orb.Point{}, fmt.Errorf("%s point %v has no geographic equivalent", from, p)
			}
		}
		if err := checkDomain(to, ll); err != nil {
			return orb.Point{}, err
		}
		if to == WGS84 {
			return ll, nil
		}
		x, y, _ := fromLonLat(ll[0], ll[1], 0)
		out := orb.Point{x, y}
		if !finite(out) {
			return orb.Point{}, fmt.Errorf("point %v cannot be projected to %s", ll, to)
		}
		return out, nil
	}, nil
}

// refineInverse improves the approximate inverse ll of the projected point p
// with Newton steps against the forward projection.
func refineInverse(forward wgs84.Func, p, ll orb.Point) orb.Point {
	for range inverseSteps {
		if !finite(ll) {
			return ll
		}
		e, n, _ := forward(ll[0], ll[1], 0)
		de, dn := p[0]-e, p[1]-n
		if math.Abs(de) < inverseTolerance && math.Abs(dn) < inverseTolerance {
			return ll
		}
		e1, n1, _ := forward(ll[0]+jacobianStep, ll[1], 0)
		e2, n2, _ := forward(ll[0], ll[1]+jacobianStep, 0)
		a, b := (e1-e)/jacobianStep, (e2-e)/jacobianStep
		c, d := (n1-n)/jacobianStep, (n2-n)/jacobianStep
		det := a*d - b*c
		if det == 0 || math.IsNaN(det) {
			return ll
		}
		ll = orb.Point{ll[0] + (d*de-b*dn)/det, ll[1] + (a*dn-c*de)/det}
	}
	return ll
}

// checkDomain rejects geographic points outside the usable extent of c.
func checkDomain(c CRS, ll orb.Point) error {
	lon, lat := ll[0], ll[1]
	if !finite(ll) || math.Abs(lat) > 90 {
		return fmt.Errorf("invalid geographic point %v", ll)
	}
	if c == WebMercator && math.Abs(lat) > maxMercatorLat {
		return fmt.Errorf("latitude %.4f outside web mercator domain", lat)
	}
	if lon0, ok := c.transverseMeridian(); ok {
		if math.Abs(lat) > maxUTMLat || math.Abs(normalizeLon(lon-lon0)) > maxLonOffset {
			return fmt.Errorf("point (%.6f, %.6f) outside %s domain", lon, lat, c)
		}
	}
	return nil
}

func finite(p orb.Point) bool {
	return !math.IsNaN(p[0]) && !math.IsNaN(p[1]) && !math.IsInf(p[0], 0) && !math.IsInf(p[1], 0)
}

func normalizeLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}

// ToWGS84 converts a point expressed in c to longitude/latitude degrees.
func ToWGS84(c CRS, p orb.Point) (orb.Point, error) {
	return TransformPoint(c, WGS84, p)
}

// FromWGS84 converts a longitude/latitude point into c.
func FromWGS84(c CRS, p orb.Point) (orb.Point, error) {
	return TransformPoint(WGS84, c, p)
}

// TransformPoint converts p from one reference system to another.
func TransformPoint(from, to CRS, p orb.Point) (orb.Point, error) {
	fn, err := transformer(from, to)
	if err != nil {
		return orb.Point{}, err
	}
	return fn(p)
}

// ReprojectMultiPolygon returns a transformed copy of mp. The input is not modified.
func ReprojectMultiPolygon(mp orb.MultiPolygon, from, to CRS) (orb.MultiPolygon, error) {
	fn, err := transformer(from, to)
	if err != nil {
		return nil, err
	}
	out := make(orb.MultiPolygon, len(mp))
	for i, poly := range mp {
		out[i] = make(orb.Polygon, len(poly))
		for j, ring := range poly {
			r := make(orb.Ring, len(ring))
			for k, p := range ring {
				q, err := fn(p)
				if err != nil {
					return nil, err
				}
				r[k] = q
			}
			out[i][j] = r
		}
	}
	return out, nil
}

// ReprojectBound transforms the corners and edge midpoints of b and returns
// their enclosing bound in the target system.
func ReprojectBound(b orb.Bound, from, to CRS) (orb.Bound, error) {
	const steps = 8
	fn, err := transformer(from, to)
	if err != nil {
		return orb.Bound{}, err
	}
	var out orb.Bound
	first := true
	for i := 0; i <= steps; i++ {
		f := float64(i) / steps
		x := b.Min[0] + f*(b.Max[0]-b.Min[0])
		y := b.Min[1] + f*(b.Max[1]-b.Min[1])
		for _, p := range []orb.Point{{x, b.Min[1]}, {x, b.Max[1]}, {b.Min[0], y}, {b.Max[0], y}} {
			q, err := fn(p)
			if err != nil {
				return orb.Bound{}, err
			}
			if first {
				out = orb.Bound{Min: q, Max: q}
				first = false
				continue
			}
			out = out.Extend(q)
		}
	}
	return out, nil
}
