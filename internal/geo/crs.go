// Package geo converts coordinates between the reference systems used by the
// snow-cover products and the region boundaries, and measures region areas.
//
// Supported systems are the EPSG codes known to the wgs84 repository: among
// them EPSG:4326, EPSG:3857, the WGS84 UTM zones (326xx, 327xx), the ETRS89
// UTM zones (25828-25838), LAEA Europe (3035), Lambert-93 (2154) and the
// French conic conformal zones (3942-3950). Every conversion goes through
// EPSG:4326.
package geo

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/wroge/wgs84"
)

// CRS is an EPSG code. The zero value means the reference system is unknown.
type CRS int

const (
	Unknown     CRS = 0
	WGS84       CRS = 4326
	WebMercator CRS = 3857
	Lambert93   CRS = 2154
	LAEAEurope  CRS = 3035
)

// ErrUnsupportedCRS is returned for reference systems this package cannot transform.
var ErrUnsupportedCRS = errors.New("unsupported coordinate reference system")

// registry is read-only after init.
var registry = wgs84.EPSG()

// ParseCRS accepts "EPSG:32632", "epsg:4326", "urn:ogc:def:crs:EPSG::2154",
// "OGC:1.3:CRS84" (and its URN form) or a bare code.
func ParseCRS(s string) (CRS, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return Unknown, errors.New("empty crs")
	}
	upper := strings.ToUpper(v)
	if strings.HasSuffix(upper, "CRS84") {
		return WGS84, nil
	}
	if i := strings.LastIndex(upper, ":"); i >= 0 {
		upper = upper[i+1:]
	}
	code, err := strconv.Atoi(upper)
	if err != nil || code <= 0 {
		return Unknown, fmt.Errorf("parse crs %q", s)
	}
	return CRS(code), nil
}

func (c CRS) String() string {
	if c == Unknown {
		return "unknown"
	}
	return "EPSG:" + strconv.Itoa(int(c))
}

func (c CRS) system() (wgs84.CoordinateReferenceSystem, bool) {
	if c <= Unknown {
		return nil, false
	}
	s := registry.Code(int(c))
	return s, s != nil
}

// Supported reports whether c can be transformed to and from EPSG:4326.
func (c CRS) Supported() bool {
	s, ok := c.system()
	if !ok {
		return false
	}
	_, geocentric := s.(wgs84.GeocentricReferenceSystem)
	return !geocentric
}

// Geographic reports whether coordinates in c are degrees.
func (c CRS) Geographic() bool {
	s, ok := c.system()
	if !ok {
		return false
	}
	_, geographic := s.(wgs84.GeographicReferenceSystem)
	return geographic
}

// transverseMeridian returns the central meridian of the UTM zone c, if c is one.
func (c CRS) transverseMeridian() (float64, bool) {
	var zone int
	switch {
	case c >= 32601 && c <= 32660:
		zone = int(c) - 32600
	case c >= 32701 && c <= 32760:
		zone = int(c) - 32700
	case c >= 25828 && c <= 25838:
		zone = int(c) - 25800
	default:
		return 0, false
	}
	return float64(zone)*6 - 183, true
}
