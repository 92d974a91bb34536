package geo

import (
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

// authalicRadius is the radius of the sphere with the same surface area as the WGS84 ellipsoid.
const authalicRadius = 6371007.181

// AreaKm2 returns the equal-area surface of a longitude/latitude multipolygon in km².
// Holes are subtracted.
func AreaKm2(mp orb.MultiPolygon) float64 {
	scale := (authalicRadius / orb.EarthRadius) * (authalicRadius / orb.EarthRadius)
	var total float64
	for _, poly := range mp {
		if len(poly) == 0 {
			continue
		}
		a := math.Abs(orbgeo.Area(poly[0]))
		for _, hole := range poly[1:] {
			a -= math.Abs(orbgeo.Area(hole))
		}
		if a > 0 {
			total += a
		}
	}
	return total * scale / 1e6
}

// BoundAreaKm2 returns the equal-area surface of a longitude/latitude bound in km².
func BoundAreaKm2(b orb.Bound) float64 {
	return AreaKm2(orb.MultiPolygon{b.ToPolygon()})
}
