package processing

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"

	"github.com/couchcryptid/snow-cover-etl/internal/domain"
	"github.com/couchcryptid/snow-cover-etl/internal/geo"
	"github.com/couchcryptid/snow-cover-etl/internal/observability"
)

type cacheKey struct {
	region string
	crs    geo.CRS
}

// geometryCache holds region boundaries reprojected into raster grids. Most
// products of a run share a handful of UTM zones, so each region is
// transformed once per zone.
type geometryCache struct {
	cache   *lru.Cache[cacheKey, orb.MultiPolygon]
	metrics *observability.Metrics
}

func newGeometryCache(size int, metrics *observability.Metrics) *geometryCache {
	if size <= 0 {
		size = 1
	}
	c, err := lru.New[cacheKey, orb.MultiPolygon](size)
	if err != nil {
		panic(err) // only returned for a non-positive size
	}
	return &geometryCache{cache: c, metrics: metrics}
}

// project returns region's boundary in crs.
func (c *geometryCache) project(region domain.Region, crs geo.CRS) (orb.MultiPolygon, error) {
	if crs == region.CRS {
		return region.Geometry, nil
	}
	key := cacheKey{region: region.Name, crs: crs}
	if mp, ok := c.cache.Get(key); ok {
		c.metrics.ReprojectionCache.WithLabelValues("hit").Inc()
		return mp, nil
	}
	c.metrics.ReprojectionCache.WithLabelValues("miss").Inc()
	mp, err := geo.ReprojectMultiPolygon(region.Geometry, region.CRS, crs)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, mp)
	return mp, nil
}
