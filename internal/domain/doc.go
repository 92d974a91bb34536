// Package domain models snow-cover observations over named mountain regions.
//
// # Data Source
//
// Rasters are Fractional Snow Cover (FSC) products from the Copernicus
// High-Resolution Snow & Ice service, listed by a STAC catalog (collection
// "HRSI-SWS-FSC" on the Copernicus Data Space Ecosystem). Each item is a
// single-band GeoTIFF on a projected grid, usually a WGS84 UTM zone at 20 m.
//
// # FSC Value Encoding
//
// One unsigned byte per pixel:
//
//	0–100  fraction of the pixel covered by snow, in percent
//	205    cloud, or cloud shadow
//	255    no data (outside swath, fill)
//	other  treated as no data
//
// A pixel is snow-covered when its FSC value is at least the configured
// threshold (default 1, i.e. any detected snow). Cloud and no-data pixels are
// excluded from both the numerator and the denominator of the snow fraction.
//
// # Regions
//
// Regions (massifs) are polygons loaded from a GeoJSON FeatureCollection and
// held in EPSG:4326. Each region's true area is computed once on the WGS84
// authalic sphere, so snow area = fraction / 100 × region area holds exactly
// for every record produced under the equal-area policy.
//
// # Identity
//
// A StatisticsRecord is identified by (region, observation date). The store
// upserts on that key, so re-running any time range replaces rather than
// duplicates rows and two rasters of the same day resolve as last write wins.
package domain
