// Command genmock writes a synthetic fractional snow-cover GeoTIFF and a
// matching single-massif GeoJSON for local smoke runs of the ETL. The raster
// is a 10 km UTM 32N tile at 20 m resolution, DEFLATE-compressed, using the
// Copernicus FSC encoding (0-100 percent, 205 cloud, 255 no data).
//
// Usage:
//
//	go run ./cmd/genmock \
//	  -out-dir data/mock \
//	  -date 2020-01-15 \
//	  -snow 0.4 -cloud 0.1
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/couchcryptid/snow-cover-etl/internal/geo"
	"github.com/couchcryptid/snow-cover-etl/internal/raster"
)

const (
	tileSize  = 500  // pixels
	pixelSize = 20.0 // metres
	// South-west corner of the tile in UTM 32N, over the Mercantour.
	originX = 340_000.0
	originY = 4_890_000.0
	// The massif is inset from the tile edge.
	inset = 2_000.0
)

var utm32N = geo.CRS(32632)

type options struct {
	outDir string
	date   time.Time
	snow   float64
	cloud  float64
	seed   uint64
	name   string
}

// summary reports the pixel counts inside the massif.
type summary struct {
	Raster      string  `json:"raster"`
	Regions     string  `json:"regions"`
	ValidPixels int     `json:"valid_pixels"`
	SnowPixels  int     `json:"snow_pixels"`
	Fraction    float64 `json:"expected_fraction"`
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	outDir := flag.String("out-dir", "data/mock", "output directory")
	dateStr := flag.String("date", "2020-01-15", "acquisition date (YYYY-MM-DD)")
	snow := flag.Float64("snow", 0.4, "probability that a clear pixel is snow-covered")
	cloud := flag.Float64("cloud", 0.1, "probability that a pixel is cloud")
	seed := flag.Uint64("seed", 1, "random seed")
	name := flag.String("name", "Mercantour", "massif name")
	flag.Parse()

	date, err := time.Parse(time.DateOnly, *dateStr)
	if err != nil {
		return fmt.Errorf("invalid -date: %w", err)
	}
	if *snow < 0 || *snow > 1 || *cloud < 0 || *cloud > 1 {
		return fmt.Errorf("-snow and -cloud must be in [0,1]")
	}

	s, err := generate(options{outDir: *outDir, date: date, snow: *snow, cloud: *cloud, seed: *seed, name: *name})
	if err != nil {
		return err
	}
	log.Printf("wrote raster: %s", s.Raster)
	log.Printf("wrote regions: %s", s.Regions)
	log.Printf("%s: %d valid pixels, %d snow, expected fraction %.2f%%", *name, s.ValidPixels, s.SnowPixels, s.Fraction)
	return nil
}

func generate(o options) (summary, error) {
	if err := os.MkdirAll(o.outDir, 0o755); err != nil {
		return summary{}, err
	}

	g := raster.NewGrid(tileSize, tileSize, raster.GeoTransform{
		OriginX:     originX,
		OriginY:     originY + tileSize*pixelSize,
		PixelWidth:  pixelSize,
		PixelHeight: -pixelSize,
	}, utm32N)

	region := orb.Polygon{{
		{originX + inset, originY + inset},
		{originX + tileSize*pixelSize - inset, originY + inset},
		{originX + tileSize*pixelSize - inset, originY + tileSize*pixelSize - inset},
		{originX + inset, originY + tileSize*pixelSize - inset},
		{originX + inset, originY + inset},
	}}

	rng := rand.New(rand.NewPCG(o.seed, o.seed^0x9e3779b97f4a7c15)) //nolint:gosec // synthetic data
	s := summary{}
	for row := 0; row < g.Height; row++ {
		for col := 0; col < g.Width; col++ {
			var v uint16
			switch {
			case rng.Float64() < o.cloud:
				v = 205
			case rng.Float64() < o.snow:
				v = uint16(1 + rng.IntN(100)) //nolint:gosec // 1..100
			}
			g.Set(col, row, v)
			if v != 205 && planar.PolygonContains(region, g.PixelCentre(col, row)) {
				s.ValidPixels++
				if v > 0 {
					s.SnowPixels++
				}
			}
		}
	}
	if s.ValidPixels > 0 {
		s.Fraction = float64(s.SnowPixels) / float64(s.ValidPixels) * 100
	}

	s.Raster = filepath.Join(o.outDir, fmt.Sprintf("fsc_%s_mock.tif", o.date.Format("20060102")))
	if err := raster.WriteGeoTIFFFile(s.Raster, g, raster.WriteOptions{Compression: raster.CompressDeflate, Predictor: true}); err != nil {
		return summary{}, fmt.Errorf("write raster: %w", err)
	}

	s.Regions = filepath.Join(o.outDir, "mock_massifs.geojson")
	if err := writeRegions(s.Regions, o.name, region); err != nil {
		return summary{}, fmt.Errorf("write regions: %w", err)
	}
	return s, nil
}

// writeRegions writes the massif in UTM coordinates with a legacy crs member,
// which the region loader normalises to EPSG:4326.
func writeRegions(path, name string, poly orb.Polygon) error {
	f := geojson.NewFeature(poly)
	f.Properties["massif_name"] = name
	fc := geojson.NewFeatureCollection().Append(f)
	fc.ExtraMembers = geojson.Properties{
		"crs": map[string]any{
			"type":       "name",
			"properties": map[string]any{"name": "urn:ogc:def:crs:EPSG::32632"},
		},
	}
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644) //nolint:gosec // fixture file
}
