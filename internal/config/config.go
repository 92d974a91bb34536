package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/paulmach/orb"

	"github.com/couchcryptid/snow-cover-etl/internal/domain"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	// Catalog.
	STACURL          string
	STACCollection   string
	STACAssetKeys    []string
	STACPageLimit    int
	STACMaxItems     int
	CloudCoverMax    float64
	CatalogRateLimit float64

	// Credentials. Username and password are both set or both empty.
	CDSEUsername string
	CDSEPassword string
	AuthTokenURL string
	AuthClientID string

	AOI        orb.Bound
	DateRanges []domain.TimeWindow
	TimeStep   time.Duration

	RegionsFile        string
	RegionNameProperty string

	RasterCacheDir  string
	DownloadWorkers int

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryJitter      float64
	RequestTimeout   time.Duration
	DownloadTimeout  time.Duration
	ProcessTimeout   time.Duration

	// Zonal statistics.
	OverlapRule   string
	FractionMode  string
	AreaPolicy    string
	SnowThreshold int
	FSCValidMax   int
	FSCCloud      int
	FSCNoData     int
	// PartialNoData is the share of no-data pixels above which a region is partial.
	PartialNoData float64

	DatabaseURL        string
	PostgresTable      string
	BatchSize          int
	StoreRetryAttempts int
	StoreRetryBackoff  time.Duration
	StoreRetryMaxDelay time.Duration
	IngestTimeout      time.Duration

	// Publication is disabled when KafkaBrokers is empty.
	KafkaBrokers []string
	KafkaTopic   string

	// Archival is disabled when ArchiveEndpoint is empty.
	ArchiveEndpoint    string
	ArchiveAccessKey   string
	ArchiveSecretKey   string
	ArchiveBucket      string
	ArchiveUseSSL      bool
	ArchiveDeleteLocal bool

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ReportPath      string
}

const (
	defaultSTACURL      = "https://catalogue.dataspace.copernicus.eu/stac"
	defaultTokenURL     = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"
	defaultDateRanges   = "2024-01-01/2024-01-31,2025-01-01/2025-01-31"
	defaultRegionsFile  = "data/massifs/alpine_massifs.geojson"
	defaultPostgresPort = "5432"
)

// Load reads configuration from environment variables, applying defaults where
// unset. Every error is a configuration error.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, domain.E(domain.KindConfiguration, "load config", err)
	}
	return cfg, nil
}

func load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}
	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	p := &parser{}
	cfg := &Config{
		STACURL:          sharedcfg.EnvOrDefault("STAC_API_URL", defaultSTACURL),
		STACCollection:   sharedcfg.EnvOrDefault("STAC_COLLECTION", "HRSI-SWS-FSC"),
		STACAssetKeys:    splitList(sharedcfg.EnvOrDefault("STAC_ASSET_KEYS", "fsc,data")),
		STACPageLimit:    p.intIn("STAC_PAGE_LIMIT", 100, 1, 10000),
		STACMaxItems:     p.intIn("STAC_MAX_ITEMS", 100, 0, 1_000_000),
		CloudCoverMax:    p.number("CLOUD_COVER_MAX", 20),
		CatalogRateLimit: p.number("CATALOG_RATE_LIMIT", 5),

		CDSEUsername: os.Getenv("CDSE_USERNAME"),
		CDSEPassword: os.Getenv("CDSE_PASSWORD"),
		AuthTokenURL: sharedcfg.EnvOrDefault("AUTH_TOKEN_URL", defaultTokenURL),
		AuthClientID: sharedcfg.EnvOrDefault("AUTH_CLIENT_ID", "cdse-public"),

		AOI:        p.bbox("AOI_BBOX", "5.5,44.0,7.5,46.0"),
		DateRanges: p.dateRanges(),
		TimeStep:   p.duration("TIME_STEP", 24*time.Hour),

		RegionsFile:        sharedcfg.EnvOrDefault("REGIONS_FILE", defaultRegionsFile),
		RegionNameProperty: sharedcfg.EnvOrDefault("REGION_NAME_PROPERTY", "massif_name"),

		RasterCacheDir:  sharedcfg.EnvOrDefault("RASTER_CACHE_DIR", "data/rasters"),
		DownloadWorkers: p.intIn("DOWNLOAD_WORKERS", 4, 1, 64),

		RetryMaxAttempts: p.intIn("RETRY_MAX_ATTEMPTS", 5, 1, 20),
		RetryBaseDelay:   p.duration("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:    p.duration("RETRY_MAX_DELAY", 30*time.Second),
		RetryJitter:      p.number("RETRY_JITTER", 0.2),
		RequestTimeout:   p.duration("REQUEST_TIMEOUT", 30*time.Second),
		DownloadTimeout:  p.duration("DOWNLOAD_TIMEOUT", 10*time.Minute),
		ProcessTimeout:   p.duration("PROCESS_TIMEOUT", 5*time.Minute),

		OverlapRule:   sharedcfg.EnvOrDefault("OVERLAP_RULE", "centre"),
		FractionMode:  sharedcfg.EnvOrDefault("FRACTION_MODE", "binary"),
		AreaPolicy:    sharedcfg.EnvOrDefault("AREA_POLICY", "equal_area"),
		SnowThreshold: p.intIn("SNOW_THRESHOLD", 1, 0, 65535),
		FSCValidMax:   p.intIn("FSC_VALID_MAX", 100, 1, 65535),
		FSCCloud:      p.intIn("FSC_CLOUD", 205, 0, 65535),
		FSCNoData:     p.intIn("FSC_NODATA", 255, 0, 65535),
		PartialNoData: p.number("PARTIAL_NODATA_SHARE", 0.1),

		DatabaseURL:        databaseURL(),
		PostgresTable:      sharedcfg.EnvOrDefault("POSTGRES_TABLE", "snow_analysis"),
		BatchSize:          batchSize,
		StoreRetryAttempts: p.intIn("STORE_RETRY_ATTEMPTS", 3, 1, 20),
		StoreRetryBackoff:  p.duration("STORE_RETRY_BACKOFF", 200*time.Millisecond),
		StoreRetryMaxDelay: p.duration("STORE_RETRY_MAX_DELAY", 5*time.Second),
		IngestTimeout:      p.duration("INGEST_TIMEOUT", 2*time.Minute),

		KafkaBrokers: sharedcfg.ParseBrokers(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_TOPIC", "snow-statistics"),

		ArchiveEndpoint:    os.Getenv("ARCHIVE_ENDPOINT"),
		ArchiveAccessKey:   os.Getenv("ARCHIVE_ACCESS_KEY"),
		ArchiveSecretKey:   os.Getenv("ARCHIVE_SECRET_KEY"),
		ArchiveBucket:      sharedcfg.EnvOrDefault("ARCHIVE_BUCKET", "fsc-archive"),
		ArchiveUseSSL:      p.flag("ARCHIVE_USE_SSL", false),
		ArchiveDeleteLocal: p.flag("ARCHIVE_DELETE_LOCAL", false),

		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		ReportPath:      os.Getenv("REPORT_PATH"),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := url.ParseRequestURI(c.STACURL); err != nil {
		return fmt.Errorf("invalid STAC_API_URL: %w", err)
	}
	if len(c.STACAssetKeys) == 0 {
		return errors.New("STAC_ASSET_KEYS is required")
	}
	if (c.CDSEUsername == "") != (c.CDSEPassword == "") {
		return errors.New("CDSE_USERNAME and CDSE_PASSWORD must be set together")
	}
	if c.CatalogRateLimit < 0 {
		return errors.New("CATALOG_RATE_LIMIT must not be negative")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return errors.New("RETRY_JITTER must be in [0,1]")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return errors.New("RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY")
	}
	if c.PartialNoData < 0 || c.PartialNoData > 1 {
		return errors.New("PARTIAL_NODATA_SHARE must be in [0,1]")
	}
	if c.StoreRetryMaxDelay < c.StoreRetryBackoff {
		return errors.New("STORE_RETRY_MAX_DELAY must not be below STORE_RETRY_BACKOFF")
	}
	if c.ArchiveEndpoint != "" && (c.ArchiveAccessKey == "" || c.ArchiveSecretKey == "") {
		return errors.New("ARCHIVE_ACCESS_KEY and ARCHIVE_SECRET_KEY are required when ARCHIVE_ENDPOINT is set")
	}
	return nil
}

// AuthEnabled reports whether catalog credentials were supplied.
func (c *Config) AuthEnabled() bool { return c.CDSEUsername != "" }

// Steps expands every date range into time steps of TimeStep.
func (c *Config) Steps() []domain.TimeWindow {
	var out []domain.TimeWindow
	for _, w := range c.DateRanges {
		out = append(out, w.Steps(c.TimeStep)...)
	}
	return out
}

// databaseURL prefers DATABASE_URL and otherwise assembles one from the
// POSTGRES_* variables.
func databaseURL() string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	host := sharedcfg.EnvOrDefault("POSTGRES_HOST", "localhost")
	u := url.URL{
		Scheme: "postgres",
		User: url.UserPassword(
			sharedcfg.EnvOrDefault("POSTGRES_USER", "postgres"),
			sharedcfg.EnvOrDefault("POSTGRES_PASSWORD", "postgres"),
		),
		Host: host + ":" + sharedcfg.EnvOrDefault("POSTGRES_PORT", defaultPostgresPort),
		Path: "/" + sharedcfg.EnvOrDefault("POSTGRES_DB", "snowdb"),
	}
	return u.String()
}

// parser keeps the first error so Load can read every variable in one pass.
type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (p *parser) intIn(key string, def, minVal, maxVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		p.fail(key, err)
		return def
	}
	if n < minVal || n > maxVal {
		p.fail(key, fmt.Errorf("%d outside [%d,%d]", n, minVal, maxVal))
		return def
	}
	return n
}

func (p *parser) number(key string, def float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return f
}

func (p *parser) flag(key string, def bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		p.fail(key, err)
		return def
	}
	if d <= 0 {
		p.fail(key, errors.New("must be positive"))
		return def
	}
	return d
}

func (p *parser) bbox(key, def string) orb.Bound {
	s := sharedcfg.EnvOrDefault(key, def)
	parts := splitList(s)
	if len(parts) != 4 {
		p.fail(key, fmt.Errorf("%q: want west,south,east,north", s))
		return orb.Bound{}
	}
	var v [4]float64
	for i, part := range parts {
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			p.fail(key, err)
			return orb.Bound{}
		}
		v[i] = f
	}
	b := orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}
	if err := domain.ValidateBBox(b); err != nil {
		p.fail(key, err)
	}
	return b
}

// dateRanges reads DATE_RANGES, or DATE_RANGE_1 and DATE_RANGE_2 when it is
// unset.
func (p *parser) dateRanges() []domain.TimeWindow {
	key := "DATE_RANGES"
	raw := os.Getenv(key)
	if raw == "" {
		var legacy []string
		for _, k := range []string{"DATE_RANGE_1", "DATE_RANGE_2"} {
			if v := os.Getenv(k); v != "" {
				legacy = append(legacy, v)
			}
		}
		raw = strings.Join(legacy, ",")
	}
	if raw == "" {
		raw = defaultDateRanges
	}
	var out []domain.TimeWindow
	for _, part := range splitList(raw) {
		w, err := domain.ParseTimeWindow(part)
		if err != nil {
			p.fail(key, err)
			return nil
		}
		out = append(out, w)
	}
	if len(out) == 0 {
		p.fail(key, errors.New("no date range"))
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
