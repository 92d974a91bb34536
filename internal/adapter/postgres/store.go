// Package postgres persists snow statistics to a PostGIS table with one row
// per (region, observation date).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/couchcryptid/snow-cover-etl/internal/domain"
	"github.com/couchcryptid/snow-cover-etl/internal/geo"
	"github.com/couchcryptid/snow-cover-etl/internal/observability"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Config selects the table and batch size.
type Config struct {
	URL       string
	Table     string
	BatchSize int
}

// columnsPerRow is the number of bind parameters of one upserted row.
const columnsPerRow = 11

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Store is the ingestion loader.
type Store struct {
	db        DB
	pool      *pgxpool.Pool
	table     string
	batchSize int
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// Open creates a pool for cfg.URL. Connections are made lazily, so an
// unreachable server surfaces on the first Ping or query.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, metrics *observability.Metrics) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, domain.E(domain.KindConfiguration, "open store", err)
	}
	s, err := New(pool, cfg, logger, metrics)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.pool = pool
	return s, nil
}

// New wraps an existing connection.
func New(db DB, cfg Config, logger *slog.Logger, metrics *observability.Metrics) (*Store, error) {
	if !identifier.MatchString(cfg.Table) {
		return nil, domain.Errorf(domain.KindConfiguration, "store", "invalid table name %q", cfg.Table)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	// Stay under the 65535 bind parameter limit of one statement.
	if limit := 65535 / columnsPerRow; cfg.BatchSize > limit {
		cfg.BatchSize = limit
	}
	return &Store{db: db, table: cfg.Table, batchSize: cfg.BatchSize, logger: logger, metrics: metrics}, nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return domain.E(domain.KindStorageUnreachable, "ping store", err)
	}
	return nil
}

// PostGISVersion reports the installed PostGIS version.
func (s *Store) PostGISVersion(ctx context.Context) (string, error) {
	var v string
	if err := s.db.QueryRow(ctx, "SELECT postgis_full_version()").Scan(&v); err != nil {
		return "", classify("postgis version", err)
	}
	return v, nil
}

// Close releases the pool opened by Open.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the table, its indexes and the latest-per-region view.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema(s.table) {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return classify("ensure schema", err)
		}
	}
	return nil
}

func schema(table string) []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS postgis`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id              BIGSERIAL PRIMARY KEY,
	massif_name     TEXT NOT NULL,
	date_obs        DATE NOT NULL,
	snow_pct        DOUBLE PRECISION NOT NULL CHECK (snow_pct >= 0 AND snow_pct <= 100),
	snow_area_km2   DOUBLE PRECISION NOT NULL CHECK (snow_area_km2 >= 0),
	region_area_km2 DOUBLE PRECISION NOT NULL CHECK (region_area_km2 > 0),
	valid_pixels    INTEGER NOT NULL CHECK (valid_pixels > 0),
	snow_pixels     INTEGER NOT NULL CHECK (snow_pixels >= 0 AND snow_pixels <= valid_pixels),
	partial         BOOLEAN NOT NULL DEFAULT FALSE,
	source_asset    TEXT NOT NULL,
	computed_at     TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	geom            geometry(MultiPolygon, 4326) NOT NULL,
	CONSTRAINT %[1]s_region_date_key UNIQUE (massif_name, date_obs)
)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_geom_idx ON %[1]s USING GIST (geom)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_date_obs_idx ON %[1]s (date_obs)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_massif_name_idx ON %[1]s (massif_name)`, table),
		fmt.Sprintf(`CREATE OR REPLACE VIEW %[1]s_latest AS
SELECT DISTINCT ON (massif_name) *
FROM %[1]s
ORDER BY massif_name, date_obs DESC`, table),
	}
}

// UpsertBatch writes records in one transaction. Rows sharing a key with an
// existing row replace its values; within the batch the last record for a
// key wins. Every record is validated before the transaction opens and a
// single invalid record rejects the whole batch. It returns the number of
// rows written.
func (s *Store) UpsertBatch(ctx context.Context, records []domain.StatisticsRecord) (int, error) {
	const op = "upsert batch"
	if len(records) == 0 {
		return 0, nil
	}

	var invalid []error
	for _, r := range records {
		if err := r.Validate(); err != nil {
			invalid = append(invalid, err)
			continue
		}
		if len(r.Geometry) == 0 {
			invalid = append(invalid, domain.Errorf(domain.KindConstraintViolation, "validate record", "%s: geometry is empty", r.Key()))
		}
	}
	if len(invalid) > 0 {
		s.metrics.RecordsRejected.Add(float64(len(records)))
		return 0, domain.E(domain.KindConstraintViolation, op, errors.Join(invalid...))
	}

	rows := dedupe(records)
	start := time.Now()
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		for i := 0; i < len(rows); i += s.batchSize {
			chunk := rows[i:min(i+s.batchSize, len(rows))]
			sql, args, err := s.upsertStatement(chunk)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, sql, args...); err != nil {
				return err
			}
		}
		return nil
	})
	s.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		cerr := classify(op, err)
		if domain.KindOf(cerr) == domain.KindConstraintViolation {
			s.metrics.RecordsRejected.Add(float64(len(records)))
		}
		return 0, cerr
	}
	s.metrics.RecordsUpserted.Add(float64(len(rows)))
	return len(rows), nil
}

// dedupe keeps the last record for each key, in first-seen key order.
func dedupe(records []domain.StatisticsRecord) []domain.StatisticsRecord {
	index := make(map[domain.RecordKey]int, len(records))
	out := make([]domain.StatisticsRecord, 0, len(records))
	for _, r := range records {
		k := r.Key()
		if i, ok := index[k]; ok {
			out[i] = r
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out
}

func (s *Store) upsertStatement(rows []domain.StatisticsRecord) (string, []any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `INSERT INTO %s (massif_name, date_obs, snow_pct, snow_area_km2, region_area_km2,
	valid_pixels, snow_pixels, partial, source_asset, computed_at, geom) VALUES `, s.table)

	args := make([]any, 0, len(rows)*columnsPerRow)
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * columnsPerRow
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, ST_Multi(ST_GeomFromText($%d, 4326)))",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9, n+10, n+11)
		area := geo.AreaKm2(r.Geometry)
		if area <= 0 {
			return "", nil, domain.Errorf(domain.KindConstraintViolation, "upsert batch", "%s: region area is zero", r.Key())
		}
		args = append(args,
			r.Region,
			domain.ObservationDate(r.ObservationDate),
			r.SnowFraction,
			r.SnowAreaKm2,
			area,
			r.ValidPixels,
			r.SnowPixels,
			r.Partial,
			r.SourceAssetID,
			r.ComputedAt.UTC(),
			wkt.MarshalString(r.Geometry),
		)
	}
	b.WriteString(` ON CONFLICT (massif_name, date_obs) DO UPDATE SET
	snow_pct = EXCLUDED.snow_pct,
	snow_area_km2 = EXCLUDED.snow_area_km2,
	region_area_km2 = EXCLUDED.region_area_km2,
	valid_pixels = EXCLUDED.valid_pixels,
	snow_pixels = EXCLUDED.snow_pixels,
	partial = EXCLUDED.partial,
	source_asset = EXCLUDED.source_asset,
	computed_at = EXCLUDED.computed_at,
	geom = EXCLUDED.geom`)
	return b.String(), args, nil
}

// classify maps driver errors onto the ingestion error kinds.
func classify(op string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "22"):
			return domain.E(domain.KindConstraintViolation, op, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"), pgErr.Code == "53300":
			return domain.E(domain.KindStorageUnreachable, op, err)
		}
		return domain.E(domain.KindUnknown, op, err)
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connErr), errors.As(err, &netErr), pgconn.Timeout(err), pgconn.SafeToRetry(err),
		errors.Is(err, context.DeadlineExceeded):
		return domain.E(domain.KindStorageUnreachable, op, err)
	case errors.Is(err, context.Canceled):
		return domain.E(domain.KindTransient, op, err)
	}
	return domain.E(domain.KindUnknown, op, err)
}
