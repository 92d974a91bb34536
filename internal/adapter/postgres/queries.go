package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/couchcryptid/snow-cover-etl/internal/domain"
)

// Get reads the row for key.
func (s *Store) Get(ctx context.Context, key domain.RecordKey) (domain.StatisticsRecord, bool, error) {
	var r domain.StatisticsRecord
	err := s.db.QueryRow(ctx, fmt.Sprintf(`SELECT massif_name, date_obs, snow_pct, snow_area_km2,
	valid_pixels, snow_pixels, partial, source_asset, computed_at
FROM %s WHERE massif_name = $1 AND date_obs = $2`, s.table), key.Region, domain.ObservationDate(key.Date)).Scan(
		&r.Region, &r.ObservationDate, &r.SnowFraction, &r.SnowAreaKm2,
		&r.ValidPixels, &r.SnowPixels, &r.Partial, &r.SourceAssetID, &r.ComputedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StatisticsRecord{}, false, nil
	}
	if err != nil {
		return domain.StatisticsRecord{}, false, classify("get record", err)
	}
	r.ObservationDate = domain.ObservationDate(r.ObservationDate)
	r.ComputedAt = r.ComputedAt.UTC()
	return r, true, nil
}

// Count returns the number of rows, optionally restricted to one region.
func (s *Store) Count(ctx context.Context, region string) (int, error) {
	var n int
	var err error
	if region == "" {
		err = s.db.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", s.table)).Scan(&n)
	} else {
		err = s.db.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s WHERE massif_name = $1", s.table), region).Scan(&n)
	}
	if err != nil {
		return 0, classify("count records", err)
	}
	return n, nil
}

// AuditReport lists the keys of rows that break a table invariant.
type AuditReport struct {
	Rows          int
	OutOfRange    []string
	Inconsistent  []string
	Duplicates    []string
	StaleLatest   []string
	LatestRegions int
}

// Clean reports whether no violation was found.
func (a AuditReport) Clean() bool {
	return len(a.OutOfRange) == 0 && len(a.Inconsistent) == 0 && len(a.Duplicates) == 0 && len(a.StaleLatest) == 0
}

// Audit checks the persisted table without modifying it. tolerance is the
// relative tolerance of the fraction/area consistency check; a negative
// tolerance skips that check.
func (s *Store) Audit(ctx context.Context, tolerance float64) (AuditReport, error) {
	var a AuditReport
	var err error
	if a.Rows, err = s.Count(ctx, ""); err != nil {
		return a, err
	}

	checks := []auditCheck{
		{&a.OutOfRange, fmt.Sprintf(`SELECT massif_name, date_obs FROM %s
WHERE snow_pct < 0 OR snow_pct > 100 OR snow_area_km2 < 0
ORDER BY massif_name, date_obs`, s.table), nil},
		{&a.Duplicates, fmt.Sprintf(`SELECT massif_name, date_obs FROM %s
GROUP BY massif_name, date_obs HAVING count(*) > 1
ORDER BY massif_name, date_obs`, s.table), nil},
		{&a.StaleLatest, fmt.Sprintf(`SELECT l.massif_name, l.date_obs FROM %[1]s_latest l
JOIN (SELECT massif_name, max(date_obs) AS d FROM %[1]s GROUP BY massif_name) m USING (massif_name)
WHERE l.date_obs <> m.d
ORDER BY l.massif_name`, s.table), nil},
	}
	if tolerance >= 0 {
		checks = append(checks, auditCheck{&a.Inconsistent, fmt.Sprintf(`SELECT massif_name, date_obs FROM %s
WHERE abs(snow_area_km2 - snow_pct / 100 * region_area_km2) > $1 * greatest(1, region_area_km2)
ORDER BY massif_name, date_obs`, s.table), []any{tolerance}})
	}

	for _, c := range checks {
		keys, err := s.keys(ctx, c.sql, c.args...)
		if err != nil {
			return a, err
		}
		*c.dst = keys
	}

	if err := s.db.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s_latest", s.table)).Scan(&a.LatestRegions); err != nil {
		return a, classify("audit", err)
	}
	return a, nil
}

type auditCheck struct {
	dst  *[]string
	sql  string
	args []any
}

func (s *Store) keys(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("audit", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var region string
		var date time.Time
		if err := rows.Scan(&region, &date); err != nil {
			return nil, classify("audit", err)
		}
		out = append(out, domain.RecordKey{Region: region, Date: date}.String())
	}
	if err := rows.Err(); err != nil {
		return nil, classify("audit", err)
	}
	return out, nil
}
