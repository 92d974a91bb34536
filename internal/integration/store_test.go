//go:build integration

package integration_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/snow-cover-etl/internal/domain"
)

// TestStore_ReingestOverwrites covers the Ecrins 50 → 55 scenario against a
// real PostGIS: one row remains and the second write wins.
func TestStore_ReingestOverwrites(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	url := startPostGIS(ctx, t)
	store, _ := openStore(ctx, t, url, "snow_analysis")
	require.NoError(t, store.EnsureSchema(ctx), "schema bootstrap is repeatable")

	version, err := store.PostGISVersion(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, version)

	cat := alpsCatalog(t)
	key := domain.RecordKey{Region: "Ecrins", Date: mustDate("2021-03-01")}

	n, err := store.UpsertBatch(ctx, []domain.StatisticsRecord{record(cat, "Ecrins", "2021-03-01", 50)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.UpsertBatch(ctx, []domain.StatisticsRecord{record(cat, "Ecrins", "2021-03-01", 55)})
	require.NoError(t, err)

	count, err := store.Count(ctx, "Ecrins")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 55.0, got.SnowFraction, 1e-9)
	region, _ := cat.Lookup("Ecrins")
	assert.InDelta(t, 0.55*region.AreaKm2, got.SnowAreaKm2, 1e-6)

	audit, err := store.Audit(ctx, domain.AreaTolerance)
	require.NoError(t, err)
	assert.True(t, audit.Clean(), "audit: %+v", audit)
	assert.Equal(t, 1, audit.Rows)
	assert.Equal(t, 1, audit.LatestRegions)
}

func TestStore_MultiChunkBatchAndLatestView(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	url := startPostGIS(ctx, t)
	store, m := openStore(ctx, t, url, "snow_latest")
	cat := alpsCatalog(t)

	// BatchSize is 2, so five records span three statements in one transaction.
	records := []domain.StatisticsRecord{
		record(cat, "Ecrins", "2024-01-01", 10),
		record(cat, "Ecrins", "2024-01-03", 30),
		record(cat, "Ecrins", "2024-01-02", 20),
		record(cat, "Vercors", "2024-01-01", 5),
		record(cat, "Mercantour", "2024-01-02", 40),
	}
	n, err := store.UpsertBatch(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.InDelta(t, 5, testutil.ToFloat64(m.RecordsUpserted), 0)

	audit, err := store.Audit(ctx, domain.AreaTolerance)
	require.NoError(t, err)
	assert.True(t, audit.Clean(), "audit: %+v", audit)
	assert.Equal(t, 5, audit.Rows)
	assert.Equal(t, 3, audit.LatestRegions)
}

func TestStore_InvalidRecordRejectsWholeBatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	url := startPostGIS(ctx, t)
	store, _ := openStore(ctx, t, url, "snow_reject")
	cat := alpsCatalog(t)

	bad := record(cat, "Vercors", "2024-01-02", 20)
	bad.SnowFraction = 120
	_, err := store.UpsertBatch(ctx, []domain.StatisticsRecord{
		record(cat, "Ecrins", "2024-01-02", 20),
		bad,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConstraintViolation)

	count, err := store.Count(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, count)
}
