//go:build integration

package integration_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/paulmach/orb"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/couchcryptid/snow-cover-etl/internal/adapter/postgres"
	"github.com/couchcryptid/snow-cover-etl/internal/domain"
	"github.com/couchcryptid/snow-cover-etl/internal/observability"
)

const postgisImage = "postgis/postgis:16-3.4"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startPostGIS runs a PostGIS container and returns its connection URL.
func startPostGIS(ctx context.Context, t *testing.T) string {
	t.Helper()
	ctr, err := tcpostgres.Run(ctx, postgisImage,
		tcpostgres.WithDatabase("snowdb"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start postgis container")

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return url
}

// openStore connects a store and creates its schema.
func openStore(ctx context.Context, t *testing.T, url, table string) (*postgres.Store, *observability.Metrics) {
	t.Helper()
	m := observability.NewMetricsForTesting()
	store, err := postgres.Open(ctx, postgres.Config{URL: url, Table: table, BatchSize: 2}, discardLogger(), m)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.EnsureSchema(ctx))
	return store, m
}

// startKafka runs a single-node KRaft broker and returns its address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	ctr, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("snow-etl-test"))
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start kafka container")

	brokers, err := ctr.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	ctrl, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.CreateTopics(kafkago.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))
}

func square(x0, y0, x1, y1 float64) orb.MultiPolygon {
	return orb.MultiPolygon{{{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}}
}

func alpsCatalog(t *testing.T) *domain.Catalog {
	t.Helper()
	cat, err := domain.NewCatalog([]domain.Region{
		{Name: "Ecrins", Geometry: square(6.1, 44.7, 6.5, 45.0)},
		{Name: "Mercantour", Geometry: square(7.005, 44.175, 7.055, 44.195)},
		{Name: "Vercors", Geometry: square(5.3, 44.8, 5.6, 45.2)},
	})
	require.NoError(t, err)
	return cat
}

func mustDate(s string) time.Time {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return d
}

// record builds a consistent statistics record for a catalog region.
func record(cat *domain.Catalog, region, date string, fraction float64) domain.StatisticsRecord {
	r, _ := cat.Lookup(region)
	return domain.StatisticsRecord{
		Region:          region,
		ObservationDate: mustDate(date),
		SnowFraction:    fraction,
		SnowAreaKm2:     fraction / 100 * r.AreaKm2,
		SourceAssetID:   "FSC_" + date,
		ComputedAt:      domain.Now(),
		ValidPixels:     1000,
		SnowPixels:      int(fraction * 10),
		Geometry:        r.Geometry,
	}
}
