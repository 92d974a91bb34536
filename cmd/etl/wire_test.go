package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/snow-cover-etl/internal/config"
	"github.com/couchcryptid/snow-cover-etl/internal/domain"
	"github.com/couchcryptid/snow-cover-etl/internal/processing"
	"github.com/couchcryptid/snow-cover-etl/internal/raster"
)

func TestProcessorOptions(t *testing.T) {
	t.Setenv("OVERLAP_RULE", "any")
	t.Setenv("FRACTION_MODE", "mean")
	t.Setenv("AREA_POLICY", "pixel")
	t.Setenv("SNOW_THRESHOLD", "15")
	t.Setenv("PARTIAL_NODATA_SHARE", "0.25")
	cfg, err := config.Load()
	require.NoError(t, err)

	opts, err := processorOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, raster.RuleAny, opts.Rule)
	assert.Equal(t, processing.FractionMean, opts.Mode)
	assert.Equal(t, processing.AreaPixel, opts.Area)
	assert.Equal(t, raster.Encoding{ValidMax: 100, Cloud: 205, NoData: 255, SnowThreshold: 15}, opts.Encoding)
	assert.InDelta(t, 0.25, opts.PartialNoData, 0)
}

func TestProcessorOptions_Invalid(t *testing.T) {
	t.Setenv("OVERLAP_RULE", "touching")
	cfg, err := config.Load()
	require.NoError(t, err)

	_, err = processorOptions(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestWriteReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "run.json")
	report := domain.NewRunReport("run-1")
	report.Add(domain.StepReport{Window: "2024-01-01", State: domain.StepDone, Assets: 1, Records: 3})
	report.Close()

	require.NoError(t, writeReport(path, report))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got struct {
		RunID  string           `json:"run_id"`
		Counts domain.RunCounts `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, domain.RunCounts{Succeeded: 1, Records: 3}, got.Counts)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
