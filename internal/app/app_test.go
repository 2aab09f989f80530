package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiered-sto/internal/config"
	"tiered-sto/internal/oracle"
	"tiered-sto/internal/storage"
)

const scenarioPath = "../scenario/testdata/offering.yaml"

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	cfg := &config.Config{
		Oracle: config.OracleConfig{
			Source:  config.OracleStatic,
			ETHUSD:  decimal.NewFromInt(500),
			POLYUSD: decimal.RequireFromString("0.25"),
		},
		Scenario: config.ScenarioConfig{Path: scenarioPath},
	}
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func TestSimulatePrintsAndExportsTiers(t *testing.T) {
	a, out := newTestApp(t)
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "nested", "tiers.csv")

	require.NoError(t, a.Simulate(context.Background(), SimulateOptions{CSVPath: csvPath}))

	text := out.String()
	assert.Contains(t, text, "Scenario acme-series-a")
	assert.Contains(t, text, "9000 tokens for 4000 POLY")
	assert.Contains(t, text, "TieredSTO")
	assert.Contains(t, text, "Finalized")

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "minted_discount_poly", rows[0][8])
	assert.Equal(t, []string{"0", "0.1", "0.05", "10000", "2000", "10000"}, rows[1][:6])
	assert.Equal(t, "2000", rows[1][8])
}

func TestSimulateWithLiveOraclesUsesConfiguredPrices(t *testing.T) {
	a, out := newTestApp(t)
	require.NoError(t, a.Simulate(context.Background(), SimulateOptions{LiveOracles: true}))
	assert.Contains(t, out.String(), "Raised USD")
}

func TestSimulateMissingScenario(t *testing.T) {
	a, _ := newTestApp(t)
	assert.Error(t, a.Simulate(context.Background(), SimulateOptions{Path: "does-not-exist.yaml"}))
}

func TestQuotePrintsFills(t *testing.T) {
	a, out := newTestApp(t)

	err := a.Quote(context.Background(), QuoteOptions{Currency: "POLY", Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	text := out.String()
	assert.Contains(t, text, "3500")
	assert.Contains(t, text, "Discounted")

	assert.Error(t, a.Quote(context.Background(), QuoteOptions{Currency: "ETH"}))
}

func TestNewOracleRegistry(t *testing.T) {
	a, _ := newTestApp(t)
	reg, closer, err := a.newOracleRegistry()
	require.NoError(t, err)
	defer closer()

	assert.Len(t, reg.Pairs(), 2)
	price, err := reg.Oracle("POLY", "USD").Price()
	require.NoError(t, err)
	assert.Equal(t, "250000000000000000", price.Dec())

	a.Config.Oracle.Source = "carrier-pigeon"
	_, _, err = a.newOracleRegistry()
	assert.Error(t, err)
}

func TestCommandsRequiringDatabase(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	assert.Error(t, a.Show(ctx, ShowOptions{Limit: 5}))
	assert.Error(t, a.Export(ctx, ExportOptions{CSVPath: "x.csv"}))
	assert.Error(t, a.Export(ctx, ExportOptions{}))
}

func TestDownsampleSamples(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := make([]storage.PriceSample, 10)
	for i := range samples {
		samples[i] = storage.PriceSample{Bucket: base.Add(time.Duration(i) * time.Minute)}
	}

	assert.Len(t, downsampleSamples(samples, 0), 10)
	got := downsampleSamples(samples, 4)
	require.Len(t, got, 4)
	assert.Equal(t, samples[0].Bucket, got[0].Bucket)
	assert.Equal(t, samples[9].Bucket, got[3].Bucket)
	assert.Equal(t, samples[9].Bucket, downsampleSamples(samples, 1)[0].Bucket)
}

func TestDownsamplePerPairAndFilter(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var samples []storage.PriceSample
	for i := 0; i < 6; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		samples = append(samples,
			storage.PriceSample{Bucket: at, Base: "ETH", Quote: "USD"},
			storage.PriceSample{Bucket: at, Base: "POLY", Quote: "USD"},
		)
	}

	got := downsamplePerPair(samples, 3)
	require.Len(t, got, 6)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Bucket.Before(got[i-1].Bucket))
	}

	poly := filterPair(samples, oracle.Pair{Base: "POLY", Quote: "USD"})
	require.Len(t, poly, 6)
	assert.Equal(t, "POLY", poly[0].Base)
	assert.Len(t, samples, 12)
}

func TestWriteSamplesCSV(t *testing.T) {
	block := int64(7)
	msg := "timeout"
	path := filepath.Join(t.TempDir(), "samples.csv")
	samples := []storage.PriceSample{
		{Bucket: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Base: "ETH", Quote: "USD", Price: decimal.NewFromInt(500), BlockNumber: &block, Status: "complete"},
		{Bucket: time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC), Base: "ETH", Quote: "USD", Status: "errored", Error: &msg},
	}
	require.NoError(t, writeSamplesCSV(path, samples))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "7", rows[1][6])
	assert.Equal(t, "timeout", rows[2][8])
}
