package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"tiered-sto/internal/fixedpoint"
	"tiered-sto/internal/oracle"
	"tiered-sto/internal/scenario"
	"tiered-sto/internal/storage"
)

// Export renders historical oracle samples as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	samples, err := store.ListSamplesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Msg("no samples found for export window")
		return nil
	}

	if opts.Pair != nil {
		samples = filterPair(samples, *opts.Pair)
	}
	downsampled := downsamplePerPair(samples, opts.MaxPoints)
	a.Logger.Info().Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func filterPair(samples []storage.PriceSample, pair oracle.Pair) []storage.PriceSample {
	out := samples[:0:0]
	for _, s := range samples {
		if s.Base == pair.Base && s.Quote == pair.Quote {
			out = append(out, s)
		}
	}
	return out
}

// downsamplePerPair keeps at most max samples of each pair, preserving the
// bucket ordering of the input.
func downsamplePerPair(samples []storage.PriceSample, max int) []storage.PriceSample {
	var order []oracle.Pair
	groups := map[oracle.Pair][]storage.PriceSample{}
	for _, s := range samples {
		p := oracle.Pair{Base: s.Base, Quote: s.Quote}
		if _, ok := groups[p]; !ok {
			order = append(order, p)
		}
		groups[p] = append(groups[p], s)
	}
	out := make([]storage.PriceSample, 0, len(samples))
	for _, p := range order {
		out = append(out, downsampleSamples(groups[p], max)...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out
}

func downsampleSamples(samples []storage.PriceSample, max int) []storage.PriceSample {
	if max <= 0 || len(samples) <= max {
		return samples
	}
	if max == 1 {
		return samples[len(samples)-1:]
	}

	result := make([]storage.PriceSample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, samples []storage.PriceSample) error {
	return writeCSV(path, []string{"bucket_ts", "base", "quote", "price", "deviation_pct", "source", "block_number", "status", "error"},
		len(samples), func(i int) []string {
			sample := samples[i]
			errMsg, block := "", ""
			if sample.Error != nil {
				errMsg = *sample.Error
			}
			if sample.BlockNumber != nil {
				block = strconv.FormatInt(*sample.BlockNumber, 10)
			}
			return []string{
				sample.Bucket.Format(time.RFC3339),
				sample.Base,
				sample.Quote,
				sample.Price.String(),
				sample.DeviationPct.String(),
				sample.Source,
				block,
				sample.Status,
				errMsg,
			}
		})
}

// writeSamplesPNG plots one price line per pair. Pairs alternate between the
// primary and secondary axis since ETH and POLY prices differ by orders of magnitude.
func writeSamplesPNG(path string, samples []storage.PriceSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	type line struct {
		x []time.Time
		y []float64
	}
	var order []string
	lines := map[string]*line{}
	for _, sample := range samples {
		if sample.Status != "complete" {
			continue
		}
		key := sample.Base + "/" + sample.Quote
		l, ok := lines[key]
		if !ok {
			l = &line{}
			lines[key] = l
			order = append(order, key)
		}
		l.x = append(l.x, sample.Bucket)
		l.y = append(l.y, sample.Price.InexactFloat64())
	}
	if len(order) == 0 {
		return errors.New("no complete samples to plot")
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	series := make([]chart.Series, 0, len(order))
	for i, key := range order {
		ts := chart.TimeSeries{Name: key, XValues: lines[key].x, YValues: lines[key].y}
		if i%2 == 1 {
			ts.YAxis = chart.YAxisSecondary
		}
		series = append(series, ts)
	}

	secondary := "Price (USD)"
	if len(order) > 1 {
		secondary = order[1] + " (USD)"
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           order[0] + " (USD)",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           secondary,
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func writeTiersCSV(path string, tiers []scenario.TierRow) error {
	return writeCSV(path, []string{"tier", "rate", "discount_rate", "total_cap", "discount_cap", "minted", "minted_eth", "minted_poly", "minted_discount_poly", "reserve"},
		len(tiers), func(i int) []string {
			t := tiers[i]
			return []string{
				strconv.Itoa(t.Index),
				fixedpoint.Format(t.Tier.Rate),
				fixedpoint.Format(t.Tier.DiscountRate),
				fixedpoint.Format(t.Tier.TotalCap),
				fixedpoint.Format(t.Tier.DiscountCap),
				fixedpoint.Format(t.State.Minted),
				fixedpoint.Format(t.State.MintedETH),
				fixedpoint.Format(t.State.MintedPOLY),
				fixedpoint.Format(t.State.MintedDiscountPOLY),
				fixedpoint.Format(t.State.Reserve),
			}
		})
}

// writeTiersPNG renders one stacked bar per tier split by how its supply was allocated.
func writeTiersPNG(path, title string, tiers []scenario.TierRow) error {
	if len(tiers) == 0 {
		return errors.New("no tiers to plot")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	tokens := func(v decimal.Decimal) float64 { return v.InexactFloat64() }
	bars := make([]chart.StackedBar, 0, len(tiers))
	for _, t := range tiers {
		unsold := fixedpoint.ToDecimal(t.Tier.TotalCap).Sub(fixedpoint.ToDecimal(t.State.Minted))
		bars = append(bars, chart.StackedBar{
			Name: fmt.Sprintf("Tier %d @ %s", t.Index, fixedpoint.Format(t.Tier.Rate)),
			Values: []chart.Value{
				{Label: "ETH", Value: tokens(fixedpoint.ToDecimal(t.State.MintedETH))},
				{Label: "POLY", Value: tokens(fixedpoint.ToDecimal(t.State.MintedPOLY))},
				{Label: "Discount POLY", Value: tokens(fixedpoint.ToDecimal(t.State.MintedDiscountPOLY))},
				{Label: "Reserve", Value: tokens(fixedpoint.ToDecimal(t.State.Reserve))},
				{Label: "Unsold", Value: tokens(decimal.Max(unsold, decimal.Zero))},
			},
		})
	}

	graph := chart.StackedBarChart{
		Title:      title,
		Width:      1024,
		Height:     640,
		BarSpacing: 40,
		Bars:       bars,
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func writeCSV(path string, header []string, n int, row func(i int) []string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := writer.Write(row(i)); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
