package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent samples, alerts or scenario events.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; nothing to show")
	}
	defer closeStore()

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)

	switch opts.What {
	case "", "samples":
		samples, err := store.ListRecentSamples(ctx, opts.Limit)
		if err != nil {
			return err
		}
		if len(samples) == 0 {
			fmt.Fprintln(a.Out, "no samples found")
			return nil
		}
		fmt.Fprintln(writer, "Time (UTC)\tPair\tPrice\tDeviation%\tSource\tStatus\tError")
		for _, sample := range samples {
			errMsg := ""
			if sample.Error != nil {
				errMsg = sanitizeInline(*sample.Error)
			}
			fmt.Fprintf(writer, "%s\t%s/%s\t%s\t%s\t%s\t%s\t%s\n",
				sample.Bucket.UTC().Format(time.RFC3339),
				sample.Base, sample.Quote,
				formatDecimal(sample.Price, 6),
				formatDecimal(sample.DeviationPct, 3),
				sample.Source,
				sample.Status,
				errMsg,
			)
		}

	case "alerts":
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		if len(alerts) == 0 {
			fmt.Fprintln(a.Out, "no alerts found")
			return nil
		}
		fmt.Fprintln(writer, "Sample (UTC)\tPair\tDeviation%\tThreshold%\tDirection\tChannels")
		for _, alert := range alerts {
			fmt.Fprintf(writer, "%s\t%s/%s\t%s\t%s\t%s\t%s\n",
				alert.SampleTS.UTC().Format(time.RFC3339),
				alert.Base, alert.Quote,
				formatDecimal(alert.DeviationPct, 3),
				formatDecimal(alert.ThresholdPct, 3),
				alert.Direction,
				strings.Join(alert.Channels, ","),
			)
		}

	case "events":
		evs, err := store.ListRecentEvents(ctx, opts.Limit)
		if err != nil {
			return err
		}
		if len(evs) == 0 {
			fmt.Fprintln(a.Out, "no events found")
			return nil
		}
		fmt.Fprintln(writer, "Run\tSeq\tAt (UTC)\tSource\tEvent\tFields")
		for _, ev := range evs {
			fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\t%s\n",
				ev.RunID, ev.Seq, ev.At.UTC().Format(time.RFC3339), ev.Source, ev.Name, formatFields(ev.Fields))
		}

	default:
		return fmt.Errorf("unknown table %q (want samples, alerts or events)", opts.What)
	}

	return writer.Flush()
}

func formatFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + sanitizeInline(fields[k])
	}
	return strings.Join(parts, " ")
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
