package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"tiered-sto/internal/fixedpoint"
	"tiered-sto/internal/offering"
	"tiered-sto/internal/scenario"
)

// SimulateOptions configure a scenario replay.
type SimulateOptions struct {
	// Path overrides scenario.path from the configuration.
	Path string
	// LiveOracles prices purchases from the configured oracle source
	// instead of the scenario's fixed prices.
	LiveOracles bool
	CSVPath     string
	PNGPath     string
}

// Simulate replays a scenario, prints the outcome and, when a database is
// configured, stores the event trail under a fresh run id.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	path := opts.Path
	if path == "" {
		path = a.Config.Scenario.Path
	}
	sc, err := scenario.Load(path)
	if err != nil {
		return err
	}

	runOpts := scenario.Options{}
	if opts.LiveOracles {
		oracles, closeOracles, err := a.newOracleRegistry()
		if err != nil {
			return err
		}
		defer closeOracles()
		runOpts.Oracles = oracles
	}

	res, runErr := scenario.Run(sc, runOpts, a.Logger)
	if res == nil {
		return runErr
	}
	if err := writeResult(a.Out, res); err != nil {
		return err
	}

	if err := a.persistRun(ctx, res); err != nil {
		return err
	}

	if opts.CSVPath != "" {
		if err := writeTiersCSV(opts.CSVPath, res.Tiers); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeTiersPNG(opts.PNGPath, res.Name, res.Tiers); err != nil {
			return err
		}
	}
	return runErr
}

func (a *App) persistRun(ctx context.Context, res *scenario.Result) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Debug().Msg("database not configured; events not persisted")
		return nil
	}
	defer closeStore()

	runID := fmt.Sprintf("%s-%s", strings.ReplaceAll(res.Name, " ", "_"), time.Now().UTC().Format("20060102T150405Z"))
	n, err := store.InsertEvents(ctx, runID, res.Events)
	if err != nil {
		return fmt.Errorf("persist events: %w", err)
	}
	a.Logger.Info().Str("run_id", runID).Int64("events", n).Msg("scenario events persisted")
	return nil
}

func writeResult(out io.Writer, res *scenario.Result) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintf(w, "Scenario %s\n\n", res.Name)
	fmt.Fprintln(w, "#\tTime (UTC)\tOp\tOutcome")
	for _, s := range res.Steps {
		outcome := s.Detail
		if s.Err != nil {
			outcome = "error: " + sanitizeInline(s.Err.Error())
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Index, s.At.UTC().Format(time.RFC3339), s.Op, outcome)
	}

	fmt.Fprintln(w)
	writeTierTable(w, res.Tiers, res.CurrentTier)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Tokens sold\t%s\n", fixedpoint.Format(res.TokensSold))
	fmt.Fprintf(w, "Total supply\t%s\n", fixedpoint.Format(res.TotalSupply))
	fmt.Fprintf(w, "Raised USD\t%s\n", fixedpoint.Format(res.FundsRaisedUSD))
	for _, cur := range []offering.Currency{offering.ETH, offering.POLY} {
		fmt.Fprintf(w, "Raised %s\t%s\n", cur, fixedpoint.Format(res.FundsRaised[cur]))
	}
	fmt.Fprintf(w, "Investors\t%d\n", res.InvestorCount)
	fmt.Fprintf(w, "Finalized\t%t\n", res.Finalized)

	if len(res.Dividends) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Dividend\tCheckpoint\tAmount\tClaimed\tClaimants\tMaturity\tExpiry\tReclaimed")
		for _, d := range res.Dividends {
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\t%s\t%s\t%t\n",
				d.Index, d.CheckpointID,
				fixedpoint.Format(d.Amount), fixedpoint.Format(d.Claimed), d.Claimants,
				d.Maturity.UTC().Format(time.RFC3339), d.Expiry.UTC().Format(time.RFC3339), d.Reclaimed)
		}
	}

	if len(res.Modules) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Module\tType\tFactory\tVerified")
		for _, m := range res.Modules {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", m.Name, m.Type, m.Factory.Hex(), m.Verified)
		}
	}

	if len(res.Holdings) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Holder\tAddress\tBalance")
		for _, h := range res.Holdings {
			fmt.Fprintf(w, "%s\t%s\t%s\n", h.Name, h.Address.Hex(), fixedpoint.Format(h.Balance))
		}
	}

	return w.Flush()
}

func writeTierTable(w io.Writer, tiers []scenario.TierRow, current int) {
	fmt.Fprintln(w, "Tier\tRate\tDiscount rate\tCap\tDiscount cap\tMinted\tETH\tPOLY\tDiscount POLY\tReserve")
	for _, t := range tiers {
		marker := ""
		if t.Index == current {
			marker = "*"
		}
		fmt.Fprintf(w, "%d%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.Index, marker,
			fixedpoint.Format(t.Tier.Rate), fixedpoint.Format(t.Tier.DiscountRate),
			fixedpoint.Format(t.Tier.TotalCap), fixedpoint.Format(t.Tier.DiscountCap),
			fixedpoint.Format(t.State.Minted), fixedpoint.Format(t.State.MintedETH),
			fixedpoint.Format(t.State.MintedPOLY), fixedpoint.Format(t.State.MintedDiscountPOLY),
			fixedpoint.Format(t.State.Reserve))
	}
}
