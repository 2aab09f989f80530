package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"tiered-sto/internal/fixedpoint"
	"tiered-sto/internal/scenario"
)

// QuoteOptions configure a purchase dry-run.
type QuoteOptions struct {
	// Path overrides scenario.path; its offering section supplies the tiers.
	Path     string
	Payer    string
	Currency string
	Amount   decimal.Decimal
	// Replay applies the scenario's actions before quoting.
	Replay bool
}

// Quote prices a purchase against the scenario's tiers using the configured
// oracle source. Nothing is persisted.
func (a *App) Quote(_ context.Context, opts QuoteOptions) error {
	if !opts.Amount.IsPositive() {
		return errors.New("amount must be greater than zero")
	}
	path := opts.Path
	if path == "" {
		path = a.Config.Scenario.Path
	}
	sc, err := scenario.Load(path)
	if err != nil {
		return err
	}

	oracles, closeOracles, err := a.newOracleRegistry()
	if err != nil {
		return err
	}
	defer closeOracles()

	runner, err := scenario.NewRunner(sc, scenario.Options{Oracles: oracles}, a.Logger)
	if err != nil {
		return err
	}
	if opts.Replay {
		for i, action := range sc.Actions {
			if step := runner.Apply(i, action); step.Err != nil {
				a.Logger.Debug().Err(step.Err).Int("step", i).Msg("replayed step failed")
			}
		}
	}

	payer := opts.Payer
	if payer == "" {
		payer = "quote"
	}
	receipt, err := runner.Quote(payer, opts.Currency, opts.Amount)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Currency\t%s\n", receipt.Currency)
	fmt.Fprintf(w, "Price (USD)\t%s\n", fixedpoint.Format(receipt.Price))
	fmt.Fprintf(w, "Offered\t%s\n", fixedpoint.Format(receipt.Value))
	fmt.Fprintf(w, "Spent\t%s\n", fixedpoint.Format(receipt.Spent))
	fmt.Fprintf(w, "Refund\t%s\n", fixedpoint.Format(receipt.Refund))
	fmt.Fprintf(w, "Spent USD\t%s\n", fixedpoint.Format(receipt.SpentUSD))
	fmt.Fprintf(w, "Tokens\t%s\n", fixedpoint.Format(receipt.Tokens))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Tier\tDiscounted\tRate\tTokens\tUSD")
	for _, f := range receipt.Fills {
		fmt.Fprintf(w, "%d\t%t\t%s\t%s\t%s\n",
			f.Tier, f.Discounted, fixedpoint.Format(f.Rate), fixedpoint.Format(f.Tokens), fixedpoint.Format(f.SpentUSD))
	}
	return w.Flush()
}
