package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"tiered-sto/internal/app"
)

var (
	quoteScenario string
	quotePayer    string
	quoteReplay   bool
)

var quoteCmd = &cobra.Command{
	Use:   "quote <ETH|POLY> <amount>",
	Short: "Dry-run a purchase against the scenario tiers using the configured oracles",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		return getApp().Quote(cmd.Context(), app.QuoteOptions{
			Path:     quoteScenario,
			Payer:    quotePayer,
			Currency: args[0],
			Amount:   amount,
			Replay:   quoteReplay,
		})
	},
}

func init() {
	quoteCmd.Flags().StringVar(&quoteScenario, "scenario", "", "Scenario file supplying the offering (defaults to config)")
	quoteCmd.Flags().StringVar(&quotePayer, "payer", "", "Investor account name or address")
	quoteCmd.Flags().BoolVar(&quoteReplay, "replay", false, "Apply the scenario actions before quoting")
}
