package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"tiered-sto/internal/app"
)

var (
	showLimit int
)

var showCmd = &cobra.Command{
	Use:       "show [samples|alerts|events]",
	Short:     "Display recent oracle samples, alerts or scenario events",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"samples", "alerts", "events"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}
		if len(args) == 1 {
			opts.What = args[0]
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
}
