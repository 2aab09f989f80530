package cli

import (
	"github.com/spf13/cobra"

	"tiered-sto/internal/app"
)

var (
	simulateLive bool
	simulateCSV  string
	simulatePNG  string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate [scenario.yaml]",
	Short: "Replay an offering scenario against the in-memory chain",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SimulateOptions{
			LiveOracles: simulateLive,
			CSVPath:     simulateCSV,
			PNGPath:     simulatePNG,
		}
		if len(args) == 1 {
			opts.Path = args[0]
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().BoolVar(&simulateLive, "live-oracles", false, "Price purchases from the configured oracle source")
	simulateCmd.Flags().StringVar(&simulateCSV, "csv", "", "Path to write the tier fill CSV")
	simulateCmd.Flags().StringVar(&simulatePNG, "png", "", "Path to write the tier fill chart")
}
