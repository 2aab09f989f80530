package cli

import (
	"github.com/spf13/cobra"

	"tiered-sto/internal/app"
)

var runOnce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the oracle watch service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context(), app.RunOptions{Once: runOnce})
	},
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Sample the current bucket once and exit")
}
