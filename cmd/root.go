package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra boilerplate
var rootCmd = &cobra.Command{
	Use:   "chimera",
	Short: "Automated trading-signal execution operator",
	Long: `Chimera turns authenticated copy-trading signals into confirmed positions.

It validates HMAC-signed signals against a tracked wallet roster, admits
them through a tiered priority queue, submits through a bundle relay with
adaptive tip sizing (falling back to a direct path when the relay degrades),
and guards the whole pipeline with a loss-tripped circuit breaker.

Run the operator itself with "chimera run"; the remaining subcommands are
thin clients of a running operator's control API.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
