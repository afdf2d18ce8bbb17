package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/mshafiee/chimera/pkg/types"
)

//nolint:gochecknoglobals // Cobra boilerplate
var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "Display positions tracked by a running operator",
	Long: `Fetches positions from the operator's control API.

Without flags, shows every non-terminal position. Use --state to filter
by a lifecycle state (queued, executing, active, exiting, closed,
dead_lettered, ...).

Examples:
  # Show open positions
  chimera positions

  # Show only active positions
  chimera positions --state active

  # Export to JSON
  chimera positions --format json > positions.json`,
	RunE: runPositionsQuery,
}

var (
	positionsState  string
	positionsFormat string
)

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(positionsCmd)

	positionsCmd.Flags().StringVar(&positionsState, "state", "", "Filter by lifecycle state")
	positionsCmd.Flags().StringVar(&positionsFormat, "format", "table", "Output format: table, json")
}

func runPositionsQuery(cmd *cobra.Command, args []string) error {
	if positionsFormat != "table" && positionsFormat != "json" {
		return fmt.Errorf("invalid format %q: must be table or json", positionsFormat)
	}

	client, err := newAPIClient("AUTH_READ_TOKEN")
	if err != nil {
		return err
	}

	path := "/api/v1/positions"
	if positionsState != "" {
		path += "?state=" + url.QueryEscape(positionsState)
	}

	var resp struct {
		Positions []*types.Position `json:"positions"`
	}
	err = client.do(http.MethodGet, path, nil, &resp)
	if err != nil {
		return err
	}

	if positionsFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp.Positions)
	}

	printPositionsTable(resp.Positions)
	return nil
}

func printPositionsTable(positions []*types.Position) {
	if len(positions) == 0 {
		fmt.Println("No positions found.")
		return
	}

	fmt.Printf("%-36s %-12s %-5s %10s %-12s %10s %10s %10s\n",
		"KEY", "TIER", "SIDE", "SIZE", "STATE", "ENTRY", "EXIT", "PNL")

	var totalPnL float64
	for _, p := range positions {
		fmt.Printf("%-36s %-12s %-5s %10.2f %-12s %10.4f %10.4f %10.2f\n",
			truncate(p.IdempotencyKey, 36), p.Tier, p.Side, p.Size,
			p.State, p.EntryPrice, p.ExitPrice, p.RealizedPnL)
		totalPnL += p.RealizedPnL
	}

	fmt.Printf("\n%d positions, realized PnL %.2f\n", len(positions), totalPnL)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
