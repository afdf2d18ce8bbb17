package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/mshafiee/chimera/internal/storage"
)

//nolint:gochecknoglobals // Cobra boilerplate
var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Display the tracked wallet roster",
	Long: `Fetches the wallet roster from the operator's control API.

Each entry shows the tracked wallet, its score from the selection
pipeline, and its status (active, paused, or promoted with an expiry).`,
	RunE: runRosterQuery,
}

//nolint:gochecknoglobals // Cobra boilerplate
var rosterSetCmd = &cobra.Command{
	Use:   "set <address> <status>",
	Short: "Override one roster entry's status",
	Long: `Sets a roster entry to active, paused, or promoted.

Promotions keep a wallet tradable past its next roster merge, for the
TTL given by --ttl. Requires the operate token.

Examples:
  chimera roster set 0xabc... paused
  chimera roster set 0xabc... promoted --ttl 48h`,
	Args: cobra.ExactArgs(2),
	RunE: runRosterSet,
}

var promotionTTL time.Duration

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(rosterCmd)
	rosterCmd.AddCommand(rosterSetCmd)

	rosterSetCmd.Flags().DurationVar(&promotionTTL, "ttl", 24*time.Hour, "Promotion time to live")
}

func runRosterQuery(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient("AUTH_READ_TOKEN")
	if err != nil {
		return err
	}

	var resp struct {
		Roster []storage.RosterEntry `json:"roster"`
	}
	err = client.do(http.MethodGet, "/api/v1/roster", nil, &resp)
	if err != nil {
		return err
	}

	if len(resp.Roster) == 0 {
		fmt.Println("Roster is empty.")
		return nil
	}

	fmt.Printf("%-44s %8s %-10s %s\n", "ADDRESS", "SCORE", "STATUS", "PROMOTED UNTIL")
	for _, e := range resp.Roster {
		until := "-"
		if !e.PromotedUntil.IsZero() {
			until = e.PromotedUntil.Format(time.RFC3339)
		}
		fmt.Printf("%-44s %8.4f %-10s %s\n", e.Address.Hex(), e.Score, e.Status, until)
	}
	fmt.Printf("\n%d wallets tracked\n", len(resp.Roster))

	return nil
}

func runRosterSet(cmd *cobra.Command, args []string) error {
	address, status := args[0], args[1]
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid wallet address %q", address)
	}

	client, err := newAPIClient("AUTH_OPERATE_TOKEN")
	if err != nil {
		return err
	}

	req := map[string]string{"status": status}
	if status == storage.RosterStatusPromoted {
		req["promotion_ttl"] = promotionTTL.String()
	}

	err = client.do(http.MethodPost,
		"/api/v1/roster/"+common.HexToAddress(address).Hex()+"/status", req, nil)
	if err != nil {
		return err
	}

	fmt.Printf("%s set to %s\n", common.HexToAddress(address).Hex(), status)
	return nil
}
