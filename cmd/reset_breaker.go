package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra boilerplate
var resetBreakerCmd = &cobra.Command{
	Use:   "reset-breaker",
	Short: "Move a halted circuit breaker into cooldown",
	Long: `Requests a breaker reset from the operator's control API.

Only valid while the breaker is halted; the breaker then cools down for
its configured window before admitting signals again. The reset is
recorded in the audit log. Requires the administer token.`,
	RunE: runResetBreaker,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(resetBreakerCmd)
}

func runResetBreaker(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient("AUTH_ADMIN_TOKEN")
	if err != nil {
		return err
	}

	var resp struct {
		BreakerMode string `json:"breaker_mode"`
	}
	err = client.do(http.MethodPost, "/api/v1/breaker/reset", nil, &resp)
	if err != nil {
		return err
	}

	fmt.Printf("Breaker reset accepted, now %s\n", resp.BreakerMode)
	return nil
}
