package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewRefreshCmd() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Poll ahead of schedule",
		Long: `Ask the daemon to run its poll loops now instead of waiting for the next
interval. The refresh is scheduled, not awaited; follow up with
'pearl balances' or 'pearl rewards' for the result.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := GetClient(cmd.Context())
			if err != nil {
				return err
			}

			if err := c.Refresh(cmd.Context(), target); err != nil {
				return fmt.Errorf("failed to schedule refresh: %w", err)
			}

			what := target
			if what == "" {
				what = "all"
			}
			Success(fmt.Sprintf("Refresh scheduled (%s)", what))
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "What to refresh: balances, rewards or all (default: all)")

	return cmd
}
