package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pearlops/pearld/internal/registry"
	"github.com/pearlops/pearld/pkg/types"
)

func NewBalancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balances",
		Short: "Show wallet balances",
		Long: `Display the latest settled balance snapshot across all watched wallets
and chains, with the funding check against configured thresholds.`,
		RunE: runBalances,
	}
}

func runBalances(cmd *cobra.Command, args []string) error {
	c, err := GetClient(cmd.Context())
	if err != nil {
		return err
	}

	snap, err := c.Balances(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get balances: %w", err)
	}

	if snap.Seq == 0 {
		Info("No balance snapshot settled yet — the daemon is still on its first poll.")
		return nil
	}

	rows := make([][]string, 0, len(snap.Balances))
	for _, bal := range snap.Balances {
		rows = append(rows, []string{
			FormatAddress(bal.Wallet.Hex()),
			bal.Chain.String(),
			bal.Symbol,
			bal.Display,
		})
	}
	fmt.Println(RenderTable([]string{"Wallet", "Chain", "Asset", "Balance"}, rows))

	funding := "funded"
	if !snap.HasEnoughFunding {
		funding = "underfunded"
	}
	fmt.Printf("Funding: %s   Settled: %s%s\n",
		StatusBadge(funding), FormatAge(snap.SettledAt), StaleMarker(snap.Stale, snap.Error))

	for _, sf := range snap.Shortfalls {
		decimals := shortfallDecimals(sf)
		Warning(fmt.Sprintf("%s on %s below threshold: have %s, need %s",
			sf.Symbol, sf.Chain,
			FormatAmount(sf.Available, decimals, sf.Symbol),
			FormatAmount(sf.Required, decimals, sf.Symbol)))
	}

	return nil
}

// shortfallDecimals resolves display decimals for a shortfall's asset from
// the compiled token table.
func shortfallDecimals(sf types.FundingShortfall) uint8 {
	if tok, ok := registry.TokenBySymbol(sf.Chain, sf.Symbol); ok {
		return tok.Decimals
	}
	return 18
}
