package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewChainsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List watched chains",
		Long:  "List the chains the daemon polls, with their RPC endpoint counts and subgraph availability.",
		RunE:  runChains,
	}
}

func runChains(cmd *cobra.Command, args []string) error {
	c, err := GetClient(cmd.Context())
	if err != nil {
		return err
	}

	chains, err := c.Chains(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get chains: %w", err)
	}

	rows := make([][]string, 0, len(chains))
	for _, ch := range chains {
		subgraph := "-"
		if ch.Subgraph {
			subgraph = "yes"
		}
		rows = append(rows, []string{
			ch.Name,
			fmt.Sprintf("%d", ch.ID),
			ch.NativeSymbol,
			fmt.Sprintf("%d", ch.RPCEndpoints),
			subgraph,
		})
	}

	fmt.Println(RenderTable([]string{"Chain", "ID", "Native", "RPC endpoints", "Subgraph"}, rows))
	return nil
}
