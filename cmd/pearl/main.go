package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pearlops/pearld/cmd/pearl/commands"
)

var rootCmd = &cobra.Command{
	Use:   "pearl",
	Short: "Pearl agent operations CLI",
	Long:  "Inspect wallet balances, staking programs and epoch rewards through a running pearld daemon",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.DaemonAddr, "daemon", "", "pearld address (default: from config, then 127.0.0.1:8716)")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Path to config file (default: ~/.pearl/config.yaml)")
}

func main() {
	rootCmd.AddCommand(commands.NewInitCmd())
	rootCmd.AddCommand(commands.NewStatusCmd())
	rootCmd.AddCommand(commands.NewBalancesCmd())
	rootCmd.AddCommand(commands.NewRewardsCmd())
	rootCmd.AddCommand(commands.NewChainsCmd())
	rootCmd.AddCommand(commands.NewProgramsCmd())
	rootCmd.AddCommand(commands.NewRefreshCmd())
	rootCmd.AddCommand(commands.NewWatchCmd())
	rootCmd.AddCommand(commands.NewLoginCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
