package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pearlops/pearld/pkg/types"
)

func NewProgramsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "programs",
		Short: "List staking programs",
		Long: `List every staking program the daemon knows about, including deprecated
ones, their home chains and allowed migration targets.

Use 'pearl programs select <id>' to switch the tracked program. The daemon
cancels any in-flight reward fetch for the old program and refetches
immediately.`,
		RunE: runPrograms,
	}

	cmd.AddCommand(newProgramsSelectCmd())

	return cmd
}

func runPrograms(cmd *cobra.Command, args []string) error {
	c, err := GetClient(cmd.Context())
	if err != nil {
		return err
	}

	programs, err := c.Programs(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get programs: %w", err)
	}

	rows := make([][]string, 0, len(programs))
	for _, p := range programs {
		selected := ""
		if p.Selected {
			selected = "*"
		}
		state := "active"
		if p.Deprecated {
			state = "deprecated"
		}
		migrations := "-"
		if len(p.CanMigrateTo) > 0 {
			parts := make([]string, len(p.CanMigrateTo))
			for i, id := range p.CanMigrateTo {
				parts[i] = string(id)
			}
			migrations = strings.Join(parts, ", ")
		}
		rows = append(rows, []string{selected, string(p.ID), p.Name, p.HomeChain, state, migrations})
	}

	fmt.Println(RenderTable([]string{"", "ID", "Name", "Chain", "State", "Can migrate to"}, rows))
	fmt.Println(Hint("Switch with: pearl programs select <id>"))
	return nil
}

func newProgramsSelectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select <program-id>",
		Short: "Switch the tracked staking program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := GetClient(cmd.Context())
			if err != nil {
				return err
			}

			id := types.StakingProgramID(args[0])
			err = WithSpinner("Switching staking program", func() error {
				return c.SelectProgram(cmd.Context(), id)
			})
			if err != nil {
				return err
			}

			Success(fmt.Sprintf("Now tracking %s", id))
			fmt.Println(Hint("Rewards refetch immediately; check with: pearl rewards"))
			return nil
		},
	}
}
