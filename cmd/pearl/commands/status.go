package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pearlops/pearld/internal/api"
)

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  "Display the pearld daemon's health, poll-loop state and selected staking program.",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := GetClient(cmd.Context())
	if err != nil {
		return err
	}

	status, err := c.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	fields := [][2]string{
		{"Status", StatusBadge(status.Status)},
		{"Version", status.Version},
		{"Uptime", status.Uptime},
		{"Chains", strings.Join(status.Chains, ", ")},
	}
	if status.Program != "" {
		fields = append(fields, [2]string{"Program", string(status.Program)})
	}
	fields = append(fields,
		[2]string{"Balances", snapshotLine(status.Balance)},
		[2]string{"Rewards", snapshotLine(status.Rewards)},
	)
	if status.WSClients > 0 {
		fields = append(fields, [2]string{"Subscribers", fmt.Sprintf("%d", status.WSClients)})
	}

	fmt.Println(StatusBox("Pearl Daemon", fields))

	if status.RestartRequired {
		Warning("Config file changed on disk — restart pearld to apply it.")
	}

	return nil
}

// snapshotLine summarizes one aggregator's snapshot state for the status box.
func snapshotLine(s *api.SnapshotStatus) string {
	if s == nil {
		return "not running"
	}
	if s.Seq == 0 {
		return "waiting for first poll"
	}
	line := fmt.Sprintf("seq %d, settled %s", s.Seq, FormatAge(s.SettledAt))
	return line + StaleMarker(s.Stale, s.Error)
}
