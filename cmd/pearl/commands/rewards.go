package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewRewardsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rewards",
		Short: "Show staking rewards",
		Long: `Display the latest staking reward snapshot for the selected program:
eligibility, accrued rewards, the epoch pool and the projected epoch end.`,
		RunE: runRewards,
	}
}

func runRewards(cmd *cobra.Command, args []string) error {
	c, err := GetClient(cmd.Context())
	if err != nil {
		return err
	}

	snap, err := c.Rewards(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get rewards: %w", err)
	}

	if snap.Seq == 0 {
		Info("No reward snapshot settled yet — the daemon is still on its first poll.")
		return nil
	}

	fields := [][2]string{
		{"Program", string(snap.Program)},
	}

	if snap.Rewards != nil {
		r := snap.Rewards
		eligibility := "not eligible"
		if r.IsEligibleForRewards {
			eligibility = "eligible"
		}
		fields = append(fields,
			[2]string{"Service", fmt.Sprintf("#%d (%s)", r.ServiceID, r.State)},
			[2]string{"Eligibility", StatusBadge(eligibility)},
			[2]string{"Accrued", r.AccruedDisplay + " OLAS"},
			[2]string{"Epoch pool", r.AvailableDisplay + " OLAS"},
			[2]string{"Min stake", FormatAmount(r.MinimumStake, 18, "OLAS")},
		)
	}

	if snap.EpochPending {
		fields = append(fields, [2]string{"Epoch", "pending (no checkpoint yet)"})
	} else if snap.Checkpoint != nil {
		fields = append(fields,
			[2]string{"Epoch", fmt.Sprintf("#%d", snap.Checkpoint.Epoch)},
			[2]string{"Epoch ends", EpochEndUTC(snap.Checkpoint)},
		)
	}

	fields = append(fields, [2]string{"Settled", FormatAge(snap.SettledAt) + StaleMarker(snap.Stale, snap.Error)})

	fmt.Println(StatusBox("Staking Rewards", fields))

	if snap.Contract != nil && !snap.Contract.SlotsAvailable {
		Warning("No staking slots left in this program.")
	}

	return nil
}
