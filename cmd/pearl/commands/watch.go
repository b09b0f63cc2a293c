package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/pearlops/pearld/internal/api"
	"github.com/pearlops/pearld/pkg/types"
)

func NewWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live balance and reward view",
		Long: `Subscribe to the daemon's WebSocket feed and redraw balances and rewards
on every settled poll. The view updates the moment a poll settles, not on a
fixed timer.

Press Ctrl+C to exit.`,
		RunE: runWatch,
	}
}

// wsEnvelope mirrors the hub's wire message with the payload left raw so it
// can be decoded per channel.
type wsEnvelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func runWatch(cmd *cobra.Command, args []string) error {
	addr := GetDaemonAddr()
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimPrefix(addr, "https://")
	wsURL := url.URL{Scheme: "ws", Host: addr, Path: "/v1/ws"}

	conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("pearld not reachable at %s (start it with 'pearld'): %w", addr, err)
	}
	defer conn.Close()

	subscribe := map[string]interface{}{
		"type": "subscribe",
		"data": map[string][]string{"channels": {api.ChannelBalances, api.ChannelRewards}},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	type update struct {
		envelope wsEnvelope
		err      error
	}
	updates := make(chan update)
	go func() {
		defer close(updates)
		for {
			var env wsEnvelope
			if err := conn.ReadJSON(&env); err != nil {
				select {
				case updates <- update{err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case updates <- update{envelope: env}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var balances *types.BalanceSnapshot
	var rewards *types.RewardsSnapshot

	clearScreen()
	drawWatch(balances, rewards)

	for {
		select {
		case <-sigChan:
			fmt.Println("\nExiting watch...")
			return nil

		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.err != nil {
				if websocket.IsCloseError(u.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					Info("Daemon closed the feed.")
					return nil
				}
				return fmt.Errorf("feed lost: %w", u.err)
			}
			if u.envelope.Type != "snapshot" {
				continue
			}

			switch u.envelope.Channel {
			case api.ChannelBalances:
				var snap types.BalanceSnapshot
				if err := json.Unmarshal(u.envelope.Data, &snap); err == nil {
					balances = &snap
				}
			case api.ChannelRewards:
				var snap types.RewardsSnapshot
				if err := json.Unmarshal(u.envelope.Data, &snap); err == nil {
					rewards = &snap
				}
			default:
				continue
			}

			clearScreen()
			drawWatch(balances, rewards)
		}
	}
}

func clearScreen() {
	fmt.Print("\033[H\033[2J")
}

func drawWatch(balances *types.BalanceSnapshot, rewards *types.RewardsSnapshot) {
	fmt.Println(StyleHeader.Render(Logo() + " live view"))
	fmt.Println()

	fmt.Println(SectionHeader("Balances"))
	if balances == nil || balances.Seq == 0 {
		fmt.Println(Hint("waiting for first snapshot..."))
	} else {
		rows := make([][]string, 0, len(balances.Balances))
		for _, bal := range balances.Balances {
			rows = append(rows, []string{
				FormatAddress(bal.Wallet.Hex()),
				bal.Chain.String(),
				bal.Symbol,
				bal.Display,
			})
		}
		fmt.Println(RenderTable([]string{"Wallet", "Chain", "Asset", "Balance"}, rows))

		funding := "funded"
		if !balances.HasEnoughFunding {
			funding = "underfunded"
		}
		fmt.Printf("Funding: %s   seq %d%s\n",
			StatusBadge(funding), balances.Seq, StaleMarker(balances.Stale, balances.Error))
	}

	fmt.Println(SectionHeader("Rewards"))
	if rewards == nil || rewards.Seq == 0 {
		fmt.Println(Hint("waiting for first snapshot..."))
	} else {
		eligibility := "not eligible"
		if rewards.Rewards != nil && rewards.Rewards.IsEligibleForRewards {
			eligibility = "eligible"
		}
		accrued := "-"
		pool := "-"
		if rewards.Rewards != nil {
			accrued = rewards.Rewards.AccruedDisplay + " OLAS"
			pool = rewards.Rewards.AvailableDisplay + " OLAS"
		}
		epoch := "pending"
		if rewards.Checkpoint != nil {
			epoch = fmt.Sprintf("#%d ends %s", rewards.Checkpoint.Epoch, EpochEndUTC(rewards.Checkpoint))
		}

		fmt.Println(StatusBox(string(rewards.Program), [][2]string{
			{"Eligibility", StatusBadge(eligibility)},
			{"Accrued", accrued},
			{"Epoch pool", pool},
			{"Epoch", epoch},
			{"Seq", fmt.Sprintf("%d%s", rewards.Seq, StaleMarker(rewards.Stale, rewards.Error))},
		}))
	}

	fmt.Println()
	fmt.Println(Hint(fmt.Sprintf("Updated %s — Ctrl+C to exit", time.Now().Format("15:04:05"))))
}
