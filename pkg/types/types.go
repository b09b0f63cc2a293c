// Package types defines the value objects shared between the pearld daemon,
// its local API, and the pearl CLI. Everything here is plain data: snapshots
// are immutable once published and big integers cross the API as decimal
// strings, never as floats.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChainID identifies a supported chain by its EVM chain id.
type ChainID int64

const (
	ChainEthereum ChainID = 1
	ChainOptimism ChainID = 10
	ChainGnosis   ChainID = 100
	ChainBase     ChainID = 8453
	ChainMode     ChainID = 34443
)

// String returns the canonical lower-case chain name, or a numeric form for
// chains outside the supported set.
func (c ChainID) String() string {
	switch c {
	case ChainEthereum:
		return "ethereum"
	case ChainOptimism:
		return "optimism"
	case ChainGnosis:
		return "gnosis"
	case ChainBase:
		return "base"
	case ChainMode:
		return "mode"
	}
	return fmt.Sprintf("chain-%d", int64(c))
}

// ParseChainID maps a canonical chain name back to its id.
func ParseChainID(name string) (ChainID, bool) {
	switch name {
	case "ethereum":
		return ChainEthereum, true
	case "optimism":
		return ChainOptimism, true
	case "gnosis":
		return ChainGnosis, true
	case "base":
		return ChainBase, true
	case "mode":
		return ChainMode, true
	}
	return 0, false
}

// ChainDescriptor is one row of the chain registry. Descriptors are built once
// at startup and never mutated, so they may be read concurrently without
// locking.
type ChainDescriptor struct {
	ID             ChainID        `json:"id"`
	Name           string         `json:"name"`
	NativeSymbol   string         `json:"native_symbol"`
	NativeDecimals uint8          `json:"native_decimals"`
	RPCURLs        []string       `json:"rpc_urls"`
	Multicall      common.Address `json:"multicall"`
	OLASToken      common.Address `json:"olas_token"`
	SubgraphURL    string         `json:"subgraph_url"`
}

// TokenDescriptor identifies an asset on one chain, resolved from the
// contract address table. Native assets carry a zero Address; wrapped-native
// tokens (e.g. WXDAI on gnosis) set both Wrapped and a contract address.
type TokenDescriptor struct {
	Symbol   string         `json:"symbol"`
	Address  common.Address `json:"address,omitempty"`
	Decimals uint8          `json:"decimals"`
	Native   bool           `json:"native,omitempty"`
	Wrapped  bool           `json:"wrapped,omitempty"`
}

// StakingProgramID names a staking program. Program ids are stable
// identifiers shared with the middleware and the on-chain deployments.
type StakingProgramID string

const (
	ProgramPearlAlpha StakingProgramID = "pearl_alpha"
	ProgramPearlBeta  StakingProgramID = "pearl_beta"
	ProgramPearlBeta2 StakingProgramID = "pearl_beta_2"
	ProgramPearlBeta3 StakingProgramID = "pearl_beta_3"
)

// StakingProgramMeta is one row of the staking program registry.
// CanMigrateTo is derived when the table is built (all non-deprecated
// programs except self) and is computed the same way whether or not the
// source program is itself deprecated.
type StakingProgramMeta struct {
	ID           StakingProgramID   `json:"id"`
	Name         string             `json:"name"`
	Deprecated   bool               `json:"deprecated,omitempty"`
	AgentsNeeded uint64             `json:"agents_needed"`
	CanMigrateTo []StakingProgramID `json:"can_migrate_to"`
}

// StakingState is a service's state within a staking program proxy.
type StakingState uint8

const (
	// StakingStateNotStaked means the service was never staked in the program.
	StakingStateNotStaked StakingState = iota
	// StakingStateStaked means the service is actively staked.
	StakingStateStaked
	// StakingStateEvicted means the service was staked and removed for
	// inactivity. Not eligible for rewards, but distinct from never-staked.
	StakingStateEvicted
)

func (s StakingState) String() string {
	switch s {
	case StakingStateNotStaked:
		return "not_staked"
	case StakingStateStaked:
		return "staked"
	case StakingStateEvicted:
		return "evicted"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// MarshalJSON encodes the state as its string name.
func (s StakingState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state from its string name.
func (s *StakingState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "not_staked":
		*s = StakingStateNotStaked
	case "staked":
		*s = StakingStateStaked
	case "evicted":
		*s = StakingStateEvicted
	default:
		return fmt.Errorf("unknown staking state %q", name)
	}
	return nil
}

// WalletBalance is one (wallet, chain, asset) balance observation. Raw holds
// base units; Display holds the amount formatted with the asset's decimals.
type WalletBalance struct {
	Wallet  common.Address `json:"wallet"`
	Chain   ChainID        `json:"chain"`
	Symbol  string         `json:"symbol"`
	Native  bool           `json:"native,omitempty"`
	Wrapped bool           `json:"wrapped,omitempty"`
	Raw     *BigInt        `json:"raw"`
	Display string         `json:"display"`
}

// FundingShortfall reports a (chain, asset) total below its configured
// threshold.
type FundingShortfall struct {
	Chain     ChainID `json:"chain"`
	Symbol    string  `json:"symbol"`
	Required  *BigInt `json:"required"`
	Available *BigInt `json:"available"`
}

// BalanceSnapshot is the balance aggregator's published state. A snapshot is
// immutable: the aggregator swaps in a whole new value on every settle, so
// readers never observe a partial update. When an update cycle fails the
// previous balances are retained unchanged and Stale is set.
type BalanceSnapshot struct {
	Seq              uint64             `json:"seq"`
	SettledAt        time.Time          `json:"settled_at"`
	Balances         []WalletBalance    `json:"balances"`
	HasEnoughFunding bool               `json:"has_enough_funding"`
	Shortfalls       []FundingShortfall `json:"shortfalls,omitempty"`
	Stale            bool               `json:"stale,omitempty"`
	Error            string             `json:"error,omitempty"`
}

// EpochCheckpoint is the most recent checkpoint event recorded by the staking
// subgraph for one staking contract. Timestamps and lengths are in seconds,
// as reported on chain.
type EpochCheckpoint struct {
	Epoch          uint64         `json:"epoch"`
	EpochLength    uint64         `json:"epoch_length"`
	BlockTimestamp uint64         `json:"block_timestamp"`
	Contract       common.Address `json:"contract"`
}

// EndTime returns the projected end of the epoch that began at this
// checkpoint: BlockTimestamp plus EpochLength, in UTC.
func (c EpochCheckpoint) EndTime() time.Time {
	return time.Unix(int64(c.BlockTimestamp+c.EpochLength), 0).UTC()
}

// EndTimeMillis returns EndTime as Unix milliseconds, the form the display
// layer consumes.
func (c EpochCheckpoint) EndTimeMillis() int64 {
	return c.EndTime().UnixMilli()
}

// StakingContractDetails are the live parameters of one staking program proxy
// on one chain. AvailableRewards is the only value expected to move between
// ticks; the rest are fixed per deployment.
type StakingContractDetails struct {
	Program           StakingProgramID `json:"program"`
	Chain             ChainID          `json:"chain"`
	AvailableRewards  *BigInt          `json:"available_rewards"`
	MinStakingDeposit *BigInt          `json:"min_staking_deposit"`
	RewardsPerSecond  *BigInt          `json:"rewards_per_second"`
	MaxNumServices    uint64           `json:"max_num_services"`
	LivenessPeriod    uint64           `json:"liveness_period"`
	ServiceIDs        []uint64         `json:"service_ids"`
	APY               float64          `json:"apy"`
	SlotsAvailable    bool             `json:"slots_available"`
}

// ServiceStakingDetails is the staking position of one service in one
// program.
type ServiceStakingDetails struct {
	ServiceID     uint64       `json:"service_id"`
	State         StakingState `json:"state"`
	AccruedReward *BigInt      `json:"accrued_reward"`
}

// StakingRewardsInfo is the derived reward view for the selected service and
// program, assembled from contract details, the service position, and the
// activity checker.
type StakingRewardsInfo struct {
	Program                  StakingProgramID `json:"program"`
	Chain                    ChainID          `json:"chain"`
	ServiceID                uint64           `json:"service_id"`
	State                    StakingState     `json:"state"`
	IsEligibleForRewards     bool             `json:"is_eligible_for_rewards"`
	AccruedServiceReward     *BigInt          `json:"accrued_service_reward"`
	AccruedDisplay           string           `json:"accrued_display"`
	AvailableRewardsForEpoch *BigInt          `json:"available_rewards_for_epoch"`
	AvailableDisplay         string           `json:"available_display"`
	MinimumStake             *BigInt          `json:"minimum_stake"`
	LivenessPeriod           uint64           `json:"liveness_period"`
	LivenessRatio            *BigInt          `json:"liveness_ratio,omitempty"`
}

// RewardsSnapshot is the reward aggregator's published state, with the same
// immutability and staleness contract as BalanceSnapshot. EpochPending marks
// the valid "no checkpoint recorded yet" state of a freshly deployed program;
// it is not an error.
type RewardsSnapshot struct {
	Seq          uint64                  `json:"seq"`
	SettledAt    time.Time               `json:"settled_at"`
	Program      StakingProgramID        `json:"program"`
	EpochPending bool                    `json:"epoch_pending,omitempty"`
	Checkpoint   *EpochCheckpoint        `json:"checkpoint,omitempty"`
	Contract     *StakingContractDetails `json:"contract,omitempty"`
	Rewards      *StakingRewardsInfo     `json:"rewards,omitempty"`
	Stale        bool                    `json:"stale,omitempty"`
	Error        string                  `json:"error,omitempty"`
}
