package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pearlops/pearld/internal/logging"
	"github.com/pearlops/pearld/internal/metrics"
	"github.com/pearlops/pearld/internal/registry"
	"github.com/pearlops/pearld/internal/subgraph"
	"github.com/pearlops/pearld/internal/util"
	"github.com/pearlops/pearld/pkg/types"
)

// StakingReader is the staking read surface of one chain. *chain.Accessor
// implements it.
type StakingReader interface {
	Chain() types.ChainDescriptor
	StakingDetails(ctx context.Context, program types.StakingProgramID) (*types.StakingContractDetails, error)
	ServiceDetails(ctx context.Context, program types.StakingProgramID, serviceID uint64) (*types.ServiceStakingDetails, error)
	LivenessRatio(ctx context.Context, program types.StakingProgramID) (*big.Int, error)
}

// CheckpointReader resolves the latest epoch checkpoint of a staking
// contract. *subgraph.Client implements it.
type CheckpointReader interface {
	LatestCheckpoint(ctx context.Context, contract common.Address) (*types.EpochCheckpoint, error)
}

// OLAS uses 18 decimals on every chain it is deployed to.
const olasDecimals uint8 = 18

const rewardsComponent = "rewards"

// RewardAggregator polls the staking position of the selected program and
// publishes it as RewardsSnapshots. Switching programs cancels the in-flight
// fetch, invalidates its sequence so a late arrival cannot settle, and
// schedules an immediate fetch of the new program. Data from two different
// programs never mixes in one snapshot.
//
// Like the balance aggregator it is single use.
type RewardAggregator struct {
	programs  *registry.ProgramRegistry
	readers   map[types.ChainID]StakingReader
	graphs    map[types.ChainID]CheckpointReader
	serviceID uint64
	interval  time.Duration

	seq     atomic.Uint64
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	refresh chan struct{}
	updates chan uint64

	collector *metrics.Collector

	// mu guards program, fetchCancel and snap. The sequence bump in
	// SetProgram happens under it so the bump and the program swap are one
	// atomic event from the settle path's point of view.
	mu          sync.RWMutex
	program     types.StakingProgramID
	fetchCancel context.CancelFunc
	snap        types.RewardsSnapshot
}

// NewRewardAggregator creates a reward aggregator for the given service,
// starting on the given program. The initial program must exist in the
// program registry.
func NewRewardAggregator(programs *registry.ProgramRegistry, readers map[types.ChainID]StakingReader, graphs map[types.ChainID]CheckpointReader, serviceID uint64, program types.StakingProgramID, interval time.Duration) (*RewardAggregator, error) {
	if _, err := programs.MetaFor(program); err != nil {
		return nil, err
	}
	return &RewardAggregator{
		programs:  programs,
		readers:   readers,
		graphs:    graphs,
		serviceID: serviceID,
		interval:  interval,
		refresh:   make(chan struct{}, 1),
		updates:   make(chan uint64, 1),
		program:   program,
	}, nil
}

// SetMetrics wires an optional metrics collector for poll-cycle stats.
func (r *RewardAggregator) SetMetrics(c *metrics.Collector) {
	r.collector = c
}

// Start launches the poll loop with an immediate first tick.
func (r *RewardAggregator) Start(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	util.SafeGoWithName("reward-aggregator", func() {
		defer r.wg.Done()
		r.loop(ctx)
	})

	logging.Info("reward aggregator started",
		"interval", r.interval.String(),
		"service_id", r.serviceID,
		logging.Program(r.Program()),
		logging.Component(rewardsComponent))
}

// Stop cancels the loop, waits for it to exit, and closes the updates
// channel.
func (r *RewardAggregator) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.cancel()
	r.wg.Wait()
	close(r.updates)

	logging.Info("reward aggregator stopped", logging.Component(rewardsComponent))
}

// Refresh schedules an immediate out-of-band tick without blocking.
func (r *RewardAggregator) Refresh() {
	select {
	case r.refresh <- struct{}{}:
	default:
	}
}

// Updates returns the settle notification channel, closed by Stop.
// Notifications coalesce to the latest sequence.
func (r *RewardAggregator) Updates() <-chan uint64 {
	return r.updates
}

// Snapshot returns the last published snapshot.
func (r *RewardAggregator) Snapshot() types.RewardsSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Program returns the currently selected staking program.
func (r *RewardAggregator) Program() types.StakingProgramID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.program
}

// SetProgram switches the selected staking program. The switch cancels any
// in-flight fetch and bumps the sequence so its result is discarded even if
// the cancellation loses the race, then schedules an immediate fetch of the
// new program. Selecting the current program is a no-op.
func (r *RewardAggregator) SetProgram(id types.StakingProgramID) error {
	meta, err := r.programs.MetaFor(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.program == id {
		r.mu.Unlock()
		return nil
	}
	prev := r.program
	r.program = id
	r.seq.Add(1)
	inflight := r.fetchCancel
	r.mu.Unlock()

	if inflight != nil {
		inflight()
	}

	logging.Info("staking program switched",
		"from", string(prev),
		logging.Program(id),
		logging.Component(rewardsComponent))
	if meta.Deprecated {
		logging.Warn("selected staking program is deprecated",
			logging.Program(id),
			logging.Component(rewardsComponent))
	}

	r.Refresh()
	return nil
}

func (r *RewardAggregator) loop(ctx context.Context) {
	r.tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		case <-r.refresh:
			r.tick(ctx)
		}
	}
}

func (r *RewardAggregator) tick(ctx context.Context) {
	r.mu.Lock()
	seq := r.seq.Add(1)
	program := r.program
	fetchCtx, cancel := context.WithCancel(ctx)
	r.fetchCancel = cancel
	r.mu.Unlock()
	defer cancel()

	start := time.Now()
	snap := r.collect(fetchCtx, seq, program)

	if r.collector != nil {
		r.collector.RecordPollCycle(rewardsComponent, time.Since(start), snap.Error != "")
	}

	r.settle(snap)
}

// collect runs one fetch cycle for one program: the staking reads against the
// program's home chain and the checkpoint query run concurrently, and both
// must succeed for the tick to settle. A contract with no indexed checkpoint
// yet settles cleanly as an epoch-pending snapshot.
func (r *RewardAggregator) collect(ctx context.Context, seq uint64, program types.StakingProgramID) types.RewardsSnapshot {
	snap := types.RewardsSnapshot{
		Seq:       seq,
		SettledAt: time.Now().UTC(),
		Program:   program,
	}

	chainID, err := r.programs.HomeChain(program)
	if err != nil {
		snap.Error = err.Error()
		return snap
	}
	reader, ok := r.readers[chainID]
	if !ok {
		snap.Error = fmt.Sprintf("home chain %s of program %s is not configured", chainID, program)
		return snap
	}
	proxy, err := registry.StakingProxy(chainID, program)
	if err != nil {
		snap.Error = err.Error()
		return snap
	}

	var (
		wg sync.WaitGroup

		contract *types.StakingContractDetails
		service  *types.ServiceStakingDetails
		ratio    *big.Int
		chainErr error

		checkpoint   *types.EpochCheckpoint
		epochPending bool
		graphErr     error
	)

	wg.Add(2)
	util.SafeGoWithName("rewards-read-"+chainID.String(), func() {
		defer wg.Done()
		contract, service, ratio, chainErr = r.readChain(ctx, reader, program)
	})
	util.SafeGoWithName("rewards-checkpoint-"+chainID.String(), func() {
		defer wg.Done()
		checkpoint, epochPending, graphErr = r.readCheckpoint(ctx, chainID, proxy)
	})
	wg.Wait()

	if chainErr != nil {
		logging.Warn("staking read failed",
			logging.Chain(chainID),
			logging.Program(program),
			logging.Seq(seq),
			logging.Err(chainErr),
			logging.Component(rewardsComponent))
		snap.Error = chainErr.Error()
		return snap
	}
	if graphErr != nil {
		logging.Warn("checkpoint query failed",
			logging.Chain(chainID),
			logging.Program(program),
			logging.Seq(seq),
			logging.Err(graphErr),
			logging.Component(rewardsComponent))
		snap.Error = graphErr.Error()
		return snap
	}

	snap.Contract = contract
	snap.Checkpoint = checkpoint
	snap.EpochPending = epochPending
	snap.Rewards = r.deriveRewards(program, contract, service, ratio)
	return snap
}

// readChain fetches the three staking reads in order: the contract details
// always, then the service position, then the activity ratio. Service id
// zero means no service is minted yet and is reported as a not-staked
// position without touching the contract.
func (r *RewardAggregator) readChain(ctx context.Context, reader StakingReader, program types.StakingProgramID) (*types.StakingContractDetails, *types.ServiceStakingDetails, *big.Int, error) {
	contract, err := reader.StakingDetails(ctx, program)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("staking details: %w", err)
	}

	var service *types.ServiceStakingDetails
	if r.serviceID == 0 {
		service = &types.ServiceStakingDetails{
			State:         types.StakingStateNotStaked,
			AccruedReward: types.NewBigIntFromUint64(0),
		}
	} else {
		service, err = reader.ServiceDetails(ctx, program, r.serviceID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("service details: %w", err)
		}
	}

	ratio, err := reader.LivenessRatio(ctx, program)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("liveness ratio: %w", err)
	}
	return contract, service, ratio, nil
}

// readCheckpoint resolves the latest checkpoint, translating the two
// non-error outcomes: no subgraph configured for the chain and no checkpoint
// indexed yet both settle as epoch pending.
func (r *RewardAggregator) readCheckpoint(ctx context.Context, chainID types.ChainID, proxy common.Address) (*types.EpochCheckpoint, bool, error) {
	graph, ok := r.graphs[chainID]
	if !ok {
		logging.Debug("no subgraph configured, epoch end unknown",
			logging.Chain(chainID),
			logging.Component(rewardsComponent))
		return nil, true, nil
	}

	checkpoint, err := graph.LatestCheckpoint(ctx, proxy)
	if err != nil {
		if errors.Is(err, subgraph.ErrNoCheckpoint) {
			return nil, true, nil
		}
		return nil, false, err
	}
	return checkpoint, false, nil
}

// deriveRewards assembles the user-facing reward view. Eligibility means the
// service is actively staked and has accrued a nonzero reward this epoch; an
// evicted service keeps showing its accrued amount but is not eligible.
// Display strings are rendered here so every consumer shows the same
// formatting.
func (r *RewardAggregator) deriveRewards(program types.StakingProgramID, contract *types.StakingContractDetails, service *types.ServiceStakingDetails, ratio *big.Int) *types.StakingRewardsInfo {
	accrued := service.AccruedReward.Unwrap()

	info := &types.StakingRewardsInfo{
		Program:                  program,
		Chain:                    contract.Chain,
		ServiceID:                r.serviceID,
		State:                    service.State,
		IsEligibleForRewards:     service.State == types.StakingStateStaked && accrued.Sign() > 0,
		AccruedServiceReward:     service.AccruedReward,
		AccruedDisplay:           types.FormatUnits(accrued, olasDecimals),
		AvailableRewardsForEpoch: contract.AvailableRewards,
		AvailableDisplay:         types.FormatUnits(contract.AvailableRewards.Unwrap(), olasDecimals),
		MinimumStake:             contract.MinStakingDeposit,
		LivenessPeriod:           contract.LivenessPeriod,
	}
	if ratio != nil {
		info.LivenessRatio = types.NewBigInt(ratio)
	}
	return info
}

// settle publishes a snapshot unless it was superseded by a newer tick or a
// program switch. On a failed tick the previous state is retained unchanged
// under the staleness markers, but only when it belongs to the same program:
// after a switch whose first fetch fails there is nothing of the new program
// to show, and the old program's data must not appear under the new label.
func (r *RewardAggregator) settle(snap types.RewardsSnapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snap.Seq != r.seq.Load() || snap.Program != r.program {
		logging.Debug("discarding superseded rewards settle",
			logging.Seq(snap.Seq),
			logging.Program(snap.Program),
			logging.Component(rewardsComponent))
		if r.collector != nil {
			r.collector.RecordDiscard(rewardsComponent)
		}
		return false
	}

	if snap.Error != "" && r.snap.Program == snap.Program {
		prev := r.snap
		snap.EpochPending = prev.EpochPending
		snap.Checkpoint = prev.Checkpoint
		snap.Contract = prev.Contract
		snap.Rewards = prev.Rewards
		snap.SettledAt = prev.SettledAt
		snap.Stale = true
	}

	r.snap = snap
	if r.collector != nil {
		r.collector.RecordSettle(rewardsComponent, snap.Seq, snap.SettledAt)
	}
	r.notify(snap.Seq)
	return true
}

func (r *RewardAggregator) notify(seq uint64) {
	select {
	case <-r.updates:
	default:
	}
	select {
	case r.updates <- seq:
	default:
	}
}
