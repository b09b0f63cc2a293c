package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"

	"github.com/pearlops/pearld/internal/registry"
	"github.com/pearlops/pearld/internal/util"
	"github.com/pearlops/pearld/pkg/types"
)

const secondsPerYear = 31536000

// stakingParams are the per-deployment constants of a staking proxy,
// memoized so steady-state ticks only read the volatile values.
type stakingParams struct {
	minStakingDeposit *big.Int
	rewardsPerSecond  *big.Int
	maxNumServices    uint64
	livenessPeriod    uint64
}

// StakingDetails reads the live state of a staking program's proxy on this
// chain. AvailableRewards and the staked service set are read every call;
// deposit, rate, capacity and liveness period come from the parameter cache
// when warm. All reads are strict: a revert here is a real failure.
func (a *Accessor) StakingDetails(ctx context.Context, program types.StakingProgramID) (*types.StakingContractDetails, error) {
	proxy, err := registry.StakingProxy(a.desc.ID, program)
	if err != nil {
		return nil, util.MarkNonRetryable(err)
	}

	cacheKey := "staking-params:" + string(program)
	var params *stakingParams
	if cached, found := a.params.Get(cacheKey); found {
		params = cached.(*stakingParams)
	}

	methods := []string{"availableRewards", "getServiceIds"}
	if params == nil {
		methods = append(methods, "minStakingDeposit", "rewardsPerSecond", "maxNumServices", "livenessPeriod")
	}

	calls := make([]Call, len(methods))
	for i, m := range methods {
		data, err := a.staking.Pack(m)
		if err != nil {
			return nil, util.MarkNonRetryable(fmt.Errorf("failed to pack %s: %w", m, err))
		}
		calls[i] = Call{Target: proxy, CallData: data}
	}

	results, err := a.mc.Aggregate(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("staking details for %s: %w", program, err)
	}

	availableRewards, err := a.unpackUint256("availableRewards", results[0])
	if err != nil {
		return nil, err
	}
	serviceIDs, err := a.unpackUint256Slice("getServiceIds", results[1])
	if err != nil {
		return nil, err
	}

	if params == nil {
		minDeposit, err := a.unpackUint256("minStakingDeposit", results[2])
		if err != nil {
			return nil, err
		}
		rate, err := a.unpackUint256("rewardsPerSecond", results[3])
		if err != nil {
			return nil, err
		}
		maxServices, err := a.unpackUint256("maxNumServices", results[4])
		if err != nil {
			return nil, err
		}
		liveness, err := a.unpackUint256("livenessPeriod", results[5])
		if err != nil {
			return nil, err
		}
		params = &stakingParams{
			minStakingDeposit: minDeposit,
			rewardsPerSecond:  rate,
			maxNumServices:    maxServices.Uint64(),
			livenessPeriod:    liveness.Uint64(),
		}
		a.params.Set(cacheKey, params, gocache.DefaultExpiration)
	}

	ids := make([]uint64, len(serviceIDs))
	for i, id := range serviceIDs {
		ids[i] = id.Uint64()
	}

	agents := uint64(1)
	if a.programs != nil {
		if meta, err := a.programs.MetaFor(program); err == nil {
			agents = meta.AgentsNeeded
		}
	}

	return &types.StakingContractDetails{
		Program:           program,
		Chain:             a.desc.ID,
		AvailableRewards:  types.NewBigInt(availableRewards),
		MinStakingDeposit: types.NewBigInt(params.minStakingDeposit),
		RewardsPerSecond:  types.NewBigInt(params.rewardsPerSecond),
		MaxNumServices:    params.maxNumServices,
		LivenessPeriod:    params.livenessPeriod,
		ServiceIDs:        ids,
		APY:               deriveAPY(params.rewardsPerSecond, params.minStakingDeposit, agents),
		SlotsAvailable:    uint64(len(ids)) < params.maxNumServices,
	}, nil
}

// ServiceDetails reads one service's staking position in a program.
func (a *Accessor) ServiceDetails(ctx context.Context, program types.StakingProgramID, serviceID uint64) (*types.ServiceStakingDetails, error) {
	proxy, err := registry.StakingProxy(a.desc.ID, program)
	if err != nil {
		return nil, util.MarkNonRetryable(err)
	}

	id := new(big.Int).SetUint64(serviceID)

	stateData, err := a.staking.Pack("getStakingState", id)
	if err != nil {
		return nil, util.MarkNonRetryable(fmt.Errorf("failed to pack getStakingState: %w", err))
	}
	rewardData, err := a.staking.Pack("calculateStakingReward", id)
	if err != nil {
		return nil, util.MarkNonRetryable(fmt.Errorf("failed to pack calculateStakingReward: %w", err))
	}

	results, err := a.mc.Aggregate(ctx, []Call{
		{Target: proxy, CallData: stateData},
		{Target: proxy, CallData: rewardData},
	})
	if err != nil {
		return nil, fmt.Errorf("service details for %s/%d: %w", program, serviceID, err)
	}

	rawState, err := a.unpackUint8("getStakingState", results[0])
	if err != nil {
		return nil, err
	}
	reward, err := a.unpackUint256("calculateStakingReward", results[1])
	if err != nil {
		return nil, err
	}

	state, err := stakingStateFromContract(rawState)
	if err != nil {
		return nil, err
	}

	return &types.ServiceStakingDetails{
		ServiceID:     serviceID,
		State:         state,
		AccruedReward: types.NewBigInt(reward),
	}, nil
}

// LivenessRatio reads the activity checker's liveness ratio for a program.
// Each proxy names its own checker through the activityChecker getter;
// proxies predating the getter fall back to the chain's tabled checker.
// A program with no checker at all yields nil without error.
func (a *Accessor) LivenessRatio(ctx context.Context, program types.StakingProgramID) (*big.Int, error) {
	proxy, err := registry.StakingProxy(a.desc.ID, program)
	if err != nil {
		return nil, util.MarkNonRetryable(err)
	}

	addr := a.resolveChecker(ctx, proxy)
	if addr == (common.Address{}) {
		return nil, nil
	}

	bound := bind.NewBoundContract(addr, a.checker, a.backend, nil, nil)
	var result []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &result, "livenessRatio"); err != nil {
		return nil, fmt.Errorf("failed to get liveness ratio: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	ratio, isInt := result[0].(*big.Int)
	if !isInt {
		return nil, util.MarkNonRetryable(fmt.Errorf("livenessRatio returned %T", result[0]))
	}
	return ratio, nil
}

// resolveChecker asks the proxy for its activity checker, falling back to
// the chain's contract table when the getter reverts or answers zero.
func (a *Accessor) resolveChecker(ctx context.Context, proxy common.Address) common.Address {
	bound := bind.NewBoundContract(proxy, a.staking, a.backend, nil, nil)
	var result []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &result, "activityChecker"); err == nil && len(result) > 0 {
		if resolved, ok := result[0].(common.Address); ok && resolved != (common.Address{}) {
			return resolved
		}
	}
	if tabled, ok := registry.Address(a.desc.ID, registry.RoleActivityChecker); ok {
		return tabled
	}
	return common.Address{}
}

// stakingStateFromContract maps the proxy's state enum to ours.
func stakingStateFromContract(raw uint8) (types.StakingState, error) {
	switch raw {
	case 0:
		return types.StakingStateNotStaked, nil
	case 1:
		return types.StakingStateStaked, nil
	case 2:
		return types.StakingStateEvicted, nil
	}
	return 0, util.MarkNonRetryable(fmt.Errorf("unknown staking state %d from contract", raw))
}

// deriveAPY annualizes the per-service reward rate over the stake one slot
// requires (the deposit plus a matching bond per agent instance). The
// contract exposes no APY; this is display math, not consensus math.
func deriveAPY(rewardsPerSecond, minDeposit *big.Int, agents uint64) float64 {
	if rewardsPerSecond == nil || minDeposit == nil || minDeposit.Sign() == 0 {
		return 0
	}
	if agents == 0 {
		agents = 1
	}

	annual := new(big.Float).Mul(new(big.Float).SetInt(rewardsPerSecond), big.NewFloat(secondsPerYear))
	required := new(big.Int).Mul(minDeposit, new(big.Int).SetUint64(1+agents))
	ratio := new(big.Float).Quo(annual, new(big.Float).SetInt(required))
	pct, _ := new(big.Float).Mul(ratio, big.NewFloat(100)).Float64()
	return pct
}

// unpackUint256 decodes a single uint256 return value from a strict call.
func (a *Accessor) unpackUint256(method string, res Result) (*big.Int, error) {
	if !res.Success || len(res.ReturnData) == 0 {
		return nil, util.MarkNonRetryable(fmt.Errorf("%s: call failed on chain %s", method, a.desc.Name))
	}
	vals, err := a.staking.Unpack(method, res.ReturnData)
	if err != nil {
		return nil, util.MarkNonRetryable(fmt.Errorf("failed to decode %s: %w", method, err))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, util.MarkNonRetryable(fmt.Errorf("%s returned %T", method, vals[0]))
	}
	return v, nil
}

// unpackUint256Slice decodes a uint256[] return value from a strict call.
func (a *Accessor) unpackUint256Slice(method string, res Result) ([]*big.Int, error) {
	if !res.Success || len(res.ReturnData) == 0 {
		return nil, util.MarkNonRetryable(fmt.Errorf("%s: call failed on chain %s", method, a.desc.Name))
	}
	vals, err := a.staking.Unpack(method, res.ReturnData)
	if err != nil {
		return nil, util.MarkNonRetryable(fmt.Errorf("failed to decode %s: %w", method, err))
	}
	v, ok := vals[0].([]*big.Int)
	if !ok {
		return nil, util.MarkNonRetryable(fmt.Errorf("%s returned %T", method, vals[0]))
	}
	return v, nil
}

// unpackUint8 decodes a single uint8 return value from a strict call.
func (a *Accessor) unpackUint8(method string, res Result) (uint8, error) {
	if !res.Success || len(res.ReturnData) == 0 {
		return 0, util.MarkNonRetryable(fmt.Errorf("%s: call failed on chain %s", method, a.desc.Name))
	}
	vals, err := a.staking.Unpack(method, res.ReturnData)
	if err != nil {
		return 0, util.MarkNonRetryable(fmt.Errorf("failed to decode %s: %w", method, err))
	}
	v, ok := vals[0].(uint8)
	if !ok {
		return 0, util.MarkNonRetryable(fmt.Errorf("%s returned %T", method, vals[0]))
	}
	return v, nil
}
