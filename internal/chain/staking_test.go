package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/pearlops/pearld/internal/registry"
	"github.com/pearlops/pearld/internal/util"
	"github.com/pearlops/pearld/pkg/types"
)

func stakedContract(t *testing.T) (*fakeBackend, *fakeStakingContract) {
	t.Helper()

	stk := newFakeStakingContract(t)
	stk.availableRewards = big.NewInt(5000)
	// rps*secondsPerYear == minDeposit*(1+agents) exactly, so APY is 100
	stk.minDeposit = big.NewInt(31536000)
	stk.rewardsPerSecond = big.NewInt(2)
	stk.maxServices = big.NewInt(100)
	stk.livenessPeriod = big.NewInt(86400)
	stk.serviceIDs = []*big.Int{big.NewInt(1), big.NewInt(7), big.NewInt(9)}

	proxy, err := registry.StakingProxy(types.ChainGnosis, types.ProgramPearlBeta)
	if err != nil {
		t.Fatalf("failed to resolve proxy: %v", err)
	}

	backend := newFakeBackend(t, testMulticallAddr)
	backend.handle(proxy, stk.handler())
	return backend, stk
}

func TestAccessor_StakingDetails(t *testing.T) {
	backend, _ := stakedContract(t)
	acc := newTestAccessor(t, backend, AccessorOptions{})

	details, err := acc.StakingDetails(context.Background(), types.ProgramPearlBeta)
	if err != nil {
		t.Fatalf("staking details failed: %v", err)
	}

	// Six getters, one round trip on a cold cache
	if got := backend.calls(); got != 1 {
		t.Errorf("expected 1 backend call, got %d", got)
	}
	if got := backend.batchSize(); got != 6 {
		t.Errorf("expected batch of 6, got %d", got)
	}

	if details.Program != types.ProgramPearlBeta || details.Chain != types.ChainGnosis {
		t.Errorf("unexpected identity: %+v", details)
	}
	if details.AvailableRewards.Unwrap().Cmp(big.NewInt(5000)) != 0 {
		t.Errorf("expected available rewards 5000, got %s", details.AvailableRewards)
	}
	if details.MinStakingDeposit.Unwrap().Cmp(big.NewInt(31536000)) != 0 {
		t.Errorf("expected min deposit 31536000, got %s", details.MinStakingDeposit)
	}
	if details.RewardsPerSecond.Unwrap().Cmp(big.NewInt(2)) != 0 {
		t.Errorf("expected rewards per second 2, got %s", details.RewardsPerSecond)
	}
	if details.MaxNumServices != 100 {
		t.Errorf("expected 100 slots, got %d", details.MaxNumServices)
	}
	if details.LivenessPeriod != 86400 {
		t.Errorf("expected liveness period 86400, got %d", details.LivenessPeriod)
	}
	if len(details.ServiceIDs) != 3 || details.ServiceIDs[1] != 7 {
		t.Errorf("unexpected service ids: %v", details.ServiceIDs)
	}
	if details.APY != 100 {
		t.Errorf("expected APY 100, got %v", details.APY)
	}
	if !details.SlotsAvailable {
		t.Error("expected slots available with 3 of 100 staked")
	}
}

func TestAccessor_StakingDetailsParamCache(t *testing.T) {
	backend, stk := stakedContract(t)
	acc := newTestAccessor(t, backend, AccessorOptions{})
	ctx := context.Background()

	if _, err := acc.StakingDetails(ctx, types.ProgramPearlBeta); err != nil {
		t.Fatalf("first read failed: %v", err)
	}
	if got := stk.readCount("minStakingDeposit"); got != 1 {
		t.Fatalf("expected 1 deposit read after cold call, got %d", got)
	}

	stk.availableRewards = big.NewInt(4800)

	details, err := acc.StakingDetails(ctx, types.ProgramPearlBeta)
	if err != nil {
		t.Fatalf("second read failed: %v", err)
	}

	// Warm cache: only the volatile getters go out again
	if got := backend.batchSize(); got != 2 {
		t.Errorf("expected warm batch of 2, got %d", got)
	}
	for _, m := range []string{"minStakingDeposit", "rewardsPerSecond", "maxNumServices", "livenessPeriod"} {
		if got := stk.readCount(m); got != 1 {
			t.Errorf("%s: expected 1 read total, got %d", m, got)
		}
	}
	if got := stk.readCount("availableRewards"); got != 2 {
		t.Errorf("expected 2 rewards reads, got %d", got)
	}

	if details.AvailableRewards.Unwrap().Cmp(big.NewInt(4800)) != 0 {
		t.Errorf("expected fresh rewards 4800, got %s", details.AvailableRewards)
	}
	if details.MinStakingDeposit.Unwrap().Cmp(big.NewInt(31536000)) != 0 {
		t.Errorf("expected cached deposit, got %s", details.MinStakingDeposit)
	}
}

func TestAccessor_StakingDetailsSlotsFull(t *testing.T) {
	backend, stk := stakedContract(t)
	stk.maxServices = big.NewInt(3)

	acc := newTestAccessor(t, backend, AccessorOptions{})

	details, err := acc.StakingDetails(context.Background(), types.ProgramPearlBeta)
	if err != nil {
		t.Fatalf("staking details failed: %v", err)
	}
	if details.SlotsAvailable {
		t.Error("expected no slots with 3 of 3 staked")
	}
}

func TestAccessor_StakingDetailsProgramNotOnChain(t *testing.T) {
	backend := newFakeBackend(t, testMulticallAddr)
	acc := newTestAccessor(t, backend, AccessorOptions{})

	// pearl_beta_3 lives on mode, not gnosis
	_, err := acc.StakingDetails(context.Background(), types.ProgramPearlBeta3)
	if !errors.Is(err, registry.ErrProgramNotOnChain) {
		t.Fatalf("expected ErrProgramNotOnChain, got %v", err)
	}
	if !util.IsNonRetryable(err) {
		t.Error("expected a non-retryable error")
	}
	if got := backend.calls(); got != 0 {
		t.Errorf("expected no backend calls, got %d", got)
	}
}

func TestAccessor_ServiceDetails(t *testing.T) {
	backend, stk := stakedContract(t)
	stk.states[7] = 1
	stk.accrued[7] = big.NewInt(123)
	stk.states[8] = 2

	acc := newTestAccessor(t, backend, AccessorOptions{})
	ctx := context.Background()

	staked, err := acc.ServiceDetails(ctx, types.ProgramPearlBeta, 7)
	if err != nil {
		t.Fatalf("service details failed: %v", err)
	}
	if staked.State != types.StakingStateStaked {
		t.Errorf("expected staked, got %s", staked.State)
	}
	if staked.AccruedReward.Unwrap().Cmp(big.NewInt(123)) != 0 {
		t.Errorf("expected accrued 123, got %s", staked.AccruedReward)
	}

	evicted, err := acc.ServiceDetails(ctx, types.ProgramPearlBeta, 8)
	if err != nil {
		t.Fatalf("service details failed: %v", err)
	}
	if evicted.State != types.StakingStateEvicted {
		t.Errorf("expected evicted, got %s", evicted.State)
	}

	unstaked, err := acc.ServiceDetails(ctx, types.ProgramPearlBeta, 42)
	if err != nil {
		t.Fatalf("service details failed: %v", err)
	}
	if unstaked.State != types.StakingStateNotStaked {
		t.Errorf("expected not staked, got %s", unstaked.State)
	}
	if unstaked.AccruedReward.Unwrap().Sign() != 0 {
		t.Errorf("expected zero accrued, got %s", unstaked.AccruedReward)
	}
}

func TestAccessor_ServiceDetailsUnknownState(t *testing.T) {
	backend, stk := stakedContract(t)
	stk.states[3] = 9

	acc := newTestAccessor(t, backend, AccessorOptions{})

	_, err := acc.ServiceDetails(context.Background(), types.ProgramPearlBeta, 3)
	if err == nil {
		t.Fatal("expected unknown state to error")
	}
	if !util.IsNonRetryable(err) {
		t.Error("expected a non-retryable error")
	}
}

func TestAccessor_LivenessRatioFromProxyChecker(t *testing.T) {
	checkerAddr := common.HexToAddress("0xabababababababababababababababababababab")

	backend, stk := stakedContract(t)
	stk.checker = checkerAddr

	parsed, err := abi.JSON(strings.NewReader(ActivityCheckerABI))
	if err != nil {
		t.Fatalf("failed to parse checker ABI: %v", err)
	}
	method := parsed.Methods["livenessRatio"]
	backend.handle(checkerAddr, func(data []byte) ([]byte, error) {
		return method.Outputs.Pack(big.NewInt(11111111111111))
	})

	acc := newTestAccessor(t, backend, AccessorOptions{})

	ratio, err := acc.LivenessRatio(context.Background(), types.ProgramPearlBeta)
	if err != nil {
		t.Fatalf("liveness ratio failed: %v", err)
	}
	if ratio.Cmp(big.NewInt(11111111111111)) != 0 {
		t.Errorf("expected ratio from proxy's checker, got %s", ratio)
	}
}

func TestAccessor_LivenessRatioTableFallback(t *testing.T) {
	// The proxy answers a zero checker address, so the chain table wins
	backend, _ := stakedContract(t)

	tabled, ok := registry.Address(types.ChainGnosis, registry.RoleActivityChecker)
	if !ok {
		t.Fatal("expected a tabled checker on gnosis")
	}

	parsed, err := abi.JSON(strings.NewReader(ActivityCheckerABI))
	if err != nil {
		t.Fatalf("failed to parse checker ABI: %v", err)
	}
	method := parsed.Methods["livenessRatio"]
	backend.handle(tabled, func(data []byte) ([]byte, error) {
		return method.Outputs.Pack(big.NewInt(424242))
	})

	acc := newTestAccessor(t, backend, AccessorOptions{})

	ratio, err := acc.LivenessRatio(context.Background(), types.ProgramPearlBeta)
	if err != nil {
		t.Fatalf("liveness ratio failed: %v", err)
	}
	if ratio.Cmp(big.NewInt(424242)) != 0 {
		t.Errorf("expected ratio from tabled checker, got %s", ratio)
	}
}

func TestDeriveAPY(t *testing.T) {
	tests := []struct {
		name       string
		rps        *big.Int
		minDeposit *big.Int
		agents     uint64
		want       float64
	}{
		{"break even", big.NewInt(2), big.NewInt(31536000), 1, 100},
		{"half rate", big.NewInt(1), big.NewInt(31536000), 1, 50},
		{"more agents need more stake", big.NewInt(2), big.NewInt(21024000), 2, 100},
		{"zero deposit", big.NewInt(2), big.NewInt(0), 1, 0},
		{"nil inputs", nil, nil, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deriveAPY(tt.rps, tt.minDeposit, tt.agents); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
