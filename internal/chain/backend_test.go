package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// callHandler answers one eth_call against one contract. The calldata
// includes the 4-byte selector.
type callHandler func(data []byte) ([]byte, error)

// fakeBackend is an in-memory bind.ContractCaller. It decodes aggregate3
// batches with the same ABI the Multicall wrapper packs them with, dispatches
// the inner calls to per-contract handlers, and re-encodes the replies, so
// tests exercise the real encode and decode paths without a node.
type fakeBackend struct {
	mu       sync.Mutex
	mcABI    abi.ABI
	mcAddr   common.Address
	code     map[common.Address][]byte
	handlers map[common.Address]callHandler

	contractCalls int
	lastBatchSize int
}

func newFakeBackend(t *testing.T, mcAddr common.Address) *fakeBackend {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(Multicall3ABI))
	if err != nil {
		t.Fatalf("failed to parse multicall ABI: %v", err)
	}
	return &fakeBackend{
		mcABI:    parsed,
		mcAddr:   mcAddr,
		code:     make(map[common.Address][]byte),
		handlers: make(map[common.Address]callHandler),
	}
}

func (f *fakeBackend) handle(addr common.Address, h callHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[addr] = h
}

func (f *fakeBackend) setCode(addr common.Address, code []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.code[addr] = code
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contractCalls
}

func (f *fakeBackend) batchSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBatchSize
}

func (f *fakeBackend) CodeAt(_ context.Context, contract common.Address, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[contract], nil
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.contractCalls++
	f.mu.Unlock()

	if call.To == nil {
		return nil, fmt.Errorf("missing call target")
	}
	if *call.To == f.mcAddr && len(call.Data) >= 4 {
		if method, err := f.mcABI.MethodById(call.Data[:4]); err == nil && method.Name == "aggregate3" {
			return f.aggregate3(method, call.Data[4:])
		}
	}
	return f.dispatch(*call.To, call.Data)
}

func (f *fakeBackend) aggregate3(method *abi.Method, data []byte) ([]byte, error) {
	vals, err := method.Inputs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("bad aggregate3 calldata: %v", err)
	}
	calls := *abi.ConvertType(vals[0], new([]call3)).(*[]call3)

	f.mu.Lock()
	f.lastBatchSize = len(calls)
	f.mu.Unlock()

	results := make([]result3, len(calls))
	for i, c := range calls {
		out, err := f.dispatch(c.Target, c.CallData)
		if err != nil {
			if !c.AllowFailure {
				return nil, fmt.Errorf("execution reverted: call %d: %v", i, err)
			}
			results[i] = result3{Success: false}
			continue
		}
		results[i] = result3{Success: true, ReturnData: out}
	}
	return method.Outputs.Pack(results)
}

func (f *fakeBackend) dispatch(target common.Address, data []byte) ([]byte, error) {
	f.mu.Lock()
	h, ok := f.handlers[target]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("execution reverted: no contract at %s", target.Hex())
	}
	return h(data)
}

// serveEthBalances answers Multicall3's own getEthBalance reads. Accounts
// not in the map read as zero.
func (f *fakeBackend) serveEthBalances(balances map[common.Address]*big.Int) {
	method := f.mcABI.Methods["getEthBalance"]
	f.handle(f.mcAddr, func(data []byte) ([]byte, error) {
		vals, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, err
		}
		bal, ok := balances[vals[0].(common.Address)]
		if !ok {
			bal = big.NewInt(0)
		}
		return method.Outputs.Pack(bal)
	})
}

// serveERC20 answers balanceOf reads for one token contract. Accounts not in
// the map revert, like a read against a contract that rejects the holder.
func (f *fakeBackend) serveERC20(t *testing.T, token common.Address, balances map[common.Address]*big.Int) {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		t.Fatalf("failed to parse erc20 ABI: %v", err)
	}
	method := parsed.Methods["balanceOf"]
	f.handle(token, func(data []byte) ([]byte, error) {
		vals, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, err
		}
		bal, ok := balances[vals[0].(common.Address)]
		if !ok {
			return nil, fmt.Errorf("execution reverted")
		}
		return method.Outputs.Pack(bal)
	})
}

// fakeStakingContract scripts one staking proxy's read surface and counts
// how often each getter is hit.
type fakeStakingContract struct {
	t   *testing.T
	abi abi.ABI

	availableRewards *big.Int
	minDeposit       *big.Int
	rewardsPerSecond *big.Int
	maxServices      *big.Int
	livenessPeriod   *big.Int
	serviceIDs       []*big.Int
	states           map[uint64]uint8
	accrued          map[uint64]*big.Int
	checker          common.Address

	mu    sync.Mutex
	reads map[string]int
}

func newFakeStakingContract(t *testing.T) *fakeStakingContract {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(StakingTokenABI))
	if err != nil {
		t.Fatalf("failed to parse staking ABI: %v", err)
	}
	return &fakeStakingContract{
		t:                t,
		abi:              parsed,
		availableRewards: big.NewInt(0),
		minDeposit:       big.NewInt(1),
		rewardsPerSecond: big.NewInt(0),
		maxServices:      big.NewInt(100),
		livenessPeriod:   big.NewInt(86400),
		states:           make(map[uint64]uint8),
		accrued:          make(map[uint64]*big.Int),
		reads:            make(map[string]int),
	}
}

func (s *fakeStakingContract) readCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[method]
}

func (s *fakeStakingContract) handler() callHandler {
	return func(data []byte) ([]byte, error) {
		method, err := s.abi.MethodById(data[:4])
		if err != nil {
			return nil, fmt.Errorf("execution reverted: unknown selector")
		}

		s.mu.Lock()
		s.reads[method.Name]++
		s.mu.Unlock()

		switch method.Name {
		case "availableRewards":
			return method.Outputs.Pack(s.availableRewards)
		case "minStakingDeposit":
			return method.Outputs.Pack(s.minDeposit)
		case "rewardsPerSecond":
			return method.Outputs.Pack(s.rewardsPerSecond)
		case "maxNumServices":
			return method.Outputs.Pack(s.maxServices)
		case "livenessPeriod":
			return method.Outputs.Pack(s.livenessPeriod)
		case "getServiceIds":
			return method.Outputs.Pack(s.serviceIDs)
		case "activityChecker":
			return method.Outputs.Pack(s.checker)
		case "getStakingState":
			vals, err := method.Inputs.Unpack(data[4:])
			if err != nil {
				return nil, err
			}
			return method.Outputs.Pack(s.states[vals[0].(*big.Int).Uint64()])
		case "calculateStakingReward":
			vals, err := method.Inputs.Unpack(data[4:])
			if err != nil {
				return nil, err
			}
			reward, ok := s.accrued[vals[0].(*big.Int).Uint64()]
			if !ok {
				reward = big.NewInt(0)
			}
			return method.Outputs.Pack(reward)
		}
		return nil, fmt.Errorf("execution reverted: unhandled method %s", method.Name)
	}
}
