package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/pearlops/pearld/internal/util"
)

// Call is one read in a Multicall3 batch. AllowFailure marks reads whose
// individual revert should yield an unsuccessful Result instead of failing
// the whole batch (balance reads of fresh wallets).
type Call struct {
	Target       common.Address
	CallData     []byte
	AllowFailure bool
}

// Result is the outcome of one batched call.
type Result struct {
	Success    bool
	ReturnData []byte
}

// call3 mirrors the Multicall3.Call3 tuple for abi packing.
type call3 struct {
	Target       common.Address `abi:"target"`
	AllowFailure bool           `abi:"allowFailure"`
	CallData     []byte         `abi:"callData"`
}

// result3 mirrors the Multicall3.Result tuple.
type result3 struct {
	Success    bool   `abi:"success"`
	ReturnData []byte `abi:"returnData"`
}

// Multicall batches reads through the canonical Multicall3 contract. With
// batching disabled it issues the same calls sequentially with an identical
// result contract, so callers never care which mode is active.
type Multicall struct {
	addr       common.Address
	abi        abi.ABI
	backend    bind.ContractCaller
	sequential bool
}

// NewMulticall creates a batcher bound to the chain's Multicall3 deployment.
func NewMulticall(addr common.Address, backend bind.ContractCaller, sequential bool) (*Multicall, error) {
	parsed, err := abi.JSON(strings.NewReader(Multicall3ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse multicall ABI: %w", err)
	}
	return &Multicall{addr: addr, abi: parsed, backend: backend, sequential: sequential}, nil
}

// Aggregate executes the batch. On success the result slice is positional:
// results[i] answers calls[i]. A strict call that reverts fails the whole
// batch; an AllowFailure call that reverts yields Success=false.
func (m *Multicall) Aggregate(ctx context.Context, calls []Call) ([]Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	if m.sequential {
		return m.aggregateSequential(ctx, calls)
	}

	packed := make([]call3, len(calls))
	for i, c := range calls {
		packed[i] = call3{Target: c.Target, AllowFailure: c.AllowFailure, CallData: c.CallData}
	}

	data, err := m.abi.Pack("aggregate3", packed)
	if err != nil {
		return nil, util.MarkNonRetryable(fmt.Errorf("failed to pack aggregate3: %w", err))
	}

	raw, err := m.backend.CallContract(ctx, ethereum.CallMsg{To: &m.addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("multicall aggregate3 failed: %w", err)
	}

	vals, err := m.abi.Unpack("aggregate3", raw)
	if err != nil {
		return nil, util.MarkNonRetryable(fmt.Errorf("failed to unpack aggregate3: %w", err))
	}
	decoded := *abi.ConvertType(vals[0], new([]result3)).(*[]result3)
	if len(decoded) != len(calls) {
		return nil, util.MarkNonRetryable(fmt.Errorf("multicall returned %d results for %d calls", len(decoded), len(calls)))
	}

	out := make([]Result, len(decoded))
	for i, r := range decoded {
		out[i] = Result{Success: r.Success, ReturnData: r.ReturnData}
	}
	return out, nil
}

// aggregateSequential issues each call as its own eth_call.
func (m *Multicall) aggregateSequential(ctx context.Context, calls []Call) ([]Result, error) {
	out := make([]Result, len(calls))
	for i, c := range calls {
		target := c.Target
		raw, err := m.backend.CallContract(ctx, ethereum.CallMsg{To: &target, Data: c.CallData}, nil)
		if err != nil {
			if c.AllowFailure {
				out[i] = Result{Success: false}
				continue
			}
			return nil, fmt.Errorf("call %d to %s failed: %w", i, target.Hex(), err)
		}
		out[i] = Result{Success: true, ReturnData: raw}
	}
	return out, nil
}

// EthBalanceCall builds a batched native balance read via Multicall3's own
// getEthBalance helper.
func (m *Multicall) EthBalanceCall(account common.Address) (Call, error) {
	data, err := m.abi.Pack("getEthBalance", account)
	if err != nil {
		return Call{}, fmt.Errorf("failed to pack getEthBalance: %w", err)
	}
	return Call{Target: m.addr, CallData: data, AllowFailure: true}, nil
}

// DecodeEthBalance decodes the result of an EthBalanceCall. An unsuccessful
// result decodes as zero: a wallet with no history has no balance.
func (m *Multicall) DecodeEthBalance(res Result) (*big.Int, error) {
	if !res.Success || len(res.ReturnData) == 0 {
		return big.NewInt(0), nil
	}
	vals, err := m.abi.Unpack("getEthBalance", res.ReturnData)
	if err != nil {
		return nil, util.MarkNonRetryable(fmt.Errorf("failed to decode getEthBalance: %w", err))
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, util.MarkNonRetryable(fmt.Errorf("getEthBalance returned %T", vals[0]))
	}
	return bal, nil
}
