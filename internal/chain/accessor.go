package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"

	"github.com/pearlops/pearld/internal/registry"
	"github.com/pearlops/pearld/internal/util"
	"github.com/pearlops/pearld/pkg/types"
)

// AccessorOptions tunes one chain's accessor.
type AccessorOptions struct {
	// DisableMulticall switches every batch to sequential eth_calls.
	DisableMulticall bool
	// ParamCacheTTL bounds how long immutable staking parameters are
	// memoized before being re-read.
	ParamCacheTTL time.Duration
}

// Accessor is the read surface of one chain: balances, Safe owners and
// staking program state. All reads inside one poll tick go through a single
// Multicall3 batch unless batching is disabled.
type Accessor struct {
	desc     types.ChainDescriptor
	backend  bind.ContractCaller
	mc       *Multicall
	erc20    abi.ABI
	safe     abi.ABI
	staking  abi.ABI
	checker  abi.ABI
	programs *registry.ProgramRegistry
	params   *gocache.Cache
}

// NewAccessor builds the accessor for a chain descriptor over the given
// backend (normally a *Client; tests inject fakes).
func NewAccessor(desc types.ChainDescriptor, backend bind.ContractCaller, programs *registry.ProgramRegistry, opts AccessorOptions) (*Accessor, error) {
	mc, err := NewMulticall(desc.Multicall, backend, opts.DisableMulticall)
	if err != nil {
		return nil, err
	}

	erc20, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 ABI: %w", err)
	}
	safe, err := abi.JSON(strings.NewReader(SafeABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse safe ABI: %w", err)
	}
	staking, err := abi.JSON(strings.NewReader(StakingTokenABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse staking ABI: %w", err)
	}
	checker, err := abi.JSON(strings.NewReader(ActivityCheckerABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse activity checker ABI: %w", err)
	}

	ttl := opts.ParamCacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return &Accessor{
		desc:     desc,
		backend:  backend,
		mc:       mc,
		erc20:    erc20,
		safe:     safe,
		staking:  staking,
		checker:  checker,
		programs: programs,
		params:   gocache.New(ttl, 2*ttl),
	}, nil
}

// Chain returns the descriptor this accessor serves.
func (a *Accessor) Chain() types.ChainDescriptor {
	return a.desc
}

// Balances reads every (wallet, asset) pair in one batch. A zero balance is
// a value, not an error: reads of fresh wallets are issued with AllowFailure
// and decode as zero.
func (a *Accessor) Balances(ctx context.Context, wallets []common.Address, tokens []types.TokenDescriptor) ([]types.WalletBalance, error) {
	if len(wallets) == 0 || len(tokens) == 0 {
		return nil, nil
	}

	calls := make([]Call, 0, len(wallets)*len(tokens))
	for _, w := range wallets {
		for _, tok := range tokens {
			if tok.Native {
				call, err := a.mc.EthBalanceCall(w)
				if err != nil {
					return nil, err
				}
				calls = append(calls, call)
				continue
			}
			data, err := a.erc20.Pack("balanceOf", w)
			if err != nil {
				return nil, util.MarkNonRetryable(fmt.Errorf("failed to pack balanceOf: %w", err))
			}
			calls = append(calls, Call{Target: tok.Address, CallData: data, AllowFailure: true})
		}
	}

	results, err := a.mc.Aggregate(ctx, calls)
	if err != nil {
		return nil, err
	}

	out := make([]types.WalletBalance, 0, len(calls))
	i := 0
	for _, w := range wallets {
		for _, tok := range tokens {
			var raw *big.Int
			if tok.Native {
				raw, err = a.mc.DecodeEthBalance(results[i])
			} else {
				raw, err = a.decodeBalanceOf(results[i])
			}
			if err != nil {
				return nil, err
			}
			out = append(out, types.WalletBalance{
				Wallet:  w,
				Chain:   a.desc.ID,
				Symbol:  tok.Symbol,
				Native:  tok.Native,
				Wrapped: tok.Wrapped,
				Raw:     types.NewBigInt(raw),
				Display: types.FormatUnits(raw, tok.Decimals),
			})
			i++
		}
	}
	return out, nil
}

func (a *Accessor) decodeBalanceOf(res Result) (*big.Int, error) {
	if !res.Success || len(res.ReturnData) == 0 {
		return big.NewInt(0), nil
	}
	vals, err := a.erc20.Unpack("balanceOf", res.ReturnData)
	if err != nil {
		return nil, util.MarkNonRetryable(fmt.Errorf("failed to decode balanceOf: %w", err))
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, util.MarkNonRetryable(fmt.Errorf("balanceOf returned %T", vals[0]))
	}
	return bal, nil
}

// GetOwners returns the owner set of a Safe. An address with no deployed
// code yields ErrNoContract: the middleware may hand out Safe addresses for
// chains where the Safe was never created.
func (a *Accessor) GetOwners(ctx context.Context, safe common.Address) ([]common.Address, error) {
	code, err := a.backend.CodeAt(ctx, safe, nil)
	if err != nil {
		return nil, err
	}
	if len(code) == 0 {
		return nil, util.MarkNonRetryable(fmt.Errorf("%w: %s on %s", ErrNoContract, safe.Hex(), a.desc.Name))
	}

	bound := bind.NewBoundContract(safe, a.safe, a.backend, nil, nil)

	var result []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &result, "getOwners"); err != nil {
		return nil, fmt.Errorf("failed to get safe owners: %w", err)
	}
	if len(result) == 0 {
		return nil, util.MarkNonRetryable(fmt.Errorf("getOwners returned no data"))
	}
	owners, ok := result[0].([]common.Address)
	if !ok {
		return nil, util.MarkNonRetryable(fmt.Errorf("getOwners returned %T", result[0]))
	}
	return owners, nil
}
