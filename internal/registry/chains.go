// Package registry holds the compiled chain, contract and staking program
// tables and merges them with operator configuration at startup. Everything
// a registry hands out is immutable; lookups after construction are
// lock-free.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pearlops/pearld/internal/config"
	"github.com/pearlops/pearld/pkg/types"
)

// ErrUnknownChain is returned when a chain id is not in the registry, either
// because it is outside the supported set or because the operator did not
// configure it.
var ErrUnknownChain = errors.New("unknown chain")

// multicall3Address is the canonical Multicall3 deployment, present at the
// same address on every supported chain.
var multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

// chainRow is one compiled entry of the supported chain set. RPC and
// subgraph endpoints come from config, not from here.
type chainRow struct {
	id             types.ChainID
	name           string
	nativeSymbol   string
	nativeDecimals uint8
	olasToken      common.Address
}

var chainRows = []chainRow{
	{types.ChainEthereum, "ethereum", "ETH", 18, common.HexToAddress("0x0001A500A6B18995B03f44bb040A5fFc28E45CB0")},
	{types.ChainOptimism, "optimism", "ETH", 18, common.HexToAddress("0xFC2E6e6BCbd49ccf3A5f029c79984372DcBFE527")},
	{types.ChainGnosis, "gnosis", "XDAI", 18, common.HexToAddress("0xcE11e14225575945b8E6Dc0D4F2dD4C570f79d9f")},
	{types.ChainBase, "base", "ETH", 18, common.HexToAddress("0x54330d28ca3357F294334BDC454a032e7f353416")},
	{types.ChainMode, "mode", "ETH", 18, common.HexToAddress("0xcfD1D50ce23C46D3Cf6407487B2F8934e96DC8f9")},
}

// ChainRegistry resolves chain ids to descriptors. Only chains the operator
// configured with at least one RPC URL are present.
type ChainRegistry struct {
	chains map[types.ChainID]types.ChainDescriptor
	order  []types.ChainID
}

// NewChainRegistry builds the registry from the compiled table merged with
// the operator's chain configuration. Configured chains outside the
// supported set were already rejected by config validation; configured
// chains without RPC URLs are skipped.
func NewChainRegistry(cfg *config.Config) (*ChainRegistry, error) {
	rows := make(map[string]chainRow, len(chainRows))
	for _, row := range chainRows {
		rows[row.name] = row
	}

	r := &ChainRegistry{chains: make(map[types.ChainID]types.ChainDescriptor)}

	for name, cc := range cfg.Chains {
		row, ok := rows[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownChain, name)
		}
		if len(cc.RPCURLs) == 0 {
			continue
		}

		urls := make([]string, len(cc.RPCURLs))
		copy(urls, cc.RPCURLs)

		r.chains[row.id] = types.ChainDescriptor{
			ID:             row.id,
			Name:           row.name,
			NativeSymbol:   row.nativeSymbol,
			NativeDecimals: row.nativeDecimals,
			RPCURLs:        urls,
			Multicall:      multicall3Address,
			OLASToken:      row.olasToken,
			SubgraphURL:    cc.SubgraphURL,
		}
		r.order = append(r.order, row.id)
	}

	if len(r.chains) == 0 {
		return nil, fmt.Errorf("no chains configured with rpc_urls")
	}

	sort.Slice(r.order, func(i, j int) bool { return r.order[i] < r.order[j] })
	return r, nil
}

// Resolve returns the descriptor for the given chain id.
func (r *ChainRegistry) Resolve(id types.ChainID) (types.ChainDescriptor, error) {
	desc, ok := r.chains[id]
	if !ok {
		return types.ChainDescriptor{}, fmt.Errorf("%w: %d", ErrUnknownChain, int64(id))
	}
	return desc, nil
}

// All returns every configured chain descriptor in ascending chain id order.
func (r *ChainRegistry) All() []types.ChainDescriptor {
	out := make([]types.ChainDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.chains[id])
	}
	return out
}

// Has reports whether the chain is configured.
func (r *ChainRegistry) Has(id types.ChainID) bool {
	_, ok := r.chains[id]
	return ok
}
