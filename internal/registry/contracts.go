package registry

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pearlops/pearld/pkg/types"
)

// ErrProgramNotOnChain is returned when a staking program has no proxy
// deployed on the requested chain.
var ErrProgramNotOnChain = errors.New("staking program not deployed on chain")

// ContractRole names a well-known contract slot in the address table.
type ContractRole string

const (
	RoleMulticall       ContractRole = "multicall"
	RoleOLASToken       ContractRole = "olas_token"
	RoleWrappedNative   ContractRole = "wrapped_native"
	RoleActivityChecker ContractRole = "activity_checker"
	RoleMech            ContractRole = "mech"
	RoleMechMarketplace ContractRole = "mech_marketplace"
)

// contractAddresses is the compiled per-chain address table for roles other
// than staking proxies. Multicall3 and OLAS are filled from the chain rows;
// the rest are listed explicitly where deployed.
var contractAddresses = map[types.ChainID]map[ContractRole]common.Address{
	types.ChainGnosis: {
		RoleWrappedNative:   common.HexToAddress("0xe91D153E0b41518A2Ce8Dd3D7944Fa863463a97d"),
		RoleActivityChecker: common.HexToAddress("0x155547857680A6D51bebC5603397488988DEb1c8"),
		RoleMech:            common.HexToAddress("0x77af31De935740567Cf4fF1986D04B2c964A786a"),
		RoleMechMarketplace: common.HexToAddress("0x4554fE75c1f5576c1d7F765B2A036c199Adae329"),
	},
	types.ChainMode: {
		RoleActivityChecker: common.HexToAddress("0x07bc3C23DbebEfBF866Ca7dD9fAA3b7356116164"),
	},
}

// stakingProxies maps (chain, program) to the program's staking proxy
// contract. Absence of an entry means the program is not deployed there.
var stakingProxies = map[types.ChainID]map[types.StakingProgramID]common.Address{
	types.ChainGnosis: {
		types.ProgramPearlAlpha: common.HexToAddress("0xEE9F19b5DF06c7E8Bfc7B28745dcf944C504198A"),
		types.ProgramPearlBeta:  common.HexToAddress("0xeF44Fb0842DDeF59D37f85D61A1eF492bbA6135d"),
		types.ProgramPearlBeta2: common.HexToAddress("0x1c2F82413666d2a3fD8bC337b0268e62dDF67434"),
	},
	types.ChainMode: {
		types.ProgramPearlBeta3: common.HexToAddress("0x534C0A05B6d4d28d5f3630D6D74857B253cf8332"),
	},
}

// Address looks up a role address on a chain. Multicall and the OLAS token
// are uniform across the chain table; other roles are chain-specific.
func Address(chain types.ChainID, role ContractRole) (common.Address, bool) {
	switch role {
	case RoleMulticall:
		return multicall3Address, true
	case RoleOLASToken:
		for _, row := range chainRows {
			if row.id == chain {
				return row.olasToken, true
			}
		}
		return common.Address{}, false
	}
	addr, ok := contractAddresses[chain][role]
	return addr, ok
}

// StakingProxy resolves the staking proxy for a program on a chain.
func StakingProxy(chain types.ChainID, program types.StakingProgramID) (common.Address, error) {
	addr, ok := stakingProxies[chain][program]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s on %s", ErrProgramNotOnChain, program, chain)
	}
	return addr, nil
}

// ProgramChains returns the chains a program is deployed on, in ascending
// chain id order.
func ProgramChains(program types.StakingProgramID) []types.ChainID {
	var out []types.ChainID
	for _, row := range chainRows {
		if _, ok := stakingProxies[row.id][program]; ok {
			out = append(out, row.id)
		}
	}
	return out
}

// Tokens returns the asset descriptors tracked on a chain: the native asset,
// OLAS, and the wrapped-native token where one is tabled.
func Tokens(chain types.ChainID) []types.TokenDescriptor {
	var row *chainRow
	for i := range chainRows {
		if chainRows[i].id == chain {
			row = &chainRows[i]
			break
		}
	}
	if row == nil {
		return nil
	}

	out := []types.TokenDescriptor{
		{Symbol: row.nativeSymbol, Decimals: row.nativeDecimals, Native: true},
		{Symbol: "OLAS", Address: row.olasToken, Decimals: 18},
	}
	if wrapped, ok := contractAddresses[chain][RoleWrappedNative]; ok {
		out = append(out, types.TokenDescriptor{
			Symbol:   "W" + row.nativeSymbol,
			Address:  wrapped,
			Decimals: row.nativeDecimals,
			Wrapped:  true,
		})
	}
	return out
}

// TokenBySymbol resolves an asset descriptor by its display symbol.
func TokenBySymbol(chain types.ChainID, symbol string) (types.TokenDescriptor, bool) {
	for _, tok := range Tokens(chain) {
		if tok.Symbol == symbol {
			return tok, true
		}
	}
	return types.TokenDescriptor{}, false
}
