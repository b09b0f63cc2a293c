package types

import (
	"fmt"
	"math/big"
	"strings"
)

// BigInt is a big.Int that serializes as a decimal string in JSON. Balances
// and reward amounts are exact base-unit integers; encoding them as JSON
// numbers would push them through float64 on the far side.
type BigInt struct {
	big.Int
}

// NewBigInt returns a BigInt holding a copy of x. A nil x yields zero.
func NewBigInt(x *big.Int) *BigInt {
	b := new(BigInt)
	if x != nil {
		b.Set(x)
	}
	return b
}

// NewBigIntFromUint64 returns a BigInt holding x.
func NewBigIntFromUint64(x uint64) *BigInt {
	b := new(BigInt)
	b.SetUint64(x)
	return b
}

// Unwrap returns the embedded big.Int. Nil-safe: a nil receiver yields zero.
func (b *BigInt) Unwrap() *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return &b.Int
}

// MarshalJSON encodes the value as a quoted decimal string.
func (b *BigInt) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte(`"0"`), nil
	}
	return []byte(`"` + b.String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted decimal string or a bare JSON number.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		b.SetInt64(0)
		return nil
	}
	if _, ok := b.SetString(s, 10); !ok {
		return fmt.Errorf("invalid big integer %q", s)
	}
	return nil
}

// FormatUnits converts a base-unit amount to a human-readable string using
// the given number of decimals, keeping at most four fractional digits and
// trimming trailing zeros.
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}

	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole := new(big.Int).Div(amount, unit)
	frac := new(big.Int).Mod(amount, unit)

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := frac.String()
	for len(fracStr) < int(decimals) {
		fracStr = "0" + fracStr
	}
	// Cap before trimming: truncation can expose new trailing zeros.
	if len(fracStr) > 4 {
		fracStr = fracStr[:4]
	}
	for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
		fracStr = fracStr[:len(fracStr)-1]
	}

	if len(fracStr) == 0 {
		return whole.String()
	}
	return whole.String() + "." + fracStr
}

// ParseUnits parses a human-readable amount ("1.25") into base units using
// the given number of decimals. Fractional digits beyond the decimals are
// truncated.
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	parts := strings.Split(amount, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("invalid amount: %s", amount)
	}

	whole, ok := new(big.Int).SetString(parts[0], 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", amount)
	}

	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	result := new(big.Int).Mul(whole, unit)

	if len(parts) == 2 {
		fracStr := parts[1]
		for len(fracStr) < int(decimals) {
			fracStr += "0"
		}
		if len(fracStr) > int(decimals) {
			fracStr = fracStr[:decimals]
		}
		frac, ok := new(big.Int).SetString(fracStr, 10)
		if !ok {
			return nil, fmt.Errorf("invalid decimal: %s", parts[1])
		}
		if whole.Sign() < 0 {
			result.Sub(result, frac)
		} else {
			result.Add(result, frac)
		}
	}

	return result, nil
}
