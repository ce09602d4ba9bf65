// Package money provides shared amount arithmetic for the engine.
//
// Fiat amounts are MXN decimals with centavo precision. The custody asset
// uses 6 decimal places on-chain; conversions between the two live here so
// no component does its own rounding.
package money

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// TokenDecimals is the decimal precision of the custody asset.
const TokenDecimals = 6

// centavos is the fiat precision used for all splits.
const centavos = 2

// Parse converts a decimal string (e.g. "1500.50") to an amount.
// Negative amounts are rejected.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount %q not allowed", s)
	}
	return d, nil
}

// Split divides amount into a custody portion and a release portion by
// percentage. The custody portion is truncated to centavos, never rounded
// up, so custody + release == amount holds exactly and custody can never
// over-allocate the deposit.
func Split(amount decimal.Decimal, custodyPercent decimal.Decimal) (custody, release decimal.Decimal) {
	custody = amount.Mul(custodyPercent).Div(decimal.NewFromInt(100)).Truncate(centavos)
	release = amount.Sub(custody)
	return custody, release
}

// PercentOf returns pct% of amount, truncated to centavos. Used for
// commission and platform-fee terms fixed at payment creation.
func PercentOf(amount decimal.Decimal, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(decimal.NewFromInt(100)).Truncate(centavos)
}

// ToTokenUnits converts a fiat amount to the custody asset's smallest
// unit (10^6) for contract calls.
func ToTokenUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(TokenDecimals).Truncate(0).BigInt()
}

// FromTokenUnits converts a smallest-unit token amount back to a decimal.
func FromTokenUnits(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -TokenDecimals)
}

// Equal reports whether two amounts are numerically equal regardless of
// exponent representation.
func Equal(a, b decimal.Decimal) bool { return a.Cmp(b) == 0 }
