package ethutil

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the precision of the chain's gas coin (wei).
const NativeDecimals = 18

// ToBaseUnits scales a human amount (e.g. "0.3") to integer base units.
// Fractions below one base unit are truncated.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", amount.String())
	}
	return amount.Shift(int32(decimals)).Truncate(0).BigInt(), nil
}

// ParseUnits parses raw as a decimal and scales it to base units.
func ParseUnits(raw string, decimals uint8) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return ToBaseUnits(d, decimals)
}

// FromBaseUnits converts base units back to a human amount.
func FromBaseUnits(v *big.Int, decimals uint8) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -int32(decimals))
}

// FormatUnits renders base units with trailing zeros trimmed.
func FormatUnits(v *big.Int, decimals uint8) string {
	return FromBaseUnits(v, decimals).String()
}
