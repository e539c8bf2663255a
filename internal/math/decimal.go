package math

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ParseFixed converts a human decimal string ("120.5") into a fixed-point
// integer with cfg's precision. Values with more fractional digits than the
// precision allows are rejected rather than rounded.
func ParseFixed(s string, cfg DecimalConfig) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", s, err)
	}

	shifted := d.Shift(cfg.DecimalPrecision)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("decimal %q exceeds %d fractional digits", s, cfg.DecimalPrecision)
	}

	return shifted.BigInt(), nil
}

// ParseFixedInt64 is ParseFixed for values that must fit in an int64
// (prices and notional amounts).
func ParseFixedInt64(s string, cfg DecimalConfig) (int64, error) {
	v, err := ParseFixed(s, cfg)
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("decimal %q overflows int64 at scale %d", s, cfg.Scale)
	}
	return v.Int64(), nil
}

// FormatFixed renders a fixed-point integer as a human decimal string.
func FormatFixed(v *big.Int, cfg DecimalConfig) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -cfg.DecimalPrecision).String()
}

// FormatFixedInt64 is FormatFixed for int64 values.
func FormatFixedInt64(v int64, cfg DecimalConfig) string {
	return decimal.New(v, -cfg.DecimalPrecision).String()
}
