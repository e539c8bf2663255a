// internal/math/fixedpoint.go
package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int32 // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Settlement asset (cash, stake, margin, pnl, fees)
	SettlementConfig = DecimalConfig{DecimalPrecision: 18, Scale: 1_000_000_000_000_000_000}
	// Quote currency (prices and notional order amounts)
	USDConfig = DecimalConfig{DecimalPrecision: 9, Scale: 1_000_000_000}
)

const (
	// PercentBase is the fixed-point unit of leverage: 100 == 1x.
	PercentBase int64 = 100

	// BasisPoints is the denominator of fee rates, discounts and stake shares.
	BasisPoints int64 = 10_000
)

var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	intPool.Put(v)
}

// SettlementScale returns a fresh copy of the settlement unit (1e18).
func SettlementScale() *big.Int {
	return big.NewInt(SettlementConfig.Scale)
}

// Inverse returns scale/price truncated toward zero. A non-positive price
// yields zero.
func Inverse(price int64) *big.Int {
	if price <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Quo(SettlementScale(), big.NewInt(price))
}

// Cost is the collateral, in settlement units, needed to carry amount of
// notional at price with the given percent-scaled leverage:
//
//	amount * 100 * scale / price / leverage
func Cost(price, amount, leverage int64) *big.Int {
	result := new(big.Int)
	if price <= 0 || leverage <= 0 || amount <= 0 {
		return result
	}

	tmp := getInt()
	defer putInt(tmp)

	tmp.SetInt64(amount)
	tmp.Mul(tmp, big.NewInt(PercentBase))
	tmp.Mul(tmp, SettlementScale())
	tmp.Quo(tmp, big.NewInt(price))

	return result.Quo(tmp, big.NewInt(leverage))
}

// RealizedPnL returns the signed inverse-style PnL of closing amount of
// notional opened at entry and closed at exit. Positive is profit.
//
//	long:  (scale/entry - scale/exit) * amount
//	short: (scale/exit - scale/entry) * amount
func RealizedPnL(long bool, entry, exit, amount int64) *big.Int {
	if amount <= 0 || entry <= 0 || exit <= 0 {
		return new(big.Int)
	}

	diff := getInt()
	defer putInt(diff)

	if long {
		diff.Sub(Inverse(entry), Inverse(exit))
	} else {
		diff.Sub(Inverse(exit), Inverse(entry))
	}

	return new(big.Int).Mul(diff, big.NewInt(amount))
}

// HarmonicEntryPrice blends an existing same-side position with a new fill.
// PnL is linear in 1/price, so the blend is harmonic rather than arithmetic:
//
//	(oldAmount + fillAmount) * scale / (oldAmount*scale/oldPrice + fillAmount*scale/fillPrice)
func HarmonicEntryPrice(oldAmount, oldPrice, fillAmount, fillPrice int64) int64 {
	if oldAmount <= 0 || oldPrice <= 0 {
		return fillPrice
	}
	if fillAmount <= 0 {
		return oldPrice
	}

	oldTerm := getInt()
	fillTerm := getInt()
	numerator := getInt()
	defer putInt(oldTerm)
	defer putInt(fillTerm)
	defer putInt(numerator)

	oldTerm.Mul(big.NewInt(oldAmount), SettlementScale())
	oldTerm.Quo(oldTerm, big.NewInt(oldPrice))

	fillTerm.Mul(big.NewInt(fillAmount), SettlementScale())
	fillTerm.Quo(fillTerm, big.NewInt(fillPrice))

	denominator := oldTerm.Add(oldTerm, fillTerm)
	if denominator.Sign() == 0 {
		return fillPrice
	}

	numerator.SetInt64(oldAmount)
	numerator.Add(numerator, big.NewInt(fillAmount))
	numerator.Mul(numerator, SettlementScale())

	return new(big.Int).Quo(numerator, denominator).Int64()
}

// MulDiv computes v * num / den truncated toward zero. A zero denominator
// yields zero.
func MulDiv(v *big.Int, num, den int64) *big.Int {
	if den == 0 || v == nil {
		return new(big.Int)
	}
	result := new(big.Int).Mul(v, big.NewInt(num))
	return result.Quo(result, big.NewInt(den))
}

// FeeFor returns cost * rate / 10000.
func FeeFor(cost *big.Int, rate int64) *big.Int {
	return MulDiv(cost, rate, BasisPoints)
}

// ShareBps returns floor(part * 100 * percentScale / total), the share of
// total held by part in basis points when percentScale is 100. Zero total
// yields zero.
func ShareBps(part, total *big.Int, percentScale int64) int64 {
	if total == nil || total.Sign() <= 0 || part == nil || part.Sign() <= 0 {
		return 0
	}

	tmp := getInt()
	defer putInt(tmp)

	tmp.Mul(part, big.NewInt(PercentBase*percentScale))
	tmp.Quo(tmp, total)
	if !tmp.IsInt64() {
		return BasisPoints * percentScale
	}
	return tmp.Int64()
}

// Abs returns |v| as a new value.
func Abs(v *big.Int) *big.Int {
	return new(big.Int).Abs(v)
}

// Clone returns a copy of v, treating nil as zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Max returns the larger of a and b as a new value.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return Clone(a)
	}
	return Clone(b)
}
