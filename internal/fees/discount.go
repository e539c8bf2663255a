// Package fees computes trading fee discounts from reward-token holdings.
package fees

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	fpmath "PerpPool/internal/math"
	"PerpPool/internal/state"
)

// Holdings is the read side of the reward-token custody.
type Holdings interface {
	BalanceOf(account common.Address) *big.Int
	TotalSupply() *big.Int
}

// ParamsSource supplies the live fee discount index and percent scale.
type ParamsSource interface {
	Params() state.Params
}

// Calculator discounts fees in proportion to the payer's share of token supply.
type Calculator struct {
	holdings Holdings
	params   ParamsSource
}

func NewCalculator(holdings Holdings, params ParamsSource) *Calculator {
	return &Calculator{holdings: holdings, params: params}
}

// FullDiscount is the discount that waives a fee entirely.
const FullDiscount = fpmath.BasisPoints

// DiscountPercent returns the discount in basis points:
//
//	holding * 100 * percentScale * feeDiscountIndex / totalSupply
//
// capped at FullDiscount. A zero fee always gets FullDiscount.
func (c *Calculator) DiscountPercent(account common.Address, fee *big.Int) int64 {
	if fee == nil || fee.Sign() == 0 {
		return FullDiscount
	}

	p := c.params.Params()
	supply := c.holdings.TotalSupply()
	if supply == nil || supply.Sign() <= 0 {
		return 0
	}
	holding := c.holdings.BalanceOf(account)
	if holding == nil || holding.Sign() <= 0 {
		return 0
	}

	d := new(big.Int).Mul(holding, big.NewInt(fpmath.PercentBase*p.PercentScale))
	d.Mul(d, big.NewInt(p.FeeDiscountIndex))
	d.Quo(d, supply)

	if !d.IsInt64() || d.Int64() >= FullDiscount {
		return FullDiscount
	}
	return d.Int64()
}

// Apply returns fee * (10000 - discount) / 10000.
func Apply(discount int64, fee *big.Int) *big.Int {
	if discount >= FullDiscount || fee == nil {
		return new(big.Int)
	}
	if discount < 0 {
		discount = 0
	}
	return fpmath.MulDiv(fee, FullDiscount-discount, fpmath.BasisPoints)
}

// Discounted is DiscountPercent followed by Apply.
func (c *Calculator) Discounted(account common.Address, fee *big.Int) (*big.Int, int64) {
	discount := c.DiscountPercent(account, fee)
	return Apply(discount, fee), discount
}
