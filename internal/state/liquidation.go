package state

import (
	"math/big"

	fpmath "PerpPool/internal/math"
)

// IsLiquidatable reports whether the unrealized loss at mark has eaten the
// margin down to within bankruptcyThreshold percent of zero:
//
//	loss * 100 >= cost * (100 - bankruptcyThreshold)
func IsLiquidatable(pos Position, mark int64, bankruptcyThreshold int64) bool {
	if pos.IsFlat() || mark <= 0 {
		return false
	}
	pnl := pos.UnrealizedPnL(mark)
	if pnl.Sign() >= 0 {
		return false
	}
	loss := new(big.Int).Neg(pnl)
	lhs := loss.Mul(loss, big.NewInt(fpmath.PercentBase))
	rhs := pos.Cost()
	rhs.Mul(rhs, big.NewInt(fpmath.PercentBase-bankruptcyThreshold))
	return lhs.Cmp(rhs) >= 0
}

// LiquidationSplit is how the margin left in a liquidated position is shared.
type LiquidationSplit struct {
	Residual *big.Int // max(0, cost - loss)
	Reward   *big.Int // paid to a third-party liquidator
	Seized   *big.Int // moved to the margin bank
}

// SplitResidual divides what is left of the locked margin after realizing
// pnl. When the liquidator is the owner nothing is rewarded.
func SplitResidual(cost, pnl *big.Int, liquidationProfit int64, thirdParty bool) LiquidationSplit {
	residual := new(big.Int).Add(cost, pnl)
	if pnl.Sign() > 0 {
		residual = fpmath.Clone(cost)
	}
	if residual.Sign() < 0 {
		residual.SetInt64(0)
	}

	split := LiquidationSplit{Residual: residual, Reward: new(big.Int), Seized: fpmath.Clone(residual)}
	if thirdParty {
		split.Reward = fpmath.MulDiv(residual, liquidationProfit, fpmath.PercentBase)
		split.Seized.Sub(residual, split.Reward)
	}
	return split
}
