package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	fpmath "PerpPool/internal/math"
)

// RewardDistributor pays stakers their pro-rata share of realized profit.
// Each account keeps a snapshot of the all-time profit at its last claim, so
// a claim is O(1) and never iterates stakers.
type RewardDistributor struct {
	ledger       *Ledger
	percentScale int64
}

func NewRewardDistributor(l *Ledger, percentScale int64) *RewardDistributor {
	if percentScale <= 0 {
		percentScale = fpmath.PercentBase
	}
	return &RewardDistributor{ledger: l, percentScale: percentScale}
}

// StakePercent returns the account's share of total stake in basis points
// (percentScale 100), truncated.
func (rd *RewardDistributor) StakePercent(account common.Address) int64 {
	return fpmath.ShareBps(rd.ledger.StakedOf(account), rd.ledger.TotalStaked(), rd.percentScale)
}

// AccountProfit returns the dividends currently claimable by the account.
func (rd *RewardDistributor) AccountProfit(account common.Address) *big.Int {
	return rd.profit(
		rd.ledger.AllTimeTotalProfit(),
		rd.ledger.RewardSnapshot(account),
		fpmath.ShareBps(rd.ledger.StakedOf(account), rd.ledger.TotalStaked(), rd.percentScale),
	)
}

// Claim pays the account's pending dividends inside tx and moves its
// snapshot up to the current all-time profit. The amount paid is returned;
// a second claim without new profit pays zero.
func (rd *RewardDistributor) Claim(tx *Tx, account common.Address) *big.Int {
	allTime := tx.AllTimeTotalProfit()
	share := fpmath.ShareBps(tx.Staked(account), tx.TotalStaked(), rd.percentScale)
	amount := rd.profit(allTime, tx.RewardSnapshot(account), share)

	tx.PayDividend(account, amount)
	tx.SetRewardSnapshot(account, allTime)
	return amount
}

func (rd *RewardDistributor) profit(allTime, snapshot *big.Int, shareBps int64) *big.Int {
	delta := new(big.Int).Sub(allTime, snapshot)
	if delta.Sign() <= 0 || shareBps <= 0 {
		return new(big.Int)
	}
	return fpmath.MulDiv(delta, shareBps, fpmath.PercentBase*rd.percentScale)
}
