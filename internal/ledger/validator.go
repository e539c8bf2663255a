package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	ledger *Ledger
}

func NewInvariantValidator(l *Ledger) *InvariantValidator {
	return &InvariantValidator{
		ledger: l,
	}
}

// ValidateBatchBalance verifies every entry of the batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateStakeSum verifies the per-account stakes add up to TotalStaked
func (v *InvariantValidator) ValidateStakeSum() error {
	sum := v.ledger.tracker.SumWhere(func(k AccountKey) bool {
		return k.Scope == AccountScopeUser && k.SubType == SubTypeStake
	})
	if sum.Cmp(v.ledger.totalStaked) != 0 {
		return fmt.Errorf("sum of stakes %s != total staked %s", sum, v.ledger.totalStaked)
	}
	return nil
}

// ValidateSnapshots verifies no reward snapshot exceeds the all-time profit
func (v *InvariantValidator) ValidateSnapshots() error {
	for acct, snap := range v.ledger.snapshots {
		if snap.Cmp(v.ledger.allTimeTotalProfit) > 0 {
			return fmt.Errorf("snapshot of %s is %s, above all-time profit %s",
				acct.Hex(), snap, v.ledger.allTimeTotalProfit)
		}
	}
	return nil
}

// ValidateAvailableNonNegative checks cash covers the locked margin
func (v *InvariantValidator) ValidateAvailableNonNegative(account common.Address) error {
	if avail := v.ledger.AvailableBalance(account); avail.Sign() < 0 {
		return fmt.Errorf("account %s has negative available balance: %s", account.Hex(), avail)
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.ledger.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total.Sign() != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, total)
		}
	}

	return nil
}

// ValidateAll runs every global check.
func (v *InvariantValidator) ValidateAll() error {
	if err := v.ValidateGlobalBalance(); err != nil {
		return err
	}
	if err := v.ValidateStakeSum(); err != nil {
		return err
	}
	return v.ValidateSnapshots()
}
