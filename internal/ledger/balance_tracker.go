package ledger

import (
	"fmt"
	"math/big"
)

// BalanceTracker maintains in-memory account balances together with the
// aggregates over trader cash that the pool reports.
type BalanceTracker struct {
	balances  map[AccountKey]*big.Int
	debt      *big.Int // sum of negative trader cash, as a positive number
	totalCash *big.Int // sum of trader cash
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances:  make(map[AccountKey]*big.Int),
		debt:      new(big.Int),
		totalCash: new(big.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.adjust(j.DebitAccount, j.Amount)
	bt.adjust(j.CreditAccount, new(big.Int).Neg(j.Amount))
}

func (bt *BalanceTracker) adjust(key AccountKey, delta *big.Int) {
	old := bt.balances[key]
	if old == nil {
		old = new(big.Int)
	}
	updated := new(big.Int).Add(old, delta)

	if key.IsUserCash() {
		bt.debt.Add(bt.debt, negativePart(updated))
		bt.debt.Sub(bt.debt, negativePart(old))
		bt.totalCash.Add(bt.totalCash, delta)
	}

	if updated.Sign() == 0 {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = updated
}

func negativePart(v *big.Int) *big.Int {
	if v.Sign() >= 0 {
		return new(big.Int)
	}
	return new(big.Int).Neg(v)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if v, ok := bt.balances[key]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Debt returns the sum of all negative trader cash balances.
func (bt *BalanceTracker) Debt() *big.Int {
	return new(big.Int).Set(bt.debt)
}

// TotalCash returns the sum of all trader cash balances.
func (bt *BalanceTracker) TotalCash() *big.Int {
	return new(big.Int).Set(bt.totalCash)
}

// ComputeGlobalBalance sums all account balances per asset (zero for a
// double-entry ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]*big.Int {
	totals := make(map[AssetID]*big.Int)

	for key, balance := range bt.balances {
		if totals[key.AssetID] == nil {
			totals[key.AssetID] = new(big.Int)
		}
		totals[key.AssetID].Add(totals[key.AssetID], balance)
	}

	return totals
}

// SumWhere adds up the balances of every account matching pred.
func (bt *BalanceTracker) SumWhere(pred func(AccountKey) bool) *big.Int {
	sum := new(big.Int)
	for key, balance := range bt.balances {
		if pred(key) {
			sum.Add(sum, balance)
		}
	}
	return sum
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}

// Restore replaces all balances and recomputes the cash aggregates.
func (bt *BalanceTracker) Restore(balances map[AccountKey]*big.Int) {
	bt.balances = make(map[AccountKey]*big.Int, len(balances))
	bt.debt = new(big.Int)
	bt.totalCash = new(big.Int)
	for k, v := range balances {
		bt.adjust(k, v)
	}
}
