package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Tx accumulates the journal entries and counter changes of one engine
// operation. Reads through a Tx see committed state plus the pending batch.
type Tx struct {
	ledger *Ledger
	batch  *Batch

	profitDelta *big.Int
	stakeDelta  *big.Int
	opened      int64
	closed      int64
	positivePnl *big.Int
	negativePnl *big.Int
	snapshots   map[common.Address]*big.Int

	committed bool
}

// Begin opens a Tx. Nothing is visible on the ledger until Commit.
func (l *Ledger) Begin(eventRef string, sequence int64, timestamp int64) *Tx {
	return &Tx{
		ledger:      l,
		batch:       NewBatch(eventRef, sequence, timestamp),
		profitDelta: new(big.Int),
		stakeDelta:  new(big.Int),
		positivePnl: new(big.Int),
		negativePnl: new(big.Int),
		snapshots:   make(map[common.Address]*big.Int),
	}
}

// Batch returns the journals generated so far.
func (tx *Tx) Batch() *Batch {
	return tx.batch
}

// Balance returns the pending balance of any account.
func (tx *Tx) Balance(key AccountKey) *big.Int {
	bal := tx.ledger.tracker.GetBalance(key)
	return bal.Add(bal, tx.batch.NetChange(key))
}

func (tx *Tx) Cash(account common.Address) *big.Int {
	return tx.Balance(CashKey(account))
}

func (tx *Tx) Staked(account common.Address) *big.Int {
	return tx.Balance(StakeKey(account))
}

func (tx *Tx) TotalStaked() *big.Int {
	return new(big.Int).Add(tx.ledger.totalStaked, tx.stakeDelta)
}

func (tx *Tx) AllTimeTotalProfit() *big.Int {
	return new(big.Int).Add(tx.ledger.allTimeTotalProfit, tx.profitDelta)
}

func (tx *Tx) RewardSnapshot(account common.Address) *big.Int {
	if s, ok := tx.snapshots[account]; ok {
		return new(big.Int).Set(s)
	}
	return tx.ledger.RewardSnapshot(account)
}

// SetRewardSnapshot records the profit level the account has been paid up to.
// Snapshots never move backwards and never pass the all-time profit.
func (tx *Tx) SetRewardSnapshot(account common.Address, level *big.Int) {
	if level.Cmp(tx.RewardSnapshot(account)) < 0 {
		panic(fmt.Sprintf("FATAL: reward snapshot for %s would decrease", account.Hex()))
	}
	if level.Cmp(tx.AllTimeTotalProfit()) > 0 {
		panic(fmt.Sprintf("FATAL: reward snapshot for %s exceeds all-time profit", account.Hex()))
	}
	tx.snapshots[account] = new(big.Int).Set(level)
}

// Deposit credits settlement cash that arrived off-engine.
// Moves funds: external:deposits → user:cash
func (tx *Tx) Deposit(account common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	tx.batch.Add(CashKey(account), DepositsKey, amount, JournalTypeDeposit)
	return nil
}

// Withdraw debits cash not locked as position margin.
// Moves funds: user:cash → external:withdrawals
func (tx *Tx) Withdraw(account common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	avail := tx.Cash(account)
	avail.Sub(avail, tx.ledger.PositionCost(account))
	if amount.Cmp(avail) > 0 {
		return fmt.Errorf("%w: withdraw %s, available %s", ErrInsufficientBalance, amount, avail)
	}
	tx.batch.Add(WithdrawKey, CashKey(account), amount, JournalTypeWithdrawal)
	return nil
}

// Stake records sale tokens moved into custody.
// Moves funds: external:custody → user:stake
func (tx *Tx) Stake(account common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	tx.batch.Add(StakeKey(account), CustodyKey, amount, JournalTypeStake)
	tx.stakeDelta.Add(tx.stakeDelta, amount)
	return nil
}

// Unstake releases staked tokens back out of custody.
// Moves funds: user:stake → external:custody
func (tx *Tx) Unstake(account common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	staked := tx.Staked(account)
	if amount.Cmp(staked) > 0 {
		return fmt.Errorf("%w: unstake %s, staked %s", ErrInsufficientBalance, amount, staked)
	}
	tx.batch.Add(CustodyKey, StakeKey(account), amount, JournalTypeUnstake)
	tx.stakeDelta.Sub(tx.stakeDelta, amount)
	return nil
}

// ChargeFee moves a trading fee into the profit pool and raises the all-time
// profit stakers are paid from.
// Moves funds: user:cash → system:profit_pool
func (tx *Tx) ChargeFee(account common.Address, fee *big.Int) {
	if fee == nil || fee.Sign() <= 0 {
		return
	}
	tx.batch.Add(ProfitPoolKey, CashKey(account), fee, JournalTypeTradeFee)
	tx.profitDelta.Add(tx.profitDelta, fee)
}

// RealizePnL settles signed PnL against the pool and accumulates the
// positive/negative totals.
// Moves funds: system:pnl_pool ↔ user:cash
func (tx *Tx) RealizePnL(account common.Address, pnl *big.Int) {
	if pnl == nil || pnl.Sign() == 0 {
		return
	}
	tx.batch.Add(CashKey(account), PnLPoolKey, pnl, JournalTypeTradePnL)
	if pnl.Sign() > 0 {
		tx.positivePnl.Add(tx.positivePnl, pnl)
	} else {
		tx.negativePnl.Sub(tx.negativePnl, pnl)
	}
}

// SeizeMargin moves residual margin of a liquidated account to the margin bank.
// Moves funds: user:cash → system:margin_bank
func (tx *Tx) SeizeMargin(account common.Address, amount *big.Int) {
	tx.batch.Add(MarginBankKey, CashKey(account), amount, JournalTypeMarginSeizure)
}

// PayLiquidator moves part of the residual margin to the liquidator.
// Moves funds: user:cash (owner) → user:cash (liquidator)
func (tx *Tx) PayLiquidator(owner, liquidator common.Address, amount *big.Int) {
	if owner == liquidator {
		return
	}
	tx.batch.Add(CashKey(liquidator), CashKey(owner), amount, JournalTypeLiquidationReward)
}

// PayDividend pays realized profit to a staker.
// Moves funds: system:profit_pool → user:cash
func (tx *Tx) PayDividend(account common.Address, amount *big.Int) {
	tx.batch.Add(CashKey(account), ProfitPoolKey, amount, JournalTypeDividend)
}

// RecordOpened counts an EMPTY → OPEN position transition.
func (tx *Tx) RecordOpened() {
	tx.opened++
}

// RecordClosed counts an OPEN → EMPTY position transition.
func (tx *Tx) RecordClosed() {
	tx.closed++
}

// Opened and Closed report the position transitions recorded on this tx.
func (tx *Tx) Opened() int64 { return tx.opened }
func (tx *Tx) Closed() int64 { return tx.closed }
