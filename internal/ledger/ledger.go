package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// MarginProvider reports the margin locked by an account's open position.
// The position engine implements it; a nil provider means nothing is locked.
type MarginProvider interface {
	PositionCost(account common.Address) *big.Int
}

// Pool is a point-in-time copy of the global pool counters.
type Pool struct {
	TotalStaked          *big.Int `json:"total_staked"`
	AllTimeTotalProfit   *big.Int `json:"all_time_total_profit"`
	MarginBank           *big.Int `json:"margin_bank"`
	Debt                 *big.Int `json:"debt"`
	TotalBalance         *big.Int `json:"total_balance"`
	TotalOpenedPositions int64    `json:"total_opened_positions"`
	TotalClosedPositions int64    `json:"total_closed_positions"`
	TotalPositivePnl     *big.Int `json:"total_positive_pnl"`
	TotalNegativePnl     *big.Int `json:"total_negative_pnl"`
}

// Ledger holds trader cash, stake, reward snapshots and pool totals.
// It is not safe for concurrent use; the engine serializes access.
type Ledger struct {
	tracker   *BalanceTracker
	snapshots map[common.Address]*big.Int

	allTimeTotalProfit *big.Int
	totalStaked        *big.Int
	openedPositions    int64
	closedPositions    int64
	positivePnl        *big.Int
	negativePnl        *big.Int

	margin MarginProvider
}

func New() *Ledger {
	return &Ledger{
		tracker:            NewBalanceTracker(),
		snapshots:          make(map[common.Address]*big.Int),
		allTimeTotalProfit: new(big.Int),
		totalStaked:        new(big.Int),
		positivePnl:        new(big.Int),
		negativePnl:        new(big.Int),
	}
}

// SetMarginProvider wires the source of locked margin for AvailableBalance.
func (l *Ledger) SetMarginProvider(m MarginProvider) {
	l.margin = m
}

// Balance returns the signed settlement cash of an account.
func (l *Ledger) Balance(account common.Address) *big.Int {
	return l.tracker.GetBalance(CashKey(account))
}

// AccountBalance returns the balance of any ledger account.
func (l *Ledger) AccountBalance(key AccountKey) *big.Int {
	return l.tracker.GetBalance(key)
}

// PositionCost returns the margin locked by the account's position.
func (l *Ledger) PositionCost(account common.Address) *big.Int {
	if l.margin == nil {
		return new(big.Int)
	}
	cost := l.margin.PositionCost(account)
	if cost == nil {
		return new(big.Int)
	}
	return cost
}

// AvailableBalance is cash minus the margin locked by the open position.
// Unrealized PnL is not included.
func (l *Ledger) AvailableBalance(account common.Address) *big.Int {
	avail := l.Balance(account)
	return avail.Sub(avail, l.PositionCost(account))
}

func (l *Ledger) StakedOf(account common.Address) *big.Int {
	return l.tracker.GetBalance(StakeKey(account))
}

func (l *Ledger) TotalStaked() *big.Int {
	return new(big.Int).Set(l.totalStaked)
}

func (l *Ledger) AllTimeTotalProfit() *big.Int {
	return new(big.Int).Set(l.allTimeTotalProfit)
}

// RewardSnapshot returns the profit level at which the account last claimed.
func (l *Ledger) RewardSnapshot(account common.Address) *big.Int {
	if s, ok := l.snapshots[account]; ok {
		return new(big.Int).Set(s)
	}
	return new(big.Int)
}

func (l *Ledger) MarginBank() *big.Int {
	return l.tracker.GetBalance(MarginBankKey)
}

func (l *Ledger) Debt() *big.Int {
	return l.tracker.Debt()
}

// Pool returns a copy of the global counters.
func (l *Ledger) Pool() Pool {
	return Pool{
		TotalStaked:          l.TotalStaked(),
		AllTimeTotalProfit:   l.AllTimeTotalProfit(),
		MarginBank:           l.MarginBank(),
		Debt:                 l.tracker.Debt(),
		TotalBalance:         l.tracker.TotalCash(),
		TotalOpenedPositions: l.openedPositions,
		TotalClosedPositions: l.closedPositions,
		TotalPositivePnl:     new(big.Int).Set(l.positivePnl),
		TotalNegativePnl:     new(big.Int).Set(l.negativePnl),
	}
}

// Commit applies every pending change of tx. A tx is applied whole or not at
// all; a discarded tx leaves the ledger untouched.
func (l *Ledger) Commit(tx *Tx) error {
	if tx.ledger != l {
		return fmt.Errorf("tx belongs to a different ledger")
	}
	if tx.committed {
		return fmt.Errorf("tx %s already committed", tx.batch.BatchID)
	}
	if err := l.tracker.ApplyBatch(tx.batch); err != nil {
		return err
	}

	l.allTimeTotalProfit.Add(l.allTimeTotalProfit, tx.profitDelta)
	l.totalStaked.Add(l.totalStaked, tx.stakeDelta)
	l.openedPositions += tx.opened
	l.closedPositions += tx.closed
	l.positivePnl.Add(l.positivePnl, tx.positivePnl)
	l.negativePnl.Add(l.negativePnl, tx.negativePnl)
	for acct, snap := range tx.snapshots {
		l.snapshots[acct] = snap
	}

	tx.committed = true
	return nil
}

// ============================================================================
// Snapshot / restore
// ============================================================================

// State is the serializable form of the ledger. Amounts are raw fixed-point
// integers keyed by account path or address hex.
type State struct {
	Balances           map[string]*big.Int `json:"balances"`
	Snapshots          map[string]*big.Int `json:"snapshots"`
	AllTimeTotalProfit *big.Int            `json:"all_time_total_profit"`
	TotalStaked        *big.Int            `json:"total_staked"`
	OpenedPositions    int64               `json:"opened_positions"`
	ClosedPositions    int64               `json:"closed_positions"`
	PositivePnl        *big.Int            `json:"positive_pnl"`
	NegativePnl        *big.Int            `json:"negative_pnl"`
}

func (l *Ledger) Export() State {
	st := State{
		Balances:           make(map[string]*big.Int),
		Snapshots:          make(map[string]*big.Int, len(l.snapshots)),
		AllTimeTotalProfit: l.AllTimeTotalProfit(),
		TotalStaked:        l.TotalStaked(),
		OpenedPositions:    l.openedPositions,
		ClosedPositions:    l.closedPositions,
		PositivePnl:        new(big.Int).Set(l.positivePnl),
		NegativePnl:        new(big.Int).Set(l.negativePnl),
	}
	for key, bal := range l.tracker.Snapshot() {
		st.Balances[key.AccountPath()] = bal
	}
	for acct, snap := range l.snapshots {
		st.Snapshots[acct.Hex()] = new(big.Int).Set(snap)
	}
	return st
}

// Restore replaces the ledger contents with st.
func (l *Ledger) Restore(st State) error {
	balances := make(map[AccountKey]*big.Int, len(st.Balances))
	for path, bal := range st.Balances {
		key, err := ParseAccountPath(path)
		if err != nil {
			return fmt.Errorf("restore balances: %w", err)
		}
		balances[key] = new(big.Int).Set(bal)
	}
	snapshots := make(map[common.Address]*big.Int, len(st.Snapshots))
	for hex, snap := range st.Snapshots {
		if !common.IsHexAddress(hex) {
			return fmt.Errorf("restore snapshots: invalid address %q", hex)
		}
		snapshots[common.HexToAddress(hex)] = new(big.Int).Set(snap)
	}

	l.tracker.Restore(balances)
	l.snapshots = snapshots
	l.allTimeTotalProfit = orZero(st.AllTimeTotalProfit)
	l.totalStaked = orZero(st.TotalStaked)
	l.openedPositions = st.OpenedPositions
	l.closedPositions = st.ClosedPositions
	l.positivePnl = orZero(st.PositivePnl)
	l.negativePnl = orZero(st.NegativePnl)
	return nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
