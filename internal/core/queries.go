package core

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PerpPool/internal/ledger"
	"PerpPool/internal/state"
)

// AccountView is a consistent read of one account.
type AccountView struct {
	Account          common.Address `json:"account"`
	Cash             *big.Int       `json:"cash"`
	Available        *big.Int       `json:"available"`
	Staked           *big.Int       `json:"staked"`
	StakePercent     int64          `json:"stake_percent"`
	PendingDividends *big.Int       `json:"pending_dividends"`
	RewardSnapshot   *big.Int       `json:"reward_snapshot"`
	Position         state.Position `json:"position"`
}

// Status describes the engine as a whole.
type Status struct {
	EngineID  common.Address `json:"engine_id"`
	MarketID  string         `json:"market_id"`
	Lifecycle string         `json:"lifecycle"`
	Successor common.Address `json:"successor"`
	MarketEnd time.Time      `json:"market_end"`
	Sequence  int64          `json:"sequence"`
	StateHash common.Hash    `json:"state_hash"`
	Params    state.Params   `json:"params"`
	Pool      ledger.Pool    `json:"pool"`
}

func (e *Engine) Account(account common.Address) AccountView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return AccountView{
		Account:          account,
		Cash:             e.ledger.Balance(account),
		Available:        e.ledger.AvailableBalance(account),
		Staked:           e.ledger.StakedOf(account),
		StakePercent:     e.rewards.StakePercent(account),
		PendingDividends: e.rewards.AccountProfit(account),
		RewardSnapshot:   e.ledger.RewardSnapshot(account),
		Position:         e.positions.GetPosition(account),
	}
}

func (e *Engine) Position(account common.Address) state.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.GetPosition(account)
}

func (e *Engine) Positions() []state.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.GetAllPositions()
}

func (e *Engine) Order(id common.Hash) (state.LimitOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orders.Get(id)
}

// Orders returns the trader's orders, or every order for the zero address.
func (e *Engine) Orders(trader common.Address) []state.LimitOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	if trader == (common.Address{}) {
		return e.orders.All()
	}
	return e.orders.ByTrader(trader)
}

// PruneOrders drops filled and expired orders and returns how many went.
func (e *Engine) PruneOrders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.orders.Prune(e.now())
	if e.metrics != nil {
		e.metrics.RestingOrders.Set(float64(e.orders.Len()))
	}
	return n
}

func (e *Engine) Balance(account common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Balance(account)
}

func (e *Engine) AvailableBalance(account common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.AvailableBalance(account)
}

func (e *Engine) StakedOf(account common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.StakedOf(account)
}

func (e *Engine) AccountProfit(account common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rewards.AccountProfit(account)
}

// FeeDiscount returns the discount in basis points the account would get
// on fee.
func (e *Engine) FeeDiscount(account common.Address, fee *big.Int) int64 {
	return e.fees.DiscountPercent(account, fee)
}

func (e *Engine) Pool() ledger.Pool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Pool()
}

// IsLiquidatable reports whether Liquidate would accept the account now.
func (e *Engine) IsLiquidatable(ctx context.Context, account common.Address) (bool, error) {
	mark, err := e.markPrice(ctx)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return state.IsLiquidatable(e.positions.GetPosition(account), mark, e.registry.Params().BankruptcyThreshold), nil
}

// UnrealizedPnL values the account's position at the current mark.
func (e *Engine) UnrealizedPnL(ctx context.Context, account common.Address) (*big.Int, error) {
	mark, err := e.markPrice(ctx)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.GetPosition(account).UnrealizedPnL(mark), nil
}

func (e *Engine) MarkPrice(ctx context.Context) (int64, error) {
	return e.markPrice(ctx)
}

// Lifecycle returns the engine state and, once retired, its successor.
func (e *Engine) Lifecycle() (Lifecycle, common.Address) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lifecycle, e.successor
}

// Refresh re-reads the registry without performing an operation, so a
// retirement is noticed even when no trader calls in.
func (e *Engine) Refresh() Lifecycle {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.begin(e.now())
	return e.lifecycle
}

func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

func (e *Engine) StateHash() common.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chain.tip
}

func (e *Engine) ID() common.Address {
	return e.id
}

func (e *Engine) MarketID() string {
	return e.marketID
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	params := e.registry.Params()
	return Status{
		EngineID:  e.id,
		MarketID:  e.marketID,
		Lifecycle: e.lifecycle.String(),
		Successor: e.successor,
		MarketEnd: e.marketStart.Add(params.MarketLength),
		Sequence:  e.sequence,
		StateHash: e.chain.tip,
		Params:    params,
		Pool:      e.ledger.Pool(),
	}
}
