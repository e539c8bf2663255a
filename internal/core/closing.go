package core

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"PerpPool/internal/event"
	"PerpPool/internal/state"
)

// CloseReport is the outcome of a liquidation, expiration or owner close.
type CloseReport struct {
	Reason   event.CloseReason
	Closed   state.Position // position as it was before the close
	Mark     int64
	PnL      *big.Int
	Seized   *big.Int
	Reward   *big.Int
	Sequence int64
}

// Liquidate closes account's position at mark price once the loss has eaten
// the margin down to BankruptcyThreshold percent. Anyone may call it; a
// caller other than the owner earns LiquidationProfit percent of the margin
// left, the rest is seized into the margin bank.
func (e *Engine) Liquidate(ctx context.Context, caller, account common.Address) (*CloseReport, error) {
	start := time.Now()
	mark, err := e.markPrice(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	params := e.begin(now)
	if err != nil {
		return nil, e.rejected(opLiquidate, err)
	}

	pos := e.positions.GetPosition(account)
	if pos.IsFlat() {
		return nil, e.rejected(opLiquidate, fmt.Errorf("%w: %s", ErrNoPosition, account.Hex()))
	}
	if !state.IsLiquidatable(pos, mark, params.BankruptcyThreshold) {
		return nil, e.rejected(opLiquidate, fmt.Errorf("%w: position is not liquidatable at %d", ErrInvalidParameter, mark))
	}

	pnl := pos.UnrealizedPnL(mark)
	split := state.SplitResidual(pos.Cost(), pnl, params.LiquidationProfit, caller != account)

	tx := e.tx(now)
	tx.RealizePnL(account, pnl)
	tx.PayLiquidator(account, caller, split.Reward)
	tx.SeizeMargin(account, split.Seized)
	tx.RecordClosed()
	e.commit(tx, []state.Position{pos.Empty()})

	closed := &event.PositionClosed{
		CloseID:    uuid.NewString(),
		Account:    account,
		Caller:     caller,
		Reason:     event.CloseReasonLiquidation,
		Side:       pos.Side,
		EntryPrice: pos.Price,
		MarkPrice:  mark,
		Amount:     pos.Amount,
		Leverage:   pos.Leverage,
		PnL:        pnl,
		Seized:     split.Seized,
		Reward:     split.Reward,
	}
	envs := e.emit(now, []pending{{payload: closed, batch: tx.Batch(), accounts: []common.Address{account, caller}}})

	liquidator := "owner"
	if caller != account {
		liquidator = "third_party"
	}
	if e.metrics != nil {
		e.metrics.Liquidations.WithLabelValues(liquidator).Inc()
	}
	e.logger.Info().
		Str("account", account.Hex()).
		Str("caller", caller.Hex()).
		Int64("mark", mark).
		Str("pnl", pnl.String()).
		Str("seized", split.Seized.String()).
		Str("reward", split.Reward.String()).
		Msg("position liquidated")

	e.applied(opLiquidate, start)
	return &CloseReport{
		Reason:   event.CloseReasonLiquidation,
		Closed:   pos,
		Mark:     mark,
		PnL:      pnl,
		Seized:   split.Seized,
		Reward:   split.Reward,
		Sequence: envs[0].Sequence,
	}, nil
}

// Expire closes a position at mark price after the market has ended. There
// is no bankruptcy check and no margin is seized.
func (e *Engine) Expire(ctx context.Context, account common.Address) (*CloseReport, error) {
	start := time.Now()
	mark, err := e.markPrice(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	params := e.begin(now)
	if end := e.marketStart.Add(params.MarketLength); now.Before(end) {
		return nil, e.rejected(opExpire, fmt.Errorf("%w: market ends at %s", ErrMarketActive, end.Format(time.RFC3339)))
	}
	if err != nil {
		return nil, e.rejected(opExpire, err)
	}

	report, err := e.closeAtMark(now, account, account, mark, event.CloseReasonExpiration)
	if err != nil {
		return nil, e.rejected(opExpire, err)
	}
	if e.metrics != nil {
		e.metrics.Expirations.Inc()
	}
	e.applied(opExpire, start)
	return report, nil
}

// ClosePosition lets the owner close at mark price. It stays available after
// the engine is retired so positions can be wound down.
func (e *Engine) ClosePosition(ctx context.Context, owner common.Address) (*CloseReport, error) {
	start := time.Now()
	mark, err := e.markPrice(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.begin(now)
	if err != nil {
		return nil, e.rejected(opClose, err)
	}

	report, err := e.closeAtMark(now, owner, owner, mark, event.CloseReasonOwner)
	if err != nil {
		return nil, e.rejected(opClose, err)
	}
	e.applied(opClose, start)
	return report, nil
}

// closeAtMark realizes the whole position at mark. Caller holds the lock.
func (e *Engine) closeAtMark(now time.Time, caller, account common.Address, mark int64, reason event.CloseReason) (*CloseReport, error) {
	pos := e.positions.GetPosition(account)
	if pos.IsFlat() {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, account.Hex())
	}

	pnl := pos.UnrealizedPnL(mark)
	tx := e.tx(now)
	tx.RealizePnL(account, pnl)
	tx.RecordClosed()
	e.commit(tx, []state.Position{pos.Empty()})

	closed := &event.PositionClosed{
		CloseID:    uuid.NewString(),
		Account:    account,
		Caller:     caller,
		Reason:     reason,
		Side:       pos.Side,
		EntryPrice: pos.Price,
		MarkPrice:  mark,
		Amount:     pos.Amount,
		Leverage:   pos.Leverage,
		PnL:        pnl,
	}
	envs := e.emit(now, []pending{{payload: closed, batch: tx.Batch(), accounts: []common.Address{account}}})

	e.logger.Info().
		Str("account", account.Hex()).
		Stringer("reason", reason).
		Int64("mark", mark).
		Str("pnl", pnl.String()).
		Msg("position closed")

	return &CloseReport{
		Reason:   reason,
		Closed:   pos,
		Mark:     mark,
		PnL:      pnl,
		Seized:   new(big.Int),
		Reward:   new(big.Int),
		Sequence: envs[0].Sequence,
	}, nil
}
