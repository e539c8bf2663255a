package core

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"PerpPool/internal/event"
	"PerpPool/internal/ledger"
	"PerpPool/internal/state"
)

// ErrReplayDiverged means a logged event no longer reproduces the state hash
// it was stored with.
var ErrReplayDiverged = errors.New("replay diverged from event log")

// Replayer re-applies logged events on top of a restored snapshot. Every
// event must continue the hash chain and land on its stored state hash. The
// engine must not serve requests while a Replayer is in use, and must be
// discarded after an error.
type Replayer struct {
	e       *Engine
	legs    []*event.EventEnvelope
	applied int
}

func (e *Engine) Replayer() *Replayer {
	return &Replayer{e: e}
}

// Applied returns the number of events replayed so far.
func (r *Replayer) Applied() int {
	return r.applied
}

// Apply replays one event. Fills are buffered until the last leg of their
// market order arrives, since the order committed them as one transaction.
func (r *Replayer) Apply(env *event.EventEnvelope) error {
	e := r.e
	e.mu.Lock()
	defer e.mu.Unlock()

	if want := e.sequence + int64(len(r.legs)); env.Sequence != want {
		return fmt.Errorf("%w: expected sequence %d, got %d", ErrReplayDiverged, want, env.Sequence)
	}

	if fill, ok := env.Payload.(*event.FillExecuted); ok {
		if fill.Leg != len(r.legs) || fill.Legs <= fill.Leg {
			return fmt.Errorf("%w: fill %s is leg %d of %d, expected leg %d", ErrReplayDiverged, fill.FillID, fill.Leg, fill.Legs, len(r.legs))
		}
		r.legs = append(r.legs, env)
		if fill.Leg+1 < fill.Legs {
			return nil
		}
		legs := r.legs
		r.legs = nil
		if err := e.replayFills(legs); err != nil {
			return err
		}
		r.applied += len(legs)
		return nil
	}
	if len(r.legs) > 0 {
		return fmt.Errorf("%w: market order ends after %d fills at sequence %d", ErrReplayDiverged, len(r.legs), env.Sequence)
	}

	if err := e.replayEvent(env); err != nil {
		return fmt.Errorf("replay %s at sequence %d: %w", env.EventType, env.Sequence, err)
	}
	r.applied++
	return nil
}

// Finish checks that no market order is left half applied and refreshes the
// gauges.
func (r *Replayer) Finish() error {
	e := r.e
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(r.legs) > 0 {
		return fmt.Errorf("%w: event log ends inside a market order after %d fills", ErrReplayDiverged, len(r.legs))
	}
	if e.metrics != nil {
		e.metrics.Sequence.Set(float64(e.sequence))
		e.metrics.OpenPositions.Set(float64(e.positions.OpenCount()))
		e.metrics.RestingOrders.Set(float64(e.orders.Len()))
		if e.lifecycle == LifecycleRetired {
			e.metrics.EngineRetired.Set(1)
		}
	}
	e.logger.Info().
		Int("events", r.applied).
		Int64("sequence", e.sequence).
		Str("state_hash", e.chain.tip.Hex()).
		Msg("event log replayed")
	return nil
}

func (e *Engine) replayEvent(env *event.EventEnvelope) error {
	now := env.Timestamp

	switch p := env.Payload.(type) {
	case *event.OrderPlaced:
		e.nonce++
		id := OrderID(e.id, p.Trader, p.Price, p.Amount, p.Side, p.Leverage, p.ExpiresAt, e.nonce)
		if id != p.OrderID {
			return fmt.Errorf("%w: order id %s does not match nonce %d", ErrReplayDiverged, p.OrderID.Hex(), e.nonce)
		}
		e.orders.Add(&state.LimitOrder{
			ID:        id,
			Trader:    p.Trader,
			Price:     p.Price,
			Amount:    p.Amount,
			Side:      p.Side,
			Leverage:  p.Leverage,
			CreatedAt: now,
			ExpiresAt: p.ExpiresAt,
		})
		e.orderIDs.Mark(id)
		return e.relink(env, nil, p.Trader)

	case *event.PositionClosed:
		pos := e.positions.GetPosition(p.Account)
		if pos.IsFlat() || pos.Side != p.Side || pos.Amount != p.Amount || pos.Price != p.EntryPrice {
			return fmt.Errorf("%w: %s holds %s %d@%d, log closes %s %d@%d", ErrReplayDiverged,
				p.Account.Hex(), pos.Side, pos.Amount, pos.Price, p.Side, p.Amount, p.EntryPrice)
		}
		pnl := pos.UnrealizedPnL(p.MarkPrice)
		if err := sameAmount("pnl", pnl, p.PnL); err != nil {
			return err
		}
		tx := e.tx(now)
		tx.RealizePnL(p.Account, pnl)
		accounts := []common.Address{p.Account}
		if p.Reason == event.CloseReasonLiquidation {
			tx.PayLiquidator(p.Account, p.Caller, orZero(p.Reward))
			tx.SeizeMargin(p.Account, orZero(p.Seized))
			accounts = append(accounts, p.Caller)
		}
		tx.RecordClosed()
		e.commit(tx, []state.Position{pos.Empty()})
		return e.relink(env, tx.Batch(), accounts...)

	case *event.FundsMoved:
		return e.replayFunds(env, p)

	case *event.DividendsPaid:
		tx := e.tx(now)
		paid := e.rewards.Claim(tx, p.Account)
		if err := sameAmount("dividend", paid, p.Amount); err != nil {
			return err
		}
		e.commit(tx, nil)
		return e.relink(env, tx.Batch(), p.Account)

	case *event.ParamsUpdated:
		e.paramsVersion = p.Version
		return e.relink(env, nil)

	case *event.EngineRetired:
		e.lifecycle = LifecycleRetired
		e.successor = p.Successor
		return e.relink(env, nil)

	default:
		return fmt.Errorf("%w: cannot replay %T", ErrReplayDiverged, env.Payload)
	}
}

func (e *Engine) replayFunds(env *event.EventEnvelope, p *event.FundsMoved) error {
	tx := e.tx(env.Timestamp)
	switch p.Kind {
	case event.FundsDeposit:
		if err := tx.Deposit(p.Account, p.Amount); err != nil {
			return err
		}
		e.commit(tx, nil)
		return e.relink(env, tx.Batch(), p.Account)

	case event.FundsWithdrawal:
		if err := tx.Withdraw(p.Account, p.Amount); err != nil {
			return err
		}
		e.commit(tx, nil)
		return e.relink(env, tx.Batch(), p.Account)

	case event.FundsStake, event.FundsUnstake:
		// Dividends owed at the time were logged as a DividendsPaid just
		// before this event, so the claim here must pay nothing.
		if paid := e.rewards.Claim(tx, p.Account); paid.Sign() != 0 {
			return fmt.Errorf("%w: %s had %s unclaimed dividends", ErrReplayDiverged, p.Account.Hex(), paid)
		}
		split := len(tx.Batch().Journals)
		if p.Kind == event.FundsStake {
			if err := tx.Stake(p.Account, p.Amount); err != nil {
				return err
			}
			if err := e.saleToken.TransferIn(p.Account, p.Amount); err != nil {
				return err
			}
			e.commit(tx, nil)
		} else {
			if err := tx.Unstake(p.Account, p.Amount); err != nil {
				return err
			}
			e.commit(tx, nil)
			if err := e.saleToken.TransferOut(p.Account, p.Amount); err != nil {
				return err
			}
		}
		e.checkStakes()
		batch := tx.Batch()
		return e.relink(env, batch.Slice(split, len(batch.Journals)), p.Account)

	default:
		return fmt.Errorf("%w: unknown funds kind %d", ErrReplayDiverged, p.Kind)
	}
}

// replayFills re-runs the legs of one market order in a single transaction,
// the way PlaceMarketOrder committed them.
func (e *Engine) replayFills(legs []*event.EventEnvelope) error {
	tx := e.tx(legs[0].Timestamp)
	scratch := make(map[common.Address]state.Position)
	touched := make([]common.Address, 0, len(legs)+1)
	position := func(acct common.Address) state.Position {
		if pos, ok := scratch[acct]; ok {
			return pos
		}
		touched = append(touched, acct)
		return e.positions.GetPosition(acct)
	}
	filled := make(map[common.Hash]int64)
	ranges := make([][2]int, 0, len(legs))

	for _, env := range legs {
		f := env.Payload.(*event.FillExecuted)
		if _, ok := filled[f.OrderID]; !ok {
			order, ok := e.orders.Get(f.OrderID)
			if !ok {
				return fmt.Errorf("%w: fill %s names unknown order", ErrReplayDiverged, f.FillID)
			}
			filled[f.OrderID] = order.Filled
		}

		from := len(tx.Batch().Journals)
		makerPos, makerOut := state.ApplyFill(position(f.Maker), f.MakerSide, f.Amount, f.Price, f.MakerLeverage)
		scratch[f.Maker] = makerPos
		takerPos, takerOut := state.ApplyFill(position(f.Taker), f.TakerSide, f.Amount, f.Price, f.TakerLeverage)
		scratch[f.Taker] = takerPos
		if err := sameAmount("maker pnl", makerOut.RealizedPnL, f.MakerPnL); err != nil {
			return fmt.Errorf("fill %s: %w", f.FillID, err)
		}
		if err := sameAmount("taker pnl", takerOut.RealizedPnL, f.TakerPnL); err != nil {
			return fmt.Errorf("fill %s: %w", f.FillID, err)
		}

		tx.RealizePnL(f.Maker, makerOut.RealizedPnL)
		tx.RealizePnL(f.Taker, takerOut.RealizedPnL)
		recordTransitions(tx, makerOut)
		recordTransitions(tx, takerOut)
		tx.ChargeFee(f.Maker, f.MakerFee)
		tx.ChargeFee(f.Taker, f.TakerFee)

		filled[f.OrderID] += f.Amount
		ranges = append(ranges, [2]int{from, len(tx.Batch().Journals)})
	}

	positions := make([]state.Position, 0, len(touched))
	for _, acct := range touched {
		positions = append(positions, scratch[acct])
	}
	e.commit(tx, positions)
	for id, f := range filled {
		e.orders.SetFilled(id, f)
	}

	for i, env := range legs {
		f := env.Payload.(*event.FillExecuted)
		if err := e.relink(env, tx.Batch().Slice(ranges[i][0], ranges[i][1]), f.Maker, f.Taker); err != nil {
			return err
		}
	}
	return nil
}

// relink extends the hash chain with env and checks both ends of the link
// against the stored hashes.
func (e *Engine) relink(env *event.EventEnvelope, batch *ledger.Batch, accounts ...common.Address) error {
	if prev := common.Hash(env.PrevHash); prev != e.chain.tip {
		return fmt.Errorf("%w: sequence %d links to %s, chain tip is %s", ErrReplayDiverged, env.Sequence, prev.Hex(), e.chain.tip.Hex())
	}
	if batch == nil {
		batch = ledger.NewBatch(env.IdempotencyKey, e.sequence, env.Timestamp.UnixMicro())
	}
	_, hash := e.chain.link(e.sequence, e.computeStateDigest(batch, accounts))
	if want := common.Hash(env.StateHash); hash != want {
		return fmt.Errorf("%w: state hash at sequence %d is %s, log says %s", ErrReplayDiverged, env.Sequence, hash.Hex(), want.Hex())
	}
	e.sequence++
	return nil
}

func sameAmount(what string, got, logged *big.Int) error {
	if orZero(got).Cmp(orZero(logged)) != 0 {
		return fmt.Errorf("%w: %s is %s, log says %s", ErrReplayDiverged, what, orZero(got), orZero(logged))
	}
	return nil
}
