package core

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PerpPool/internal/event"
	"PerpPool/internal/ledger"
	fpmath "PerpPool/internal/math"
	"PerpPool/internal/state"
)

// LimitOrderRequest describes a resting maker order.
type LimitOrderRequest struct {
	Price     int64 // USD scale
	Amount    int64 // USD scale notional
	Side      event.Side
	Leverage  int64 // 100 == 1x
	ExpiresIn time.Duration
}

// MarketOrderRequest fills Amount against the listed limit orders, in order.
type MarketOrderRequest struct {
	OrderIDs []common.Hash
	Amount   int64
	Leverage int64
}

// FillReport is the outcome of a market order.
type FillReport struct {
	Taker    common.Address
	Fills    []event.FillExecuted
	Position state.Position // taker position after the order
}

// PlaceLimitOrder records a maker order. No funds are reserved; margin is
// checked when a market order fills it.
func (e *Engine) PlaceLimitOrder(ctx context.Context, trader common.Address, req LimitOrderRequest) (*state.LimitOrder, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	params := e.begin(now)

	if e.lifecycle == LifecycleRetired {
		return nil, e.rejected(opLimitOrder, fmt.Errorf("%w: orders go to %s", ErrEngineRetired, e.successor.Hex()))
	}
	if err := validateLimitOrder(params, req); err != nil {
		return nil, e.rejected(opLimitOrder, err)
	}

	expiresAt := now.Add(req.ExpiresIn)
	e.nonce++
	id := OrderID(e.id, trader, req.Price, req.Amount, req.Side, req.Leverage, expiresAt, e.nonce)
	tier2Errors := e.orderIDs.Tier2Errors()
	if e.orderIDs.Seen(ctx, id) {
		e.fatal("order id collision: %s", id.Hex())
	}
	if n := e.orderIDs.Tier2Errors() - tier2Errors; n > 0 && e.metrics != nil {
		e.metrics.OrderIDTier2Errors.Add(float64(n))
	}

	order := &state.LimitOrder{
		ID:        id,
		Trader:    trader,
		Price:     req.Price,
		Amount:    req.Amount,
		Side:      req.Side,
		Leverage:  req.Leverage,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	e.orders.Add(order)
	e.orderIDs.Mark(id)

	e.emit(now, []pending{{
		payload: &event.OrderPlaced{
			OrderID:   id,
			Trader:    trader,
			Price:     req.Price,
			Amount:    req.Amount,
			Side:      req.Side,
			Leverage:  req.Leverage,
			ExpiresAt: expiresAt,
		},
		accounts: []common.Address{trader},
	}})

	e.logger.Debug().
		Str("order_id", id.Hex()).
		Str("trader", trader.Hex()).
		Stringer("side", req.Side).
		Int64("price", req.Price).
		Int64("amount", req.Amount).
		Msg("limit order placed")

	e.applied(opLimitOrder, start)
	placed := *order
	return &placed, nil
}

func validateLimitOrder(p state.Params, req LimitOrderRequest) error {
	if req.Side != event.SideLong && req.Side != event.SideShort {
		return fmt.Errorf("%w: side must be long or short", ErrInvalidParameter)
	}
	if req.Price <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalidParameter)
	}
	if req.Amount < p.MinOrderValue || req.Amount > p.MaxOrderValue {
		return fmt.Errorf("%w: amount %d outside [%d, %d]", ErrInvalidParameter, req.Amount, p.MinOrderValue, p.MaxOrderValue)
	}
	if err := validateLeverage(p, req.Leverage); err != nil {
		return err
	}
	if req.ExpiresIn <= 0 {
		return fmt.Errorf("%w: expiry must be in the future", ErrInvalidParameter)
	}
	return nil
}

func validateLeverage(p state.Params, leverage int64) error {
	if leverage <= 0 || leverage > p.MaxLeverageScaled() {
		return fmt.Errorf("%w: leverage %d outside (0, %d]", ErrInvalidParameter, leverage, p.MaxLeverageScaled())
	}
	return nil
}

// fillPlan is one maker/taker pair of a market order before commit.
type fillPlan struct {
	fill     event.FillExecuted
	from, to int // journal range in the order's batch
}

// PlaceMarketOrder fills req.Amount against the named limit orders at their
// prices. The whole order is planned first; if any leg would leave its
// account with negative available balance nothing is applied.
func (e *Engine) PlaceMarketOrder(ctx context.Context, taker common.Address, req MarketOrderRequest) (*FillReport, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	params := e.begin(now)

	if e.lifecycle == LifecycleRetired {
		return nil, e.rejected(opMarketOrder, fmt.Errorf("%w: orders go to %s", ErrEngineRetired, e.successor.Hex()))
	}
	if req.Amount <= 0 {
		return nil, e.rejected(opMarketOrder, fmt.Errorf("%w: amount must be positive", ErrInvalidParameter))
	}
	if len(req.OrderIDs) == 0 {
		return nil, e.rejected(opMarketOrder, fmt.Errorf("%w: no orders to fill", ErrInvalidParameter))
	}
	if err := validateLeverage(params, req.Leverage); err != nil {
		return nil, e.rejected(opMarketOrder, err)
	}

	tx := e.tx(now)
	scratch := make(map[common.Address]state.Position)
	touched := make([]common.Address, 0, len(req.OrderIDs)+1)
	position := func(acct common.Address) state.Position {
		if pos, ok := scratch[acct]; ok {
			return pos
		}
		touched = append(touched, acct)
		return e.positions.GetPosition(acct)
	}
	filled := make(map[common.Hash]int64)
	plans := make([]fillPlan, 0, len(req.OrderIDs))
	remaining := req.Amount

	for _, id := range req.OrderIDs {
		if remaining == 0 {
			break
		}
		order, ok := e.orders.Get(id)
		if !ok {
			return nil, e.rejected(opMarketOrder, fmt.Errorf("%w: %s", ErrOrderNotFound, id.Hex()))
		}
		if order.IsExpired(now) {
			return nil, e.rejected(opMarketOrder, fmt.Errorf("%w: %s expired at %s", ErrOrderExpired, id.Hex(), order.ExpiresAt.Format(time.RFC3339)))
		}
		if order.Trader == taker {
			return nil, e.rejected(opMarketOrder, fmt.Errorf("%w: cannot fill own order %s", ErrInvalidParameter, id.Hex()))
		}
		if f, ok := filled[id]; ok {
			order.Filled = f
		}
		q := min(remaining, order.Remaining())
		if q <= 0 {
			continue
		}

		maker := order.Trader
		takerSide := order.Side.Opposite()
		from := len(tx.Batch().Journals)

		makerBefore, takerBefore := position(maker), position(taker)
		if !makerBefore.Fits(order.Side, q) || !takerBefore.Fits(takerSide, q) {
			return nil, e.rejected(opMarketOrder, fmt.Errorf("%w: position would exceed %d", ErrInvalidParameter, int64(state.MaxAmount)))
		}
		makerPos, makerOut := state.ApplyFill(makerBefore, order.Side, q, order.Price, order.Leverage)
		scratch[maker] = makerPos
		takerPos, takerOut := state.ApplyFill(takerBefore, takerSide, q, order.Price, req.Leverage)
		scratch[taker] = takerPos

		tx.RealizePnL(maker, makerOut.RealizedPnL)
		tx.RealizePnL(taker, takerOut.RealizedPnL)
		recordTransitions(tx, makerOut)
		recordTransitions(tx, takerOut)

		makerFee, _ := e.fees.Discounted(maker, fpmath.FeeFor(fpmath.Cost(order.Price, q, order.Leverage), params.LimitFeeRate))
		takerFee, _ := e.fees.Discounted(taker, fpmath.FeeFor(fpmath.Cost(order.Price, q, req.Leverage), params.MarketFeeRate))
		tx.ChargeFee(maker, makerFee)
		tx.ChargeFee(taker, takerFee)

		filled[id] = order.Filled + q
		remaining -= q

		plans = append(plans, fillPlan{
			fill: event.FillExecuted{
				FillID:        fmt.Sprintf("%s:%d", id.Hex(), filled[id]),
				OrderID:       id,
				Taker:         taker,
				Maker:         maker,
				Amount:        q,
				Price:         order.Price,
				TakerSide:     takerSide,
				MakerSide:     order.Side,
				TakerLeverage: req.Leverage,
				MakerLeverage: order.Leverage,
				TakerFee:      takerFee,
				MakerFee:      makerFee,
				TakerPnL:      takerOut.RealizedPnL,
				MakerPnL:      makerOut.RealizedPnL,
				Leg:           len(plans),
			},
			from: from,
			to:   len(tx.Batch().Journals),
		})
	}

	if remaining > 0 {
		return nil, e.rejected(opMarketOrder, fmt.Errorf("%w: insufficient maker liquidity, %d unfilled", ErrInvalidParameter, remaining))
	}

	positions := make([]state.Position, 0, len(touched))
	for _, acct := range touched {
		pos := scratch[acct]
		avail := tx.Cash(acct)
		avail.Sub(avail, pos.Cost())
		if avail.Sign() < 0 {
			return nil, e.rejected(opMarketOrder, fmt.Errorf("%w: %s would have available balance %s", ErrInsufficientBalance, acct.Hex(), avail))
		}
		positions = append(positions, pos)
	}

	e.commit(tx, positions)
	ids := make([]common.Hash, 0, len(filled))
	for id := range filled {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	for _, id := range ids {
		e.orders.SetFilled(id, filled[id])
	}

	report := &FillReport{Taker: taker, Position: e.positions.GetPosition(taker)}
	out := make([]pending, 0, len(plans))
	for _, p := range plans {
		fill := p.fill
		fill.Legs = len(plans)
		report.Fills = append(report.Fills, fill)
		out = append(out, pending{
			payload:  &fill,
			batch:    tx.Batch().Slice(p.from, p.to),
			accounts: []common.Address{fill.Maker, fill.Taker},
		})
		if e.metrics != nil {
			e.metrics.Fills.Inc()
			e.metrics.FilledNotional.Add(float64(fill.Amount) / float64(fpmath.USDConfig.Scale))
		}
	}
	e.emit(now, out)

	e.logger.Debug().
		Str("taker", taker.Hex()).
		Int("fills", len(plans)).
		Int64("amount", req.Amount).
		Msg("market order filled")

	e.applied(opMarketOrder, start)
	return report, nil
}

func recordTransitions(tx *ledger.Tx, out state.FillOutcome) {
	if out.Closed {
		tx.RecordClosed()
	}
	if out.Opened {
		tx.RecordOpened()
	}
}
