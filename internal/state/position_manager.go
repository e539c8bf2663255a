package state

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"PerpPool/internal/event"
	fpmath "PerpPool/internal/math"
)

// PositionManager manages position state per account
type PositionManager struct {
	positions map[common.Address]Position
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions: make(map[common.Address]Position),
	}
}

// GetPosition returns the account's position, EMPTY if it has none
func (pm *PositionManager) GetPosition(account common.Address) Position {
	if pos, ok := pm.positions[account]; ok {
		return pos
	}
	return Position{Account: account}
}

// SetPosition stores a position; an EMPTY position is removed.
func (pm *PositionManager) SetPosition(pos Position) {
	if pos.IsFlat() {
		delete(pm.positions, pos.Account)
		return
	}
	pm.positions[pos.Account] = pos
}

// PositionCost returns the margin locked by the account's position.
func (pm *PositionManager) PositionCost(account common.Address) *big.Int {
	return pm.GetPosition(account).Cost()
}

// OpenCount returns the number of non-empty positions
func (pm *PositionManager) OpenCount() int {
	return len(pm.positions)
}

// GetAllPositions returns all open positions ordered by account
func (pm *PositionManager) GetAllPositions() []Position {
	result := make([]Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		result = append(result, pos)
	}
	sort.Slice(result, func(i, j int) bool {
		return bytes.Compare(result[i].Account[:], result[j].Account[:]) < 0
	})
	return result
}

// Restore replaces all positions (used for snapshot restore)
func (pm *PositionManager) Restore(positions []Position) {
	pm.positions = make(map[common.Address]Position, len(positions))
	for _, pos := range positions {
		pm.SetPosition(pos)
	}
}

// FillOutcome describes what a fill did to a position.
type FillOutcome struct {
	RealizedPnL *big.Int // signed, settlement scale
	Opened      bool     // EMPTY -> OPEN
	Closed      bool     // OPEN -> EMPTY
}

// ApplyFill merges a fill into a position and returns the new position.
// The input is not modified.
//
//   - EMPTY: open at the fill price.
//   - Same side: harmonic entry price, amounts add.
//   - Opposite side, smaller: realize PnL on the fill amount, entry unchanged.
//   - Opposite side, equal: realize PnL on everything, position becomes EMPTY.
//   - Opposite side, larger: realize PnL on the old amount, flip to the
//     fill side with the excess at the fill price.
//
// Merge, reduce and flip keep the position OPEN, so only the EMPTY cases set
// Opened or Closed. The leverage of any non-empty result is the fill's
// leverage. Callers check Fits first.
func ApplyFill(pos Position, side event.Side, amount, price, leverage int64) (Position, FillOutcome) {
	out := FillOutcome{RealizedPnL: new(big.Int)}

	// Case 1: Flat position -> open new
	if pos.IsFlat() {
		out.Opened = true
		return Position{
			Account:  pos.Account,
			Side:     side,
			Price:    price,
			Amount:   amount,
			Leverage: leverage,
		}, out
	}

	// Case 2: Same side -> increase position
	if pos.Side == side {
		pos.Price = fpmath.HarmonicEntryPrice(pos.Amount, pos.Price, amount, price)
		pos.Amount += amount
		pos.Leverage = leverage
		return pos, out
	}

	// Case 3: Opposite side -> reduce, close, or flip
	switch {
	case amount < pos.Amount:
		out.RealizedPnL = fpmath.RealizedPnL(pos.IsLong(), pos.Price, price, amount)
		pos.Amount -= amount
		pos.Leverage = leverage
		return pos, out

	case amount == pos.Amount:
		out.RealizedPnL = fpmath.RealizedPnL(pos.IsLong(), pos.Price, price, amount)
		out.Closed = true
		return pos.Empty(), out

	default:
		out.RealizedPnL = fpmath.RealizedPnL(pos.IsLong(), pos.Price, price, pos.Amount)
		return Position{
			Account:  pos.Account,
			Side:     side,
			Price:    price,
			Amount:   amount - pos.Amount,
			Leverage: leverage,
		}, out
	}
}
