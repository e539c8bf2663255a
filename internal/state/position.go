// internal/state/position.go
package state

import (
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"PerpPool/internal/event"
	fpmath "PerpPool/internal/math"
)

// Position is an account's single position in the market.
// Amount == 0 means EMPTY and every other field is at its zero value.
type Position struct {
	Account  common.Address `json:"account"`
	Side     event.Side     `json:"side"`
	Price    int64          `json:"price"`    // USD scale, harmonic entry price
	Amount   int64          `json:"amount"`   // USD scale notional
	Leverage int64          `json:"leverage"` // 100 == 1x, latest fill's leverage
}

// MaxAmount caps a position's notional so amounts and their sums stay
// within int64.
const MaxAmount = math.MaxInt64 / 4

// Fits reports whether a fill of amount on side keeps the position within
// MaxAmount. Only same-side fills grow a position.
func (p Position) Fits(side event.Side, amount int64) bool {
	if amount < 0 || amount > MaxAmount {
		return false
	}
	if p.IsFlat() || p.Side != side {
		return true
	}
	return p.Amount <= MaxAmount-amount
}

// IsFlat returns true if position has no exposure
func (p Position) IsFlat() bool {
	return p.Side == event.SideFlat || p.Amount == 0
}

func (p Position) IsLong() bool {
	return p.Side == event.SideLong
}

// Cost is the margin the position locks.
func (p Position) Cost() *big.Int {
	if p.IsFlat() {
		return new(big.Int)
	}
	return fpmath.Cost(p.Price, p.Amount, p.Leverage)
}

// UnrealizedPnL values the whole position at mark. Positive is profit.
func (p Position) UnrealizedPnL(mark int64) *big.Int {
	if p.IsFlat() {
		return new(big.Int)
	}
	return fpmath.RealizedPnL(p.IsLong(), p.Price, mark, p.Amount)
}

// Empty returns the EMPTY position of the same account.
func (p Position) Empty() Position {
	return Position{Account: p.Account}
}

// CanonicalBytes returns deterministic serialization for hashing
func (p Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)

	// account (20 bytes)
	buf = append(buf, p.Account[:]...)

	// side (1 byte)
	buf = append(buf, byte(p.Side))

	// price, amount, leverage (8 bytes LE each)
	buf = appendInt64LE(buf, p.Price)
	buf = appendInt64LE(buf, p.Amount)
	buf = appendInt64LE(buf, p.Leverage)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
