// internal/event/liquidation.go
package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CloseReason distinguishes the three engine paths that force a position to zero
type CloseReason int32

const (
	CloseReasonLiquidation CloseReason = iota
	CloseReasonExpiration
	CloseReasonOwner
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonLiquidation:
		return "liquidation"
	case CloseReasonExpiration:
		return "expiration"
	case CloseReasonOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// PositionClosed records a whole-position close at mark price.
// Liquidations additionally carry the seized margin and liquidator reward.
type PositionClosed struct {
	CloseID    string         `json:"close_id"`
	Account    common.Address `json:"account"`
	Caller     common.Address `json:"caller"`
	Reason     CloseReason    `json:"reason"`
	Side       Side           `json:"side"`
	EntryPrice int64          `json:"entry_price"`
	MarkPrice  int64          `json:"mark_price"`
	Amount     int64          `json:"amount"`
	Leverage   int64          `json:"leverage"`
	PnL        *big.Int       `json:"pnl"`
	Seized     *big.Int       `json:"seized,omitempty"`
	Reward     *big.Int       `json:"reward,omitempty"`
}

func (p *PositionClosed) IdempotencyKey() string {
	return p.CloseID
}

func (p *PositionClosed) EventType() EventType {
	switch p.Reason {
	case CloseReasonLiquidation:
		return EventTypePositionLiquidated
	case CloseReasonExpiration:
		return EventTypePositionExpired
	default:
		return EventTypePositionClosed
	}
}
