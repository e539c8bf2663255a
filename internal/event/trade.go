package event

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Side represents position or order direction
type Side int32

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "flat"
	}
}

// Opposite returns the counterparty side. Flat has no opposite.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// ParseSide accepts "long" or "short".
func ParseSide(s string) (Side, error) {
	switch s {
	case "long":
		return SideLong, nil
	case "short":
		return SideShort, nil
	default:
		return SideFlat, fmt.Errorf("unknown side %q", s)
	}
}

// MarshalText encodes the side as its name.
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names written by MarshalText.
func (s *Side) UnmarshalText(text []byte) error {
	if string(text) == "flat" {
		*s = SideFlat
		return nil
	}
	side, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = side
	return nil
}

// OrderPlaced is emitted when a limit order is recorded. No funds move.
// Idempotency key: the order id.
type OrderPlaced struct {
	OrderID   common.Hash    `json:"order_id"`
	Trader    common.Address `json:"trader"`
	Price     int64          `json:"price"`  // USD scale
	Amount    int64          `json:"amount"` // USD scale
	Side      Side           `json:"side"`
	Leverage  int64          `json:"leverage"` // 100 == 1x
	ExpiresAt time.Time      `json:"expires_at"`
}

func (o *OrderPlaced) IdempotencyKey() string {
	return o.OrderID.Hex()
}

func (o *OrderPlaced) EventType() EventType {
	return EventTypeOrderPlaced
}

// FillExecuted is emitted once per (maker order, taker) pair settled by a
// market order. The fills of one market order are legs 0..Legs-1 and commit
// together.
type FillExecuted struct {
	FillID        string         `json:"fill_id"`
	OrderID       common.Hash    `json:"order_id"`
	Taker         common.Address `json:"taker"`
	Maker         common.Address `json:"maker"`
	Amount        int64          `json:"amount"` // USD scale
	Price         int64          `json:"price"`  // USD scale
	TakerSide     Side           `json:"taker_side"`
	MakerSide     Side           `json:"maker_side"`
	TakerLeverage int64          `json:"taker_leverage"` // 100 == 1x
	MakerLeverage int64          `json:"maker_leverage"`
	TakerFee      *big.Int       `json:"taker_fee"` // settlement scale, after discount
	MakerFee      *big.Int       `json:"maker_fee"` // settlement scale, after discount
	TakerPnL      *big.Int       `json:"taker_pnl"` // realized by this fill, signed
	MakerPnL      *big.Int       `json:"maker_pnl"`
	Leg           int            `json:"leg"`
	Legs          int            `json:"legs"`
}

func (f *FillExecuted) IdempotencyKey() string {
	return f.FillID
}

func (f *FillExecuted) EventType() EventType {
	return EventTypeFillExecuted
}
