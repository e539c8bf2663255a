package state

import (
	"bytes"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PerpPool/internal/event"
)

// LimitOrder is a resting maker order. No funds are reserved for it; margin
// is checked when a market order fills it.
type LimitOrder struct {
	ID        common.Hash    `json:"id"`
	Trader    common.Address `json:"trader"`
	Price     int64          `json:"price"`    // USD scale
	Amount    int64          `json:"amount"`   // USD scale
	Side      event.Side     `json:"side"`     // maker side; the taker gets the opposite
	Leverage  int64          `json:"leverage"` // 100 == 1x
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Filled    int64          `json:"filled"`
}

// Remaining returns the unfilled amount
func (o *LimitOrder) Remaining() int64 {
	return o.Amount - o.Filled
}

func (o *LimitOrder) IsFilled() bool {
	return o.Filled >= o.Amount
}

// IsExpired reports whether now is past the order's expiry.
func (o *LimitOrder) IsExpired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// OrderBook indexes limit orders by id. Orders are never cancelled; filled
// and expired orders stay queryable until pruned.
type OrderBook struct {
	orders map[common.Hash]*LimitOrder
}

func NewOrderBook() *OrderBook {
	return &OrderBook{orders: make(map[common.Hash]*LimitOrder)}
}

func (ob *OrderBook) Add(o *LimitOrder) {
	ob.orders[o.ID] = o
}

// Get returns a copy of the order
func (ob *OrderBook) Get(id common.Hash) (LimitOrder, bool) {
	o, ok := ob.orders[id]
	if !ok {
		return LimitOrder{}, false
	}
	return *o, true
}

// SetFilled records the cumulative filled amount of an order
func (ob *OrderBook) SetFilled(id common.Hash, filled int64) {
	if o, ok := ob.orders[id]; ok {
		o.Filled = filled
	}
}

func (ob *OrderBook) Len() int {
	return len(ob.orders)
}

// Prune drops orders that are fully filled or expired as of now.
func (ob *OrderBook) Prune(now time.Time) int {
	removed := 0
	for id, o := range ob.orders {
		if o.IsFilled() || o.IsExpired(now) {
			delete(ob.orders, id)
			removed++
		}
	}
	return removed
}

// All returns copies of every order ordered by id
func (ob *OrderBook) All() []LimitOrder {
	result := make([]LimitOrder, 0, len(ob.orders))
	for _, o := range ob.orders {
		result = append(result, *o)
	}
	sort.Slice(result, func(i, j int) bool {
		return bytes.Compare(result[i].ID[:], result[j].ID[:]) < 0
	})
	return result
}

// ByTrader returns the trader's orders ordered by id
func (ob *OrderBook) ByTrader(trader common.Address) []LimitOrder {
	result := make([]LimitOrder, 0)
	for _, o := range ob.All() {
		if o.Trader == trader {
			result = append(result, o)
		}
	}
	return result
}

// Restore replaces all orders (used for snapshot restore)
func (ob *OrderBook) Restore(orders []LimitOrder) {
	ob.orders = make(map[common.Hash]*LimitOrder, len(orders))
	for i := range orders {
		o := orders[i]
		ob.orders[o.ID] = &o
	}
}
