package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ParamsUpdated records a change of the market parameters the engine reads
// from its registry (fee rates, bounds, thresholds).
type ParamsUpdated struct {
	Version             int64 `json:"version"`
	MaxLeverage         int64 `json:"max_leverage"`
	MinOrderValue       int64 `json:"min_order_value"`
	MaxOrderValue       int64 `json:"max_order_value"`
	BankruptcyThreshold int64 `json:"bankruptcy_threshold"`
	LiquidationProfit   int64 `json:"liquidation_profit"`
	FeeDiscountIndex    int64 `json:"fee_discount_index"`
	MarketFeeRate       int64 `json:"market_fee_rate"`
	LimitFeeRate        int64 `json:"limit_fee_rate"`
}

func (p *ParamsUpdated) IdempotencyKey() string {
	return fmt.Sprintf("params:%d", p.Version)
}

func (p *ParamsUpdated) EventType() EventType {
	return EventTypeParamsUpdated
}

// EngineRetired is emitted once when the registry stops trusting the engine.
// New orders go to Successor from then on.
type EngineRetired struct {
	Engine    common.Address `json:"engine"`
	Successor common.Address `json:"successor"`
}

func (e *EngineRetired) IdempotencyKey() string {
	return "retired:" + e.Engine.Hex()
}

func (e *EngineRetired) EventType() EventType {
	return EventTypeEngineRetired
}
