package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Params are the market parameters the engine reads on every operation.
type Params struct {
	Version             int64         `json:"version" yaml:"-"`
	MaxLeverage         int64         `json:"max_leverage" yaml:"max_leverage"`                 // whole multiples; order leverage is percent-scaled
	MinOrderValue       int64         `json:"min_order_value" yaml:"min_order_value"`           // USD scale
	MaxOrderValue       int64         `json:"max_order_value" yaml:"max_order_value"`           // USD scale
	BankruptcyThreshold int64         `json:"bankruptcy_threshold" yaml:"bankruptcy_threshold"` // percent of cost left before liquidation
	LiquidationProfit   int64         `json:"liquidation_profit" yaml:"liquidation_profit"`     // percent of residual margin paid to liquidator
	FeeDiscountIndex    int64         `json:"fee_discount_index" yaml:"fee_discount_index"`
	PercentScale        int64         `json:"percent_scale" yaml:"percent_scale"`
	MarketFeeRate       int64         `json:"market_fee_rate" yaml:"market_fee_rate"` // basis points of cost
	LimitFeeRate        int64         `json:"limit_fee_rate" yaml:"limit_fee_rate"`   // basis points of cost
	MarketLength        time.Duration `json:"market_length" yaml:"market_length"`
}

// DefaultParams returns the launch parameters of a market.
func DefaultParams() Params {
	return Params{
		Version:             1,
		MaxLeverage:         50,
		MinOrderValue:       1_000_000_000,         // $1
		MaxOrderValue:       1_000_000_000_000_000, // $1,000,000
		BankruptcyThreshold: 10,
		LiquidationProfit:   50,
		FeeDiscountIndex:    100,
		PercentScale:        100,
		MarketFeeRate:       0,
		LimitFeeRate:        0,
		MarketLength:        50 * 24 * time.Hour,
	}
}

// MaxLeverageScaled is MaxLeverage in the percent-scaled units orders use.
func (p Params) MaxLeverageScaled() int64 {
	return p.MaxLeverage * 100
}

// Validate checks that parameters are within valid ranges.
func (p Params) Validate() error {
	if p.MaxLeverage <= 0 {
		return fmt.Errorf("max_leverage must be > 0, got %d", p.MaxLeverage)
	}
	if p.MinOrderValue <= 0 {
		return fmt.Errorf("min_order_value must be > 0, got %d", p.MinOrderValue)
	}
	if p.MaxOrderValue < p.MinOrderValue {
		return fmt.Errorf("max_order_value (%d) must be >= min_order_value (%d)", p.MaxOrderValue, p.MinOrderValue)
	}
	if p.MaxOrderValue > MaxAmount {
		return fmt.Errorf("max_order_value must be <= %d, got %d", int64(MaxAmount), p.MaxOrderValue)
	}
	if p.BankruptcyThreshold < 0 || p.BankruptcyThreshold >= 100 {
		return fmt.Errorf("bankruptcy_threshold must be in [0, 100), got %d", p.BankruptcyThreshold)
	}
	if p.LiquidationProfit < 0 || p.LiquidationProfit > 100 {
		return fmt.Errorf("liquidation_profit must be in [0, 100], got %d", p.LiquidationProfit)
	}
	if p.FeeDiscountIndex < 0 {
		return fmt.Errorf("fee_discount_index must be >= 0, got %d", p.FeeDiscountIndex)
	}
	if p.PercentScale <= 0 {
		return fmt.Errorf("percent_scale must be > 0, got %d", p.PercentScale)
	}
	if p.MarketFeeRate < 0 || p.MarketFeeRate > 10_000 {
		return fmt.Errorf("market_fee_rate must be in [0, 10000], got %d", p.MarketFeeRate)
	}
	if p.LimitFeeRate < 0 || p.LimitFeeRate > 10_000 {
		return fmt.Errorf("limit_fee_rate must be in [0, 10000], got %d", p.LimitFeeRate)
	}
	if p.MarketLength <= 0 {
		return fmt.Errorf("market_length must be > 0, got %s", p.MarketLength)
	}
	return nil
}

type engineTrust struct {
	until     time.Time
	revoked   bool
	successor common.Address
}

// ParamsManager is the in-process registry: validated hot-updatable market
// parameters plus the set of engines trusted to use them.
type ParamsManager struct {
	mu      sync.RWMutex
	params  Params
	engines map[common.Address]*engineTrust
	now     func() time.Time
}

func NewParamsManager(params Params) (*ParamsManager, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return &ParamsManager{
		params:  params,
		engines: make(map[common.Address]*engineTrust),
		now:     time.Now,
	}, nil
}

// SetClock replaces the wall clock used for trust windows.
func (pm *ParamsManager) SetClock(now func() time.Time) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.now = now
}

func (pm *ParamsManager) Params() Params {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.params
}

// Update validates and installs new parameters, bumping the version.
func (pm *ParamsManager) Update(params Params) (Params, error) {
	if err := params.Validate(); err != nil {
		return Params{}, fmt.Errorf("invalid params: %w", err)
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	params.Version = pm.params.Version + 1
	pm.params = params
	return params, nil
}

// SetFeeRates changes only the maker and taker fee rates.
func (pm *ParamsManager) SetFeeRates(limitRate, marketRate int64) (Params, error) {
	p := pm.Params()
	p.LimitFeeRate = limitRate
	p.MarketFeeRate = marketRate
	return pm.Update(p)
}

// AddEngine trusts an engine for the given window from now.
func (pm *ParamsManager) AddEngine(engine common.Address, window time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.engines[engine] = &engineTrust{until: pm.now().Add(window)}
}

// Redeploy revokes trust in an engine and names the engine replacing it.
func (pm *ParamsManager) Redeploy(engine, successor common.Address, window time.Duration) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	t, ok := pm.engines[engine]
	if !ok {
		return fmt.Errorf("engine %s is not registered", engine.Hex())
	}
	if engine == successor {
		return fmt.Errorf("engine %s cannot succeed itself", engine.Hex())
	}
	t.revoked = true
	t.successor = successor
	pm.engines[successor] = &engineTrust{until: pm.now().Add(window)}
	return nil
}

// IsTrusted reports whether the engine is registered, not revoked and
// inside its trust window.
func (pm *ParamsManager) IsTrusted(engine common.Address) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	t, ok := pm.engines[engine]
	if !ok || t.revoked {
		return false
	}
	return pm.now().Before(t.until)
}

// Successor returns the replacement of a revoked engine, or the zero address.
func (pm *ParamsManager) Successor(engine common.Address) common.Address {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if t, ok := pm.engines[engine]; ok {
		return t.successor
	}
	return common.Address{}
}
