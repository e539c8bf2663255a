package core

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PerpPool/internal/custody"
	"PerpPool/internal/ledger"
	"PerpPool/internal/state"
)

// SnapshotState is the complete engine state at a sequence boundary.
type SnapshotState struct {
	Sequence      int64              `json:"sequence"`
	StateHash     common.Hash        `json:"state_hash"`
	EngineID      common.Address     `json:"engine_id"`
	MarketID      string             `json:"market_id"`
	MarketStart   time.Time          `json:"market_start"`
	Nonce         uint64             `json:"nonce"`
	ParamsVersion int64              `json:"params_version"`
	Lifecycle     Lifecycle          `json:"lifecycle"`
	Successor     common.Address     `json:"successor"`
	Ledger        ledger.State       `json:"ledger"`
	Positions     []state.Position   `json:"positions"`
	Orders        []state.LimitOrder `json:"orders"`
	OrderIDs      []common.Hash      `json:"order_ids"`

	// Tokens holds the in-memory token ledgers, keyed "sale" and "reward".
	Tokens map[string]custody.State `json:"tokens,omitempty"`
}

// TokenLedger is a token kept in process memory. Its state travels with the
// engine snapshot so a restart neither loses nor re-mints balances.
type TokenLedger interface {
	Export() custody.State
	Restore(custody.State) error
}

const (
	tokenSale   = "sale"
	tokenReward = "reward"
)

func (e *Engine) tokenLedgers() map[string]TokenLedger {
	out := make(map[string]TokenLedger, 2)
	if tl, ok := e.saleToken.(TokenLedger); ok {
		out[tokenSale] = tl
	}
	if tl, ok := e.rewardToken.(TokenLedger); ok {
		out[tokenReward] = tl
	}
	return out
}

// CreateSnapshotState copies the engine state. Sequence is the next
// sequence the engine will assign.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &SnapshotState{
		Sequence:      e.sequence,
		StateHash:     e.chain.tip,
		EngineID:      e.id,
		MarketID:      e.marketID,
		MarketStart:   e.marketStart,
		Nonce:         e.nonce,
		ParamsVersion: e.paramsVersion,
		Lifecycle:     e.lifecycle,
		Successor:     e.successor,
		Ledger:        e.ledger.Export(),
		Positions:     e.positions.GetAllPositions(),
		Orders:        e.orders.All(),
		OrderIDs:      e.orderIDs.Keys(),
		Tokens:        e.exportTokens(),
	}
}

func (e *Engine) exportTokens() map[string]custody.State {
	ledgers := e.tokenLedgers()
	if len(ledgers) == 0 {
		return nil
	}
	out := make(map[string]custody.State, len(ledgers))
	for name, tl := range ledgers {
		out[name] = tl.Export()
	}
	return out
}

// restoreTokens loads the snapshot's token state. Stake custody must match
// the ledger's total stake.
func (e *Engine) restoreTokens(snap *SnapshotState) error {
	for name, tl := range e.tokenLedgers() {
		st, ok := snap.Tokens[name]
		if !ok {
			return fmt.Errorf("snapshot carries no %s token state", name)
		}
		if name == tokenSale && orZero(st.Custody).Cmp(orZero(snap.Ledger.TotalStaked)) != 0 {
			return fmt.Errorf("sale token custody %s does not match total staked %s", st.Custody, snap.Ledger.TotalStaked)
		}
		if err := tl.Restore(st); err != nil {
			return fmt.Errorf("restore %s token: %w", name, err)
		}
	}
	return nil
}

// RestoreFromSnapshot replaces the engine state with snap.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	if snap.EngineID != e.id {
		return fmt.Errorf("snapshot belongs to engine %s, not %s", snap.EngineID.Hex(), e.id.Hex())
	}
	if snap.MarketID != e.marketID {
		return fmt.Errorf("snapshot belongs to market %q, not %q", snap.MarketID, e.marketID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.restoreTokens(snap); err != nil {
		return err
	}
	if err := e.ledger.Restore(snap.Ledger); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	e.positions.Restore(snap.Positions)
	e.orders.Restore(snap.Orders)
	e.orderIDs.Warm(snap.OrderIDs)
	e.chain.tip = snap.StateHash

	e.sequence = snap.Sequence
	e.marketStart = snap.MarketStart
	e.nonce = snap.Nonce
	e.paramsVersion = snap.ParamsVersion
	e.lifecycle = snap.Lifecycle
	e.successor = snap.Successor

	if e.metrics != nil {
		e.metrics.Sequence.Set(float64(e.sequence))
		e.metrics.OpenPositions.Set(float64(e.positions.OpenCount()))
		e.metrics.RestingOrders.Set(float64(e.orders.Len()))
		if e.lifecycle == LifecycleRetired {
			e.metrics.EngineRetired.Set(1)
		}
	}
	e.logger.Info().
		Int64("sequence", e.sequence).
		Int("positions", e.positions.OpenCount()).
		Int("orders", e.orders.Len()).
		Msg("engine restored from snapshot")
	return nil
}

// WarmOrderIDs loads recently issued order ids into the in-memory guard.
func (e *Engine) WarmOrderIDs(ids []common.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orderIDs.Warm(ids)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
