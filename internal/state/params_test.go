package state_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PerpPool/internal/event"
	"PerpPool/internal/state"
)

var (
	engineA = common.HexToAddress("0x00000000000000000000000000000000000e0001")
	engineB = common.HexToAddress("0x00000000000000000000000000000000000e0002")
)

func mustParamsManager(t *testing.T) *state.ParamsManager {
	t.Helper()
	pm, err := state.NewParamsManager(state.DefaultParams())
	if err != nil {
		t.Fatalf("params manager: %v", err)
	}
	return pm
}

// ============================================================================
// Test: Params
// ============================================================================

func TestDefaultParams_Valid(t *testing.T) {
	if err := state.DefaultParams().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestParams_ValidateRejects(t *testing.T) {
	cases := map[string]func(p *state.Params){
		"zero leverage":        func(p *state.Params) { p.MaxLeverage = 0 },
		"min above max":        func(p *state.Params) { p.MinOrderValue = p.MaxOrderValue + 1 },
		"max above cap":        func(p *state.Params) { p.MaxOrderValue = state.MaxAmount + 1 },
		"threshold 100":        func(p *state.Params) { p.BankruptcyThreshold = 100 },
		"liquidation over 100": func(p *state.Params) { p.LiquidationProfit = 101 },
		"negative fee":         func(p *state.Params) { p.MarketFeeRate = -1 },
		"zero percent scale":   func(p *state.Params) { p.PercentScale = 0 },
		"zero market length":   func(p *state.Params) { p.MarketLength = 0 },
	}
	for name, mutate := range cases {
		p := state.DefaultParams()
		mutate(&p)
		if err := p.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestParamsManager_SetFeeRatesBumpsVersion(t *testing.T) {
	pm := mustParamsManager(t)
	before := pm.Params().Version

	p, err := pm.SetFeeRates(30, 50)
	if err != nil {
		t.Fatalf("set fee rates: %v", err)
	}
	if p.LimitFeeRate != 30 || p.MarketFeeRate != 50 {
		t.Errorf("rates: got limit %d market %d", p.LimitFeeRate, p.MarketFeeRate)
	}
	if p.Version != before+1 {
		t.Errorf("version: got %d, want %d", p.Version, before+1)
	}
	if _, err := pm.SetFeeRates(-5, 50); err == nil {
		t.Error("negative rate should be rejected")
	}
	if pm.Params().LimitFeeRate != 30 {
		t.Error("rejected update must not change params")
	}
}

// ============================================================================
// Test: trust window and redeploy
// ============================================================================

func TestParamsManager_TrustWindow(t *testing.T) {
	pm := mustParamsManager(t)
	now := time.Unix(1_700_000_000, 0)
	pm.SetClock(func() time.Time { return now })

	if pm.IsTrusted(engineA) {
		t.Fatal("unregistered engine must not be trusted")
	}
	pm.AddEngine(engineA, 7_776_000*time.Second)
	if !pm.IsTrusted(engineA) {
		t.Fatal("engine should be trusted inside its window")
	}

	now = now.Add(7_776_000 * time.Second)
	if pm.IsTrusted(engineA) {
		t.Error("engine should not be trusted once the window has passed")
	}
}

func TestParamsManager_RedeployNamesSuccessor(t *testing.T) {
	pm := mustParamsManager(t)
	pm.AddEngine(engineA, time.Hour)

	if err := pm.Redeploy(engineA, engineB, time.Hour); err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	if pm.IsTrusted(engineA) {
		t.Error("redeployed engine must lose trust")
	}
	if !pm.IsTrusted(engineB) {
		t.Error("successor should be trusted")
	}
	if got := pm.Successor(engineA); got != engineB {
		t.Errorf("successor: got %s, want %s", got.Hex(), engineB.Hex())
	}
	if err := pm.Redeploy(engineB, engineB, time.Hour); err == nil {
		t.Error("engine cannot succeed itself")
	}
}

// ============================================================================
// Test: liquidation
// ============================================================================

func TestIsLiquidatable_Threshold(t *testing.T) {
	pos := open(event.SideLong, 100, 100, 1000) // cost 0.1e18

	if !state.IsLiquidatable(pos, 91*usd, 10) {
		t.Error("loss of ~98.9% of margin should be liquidatable")
	}
	if state.IsLiquidatable(pos, 92*usd, 10) {
		t.Error("loss of ~87% of margin should not be liquidatable")
	}
	if state.IsLiquidatable(pos, 110*usd, 10) {
		t.Error("profitable position is never liquidatable")
	}
	if state.IsLiquidatable(state.Position{Account: trader}, 50*usd, 10) {
		t.Error("EMPTY position is never liquidatable")
	}
}

func TestSplitResidual_ThirdPartyGetsShare(t *testing.T) {
	cost := mustBig(t, "100000000000000000")
	pnl := mustBig(t, "-98901000000000000")

	split := state.SplitResidual(cost, pnl, 50, true)
	if split.Residual.Cmp(mustBig(t, "1099000000000000")) != 0 {
		t.Errorf("residual: got %s", split.Residual)
	}
	if split.Reward.Cmp(mustBig(t, "549500000000000")) != 0 {
		t.Errorf("reward: got %s", split.Reward)
	}
	if new(big.Int).Add(split.Reward, split.Seized).Cmp(split.Residual) != 0 {
		t.Errorf("reward + seized != residual")
	}

	own := state.SplitResidual(cost, pnl, 50, false)
	if own.Reward.Sign() != 0 || own.Seized.Cmp(own.Residual) != 0 {
		t.Errorf("self-liquidation sends everything to the bank: %+v", own)
	}
}

func TestSplitResidual_LossBeyondMarginLeavesNothing(t *testing.T) {
	split := state.SplitResidual(mustBig(t, "100"), mustBig(t, "-250"), 50, true)
	if split.Residual.Sign() != 0 || split.Reward.Sign() != 0 || split.Seized.Sign() != 0 {
		t.Errorf("expected empty split, got %+v", split)
	}
}
