package state_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PerpPool/internal/event"
	"PerpPool/internal/state"
)

const usd = int64(1_000_000_000)

var trader = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad big int literal %q", s)
	}
	return v
}

func open(side event.Side, price, amount, leverage int64) state.Position {
	return state.Position{Account: trader, Side: side, Price: price * usd, Amount: amount * usd, Leverage: leverage}
}

// ============================================================================
// Test: ApplyFill
// ============================================================================

func TestApplyFill_OpensFromEmpty(t *testing.T) {
	pos, out := state.ApplyFill(state.Position{Account: trader}, event.SideLong, 50*usd, 120*usd, 300)

	if !out.Opened || out.Closed {
		t.Errorf("expected open only, got %+v", out)
	}
	if pos.Side != event.SideLong || pos.Price != 120*usd || pos.Amount != 50*usd || pos.Leverage != 300 {
		t.Errorf("unexpected position %+v", pos)
	}
	if out.RealizedPnL.Sign() != 0 {
		t.Errorf("opening realizes nothing, got %s", out.RealizedPnL)
	}
}

func TestApplyFill_SamePriceMerge(t *testing.T) {
	pos, out := state.ApplyFill(open(event.SideLong, 120, 200, 1000), event.SideLong, 50*usd, 120*usd, 500)

	if pos.Price != 120*usd || pos.Amount != 250*usd {
		t.Errorf("got {%d, %d}, want {%d, %d}", pos.Price, pos.Amount, 120*usd, 250*usd)
	}
	if pos.Leverage != 500 {
		t.Errorf("leverage: got %d, want latest fill's 500", pos.Leverage)
	}
	if out.Opened || out.Closed {
		t.Errorf("merge is neither open nor close: %+v", out)
	}
}

func TestApplyFill_HarmonicMerge(t *testing.T) {
	pos, _ := state.ApplyFill(open(event.SideShort, 100, 70, 300), event.SideShort, 80*usd, 130*usd, 300)
	if pos.Price != 114_035_087_719 {
		t.Fatalf("first merge price: got %d, want 114035087719", pos.Price)
	}
	if pos.Amount != 150*usd {
		t.Fatalf("first merge amount: got %d", pos.Amount)
	}

	pos, _ = state.ApplyFill(pos, event.SideShort, 80*usd, 130*usd, 300)
	if pos.Price != 119_123_505_975 {
		t.Errorf("second merge price: got %d, want 119123505975", pos.Price)
	}
	if pos.Amount != 230*usd {
		t.Errorf("second merge amount: got %d, want %d", pos.Amount, 230*usd)
	}
}

func TestApplyFill_ReduceRealizesOnFillAmount(t *testing.T) {
	pos, out := state.ApplyFill(open(event.SideShort, 100, 100, 300), event.SideLong, 30*usd, 90*usd, 700)

	want := mustBig(t, "33333330000000000")
	if out.RealizedPnL.Cmp(want) != 0 {
		t.Errorf("pnl: got %s, want %s", out.RealizedPnL, want)
	}
	if pos.Side != event.SideShort || pos.Amount != 70*usd || pos.Price != 100*usd {
		t.Errorf("unexpected remainder %+v", pos)
	}
	if pos.Leverage != 700 {
		t.Errorf("leverage: got %d, want 700", pos.Leverage)
	}
}

func TestApplyFill_ExactCloseEmptiesPosition(t *testing.T) {
	pos, out := state.ApplyFill(open(event.SideLong, 100, 40, 200), event.SideShort, 40*usd, 110*usd, 200)

	if !out.Closed || out.Opened {
		t.Errorf("expected close only, got %+v", out)
	}
	if pos != (state.Position{Account: trader}) {
		t.Errorf("expected EMPTY position, got %+v", pos)
	}
	if out.RealizedPnL.Sign() <= 0 {
		t.Errorf("long closed higher should profit, got %s", out.RealizedPnL)
	}
}

func TestApplyFill_Flip(t *testing.T) {
	pos, out := state.ApplyFill(open(event.SideLong, 120, 250, 500), event.SideShort, 350*usd, 100*usd, 400)

	want := mustBig(t, "-416666750000000000")
	if out.RealizedPnL.Cmp(want) != 0 {
		t.Errorf("pnl: got %s, want %s", out.RealizedPnL, want)
	}
	if out.Opened || out.Closed {
		t.Errorf("flip keeps the position open: %+v", out)
	}
	if pos.Side != event.SideShort || pos.Amount != 100*usd || pos.Price != 100*usd || pos.Leverage != 400 {
		t.Errorf("unexpected flipped position %+v", pos)
	}
}

func TestPosition_FitsCapsSameSideGrowth(t *testing.T) {
	near := state.Position{Account: trader, Side: event.SideLong, Price: 100 * usd, Amount: state.MaxAmount - 10, Leverage: 100}

	tests := []struct {
		name   string
		pos    state.Position
		side   event.Side
		amount int64
		want   bool
	}{
		{"empty within cap", state.Position{Account: trader}, event.SideLong, state.MaxAmount, true},
		{"empty above cap", state.Position{Account: trader}, event.SideLong, state.MaxAmount + 1, false},
		{"same side up to cap", near, event.SideLong, 10, true},
		{"same side past cap", near, event.SideLong, 11, false},
		{"opposite side shrinks", near, event.SideShort, 1_000 * usd, true},
		{"negative amount", near, event.SideLong, -1, false},
	}
	for _, tt := range tests {
		if got := tt.pos.Fits(tt.side, tt.amount); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestApplyFill_DoesNotMutateInput(t *testing.T) {
	before := open(event.SideLong, 100, 10, 100)
	copied := before
	state.ApplyFill(before, event.SideLong, 5*usd, 200*usd, 100)
	if before != copied {
		t.Errorf("input modified: %+v", before)
	}
}

// ============================================================================
// Test: PositionManager
// ============================================================================

func TestPositionManager_EmptyPositionIsDropped(t *testing.T) {
	pm := state.NewPositionManager()
	pm.SetPosition(open(event.SideLong, 100, 10, 100))
	if pm.OpenCount() != 1 {
		t.Fatalf("open count: got %d, want 1", pm.OpenCount())
	}
	pm.SetPosition(state.Position{Account: trader})
	if pm.OpenCount() != 0 {
		t.Errorf("open count after empty: got %d, want 0", pm.OpenCount())
	}
	if !pm.GetPosition(trader).IsFlat() {
		t.Error("missing position should read as EMPTY")
	}
}

func TestPositionManager_PositionCost(t *testing.T) {
	pm := state.NewPositionManager()
	pm.SetPosition(state.Position{Account: trader, Side: event.SideShort, Price: 80 * usd, Amount: 130 * usd, Leverage: 350})

	want := mustBig(t, "464285714285714285")
	if got := pm.PositionCost(trader); got.Cmp(want) != 0 {
		t.Errorf("cost: got %s, want %s", got, want)
	}
	if got := pm.PositionCost(common.Address{}); got.Sign() != 0 {
		t.Errorf("cost of EMPTY: got %s, want 0", got)
	}
}

// ============================================================================
// Test: OrderBook
// ============================================================================

func TestOrderBook_PruneDropsFilledAndExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ob := state.NewOrderBook()
	ob.Add(&state.LimitOrder{ID: common.HexToHash("0x01"), Amount: 10, Filled: 10, ExpiresAt: now.Add(time.Hour)})
	ob.Add(&state.LimitOrder{ID: common.HexToHash("0x02"), Amount: 10, ExpiresAt: now.Add(-time.Second)})
	ob.Add(&state.LimitOrder{ID: common.HexToHash("0x03"), Amount: 10, Filled: 4, ExpiresAt: now.Add(time.Hour)})

	if removed := ob.Prune(now); removed != 2 {
		t.Errorf("removed: got %d, want 2", removed)
	}
	o, ok := ob.Get(common.HexToHash("0x03"))
	if !ok || o.Remaining() != 6 {
		t.Errorf("partially filled order should remain with 6 left, got %+v (ok=%v)", o, ok)
	}
}

func TestLimitOrder_ExpiryIsExclusive(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	o := state.LimitOrder{ExpiresAt: at}
	if o.IsExpired(at) {
		t.Error("order is fillable at its expiry instant")
	}
	if !o.IsExpired(at.Add(time.Nanosecond)) {
		t.Error("order must be expired after its expiry instant")
	}
}
