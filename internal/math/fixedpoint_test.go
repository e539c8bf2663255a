package math_test

import (
	"math"
	"math/big"
	"testing"

	fpmath "PerpPool/internal/math"
)

const usd = int64(1_000_000_000)

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad big int literal %q", s)
	}
	return v
}

// ============================================================================
// Test: Cost and fees
// ============================================================================

func TestCost_KnownValues(t *testing.T) {
	cases := []struct {
		price, amount, leverage int64
		want                    string
	}{
		{130 * usd, 80 * usd, 350, "175824175824175824"},
		{120 * usd, 200 * usd, 1000, "166666666666666666"},
		{120 * usd, 250 * usd, 500, "416666666666666666"},
		{100 * usd, 350 * usd, 400, "875000000000000000"},
	}

	for _, tc := range cases {
		got := fpmath.Cost(tc.price, tc.amount, tc.leverage)
		if got.Cmp(mustBig(t, tc.want)) != 0 {
			t.Errorf("Cost(%d, %d, %d) = %s, want %s", tc.price, tc.amount, tc.leverage, got, tc.want)
		}
	}
}

func TestCost_DegenerateInputsAreZero(t *testing.T) {
	if fpmath.Cost(0, 100*usd, 100).Sign() != 0 {
		t.Error("zero price should yield zero cost")
	}
	if fpmath.Cost(100*usd, 100*usd, 0).Sign() != 0 {
		t.Error("zero leverage should yield zero cost")
	}
	if fpmath.Cost(100*usd, 0, 100).Sign() != 0 {
		t.Error("zero amount should yield zero cost")
	}
}

func TestFeeFor_MarketRateAndHalfDiscount(t *testing.T) {
	cost := fpmath.Cost(130*usd, 80*usd, 350)

	fee := fpmath.FeeFor(cost, 50)
	if fee.Cmp(mustBig(t, "879120879120879")) != 0 {
		t.Fatalf("fee = %s, want 879120879120879", fee)
	}

	discounted := fpmath.MulDiv(fee, fpmath.BasisPoints-5000, fpmath.BasisPoints)
	if discounted.Cmp(mustBig(t, "439560439560439")) != 0 {
		t.Errorf("discounted fee = %s, want 439560439560439", discounted)
	}
}

// ============================================================================
// Test: Entry price blending
// ============================================================================

func TestHarmonicEntryPrice_SamePriceIsInvariant(t *testing.T) {
	got := fpmath.HarmonicEntryPrice(200*usd, 120*usd, 50*usd, 120*usd)
	if got != 120*usd {
		t.Errorf("got %d, want %d", got, 120*usd)
	}
}

func TestHarmonicEntryPrice_IsNotArithmeticMean(t *testing.T) {
	got := fpmath.HarmonicEntryPrice(70*usd, 100*usd, 80*usd, 130*usd)
	if got != 114035087719 {
		t.Errorf("got %d, want 114035087719", got)
	}

	arithmetic := (100*usd*70 + 130*usd*80) / 150
	if got == arithmetic {
		t.Error("harmonic blend must differ from the arithmetic mean")
	}
}

func TestHarmonicEntryPrice_ChainedMerge(t *testing.T) {
	first := fpmath.HarmonicEntryPrice(70*usd, 100*usd, 80*usd, 130*usd)
	second := fpmath.HarmonicEntryPrice(150*usd, first, 80*usd, 130*usd)
	if second != 119123505975 {
		t.Errorf("got %d, want 119123505975", second)
	}
}

func TestHarmonicEntryPrice_AmountSumBeyondInt64(t *testing.T) {
	huge := int64(math.MaxInt64 - 1)
	if got := fpmath.HarmonicEntryPrice(huge, 100*usd, huge, 100*usd); got != 100*usd {
		t.Errorf("got %d, want %d", got, 100*usd)
	}
}

func TestHarmonicEntryPrice_EmptyPositionTakesFillPrice(t *testing.T) {
	if got := fpmath.HarmonicEntryPrice(0, 0, 10*usd, 95*usd); got != 95*usd {
		t.Errorf("got %d, want %d", got, 95*usd)
	}
}

// ============================================================================
// Test: Realized PnL
// ============================================================================

func TestRealizedPnL_LongLoss(t *testing.T) {
	got := fpmath.RealizedPnL(true, 120*usd, 100*usd, 250*usd)
	if got.Cmp(mustBig(t, "-416666750000000000")) != 0 {
		t.Errorf("got %s, want -416666750000000000", got)
	}
}

func TestRealizedPnL_ShortProfit(t *testing.T) {
	got := fpmath.RealizedPnL(false, 100*usd, 90*usd, 30*usd)
	if got.Cmp(mustBig(t, "33333330000000000")) != 0 {
		t.Errorf("got %s, want 33333330000000000", got)
	}
}

func TestRealizedPnL_SidesMirror(t *testing.T) {
	long := fpmath.RealizedPnL(true, 100*usd, 140*usd, 50*usd)
	short := fpmath.RealizedPnL(false, 100*usd, 140*usd, 50*usd)
	if new(big.Int).Add(long, short).Sign() != 0 {
		t.Errorf("long %s and short %s should cancel", long, short)
	}
	if long.Sign() <= 0 {
		t.Error("long should profit when price rises")
	}
}

func TestRealizedPnL_UnchangedPriceIsZero(t *testing.T) {
	if fpmath.RealizedPnL(true, 120*usd, 120*usd, 250*usd).Sign() != 0 {
		t.Error("pnl at entry price should be zero")
	}
}

// ============================================================================
// Test: Shares
// ============================================================================

func TestShareBps(t *testing.T) {
	total := big.NewInt(4_000)
	if got := fpmath.ShareBps(big.NewInt(1_000), total, 100); got != 2_500 {
		t.Errorf("got %d, want 2500", got)
	}
	if got := fpmath.ShareBps(big.NewInt(1_000), new(big.Int), 100); got != 0 {
		t.Errorf("zero total: got %d, want 0", got)
	}
	if got := fpmath.ShareBps(big.NewInt(1), big.NewInt(3), 100); got != 3_333 {
		t.Errorf("got %d, want 3333 (floor)", got)
	}
}

// ============================================================================
// Test: Decimal conversion
// ============================================================================

func TestParseFixed_RoundTrip(t *testing.T) {
	v, err := fpmath.ParseFixedInt64("120.5", fpmath.USDConfig)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v != 120_500_000_000 {
		t.Errorf("got %d, want 120500000000", v)
	}
	if s := fpmath.FormatFixedInt64(v, fpmath.USDConfig); s != "120.5" {
		t.Errorf("format = %q, want 120.5", s)
	}
}

func TestParseFixed_RejectsExcessPrecision(t *testing.T) {
	if _, err := fpmath.ParseFixed("0.0000000001", fpmath.USDConfig); err == nil {
		t.Error("expected error for 10 fractional digits at 9-digit precision")
	}
}

func TestFormatFixed_Settlement(t *testing.T) {
	v := mustBig(t, "1500000000000000000")
	if s := fpmath.FormatFixed(v, fpmath.SettlementConfig); s != "1.5" {
		t.Errorf("got %q, want 1.5", s)
	}
}
