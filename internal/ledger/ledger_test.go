package ledger_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"PerpPool/internal/ledger"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca401")
)

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

type fixedMargin map[common.Address]*big.Int

func (m fixedMargin) PositionCost(account common.Address) *big.Int {
	if c, ok := m[account]; ok {
		return new(big.Int).Set(c)
	}
	return new(big.Int)
}

func mustCommit(t *testing.T, l *ledger.Ledger, tx *ledger.Tx) {
	t.Helper()
	if err := l.Commit(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func mustDeposit(t *testing.T, l *ledger.Ledger, acct common.Address, amount *big.Int) {
	t.Helper()
	tx := l.Begin("deposit", 0, 0)
	if err := tx.Deposit(acct, amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	mustCommit(t, l, tx)
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	path := ledger.CashKey(alice).AccountPath()
	expected := "user:0x00000000000000000000000000000000000a11ce:cash:SETTLEMENT"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemAndExternalPaths(t *testing.T) {
	if got := ledger.ProfitPoolKey.AccountPath(); got != "system:profit_pool:SETTLEMENT" {
		t.Errorf("profit pool path: got %q", got)
	}
	if got := ledger.CustodyKey.AccountPath(); got != "external:custody:STAKE" {
		t.Errorf("custody path: got %q", got)
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.CashKey(alice),
		ledger.StakeKey(bob),
		ledger.MarginBankKey,
		ledger.PnLPoolKey,
		ledger.DepositsKey,
		ledger.WithdrawKey,
		ledger.CustodyKey,
	}
	for _, k := range keys {
		parsed, err := ledger.ParseAccountPath(k.AccountPath())
		if err != nil {
			t.Fatalf("parse %q: %v", k.AccountPath(), err)
		}
		if parsed != k {
			t.Errorf("round trip of %q: got %+v, want %+v", k.AccountPath(), parsed, k)
		}
	}
}

func TestParseAccountPath_Malformed(t *testing.T) {
	for _, p := range []string{"", "user:nothex:cash:SETTLEMENT", "system:vault:SETTLEMENT", "system:profit_pool:DOGE"} {
		if _, err := ledger.ParseAccountPath(p); err == nil {
			t.Errorf("expected error for %q", p)
		}
	}
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatch_NegativeAmountReversesDirection(t *testing.T) {
	b := ledger.NewBatch("ref", 1, 0)
	b.Add(ledger.CashKey(alice), ledger.PnLPoolKey, big.NewInt(-50), ledger.JournalTypeTradePnL)

	if len(b.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(b.Journals))
	}
	j := b.Journals[0]
	if j.DebitAccount != ledger.PnLPoolKey || j.CreditAccount != ledger.CashKey(alice) {
		t.Errorf("direction not reversed: %+v", j)
	}
	if j.Amount.Cmp(big.NewInt(50)) != 0 {
		t.Errorf("amount: got %s, want 50", j.Amount)
	}
	if got := b.NetChange(ledger.CashKey(alice)); got.Cmp(big.NewInt(-50)) != 0 {
		t.Errorf("net change: got %s, want -50", got)
	}
}

func TestBatch_ZeroAmountDropped(t *testing.T) {
	b := ledger.NewBatch("ref", 1, 0)
	b.Add(ledger.CashKey(alice), ledger.DepositsKey, new(big.Int), ledger.JournalTypeDeposit)
	if len(b.Journals) != 0 {
		t.Errorf("zero amount should not produce a journal")
	}
}

func TestBatch_ValidateRejectsCrossAsset(t *testing.T) {
	b := ledger.NewBatch("ref", 1, 0)
	b.Add(ledger.CashKey(alice), ledger.CustodyKey, big.NewInt(1), ledger.JournalTypeDeposit)
	if err := b.Validate(); err == nil {
		t.Error("expected cross-asset journal to be rejected")
	}
}

// ============================================================================
// Test: BalanceTracker aggregates
// ============================================================================

func TestBalanceTracker_DebtFollowsNegativeCash(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	b := ledger.NewBatch("loss", 1, 0)
	b.Add(ledger.CashKey(alice), ledger.DepositsKey, eth(1), ledger.JournalTypeDeposit)
	b.Add(ledger.CashKey(alice), ledger.PnLPoolKey, eth(-3), ledger.JournalTypeTradePnL)
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := bt.Debt(); got.Cmp(eth(2)) != 0 {
		t.Errorf("debt: got %s, want %s", got, eth(2))
	}
	if got := bt.TotalCash(); got.Cmp(eth(-2)) != 0 {
		t.Errorf("total cash: got %s, want %s", got, eth(-2))
	}

	b = ledger.NewBatch("repay", 2, 0)
	b.Add(ledger.CashKey(alice), ledger.DepositsKey, eth(5), ledger.JournalTypeDeposit)
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := bt.Debt(); got.Sign() != 0 {
		t.Errorf("debt after repay: got %s, want 0", got)
	}
}

func TestBalanceTracker_RestoreRecomputesAggregates(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.Restore(map[ledger.AccountKey]*big.Int{
		ledger.CashKey(alice): eth(-4),
		ledger.CashKey(bob):   eth(10),
		ledger.DepositsKey:    eth(-6),
	})
	if got := bt.Debt(); got.Cmp(eth(4)) != 0 {
		t.Errorf("debt: got %s, want %s", got, eth(4))
	}
	if got := bt.TotalCash(); got.Cmp(eth(6)) != 0 {
		t.Errorf("total cash: got %s, want %s", got, eth(6))
	}
}

// ============================================================================
// Test: Ledger operations
// ============================================================================

func TestLedger_DepositAndWithdraw(t *testing.T) {
	l := ledger.New()
	mustDeposit(t, l, alice, eth(10))

	tx := l.Begin("withdraw", 1, 0)
	if err := tx.Withdraw(alice, eth(4)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	mustCommit(t, l, tx)

	if got := l.Balance(alice); got.Cmp(eth(6)) != 0 {
		t.Errorf("balance: got %s, want %s", got, eth(6))
	}
	if err := ledger.NewInvariantValidator(l).ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
}

func TestLedger_RejectsNonPositiveAmounts(t *testing.T) {
	l := ledger.New()
	tx := l.Begin("bad", 1, 0)

	checks := map[string]error{
		"deposit zero": tx.Deposit(alice, new(big.Int)),
		"withdraw neg": tx.Withdraw(alice, big.NewInt(-1)),
		"stake nil":    tx.Stake(alice, nil),
		"unstake zero": tx.Unstake(alice, new(big.Int)),
	}
	for name, err := range checks {
		if !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Errorf("%s: expected ErrInvalidAmount, got %v", name, err)
		}
	}
}

func TestLedger_WithdrawRespectsLockedMargin(t *testing.T) {
	l := ledger.New()
	l.SetMarginProvider(fixedMargin{alice: eth(7)})
	mustDeposit(t, l, alice, eth(10))

	if got := l.AvailableBalance(alice); got.Cmp(eth(3)) != 0 {
		t.Fatalf("available: got %s, want %s", got, eth(3))
	}

	tx := l.Begin("withdraw", 1, 0)
	err := tx.Withdraw(alice, eth(4))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := tx.Withdraw(alice, eth(3)); err != nil {
		t.Fatalf("withdraw of exactly available: %v", err)
	}
	mustCommit(t, l, tx)

	if got := l.AvailableBalance(alice); got.Sign() != 0 {
		t.Errorf("available after withdraw: got %s, want 0", got)
	}
}

func TestLedger_WithdrawSeesPendingChanges(t *testing.T) {
	l := ledger.New()
	tx := l.Begin("combined", 1, 0)
	if err := tx.Deposit(alice, eth(2)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := tx.Withdraw(alice, eth(2)); err != nil {
		t.Fatalf("withdraw against pending deposit: %v", err)
	}
}

func TestLedger_DiscardedTxLeavesNoTrace(t *testing.T) {
	l := ledger.New()
	tx := l.Begin("discarded", 1, 0)
	_ = tx.Deposit(alice, eth(5))
	_ = tx.Stake(alice, eth(5))
	tx.ChargeFee(alice, eth(1))

	if l.Balance(alice).Sign() != 0 || l.TotalStaked().Sign() != 0 || l.AllTimeTotalProfit().Sign() != 0 {
		t.Error("uncommitted tx must not be visible")
	}
}

func TestLedger_CommitTwiceFails(t *testing.T) {
	l := ledger.New()
	tx := l.Begin("once", 1, 0)
	_ = tx.Deposit(alice, eth(1))
	mustCommit(t, l, tx)
	if err := l.Commit(tx); err == nil {
		t.Error("second commit should fail")
	}
	if got := l.Balance(alice); got.Cmp(eth(1)) != 0 {
		t.Errorf("balance: got %s, want %s", got, eth(1))
	}
}

func TestLedger_StakeUnstakeKeepsSum(t *testing.T) {
	l := ledger.New()
	v := ledger.NewInvariantValidator(l)

	tx := l.Begin("stake", 1, 0)
	_ = tx.Stake(alice, eth(3))
	_ = tx.Stake(bob, eth(5))
	mustCommit(t, l, tx)

	tx = l.Begin("unstake", 2, 0)
	if err := tx.Unstake(bob, eth(6)); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("over-unstake: expected ErrInsufficientBalance, got %v", err)
	}
	if err := tx.Unstake(bob, eth(2)); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	mustCommit(t, l, tx)

	if got := l.TotalStaked(); got.Cmp(eth(6)) != 0 {
		t.Errorf("total staked: got %s, want %s", got, eth(6))
	}
	if got := l.StakedOf(bob); got.Cmp(eth(3)) != 0 {
		t.Errorf("bob staked: got %s, want %s", got, eth(3))
	}
	if err := v.ValidateAll(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestLedger_PnLAndSeizureFlowThroughPool(t *testing.T) {
	l := ledger.New()
	mustDeposit(t, l, alice, eth(10))

	tx := l.Begin("liquidation", 1, 0)
	tx.RealizePnL(alice, eth(-6))
	tx.SeizeMargin(alice, eth(2))
	tx.PayLiquidator(alice, bob, eth(1))
	tx.RecordClosed()
	mustCommit(t, l, tx)

	pool := l.Pool()
	if pool.MarginBank.Cmp(eth(2)) != 0 {
		t.Errorf("margin bank: got %s, want %s", pool.MarginBank, eth(2))
	}
	if pool.TotalNegativePnl.Cmp(eth(6)) != 0 {
		t.Errorf("negative pnl: got %s, want %s", pool.TotalNegativePnl, eth(6))
	}
	if pool.TotalClosedPositions != 1 {
		t.Errorf("closed positions: got %d, want 1", pool.TotalClosedPositions)
	}
	if got := l.Balance(alice); got.Cmp(eth(1)) != 0 {
		t.Errorf("alice: got %s, want %s", got, eth(1))
	}
	if got := l.Balance(bob); got.Cmp(eth(1)) != 0 {
		t.Errorf("bob: got %s, want %s", got, eth(1))
	}
	if pool.TotalBalance.Cmp(eth(2)) != 0 {
		t.Errorf("total balance: got %s, want %s", pool.TotalBalance, eth(2))
	}
}

func TestLedger_ExportRestore(t *testing.T) {
	l := ledger.New()
	mustDeposit(t, l, alice, eth(10))
	tx := l.Begin("mixed", 1, 0)
	_ = tx.Stake(bob, eth(4))
	tx.ChargeFee(alice, eth(1))
	tx.SetRewardSnapshot(carol, eth(1))
	tx.RecordOpened()
	mustCommit(t, l, tx)

	restored := ledger.New()
	if err := restored.Restore(l.Export()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if got := restored.Balance(alice); got.Cmp(eth(9)) != 0 {
		t.Errorf("alice: got %s, want %s", got, eth(9))
	}
	if got := restored.TotalStaked(); got.Cmp(eth(4)) != 0 {
		t.Errorf("total staked: got %s", got)
	}
	if got := restored.RewardSnapshot(carol); got.Cmp(eth(1)) != 0 {
		t.Errorf("snapshot: got %s", got)
	}
	if got := restored.Pool().TotalOpenedPositions; got != 1 {
		t.Errorf("opened: got %d", got)
	}
	if err := ledger.NewInvariantValidator(restored).ValidateAll(); err != nil {
		t.Errorf("invariants after restore: %v", err)
	}
}
