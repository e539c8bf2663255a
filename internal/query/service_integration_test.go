package query_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"PerpPool/internal/core"
	"PerpPool/internal/custody"
	"PerpPool/internal/observability"
	"PerpPool/internal/persistence"
	"PerpPool/internal/pricefeed"
	"PerpPool/internal/query"
	"PerpPool/internal/state"
	"PerpPool/internal/testutil"
)

var (
	engineID = common.HexToAddress("0x00000000000000000000000000000000000e0001")
	trader   = common.HexToAddress("0x000000000000000000000000000000000000B0b1")
)

func settlement(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestEventLog_PersistAuditAndSnapshot(t *testing.T) {
	db := testutil.Postgres(t)

	ctx := context.Background()
	engineKey := engineID.Hex()

	registry, err := state.NewParamsManager(state.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	registry.AddEngine(engineID, time.Hour)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	persist := make(chan core.CoreOutput, 16)
	eng, err := core.New(core.Config{
		EngineID:    engineID,
		MarketID:    "BTC-USD",
		MarketStart: time.Now(),
		Registry:    registry,
		Prices:      pricefeed.NewStatic(100_000_000_000),
		SaleToken:   custody.NewToken("SALE"),
		RewardToken: custody.NewToken("REWARD"),
		PersistChan: persist,
		Metrics:     metrics,
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}

	worker := persistence.NewPersistenceWorker(db, engineKey, persist, 1, 10*time.Millisecond, metrics, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- worker.Run(context.Background()) }()

	if err := eng.Deposit(ctx, trader, settlement(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := eng.Withdraw(ctx, trader, settlement(100)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	close(persist)
	if err := <-done; err != nil {
		t.Fatalf("worker: %v", err)
	}
	if got := worker.LastPersisted(); got != 1 {
		t.Fatalf("last persisted: got %d, want 1", got)
	}

	qs := query.NewQueryService(db, engineKey)

	events, err := qs.Events(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events: got %d, want 2", len(events))
	}
	if events[1].PrevHash != events[0].StateHash {
		t.Errorf("hash chain broken between 0 and 1")
	}
	if events[0].EventType != "FundsDeposited" {
		t.Errorf("first event: got %s", events[0].EventType)
	}

	history, err := qs.JournalHistory(ctx, trader, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) < 2 {
		t.Fatalf("journal history: got %d entries", len(history))
	}
	if history[0].Sequence != 1 {
		t.Errorf("history not newest first: %+v", history[0])
	}

	older, err := qs.JournalHistory(ctx, trader, 10, 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range older {
		if j.Sequence >= 1 {
			t.Errorf("paging returned sequence %d", j.Sequence)
		}
	}

	report, err := qs.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.IsHealthy || report.Events != 2 || report.LastSequence != 1 {
		t.Errorf("unexpected report %+v", report)
	}

	snapMgr := persistence.NewSnapshotManager(db, engineKey)
	snap := eng.CreateSnapshotState()
	if _, err := snapMgr.SaveSnapshot(ctx, snap, time.Now()); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	loaded, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	next, err := snapMgr.NextSequence(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil || loaded.Sequence != next || next != 2 {
		t.Fatalf("snapshot sequence %v does not match next sequence %d", loaded, next)
	}
	if loaded.StateHash != events[1].StateHash {
		t.Errorf("snapshot hash does not match event log tail")
	}
}
