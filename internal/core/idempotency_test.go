package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type stubChecker struct {
	known map[common.Hash]bool
	err   error
	calls int
}

func (s *stubChecker) OrderIDExists(_ context.Context, id common.Hash) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	return s.known[id], nil
}

func TestOrderIDLRU_EvictsOldest(t *testing.T) {
	lru := NewOrderIDLRU(2)
	a, b, c := common.HexToHash("0x01"), common.HexToHash("0x02"), common.HexToHash("0x03")

	lru.Add(a)
	lru.Add(b)
	lru.Contains(a) // a becomes most recent
	lru.Add(c)

	if !lru.Contains(a) || !lru.Contains(c) {
		t.Errorf("recent keys evicted")
	}
	if lru.Contains(b) {
		t.Errorf("least recent key should be evicted")
	}
	if lru.Evictions() != 1 {
		t.Errorf("evictions: got %d, want 1", lru.Evictions())
	}
}

func TestOrderIDLRU_WarmPreservesOrder(t *testing.T) {
	lru := NewOrderIDLRU(10)
	keys := []common.Hash{common.HexToHash("0x03"), common.HexToHash("0x02"), common.HexToHash("0x01")}

	lru.WarmFromKeys(keys)

	got := lru.Keys()
	if len(got) != 3 {
		t.Fatalf("size: got %d", len(got))
	}
	for i := range keys {
		if got[i] != keys[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i].Hex(), keys[i].Hex())
		}
	}
}

func TestOrderIDGuard_FallsBackToDatabase(t *testing.T) {
	old := common.HexToHash("0xaa")
	db := &stubChecker{known: map[common.Hash]bool{old: true}}
	g := NewOrderIDGuard(4, db)
	ctx := context.Background()

	if !g.Seen(ctx, old) {
		t.Fatalf("id known to the database should be seen")
	}
	if g.Size() != 1 {
		t.Errorf("database hit should be cached, size %d", g.Size())
	}
	g.Seen(ctx, old)
	if db.calls != 1 {
		t.Errorf("cached id hit the database again: %d calls", db.calls)
	}

	if g.Seen(ctx, common.HexToHash("0xbb")) {
		t.Errorf("unknown id reported as seen")
	}
}

func TestOrderIDGuard_DatabaseErrorDoesNotBlock(t *testing.T) {
	g := NewOrderIDGuard(4, &stubChecker{err: errors.New("connection refused")})

	if g.Seen(context.Background(), common.HexToHash("0x01")) {
		t.Errorf("lookup failure must not report a collision")
	}
	if g.Tier2Errors() != 1 {
		t.Errorf("tier2 errors: got %d, want 1", g.Tier2Errors())
	}

	g.Mark(common.HexToHash("0x01"))
	if !g.Seen(context.Background(), common.HexToHash("0x01")) {
		t.Errorf("marked id should be seen from memory")
	}
}

func TestOrderID_CoversEveryField(t *testing.T) {
	engine := common.HexToAddress("0x01")
	trader := common.HexToAddress("0x02")
	expires := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	base := OrderID(engine, trader, 100, 10, 1, 100, expires, 1)

	variants := map[string]common.Hash{
		"engine":   OrderID(common.HexToAddress("0x03"), trader, 100, 10, 1, 100, expires, 1),
		"trader":   OrderID(engine, common.HexToAddress("0x03"), 100, 10, 1, 100, expires, 1),
		"price":    OrderID(engine, trader, 101, 10, 1, 100, expires, 1),
		"amount":   OrderID(engine, trader, 100, 11, 1, 100, expires, 1),
		"side":     OrderID(engine, trader, 100, 10, 2, 100, expires, 1),
		"leverage": OrderID(engine, trader, 100, 10, 1, 101, expires, 1),
		"expiry":   OrderID(engine, trader, 100, 10, 1, 100, expires.Add(1), 1),
		"nonce":    OrderID(engine, trader, 100, 10, 1, 100, expires, 2),
	}
	for field, id := range variants {
		if id == base {
			t.Errorf("changing %s did not change the id", field)
		}
	}
	if again := OrderID(engine, trader, 100, 10, 1, 100, expires, 1); again != base {
		t.Errorf("order id is not deterministic")
	}
}
