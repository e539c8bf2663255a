package core

import (
	"container/list"
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// OrderIDGuard remembers every order id the engine has issued so a content
// hash collision is caught before a second order reuses an id.
//
// Tier 1 is an in-memory LRU of recent ids; tier 2 is the persisted event log.
type OrderIDGuard struct {
	lru       *OrderIDLRU
	dbChecker DBOrderIDChecker

	tier2Errors int64
}

// DBOrderIDChecker is the interface for the Postgres lookup of issued ids
type DBOrderIDChecker interface {
	OrderIDExists(ctx context.Context, id common.Hash) (bool, error)
}

func NewOrderIDGuard(capacity int, dbChecker DBOrderIDChecker) *OrderIDGuard {
	if capacity <= 0 {
		capacity = 1
	}
	return &OrderIDGuard{
		lru:       NewOrderIDLRU(capacity),
		dbChecker: dbChecker,
	}
}

// Seen reports whether id was issued before (two-tier lookup)
func (g *OrderIDGuard) Seen(ctx context.Context, id common.Hash) bool {
	if g.lru.Contains(id) {
		return true
	}

	if g.dbChecker != nil {
		exists, err := g.dbChecker.OrderIDExists(ctx, id)
		if err != nil {
			// A lookup failure must not block order flow; the LRU still
			// covers recent ids.
			g.tier2Errors++
			return false
		}
		if exists {
			g.lru.Add(id)
			return true
		}
	}

	return false
}

// Mark records an issued id
func (g *OrderIDGuard) Mark(id common.Hash) {
	g.lru.Add(id)
}

// Warm loads ids recovered from a snapshot or the event log.
func (g *OrderIDGuard) Warm(ids []common.Hash) {
	g.lru.WarmFromKeys(ids)
}

func (g *OrderIDGuard) Size() int {
	return g.lru.Size()
}

// Tier2Errors returns the number of failed Postgres lookups
func (g *OrderIDGuard) Tier2Errors() int64 {
	return g.tier2Errors
}

// Keys returns the ids held in memory, most recent first.
func (g *OrderIDGuard) Keys() []common.Hash {
	return g.lru.Keys()
}

// --- LRU Implementation ---

// OrderIDLRU is an LRU set of order ids.
// Not thread-safe; the engine lock serializes access.
type OrderIDLRU struct {
	capacity int
	cache    map[common.Hash]*list.Element
	lruList  *list.List

	evictions int64
}

func NewOrderIDLRU(capacity int) *OrderIDLRU {
	return &OrderIDLRU{
		capacity: capacity,
		cache:    make(map[common.Hash]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *OrderIDLRU) Contains(key common.Hash) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *OrderIDLRU) Add(key common.Hash) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *OrderIDLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(common.Hash))
		lru.evictions++
	}
}

// WarmFromKeys loads keys oldest first so the newest end up most recent.
func (lru *OrderIDLRU) WarmFromKeys(keys []common.Hash) {
	for i := len(keys) - 1; i >= 0; i-- {
		lru.Add(keys[i])
	}
}

// Keys returns every key, most recently used first.
func (lru *OrderIDLRU) Keys() []common.Hash {
	keys := make([]common.Hash, 0, lru.lruList.Len())
	for e := lru.lruList.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(common.Hash))
	}
	return keys
}

// Size returns current number of entries
func (lru *OrderIDLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *OrderIDLRU) Evictions() int64 {
	return lru.evictions
}
