// Package pricefeed provides mark price sources for the engine.
package pricefeed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoPrice is returned before a source has seen its first price.
var ErrNoPrice = errors.New("no mark price available")

// Feed is a mark price source. Prices are USD scale.
type Feed interface {
	CurrentPrice(ctx context.Context) (int64, error)
}

// Static always returns the last price it was given.
type Static struct {
	price atomic.Int64
}

func NewStatic(price int64) *Static {
	s := &Static{}
	s.price.Store(price)
	return s
}

func (s *Static) Set(price int64) {
	s.price.Store(price)
}

func (s *Static) CurrentPrice(_ context.Context) (int64, error) {
	p := s.price.Load()
	if p <= 0 {
		return 0, ErrNoPrice
	}
	return p, nil
}

// Latest holds the most recent price pushed by a subscriber. Updates older
// than the current one are ignored.
type Latest struct {
	mu        sync.RWMutex
	price     int64
	updatedAt time.Time
	maxAge    time.Duration
	now       func() time.Time
}

// NewLatest returns an empty Latest. A maxAge of zero disables staleness.
func NewLatest(maxAge time.Duration) *Latest {
	return &Latest{maxAge: maxAge, now: time.Now}
}

// Update records price observed at ts. It reports whether the update was
// accepted.
func (l *Latest) Update(price int64, ts time.Time) bool {
	if price <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ts.Before(l.updatedAt) {
		return false
	}
	l.price = price
	l.updatedAt = ts
	return true
}

func (l *Latest) CurrentPrice(_ context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.price <= 0 {
		return 0, ErrNoPrice
	}
	if l.maxAge > 0 && l.now().Sub(l.updatedAt) > l.maxAge {
		return 0, ErrNoPrice
	}
	return l.price, nil
}
