package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	fpmath "PerpPool/internal/math"
)

// Redis is a read-through cache of the mark price in front of another
// feed. Other replicas of the service read the same key, so a price pushed
// by one subscriber is visible to all of them within the TTL.
type Redis struct {
	primary Feed
	rdb     *redis.Client
	key     string
	ttl     time.Duration
}

// NewRedis wraps primary with a Redis cache under perp:mark:<ticker>.
func NewRedis(primary Feed, rdb *redis.Client, ticker string, ttl time.Duration) *Redis {
	return &Redis{
		primary: primary,
		rdb:     rdb,
		key:     MarkKey(ticker),
		ttl:     ttl,
	}
}

// MarkKey is the Redis key holding a ticker's mark price as a decimal string.
func MarkKey(ticker string) string {
	return "perp:mark:" + ticker
}

func (r *Redis) CurrentPrice(ctx context.Context) (int64, error) {
	// Try cache.
	s, err := r.rdb.Get(ctx, r.key).Result()
	if err == nil {
		if price, perr := fpmath.ParseFixedInt64(s, fpmath.USDConfig); perr == nil && price > 0 {
			return price, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		// Redis unavailable: fall back to the primary without caching.
		return r.primary.CurrentPrice(ctx)
	}

	// Cache miss: read from primary.
	price, err := r.primary.CurrentPrice(ctx)
	if err != nil {
		return 0, err
	}
	r.rdb.Set(ctx, r.key, fpmath.FormatFixedInt64(price, fpmath.USDConfig), r.ttl)
	return price, nil
}

// Publish writes a fresh price through to the cache.
func (r *Redis) Publish(ctx context.Context, price int64) error {
	if err := r.rdb.Set(ctx, r.key, fpmath.FormatFixedInt64(price, fpmath.USDConfig), r.ttl).Err(); err != nil {
		return fmt.Errorf("cache mark price: %w", err)
	}
	return nil
}
