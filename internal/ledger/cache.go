package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Cache serves recent balance reads from Redis. Entries are short-lived and
// invalidated on every write, so a stale read survives at most one TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache constructs Cache. A non-positive TTL defaults to 30s.
func NewCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func balanceKey(variationID, locationID int64) string {
	return fmt.Sprintf("balance:%d:%d", variationID, locationID)
}

// GetBalance returns a cached quantity when present and parseable.
func (c *Cache) GetBalance(ctx context.Context, variationID, locationID int64) (decimal.Decimal, bool) {
	if c == nil || c.client == nil {
		return decimal.Zero, false
	}
	raw, err := c.client.Get(ctx, balanceKey(variationID, locationID)).Result()
	if err != nil {
		if err != redis.Nil && c.logger != nil {
			c.logger.Warn("balance cache read", slog.Any("error", err))
		}
		return decimal.Zero, false
	}
	qty, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return qty, true
}

// SetBalance stores a quantity with the configured TTL.
func (c *Cache) SetBalance(ctx context.Context, variationID, locationID int64, qty decimal.Decimal) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Set(ctx, balanceKey(variationID, locationID), qty.String(), c.ttl).Err(); err != nil && c.logger != nil {
		c.logger.Warn("balance cache write", slog.Any("error", err))
	}
}

// Invalidate drops the cached quantity after a committed mutation.
func (c *Cache) Invalidate(ctx context.Context, variationID, locationID int64) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, balanceKey(variationID, locationID)).Err(); err != nil && c.logger != nil {
		c.logger.Warn("balance cache invalidate", slog.Any("error", err))
	}
}
