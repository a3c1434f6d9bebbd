package indicators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lucasjlepore/peakflow/stress"
)

// DefaultTTL is how long cached indicators stay valid.
const DefaultTTL = 15 * time.Minute

const keyPrefix = "peakflow:indicators:"

// RedisCache is a read-through cache in front of another source. Redis
// failures are logged and bypassed.
type RedisCache struct {
	client *redis.Client
	next   stress.IndicatorSource
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache caches next in client. A non-positive ttl uses DefaultTTL.
func NewRedisCache(client *redis.Client, next stress.IndicatorSource, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisCache{client: client, next: next, ttl: ttl, logger: logger}
}

// NewRedisClient builds a client from address, password and database number.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func cacheKey(userID string) string {
	return keyPrefix + userID
}

// UserIndicators serves from Redis when possible and fills it on a miss.
func (c *RedisCache) UserIndicators(ctx context.Context, userID string) (stress.Indicators, error) {
	data, err := c.client.Get(ctx, cacheKey(userID)).Bytes()
	switch {
	case err == nil:
		ind, decErr := decodeIndicators(data)
		if decErr == nil {
			return ind, nil
		}
		c.logger.Warn("discarding undecodable cached indicators", "user_id", userID, "error", decErr)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("indicator cache read failed", "user_id", userID, "error", err)
	}

	if c.next == nil {
		return stress.Indicators{}, fmt.Errorf("user %s: %w", userID, stress.ErrNoIndicators)
	}
	ind, err := c.next.UserIndicators(ctx, userID)
	if err != nil {
		return stress.Indicators{}, err
	}
	if err := c.store(ctx, userID, ind); err != nil {
		c.logger.Warn("indicator cache write failed", "user_id", userID, "error", err)
	}
	return ind, nil
}

// Writer persists a user's indicators.
type Writer interface {
	Save(ctx context.Context, ind stress.Indicators) error
}

// Save writes ind to the wrapped source and drops the cached entry so the
// next read sees the new values. A failed invalidation is logged; the stale
// entry then lives until its TTL.
func (c *RedisCache) Save(ctx context.Context, ind stress.Indicators) error {
	w, ok := c.next.(Writer)
	if !ok {
		return fmt.Errorf("save indicators: %T is read-only", c.next)
	}
	if err := w.Save(ctx, ind); err != nil {
		return err
	}
	if err := c.Invalidate(ctx, ind.UserID); err != nil {
		c.logger.Warn("indicator cache invalidation failed", "user_id", ind.UserID, "error", err)
	}
	return nil
}

// Invalidate drops the cached entry for userID.
func (c *RedisCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, cacheKey(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate indicators for %s: %w", userID, err)
	}
	return nil
}

func (c *RedisCache) store(ctx context.Context, userID string, ind stress.Indicators) error {
	data, err := encodeIndicators(ind)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(userID), data, c.ttl).Err()
}

func encodeIndicators(ind stress.Indicators) ([]byte, error) {
	data, err := msgpack.Marshal(&ind)
	if err != nil {
		return nil, fmt.Errorf("encode indicators: %w", err)
	}
	return data, nil
}

func decodeIndicators(data []byte) (stress.Indicators, error) {
	var ind stress.Indicators
	if err := msgpack.Unmarshal(data, &ind); err != nil {
		return stress.Indicators{}, fmt.Errorf("decode indicators: %w", err)
	}
	return ind, nil
}
