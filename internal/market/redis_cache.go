package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fxsage/fxadvisor/internal/metrics"
)

// RedisCandleCache snapshots candle series to Redis so a restarted
// daemon can warm its in-memory cache without hammering the market
// data API. It is strictly optional: a nil cache is safe to call and
// every operation degrades to a miss.
type RedisCandleCache struct {
	client *redis.Client
	ttl    time.Duration
}

type seriesSnapshot struct {
	Pair      Pair      `json:"pair"`
	Timeframe Timeframe `json:"timeframe"`
	Candles   []Candle  `json:"candles"`
	SavedAt   time.Time `json:"saved_at"`
}

type priceSnapshot struct {
	Pair  Pair      `json:"pair"`
	Price float64   `json:"price"`
	At    time.Time `json:"at"`
}

// NewRedisCandleCache creates the snapshot cache.
// If client is nil, returns nil (Redis support is optional).
func NewRedisCandleCache(client *redis.Client, ttl time.Duration) *RedisCandleCache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCandleCache{client: client, ttl: ttl}
}

// SaveSeries stores a series snapshot
func (c *RedisCandleCache) SaveSeries(ctx context.Context, pair Pair, tf Timeframe, candles []Candle) error {
	if c == nil || c.client == nil {
		return nil
	}

	snap := seriesSnapshot{Pair: pair, Timeframe: tf, Candles: candles, SavedAt: time.Now().UTC()}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal series snapshot: %w", err)
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	err = c.client.Set(cacheCtx, c.seriesKey(pair, tf), data, c.ttl).Err()
	metrics.RecordRedisOperation("set")
	if err != nil {
		log.Warn().
			Err(err).
			Str("pair", string(pair)).
			Str("timeframe", string(tf)).
			Msg("Failed to snapshot candle series")
		return err
	}
	return nil
}

// LoadSeries retrieves a series snapshot.
// Returns nil and false on miss or any Redis error.
func (c *RedisCandleCache) LoadSeries(ctx context.Context, pair Pair, tf Timeframe) ([]Candle, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, c.seriesKey(pair, tf)).Result()
	metrics.RecordRedisOperation("get")
	if err != nil {
		if err != redis.Nil {
			log.Debug().
				Err(err).
				Str("pair", string(pair)).
				Str("timeframe", string(tf)).
				Msg("Redis get error - treating as miss")
		}
		return nil, false
	}

	var snap seriesSnapshot
	if err := json.Unmarshal([]byte(cached), &snap); err != nil {
		log.Warn().Err(err).Msg("Failed to unmarshal series snapshot")
		return nil, false
	}
	return snap.Candles, true
}

// SavePrice stores the most recent price for a pair
func (c *RedisCandleCache) SavePrice(ctx context.Context, pair Pair, price float64, at time.Time) error {
	if c == nil || c.client == nil {
		return nil
	}

	data, err := json.Marshal(priceSnapshot{Pair: pair, Price: price, At: at})
	if err != nil {
		return fmt.Errorf("failed to marshal price snapshot: %w", err)
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	err = c.client.Set(cacheCtx, c.priceKey(pair), data, c.ttl).Err()
	metrics.RecordRedisOperation("set")
	return err
}

// LoadPrice retrieves the most recent snapshotted price for a pair
func (c *RedisCandleCache) LoadPrice(ctx context.Context, pair Pair) (float64, time.Time, bool) {
	if c == nil || c.client == nil {
		return 0, time.Time{}, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, c.priceKey(pair)).Result()
	metrics.RecordRedisOperation("get")
	if err != nil {
		return 0, time.Time{}, false
	}

	var snap priceSnapshot
	if err := json.Unmarshal([]byte(cached), &snap); err != nil {
		return 0, time.Time{}, false
	}
	return snap.Price, snap.At, true
}

// Delete removes the snapshot for one series
func (c *RedisCandleCache) Delete(ctx context.Context, pair Pair, tf Timeframe) error {
	if c == nil || c.client == nil {
		return nil
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	err := c.client.Del(cacheCtx, c.seriesKey(pair, tf)).Err()
	metrics.RecordRedisOperation("del")
	if err != nil {
		return fmt.Errorf("failed to delete series snapshot: %w", err)
	}
	return nil
}

// Clear removes every fxadvisor market snapshot
func (c *RedisCandleCache) Clear(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	count := 0
	for _, pattern := range []string{"fxadvisor:candles:*", "fxadvisor:price:*"} {
		iter := c.client.Scan(cacheCtx, 0, pattern, 0).Iterator()
		for iter.Next(cacheCtx) {
			if err := c.client.Del(cacheCtx, iter.Val()).Err(); err != nil {
				log.Warn().Err(err).Str("key", iter.Val()).Msg("Failed to delete cache key")
			} else {
				count++
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("cache scan error: %w", err)
		}
	}

	log.Info().Int("keys_deleted", count).Msg("Cleared market snapshots")
	return nil
}

// Health checks the Redis connection
func (c *RedisCandleCache) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.client.Ping(cacheCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func (c *RedisCandleCache) seriesKey(pair Pair, tf Timeframe) string {
	return fmt.Sprintf("fxadvisor:candles:%s:%s", pair, tf)
}

func (c *RedisCandleCache) priceKey(pair Pair) string {
	return fmt.Sprintf("fxadvisor:price:%s", pair)
}
