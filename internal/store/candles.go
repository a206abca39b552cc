package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/market"
)

// CandleStore persists candles beneath the in-memory cache. The table
// is append-mostly; real-time rows get their prices replaced until the
// interval closes, but ts is never mutated.
type CandleStore struct {
	pool PoolIface
}

func NewCandleStore(pool PoolIface) *CandleStore {
	return &CandleStore{pool: pool}
}

const upsertCandleSQL = `
	INSERT INTO candles (pair, timeframe, ts, open, high, low, close, volume, source, real_time)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (pair, timeframe, ts) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		source = EXCLUDED.source,
		real_time = EXCLUDED.real_time
`

// UpsertCandles writes a batch in one transaction, all or nothing
func (s *CandleStore) UpsertCandles(ctx context.Context, candles []market.Candle) error {
	const op = "store.UpsertCandles"
	defer observe("upsert_candles", time.Now())

	if len(candles) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	for i := range candles {
		c := &candles[i]
		_, err := tx.Exec(ctx, upsertCandleSQL,
			c.Pair.String(),
			c.Timeframe.String(),
			c.TS,
			c.Open,
			c.High,
			c.Low,
			c.Close,
			c.Volume,
			c.Source,
			c.RealTime,
		)
		if err != nil {
			return errs.E(op, errs.Unavailable, fmt.Errorf("failed to upsert candle %s %s %s: %w",
				c.Pair, c.Timeframe, c.TS.Format(time.RFC3339), err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to commit candle batch: %w", err))
	}
	return nil
}

const candleRangeSQL = `
	SELECT pair, timeframe, ts, open, high, low, close, volume, source, real_time
	FROM candles
	WHERE pair = $1 AND timeframe = $2 AND ts >= $3 AND ts <= $4
	ORDER BY ts ASC
`

// CandleRange returns candles with ts in [from, to], chronological
func (s *CandleStore) CandleRange(ctx context.Context, pair market.Pair, tf market.Timeframe, from, to time.Time) ([]market.Candle, error) {
	const op = "store.CandleRange"
	defer observe("candle_range", time.Now())

	rows, err := s.pool.Query(ctx, candleRangeSQL, pair.String(), tf.String(), from, to)
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to query candles: %w", err))
	}
	defer rows.Close()

	var candles []market.Candle
	for rows.Next() {
		var c market.Candle
		var pairStr, tfStr string
		if err := rows.Scan(&pairStr, &tfStr, &c.TS, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Source, &c.RealTime); err != nil {
			return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to scan candle: %w", err))
		}
		c.Pair = market.Pair(pairStr)
		c.Timeframe = market.Timeframe(tfStr)
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("error iterating candles: %w", err))
	}
	return candles, nil
}

const latestCandlesSQL = `
	SELECT pair, timeframe, ts, open, high, low, close, volume, source, real_time
	FROM (
		SELECT pair, timeframe, ts, open, high, low, close, volume, source, real_time
		FROM candles
		WHERE pair = $1 AND timeframe = $2
		ORDER BY ts DESC
		LIMIT $3
	) newest
	ORDER BY ts ASC
`

// LatestCandles returns the newest n candles, chronological
func (s *CandleStore) LatestCandles(ctx context.Context, pair market.Pair, tf market.Timeframe, n int) ([]market.Candle, error) {
	const op = "store.LatestCandles"
	defer observe("latest_candles", time.Now())

	rows, err := s.pool.Query(ctx, latestCandlesSQL, pair.String(), tf.String(), n)
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to query candles: %w", err))
	}
	defer rows.Close()

	var candles []market.Candle
	for rows.Next() {
		var c market.Candle
		var pairStr, tfStr string
		if err := rows.Scan(&pairStr, &tfStr, &c.TS, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Source, &c.RealTime); err != nil {
			return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to scan candle: %w", err))
		}
		c.Pair = market.Pair(pairStr)
		c.Timeframe = market.Timeframe(tfStr)
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("error iterating candles: %w", err))
	}
	return candles, nil
}
