package market

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/metrics"
)

// CandleStore is the durable layer beneath the cache. Training pulls
// deep history from it directly; the cache only holds recent depth.
type CandleStore interface {
	UpsertCandles(ctx context.Context, candles []Candle) error
	CandleRange(ctx context.Context, pair Pair, tf Timeframe, from, to time.Time) ([]Candle, error)
}

// Service is the market cache facade. Reads hit the in-memory store
// first and fall through to the external fetcher; concurrent misses
// for the same series are coalesced into one upstream request. When
// the upstream is down, reads are answered from whatever the cache
// still holds, flagged stale.
type Service struct {
	cache   *Cache
	fetcher Fetcher
	redis   *RedisCandleCache // optional, may be nil
	durable CandleStore       // optional, may be nil
	sf      singleflight.Group
	log     zerolog.Logger
}

// NewService wires the cache facade
func NewService(cache *Cache, fetcher Fetcher, redisCache *RedisCandleCache, durable CandleStore, log zerolog.Logger) *Service {
	return &Service{
		cache:   cache,
		fetcher: fetcher,
		redis:   redisCache,
		durable: durable,
		log:     log.With().Str("component", "market").Logger(),
	}
}

// Upsert validates and stores a candle batch. The durable write
// commits fully or not at all; caches are updated after it.
func (s *Service) Upsert(ctx context.Context, candles []Candle) (UpsertResult, error) {
	const op = "market.Upsert"

	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return UpsertResult{}, errs.E(op, errs.InvalidInput, err)
		}
	}
	if s.durable != nil {
		if err := s.durable.UpsertCandles(ctx, candles); err != nil {
			return UpsertResult{}, errs.E(op, errs.KindOf(err), err)
		}
	}

	res, err := s.cache.Upsert(candles)
	if err != nil {
		return res, errs.E(op, errs.InvalidInput, err)
	}

	// Snapshot affected series to Redis off the hot path
	if s.redis != nil && len(candles) > 0 {
		seen := make(map[Key]struct{})
		for i := range candles {
			seen[Key{Pair: candles[i].Pair, Timeframe: candles[i].Timeframe}] = struct{}{}
		}
		go func() {
			snapCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for k := range seen {
				snap := s.cache.GetLatest(k.Pair, k.Timeframe, s.cache.maxDepth)
				_ = s.redis.SaveSeries(snapCtx, k.Pair, k.Timeframe, snap)
			}
		}()
	}

	return res, nil
}

// GetCandles returns the newest n candles for a series, fetching from
// upstream when the cache is short or past its freshness horizon. The
// stale flag is set when upstream failed and the cached data is served
// anyway.
func (s *Service) GetCandles(ctx context.Context, pair Pair, tf Timeframe, n int) ([]Candle, bool, error) {
	const op = "market.GetCandles"

	cached := s.cache.GetLatest(pair, tf, n)
	if len(cached) >= n && s.isFresh(cached, tf) {
		metrics.RecordCacheRead(string(tf), true)
		return cached, false, nil
	}
	metrics.RecordCacheRead(string(tf), false)

	if err := s.refresh(ctx, pair, tf, max(n, DefaultMaxDepth)); err != nil {
		if len(cached) > 0 {
			metrics.StaleServes.Inc()
			s.log.Warn().
				Err(err).
				Str("pair", string(pair)).
				Str("timeframe", string(tf)).
				Int("cached", len(cached)).
				Msg("Upstream fetch failed, serving stale candles")
			return cached, true, nil
		}
		return nil, false, errs.E(op, errs.KindOf(err), err)
	}

	return s.cache.GetLatest(pair, tf, n), false, nil
}

// GetRange returns candles with ts in [from, to]. A range the cache
// cannot cover triggers one refresh before answering.
func (s *Service) GetRange(ctx context.Context, pair Pair, tf Timeframe, from, to time.Time) ([]Candle, bool, error) {
	const op = "market.GetRange"

	cached := s.cache.GetRange(pair, tf, from, to)
	if s.covers(cached, tf, from, to) {
		metrics.RecordCacheRead(string(tf), true)
		return cached, false, nil
	}
	metrics.RecordCacheRead(string(tf), false)

	if err := s.refresh(ctx, pair, tf, DefaultMaxDepth); err != nil {
		if len(cached) > 0 {
			metrics.StaleServes.Inc()
			return cached, true, nil
		}
		return nil, false, errs.E(op, errs.KindOf(err), err)
	}

	return s.cache.GetRange(pair, tf, from, to), false, nil
}

// CurrentPrice returns the freshest known price for a pair. realTime
// is true when the price comes from a live quote or a still-forming
// candle rather than an old close.
func (s *Service) CurrentPrice(ctx context.Context, pair Pair) (float64, bool, error) {
	const op = "market.CurrentPrice"

	// Freshest short-timeframe candle wins over an upstream round trip
	for _, tf := range Timeframes {
		c, ok := s.cache.Latest(pair, tf)
		if !ok {
			continue
		}
		if time.Since(c.TS) < tf.TTL() {
			return c.Close, c.RealTime, nil
		}
		break
	}

	v, err, _ := s.sf.Do("quote|"+string(pair), func() (interface{}, error) {
		return s.fetcher.FetchQuote(ctx, pair)
	})
	if err == nil {
		price := v.(float64)
		if s.redis != nil {
			_ = s.redis.SavePrice(ctx, pair, price, time.Now().UTC())
		}
		return price, true, nil
	}

	// Quote fetch failed. Serve the newest close we have, however old.
	for _, tf := range Timeframes {
		if c, ok := s.cache.Latest(pair, tf); ok {
			metrics.StaleServes.Inc()
			return c.Close, false, nil
		}
	}
	if price, _, ok := s.redis.LoadPrice(ctx, pair); ok {
		metrics.StaleServes.Inc()
		return price, false, nil
	}

	return 0, false, errs.E(op, errs.Unavailable, err)
}

// EnsureWarm pre-loads series so the first monitor tick does not storm
// the upstream API. Redis snapshots are tried first, then the fetcher.
func (s *Service) EnsureWarm(ctx context.Context, keys []Key, depth int) error {
	if depth <= 0 {
		depth = 300
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, k := range keys {
		k := k
		g.Go(func() error {
			if candles, ok := s.redis.LoadSeries(gctx, k.Pair, k.Timeframe); ok && len(candles) > 0 {
				if _, err := s.cache.Upsert(candles); err != nil {
					s.log.Warn().Err(err).Str("key", k.String()).Msg("Discarding bad Redis snapshot")
				}
			}
			if s.cache.Depth(k.Pair, k.Timeframe) >= depth {
				return nil
			}
			if err := s.refresh(gctx, k.Pair, k.Timeframe, depth); err != nil {
				// Warm-up is best effort; the monitor skips short series
				s.log.Warn().Err(err).Str("key", k.String()).Msg("Warm-up fetch failed")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	s.log.Info().Int("series", len(keys)).Int("depth", depth).Msg("Market cache warmed")
	return nil
}

// ExpireStale evicts expired real-time candles
func (s *Service) ExpireStale() int {
	return s.cache.ExpireStale(time.Now().UTC())
}

// Snapshot persists every series to Redis, used at shutdown
func (s *Service) Snapshot(ctx context.Context) {
	if s.redis == nil {
		return
	}
	for _, k := range s.cache.Keys() {
		snap := s.cache.GetLatest(k.Pair, k.Timeframe, s.cache.maxDepth)
		if len(snap) > 0 {
			_ = s.redis.SaveSeries(ctx, k.Pair, k.Timeframe, snap)
		}
	}
}

// Depth reports how many candles a series holds
func (s *Service) Depth(pair Pair, tf Timeframe) int {
	return s.cache.Depth(pair, tf)
}

// Keys lists the cached series
func (s *Service) Keys() []Key {
	return s.cache.Keys()
}

// Health checks the upstream API and Redis when configured
func (s *Service) Health(ctx context.Context) error {
	if err := s.fetcher.Health(ctx); err != nil {
		return err
	}
	if s.redis != nil {
		if err := s.redis.Health(ctx); err != nil {
			return err
		}
	}
	return nil
}

// refresh fetches and stores candles, coalescing concurrent calls for
// the same series into a single upstream request.
func (s *Service) refresh(ctx context.Context, pair Pair, tf Timeframe, limit int) error {
	key := Key{Pair: pair, Timeframe: tf}.String()

	_, err, shared := s.sf.Do(key, func() (interface{}, error) {
		candles, err := s.fetcher.FetchCandles(ctx, pair, tf, limit)
		if err != nil {
			return nil, err
		}
		if s.durable != nil {
			// History accumulates for training pulls; a write failure
			// must not block serving the fetched data.
			if derr := s.durable.UpsertCandles(ctx, candles); derr != nil {
				s.log.Warn().Err(derr).Str("key", key).Msg("Durable candle write failed")
			}
		}
		return s.cache.Upsert(candles)
	})
	if shared {
		s.log.Debug().Str("key", key).Msg("Coalesced concurrent fetch")
	}
	return err
}

// isFresh reports whether the newest candle is recent enough to serve
// without consulting upstream. Two intervals of headroom: the latest
// completed candle is naturally up to one interval old, and the
// forming one may not have been fetched yet.
func (s *Service) isFresh(candles []Candle, tf Timeframe) bool {
	if len(candles) == 0 {
		return false
	}
	latest := candles[len(candles)-1]
	return time.Since(latest.TS) < 2*tf.Duration()
}

// covers reports whether cached candles span the requested range
func (s *Service) covers(candles []Candle, tf Timeframe, from, to time.Time) bool {
	if len(candles) == 0 {
		return false
	}
	first, last := candles[0].TS, candles[len(candles)-1].TS
	if first.After(from.Add(tf.Duration())) {
		return false
	}
	// The newest candle may legitimately be one interval behind "to"
	// when to is now and the current candle has not closed.
	return !last.Add(2 * tf.Duration()).Before(to)
}
