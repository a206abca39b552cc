package market

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxDepth caps how many candles one series retains
const DefaultMaxDepth = 500

// Cache is the in-memory candle store. Each series is an immutable
// sorted slice behind an atomic pointer: writers build a new slice and
// swap it in, readers load a snapshot without taking a lock. A batch
// is validated in full before any series is touched, so it either
// fully commits or leaves the cache untouched.
type Cache struct {
	mu       sync.RWMutex
	series   map[Key]*series
	maxDepth int
	log      zerolog.Logger
}

type series struct {
	mu      sync.Mutex // serializes writers only
	candles atomic.Pointer[[]Candle]
}

// NewCache creates a candle cache. maxDepth <= 0 uses DefaultMaxDepth.
func NewCache(maxDepth int, log zerolog.Logger) *Cache {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Cache{
		series:   make(map[Key]*series),
		maxDepth: maxDepth,
		log:      log.With().Str("component", "market_cache").Logger(),
	}
}

// UpsertResult reports what a batch write did
type UpsertResult struct {
	Inserted int
	Updated  int
}

// Upsert writes a batch of candles, inserting new timestamps and
// replacing prices on existing ones. The whole batch is validated
// first; one bad candle rejects the batch.
func (c *Cache) Upsert(candles []Candle) (UpsertResult, error) {
	var res UpsertResult
	if len(candles) == 0 {
		return res, nil
	}

	grouped := make(map[Key][]Candle)
	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return res, err
		}
		k := Key{Pair: candles[i].Pair, Timeframe: candles[i].Timeframe}
		grouped[k] = append(grouped[k], candles[i])
	}

	for k, batch := range grouped {
		s := c.getOrCreate(k)

		s.mu.Lock()
		current := s.snapshot()
		merged, inserted, updated := mergeCandles(current, batch, c.maxDepth)
		s.candles.Store(&merged)
		s.mu.Unlock()

		res.Inserted += inserted
		res.Updated += updated
	}

	c.log.Debug().
		Int("batch", len(candles)).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Msg("Upserted candles")

	return res, nil
}

// GetLatest returns the newest n candles in chronological order. Fewer
// are returned when the series is shorter.
func (c *Cache) GetLatest(pair Pair, tf Timeframe, n int) []Candle {
	s := c.get(Key{Pair: pair, Timeframe: tf})
	if s == nil || n <= 0 {
		return nil
	}

	snap := s.snapshot()
	if len(snap) == 0 {
		return nil
	}
	if n > len(snap) {
		n = len(snap)
	}

	out := make([]Candle, n)
	copy(out, snap[len(snap)-n:])
	return out
}

// GetRange returns candles with ts in [from, to], ascending
func (c *Cache) GetRange(pair Pair, tf Timeframe, from, to time.Time) []Candle {
	s := c.get(Key{Pair: pair, Timeframe: tf})
	if s == nil || to.Before(from) {
		return nil
	}

	snap := s.snapshot()
	lo := sort.Search(len(snap), func(i int) bool { return !snap[i].TS.Before(from) })
	hi := sort.Search(len(snap), func(i int) bool { return snap[i].TS.After(to) })
	if lo >= hi {
		return nil
	}

	out := make([]Candle, hi-lo)
	copy(out, snap[lo:hi])
	return out
}

// Latest returns the newest candle of a series
func (c *Cache) Latest(pair Pair, tf Timeframe) (Candle, bool) {
	s := c.get(Key{Pair: pair, Timeframe: tf})
	if s == nil {
		return Candle{}, false
	}
	snap := s.snapshot()
	if len(snap) == 0 {
		return Candle{}, false
	}
	return snap[len(snap)-1], true
}

// Depth returns how many candles a series currently holds
func (c *Cache) Depth(pair Pair, tf Timeframe) int {
	s := c.get(Key{Pair: pair, Timeframe: tf})
	if s == nil {
		return 0
	}
	return len(s.snapshot())
}

// Keys lists every series the cache holds
func (c *Cache) Keys() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]Key, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	return keys
}

// ExpireStale drops real-time candles whose expiry has passed and
// returns how many were removed. Completed candles are never touched.
func (c *Cache) ExpireStale(now time.Time) int {
	removed := 0
	for _, k := range c.Keys() {
		s := c.get(k)
		if s == nil {
			continue
		}

		s.mu.Lock()
		snap := s.snapshot()
		kept := snap[:0:0]
		for i := range snap {
			if snap[i].RealTime && !snap[i].ExpiresAt.IsZero() && snap[i].ExpiresAt.Before(now) {
				removed++
				continue
			}
			kept = append(kept, snap[i])
		}
		if len(kept) != len(snap) {
			s.candles.Store(&kept)
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		c.log.Debug().Int("removed", removed).Msg("Expired stale candles")
	}
	return removed
}

func (c *Cache) get(k Key) *series {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.series[k]
}

func (c *Cache) getOrCreate(k Key) *series {
	c.mu.RLock()
	s := c.series[k]
	c.mu.RUnlock()
	if s != nil {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s = c.series[k]; s != nil {
		return s
	}
	s = &series{}
	empty := []Candle{}
	s.candles.Store(&empty)
	c.series[k] = s
	return s
}

func (s *series) snapshot() []Candle {
	p := s.candles.Load()
	if p == nil {
		return nil
	}
	return *p
}

// mergeCandles merges a batch into a sorted series. Equal timestamps
// take the batch's prices but keep the stored ts value. The result is
// trimmed to maxDepth by dropping the oldest entries.
func mergeCandles(existing, batch []Candle, maxDepth int) (merged []Candle, inserted, updated int) {
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].TS.Before(batch[j].TS) })

	// Collapse duplicate timestamps inside the batch, last write wins
	deduped := batch[:0:0]
	for i := range batch {
		if n := len(deduped); n > 0 && deduped[n-1].TS.Equal(batch[i].TS) {
			deduped[n-1] = batch[i]
			continue
		}
		deduped = append(deduped, batch[i])
	}

	merged = make([]Candle, 0, len(existing)+len(deduped))
	i, j := 0, 0
	for i < len(existing) && j < len(deduped) {
		switch {
		case existing[i].TS.Before(deduped[j].TS):
			merged = append(merged, existing[i])
			i++
		case deduped[j].TS.Before(existing[i].TS):
			merged = append(merged, deduped[j])
			inserted++
			j++
		default:
			replacement := deduped[j]
			replacement.TS = existing[i].TS
			merged = append(merged, replacement)
			updated++
			i++
			j++
		}
	}
	merged = append(merged, existing[i:]...)
	for ; j < len(deduped); j++ {
		merged = append(merged, deduped[j])
		inserted++
	}

	if len(merged) > maxDepth {
		merged = merged[len(merged)-maxDepth:]
	}
	return merged, inserted, updated
}
