package market

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// candleSeq builds n consecutive hourly candles ending at end
func candleSeq(pair Pair, tf Timeframe, end time.Time, n int) []Candle {
	dur := tf.Duration()
	start := end.Add(-time.Duration(n-1) * dur)

	out := make([]Candle, n)
	for i := 0; i < n; i++ {
		price := 1.08 + float64(i)*0.0001
		out[i] = Candle{
			Pair:      pair,
			Timeframe: tf,
			TS:        start.Add(time.Duration(i) * dur),
			Open:      price,
			High:      price + 0.0005,
			Low:       price - 0.0005,
			Close:     price + 0.0002,
			Volume:    1000,
			Source:    "test",
		}
	}
	return out
}

func hourAligned() time.Time {
	return time.Now().UTC().Truncate(time.Hour)
}

func TestUpsertAndGetLatest(t *testing.T) {
	c := NewCache(500, zerolog.Nop())
	batch := candleSeq("EUR/USD", TF1h, hourAligned(), 10)

	res, err := c.Upsert(batch)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if res.Inserted != 10 || res.Updated != 0 {
		t.Errorf("got inserted=%d updated=%d, want 10/0", res.Inserted, res.Updated)
	}

	got := c.GetLatest("EUR/USD", TF1h, 5)
	if len(got) != 5 {
		t.Fatalf("GetLatest returned %d candles, want 5", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].TS.Before(got[i].TS) {
			t.Errorf("candles out of order at %d", i)
		}
	}
	if !got[4].TS.Equal(batch[9].TS) {
		t.Errorf("newest candle TS = %v, want %v", got[4].TS, batch[9].TS)
	}

	// Asking for more than stored returns what exists
	if got := c.GetLatest("EUR/USD", TF1h, 50); len(got) != 10 {
		t.Errorf("GetLatest(50) returned %d, want 10", len(got))
	}
	// Unknown series returns nil
	if got := c.GetLatest("GBP/USD", TF1h, 5); got != nil {
		t.Errorf("unknown series returned %d candles", len(got))
	}
}

func TestUpsertReplacesSameTimestamp(t *testing.T) {
	c := NewCache(500, zerolog.Nop())
	batch := candleSeq("EUR/USD", TF1h, hourAligned(), 5)

	if _, err := c.Upsert(batch); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// Re-send the last candle with new prices, same timestamp
	updated := batch[4]
	updated.Close = 1.0999
	updated.High = 1.1000

	res, err := c.Upsert([]Candle{updated})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 1 {
		t.Errorf("got inserted=%d updated=%d, want 0/1", res.Inserted, res.Updated)
	}
	if d := c.Depth("EUR/USD", TF1h); d != 5 {
		t.Errorf("depth = %d, want 5 (no duplicate row)", d)
	}

	got := c.GetLatest("EUR/USD", TF1h, 1)
	if got[0].Close != 1.0999 {
		t.Errorf("close = %v, want replaced 1.0999", got[0].Close)
	}
	if !got[0].TS.Equal(batch[4].TS) {
		t.Error("timestamp mutated by upsert")
	}
}

func TestUpsertIdempotent(t *testing.T) {
	c := NewCache(500, zerolog.Nop())
	batch := candleSeq("EUR/USD", TF1h, hourAligned(), 20)

	if _, err := c.Upsert(batch); err != nil {
		t.Fatalf("first Upsert failed: %v", err)
	}
	first := c.GetLatest("EUR/USD", TF1h, 20)

	if _, err := c.Upsert(batch); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	second := c.GetLatest("EUR/USD", TF1h, 20)

	if len(first) != len(second) {
		t.Fatalf("depth changed: %d -> %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("candle %d differs after re-upsert", i)
		}
	}
}

func TestUpsertRejectsWholeBatch(t *testing.T) {
	c := NewCache(500, zerolog.Nop())
	batch := candleSeq("EUR/USD", TF1h, hourAligned(), 5)
	batch[3].Open = -1 // poison one candle

	if _, err := c.Upsert(batch); err == nil {
		t.Fatal("expected batch rejection")
	}
	if d := c.Depth("EUR/USD", TF1h); d != 0 {
		t.Errorf("depth = %d after rejected batch, want 0", d)
	}
}

func TestGetRangeInclusive(t *testing.T) {
	c := NewCache(500, zerolog.Nop())
	end := hourAligned()
	batch := candleSeq("EUR/USD", TF1h, end, 10)
	if _, err := c.Upsert(batch); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	from := batch[2].TS
	to := batch[6].TS
	got := c.GetRange("EUR/USD", TF1h, from, to)
	if len(got) != 5 {
		t.Fatalf("GetRange returned %d candles, want 5", len(got))
	}
	if !got[0].TS.Equal(from) || !got[4].TS.Equal(to) {
		t.Error("range boundaries not inclusive")
	}

	// Empty and inverted ranges
	if got := c.GetRange("EUR/USD", TF1h, end.Add(time.Hour), end.Add(2*time.Hour)); len(got) != 0 {
		t.Errorf("future range returned %d candles", len(got))
	}
	if got := c.GetRange("EUR/USD", TF1h, to, from); len(got) != 0 {
		t.Errorf("inverted range returned %d candles", len(got))
	}
}

func TestDepthCapEvictsOldest(t *testing.T) {
	c := NewCache(100, zerolog.Nop())
	batch := candleSeq("EUR/USD", TF1h, hourAligned(), 130)

	if _, err := c.Upsert(batch); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if d := c.Depth("EUR/USD", TF1h); d != 100 {
		t.Fatalf("depth = %d, want cap 100", d)
	}

	got := c.GetLatest("EUR/USD", TF1h, 100)
	if !got[0].TS.Equal(batch[30].TS) {
		t.Errorf("oldest kept candle = %v, want %v (oldest 30 evicted)", got[0].TS, batch[30].TS)
	}
	if !got[99].TS.Equal(batch[129].TS) {
		t.Error("newest candle lost during eviction")
	}
}

func TestExpireStale(t *testing.T) {
	c := NewCache(500, zerolog.Nop())
	now := hourAligned()
	batch := candleSeq("EUR/USD", TF1h, now, 5)

	// Newest candle is a forming quote that expired a minute ago
	batch[4].RealTime = true
	batch[4].ExpiresAt = now.Add(-time.Minute)
	// Second newest is forming but still fresh
	batch[3].RealTime = true
	batch[3].ExpiresAt = now.Add(time.Hour)

	if _, err := c.Upsert(batch); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	removed := c.ExpireStale(now)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if d := c.Depth("EUR/USD", TF1h); d != 4 {
		t.Errorf("depth = %d, want 4", d)
	}

	// The surviving forming candle completes on the next fetch
	batch[3].RealTime = false
	batch[3].ExpiresAt = time.Time{}
	if _, err := c.Upsert([]Candle{batch[3]}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// Completed candles never expire no matter how old
	removed = c.ExpireStale(now.Add(1000 * time.Hour))
	if removed != 0 {
		t.Errorf("historical candles expired: %d", removed)
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	c := NewCache(500, zerolog.Nop())
	end := hourAligned()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				batch := candleSeq("EUR/USD", TF1h, end.Add(time.Duration(offset)*time.Hour), 20)
				if _, err := c.Upsert(batch); err != nil {
					t.Errorf("concurrent Upsert failed: %v", err)
					return
				}
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				got := c.GetLatest("EUR/USD", TF1h, 50)
				for j := 1; j < len(got); j++ {
					if !got[j-1].TS.Before(got[j].TS) {
						t.Error("snapshot out of order during concurrent writes")
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
