// Package market is the candle cache: an in-memory, per-(pair,
// timeframe) ordered store backed by an external data API, with an
// optional Redis snapshot layer for warm restarts.
package market

import (
	"fmt"
	"strings"
	"time"
)

// Pair is a canonical currency pair, "EUR/USD" form
type Pair string

// NewPair canonicalizes and validates a currency pair. Accepts
// "eurusd", "EUR-USD", "EUR/USD" and returns "EUR/USD".
func NewPair(s string) (Pair, error) {
	cleaned := strings.ToUpper(strings.TrimSpace(s))
	cleaned = strings.NewReplacer("-", "", "_", "", "/", "", " ", "").Replace(cleaned)

	if len(cleaned) != 6 {
		return "", fmt.Errorf("invalid currency pair %q", s)
	}
	for _, r := range cleaned {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("invalid currency pair %q", s)
		}
	}

	return Pair(cleaned[:3] + "/" + cleaned[3:]), nil
}

func (p Pair) String() string { return string(p) }

// Base returns the base currency ("EUR" for EUR/USD)
func (p Pair) Base() string {
	if len(p) != 7 {
		return ""
	}
	return string(p[:3])
}

// Quote returns the quote currency ("USD" for EUR/USD)
func (p Pair) Quote() string {
	if len(p) != 7 {
		return ""
	}
	return string(p[4:])
}

// PipSize returns the value of one pip for the pair. JPY-quoted pairs
// quote to two decimals, everything else to four.
func (p Pair) PipSize() float64 {
	if p.Quote() == "JPY" {
		return 0.01
	}
	return 0.0001
}

// Timeframe is a candle aggregation interval
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
	TF1w  Timeframe = "1w"
)

// Timeframes lists all supported intervals, shortest first
var Timeframes = []Timeframe{TF1m, TF5m, TF15m, TF30m, TF1h, TF4h, TF1d, TF1w}

var timeframeDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
	TF1d:  24 * time.Hour,
	TF1w:  7 * 24 * time.Hour,
}

// ParseTimeframe validates a timeframe string
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

func (tf Timeframe) String() string { return string(tf) }

// Duration returns the interval covered by one candle
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// TTL returns how long a real-time candle for this timeframe stays
// fresh. One interval: a 1m quote expires after 60s, a 1h quote after
// an hour.
func (tf Timeframe) TTL() time.Duration {
	return tf.Duration()
}

// Valid reports whether the timeframe is supported
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Candle is one OHLCV bar. TS is the candle open time in UTC and is
// immutable once stored; upserts on the same TS replace prices only.
type Candle struct {
	Pair      Pair      `json:"pair"`
	Timeframe Timeframe `json:"timeframe"`
	TS        time.Time `json:"ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Source    string    `json:"source,omitempty"`
	// RealTime marks a still-forming candle. Real-time candles carry
	// an expiry and are dropped by ExpireStale; completed candles
	// never expire.
	RealTime  bool      `json:"real_time"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Validate checks OHLC consistency and timestamp alignment
func (c *Candle) Validate() error {
	if _, err := NewPair(string(c.Pair)); err != nil {
		return err
	}
	if !c.Timeframe.Valid() {
		return fmt.Errorf("unknown timeframe %q", c.Timeframe)
	}
	if c.TS.IsZero() {
		return fmt.Errorf("candle has zero timestamp")
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("candle has non-positive price")
	}
	if c.High < c.Open || c.High < c.Close || c.High < c.Low {
		return fmt.Errorf("candle high %.5f below open/close/low", c.High)
	}
	if c.Low > c.Open || c.Low > c.Close {
		return fmt.Errorf("candle low %.5f above open/close", c.Low)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle has negative volume")
	}
	// Weekly bars are exempt: week boundaries depend on the venue's
	// trading calendar, not the epoch.
	if c.Timeframe != TF1w && !c.TS.Truncate(c.Timeframe.Duration()).Equal(c.TS) {
		return fmt.Errorf("candle timestamp %s not aligned to %s boundary", c.TS.Format(time.RFC3339), c.Timeframe)
	}
	return nil
}

// Key identifies one candle series
type Key struct {
	Pair      Pair
	Timeframe Timeframe
}

func (k Key) String() string {
	return string(k.Pair) + "|" + string(k.Timeframe)
}
