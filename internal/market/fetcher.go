package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/metrics"
)

// Fetcher pulls candles and quotes from the upstream market data API
type Fetcher interface {
	FetchCandles(ctx context.Context, pair Pair, tf Timeframe, limit int) ([]Candle, error)
	FetchQuote(ctx context.Context, pair Pair) (float64, error)
	Health(ctx context.Context) error
}

// FetcherConfig configures the HTTP fetcher
type FetcherConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute int
}

// HTTPFetcher is the production Fetcher. Requests are rate limited
// client-side so bursts of cache misses cannot exhaust the upstream
// quota.
type HTTPFetcher struct {
	cfg     FetcherConfig
	httpc   *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewHTTPFetcher creates a fetcher against the market data API
func NewHTTPFetcher(cfg FetcherConfig, log zerolog.Logger) *HTTPFetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}

	return &HTTPFetcher{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute/4+1),
		log:     log.With().Str("component", "market_fetcher").Logger(),
	}
}

// FetchCandles fetches the most recent candles for a series. Candles
// that fail validation are dropped with a warning rather than failing
// the batch; upstream glitches should not blank out a series.
func (f *HTTPFetcher) FetchCandles(ctx context.Context, pair Pair, tf Timeframe, limit int) ([]Candle, error) {
	const op = "market.FetchCandles"

	if limit <= 0 {
		limit = DefaultMaxDepth
	}

	params := url.Values{}
	params.Add("pair", compactPair(pair))
	params.Add("timeframe", string(tf))
	params.Add("limit", fmt.Sprintf("%d", limit))

	body, err := f.get(ctx, "/candles", params)
	if err != nil {
		return nil, errs.E(op, fetchKind(err), err)
	}

	items := gjson.GetBytes(body, "candles").Array()
	now := time.Now().UTC()

	candles := make([]Candle, 0, len(items))
	for idx := range items {
		c := Candle{
			Pair:      pair,
			Timeframe: tf,
			TS:        time.Unix(items[idx].Get("ts").Int(), 0).UTC(),
			Open:      items[idx].Get("open").Float(),
			High:      items[idx].Get("high").Float(),
			Low:       items[idx].Get("low").Float(),
			Close:     items[idx].Get("close").Float(),
			Volume:    items[idx].Get("volume").Float(),
			Source:    "api",
		}
		if items[idx].Get("complete").Exists() && !items[idx].Get("complete").Bool() {
			c.RealTime = true
			c.ExpiresAt = now.Add(tf.TTL())
		}

		if err := c.Validate(); err != nil {
			f.log.Warn().
				Err(err).
				Str("pair", string(pair)).
				Str("timeframe", string(tf)).
				Msg("Dropping invalid candle from upstream")
			continue
		}
		candles = append(candles, c)
	}

	if len(candles) == 0 {
		return nil, errs.Errorf(op, errs.Unavailable, "upstream returned no usable candles for %s %s", pair, tf)
	}

	return candles, nil
}

// FetchQuote fetches the current mid price for a pair
func (f *HTTPFetcher) FetchQuote(ctx context.Context, pair Pair) (float64, error) {
	const op = "market.FetchQuote"

	params := url.Values{}
	params.Add("pair", compactPair(pair))

	body, err := f.get(ctx, "/quote", params)
	if err != nil {
		return 0, errs.E(op, fetchKind(err), err)
	}

	price := gjson.GetBytes(body, "price").Float()
	if price <= 0 {
		return 0, errs.Errorf(op, errs.Unavailable, "upstream returned non-positive quote for %s", pair)
	}
	return price, nil
}

// Health probes the API status endpoint
func (f *HTTPFetcher) Health(ctx context.Context) error {
	_, err := f.get(ctx, "/status", url.Values{})
	if err != nil {
		return fmt.Errorf("market data API unhealthy: %w", err)
	}
	return nil
}

func (f *HTTPFetcher) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	fullURL := strings.TrimSuffix(f.cfg.BaseURL, "/") + path
	if encoded := params.Encode(); encoded != "" {
		fullURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", f.cfg.APIKey)
	}

	start := time.Now()
	resp, err := f.httpc.Do(req)
	durationMs := float64(time.Since(start).Milliseconds())

	if err != nil {
		metrics.RecordCandleFetch(durationMs, err)
		return nil, fmt.Errorf("market data request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		metrics.RecordCandleFetch(durationMs, err)
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("market data API returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
		metrics.RecordCandleFetch(durationMs, err)
		return nil, err
	}

	metrics.RecordCandleFetch(durationMs, nil)
	return body, nil
}

// fetchKind maps a transport error onto the error taxonomy
func fetchKind(err error) errs.Kind {
	if err == nil {
		return errs.Unknown
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "status 429"):
		return errs.Transient
	case strings.Contains(msg, "status 401"), strings.Contains(msg, "status 403"):
		return errs.Fatal
	case strings.Contains(msg, "status 400"), strings.Contains(msg, "status 404"):
		return errs.InvalidInput
	default:
		return errs.Unavailable
	}
}

func compactPair(p Pair) string {
	return strings.ReplaceAll(string(p), "/", "")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
