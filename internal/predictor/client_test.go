package predictor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxsage/fxadvisor/internal/config"
	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/market"
)

func testCandles(t *testing.T, n int, tf market.Timeframe) []market.Candle {
	t.Helper()
	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, 0, n)
	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * tf.Duration())
		out = append(out, market.Candle{
			Pair:      "EUR/USD",
			Timeframe: tf,
			TS:        ts,
			Open:      1.0800,
			High:      1.0820,
			Low:       1.0790,
			Close:     1.0810,
			Volume:    1000,
		})
	}
	return out
}

func testRequest(t *testing.T, n int) Request {
	t.Helper()
	return Request{
		Pair:      "EUR/USD",
		Timeframe: market.TF1h,
		Candles:   testCandles(t, n, market.TF1h),
	}
}

const successBody = `{
	"success": true,
	"data": {
		"signal": "long",
		"confidence": 0.72,
		"stage1Prob": 0.81,
		"stage2Prob": 0.33,
		"factors": {"technical": 0.8, "sentiment": 0.6},
		"modelVersion": "v3.2.0"
	}
}`

func newTestClient(url string) *Client {
	return NewClient(config.PredictorConfig{
		BaseURL:         url,
		Timeout:         2000,
		MaxInflight:     4,
		BreakerFailures: 3,
		BreakerCooldown: 60,
	})
}

func TestClientPredict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/predict", r.URL.Path)
		fmt.Fprint(w, successBody)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	pred, err := c.Predict(context.Background(), testRequest(t, 80))
	require.NoError(t, err)

	assert.Equal(t, Long, pred.Signal)
	assert.InDelta(t, 0.72, pred.Confidence, 1e-9)
	assert.InDelta(t, 0.33, pred.Stage2Prob, 1e-9)
	assert.Equal(t, "v3.2.0", pred.ModelVersion)
	require.NotNil(t, pred.Factors.Technical)
	assert.InDelta(t, 0.8, *pred.Factors.Technical, 1e-9)
	assert.Nil(t, pred.Factors.Pattern)
	assert.GreaterOrEqual(t, pred.LatencyMs, int64(0))
}

func TestClientPredictValidation(t *testing.T) {
	c := newTestClient("http://unreachable.invalid")

	t.Run("too few candles", func(t *testing.T) {
		req := testRequest(t, MinCandles-1)
		_, err := c.Predict(context.Background(), req)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.InvalidInput))
	})

	t.Run("out of order", func(t *testing.T) {
		req := testRequest(t, 80)
		req.Candles[10], req.Candles[11] = req.Candles[11], req.Candles[10]
		_, err := c.Predict(context.Background(), req)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.InvalidInput))
	})

	t.Run("gap too wide", func(t *testing.T) {
		req := testRequest(t, 80)
		req.Candles[40].TS = req.Candles[40].TS.Add(3 * time.Hour)
		// keep the tail ordered after widening the gap
		for i := 41; i < len(req.Candles); i++ {
			req.Candles[i].TS = req.Candles[i].TS.Add(3 * time.Hour)
		}
		_, err := c.Predict(context.Background(), req)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.InvalidInput))
	})

	t.Run("bad pair", func(t *testing.T) {
		req := testRequest(t, 80)
		req.Pair = "EURUSD!"
		_, err := c.Predict(context.Background(), req)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.InvalidInput))
	})
}

func TestClientPredictRejectedDoesNotTrip(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"success":false,"error":"unknown pair"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for i := 0; i < 5; i++ {
		_, err := c.Predict(context.Background(), testRequest(t, 80))
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.InvalidInput), "4xx must stay InvalidInput, not trip the breaker")
	}
	// every call reached the server; the breaker never opened
	assert.Equal(t, int32(5), calls.Load())
}

func TestClientBreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for i := 0; i < 3; i++ {
		_, err := c.Predict(context.Background(), testRequest(t, 80))
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.Unavailable))
	}
	require.Equal(t, int32(3), calls.Load())

	// breaker is open now: the next call fails fast without a request
	_, err := c.Predict(context.Background(), testRequest(t, 80))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Unavailable))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientPredictRejectsUnknownFactorKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"success": true,
			"data": {
				"signal": "long",
				"confidence": 0.7,
				"stage1Prob": 0.8,
				"stage2Prob": 0.3,
				"factors": {"technical": 0.8, "astrology": 0.9},
				"modelVersion": "v3.2.0"
			}
		}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Predict(context.Background(), testRequest(t, 80))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Unavailable))
}

func TestClientPredictBadPayload(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"confidence above one", `{"success":true,"data":{"signal":"long","confidence":1.2,"modelVersion":"v1"}}`},
		{"unknown direction", `{"success":true,"data":{"signal":"sideways","confidence":0.5,"modelVersion":"v1"}}`},
		{"missing version", `{"success":true,"data":{"signal":"long","confidence":0.5,"modelVersion":""}}`},
		{"failure flag", `{"success":false,"error":"model not loaded"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			c := newTestClient(srv.URL)
			_, err := c.Predict(context.Background(), testRequest(t, 80))
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.Unavailable))
		})
	}
}

func TestClientHealthcheck(t *testing.T) {
	healthy := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)

	err := c.Healthcheck(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Unavailable))

	healthy.Store(true)
	require.NoError(t, c.Healthcheck(context.Background()))
}

func TestClientTrain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/train/incremental", r.URL.Path)
		fmt.Fprint(w, `{
			"version": "v3.2.1",
			"sample_count": 4210,
			"metrics": {"win_rate": 0.58, "sharpe": 1.2},
			"artifact_paths": ["models/v3.2.1/weights.bin"]
		}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	res, err := c.Train(context.Background(), TrainRequest{
		Type:        "incremental",
		BaseVersion: "v3.2.0",
		Since:       time.Now().Add(-24 * time.Hour),
		Until:       time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "v3.2.1", res.Version)
	assert.Equal(t, 4210, res.SampleCount)
	assert.InDelta(t, 0.58, res.Metrics["win_rate"], 1e-9)
}
