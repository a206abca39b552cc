// Package predictor is the RPC client for the remote model service.
// It is the only path to predictions: a process-wide concurrency cap,
// a circuit breaker and a hard deadline sit between callers and the
// network so a slow model never stalls the monitors.
package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/fxsage/fxadvisor/internal/alerts"
	"github.com/fxsage/fxadvisor/internal/config"
	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/metrics"
)

// Client calls the predictor service over HTTP
type Client struct {
	baseURL      string
	timeout      time.Duration
	trainTimeout time.Duration
	httpClient   *http.Client
	sem          *semaphore.Weighted
	breaker      *gobreaker.CircuitBreaker
	log          zerolog.Logger
}

// NewClient builds a predictor client from config
func NewClient(cfg config.PredictorConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:5000"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30000
	}
	if cfg.TrainTimeout <= 0 {
		cfg.TrainTimeout = 1800000
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 16
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}

	timeout := cfg.GetTimeout()
	logger := config.NewLogger("predictor")

	settings := gobreaker.Settings{
		Name:        "predictor",
		MaxRequests: 1,
		Timeout:     cfg.GetBreakerCooldown(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			metrics.SetBreakerOpen(to == gobreaker.StateOpen)
			if to == gobreaker.StateOpen {
				alerts.AlertPredictorUnavailable(context.Background(), from.String(), to.String())
			}
		},
	}

	return &Client{
		baseURL:      cfg.BaseURL,
		timeout:      timeout,
		trainTimeout: cfg.GetTrainTimeout(),
		httpClient: &http.Client{
			// Slightly above the per-request deadline so the context,
			// not the transport, decides when a call is dead.
			Timeout: timeout + 5*time.Second,
		},
		sem:     semaphore.NewWeighted(int64(cfg.MaxInflight)),
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     logger,
	}
}

// predictRequest is the wire shape of a prediction call
type predictRequest struct {
	Pair        string       `json:"pair"`
	Timeframe   string       `json:"timeframe"`
	Data        []candleWire `json:"data"`
	VersionHint string       `json:"versionHint,omitempty"`
}

type candleWire struct {
	TS int64   `json:"ts"`
	O  float64 `json:"o"`
	H  float64 `json:"h"`
	L  float64 `json:"l"`
	C  float64 `json:"c"`
	V  float64 `json:"v"`
}

// predictResponse is the wire shape of the service reply. Factors is
// a closed struct, so a model emitting unknown factor keys fails the
// decode instead of silently dropping data.
type predictResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    struct {
		Signal       string  `json:"signal"`
		Confidence   float64 `json:"confidence"`
		Stage1Prob   float64 `json:"stage1Prob"`
		Stage2Prob   float64 `json:"stage2Prob"`
		Factors      Factors `json:"factors"`
		ModelVersion string  `json:"modelVersion"`
		Warning      string  `json:"warning,omitempty"`
	} `json:"data"`
}

// predictOutcome separates caller mistakes from service failures so
// 4xx responses never trip the breaker.
type predictOutcome struct {
	pred     *Prediction
	rejected error
}

// Predict runs one prediction call. The context gates both the
// semaphore wait and the RPC itself; the call never outlives the
// configured hard timeout.
func (c *Client) Predict(ctx context.Context, req Request) (*Prediction, error) {
	const op = "predictor.Predict"

	if err := req.Validate(); err != nil {
		return nil, errs.E(op, errs.InvalidInput, err)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("waiting for predictor slot: %w", err))
	}
	defer c.sem.Release(1)

	metrics.PredictorInflight.Inc()
	defer metrics.PredictorInflight.Dec()

	start := time.Now()
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doPredict(ctx, req)
	})
	latency := time.Since(start)

	if err != nil {
		metrics.RecordPrediction("unavailable", float64(latency.Milliseconds()))
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errs.E(op, errs.Unavailable, fmt.Errorf("circuit open: %w", err))
		}
		return nil, errs.E(op, errs.Unavailable, err)
	}

	outcome := result.(*predictOutcome)
	if outcome.rejected != nil {
		metrics.RecordPrediction("rejected", float64(latency.Milliseconds()))
		return nil, errs.E(op, errs.InvalidInput, outcome.rejected)
	}

	pred := outcome.pred
	pred.LatencyMs = latency.Milliseconds()
	metrics.RecordPrediction("ok", float64(latency.Milliseconds()))

	c.log.Debug().
		Str("pair", req.Pair.String()).
		Str("timeframe", req.Timeframe.String()).
		Str("signal", pred.Signal.String()).
		Float64("confidence", pred.Confidence).
		Str("model_version", pred.ModelVersion).
		Int64("latency_ms", pred.LatencyMs).
		Msg("Prediction received")

	return pred, nil
}

// doPredict performs the HTTP exchange. It returns a non-nil error
// only for failures that should count against the breaker.
func (c *Client) doPredict(ctx context.Context, req Request) (*predictOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	wire := predictRequest{
		Pair:        req.Pair.String(),
		Timeframe:   req.Timeframe.String(),
		Data:        make([]candleWire, 0, len(req.Candles)),
		VersionHint: req.VersionHint,
	}
	for _, candle := range req.Candles {
		wire.Data = append(wire.Data, candleWire{
			TS: candle.TS.Unix(),
			O:  candle.Open,
			H:  candle.High,
			L:  candle.Low,
			C:  candle.Close,
			V:  candle.Volume,
		})
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("predictor error (status %d): %s", resp.StatusCode, truncate(raw, 200))
	case resp.StatusCode >= 400:
		return &predictOutcome{
			rejected: fmt.Errorf("predictor rejected request (status %d): %s", resp.StatusCode, truncate(raw, 200)),
		}, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected predictor status %d", resp.StatusCode)
	}

	var wireResp predictResponse
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wireResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if !wireResp.Success {
		return nil, fmt.Errorf("predictor reported failure: %s", wireResp.Error)
	}

	pred, err := wireResp.toPrediction()
	if err != nil {
		return nil, fmt.Errorf("invalid prediction payload: %w", err)
	}
	return &predictOutcome{pred: pred}, nil
}

func (r *predictResponse) toPrediction() (*Prediction, error) {
	dir, err := ParseDirection(r.Data.Signal)
	if err != nil {
		return nil, err
	}
	if r.Data.Confidence < 0 || r.Data.Confidence > 1 {
		return nil, fmt.Errorf("confidence %.4f outside [0,1]", r.Data.Confidence)
	}
	if r.Data.ModelVersion == "" {
		return nil, fmt.Errorf("missing model version")
	}
	return &Prediction{
		Signal:       dir,
		Confidence:   r.Data.Confidence,
		Stage1Prob:   r.Data.Stage1Prob,
		Stage2Prob:   r.Data.Stage2Prob,
		Factors:      r.Data.Factors,
		ModelVersion: r.Data.ModelVersion,
		Warning:      r.Data.Warning,
	}, nil
}

// Healthcheck probes the service liveness endpoint. It bypasses the
// semaphore and the breaker: a health probe must see the real state.
func (c *Client) Healthcheck(ctx context.Context) error {
	const op = "predictor.Healthcheck"

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return errs.E(op, errs.Unknown, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.E(op, errs.Unavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode != http.StatusOK {
		return errs.E(op, errs.Unavailable, fmt.Errorf("health returned status %d", resp.StatusCode))
	}
	return nil
}

// Train asks the trainer endpoint for a new model version. Training
// runs long, so it uses its own generous deadline and stays outside
// the prediction breaker.
func (c *Client) Train(ctx context.Context, req TrainRequest) (*TrainResult, error) {
	const op = "predictor.Train"

	ctx, cancel := context.WithTimeout(ctx, c.trainTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errs.E(op, errs.Unknown, fmt.Errorf("failed to marshal request: %w", err))
	}

	endpoint := c.baseURL + "/train/" + req.Type
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, errs.E(op, errs.Unknown, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to reach trainer: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to read trainer response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("trainer error (status %d): %s", resp.StatusCode, truncate(raw, 200)))
	case resp.StatusCode >= 400:
		return nil, errs.E(op, errs.InvalidInput, fmt.Errorf("trainer rejected request (status %d): %s", resp.StatusCode, truncate(raw, 200)))
	}

	var result TrainResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errs.E(op, errs.Unknown, fmt.Errorf("failed to decode trainer response: %w", err))
	}
	if result.Version == "" {
		return nil, errs.E(op, errs.Unknown, fmt.Errorf("trainer returned no version"))
	}

	c.log.Info().
		Str("type", req.Type).
		Str("version", result.Version).
		Int("samples", result.SampleCount).
		Msg("Training run completed")

	return &result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// interface checks live with the consumers; Predictor is what the
// monitors depend on.
var _ Predictor = (*Client)(nil)

// Predictor is the prediction surface the monitors consume
type Predictor interface {
	Predict(ctx context.Context, req Request) (*Prediction, error)
	Healthcheck(ctx context.Context) error
}
