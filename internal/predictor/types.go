package predictor

import (
	"fmt"
	"strings"
	"time"

	"github.com/fxsage/fxadvisor/internal/market"
)

// Direction is the advisory stance for a pair
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Hold  Direction = "hold"
)

// ParseDirection normalizes a wire direction string
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case Long:
		return Long, nil
	case Short:
		return Short, nil
	case Hold:
		return Hold, nil
	default:
		return "", fmt.Errorf("invalid direction %q", s)
	}
}

// Valid reports whether d is a known direction
func (d Direction) Valid() bool {
	return d == Long || d == Short || d == Hold
}

// Opposite returns the counter direction. Hold has no opposite.
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	default:
		return Hold
	}
}

func (d Direction) String() string { return string(d) }

// Factors is the closed set of per-factor model scores. A nil field
// means the model did not produce that factor; unknown keys on the
// wire are rejected at decode time.
type Factors struct {
	Technical *float64 `json:"technical,omitempty"`
	Sentiment *float64 `json:"sentiment,omitempty"`
	Pattern   *float64 `json:"pattern,omitempty"`
}

// Prediction is one model response for a (pair, timeframe)
type Prediction struct {
	Signal       Direction `json:"signal"`
	Confidence   float64   `json:"confidence"`
	Stage1Prob   float64   `json:"stage1_prob"`
	Stage2Prob   float64   `json:"stage2_prob"`
	Factors      Factors   `json:"factors"`
	ModelVersion string    `json:"model_version"`
	Warning      string    `json:"warning,omitempty"`
	LatencyMs    int64     `json:"latency_ms"`
}

// ReversalProb is the model's probability that the prevailing move
// reverses, taken from the second stage when present.
func (p *Prediction) ReversalProb() float64 {
	if p.Stage2Prob > 0 {
		return p.Stage2Prob
	}
	return 1 - p.Confidence
}

// Request carries everything one prediction call needs
type Request struct {
	Pair        market.Pair
	Timeframe   market.Timeframe
	Candles     []market.Candle
	VersionHint string
	ABTestID    string
}

// MinCandles is the fewest candles a prediction request may carry
const MinCandles = 60

// Validate enforces the request contract: enough candles, strictly
// chronological, no gap wider than twice the timeframe.
func (r *Request) Validate() error {
	if _, err := market.NewPair(r.Pair.String()); err != nil {
		return err
	}
	if !r.Timeframe.Valid() {
		return fmt.Errorf("invalid timeframe %q", r.Timeframe)
	}
	if len(r.Candles) < MinCandles {
		return fmt.Errorf("need at least %d candles, got %d", MinCandles, len(r.Candles))
	}
	maxGap := 2 * r.Timeframe.Duration()
	for i := 1; i < len(r.Candles); i++ {
		prev, cur := r.Candles[i-1].TS, r.Candles[i].TS
		if !cur.After(prev) {
			return fmt.Errorf("candles out of order at index %d", i)
		}
		if gap := cur.Sub(prev); gap > maxGap {
			return fmt.Errorf("candle gap %s at index %d exceeds %s", gap, i, maxGap)
		}
	}
	return nil
}

// TrainRequest asks the trainer service for a new model. Version is
// the number the run should stamp on its output; the caller owns
// version assignment, the trainer just echoes it.
type TrainRequest struct {
	Type        string    `json:"type"` // "incremental" or "full"
	Version     string    `json:"version,omitempty"`
	BaseVersion string    `json:"base_version,omitempty"`
	Since       time.Time `json:"since"`
	Until       time.Time `json:"until"`
}

// TrainResult is the trainer's report for a finished run
type TrainResult struct {
	Version       string             `json:"version"`
	SampleCount   int                `json:"sample_count"`
	Metrics       map[string]float64 `json:"metrics"`
	ArtifactPaths []string           `json:"artifact_paths"`
	ManifestPath  string             `json:"manifest_path,omitempty"`
}
