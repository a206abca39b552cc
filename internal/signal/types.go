// Package signal detects advisory changes: it polls predictions for
// every subscribed (pair, timeframe) and turns meaningful deltas into
// persisted signals and bus events.
package signal

import (
	"time"

	"github.com/google/uuid"

	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/predictor"
)

// Status is the lifecycle state of a signal
type Status string

const (
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
	StatusExpired Status = "expired"
)

// Outcome is the realized result once positions opened from the
// signal resolve
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeWin       Outcome = "win"
	OutcomeLoss      Outcome = "loss"
	OutcomeBreakeven Outcome = "breakeven"
)

// Signal is one advisory with its price levels and provenance
type Signal struct {
	ID            uuid.UUID           `json:"id"`
	Pair          market.Pair         `json:"pair"`
	Timeframe     market.Timeframe    `json:"timeframe"`
	Direction     predictor.Direction `json:"direction"`
	Confidence    float64             `json:"confidence"`
	EntryPrice    float64             `json:"entry_price"`
	StopLoss      float64             `json:"stop_loss"`
	TakeProfit    float64             `json:"take_profit"`
	Factors       predictor.Factors   `json:"factors"`
	ModelVersion  string              `json:"model_version"`
	ABTestID      *uuid.UUID          `json:"ab_test_id,omitempty"`
	Status        Status              `json:"status"`
	ActualOutcome Outcome             `json:"actual_outcome"`
	ActualPnL     *float64            `json:"actual_pnl,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// Key returns the cache key for the signal's series
func (s *Signal) Key() market.Key {
	return market.Key{Pair: s.Pair, Timeframe: s.Timeframe}
}

// Change records why a new signal replaced the previous one
type Change struct {
	ID              uuid.UUID            `json:"id"`
	SignalID        uuid.UUID            `json:"signal_id"`
	Pair            market.Pair          `json:"pair"`
	Timeframe       market.Timeframe     `json:"timeframe"`
	PrevDirection   *predictor.Direction `json:"prev_direction,omitempty"`
	NewDirection    predictor.Direction  `json:"new_direction"`
	PrevConfidence  *float64             `json:"prev_confidence,omitempty"`
	NewConfidence   float64              `json:"new_confidence"`
	Strength        string               `json:"strength"`
	MarketCondition string               `json:"market_condition"`
	DetectedAt      time.Time            `json:"detected_at"`
}

// ClassifyStrength grades a change by the confidence backing it
func ClassifyStrength(confidence float64) string {
	switch {
	case confidence >= 0.75:
		return "strong"
	case confidence >= 0.60:
		return "moderate"
	default:
		return "weak"
	}
}
