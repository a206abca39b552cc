// Package registry owns model versions, A/B tests and the routing
// table that decides which model serves a given prediction.
package registry

import (
	"time"

	"github.com/google/uuid"
)

// TrainType says how a model version was produced
type TrainType string

const (
	TrainFull        TrainType = "full"
	TrainIncremental TrainType = "incremental"
)

// EvalMetrics are the backtest numbers attached to a version
type EvalMetrics struct {
	WinRate     float64 `json:"win_rate" yaml:"win_rate"`
	Sharpe      float64 `json:"sharpe" yaml:"sharpe"`
	AvgPnL      float64 `json:"avg_pnl" yaml:"avg_pnl"`
	MaxDrawdown float64 `json:"max_drawdown" yaml:"max_drawdown"`
}

// ModelVersion is one registered model artifact
type ModelVersion struct {
	Version       string      `json:"version"`
	ParentVersion string      `json:"parent_version,omitempty"`
	Type          TrainType   `json:"type"`
	TrainedAt     time.Time   `json:"trained_at"`
	Active        bool        `json:"active"`
	Metrics       EvalMetrics `json:"metrics"`
	ArtifactPaths []string    `json:"artifact_paths"`
	CreatedAt     time.Time   `json:"created_at"`
}

// ABTestStatus is the lifecycle state of a split test
type ABTestStatus string

const (
	ABRunning   ABTestStatus = "running"
	ABCompleted ABTestStatus = "completed"
	ABStopped   ABTestStatus = "stopped"
)

// ABStats snapshots one arm's realized outcomes
type ABStats struct {
	Samples int `json:"samples"`
	Wins    int `json:"wins"`
	Losses  int `json:"losses"`
}

// WinRate is wins over decided outcomes. Zero when nothing decided.
func (s ABStats) WinRate() float64 {
	decided := s.Wins + s.Losses
	if decided == 0 {
		return 0
	}
	return float64(s.Wins) / float64(decided)
}

// ABTest is a running or finished split between two versions.
// VersionA is the incumbent, VersionB the challenger; TrafficSplit is
// the fraction of decisions routed to the challenger.
type ABTest struct {
	ID           uuid.UUID    `json:"id"`
	VersionA     string       `json:"version_a"`
	VersionB     string       `json:"version_b"`
	TrafficSplit float64      `json:"traffic_split"`
	Status       ABTestStatus `json:"status"`
	StartedAt    time.Time    `json:"started_at"`
	EndsAt       time.Time    `json:"ends_at"`
	AStats       ABStats      `json:"a_stats"`
	BStats       ABStats      `json:"b_stats"`
	PValue       *float64     `json:"p_value,omitempty"`
	Winner       *string      `json:"winner,omitempty"`
	ClosedAt     *time.Time   `json:"closed_at,omitempty"`
}

// Expired reports whether the test window has elapsed
func (t *ABTest) Expired(now time.Time) bool {
	return now.After(t.EndsAt)
}

// RouteDecision is the routing verdict for one prediction
type RouteDecision struct {
	Version  string
	ABTestID *uuid.UUID
}
