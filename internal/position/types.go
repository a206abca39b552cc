// Package position tracks user trading positions: lifecycle
// operations, periodic evaluation against fresh predictions and
// trailing-stop management.
package position

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/predictor"
)

// Status is the position lifecycle state
type Status string

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// Result classifies a closed position
type Result string

const (
	ResultWin       Result = "win"
	ResultLoss      Result = "loss"
	ResultBreakeven Result = "breakeven"
)

// breakevenPips is the band around flat treated as breakeven
const breakevenPips = 0.5

// Recommendation is the monitor's advice for an open position
type Recommendation string

const (
	RecHold        Recommendation = "hold"
	RecExit        Recommendation = "exit"
	RecTakePartial Recommendation = "take_partial"
	RecAdjustSL    Recommendation = "adjust_sl"
)

// Level is the notification urgency. Lower numbers are more urgent.
type Level int

const (
	LevelNone Level = 0

	// L1Critical: stop loss or take profit hit, or a high-confidence
	// reversal against the position.
	L1Critical Level = 1
	// L2Important: an explicit exit or take_partial recommendation
	// with confidence at or above 0.70.
	L2Important Level = 2
	// L3General: a stop adjustment was applied, or a trend-change
	// signal at confidence 0.55 or above.
	L3General Level = 3
	// L4Summary: the scheduled daily digest.
	L4Summary Level = 4
)

func (l Level) String() string {
	switch l {
	case L1Critical:
		return "L1"
	case L2Important:
		return "L2"
	case L3General:
		return "L3"
	case L4Summary:
		return "L4"
	default:
		return "none"
	}
}

// ParseLevel reverses Level.String. Unknown input maps to LevelNone.
func ParseLevel(s string) Level {
	switch s {
	case "L1":
		return L1Critical
	case "L2":
		return L2Important
	case "L3":
		return L3General
	case "L4":
		return L4Summary
	default:
		return LevelNone
	}
}

// Position is one user trade under monitoring. SignalID is nil for
// manual opens; ParentID links the remainder and the closed part of a
// partial close to the original position.
type Position struct {
	ID           uuid.UUID           `json:"id"`
	UserID       uuid.UUID           `json:"user_id"`
	SignalID     *uuid.UUID          `json:"signal_id,omitempty"`
	ParentID     *uuid.UUID          `json:"parent_id,omitempty"`
	Pair         market.Pair         `json:"pair"`
	Timeframe    market.Timeframe    `json:"timeframe"`
	Direction    predictor.Direction `json:"direction"`
	EntryPrice   float64             `json:"entry_price"`
	Size         float64             `json:"size"`
	StopLoss     float64             `json:"stop_loss"`
	TakeProfit   float64             `json:"take_profit"`
	ClosePrice   *float64            `json:"close_price,omitempty"`
	OpenedAt     time.Time           `json:"opened_at"`
	ClosedAt     *time.Time          `json:"closed_at,omitempty"`
	Status       Status              `json:"status"`
	Result       *Result             `json:"result,omitempty"`
	RealizedPips *float64            `json:"pips,omitempty"`
	RealizedPnL  *float64            `json:"pnl,omitempty"`
	RealizedPct  *float64            `json:"pnl_pct,omitempty"`
}

// Origin labels how the position was opened
func (p *Position) Origin() string {
	if p.SignalID != nil {
		return "signal"
	}
	return "manual"
}

// Validate checks the fields an open requires
func (p *Position) Validate() error {
	if p.UserID == uuid.Nil {
		return fmt.Errorf("user id is required")
	}
	if p.Direction != predictor.Long && p.Direction != predictor.Short {
		return fmt.Errorf("direction must be long or short, got %q", p.Direction)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("entry price must be positive")
	}
	if p.Size <= 0 {
		return fmt.Errorf("size must be positive")
	}
	if p.StopLoss < 0 || p.TakeProfit < 0 {
		return fmt.Errorf("stop loss and take profit must not be negative")
	}
	if p.StopLoss > 0 {
		if p.Direction == predictor.Long && p.StopLoss >= p.EntryPrice {
			return fmt.Errorf("long stop loss %.5f must be below entry %.5f", p.StopLoss, p.EntryPrice)
		}
		if p.Direction == predictor.Short && p.StopLoss <= p.EntryPrice {
			return fmt.Errorf("short stop loss %.5f must be above entry %.5f", p.StopLoss, p.EntryPrice)
		}
	}
	if p.TakeProfit > 0 {
		if p.Direction == predictor.Long && p.TakeProfit <= p.EntryPrice {
			return fmt.Errorf("long take profit %.5f must be above entry %.5f", p.TakeProfit, p.EntryPrice)
		}
		if p.Direction == predictor.Short && p.TakeProfit >= p.EntryPrice {
			return fmt.Errorf("short take profit %.5f must be below entry %.5f", p.TakeProfit, p.EntryPrice)
		}
	}
	return nil
}

// PipSize returns the pip unit for the position's pair
func (p *Position) PipSize() float64 {
	return p.Pair.PipSize()
}

// UnrealizedPips is the current profit in pips, positive when the
// position is ahead regardless of direction.
func (p *Position) UnrealizedPips(price float64) float64 {
	if p.Direction == predictor.Short {
		return (p.EntryPrice - price) / p.PipSize()
	}
	return (price - p.EntryPrice) / p.PipSize()
}

// UnrealizedPct is the current profit as a percentage of entry
func (p *Position) UnrealizedPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	if p.Direction == predictor.Short {
		return (p.EntryPrice - price) / p.EntryPrice * 100
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// HoldMinutes is how long the position has been open
func (p *Position) HoldMinutes(now time.Time) float64 {
	return now.Sub(p.OpenedAt).Minutes()
}

// SLHit reports whether price has reached the stop loss
func (p *Position) SLHit(price float64) bool {
	if p.StopLoss <= 0 {
		return false
	}
	if p.Direction == predictor.Short {
		return price >= p.StopLoss
	}
	return price <= p.StopLoss
}

// TPHit reports whether price has reached the take profit
func (p *Position) TPHit(price float64) bool {
	if p.TakeProfit <= 0 {
		return false
	}
	if p.Direction == predictor.Short {
		return price <= p.TakeProfit
	}
	return price >= p.TakeProfit
}

// BetterStop reports whether candidate tightens the stop. A long stop
// only ever moves up, a short stop only ever moves down.
func (p *Position) BetterStop(candidate float64) bool {
	if candidate <= 0 {
		return false
	}
	if p.StopLoss <= 0 {
		return true
	}
	if p.Direction == predictor.Short {
		return candidate < p.StopLoss
	}
	return candidate > p.StopLoss
}

// ClassifyResult maps realized pips to a result label. A close within
// half a pip of flat counts as breakeven.
func ClassifyResult(pips float64) Result {
	switch {
	case pips > breakevenPips:
		return ResultWin
	case pips < -breakevenPips:
		return ResultLoss
	default:
		return ResultBreakeven
	}
}

// MonitoringRecord is one evaluation pass over an open position
type MonitoringRecord struct {
	ID                uuid.UUID      `json:"id"`
	PositionID        uuid.UUID      `json:"position_id"`
	TS                time.Time      `json:"ts"`
	CurrentPrice      float64        `json:"current_price"`
	UnrealizedPips    float64        `json:"unrealized_pips"`
	UnrealizedPct     float64        `json:"unrealized_pct"`
	TrendDir          string         `json:"trend_dir"`
	TrendStrength     float64        `json:"trend_strength"`
	ReversalProb      float64        `json:"reversal_prob"`
	Recommendation    Recommendation `json:"recommendation"`
	Confidence        float64        `json:"confidence"`
	Rationale         string         `json:"rationale"`
	NotificationSent  bool           `json:"notification_sent"`
	NotificationLevel Level          `json:"notification_level,omitempty"`
}
