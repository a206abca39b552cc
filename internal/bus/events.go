package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Topics published on the bus. Consumers subscribe by topic and
// receive every ordering key beneath it.
const (
	// TopicSignalChanged fires when the monitor detects a signal
	// change worth acting on. Consumed by the delivery engine.
	TopicSignalChanged = "signal.changed"

	// TopicPositionEvaluated fires after each open position
	// evaluation. Consumed by the delivery engine for position alerts.
	TopicPositionEvaluated = "position.evaluated"

	// TopicModelPromoted fires when a model version becomes active.
	// Consumed by the signal monitor to refresh its routing view.
	TopicModelPromoted = "model.promoted"

	// TopicTrainingCompleted fires when a training run ends,
	// regardless of outcome.
	TopicTrainingCompleted = "training.completed"
)

// SignalKey builds the ordering key for signal events so all changes
// for one pair and timeframe stay in sequence.
func SignalKey(pair, timeframe string) string {
	return SanitizeKey(pair + timeframe)
}

// PositionKey orders position events per position
func PositionKey(positionID uuid.UUID) string {
	return SanitizeKey(positionID.String())
}

// FactorScores carries the per-factor model outputs on the wire.
// A nil field means the active model did not produce that factor.
type FactorScores struct {
	Technical *float64 `json:"technical,omitempty"`
	Sentiment *float64 `json:"sentiment,omitempty"`
	Pattern   *float64 `json:"pattern,omitempty"`
}

// SignalChangedEvent is the payload for TopicSignalChanged
type SignalChangedEvent struct {
	SignalID        uuid.UUID    `json:"signal_id"`
	Pair            string       `json:"pair"`
	Timeframe       string       `json:"timeframe"`
	PrevDirection   string       `json:"prev_direction,omitempty"`
	NewDirection    string       `json:"new_direction"`
	PrevConfidence  *float64     `json:"prev_confidence,omitempty"`
	NewConfidence   float64      `json:"new_confidence"`
	Strength        string       `json:"strength"`
	MarketCondition string       `json:"market_condition"`
	EntryPrice      float64      `json:"entry_price"`
	StopLoss        float64      `json:"stop_loss"`
	TakeProfit      float64      `json:"take_profit"`
	Factors         FactorScores `json:"factors"`
	ModelVersion    string       `json:"model_version"`
	DetectedAt      time.Time    `json:"detected_at"`
}

// PositionEvaluatedEvent is the payload for TopicPositionEvaluated.
// RecordID names the monitoring record behind the evaluation so the
// delivery engine can flag it once a notification goes out.
type PositionEvaluatedEvent struct {
	PositionID     uuid.UUID `json:"position_id"`
	RecordID       uuid.UUID `json:"record_id"`
	UserID         uuid.UUID `json:"user_id"`
	Pair           string    `json:"pair"`
	Timeframe      string    `json:"timeframe"`
	Direction      string    `json:"direction"`
	Recommendation string    `json:"recommendation"`
	Urgency        string    `json:"urgency"`
	Rationale      string    `json:"rationale"`
	CurrentPrice   float64   `json:"current_price"`
	UnrealizedPips float64   `json:"unrealized_pips"`
	UnrealizedPct  float64   `json:"unrealized_pct"`
	StopAdjusted   bool      `json:"stop_adjusted"`
	NewStopLoss    *float64  `json:"new_stop_loss,omitempty"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
}

// ModelPromotedEvent is the payload for TopicModelPromoted
type ModelPromotedEvent struct {
	Version       string     `json:"version"`
	ParentVersion string     `json:"parent_version,omitempty"`
	Trigger       string     `json:"trigger"` // "incremental", "ab_test", "bootstrap", "manual"
	ABTestID      *uuid.UUID `json:"ab_test_id,omitempty"`
	PromotedAt    time.Time  `json:"promoted_at"`
}

// TrainingCompletedEvent is the payload for TopicTrainingCompleted
type TrainingCompletedEvent struct {
	RunID       uuid.UUID `json:"run_id"`
	Type        string    `json:"type"` // "incremental" or "full"
	Status      string    `json:"status"`
	Version     string    `json:"version,omitempty"`
	SampleCount int       `json:"sample_count"`
	Duration    float64   `json:"duration_seconds"`
	CompletedAt time.Time `json:"completed_at"`
}

// PublishSignalChanged publishes ev keyed by pair and timeframe
func (b *Bus) PublishSignalChanged(ctx context.Context, ev SignalChangedEvent) error {
	return b.Publish(ctx, TopicSignalChanged, SignalKey(ev.Pair, ev.Timeframe), ev)
}

// PublishPositionEvaluated publishes ev keyed by position
func (b *Bus) PublishPositionEvaluated(ctx context.Context, ev PositionEvaluatedEvent) error {
	return b.Publish(ctx, TopicPositionEvaluated, PositionKey(ev.PositionID), ev)
}

// PublishModelPromoted publishes ev keyed by the promoted version
func (b *Bus) PublishModelPromoted(ctx context.Context, ev ModelPromotedEvent) error {
	return b.Publish(ctx, TopicModelPromoted, SanitizeKey(ev.Version), ev)
}

// PublishTrainingCompleted publishes ev keyed by run
func (b *Bus) PublishTrainingCompleted(ctx context.Context, ev TrainingCompletedEvent) error {
	return b.Publish(ctx, TopicTrainingCompleted, SanitizeKey(ev.RunID.String()), ev)
}
