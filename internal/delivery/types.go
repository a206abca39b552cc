// Package delivery fans signal changes and position alerts out to user
// notification channels. It owns every outbound policy decision: the
// per-user eligibility chain, mute windows, cooldowns, quotas, the
// sliding dedup window, and the escalation guard on repeated position
// alerts. Components upstream publish events and never talk to a
// transport directly.
package delivery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fxsage/fxadvisor/internal/bus"
	"github.com/fxsage/fxadvisor/internal/position"
)

// Subject kinds recorded on receipts.
const (
	KindSignal   = "signal"
	KindPosition = "position"
	KindDigest   = "digest"
)

// Payload is the fixed outbound notification schema. Every transport
// receives the same fields and renders what its channel supports.
// MessageID is stable across retries so transports can deduplicate.
type Payload struct {
	MessageID    string             `json:"message_id"`
	Kind         string             `json:"kind"`
	UserID       uuid.UUID          `json:"user_id"`
	SubjectID    uuid.UUID          `json:"subject_id"`
	Title        string             `json:"title"`
	Body         string             `json:"body"`
	Pair         string             `json:"pair,omitempty"`
	Timeframe    string             `json:"timeframe,omitempty"`
	Direction    string             `json:"direction,omitempty"`
	Confidence   float64            `json:"confidence,omitempty"`
	EntryPrice   float64            `json:"entry_price,omitempty"`
	StopLoss     float64            `json:"stop_loss,omitempty"`
	TakeProfit   float64            `json:"take_profit,omitempty"`
	Factors      map[string]float64 `json:"factors,omitempty"`
	ModelVersion string             `json:"model_version,omitempty"`
	Level        position.Level     `json:"level,omitempty"`
	Priority     string             `json:"priority"` // "high" or "normal"
	ChannelID    string             `json:"channel_id,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Data flattens the payload into string pairs for push transports.
func (p Payload) Data() map[string]string {
	data := map[string]string{
		"message_id": p.MessageID,
		"kind":       p.Kind,
		"subject_id": p.SubjectID.String(),
	}
	if p.Pair != "" {
		data["pair"] = p.Pair
	}
	if p.Timeframe != "" {
		data["timeframe"] = p.Timeframe
	}
	if p.Direction != "" {
		data["direction"] = p.Direction
	}
	if p.Confidence > 0 {
		data["confidence"] = strconv.FormatFloat(p.Confidence, 'f', 2, 64)
	}
	if p.EntryPrice > 0 {
		data["entry_price"] = formatPrice(p.EntryPrice)
		data["stop_loss"] = formatPrice(p.StopLoss)
		data["take_profit"] = formatPrice(p.TakeProfit)
	}
	for name, score := range p.Factors {
		data["factor_"+name] = strconv.FormatFloat(score, 'f', 2, 64)
	}
	if p.ModelVersion != "" {
		data["model_version"] = p.ModelVersion
	}
	if p.Level != position.LevelNone {
		data["level"] = p.Level.String()
	}
	return data
}

// Receipt is the durable record of one delivered notification. The
// engine derives cooldowns, quotas, and the escalation guard from
// receipt history, so a notification without a receipt never counts
// against the user's limits.
type Receipt struct {
	ID          uuid.UUID      `json:"id"`
	UserID      uuid.UUID      `json:"user_id"`
	SubjectKind string         `json:"subject_kind"`
	SubjectID   uuid.UUID      `json:"subject_id"`
	Pair        string         `json:"pair,omitempty"`
	Timeframe   string         `json:"timeframe,omitempty"`
	Channel     string         `json:"channel"`
	Level       position.Level `json:"level"`
	MessageID   string         `json:"message_id"`
	SentAt      time.Time      `json:"sent_at"`
}

// Transport delivers payloads over one channel. Send must be safe to
// call again with the same MessageID after a transient failure.
type Transport interface {
	Send(ctx context.Context, p Payload) error

	// Name labels the channel on receipts and metrics.
	Name() string

	// Close releases transport resources.
	Close() error
}

// SignalMessageID is stable per (signal, user) so a retried send of
// the same change cannot double-deliver.
func SignalMessageID(signalID, userID uuid.UUID) string {
	return fmt.Sprintf("sig-%s-%s", signalID, userID)
}

// PositionMessageID is stable per (monitoring record, level).
func PositionMessageID(recordID uuid.UUID, level position.Level) string {
	return fmt.Sprintf("pos-%s-%s", recordID, strings.ToLower(level.String()))
}

// DigestMessageID is stable per user and UTC day.
func DigestMessageID(userID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("digest-%s-%s", userID, day.UTC().Format("2006-01-02"))
}

// signalPayload renders a signal change for delivery to one user.
func signalPayload(ev bus.SignalChangedEvent, userID uuid.UUID, channelID string) Payload {
	dir := strings.ToUpper(ev.NewDirection)

	var title string
	switch {
	case ev.PrevDirection == "":
		title = fmt.Sprintf("%s %s: new %s signal", ev.Pair, ev.Timeframe, dir)
	case ev.PrevDirection != ev.NewDirection:
		title = fmt.Sprintf("%s %s reversed: now %s", ev.Pair, ev.Timeframe, dir)
	default:
		title = fmt.Sprintf("%s %s: %s signal %s", ev.Pair, ev.Timeframe, dir, ev.Strength)
	}

	body := fmt.Sprintf("Entry %s, SL %s, TP %s. Confidence %.0f%%, %s market.",
		formatPrice(ev.EntryPrice), formatPrice(ev.StopLoss), formatPrice(ev.TakeProfit),
		ev.NewConfidence*100, ev.MarketCondition)

	priority := "normal"
	if ev.Strength == "strong" || (ev.PrevDirection != "" && ev.PrevDirection != ev.NewDirection) {
		priority = "high"
	}

	return Payload{
		MessageID:    SignalMessageID(ev.SignalID, userID),
		Kind:         KindSignal,
		UserID:       userID,
		SubjectID:    ev.SignalID,
		Title:        title,
		Body:         body,
		Pair:         ev.Pair,
		Timeframe:    ev.Timeframe,
		Direction:    ev.NewDirection,
		Confidence:   ev.NewConfidence,
		EntryPrice:   ev.EntryPrice,
		StopLoss:     ev.StopLoss,
		TakeProfit:   ev.TakeProfit,
		Factors:      factorMap(ev.Factors),
		ModelVersion: ev.ModelVersion,
		Priority:     priority,
		ChannelID:    channelID,
		CreatedAt:    ev.DetectedAt,
	}
}

// positionPayload renders a position alert for the position's owner.
func positionPayload(ev bus.PositionEvaluatedEvent, level position.Level) Payload {
	var title string
	switch level {
	case position.L1Critical:
		title = fmt.Sprintf("Action needed: %s %s position", ev.Pair, strings.ToUpper(ev.Direction))
	case position.L2Important:
		title = fmt.Sprintf("%s: %s recommended", ev.Pair, recommendationLabel(ev.Recommendation))
	default:
		title = fmt.Sprintf("%s position update", ev.Pair)
	}

	body := fmt.Sprintf("%s P&L %+.1f pips (%+.2f%%) at %s.",
		ev.Rationale, ev.UnrealizedPips, ev.UnrealizedPct, formatPrice(ev.CurrentPrice))
	if ev.StopAdjusted && ev.NewStopLoss != nil {
		body += fmt.Sprintf(" Stop moved to %s.", formatPrice(*ev.NewStopLoss))
	}

	priority := "normal"
	if level <= position.L2Important {
		priority = "high"
	}

	return Payload{
		MessageID:  PositionMessageID(ev.RecordID, level),
		Kind:       KindPosition,
		UserID:     ev.UserID,
		SubjectID:  ev.PositionID,
		Title:      title,
		Body:       body,
		Pair:       ev.Pair,
		Timeframe:  ev.Timeframe,
		Direction:  ev.Direction,
		EntryPrice: ev.CurrentPrice,
		Level:      level,
		Priority:   priority,
		CreatedAt:  ev.EvaluatedAt,
	}
}

func recommendationLabel(rec string) string {
	switch rec {
	case "exit":
		return "exit"
	case "take_partial":
		return "partial close"
	case "adjust_sl":
		return "stop adjustment"
	default:
		return "review"
	}
}

func factorMap(f bus.FactorScores) map[string]float64 {
	m := make(map[string]float64, 3)
	if f.Technical != nil {
		m["technical"] = *f.Technical
	}
	if f.Sentiment != nil {
		m["sentiment"] = *f.Sentiment
	}
	if f.Pattern != nil {
		m["pattern"] = *f.Pattern
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// formatPrice renders an FX price with five decimals, enough for both
// four-decimal majors and two-decimal JPY crosses.
func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 5, 64)
}
