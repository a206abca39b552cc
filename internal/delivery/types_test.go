package delivery

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxsage/fxadvisor/internal/bus"
	"github.com/fxsage/fxadvisor/internal/position"
)

func TestSignalPayloadRendering(t *testing.T) {
	base := signalEvent()
	userID := uuid.New()

	t.Run("first signal", func(t *testing.T) {
		p := signalPayload(base, userID, "chan-1")
		assert.Contains(t, p.Title, "new LONG signal")
		assert.Contains(t, p.Body, "1.08500")
		assert.Contains(t, p.Body, "72%")
		assert.Equal(t, "normal", p.Priority)
		assert.Equal(t, "chan-1", p.ChannelID)
	})

	t.Run("direction flip is high priority", func(t *testing.T) {
		ev := base
		ev.PrevDirection = "short"
		p := signalPayload(ev, userID, "")
		assert.Contains(t, p.Title, "reversed")
		assert.Equal(t, "high", p.Priority)
	})

	t.Run("strong signal is high priority", func(t *testing.T) {
		ev := base
		ev.PrevDirection = "long"
		ev.Strength = "strong"
		p := signalPayload(ev, userID, "")
		assert.Equal(t, "high", p.Priority)
	})

	t.Run("confidence move keeps direction in title", func(t *testing.T) {
		ev := base
		ev.PrevDirection = "long"
		p := signalPayload(ev, userID, "")
		assert.Contains(t, p.Title, "LONG signal moderate")
		assert.Equal(t, "normal", p.Priority)
	})
}

func TestPayloadDataFlattening(t *testing.T) {
	tech, sent := 0.8, 0.4
	ev := signalEvent()
	ev.Factors = bus.FactorScores{Technical: &tech, Sentiment: &sent}
	p := signalPayload(ev, uuid.New(), "")

	data := p.Data()
	assert.Equal(t, p.MessageID, data["message_id"])
	assert.Equal(t, KindSignal, data["kind"])
	assert.Equal(t, "EUR/USD", data["pair"])
	assert.Equal(t, "1h", data["timeframe"])
	assert.Equal(t, "long", data["direction"])
	assert.Equal(t, "0.72", data["confidence"])
	assert.Equal(t, "1.08500", data["entry_price"])
	assert.Equal(t, "0.80", data["factor_technical"])
	assert.Equal(t, "0.40", data["factor_sentiment"])
	assert.Equal(t, "v1.2.0", data["model_version"])
	_, hasPattern := data["factor_pattern"]
	assert.False(t, hasPattern, "absent factors must not appear")
	_, hasLevel := data["level"]
	assert.False(t, hasLevel)
}

func TestPositionPayloadRendering(t *testing.T) {
	stop := 1.0830
	ev := bus.PositionEvaluatedEvent{
		PositionID:     uuid.New(),
		RecordID:       uuid.New(),
		UserID:         uuid.New(),
		Pair:           "EUR/USD",
		Timeframe:      "1h",
		Direction:      "long",
		Recommendation: "take_partial",
		Rationale:      "Lock some profit",
		CurrentPrice:   1.0880,
		UnrealizedPips: 30,
		UnrealizedPct:  0.55,
		StopAdjusted:   true,
		NewStopLoss:    &stop,
		EvaluatedAt:    time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
	}

	t.Run("L1 title demands action", func(t *testing.T) {
		p := positionPayload(ev, position.L1Critical)
		assert.Contains(t, p.Title, "Action needed")
		assert.Contains(t, p.Title, "LONG")
		assert.Equal(t, "high", p.Priority)
		assert.Equal(t, position.L1Critical, p.Level)
	})

	t.Run("L2 title names the recommendation", func(t *testing.T) {
		p := positionPayload(ev, position.L2Important)
		assert.Contains(t, p.Title, "partial close")
		assert.Equal(t, "high", p.Priority)
	})

	t.Run("L3 is a plain update", func(t *testing.T) {
		p := positionPayload(ev, position.L3General)
		assert.Contains(t, p.Title, "position update")
		assert.Equal(t, "normal", p.Priority)
	})

	t.Run("body carries pnl and stop move", func(t *testing.T) {
		p := positionPayload(ev, position.L3General)
		assert.Contains(t, p.Body, "+30.0 pips")
		assert.Contains(t, p.Body, "+0.55%")
		assert.Contains(t, p.Body, "Stop moved to 1.08300")
	})
}

func TestMessageIDsAreStable(t *testing.T) {
	signalID, userID := uuid.New(), uuid.New()
	require.Equal(t, SignalMessageID(signalID, userID), SignalMessageID(signalID, userID))

	recordID := uuid.New()
	require.Equal(t,
		PositionMessageID(recordID, position.L2Important),
		PositionMessageID(recordID, position.L2Important))
	assert.NotEqual(t,
		PositionMessageID(recordID, position.L1Critical),
		PositionMessageID(recordID, position.L2Important))
}

func TestDedupWindowExpiry(t *testing.T) {
	w := newDedupWindow(30 * time.Minute)
	key := dedupKey{userID: uuid.New(), pair: "EUR/USD", timeframe: "1h", direction: "long"}
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	assert.False(t, w.seen(key, now))
	w.mark(key, now)
	assert.True(t, w.seen(key, now.Add(29*time.Minute)))
	assert.False(t, w.seen(key, now.Add(30*time.Minute)), "the window boundary expires the entry")
	assert.Zero(t, w.size(), "expired entries are dropped on read")
}

func TestDedupWindowDistinguishesTuples(t *testing.T) {
	w := newDedupWindow(30 * time.Minute)
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	userID := uuid.New()

	long := dedupKey{userID: userID, pair: "EUR/USD", timeframe: "1h", direction: "long"}
	w.mark(long, now)

	short := long
	short.direction = "short"
	assert.False(t, w.seen(short, now))

	otherTF := long
	otherTF.timeframe = "4h"
	assert.False(t, w.seen(otherTF, now))

	otherUser := long
	otherUser.userID = uuid.New()
	assert.False(t, w.seen(otherUser, now))

	assert.True(t, w.seen(long, now.Add(time.Minute)))
}

func TestDedupWindowSweep(t *testing.T) {
	w := newDedupWindow(time.Minute)
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	// Fill with distinct tuples, then land the sweep-triggering mark
	// after they have all expired.
	for i := 0; i < sweepEvery-1; i++ {
		w.mark(dedupKey{userID: uuid.New(), pair: "EUR/USD", timeframe: "1h", direction: "long"}, now)
	}
	w.mark(dedupKey{userID: uuid.New(), pair: "EUR/USD", timeframe: "1h", direction: "long"}, now.Add(5*time.Minute))

	assert.Equal(t, 1, w.size())
}
