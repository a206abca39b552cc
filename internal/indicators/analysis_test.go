package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/predictor"
)

func candlesFromCloses(closes []float64, spread float64) []market.Candle {
	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{
			Pair:      "EUR/USD",
			Timeframe: market.TF1h,
			TS:        start.Add(time.Duration(i) * time.Hour),
			Open:      c,
			High:      c + spread,
			Low:       c - spread,
			Close:     c,
			Volume:    1000,
		}
	}
	return out
}

func TestAnalyzeTrending(t *testing.T) {
	candles := candlesFromCloses(risingPrices(80, 1.0800, 0.0010), 0.0005)

	a, err := Analyze(candles)
	require.NoError(t, err)

	assert.Equal(t, TrendBullish, a.TrendDir)
	assert.Equal(t, CondTrending, a.Condition)
	assert.Equal(t, predictor.Long, a.Direction())
	assert.Greater(t, a.TrendStrength, 0.25)
	assert.LessOrEqual(t, a.TrendStrength, 1.0)
	assert.Greater(t, a.ATR, 0.0)

	entry, sl, tp := a.Levels(predictor.Long)
	assert.InDelta(t, a.LastClose, entry, 1e-12)
	assert.Less(t, sl, entry)
	assert.Greater(t, tp, entry)
	// reward outpaces risk by the 1.5/2.5 ATR construction
	assert.Greater(t, tp-entry, entry-sl)
}

func TestAnalyzeBearish(t *testing.T) {
	candles := candlesFromCloses(fallingPrices(80, 1.2000, 0.0010), 0.0005)

	a, err := Analyze(candles)
	require.NoError(t, err)
	assert.Equal(t, TrendBearish, a.TrendDir)
	assert.Equal(t, predictor.Short, a.Direction())

	entry, sl, tp := a.Levels(predictor.Short)
	assert.Greater(t, sl, entry)
	assert.Less(t, tp, entry)
}

func TestAnalyzeRangingAndVolatile(t *testing.T) {
	quiet := candlesFromCloses(choppyPrices(80, 1.0850, 0.0005), 0.0003)
	a, err := Analyze(quiet)
	require.NoError(t, err)
	assert.Equal(t, CondRanging, a.Condition)

	wild := candlesFromCloses(choppyPrices(80, 1.0850, 0.0060), 0.0030)
	b, err := Analyze(wild)
	require.NoError(t, err)
	assert.Equal(t, CondVolatile, b.Condition)
}

func TestAnalyzeHoldLevels(t *testing.T) {
	candles := candlesFromCloses(risingPrices(80, 1.0800, 0.0010), 0.0005)
	a, err := Analyze(candles)
	require.NoError(t, err)

	entry, sl, tp := a.Levels(predictor.Hold)
	assert.InDelta(t, a.LastClose, entry, 1e-12)
	assert.Zero(t, sl)
	assert.Zero(t, tp)
}

func TestAnalyzeTooFewCandles(t *testing.T) {
	candles := candlesFromCloses(risingPrices(MinSamples-1, 1.08, 0.001), 0.0005)
	_, err := Analyze(candles)
	require.Error(t, err)
}

func TestReversalProbAgainst(t *testing.T) {
	overbought := candlesFromCloses(risingPrices(80, 1.0800, 0.0010), 0.0005)
	a, err := Analyze(overbought)
	require.NoError(t, err)

	// a hot rise threatens longs, not shorts
	long := a.ReversalProbAgainst(predictor.Long)
	short := a.ReversalProbAgainst(predictor.Short)
	assert.GreaterOrEqual(t, long, 0.4)
	assert.LessOrEqual(t, long, 1.0)
	assert.Less(t, short, long)

	hold := a.ReversalProbAgainst(predictor.Hold)
	assert.Zero(t, hold)
}
