package indicators

import (
	"fmt"

	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/predictor"
)

// MarketCondition classifies the current regime of a series
type MarketCondition string

const (
	CondTrending MarketCondition = "trending"
	CondRanging  MarketCondition = "ranging"
	CondVolatile MarketCondition = "volatile"
)

// TrendDirection is the rule-based read of where price is heading
type TrendDirection string

const (
	TrendBullish TrendDirection = "bullish"
	TrendBearish TrendDirection = "bearish"
	TrendNeutral TrendDirection = "neutral"
)

const (
	fastEMAPeriod = 9
	slowEMAPeriod = 21
	rsiPeriod     = 14
	adxPeriod     = 14
	atrPeriod     = 14
	bbPeriod      = 20

	// ADX at or above this reads as a trending market
	adxTrendThreshold = 25.0
	// band width (percent of middle) at or above this reads volatile
	widthVolatileThreshold = 0.60

	rsiOverbought = 70.0
	rsiOversold   = 30.0
)

// MinSamples is the fewest candles Analyze accepts. Driven by the
// slowest constituent (MACD needs 35).
const MinSamples = 40

// Analysis is the rule-based technical view over one candle series.
// It backs signal enrichment and the position monitor's degraded
// mode when the predictor is unreachable.
type Analysis struct {
	TrendDir      TrendDirection
	TrendStrength float64 // ADX scaled to [0,1]
	RSI           float64
	ADX           float64
	ATR           float64
	MACD          MACDResult
	Bands         BollingerResult
	Condition     MarketCondition
	LastClose     float64
}

// Analyze runs the full indicator sweep over chronological candles
func Analyze(candles []market.Candle) (*Analysis, error) {
	if len(candles) < MinSamples {
		return nil, fmt.Errorf("need at least %d candles to analyze, got %d", MinSamples, len(candles))
	}

	n := len(candles)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	fast, err := EMA(closes, fastEMAPeriod)
	if err != nil {
		return nil, err
	}
	slow, err := EMA(closes, slowEMAPeriod)
	if err != nil {
		return nil, err
	}
	rsi, err := RSI(closes, rsiPeriod)
	if err != nil {
		return nil, err
	}
	adx, err := ADX(highs, lows, closes, adxPeriod)
	if err != nil {
		return nil, err
	}
	atr, err := ATR(highs, lows, closes, atrPeriod)
	if err != nil {
		return nil, err
	}
	macd, err := MACD(closes)
	if err != nil {
		return nil, err
	}
	bands, err := Bollinger(closes, bbPeriod)
	if err != nil {
		return nil, err
	}

	a := &Analysis{
		RSI:       rsi,
		ADX:       adx,
		ATR:       atr,
		MACD:      macd,
		Bands:     bands,
		LastClose: closes[n-1],
	}

	a.TrendDir = TrendNeutral
	fastLast, slowLast := fast[len(fast)-1], slow[len(slow)-1]
	switch {
	case fastLast > slowLast:
		a.TrendDir = TrendBullish
	case fastLast < slowLast:
		a.TrendDir = TrendBearish
	}

	a.TrendStrength = adx / 100
	if a.TrendStrength > 1 {
		a.TrendStrength = 1
	}

	switch {
	case adx >= adxTrendThreshold:
		a.Condition = CondTrending
	case bands.WidthPct >= widthVolatileThreshold:
		a.Condition = CondVolatile
	default:
		a.Condition = CondRanging
	}

	return a, nil
}

// ReversalProbAgainst scores how likely the move against the given
// stance is, from RSI extremes, MACD crossovers and band touches.
// Purely heuristic; it stands in for the model's second stage when
// the predictor is down.
func (a *Analysis) ReversalProbAgainst(dir predictor.Direction) float64 {
	prob := 0.0
	switch dir {
	case predictor.Long:
		if a.RSI >= rsiOverbought {
			prob += 0.4
		}
		if a.MACD.Crossover == "bearish" {
			prob += 0.3
		}
		if a.LastClose >= a.Bands.Upper {
			prob += 0.2
		}
		if a.TrendDir == TrendBearish {
			prob += 0.1
		}
	case predictor.Short:
		if a.RSI <= rsiOversold {
			prob += 0.4
		}
		if a.MACD.Crossover == "bullish" {
			prob += 0.3
		}
		if a.LastClose <= a.Bands.Lower {
			prob += 0.2
		}
		if a.TrendDir == TrendBullish {
			prob += 0.1
		}
	}
	if prob > 1 {
		prob = 1
	}
	return prob
}

// Direction maps the rule-based trend to an advisory stance
func (a *Analysis) Direction() predictor.Direction {
	switch a.TrendDir {
	case TrendBullish:
		return predictor.Long
	case TrendBearish:
		return predictor.Short
	default:
		return predictor.Hold
	}
}

// Levels derives entry, stop-loss and take-profit for a stance from
// the latest close and the ATR. Hold carries no levels.
func (a *Analysis) Levels(dir predictor.Direction) (entry, stopLoss, takeProfit float64) {
	entry = a.LastClose
	switch dir {
	case predictor.Long:
		stopLoss = entry - 1.5*a.ATR
		takeProfit = entry + 2.5*a.ATR
	case predictor.Short:
		stopLoss = entry + 1.5*a.ATR
		takeProfit = entry - 2.5*a.ATR
	default:
		return entry, 0, 0
	}
	return entry, stopLoss, takeProfit
}
