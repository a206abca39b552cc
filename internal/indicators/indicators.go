// Package indicators computes the technical primitives the monitors
// lean on: EMA, RSI, MACD and Bollinger Bands via cinar/indicator,
// plus ADX and ATR implemented manually since cinar v2 ships neither.
package indicators

import (
	"fmt"
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
)

// MACDResult carries the latest MACD state
type MACDResult struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
	Crossover string  `json:"crossover"` // "bullish", "bearish", "none"
}

// BollingerResult carries the latest band values
type BollingerResult struct {
	Upper    float64 `json:"upper"`
	Middle   float64 `json:"middle"`
	Lower    float64 `json:"lower"`
	WidthPct float64 `json:"width_pct"` // band width as percent of middle
}

func sliceToChan(prices []float64) chan float64 {
	ch := make(chan float64, len(prices))
	for _, p := range prices {
		ch <- p
	}
	close(ch)
	return ch
}

func collect(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

// EMA returns the series of exponential moving averages. The output
// is shorter than the input: the warmup window emits nothing.
func EMA(prices []float64, period int) ([]float64, error) {
	if period < 1 || period > len(prices) {
		return nil, fmt.Errorf("invalid EMA period %d for %d prices", period, len(prices))
	}
	values := collect(trend.NewEmaWithPeriod[float64](period).Compute(sliceToChan(prices)))
	if len(values) == 0 {
		return nil, fmt.Errorf("no EMA values for period %d", period)
	}
	return values, nil
}

// RSI returns the latest relative strength index value
func RSI(prices []float64, period int) (float64, error) {
	if period < 1 || len(prices) < period+1 {
		return 0, fmt.Errorf("invalid RSI period %d for %d prices", period, len(prices))
	}
	values := collect(momentum.NewRsiWithPeriod[float64](period).Compute(sliceToChan(prices)))
	if len(values) == 0 {
		return 0, fmt.Errorf("no RSI values for period %d", period)
	}
	return values[len(values)-1], nil
}

// MACD computes the 12/26/9 MACD with crossover detection on the
// last two samples.
func MACD(prices []float64) (MACDResult, error) {
	if len(prices) < 35 {
		return MACDResult{}, fmt.Errorf("need at least 35 prices for MACD, got %d", len(prices))
	}

	macdChan, signalChan := trend.NewMacdWithPeriod[float64](12, 26, 9).Compute(sliceToChan(prices))

	var macdValues, signalValues []float64
	for {
		m, mok := <-macdChan
		s, sok := <-signalChan
		if !mok || !sok {
			break
		}
		macdValues = append(macdValues, m)
		signalValues = append(signalValues, s)
	}
	if len(macdValues) == 0 {
		return MACDResult{}, fmt.Errorf("no MACD values calculated")
	}

	cur := MACDResult{
		MACD:      macdValues[len(macdValues)-1],
		Signal:    signalValues[len(signalValues)-1],
		Crossover: "none",
	}
	cur.Histogram = cur.MACD - cur.Signal

	if len(macdValues) >= 2 {
		prevHist := macdValues[len(macdValues)-2] - signalValues[len(signalValues)-2]
		if prevHist <= 0 && cur.Histogram > 0 {
			cur.Crossover = "bullish"
		}
		if prevHist >= 0 && cur.Histogram < 0 {
			cur.Crossover = "bearish"
		}
	}
	return cur, nil
}

// Bollinger computes the latest bands. cinar uses a fixed 2 standard
// deviations.
func Bollinger(prices []float64, period int) (BollingerResult, error) {
	if period < 2 || len(prices) < period {
		return BollingerResult{}, fmt.Errorf("invalid Bollinger period %d for %d prices", period, len(prices))
	}

	upperChan, middleChan, lowerChan := volatility.NewBollingerBandsWithPeriod[float64](period).Compute(sliceToChan(prices))

	var lower, middle, upper []float64
	for {
		l, lok := <-lowerChan
		m, mok := <-middleChan
		u, uok := <-upperChan
		if !lok || !mok || !uok {
			break
		}
		lower = append(lower, l)
		middle = append(middle, m)
		upper = append(upper, u)
	}
	if len(middle) == 0 {
		return BollingerResult{}, fmt.Errorf("no Bollinger values calculated")
	}

	res := BollingerResult{
		Upper:  upper[len(upper)-1],
		Middle: middle[len(middle)-1],
		Lower:  lower[len(lower)-1],
	}
	if res.Middle != 0 {
		res.WidthPct = (res.Upper - res.Lower) / res.Middle * 100
	}
	return res, nil
}

// ADX returns the latest Average Directional Index. Implemented with
// Wilder's smoothing over TR and directional movement.
func ADX(high, low, close []float64, period int) (float64, error) {
	n := len(close)
	if len(high) != n || len(low) != n {
		return 0, fmt.Errorf("high, low and close must have the same length")
	}
	if period < 1 || n < period*2 {
		return 0, fmt.Errorf("need at least %d samples for ADX(%d), got %d", period*2, period, n)
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)

	// first bar has no prior close, so its true range is high-low
	tr[0] = high[0] - low[0]
	for i := 1; i < n; i++ {
		tr[i] = math.Max(high[i]-low[i],
			math.Max(math.Abs(high[i]-close[i-1]),
				math.Abs(low[i]-close[i-1])))

		upMove := high[i] - high[i-1]
		downMove := low[i-1] - low[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	smoothTR := smoothWilder(tr, period)
	smoothPlusDM := smoothWilder(plusDM, period)
	smoothMinusDM := smoothWilder(minusDM, period)

	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smoothTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothPlusDM[i] / smoothTR[i]
		minusDI := 100 * smoothMinusDM[i] / smoothTR[i]
		if diSum := plusDI + minusDI; diSum != 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / diSum
		}
	}

	adx := smoothWilder(dx, period)
	return adx[n-1], nil
}

// ATR returns the latest Average True Range, Wilder-smoothed
func ATR(high, low, close []float64, period int) (float64, error) {
	n := len(close)
	if len(high) != n || len(low) != n {
		return 0, fmt.Errorf("high, low and close must have the same length")
	}
	if period < 1 || n < period+1 {
		return 0, fmt.Errorf("need at least %d samples for ATR(%d), got %d", period+1, period, n)
	}

	tr := make([]float64, n)
	tr[0] = high[0] - low[0]
	for i := 1; i < n; i++ {
		tr[i] = math.Max(high[i]-low[i],
			math.Max(math.Abs(high[i]-close[i-1]),
				math.Abs(low[i]-close[i-1])))
	}

	smoothed := smoothWilder(tr, period)
	return smoothed[n-1], nil
}

// smoothWilder applies Wilder's smoothing: a simple average seed
// followed by the recursive (prev*(n-1)+cur)/n update.
func smoothWilder(data []float64, period int) []float64 {
	n := len(data)
	result := make([]float64, n)
	if n < period {
		return result
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + data[i]) / float64(period)
	}
	return result
}
