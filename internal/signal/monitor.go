package signal

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fxsage/fxadvisor/internal/bus"
	"github.com/fxsage/fxadvisor/internal/config"
	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/indicators"
	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/metrics"
	"github.com/fxsage/fxadvisor/internal/predictor"
	"github.com/fxsage/fxadvisor/internal/registry"
	"github.com/fxsage/fxadvisor/internal/sched"
)

// confEps absorbs float64 noise at the confidence delta boundary so
// a jump of exactly the threshold counts as a change.
const confEps = 1e-9

// Store persists signals and their change records
type Store interface {
	InsertWithChange(ctx context.Context, sig *Signal, chg *Change) error
	LastPerKey(ctx context.Context) (map[market.Key]*Signal, error)
}

// KeySource enumerates the (pair, timeframe) keys under watch,
// normally the union of all subscriptions.
type KeySource interface {
	ActiveKeys(ctx context.Context) ([]market.Key, error)
}

// CandleSource supplies cached candles
type CandleSource interface {
	GetCandles(ctx context.Context, pair market.Pair, tf market.Timeframe, n int) ([]market.Candle, bool, error)
}

// Publisher pushes signal change events onto the bus
type Publisher interface {
	PublishSignalChanged(ctx context.Context, ev bus.SignalChangedEvent) error
}

// Router picks the model version for each prediction
type Router interface {
	Route(pair market.Pair, tf market.Timeframe, now time.Time) (registry.RouteDecision, error)
}

// Monitor owns the check cycle: enumerate keys, predict, compare to
// the last known signal, persist and publish changes.
type Monitor struct {
	cfg     config.MonitorConfig
	candles CandleSource
	pred    predictor.Predictor
	router  Router
	store   Store
	keys    KeySource
	pub     Publisher
	state   *stateCache
	log     zerolog.Logger
	now     func() time.Time
}

// NewMonitor wires a monitor; call Warm before Run
func NewMonitor(
	cfg config.MonitorConfig,
	candles CandleSource,
	pred predictor.Predictor,
	router Router,
	store Store,
	keys KeySource,
	pub Publisher,
) *Monitor {
	if cfg.MinCandles <= 0 {
		cfg.MinCandles = predictor.MinCandles
	}
	if cfg.HistoryDepth < cfg.MinCandles {
		cfg.HistoryDepth = 250
	}
	return &Monitor{
		cfg:     cfg,
		candles: candles,
		pred:    pred,
		router:  router,
		store:   store,
		keys:    keys,
		pub:     pub,
		state:   newStateCache(),
		log:     config.NewLogger("signal-monitor"),
		now:     time.Now,
	}
}

// Warm seeds the last-signal cache from storage so a restart does
// not re-announce every standing signal as new.
func (m *Monitor) Warm(ctx context.Context) error {
	const op = "signal.Warm"

	last, err := m.store.LastPerKey(ctx)
	if err != nil {
		return errs.E(op, errs.Unavailable, err)
	}
	m.state.warm(last)
	m.log.Info().Int("keys", len(last)).Msg("Last-signal cache warmed")
	return nil
}

// Driver builds the periodic driver that runs the check cycle
func (m *Monitor) Driver() *sched.Driver {
	return sched.New(sched.Options{
		Name:       "signal",
		Interval:   m.cfg.GetTickInterval(),
		Workers:    m.cfg.Workers,
		Grace:      m.cfg.GetShutdownGrace(),
		RunOnStart: true,
	}, m.listKeys, m.check, m.log)
}

// listKeys stringifies the subscribed key set for the driver
func (m *Monitor) listKeys(ctx context.Context) ([]string, error) {
	keys, err := m.keys.ActiveKeys(ctx)
	if err != nil {
		return nil, err
	}
	metrics.MonitoredKeys.Set(float64(len(keys)))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out, nil
}

// check runs one check task for a "PAIR|tf" key
func (m *Monitor) check(ctx context.Context, rawKey string) {
	start := m.now()
	key, err := parseKey(rawKey)
	if err != nil {
		metrics.RecordCheckTask(metrics.CheckResultError, 0)
		m.log.Error().Err(err).Str("key", rawKey).Msg("Malformed check key")
		return
	}
	log := m.log.With().Str("pair", key.Pair.String()).Str("timeframe", key.Timeframe.String()).Logger()

	result := m.checkKey(ctx, key, log)
	metrics.RecordCheckTask(result, float64(m.now().Sub(start).Milliseconds()))
}

func (m *Monitor) checkKey(ctx context.Context, key market.Key, log zerolog.Logger) string {
	candles, stale, err := m.candles.GetCandles(ctx, key.Pair, key.Timeframe, m.cfg.HistoryDepth)
	if err != nil {
		log.Warn().Err(err).Msg("Candle fetch failed")
		return metrics.CheckResultError
	}
	if len(candles) < m.cfg.MinCandles {
		log.Debug().
			Int("candles", len(candles)).
			Int("min", m.cfg.MinCandles).
			Msg("Insufficient data, check skipped")
		return metrics.CheckResultInsufficient
	}
	if stale {
		log.Debug().Msg("Serving check from stale candles")
	}

	route, err := m.router.Route(key.Pair, key.Timeframe, m.now())
	if err != nil {
		log.Debug().Err(err).Msg("No routable model, check skipped")
		return metrics.CheckResultUnavailable
	}

	req := predictor.Request{
		Pair:        key.Pair,
		Timeframe:   key.Timeframe,
		Candles:     candles,
		VersionHint: route.Version,
	}
	if route.ABTestID != nil {
		req.ABTestID = route.ABTestID.String()
	}

	pred, err := m.pred.Predict(ctx, req)
	if err != nil {
		if errs.Is(err, errs.Unavailable) {
			log.Debug().Err(err).Msg("Predictor unavailable, check skipped")
			return metrics.CheckResultUnavailable
		}
		log.Warn().Err(err).Msg("Prediction failed")
		return metrics.CheckResultError
	}

	last := m.state.get(key)
	changed, flip := detectChange(last, pred, m.cfg.ConfidenceDelta)
	if !changed {
		log.Debug().
			Str("direction", pred.Signal.String()).
			Float64("confidence", pred.Confidence).
			Msg("No signal change")
		return metrics.CheckResultNoChange
	}

	sig, chg := m.buildChange(key, last, pred, route, candles)
	if err := m.store.InsertWithChange(ctx, sig, chg); err != nil {
		log.Error().Err(err).Msg("Failed to persist signal change")
		return metrics.CheckResultError
	}
	m.state.set(key, sig)

	ev := changeEvent(sig, chg)
	if err := m.pub.PublishSignalChanged(ctx, ev); err != nil {
		// The row is durable; consumers catch up on the next change.
		log.Error().Err(err).Msg("Failed to publish signal change")
	}

	metrics.RecordSignalChange(pred.Signal.String())
	log.Info().
		Str("direction", pred.Signal.String()).
		Float64("confidence", pred.Confidence).
		Bool("flip", flip).
		Str("model_version", sig.ModelVersion).
		Msg("Signal change detected")
	return metrics.CheckResultChanged
}

// detectChange applies the change rules: first signal always counts,
// a direction flip always counts, and a same-direction confidence
// move counts from the configured delta upward.
func detectChange(last *Signal, pred *predictor.Prediction, delta float64) (changed, flip bool) {
	if last == nil {
		return true, false
	}
	if pred.Signal != last.Direction {
		return true, true
	}
	return math.Abs(pred.Confidence-last.Confidence) >= delta-confEps, false
}

// buildChange assembles the new signal row and its change record.
// Indicator analysis adds price levels and the market condition; if
// it fails the signal still goes out with bare levels.
func (m *Monitor) buildChange(key market.Key, last *Signal, pred *predictor.Prediction, route registry.RouteDecision, candles []market.Candle) (*Signal, *Change) {
	now := m.now().UTC()

	entry := candles[len(candles)-1].Close
	var stopLoss, takeProfit float64
	condition := "unknown"
	if analysis, err := indicators.Analyze(candles); err == nil {
		condition = string(analysis.Condition)
		entry, stopLoss, takeProfit = analysis.Levels(pred.Signal)
	} else {
		m.log.Warn().Err(err).Str("pair", key.Pair.String()).Msg("Indicator analysis failed")
	}

	sig := &Signal{
		ID:            uuid.New(),
		Pair:          key.Pair,
		Timeframe:     key.Timeframe,
		Direction:     pred.Signal,
		Confidence:    pred.Confidence,
		EntryPrice:    entry,
		StopLoss:      stopLoss,
		TakeProfit:    takeProfit,
		Factors:       pred.Factors,
		ModelVersion:  pred.ModelVersion,
		ABTestID:      route.ABTestID,
		Status:        StatusActive,
		ActualOutcome: OutcomePending,
		CreatedAt:     now,
	}

	chg := &Change{
		ID:              uuid.New(),
		SignalID:        sig.ID,
		Pair:            key.Pair,
		Timeframe:       key.Timeframe,
		NewDirection:    pred.Signal,
		NewConfidence:   pred.Confidence,
		Strength:        ClassifyStrength(pred.Confidence),
		MarketCondition: condition,
		DetectedAt:      now,
	}
	if last != nil {
		prevDir := last.Direction
		prevConf := last.Confidence
		chg.PrevDirection = &prevDir
		chg.PrevConfidence = &prevConf
	}
	return sig, chg
}

func changeEvent(sig *Signal, chg *Change) bus.SignalChangedEvent {
	ev := bus.SignalChangedEvent{
		SignalID:        sig.ID,
		Pair:            sig.Pair.String(),
		Timeframe:       sig.Timeframe.String(),
		NewDirection:    sig.Direction.String(),
		NewConfidence:   sig.Confidence,
		Strength:        chg.Strength,
		MarketCondition: chg.MarketCondition,
		EntryPrice:      sig.EntryPrice,
		StopLoss:        sig.StopLoss,
		TakeProfit:      sig.TakeProfit,
		Factors: bus.FactorScores{
			Technical: sig.Factors.Technical,
			Sentiment: sig.Factors.Sentiment,
			Pattern:   sig.Factors.Pattern,
		},
		ModelVersion: sig.ModelVersion,
		DetectedAt:   chg.DetectedAt,
	}
	if chg.PrevDirection != nil {
		ev.PrevDirection = chg.PrevDirection.String()
	}
	ev.PrevConfidence = chg.PrevConfidence
	return ev
}

// parseKey parses "PAIR|tf" back into a typed key
func parseKey(raw string) (market.Key, error) {
	const op = "signal.parseKey"

	parts := strings.SplitN(raw, "|", 2)
	if len(parts) != 2 {
		return market.Key{}, errs.Errorf(op, errs.InvalidInput, "malformed key %q", raw)
	}
	pair, err := market.NewPair(parts[0])
	if err != nil {
		return market.Key{}, errs.E(op, errs.InvalidInput, err)
	}
	tf, err := market.ParseTimeframe(parts[1])
	if err != nil {
		return market.Key{}, errs.E(op, errs.InvalidInput, err)
	}
	return market.Key{Pair: pair, Timeframe: tf}, nil
}

// CachedKeys reports how many keys the last-signal cache holds
func (m *Monitor) CachedKeys() int {
	return m.state.size()
}
