package position

import (
	"context"
	"fmt"
	"math"
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

// Decision thresholds for the recommendation table and urgency map.
const (
	exitReversalProb    = 0.70
	partialReversalProb = 0.40
	partialProfitPct    = 0.5
	adjustProfitPct     = 0.3
	staleBandPct        = 0.3

	l2Confidence = 0.70
	l3Confidence = 0.55
)

// historyDepth is how many candles back the assessment looks
const historyDepth = 250

// drainGrace bounds the evaluation drain on shutdown
const drainGrace = 10 * time.Second

// MonitorStore is the persistence surface evaluation passes need.
type MonitorStore interface {
	OpenPositionIDs(ctx context.Context) ([]uuid.UUID, error)
	GetPosition(ctx context.Context, id uuid.UUID) (*Position, error)
	TightenStop(ctx context.Context, id uuid.UUID, newStop float64) (bool, error)
	InsertMonitoringRecord(ctx context.Context, rec *MonitoringRecord) error
}

// PriceSource supplies current prices and cached candles.
type PriceSource interface {
	CurrentPrice(ctx context.Context, pair market.Pair) (float64, bool, error)
	GetCandles(ctx context.Context, pair market.Pair, tf market.Timeframe, n int) ([]market.Candle, bool, error)
}

// ModelRouter picks the model version for each assessment.
type ModelRouter interface {
	Route(pair market.Pair, tf market.Timeframe, now time.Time) (registry.RouteDecision, error)
}

// Publisher pushes evaluation events onto the bus.
type Publisher interface {
	PublishPositionEvaluated(ctx context.Context, ev bus.PositionEvaluatedEvent) error
}

// Monitor evaluates every open position each tick: price it, assess
// the market, run the trailing ladder, derive a recommendation and an
// urgency, persist the pass and publish it. It only ever advises;
// closing a position stays with the user.
type Monitor struct {
	cfg    config.PositionConfig
	store  MonitorStore
	prices PriceSource
	pred   predictor.Predictor
	router ModelRouter
	pub    Publisher
	log    zerolog.Logger
	now    func() time.Time
}

// NewMonitor wires a position monitor
func NewMonitor(
	cfg config.PositionConfig,
	store MonitorStore,
	prices PriceSource,
	pred predictor.Predictor,
	router ModelRouter,
	pub Publisher,
) *Monitor {
	return &Monitor{
		cfg:    cfg,
		store:  store,
		prices: prices,
		pred:   pred,
		router: router,
		pub:    pub,
		log:    config.NewLogger("position-monitor"),
		now:    time.Now,
	}
}

// Driver builds the periodic driver. Positions are dispatched in
// batches with spacing so one tick cannot burst the predictor.
func (m *Monitor) Driver() *sched.Driver {
	return sched.New(sched.Options{
		Name:         "position",
		Interval:     m.cfg.GetTickInterval(),
		Workers:      m.cfg.BatchSize,
		BatchSize:    m.cfg.BatchSize,
		BatchSpacing: m.cfg.GetBatchSpacing(),
		Grace:        drainGrace,
		RunOnStart:   true,
	}, m.listPositions, m.evaluate, m.log)
}

func (m *Monitor) listPositions(ctx context.Context) ([]string, error) {
	ids, err := m.store.OpenPositionIDs(ctx)
	if err != nil {
		return nil, err
	}
	metrics.OpenPositions.Set(float64(len(ids)))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out, nil
}

// evaluate runs one evaluation task for a position id
func (m *Monitor) evaluate(ctx context.Context, rawID string) {
	start := m.now()
	id, err := uuid.Parse(rawID)
	if err != nil {
		m.log.Error().Err(err).Str("key", rawID).Msg("Malformed position key")
		return
	}
	log := m.log.With().Str("position_id", id.String()).Logger()

	rec := m.evaluateOne(ctx, id, log)
	if rec != "" {
		metrics.RecordPositionEvaluation(string(rec), float64(m.now().Sub(start).Milliseconds()))
	}
}

func (m *Monitor) evaluateOne(ctx context.Context, id uuid.UUID, log zerolog.Logger) Recommendation {
	p, err := m.store.GetPosition(ctx, id)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			// Closed between listing and loading is normal churn.
			log.Debug().Msg("Position gone before evaluation")
		} else {
			log.Warn().Err(err).Msg("Failed to load position")
		}
		return ""
	}
	if p.Status != StatusOpen {
		return ""
	}

	price, realTime, err := m.prices.CurrentPrice(ctx, p.Pair)
	if err != nil {
		log.Warn().Err(err).Msg("No price available, evaluation skipped")
		return ""
	}
	if !realTime {
		log.Debug().Msg("Evaluating from last cached price")
	}

	now := m.now().UTC()
	pips := p.UnrealizedPips(price)
	pct := p.UnrealizedPct(price)

	view := m.assess(ctx, p, log)
	newStop, adjusted := m.trail(ctx, p, price, log)
	rec, rationale := m.recommend(p, price, pct, view, adjusted, now)

	record := &MonitoringRecord{
		ID:             uuid.New(),
		PositionID:     p.ID,
		TS:             now,
		CurrentPrice:   price,
		UnrealizedPips: pips,
		UnrealizedPct:  pct,
		TrendDir:       view.trendDir,
		TrendStrength:  view.trendStrength,
		ReversalProb:   view.reversalProb,
		Recommendation: rec,
		Confidence:     view.confidence,
		Rationale:      rationale,
	}
	if err := m.store.InsertMonitoringRecord(ctx, record); err != nil {
		log.Error().Err(err).Msg("Failed to persist monitoring record")
		return ""
	}

	level := m.urgency(p, price, rec, view, adjusted)

	ev := bus.PositionEvaluatedEvent{
		PositionID:     p.ID,
		RecordID:       record.ID,
		UserID:         p.UserID,
		Pair:           p.Pair.String(),
		Timeframe:      p.Timeframe.String(),
		Direction:      p.Direction.String(),
		Recommendation: string(rec),
		Urgency:        level.String(),
		Rationale:      rationale,
		CurrentPrice:   price,
		UnrealizedPips: pips,
		UnrealizedPct:  pct,
		StopAdjusted:   adjusted,
		EvaluatedAt:    now,
	}
	if adjusted {
		ev.NewStopLoss = &newStop
		metrics.TrailingAdjustments.Inc()
	}
	if err := m.pub.PublishPositionEvaluated(ctx, ev); err != nil {
		// The record is durable; the next tick re-evaluates.
		log.Error().Err(err).Msg("Failed to publish evaluation")
	}

	if level != LevelNone {
		metrics.RecordPositionAlert(level.String())
	}
	log.Debug().
		Str("recommendation", string(rec)).
		Str("urgency", level.String()).
		Float64("pips", pips).
		Bool("stop_adjusted", adjusted).
		Msg("Position evaluated")
	return rec
}

// assessment is the market view behind one evaluation. ml reports
// whether a model prediction backs it; without one the view degrades
// to indicator analysis and the ML-gated rows of the decision table
// stay off.
type assessment struct {
	ml            bool
	direction     predictor.Direction
	confidence    float64
	reversalProb  float64
	trendDir      string
	trendStrength float64
}

func (m *Monitor) assess(ctx context.Context, p *Position, log zerolog.Logger) assessment {
	view := assessment{direction: predictor.Hold, trendDir: "unknown"}

	candles, stale, err := m.prices.GetCandles(ctx, p.Pair, p.Timeframe, historyDepth)
	if err != nil || len(candles) < indicators.MinSamples {
		log.Debug().Err(err).Int("candles", len(candles)).Msg("Insufficient candles, bare evaluation")
		return view
	}
	if stale {
		log.Debug().Msg("Assessing from stale candles")
	}

	if analysis, err := indicators.Analyze(candles); err == nil {
		view.trendDir = string(analysis.TrendDir)
		view.trendStrength = analysis.TrendStrength
		view.reversalProb = analysis.ReversalProbAgainst(p.Direction)
		view.direction = analysis.Direction()
	}

	if len(candles) < predictor.MinCandles {
		return view
	}
	route, err := m.router.Route(p.Pair, p.Timeframe, m.now())
	if err != nil {
		log.Debug().Err(err).Msg("No routable model, rule-based evaluation")
		return view
	}

	// Position assessments ride the active arm only; A/B outcomes
	// attribute through signals.
	pred, err := m.pred.Predict(ctx, predictor.Request{
		Pair:        p.Pair,
		Timeframe:   p.Timeframe,
		Candles:     candles,
		VersionHint: route.Version,
	})
	if err != nil {
		log.Debug().Err(err).Msg("Prediction failed, rule-based evaluation")
		return view
	}

	view.ml = true
	view.direction = pred.Signal
	view.confidence = pred.Confidence
	view.reversalProb = pred.ReversalProb()
	return view
}

// trail applies the trailing ladder: at half the distance to take
// profit the stop moves to entry, at the lock fraction it moves to the
// midpoint between entry and take profit. The store predicate makes
// the write a no-op unless the candidate is strictly tighter.
func (m *Monitor) trail(ctx context.Context, p *Position, price float64, log zerolog.Logger) (float64, bool) {
	if p.TakeProfit <= 0 || p.EntryPrice <= 0 {
		return 0, false
	}
	dist := p.TakeProfit - p.EntryPrice
	if dist == 0 {
		return 0, false
	}
	progress := (price - p.EntryPrice) / dist

	var candidate float64
	switch {
	case progress >= m.cfg.TrailingLockPct:
		candidate = p.EntryPrice + dist/2
	case progress >= m.cfg.TrailingBreakevenPct:
		candidate = p.EntryPrice
	default:
		return 0, false
	}

	if !p.BetterStop(candidate) {
		return 0, false
	}
	applied, err := m.store.TightenStop(ctx, p.ID, candidate)
	if err != nil {
		log.Warn().Err(err).Msg("Trailing adjustment failed")
		return 0, false
	}
	if !applied {
		return 0, false
	}
	p.StopLoss = candidate
	log.Info().
		Float64("new_stop", candidate).
		Float64("progress", progress).
		Msg("Trailing stop tightened")
	return candidate, true
}

// recommend walks the decision table top down; the first matching row
// wins. Hit levels dominate everything, then the ML-gated rows, then
// the trailing and staleness rules.
func (m *Monitor) recommend(p *Position, price, pct float64, view assessment, adjusted bool, now time.Time) (Recommendation, string) {
	counter := view.ml && view.direction == p.Direction.Opposite()
	staleAfter := float64(m.cfg.StaleHoldHours) * 60

	switch {
	case p.SLHit(price):
		return RecExit, fmt.Sprintf("Stop loss hit at %.5f", price)
	case p.TPHit(price):
		return RecExit, fmt.Sprintf("Take profit reached at %.5f", price)
	case counter && view.reversalProb >= exitReversalProb:
		return RecExit, fmt.Sprintf("High reversal risk: model sees %s at %.0f%% reversal probability",
			view.direction, view.reversalProb*100)
	case view.ml && pct >= partialProfitPct && view.reversalProb >= partialReversalProb && view.reversalProb < exitReversalProb:
		return RecTakePartial, fmt.Sprintf("Lock some profit: %+.2f%% open with %.0f%% reversal risk",
			pct, view.reversalProb*100)
	case pct >= adjustProfitPct && adjusted:
		return RecAdjustSL, "Trailing rule tightened the stop to protect gains"
	case p.HoldMinutes(now) > staleAfter && math.Abs(pct) < staleBandPct:
		return RecExit, fmt.Sprintf("Stale position: near flat for over %dh", m.cfg.StaleHoldHours)
	default:
		return RecHold, fmt.Sprintf("Holding: %+.2f%% with trend %s", pct, view.trendDir)
	}
}

// urgency maps an evaluation to its notification level. Levels are
// checked most urgent first; LevelNone means stream-only.
func (m *Monitor) urgency(p *Position, price float64, rec Recommendation, view assessment, adjusted bool) Level {
	counter := view.ml && view.direction == p.Direction.Opposite()

	switch {
	case p.SLHit(price) || p.TPHit(price):
		return L1Critical
	case counter && view.reversalProb >= exitReversalProb:
		return L1Critical
	case (rec == RecExit || rec == RecTakePartial) && view.confidence >= l2Confidence:
		return L2Important
	case adjusted:
		return L3General
	case counter && view.confidence >= l3Confidence:
		return L3General
	default:
		return LevelNone
	}
}
