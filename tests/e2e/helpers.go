// Shared fixtures for end-to-end advisory pipeline tests
package e2e

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fxsage/fxadvisor/internal/bus"
	"github.com/fxsage/fxadvisor/internal/config"
	"github.com/fxsage/fxadvisor/internal/delivery"
	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/position"
	"github.com/fxsage/fxadvisor/internal/predictor"
	"github.com/fxsage/fxadvisor/internal/registry"
	"github.com/fxsage/fxadvisor/internal/signal"
	"github.com/fxsage/fxadvisor/internal/subscription"
)

// settleTime gives background goroutines time to register their bus
// subscriptions before the test publishes.
const settleTime = 300 * time.Millisecond

// startBus boots an embedded NATS server wrapped in the event bus
func startBus(t *testing.T) *bus.Bus {
	t.Helper()
	b, err := bus.New(bus.Config{Embedded: true, Prefix: "e2e"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// deliveryConfig returns engine settings tuned for fast tests: no
// cooldown, no quota, digest disabled.
func deliveryConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		DefaultDailyQuota:      0,
		DefaultCooldownMinutes: 0,
		DedupWindowMinutes:     30,
		QuotaWindow:            "rolling",
		SendTimeout:            2000,
		RetryMax:               2,
		QueueSize:              64,
		DigestHourUTC:          -1,
	}
}

// monitorConfig returns monitor settings where only the immediate
// startup tick fires inside the test window.
func monitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		TickInterval:    3600,
		Workers:         2,
		ConfidenceDelta: 0.05,
		MinCandles:      60,
		HistoryDepth:    80,
		ShutdownGrace:   1,
	}
}

// captureTransport hands every accepted payload to the test
type captureTransport struct {
	mu   sync.Mutex
	sent []delivery.Payload
	ch   chan delivery.Payload
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{ch: make(chan delivery.Payload, 32)}
}

func (c *captureTransport) Send(_ context.Context, p delivery.Payload) error {
	c.mu.Lock()
	c.sent = append(c.sent, p)
	c.mu.Unlock()
	select {
	case c.ch <- p:
	default:
	}
	return nil
}

func (c *captureTransport) Name() string { return "capture" }
func (c *captureTransport) Close() error { return nil }

func (c *captureTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// waitForPayload blocks until the transport accepts a payload
func waitForPayload(t *testing.T, tr *captureTransport, timeout time.Duration) delivery.Payload {
	t.Helper()
	select {
	case p := <-tr.ch:
		return p
	case <-time.After(timeout):
		t.Fatalf("no payload delivered within %s", timeout)
		return delivery.Payload{}
	}
}

// expectSilence asserts nothing reaches the transport for the window
func expectSilence(t *testing.T, tr *captureTransport, window time.Duration) {
	t.Helper()
	select {
	case p := <-tr.ch:
		t.Fatalf("unexpected delivery %s (%s)", p.MessageID, p.Kind)
	case <-time.After(window):
	}
}

// memoryDirectory implements delivery.Recipients and the monitor's key
// enumeration in memory.
type memoryDirectory struct {
	mu       sync.Mutex
	subs     map[market.Key][]subscription.Subscription
	policies map[uuid.UUID]subscription.UserPolicy
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{
		subs:     make(map[market.Key][]subscription.Subscription),
		policies: make(map[uuid.UUID]subscription.UserPolicy),
	}
}

func (d *memoryDirectory) subscribe(userID uuid.UUID, pair market.Pair, tf market.Timeframe) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := market.Key{Pair: pair, Timeframe: tf}
	d.subs[key] = append(d.subs[key], subscription.Subscription{
		ID:        uuid.New(),
		UserID:    userID,
		Pair:      pair,
		Timeframe: tf,
		CreatedAt: time.Now().UTC(),
	})
}

func (d *memoryDirectory) setPolicy(p subscription.UserPolicy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policies[p.UserID] = p
}

func (d *memoryDirectory) SubscriptionsForKey(_ context.Context, pair market.Pair, tf market.Timeframe) ([]subscription.Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := market.Key{Pair: pair, Timeframe: tf}
	return append([]subscription.Subscription(nil), d.subs[key]...), nil
}

func (d *memoryDirectory) Policy(_ context.Context, userID uuid.UUID) (*subscription.UserPolicy, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.policies[userID]; ok {
		return &p, nil
	}
	return &subscription.UserPolicy{
		UserID:               userID,
		NotificationsEnabled: true,
		MinConfidence:        0.60,
	}, nil
}

func (d *memoryDirectory) ActiveKeys(context.Context) ([]market.Key, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]market.Key, 0, len(d.subs))
	for k := range d.subs {
		keys = append(keys, k)
	}
	return keys, nil
}

// memoryReceipts implements delivery.ReceiptLog with the store's guard
// semantics: an equal or more urgent receipt for the same subject on or
// after the cutoff blocks the insert.
type memoryReceipts struct {
	mu   sync.Mutex
	recs []delivery.Receipt
}

func (m *memoryReceipts) InsertGuarded(_ context.Context, rec *delivery.Receipt, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocked(rec.UserID, rec.SubjectID, rec.Channel, int(rec.Level), since) {
		return false, nil
	}
	m.recs = append(m.recs, *rec)
	return true, nil
}

func (m *memoryReceipts) SubjectBlocked(_ context.Context, userID, subjectID uuid.UUID, channel string, level int, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked(userID, subjectID, channel, level, since), nil
}

func (m *memoryReceipts) blocked(userID, subjectID uuid.UUID, channel string, level int, since time.Time) bool {
	for i := range m.recs {
		r := &m.recs[i]
		if r.UserID == userID && r.SubjectID == subjectID && r.Channel == channel &&
			int(r.Level) <= level && !r.SentAt.Before(since) {
			return true
		}
	}
	return false
}

func (m *memoryReceipts) LastSignalReceipt(_ context.Context, userID uuid.UUID, pair market.Pair, tf market.Timeframe) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *time.Time
	for i := range m.recs {
		r := &m.recs[i]
		if r.UserID == userID && r.SubjectKind == delivery.KindSignal &&
			r.Pair == pair.String() && r.Timeframe == tf.String() {
			if last == nil || r.SentAt.After(*last) {
				at := r.SentAt
				last = &at
			}
		}
	}
	return last, nil
}

func (m *memoryReceipts) CountSince(_ context.Context, userID uuid.UUID, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for i := range m.recs {
		if m.recs[i].UserID == userID && !m.recs[i].SentAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *memoryReceipts) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

// memoryPositionLog records notification flags; digests stay empty
type memoryPositionLog struct {
	mu       sync.Mutex
	notified map[uuid.UUID]position.Level
}

func newMemoryPositionLog() *memoryPositionLog {
	return &memoryPositionLog{notified: make(map[uuid.UUID]position.Level)}
}

func (m *memoryPositionLog) MarkNotified(_ context.Context, recordID uuid.UUID, level position.Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified[recordID] = level
	return nil
}

func (m *memoryPositionLog) DigestUsers(context.Context, time.Time) ([]uuid.UUID, error) {
	return nil, nil
}

func (m *memoryPositionLog) DigestRecords(context.Context, uuid.UUID, time.Time) ([]position.MonitoringRecord, error) {
	return nil, nil
}

func (m *memoryPositionLog) notifiedLevel(recordID uuid.UUID) (position.Level, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	level, ok := m.notified[recordID]
	return level, ok
}

// scriptedPredictor returns one configured prediction for every call
type scriptedPredictor struct {
	mu    sync.Mutex
	next  predictor.Prediction
	calls int
}

func (p *scriptedPredictor) set(pred predictor.Prediction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = pred
}

func (p *scriptedPredictor) Predict(_ context.Context, req predictor.Request) (*predictor.Prediction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	out := p.next
	if out.ModelVersion == "" {
		out.ModelVersion = req.VersionHint
	}
	return &out, nil
}

func (p *scriptedPredictor) Healthcheck(context.Context) error { return nil }

// staticRouter always routes to one version with no split test
type staticRouter struct{ version string }

func (r staticRouter) Route(market.Pair, market.Timeframe, time.Time) (registry.RouteDecision, error) {
	return registry.RouteDecision{Version: r.version}, nil
}

// memorySignalStore implements signal.Store in memory
type memorySignalStore struct {
	mu      sync.Mutex
	signals []signal.Signal
}

func (s *memorySignalStore) InsertWithChange(_ context.Context, sig *signal.Signal, _ *signal.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, *sig)
	return nil
}

func (s *memorySignalStore) LastPerKey(context.Context) (map[market.Key]*signal.Signal, error) {
	return map[market.Key]*signal.Signal{}, nil
}

func (s *memorySignalStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.signals)
}

// trendingCandles serves a synthetic uptrend for any key. The zigzag
// keeps both gains and losses in the series so every indicator gets
// real input.
type trendingCandles struct{ depth int }

func (c trendingCandles) GetCandles(_ context.Context, pair market.Pair, tf market.Timeframe, n int) ([]market.Candle, bool, error) {
	depth := c.depth
	if n < depth {
		depth = n
	}
	step := tf.Duration()
	end := time.Now().UTC().Truncate(step)
	candles := make([]market.Candle, depth)
	base := 1.0800
	for i := range candles {
		open := base + float64(i)*0.0004
		cl := open + 0.0003
		if i%6 == 0 {
			cl = open - 0.0002
		}
		spread := 0.0005 + 0.0002*float64(i%5)
		candles[i] = market.Candle{
			Pair:      pair,
			Timeframe: tf,
			TS:        end.Add(-time.Duration(depth-i) * step),
			Open:      open,
			High:      maxPrice(open, cl) + spread,
			Low:       minPrice(open, cl) - spread,
			Close:     cl,
			Volume:    1000 + float64(i%7)*50,
			Source:    "api",
		}
	}
	candles[depth-1].RealTime = true
	return candles, false, nil
}

func maxPrice(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minPrice(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// signalEvent builds a publishable signal change
func signalEvent(pair, tf, direction string, confidence float64) bus.SignalChangedEvent {
	return bus.SignalChangedEvent{
		SignalID:        uuid.New(),
		Pair:            pair,
		Timeframe:       tf,
		NewDirection:    direction,
		NewConfidence:   confidence,
		Strength:        signal.ClassifyStrength(confidence),
		MarketCondition: "trending",
		EntryPrice:      1.0850,
		StopLoss:        1.0800,
		TakeProfit:      1.0950,
		ModelVersion:    "v1.0.0",
		DetectedAt:      time.Now().UTC(),
	}
}

// positionEvent builds a publishable position evaluation
func positionEvent(userID, positionID uuid.UUID, urgency, recommendation string) bus.PositionEvaluatedEvent {
	return bus.PositionEvaluatedEvent{
		PositionID:     positionID,
		RecordID:       uuid.New(),
		UserID:         userID,
		Pair:           "EUR/USD",
		Timeframe:      "1h",
		Direction:      "long",
		Recommendation: recommendation,
		Urgency:        urgency,
		Rationale:      "Price is approaching the stop.",
		CurrentPrice:   1.0825,
		UnrealizedPips: -25,
		UnrealizedPct:  -0.23,
		EvaluatedAt:    time.Now().UTC(),
	}
}

// deliveryHarness is a running engine over an embedded bus with
// in-memory stores behind it.
type deliveryHarness struct {
	bus       *bus.Bus
	directory *memoryDirectory
	receipts  *memoryReceipts
	positions *memoryPositionLog
	transport *captureTransport
}

// startDeliveryHarness boots the bus and a delivery engine and blocks
// until both bus subscriptions are live.
func startDeliveryHarness(t *testing.T) *deliveryHarness {
	t.Helper()

	h := &deliveryHarness{
		bus:       startBus(t),
		directory: newMemoryDirectory(),
		receipts:  &memoryReceipts{},
		positions: newMemoryPositionLog(),
		transport: newCaptureTransport(),
	}

	engine := delivery.NewEngine(deliveryConfig(), h.bus, h.directory, h.receipts, h.positions, h.transport)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	time.Sleep(settleTime)
	return h
}
