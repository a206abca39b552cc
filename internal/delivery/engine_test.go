package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxsage/fxadvisor/internal/bus"
	"github.com/fxsage/fxadvisor/internal/config"
	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/position"
	"github.com/fxsage/fxadvisor/internal/subscription"
)

type fakeRecipients struct {
	mu        sync.Mutex
	subs      map[market.Key][]subscription.Subscription
	policies  map[uuid.UUID]*subscription.UserPolicy
	subsErr   error
	policyErr error
}

func (f *fakeRecipients) SubscriptionsForKey(_ context.Context, pair market.Pair, tf market.Timeframe) ([]subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subsErr != nil {
		return nil, f.subsErr
	}
	return f.subs[market.Key{Pair: pair, Timeframe: tf}], nil
}

func (f *fakeRecipients) Policy(_ context.Context, userID uuid.UUID) (*subscription.UserPolicy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.policyErr != nil {
		return nil, f.policyErr
	}
	if p, ok := f.policies[userID]; ok {
		cp := *p
		return &cp, nil
	}
	return &subscription.UserPolicy{
		UserID:               userID,
		NotificationsEnabled: true,
		MinConfidence:        0.60,
		DailyQuota:           10,
		CooldownMinutes:      30,
	}, nil
}

func (f *fakeRecipients) setPolicy(p *subscription.UserPolicy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies[p.UserID] = p
}

// fakeReceiptLog mirrors the store's guard semantics in memory: a
// receipt blocks when it shares user, subject, and channel at an equal
// or more urgent level on or after the cutoff.
type fakeReceiptLog struct {
	mu        sync.Mutex
	receipts  []*Receipt
	insertErr error
	queryErr  error
}

func (f *fakeReceiptLog) InsertGuarded(_ context.Context, rec *Receipt, since time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return false, f.insertErr
	}
	if f.blockedLocked(rec.UserID, rec.SubjectID, rec.Channel, int(rec.Level), since) {
		return false, nil
	}
	f.receipts = append(f.receipts, rec)
	return true, nil
}

func (f *fakeReceiptLog) SubjectBlocked(_ context.Context, userID, subjectID uuid.UUID, channel string, level int, since time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return false, f.queryErr
	}
	return f.blockedLocked(userID, subjectID, channel, level, since), nil
}

func (f *fakeReceiptLog) blockedLocked(userID, subjectID uuid.UUID, channel string, level int, since time.Time) bool {
	for _, r := range f.receipts {
		if r.UserID == userID && r.SubjectID == subjectID && r.Channel == channel &&
			int(r.Level) <= level && !r.SentAt.Before(since) {
			return true
		}
	}
	return false
}

func (f *fakeReceiptLog) LastSignalReceipt(_ context.Context, userID uuid.UUID, pair market.Pair, tf market.Timeframe) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var last *time.Time
	for _, r := range f.receipts {
		if r.UserID == userID && r.SubjectKind == KindSignal && r.Pair == pair.String() && r.Timeframe == tf.String() {
			if last == nil || r.SentAt.After(*last) {
				at := r.SentAt
				last = &at
			}
		}
	}
	return last, nil
}

func (f *fakeReceiptLog) CountSince(_ context.Context, userID uuid.UUID, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return 0, f.queryErr
	}
	count := 0
	for _, r := range f.receipts {
		if r.UserID == userID && !r.SentAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (f *fakeReceiptLog) add(rec *Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, rec)
}

func (f *fakeReceiptLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.receipts)
}

type fakePositionLog struct {
	mu      sync.Mutex
	marked  map[uuid.UUID]position.Level
	users   []uuid.UUID
	records map[uuid.UUID][]position.MonitoringRecord
	markErr error
}

func newFakePositionLog() *fakePositionLog {
	return &fakePositionLog{
		marked:  make(map[uuid.UUID]position.Level),
		records: make(map[uuid.UUID][]position.MonitoringRecord),
	}
}

func (f *fakePositionLog) MarkNotified(_ context.Context, recordID uuid.UUID, level position.Level) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marked[recordID] = level
	return nil
}

func (f *fakePositionLog) DigestUsers(_ context.Context, _ time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users, nil
}

func (f *fakePositionLog) DigestRecords(_ context.Context, userID uuid.UUID, _ time.Time) ([]position.MonitoringRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[userID], nil
}

func (f *fakePositionLog) markedLevel(recordID uuid.UUID) (position.Level, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	level, ok := f.marked[recordID]
	return level, ok
}

type fakeTransport struct {
	mu    sync.Mutex
	sent  []Payload
	fails int
	err   error
}

func (f *fakeTransport) Send(_ context.Context, p Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails != 0 {
		if f.fails > 0 {
			f.fails--
		}
		if f.err != nil {
			return f.err
		}
		return errs.Errorf("test.transport", errs.Transient, "transient failure")
	}
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeTransport) Name() string { return "test" }
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) sentPayloads() []Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Payload, len(f.sent))
	copy(out, f.sent)
	return out
}

var engineNow = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

type engineFixture struct {
	engine     *Engine
	recipients *fakeRecipients
	receipts   *fakeReceiptLog
	positions  *fakePositionLog
	transport  *fakeTransport
	userID     uuid.UUID
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		recipients: &fakeRecipients{
			subs:     make(map[market.Key][]subscription.Subscription),
			policies: make(map[uuid.UUID]*subscription.UserPolicy),
		},
		receipts:  &fakeReceiptLog{},
		positions: newFakePositionLog(),
		transport: &fakeTransport{},
		userID:    uuid.New(),
	}
	f.recipients.subs[market.Key{Pair: "EUR/USD", Timeframe: market.TF1h}] = []subscription.Subscription{
		{ID: uuid.New(), UserID: f.userID, Pair: "EUR/USD", Timeframe: market.TF1h},
	}

	cfg := config.DeliveryConfig{
		DefaultDailyQuota:      10,
		DefaultCooldownMinutes: 30,
		DedupWindowMinutes:     30,
		SendTimeout:            1000,
		RetryMax:               3,
		QueueSize:              16,
		DigestHourUTC:          20,
	}
	f.engine = NewEngine(cfg, nil, f.recipients, f.receipts, f.positions, f.transport)
	f.engine.now = func() time.Time { return engineNow }
	f.engine.retry = retryConfig{
		attempts:       3,
		initialBackoff: time.Millisecond,
		maxBackoff:     5 * time.Millisecond,
		backoffFactor:  2.0,
	}
	return f
}

func signalEvent() bus.SignalChangedEvent {
	return bus.SignalChangedEvent{
		SignalID:        uuid.New(),
		Pair:            "EUR/USD",
		Timeframe:       "1h",
		NewDirection:    "long",
		NewConfidence:   0.72,
		Strength:        "moderate",
		MarketCondition: "trending",
		EntryPrice:      1.0850,
		StopLoss:        1.0820,
		TakeProfit:      1.0910,
		ModelVersion:    "v1.2.0",
		DetectedAt:      engineNow.Add(-time.Second),
	}
}

func (f *engineFixture) positionEvent(level position.Level) bus.PositionEvaluatedEvent {
	return bus.PositionEvaluatedEvent{
		PositionID:     uuid.New(),
		RecordID:       uuid.New(),
		UserID:         f.userID,
		Pair:           "EUR/USD",
		Timeframe:      "1h",
		Direction:      "long",
		Recommendation: "exit",
		Urgency:        level.String(),
		Rationale:      "Stop loss hit at 1.08200",
		CurrentPrice:   1.0820,
		UnrealizedPips: -30,
		UnrealizedPct:  -0.28,
		EvaluatedAt:    engineNow.Add(-time.Second),
	}
}

func TestDeliverSignalSendsAndMintsReceipt(t *testing.T) {
	f := newEngineFixture(t)
	ev := signalEvent()

	f.engine.deliverSignal(context.Background(), ev)

	sent := f.transport.sentPayloads()
	require.Len(t, sent, 1)
	p := sent[0]
	assert.Equal(t, SignalMessageID(ev.SignalID, f.userID), p.MessageID)
	assert.Equal(t, KindSignal, p.Kind)
	assert.Equal(t, f.userID, p.UserID)
	assert.Equal(t, "long", p.Direction)
	assert.InDelta(t, 1.0850, p.EntryPrice, 1e-9)
	assert.InDelta(t, 0.72, p.Confidence, 1e-9)
	assert.Equal(t, "v1.2.0", p.ModelVersion)

	require.Equal(t, 1, f.receipts.count())
	rec := f.receipts.receipts[0]
	assert.Equal(t, KindSignal, rec.SubjectKind)
	assert.Equal(t, ev.SignalID, rec.SubjectID)
	assert.Equal(t, "EUR/USD", rec.Pair)
	assert.Equal(t, "test", rec.Channel)
	assert.Equal(t, position.LevelNone, rec.Level)
	assert.Equal(t, 1, f.engine.dedup.size())
}

func TestDeliverSignalNoSubscribers(t *testing.T) {
	f := newEngineFixture(t)
	ev := signalEvent()
	ev.Pair = "GBP/USD"

	f.engine.deliverSignal(context.Background(), ev)

	assert.Empty(t, f.transport.sentPayloads())
	assert.Zero(t, f.receipts.count())
}

func TestSignalSuppressReasonChain(t *testing.T) {
	ev := signalEvent()
	pair := market.Pair("EUR/USD")
	tf := market.TF1h
	now := engineNow

	base := func() *subscription.UserPolicy {
		return &subscription.UserPolicy{
			NotificationsEnabled: true,
			MinConfidence:        0.60,
		}
	}

	tests := []struct {
		name   string
		mutate func(*subscription.UserPolicy)
		event  func(*bus.SignalChangedEvent)
		want   string
	}{
		{
			name:   "eligible",
			mutate: func(p *subscription.UserPolicy) {},
			want:   "",
		},
		{
			name:   "notifications disabled",
			mutate: func(p *subscription.UserPolicy) { p.NotificationsEnabled = false },
			want:   "notifications_disabled",
		},
		{
			name:   "pair not preferred",
			mutate: func(p *subscription.UserPolicy) { p.PreferredPairs = []market.Pair{"GBP/USD"} },
			want:   "policy_filter",
		},
		{
			name:   "timeframe not enabled",
			mutate: func(p *subscription.UserPolicy) { p.EnabledTimeframes = []market.Timeframe{market.TF4h} },
			want:   "policy_filter",
		},
		{
			name:   "below min confidence",
			mutate: func(p *subscription.UserPolicy) { p.MinConfidence = 0.80 },
			want:   "below_min_confidence",
		},
		{
			name:   "ml only without model version",
			mutate: func(p *subscription.UserPolicy) { p.MLOnly = true },
			event:  func(ev *bus.SignalChangedEvent) { ev.ModelVersion = "" },
			want:   "ml_only",
		},
		{
			name:   "ml only with model version passes",
			mutate: func(p *subscription.UserPolicy) { p.MLOnly = true },
			want:   "",
		},
		{
			name:   "mute window",
			mutate: func(p *subscription.UserPolicy) { p.MuteWindows = []subscription.MuteWindow{"10:00-14:00"} },
			want:   "mute_window",
		},
		{
			name:   "overnight mute wraps",
			mutate: func(p *subscription.UserPolicy) { p.MuteWindows = []subscription.MuteWindow{"22:00-13:00"} },
			want:   "mute_window",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := base()
			tt.mutate(policy)
			event := ev
			if tt.event != nil {
				tt.event(&event)
			}
			assert.Equal(t, tt.want, signalSuppressReason(policy, event, pair, tf, now))
		})
	}
}

func TestSignalCooldownSuppression(t *testing.T) {
	f := newEngineFixture(t)
	ev := signalEvent()

	// A signal receipt 10 minutes ago sits inside the 30 minute cooldown.
	f.receipts.add(&Receipt{
		ID: uuid.New(), UserID: f.userID, SubjectKind: KindSignal, SubjectID: uuid.New(),
		Pair: "EUR/USD", Timeframe: "1h", Channel: "test",
		MessageID: "sig-old", SentAt: engineNow.Add(-10 * time.Minute),
	})

	f.engine.deliverSignal(context.Background(), ev)
	assert.Empty(t, f.transport.sentPayloads())

	// Age the receipt past the cooldown and the same event is eligible.
	f.receipts.receipts[0].SentAt = engineNow.Add(-40 * time.Minute)
	f.engine.deliverSignal(context.Background(), ev)
	assert.Len(t, f.transport.sentPayloads(), 1)
}

func TestSignalQuotaSuppression(t *testing.T) {
	f := newEngineFixture(t)
	f.recipients.setPolicy(&subscription.UserPolicy{
		UserID:               f.userID,
		NotificationsEnabled: true,
		MinConfidence:        0.60,
		DailyQuota:           2,
		CooldownMinutes:      1,
	})

	// Two receipts inside the rolling window exhaust the quota of two.
	// Different pairs keep the cooldown rule out of the way.
	for i, pair := range []string{"GBP/USD", "USD/JPY"} {
		f.receipts.add(&Receipt{
			ID: uuid.New(), UserID: f.userID, SubjectKind: KindSignal, SubjectID: uuid.New(),
			Pair: pair, Timeframe: "1h", Channel: "test",
			MessageID: "sig-prior", SentAt: engineNow.Add(-time.Duration(i+2) * time.Hour),
		})
	}

	f.engine.deliverSignal(context.Background(), signalEvent())
	assert.Empty(t, f.transport.sentPayloads())

	// Push one receipt outside the 24h window and the quota frees up.
	f.receipts.receipts[0].SentAt = engineNow.Add(-25 * time.Hour)
	f.engine.deliverSignal(context.Background(), signalEvent())
	assert.Len(t, f.transport.sentPayloads(), 1)
}

func TestSignalDedupWindow(t *testing.T) {
	f := newEngineFixture(t)
	f.recipients.setPolicy(&subscription.UserPolicy{
		UserID:               f.userID,
		NotificationsEnabled: true,
		MinConfidence:        0.60,
		DailyQuota:           10,
		CooldownMinutes:      0, // falls back to the 30m default; avoided below
	})
	f.engine.cfg.DefaultCooldownMinutes = 0

	first := signalEvent()
	f.engine.deliverSignal(context.Background(), first)
	require.Len(t, f.transport.sentPayloads(), 1)

	// Same direction again inside the window: suppressed even though
	// the confidence moved and it is a different signal row.
	second := signalEvent()
	second.NewConfidence = 0.95
	f.engine.deliverSignal(context.Background(), second)
	assert.Len(t, f.transport.sentPayloads(), 1)

	// A direction flip is a different tuple and goes out.
	third := signalEvent()
	third.NewDirection = "short"
	f.engine.deliverSignal(context.Background(), third)
	assert.Len(t, f.transport.sentPayloads(), 2)
}

func TestSignalRetryThenSuccess(t *testing.T) {
	f := newEngineFixture(t)
	f.transport.fails = 2

	f.engine.deliverSignal(context.Background(), signalEvent())

	require.Len(t, f.transport.sentPayloads(), 1)
	assert.Equal(t, 1, f.receipts.count())
}

func TestSignalPermanentFailureLeavesNoReceipt(t *testing.T) {
	f := newEngineFixture(t)
	f.transport.fails = -1 // never succeeds

	f.engine.deliverSignal(context.Background(), signalEvent())

	assert.Empty(t, f.transport.sentPayloads())
	assert.Zero(t, f.receipts.count())
	// The tuple was never sent, so the dedup window must not hold it.
	assert.Zero(t, f.engine.dedup.size())
}

func TestSignalNonRetryableFailureStopsImmediately(t *testing.T) {
	f := newEngineFixture(t)
	f.transport.fails = -1
	f.transport.err = errs.Errorf("test.transport", errs.InvalidInput, "payload rejected")

	f.engine.deliverSignal(context.Background(), signalEvent())

	assert.Empty(t, f.transport.sentPayloads())
	assert.Zero(t, f.receipts.count())
}

func TestSignalFansOutToAllSubscribers(t *testing.T) {
	f := newEngineFixture(t)
	other := uuid.New()
	key := market.Key{Pair: "EUR/USD", Timeframe: market.TF1h}
	f.recipients.subs[key] = append(f.recipients.subs[key], subscription.Subscription{
		ID: uuid.New(), UserID: other, Pair: "EUR/USD", Timeframe: market.TF1h,
	})
	// The second user is suppressed; the first still receives.
	f.recipients.setPolicy(&subscription.UserPolicy{
		UserID: other, NotificationsEnabled: false,
	})

	f.engine.deliverSignal(context.Background(), signalEvent())

	sent := f.transport.sentPayloads()
	require.Len(t, sent, 1)
	assert.Equal(t, f.userID, sent[0].UserID)
}

func TestPositionAlertDelivery(t *testing.T) {
	f := newEngineFixture(t)
	ev := f.positionEvent(position.L2Important)

	f.engine.deliverPosition(context.Background(), ev)

	sent := f.transport.sentPayloads()
	require.Len(t, sent, 1)
	assert.Equal(t, PositionMessageID(ev.RecordID, position.L2Important), sent[0].MessageID)
	assert.Equal(t, KindPosition, sent[0].Kind)
	assert.Equal(t, position.L2Important, sent[0].Level)
	assert.Equal(t, "high", sent[0].Priority)

	require.Equal(t, 1, f.receipts.count())
	assert.Equal(t, position.L2Important, f.receipts.receipts[0].Level)
	assert.Equal(t, ev.PositionID, f.receipts.receipts[0].SubjectID)

	level, ok := f.positions.markedLevel(ev.RecordID)
	require.True(t, ok)
	assert.Equal(t, position.L2Important, level)
}

func TestPositionLevelNoneStreamsOnly(t *testing.T) {
	f := newEngineFixture(t)

	f.engine.deliverPosition(context.Background(), f.positionEvent(position.LevelNone))

	assert.Empty(t, f.transport.sentPayloads())
	assert.Zero(t, f.receipts.count())
}

func TestPositionL1BypassesMuteWindow(t *testing.T) {
	f := newEngineFixture(t)
	f.recipients.setPolicy(&subscription.UserPolicy{
		UserID:               f.userID,
		NotificationsEnabled: true,
		MuteWindows:          []subscription.MuteWindow{"10:00-14:00"}, // covers engineNow
	})

	f.engine.deliverPosition(context.Background(), f.positionEvent(position.L2Important))
	assert.Empty(t, f.transport.sentPayloads(), "L2 must respect the mute window")

	f.engine.deliverPosition(context.Background(), f.positionEvent(position.L1Critical))
	assert.Len(t, f.transport.sentPayloads(), 1, "L1 must bypass the mute window")
}

func TestPositionDisabledSuppressesEvenL1(t *testing.T) {
	f := newEngineFixture(t)
	f.recipients.setPolicy(&subscription.UserPolicy{
		UserID:               f.userID,
		NotificationsEnabled: false,
	})

	f.engine.deliverPosition(context.Background(), f.positionEvent(position.L1Critical))

	assert.Empty(t, f.transport.sentPayloads())
}

func TestPositionEscalationGuard(t *testing.T) {
	f := newEngineFixture(t)
	positionID := uuid.New()

	// An L2 sent two minutes ago blocks another L2 (5m cooldown) but
	// not an escalation to L1.
	f.receipts.add(&Receipt{
		ID: uuid.New(), UserID: f.userID, SubjectKind: KindPosition, SubjectID: positionID,
		Pair: "EUR/USD", Timeframe: "1h", Channel: "test", Level: position.L2Important,
		MessageID: "pos-prior", SentAt: engineNow.Add(-2 * time.Minute),
	})

	l2 := f.positionEvent(position.L2Important)
	l2.PositionID = positionID
	f.engine.deliverPosition(context.Background(), l2)
	assert.Empty(t, f.transport.sentPayloads())

	l1 := f.positionEvent(position.L1Critical)
	l1.PositionID = positionID
	f.engine.deliverPosition(context.Background(), l1)
	assert.Len(t, f.transport.sentPayloads(), 1)
}

func TestPositionLevelCooldownExpires(t *testing.T) {
	f := newEngineFixture(t)
	positionID := uuid.New()

	f.receipts.add(&Receipt{
		ID: uuid.New(), UserID: f.userID, SubjectKind: KindPosition, SubjectID: positionID,
		Pair: "EUR/USD", Timeframe: "1h", Channel: "test", Level: position.L2Important,
		MessageID: "pos-prior", SentAt: engineNow.Add(-6 * time.Minute),
	})

	ev := f.positionEvent(position.L2Important)
	ev.PositionID = positionID
	f.engine.deliverPosition(context.Background(), ev)

	assert.Len(t, f.transport.sentPayloads(), 1, "a receipt older than the L2 cooldown must not block")
}

func TestGuardCutoffPerLevel(t *testing.T) {
	f := newEngineFixture(t)
	evaluatedAt := engineNow.Add(-30 * time.Second)

	assert.Equal(t, evaluatedAt, f.engine.guardCutoff(position.L1Critical, evaluatedAt, engineNow))
	assert.Equal(t, engineNow.Add(-5*time.Minute), f.engine.guardCutoff(position.L2Important, evaluatedAt, engineNow))
	assert.Equal(t, engineNow.Add(-30*time.Minute), f.engine.guardCutoff(position.L3General, evaluatedAt, engineNow))
	assert.Equal(t, engineNow.Add(-24*time.Hour), f.engine.guardCutoff(position.L4Summary, evaluatedAt, engineNow))
}

func TestQuotaCutoffModes(t *testing.T) {
	f := newEngineFixture(t)

	assert.Equal(t, engineNow.Add(-24*time.Hour), f.engine.quotaCutoff(engineNow))

	f.engine.cfg.QuotaWindow = "utc"
	midnight := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, midnight, f.engine.quotaCutoff(engineNow))
}

func TestEngineRunConsumesBusEvents(t *testing.T) {
	f := newEngineFixture(t)

	b, err := bus.New(bus.Config{Embedded: true, Prefix: "deliverytest"}, config.NewLogger("test"))
	require.NoError(t, err)
	defer b.Close()
	f.engine.events = b
	f.engine.cfg.DigestHourUTC = -1 // keep the digest loop out of this test

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		runErr = f.engine.Run(ctx)
	}()

	// Give the subscriptions a moment to establish.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, b.PublishSignalChanged(context.Background(), signalEvent()))
	require.Eventually(t, func() bool {
		return len(f.transport.sentPayloads()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, b.PublishPositionEvaluated(context.Background(), f.positionEvent(position.L1Critical)))
	require.Eventually(t, func() bool {
		return len(f.transport.sentPayloads()) == 2
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
		require.NoError(t, runErr)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after cancel")
	}
}
