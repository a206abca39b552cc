package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fxsage/fxadvisor/internal/bus"
	"github.com/fxsage/fxadvisor/internal/config"
	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/metrics"
	"github.com/fxsage/fxadvisor/internal/position"
	"github.com/fxsage/fxadvisor/internal/subscription"
)

// Per-position alert cooldowns by urgency. L1 has none: a stop-loss
// hit re-alerts on every evaluation until the user acts.
const (
	l2Cooldown = 5 * time.Minute
	l3Cooldown = 30 * time.Minute
	l4Cooldown = 24 * time.Hour
)

// drainGrace bounds how long queued notifications may finish after
// shutdown begins.
const drainGrace = 10 * time.Second

// defaultQueueSize applies when config leaves the queue unbounded
const defaultQueueSize = 256

// Recipients resolves who is subscribed to a key and under which
// policy. Policy must fill defaults for users who never stored one.
type Recipients interface {
	SubscriptionsForKey(ctx context.Context, pair market.Pair, tf market.Timeframe) ([]subscription.Subscription, error)
	Policy(ctx context.Context, userID uuid.UUID) (*subscription.UserPolicy, error)
}

// ReceiptLog is the receipt history the eligibility chain reads and
// the guarded insert that makes acceptance durable.
type ReceiptLog interface {
	InsertGuarded(ctx context.Context, rec *Receipt, since time.Time) (bool, error)
	SubjectBlocked(ctx context.Context, userID, subjectID uuid.UUID, channel string, level int, since time.Time) (bool, error)
	LastSignalReceipt(ctx context.Context, userID uuid.UUID, pair market.Pair, tf market.Timeframe) (*time.Time, error)
	CountSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
}

// PositionLog flags monitored records once their alert went out and
// feeds the daily digest.
type PositionLog interface {
	MarkNotified(ctx context.Context, recordID uuid.UUID, level position.Level) error
	DigestUsers(ctx context.Context, since time.Time) ([]uuid.UUID, error)
	DigestRecords(ctx context.Context, userID uuid.UUID, since time.Time) ([]position.MonitoringRecord, error)
}

// EventSource is the bus surface the engine consumes
type EventSource interface {
	Subscribe(topic string, handler bus.Handler) (*bus.Subscription, error)
}

// job is one unit of outbound work. Exactly one field is set.
type job struct {
	signal   *bus.SignalChangedEvent
	position *bus.PositionEvaluatedEvent
	digest   *digestJob
}

// Engine consumes signal changes and position evaluations from the
// bus, applies the per-user eligibility chain, and hands accepted
// payloads to the transport. A single dispatcher goroutine drains the
// queue, so everything the engine sends stays in arrival order.
type Engine struct {
	cfg        config.DeliveryConfig
	events     EventSource
	recipients Recipients
	receipts   ReceiptLog
	positions  PositionLog
	transport  Transport
	dedup      *dedupWindow
	retry      retryConfig
	queue      chan job
	log        zerolog.Logger
	now        func() time.Time
}

// NewEngine wires a delivery engine around one transport
func NewEngine(
	cfg config.DeliveryConfig,
	events EventSource,
	recipients Recipients,
	receipts ReceiptLog,
	positions PositionLog,
	transport Transport,
) *Engine {
	window := cfg.GetDedupWindow()
	if window <= 0 {
		window = 30 * time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10_000
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &Engine{
		cfg:        cfg,
		events:     events,
		recipients: recipients,
		receipts:   receipts,
		positions:  positions,
		transport:  transport,
		dedup:      newDedupWindow(window),
		retry:      newRetryConfig(cfg.RetryMax),
		queue:      make(chan job, queueSize),
		log:        config.NewLogger("delivery"),
		now:        time.Now,
	}
}

// Run subscribes to the bus and dispatches until ctx is cancelled,
// then finishes what is already queued within the drain grace.
func (e *Engine) Run(ctx context.Context) error {
	const op = "delivery.Run"

	sigSub, err := e.events.Subscribe(bus.TopicSignalChanged, func(ev *bus.Event) error {
		var sc bus.SignalChangedEvent
		if err := ev.Decode(&sc); err != nil {
			return err
		}
		e.enqueue(job{signal: &sc})
		return nil
	})
	if err != nil {
		return errs.E(op, errs.Unavailable, err)
	}
	defer sigSub.Unsubscribe()

	posSub, err := e.events.Subscribe(bus.TopicPositionEvaluated, func(ev *bus.Event) error {
		var pe bus.PositionEvaluatedEvent
		if err := ev.Decode(&pe); err != nil {
			return err
		}
		e.enqueue(job{position: &pe})
		return nil
	})
	if err != nil {
		return errs.E(op, errs.Unavailable, err)
	}
	defer posSub.Unsubscribe()

	digestDone := make(chan struct{})
	go func() {
		defer close(digestDone)
		e.digestLoop(ctx)
	}()

	e.log.Info().
		Str("channel", e.transport.Name()).
		Int("queue_size", cap(e.queue)).
		Dur("dedup_window", e.dedup.window).
		Msg("Delivery engine started")

	for {
		select {
		case j := <-e.queue:
			e.dispatch(ctx, j)
		case <-ctx.Done():
			<-digestDone
			e.drain()
			e.log.Info().Msg("Delivery engine stopped")
			return nil
		}
	}
}

// Close releases the transport. Call after Run returns.
func (e *Engine) Close() error {
	return e.transport.Close()
}

// enqueue hands a job to the dispatcher without blocking the bus
// callback. A full queue drops the event; receipts and the next
// change recover the user's view.
func (e *Engine) enqueue(j job) {
	select {
	case e.queue <- j:
		metrics.DeliveryQueueDepth.Set(float64(len(e.queue)))
	default:
		metrics.DeliveryQueueDropped.Inc()
		e.log.Warn().Msg("Delivery queue full, event dropped")
	}
}

func (e *Engine) dispatch(ctx context.Context, j job) {
	switch {
	case j.signal != nil:
		e.deliverSignal(ctx, *j.signal)
	case j.position != nil:
		e.deliverPosition(ctx, *j.position)
	case j.digest != nil:
		e.deliverDigest(ctx, *j.digest)
	}
	metrics.DeliveryQueueDepth.Set(float64(len(e.queue)))
}

// drain finishes queued work after shutdown, bounded by the grace
func (e *Engine) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()

	for {
		select {
		case j := <-e.queue:
			e.dispatch(ctx, j)
			if ctx.Err() != nil {
				e.log.Warn().Int("dropped", len(e.queue)).Msg("Drain grace elapsed, remaining queue dropped")
				return
			}
		default:
			return
		}
	}
}

// deliverSignal fans one signal change out to every subscriber of its
// key. Recipients are independent: one failed or suppressed user never
// blocks the rest.
func (e *Engine) deliverSignal(ctx context.Context, ev bus.SignalChangedEvent) {
	log := e.log.With().
		Str("signal_id", ev.SignalID.String()).
		Str("pair", ev.Pair).
		Str("timeframe", ev.Timeframe).
		Logger()

	pair, err := market.NewPair(ev.Pair)
	if err != nil {
		log.Error().Err(err).Msg("Malformed pair on signal event")
		return
	}
	tf, err := market.ParseTimeframe(ev.Timeframe)
	if err != nil {
		log.Error().Err(err).Msg("Malformed timeframe on signal event")
		return
	}

	subs, err := e.recipients.SubscriptionsForKey(ctx, pair, tf)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to resolve recipients")
		return
	}
	if len(subs) == 0 {
		log.Debug().Msg("No subscribers for key")
		return
	}

	sent := 0
	for i := range subs {
		if e.deliverSignalTo(ctx, ev, &subs[i], pair, tf) {
			sent++
		}
	}
	if sent > 0 {
		log.Info().
			Int("sent", sent).
			Int("subscribers", len(subs)).
			Str("direction", ev.NewDirection).
			Msg("Signal change delivered")
	}
}

// deliverSignalTo runs the eligibility chain for one subscriber and
// sends on acceptance. Returns whether the transport took the payload.
func (e *Engine) deliverSignalTo(ctx context.Context, ev bus.SignalChangedEvent, sub *subscription.Subscription, pair market.Pair, tf market.Timeframe) bool {
	log := e.log.With().
		Str("user_id", sub.UserID.String()).
		Str("pair", ev.Pair).
		Str("timeframe", ev.Timeframe).
		Logger()

	policy, err := e.recipients.Policy(ctx, sub.UserID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load user policy")
		return false
	}
	now := e.now().UTC()

	if reason := signalSuppressReason(policy, ev, pair, tf, now); reason != "" {
		metrics.RecordSuppression(reason)
		log.Debug().Str("reason", reason).Msg("Notification suppressed")
		return false
	}

	if cooldown := e.cooldownFor(policy); cooldown > 0 {
		last, err := e.receipts.LastSignalReceipt(ctx, sub.UserID, pair, tf)
		if err != nil {
			log.Warn().Err(err).Msg("Cooldown check failed")
			return false
		}
		if last != nil && now.Sub(*last) < cooldown {
			metrics.RecordSuppression(metrics.SuppressCooldown)
			log.Debug().Time("last_receipt", *last).Msg("Notification suppressed by cooldown")
			return false
		}
	}

	if quota := e.quotaFor(policy); quota > 0 {
		count, err := e.receipts.CountSince(ctx, sub.UserID, e.quotaCutoff(now))
		if err != nil {
			log.Warn().Err(err).Msg("Quota check failed")
			return false
		}
		if count >= quota {
			metrics.RecordSuppression(metrics.SuppressQuota)
			log.Debug().Int("count", count).Int("quota", quota).Msg("Notification suppressed by quota")
			return false
		}
	}

	dkey := dedupKey{userID: sub.UserID, pair: ev.Pair, timeframe: ev.Timeframe, direction: ev.NewDirection}
	if e.dedup.seen(dkey, now) {
		metrics.RecordSuppression(metrics.SuppressDedup)
		log.Debug().Str("direction", ev.NewDirection).Msg("Notification suppressed by dedup window")
		return false
	}

	payload := signalPayload(ev, sub.UserID, sub.ChannelID)
	rec := &Receipt{
		ID:          uuid.New(),
		UserID:      sub.UserID,
		SubjectKind: KindSignal,
		SubjectID:   ev.SignalID,
		Pair:        ev.Pair,
		Timeframe:   ev.Timeframe,
		Channel:     e.transport.Name(),
		Level:       position.LevelNone,
		MessageID:   payload.MessageID,
		SentAt:      now,
	}
	if !e.send(ctx, payload, rec, time.Time{}, log) {
		return false
	}
	e.dedup.mark(dkey, now)
	return true
}

// deliverPosition sends one position alert to the position's owner.
// LevelNone evaluations flow to the websocket stream only.
func (e *Engine) deliverPosition(ctx context.Context, ev bus.PositionEvaluatedEvent) {
	level := position.ParseLevel(ev.Urgency)
	if level == position.LevelNone {
		return
	}

	log := e.log.With().
		Str("position_id", ev.PositionID.String()).
		Str("user_id", ev.UserID.String()).
		Str("level", level.String()).
		Logger()

	policy, err := e.recipients.Policy(ctx, ev.UserID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load user policy")
		return
	}
	now := e.now().UTC()

	if !policy.NotificationsEnabled {
		metrics.RecordSuppression(metrics.SuppressDisabled)
		log.Debug().Msg("Position alert suppressed, notifications disabled")
		return
	}
	if level != position.L1Critical && policy.Muted(now) {
		metrics.RecordSuppression(metrics.SuppressMute)
		log.Debug().Msg("Position alert suppressed by mute window")
		return
	}

	since := e.guardCutoff(level, ev.EvaluatedAt, now)
	blocked, err := e.receipts.SubjectBlocked(ctx, ev.UserID, ev.PositionID, e.transport.Name(), int(level), since)
	if err != nil {
		log.Warn().Err(err).Msg("Escalation guard check failed")
		return
	}
	if blocked {
		metrics.RecordSuppression(metrics.SuppressLevel)
		log.Debug().Msg("Position alert suppressed, equal or more urgent alert already sent")
		return
	}

	payload := positionPayload(ev, level)
	rec := &Receipt{
		ID:          uuid.New(),
		UserID:      ev.UserID,
		SubjectKind: KindPosition,
		SubjectID:   ev.PositionID,
		Pair:        ev.Pair,
		Timeframe:   ev.Timeframe,
		Channel:     e.transport.Name(),
		Level:       level,
		MessageID:   payload.MessageID,
		SentAt:      now,
	}
	if !e.send(ctx, payload, rec, since, log) {
		return
	}

	if err := e.positions.MarkNotified(ctx, ev.RecordID, level); err != nil {
		log.Warn().Err(err).Str("record_id", ev.RecordID.String()).Msg("Failed to flag monitoring record")
	}
	log.Info().
		Str("recommendation", ev.Recommendation).
		Float64("pips", ev.UnrealizedPips).
		Msg("Position alert delivered")
}

// send pushes one payload through the transport with bounded retries
// and, on success, mints the receipt. The receipt insert is guarded, so
// a concurrent duplicate quietly loses.
func (e *Engine) send(ctx context.Context, payload Payload, rec *Receipt, guardSince time.Time, log zerolog.Logger) bool {
	start := e.now()
	err := withRetry(ctx, e.retry, log, func() error {
		sendCtx, cancel := context.WithTimeout(ctx, e.cfg.GetSendTimeout())
		defer cancel()
		return e.transport.Send(sendCtx, payload)
	})
	if err != nil {
		metrics.RecordDeliveryFailure(e.transport.Name())
		log.Error().Err(err).Str("message_id", payload.MessageID).Msg("Delivery failed permanently")
		return false
	}
	metrics.RecordNotificationSent(e.transport.Name(), levelLabel(rec), float64(e.now().Sub(start).Milliseconds()))

	inserted, err := e.receipts.InsertGuarded(ctx, rec, guardSince)
	if err != nil {
		// Sent but unrecorded: cooldowns will not see this one.
		log.Error().Err(err).Str("message_id", payload.MessageID).Msg("Failed to record receipt")
		return true
	}
	if !inserted {
		log.Debug().Str("message_id", payload.MessageID).Msg("Receipt already present")
	}
	return true
}

// signalSuppressReason walks the policy half of the eligibility chain
// in order and names the first rule that rejects, or returns "".
func signalSuppressReason(policy *subscription.UserPolicy, ev bus.SignalChangedEvent, pair market.Pair, tf market.Timeframe, now time.Time) string {
	switch {
	case !policy.NotificationsEnabled:
		return metrics.SuppressDisabled
	case !policy.AllowsPair(pair) || !policy.AllowsTimeframe(tf):
		return metrics.SuppressFilter
	case ev.NewConfidence < policy.MinConfidence:
		return metrics.SuppressConfidence
	case policy.MLOnly && ev.ModelVersion == "":
		return metrics.SuppressMLOnly
	case policy.Muted(now):
		return metrics.SuppressMute
	}
	return ""
}

// cooldownFor prefers the user's cooldown, falling back to the
// configured default.
func (e *Engine) cooldownFor(policy *subscription.UserPolicy) time.Duration {
	if policy.CooldownMinutes > 0 {
		return time.Duration(policy.CooldownMinutes) * time.Minute
	}
	return e.cfg.GetCooldown()
}

func (e *Engine) quotaFor(policy *subscription.UserPolicy) int {
	if policy.DailyQuota > 0 {
		return policy.DailyQuota
	}
	return e.cfg.DefaultDailyQuota
}

// quotaCutoff is the start of the quota window: rolling 24h by
// default, or midnight UTC when configured.
func (e *Engine) quotaCutoff(now time.Time) time.Time {
	if e.cfg.QuotaWindow == "utc" {
		return now.Truncate(24 * time.Hour)
	}
	return now.Add(-24 * time.Hour)
}

// guardCutoff is the receipt-history horizon for one alert level. L1
// has no cooldown, so only a receipt from this same evaluation blocks.
func (e *Engine) guardCutoff(level position.Level, evaluatedAt, now time.Time) time.Time {
	switch level {
	case position.L2Important:
		return now.Add(-l2Cooldown)
	case position.L3General:
		return now.Add(-l3Cooldown)
	case position.L4Summary:
		return now.Add(-l4Cooldown)
	default:
		return evaluatedAt
	}
}

// levelLabel keeps the sent-notification metric label bounded:
// "signal", "digest", or the alert level.
func levelLabel(rec *Receipt) string {
	if rec.Level == position.LevelNone {
		return rec.SubjectKind
	}
	return rec.Level.String()
}
