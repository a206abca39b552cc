package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fxsage/fxadvisor/internal/metrics"
	"github.com/fxsage/fxadvisor/internal/position"
)

// digestJob asks the dispatcher to build and send one user's daily
// summary covering activity since the cutoff.
type digestJob struct {
	userID uuid.UUID
	since  time.Time
	day    time.Time
}

// digestLoop fires once per day at the configured UTC hour and fans a
// digest job per active user into the main queue, so digests share
// ordering and backpressure with live alerts.
func (e *Engine) digestLoop(ctx context.Context) {
	if e.cfg.DigestHourUTC < 0 || e.cfg.DigestHourUTC > 23 {
		e.log.Info().Int("hour", e.cfg.DigestHourUTC).Msg("Daily digest disabled")
		return
	}

	for {
		now := e.now().UTC()
		next := nextDigestTime(now, e.cfg.DigestHourUTC)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			e.scheduleDigests(ctx, next)
		}
	}
}

// nextDigestTime is the next wall-clock occurrence of hour UTC
func nextDigestTime(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func (e *Engine) scheduleDigests(ctx context.Context, day time.Time) {
	since := day.Add(-24 * time.Hour)
	users, err := e.positions.DigestUsers(ctx, since)
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to list digest users")
		return
	}
	for _, userID := range users {
		e.enqueue(job{digest: &digestJob{userID: userID, since: since, day: day}})
	}
	e.log.Info().Int("users", len(users)).Time("day", day).Msg("Daily digests scheduled")
}

// deliverDigest builds and sends one user's summary. Digests are L4:
// mute windows apply and one per user per day is the ceiling.
func (e *Engine) deliverDigest(ctx context.Context, dj digestJob) {
	log := e.log.With().
		Str("user_id", dj.userID.String()).
		Str("kind", KindDigest).
		Logger()

	policy, err := e.recipients.Policy(ctx, dj.userID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load user policy")
		return
	}
	now := e.now().UTC()

	if !policy.NotificationsEnabled {
		metrics.RecordSuppression(metrics.SuppressDisabled)
		return
	}
	if policy.Muted(now) {
		metrics.RecordSuppression(metrics.SuppressMute)
		log.Debug().Msg("Digest suppressed by mute window")
		return
	}

	since := now.Add(-l4Cooldown)
	blocked, err := e.receipts.SubjectBlocked(ctx, dj.userID, dj.userID, e.transport.Name(), int(position.L4Summary), since)
	if err != nil {
		log.Warn().Err(err).Msg("Digest guard check failed")
		return
	}
	if blocked {
		metrics.RecordSuppression(metrics.SuppressLevel)
		log.Debug().Msg("Digest already sent today")
		return
	}

	records, err := e.positions.DigestRecords(ctx, dj.userID, dj.since)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load digest records")
		return
	}
	if len(records) == 0 {
		log.Debug().Msg("No activity, digest skipped")
		return
	}

	payload := digestPayload(dj.userID, records, dj.day)
	rec := &Receipt{
		ID:          uuid.New(),
		UserID:      dj.userID,
		SubjectKind: KindDigest,
		SubjectID:   dj.userID,
		Channel:     e.transport.Name(),
		Level:       position.L4Summary,
		MessageID:   payload.MessageID,
		SentAt:      now,
	}
	if e.send(ctx, payload, rec, since, log) {
		log.Info().Int("records", len(records)).Msg("Daily digest delivered")
	}
}

// digestPayload condenses a day of monitoring records into one
// message: the latest state per position plus outstanding advice.
func digestPayload(userID uuid.UUID, records []position.MonitoringRecord, day time.Time) Payload {
	latest := make(map[uuid.UUID]position.MonitoringRecord, 4)
	for _, rec := range records {
		latest[rec.PositionID] = rec // records arrive oldest first
	}

	var netPips float64
	exits, partials := 0, 0
	for _, rec := range latest {
		netPips += rec.UnrealizedPips
		switch rec.Recommendation {
		case position.RecExit:
			exits++
		case position.RecTakePartial:
			partials++
		}
	}

	body := fmt.Sprintf("%d position(s) evaluated %d time(s). Net open P&L %+.1f pips.",
		len(latest), len(records), netPips)
	if exits > 0 {
		body += fmt.Sprintf(" %d exit recommendation(s) outstanding.", exits)
	}
	if partials > 0 {
		body += fmt.Sprintf(" %d partial-close suggestion(s) outstanding.", partials)
	}

	return Payload{
		MessageID: DigestMessageID(userID, day),
		Kind:      KindDigest,
		UserID:    userID,
		SubjectID: userID,
		Title:     "Daily position digest",
		Body:      body,
		Level:     position.L4Summary,
		Priority:  "normal",
		CreatedAt: day,
	}
}
