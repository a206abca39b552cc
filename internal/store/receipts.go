package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fxsage/fxadvisor/internal/delivery"
	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/position"
)

// ReceiptStore persists notification receipts. Receipts are the single
// source of truth for cooldowns, quotas, and the escalation guard, so
// every read here is keyed the way the delivery engine asks.
type ReceiptStore struct {
	pool PoolIface
}

func NewReceiptStore(pool PoolIface) *ReceiptStore {
	return &ReceiptStore{pool: pool}
}

const insertReceiptGuardedSQL = `
	INSERT INTO notification_receipts
		(id, user_id, subject_kind, subject_id, pair, timeframe, channel, level, message_id, sent_at)
	SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
	WHERE NOT EXISTS (
		SELECT 1 FROM notification_receipts
		WHERE user_id = $2 AND subject_id = $4 AND channel = $7
			AND level <= $8 AND sent_at >= $11
	)
`

// InsertGuarded writes a receipt unless one already exists for the same
// (user, subject, channel) at an equal or more urgent level on or after
// the cutoff. Lower level numbers are more urgent. Signal receipts all
// carry level zero with a zero cutoff, so a replayed send can never
// mint a second row. Returns whether the row was written.
func (s *ReceiptStore) InsertGuarded(ctx context.Context, rec *delivery.Receipt, since time.Time) (bool, error) {
	const op = "store.InsertGuarded"
	defer observe("insert_receipt", time.Now())

	tag, err := s.pool.Exec(ctx, insertReceiptGuardedSQL,
		rec.ID,
		rec.UserID,
		rec.SubjectKind,
		rec.SubjectID,
		nullableString(rec.Pair),
		nullableString(rec.Timeframe),
		rec.Channel,
		int(rec.Level),
		rec.MessageID,
		rec.SentAt,
		since,
	)
	if err != nil {
		return false, errs.E(op, errs.Unavailable, fmt.Errorf("failed to insert receipt: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

const subjectBlockedSQL = `
	SELECT EXISTS (
		SELECT 1 FROM notification_receipts
		WHERE user_id = $1 AND subject_id = $2 AND channel = $3
			AND level <= $4 AND sent_at >= $5
	)
`

// SubjectBlocked reports whether a receipt at an equal or more urgent
// level already exists for (user, subject, channel) on or after the
// cutoff. The engine checks this before handing a position alert to a
// transport; InsertGuarded remains the atomic authority afterwards.
func (s *ReceiptStore) SubjectBlocked(ctx context.Context, userID, subjectID uuid.UUID, channel string, level int, since time.Time) (bool, error) {
	const op = "store.SubjectBlocked"
	defer observe("receipt_guard_check", time.Now())

	var blocked bool
	err := s.pool.QueryRow(ctx, subjectBlockedSQL, userID, subjectID, channel, level, since).Scan(&blocked)
	if err != nil {
		return false, errs.E(op, errs.Unavailable, fmt.Errorf("failed to check receipt guard: %w", err))
	}
	return blocked, nil
}

const lastSignalReceiptSQL = `
	SELECT sent_at FROM notification_receipts
	WHERE user_id = $1 AND pair = $2 AND timeframe = $3 AND subject_kind = 'signal'
	ORDER BY sent_at DESC
	LIMIT 1
`

// LastSignalReceipt returns when the user last received a signal
// notification for the key, or nil when they never have. Drives the
// per-key cooldown.
func (s *ReceiptStore) LastSignalReceipt(ctx context.Context, userID uuid.UUID, pair market.Pair, tf market.Timeframe) (*time.Time, error) {
	const op = "store.LastSignalReceipt"
	defer observe("last_signal_receipt", time.Now())

	var sentAt time.Time
	err := s.pool.QueryRow(ctx, lastSignalReceiptSQL, userID, pair.String(), tf.String()).Scan(&sentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to read last receipt: %w", err))
	}
	return &sentAt, nil
}

const countReceiptsSinceSQL = `
	SELECT COUNT(*) FROM notification_receipts
	WHERE user_id = $1 AND sent_at >= $2
`

// CountSince counts every receipt for the user on or after the cutoff.
// A rolling 24h window against this count enforces the daily quota.
func (s *ReceiptStore) CountSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	const op = "store.CountSince"
	defer observe("count_receipts", time.Now())

	var count int
	if err := s.pool.QueryRow(ctx, countReceiptsSinceSQL, userID, since).Scan(&count); err != nil {
		return 0, errs.E(op, errs.Unavailable, fmt.Errorf("failed to count receipts: %w", err))
	}
	return count, nil
}

const receiptsForSubjectSQL = `
	SELECT id, user_id, subject_kind, subject_id, pair, timeframe, channel, level, message_id, sent_at
	FROM notification_receipts
	WHERE subject_id = $1
	ORDER BY sent_at DESC
`

// ReceiptsForSubject lists every receipt recorded against one signal or
// position, most recent first.
func (s *ReceiptStore) ReceiptsForSubject(ctx context.Context, subjectID uuid.UUID) ([]*delivery.Receipt, error) {
	const op = "store.ReceiptsForSubject"
	defer observe("receipts_for_subject", time.Now())

	rows, err := s.pool.Query(ctx, receiptsForSubjectSQL, subjectID)
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to query receipts: %w", err))
	}
	defer rows.Close()

	var receipts []*delivery.Receipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, errs.E(op, errs.Unavailable, err)
		}
		receipts = append(receipts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to iterate receipts: %w", err))
	}
	return receipts, nil
}

func scanReceipt(row pgx.Row) (*delivery.Receipt, error) {
	var (
		rec   delivery.Receipt
		pair  *string
		tf    *string
		level int
	)
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.SubjectKind,
		&rec.SubjectID,
		&pair,
		&tf,
		&rec.Channel,
		&level,
		&rec.MessageID,
		&rec.SentAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan receipt: %w", err)
	}
	if pair != nil {
		rec.Pair = *pair
	}
	if tf != nil {
		rec.Timeframe = *tf
	}
	rec.Level = position.Level(level)
	return &rec, nil
}
