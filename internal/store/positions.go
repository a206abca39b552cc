package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/position"
	"github.com/fxsage/fxadvisor/internal/predictor"
)

// PositionStore persists positions and their monitoring history
type PositionStore struct {
	pool PoolIface
}

func NewPositionStore(pool PoolIface) *PositionStore {
	return &PositionStore{pool: pool}
}

const insertPositionSQL = `
	INSERT INTO positions (
		id, user_id, signal_id, parent_id, pair, timeframe, direction,
		entry_price, size, stop_loss, take_profit, opened_at, status
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`

// InsertPosition writes a new open position
func (s *PositionStore) InsertPosition(ctx context.Context, p *position.Position) error {
	const op = "store.InsertPosition"
	defer observe("insert_position", time.Now())

	_, err := s.pool.Exec(ctx, insertPositionSQL,
		p.ID,
		p.UserID,
		p.SignalID,
		p.ParentID,
		p.Pair.String(),
		p.Timeframe.String(),
		p.Direction.String(),
		p.EntryPrice,
		p.Size,
		p.StopLoss,
		p.TakeProfit,
		p.OpenedAt,
		string(p.Status),
	)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to insert position: %w", err))
	}
	return nil
}

const positionColumns = `
	id, user_id, signal_id, parent_id, pair, timeframe, direction,
	entry_price, size, stop_loss, take_profit, close_price, opened_at,
	closed_at, status, result, realized_pips, realized_pnl, realized_pct
`

const getPositionSQL = `
	SELECT ` + positionColumns + `
	FROM positions
	WHERE id = $1
`

// GetPosition loads one position
func (s *PositionStore) GetPosition(ctx context.Context, id uuid.UUID) (*position.Position, error) {
	const op = "store.GetPosition"
	defer observe("get_position", time.Now())

	p, err := scanPosition(s.pool.QueryRow(ctx, getPositionSQL, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.Errorf(op, errs.NotFound, "position %s not found", id)
		}
		return nil, errs.E(op, errs.Unavailable, err)
	}
	return p, nil
}

const openPositionIDsSQL = `
	SELECT id FROM positions WHERE status = 'open' ORDER BY opened_at ASC
`

// OpenPositionIDs lists every open position id, oldest first. The
// monitor driver enumerates these each tick.
func (s *PositionStore) OpenPositionIDs(ctx context.Context) ([]uuid.UUID, error) {
	const op = "store.OpenPositionIDs"
	defer observe("open_position_ids", time.Now())

	rows, err := s.pool.Query(ctx, openPositionIDsSQL)
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to query open positions: %w", err))
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to scan position id: %w", err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("error iterating position ids: %w", err))
	}
	return ids, nil
}

const openPositionsByUserSQL = `
	SELECT ` + positionColumns + `
	FROM positions
	WHERE user_id = $1 AND status = 'open'
	ORDER BY opened_at ASC
`

// OpenPositionsByUser lists a user's open positions
func (s *PositionStore) OpenPositionsByUser(ctx context.Context, userID uuid.UUID) ([]position.Position, error) {
	const op = "store.OpenPositionsByUser"
	defer observe("open_positions_by_user", time.Now())

	rows, err := s.pool.Query(ctx, openPositionsByUserSQL, userID)
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to query positions: %w", err))
	}
	defer rows.Close()

	var positions []position.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, errs.E(op, errs.Unavailable, err)
		}
		positions = append(positions, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("error iterating positions: %w", err))
	}
	return positions, nil
}

const closePositionSQL = `
	UPDATE positions
	SET close_price = $2, closed_at = $3, status = $4, result = $5,
	    realized_pips = $6, realized_pnl = $7, realized_pct = $8
	WHERE id = $1 AND status = 'open'
`

// ClosePosition finalizes an open position. Closing a position that
// is not open returns Conflict, so a double close stays harmless.
func (s *PositionStore) ClosePosition(ctx context.Context, id uuid.UUID, closePrice float64, closedAt time.Time, result position.Result, pips, pnl, pct float64) error {
	const op = "store.ClosePosition"
	defer observe("close_position", time.Now())

	tag, err := s.pool.Exec(ctx, closePositionSQL,
		id, closePrice, closedAt, string(position.StatusClosed), string(result), pips, pnl, pct)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to close position: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return errs.Errorf(op, errs.Conflict, "position %s is not open", id)
	}
	return nil
}

const partialCloseInsertSQL = `
	INSERT INTO positions (
		id, user_id, signal_id, parent_id, pair, timeframe, direction,
		entry_price, size, stop_loss, take_profit, close_price, opened_at,
		closed_at, status, result, realized_pips, realized_pnl, realized_pct
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
`

const shrinkPositionSQL = `
	UPDATE positions SET size = $2 WHERE id = $1 AND status = 'open'
`

// PartialClose records a partial close in one transaction: a closed
// child row carrying the realized portion, and the parent shrunk to
// the remainder. The parent keeps its id, entry, stops and open time.
func (s *PositionStore) PartialClose(ctx context.Context, parent *position.Position, closed *position.Position, remainderSize float64) error {
	const op = "store.PartialClose"
	defer observe("partial_close", time.Now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	var result *string
	if closed.Result != nil {
		r := string(*closed.Result)
		result = &r
	}
	_, err = tx.Exec(ctx, partialCloseInsertSQL,
		closed.ID,
		closed.UserID,
		closed.SignalID,
		closed.ParentID,
		closed.Pair.String(),
		closed.Timeframe.String(),
		closed.Direction.String(),
		closed.EntryPrice,
		closed.Size,
		closed.StopLoss,
		closed.TakeProfit,
		closed.ClosePrice,
		closed.OpenedAt,
		closed.ClosedAt,
		string(closed.Status),
		result,
		closed.RealizedPips,
		closed.RealizedPnL,
		closed.RealizedPct,
	)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to insert closed portion: %w", err))
	}

	tag, err := tx.Exec(ctx, shrinkPositionSQL, parent.ID, remainderSize)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to shrink position: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return errs.Errorf(op, errs.Conflict, "position %s is not open", parent.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to commit partial close: %w", err))
	}
	return nil
}

const updateStopsSQL = `
	UPDATE positions
	SET stop_loss = COALESCE($2, stop_loss),
	    take_profit = COALESCE($3, take_profit)
	WHERE id = $1 AND status = 'open'
`

// UpdateStops rewrites SL/TP on an open position. Nil keeps the
// current value. Validation happens in the service layer.
func (s *PositionStore) UpdateStops(ctx context.Context, id uuid.UUID, stopLoss, takeProfit *float64) error {
	const op = "store.UpdateStops"
	defer observe("update_stops", time.Now())

	tag, err := s.pool.Exec(ctx, updateStopsSQL, id, stopLoss, takeProfit)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to update stops: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return errs.Errorf(op, errs.Conflict, "position %s is not open", id)
	}
	return nil
}

const tightenStopSQL = `
	UPDATE positions
	SET stop_loss = $2, trail_count = trail_count + 1
	WHERE id = $1 AND status = 'open'
	  AND (
	       (direction = 'long'  AND (stop_loss = 0 OR stop_loss < $2))
	    OR (direction = 'short' AND (stop_loss = 0 OR stop_loss > $2))
	  )
`

// TightenStop applies a trailing stop adjustment. The predicate makes
// the write a no-op unless the new stop is strictly tighter, so a
// concurrent adjustment can never widen the stop.
func (s *PositionStore) TightenStop(ctx context.Context, id uuid.UUID, newStop float64) (bool, error) {
	const op = "store.TightenStop"
	defer observe("tighten_stop", time.Now())

	tag, err := s.pool.Exec(ctx, tightenStopSQL, id, newStop)
	if err != nil {
		return false, errs.E(op, errs.Unavailable, fmt.Errorf("failed to tighten stop: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

const trailingHistorySQL = `
	SELECT trail_count > 0 FROM positions WHERE id = $1
`

// HasTrailingHistory reports whether the trailing rules ever adjusted
// this position's stop.
func (s *PositionStore) HasTrailingHistory(ctx context.Context, id uuid.UUID) (bool, error) {
	const op = "store.HasTrailingHistory"
	defer observe("trailing_history", time.Now())

	var trailed bool
	if err := s.pool.QueryRow(ctx, trailingHistorySQL, id).Scan(&trailed); err != nil {
		if err == pgx.ErrNoRows {
			return false, errs.Errorf(op, errs.NotFound, "position %s not found", id)
		}
		return false, errs.E(op, errs.Unavailable, fmt.Errorf("failed to query trailing history: %w", err))
	}
	return trailed, nil
}

const insertMonitoringSQL = `
	INSERT INTO position_monitoring (
		id, position_id, ts, current_price, unrealized_pips, unrealized_pct,
		trend_dir, trend_strength, reversal_prob, recommendation, confidence,
		rationale, notification_sent, notification_level
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`

// InsertMonitoringRecord persists one evaluation pass
func (s *PositionStore) InsertMonitoringRecord(ctx context.Context, rec *position.MonitoringRecord) error {
	const op = "store.InsertMonitoringRecord"
	defer observe("insert_monitoring", time.Now())

	_, err := s.pool.Exec(ctx, insertMonitoringSQL,
		rec.ID,
		rec.PositionID,
		rec.TS,
		rec.CurrentPrice,
		rec.UnrealizedPips,
		rec.UnrealizedPct,
		rec.TrendDir,
		rec.TrendStrength,
		rec.ReversalProb,
		string(rec.Recommendation),
		rec.Confidence,
		rec.Rationale,
		rec.NotificationSent,
		int(rec.NotificationLevel),
	)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to insert monitoring record: %w", err))
	}
	return nil
}

const markNotifiedSQL = `
	UPDATE position_monitoring
	SET notification_sent = TRUE, notification_level = $2
	WHERE id = $1
`

// MarkNotified flags a monitoring record after its alert went out
func (s *PositionStore) MarkNotified(ctx context.Context, recordID uuid.UUID, level position.Level) error {
	const op = "store.MarkNotified"
	defer observe("mark_notified", time.Now())

	tag, err := s.pool.Exec(ctx, markNotifiedSQL, recordID, int(level))
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to mark record notified: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return errs.Errorf(op, errs.NotFound, "monitoring record %s not found", recordID)
	}
	return nil
}

const digestRecordsSQL = `
	SELECT m.id, m.position_id, m.ts, m.current_price, m.unrealized_pips,
	       m.unrealized_pct, m.trend_dir, m.trend_strength, m.reversal_prob,
	       m.recommendation, m.confidence, m.rationale, m.notification_sent,
	       m.notification_level
	FROM position_monitoring m
	JOIN positions p ON p.id = m.position_id
	WHERE p.user_id = $1 AND m.ts >= $2
	ORDER BY m.ts ASC
`

// DigestRecords returns the user's monitoring records since a cutoff,
// the raw material for the daily digest.
func (s *PositionStore) DigestRecords(ctx context.Context, userID uuid.UUID, since time.Time) ([]position.MonitoringRecord, error) {
	const op = "store.DigestRecords"
	defer observe("digest_records", time.Now())

	rows, err := s.pool.Query(ctx, digestRecordsSQL, userID, since)
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to query digest records: %w", err))
	}
	defer rows.Close()

	var records []position.MonitoringRecord
	for rows.Next() {
		var rec position.MonitoringRecord
		var recStr string
		var level int
		err := rows.Scan(
			&rec.ID, &rec.PositionID, &rec.TS, &rec.CurrentPrice,
			&rec.UnrealizedPips, &rec.UnrealizedPct, &rec.TrendDir,
			&rec.TrendStrength, &rec.ReversalProb, &recStr,
			&rec.Confidence, &rec.Rationale, &rec.NotificationSent, &level,
		)
		if err != nil {
			return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to scan monitoring record: %w", err))
		}
		rec.Recommendation = position.Recommendation(recStr)
		rec.NotificationLevel = position.Level(level)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("error iterating monitoring records: %w", err))
	}
	return records, nil
}

const digestUsersSQL = `
	SELECT DISTINCT user_id FROM positions WHERE status = 'open' OR closed_at >= $1
`

// DigestUsers lists users with positions active since the cutoff
func (s *PositionStore) DigestUsers(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	const op = "store.DigestUsers"
	defer observe("digest_users", time.Now())

	rows, err := s.pool.Query(ctx, digestUsersSQL, since)
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to query digest users: %w", err))
	}
	defer rows.Close()

	var users []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to scan user id: %w", err))
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("error iterating users: %w", err))
	}
	return users, nil
}

// scanPosition reads one position row
func scanPosition(row pgx.Row) (*position.Position, error) {
	var p position.Position
	var pairStr, tfStr, direction, status string
	var result *string
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.SignalID,
		&p.ParentID,
		&pairStr,
		&tfStr,
		&direction,
		&p.EntryPrice,
		&p.Size,
		&p.StopLoss,
		&p.TakeProfit,
		&p.ClosePrice,
		&p.OpenedAt,
		&p.ClosedAt,
		&status,
		&result,
		&p.RealizedPips,
		&p.RealizedPnL,
		&p.RealizedPct,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}
	p.Pair = market.Pair(pairStr)
	p.Timeframe = market.Timeframe(tfStr)
	p.Direction, _ = predictor.ParseDirection(direction)
	p.Status = position.Status(status)
	if result != nil {
		r := position.Result(*result)
		p.Result = &r
	}
	return &p, nil
}
