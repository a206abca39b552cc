package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/predictor"
	"github.com/fxsage/fxadvisor/internal/registry"
	"github.com/fxsage/fxadvisor/internal/signal"
)

// SignalStore persists signals and their change history
type SignalStore struct {
	pool PoolIface
}

func NewSignalStore(pool PoolIface) *SignalStore {
	return &SignalStore{pool: pool}
}

const insertSignalSQL = `
	INSERT INTO signals (
		id, pair, timeframe, direction, confidence, entry_price, stop_loss,
		take_profit, factor_technical, factor_sentiment, factor_pattern,
		model_version, ab_test_id, status, actual_outcome, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
`

const insertChangeSQL = `
	INSERT INTO signal_changes (
		id, signal_id, pair, timeframe, prev_direction, new_direction,
		prev_confidence, new_confidence, strength, market_condition, detected_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

// InsertWithChange writes the signal and its change record in one
// transaction so consumers never see one without the other.
func (s *SignalStore) InsertWithChange(ctx context.Context, sig *signal.Signal, chg *signal.Change) error {
	const op = "store.InsertWithChange"
	defer observe("insert_signal", time.Now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, insertSignalSQL,
		sig.ID,
		sig.Pair.String(),
		sig.Timeframe.String(),
		sig.Direction.String(),
		sig.Confidence,
		sig.EntryPrice,
		sig.StopLoss,
		sig.TakeProfit,
		sig.Factors.Technical,
		sig.Factors.Sentiment,
		sig.Factors.Pattern,
		sig.ModelVersion,
		sig.ABTestID,
		string(sig.Status),
		string(sig.ActualOutcome),
		sig.CreatedAt,
	)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to insert signal: %w", err))
	}

	var prevDirection *string
	if chg.PrevDirection != nil {
		d := chg.PrevDirection.String()
		prevDirection = &d
	}
	_, err = tx.Exec(ctx, insertChangeSQL,
		chg.ID,
		chg.SignalID,
		chg.Pair.String(),
		chg.Timeframe.String(),
		prevDirection,
		chg.NewDirection.String(),
		chg.PrevConfidence,
		chg.NewConfidence,
		chg.Strength,
		chg.MarketCondition,
		chg.DetectedAt,
	)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to insert signal change: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to commit signal change: %w", err))
	}
	return nil
}

const signalColumns = `
	id, pair, timeframe, direction, confidence, entry_price, stop_loss,
	take_profit, factor_technical, factor_sentiment, factor_pattern,
	model_version, ab_test_id, status, actual_outcome, actual_pnl, created_at
`

const lastPerKeySQL = `
	SELECT DISTINCT ON (pair, timeframe) ` + signalColumns + `
	FROM signals
	ORDER BY pair, timeframe, created_at DESC
`

// LastPerKey returns the newest signal for every (pair, timeframe).
// The monitor warms its change-detection state from it at startup.
func (s *SignalStore) LastPerKey(ctx context.Context) (map[market.Key]*signal.Signal, error) {
	const op = "store.LastPerKey"
	defer observe("last_per_key", time.Now())

	rows, err := s.pool.Query(ctx, lastPerKeySQL)
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to query last signals: %w", err))
	}
	defer rows.Close()

	out := make(map[market.Key]*signal.Signal)
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, errs.E(op, errs.Unavailable, err)
		}
		out[sig.Key()] = sig
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("error iterating signals: %w", err))
	}
	return out, nil
}

const recentSignalsSQL = `
	SELECT ` + signalColumns + `
	FROM signals
	ORDER BY created_at DESC
	LIMIT $1
`

// RecentSignals returns the newest signals across all keys
func (s *SignalStore) RecentSignals(ctx context.Context, limit int) ([]signal.Signal, error) {
	const op = "store.RecentSignals"
	defer observe("recent_signals", time.Now())

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, recentSignalsSQL, limit)
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to query recent signals: %w", err))
	}
	defer rows.Close()

	var signals []signal.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, errs.E(op, errs.Unavailable, err)
		}
		signals = append(signals, *sig)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("error iterating signals: %w", err))
	}
	return signals, nil
}

const getSignalSQL = `
	SELECT ` + signalColumns + `
	FROM signals
	WHERE id = $1
`

// GetSignal returns one signal by id
func (s *SignalStore) GetSignal(ctx context.Context, id uuid.UUID) (*signal.Signal, error) {
	const op = "store.GetSignal"
	defer observe("get_signal", time.Now())

	row := s.pool.QueryRow(ctx, getSignalSQL, id)
	sig, err := scanSignal(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.Errorf(op, errs.NotFound, "signal %s not found", id)
		}
		return nil, errs.E(op, errs.Unavailable, err)
	}
	return sig, nil
}

const updateOutcomeSQL = `
	UPDATE signals
	SET actual_outcome = $2, actual_pnl = $3, status = $4
	WHERE id = $1
`

// SetOutcome labels a signal with its realized result. Training and
// A/B evaluation read these labels.
func (s *SignalStore) SetOutcome(ctx context.Context, id uuid.UUID, outcome signal.Outcome, pnl *float64) error {
	const op = "store.SetOutcome"
	defer observe("set_outcome", time.Now())

	tag, err := s.pool.Exec(ctx, updateOutcomeSQL, id, string(outcome), pnl, string(signal.StatusClosed))
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to set outcome: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return errs.Errorf(op, errs.NotFound, "signal %s not found", id)
	}
	return nil
}

const outcomeCountSQL = `
	SELECT COUNT(*)
	FROM signals
	WHERE created_at >= $1 AND created_at < $2 AND actual_outcome <> 'pending'
`

// OutcomeCount reports how many outcome-labelled signals fall in the
// window, the sample count for a training pull.
func (s *SignalStore) OutcomeCount(ctx context.Context, from, to time.Time) (int, error) {
	const op = "store.OutcomeCount"
	defer observe("outcome_count", time.Now())

	var n int
	if err := s.pool.QueryRow(ctx, outcomeCountSQL, from, to).Scan(&n); err != nil {
		return 0, errs.E(op, errs.Unavailable, fmt.Errorf("failed to count outcomes: %w", err))
	}
	return n, nil
}

const versionStatsSQL = `
	SELECT
		COUNT(*) FILTER (WHERE actual_outcome <> 'pending'),
		COUNT(*) FILTER (WHERE actual_outcome = 'win'),
		COUNT(*) FILTER (WHERE actual_outcome = 'loss')
	FROM signals
	WHERE model_version = $1 AND ab_test_id = $2
`

// ABArmStats aggregates realized outcomes for one arm of a test
func (s *SignalStore) ABArmStats(ctx context.Context, testID uuid.UUID, version string) (registry.ABStats, error) {
	const op = "store.ABArmStats"
	defer observe("ab_arm_stats", time.Now())

	var stats registry.ABStats
	err := s.pool.QueryRow(ctx, versionStatsSQL, version, testID).
		Scan(&stats.Samples, &stats.Wins, &stats.Losses)
	if err != nil {
		return registry.ABStats{}, errs.E(op, errs.Unavailable, fmt.Errorf("failed to aggregate arm stats: %w", err))
	}
	return stats, nil
}

// scanSignal reads one signal row from a pgx.Row or pgx.Rows
func scanSignal(row pgx.Row) (*signal.Signal, error) {
	var sig signal.Signal
	var pairStr, tfStr, direction, status, outcome string
	err := row.Scan(
		&sig.ID,
		&pairStr,
		&tfStr,
		&direction,
		&sig.Confidence,
		&sig.EntryPrice,
		&sig.StopLoss,
		&sig.TakeProfit,
		&sig.Factors.Technical,
		&sig.Factors.Sentiment,
		&sig.Factors.Pattern,
		&sig.ModelVersion,
		&sig.ABTestID,
		&status,
		&outcome,
		&sig.ActualPnL,
		&sig.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan signal: %w", err)
	}
	sig.Pair = market.Pair(pairStr)
	sig.Timeframe = market.Timeframe(tfStr)
	sig.Direction, _ = predictor.ParseDirection(direction)
	sig.Status = signal.Status(status)
	sig.ActualOutcome = signal.Outcome(outcome)
	return &sig, nil
}
