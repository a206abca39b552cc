package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/learning"
	"github.com/fxsage/fxadvisor/internal/registry"
)

// TrainingLogStore persists the audit trail of scheduled training runs.
type TrainingLogStore struct {
	pool PoolIface
}

func NewTrainingLogStore(pool PoolIface) *TrainingLogStore {
	return &TrainingLogStore{pool: pool}
}

const insertTrainingLogSQL = `
	INSERT INTO training_logs
		(id, run_type, status, version, sample_count, detail, started_at, finished_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

// InsertTrainingLog records the outcome of one run. Every scheduled
// run writes exactly one row, including skips and failures.
func (s *TrainingLogStore) InsertTrainingLog(ctx context.Context, l *learning.TrainingLog) error {
	const op = "store.InsertTrainingLog"
	defer observe("insert_training_log", time.Now())

	_, err := s.pool.Exec(ctx, insertTrainingLogSQL,
		l.ID,
		string(l.Type),
		string(l.Status),
		nullableString(l.Version),
		l.SampleCount,
		nullableString(l.Detail),
		l.StartedAt,
		l.FinishedAt,
	)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to insert training log: %w", err))
	}
	return nil
}

const recentTrainingLogsSQL = `
	SELECT id, run_type, status, version, sample_count, detail, started_at, finished_at
	FROM training_logs
	ORDER BY started_at DESC
	LIMIT $1
`

// RecentTrainingLogs returns the latest runs, newest first.
func (s *TrainingLogStore) RecentTrainingLogs(ctx context.Context, limit int) ([]*learning.TrainingLog, error) {
	const op = "store.RecentTrainingLogs"
	defer observe("recent_training_logs", time.Now())

	rows, err := s.pool.Query(ctx, recentTrainingLogsSQL, limit)
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to query training logs: %w", err))
	}
	defer rows.Close()

	var logs []*learning.TrainingLog
	for rows.Next() {
		l, err := scanTrainingLog(rows)
		if err != nil {
			return nil, errs.E(op, errs.Unavailable, err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to iterate training logs: %w", err))
	}
	return logs, nil
}

func scanTrainingLog(row pgx.Row) (*learning.TrainingLog, error) {
	var (
		l       learning.TrainingLog
		runType string
		status  string
		version *string
		detail  *string
	)
	err := row.Scan(
		&l.ID,
		&runType,
		&status,
		&version,
		&l.SampleCount,
		&detail,
		&l.StartedAt,
		&l.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan training log: %w", err)
	}
	l.Type = registry.TrainType(runType)
	l.Status = learning.RunStatus(status)
	if version != nil {
		l.Version = *version
	}
	if detail != nil {
		l.Detail = *detail
	}
	return &l, nil
}
