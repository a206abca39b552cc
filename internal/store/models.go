package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/registry"
)

// ModelStore persists model versions and A/B tests. It is the registry
// Router's durable backing; the Router holds its own write lock, so
// PromoteVersion only has to make the flip itself atomic.
type ModelStore struct {
	pool PoolIface
}

func NewModelStore(pool PoolIface) *ModelStore {
	return &ModelStore{pool: pool}
}

const insertVersionSQL = `
	INSERT INTO model_versions
		(version, parent_version, train_type, trained_at, active,
		 win_rate, sharpe, avg_pnl, max_drawdown, artifact_paths, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

// InsertVersion registers a version row. Versions register dormant;
// activation always goes through PromoteVersion. A duplicate version
// string returns Conflict.
func (s *ModelStore) InsertVersion(ctx context.Context, mv registry.ModelVersion) error {
	const op = "store.InsertVersion"
	defer observe("insert_model_version", time.Now())

	_, err := s.pool.Exec(ctx, insertVersionSQL,
		mv.Version,
		nullableString(mv.ParentVersion),
		string(mv.Type),
		mv.TrainedAt,
		mv.Active,
		mv.Metrics.WinRate,
		mv.Metrics.Sharpe,
		mv.Metrics.AvgPnL,
		mv.Metrics.MaxDrawdown,
		mv.ArtifactPaths,
		mv.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errs.Errorf(op, errs.Conflict, "model version %s already registered", mv.Version)
		}
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to insert model version: %w", err))
	}
	return nil
}

const selectVersionSQL = `
	SELECT version, parent_version, train_type, trained_at, active,
	       win_rate, sharpe, avg_pnl, max_drawdown, artifact_paths, created_at
	FROM model_versions
`

// ActiveVersions returns every version currently marked active. The
// Router treats more than one row here as a fatal integrity breach, so
// no LIMIT is applied.
func (s *ModelStore) ActiveVersions(ctx context.Context) ([]registry.ModelVersion, error) {
	const op = "store.ActiveVersions"
	defer observe("active_model_versions", time.Now())

	rows, err := s.pool.Query(ctx, selectVersionSQL+` WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to query active versions: %w", err))
	}
	defer rows.Close()
	return collectVersions(op, rows)
}

// GetVersion looks a version up by its version string. Returns
// (nil, nil) when the version was never registered.
func (s *ModelStore) GetVersion(ctx context.Context, version string) (*registry.ModelVersion, error) {
	const op = "store.GetVersion"
	defer observe("get_model_version", time.Now())

	mv, err := scanVersion(s.pool.QueryRow(ctx, selectVersionSQL+` WHERE version = $1`, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, err)
	}
	return mv, nil
}

// ListVersions returns the most recently registered versions.
func (s *ModelStore) ListVersions(ctx context.Context, limit int) ([]registry.ModelVersion, error) {
	const op = "store.ListVersions"
	defer observe("list_model_versions", time.Now())

	rows, err := s.pool.Query(ctx, selectVersionSQL+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to query versions: %w", err))
	}
	defer rows.Close()
	return collectVersions(op, rows)
}

// PromoteVersion flips the active flag from incumbent to challenger and
// closes the associated A/B test in one transaction. incumbent may be
// empty on initial activation; rec.ID is the nil UUID when no test is
// being closed (initial activation and incremental swaps).
func (s *ModelStore) PromoteVersion(ctx context.Context, challenger, incumbent string, rec registry.ABTestClose) error {
	const op = "store.PromoteVersion"
	defer observe("promote_model_version", time.Now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if incumbent != "" {
		tag, err := tx.Exec(ctx, `UPDATE model_versions SET active = false WHERE version = $1`, incumbent)
		if err != nil {
			return errs.E(op, errs.Unavailable, fmt.Errorf("failed to demote incumbent: %w", err))
		}
		if tag.RowsAffected() != 1 {
			return errs.Errorf(op, errs.Fatal, "incumbent %s missing during promotion", incumbent)
		}
	}

	tag, err := tx.Exec(ctx, `UPDATE model_versions SET active = true WHERE version = $1`, challenger)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to activate challenger: %w", err))
	}
	if tag.RowsAffected() != 1 {
		return errs.Errorf(op, errs.Fatal, "challenger %s missing during promotion", challenger)
	}

	if rec.ID != uuid.Nil {
		if err := closeABTestTx(ctx, tx, rec); err != nil {
			return errs.E(op, errs.Unavailable, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to commit promotion: %w", err))
	}
	return nil
}

const insertABTestSQL = `
	INSERT INTO ab_tests
		(id, version_a, version_b, traffic_split, status, started_at, ends_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
`

// InsertABTest opens a split test row.
func (s *ModelStore) InsertABTest(ctx context.Context, test registry.ABTest) error {
	const op = "store.InsertABTest"
	defer observe("insert_ab_test", time.Now())

	_, err := s.pool.Exec(ctx, insertABTestSQL,
		test.ID,
		test.VersionA,
		test.VersionB,
		test.TrafficSplit,
		string(test.Status),
		test.StartedAt,
		test.EndsAt,
	)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to insert ab test: %w", err))
	}
	return nil
}

const selectABTestSQL = `
	SELECT id, version_a, version_b, traffic_split, status, started_at, ends_at,
	       a_samples, a_wins, a_losses, b_samples, b_wins, b_losses,
	       p_value, winner, closed_at
	FROM ab_tests
`

// RunningABTest returns the open test, or (nil, nil) when none is
// running. At most one test runs at a time; the newest wins if an
// operator ever forces a second.
func (s *ModelStore) RunningABTest(ctx context.Context) (*registry.ABTest, error) {
	const op = "store.RunningABTest"
	defer observe("running_ab_test", time.Now())

	test, err := scanABTest(s.pool.QueryRow(ctx, selectABTestSQL+` WHERE status = 'running' ORDER BY started_at DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, err)
	}
	return test, nil
}

// CloseABTest finalizes a test outside a promotion, used when the
// incumbent is retained.
func (s *ModelStore) CloseABTest(ctx context.Context, rec registry.ABTestClose) error {
	const op = "store.CloseABTest"
	defer observe("close_ab_test", time.Now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := closeABTestTx(ctx, tx, rec); err != nil {
		return errs.E(op, errs.Unavailable, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to commit test close: %w", err))
	}
	return nil
}

// ListABTests returns the most recent tests, newest first.
func (s *ModelStore) ListABTests(ctx context.Context, limit int) ([]registry.ABTest, error) {
	const op = "store.ListABTests"
	defer observe("list_ab_tests", time.Now())

	rows, err := s.pool.Query(ctx, selectABTestSQL+` ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to query ab tests: %w", err))
	}
	defer rows.Close()

	var tests []registry.ABTest
	for rows.Next() {
		test, err := scanABTest(rows)
		if err != nil {
			return nil, errs.E(op, errs.Unavailable, err)
		}
		tests = append(tests, *test)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to iterate ab tests: %w", err))
	}
	return tests, nil
}

const closeABTestSQL = `
	UPDATE ab_tests
	SET status = $2,
	    a_samples = $3, a_wins = $4, a_losses = $5,
	    b_samples = $6, b_wins = $7, b_losses = $8,
	    p_value = $9, winner = $10, closed_at = $11
	WHERE id = $1 AND status = 'running'
`

func closeABTestTx(ctx context.Context, tx pgx.Tx, rec registry.ABTestClose) error {
	tag, err := tx.Exec(ctx, closeABTestSQL,
		rec.ID,
		string(rec.Status),
		rec.AStats.Samples, rec.AStats.Wins, rec.AStats.Losses,
		rec.BStats.Samples, rec.BStats.Wins, rec.BStats.Losses,
		rec.PValue,
		rec.Winner,
		rec.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to close ab test: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("ab test %s not running", rec.ID)
	}
	return nil
}

func collectVersions(op string, rows pgx.Rows) ([]registry.ModelVersion, error) {
	var versions []registry.ModelVersion
	for rows.Next() {
		mv, err := scanVersion(rows)
		if err != nil {
			return nil, errs.E(op, errs.Unavailable, err)
		}
		versions = append(versions, *mv)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to iterate versions: %w", err))
	}
	return versions, nil
}

func scanVersion(row pgx.Row) (*registry.ModelVersion, error) {
	var (
		mv        registry.ModelVersion
		parent    *string
		trainType string
	)
	err := row.Scan(
		&mv.Version,
		&parent,
		&trainType,
		&mv.TrainedAt,
		&mv.Active,
		&mv.Metrics.WinRate,
		&mv.Metrics.Sharpe,
		&mv.Metrics.AvgPnL,
		&mv.Metrics.MaxDrawdown,
		&mv.ArtifactPaths,
		&mv.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan model version: %w", err)
	}
	if parent != nil {
		mv.ParentVersion = *parent
	}
	mv.Type = registry.TrainType(trainType)
	return &mv, nil
}

func scanABTest(row pgx.Row) (*registry.ABTest, error) {
	var (
		test   registry.ABTest
		status string
	)
	err := row.Scan(
		&test.ID,
		&test.VersionA,
		&test.VersionB,
		&test.TrafficSplit,
		&status,
		&test.StartedAt,
		&test.EndsAt,
		&test.AStats.Samples, &test.AStats.Wins, &test.AStats.Losses,
		&test.BStats.Samples, &test.BStats.Wins, &test.BStats.Losses,
		&test.PValue,
		&test.Winner,
		&test.ClosedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ab test: %w", err)
	}
	test.Status = registry.ABTestStatus(status)
	return &test, nil
}
