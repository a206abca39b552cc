package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/registry"
)

var versionRowColumns = []string{
	"version", "parent_version", "train_type", "trained_at", "active",
	"win_rate", "sharpe", "avg_pnl", "max_drawdown", "artifact_paths", "created_at",
}

func testVersion(version string, active bool) registry.ModelVersion {
	return registry.ModelVersion{
		Version:   version,
		Type:      registry.TrainFull,
		TrainedAt: time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC),
		Active:    active,
		Metrics: registry.EvalMetrics{
			WinRate: 0.58, Sharpe: 1.2, AvgPnL: 14.5, MaxDrawdown: 0.08,
		},
		ArtifactPaths: []string{"models/" + version + "/weights.bin"},
		CreatedAt:     time.Date(2025, 6, 1, 3, 5, 0, 0, time.UTC),
	}
}

// TestInsertVersionDuplicate tests unique-violation mapping to Conflict
func TestInsertVersionDuplicate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewModelStore(mock)

	mv := testVersion("v2.1.0", false)
	mock.ExpectExec("INSERT INTO model_versions").
		WithArgs(
			"v2.1.0", (*string)(nil), "full", mv.TrainedAt, false,
			0.58, 1.2, 14.5, 0.08, mv.ArtifactPaths, mv.CreatedAt,
		).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})

	err = store.InsertVersion(context.Background(), mv)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Conflict))

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestActiveVersions tests the active-flag scan
func TestActiveVersions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewModelStore(mock)

	trainedAt := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	parent := "v2.0.0"
	rows := pgxmock.NewRows(versionRowColumns).
		AddRow("v2.1.0", &parent, "incremental", trainedAt, true,
			0.58, 1.2, 14.5, 0.08, []string{"models/v2.1.0/weights.bin"}, trainedAt.Add(5*time.Minute))

	mock.ExpectQuery("FROM model_versions").WillReturnRows(rows)

	versions, err := store.ActiveVersions(context.Background())
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "v2.1.0", versions[0].Version)
	assert.Equal(t, "v2.0.0", versions[0].ParentVersion)
	assert.Equal(t, registry.TrainIncremental, versions[0].Type)
	assert.True(t, versions[0].Active)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestGetVersionMissing tests the (nil, nil) contract for unknown versions
func TestGetVersionMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewModelStore(mock)

	mock.ExpectQuery("FROM model_versions").
		WithArgs("v9.9.9").
		WillReturnError(pgx.ErrNoRows)

	mv, err := store.GetVersion(context.Background(), "v9.9.9")
	require.NoError(t, err)
	assert.Nil(t, mv)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPromoteVersion tests the demote-activate-close sequence
func TestPromoteVersion(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewModelStore(mock)

	pValue := 0.03
	winner := "v2.1.0"
	closedAt := time.Date(2025, 6, 15, 3, 0, 0, 0, time.UTC)
	rec := registry.ABTestClose{
		ID:       uuid.New(),
		Status:   registry.ABCompleted,
		AStats:   registry.ABStats{Samples: 40, Wins: 18, Losses: 22},
		BStats:   registry.ABStats{Samples: 42, Wins: 27, Losses: 15},
		PValue:   &pValue,
		Winner:   &winner,
		ClosedAt: closedAt,
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE model_versions").
		WithArgs("v2.0.0").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE model_versions").
		WithArgs("v2.1.0").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE ab_tests").
		WithArgs(rec.ID, "completed", 40, 18, 22, 42, 27, 15, &pValue, &winner, closedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.PromoteVersion(context.Background(), "v2.1.0", "v2.0.0", rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPromoteVersionMissingIncumbent tests the integrity failure path
func TestPromoteVersionMissingIncumbent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewModelStore(mock)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE model_versions").
		WithArgs("v2.0.0").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err = store.PromoteVersion(context.Background(), "v2.1.0", "v2.0.0", registry.ABTestClose{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Fatal))

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRunningABTest tests both the found and idle cases
func TestRunningABTest(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewModelStore(mock)

	testID := uuid.New()
	started := time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{
		"id", "version_a", "version_b", "traffic_split", "status", "started_at", "ends_at",
		"a_samples", "a_wins", "a_losses", "b_samples", "b_wins", "b_losses",
		"p_value", "winner", "closed_at",
	}).AddRow(testID, "v2.0.0", "v2.1.0", 0.5, "running", started, started.Add(14*24*time.Hour),
		10, 6, 4, 11, 7, 4, (*float64)(nil), (*string)(nil), (*time.Time)(nil))

	mock.ExpectQuery("FROM ab_tests").WillReturnRows(rows)

	test, err := store.RunningABTest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, test)
	assert.Equal(t, testID, test.ID)
	assert.Equal(t, registry.ABRunning, test.Status)
	assert.Equal(t, 11, test.BStats.Samples)
	assert.Nil(t, test.PValue)

	mock.ExpectQuery("FROM ab_tests").WillReturnError(pgx.ErrNoRows)

	test, err = store.RunningABTest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, test)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestCloseABTestNotRunning tests that a finished test cannot be closed twice
func TestCloseABTestNotRunning(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewModelStore(mock)

	rec := registry.ABTestClose{
		ID:       uuid.New(),
		Status:   registry.ABStopped,
		ClosedAt: time.Date(2025, 6, 15, 3, 0, 0, 0, time.UTC),
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ab_tests").
		WithArgs(rec.ID, "stopped", 0, 0, 0, 0, 0, 0, (*float64)(nil), (*string)(nil), rec.ClosedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err = store.CloseABTest(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Unavailable))

	require.NoError(t, mock.ExpectationsWereMet())
}
