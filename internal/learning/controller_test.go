package learning

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxsage/fxadvisor/internal/bus"
	"github.com/fxsage/fxadvisor/internal/config"
	"github.com/fxsage/fxadvisor/internal/predictor"
	"github.com/fxsage/fxadvisor/internal/registry"
)

var learnNow = time.Date(2025, 6, 2, 2, 0, 0, 0, time.UTC)

type fakeTrainer struct {
	reqs     []predictor.TrainRequest
	err      error
	samples  int
	metrics  map[string]float64
	manifest string
}

func (f *fakeTrainer) Train(_ context.Context, req predictor.TrainRequest) (*predictor.TrainResult, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &predictor.TrainResult{
		Version:       req.Version,
		SampleCount:   f.samples,
		Metrics:       f.metrics,
		ArtifactPaths: []string{"model.onnx", "scaler.json"},
		ManifestPath:  f.manifest,
	}, nil
}

type openCall struct {
	challenger string
	split      float64
	window     time.Duration
}

type fakeRegistry struct {
	active     *registry.ModelVersion
	test       *registry.ABTest
	registered []registry.ModelVersion
	replaced   []string
	activated  []string
	opened     []openCall
	promotions []registry.ABTestClose
	retentions []registry.ABTestClose
}

func (f *fakeRegistry) Active() (registry.ModelVersion, bool) {
	if f.active == nil {
		return registry.ModelVersion{}, false
	}
	return *f.active, true
}

func (f *fakeRegistry) RunningTest() (registry.ABTest, bool) {
	if f.test == nil {
		return registry.ABTest{}, false
	}
	return *f.test, true
}

func (f *fakeRegistry) Register(_ context.Context, mv registry.ModelVersion) error {
	f.registered = append(f.registered, mv)
	return nil
}

func (f *fakeRegistry) ActivateInitial(_ context.Context, version string) error {
	f.activated = append(f.activated, version)
	mv := registry.ModelVersion{Version: version, Active: true}
	f.active = &mv
	return nil
}

func (f *fakeRegistry) Replace(_ context.Context, version string) error {
	if f.test != nil {
		return fmt.Errorf("test %s is running", f.test.ID)
	}
	f.replaced = append(f.replaced, version)
	mv := registry.ModelVersion{Version: version, Active: true}
	f.active = &mv
	return nil
}

func (f *fakeRegistry) OpenTest(_ context.Context, challenger string, split float64, window time.Duration) (*registry.ABTest, error) {
	f.opened = append(f.opened, openCall{challenger: challenger, split: split, window: window})
	test := registry.ABTest{
		ID:           uuid.New(),
		VersionA:     f.active.Version,
		VersionB:     challenger,
		TrafficSplit: split,
		Status:       registry.ABRunning,
		StartedAt:    learnNow,
		EndsAt:       learnNow.Add(window),
	}
	f.test = &test
	return &test, nil
}

func (f *fakeRegistry) Promote(_ context.Context, rec registry.ABTestClose) error {
	f.promotions = append(f.promotions, rec)
	mv := registry.ModelVersion{Version: f.test.VersionB, Active: true}
	f.active = &mv
	f.test = nil
	return nil
}

func (f *fakeRegistry) Retain(_ context.Context, rec registry.ABTestClose) error {
	f.retentions = append(f.retentions, rec)
	f.test = nil
	return nil
}

type fakeOutcomes struct {
	count     int
	countErr  error
	windows   [][2]time.Time
	arms      map[string]registry.ABStats
	armErr    error
	armsAsked []string
}

func (f *fakeOutcomes) OutcomeCount(_ context.Context, from, to time.Time) (int, error) {
	f.windows = append(f.windows, [2]time.Time{from, to})
	return f.count, f.countErr
}

func (f *fakeOutcomes) ABArmStats(_ context.Context, _ uuid.UUID, version string) (registry.ABStats, error) {
	f.armsAsked = append(f.armsAsked, version)
	if f.armErr != nil {
		return registry.ABStats{}, f.armErr
	}
	return f.arms[version], nil
}

type fakeRunLog struct {
	rows []*TrainingLog
}

func (f *fakeRunLog) InsertTrainingLog(_ context.Context, l *TrainingLog) error {
	f.rows = append(f.rows, l)
	return nil
}

type fakePublisher struct {
	completed []bus.TrainingCompletedEvent
	promoted  []bus.ModelPromotedEvent
}

func (f *fakePublisher) PublishTrainingCompleted(_ context.Context, ev bus.TrainingCompletedEvent) error {
	f.completed = append(f.completed, ev)
	return nil
}

func (f *fakePublisher) PublishModelPromoted(_ context.Context, ev bus.ModelPromotedEvent) error {
	f.promoted = append(f.promoted, ev)
	return nil
}

type controllerFixture struct {
	trainer  *fakeTrainer
	router   *fakeRegistry
	outcomes *fakeOutcomes
	runs     *fakeRunLog
	events   *fakePublisher
	ctrl     *Controller
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()

	f := &controllerFixture{
		trainer: &fakeTrainer{
			samples: 120,
			metrics: map[string]float64{"win_rate": 0.60, "sharpe": 1.3, "avg_pnl": 7.5, "max_drawdown": 0.14},
		},
		router: &fakeRegistry{
			active: &registry.ModelVersion{
				Version: "v3.2.0",
				Type:    registry.TrainFull,
				Active:  true,
				Metrics: registry.EvalMetrics{WinRate: 0.55},
			},
		},
		outcomes: &fakeOutcomes{count: 120, arms: map[string]registry.ABStats{}},
		runs:     &fakeRunLog{},
		events:   &fakePublisher{},
	}

	cfg := config.LearningConfig{
		DailyCron:         "0 2 * * *",
		WeeklyCron:        "0 1 * * 0",
		ABTestDays:        7,
		ABTestSplit:       0.5,
		PromotionEpsilon:  0.01,
		SignificanceLevel: 0.05,
		MinSamples:        30,
	}
	f.ctrl = NewController(cfg, f.trainer, f.router, f.outcomes, f.runs, f.events)
	f.ctrl.now = func() time.Time { return learnNow }
	return f
}

func (f *controllerFixture) lastRun(t *testing.T) *TrainingLog {
	t.Helper()
	require.NotEmpty(t, f.runs.rows)
	return f.runs.rows[len(f.runs.rows)-1]
}

func TestTwoProportionPValue(t *testing.T) {
	tests := []struct {
		name       string
		challenger registry.ABStats
		incumbent  registry.ABStats
		check      func(t *testing.T, p float64)
	}{
		{
			name:       "7 point lead at n 200 is not significant",
			challenger: registry.ABStats{Samples: 200, Wins: 124, Losses: 76},
			incumbent:  registry.ABStats{Samples: 200, Wins: 110, Losses: 90},
			check: func(t *testing.T, p float64) {
				assert.InDelta(t, 0.078, p, 0.005)
				assert.GreaterOrEqual(t, p, 0.05)
			},
		},
		{
			name:       "15 point lead at n 200 is significant",
			challenger: registry.ABStats{Samples: 200, Wins: 140, Losses: 60},
			incumbent:  registry.ABStats{Samples: 200, Wins: 110, Losses: 90},
			check: func(t *testing.T, p float64) {
				assert.Less(t, p, 0.005)
			},
		},
		{
			name:       "identical arms sit at one half",
			challenger: registry.ABStats{Samples: 200, Wins: 100, Losses: 100},
			incumbent:  registry.ABStats{Samples: 200, Wins: 100, Losses: 100},
			check: func(t *testing.T, p float64) {
				assert.InDelta(t, 0.5, p, 1e-9)
			},
		},
		{
			name:       "challenger behind pushes p toward one",
			challenger: registry.ABStats{Samples: 200, Wins: 90, Losses: 110},
			incumbent:  registry.ABStats{Samples: 200, Wins: 110, Losses: 90},
			check: func(t *testing.T, p float64) {
				assert.Greater(t, p, 0.95)
			},
		},
		{
			name:       "empty arm yields no evidence",
			challenger: registry.ABStats{},
			incumbent:  registry.ABStats{Samples: 200, Wins: 110, Losses: 90},
			check: func(t *testing.T, p float64) {
				assert.Equal(t, 1.0, p)
			},
		},
		{
			name:       "unanimous arms yield no evidence",
			challenger: registry.ABStats{Samples: 50, Wins: 50},
			incumbent:  registry.ABStats{Samples: 50, Wins: 50},
			check: func(t *testing.T, p float64) {
				assert.Equal(t, 1.0, p)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.check(t, twoProportionPValue(tc.challenger, tc.incumbent))
		})
	}
}

func TestIncrementalPromotesValidatedChild(t *testing.T) {
	f := newControllerFixture(t)

	f.ctrl.incremental(context.Background())

	require.Len(t, f.trainer.reqs, 1)
	req := f.trainer.reqs[0]
	assert.Equal(t, "incremental", req.Type)
	assert.Equal(t, "v3.2.1", req.Version)
	assert.Equal(t, "v3.2.0", req.BaseVersion)
	assert.Equal(t, learnNow.Add(-24*time.Hour), req.Since)
	assert.Equal(t, learnNow, req.Until)

	require.Len(t, f.router.registered, 1)
	mv := f.router.registered[0]
	assert.Equal(t, "v3.2.1", mv.Version)
	assert.Equal(t, "v3.2.0", mv.ParentVersion)
	assert.Equal(t, registry.TrainIncremental, mv.Type)
	assert.InDelta(t, 0.60, mv.Metrics.WinRate, 1e-9)

	require.Equal(t, []string{"v3.2.1"}, f.router.replaced)

	run := f.lastRun(t)
	assert.Equal(t, RunSucceeded, run.Status)
	assert.Equal(t, "v3.2.1", run.Version)
	assert.Equal(t, 120, run.SampleCount)
	assert.Contains(t, run.Detail, "activated")

	require.Len(t, f.events.promoted, 1)
	assert.Equal(t, "incremental", f.events.promoted[0].Trigger)
	assert.Equal(t, "v3.2.1", f.events.promoted[0].Version)
	assert.Equal(t, "v3.2.0", f.events.promoted[0].ParentVersion)

	require.Len(t, f.events.completed, 1)
	assert.Equal(t, string(RunSucceeded), f.events.completed[0].Status)
}

func TestIncrementalKeepsDormantUnderEpsilon(t *testing.T) {
	f := newControllerFixture(t)
	// 0.555 beats the active 0.55 but not by the 0.01 epsilon.
	f.trainer.metrics["win_rate"] = 0.555

	f.ctrl.incremental(context.Background())

	require.Len(t, f.router.registered, 1)
	assert.Empty(t, f.router.replaced)
	assert.Empty(t, f.events.promoted)

	run := f.lastRun(t)
	assert.Equal(t, RunSucceeded, run.Status)
	assert.Contains(t, run.Detail, "dormant")
}

func TestIncrementalHeldDormantDuringTest(t *testing.T) {
	f := newControllerFixture(t)
	f.router.test = &registry.ABTest{
		ID:       uuid.New(),
		VersionA: "v3.2.0",
		VersionB: "v3.3.0",
		Status:   registry.ABRunning,
		EndsAt:   learnNow.Add(48 * time.Hour),
	}

	f.ctrl.incremental(context.Background())

	require.Len(t, f.router.registered, 1)
	assert.Empty(t, f.router.replaced, "never flip active mid-test")
	run := f.lastRun(t)
	assert.Equal(t, RunSucceeded, run.Status)
	assert.Contains(t, run.Detail, "a/b test in progress")
}

func TestIncrementalSkipsOnThinSamples(t *testing.T) {
	f := newControllerFixture(t)
	f.outcomes.count = 12

	f.ctrl.incremental(context.Background())

	assert.Empty(t, f.trainer.reqs, "trainer never called on a thin window")
	run := f.lastRun(t)
	assert.Equal(t, RunSkipped, run.Status)
	assert.Contains(t, run.Detail, "12 labelled signals")
	assert.Empty(t, f.events.completed, "skips are not announced")
}

func TestIncrementalSkipsWithoutActiveVersion(t *testing.T) {
	f := newControllerFixture(t)
	f.router.active = nil

	f.ctrl.incremental(context.Background())

	assert.Empty(t, f.trainer.reqs)
	assert.Equal(t, RunSkipped, f.lastRun(t).Status)
}

func TestIncrementalTrainerFailureLeavesActiveAlone(t *testing.T) {
	f := newControllerFixture(t)
	f.trainer.err = errors.New("trainer exploded")

	f.ctrl.incremental(context.Background())

	assert.Empty(t, f.router.registered)
	assert.Empty(t, f.router.replaced)
	assert.Equal(t, "v3.2.0", f.router.active.Version)

	run := f.lastRun(t)
	assert.Equal(t, RunFailed, run.Status)
	assert.Contains(t, run.Detail, "trainer exploded")

	require.Len(t, f.events.completed, 1)
	assert.Equal(t, string(RunFailed), f.events.completed[0].Status)
}

func TestWeeklyOpensTestAgainstActive(t *testing.T) {
	f := newControllerFixture(t)

	f.ctrl.full(context.Background())

	require.Len(t, f.trainer.reqs, 1)
	req := f.trainer.reqs[0]
	assert.Equal(t, "full", req.Type)
	assert.Equal(t, "v3.3.0", req.Version)
	assert.Empty(t, req.BaseVersion)
	assert.Equal(t, learnNow.Add(-fullTrainWindow), req.Since)

	require.Len(t, f.router.registered, 1)
	assert.Equal(t, registry.TrainFull, f.router.registered[0].Type)
	assert.Empty(t, f.router.registered[0].ParentVersion)

	require.Len(t, f.router.opened, 1)
	call := f.router.opened[0]
	assert.Equal(t, "v3.3.0", call.challenger)
	assert.InDelta(t, 0.5, call.split, 1e-9)
	assert.Equal(t, 7*24*time.Hour, call.window)

	run := f.lastRun(t)
	assert.Equal(t, RunSucceeded, run.Status)
	assert.Contains(t, run.Detail, "opened against v3.2.0")
}

func TestWeeklyBootstrapsFirstVersion(t *testing.T) {
	f := newControllerFixture(t)
	f.router.active = nil

	f.ctrl.full(context.Background())

	require.Len(t, f.trainer.reqs, 1)
	assert.Equal(t, initialVersion, f.trainer.reqs[0].Version)
	require.Equal(t, []string{initialVersion}, f.router.activated)
	assert.Empty(t, f.router.opened, "nothing to test against on first deployment")

	require.Len(t, f.events.promoted, 1)
	assert.Equal(t, "bootstrap", f.events.promoted[0].Trigger)
}

func TestWeeklySkipsDuringRunningTest(t *testing.T) {
	f := newControllerFixture(t)
	f.router.test = &registry.ABTest{ID: uuid.New(), Status: registry.ABRunning, EndsAt: learnNow.Add(time.Hour)}

	f.ctrl.full(context.Background())

	assert.Empty(t, f.trainer.reqs)
	run := f.lastRun(t)
	assert.Equal(t, RunSkipped, run.Status)
	assert.Contains(t, run.Detail, "still running")
}

func expiredTest() *registry.ABTest {
	return &registry.ABTest{
		ID:           uuid.New(),
		VersionA:     "v3.2.0",
		VersionB:     "v3.3.0",
		TrafficSplit: 0.5,
		Status:       registry.ABRunning,
		StartedAt:    learnNow.Add(-8 * 24 * time.Hour),
		EndsAt:       learnNow.Add(-time.Hour),
	}
}

func TestEvaluatePromotesSignificantChallenger(t *testing.T) {
	f := newControllerFixture(t)
	test := expiredTest()
	f.router.test = test
	f.outcomes.arms = map[string]registry.ABStats{
		"v3.2.0": {Samples: 200, Wins: 110, Losses: 90},
		"v3.3.0": {Samples: 200, Wins: 140, Losses: 60},
	}

	f.ctrl.evaluateTest(context.Background())

	require.Len(t, f.router.promotions, 1)
	rec := f.router.promotions[0]
	assert.Equal(t, test.ID, rec.ID)
	require.NotNil(t, rec.PValue)
	assert.Less(t, *rec.PValue, 0.05)
	require.NotNil(t, rec.Winner)
	assert.Equal(t, "v3.3.0", *rec.Winner)
	assert.Empty(t, f.router.retentions)

	require.Len(t, f.events.promoted, 1)
	ev := f.events.promoted[0]
	assert.Equal(t, "ab_test", ev.Trigger)
	assert.Equal(t, "v3.3.0", ev.Version)
	require.NotNil(t, ev.ABTestID)
	assert.Equal(t, test.ID, *ev.ABTestID)
}

func TestEvaluateRetainsWhenNotSignificant(t *testing.T) {
	f := newControllerFixture(t)
	test := expiredTest()
	f.router.test = test
	// Challenger 0.62 vs incumbent 0.55 over 200 decided each lands
	// near p 0.08, short of the 0.05 bar.
	f.outcomes.arms = map[string]registry.ABStats{
		"v3.2.0": {Samples: 200, Wins: 110, Losses: 90},
		"v3.3.0": {Samples: 200, Wins: 124, Losses: 76},
	}

	f.ctrl.evaluateTest(context.Background())

	assert.Empty(t, f.router.promotions)
	require.Len(t, f.router.retentions, 1)
	rec := f.router.retentions[0]
	assert.Equal(t, test.ID, rec.ID)
	require.NotNil(t, rec.PValue)
	assert.InDelta(t, 0.078, *rec.PValue, 0.005)
	assert.Nil(t, rec.Winner, "no statistical winner on retain")
	assert.Empty(t, f.events.promoted)
}

func TestEvaluateHonorsOpenWindow(t *testing.T) {
	f := newControllerFixture(t)
	f.router.test = &registry.ABTest{
		ID:       uuid.New(),
		VersionA: "v3.2.0",
		VersionB: "v3.3.0",
		Status:   registry.ABRunning,
		EndsAt:   learnNow.Add(3 * 24 * time.Hour),
	}

	f.ctrl.evaluateTest(context.Background())

	assert.Empty(t, f.outcomes.armsAsked, "no stats pulled before the window closes")
	assert.Empty(t, f.router.promotions)
	assert.Empty(t, f.router.retentions)
}

func TestEvaluateRetainsOnThinArms(t *testing.T) {
	f := newControllerFixture(t)
	test := expiredTest()
	f.router.test = test
	f.outcomes.arms = map[string]registry.ABStats{
		"v3.2.0": {Samples: 20, Wins: 10, Losses: 10},
		"v3.3.0": {Samples: 40, Wins: 28, Losses: 12},
	}

	f.ctrl.evaluateTest(context.Background())

	assert.Empty(t, f.router.promotions)
	require.Len(t, f.router.retentions, 1)
	assert.Nil(t, f.router.retentions[0].PValue, "no verdict computed on thin arms")
}

func TestEvaluateDefersOnStatsError(t *testing.T) {
	f := newControllerFixture(t)
	f.router.test = expiredTest()
	f.outcomes.armErr = errors.New("db gone")

	f.ctrl.evaluateTest(context.Background())

	assert.Empty(t, f.router.promotions)
	assert.Empty(t, f.router.retentions)
	_, running := f.router.RunningTest()
	assert.True(t, running, "test stays open for the next sweep")
}

func TestDailyLockSkipsConcurrentRun(t *testing.T) {
	f := newControllerFixture(t)

	f.ctrl.training.Lock()
	defer f.ctrl.training.Unlock()

	f.ctrl.RunDaily(context.Background())

	assert.Empty(t, f.trainer.reqs)
	run := f.lastRun(t)
	assert.Equal(t, RunSkipped, run.Status)
	assert.Contains(t, run.Detail, "in progress")
}

func TestDailyRunsTrainThenSweep(t *testing.T) {
	f := newControllerFixture(t)
	test := expiredTest()
	f.router.test = test
	f.outcomes.arms = map[string]registry.ABStats{
		"v3.2.0": {Samples: 200, Wins: 110, Losses: 90},
		"v3.3.0": {Samples: 200, Wins: 140, Losses: 60},
	}

	f.ctrl.RunDaily(context.Background())

	// Child trains and registers, stays dormant because the test was
	// still open, then the sweep promotes the challenger.
	require.Len(t, f.trainer.reqs, 1)
	require.Len(t, f.router.registered, 1)
	assert.Contains(t, f.lastRun(t).Detail, "a/b test in progress")
	require.Len(t, f.router.promotions, 1)
	assert.Equal(t, "v3.3.0", f.router.active.Version)
}

func TestManifestPreferredOverRPCFields(t *testing.T) {
	f := newControllerFixture(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	manifest := `version: v3.2.1
parent: v3.2.0
type: incremental
trained_at: 2025-06-02T02:10:00Z
metrics:
  win_rate: 0.61
  sharpe: 1.4
  avg_pnl: 8.2
  max_drawdown: 0.12
artifacts:
  - model.onnx
`
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o600))
	f.trainer.manifest = path
	// RPC metrics disagree with the manifest; the manifest wins.
	f.trainer.metrics = map[string]float64{"win_rate": 0.99}

	f.ctrl.incremental(context.Background())

	require.Len(t, f.router.registered, 1)
	mv := f.router.registered[0]
	assert.Equal(t, "v3.2.1", mv.Version)
	assert.InDelta(t, 0.61, mv.Metrics.WinRate, 1e-9)
	assert.InDelta(t, 1.4, mv.Metrics.Sharpe, 1e-9)
	assert.Equal(t, []string{"model.onnx"}, mv.ArtifactPaths)
	assert.Equal(t, []string{"v3.2.1"}, f.router.replaced)
}

func TestManifestTypeMismatchFailsRun(t *testing.T) {
	f := newControllerFixture(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	manifest := `version: v3.2.1
type: full
trained_at: 2025-06-02T02:10:00Z
metrics:
  win_rate: 0.61
artifacts:
  - model.onnx
`
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o600))
	f.trainer.manifest = path

	f.ctrl.incremental(context.Background())

	assert.Empty(t, f.router.registered)
	run := f.lastRun(t)
	assert.Equal(t, RunFailed, run.Status)
	assert.Contains(t, run.Detail, "does not match")
}

func TestStartRejectsBadCron(t *testing.T) {
	f := newControllerFixture(t)
	f.ctrl.cfg.DailyCron = "not a cron"

	err := f.ctrl.Start(context.Background())
	require.Error(t, err)
}

func TestStartAndStop(t *testing.T) {
	f := newControllerFixture(t)

	require.NoError(t, f.ctrl.Start(context.Background()))
	f.ctrl.Stop()

	assert.Empty(t, f.trainer.reqs, "no job fires inside the test window")
}
