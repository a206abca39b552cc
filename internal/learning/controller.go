package learning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fxsage/fxadvisor/internal/alerts"
	"github.com/fxsage/fxadvisor/internal/bus"
	"github.com/fxsage/fxadvisor/internal/config"
	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/metrics"
	"github.com/fxsage/fxadvisor/internal/predictor"
	"github.com/fxsage/fxadvisor/internal/registry"
)

// fullTrainWindow is how far back a weekly from-scratch run reaches.
const fullTrainWindow = 90 * 24 * time.Hour

// initialVersion is stamped on the first full train when nothing is
// active yet.
const initialVersion = "v1.0.0"

// Trainer runs training jobs on the remote model service.
type Trainer interface {
	Train(ctx context.Context, req predictor.TrainRequest) (*predictor.TrainResult, error)
}

// Registry is the routing-table surface the controller drives.
type Registry interface {
	Active() (registry.ModelVersion, bool)
	RunningTest() (registry.ABTest, bool)
	Register(ctx context.Context, mv registry.ModelVersion) error
	ActivateInitial(ctx context.Context, version string) error
	Replace(ctx context.Context, version string) error
	OpenTest(ctx context.Context, challenger string, split float64, window time.Duration) (*registry.ABTest, error)
	Promote(ctx context.Context, rec registry.ABTestClose) error
	Retain(ctx context.Context, rec registry.ABTestClose) error
}

// Outcomes exposes the labelled-signal aggregates the controller gates
// and judges on.
type Outcomes interface {
	OutcomeCount(ctx context.Context, from, to time.Time) (int, error)
	ABArmStats(ctx context.Context, testID uuid.UUID, version string) (registry.ABStats, error)
}

// RunLog persists the training audit trail.
type RunLog interface {
	InsertTrainingLog(ctx context.Context, l *TrainingLog) error
}

// Publisher announces run outcomes and promotions on the bus.
type Publisher interface {
	PublishTrainingCompleted(ctx context.Context, ev bus.TrainingCompletedEvent) error
	PublishModelPromoted(ctx context.Context, ev bus.ModelPromotedEvent) error
}

// Controller owns the training calendar. Two cron jobs cover the whole
// lifecycle: the daily job fine-tunes the active model and sweeps the
// open A/B test, the weekly job retrains from scratch and opens the
// next test. The training mutex keeps the node to one run at a time;
// whichever job loses the TryLock skips its slot and says so.
type Controller struct {
	cfg      config.LearningConfig
	trainer  Trainer
	router   Registry
	outcomes Outcomes
	runs     RunLog
	events   Publisher
	sched    *gocron.Scheduler
	training sync.Mutex
	log      zerolog.Logger
	now      func() time.Time
}

// NewController wires the controller. Zero config fields fall back to
// the documented defaults.
func NewController(cfg config.LearningConfig, trainer Trainer, router Registry, outcomes Outcomes, runs RunLog, events Publisher) *Controller {
	if cfg.DailyCron == "" {
		cfg.DailyCron = "0 2 * * *"
	}
	if cfg.WeeklyCron == "" {
		cfg.WeeklyCron = "0 1 * * 0"
	}
	if cfg.ABTestDays <= 0 {
		cfg.ABTestDays = 7
	}
	if cfg.ABTestSplit <= 0 || cfg.ABTestSplit >= 1 {
		cfg.ABTestSplit = 0.5
	}
	if cfg.SignificanceLevel <= 0 {
		cfg.SignificanceLevel = 0.05
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 30
	}

	return &Controller{
		cfg:      cfg,
		trainer:  trainer,
		router:   router,
		outcomes: outcomes,
		runs:     runs,
		events:   events,
		log:      config.NewLogger("learning"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start registers both cron jobs and begins the schedule. Jobs fire on
// UTC wall-clock time regardless of host timezone.
func (c *Controller) Start(ctx context.Context) error {
	const op = "learning.Start"

	sched := gocron.NewScheduler(time.UTC)
	if _, err := sched.Cron(c.cfg.DailyCron).Do(func() { c.RunDaily(ctx) }); err != nil {
		return errs.E(op, errs.InvalidInput, fmt.Errorf("daily cron %q: %w", c.cfg.DailyCron, err))
	}
	if _, err := sched.Cron(c.cfg.WeeklyCron).Do(func() { c.RunWeekly(ctx) }); err != nil {
		return errs.E(op, errs.InvalidInput, fmt.Errorf("weekly cron %q: %w", c.cfg.WeeklyCron, err))
	}
	sched.StartAsync()
	c.sched = sched

	c.log.Info().
		Str("daily", c.cfg.DailyCron).
		Str("weekly", c.cfg.WeeklyCron).
		Int("ab_test_days", c.cfg.ABTestDays).
		Msg("Training schedule started")
	return nil
}

// Stop halts the schedule. A run already in flight finishes on its own.
func (c *Controller) Stop() {
	if c.sched != nil {
		c.sched.Stop()
	}
}

// RunDaily executes one daily cycle: an incremental fine-tune of the
// active model, then the A/B evaluation sweep.
func (c *Controller) RunDaily(ctx context.Context) {
	if !c.training.TryLock() {
		c.recordRun(ctx, c.skippedRun(registry.TrainIncremental, "another training run is in progress"))
		return
	}
	defer c.training.Unlock()

	c.incremental(ctx)
	c.evaluateTest(ctx)
}

// RunWeekly executes one weekly cycle: a from-scratch retrain and, when
// an incumbent exists, a fresh A/B test against it.
func (c *Controller) RunWeekly(ctx context.Context) {
	if !c.training.TryLock() {
		c.recordRun(ctx, c.skippedRun(registry.TrainFull, "another training run is in progress"))
		return
	}
	defer c.training.Unlock()

	c.full(ctx)
}

// incremental fine-tunes the active model on the last day of labelled
// outcomes. The child version is always registered; it only becomes
// active when its validation win rate clears the active's by epsilon
// and no test is mid-flight.
func (c *Controller) incremental(ctx context.Context) {
	started := c.now()
	run := &TrainingLog{ID: uuid.New(), Type: registry.TrainIncremental, StartedAt: started}

	active, ok := c.router.Active()
	if !ok {
		c.skip(ctx, run, "no active model version to fine-tune")
		return
	}

	since, until := started.Add(-24*time.Hour), started
	n, err := c.outcomes.OutcomeCount(ctx, since, until)
	if err != nil {
		c.fail(ctx, run, err)
		return
	}
	if n < c.cfg.MinSamples {
		c.skip(ctx, run, fmt.Sprintf("%d labelled signals in window, need %d", n, c.cfg.MinSamples))
		return
	}

	version, err := registry.NextPatch(active.Version)
	if err != nil {
		c.fail(ctx, run, fmt.Errorf("active version %q unusable: %w", active.Version, err))
		return
	}

	result, err := c.trainer.Train(ctx, predictor.TrainRequest{
		Type:        string(registry.TrainIncremental),
		Version:     version,
		BaseVersion: active.Version,
		Since:       since,
		Until:       until,
	})
	if err != nil {
		c.fail(ctx, run, err)
		return
	}
	run.Version = result.Version
	run.SampleCount = result.SampleCount

	mv, err := c.registrable(result, registry.TrainIncremental, active.Version)
	if err != nil {
		c.fail(ctx, run, err)
		return
	}
	if err := c.router.Register(ctx, mv); err != nil {
		c.fail(ctx, run, err)
		return
	}

	gate := active.Metrics.WinRate + c.cfg.PromotionEpsilon
	switch {
	case mv.Metrics.WinRate < gate:
		run.Detail = fmt.Sprintf("dormant: validation win rate %.4f under required %.4f", mv.Metrics.WinRate, gate)
		c.log.Info().
			Str("version", mv.Version).
			Float64("win_rate", mv.Metrics.WinRate).
			Float64("required", gate).
			Msg("Incremental child held dormant")
	case c.testInFlight():
		run.Detail = "dormant: a/b test in progress"
		c.log.Info().Str("version", mv.Version).Msg("Incremental child held dormant during A/B test")
	default:
		if err := c.router.Replace(ctx, mv.Version); err != nil {
			c.fail(ctx, run, fmt.Errorf("child %s registered but activation failed: %w", mv.Version, err))
			return
		}
		run.Detail = fmt.Sprintf("activated, displacing %s", active.Version)
		metrics.RecordPromotion("incremental")
		c.publishPromoted(ctx, bus.ModelPromotedEvent{
			Version:       mv.Version,
			ParentVersion: active.Version,
			Trigger:       "incremental",
			PromotedAt:    c.now(),
		})
	}

	run.Status = RunSucceeded
	run.FinishedAt = c.now()
	c.recordRun(ctx, run)
}

// full retrains from scratch over the last quarter. With no incumbent
// the result bootstraps the routing table; otherwise it challenges the
// incumbent in a fresh split test.
func (c *Controller) full(ctx context.Context) {
	started := c.now()
	run := &TrainingLog{ID: uuid.New(), Type: registry.TrainFull, StartedAt: started}

	if test, ok := c.router.RunningTest(); ok {
		c.skip(ctx, run, fmt.Sprintf("a/b test %s still running", test.ID))
		return
	}

	since, until := started.Add(-fullTrainWindow), started
	n, err := c.outcomes.OutcomeCount(ctx, since, until)
	if err != nil {
		c.fail(ctx, run, err)
		return
	}
	if n < c.cfg.MinSamples {
		c.skip(ctx, run, fmt.Sprintf("%d labelled signals in window, need %d", n, c.cfg.MinSamples))
		return
	}

	active, hasActive := c.router.Active()
	version := initialVersion
	if hasActive {
		version, err = registry.NextMinor(active.Version)
		if err != nil {
			c.fail(ctx, run, fmt.Errorf("active version %q unusable: %w", active.Version, err))
			return
		}
	}

	result, err := c.trainer.Train(ctx, predictor.TrainRequest{
		Type:    string(registry.TrainFull),
		Version: version,
		Since:   since,
		Until:   until,
	})
	if err != nil {
		c.fail(ctx, run, err)
		return
	}
	run.Version = result.Version
	run.SampleCount = result.SampleCount

	mv, err := c.registrable(result, registry.TrainFull, "")
	if err != nil {
		c.fail(ctx, run, err)
		return
	}
	if err := c.router.Register(ctx, mv); err != nil {
		c.fail(ctx, run, err)
		return
	}

	if !hasActive {
		if err := c.router.ActivateInitial(ctx, mv.Version); err != nil {
			c.fail(ctx, run, fmt.Errorf("version %s registered but activation failed: %w", mv.Version, err))
			return
		}
		run.Detail = "activated as initial version"
		metrics.RecordPromotion("bootstrap")
		c.publishPromoted(ctx, bus.ModelPromotedEvent{
			Version:    mv.Version,
			Trigger:    "bootstrap",
			PromotedAt: c.now(),
		})
	} else {
		window := time.Duration(c.cfg.ABTestDays) * 24 * time.Hour
		test, err := c.router.OpenTest(ctx, mv.Version, c.cfg.ABTestSplit, window)
		if err != nil {
			c.fail(ctx, run, fmt.Errorf("version %s registered but test open failed: %w", mv.Version, err))
			return
		}
		run.Detail = fmt.Sprintf("a/b test %s opened against %s", test.ID, active.Version)
	}

	run.Status = RunSucceeded
	run.FinishedAt = c.now()
	c.recordRun(ctx, run)
}

// evaluateTest closes the running A/B test once its window elapses.
// Promotion requires the challenger ahead on realized win rate with
// one-sided significance under the configured level; anything short of
// that retains the incumbent. The test closes either way.
func (c *Controller) evaluateTest(ctx context.Context) {
	test, ok := c.router.RunningTest()
	if !ok {
		return
	}
	now := c.now()
	if !test.Expired(now) {
		c.log.Debug().
			Str("test_id", test.ID.String()).
			Time("ends_at", test.EndsAt).
			Msg("A/B window still open")
		return
	}

	aStats, err := c.outcomes.ABArmStats(ctx, test.ID, test.VersionA)
	if err != nil {
		c.log.Warn().Err(err).Str("test_id", test.ID.String()).Msg("Incumbent arm stats unavailable, sweep deferred")
		return
	}
	bStats, err := c.outcomes.ABArmStats(ctx, test.ID, test.VersionB)
	if err != nil {
		c.log.Warn().Err(err).Str("test_id", test.ID.String()).Msg("Challenger arm stats unavailable, sweep deferred")
		return
	}

	rec := registry.ABTestClose{ID: test.ID, AStats: aStats, BStats: bStats, ClosedAt: now}

	decidedA := aStats.Wins + aStats.Losses
	decidedB := bStats.Wins + bStats.Losses
	if decidedA < c.cfg.MinSamples || decidedB < c.cfg.MinSamples {
		c.retain(ctx, rec, test, fmt.Sprintf("thin arms: %d vs %d decided, need %d each",
			decidedA, decidedB, c.cfg.MinSamples))
		return
	}

	p := twoProportionPValue(bStats, aStats)
	rec.PValue = &p

	if p < c.cfg.SignificanceLevel && bStats.WinRate() > aStats.WinRate() {
		winner := test.VersionB
		rec.Winner = &winner
		if err := c.router.Promote(ctx, rec); err != nil {
			c.log.Error().Err(err).Str("test_id", test.ID.String()).Msg("Promotion failed, sweep deferred")
			return
		}
		metrics.RecordPromotion("ab_test")
		c.publishPromoted(ctx, bus.ModelPromotedEvent{
			Version:       test.VersionB,
			ParentVersion: test.VersionA,
			Trigger:       "ab_test",
			ABTestID:      &test.ID,
			PromotedAt:    now,
		})
		c.log.Info().
			Str("test_id", test.ID.String()).
			Str("promoted", test.VersionB).
			Float64("p_value", p).
			Float64("challenger_win_rate", bStats.WinRate()).
			Float64("incumbent_win_rate", aStats.WinRate()).
			Msg("Challenger promoted")
		return
	}

	c.retain(ctx, rec, test, fmt.Sprintf("p=%.4f at level %.2f", p, c.cfg.SignificanceLevel))
}

func (c *Controller) retain(ctx context.Context, rec registry.ABTestClose, test registry.ABTest, why string) {
	if err := c.router.Retain(ctx, rec); err != nil {
		c.log.Error().Err(err).Str("test_id", rec.ID.String()).Msg("Failed to close A/B test, sweep deferred")
		return
	}
	c.log.Info().
		Str("test_id", rec.ID.String()).
		Str("retained", test.VersionA).
		Str("reason", why).
		Msg("A/B test closed, incumbent retained")
}

// registrable turns a trainer result into a version row. A manifest on
// disk is the durable source when the trainer wrote one; the RPC fields
// cover trainers that do not.
func (c *Controller) registrable(result *predictor.TrainResult, kind registry.TrainType, parent string) (registry.ModelVersion, error) {
	if result.ManifestPath != "" {
		m, err := registry.LoadManifest(result.ManifestPath)
		if err != nil {
			return registry.ModelVersion{}, fmt.Errorf("trainer manifest unreadable: %w", err)
		}
		if registry.TrainType(m.Type) != kind {
			return registry.ModelVersion{}, fmt.Errorf("manifest type %q does not match %s run", m.Type, kind)
		}
		mv := m.ModelVersion()
		if mv.ParentVersion == "" {
			mv.ParentVersion = parent
		}
		return mv, nil
	}

	if len(result.ArtifactPaths) == 0 {
		return registry.ModelVersion{}, fmt.Errorf("trainer returned no artifacts for %s", result.Version)
	}
	return registry.ModelVersion{
		Version:       result.Version,
		ParentVersion: parent,
		Type:          kind,
		TrainedAt:     c.now(),
		Metrics: registry.EvalMetrics{
			WinRate:     result.Metrics["win_rate"],
			Sharpe:      result.Metrics["sharpe"],
			AvgPnL:      result.Metrics["avg_pnl"],
			MaxDrawdown: result.Metrics["max_drawdown"],
		},
		ArtifactPaths: result.ArtifactPaths,
	}, nil
}

func (c *Controller) testInFlight() bool {
	_, ok := c.router.RunningTest()
	return ok
}

func (c *Controller) skippedRun(kind registry.TrainType, why string) *TrainingLog {
	now := c.now()
	return &TrainingLog{
		ID:         uuid.New(),
		Type:       kind,
		Status:     RunSkipped,
		Detail:     why,
		StartedAt:  now,
		FinishedAt: now,
	}
}

func (c *Controller) skip(ctx context.Context, run *TrainingLog, why string) {
	run.Status = RunSkipped
	run.Detail = why
	run.FinishedAt = c.now()
	c.log.Warn().Str("type", string(run.Type)).Str("reason", why).Msg("Training run skipped")
	c.recordRun(ctx, run)
}

func (c *Controller) fail(ctx context.Context, run *TrainingLog, err error) {
	run.Status = RunFailed
	run.Detail = err.Error()
	run.FinishedAt = c.now()
	c.log.Error().Err(err).Str("type", string(run.Type)).Msg("Training run failed")
	alerts.AlertTrainingFailed(ctx, string(run.Type), err)
	c.recordRun(ctx, run)
}

// recordRun writes the audit row, bumps metrics and, for runs that
// actually exercised the trainer, announces the outcome on the bus.
// The active model is never disturbed by a failed run.
func (c *Controller) recordRun(ctx context.Context, run *TrainingLog) {
	if err := c.runs.InsertTrainingLog(ctx, run); err != nil {
		c.log.Error().Err(err).Str("run_id", run.ID.String()).Msg("Failed to write training log")
	}

	if run.Status == RunSkipped {
		metrics.TrainingRuns.WithLabelValues(string(run.Type), string(run.Status)).Inc()
		return
	}
	metrics.RecordTrainingRun(string(run.Type), string(run.Status), run.Duration().Seconds())

	ev := bus.TrainingCompletedEvent{
		RunID:       run.ID,
		Type:        string(run.Type),
		Status:      string(run.Status),
		Version:     run.Version,
		SampleCount: run.SampleCount,
		Duration:    run.Duration().Seconds(),
		CompletedAt: run.FinishedAt,
	}
	if err := c.events.PublishTrainingCompleted(ctx, ev); err != nil {
		c.log.Warn().Err(err).Str("run_id", run.ID.String()).Msg("Failed to publish training event")
	}
}

func (c *Controller) publishPromoted(ctx context.Context, ev bus.ModelPromotedEvent) {
	if err := c.events.PublishModelPromoted(ctx, ev); err != nil {
		c.log.Warn().Err(err).Str("version", ev.Version).Msg("Failed to publish promotion event")
	}
}
