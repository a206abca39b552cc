package registry

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/metrics"
)

// Store is the persistence the router needs. The concrete
// implementation lives in the store package.
type Store interface {
	InsertVersion(ctx context.Context, mv ModelVersion) error
	ActiveVersions(ctx context.Context) ([]ModelVersion, error)
	GetVersion(ctx context.Context, version string) (*ModelVersion, error)
	ListVersions(ctx context.Context, limit int) ([]ModelVersion, error)
	PromoteVersion(ctx context.Context, challenger, incumbent string, rec ABTestClose) error
	InsertABTest(ctx context.Context, test ABTest) error
	RunningABTest(ctx context.Context) (*ABTest, error)
	CloseABTest(ctx context.Context, rec ABTestClose) error
	ListABTests(ctx context.Context, limit int) ([]ABTest, error)
}

// ABTestClose carries everything persisted when a test ends
type ABTestClose struct {
	ID       uuid.UUID
	Status   ABTestStatus
	AStats   ABStats
	BStats   ABStats
	PValue   *float64
	Winner   *string
	ClosedAt time.Time
}

// Router is the in-memory routing table. Reads are frequent (every
// prediction); writes happen only on register, test open and
// promotion. One RWMutex guards the whole view.
//
// The promotion path deliberately holds the write lock across the
// persistence transaction: readers must observe either the old state
// or the new one, never an intermediate with two or zero actives.
type Router struct {
	mu         sync.RWMutex
	active     *ModelVersion
	test       *ABTest
	challenger *ModelVersion
	fatal      bool

	store Store
	log   zerolog.Logger
}

// NewRouter wires a router to its store
func NewRouter(store Store, log zerolog.Logger) *Router {
	return &Router{store: store, log: log}
}

// Load primes the routing table from persisted state. Two active
// versions with no running test is an integrity breach: the router
// refuses to route until an operator intervenes.
func (r *Router) Load(ctx context.Context) error {
	const op = "registry.Load"

	actives, err := r.store.ActiveVersions(ctx)
	if err != nil {
		return errs.E(op, errs.Unavailable, err)
	}
	test, err := r.store.RunningABTest(ctx)
	if err != nil {
		return errs.E(op, errs.Unavailable, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(actives) > 1 {
		r.fatal = true
		r.active = nil
		r.test = nil
		r.challenger = nil
		return errs.Errorf(op, errs.Fatal, "%d active model versions found, routing refused", len(actives))
	}

	if len(actives) == 1 {
		mv := actives[0]
		r.active = &mv
	} else {
		r.active = nil
	}

	r.test = test
	r.challenger = nil
	if test != nil {
		ch, err := r.store.GetVersion(ctx, test.VersionB)
		if err != nil {
			return errs.E(op, errs.Unavailable, err)
		}
		if ch == nil {
			r.fatal = true
			return errs.Errorf(op, errs.Fatal, "running test %s references unknown version %s", test.ID, test.VersionB)
		}
		r.challenger = ch
	}
	r.fatal = false

	if r.test != nil {
		metrics.ABTestsRunning.Set(1)
	} else {
		metrics.ABTestsRunning.Set(0)
	}

	r.log.Info().
		Str("active", versionOrNone(r.active)).
		Str("challenger", versionOrNone(r.challenger)).
		Msg("Routing table loaded")
	return nil
}

func versionOrNone(mv *ModelVersion) string {
	if mv == nil {
		return "none"
	}
	return mv.Version
}

// Active returns the currently active version, if any
func (r *Router) Active() (ModelVersion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return ModelVersion{}, false
	}
	return *r.active, true
}

// RunningTest returns the open A/B test, if any
func (r *Router) RunningTest() (ABTest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.test == nil {
		return ABTest{}, false
	}
	return *r.test, true
}

// Routable lists every version a prediction may legitimately carry:
// the active version plus, during a test, the challenger.
func (r *Router) Routable() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fatal {
		return nil
	}
	var out []string
	if r.active != nil {
		out = append(out, r.active.Version)
	}
	if r.test != nil && r.challenger != nil {
		out = append(out, r.challenger.Version)
	}
	return out
}

// Route picks the model version for one prediction. With a running
// test the arm is chosen by consistent hashing over (pair, timeframe,
// 5-minute bucket) so the same key sticks to one arm long enough for
// outcomes to attribute cleanly.
func (r *Router) Route(pair market.Pair, tf market.Timeframe, now time.Time) (RouteDecision, error) {
	const op = "registry.Route"

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.fatal {
		return RouteDecision{}, errs.Errorf(op, errs.Fatal, "routing table in fatal state")
	}
	if r.active == nil {
		return RouteDecision{}, errs.Errorf(op, errs.Unavailable, "no active model version")
	}
	if r.test == nil || r.challenger == nil {
		return RouteDecision{Version: r.active.Version}, nil
	}

	if selectChallenger(pair, tf, now, r.test.TrafficSplit) {
		id := r.test.ID
		return RouteDecision{Version: r.challenger.Version, ABTestID: &id}, nil
	}
	id := r.test.ID
	return RouteDecision{Version: r.active.Version, ABTestID: &id}, nil
}

// selectChallenger hashes the decision key into [0,1) and compares it
// against the traffic split. Same key in the same 5-minute bucket
// always lands on the same arm.
func selectChallenger(pair market.Pair, tf market.Timeframe, now time.Time, split float64) bool {
	bucket := now.Unix() / 300
	decisionKey := fmt.Sprintf("%s|%s|%d", pair, tf, bucket)

	hash := md5.Sum([]byte(decisionKey))
	hashInt := binary.BigEndian.Uint64(hash[:8])
	selection := float64(hashInt%10000) / 10000.0

	return selection < split
}

// Register persists a new model version. The version must be unique;
// registration never changes routing by itself.
func (r *Router) Register(ctx context.Context, mv ModelVersion) error {
	const op = "registry.Register"

	if mv.Version == "" {
		return errs.Errorf(op, errs.InvalidInput, "empty version")
	}
	if _, err := ParseVersion(mv.Version); err != nil {
		return errs.E(op, errs.InvalidInput, err)
	}
	mv.Active = false
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now().UTC()
	}

	if err := r.store.InsertVersion(ctx, mv); err != nil {
		return errs.E(op, errs.KindOf(err), err)
	}
	r.log.Info().
		Str("version", mv.Version).
		Str("parent", mv.ParentVersion).
		Str("type", string(mv.Type)).
		Msg("Model version registered")
	return nil
}

// ActivateInitial makes a version active when nothing is active yet.
// Used on first deployment and in recovery; refuses to race a test.
func (r *Router) ActivateInitial(ctx context.Context, version string) error {
	const op = "registry.ActivateInitial"

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return errs.Errorf(op, errs.Conflict, "active version %s already set", r.active.Version)
	}
	if r.test != nil {
		return errs.Errorf(op, errs.Conflict, "test %s is running", r.test.ID)
	}

	mv, err := r.store.GetVersion(ctx, version)
	if err != nil {
		return errs.E(op, errs.Unavailable, err)
	}
	if mv == nil {
		return errs.Errorf(op, errs.InvalidInput, "unknown version %s", version)
	}

	if err := r.store.PromoteVersion(ctx, version, "", ABTestClose{}); err != nil {
		return errs.E(op, errs.Transient, err)
	}
	mv.Active = true
	r.active = mv
	r.log.Info().Str("version", version).Msg("Initial model version activated")
	return nil
}

// Replace swaps the active version for a validated incremental child
// without a test. Same discipline as Promote: the flip happens under
// the write lock and one database transaction.
func (r *Router) Replace(ctx context.Context, version string) error {
	const op = "registry.Replace"

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return errs.Errorf(op, errs.Conflict, "no active version to replace")
	}
	if r.test != nil {
		return errs.Errorf(op, errs.Conflict, "test %s is running", r.test.ID)
	}
	if version == r.active.Version {
		return errs.Errorf(op, errs.InvalidInput, "version %s is already active", version)
	}

	mv, err := r.store.GetVersion(ctx, version)
	if err != nil {
		return errs.E(op, errs.Unavailable, err)
	}
	if mv == nil {
		return errs.Errorf(op, errs.InvalidInput, "unknown version %s", version)
	}

	incumbent := r.active.Version
	if err := r.store.PromoteVersion(ctx, version, incumbent, ABTestClose{}); err != nil {
		return errs.E(op, errs.Transient, err)
	}

	mv.Active = true
	r.active = mv
	r.log.Info().
		Str("version", version).
		Str("displaced", incumbent).
		Msg("Active model version replaced")
	return nil
}

// OpenTest starts a split test between the active version and a
// registered challenger.
func (r *Router) OpenTest(ctx context.Context, challenger string, split float64, window time.Duration) (*ABTest, error) {
	const op = "registry.OpenTest"

	if split <= 0 || split >= 1 {
		return nil, errs.Errorf(op, errs.InvalidInput, "traffic split %.2f outside (0,1)", split)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return nil, errs.Errorf(op, errs.Conflict, "no active version to test against")
	}
	if r.test != nil {
		return nil, errs.Errorf(op, errs.Conflict, "test %s already running", r.test.ID)
	}
	if challenger == r.active.Version {
		return nil, errs.Errorf(op, errs.InvalidInput, "challenger equals active version %s", challenger)
	}

	ch, err := r.store.GetVersion(ctx, challenger)
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, err)
	}
	if ch == nil {
		return nil, errs.Errorf(op, errs.InvalidInput, "unknown challenger version %s", challenger)
	}

	now := time.Now().UTC()
	test := ABTest{
		ID:           uuid.New(),
		VersionA:     r.active.Version,
		VersionB:     challenger,
		TrafficSplit: split,
		Status:       ABRunning,
		StartedAt:    now,
		EndsAt:       now.Add(window),
	}
	if err := r.store.InsertABTest(ctx, test); err != nil {
		return nil, errs.E(op, errs.Transient, err)
	}

	r.test = &test
	r.challenger = ch
	metrics.ABTestsRunning.Set(1)

	r.log.Info().
		Str("test_id", test.ID.String()).
		Str("incumbent", test.VersionA).
		Str("challenger", test.VersionB).
		Float64("split", split).
		Time("ends_at", test.EndsAt).
		Msg("A/B test opened")
	return &test, nil
}

// Promote flips the challenger to active and closes the test, all
// under the write lock and one database transaction. Readers observe
// the old routing state or the new one, nothing in between.
func (r *Router) Promote(ctx context.Context, rec ABTestClose) error {
	const op = "registry.Promote"

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.test == nil || r.challenger == nil {
		return errs.Errorf(op, errs.Conflict, "no running test to promote from")
	}
	if r.test.ID != rec.ID {
		return errs.Errorf(op, errs.Conflict, "close targets test %s but %s is running", rec.ID, r.test.ID)
	}

	incumbent := ""
	if r.active != nil {
		incumbent = r.active.Version
	}
	rec.Status = ABCompleted
	if rec.ClosedAt.IsZero() {
		rec.ClosedAt = time.Now().UTC()
	}

	if err := r.store.PromoteVersion(ctx, r.challenger.Version, incumbent, rec); err != nil {
		return errs.E(op, errs.Transient, err)
	}

	promoted := *r.challenger
	promoted.Active = true
	r.active = &promoted
	r.test = nil
	r.challenger = nil
	metrics.ABTestsRunning.Set(0)

	r.log.Info().
		Str("version", promoted.Version).
		Str("displaced", incumbent).
		Msg("Model version promoted")
	return nil
}

// Retain closes the test keeping the incumbent active. The challenger
// stays registered but dormant.
func (r *Router) Retain(ctx context.Context, rec ABTestClose) error {
	const op = "registry.Retain"

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.test == nil {
		return errs.Errorf(op, errs.Conflict, "no running test to close")
	}
	if r.test.ID != rec.ID {
		return errs.Errorf(op, errs.Conflict, "close targets test %s but %s is running", rec.ID, r.test.ID)
	}

	if rec.Status == "" {
		rec.Status = ABCompleted
	}
	if rec.ClosedAt.IsZero() {
		rec.ClosedAt = time.Now().UTC()
	}

	if err := r.store.CloseABTest(ctx, rec); err != nil {
		return errs.E(op, errs.Transient, err)
	}

	r.test = nil
	r.challenger = nil
	metrics.ABTestsRunning.Set(0)

	r.log.Info().
		Str("test_id", rec.ID.String()).
		Str("retained", versionOrNone(r.active)).
		Msg("A/B test closed, incumbent retained")
	return nil
}
