package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/market"
)

// fakeStore keeps versions and tests in memory for router tests
type fakeStore struct {
	versions map[string]*ModelVersion
	tests    map[uuid.UUID]*ABTest
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		versions: make(map[string]*ModelVersion),
		tests:    make(map[uuid.UUID]*ABTest),
	}
}

func (f *fakeStore) InsertVersion(_ context.Context, mv ModelVersion) error {
	if _, ok := f.versions[mv.Version]; ok {
		return errs.Errorf("fake.InsertVersion", errs.Conflict, "duplicate version %s", mv.Version)
	}
	f.versions[mv.Version] = &mv
	return nil
}

func (f *fakeStore) ActiveVersions(_ context.Context) ([]ModelVersion, error) {
	var out []ModelVersion
	for _, mv := range f.versions {
		if mv.Active {
			out = append(out, *mv)
		}
	}
	return out, nil
}

func (f *fakeStore) GetVersion(_ context.Context, version string) (*ModelVersion, error) {
	mv, ok := f.versions[version]
	if !ok {
		return nil, nil
	}
	cp := *mv
	return &cp, nil
}

func (f *fakeStore) ListVersions(_ context.Context, limit int) ([]ModelVersion, error) {
	var out []ModelVersion
	for _, mv := range f.versions {
		out = append(out, *mv)
	}
	return out, nil
}

func (f *fakeStore) PromoteVersion(_ context.Context, challenger, incumbent string, rec ABTestClose) error {
	if incumbent != "" {
		inc, ok := f.versions[incumbent]
		if !ok {
			return fmt.Errorf("unknown incumbent %s", incumbent)
		}
		inc.Active = false
	}
	ch, ok := f.versions[challenger]
	if !ok {
		return fmt.Errorf("unknown challenger %s", challenger)
	}
	ch.Active = true
	if rec.ID != uuid.Nil {
		if t, ok := f.tests[rec.ID]; ok {
			t.Status = rec.Status
			t.PValue = rec.PValue
			t.Winner = rec.Winner
			closedAt := rec.ClosedAt
			t.ClosedAt = &closedAt
		}
	}
	return nil
}

func (f *fakeStore) InsertABTest(_ context.Context, test ABTest) error {
	f.tests[test.ID] = &test
	return nil
}

func (f *fakeStore) RunningABTest(_ context.Context) (*ABTest, error) {
	for _, t := range f.tests {
		if t.Status == ABRunning {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CloseABTest(_ context.Context, rec ABTestClose) error {
	t, ok := f.tests[rec.ID]
	if !ok {
		return fmt.Errorf("unknown test %s", rec.ID)
	}
	t.Status = rec.Status
	t.PValue = rec.PValue
	t.Winner = rec.Winner
	closedAt := rec.ClosedAt
	t.ClosedAt = &closedAt
	return nil
}

func (f *fakeStore) ListABTests(_ context.Context, limit int) ([]ABTest, error) {
	var out []ABTest
	for _, t := range f.tests {
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeStore) activeCount() int {
	n := 0
	for _, mv := range f.versions {
		if mv.Active {
			n++
		}
	}
	return n
}

func newTestRouter(t *testing.T) (*Router, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	r := NewRouter(fs, zerolog.Nop())
	return r, fs
}

func seedActive(t *testing.T, r *Router, fs *fakeStore, version string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, ModelVersion{Version: version, Type: TrainFull, TrainedAt: time.Now()}))
	require.NoError(t, r.Load(ctx))
	require.NoError(t, r.ActivateInitial(ctx, version))
	require.Equal(t, 1, fs.activeCount())
}

func TestRouterRouteNoActive(t *testing.T) {
	r, _ := newTestRouter(t)
	require.NoError(t, r.Load(context.Background()))

	_, err := r.Route("EUR/USD", market.TF1h, time.Now())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Unavailable))
}

func TestRouterRouteActiveOnly(t *testing.T) {
	r, fs := newTestRouter(t)
	seedActive(t, r, fs, "v3.2.0")

	dec, err := r.Route("EUR/USD", market.TF1h, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "v3.2.0", dec.Version)
	assert.Nil(t, dec.ABTestID)
}

func TestRouterRouteDuringTest(t *testing.T) {
	r, fs := newTestRouter(t)
	ctx := context.Background()
	seedActive(t, r, fs, "v3.2.0")
	require.NoError(t, r.Register(ctx, ModelVersion{Version: "v3.3.0", Type: TrainFull, TrainedAt: time.Now()}))

	test, err := r.OpenTest(ctx, "v3.3.0", 0.5, 7*24*time.Hour)
	require.NoError(t, err)

	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

	// stability: the same key in the same bucket always routes the same
	first, err := r.Route("EUR/USD", market.TF1h, now)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := r.Route("EUR/USD", market.TF1h, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, first.Version, again.Version)
		require.NotNil(t, again.ABTestID)
		assert.Equal(t, test.ID, *again.ABTestID)
	}

	// both arms are reachable across many keys at an even split
	routable := map[string]int{}
	pairs := []market.Pair{"EUR/USD", "GBP/USD", "USD/JPY", "AUD/USD", "USD/CHF", "EUR/GBP", "NZD/USD", "USD/CAD"}
	for _, p := range pairs {
		for _, tf := range market.Timeframes {
			dec, err := r.Route(p, tf, now)
			require.NoError(t, err)
			routable[dec.Version]++
		}
	}
	assert.Greater(t, routable["v3.2.0"], 0, "incumbent should receive traffic")
	assert.Greater(t, routable["v3.3.0"], 0, "challenger should receive traffic")
}

func TestRouterNeverRoutesUnroutable(t *testing.T) {
	r, fs := newTestRouter(t)
	ctx := context.Background()
	seedActive(t, r, fs, "v1.0.0")
	require.NoError(t, r.Register(ctx, ModelVersion{Version: "v1.1.0", Type: TrainFull, TrainedAt: time.Now()}))
	// a dormant version that must never be routed
	require.NoError(t, r.Register(ctx, ModelVersion{Version: "v0.9.0", Type: TrainFull, TrainedAt: time.Now()}))
	_, err := r.OpenTest(ctx, "v1.1.0", 0.3, time.Hour)
	require.NoError(t, err)

	allowed := map[string]bool{}
	for _, v := range r.Routable() {
		allowed[v] = true
	}
	require.Len(t, allowed, 2)

	now := time.Now()
	for i := 0; i < 500; i++ {
		dec, err := r.Route(market.Pair(fmt.Sprintf("P%02d/USD", i%50)), market.TF15m, now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.True(t, allowed[dec.Version], "routed to unroutable version %s", dec.Version)
	}
}

func TestRouterLoadFatalOnTwoActives(t *testing.T) {
	r, fs := newTestRouter(t)
	fs.versions["v1.0.0"] = &ModelVersion{Version: "v1.0.0", Active: true}
	fs.versions["v1.1.0"] = &ModelVersion{Version: "v1.1.0", Active: true}

	err := r.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Fatal))

	_, err = r.Route("EUR/USD", market.TF1h, time.Now())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Fatal))
	assert.Empty(t, r.Routable())
}

func TestRouterOpenTestConflicts(t *testing.T) {
	r, fs := newTestRouter(t)
	ctx := context.Background()

	_, err := r.OpenTest(ctx, "v2.0.0", 0.5, time.Hour)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Conflict), "no active version")

	seedActive(t, r, fs, "v1.0.0")

	_, err = r.OpenTest(ctx, "v1.0.0", 0.5, time.Hour)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidInput), "challenger equals active")

	_, err = r.OpenTest(ctx, "v9.9.9", 0.5, time.Hour)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidInput), "unknown challenger")

	_, err = r.OpenTest(ctx, "v2.0.0", 1.5, time.Hour)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidInput), "split outside (0,1)")

	require.NoError(t, r.Register(ctx, ModelVersion{Version: "v2.0.0", Type: TrainFull, TrainedAt: time.Now()}))
	_, err = r.OpenTest(ctx, "v2.0.0", 0.5, time.Hour)
	require.NoError(t, err)

	_, err = r.OpenTest(ctx, "v2.0.0", 0.5, time.Hour)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Conflict), "second concurrent test")
}

func TestRouterPromoteAtomicity(t *testing.T) {
	r, fs := newTestRouter(t)
	ctx := context.Background()
	seedActive(t, r, fs, "v3.2.0")
	require.NoError(t, r.Register(ctx, ModelVersion{Version: "v3.3.0", Type: TrainFull, TrainedAt: time.Now()}))

	test, err := r.OpenTest(ctx, "v3.3.0", 0.5, time.Hour)
	require.NoError(t, err)

	// before promotion: two routable, one active
	assert.Len(t, r.Routable(), 2)
	require.Equal(t, 1, fs.activeCount())

	p := 0.01
	winner := "v3.3.0"
	require.NoError(t, r.Promote(ctx, ABTestClose{
		ID:     test.ID,
		PValue: &p,
		Winner: &winner,
	}))

	// after: exactly one active, exactly one routable, test closed
	assert.Equal(t, 1, fs.activeCount())
	assert.Equal(t, []string{"v3.3.0"}, r.Routable())
	active, ok := r.Active()
	require.True(t, ok)
	assert.Equal(t, "v3.3.0", active.Version)
	assert.True(t, fs.versions["v3.3.0"].Active)
	assert.False(t, fs.versions["v3.2.0"].Active)
	assert.Equal(t, ABCompleted, fs.tests[test.ID].Status)

	_, running := r.RunningTest()
	assert.False(t, running)
}

func TestRouterRetainKeepsIncumbent(t *testing.T) {
	r, fs := newTestRouter(t)
	ctx := context.Background()
	seedActive(t, r, fs, "v3.2.0")
	require.NoError(t, r.Register(ctx, ModelVersion{Version: "v3.3.0", Type: TrainFull, TrainedAt: time.Now()}))

	test, err := r.OpenTest(ctx, "v3.3.0", 0.5, time.Hour)
	require.NoError(t, err)

	p := 0.07
	require.NoError(t, r.Retain(ctx, ABTestClose{ID: test.ID, PValue: &p}))

	assert.Equal(t, 1, fs.activeCount())
	assert.True(t, fs.versions["v3.2.0"].Active)
	assert.False(t, fs.versions["v3.3.0"].Active)
	assert.Equal(t, []string{"v3.2.0"}, r.Routable())
	require.NotNil(t, fs.tests[test.ID].PValue)
	assert.InDelta(t, 0.07, *fs.tests[test.ID].PValue, 1e-9)
}

func TestRouterRegisterValidation(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	err := r.Register(ctx, ModelVersion{Version: ""})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidInput))

	err = r.Register(ctx, ModelVersion{Version: "not-a-version"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidInput))

	require.NoError(t, r.Register(ctx, ModelVersion{Version: "v1.0.0", Type: TrainFull}))
	err = r.Register(ctx, ModelVersion{Version: "v1.0.0", Type: TrainFull})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Conflict))
}

func TestVersionBumps(t *testing.T) {
	minor, err := NextMinor("v3.2.4")
	require.NoError(t, err)
	assert.Equal(t, "v3.3.0", minor)

	patch, err := NextPatch("v3.2.4")
	require.NoError(t, err)
	assert.Equal(t, "v3.2.5", patch)

	bare, err := NextMinor("1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", bare)

	_, err = NextMinor("banana")
	require.Error(t, err)

	newer, err := Newer("v3.3.0", "v3.2.9")
	require.NoError(t, err)
	assert.True(t, newer)
}

func TestManifestParse(t *testing.T) {
	data := []byte(`
version: v3.3.0
parent: v3.2.0
type: full
trained_at: 2025-07-06T01:00:00Z
metrics:
  win_rate: 0.61
  sharpe: 1.4
  avg_pnl: 12.5
  max_drawdown: 0.08
artifacts:
  - models/v3.3.0/weights.bin
  - models/v3.3.0/scaler.pkl
`)
	m, err := ParseManifest(data)
	require.NoError(t, err)
	assert.Equal(t, "v3.3.0", m.Version)
	assert.Equal(t, "v3.2.0", m.Parent)
	assert.InDelta(t, 0.61, m.Metrics.WinRate, 1e-9)
	assert.Len(t, m.Artifacts, 2)

	mv := m.ModelVersion()
	assert.Equal(t, TrainFull, mv.Type)
	assert.False(t, mv.Active)

	_, err = ParseManifest([]byte("version: v1.0.0\ntype: full\nartifacts: []"))
	require.Error(t, err, "no artifacts")

	_, err = ParseManifest([]byte("version: v1.0.0\ntype: quantum\nartifacts: [a]"))
	require.Error(t, err, "unknown type")
}
