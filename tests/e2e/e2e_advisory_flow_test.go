// End-to-End Advisory Flow Test
// Tests the complete flow: Candles → Prediction → Signal Change → Bus → Delivery
package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxsage/fxadvisor/internal/delivery"
	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/predictor"
	"github.com/fxsage/fxadvisor/internal/signal"
	"github.com/fxsage/fxadvisor/internal/subscription"
)

// TestE2E_SignalAdvisoryFlow drives one full monitor cycle and follows
// the resulting change through NATS into the delivery engine.
func TestE2E_SignalAdvisoryFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	h := startDeliveryHarness(t)

	// Two watchers of the same key: one permissive, one demanding more
	// confidence than the model will produce.
	eager := uuid.New()
	picky := uuid.New()
	pair := market.Pair("EUR/USD")
	h.directory.subscribe(eager, pair, market.TF1h)
	h.directory.subscribe(picky, pair, market.TF1h)
	h.directory.setPolicy(subscription.UserPolicy{
		UserID:               eager,
		NotificationsEnabled: true,
		MinConfidence:        0.50,
	})
	h.directory.setPolicy(subscription.UserPolicy{
		UserID:               picky,
		NotificationsEnabled: true,
		MinConfidence:        0.95,
	})

	pred := &scriptedPredictor{}
	pred.set(predictor.Prediction{
		Signal:     predictor.Long,
		Confidence: 0.74,
		Factors:    predictor.Factors{Technical: float64Ptr(0.8)},
	})
	store := &memorySignalStore{}
	monitor := signal.NewMonitor(
		monitorConfig(),
		trendingCandles{depth: 80},
		pred,
		staticRouter{version: "v1.0.0"},
		store,
		h.directory,
		h.bus,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, monitor.Warm(ctx))

	driverDone := make(chan struct{})
	go func() {
		defer close(driverDone)
		_ = monitor.Driver().Run(ctx)
	}()

	// The startup tick detects the first signal for the key and the
	// engine fans it out.
	payload := waitForPayload(t, h.transport, 10*time.Second)
	assert.Equal(t, delivery.KindSignal, payload.Kind)
	assert.Equal(t, eager, payload.UserID)
	assert.Equal(t, "EUR/USD", payload.Pair)
	assert.Equal(t, "1h", payload.Timeframe)
	assert.Equal(t, "long", payload.Direction)
	assert.InDelta(t, 0.74, payload.Confidence, 1e-9)
	assert.Equal(t, "v1.0.0", payload.ModelVersion)
	assert.Greater(t, payload.EntryPrice, 0.0)
	assert.Less(t, payload.StopLoss, payload.EntryPrice)
	assert.Greater(t, payload.TakeProfit, payload.EntryPrice)
	assert.InDelta(t, 0.8, payload.Factors["technical"], 1e-9)

	// The demanding user never hears about it.
	expectSilence(t, h.transport, 500*time.Millisecond)

	assert.Equal(t, 1, store.count(), "exactly one signal persisted")
	assert.Equal(t, 1, h.receipts.count(), "exactly one receipt minted")

	cancel()
	select {
	case <-driverDone:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor driver did not stop")
	}
}

// TestE2E_RestartDoesNotReannounce warms the monitor from persisted
// signals and checks an unchanged prediction stays quiet.
func TestE2E_RestartDoesNotReannounce(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	h := startDeliveryHarness(t)

	user := uuid.New()
	pair := market.Pair("GBP/USD")
	h.directory.subscribe(user, pair, market.TF4h)
	h.directory.setPolicy(subscription.UserPolicy{
		UserID:               user,
		NotificationsEnabled: true,
		MinConfidence:        0.50,
	})

	// Storage already holds a standing long at the confidence the
	// predictor will repeat.
	standing := &signal.Signal{
		ID:         uuid.New(),
		Pair:       pair,
		Timeframe:  market.TF4h,
		Direction:  predictor.Long,
		Confidence: 0.74,
		CreatedAt:  time.Now().UTC().Add(-time.Hour),
	}
	store := &warmSignalStore{last: standing}

	pred := &scriptedPredictor{}
	pred.set(predictor.Prediction{Signal: predictor.Long, Confidence: 0.74})

	monitor := signal.NewMonitor(
		monitorConfig(),
		trendingCandles{depth: 80},
		pred,
		staticRouter{version: "v1.0.0"},
		store,
		h.directory,
		h.bus,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, monitor.Warm(ctx))
	assert.Equal(t, 1, monitor.CachedKeys())

	driverDone := make(chan struct{})
	go func() {
		defer close(driverDone)
		_ = monitor.Driver().Run(ctx)
	}()

	// Same direction, same confidence: nothing is announced again.
	expectSilence(t, h.transport, 2*time.Second)
	assert.Equal(t, 0, store.count())

	// A reversal after the restart flows through immediately.
	pred.set(predictor.Prediction{Signal: predictor.Short, Confidence: 0.71})
	// the next driver tick is an hour out; force one by restarting the
	// driver with a fresh context
	cancel()
	<-driverDone

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	driver2Done := make(chan struct{})
	go func() {
		defer close(driver2Done)
		_ = monitor.Driver().Run(ctx2)
	}()

	payload := waitForPayload(t, h.transport, 10*time.Second)
	assert.Equal(t, "short", payload.Direction)

	cancel2()
	<-driver2Done
}

// warmSignalStore seeds LastPerKey from a fixed signal
type warmSignalStore struct {
	memorySignalStore
	last *signal.Signal
}

func (s *warmSignalStore) LastPerKey(context.Context) (map[market.Key]*signal.Signal, error) {
	return map[market.Key]*signal.Signal{
		{Pair: s.last.Pair, Timeframe: s.last.Timeframe}: s.last,
	}, nil
}

func float64Ptr(f float64) *float64 { return &f }
