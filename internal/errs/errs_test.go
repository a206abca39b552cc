package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("boom")))
	assert.Equal(t, Unknown, KindOf(nil))
}

func TestWrappingPreservesKind(t *testing.T) {
	base := E("store.InsertSubscription", Conflict, errors.New("duplicate (user, pair, timeframe)"))
	wrapped := fmt.Errorf("create subscription: %w", base)

	require.True(t, Is(wrapped, Conflict))
	assert.Equal(t, Conflict, KindOf(wrapped))
	assert.Equal(t, "store.InsertSubscription", OpOf(wrapped))
}

func TestOutermostKindWins(t *testing.T) {
	inner := E("predictor.Predict", Unavailable, context.DeadlineExceeded)
	outer := E("monitor.checkPair", Transient, inner)

	assert.Equal(t, Transient, KindOf(outer))
	assert.True(t, errors.Is(outer, context.DeadlineExceeded))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", E("store.InsertCandles", Transient, errors.New("serialization failure")), true},
		{"unavailable", E("predictor.Predict", Unavailable, errors.New("timeout")), true},
		{"unclassified", errors.New("connection reset"), true},
		{"invalid input", E("predictor.Predict", InvalidInput, errors.New("58 candles")), false},
		{"conflict", E("store.InsertSubscription", Conflict, errors.New("duplicate")), false},
		{"fatal", E("registry.Promote", Fatal, errors.New("two active models")), false},
		{"stale", E("market.GetLatest", Stale, errors.New("past freshness horizon")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestErrorString(t *testing.T) {
	err := E("delivery.Send", Unavailable, errors.New("fcm: unreachable"))
	assert.Equal(t, "delivery.Send: fcm: unreachable", err.Error())

	bare := &Error{Op: "registry.Activate", Kind: Fatal}
	assert.Equal(t, "registry.Activate: fatal", bare.Error())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "invalid_input", InvalidInput.String())
	assert.Equal(t, "unavailable", Unavailable.String())
	assert.Equal(t, "unknown", Kind(250).String())
}
