package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()
	fail := func(ctx context.Context) error { return eris.New("endpoint down") }

	for i := 0; i < 3; i++ {
		assert.Error(t, b.Execute(ctx, fail))
	}
	assert.Equal(t, CircuitOpen, b.State())

	// Rejected without invoking fn.
	called := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	now := time.Now()
	b.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, func(ctx context.Context) error { return eris.New("down") }))
	assert.Equal(t, CircuitOpen, b.State())

	// After the reset timeout a probe is allowed; success closes the circuit.
	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Execute(ctx, func(ctx context.Context) error { return nil }))
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	now := time.Now()
	b.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, func(ctx context.Context) error { return eris.New("down") }))
	now = now.Add(2 * time.Minute)
	require.Error(t, b.Execute(ctx, func(ctx context.Context) error { return eris.New("still down") }))
	assert.Equal(t, CircuitOpen, b.State())
}

func TestBreaker_ShouldTripFilter(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		ShouldTrip:       IsTransient,
	})
	ctx := context.Background()

	// Permanent errors do not trip the breaker.
	assert.Error(t, b.Execute(ctx, func(ctx context.Context) error { return eris.New("4xx") }))
	assert.Equal(t, CircuitClosed, b.State())

	assert.Error(t, b.Execute(ctx, func(ctx context.Context) error {
		return NewTransientError(eris.New("5xx"), 503)
	}))
	assert.Equal(t, CircuitOpen, b.State())
}

func TestBreakerSet_KeyedIsolation(t *testing.T) {
	s := NewBreakerSet(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	ctx := context.Background()

	require.Error(t, s.For("bad.example.com").Execute(ctx, func(ctx context.Context) error {
		return eris.New("down")
	}))

	assert.Equal(t, CircuitOpen, s.For("bad.example.com").State())
	assert.Equal(t, CircuitClosed, s.For("good.example.com").State())
}
