package resilience

import (
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})
	boom := eris.New("boom")

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Record(boom)
	}
	assert.Equal(t, BreakerClosed, b.State())

	require.NoError(t, b.Allow())
	b.Record(boom)
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})
	boom := eris.New("boom")

	b.Record(boom)
	b.Record(nil)
	b.Record(boom)
	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 30 * time.Second})
	b.now = func() time.Time { return now }

	b.Record(eris.New("boom"))
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	now = now.Add(31 * time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())

	// Probe succeeds: circuit closes.
	require.NoError(t, b.Allow())
	b.Record(nil)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 30 * time.Second})
	b.now = func() time.Time { return now }

	b.Record(eris.New("boom"))
	now = now.Add(31 * time.Second)

	require.NoError(t, b.Allow())
	b.Record(eris.New("still down"))
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerShouldTripFilter(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ShouldTrip: IsTransient})

	// A non-transient error never opens the circuit.
	b.Record(eris.New("bad request"))
	assert.Equal(t, BreakerClosed, b.State())

	b.Record(NewTransientError(eris.New("gateway timeout"), 504))
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}
