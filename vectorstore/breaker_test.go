package vectorstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *time.Time) {
	b := NewCircuitBreaker(threshold, cooldown)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}

	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 4, b.Failures())
	assert.NoError(t, b.Allow())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	assert.Equal(t, 0, b.Failures())

	// A fresh run of failures is needed to open.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenAdmitsSingleTrial(t *testing.T) {
	b, now := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, BreakerOpen, b.State())
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	*now = now.Add(time.Minute + time.Second)

	// First attempt after cooldown becomes the trial.
	require.NoError(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())

	// While the trial is in flight, everything else is rejected.
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerTrialSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	*now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	b, now := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	*now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// The new cooldown starts from the trial failure.
	*now = now.Add(time.Minute + time.Second)
	assert.NoError(t, b.Allow())
}

func TestBreakerDefaults(t *testing.T) {
	b := NewCircuitBreaker(0, 0)
	assert.Equal(t, 5, b.failureThreshold)
	assert.Equal(t, 60*time.Second, b.cooldown)
}
