package match

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(threshold int, timeout time.Duration) (*CircuitBreaker, *fakeClock, *[]string) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var transitions []string
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: threshold, RecoveryTimeout: timeout})
	cb.now = clock.Now
	cb.onChange = func(from, to BreakerState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	return cb, clock, &transitions
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("opens after consecutive failures", func(t *testing.T) {
		cb, _, transitions := newTestBreaker(3, time.Second)

		assert.False(t, cb.RecordFailure())
		assert.False(t, cb.RecordFailure())
		assert.Equal(t, BreakerClosed, cb.State())
		assert.True(t, cb.RecordFailure())
		assert.Equal(t, BreakerOpen, cb.State())
		assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

		// further failures while open are not a new trip
		assert.False(t, cb.RecordFailure())
		assert.Equal(t, []string{"closed->open"}, *transitions)
	})

	t.Run("success resets the count", func(t *testing.T) {
		cb, _, _ := newTestBreaker(3, time.Second)

		cb.RecordFailure()
		cb.RecordFailure()
		cb.RecordSuccess()
		assert.Equal(t, 0, cb.Failures())
		assert.False(t, cb.RecordFailure())
		assert.Equal(t, BreakerClosed, cb.State())
	})

	t.Run("half open admits a single trial", func(t *testing.T) {
		cb, clock, transitions := newTestBreaker(1, time.Second)
		require.True(t, cb.RecordFailure())

		clock.Advance(500 * time.Millisecond)
		assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

		clock.Advance(time.Second)
		require.NoError(t, cb.Allow())
		assert.Equal(t, BreakerHalfOpen, cb.State())
		assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

		cb.RecordSuccess()
		assert.Equal(t, BreakerClosed, cb.State())
		require.NoError(t, cb.Allow())
		assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, *transitions)
	})

	t.Run("failed trial reopens", func(t *testing.T) {
		cb, clock, _ := newTestBreaker(1, time.Second)
		require.True(t, cb.RecordFailure())

		clock.Advance(2 * time.Second)
		require.NoError(t, cb.Allow())
		assert.False(t, cb.RecordFailure())
		assert.Equal(t, BreakerOpen, cb.State())

		// the recovery timeout restarts from the failed trial
		clock.Advance(500 * time.Millisecond)
		assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
		clock.Advance(time.Second)
		assert.NoError(t, cb.Allow())
	})

	t.Run("reset", func(t *testing.T) {
		cb, _, _ := newTestBreaker(1, time.Hour)
		cb.RecordFailure()
		cb.Reset()
		assert.Equal(t, BreakerClosed, cb.State())
		assert.NoError(t, cb.Allow())
	})
}

func TestBreakerStateString(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(42).String())
}
