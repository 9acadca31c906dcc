package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing() error { return errors.New("upstream down") }

func succeeding() error { return nil }

// clock is a manually advanced time source
type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(c *clock, options ...CircuitBreakerOption) *CircuitBreaker {
	cb := NewCircuitBreaker(options...)
	cb.now = c.Now
	return cb
}

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("starts in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, "default", cb.Name())
	})

	t.Run("executes function in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		executed := false

		err := cb.Execute(ctx, func() error {
			executed = true
			return nil
		})

		assert.NoError(t, err)
		assert.True(t, executed)
	})

	t.Run("opens after the failure threshold and rejects calls", func(t *testing.T) {
		cb := NewCircuitBreaker(WithName("generator"), WithFailureThreshold(3))

		for i := 0; i < 3; i++ {
			assert.Error(t, cb.Execute(ctx, failing))
		}
		require.Equal(t, StateOpen, cb.State())

		executed := false
		err := cb.Execute(ctx, func() error {
			executed = true
			return nil
		})

		assert.False(t, executed)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, "generator", cbErr.Name)
		assert.Equal(t, int64(1), cb.Stats().TotalRejected)
	})

	t.Run("success in closed state resets the failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))

		_ = cb.Execute(ctx, failing)
		_ = cb.Execute(ctx, succeeding)
		_ = cb.Execute(ctx, failing)

		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open probes close the circuit", func(t *testing.T) {
		c := &clock{now: time.Unix(0, 0)}
		cb := newTestBreaker(c, WithFailureThreshold(1), WithSuccessThreshold(2), WithTimeout(time.Second))

		_ = cb.Execute(ctx, failing)
		require.Equal(t, StateOpen, cb.State())

		c.Advance(time.Second)
		require.NoError(t, cb.Execute(ctx, succeeding))
		assert.Equal(t, StateHalfOpen, cb.State())

		require.NoError(t, cb.Execute(ctx, succeeding))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("a failed probe reopens the circuit", func(t *testing.T) {
		c := &clock{now: time.Unix(0, 0)}
		cb := newTestBreaker(c, WithFailureThreshold(1), WithTimeout(time.Second))

		_ = cb.Execute(ctx, failing)
		c.Advance(2 * time.Second)
		_ = cb.Execute(ctx, failing)

		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("cancellation does not count as a failure", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))

		_ = cb.Execute(ctx, func() error { return context.Canceled })

		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("classifier limits what counts as a failure", func(t *testing.T) {
		permanent := errors.New("bad request")
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithFailureClassifier(func(err error) bool { return !errors.Is(err, permanent) }),
		)

		_ = cb.Execute(ctx, func() error { return permanent })

		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("does not run with a done context", func(t *testing.T) {
		cb := NewCircuitBreaker()
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		err := cb.Execute(cancelled, succeeding)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int64(0), cb.Stats().TotalRequests)
	})

	t.Run("notifies state changes", func(t *testing.T) {
		changes := make(chan State, 1)
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithStateChangeFunc(func(name string, from, to State, reason string) {
				changes <- to
			}),
		)

		_ = cb.Execute(ctx, failing)

		select {
		case to := <-changes:
			assert.Equal(t, StateOpen, to)
		case <-time.After(time.Second):
			t.Fatal("state change not notified")
		}
	})

	t.Run("Reset closes the circuit", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		_ = cb.Execute(ctx, failing)

		cb.Reset()

		assert.Equal(t, StateClosed, cb.State())
		assert.NoError(t, cb.Execute(ctx, succeeding))
	})
}
