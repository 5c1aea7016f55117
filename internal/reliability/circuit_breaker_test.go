package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("starts closed and runs", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())

		ran := false
		require.NoError(t, cb.Execute(ctx, func() error {
			ran = true
			return nil
		}))
		assert.True(t, ran)
	})

	t.Run("opens after consecutive failures", func(t *testing.T) {
		cb := NewCircuitBreaker(WithName("orders"), WithFailureThreshold(3), WithOpenTimeout(time.Minute))

		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
		}
		assert.Equal(t, StateOpen, cb.State())

		ran := false
		err := cb.Execute(ctx, func() error {
			ran = true
			return nil
		})
		assert.False(t, ran)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.False(t, IsRetryable(err))

		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, "orders", cbErr.Name)
		assert.Equal(t, 3, cbErr.Failures)

		m := cb.Metrics()
		assert.Equal(t, int64(4), m.TotalRequests)
		assert.Equal(t, int64(3), m.TotalFailures)
		assert.Equal(t, int64(1), m.TotalRejected)
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))

		assert.Error(t, cb.Execute(ctx, fail))
		require.NoError(t, cb.Execute(ctx, succeed))
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open trials close the breaker", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithSuccessThreshold(2), WithOpenTimeout(20*time.Millisecond))

		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateOpen, cb.State())

		assert.Eventually(t, func() bool { return cb.State() == StateHalfOpen }, time.Second, 5*time.Millisecond)

		require.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateHalfOpen, cb.State())
		require.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open failure reopens", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithOpenTimeout(20*time.Millisecond))

		assert.Error(t, cb.Execute(ctx, fail))
		assert.Eventually(t, func() bool { return cb.State() == StateHalfOpen }, time.Second, 5*time.Millisecond)

		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("half-open limits concurrent trials", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithHalfOpenRequests(1), WithOpenTimeout(10*time.Millisecond))

		assert.Error(t, cb.Execute(ctx, fail))
		assert.Eventually(t, func() bool { return cb.State() == StateHalfOpen }, time.Second, 5*time.Millisecond)

		release := make(chan struct{})
		started := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- cb.Execute(ctx, func() error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		err := cb.Execute(ctx, succeed)
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateHalfOpen, cbErr.State)

		close(release)
		require.NoError(t, <-done)
	})

	t.Run("filtered errors leave the breaker alone", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithFailureFilter(IsRetryable))

		err := cb.Execute(ctx, func() error { return Permanent(errBoom) })
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, int64(0), cb.Metrics().TotalFailures)
	})

	t.Run("state changes are reported", func(t *testing.T) {
		changes := make(chan [2]State, 4)
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithStateChange(func(name string, from, to State) {
			changes <- [2]State{from, to}
		}))

		assert.Error(t, cb.Execute(ctx, fail))
		select {
		case change := <-changes:
			assert.Equal(t, [2]State{StateClosed, StateOpen}, change)
		case <-time.After(time.Second):
			t.Fatal("state change not reported")
		}

		cb.Reset()
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("cancelled context does not run", func(t *testing.T) {
		cb := NewCircuitBreaker()
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		assert.ErrorIs(t, cb.Execute(cancelled, succeed), context.Canceled)
		assert.Equal(t, int64(0), cb.Metrics().TotalRequests)
	})
}
