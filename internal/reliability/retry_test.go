package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("delays grow by the multiplier up to the cap", func(t *testing.T) {
		policy := NewExponentialBackoff(100*time.Millisecond, 400*time.Millisecond, 2.0, 10)
		err := errors.New("transient")

		retry, first := policy.ShouldRetry(0, err)
		require.True(t, retry)
		retry, second := policy.ShouldRetry(1, err)
		require.True(t, retry)
		retry, capped := policy.ShouldRetry(5, err)
		require.True(t, retry)

		// Jitter keeps delays within 15% of the nominal value.
		assert.InDelta(t, 100*time.Millisecond, float64(first), float64(15*time.Millisecond))
		assert.InDelta(t, 200*time.Millisecond, float64(second), float64(30*time.Millisecond))
		assert.LessOrEqual(t, capped, 460*time.Millisecond)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 3)

		retry, _ := policy.ShouldRetry(3, errors.New("transient"))
		assert.False(t, retry)
	})

	t.Run("does not retry errors marked non-retryable", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 3)
		err := RetryableError{Err: errors.New("bad request"), Retryable: false}

		retry, _ := policy.ShouldRetry(0, err)
		assert.False(t, retry)
	})
}

func TestFixedDelay(t *testing.T) {
	t.Run("returns a constant delay", func(t *testing.T) {
		policy := NewFixedDelay(50*time.Millisecond, 2)

		retry, delay := policy.ShouldRetry(0, errors.New("transient"))
		require.True(t, retry)
		assert.Equal(t, 50*time.Millisecond, delay)

		retry, _ = policy.ShouldRetry(2, errors.New("transient"))
		assert.False(t, retry)
	})
}

func TestRetry(t *testing.T) {
	t.Run("returns on first success", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			calls++
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries until the policy gives up", func(t *testing.T) {
		calls := 0
		cause := errors.New("still broken")
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			calls++
			return cause
		})

		assert.ErrorIs(t, err, cause)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops retrying once the function succeeds", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("honors context cancellation between attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, NewFixedDelay(time.Hour, 3), func() error {
			calls++
			cancel()
			return errors.New("transient")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("does not retry non-retryable errors", func(t *testing.T) {
		calls := 0
		cause := RetryableError{Err: errors.New("validation failed"), Retryable: false}
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			return cause
		})

		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}
