package messaging

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithRetry(t *testing.T) {
	errTransient := fmt.Errorf("%w: channel closed", ErrConnection)

	t.Run("first attempt succeeds", func(t *testing.T) {
		calls, reconnects := 0, 0
		err := WithRetry(context.Background(), RetryPolicy{
			MaxRetries: 1,
			OnFailure:  func(context.Context, int, error) error { reconnects++; return nil },
		}, func(context.Context) error {
			calls++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 0, reconnects)
	})

	t.Run("retries once after reconnect", func(t *testing.T) {
		calls := 0
		var attempts []int
		err := WithRetry(context.Background(), RetryPolicy{
			MaxRetries: 1,
			OnFailure: func(_ context.Context, attempt int, err error) error {
				attempts = append(attempts, attempt)
				assert.ErrorIs(t, err, ErrConnection)
				return nil
			},
		}, func(context.Context) error {
			calls++
			if calls == 1 {
				return errTransient
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.Equal(t, []int{1}, attempts)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), RetryPolicy{MaxRetries: 1}, func(context.Context) error {
			calls++
			return errTransient
		})

		assert.ErrorIs(t, err, ErrConnection)
		assert.Equal(t, 2, calls)
	})

	t.Run("non-retryable is returned at once", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), RetryPolicy{MaxRetries: 3}, func(context.Context) error {
			calls++
			return fmt.Errorf("%w: exchange=product_events", ErrDeliveryUnroutable)
		})

		assert.ErrorIs(t, err, ErrDeliveryUnroutable)
		assert.Equal(t, 1, calls)
	})

	t.Run("reconnect failure aborts", func(t *testing.T) {
		errDial := errors.New("dial refused")
		calls := 0
		err := WithRetry(context.Background(), RetryPolicy{
			MaxRetries: 1,
			OnFailure:  func(context.Context, int, error) error { return errDial },
		}, func(context.Context) error {
			calls++
			return errTransient
		})

		assert.ErrorIs(t, err, ErrConnection)
		assert.ErrorIs(t, err, errDial)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := WithRetry(ctx, RetryPolicy{MaxRetries: 1}, func(context.Context) error {
			calls++
			cancel()
			return errTransient
		})

		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection", fmt.Errorf("publish: %w", ErrConnection), true},
		{"plain", errors.New("boom"), true},
		{"unroutable", ErrDeliveryUnroutable, false},
		{"serialization", &SerializationError{Kind: KindOrderCreated, Err: errors.New("bad")}, false},
		{"topology conflict", fmt.Errorf("declare: %w", &TopologyConflictError{Object: "queue", Name: "q", Reason: "durable mismatch"}), false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}
