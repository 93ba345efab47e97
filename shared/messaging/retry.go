package messaging

import (
	"context"
	"errors"
)

// RetryPolicy runs an operation up to MaxRetries extra times. OnFailure runs before each
// retry (typically a reconnect); an error from it aborts the retry.
type RetryPolicy struct {
	MaxRetries int
	OnFailure  func(ctx context.Context, attempt int, err error) error
	Retryable  func(err error) bool
}

// WithRetry applies policy to op. Errors that are not retryable are returned immediately.
func WithRetry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	retryable := policy.Retryable
	if retryable == nil {
		retryable = Retryable
	}

	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= policy.MaxRetries || !retryable(err) || ctx.Err() != nil {
			return err
		}
		if policy.OnFailure != nil {
			if ferr := policy.OnFailure(ctx, attempt+1, err); ferr != nil {
				return errors.Join(err, ferr)
			}
		}
	}
}
