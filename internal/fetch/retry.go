package fetch

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/RalkeyOfficial/MediaBreaker/internal/failure"
)

// RetryPolicy bounds how often a caller repeats a failed resolution.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy matches what interactive use tolerates.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
	}
}

// Retry runs op until it succeeds, returns a non-retryable failure, or the
// policy is exhausted. Only failures for which failure.Retryable holds are
// repeated. The resolution stages never call Retry themselves.
func Retry[T any](ctx context.Context, policy RetryPolicy, logger *slog.Logger, op func(context.Context) (T, error)) (T, error) {
	if policy.MaxAttempts <= 1 {
		return op(ctx)
	}

	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && !failure.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(policy.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("retrying after failure",
				"attempt", attempt,
				"next", next,
				"error", err,
			)
		}),
	)
}
