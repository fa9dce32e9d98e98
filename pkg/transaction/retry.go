package transaction

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds the retries of best-effort participant commits.
type RetryPolicy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
}

// DefaultRetryPolicy retries a failing participant commit three times with
// Fibonacci backoff starting at 50ms.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: 50 * time.Millisecond}

// NoRetry runs each participant commit exactly once.
var NoRetry = RetryPolicy{}

func shouldRetry(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// do runs task until it succeeds, fails permanently or the policy is
// exhausted. onRetry is called before every attempt after the first.
func (p RetryPolicy) do(ctx context.Context, task func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	if p.MaxRetries == 0 || p.BaseDelay <= 0 {
		return task(ctx)
	}
	attempt := 0
	var last error
	b := retry.WithMaxRetries(p.MaxRetries, retry.NewFibonacci(p.BaseDelay))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if attempt > 1 && onRetry != nil {
			onRetry(attempt, last)
		}
		last = task(ctx)
		if shouldRetry(last) {
			return retry.RetryableError(last)
		}
		return last
	})
}
