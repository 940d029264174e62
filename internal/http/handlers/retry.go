// README: Bounded retry of intents that lost an optimistic-concurrency race.
package handlers

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"towhub/internal/modules/request"
)

type RetryPolicy struct {
	Attempts        uint
	InitialInterval time.Duration
}

// retry runs op until it succeeds, fails with a non-retryable error, or the
// attempts are exhausted. Only optimistic-concurrency losses are retried.
func retry[T any](ctx context.Context, p RetryPolicy, op func() (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !request.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(attempts))
}
