package provider

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/stackport/stackport/internal/domain"
)

// RetryPolicy bounds retries at the adapter boundary. Only transient errors
// are retried; configuration and validation failures surface immediately.
type RetryPolicy struct {
	Attempts  uint64
	BaseDelay time.Duration
}

// DefaultRetryPolicy is three attempts with exponential backoff.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 500 * time.Millisecond}

// Do runs fn under the policy, retrying transient failures with exponential
// backoff.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = DefaultRetryPolicy.Attempts
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = DefaultRetryPolicy.BaseDelay
	}

	backoff := retry.WithMaxRetries(attempts-1, retry.NewExponential(delay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if domain.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
