package syncx

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, InitialDelay: 5 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
}

// Retry runs op until it succeeds, returns an error that is not retryable,
// or the attempt budget is spent. retryable decides which errors are worth
// another attempt; the last error is returned unchanged.
func Retry(ctx context.Context, policy RetryPolicy, retryable func(error) bool, op func() error) error {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialDelay
	if policy.MaxDelay > 0 {
		expo.MaxInterval = policy.MaxDelay
	}
	expo.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(policy.Attempts-1)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// IsAny reports whether err matches one of targets.
func IsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
