// Package retry wraps fallible network calls in an explicit backoff
// policy. Only transient failures (unavailable, timeout) are retried;
// invalid content stays invalid no matter how often it is fetched, so
// everything else aborts immediately. Retrying is always safe here:
// uploads are content-addressed and downloads are pure reads.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/antdist/antdist/pkg/network"
)

// Policy is an explicit retry policy composed around a network call.
type Policy struct {
	// MaxAttempts is the total number of tries, first attempt
	// included.
	MaxAttempts uint64
	// BaseDelay is the initial backoff interval.
	BaseDelay time.Duration
	// Jitter is the randomization factor applied to each interval,
	// in [0, 1).
	Jitter float64
}

// Default returns the standard policy: three attempts, two second base
// delay, mild jitter.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Jitter:      0.2,
	}
}

// Do runs op, retrying transient failures with exponential backoff
// until the policy's attempts are exhausted or ctx is cancelled. The
// last error is returned as-is so callers can still match the
// underlying sentinel.
func (p Policy) Do(ctx context.Context, op func() error) error {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.RandomizationFactor = p.Jitter
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !network.Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, p.MaxAttempts-1), ctx))
}
