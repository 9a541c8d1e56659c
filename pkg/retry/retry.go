// Package retry provides bounded retries with exponential backoff for
// exchange operations that are safe to repeat.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds the retry loop. The sleep between attempts doubles from
// InitialBackoff up to MaxBackoff, plus up to 50% random jitter so
// concurrent callers do not realign.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// OnRetry, when set, observes each failed attempt before the sleep.
	OnRetry func(attempt int, err error, sleep time.Duration)
}

// StartupPolicy paces retries of account setup calls (dual-side mode,
// leverage, the first balance snapshot) where the exchange may briefly
// refuse right after connect.
var StartupPolicy = Policy{
	MaxAttempts:    4,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
}

// TransientFunc reports whether an error is worth another attempt.
type TransientFunc func(error) bool

// Do runs fn until it succeeds, a non-transient error occurs, attempts run
// out, or ctx is done. The last error seen is returned.
func Do(ctx context.Context, policy Policy, transient TransientFunc, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	backoff := policy.InitialBackoff
	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !transient(err) || attempt == policy.MaxAttempts {
			return err
		}

		sleep := jittered(backoff)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, sleep)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		backoff = min(backoff*2, policy.MaxBackoff)
	}
	return err
}

func jittered(backoff time.Duration) time.Duration {
	half := int64(backoff / 2)
	if half <= 0 {
		return backoff
	}
	return backoff + time.Duration(rand.Int63n(half))
}
