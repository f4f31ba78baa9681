package pipeline

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy is three attempts starting at 200ms, capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// Backoff returns the wait before the given retry (1 for the first retry):
// exponential from InitialBackoff, capped at MaxBackoff, plus up to 10% jitter.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if p.InitialBackoff <= 0 || retry < 1 {
		return 0
	}
	d := p.InitialBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			d = p.MaxBackoff
			break
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d + time.Duration(rand.Float64()*float64(d)*0.1)
}

// transient is implemented by errors that know whether a retry may help.
type transient interface {
	Transient() bool
}

// IsRetryable reports whether err is worth retrying: it must carry a
// Transient() method that returns true. Parse and validation failures never
// do.
func IsRetryable(err error) bool {
	var t transient
	return errors.As(err, &t) && t.Transient()
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts are exhausted, or ctx is done. It returns the number of retries
// performed (attempts minus one) and fn's last error.
func Retry(ctx context.Context, p RetryPolicy, fn func(context.Context) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !IsRetryable(err) || attempt >= attempts {
			return attempt - 1, err
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt - 1, err
		case <-timer.C:
		}
	}
}
