package reliability

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy decides whether and when a failed attempt is repeated
type RetryPolicy interface {
	// ShouldRetry reports whether attempt (zero based) should be followed by
	// another one, and after which delay
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries
	MaxRetries() int
}

// retryAllowed is the check shared by the policies below
func retryAllowed(attempt, maxRetries int, err error) bool {
	return attempt < maxRetries && IsRetryable(err)
}

// ExponentialBackoff multiplies the delay by Multiplier after every attempt,
// up to MaxInterval. Jitter spreads delays by 15% either way.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates an exponential policy with jitter
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if !retryAllowed(attempt, e.MaxAttempts, err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay returns the delay after the given attempt
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := min(float64(e.InitialInterval)*math.Pow(e.Multiplier, float64(attempt)), float64(e.MaxInterval))
	if e.Jitter {
		delay *= 0.85 + 0.3*rand.Float64()
	}
	return time.Duration(delay)
}

// FixedDelay waits the same delay between attempts
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{Delay: delay, MaxAttempts: maxRetries}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if !retryAllowed(attempt, f.MaxAttempts, err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NoRetry never retries
var NoRetry RetryPolicy = &FixedDelay{}

// Retry calls fn until it succeeds, the policy gives up or ctx is done. The
// error of the last attempt is returned unchanged; a done context wins over it.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if policy == nil {
		policy = NoRetry
	}

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		again, delay := policy.ShouldRetry(attempt, err)
		if !again {
			return err
		}
		attempt++

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
