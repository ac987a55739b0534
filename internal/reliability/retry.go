package reliability

import (
	"context"
	"time"
)

// RetryPolicy decides whether a failed operation should be attempted again
// and how long to wait before doing so.
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries
	MaxRetries() int
	// NextDelay calculates the delay before the given attempt
	NextDelay(attempt int) time.Duration
}

// UnboundedAttempts disables the attempt ceiling of a policy
const UnboundedAttempts = -1

// DeliveryBackoff is the broker's redelivery schedule: base * 2^attempt,
// capped at Cap. Deterministic (no jitter) so the delay between consecutive
// failures is monotonically non-decreasing up to the cap.
type DeliveryBackoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// NewDeliveryBackoff creates the standard redelivery schedule. With the
// defaults (100ms base, 5s cap) attempt 1 waits 200ms, attempt 2 400ms, and
// from attempt 6 onward every retry waits the full 5s.
func NewDeliveryBackoff(base, cap time.Duration, maxAttempts int) *DeliveryBackoff {
	return &DeliveryBackoff{Base: base, Cap: cap, MaxAttempts: maxAttempts}
}

// ShouldRetry implements RetryPolicy
func (b *DeliveryBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if err == nil {
		return false, 0
	}
	if b.MaxAttempts >= 0 && attempt >= b.MaxAttempts {
		return false, 0
	}
	return true, b.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy. Negative means unbounded.
func (b *DeliveryBackoff) MaxRetries() int {
	return b.MaxAttempts
}

// NextDelay implements RetryPolicy
func (b *DeliveryBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := b.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= b.Cap {
			return b.Cap
		}
	}
	if delay > b.Cap {
		return b.Cap
	}
	return delay
}

// FixedDelay retries a bounded number of times with a constant wait. Used by
// the relay's publish path.
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
	if err == nil || attempt >= f.MaxAttempts {
		return false, 0
	}
	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Delay
}

// Retry executes fn until it succeeds, the policy gives up, or the context
// is cancelled.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
