// Package reliability provides the retry policies behind connection
// establishment and channel recovery.
package reliability

import (
	"math"
	"time"
)

// RetryPolicy decides whether another attempt should be made and how
// long to wait before it. Attempts are counted from zero.
type RetryPolicy interface {
	// ShouldRetry reports whether attempt may proceed and the delay to
	// observe before it.
	ShouldRetry(attempt int) (bool, time.Duration)
	// MaxAttempts returns the total attempt budget.
	MaxAttempts() int
}

// FixedDelay retries with a constant delay between attempts. Connection
// creation uses it.
type FixedDelay struct {
	Delay    time.Duration
	Attempts int
}

// NewFixedDelay creates a fixed-delay policy with the given total
// attempt budget.
func NewFixedDelay(delay time.Duration, attempts int) *FixedDelay {
	return &FixedDelay{Delay: delay, Attempts: attempts}
}

// ShouldRetry implements RetryPolicy.
func (f *FixedDelay) ShouldRetry(attempt int) (bool, time.Duration) {
	if attempt >= f.Attempts {
		return false, 0
	}
	if attempt == 0 {
		return true, 0
	}
	return true, f.Delay
}

// MaxAttempts implements RetryPolicy.
func (f *FixedDelay) MaxAttempts() int {
	return f.Attempts
}

// ExponentialBackoff doubles the delay on every attempt up to a cap.
// The recovery coordinator uses it between recovery passes.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Attempts        int
}

// NewExponentialBackoff creates an exponential backoff policy.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, attempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Attempts:        attempts,
	}
}

// ShouldRetry implements RetryPolicy.
func (e *ExponentialBackoff) ShouldRetry(attempt int) (bool, time.Duration) {
	if attempt >= e.Attempts {
		return false, 0
	}
	if attempt == 0 {
		return true, 0
	}
	return true, e.nextDelay(attempt - 1)
}

// MaxAttempts implements RetryPolicy.
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

func (e *ExponentialBackoff) nextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	return time.Duration(delay)
}
