package queue

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy decides how often and how soon a failed operation is retried.
type RetryPolicy struct {
	// Ceiling is the number of retries before an operation becomes Permanent.
	Ceiling int
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// Multiplier grows the delay per retry.
	Multiplier float64
	// MaxInterval caps the delay.
	MaxInterval time.Duration
	// Jitter randomizes each delay by ±Jitter (0.2 = ±20%).
	Jitter float64
}

// DefaultRetryPolicy returns ceiling 5, 2s initial delay doubling up to 5m, ±20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Ceiling:         5,
		InitialInterval: 2 * time.Second,
		Multiplier:      2,
		MaxInterval:     5 * time.Minute,
		Jitter:          0.2,
	}
}

// Validate reports configuration errors.
func (p RetryPolicy) Validate() error {
	switch {
	case p.Ceiling < 0:
		return fmt.Errorf("retry ceiling must not be negative")
	case p.InitialInterval <= 0:
		return fmt.Errorf("retry initial interval must be positive")
	case p.Multiplier < 1:
		return fmt.Errorf("retry multiplier must be at least 1")
	case p.MaxInterval < p.InitialInterval:
		return fmt.Errorf("retry max interval must be at least the initial interval")
	case p.Jitter < 0 || p.Jitter >= 1:
		return fmt.Errorf("retry jitter must be in [0, 1)")
	}
	return nil
}

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
