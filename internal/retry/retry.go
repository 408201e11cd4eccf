// Package retry implements the capped exponential backoff used by every
// network-facing call in the pipeline.
//
// Each attempt gets its own deadline. Both the deadline and the pause before
// the next attempt grow by Multiplier per attempt, capped at MaxTimeout and
// MaxDelay. Every error is retried the same way; only cancellation of the
// caller's context stops the loop early.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Evothesis/server-infrastructure/internal/metrics"
)

// ErrExhausted wraps the last error once MaxAttempts have failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy configures a retry loop. The zero value is not useful; start from Default.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration

	// BaseTimeout is the deadline of the first attempt. Zero disables
	// per-attempt deadlines.
	BaseTimeout time.Duration
	MaxTimeout  time.Duration

	// Sleep waits between attempts. Tests swap it out to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default returns three attempts starting at one second and doubling.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		BaseTimeout: 30 * time.Second,
		MaxTimeout:  2 * time.Minute,
	}
}

// WithMaxAttempts returns a copy of p limited to n attempts.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// Validate reports configuration that would make Do misbehave.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("retry: max attempts must be at least 1, got %d", p.MaxAttempts)
	case p.BaseDelay < 0:
		return fmt.Errorf("retry: base delay must not be negative")
	case p.Multiplier < 1:
		return fmt.Errorf("retry: multiplier must be >= 1, got %v", p.Multiplier)
	case p.BaseTimeout < 0:
		return fmt.Errorf("retry: base timeout must not be negative")
	}
	return nil
}

// DelayFor returns the pause after the given failed attempt (1-based).
func (p Policy) DelayFor(attempt int) time.Duration {
	return grow(p.BaseDelay, p.Multiplier, attempt, p.MaxDelay)
}

// TimeoutFor returns the deadline applied to the given attempt (1-based).
func (p Policy) TimeoutFor(attempt int) time.Duration {
	return grow(p.BaseTimeout, p.Multiplier, attempt, p.MaxTimeout)
}

func grow(base time.Duration, multiplier float64, attempt int, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if multiplier < 1 {
		multiplier = 1
	}
	d := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if ceiling > 0 && d > float64(ceiling) {
		return ceiling
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, MaxAttempts is reached, or ctx is done.
// operation names the call site in metrics. fn receives a context bounded by
// the attempt's deadline and the 1-based attempt number.
func (p Policy) Do(ctx context.Context, operation string, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			metrics.RetryAttemptsTotal.WithLabelValues(operation).Inc()
		}

		lastErr = p.attempt(ctx, attempt, fn)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", operation, errors.Join(ctx.Err(), lastErr))
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, p.DelayFor(attempt)); err != nil {
			return fmt.Errorf("%s: %w", operation, errors.Join(err, lastErr))
		}
	}

	metrics.RetryExhaustedTotal.WithLabelValues(operation).Inc()
	return fmt.Errorf("%s: %w after %d attempts: %w", operation, ErrExhausted, attempts, lastErr)
}

func (p Policy) attempt(ctx context.Context, attempt int, fn func(ctx context.Context, attempt int) error) error {
	timeout := p.TimeoutFor(attempt)
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx, attempt)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
