// Package retry holds the backoff policy shared by every pipeline stage.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/robopost/platform/pkg/common/config"
	"github.com/robopost/platform/pkg/common/faults"
)

// Policy bounds how often and how fast a failing operation is re-attempted.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Jitter      float64 // 0.2 = +/-20%
	MaxDelay    time.Duration
}

func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		Multiplier:  cfg.Multiplier,
		Jitter:      cfg.Jitter,
		MaxDelay:    cfg.MaxDelay,
	}.withDefaults()
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-based), before
// jitter: BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if d <= 0 || p.Jitter == 0 {
		return d
	}
	factor := 1 - p.Jitter + rand.Float64()*2*p.Jitter
	out := time.Duration(float64(d) * factor)
	if p.MaxDelay > 0 && out > p.MaxDelay {
		out = p.MaxDelay
	}
	return out
}

// ExhaustedError is returned once every attempt has failed transiently.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err came from a policy running out of attempts.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// Do runs fn until it succeeds, fails non-transiently, or MaxAttempts is
// reached. The attempt number passed to fn starts at 1. Exhaustion is
// reported as a permanent fault wrapping *ExhaustedError.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	p = p.withDefaults()

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !faults.IsRetryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.jittered(p.Delay(attempt))
		if hint, ok := faults.RetryAfterHint(err); ok && hint > delay {
			delay = hint
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return faults.Permanent(&ExhaustedError{Attempts: p.MaxAttempts, Err: err})
}
