// Package retry provides the bounded retry loop used by page retries, lock
// retries and startup connection attempts.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// ErrExhausted is returned by Until when every attempt ran without success.
var ErrExhausted = errors.New("retry attempts exhausted")

// Schedule returns how long to wait before the given attempt (1-based).
type Schedule func(attempt int) time.Duration

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	Schedule    Schedule
	// SkipFirstDelay runs attempt 1 immediately.
	SkipFirstDelay bool
}

// Attempt performs one try. It reports done=true once the work has succeeded.
// A non-nil error aborts the loop immediately.
type Attempt func(ctx context.Context, attempt int) (done bool, err error)

// Constant waits the same duration before every attempt.
func Constant(d time.Duration) Schedule {
	return func(int) time.Duration { return d }
}

// Exponential doubles base per attempt up to maxDelay and applies half-range jitter.
func Exponential(base, maxDelay time.Duration) Schedule {
	return func(attempt int) time.Duration {
		delay := float64(base) * math.Pow(2, float64(attempt-1))
		if delay > float64(maxDelay) {
			delay = float64(maxDelay)
		}
		return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
	}
}

// Until runs fn until it reports done, returns an error, or the policy runs out
// of attempts. It returns the number of attempts made.
func Until(ctx context.Context, p Policy, fn Attempt) (int, error) {
	if p.MaxAttempts <= 0 {
		return 0, fmt.Errorf("retry: max attempts must be > 0")
	}
	schedule := p.Schedule
	if schedule == nil {
		schedule = Constant(0)
	}
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 || !p.SkipFirstDelay {
			if err := sleep(ctx, schedule(attempt)); err != nil {
				return attempt - 1, err
			}
		}
		done, err := fn(ctx, attempt)
		if err != nil {
			return attempt, err
		}
		if done {
			return attempt, nil
		}
	}
	return p.MaxAttempts, ErrExhausted
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	return sleep(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
