// Package retry implements the bounded exponential backoff used around every
// network-touching ledger step.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// ErrExhausted is returned when every attempt of an operation failed.
var ErrExhausted = errors.New("retry budget exhausted")

// Policy describes how an operation is retried.
//
// The delay before attempt n+1 is (2^n + U(0,2)) / Scale seconds, capped at
// MaxDelay.
type Policy struct {
	MaxAttempts int
	Scale       float64
	MaxDelay    time.Duration

	// Jitter returns a value in [0, 2). Defaults to a uniform random source.
	Jitter func() float64
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Hint may override the computed delay for a given error (e.g. Retry-After).
	Hint func(err error) (time.Duration, bool)
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)

	Logger *slog.Logger
}

// Default returns the standard ledger policy: 20 attempts, delays scaled down
// by 10 and capped at 30s.
func Default() Policy {
	return Policy{
		MaxAttempts: 20,
		Scale:       10,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the wait after the given zero-based failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	jitter := p.Jitter
	if jitter == nil {
		jitter = func() float64 { return rand.Float64() * 2 }
	}
	scale := p.Scale
	if scale <= 0 {
		scale = 1
	}
	secs := (math.Pow(2, float64(attempt)) + jitter()) / scale
	d := time.Duration(math.Round(secs * float64(time.Second)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	return d
}

// Do runs op until it succeeds, returns a non-retryable error, or the attempt
// budget is spent. A nil retryable treats every error as transient.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error, retryable func(error) bool) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		delay := p.Delay(attempt)
		if p.Hint != nil {
			if d, ok := p.Hint(err); ok {
				delay = d
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}
		p.logger().Debug("retrying",
			slog.String("op", name),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}

	p.logger().Warn("retries exhausted",
		slog.String("op", name),
		slog.Int("attempts", attempts),
		slog.String("error", lastErr.Error()),
	)
	return fmt.Errorf("%s: %w after %d attempts: %w", name, ErrExhausted, attempts, lastErr)
}

func (p Policy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
