// Package retry runs an operation with exponential backoff until it
// succeeds, the attempts run out, or the error is classified as
// permanent.
package retry

import (
	"context"
	"errors"
	"time"
)

// Config controls attempt count and backoff.
type Config struct {
	// MaxAttempts counts the first call too; values below 1 mean a
	// single attempt.
	MaxAttempts int
	// InitialDelay precedes the second attempt and doubles afterwards.
	InitialDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// ShouldRetry classifies errors; nil retries everything.
	ShouldRetry func(err error) bool
}

// Default suits short store and network calls.
var Default = Config{
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     5 * time.Second,
}

// Do invokes fn until it returns nil, ShouldRetry rejects the error,
// attempts are exhausted, or ctx ends. The last attempt's error comes
// back, joined with the context error on cancellation.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = Default.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = Default.MaxDelay
	}
	retryable := cfg.ShouldRetry
	if retryable == nil {
		retryable = func(error) bool { return true }
	}

	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == cfg.MaxAttempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}
