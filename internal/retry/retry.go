// Package retry wraps an operation with a bounded, fixed-delay retry loop.
package retry

import (
	"context"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultWait        = 100 * time.Millisecond
)

type Options struct {
	// MaxAttempts bounds the total number of invocations, not just retries.
	MaxAttempts int
	// Wait is the fixed delay between attempts. No backoff.
	Wait time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Wait <= 0 {
		o.Wait = DefaultWait
	}
	return o
}

// Do invokes op until it succeeds or opts.MaxAttempts is exhausted, sleeping
// opts.Wait between attempts. The last attempt's error is returned. A
// cancelled context aborts the wait and returns ctx.Err().
func Do(ctx context.Context, op func(ctx context.Context) error, opts Options) error {
	opts = opts.withDefaults()
	var lastErr error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := waitWithContext(ctx, opts.Wait); err != nil {
				return err
			}
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// Wrap returns op with Do applied, for callers that hand the operation to a
// runner instead of invoking it in place.
func Wrap(op func(ctx context.Context) error, opts Options) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return Do(ctx, op, opts)
	}
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
