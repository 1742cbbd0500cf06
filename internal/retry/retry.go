// Package retry runs fallible operations a bounded number of times.
//
// The attempt count is the only hard guarantee: an operation passed to
// Do with maxAttempts n is invoked at most n times, and the error of the
// final attempt is returned unchanged. Delays between attempts come from
// the caller-supplied backoff (none by default).
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Option customises a single Do call.
type Option func(*options)

type options struct {
	backOff backoff.BackOff
	logger  *slog.Logger
	name    string
}

// WithBackOff sets the delay policy between attempts.
func WithBackOff(b backoff.BackOff) Option {
	return func(o *options) { o.backOff = b }
}

// WithInterval waits a constant d between attempts.
func WithInterval(d time.Duration) Option {
	return func(o *options) { o.backOff = backoff.NewConstantBackOff(d) }
}

// WithLogger logs every failed attempt that will be retried.
func WithLogger(logger *slog.Logger, name string) Option {
	return func(o *options) {
		o.logger = logger
		o.name = name
	}
}

// Permanent wraps err so that Do returns it without further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do invokes op until it succeeds, returns a permanent error, ctx is
// done, or maxAttempts invocations have failed. maxAttempts below 1 is
// treated as 1.
func Do(ctx context.Context, maxAttempts int, op func(context.Context) error, opts ...Option) error {
	o := options{backOff: &backoff.ZeroBackOff{}}
	for _, opt := range opts {
		opt(&o)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempt := 0
	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(o.backOff),
		backoff.WithMaxTries(uint(maxAttempts)),
		// Bounded by attempts only.
		backoff.WithMaxElapsedTime(0),
	}
	if o.logger != nil {
		retryOpts = append(retryOpts, backoff.WithNotify(func(err error, next time.Duration) {
			o.logger.Warn("attempt failed, retrying",
				slog.String("operation", o.name),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", maxAttempts),
				slog.Duration("next", next),
				slog.String("error", err.Error()),
			)
		}))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, op(ctx)
	}, retryOpts...)
	return err
}
