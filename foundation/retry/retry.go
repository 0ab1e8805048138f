package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vortex-fintech/dbqueue/foundation/errx"
)

const (
	defaultInitInitialInterval = 500 * time.Millisecond
	defaultInitMultiplier      = 2.0
	defaultInitMaxInterval     = 5 * time.Second
	defaultInitRandomization   = 0.5
	defaultInitMaxElapsed      = 30 * time.Second

	defaultFastMaxAttempts = 3
	defaultFastDelay       = 200 * time.Millisecond
)

// PermanentError wraps a non-retryable error.
type PermanentError struct {
	err error
}

func (e PermanentError) Error() string {
	if e.err == nil {
		return "permanent error"
	}
	return e.err.Error()
}

func (e PermanentError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return PermanentError{err: err}
}

// IsPermanent reports whether err must not be retried: it was marked with
// Permanent, or it is an errx error whose kind is not retryable (bad config,
// rejected input, ambiguous commit).
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var pe PermanentError
	if errors.As(err, &pe) {
		return true
	}

	var bpe *backoff.PermanentError
	if errors.As(err, &bpe) {
		return true
	}

	return errx.KindOf(err) != "" && !errx.Retryable(err)
}

// Notify is called before each wait with the failure and the delay.
type Notify func(err error, next time.Duration)

// Startup retries fn with exponential backoff while a dependency comes up
// (first pool ping, schema creation). It stops on context cancellation,
// permanent errors, or after the max elapsed time. The last error is returned
// unwrapped.
func Startup(ctx context.Context, notify Notify, fn func(context.Context) error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = defaultInitInitialInterval
	exp.Multiplier = defaultInitMultiplier
	exp.MaxInterval = defaultInitMaxInterval
	exp.RandomizationFactor = defaultInitRandomization
	exp.Reset()

	var last error
	op := func() (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		last = fn(ctx)
		if last != nil && IsPermanent(last) {
			return struct{}{}, backoff.Permanent(last)
		}
		return struct{}{}, last
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(exp),
		backoff.WithMaxElapsedTime(defaultInitMaxElapsed),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(notify)))
	}

	if _, err := backoff.Retry(ctx, op, opts...); err != nil {
		if last != nil {
			return last
		}
		return err
	}
	return nil
}

// Fast retries fn a small fixed number of times for short transient failures.
// It stops on context cancellation or permanent errors.
func Fast(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for i := 0; i < defaultFastMaxAttempts; i++ {
		if err = ctx.Err(); err != nil {
			return err
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if i == defaultFastMaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(defaultFastDelay):
		}
	}
	return err
}
