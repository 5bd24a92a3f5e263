// Package retry runs operations under a capped exponential backoff policy
// with jitter.
//
// A [Policy] is a plain value; [Do] is the only retry loop in the module and
// is shared by metadata refreshes, connection attempts and subject waits.
// The first attempt always runs immediately.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultBaseDelay  = 50 * time.Millisecond
	defaultMultiplier = 1.5
	defaultMaxDelay   = 5 * time.Second
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts caps the number of attempts, including the first. 0 means
	// unlimited (bounded by Deadline or the context).
	MaxAttempts uint
	// BaseDelay is the wait after the first failure (default 50ms).
	BaseDelay time.Duration
	// MaxDelay caps a single wait (default 5s).
	MaxDelay time.Duration
	// Multiplier grows the wait after each failure (default 1.5).
	Multiplier float64
	// Jitter is the randomization factor applied to every wait, in [0,1].
	Jitter float64
	// Deadline bounds the total time spent, waits included. 0 means none.
	Deadline time.Duration
}

// Default returns the policy used for metadata refreshes.
func Default() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  defaultMultiplier,
		Jitter:      0.1,
	}
}

// Once is a policy that never retries.
func Once() Policy { return Policy{MaxAttempts: 1} }

// IsZero reports whether p is the zero policy, which callers treat as
// "not configured".
func (p Policy) IsZero() bool { return p == Policy{} }

// BackOff builds a fresh backoff sequence for p.
func (p Policy) BackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = defaultBaseDelay
	}
	exp.Multiplier = p.Multiplier
	if exp.Multiplier < 1 {
		exp.Multiplier = defaultMultiplier
	}
	exp.MaxInterval = p.MaxDelay
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = defaultMaxDelay
	}
	exp.RandomizationFactor = min(max(p.Jitter, 0), 1)
	exp.Reset()
	return exp
}

// Option customizes a single Do call.
type Option func(*options)

type options struct {
	onRetry func(attempt uint, err error, next time.Duration)
}

// OnRetry registers a callback invoked before each wait.
func OnRetry(fn func(attempt uint, err error, next time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Permanent marks err as non-retryable; Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, or p is
// exhausted. The context passed to op carries p.Deadline.
//
// When the deadline or ctx ends the loop, the returned error matches the
// context error and, if any attempt failed before, the last attempt error.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if p.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}

	var (
		attempt uint
		lastErr error
	)

	operation := func() (T, error) {
		attempt++
		res, err := op(ctx)
		if err != nil {
			lastErr = err
		}
		return res, err
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(p.BackOff()),
		// Deadline is enforced via ctx, not by elapsed-time bookkeeping.
		backoff.WithMaxElapsedTime(0),
	}
	if p.MaxAttempts > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxTries(p.MaxAttempts))
	}
	if o.onRetry != nil {
		retryOpts = append(retryOpts, backoff.WithNotify(func(err error, next time.Duration) {
			o.onRetry(attempt, err, next)
		}))
	}

	res, err := backoff.Retry(ctx, operation, retryOpts...)
	if err == nil {
		return res, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if ctx.Err() != nil && lastErr != nil && !errors.Is(err, lastErr) {
		err = errors.Join(err, lastErr)
	}
	return res, err
}
