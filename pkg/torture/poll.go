package torture

import (
	"context"
	"fmt"
	"time"

	"github.com/thesyncim/torture/pkg/torture/driver"
	"github.com/thesyncim/torture/pkg/torture/internal"
)

const (
	DefaultPollInterval         = 500 * time.Millisecond
	DefaultMaxConsecutiveErrors = 5
)

// Check evaluates a condition once. It returns the observed value and
// whether the condition holds. A non-nil error counts as "not yet" unless
// it is wrapped with Unrecoverable or persists past the error threshold.
type Check func(ctx context.Context) (driver.Value, bool, error)

// PollOptions configures Poll.
type PollOptions struct {
	// What describes the condition in errors and logs.
	What string

	// Timeout bounds the wait, including a check that never returns: the
	// context passed to the check expires with it. Zero waits until the
	// condition holds or ctx is done.
	Timeout time.Duration

	// Interval is the pause between evaluations (default: 500ms).
	Interval time.Duration

	// MaxConsecutiveErrors is how many failed evaluations in a row are
	// tolerated before the error is returned (default: 5).
	MaxConsecutiveErrors int
}

// Poll evaluates check until it holds, the timeout elapses, ctx is done, or
// check keeps failing. On timeout it returns a *TimeoutError carrying the
// last observed value.
func Poll(ctx context.Context, check Check, opts *PollOptions) error {
	return poll(ctx, internal.MonotonicClock{}, check, opts)
}

func poll(ctx context.Context, clock internal.Clock, check Check, opts *PollOptions) error {
	var o PollOptions
	if opts != nil {
		o = *opts
	}
	if o.Interval <= 0 {
		o.Interval = DefaultPollInterval
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if o.What == "" {
		o.What = "condition"
	}

	// Checks run under the wait's deadline.
	pctx := ctx
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	start := clock.Now()
	var (
		last        driver.Value
		lastErr     error
		consecutive int
	)
	timeout := func() error {
		return &TimeoutError{
			What:    o.What,
			Timeout: o.Timeout,
			Elapsed: internal.Since(clock, start),
			Last:    last,
			LastErr: lastErr,
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for %s: %w", o.What, err)
		}
		if pctx.Err() != nil {
			return timeout()
		}

		v, ok, err := check(pctx)
		switch {
		case ctx.Err() != nil:
			return fmt.Errorf("waiting for %s: %w", o.What, ctx.Err())
		case err != nil && isUnrecoverable(err):
			return fmt.Errorf("waiting for %s: %w", o.What, err)
		case err != nil && pctx.Err() != nil:
			lastErr = err
			return timeout()
		case err != nil:
			consecutive++
			lastErr = err
			if consecutive >= o.MaxConsecutiveErrors {
				return fmt.Errorf("waiting for %s: %d consecutive failures: %w", o.What, consecutive, err)
			}
		default:
			consecutive = 0
			lastErr = nil
			last = v
			if ok {
				return nil
			}
		}

		wait := o.Interval
		if o.Timeout > 0 {
			elapsed := internal.Since(clock, start)
			if elapsed >= o.Timeout {
				return timeout()
			}
			wait = min(wait, o.Timeout-elapsed)
		}
		if err := clock.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("waiting for %s: %w", o.What, err)
		}
	}
}

// scriptCheck builds a Check from a script and an acceptance predicate.
func scriptCheck(s driver.Session, script string, accept func(driver.Value) bool) Check {
	return func(ctx context.Context) (driver.Value, bool, error) {
		v, err := s.ExecuteScript(ctx, script)
		if err != nil {
			return driver.NullValue(), false, err
		}
		return v, accept(v), nil
	}
}
