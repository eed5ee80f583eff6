// Package retry runs an operation until it succeeds, fails permanently, or a
// wall-clock budget is spent. Attempts are separated by a fixed interval and
// the budget is only checked between attempts, never during one.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrBudgetExhausted is matched by errors returned when the budget ran out.
var ErrBudgetExhausted = errors.New("retry: budget exhausted")

// Policy is a fixed-interval retry budget.
type Policy struct {
	// Interval is the pause between attempts.
	Interval time.Duration
	// MaxElapsed bounds the total wall-clock time. A new attempt is not
	// started when waiting another Interval would exceed it.
	MaxElapsed time.Duration
}

// Classifier reports whether an error is transient (retry) or fatal.
type Classifier func(error) bool

// Notify is called after a transient failure, before waiting.
type Notify func(err error, attempt int, wait time.Duration)

// Op is one attempt. attempt starts at 1.
type Op func(ctx context.Context, attempt int) error

// ExhaustedError carries the last transient failure once the budget is spent.
type ExhaustedError struct {
	Attempts int
	Elapsed  time.Duration
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempt(s) in %s: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrBudgetExhausted, e.Last} }

// Do runs op under the policy. A nil classifier treats every error as fatal.
// It returns the number of attempts made alongside the result. Fatal errors
// are returned unchanged.
func Do(ctx context.Context, p Policy, op Op, transient Classifier, notify Notify) (int, error) {
	maxElapsed := p.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = time.Nanosecond
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Interval,
		RandomizationFactor: 0,
		Multiplier:          1,
		MaxInterval:         p.Interval,
		MaxElapsedTime:      maxElapsed,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var (
		attempts  int
		last      error
		permanent bool
		start     = time.Now()
	)
	operation := func() error {
		attempts++
		err := op(ctx, attempts)
		if err == nil {
			return nil
		}
		last = err
		if transient == nil || !transient(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempts, wait)
		}
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), onRetry)
	switch {
	case err == nil:
		return attempts, nil
	case permanent:
		return attempts, last
	case ctx.Err() != nil:
		if last == nil {
			return attempts, ctx.Err()
		}
		return attempts, fmt.Errorf("%w (last error: %v)", ctx.Err(), last)
	default:
		return attempts, &ExhaustedError{Attempts: attempts, Elapsed: time.Since(start), Last: last}
	}
}
