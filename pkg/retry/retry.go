// Package retry runs an operation with capped exponential backoff.
//
// gazestream only retries on the publishing side (the NATS connection at
// startup). The tracker connection is never retried: a broken device stream
// ends the bridge and restarting is left to the supervisor.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/c360/gazestream/errors"
)

// Policy describes how often and how patiently an operation is retried.
type Policy struct {
	Attempts int           // total attempts, values below 1 mean a single attempt
	Initial  time.Duration // delay before the second attempt
	Max      time.Duration // delay ceiling
	Factor   float64       // growth per attempt
	Jitter   bool          // add up to 25% random delay

	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy is used for the sink connection at startup.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 5,
		Initial:  200 * time.Millisecond,
		Max:      5 * time.Second,
		Factor:   2.0,
		Jitter:   true,
	}
}

// Once runs the operation a single time.
func Once() Policy {
	return Policy{Attempts: 1}
}

type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop marks err as final so Do returns it without further attempts.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

func isFinal(err error) bool {
	var se *stopError
	if errors.As(err, &se) {
		return true
	}
	// Invalid and fatal failures will not improve with time.
	return errors.IsFatal(err) || errors.IsInvalid(err)
}

func (p Policy) normalized() (Policy, error) {
	if p.Initial < 0 || p.Max < 0 || p.Factor < 0 {
		return p, errors.WrapInvalid(errors.ErrInvalidConfig, "retry", "Do", "validate policy")
	}
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Initial == 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Max == 0 {
		p.Max = 5 * time.Second
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Factor < 1 {
		p.Factor = 2.0
	}
	return p, nil
}

// Do calls fn until it succeeds, returns a final error, the attempts run
// out or ctx is done.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p, err := p.normalized()
	if err != nil {
		return err
	}

	delay := p.Initial
	var last error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry: cancelled before attempt %d: %w", attempt, err)
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if isFinal(last) {
			var se *stopError
			if errors.As(last, &se) {
				return se.err
			}
			return last
		}
		if attempt == p.Attempts {
			break
		}

		sleep := delay
		if p.Jitter && delay >= 4 {
			sleep += time.Duration(rand.Int64N(int64(delay / 4)))
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, sleep, last)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry: cancelled during backoff after attempt %d: %w", attempt, ctx.Err())
		case <-timer.C:
		}

		next := time.Duration(float64(delay) * p.Factor)
		if next > p.Max || next <= 0 {
			next = p.Max
		}
		delay = next
	}

	return fmt.Errorf("retry: gave up after %d attempts: %w", p.Attempts, last)
}
