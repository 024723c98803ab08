package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

type Action int

const (
	Stop  Action = iota // permanent error, abort immediately
	Retry               // transient error, try again after the backoff
)

// Policy bounds a retried operation. MaxAttempts counts the first try, so an
// operation "retried up to 3 times" has MaxAttempts 4.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	Clock          clockwork.Clock
	OnRetry        func(attempt int, err error, backoff time.Duration)
}

type Classify func(err error) Action
type Operation[T any] func(attempt int) (T, error)

// Always treats every error as transient.
func Always(error) Action { return Retry }

func Do[T any](ctx context.Context, p Policy, classify Classify, op Operation[T]) (T, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if classify == nil {
		classify = Always
	}
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	backoff := NewBackoff(p.InitialBackoff, p.Multiplier)

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := op(attempt)
		if err == nil {
			return val, nil
		}

		if classify(err) == Stop {
			return zero, &PermanentError{Err: err}
		}

		if attempt >= p.MaxAttempts {
			return zero, &ExhaustedError{Attempts: attempt, Err: err}
		}

		wait := backoff.Next()
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		if err := Sleep(ctx, clock, wait); err != nil {
			return zero, fmt.Errorf("context cancelled during retry: %w", err)
		}
	}
}

// Sleep waits d on clock, returning early with ctx's error if it is done.
// A non-positive d only checks ctx.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff yields a multiplicative sequence of waits starting at Initial.
type Backoff struct {
	next       float64
	multiplier float64
}

func NewBackoff(initial time.Duration, multiplier float64) *Backoff {
	if multiplier <= 0 {
		multiplier = 1
	}
	return &Backoff{next: float64(initial), multiplier: multiplier}
}

// Next returns the current wait and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := time.Duration(b.next + 0.5)
	b.next *= b.multiplier
	return d
}

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// ExhaustedError reports the last error after every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }
