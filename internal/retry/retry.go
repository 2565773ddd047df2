// Package retry provides a small, explicit retry policy value that call sites
// pass around instead of embedding their own retry loops.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy describes how many times an operation is attempted and how long to
// wait between attempts. The zero value performs a single attempt.
type Policy struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int
	// Delay is the pause between consecutive attempts.
	Delay time.Duration
	// Jitter, when positive, adds a random duration in [0, Jitter) to every
	// pause to avoid lockstep retries.
	Jitter time.Duration
}

// Retryable marks errors that Do should retry. Non-retryable errors abort the
// loop immediately.
type Retryable interface {
	Retryable() bool
}

// Permanent wraps an error so that Do gives up on it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Retryable() bool { return false }

// Do runs fn until it succeeds, the attempts are exhausted, a non-retryable
// error is returned, or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		var r Retryable
		if errors.As(err, &r) && !r.Retryable() {
			return err
		}
		if i == attempts-1 {
			break
		}
		pause := p.Delay
		if p.Jitter > 0 {
			pause += time.Duration(rand.Int63n(int64(p.Jitter)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
	return err
}
