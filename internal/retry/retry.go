// Package retry runs operations with bounded attempts and a wall-clock cap.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted wraps the last error once attempts or time run out.
var ErrExhausted = errors.New("retries exhausted")

// Policy bounds retries of one operation.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxElapsed     time.Duration
}

// DefaultPolicy returns 3 attempts, 500ms doubling backoff capped at 5s, and
// a 30s overall limit.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		MaxElapsed:     30 * time.Second,
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// sleep is replaced in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns a permanent error, or the policy is
// exhausted. It returns the number of attempts made. Exhaustion errors wrap
// both ErrExhausted and the last error from fn.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	if p.MaxElapsed > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.MaxElapsed)
		defer cancel()
	}

	backoff := p.InitialBackoff
	var lastErr error
	for i := 1; i <= attempts; i++ {
		err := fn(ctx)
		if err == nil {
			return i, nil
		}
		if IsPermanent(err) {
			return i, err
		}
		lastErr = err
		if i == attempts {
			break
		}
		if ctx.Err() != nil {
			return i, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, i, lastErr)
		}
		if backoff > 0 {
			if err := sleep(ctx, backoff); err != nil {
				return i, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, i, lastErr)
			}
			backoff *= 2
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
	}
	return attempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}
