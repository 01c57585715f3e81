// Package poll provides a bounded fixed-interval polling loop shared by
// transaction confirmation and query result waits.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when MaxAttempts checks ran without reaching a terminal state.
var ErrExhausted = errors.New("poll: attempts exhausted")

// Defaults used by the ledger and lifecycle waits.
const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 60
)

// Config bounds a polling loop. Wall-clock time is at most
// (MaxAttempts-1)*Interval plus the time spent inside checks.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
}

// Default returns the 2s x 60 budget.
func Default() Config {
	return Config{Interval: DefaultInterval, MaxAttempts: DefaultMaxAttempts}
}

// Budget returns the nominal total wait, Interval * MaxAttempts.
func (c Config) Budget() time.Duration {
	return c.Interval * time.Duration(c.MaxAttempts)
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as terminal: Until returns it immediately instead of
// spending another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// CheckFunc performs one attempt. It returns done=true with the value when a
// terminal state was observed. A non-nil error is transient unless wrapped by Permanent.
type CheckFunc[T any] func(ctx context.Context, attempt int) (value T, done bool, err error)

// TransientFunc observes transient errors; attempt is 1-based.
type TransientFunc func(attempt int, err error)

// Until runs check up to cfg.MaxAttempts times, sleeping cfg.Interval between
// attempts. Transient errors consume attempts from the same budget. On
// exhaustion it returns ErrExhausted wrapping the last transient error, if any.
// Cancelling ctx stops the loop with ctx.Err().
func Until[T any](ctx context.Context, cfg Config, check CheckFunc[T], onTransient TransientFunc) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		return zero, fmt.Errorf("poll: max attempts must be positive, got %d", cfg.MaxAttempts)
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		v, done, err := check(ctx, attempt)
		if err != nil {
			var perm *permanentError
			if errors.As(err, &perm) {
				return zero, perm.err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return zero, ctxErr
			}
			lastErr = err
			if onTransient != nil {
				onTransient(attempt, err)
			}
		} else if done {
			return v, nil
		}

		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(cfg.Interval):
		}
	}

	if lastErr != nil {
		return zero, fmt.Errorf("%w after %d attempts (last error: %w)", ErrExhausted, cfg.MaxAttempts, lastErr)
	}
	return zero, fmt.Errorf("%w after %d attempts", ErrExhausted, cfg.MaxAttempts)
}
