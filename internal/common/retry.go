package common

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrRateLimit indicates that a provider asked us to slow down.
	ErrRateLimit = errors.New("rate limit exceeded")
	// ErrMaxRetries indicates that a call kept failing until its backoff ran out.
	ErrMaxRetries = errors.New("max retries exceeded")
)

// Backoff bounds how often a call to an external capability (the LLM
// provider, the mailbox) is repeated within one pipeline attempt.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultBackoff is three tries starting one second apart.
func DefaultBackoff() Backoff {
	return Backoff{Attempts: 3, Initial: time.Second, Max: 30 * time.Second}
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.Attempts <= 0 {
		b.Attempts = def.Attempts
	}
	if b.Initial <= 0 {
		b.Initial = def.Initial
	}
	if b.Max < b.Initial {
		b.Max = max(def.Max, b.Initial)
	}
	return b
}

// pause is the wait after the given failed try (1-based). Rate limits wait
// the longest.
func (b Backoff) pause(try int, err error) time.Duration {
	if errors.Is(err, ErrRateLimit) {
		return b.Max
	}
	d := b.Initial
	for i := 1; i < try && d < b.Max; i++ {
		d *= 2
	}
	return min(d, b.Max)
}

// RetryableError records whether a failed capability call is worth repeating.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned by Retry when every try failed with a
// retryable error. The capability may well answer on a later pass, so
// callers treat it as a transient outage.
type ExhaustedError struct {
	Last     error
	Op       string
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

// Unwrap exposes both ErrMaxRetries and the last failure.
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrMaxRetries, e.Last}
}

// Retry runs fn until it succeeds, fails with an error IsRetryable rejects,
// or b runs out of tries. Cancellation of ctx is returned as is.
func Retry(ctx context.Context, op string, b Backoff, fn func(context.Context) error) error {
	b = b.withDefaults()

	for try := 1; ; try++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !IsRetryable(err) {
			return err
		}
		if try >= b.Attempts {
			return &ExhaustedError{Op: op, Attempts: try, Last: err}
		}

		wait := b.pause(try, err)
		slog.Warn("Capability call failed, retrying",
			"op", op, "attempt", try, "max_attempts", b.Attempts, "delay", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
