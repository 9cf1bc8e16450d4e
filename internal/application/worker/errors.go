package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reviewpipe/reviewpipe/internal/domain"
)

// === Failure Classification ===

// ClassifiedError carries the wire-stable error class a failure maps to.
// Adapters (fetcher, model client, notification provider) return these so
// the retry loop never guesses from error strings.
//
// RetryAfter, when non-zero, is an upstream-provided floor for the next
// attempt's delay (e.g. a 429 Retry-After header). Status and RequestID,
// when set, land in the dead letter's sanitized context for triage.
type ClassifiedError struct {
	Class      domain.ErrorClass
	RetryAfter time.Duration
	Status     int
	RequestID  string
	Err        error
}

func (e ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e ClassifiedError) Unwrap() error { return e.Err }

// NewClassified wraps err with a class.
func NewClassified(class domain.ErrorClass, err error) error {
	return ClassifiedError{Class: class, Err: err}
}

// Classify resolves err to its error class:
//
//   - a ClassifiedError anywhere in the chain wins
//   - context deadline expiry is NETWORK_TIMEOUT
//   - panics (PanicError) are INVARIANT_VIOLATION
//   - anything else defaults to UPSTREAM_INTERNAL, which is retryable, so
//     unknown transients burn budget instead of dead-lettering on first sight
func Classify(err error) domain.ErrorClass {
	var classified ClassifiedError
	if errors.As(err, &classified) {
		return classified.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorClassNetworkTimeout
	}
	var panicked PanicError
	if errors.As(err, &panicked) {
		return domain.ErrorClassInvariantViolation
	}
	return domain.ErrorClassUpstreamInternal
}

// RetryAfterHint extracts the upstream retry floor, zero if none.
func RetryAfterHint(err error) time.Duration {
	var classified ClassifiedError
	if errors.As(err, &classified) {
		return classified.RetryAfter
	}
	return 0
}

// === Panic Handling ===

// PanicError indicates a stage handler panicked. Panics indicate
// programming errors, not transient conditions, so they dead-letter
// directly as INVARIANT_VIOLATION with no retries.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsPanic returns true if the error indicates a panic occurred.
func IsPanic(err error) bool {
	var panicErr PanicError
	return errors.As(err, &panicErr)
}
