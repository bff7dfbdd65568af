package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnreachable indicates an invariant violation that cannot occur for a
// well-formed run. It is never retried.
var ErrUnreachable = errors.New("engine: unreachable state")

// ErrStepNotFound names the condition of a requested run-step id never
// appearing within the bounded wait window. The engine reports that case
// as a ResultStepNotFound result and does not return this error itself.
var ErrStepNotFound = errors.New("engine: step not found")

// DurableError is the shared interface implemented by every error kind the
// engine classifies for the execution-result taxonomy.
type DurableError interface {
	error
	Unwrap() error
	// RetryAfter reports an explicit retry delay, if the error carries one.
	RetryAfter() (time.Duration, bool)
}

// NonRetriableError marks a step or function error as terminal regardless
// of remaining attempts.
type NonRetriableError struct {
	Cause error
}

func (e *NonRetriableError) Error() string {
	if e.Cause == nil {
		return "non-retriable error"
	}
	return fmt.Sprintf("non-retriable error: %s", e.Cause.Error())
}

func (e *NonRetriableError) Unwrap() error { return e.Cause }

func (e *NonRetriableError) RetryAfter() (time.Duration, bool) { return 0, false }

// RetryAfterError forces a retriable classification with an explicit
// delay. At takes precedence over Delay when set.
type RetryAfterError struct {
	Cause error
	Delay time.Duration
	At    time.Time
}

func (e *RetryAfterError) Error() string {
	if e.Cause == nil {
		return "retry after error"
	}
	return fmt.Sprintf("retry after error: %s", e.Cause.Error())
}

func (e *RetryAfterError) Unwrap() error { return e.Cause }

func (e *RetryAfterError) RetryAfter() (time.Duration, bool) {
	if !e.At.IsZero() {
		d := time.Until(e.At)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return e.Delay, true
}

// retryAfterHeaderValue renders the retry-after value the way the response
// header surfaces it: a whole-second count (rounded up) for a duration, or
// an RFC 3339 instant for an absolute time.
func (e *RetryAfterError) retryAfterHeaderValue() string {
	if !e.At.IsZero() {
		return e.At.UTC().Format(time.RFC3339)
	}
	secs := int64(e.Delay / time.Second)
	if e.Delay%time.Second != 0 {
		secs++
	}
	return fmt.Sprintf("%d", secs)
}

// StepError wraps a user-side step-body failure so it can be memoized and,
// on replay, re-raised at the step's call site without re-executing the
// body.
type StepError struct {
	StepID string
	Cause  error
}

func (e *StepError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("step %q failed", e.StepID)
	}
	return fmt.Sprintf("step %q failed: %s", e.StepID, e.Cause.Error())
}

func (e *StepError) Unwrap() error { return e.Cause }

func (e *StepError) RetryAfter() (time.Duration, bool) { return 0, false }

var (
	_ DurableError = (*NonRetriableError)(nil)
	_ DurableError = (*RetryAfterError)(nil)
	_ DurableError = (*StepError)(nil)
)

// isNonRetriable reports whether err should force a non-retriable
// classification: either an explicit NonRetriableError, or a StepError
// that the engine itself most recently injected and the user handler
// rethrew uncaught.
func isNonRetriable(err error, lastInjected *StepError) bool {
	var nre *NonRetriableError
	if errors.As(err, &nre) {
		return true
	}
	var se *StepError
	if lastInjected != nil && errors.As(err, &se) && se == lastInjected {
		return true
	}
	return false
}

func retryAfterOf(err error) (*RetryAfterError, bool) {
	var rae *RetryAfterError
	if errors.As(err, &rae) {
		return rae, true
	}
	return nil, false
}
