package timetravel

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"dbtimetravel/internal/domain"
)

var (
	ErrTimeout = errors.New("timetravel: tasks did not finish in time")

	// ErrHarnessTimedOut is returned by every Advance after a timeout.
	ErrHarnessTimedOut = errors.New("timetravel: harness is timed out")

	ErrInvariantViolation = errors.New("timetravel: one-time task executed more than once")

	ErrNoClock         = errors.New("timetravel: clock substitution needs a virtual clock")
	ErrUnknownStrategy = errors.New("timetravel: unknown strategy")
)

// TimeoutError lists the instances that had not finished when the wait ended.
type TimeoutError struct {
	Unresolved []domain.TaskKey
	Waited     time.Duration
	cause      error
}

func (e *TimeoutError) Error() string {
	keys := make([]string, len(e.Unresolved))
	for i, k := range e.Unresolved {
		keys[i] = k.String()
	}
	msg := fmt.Sprintf("%s after %s: %d unresolved [%s]", ErrTimeout, e.Waited, len(keys), strings.Join(keys, ", "))
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the context error that ended the wait, if any.
func (e *TimeoutError) Unwrap() error { return e.cause }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// InvariantViolation reports a one-time instance that succeeded more than
// once during a single Advance.
type InvariantViolation struct {
	Key       domain.TaskKey
	Successes int
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("%s: %s succeeded %d times", ErrInvariantViolation, e.Key, e.Successes)
}

func (e *InvariantViolation) Is(target error) bool { return target == ErrInvariantViolation }
