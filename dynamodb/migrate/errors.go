package migrate

import (
	"errors"
	"fmt"
	"time"
)

// ErrStateNotFound is returned when a requested state version was never
// recorded.
var ErrStateNotFound = errors.New("migration state not found")

// ConfirmationDeniedError aborts a run with breaking changes that the
// operator did not approve. Nothing was executed.
type ConfirmationDeniedError struct {
	Breaking int
}

func (e *ConfirmationDeniedError) Error() string {
	return fmt.Sprintf("confirm: %d breaking change(s) not approved", e.Breaking)
}

// StepExecutionError reports a failed client call. Steps before Order were
// applied and remain live.
type StepExecutionError struct {
	Order     int
	Operation Operation
	Err       error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Order, e.Operation, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a wait step that ran out of budget. The remote change
// may still be in progress; re-check the table before running again.
type TimeoutError struct {
	Order     int
	Operation Operation
	Target    string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %d (%s): %s not reached within %s", e.Order, e.Operation, e.Target, e.Timeout)
}

// Retryable is always true: the change was accepted and is still converging.
func (e *TimeoutError) Retryable() bool {
	return true
}

// UnsupportedOperationError is returned for operations the store cannot
// perform safely, such as rollback or in-place table recreation.
type UnsupportedOperationError struct {
	Operation string
	Reason    string
	Hint      string
}

func (e *UnsupportedOperationError) Error() string {
	msg := fmt.Sprintf("unsupported operation %s: %s", e.Operation, e.Reason)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}
