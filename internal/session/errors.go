package session

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrInvalidStateTransition indicates an operation or transition that the
	// current call state does not allow. State is never mutated.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrTimeout indicates the signaling stack did not acknowledge an
	// operation within the operation timeout.
	ErrTimeout = errors.New("operation timed out")

	ErrAlreadyInConference = errors.New("already in a conference")
	ErrNotInConference     = errors.New("not in a conference")
	ErrInvalidDigits       = errors.New("invalid DTMF digits")
	ErrWrongDirection      = errors.New("operation not valid for call direction")
	ErrFeatureUnavailable  = errors.New("feature not available")
	ErrNotFound            = errors.New("session not found")
)

// OperationError reports a control operation rejected in the current state.
type OperationError struct {
	CallID string
	Op     string
	State  CallState
}

// Error returns the error message.
func (e *OperationError) Error() string {
	return fmt.Sprintf("call %s: %s not allowed in state %s", e.CallID, e.Op, e.State)
}

// Unwrap returns ErrInvalidStateTransition.
func (e *OperationError) Unwrap() error {
	return ErrInvalidStateTransition
}

// TransitionError reports a state machine event that has no edge from the
// current state.
type TransitionError struct {
	CallID string
	Event  string
	From   CallState
	Err    error
}

// Error returns the error message.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("call %s: event %s invalid in state %s", e.CallID, e.Event, e.From)
}

// Unwrap returns ErrInvalidStateTransition and the state machine error.
func (e *TransitionError) Unwrap() []error {
	return []error{ErrInvalidStateTransition, e.Err}
}

// TimeoutError reports an operation that exceeded its deadline.
type TimeoutError struct {
	CallID  string
	Op      string
	Timeout time.Duration
}

// Error returns the error message.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %s: %s timed out after %s", e.CallID, e.Op, e.Timeout)
}

// Unwrap returns ErrTimeout.
func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}
