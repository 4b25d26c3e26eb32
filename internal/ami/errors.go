package ami

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrValidation indicates an outbound parameter failed sanitization. The
	// action was not transmitted.
	ErrValidation = errors.New("ami: validation failed")

	// ErrProtocol indicates a malformed inbound packet.
	ErrProtocol = errors.New("ami: protocol error")

	// ErrTimeout indicates no response arrived before the action deadline.
	ErrTimeout = errors.New("ami: action timed out")

	// ErrCanceled indicates the caller canceled a pending action.
	ErrCanceled = errors.New("ami: action canceled")

	// ErrActionFailed indicates the PBX answered with Response: Error.
	ErrActionFailed = errors.New("ami: action failed")

	// ErrClosed indicates the engine has been shut down.
	ErrClosed = errors.New("ami: engine closed")

	// ErrTransport indicates the action could not be written to the transport.
	ErrTransport = errors.New("ami: transport write failed")
)

// ValidationError describes a rejected outbound key or value.
type ValidationError struct {
	Action string
	Key    string
	Kind   FieldKind
	Value  string
	Reason string
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("ami: action %q: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("ami: action %q: %s %q (%s): %s", e.Action, e.Key, e.Value, e.Kind, e.Reason)
}

// Unwrap returns ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ProtocolError describes a malformed inbound line or packet.
type ProtocolError struct {
	Line   string
	Reason string
}

// Error returns the error message.
func (e *ProtocolError) Error() string {
	if e.Line == "" {
		return "ami: protocol error: " + e.Reason
	}
	return fmt.Sprintf("ami: protocol error: %s: %q", e.Reason, e.Line)
}

// Unwrap returns ErrProtocol.
func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}

// TimeoutError is returned when an action's deadline passes without a response.
type TimeoutError struct {
	Action   string
	ActionID string
	Timeout  time.Duration
}

// Error returns the error message.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ami: action %s (%s) timed out after %s", e.Action, e.ActionID, e.Timeout)
}

// Unwrap returns ErrTimeout.
func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// ActionError wraps a Response: Error packet.
type ActionError struct {
	Action   string
	ActionID string
	Message  string
}

// Error returns the error message.
func (e *ActionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ami: action %s (%s) failed", e.Action, e.ActionID)
	}
	return fmt.Sprintf("ami: action %s (%s) failed: %s", e.Action, e.ActionID, e.Message)
}

// Unwrap returns ErrActionFailed.
func (e *ActionError) Unwrap() error {
	return ErrActionFailed
}
