package transport

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRegistered
	StateRecovering
	StateFailed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateRegistered:
		return "Registered"
	case StateRecovering:
		return "Recovering"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// IsUp reports whether frames can be exchanged.
func (s State) IsUp() bool {
	return s == StateConnected || s == StateRegistered
}

// validTransitions defines which state transitions are allowed.
// Any state may move to Disconnected on an explicit stop.
var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateRecovering, StateFailed},
	StateConnected:    {StateRegistered, StateRecovering},
	StateRegistered:   {StateRecovering},
	StateRecovering:   {StateConnected, StateFailed},
	StateFailed:       {StateConnecting},
}

// CanTransitionTo checks if a transition from current state to target state is valid
func (s State) CanTransitionTo(target State) bool {
	if target == StateDisconnected {
		return true
	}
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Sentinel errors for use with errors.Is.
var (
	// ErrTransportFailure indicates the link is down or a write failed.
	ErrTransportFailure = errors.New("transport failure")

	// ErrNotConnected indicates a send was attempted without a live link.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrTransportFailure)

	// ErrInvalidState indicates an illegal connection state change.
	ErrInvalidState = errors.New("invalid connection state transition")
)

// StateTransitionError indicates an invalid state transition was attempted.
type StateTransitionError struct {
	URI  string
	From State
	To   State
}

// Error returns the error message.
func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("connection %s: cannot transition from %s to %s", e.URI, e.From, e.To)
}

// Unwrap returns ErrInvalidState.
func (e *StateTransitionError) Unwrap() error {
	return ErrInvalidState
}
