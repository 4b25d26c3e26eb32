package session

import (
	"context"
	"time"
)

// Signaling is the call-control capability of the SIP/WebRTC stack. Every
// method returns once the stack has acknowledged the request or ctx ends.
// Handles are chosen by the session for outbound calls and by the stack for
// inbound ones (reported in a SignalIncoming).
type Signaling interface {
	// Initiate starts an outbound call to destination under handle. It
	// returns once the request is on the wire; progress arrives as signals.
	Initiate(ctx context.Context, handle, destination string) error
	Answer(ctx context.Context, handle string) error
	Hold(ctx context.Context, handle string) error
	Unhold(ctx context.Context, handle string) error
	SendDigits(ctx context.Context, handle, digits string) error
	Transfer(ctx context.Context, handle, target string) error
	Terminate(ctx context.Context, handle string) error
	// Renegotiate performs an ICE restart on an established call.
	Renegotiate(ctx context.Context, handle string) error
	// Signals streams lifecycle callbacks. The channel is closed when the
	// stack shuts down.
	Signals() <-chan Signal
}

// MediaMuter is optionally implemented by a Signaling stack that can mute
// the local media track.
type MediaMuter interface {
	SetMuted(ctx context.Context, handle string, muted bool) error
}

// SignalKind identifies a lifecycle callback.
type SignalKind int

const (
	SignalIncoming SignalKind = iota
	SignalRinging
	SignalEarlyMedia
	SignalAnswered
	// SignalHeld and SignalResumed report the remote party holding and
	// resuming the call.
	SignalHeld
	SignalResumed
	SignalTerminated
	// SignalRenegotiationNeeded asks for an ICE restart.
	SignalRenegotiationNeeded
	SignalRenegotiationComplete
	// SignalMediaFailed reports loss of ICE connectivity.
	SignalMediaFailed
)

// String returns the string representation of the signal kind
func (k SignalKind) String() string {
	switch k {
	case SignalIncoming:
		return "Incoming"
	case SignalRinging:
		return "Ringing"
	case SignalEarlyMedia:
		return "EarlyMedia"
	case SignalAnswered:
		return "Answered"
	case SignalHeld:
		return "Held"
	case SignalResumed:
		return "Resumed"
	case SignalTerminated:
		return "Terminated"
	case SignalRenegotiationNeeded:
		return "RenegotiationNeeded"
	case SignalRenegotiationComplete:
		return "RenegotiationComplete"
	case SignalMediaFailed:
		return "MediaFailed"
	default:
		return "Unknown"
	}
}

// Signal is one lifecycle callback from the signaling stack.
type Signal struct {
	Kind   SignalKind
	Handle string
	// From and To are set on SignalIncoming.
	From string
	To   string
	// Cause is set on SignalTerminated and SignalMediaFailed.
	Cause string
}

// Info is a point-in-time copy of a session's attributes, passed to
// Features and returned to API callers.
type Info struct {
	ID          string    `json:"id"`
	Handle      string    `json:"handle,omitempty"`
	Direction   string    `json:"direction"`
	State       string    `json:"state"`
	Destination string    `json:"destination,omitempty"`
	From        string    `json:"from,omitempty"`
	Channel     string    `json:"channel,omitempty"`
	LocalMuted  bool      `json:"local_muted"`
	RemoteMuted bool      `json:"remote_muted"`
	Held        bool      `json:"held"`
	Recording   bool      `json:"recording"`
	Conference  string    `json:"conference,omitempty"`
	Cause       string    `json:"cause,omitempty"`
	Seq         uint64    `json:"seq"`
	CreatedAt   time.Time `json:"created_at"`
	AnsweredAt  time.Time `json:"answered_at,omitzero"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
}

// Features performs PBX-side call features. The app wires an AMI-backed
// implementation.
type Features interface {
	JoinConference(ctx context.Context, call Info, conference string) error
	LeaveConference(ctx context.Context, call Info, conference string) error
	StartRecording(ctx context.Context, call Info) error
	StopRecording(ctx context.Context, call Info) error
}

// MediaRecoverer runs a bounded ICE restart for one call.
type MediaRecoverer interface {
	RecoverMedia(ctx context.Context, callID string, renegotiate func(ctx context.Context) error) error
}
