package session

import (
	"fmt"

	"github.com/looplab/fsm"
)

// CallState represents the lifecycle state of a call session
type CallState int

const (
	StateIdle CallState = iota
	StateDialing
	StateRinging
	StateEarlyMedia
	StateActive
	StateHeld
	StateTransferring
	StateRecovering
	StateEnded
)

var stateNames = map[CallState]string{
	StateIdle:         "Idle",
	StateDialing:      "Dialing",
	StateRinging:      "Ringing",
	StateEarlyMedia:   "EarlyMedia",
	StateActive:       "Active",
	StateHeld:         "Held",
	StateTransferring: "Transferring",
	StateRecovering:   "Recovering",
	StateEnded:        "Ended",
}

// String returns the string representation of the state
func (s CallState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", s)
}

// IsTerminal returns true if this is a terminal state
func (s CallState) IsTerminal() bool {
	return s == StateEnded
}

// IsEstablished reports whether media is flowing or parked (Active or Held).
func (s CallState) IsEstablished() bool {
	return s == StateActive || s == StateHeld
}

func parseState(name string) CallState {
	for s, n := range stateNames {
		if n == name {
			return s
		}
	}
	return StateIdle
}

// Direction indicates whether we initiated or received the call
type Direction int

const (
	DirectionOutbound Direction = iota
	DirectionInbound
)

// String returns the string representation of the direction
func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// State machine event names.
const (
	evDial          = "dial"
	evIncoming      = "incoming"
	evRing          = "ring"
	evEarlyMedia    = "early_media"
	evAnswer        = "answer"
	evHold          = "hold"
	evUnhold        = "unhold"
	evTransfer      = "transfer"
	evRecover       = "recover"
	evRestoreActive = "restore_active"
	evRestoreHeld   = "restore_held"
	evEnd           = "end"
)

func names(states ...CallState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.String()
	}
	return out
}

// transitions is the legal call state graph. Transferring and Recovering
// return to the state they were entered from, or end.
var transitions = fsm.Events{
	{Name: evDial, Src: names(StateIdle), Dst: StateDialing.String()},
	{Name: evIncoming, Src: names(StateIdle), Dst: StateRinging.String()},
	{Name: evRing, Src: names(StateDialing), Dst: StateRinging.String()},
	{Name: evEarlyMedia, Src: names(StateDialing, StateRinging), Dst: StateEarlyMedia.String()},
	{Name: evAnswer, Src: names(StateDialing, StateRinging, StateEarlyMedia), Dst: StateActive.String()},
	{Name: evHold, Src: names(StateActive), Dst: StateHeld.String()},
	{Name: evUnhold, Src: names(StateHeld), Dst: StateActive.String()},
	{Name: evTransfer, Src: names(StateActive, StateHeld), Dst: StateTransferring.String()},
	{Name: evRecover, Src: names(StateActive, StateHeld), Dst: StateRecovering.String()},
	{Name: evRestoreActive, Src: names(StateTransferring, StateRecovering), Dst: StateActive.String()},
	{Name: evRestoreHeld, Src: names(StateTransferring, StateRecovering), Dst: StateHeld.String()},
	{Name: evEnd, Src: names(
		StateIdle, StateDialing, StateRinging, StateEarlyMedia, StateActive,
		StateHeld, StateTransferring, StateRecovering,
	), Dst: StateEnded.String()},
}

// CanTransitionTo checks if the state graph has an edge from s to next.
func (s CallState) CanTransitionTo(next CallState) bool {
	for _, t := range transitions {
		if t.Dst != next.String() {
			continue
		}
		for _, src := range t.Src {
			if src == s.String() {
				return true
			}
		}
	}
	return false
}

// Operation names used in errors and logs.
const (
	OpDial            = "dial"
	OpAnswer          = "answer"
	OpHold            = "hold"
	OpUnhold          = "unhold"
	OpMute            = "mute"
	OpUnmute          = "unmute"
	OpSendDTMF        = "send_dtmf"
	OpTransfer        = "transfer"
	OpJoinConference  = "join_conference"
	OpLeaveConference = "leave_conference"
	OpStartRecording  = "start_recording"
	OpStopRecording   = "stop_recording"
	OpHangup          = "hangup"
)

// legalStates lists where each control operation is accepted. Hold on Held
// and Unhold on Active are accepted as no-ops.
var legalStates = map[string][]CallState{
	OpDial:            {StateIdle},
	OpAnswer:          {StateRinging, StateEarlyMedia},
	OpHold:            {StateActive, StateHeld},
	OpUnhold:          {StateActive, StateHeld},
	OpMute:            {StateActive, StateHeld},
	OpUnmute:          {StateActive, StateHeld},
	OpSendDTMF:        {StateActive},
	OpTransfer:        {StateActive, StateHeld},
	OpJoinConference:  {StateActive, StateHeld},
	OpLeaveConference: {StateActive, StateHeld},
	OpStartRecording:  {StateActive, StateHeld},
	OpStopRecording:   {StateActive, StateHeld},
}

// Allows reports whether op is accepted in state s.
func Allows(op string, s CallState) bool {
	if op == OpHangup {
		return true
	}
	for _, st := range legalStates[op] {
		if st == s {
			return true
		}
	}
	return false
}

// End causes.
const (
	CauseLocalHangup         = "LocalHangup"
	CauseRemoteHangup        = "RemoteHangup"
	CauseTransferred         = "Transferred"
	CauseDialFailed          = "DialFailed"
	CauseMediaRecoveryFailed = "MediaRecoveryFailed"
	CauseShutdown            = "Shutdown"
)
