// Package events defines the topics and payloads published on the event bus
// by the connection, recovery, call session and AMI components.
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a bus topic.
type EventType string

const (
	// ConnectionState fires on every connection state change.
	ConnectionState EventType = "connection.state"
	// ConnectionRecoveryExhausted fires once when reconnection gives up.
	ConnectionRecoveryExhausted EventType = "connection.recovery_exhausted"
	// ConnectionTransportFailure fires when the transport drops unexpectedly.
	ConnectionTransportFailure EventType = "connection.transport_failure"
	// CallState fires on every call session state change.
	CallState EventType = "call.state"
	// CallMediaRecoveryFailed fires when an ICE restart fails and the call is ended.
	CallMediaRecoveryFailed EventType = "call.media_recovery_failed"

	// AMIEventPrefix prefixes per-name AMI event topics.
	AMIEventPrefix = "ami.event."
	// AMIEventAll carries every AMI event regardless of name.
	AMIEventAll EventType = AMIEventPrefix + "*"
)

// AMIEventTopic returns the bus topic for an AMI event name. Names are
// matched case-insensitively, so the topic is always lower case.
func AMIEventTopic(name string) EventType {
	if name == "*" {
		return AMIEventAll
	}
	return EventType(AMIEventPrefix + strings.ToLower(name))
}

// Event is implemented by every payload in this package.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent contains fields common to all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	EventTime time.Time `json:"event_time"`
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.EventTime }

func newBase(t EventType) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: t,
		EventTime: time.Now().UTC(),
	}
}

// ConnectionStateChanged reports a transition of the signaling or AMI link.
type ConnectionStateChanged struct {
	BaseEvent
	URI     string `json:"uri"`
	From    string `json:"from"`
	To      string `json:"to"`
	Retries int    `json:"retries"`
	Error   string `json:"error,omitempty"`
}

// NewConnectionStateChanged builds a ConnectionStateChanged event.
func NewConnectionStateChanged(uri, from, to string, retries int, err error) *ConnectionStateChanged {
	ev := &ConnectionStateChanged{
		BaseEvent: newBase(ConnectionState),
		URI:       uri,
		From:      from,
		To:        to,
		Retries:   retries,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// TransportFailure reports an unexpected transport drop.
type TransportFailure struct {
	BaseEvent
	URI   string `json:"uri"`
	Error string `json:"error"`
}

// NewTransportFailure builds a TransportFailure event.
func NewTransportFailure(uri string, err error) *TransportFailure {
	ev := &TransportFailure{BaseEvent: newBase(ConnectionTransportFailure), URI: uri}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// RecoveryExhausted reports that reconnection stopped after MaxAttempts.
type RecoveryExhausted struct {
	BaseEvent
	URI       string `json:"uri"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// NewRecoveryExhausted builds a RecoveryExhausted event.
func NewRecoveryExhausted(uri string, attempts int, lastErr error) *RecoveryExhausted {
	ev := &RecoveryExhausted{
		BaseEvent: newBase(ConnectionRecoveryExhausted),
		URI:       uri,
		Attempts:  attempts,
	}
	if lastErr != nil {
		ev.LastError = lastErr.Error()
	}
	return ev
}

// CallStateChanged reports a call session transition. Seq increases by one
// per transition of the same session.
type CallStateChanged struct {
	BaseEvent
	CallID    string `json:"call_id"`
	Direction string `json:"direction"`
	From      string `json:"from"`
	To        string `json:"to"`
	Cause     string `json:"cause,omitempty"`
	Seq       uint64 `json:"seq"`
}

// NewCallStateChanged builds a CallStateChanged event.
func NewCallStateChanged(callID, direction, from, to, cause string, seq uint64) *CallStateChanged {
	return &CallStateChanged{
		BaseEvent: newBase(CallState),
		CallID:    callID,
		Direction: direction,
		From:      from,
		To:        to,
		Cause:     cause,
		Seq:       seq,
	}
}

// MediaRecoveryFailed reports a failed ICE restart.
type MediaRecoveryFailed struct {
	BaseEvent
	CallID string `json:"call_id"`
	Error  string `json:"error"`
}

// NewMediaRecoveryFailed builds a MediaRecoveryFailed event.
func NewMediaRecoveryFailed(callID string, err error) *MediaRecoveryFailed {
	ev := &MediaRecoveryFailed{BaseEvent: newBase(CallMediaRecoveryFailed), CallID: callID}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
