package event

import "time"

// Type identifies the kind of a debug event.
type Type string

// Debug event types.
const (
	// TypeStarted is published when a session's backend is up.
	TypeStarted Type = "started"

	// TypeStopped is published when the debuggee exits with a code while the
	// backend connection is still alive.
	TypeStopped Type = "stopped"

	// TypePaused is published when execution is suspended.
	TypePaused Type = "paused"

	// TypeResumed is published when execution continues.
	TypeResumed Type = "resumed"

	// TypeBreakpointHit is published after TypePaused when the pause was
	// correlated to a breakpoint.
	TypeBreakpointHit Type = "breakpoint-hit"

	// TypeException is published when the debuggee stops on an exception.
	TypeException Type = "exception"

	// TypeOutput carries debuggee or backend output.
	TypeOutput Type = "output"

	// TypeTerminated is the last event of every session.
	TypeTerminated Type = "terminated"
)

// AllTypes lists every event type in lifecycle order.
var AllTypes = []Type{
	TypeStarted, TypeStopped, TypePaused, TypeResumed,
	TypeBreakpointHit, TypeException, TypeOutput, TypeTerminated,
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is a single occurrence in a debug session.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId"`
	Payload   any       `json:"payload,omitempty"`
	Time      time.Time `json:"time"`

	// Seq is assigned by the bus and increases by one per published event.
	Seq uint64 `json:"seq"`
}

// Filter selects the events delivered to a subscription. Zero fields match
// everything.
type Filter struct {
	SessionID string
	Types     []Type
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev Event) bool {
	if f.SessionID != "" && f.SessionID != ev.SessionID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == ev.Type {
			return true
		}
	}
	return false
}
