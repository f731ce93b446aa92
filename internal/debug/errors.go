package debug

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by Manager operations. Wrapped errors match them
// with errors.Is.
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrInvalidConfig        = errors.New("invalid launch configuration")
	ErrInvalidState         = errors.New("invalid session state")
	ErrSessionBusy          = errors.New("session busy")
	ErrBackendLaunchFailure = errors.New("backend launch failure")
	ErrProtocolTimeout      = errors.New("protocol timeout")
	ErrBreakpointNotFound   = errors.New("breakpoint not found")
	ErrInvalidFrame         = errors.New("invalid frame")

	// ErrBackendUnsupported marks a capability the backend does not offer.
	// It is normally reported as a warning, see Unsupported.
	ErrBackendUnsupported = errors.New("backend unsupported")
)

// Unsupported formats a BackendUnsupported warning for feature.
func Unsupported(feature string) string {
	return feature + ": " + ErrBackendUnsupported.Error()
}

// StateError reports an operation that is illegal in the session's current
// state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: not allowed in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// LaunchError reports a backend that failed to start.
type LaunchError struct {
	Kind Kind

	// Stderr is the tail of the backend's stderr, if a process was spawned.
	Stderr string

	// ExitCode is the backend process exit code, or -1 if it did not exit
	// or no process was spawned.
	ExitCode int

	Err error
}

func (e *LaunchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s backend failed to start", e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.ExitCode >= 0 {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if last := lastLine(e.Stderr); last != "" {
		fmt.Fprintf(&b, ": %s", last)
	}
	return b.String()
}

// Unwrap returns both the launch failure sentinel and the cause.
func (e *LaunchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBackendLaunchFailure}
	}
	return []error{ErrBackendLaunchFailure, e.Err}
}

// CommandError reports a command the backend refused. Message is a single
// sanitized line; raw backend text never reaches callers.
type CommandError struct {
	Op      string
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: backend refused: %s", e.Op, e.Message)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// commandError wraps a backend error for op.
func commandError(op string, err error) error {
	return &CommandError{Op: op, Message: sanitize(err.Error()), Err: err}
}

const maxMessage = 200

// sanitize reduces backend text to one bounded line.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s)
	if len(s) > maxMessage {
		s = s[:maxMessage] + "..."
	}
	return s
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return sanitize(s)
}
