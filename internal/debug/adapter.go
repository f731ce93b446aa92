package debug

import (
	"context"
	"io"
)

// Adapter drives one backend for one session. The session calls at most one
// command method at a time; Close may be called concurrently with any of
// them and must make them return.
type Adapter interface {
	// Capabilities is valid after Launch returns.
	Capabilities() Capabilities

	// Launch starts or attaches to the backend, spawning processes through
	// host, and registers the initial breakpoints. Results are returned in
	// the order of bps.
	Launch(ctx context.Context, host Host, cfg LaunchConfig, bps []BreakpointRequest) ([]BreakpointResult, error)

	// SetBreakpoint registers bp, replacing any earlier registration with
	// the same ID.
	SetBreakpoint(ctx context.Context, bp BreakpointRequest) (BreakpointResult, error)

	// RemoveBreakpoint drops the registration for breakpoint id.
	RemoveBreakpoint(ctx context.Context, id int) error

	// Execution control. Each returns once the backend has accepted the
	// command; the resulting state change arrives on Events. A Resumed
	// event must precede the next Paused event.
	Continue(ctx context.Context) error
	Next(ctx context.Context) error
	StepIn(ctx context.Context) error
	StepOut(ctx context.Context) error
	Pause(ctx context.Context) error

	// Evaluate evaluates expr in the frame identified by frameRef.
	Evaluate(ctx context.Context, frameRef, expr string) (Value, error)

	// Events delivers backend events in arrival order. The adapter closes
	// the channel when the backend is gone.
	Events() <-chan BackendEvent

	// Close disconnects from the backend and closes Events.
	Close(ctx context.Context) error
}

// AdapterFactory creates adapters by kind.
type AdapterFactory interface {
	Supports(kind Kind) bool
	NewAdapter(kind Kind) (Adapter, error)
}

// Capabilities describes the optional features a backend offers.
type Capabilities struct {
	ConditionalBreakpoints bool `json:"conditionalBreakpoints"`
	Columns                bool `json:"columns"`
	Pause                  bool `json:"pause"`
	Evaluate               bool `json:"evaluate"`
	StopOnEntry            bool `json:"stopOnEntry"`
}

// BreakpointRequest asks a backend to register a breakpoint.
type BreakpointRequest struct {
	ID        int
	File      string
	Line      int
	Column    int
	Condition string
}

// BreakpointResult is a backend's answer to a BreakpointRequest.
type BreakpointResult struct {
	ID int

	// Ref is the backend's own breakpoint id, used to correlate hits.
	Ref string

	Verified bool

	// Line is the line the backend bound to, or 0.
	Line int

	Warnings []string
}

// BackendEventKind classifies a BackendEvent.
type BackendEventKind int

// Backend event kinds.
const (
	BackendPaused BackendEventKind = iota
	BackendResumed
	BackendOutput
	BackendExited
	BackendTerminated
	BackendBreakpointChanged
)

func (k BackendEventKind) String() string {
	switch k {
	case BackendPaused:
		return "paused"
	case BackendResumed:
		return "resumed"
	case BackendOutput:
		return "output"
	case BackendExited:
		return "exited"
	case BackendTerminated:
		return "terminated"
	case BackendBreakpointChanged:
		return "breakpoint-changed"
	default:
		return "unknown"
	}
}

// Pause reasons reported by adapters.
const (
	ReasonEntry      = "entry"
	ReasonBreakpoint = "breakpoint"
	ReasonStep       = "step"
	ReasonPause      = "pause"
	ReasonException  = "exception"
)

// BackendFrame is a frame as reported by a backend.
type BackendFrame struct {
	// Ref identifies the frame to the backend for Evaluate.
	Ref       string
	Name      string
	Location  Location
	Variables []Variable
}

// BackendEvent is a normalized backend notification.
type BackendEvent struct {
	Kind BackendEventKind

	// Paused.
	Reason  string
	Frames  []BackendFrame
	HitRefs []string

	// Text is the exception description for Paused, or the output for
	// Output.
	Text     string
	Category string

	// Exited.
	ExitCode int

	// BreakpointChanged.
	Breakpoint BreakpointResult
}

// Host spawns processes on behalf of an adapter. The spawned process
// belongs to the session; adapters get a view that cannot kill it.
type Host interface {
	Spawn(ctx context.Context, spec ProcessSpec) (Process, error)
}

// ProcessSpec describes a backend process.
type ProcessSpec struct {
	Name string
	Path string
	Args []string
	Dir  string

	// Env entries (KEY=VALUE) extend the inherited environment.
	Env []string

	// Stdout receives stdout lines. When nil the raw stream is available
	// from Process.Stdout.
	Stdout func(line string)

	// Stderr receives stderr lines.
	Stderr func(line string)
}

// Process is an adapter's view of its backend process.
type Process interface {
	ID() string
	PID() int
	Write(p []byte) (int, error)
	Stdout() (io.Reader, error)
	Done() <-chan struct{}
	ExitCode() int
	StderrTail() string
}
