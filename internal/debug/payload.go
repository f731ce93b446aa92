package debug

// Event payloads published on the event bus.

// StartedPayload accompanies a started event.
type StartedPayload struct {
	Kind         Kind         `json:"kind"`
	Name         string       `json:"name"`
	Mode         Mode         `json:"mode"`
	Capabilities Capabilities `json:"capabilities"`
}

// PausedPayload accompanies a paused event.
type PausedPayload struct {
	Reason   string   `json:"reason"`
	FrameID  int      `json:"frameId,omitempty"`
	Location Location `json:"location"`
	Frames   int      `json:"frames"`
}

// BreakpointHitPayload accompanies a breakpoint-hit event.
type BreakpointHitPayload struct {
	Breakpoint Breakpoint `json:"breakpoint"`
	FrameID    int        `json:"frameId,omitempty"`
}

// ExceptionPayload accompanies an exception event.
type ExceptionPayload struct {
	Description string   `json:"description"`
	Location    Location `json:"location"`
}

// OutputPayload accompanies an output event.
type OutputPayload struct {
	Category string `json:"category"`
	Output   string `json:"output"`
}

// StoppedPayload accompanies a stopped event: the debuggee exited while the
// backend was still connected.
type StoppedPayload struct {
	ExitCode int `json:"exitCode"`
}

// TerminatedPayload accompanies the final event of a session.
type TerminatedPayload struct {
	Reason   string `json:"reason"`
	ExitCode int    `json:"exitCode"`
	Crashed  bool   `json:"crashed"`
}
