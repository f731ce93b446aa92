package dap

import "github.com/google/go-dap"

// Protocol types reused from go-dap.
type (
	Capabilities        = dap.Capabilities
	Source              = dap.Source
	SourceBreakpoint    = dap.SourceBreakpoint
	Scope               = dap.Scope
	Variable            = dap.Variable
	OutputEventBody     = dap.OutputEventBody
	ExitedEventBody     = dap.ExitedEventBody
	ThreadArguments     = dap.ContinueArguments
	ScopesArguments     = dap.ScopesArguments
	VariablesArguments  = dap.VariablesArguments
	EvaluateArguments   = dap.EvaluateArguments
	DisconnectArguments = dap.DisconnectArguments
)

// InitializeArguments are the initialize request arguments, including the
// startDebugging capability used by adapters that spawn child sessions.
type InitializeArguments struct {
	dap.InitializeRequestArguments
	SupportsStartDebuggingRequest bool `json:"supportsStartDebuggingRequest"`
}

// StoppedEventBody is the body of a stopped event.
type StoppedEventBody struct {
	Reason            string `json:"reason"`
	Description       string `json:"description,omitempty"`
	ThreadID          int    `json:"threadId,omitempty"`
	Text              string `json:"text,omitempty"`
	AllThreadsStopped bool   `json:"allThreadsStopped,omitempty"`
	HitBreakpointIDs  []int  `json:"hitBreakpointIds,omitempty"`
}

// ThreadEventBody is the body of a thread event.
type ThreadEventBody struct {
	Reason   string `json:"reason"`
	ThreadID int    `json:"threadId"`
}

// Thread is one entry of a threads response.
type Thread struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ThreadsBody is the body of a threads response.
type ThreadsBody struct {
	Threads []Thread `json:"threads"`
}

// StackTraceArguments are the arguments of a stackTrace request.
type StackTraceArguments struct {
	ThreadID   int `json:"threadId"`
	StartFrame int `json:"startFrame,omitempty"`
	Levels     int `json:"levels,omitempty"`
}

// StackFrame is one frame of a stackTrace response.
type StackFrame struct {
	ID     int     `json:"id"`
	Name   string  `json:"name"`
	Source *Source `json:"source,omitempty"`
	Line   int     `json:"line"`
	Column int     `json:"column"`
}

// StackTraceBody is the body of a stackTrace response.
type StackTraceBody struct {
	StackFrames []StackFrame `json:"stackFrames"`
	TotalFrames int          `json:"totalFrames,omitempty"`
}

// ScopesBody is the body of a scopes response.
type ScopesBody struct {
	Scopes []Scope `json:"scopes"`
}

// VariablesBody is the body of a variables response.
type VariablesBody struct {
	Variables []Variable `json:"variables"`
}

// SetBreakpointsArguments are the arguments of a setBreakpoints request.
type SetBreakpointsArguments struct {
	Source      Source             `json:"source"`
	Breakpoints []SourceBreakpoint `json:"breakpoints"`
}

// Breakpoint is a breakpoint as reported by the adapter.
type Breakpoint struct {
	ID       int     `json:"id,omitempty"`
	Verified bool    `json:"verified"`
	Message  string  `json:"message,omitempty"`
	Source   *Source `json:"source,omitempty"`
	Line     int     `json:"line,omitempty"`
	Column   int     `json:"column,omitempty"`
}

// SetBreakpointsBody is the body of a setBreakpoints response.
type SetBreakpointsBody struct {
	Breakpoints []Breakpoint `json:"breakpoints"`
}

// BreakpointEventBody is the body of a breakpoint event.
type BreakpointEventBody struct {
	Reason     string     `json:"reason"`
	Breakpoint Breakpoint `json:"breakpoint"`
}

// EvaluateBody is the body of an evaluate response.
type EvaluateBody struct {
	Result string `json:"result"`
	Type   string `json:"type,omitempty"`
}

// StartDebuggingArguments are the arguments of a startDebugging reverse
// request.
type StartDebuggingArguments struct {
	Configuration map[string]any `json:"configuration"`
	Request       string         `json:"request"`
}

// NewInitializeArguments returns initialize arguments for a client using
// 1-based lines and columns and native paths.
func NewInitializeArguments(adapterID string) InitializeArguments {
	return InitializeArguments{
		InitializeRequestArguments: dap.InitializeRequestArguments{
			ClientID:             "debugd",
			ClientName:           "debugd",
			AdapterID:            adapterID,
			Locale:               "en",
			LinesStartAt1:        true,
			ColumnsStartAt1:      true,
			PathFormat:           "path",
			SupportsVariableType: true,
		},
		SupportsStartDebuggingRequest: true,
	}
}
