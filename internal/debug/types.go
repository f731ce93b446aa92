package debug

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Kind selects a backend.
type Kind string

// Backend kinds.
const (
	// KindManaged is a managed-runtime debugger (Node.js through js-debug).
	KindManaged Kind = "managed"
	// KindScript is a scripting-language debugger (Python through debugpy).
	KindScript Kind = "script"
	// KindChrome is a devtools-protocol browser target reached by host+port.
	KindChrome Kind = "chrome"
	// KindInspector is a devtools-protocol runtime launched with --inspect-brk.
	KindInspector Kind = "inspector"
	// KindCustom is a JSON-lines backend speaking over stdio.
	KindCustom Kind = "custom"
)

// Kinds returns every backend kind.
func Kinds() []Kind {
	return []Kind{KindManaged, KindScript, KindChrome, KindInspector, KindCustom}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindManaged, KindScript, KindChrome, KindInspector, KindCustom:
		return true
	}
	return false
}

// Mode returns how sessions of this kind reach their backend.
func (k Kind) Mode() Mode {
	if k == KindChrome {
		return ModeAttach
	}
	return ModeLaunch
}

// Mode is launch or attach.
type Mode string

// Modes.
const (
	ModeLaunch Mode = "launch"
	ModeAttach Mode = "attach"
)

// State is the lifecycle state of a session.
type State int

// Session states.
const (
	StateStopped State = iota
	StateRunning
	StatePaused
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// LaunchConfig describes how to launch or attach to a debuggee. A session
// keeps its own copy; the caller's value is never retained.
type LaunchConfig struct {
	Program     string            `json:"program,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	RuntimeArgs []string          `json:"runtimeArgs,omitempty"`
	Console     string            `json:"console,omitempty"`
	StopOnEntry bool              `json:"stopOnEntry,omitempty"`
	AutoAttach  bool              `json:"autoAttach,omitempty"`

	// Host and Port locate attach-mode backends. Launch-mode devtools
	// backends use Port as the inspector port when set.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// Timeout bounds every backend wait; zero uses the manager default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Clone returns a deep copy.
func (c LaunchConfig) Clone() LaunchConfig {
	out := c
	out.Args = append([]string(nil), c.Args...)
	out.RuntimeArgs = append([]string(nil), c.RuntimeArgs...)
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	return out
}

// EnvList returns Env as sorted KEY=VALUE entries.
func (c LaunchConfig) EnvList() []string {
	out := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Validate checks that c is complete for a backend in mode.
func (c LaunchConfig) Validate(mode Mode) error {
	if c.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	switch mode {
	case ModeLaunch:
		if strings.TrimSpace(c.Program) == "" {
			return fmt.Errorf("%w: program is required", ErrInvalidConfig)
		}
	case ModeAttach:
		if strings.TrimSpace(c.Host) == "" {
			return fmt.Errorf("%w: host is required", ErrInvalidConfig)
		}
		if c.Port == 0 {
			return fmt.Errorf("%w: port is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, mode)
	}
	return nil
}

// Location is a position in a source file. Line and Column are 1-based;
// Column 0 means unknown.
type Location struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

func (l Location) String() string {
	if l.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// sameFile reports whether a breakpoint file and a frame file name the same
// source. A relative breakpoint path matches any frame path ending in it.
func sameFile(bp, frame string) bool {
	if bp == "" || frame == "" {
		return false
	}
	bp = filepath.ToSlash(filepath.Clean(bp))
	frame = filepath.ToSlash(filepath.Clean(frame))
	if bp == frame {
		return true
	}
	if !strings.HasPrefix(bp, "/") {
		return strings.HasSuffix(frame, "/"+bp)
	}
	return false
}

// Breakpoint is a session-scoped breakpoint.
type Breakpoint struct {
	ID        int    `json:"id"`
	File      string `json:"file"`
	Line      int    `json:"line"`
	Column    int    `json:"column,omitempty"`
	Condition string `json:"condition,omitempty"`

	// HitCount only grows on confirmed backend hits.
	HitCount int  `json:"hitCount"`
	Enabled  bool `json:"enabled"`

	// Verified is set once the backend has bound the breakpoint.
	Verified bool `json:"verified"`

	// ActualLine is the line the backend bound to, when it differs.
	ActualLine int `json:"actualLine,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
}

func (b Breakpoint) clone() Breakpoint {
	b.Warnings = append([]string(nil), b.Warnings...)
	return b
}

// BreakpointSpec defines a new breakpoint.
type BreakpointSpec struct {
	File      string `json:"file"`
	Line      int    `json:"line"`
	Column    int    `json:"column,omitempty"`
	Condition string `json:"condition,omitempty"`
}

func (s BreakpointSpec) validate() error {
	if strings.TrimSpace(s.File) == "" {
		return fmt.Errorf("%w: breakpoint file is required", ErrInvalidConfig)
	}
	if s.Line < 1 {
		return fmt.Errorf("%w: breakpoint line must be >= 1", ErrInvalidConfig)
	}
	if s.Column < 0 {
		return fmt.Errorf("%w: breakpoint column must not be negative", ErrInvalidConfig)
	}
	return nil
}

// BreakpointUpdate changes the non-nil fields of a breakpoint.
type BreakpointUpdate struct {
	Condition *string `json:"condition,omitempty"`
	Enabled   *bool   `json:"enabled,omitempty"`
	Line      *int    `json:"line,omitempty"`
	Column    *int    `json:"column,omitempty"`
}

// Variable is a named value in a frame.
type Variable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`

	// Scope is the backend scope the variable came from, e.g. "Locals".
	Scope string `json:"scope,omitempty"`
}

// Value is the result of an evaluation.
type Value struct {
	Value    string   `json:"value"`
	Type     string   `json:"type,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// CallFrame is one frame of a paused call stack. IDs are unique within the
// session across every pause, so ids from an earlier pause never resolve.
type CallFrame struct {
	ID        int        `json:"id"`
	Name      string     `json:"name"`
	Location  Location   `json:"location"`
	Variables []Variable `json:"variables,omitempty"`
}

func (f CallFrame) clone() CallFrame {
	f.Variables = append([]Variable(nil), f.Variables...)
	return f
}

// SessionInfo is a point-in-time snapshot of a session.
type SessionInfo struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Kind         Kind         `json:"kind"`
	Config       LaunchConfig `json:"config"`
	State        State        `json:"state"`
	ProcessRef   string       `json:"processRef,omitempty"`
	ProcessAlive bool         `json:"processAlive"`
	Breakpoints  []Breakpoint `json:"breakpoints"`

	CurrentFrameID int `json:"currentFrameId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	EndedAt   time.Time `json:"endedAt,omitempty"`

	TerminationReason string `json:"terminationReason,omitempty"`
	ExitCode          int    `json:"exitCode,omitempty"`
	Crashed           bool   `json:"crashed,omitempty"`
}
