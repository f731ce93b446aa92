package process

import "time"

// DefaultTailLines is the number of stderr lines kept for diagnostics.
const DefaultTailLines = 50

// waitDelay bounds how long Wait keeps copying output after the process
// exits, in case a grandchild still holds the pipes open.
const waitDelay = 500 * time.Millisecond

// LineHandler receives one line of output without its trailing newline.
type LineHandler func(line string)

// Spec describes a process to start.
type Spec struct {
	// Name is a human-readable label used in logs.
	Name string

	// Path is the executable, resolved through PATH when it has no slash.
	Path string

	Args []string
	Dir  string

	// Env entries (KEY=VALUE) are appended to the supervisor's environment.
	Env []string

	// Stdout receives stdout lines. When nil, stdout is exposed as a raw
	// stream through Process.Stdout.
	Stdout LineHandler

	// Stderr receives stderr lines. The stderr tail is kept either way.
	Stderr LineHandler

	// TailLines overrides DefaultTailLines.
	TailLines int
}
