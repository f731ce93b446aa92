package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// State represents the state of a process.
type State int

const (
	// StateCreated indicates the process has been created but not started.
	StateCreated State = iota
	// StateRunning indicates the process is currently running.
	StateRunning
	// StateExited indicates the process has exited on its own.
	StateExited
	// StateKilled indicates the process was terminated by a signal.
	StateKilled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Sentinel errors for the process package.
var (
	// ErrProcessNotFound is returned for unknown process ids.
	ErrProcessNotFound = errors.New("process not found")

	// ErrProcessNotRunning is returned when a running process is required.
	ErrProcessNotRunning = errors.New("process not running")

	// ErrProcessAlreadyStarted is returned when starting a process twice.
	ErrProcessAlreadyStarted = errors.New("process already started")

	// ErrSupervisorShutdown is returned by Start after Shutdown.
	ErrSupervisorShutdown = errors.New("supervisor is shutting down")

	// ErrNoStdout is returned by Stdout when output is line-handled.
	ErrNoStdout = errors.New("stdout is consumed by a line handler")
)

// Process is a supervised child process.
//
// Process exposes no way to signal the child; only the Supervisor that
// started it can stop or kill it.
type Process struct {
	id      string
	name    string
	cmd     *exec.Cmd
	started time.Time

	stdin  io.WriteCloser
	stdout io.ReadCloser

	outWriter *lineWriter
	errWriter *lineWriter
	tail      *tailBuffer

	done      chan struct{}
	state     atomic.Int32
	exitCode  atomic.Int32
	requested atomic.Bool

	mu      sync.RWMutex
	exitErr error

	stdinMu sync.Mutex
}

func newProcess(id string, spec Spec) *Process {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.WaitDelay = waitDelay

	p := &Process{
		id:   id,
		name: spec.Name,
		cmd:  cmd,
		tail: newTailBuffer(spec.TailLines),
		done: make(chan struct{}),
	}
	if p.name == "" {
		p.name = spec.Path
	}
	p.state.Store(int32(StateCreated))
	p.exitCode.Store(-1)

	p.errWriter = &lineWriter{handler: spec.Stderr, tail: p.tail}
	cmd.Stderr = p.errWriter
	if spec.Stdout != nil {
		p.outWriter = &lineWriter{handler: spec.Stdout}
		cmd.Stdout = p.outWriter
	}
	return p
}

// ID returns the supervisor-assigned identifier.
func (p *Process) ID() string { return p.id }

// Name returns the label from the Spec.
func (p *Process) Name() string { return p.name }

// State returns the current process state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// IsRunning reports whether the process has started and not exited.
func (p *Process) IsRunning() bool {
	return p.State() == StateRunning
}

// PID returns the OS process id, or -1 if not started.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Started returns the start time.
func (p *Process) Started() time.Time { return p.started }

// Done returns a channel that is closed when the process exits and its
// output has been flushed to the handlers.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code, or -1 if the process has not exited or
// was killed by a signal.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitError returns the error from waiting on the process.
func (p *Process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Requested reports whether the exit was caused by Supervisor.Stop or
// Shutdown rather than by the process itself or a kill.
func (p *Process) Requested() bool {
	return p.requested.Load()
}

// StderrTail returns the last stderr lines joined by newlines.
func (p *Process) StderrTail() string {
	return p.tail.String()
}

// Stdout returns the raw stdout stream. It fails when the Spec installed a
// stdout line handler.
func (p *Process) Stdout() (io.Reader, error) {
	if p.stdout == nil {
		return nil, ErrNoStdout
	}
	return p.stdout, nil
}

// Write writes to the process's stdin.
func (p *Process) Write(b []byte) (int, error) {
	if !p.IsRunning() {
		return 0, ErrProcessNotRunning
	}
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	return p.stdin.Write(b)
}

// CloseStdin closes the stdin pipe.
func (p *Process) CloseStdin() error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	return p.stdin.Close()
}

func (p *Process) start() error {
	if p.State() != StateCreated {
		return ErrProcessAlreadyStarted
	}

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	p.stdin = stdin
	if p.cmd.Stdout == nil {
		stdout, err := p.cmd.StdoutPipe()
		if err != nil {
			_ = stdin.Close()
			return fmt.Errorf("create stdout pipe: %w", err)
		}
		p.stdout = stdout
	}

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.name, err)
	}

	p.started = time.Now()
	p.state.Store(int32(StateRunning))
	go p.waitLoop()
	return nil
}

func (p *Process) waitLoop() {
	err := p.cmd.Wait()

	p.errWriter.flush()
	if p.outWriter != nil {
		p.outWriter.flush()
	}

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()

	exitCode := 0
	state := StateExited
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				state = StateKilled
			}
		} else {
			exitCode = -1
		}
	}

	p.exitCode.Store(int32(exitCode))
	p.state.Store(int32(state))
	close(p.done)
}

func (p *Process) signal(sig os.Signal) error {
	if !p.IsRunning() || p.cmd.Process == nil {
		return ErrProcessNotRunning
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}
	return nil
}
