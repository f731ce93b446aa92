package process

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dshills/debugd/internal/logflags"
)

// Supervisor starts and owns child processes.
//
// Supervisor is safe for concurrent use.
type Supervisor struct {
	mu        sync.RWMutex
	processes map[string]*Process

	closed atomic.Bool

	// maxProcesses limits concurrent processes (0 = unlimited)
	maxProcesses int

	onProcessExit func(p *Process)

	log *logrus.Entry
}

// SupervisorOption configures a Supervisor instance.
type SupervisorOption func(*Supervisor)

// WithMaxProcesses sets the maximum number of concurrent processes.
// A value of 0 (default) means unlimited.
func WithMaxProcesses(max int) SupervisorOption {
	return func(s *Supervisor) {
		s.maxProcesses = max
	}
}

// WithProcessExitCallback sets a callback run after each process exits.
// The process is no longer tracked when the callback runs.
func WithProcessExitCallback(fn func(p *Process)) SupervisorOption {
	return func(s *Supervisor) {
		s.onProcessExit = fn
	}
}

// NewSupervisor creates a new process supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		processes: make(map[string]*Process),
		log:       logflags.ProcessLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts a process with a generated id.
func (s *Supervisor) Start(spec Spec) (*Process, error) {
	return s.StartWithID(uuid.NewString(), spec)
}

// StartWithID starts a process with the given id.
func (s *Supervisor) StartWithID(id string, spec Spec) (*Process, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("start process: empty path")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrSupervisorShutdown
	}
	if s.maxProcesses > 0 && len(s.processes) >= s.maxProcesses {
		return nil, fmt.Errorf("process limit reached: %d", s.maxProcesses)
	}
	if _, exists := s.processes[id]; exists {
		return nil, fmt.Errorf("process ID already exists: %s", id)
	}

	proc := newProcess(id, spec)
	if err := proc.start(); err != nil {
		return nil, err
	}
	s.processes[id] = proc

	s.log.WithFields(logrus.Fields{
		"id":   id,
		"name": proc.name,
		"pid":  proc.PID(),
		"args": spec.Args,
	}).Debug("process started")

	go s.monitorProcess(proc)
	return proc, nil
}

func (s *Supervisor) monitorProcess(proc *Process) {
	<-proc.Done()

	s.mu.Lock()
	delete(s.processes, proc.id)
	s.mu.Unlock()

	entry := s.log.WithFields(logrus.Fields{
		"id":        proc.id,
		"name":      proc.name,
		"exit":      proc.ExitCode(),
		"state":     proc.State(),
		"requested": proc.Requested(),
	})
	if proc.Requested() {
		entry.Debug("process stopped")
	} else {
		entry.Debug("process exited")
	}

	if s.onProcessExit != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.WithField("id", proc.id).Errorf("exit callback panic: %v", r)
				}
			}()
			s.onProcessExit(proc)
		}()
	}
}

// Get returns a tracked process, or nil.
func (s *Supervisor) Get(id string) *Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processes[id]
}

// List returns all tracked processes.
func (s *Supervisor) List() []*Process {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		result = append(result, p)
	}
	return result
}

// Count returns the number of tracked processes.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.processes)
}

// Write writes p to the stdin of process id.
func (s *Supervisor) Write(id string, p []byte) (int, error) {
	proc := s.Get(id)
	if proc == nil {
		return 0, ErrProcessNotFound
	}
	return proc.Write(p)
}

// Kill sends SIGKILL to process id. Killing an exited process is a no-op.
// Unlike Stop, the exit is not marked as requested, so owners treat it as a
// crash.
func (s *Supervisor) Kill(id string) error {
	proc := s.Get(id)
	if proc == nil {
		return ErrProcessNotFound
	}
	if !proc.IsRunning() {
		return nil
	}
	return proc.signal(syscall.SIGKILL)
}

// Stop sends SIGTERM to process id, waits up to grace for it to exit, then
// sends SIGKILL. It returns once the process has exited. Stopping an
// untracked process is a no-op.
func (s *Supervisor) Stop(id string, grace time.Duration) error {
	proc := s.Get(id)
	if proc == nil {
		return nil
	}
	return s.stop(proc, grace)
}

func (s *Supervisor) stop(proc *Process, grace time.Duration) error {
	proc.requested.Store(true)
	if !proc.IsRunning() {
		<-proc.Done()
		return nil
	}

	if grace > 0 {
		if err := proc.signal(syscall.SIGTERM); err != nil && !errors.Is(err, ErrProcessNotRunning) {
			return fmt.Errorf("terminate %s: %w", proc.name, err)
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-proc.Done():
			return nil
		case <-timer.C:
			s.log.WithField("id", proc.id).Warn("process ignored SIGTERM, killing")
		}
	}

	if err := proc.signal(syscall.SIGKILL); err != nil && !errors.Is(err, ErrProcessNotRunning) {
		return fmt.Errorf("kill %s: %w", proc.name, err)
	}
	<-proc.Done()
	return nil
}

// Shutdown stops every tracked process with the given grace period and
// rejects further starts. It blocks until all processes have exited.
func (s *Supervisor) Shutdown(grace time.Duration) {
	if s.closed.Swap(true) {
		return
	}

	procs := s.List()
	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			if err := s.stop(p, grace); err != nil {
				s.log.WithField("id", p.id).Warnf("shutdown: %v", err)
			}
		}(p)
	}
	wg.Wait()
}

// IsShuttingDown reports whether Shutdown has been called.
func (s *Supervisor) IsShuttingDown() bool {
	return s.closed.Load()
}
