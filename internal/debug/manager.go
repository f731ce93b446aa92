package debug

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/debugd/internal/event"
	"github.com/dshills/debugd/internal/logflags"
	"github.com/dshills/debugd/internal/process"
)

// Default manager settings.
const (
	DefaultTimeout   = 10 * time.Second
	DefaultStopGrace = 2 * time.Second
)

// Manager owns the session table and exposes every session operation.
// Operations on different sessions never block each other.
type Manager struct {
	factory AdapterFactory
	bus     *event.Bus
	procs   *processTable
	log     *logrus.Entry

	mu       sync.RWMutex
	sessions map[string]*Session

	timeout     atomic.Int64
	grace       atomic.Int64
	maxSessions atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout sets the default wait bound for sessions whose launch
// configuration has no timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout.Store(int64(d))
		}
	}
}

// WithStopGrace sets how long a backend process gets between SIGTERM and
// SIGKILL.
func WithStopGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.grace.Store(int64(d))
		}
	}
}

// WithMaxSessions limits live sessions; 0 means unlimited.
func WithMaxSessions(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxSessions.Store(int64(n))
		}
	}
}

// WithBus publishes events on b instead of a private bus.
func WithBus(b *event.Bus) Option {
	return func(m *Manager) {
		m.bus = b
	}
}

// NewManager creates a manager that builds adapters with factory.
func NewManager(factory AdapterFactory, opts ...Option) *Manager {
	m := &Manager{
		factory:  factory,
		sessions: make(map[string]*Session),
		log:      logflags.SessionLogger(),
	}
	m.timeout.Store(int64(DefaultTimeout))
	m.grace.Store(int64(DefaultStopGrace))
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = event.NewBus()
	}
	m.procs = newProcessTable()
	return m
}

// Configure updates the defaults applied to sessions created afterwards.
func (m *Manager) Configure(timeout, grace time.Duration, maxSessions int) {
	WithTimeout(timeout)(m)
	WithStopGrace(grace)(m)
	WithMaxSessions(maxSessions)(m)
}

func (m *Manager) defaultTimeout() time.Duration {
	return time.Duration(m.timeout.Load())
}

func (m *Manager) stopGrace() time.Duration {
	return time.Duration(m.grace.Load())
}

// Events returns the bus sessions publish on.
func (m *Manager) Events() *event.Bus {
	return m.bus
}

// Subscribe registers a subscription for session events.
func (m *Manager) Subscribe(f event.Filter) (*event.Subscription, error) {
	return m.bus.Subscribe(f)
}

func (m *Manager) session(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// CreateSession validates cfg for kind and adds a stopped session.
func (m *Manager) CreateSession(name string, kind Kind, cfg LaunchConfig) (SessionInfo, error) {
	if !kind.Valid() {
		return SessionInfo{}, fmt.Errorf("%w: unknown backend kind %q", ErrInvalidConfig, kind)
	}
	if !m.factory.Supports(kind) {
		return SessionInfo{}, fmt.Errorf("%w: no adapter for backend kind %q", ErrInvalidConfig, kind)
	}
	if err := cfg.Validate(kind.Mode()); err != nil {
		return SessionInfo{}, err
	}

	id := uuid.NewString()
	if name == "" {
		name = string(kind) + "-" + id[:8]
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if max := int(m.maxSessions.Load()); max > 0 && m.liveLocked() >= max {
		return SessionInfo{}, fmt.Errorf("%w: session limit %d reached", ErrInvalidConfig, max)
	}
	s := newSession(id, name, kind, cfg.Clone(), m)
	m.sessions[id] = s

	m.log.WithFields(logrus.Fields{"session": id, "kind": kind, "name": name}).Debug("session created")
	return s.Info(), nil
}

func (m *Manager) liveLocked() int {
	n := 0
	for _, s := range m.sessions {
		if s.State() != StateTerminated {
			n++
		}
	}
	return n
}

// Start launches the session's backend.
func (m *Manager) Start(ctx context.Context, id string) (State, error) {
	s, err := m.session(id)
	if err != nil {
		return StateStopped, err
	}
	return s.Start(ctx)
}

// Stop terminates a session. Stopping a terminated session is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	return s.Stop(ctx)
}

// Pause suspends a running session.
func (m *Manager) Pause(ctx context.Context, id string) (State, error) {
	s, err := m.session(id)
	if err != nil {
		return StateStopped, err
	}
	return s.Pause(ctx)
}

// Resume continues a paused session.
func (m *Manager) Resume(ctx context.Context, id string) (State, error) {
	s, err := m.session(id)
	if err != nil {
		return StateStopped, err
	}
	return s.Resume(ctx)
}

// StepOver steps over the current line.
func (m *Manager) StepOver(ctx context.Context, id string) (State, error) {
	s, err := m.session(id)
	if err != nil {
		return StateStopped, err
	}
	return s.StepOver(ctx)
}

// StepInto steps into the current call.
func (m *Manager) StepInto(ctx context.Context, id string) (State, error) {
	s, err := m.session(id)
	if err != nil {
		return StateStopped, err
	}
	return s.StepInto(ctx)
}

// StepOut finishes the current function.
func (m *Manager) StepOut(ctx context.Context, id string) (State, error) {
	s, err := m.session(id)
	if err != nil {
		return StateStopped, err
	}
	return s.StepOut(ctx)
}

// Continue runs until the next pause or the end of the session.
func (m *Manager) Continue(ctx context.Context, id string) (State, error) {
	s, err := m.session(id)
	if err != nil {
		return StateStopped, err
	}
	return s.Continue(ctx)
}

// AddBreakpoint adds a breakpoint to a session.
func (m *Manager) AddBreakpoint(ctx context.Context, id string, spec BreakpointSpec) (Breakpoint, error) {
	s, err := m.session(id)
	if err != nil {
		return Breakpoint{}, err
	}
	return s.AddBreakpoint(ctx, spec)
}

// RemoveBreakpoint removes a breakpoint from a session.
func (m *Manager) RemoveBreakpoint(ctx context.Context, id string, bpID int) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	return s.RemoveBreakpoint(ctx, bpID)
}

// UpdateBreakpoint changes a breakpoint of a session.
func (m *Manager) UpdateBreakpoint(ctx context.Context, id string, bpID int, upd BreakpointUpdate) (Breakpoint, error) {
	s, err := m.session(id)
	if err != nil {
		return Breakpoint{}, err
	}
	return s.UpdateBreakpoint(ctx, bpID, upd)
}

// EvaluateExpression evaluates expr in a frame of a paused session.
func (m *Manager) EvaluateExpression(ctx context.Context, id string, frameID int, expr string) (Value, error) {
	s, err := m.session(id)
	if err != nil {
		return Value{}, err
	}
	return s.Evaluate(ctx, frameID, expr)
}

// GetVariables returns the variables of a frame; frameID 0 is the current
// frame.
func (m *Manager) GetVariables(id string, frameID int) ([]Variable, error) {
	s, err := m.session(id)
	if err != nil {
		return nil, err
	}
	return s.Variables(frameID)
}

// GetCallStack returns the current call stack.
func (m *Manager) GetCallStack(id string) ([]CallFrame, error) {
	s, err := m.session(id)
	if err != nil {
		return nil, err
	}
	return s.CallStack()
}

// SetCurrentFrame selects the current frame of a paused session.
func (m *Manager) SetCurrentFrame(id string, frameID int) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	return s.SetCurrentFrame(frameID)
}

// GetSession returns a snapshot of one session.
func (m *Manager) GetSession(id string) (SessionInfo, error) {
	s, err := m.session(id)
	if err != nil {
		return SessionInfo{}, err
	}
	return s.Info(), nil
}

// GetAllSessions returns snapshots of every session, oldest first.
func (m *Manager) GetAllSessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]SessionInfo, len(sessions))
	for i, s := range sessions {
		out[i] = s.Info()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Cleanup stops every session in parallel and empties the session table.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			return s.Stop(gctx)
		})
	}
	err := g.Wait()
	m.log.WithField("sessions", len(sessions)).Debug("cleanup")
	return err
}

// Close runs Cleanup, stops any remaining processes and closes the bus.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Cleanup(ctx)
	m.procs.shutdown(m.stopGrace())
	m.bus.Close()
	return err
}

// processTable maps supervised processes to the sessions that own them.
type processTable struct {
	sup *process.Supervisor

	mu     sync.Mutex
	owners map[string]*Session
}

func newProcessTable() *processTable {
	t := &processTable{owners: make(map[string]*Session)}
	t.sup = process.NewSupervisor(process.WithProcessExitCallback(t.exited))
	return t
}

// spawn starts a process for s. Ownership is recorded before the process
// starts so an immediate exit is still attributed.
func (t *processTable) spawn(s *Session, spec process.Spec) (*process.Process, error) {
	id := uuid.NewString()
	t.mu.Lock()
	t.owners[id] = s
	t.mu.Unlock()

	proc, err := t.sup.StartWithID(id, spec)
	if err != nil {
		t.release(id)
		return nil, err
	}
	return proc, nil
}

func (t *processTable) release(id string) {
	t.mu.Lock()
	delete(t.owners, id)
	t.mu.Unlock()
}

func (t *processTable) stop(id string, grace time.Duration) error {
	return t.sup.Stop(id, grace)
}

func (t *processTable) shutdown(grace time.Duration) {
	t.sup.Shutdown(grace)
}

func (t *processTable) exited(p *process.Process) {
	t.mu.Lock()
	s := t.owners[p.ID()]
	delete(t.owners, p.ID())
	t.mu.Unlock()
	if s != nil {
		s.processExited(p)
	}
}
