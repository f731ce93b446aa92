package debug

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dshills/debugd/internal/event"
	"github.com/dshills/debugd/internal/logflags"
	"github.com/dshills/debugd/internal/process"
)

// launchTailWait is how long a failed launch waits for the backend process
// to exit so its stderr tail and exit code can be reported.
const launchTailWait = 200 * time.Millisecond

// waiter is resolved by the event loop when the session reaches target or
// terminates.
type waiter struct {
	target State
	ch     chan State
}

// Session is one supervised debugging conversation.
//
// Execution commands (start, pause, resume, steps, continue, evaluate) hold
// a single command slot; a second concurrent command fails with
// ErrSessionBusy. Breakpoint changes are serialized separately so they can
// be made while a continue is waiting for the next pause.
type Session struct {
	id      string
	name    string
	kind    Kind
	cfg     LaunchConfig
	created time.Time

	factory AdapterFactory
	bus     *event.Bus
	procs   *processTable
	timeout time.Duration
	grace   time.Duration
	log     *logrus.Entry

	// ctx is canceled when termination begins; command contexts derive
	// from it so Stop interrupts every pending wait.
	ctx    context.Context
	cancel context.CancelFunc

	busy atomic.Bool
	bpMu sync.Mutex

	mu           sync.Mutex
	state        State
	stopping     bool
	adapter      Adapter
	caps         Capabilities
	proc         *process.Process
	breakpoints  *breakpointStore
	stack        callStack
	currentFrame int
	waiter       *waiter
	loopDone     chan struct{}
	debuggeeExit int
	startedAt    time.Time
	endedAt      time.Time
	reason       string
	exitCode     int
	crashed      bool

	terminating  atomic.Bool
	terminatedCh chan struct{}
}

func newSession(id, name string, kind Kind, cfg LaunchConfig, m *Manager) *Session {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:           id,
		name:         name,
		kind:         kind,
		cfg:          cfg,
		created:      time.Now(),
		factory:      m.factory,
		bus:          m.bus,
		procs:        m.procs,
		timeout:      timeout,
		grace:        m.stopGrace(),
		log:          logflags.SessionLogger().WithFields(logrus.Fields{"session": id, "kind": kind}),
		ctx:          ctx,
		cancel:       cancel,
		breakpoints:  newBreakpointStore(),
		debuggeeExit: -1,
		exitCode:     -1,
		terminatedCh: make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Terminated returns a channel closed once the session has terminated.
func (s *Session) Terminated() <-chan struct{} {
	return s.terminatedCh
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		ID:                s.id,
		Name:              s.name,
		Kind:              s.kind,
		Config:            s.cfg.Clone(),
		State:             s.state,
		Breakpoints:       s.breakpoints.list(),
		CreatedAt:         s.created,
		StartedAt:         s.startedAt,
		EndedAt:           s.endedAt,
		TerminationReason: s.reason,
		Crashed:           s.crashed,
	}
	if s.state == StatePaused {
		info.CurrentFrameID = s.currentFrame
	}
	if s.state == StateTerminated {
		info.ExitCode = s.exitCode
	}
	if s.proc != nil {
		info.ProcessRef = s.proc.ID()
		info.ProcessAlive = s.proc.IsRunning()
	}
	return info
}

func (s *Session) publishLocked(typ event.Type, payload any) {
	s.bus.Publish(event.Event{Type: typ, SessionID: s.id, Payload: payload})
}

func (s *Session) acquire(op string) error {
	if !s.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", op, ErrSessionBusy)
	}
	return nil
}

func (s *Session) release() {
	s.busy.Store(false)
}

// commandContext bounds a backend wait by the session timeout and cancels it
// when the session terminates.
func (s *Session) commandContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Session) setWaiterLocked(target State) *waiter {
	w := &waiter{target: target, ch: make(chan State, 1)}
	s.waiter = w
	return w
}

func (s *Session) clearWaiter(w *waiter) {
	s.mu.Lock()
	if s.waiter == w {
		s.waiter = nil
	}
	s.mu.Unlock()
}

func (s *Session) notifyLocked(st State) {
	w := s.waiter
	if w == nil || (st != w.target && st != StateTerminated) {
		return
	}
	s.waiter = nil
	w.ch <- st
}

// await blocks until w resolves, the command context ends, or the session
// terminates.
func (s *Session) await(ctx context.Context, op string, w *waiter) (State, error) {
	select {
	case st := <-w.ch:
		return st, nil
	case <-ctx.Done():
	}

	s.clearWaiter(w)
	select {
	case st := <-w.ch:
		return st, nil
	default:
	}
	return s.interrupted(ctx, op, nil)
}

// interrupted maps the end of a command context, or a backend error, to
// the command result.
func (s *Session) interrupted(ctx context.Context, op string, cause error) (State, error) {
	if s.ctx.Err() != nil {
		<-s.terminatedCh
		return StateTerminated, nil
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(cause, context.DeadlineExceeded):
		return s.State(), fmt.Errorf("%s: %w after %s", op, ErrProtocolTimeout, s.timeout)
	case ctx.Err() != nil:
		return s.State(), ctx.Err()
	}
	return s.State(), commandError(op, cause)
}

// execute runs one execution-control command: it checks the source state,
// registers the waiter, sends the command and waits for target.
func (s *Session) execute(ctx context.Context, op string, from, target State, send func(Adapter, context.Context) error) (State, error) {
	if err := s.acquire(op); err != nil {
		return s.State(), err
	}
	defer s.release()

	s.mu.Lock()
	if s.state != from || s.stopping {
		st := s.state
		s.mu.Unlock()
		return st, &StateError{Op: op, State: st}
	}
	a := s.adapter
	w := s.setWaiterLocked(target)
	s.mu.Unlock()

	cctx, cancel := s.commandContext(ctx)
	defer cancel()

	s.log.WithField("op", op).Debug("command")
	if err := send(a, cctx); err != nil {
		s.clearWaiter(w)
		return s.interrupted(cctx, op, err)
	}
	return s.await(cctx, op, w)
}

// Start launches or attaches to the backend. With StopOnEntry it waits for
// the entry pause when the backend can stop on entry.
func (s *Session) Start(ctx context.Context) (State, error) {
	if err := s.acquire("start"); err != nil {
		return s.State(), err
	}
	defer s.release()

	entry, st, err := s.launch(ctx)
	if err != nil || entry == nil {
		return st, err
	}

	wctx, wcancel := s.commandContext(ctx)
	defer wcancel()
	return s.await(wctx, "start", entry)
}

// launch runs the backend handshake with breakpoint changes held back, so
// every breakpoint is either in the initial set or forwarded afterwards.
func (s *Session) launch(ctx context.Context) (*waiter, State, error) {
	s.bpMu.Lock()
	defer s.bpMu.Unlock()

	s.mu.Lock()
	if s.state != StateStopped || s.stopping {
		st := s.state
		s.mu.Unlock()
		return nil, st, &StateError{Op: "start", State: st}
	}
	s.mu.Unlock()

	a, err := s.factory.NewAdapter(s.kind)
	if err != nil {
		return nil, StateStopped, &LaunchError{Kind: s.kind, ExitCode: -1, Err: err}
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = a.Close(context.Background())
		return nil, StateTerminated, &StateError{Op: "start", State: StateTerminated}
	}
	s.adapter = a
	reqs := s.breakpoints.requests()
	var entry *waiter
	if s.cfg.StopOnEntry {
		entry = s.setWaiterLocked(StatePaused)
	}
	s.mu.Unlock()

	s.log.WithField("breakpoints", len(reqs)).Debug("launching backend")
	// The adapter bounds its own backend round trips with the session timeout.
	cfg := s.cfg.Clone()
	cfg.Timeout = s.timeout
	cctx, cancel := s.commandContext(ctx)
	results, err := a.Launch(cctx, sessionHost{s}, cfg, reqs)
	cancel()
	if err != nil {
		st, err := s.failStart(a, err)
		return nil, st, err
	}

	caps := a.Capabilities()
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		<-s.terminatedCh
		return nil, StateTerminated, &StateError{Op: "start", State: StateTerminated}
	}
	s.caps = caps
	for _, res := range results {
		if rec, ok := s.breakpoints.get(res.ID); ok {
			rec.apply(res)
		}
	}
	s.state = StateRunning
	s.startedAt = time.Now()
	s.publishLocked(event.TypeStarted, StartedPayload{
		Kind:         s.kind,
		Name:         s.name,
		Mode:         s.kind.Mode(),
		Capabilities: caps,
	})
	s.loopDone = make(chan struct{})
	go s.eventLoop(a, s.loopDone)
	if entry != nil && !caps.StopOnEntry {
		s.waiter = nil
		entry = nil
		s.log.Warn("backend cannot stop on entry; running")
	}
	s.mu.Unlock()

	s.log.Debug("session started")
	return entry, StateRunning, nil
}

// failStart releases what a failed launch left behind. The session stays
// stopped unless it was terminated meanwhile.
func (s *Session) failStart(a Adapter, cause error) (State, error) {
	s.mu.Lock()
	proc := s.proc
	stopping := s.stopping
	s.adapter = nil
	s.waiter = nil
	s.proc = nil
	s.breakpoints.resetRegistrations()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.grace+time.Second)
	_ = a.Close(ctx)
	cancel()

	if errors.Is(cause, context.DeadlineExceeded) {
		cause = fmt.Errorf("%w: %v", ErrProtocolTimeout, cause)
	}
	lerr := &LaunchError{Kind: s.kind, ExitCode: -1, Err: cause}
	if proc != nil {
		select {
		case <-proc.Done():
		case <-time.After(launchTailWait):
		}
		if !proc.IsRunning() {
			lerr.ExitCode = proc.ExitCode()
		}
		lerr.Stderr = proc.StderrTail()
		s.procs.release(proc.ID())
		if err := s.procs.stop(proc.ID(), s.grace); err != nil {
			s.log.WithError(err).Warn("stop backend after failed launch")
		}
	}

	if stopping {
		<-s.terminatedCh
		return StateTerminated, &StateError{Op: "start", State: StateTerminated}
	}
	s.log.WithError(lerr).Warn("launch failed")
	return StateStopped, lerr
}

// Stop terminates the session. It is idempotent; concurrent calls return
// once termination has completed.
func (s *Session) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		code := s.debuggeeExit
		s.mu.Unlock()
		s.terminate("stopped", code, false)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminate tears the session down exactly once and publishes the final
// event. Later callers block until the first has finished.
func (s *Session) terminate(reason string, exitCode int, crashed bool) {
	if !s.terminating.CompareAndSwap(false, true) {
		<-s.terminatedCh
		return
	}

	s.mu.Lock()
	s.stopping = true
	a, proc, loopDone := s.adapter, s.proc, s.loopDone
	s.mu.Unlock()

	s.cancel()

	if a != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := a.Close(ctx); err != nil {
			s.log.WithError(err).Debug("adapter close")
		}
		cancel()
	}
	if proc != nil {
		if err := s.procs.stop(proc.ID(), s.grace); err != nil {
			s.log.WithError(err).Warn("stop backend process")
		}
		s.procs.release(proc.ID())
	}
	if loopDone != nil {
		select {
		case <-loopDone:
		case <-time.After(s.timeout):
			s.log.Warn("event loop did not finish")
		}
	}

	s.mu.Lock()
	s.state = StateTerminated
	s.endedAt = time.Now()
	s.reason = reason
	s.exitCode = exitCode
	s.crashed = crashed
	s.stack.clear()
	s.currentFrame = 0
	s.notifyLocked(StateTerminated)
	s.publishLocked(event.TypeTerminated, TerminatedPayload{
		Reason:   reason,
		ExitCode: exitCode,
		Crashed:  crashed,
	})
	s.mu.Unlock()

	entry := s.log.WithFields(logrus.Fields{"reason": reason, "exit": exitCode})
	if crashed {
		entry.Warn("session terminated")
	} else {
		entry.Debug("session terminated")
	}
	close(s.terminatedCh)
}

// processExited is called by the supervisor for every exit of a process
// this session owns.
func (s *Session) processExited(p *process.Process) {
	if p.Requested() || s.terminating.Load() {
		return
	}
	s.mu.Lock()
	starting := s.state == StateStopped
	s.mu.Unlock()
	if starting {
		// A failed launch reports the exit itself.
		return
	}
	go s.terminate(crashReason(p), p.ExitCode(), true)
}

func crashReason(p *process.Process) string {
	if p.State() == process.StateKilled {
		return "backend process killed"
	}
	return fmt.Sprintf("backend process exited unexpectedly with code %d", p.ExitCode())
}

// eventLoop applies backend events until the adapter closes its channel.
func (s *Session) eventLoop(a Adapter, done chan struct{}) {
	for ev := range a.Events() {
		s.handle(ev)
	}
	close(done)
	s.backendGone()
}

// backendGone terminates a session whose adapter stopped on its own.
func (s *Session) backendGone() {
	if s.terminating.Load() {
		return
	}
	s.mu.Lock()
	proc := s.proc
	code := s.debuggeeExit
	s.mu.Unlock()

	if proc != nil {
		select {
		case <-proc.Done():
		case <-time.After(s.grace):
		}
		if !proc.IsRunning() && !proc.Requested() {
			s.terminate(crashReason(proc), proc.ExitCode(), true)
			return
		}
	}
	s.terminate("backend disconnected", code, false)
}

func (s *Session) handle(ev BackendEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminated {
		return
	}
	if logflags.Enabled(logflags.LayerSession) {
		s.log.WithFields(logrus.Fields{"event": ev.Kind, "reason": ev.Reason}).Debug("backend event")
	}

	switch ev.Kind {
	case BackendPaused:
		if s.stopping {
			return
		}
		s.pausedLocked(ev)

	case BackendResumed:
		if s.stopping || s.state != StatePaused {
			return
		}
		s.state = StateRunning
		s.stack.clear()
		s.currentFrame = 0
		s.publishLocked(event.TypeResumed, nil)
		s.notifyLocked(StateRunning)

	case BackendOutput:
		s.publishLocked(event.TypeOutput, OutputPayload{Category: ev.Category, Output: ev.Text})

	case BackendExited:
		s.debuggeeExit = ev.ExitCode
		s.publishLocked(event.TypeStopped, StoppedPayload{ExitCode: ev.ExitCode})

	case BackendTerminated:
		go s.terminate("debuggee terminated", s.debuggeeExit, false)

	case BackendBreakpointChanged:
		rec, ok := s.breakpoints.get(ev.Breakpoint.ID)
		if !ok {
			rec, ok = s.breakpoints.byRef(ev.Breakpoint.Ref)
		}
		if ok {
			rec.apply(ev.Breakpoint)
		}
	}
}

func (s *Session) pausedLocked(ev BackendEvent) {
	snap := s.stack.replace(ev.Frames)
	s.state = StatePaused
	s.currentFrame = 0
	var loc Location
	if len(snap.frames) > 0 {
		s.currentFrame = snap.frames[0].ID
		loc = snap.frames[0].Location
	}

	hits := s.breakpoints.correlate(ev.Reason, ev.HitRefs, snap.top())

	s.publishLocked(event.TypePaused, PausedPayload{
		Reason:   ev.Reason,
		FrameID:  s.currentFrame,
		Location: loc,
		Frames:   len(snap.frames),
	})
	for _, rec := range hits {
		s.publishLocked(event.TypeBreakpointHit, BreakpointHitPayload{
			Breakpoint: rec.bp.clone(),
			FrameID:    s.currentFrame,
		})
	}
	if ev.Reason == ReasonException {
		s.publishLocked(event.TypeException, ExceptionPayload{Description: ev.Text, Location: loc})
	}
	s.notifyLocked(StatePaused)
}

// Pause suspends a running session and waits for the confirmed pause.
func (s *Session) Pause(ctx context.Context) (State, error) {
	s.mu.Lock()
	st, caps := s.state, s.caps
	s.mu.Unlock()
	if st == StateRunning && !caps.Pause {
		return st, &CommandError{Op: "pause", Message: Unsupported("pause"), Err: ErrBackendUnsupported}
	}
	return s.execute(ctx, "pause", StateRunning, StatePaused, Adapter.Pause)
}

// Resume continues a paused session and waits for the confirmed resume.
func (s *Session) Resume(ctx context.Context) (State, error) {
	return s.execute(ctx, "resume", StatePaused, StateRunning, Adapter.Continue)
}

// Continue resumes a paused session and waits for the next pause or the end
// of the session.
func (s *Session) Continue(ctx context.Context) (State, error) {
	return s.execute(ctx, "continue", StatePaused, StatePaused, Adapter.Continue)
}

// StepOver steps over the current line.
func (s *Session) StepOver(ctx context.Context) (State, error) {
	return s.execute(ctx, "step over", StatePaused, StatePaused, Adapter.Next)
}

// StepInto steps into the call on the current line.
func (s *Session) StepInto(ctx context.Context) (State, error) {
	return s.execute(ctx, "step into", StatePaused, StatePaused, Adapter.StepIn)
}

// StepOut runs until the current function returns.
func (s *Session) StepOut(ctx context.Context) (State, error) {
	return s.execute(ctx, "step out", StatePaused, StatePaused, Adapter.StepOut)
}

// Evaluate evaluates expr in frameID of the current pause; frameID 0 means
// the current frame.
func (s *Session) Evaluate(ctx context.Context, frameID int, expr string) (Value, error) {
	if err := s.acquire("evaluate"); err != nil {
		return Value{}, err
	}
	defer s.release()

	s.mu.Lock()
	if s.state != StatePaused || s.stopping {
		st := s.state
		s.mu.Unlock()
		return Value{}, &StateError{Op: "evaluate", State: st}
	}
	if frameID == 0 {
		frameID = s.currentFrame
	}
	_, ref, ok := s.stack.current().frame(frameID)
	a, caps := s.adapter, s.caps
	s.mu.Unlock()
	if !ok {
		return Value{}, fmt.Errorf("evaluate: frame %d: %w", frameID, ErrInvalidFrame)
	}
	if !caps.Evaluate {
		return Value{Warnings: []string{Unsupported("evaluate")}}, nil
	}

	cctx, cancel := s.commandContext(ctx)
	defer cancel()
	v, err := a.Evaluate(cctx, ref, expr)
	if err != nil {
		st, err := s.interrupted(cctx, "evaluate", err)
		if err == nil {
			err = &StateError{Op: "evaluate", State: st}
		}
		return Value{}, err
	}
	return v, nil
}

// CallStack returns the frames of the current pause, or an empty slice when
// the session is not paused.
func (s *Session) CallStack() ([]CallFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return nil, &StateError{Op: "call stack", State: s.state}
	}
	if s.state != StatePaused {
		return []CallFrame{}, nil
	}
	return s.stack.frames(), nil
}

// Variables returns the variables of frameID; 0 means the current frame.
func (s *Session) Variables(frameID int) ([]Variable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return nil, &StateError{Op: "variables", State: s.state}
	}
	if frameID == 0 {
		frameID = s.currentFrame
	}
	f, _, ok := s.stack.current().frame(frameID)
	if !ok {
		return nil, fmt.Errorf("variables: frame %d: %w", frameID, ErrInvalidFrame)
	}
	return append([]Variable{}, f.Variables...), nil
}

// SetCurrentFrame selects the frame used when no frame id is given.
func (s *Session) SetCurrentFrame(frameID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return &StateError{Op: "set frame", State: s.state}
	}
	if _, _, ok := s.stack.current().frame(frameID); !ok {
		return fmt.Errorf("set frame: frame %d: %w", frameID, ErrInvalidFrame)
	}
	s.currentFrame = frameID
	return nil
}

// liveLocked reports whether breakpoint changes must be forwarded.
func (s *Session) liveLocked() bool {
	return s.adapter != nil && (s.state == StateRunning || s.state == StatePaused) && !s.stopping
}

// AddBreakpoint stores a breakpoint and registers it with a live backend.
// Backend rejection or silence leaves it unverified with a warning.
func (s *Session) AddBreakpoint(ctx context.Context, spec BreakpointSpec) (Breakpoint, error) {
	if err := spec.validate(); err != nil {
		return Breakpoint{}, err
	}

	s.bpMu.Lock()
	defer s.bpMu.Unlock()

	s.mu.Lock()
	if s.state == StateTerminated || s.stopping {
		st := s.state
		s.mu.Unlock()
		return Breakpoint{}, &StateError{Op: "add breakpoint", State: st}
	}
	rec := s.breakpoints.add(spec)
	bp := rec.bp.clone()
	live, a, req := s.liveLocked(), s.adapter, rec.request()
	s.mu.Unlock()

	if !live {
		return bp, nil
	}
	return s.register(ctx, a, req), nil
}

// register forwards req and records the outcome. Callers hold bpMu.
func (s *Session) register(ctx context.Context, a Adapter, req BreakpointRequest) Breakpoint {
	cctx, cancel := s.commandContext(ctx)
	res, err := a.SetBreakpoint(cctx, req)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.breakpoints.get(req.ID)
	if !ok {
		return Breakpoint{}
	}
	if err != nil {
		rec.unregister()
		msg := sanitize(err.Error())
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "backend did not acknowledge breakpoint: " + ErrProtocolTimeout.Error()
		}
		rec.bp.Warnings = []string{msg}
		s.log.WithField("breakpoint", req.ID).WithError(err).Debug("breakpoint not registered")
		return rec.bp.clone()
	}
	res.ID = req.ID
	rec.apply(res)
	return rec.bp.clone()
}

// RemoveBreakpoint deletes a breakpoint and its backend registration.
func (s *Session) RemoveBreakpoint(ctx context.Context, bpID int) error {
	s.bpMu.Lock()
	defer s.bpMu.Unlock()

	s.mu.Lock()
	if s.state == StateTerminated || s.stopping {
		st := s.state
		s.mu.Unlock()
		return &StateError{Op: "remove breakpoint", State: st}
	}
	rec, ok := s.breakpoints.remove(bpID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("breakpoint %d: %w", bpID, ErrBreakpointNotFound)
	}
	forward := s.liveLocked() && rec.registered
	a := s.adapter
	s.mu.Unlock()

	if forward {
		cctx, cancel := s.commandContext(ctx)
		defer cancel()
		if err := a.RemoveBreakpoint(cctx, bpID); err != nil {
			s.log.WithField("breakpoint", bpID).WithError(err).Warn("backend remove failed")
		}
	}
	return nil
}

// UpdateBreakpoint changes a breakpoint. Disabling drops the backend
// registration; enabling or moving re-registers it.
func (s *Session) UpdateBreakpoint(ctx context.Context, bpID int, upd BreakpointUpdate) (Breakpoint, error) {
	if upd.Line != nil && *upd.Line < 1 {
		return Breakpoint{}, fmt.Errorf("%w: breakpoint line must be >= 1", ErrInvalidConfig)
	}
	if upd.Column != nil && *upd.Column < 0 {
		return Breakpoint{}, fmt.Errorf("%w: breakpoint column must not be negative", ErrInvalidConfig)
	}

	s.bpMu.Lock()
	defer s.bpMu.Unlock()

	s.mu.Lock()
	if s.state == StateTerminated || s.stopping {
		st := s.state
		s.mu.Unlock()
		return Breakpoint{}, &StateError{Op: "update breakpoint", State: st}
	}
	rec, ok := s.breakpoints.get(bpID)
	if !ok {
		s.mu.Unlock()
		return Breakpoint{}, fmt.Errorf("breakpoint %d: %w", bpID, ErrBreakpointNotFound)
	}

	changed := false
	if upd.Condition != nil && *upd.Condition != rec.bp.Condition {
		rec.bp.Condition = *upd.Condition
		changed = true
	}
	if upd.Line != nil && *upd.Line != rec.bp.Line {
		rec.bp.Line = *upd.Line
		changed = true
	}
	if upd.Column != nil && *upd.Column != rec.bp.Column {
		rec.bp.Column = *upd.Column
		changed = true
	}
	if upd.Enabled != nil {
		rec.bp.Enabled = *upd.Enabled
	}

	live, a := s.liveLocked(), s.adapter
	registered, enabled := rec.registered, rec.bp.Enabled
	req := rec.request()
	if !live {
		if changed || !enabled {
			rec.unregister()
		}
		bp := rec.bp.clone()
		s.mu.Unlock()
		return bp, nil
	}
	bp := rec.bp.clone()
	s.mu.Unlock()

	switch {
	case !enabled && registered:
		cctx, cancel := s.commandContext(ctx)
		err := a.RemoveBreakpoint(cctx, bpID)
		cancel()
		if err != nil {
			s.log.WithField("breakpoint", bpID).WithError(err).Warn("backend remove failed")
		}
		s.mu.Lock()
		rec.unregister()
		bp = rec.bp.clone()
		s.mu.Unlock()
	case enabled && (changed || !registered):
		bp = s.register(ctx, a, req)
	}
	return bp, nil
}

// sessionHost spawns backend processes owned by a session.
type sessionHost struct {
	s *Session
}

// Spawn starts a process through the supervisor. A session owns at most one
// live process.
func (h sessionHost) Spawn(ctx context.Context, spec ProcessSpec) (Process, error) {
	s := h.s
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil, &StateError{Op: "spawn", State: StateTerminated}
	}
	if s.proc != nil && s.proc.IsRunning() {
		id := s.proc.ID()
		s.mu.Unlock()
		return nil, fmt.Errorf("spawn %s: session already owns live process %s", spec.Name, id)
	}
	s.mu.Unlock()

	proc, err := s.procs.spawn(s, process.Spec{
		Name:   spec.Name,
		Path:   spec.Path,
		Args:   spec.Args,
		Dir:    spec.Dir,
		Env:    spec.Env,
		Stdout: spec.Stdout,
		Stderr: spec.Stderr,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.proc = proc
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		_ = s.procs.stop(proc.ID(), 0)
		return nil, &StateError{Op: "spawn", State: StateTerminated}
	}
	return proc, nil
}
