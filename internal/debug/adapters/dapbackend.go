package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dshills/debugd/internal/debug"
	"github.com/dshills/debugd/internal/debug/dap"
	"github.com/dshills/debugd/internal/logflags"
)

var errNotConnected = errors.New("backend not connected")

// dapConn is one connection to a debug adapter.
type dapConn struct {
	client      *dap.Client
	caps        dap.Capabilities
	initialized chan struct{}
	initOnce    sync.Once
	ended       chan struct{}
}

// dapBackend is the part of the DAP-based adapters shared by every kind:
// event translation, breakpoint bookkeeping and execution control. DAP sets
// breakpoints per source file, so each request resends the file's full list.
type dapBackend struct {
	kind     debug.Kind
	settings Settings
	log      *logrus.Entry
	out      *sink

	mu       sync.Mutex
	timeout  time.Duration
	cwd      string
	conns    []*dapConn
	active   *dapConn
	threadID int
	files    map[string][]int
	reqs     map[int]debug.BreakpointRequest
	refs     map[string]int
	closed   bool
}

func newDAPBackend(kind debug.Kind, s Settings) *dapBackend {
	return &dapBackend{
		kind:     kind,
		settings: s,
		log:      logflags.AdapterLogger(string(kind)),
		out:      newSink(),
		timeout:  defaultTimeout,
		files:    make(map[string][]int),
		reqs:     make(map[int]debug.BreakpointRequest),
		refs:     make(map[string]int),
	}
}

func (b *dapBackend) configure(cfg debug.LaunchConfig) {
	b.mu.Lock()
	b.timeout = waitTimeout(cfg)
	b.cwd = cfg.Cwd
	b.mu.Unlock()
}

// connect starts a client on a stream. When primary is set, the end of the
// connection ends the adapter's event stream.
func (b *dapBackend) connect(r io.Reader, w io.Writer, closer io.Closer, primary bool) (*dapConn, error) {
	opts := []dap.Option{dap.WithLogger(logflags.WireLogger().WithField("kind", b.kind))}
	if closer != nil {
		opts = append(opts, dap.WithCloser(closer))
	}
	c := &dapConn{
		client:      dap.NewClient(r, w, opts...),
		initialized: make(chan struct{}),
		ended:       make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		c.client.Close()
		return nil, errors.New("adapter closed")
	}
	b.conns = append(b.conns, c)
	b.mu.Unlock()

	go b.pump(c, primary)
	return c, nil
}

func (b *dapBackend) setActive(c *dapConn) {
	b.mu.Lock()
	b.active = c
	b.mu.Unlock()
}

func (b *dapBackend) conn() (*dapConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil || b.closed {
		return nil, errNotConnected
	}
	return b.active, nil
}

// handshake runs the DAP launch sequence: initialize, the launch or attach
// request, the initialized event, breakpoints and configurationDone. Some
// adapters only answer the launch request after configurationDone.
func (b *dapBackend) handshake(ctx context.Context, c *dapConn, adapterID, request string, args any, bps []debug.BreakpointRequest) ([]debug.BreakpointResult, error) {
	if err := c.client.Call(ctx, "initialize", dap.NewInitializeArguments(adapterID), &c.caps); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	// The launch request must be on the wire before breakpoints and
	// configurationDone; only its response may arrive later.
	call, err := c.client.Send(request, args, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", request, err)
	}
	launched := make(chan error, 1)
	go func() {
		launched <- call.Wait(ctx)
	}()

	answered := false
	select {
	case <-c.initialized:
	case err := <-launched:
		if err != nil {
			return nil, fmt.Errorf("%s: %w", request, err)
		}
		answered = true
		if err := b.waitInitialized(ctx, c); err != nil {
			return nil, err
		}
	case <-c.ended:
		return nil, errors.New("adapter closed the connection during initialization")
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for initialized: %w", ctx.Err())
	}

	results := b.registerAll(ctx, c, bps)

	if c.caps.SupportsConfigurationDoneRequest {
		if err := c.client.Call(ctx, "configurationDone", nil, nil); err != nil {
			return nil, fmt.Errorf("configurationDone: %w", err)
		}
	}
	if !answered {
		select {
		case err := <-launched:
			if err != nil {
				return nil, fmt.Errorf("%s: %w", request, err)
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", request, ctx.Err())
		}
	}
	return results, nil
}

func (b *dapBackend) waitInitialized(ctx context.Context, c *dapConn) error {
	select {
	case <-c.initialized:
		return nil
	case <-c.ended:
		return errors.New("adapter closed the connection during initialization")
	case <-ctx.Done():
		return fmt.Errorf("waiting for initialized: %w", ctx.Err())
	}
}

// Capabilities implements debug.Adapter.
func (b *dapBackend) Capabilities() debug.Capabilities {
	b.mu.Lock()
	defer b.mu.Unlock()
	caps := debug.Capabilities{Columns: true, Pause: true, Evaluate: true, StopOnEntry: true}
	if b.active != nil {
		caps.ConditionalBreakpoints = b.active.caps.SupportsConditionalBreakpoints
	}
	return caps
}

// Events implements debug.Adapter.
func (b *dapBackend) Events() <-chan debug.BackendEvent {
	return b.out.events()
}

// track records req and returns the file it was previously registered in,
// if that differs.
func (b *dapBackend) track(req debug.BreakpointRequest) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	moved := ""
	if prev, ok := b.reqs[req.ID]; ok && prev.File != req.File {
		b.files[prev.File] = without(b.files[prev.File], req.ID)
		moved = prev.File
	}
	if _, ok := b.reqs[req.ID]; !ok || moved != "" {
		b.files[req.File] = append(b.files[req.File], req.ID)
	}
	b.reqs[req.ID] = req
	return moved
}

// untrack forgets id and returns the file it was registered in.
func (b *dapBackend) untrack(id int) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.reqs[id]
	if !ok {
		return "", false
	}
	delete(b.reqs, id)
	b.files[req.File] = without(b.files[req.File], id)
	for ref, bid := range b.refs {
		if bid == id {
			delete(b.refs, ref)
		}
	}
	return req.File, true
}

func without(ids []int, id int) []int {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// sourcePath resolves a breakpoint file against the launch directory.
func (b *dapBackend) sourcePath(file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	b.mu.Lock()
	cwd := b.cwd
	b.mu.Unlock()
	if cwd != "" {
		return filepath.Join(cwd, file)
	}
	if abs, err := filepath.Abs(file); err == nil {
		return abs
	}
	return file
}

// sendFile sends the complete breakpoint list of file and returns the
// result for each breakpoint in it.
func (b *dapBackend) sendFile(ctx context.Context, c *dapConn, file string) (map[int]debug.BreakpointResult, error) {
	b.mu.Lock()
	ids := append([]int(nil), b.files[file]...)
	reqs := make([]debug.BreakpointRequest, len(ids))
	for i, id := range ids {
		reqs[i] = b.reqs[id]
	}
	b.mu.Unlock()

	path := b.sourcePath(file)
	args := dap.SetBreakpointsArguments{
		Source:      dap.Source{Name: filepath.Base(path), Path: path},
		Breakpoints: make([]dap.SourceBreakpoint, len(reqs)),
	}
	warnings := make([][]string, len(reqs))
	for i, req := range reqs {
		sbp := dap.SourceBreakpoint{Line: req.Line, Column: req.Column}
		if req.Condition != "" {
			if c.caps.SupportsConditionalBreakpoints {
				sbp.Condition = req.Condition
			} else {
				warnings[i] = append(warnings[i], debug.Unsupported("condition"))
			}
		}
		args.Breakpoints[i] = sbp
	}

	var body dap.SetBreakpointsBody
	if err := c.client.Call(ctx, "setBreakpoints", args, &body); err != nil {
		return nil, err
	}

	out := make(map[int]debug.BreakpointResult, len(ids))
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, id := range ids {
		res := debug.BreakpointResult{ID: id, Warnings: warnings[i]}
		if i < len(body.Breakpoints) {
			bp := body.Breakpoints[i]
			res.Verified = bp.Verified
			res.Line = bp.Line
			if bp.ID != 0 {
				res.Ref = strconv.Itoa(bp.ID)
				b.refs[res.Ref] = id
			}
			if !bp.Verified && bp.Message != "" {
				res.Warnings = append(res.Warnings, bp.Message)
			}
		}
		out[id] = res
	}
	return out, nil
}

// registerAll registers the initial breakpoints file by file. A file the
// adapter rejects leaves its breakpoints unverified with a warning.
func (b *dapBackend) registerAll(ctx context.Context, c *dapConn, bps []debug.BreakpointRequest) []debug.BreakpointResult {
	var files []string
	seen := make(map[string]bool)
	for _, req := range bps {
		b.track(req)
		if !seen[req.File] {
			seen[req.File] = true
			files = append(files, req.File)
		}
	}

	byID := make(map[int]debug.BreakpointResult, len(bps))
	for _, file := range files {
		res, err := b.sendFile(ctx, c, file)
		if err != nil {
			b.log.WithError(err).WithField("file", file).Warn("setBreakpoints failed")
			for _, req := range bps {
				if req.File == file {
					byID[req.ID] = debug.BreakpointResult{ID: req.ID, Warnings: []string{err.Error()}}
				}
			}
			continue
		}
		for id, r := range res {
			byID[id] = r
		}
	}

	out := make([]debug.BreakpointResult, len(bps))
	for i, req := range bps {
		out[i] = byID[req.ID]
	}
	return out
}

// SetBreakpoint implements debug.Adapter.
func (b *dapBackend) SetBreakpoint(ctx context.Context, req debug.BreakpointRequest) (debug.BreakpointResult, error) {
	c, err := b.conn()
	if err != nil {
		return debug.BreakpointResult{}, err
	}
	if moved := b.track(req); moved != "" {
		if _, err := b.sendFile(ctx, c, moved); err != nil {
			b.log.WithError(err).WithField("file", moved).Warn("setBreakpoints failed")
		}
	}
	results, err := b.sendFile(ctx, c, req.File)
	if err != nil {
		b.untrack(req.ID)
		return debug.BreakpointResult{}, err
	}
	for id, res := range results {
		if id != req.ID {
			b.out.emit(debug.BackendEvent{Kind: debug.BackendBreakpointChanged, Breakpoint: res})
		}
	}
	return results[req.ID], nil
}

// RemoveBreakpoint implements debug.Adapter.
func (b *dapBackend) RemoveBreakpoint(ctx context.Context, id int) error {
	c, err := b.conn()
	if err != nil {
		return err
	}
	file, ok := b.untrack(id)
	if !ok {
		return nil
	}
	_, err = b.sendFile(ctx, c, file)
	return err
}

// thread returns the thread execution commands apply to.
func (b *dapBackend) thread(ctx context.Context, c *dapConn) (int, error) {
	b.mu.Lock()
	tid := b.threadID
	b.mu.Unlock()
	if tid != 0 {
		return tid, nil
	}

	var body dap.ThreadsBody
	if err := c.client.Call(ctx, "threads", nil, &body); err != nil {
		return 0, fmt.Errorf("threads: %w", err)
	}
	if len(body.Threads) == 0 {
		return 0, errors.New("backend reports no threads")
	}
	b.mu.Lock()
	if b.threadID == 0 {
		b.threadID = body.Threads[0].ID
	}
	tid = b.threadID
	b.mu.Unlock()
	return tid, nil
}

func (b *dapBackend) command(ctx context.Context, command string) error {
	c, err := b.conn()
	if err != nil {
		return err
	}
	tid, err := b.thread(ctx, c)
	if err != nil {
		return err
	}
	return c.client.Call(ctx, command, dap.ThreadArguments{ThreadId: tid}, nil)
}

// Continue implements debug.Adapter.
func (b *dapBackend) Continue(ctx context.Context) error { return b.command(ctx, "continue") }

// Next implements debug.Adapter.
func (b *dapBackend) Next(ctx context.Context) error { return b.command(ctx, "next") }

// StepIn implements debug.Adapter.
func (b *dapBackend) StepIn(ctx context.Context) error { return b.command(ctx, "stepIn") }

// StepOut implements debug.Adapter.
func (b *dapBackend) StepOut(ctx context.Context) error { return b.command(ctx, "stepOut") }

// Pause implements debug.Adapter.
func (b *dapBackend) Pause(ctx context.Context) error { return b.command(ctx, "pause") }

// Evaluate implements debug.Adapter.
func (b *dapBackend) Evaluate(ctx context.Context, frameRef, expr string) (debug.Value, error) {
	c, err := b.conn()
	if err != nil {
		return debug.Value{}, err
	}
	frameID, err := strconv.Atoi(frameRef)
	if err != nil {
		return debug.Value{}, fmt.Errorf("bad frame reference %q", frameRef)
	}
	var body dap.EvaluateBody
	args := dap.EvaluateArguments{Expression: expr, FrameId: frameID, Context: "repl"}
	if err := c.client.Call(ctx, "evaluate", args, &body); err != nil {
		return debug.Value{}, err
	}
	return debug.Value{Value: body.Result, Type: body.Type}, nil
}

// Close implements debug.Adapter. It asks every connection to disconnect
// and terminate the debuggee, then closes them.
func (b *dapBackend) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := b.conns
	b.mu.Unlock()

	for i := len(conns) - 1; i >= 0; i-- {
		c := conns[i]
		dctx, cancel := context.WithTimeout(ctx, disconnectTimeout)
		err := c.client.Call(dctx, "disconnect", dap.DisconnectArguments{TerminateDebuggee: true}, nil)
		cancel()
		if err != nil {
			b.log.WithError(err).Debug("disconnect")
		}
		c.client.Close()
	}
	b.out.close()
	return nil
}

func (b *dapBackend) pump(c *dapConn, primary bool) {
	for ev := range c.client.Events() {
		b.handle(c, ev)
	}
	close(c.ended)
	if primary {
		b.out.close()
	}
}

func (b *dapBackend) decode(ev dap.Event, v any) bool {
	if len(ev.Body) == 0 {
		return true
	}
	if err := json.Unmarshal(ev.Body, v); err != nil {
		b.log.WithError(err).WithField("event", ev.Name).Warn("discarding malformed event")
		return false
	}
	return true
}

func (b *dapBackend) handle(c *dapConn, ev dap.Event) {
	switch ev.Name {
	case "initialized":
		c.initOnce.Do(func() { close(c.initialized) })

	case "stopped":
		var body dap.StoppedEventBody
		if b.decode(ev, &body) {
			b.paused(c, body)
		}

	case "continued":
		b.out.emit(debug.BackendEvent{Kind: debug.BackendResumed})

	case "thread":
		var body dap.ThreadEventBody
		if !b.decode(ev, &body) {
			return
		}
		b.mu.Lock()
		switch {
		case body.Reason == "started" && b.threadID == 0:
			b.threadID = body.ThreadID
		case body.Reason == "exited" && b.threadID == body.ThreadID:
			b.threadID = 0
		}
		b.mu.Unlock()

	case "output":
		var body dap.OutputEventBody
		if !b.decode(ev, &body) || body.Category == "telemetry" {
			return
		}
		category := body.Category
		if category == "" {
			category = "console"
		}
		b.out.emit(debug.BackendEvent{
			Kind:     debug.BackendOutput,
			Category: category,
			Text:     strings.TrimSuffix(body.Output, "\n"),
		})

	case "exited":
		var body dap.ExitedEventBody
		if b.decode(ev, &body) {
			b.out.emit(debug.BackendEvent{Kind: debug.BackendExited, ExitCode: body.ExitCode})
		}

	case "terminated":
		b.out.emit(debug.BackendEvent{Kind: debug.BackendTerminated})

	case "breakpoint":
		var body dap.BreakpointEventBody
		if !b.decode(ev, &body) || body.Breakpoint.ID == 0 || body.Reason == "removed" {
			return
		}
		ref := strconv.Itoa(body.Breakpoint.ID)
		b.mu.Lock()
		id := b.refs[ref]
		b.mu.Unlock()
		b.out.emit(debug.BackendEvent{
			Kind: debug.BackendBreakpointChanged,
			Breakpoint: debug.BreakpointResult{
				ID:       id,
				Ref:      ref,
				Verified: body.Breakpoint.Verified,
				Line:     body.Breakpoint.Line,
			},
		})
	}
}

// pauseReason maps a DAP stop reason.
func pauseReason(reason string) string {
	switch reason {
	case "breakpoint", "function breakpoint", "data breakpoint", "instruction breakpoint":
		return debug.ReasonBreakpoint
	case "step", "goto":
		return debug.ReasonStep
	case "entry":
		return debug.ReasonEntry
	case "exception":
		return debug.ReasonException
	default:
		return debug.ReasonPause
	}
}

// paused materializes the stack of a stopped thread and emits the pause.
func (b *dapBackend) paused(c *dapConn, body dap.StoppedEventBody) {
	b.mu.Lock()
	if body.ThreadID != 0 {
		b.threadID = body.ThreadID
	}
	tid, timeout := b.threadID, b.timeout
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	frames, err := b.stack(ctx, c, tid)
	if err != nil {
		b.log.WithError(err).Warn("stack trace unavailable")
	}

	refs := make([]string, len(body.HitBreakpointIDs))
	for i, id := range body.HitBreakpointIDs {
		refs[i] = strconv.Itoa(id)
	}
	text := body.Text
	if text == "" {
		text = body.Description
	}
	b.out.emit(debug.BackendEvent{
		Kind:    debug.BackendPaused,
		Reason:  pauseReason(body.Reason),
		Frames:  frames,
		HitRefs: refs,
		Text:    text,
	})
}

func (b *dapBackend) stack(ctx context.Context, c *dapConn, tid int) ([]debug.BackendFrame, error) {
	var st dap.StackTraceBody
	args := dap.StackTraceArguments{ThreadID: tid, Levels: maxFrames(b.settings)}
	if err := c.client.Call(ctx, "stackTrace", args, &st); err != nil {
		return nil, fmt.Errorf("stackTrace: %w", err)
	}

	frames := make([]debug.BackendFrame, 0, len(st.StackFrames))
	for _, f := range st.StackFrames {
		loc := debug.Location{Line: f.Line, Column: f.Column}
		if f.Source != nil {
			loc.File = f.Source.Path
			if loc.File == "" {
				loc.File = f.Source.Name
			}
		}
		vars, err := b.variables(ctx, c, f.ID)
		if err != nil {
			b.log.WithError(err).WithField("frame", f.ID).Debug("variables unavailable")
		}
		frames = append(frames, debug.BackendFrame{
			Ref:       strconv.Itoa(f.ID),
			Name:      f.Name,
			Location:  loc,
			Variables: vars,
		})
	}
	return frames, nil
}

func (b *dapBackend) variables(ctx context.Context, c *dapConn, frameID int) ([]debug.Variable, error) {
	var scopes dap.ScopesBody
	if err := c.client.Call(ctx, "scopes", dap.ScopesArguments{FrameId: frameID}, &scopes); err != nil {
		return nil, err
	}

	var out []debug.Variable
	for _, scope := range scopes.Scopes {
		if scope.Expensive || scope.VariablesReference == 0 {
			continue
		}
		var vars dap.VariablesBody
		args := dap.VariablesArguments{VariablesReference: scope.VariablesReference}
		if err := c.client.Call(ctx, "variables", args, &vars); err != nil {
			return out, err
		}
		for i, v := range vars.Variables {
			if i == maxVariables {
				break
			}
			out = append(out, debug.Variable{Name: v.Name, Value: v.Value, Type: v.Type, Scope: scope.Name})
		}
	}
	return out, nil
}
