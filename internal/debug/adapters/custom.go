package adapters

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/debugd/internal/debug"
	"github.com/dshills/debugd/internal/logflags"
)

// resumeCommands are the commands whose success means the debuggee runs.
var resumeCommands = map[string]bool{
	"continue": true,
	"next":     true,
	"stepIn":   true,
	"stepOut":  true,
}

type customReply struct {
	body gjson.Result
	err  error
}

type customCall struct {
	command string
	pauses  int
	ch      chan customReply
}

// customAdapter speaks the JSON-lines protocol of custom backends over the
// backend process's stdio. Lines that are not protocol messages are the
// debuggee's own output. A Lua codec may translate messages to and from
// another line format.
type customAdapter struct {
	settings Settings
	log      *logrus.Entry
	wire     *logrus.Entry
	out      *sink
	seq      atomic.Int64

	mu        sync.Mutex
	codec     codec
	proc      debug.Process
	calls     map[int64]*customCall
	caps      debug.Capabilities
	pauses    int
	refs      map[string]int
	err       error
	closed    bool
	capsOnce  sync.Once
	closeOnce sync.Once
}

// NewCustomAdapter returns an adapter for the custom kind.
func NewCustomAdapter(s Settings) (debug.Adapter, error) {
	if len(s.Command) == 0 {
		return nil, fmt.Errorf("%w: custom backend has no command", debug.ErrInvalidConfig)
	}
	a := &customAdapter{
		settings: s,
		log:      logflags.AdapterLogger(string(debug.KindCustom)),
		wire:     logflags.WireLogger().WithField("kind", debug.KindCustom),
		out:      newSink(),
		codec:    jsonCodec{},
		calls:    make(map[int64]*customCall),
		refs:     make(map[string]int),
	}
	if s.Script != "" {
		c, err := newLuaCodec(s.Script)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", debug.ErrInvalidConfig, err)
		}
		a.codec = c
	}
	return a, nil
}

// Launch implements debug.Adapter. The backend may announce its
// capabilities before answering launch; without an announcement only the
// required features are assumed.
func (a *customAdapter) Launch(ctx context.Context, host debug.Host, cfg debug.LaunchConfig, bps []debug.BreakpointRequest) ([]debug.BreakpointResult, error) {
	proc, err := host.Spawn(ctx, debug.ProcessSpec{
		Name:   "custom",
		Path:   a.settings.Command[0],
		Args:   a.settings.Command[1:],
		Dir:    cfg.Cwd,
		Env:    append(append([]string(nil), a.settings.Env...), cfg.EnvList()...),
		Stdout: a.line,
		Stderr: func(line string) {
			a.out.emit(debug.BackendEvent{Kind: debug.BackendOutput, Category: "stderr", Text: line})
		},
	})
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.proc = proc
	a.mu.Unlock()
	go a.watch(proc)

	args := map[string]any{
		"program":     cfg.Program,
		"args":        nonNil(cfg.Args),
		"cwd":         cfg.Cwd,
		"stopOnEntry": cfg.StopOnEntry,
	}
	if len(cfg.RuntimeArgs) > 0 {
		args["runtimeArgs"] = cfg.RuntimeArgs
	}
	if _, err := a.call(ctx, "launch", args); err != nil {
		return nil, fmt.Errorf("launch: %w", err)
	}

	results := make([]debug.BreakpointResult, len(bps))
	for i, req := range bps {
		res, err := a.SetBreakpoint(ctx, req)
		if err != nil {
			res = debug.BreakpointResult{ID: req.ID, Warnings: []string{err.Error()}}
		}
		results[i] = res
	}

	if _, err := a.call(ctx, "configurationDone", nil); err != nil {
		return nil, fmt.Errorf("configurationDone: %w", err)
	}
	return results, nil
}

// watch ends the adapter when the backend process exits.
func (a *customAdapter) watch(proc debug.Process) {
	<-proc.Done()
	a.fail(errors.New("backend exited"))
	a.out.close()
}

func (a *customAdapter) fail(err error) {
	a.mu.Lock()
	if a.err == nil {
		a.err = err
	}
	calls := a.calls
	a.calls = make(map[int64]*customCall)
	a.mu.Unlock()
	for _, c := range calls {
		c.ch <- customReply{err: err}
	}
}

// call sends command and waits for its response.
func (a *customAdapter) call(ctx context.Context, command string, args any) (gjson.Result, error) {
	seq := a.seq.Add(1)
	msg, err := sjson.SetBytes([]byte(`{}`), "seq", seq)
	if err == nil {
		msg, err = sjson.SetBytes(msg, "command", command)
	}
	if err == nil && args != nil {
		msg, err = sjson.SetBytes(msg, "arguments", args)
	}
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encode %s: %w", command, err)
	}

	a.mu.Lock()
	if a.err != nil || a.proc == nil {
		err := a.err
		a.mu.Unlock()
		if err == nil {
			err = errNotConnected
		}
		return gjson.Result{}, err
	}
	line, err := a.codec.encode(msg)
	if err != nil {
		a.mu.Unlock()
		return gjson.Result{}, err
	}
	c := &customCall{command: command, pauses: a.pauses, ch: make(chan customReply, 1)}
	a.calls[seq] = c
	proc := a.proc
	a.mu.Unlock()

	if logflags.Enabled(logflags.LayerWire) {
		a.wire.Debugf("-> %s", line)
	}
	if _, err := proc.Write(append(line, '\n')); err != nil {
		a.forget(seq)
		return gjson.Result{}, fmt.Errorf("send %s: %w", command, err)
	}

	select {
	case r := <-c.ch:
		return r.body, r.err
	case <-ctx.Done():
		a.forget(seq)
		return gjson.Result{}, ctx.Err()
	}
}

func (a *customAdapter) forget(seq int64) {
	a.mu.Lock()
	delete(a.calls, seq)
	a.mu.Unlock()
}

// line handles one stdout line of the backend.
func (a *customAdapter) line(text string) {
	if logflags.Enabled(logflags.LayerWire) {
		a.wire.Debugf("<- %s", text)
	}
	a.mu.Lock()
	codec := a.codec
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}

	msg, ok, err := codec.decode([]byte(text))
	if err != nil {
		a.wire.WithError(err).Warn("discarding malformed message")
		return
	}
	if !ok {
		a.out.emit(debug.BackendEvent{Kind: debug.BackendOutput, Category: "stdout", Text: text})
		return
	}

	m := gjson.ParseBytes(msg)
	switch m.Get("type").String() {
	case "capabilities":
		a.announce(m.Get("body"))
	case "response":
		a.resolve(m)
	case "event":
		a.event(m.Get("event").String(), m.Get("body"))
	default:
		a.out.emit(debug.BackendEvent{Kind: debug.BackendOutput, Category: "stdout", Text: text})
	}
}

// announce records the backend's capability announcement. Only the first
// one counts.
func (a *customAdapter) announce(body gjson.Result) {
	a.capsOnce.Do(func() {
		a.mu.Lock()
		a.caps = debug.Capabilities{
			ConditionalBreakpoints: body.Get("conditionalBreakpoints").Bool(),
			Columns:                body.Get("columns").Bool(),
			Pause:                  body.Get("pause").Bool(),
			Evaluate:               body.Get("evaluate").Bool(),
			StopOnEntry:            body.Get("stopOnEntry").Bool(),
		}
		a.mu.Unlock()
	})
}

func (a *customAdapter) resolve(m gjson.Result) {
	seq := m.Get("seq").Int()
	a.mu.Lock()
	c, ok := a.calls[seq]
	delete(a.calls, seq)
	resumed := ok && resumeCommands[c.command] && a.pauses == c.pauses
	a.mu.Unlock()
	if !ok {
		a.wire.WithField("seq", seq).Debug("response to unknown request")
		return
	}

	if !m.Get("success").Bool() {
		msg := m.Get("message").String()
		if msg == "" {
			msg = c.command + " failed"
		}
		c.ch <- customReply{err: errors.New(msg)}
		return
	}
	// The debuggee runs from here until its next pause.
	if resumed {
		a.out.emit(debug.BackendEvent{Kind: debug.BackendResumed})
	}
	c.ch <- customReply{body: m.Get("body")}
}

func (a *customAdapter) event(name string, body gjson.Result) {
	switch name {
	case "paused":
		a.mu.Lock()
		a.pauses++
		a.mu.Unlock()
		ev := debug.BackendEvent{
			Kind:   debug.BackendPaused,
			Reason: body.Get("reason").String(),
			Text:   body.Get("text").String(),
		}
		if ev.Reason == "" {
			ev.Reason = debug.ReasonPause
		}
		for _, ref := range body.Get("breakpoints").Array() {
			ev.HitRefs = append(ev.HitRefs, ref.String())
		}
		limit := maxFrames(a.settings)
		for i, f := range body.Get("frames").Array() {
			if i == limit {
				break
			}
			ev.Frames = append(ev.Frames, customFrame(f))
		}
		a.out.emit(ev)

	case "resumed":
		a.out.emit(debug.BackendEvent{Kind: debug.BackendResumed})

	case "output":
		category := body.Get("category").String()
		if category == "" {
			category = "stdout"
		}
		a.out.emit(debug.BackendEvent{Kind: debug.BackendOutput, Category: category, Text: body.Get("text").String()})

	case "exited":
		a.out.emit(debug.BackendEvent{Kind: debug.BackendExited, ExitCode: int(body.Get("code").Int())})

	case "terminated":
		a.out.emit(debug.BackendEvent{Kind: debug.BackendTerminated})

	case "breakpoint":
		ref := body.Get("ref").String()
		a.mu.Lock()
		id := a.refs[ref]
		a.mu.Unlock()
		a.out.emit(debug.BackendEvent{
			Kind: debug.BackendBreakpointChanged,
			Breakpoint: debug.BreakpointResult{
				ID:       id,
				Ref:      ref,
				Verified: body.Get("verified").Bool(),
				Line:     int(body.Get("line").Int()),
			},
		})

	default:
		a.wire.WithField("event", name).Debug("ignoring unknown event")
	}
}

func customFrame(f gjson.Result) debug.BackendFrame {
	frame := debug.BackendFrame{
		Ref:  f.Get("ref").String(),
		Name: f.Get("name").String(),
		Location: debug.Location{
			File:   f.Get("file").String(),
			Line:   int(f.Get("line").Int()),
			Column: int(f.Get("column").Int()),
		},
	}
	limit := maxVariables
	for i, v := range f.Get("variables").Array() {
		if i == limit {
			break
		}
		frame.Variables = append(frame.Variables, debug.Variable{
			Name:  v.Get("name").String(),
			Value: v.Get("value").String(),
			Type:  v.Get("type").String(),
			Scope: v.Get("scope").String(),
		})
	}
	return frame
}

// Capabilities implements debug.Adapter.
func (a *customAdapter) Capabilities() debug.Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caps
}

// Events implements debug.Adapter.
func (a *customAdapter) Events() <-chan debug.BackendEvent {
	return a.out.events()
}

// SetBreakpoint implements debug.Adapter. Conditions and columns the
// backend did not announce are dropped with a warning.
func (a *customAdapter) SetBreakpoint(ctx context.Context, req debug.BreakpointRequest) (debug.BreakpointResult, error) {
	caps := a.Capabilities()
	var warnings []string
	args := map[string]any{
		"id":   req.ID,
		"file": req.File,
		"line": req.Line,
	}
	if req.Column > 0 {
		if caps.Columns {
			args["column"] = req.Column
		} else {
			warnings = append(warnings, debug.Unsupported("column"))
		}
	}
	if req.Condition != "" {
		if caps.ConditionalBreakpoints {
			args["condition"] = req.Condition
		} else {
			warnings = append(warnings, debug.Unsupported("condition"))
		}
	}

	body, err := a.call(ctx, "setBreakpoint", args)
	if err != nil {
		return debug.BreakpointResult{}, err
	}
	res := debug.BreakpointResult{
		ID:       req.ID,
		Ref:      body.Get("ref").String(),
		Verified: body.Get("verified").Bool(),
		Line:     int(body.Get("line").Int()),
		Warnings: warnings,
	}
	if res.Ref == "" {
		res.Ref = strconv.Itoa(req.ID)
	}
	if msg := body.Get("message").String(); msg != "" {
		res.Warnings = append(res.Warnings, msg)
	}
	a.mu.Lock()
	a.refs[res.Ref] = req.ID
	a.mu.Unlock()
	return res, nil
}

// RemoveBreakpoint implements debug.Adapter.
func (a *customAdapter) RemoveBreakpoint(ctx context.Context, id int) error {
	a.mu.Lock()
	for ref, bid := range a.refs {
		if bid == id {
			delete(a.refs, ref)
		}
	}
	a.mu.Unlock()
	_, err := a.call(ctx, "removeBreakpoint", map[string]any{"id": id})
	return err
}

// Continue implements debug.Adapter.
func (a *customAdapter) Continue(ctx context.Context) error {
	_, err := a.call(ctx, "continue", nil)
	return err
}

// Next implements debug.Adapter.
func (a *customAdapter) Next(ctx context.Context) error {
	_, err := a.call(ctx, "next", nil)
	return err
}

// StepIn implements debug.Adapter.
func (a *customAdapter) StepIn(ctx context.Context) error {
	_, err := a.call(ctx, "stepIn", nil)
	return err
}

// StepOut implements debug.Adapter.
func (a *customAdapter) StepOut(ctx context.Context) error {
	_, err := a.call(ctx, "stepOut", nil)
	return err
}

// Pause implements debug.Adapter.
func (a *customAdapter) Pause(ctx context.Context) error {
	if !a.Capabilities().Pause {
		return fmt.Errorf("%w: pause", debug.ErrBackendUnsupported)
	}
	_, err := a.call(ctx, "pause", nil)
	return err
}

// Evaluate implements debug.Adapter.
func (a *customAdapter) Evaluate(ctx context.Context, frameRef, expr string) (debug.Value, error) {
	if !a.Capabilities().Evaluate {
		return debug.Value{}, fmt.Errorf("%w: evaluate", debug.ErrBackendUnsupported)
	}
	body, err := a.call(ctx, "evaluate", map[string]any{"frame": frameRef, "expression": expr})
	if err != nil {
		return debug.Value{}, err
	}
	return debug.Value{Value: body.Get("value").String(), Type: body.Get("type").String()}, nil
}

// Close implements debug.Adapter. It asks the backend to disconnect; the
// session stops the process afterwards.
func (a *customAdapter) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		running := a.proc != nil && a.err == nil
		a.mu.Unlock()

		if running {
			dctx, cancel := context.WithTimeout(ctx, disconnectTimeout)
			if _, err := a.call(dctx, "disconnect", nil); err != nil {
				a.log.WithError(err).Debug("disconnect")
			}
			cancel()
		}

		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()

		a.fail(errors.New("adapter closed"))
		a.out.close()
		a.codec.close()
	})
	return nil
}
