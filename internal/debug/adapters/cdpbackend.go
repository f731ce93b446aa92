package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/dshills/debugd/internal/debug"
	"github.com/dshills/debugd/internal/debug/cdp"
	"github.com/dshills/debugd/internal/logflags"
)

// reasonBreakOnStart is the pause reason of a runtime started with
// --inspect-brk.
const reasonBreakOnStart = "Break on start"

// frameScopes are the scope types whose variables are materialized.
var frameScopes = map[string]bool{
	"local":   true,
	"block":   true,
	"catch":   true,
	"closure": true,
}

// cdpBackend is the part of the devtools adapters shared by both kinds.
type cdpBackend struct {
	kind     debug.Kind
	settings Settings
	log      *logrus.Entry
	out      *sink

	mu          sync.Mutex
	timeout     time.Duration
	client      *cdp.Client
	refs        map[int]string
	ids         map[string]int
	scripts     map[string]string
	stepping    bool
	skipEntry   bool
	stopOnEntry bool
	closed      bool

	// endOnContextDestroyed ends the session when the debuggee's execution
	// context goes away. A launched runtime otherwise waits for the
	// debugger to disconnect after its program finishes.
	endOnContextDestroyed bool
}

func newCDPBackend(kind debug.Kind, s Settings) *cdpBackend {
	return &cdpBackend{
		kind:     kind,
		settings: s,
		log:      logflags.AdapterLogger(string(kind)),
		out:      newSink(),
		timeout:  defaultTimeout,
		refs:     make(map[int]string),
		ids:      make(map[string]int),
		scripts:  make(map[string]string),
	}
}

func (b *cdpBackend) configure(cfg debug.LaunchConfig) {
	b.mu.Lock()
	b.timeout = waitTimeout(cfg)
	b.mu.Unlock()
}

// attach enables the debugger domains on client and registers bps.
func (b *cdpBackend) attach(ctx context.Context, client *cdp.Client, bps []debug.BreakpointRequest) ([]debug.BreakpointResult, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		client.Close()
		return nil, errors.New("adapter closed")
	}
	b.client = client
	b.mu.Unlock()

	go b.pump(client)

	for _, method := range []string{"Runtime.enable", "Debugger.enable"} {
		if _, err := client.Call(ctx, method, nil); err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
	}

	results := make([]debug.BreakpointResult, len(bps))
	for i, req := range bps {
		res, err := b.SetBreakpoint(ctx, req)
		if err != nil {
			res = debug.BreakpointResult{ID: req.ID, Warnings: []string{err.Error()}}
		}
		results[i] = res
	}
	return results, nil
}

func (b *cdpBackend) conn() (*cdp.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil || b.closed {
		return nil, errNotConnected
	}
	return b.client, nil
}

// Capabilities implements debug.Adapter.
func (b *cdpBackend) Capabilities() debug.Capabilities {
	b.mu.Lock()
	defer b.mu.Unlock()
	return debug.Capabilities{
		ConditionalBreakpoints: true,
		Columns:                true,
		Pause:                  true,
		Evaluate:               true,
		StopOnEntry:            b.stopOnEntry,
	}
}

// Events implements debug.Adapter.
func (b *cdpBackend) Events() <-chan debug.BackendEvent {
	return b.out.events()
}

// urlPattern matches script URLs ending in file.
func (b *cdpBackend) urlPattern(file string) string {
	file = filepath.ToSlash(filepath.Clean(file))
	if strings.HasPrefix(file, "./") {
		file = file[2:]
	}
	if filepath.IsAbs(file) || strings.HasPrefix(file, "/") {
		return "^(file://)?" + regexp.QuoteMeta(file) + "$"
	}
	return "(^|/)" + regexp.QuoteMeta(file) + "$"
}

// SetBreakpoint implements debug.Adapter. A breakpoint that already has a
// registration is removed and set again.
func (b *cdpBackend) SetBreakpoint(ctx context.Context, req debug.BreakpointRequest) (debug.BreakpointResult, error) {
	client, err := b.conn()
	if err != nil {
		return debug.BreakpointResult{}, err
	}
	if err := b.RemoveBreakpoint(ctx, req.ID); err != nil {
		b.log.WithError(err).WithField("breakpoint", req.ID).Debug("removing previous registration")
	}

	params := map[string]any{
		"urlRegex":   b.urlPattern(req.File),
		"lineNumber": req.Line - 1,
	}
	if req.Column > 0 {
		params["columnNumber"] = req.Column - 1
	}
	if req.Condition != "" {
		params["condition"] = req.Condition
	}
	res, err := client.Call(ctx, "Debugger.setBreakpointByUrl", params)
	if err != nil {
		return debug.BreakpointResult{}, err
	}

	ref := res.Get("breakpointId").String()
	out := debug.BreakpointResult{ID: req.ID, Ref: ref}
	if loc := res.Get("locations.0"); loc.Exists() {
		out.Verified = true
		out.Line = int(loc.Get("lineNumber").Int()) + 1
	}

	b.mu.Lock()
	b.refs[req.ID] = ref
	b.ids[ref] = req.ID
	b.mu.Unlock()
	return out, nil
}

// RemoveBreakpoint implements debug.Adapter.
func (b *cdpBackend) RemoveBreakpoint(ctx context.Context, id int) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	b.mu.Lock()
	ref, ok := b.refs[id]
	delete(b.refs, id)
	delete(b.ids, ref)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	_, err = client.Call(ctx, "Debugger.removeBreakpoint", map[string]any{"breakpointId": ref})
	return err
}

func (b *cdpBackend) command(ctx context.Context, method string, step bool) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.stepping = step
	b.mu.Unlock()
	_, err = client.Call(ctx, method, nil)
	return err
}

// Continue implements debug.Adapter.
func (b *cdpBackend) Continue(ctx context.Context) error {
	return b.command(ctx, "Debugger.resume", false)
}

// Next implements debug.Adapter.
func (b *cdpBackend) Next(ctx context.Context) error {
	return b.command(ctx, "Debugger.stepOver", true)
}

// StepIn implements debug.Adapter.
func (b *cdpBackend) StepIn(ctx context.Context) error {
	return b.command(ctx, "Debugger.stepInto", true)
}

// StepOut implements debug.Adapter.
func (b *cdpBackend) StepOut(ctx context.Context) error {
	return b.command(ctx, "Debugger.stepOut", true)
}

// Pause implements debug.Adapter.
func (b *cdpBackend) Pause(ctx context.Context) error {
	return b.command(ctx, "Debugger.pause", false)
}

// Evaluate implements debug.Adapter.
func (b *cdpBackend) Evaluate(ctx context.Context, frameRef, expr string) (debug.Value, error) {
	client, err := b.conn()
	if err != nil {
		return debug.Value{}, err
	}
	res, err := client.Call(ctx, "Debugger.evaluateOnCallFrame", map[string]any{
		"callFrameId":   frameRef,
		"expression":    expr,
		"objectGroup":   "debugd",
		"silent":        true,
		"returnByValue": false,
	})
	if err != nil {
		return debug.Value{}, err
	}
	if exc := res.Get("exceptionDetails"); exc.Exists() {
		msg := exc.Get("exception.description").String()
		if msg == "" {
			msg = exc.Get("text").String()
		}
		return debug.Value{}, errors.New(msg)
	}
	return remoteValue(res.Get("result")), nil
}

// Close implements debug.Adapter.
func (b *cdpBackend) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	client := b.client
	b.mu.Unlock()

	if client != nil {
		client.Close()
	}
	b.out.close()
	return nil
}

func (b *cdpBackend) pump(client *cdp.Client) {
	for ev := range client.Events() {
		b.handle(client, ev)
	}
	if err := client.Err(); err != nil && !errors.Is(err, cdp.ErrClosed) {
		b.log.WithError(err).Debug("devtools connection ended")
	}
	b.out.close()
}

func (b *cdpBackend) handle(client *cdp.Client, ev cdp.Event) {
	switch ev.Method {
	case "Debugger.scriptParsed":
		b.mu.Lock()
		b.scripts[ev.Params.Get("scriptId").String()] = ev.Params.Get("url").String()
		b.mu.Unlock()

	case "Debugger.paused":
		b.paused(client, ev.Params)

	case "Debugger.resumed":
		b.out.emit(debug.BackendEvent{Kind: debug.BackendResumed})

	case "Debugger.breakpointResolved":
		ref := ev.Params.Get("breakpointId").String()
		b.mu.Lock()
		id, ok := b.ids[ref]
		b.mu.Unlock()
		if !ok {
			return
		}
		b.out.emit(debug.BackendEvent{
			Kind: debug.BackendBreakpointChanged,
			Breakpoint: debug.BreakpointResult{
				ID:       id,
				Ref:      ref,
				Verified: true,
				Line:     int(ev.Params.Get("location.lineNumber").Int()) + 1,
			},
		})

	case "Runtime.consoleAPICalled":
		var parts []string
		for _, arg := range ev.Params.Get("args").Array() {
			parts = append(parts, remoteValue(arg).Value)
		}
		category := "stdout"
		switch ev.Params.Get("type").String() {
		case "error", "warning", "assert", "trace":
			category = "stderr"
		}
		b.out.emit(debug.BackendEvent{Kind: debug.BackendOutput, Category: category, Text: strings.Join(parts, " ")})

	case "Runtime.exceptionThrown":
		details := ev.Params.Get("exceptionDetails")
		text := details.Get("exception.description").String()
		if text == "" {
			text = details.Get("text").String()
		}
		b.out.emit(debug.BackendEvent{Kind: debug.BackendOutput, Category: "stderr", Text: text})

	case "Inspector.detached":
		b.out.emit(debug.BackendEvent{Kind: debug.BackendTerminated})

	case "Runtime.executionContextDestroyed":
		if b.endOnContextDestroyed {
			b.out.emit(debug.BackendEvent{Kind: debug.BackendTerminated})
		}
	}
}

func (b *cdpBackend) paused(client *cdp.Client, params gjson.Result) {
	reason := params.Get("reason").String()

	b.mu.Lock()
	stepping := b.stepping
	b.stepping = false
	skip := reason == reasonBreakOnStart && b.skipEntry
	b.skipEntry = false
	timeout := b.timeout
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if skip {
		if _, err := client.Call(ctx, "Debugger.resume", nil); err != nil {
			b.log.WithError(err).Warn("resuming past entry")
		}
		return
	}

	var refs []string
	for _, ref := range params.Get("hitBreakpoints").Array() {
		refs = append(refs, ref.String())
	}

	ev := debug.BackendEvent{Kind: debug.BackendPaused, HitRefs: refs}
	switch {
	case len(refs) > 0:
		ev.Reason = debug.ReasonBreakpoint
	case reason == "exception" || reason == "promiseRejection" || reason == "assert":
		ev.Reason = debug.ReasonException
		ev.Text = params.Get("data.description").String()
	case reason == reasonBreakOnStart:
		ev.Reason = debug.ReasonEntry
	case stepping:
		ev.Reason = debug.ReasonStep
	default:
		ev.Reason = debug.ReasonPause
	}

	limit := maxFrames(b.settings)
	for i, f := range params.Get("callFrames").Array() {
		if i == limit {
			break
		}
		ev.Frames = append(ev.Frames, b.frame(ctx, client, f))
	}
	b.out.emit(ev)
}

func (b *cdpBackend) frame(ctx context.Context, client *cdp.Client, f gjson.Result) debug.BackendFrame {
	file := f.Get("url").String()
	if file == "" {
		b.mu.Lock()
		file = b.scripts[f.Get("location.scriptId").String()]
		b.mu.Unlock()
	}
	name := f.Get("functionName").String()
	if name == "" {
		name = "(anonymous)"
	}
	frame := debug.BackendFrame{
		Ref:  f.Get("callFrameId").String(),
		Name: name,
		Location: debug.Location{
			File:   filePath(file),
			Line:   int(f.Get("location.lineNumber").Int()) + 1,
			Column: int(f.Get("location.columnNumber").Int()) + 1,
		},
	}

	for _, scope := range f.Get("scopeChain").Array() {
		typ := scope.Get("type").String()
		objectID := scope.Get("object.objectId").String()
		if !frameScopes[typ] || objectID == "" {
			continue
		}
		res, err := client.Call(ctx, "Runtime.getProperties", map[string]any{
			"objectId":      objectID,
			"ownProperties": true,
		})
		if err != nil {
			b.log.WithError(err).WithField("scope", typ).Debug("variables unavailable")
			continue
		}
		for i, prop := range res.Get("result").Array() {
			if i == maxVariables {
				break
			}
			v := remoteValue(prop.Get("value"))
			frame.Variables = append(frame.Variables, debug.Variable{
				Name:  prop.Get("name").String(),
				Value: v.Value,
				Type:  v.Type,
				Scope: typ,
			})
		}
	}
	return frame
}

// filePath turns a file:// script URL into a path.
func filePath(raw string) string {
	if !strings.HasPrefix(raw, "file://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return filepath.FromSlash(u.Path)
}

// remoteValue renders a Runtime.RemoteObject.
func remoteValue(obj gjson.Result) debug.Value {
	typ := obj.Get("type").String()
	if sub := obj.Get("subtype").String(); sub != "" {
		typ = sub
	}

	var value string
	switch v := obj.Get("value"); {
	case obj.Get("unserializableValue").Exists():
		value = obj.Get("unserializableValue").String()
	case v.Exists() && v.Type == gjson.String:
		value = v.String()
	case v.Exists():
		value = v.Raw
	case obj.Get("description").Exists():
		value = obj.Get("description").String()
	default:
		value = typ
	}
	return debug.Value{Value: value, Type: typ}
}
