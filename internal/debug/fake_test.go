package debug

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dshills/debugd/internal/event"
)

// fakeAdapter is an in-memory backend. Commands succeed immediately and the
// follow-up events come from onCommand.
type fakeAdapter struct {
	caps   Capabilities
	frames []BackendFrame

	// launch runs inside Launch before the initial breakpoints are
	// registered.
	launch func(ctx context.Context, f *fakeAdapter, host Host, cfg LaunchConfig) error

	// onCommand produces the events following an accepted command.
	onCommand func(f *fakeAdapter, cmd string)

	setBreakpoint func(req BreakpointRequest) (BreakpointResult, error)
	evaluate      func(ref, expr string) (Value, error)

	mu     sync.Mutex
	events chan BackendEvent
	closed bool
	calls  []string
	bps    map[int]BreakpointRequest
	proc   Process
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		caps: Capabilities{
			ConditionalBreakpoints: true,
			Pause:                  true,
			Evaluate:               true,
			StopOnEntry:            true,
		},
		frames: []BackendFrame{
			{
				Ref:       "f0",
				Name:      "main",
				Location:  Location{File: "app.js", Line: 10},
				Variables: []Variable{{Name: "x", Value: "1", Type: "number", Scope: "Local"}},
			},
			{Ref: "f1", Name: "(anonymous)", Location: Location{File: "app.js", Line: 20}},
		},
		events: make(chan BackendEvent, 256),
		bps:    make(map[int]BreakpointRequest),
	}
}

func (f *fakeAdapter) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeAdapter) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAdapter) emit(ev BackendEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.events <- ev
	}
}

func (f *fakeAdapter) pause(reason string, hitRefs ...string) {
	f.emit(BackendEvent{Kind: BackendPaused, Reason: reason, Frames: f.frames, HitRefs: hitRefs})
}

func (f *fakeAdapter) Capabilities() Capabilities { return f.caps }

func (f *fakeAdapter) Launch(ctx context.Context, host Host, cfg LaunchConfig, bps []BreakpointRequest) ([]BreakpointResult, error) {
	f.record("launch")
	if f.launch != nil {
		if err := f.launch(ctx, f, host, cfg); err != nil {
			return nil, err
		}
	}
	results := make([]BreakpointResult, 0, len(bps))
	for _, bp := range bps {
		res, err := f.SetBreakpoint(ctx, bp)
		if err != nil {
			res = BreakpointResult{ID: bp.ID, Warnings: []string{err.Error()}}
		}
		results = append(results, res)
	}
	if cfg.StopOnEntry && f.caps.StopOnEntry {
		f.pause(ReasonEntry)
	}
	return results, nil
}

func (f *fakeAdapter) SetBreakpoint(ctx context.Context, req BreakpointRequest) (BreakpointResult, error) {
	f.record(fmt.Sprintf("set:%d", req.ID))
	if f.setBreakpoint != nil {
		return f.setBreakpoint(req)
	}
	f.mu.Lock()
	f.bps[req.ID] = req
	f.mu.Unlock()
	res := BreakpointResult{ID: req.ID, Ref: fmt.Sprintf("b%d", req.ID), Verified: true, Line: req.Line}
	if req.Condition != "" && !f.caps.ConditionalBreakpoints {
		res.Warnings = []string{Unsupported("condition")}
	}
	return res, nil
}

func (f *fakeAdapter) RemoveBreakpoint(ctx context.Context, id int) error {
	f.record(fmt.Sprintf("remove:%d", id))
	f.mu.Lock()
	delete(f.bps, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) command(cmd string) error {
	f.record(cmd)
	if f.onCommand != nil {
		f.onCommand(f, cmd)
		return nil
	}
	switch cmd {
	case "continue":
		f.emit(BackendEvent{Kind: BackendResumed})
	case "next", "stepIn", "stepOut":
		f.emit(BackendEvent{Kind: BackendResumed})
		f.pause(ReasonStep)
	case "pause":
		f.pause(ReasonPause)
	}
	return nil
}

func (f *fakeAdapter) Continue(ctx context.Context) error { return f.command("continue") }
func (f *fakeAdapter) Next(ctx context.Context) error     { return f.command("next") }
func (f *fakeAdapter) StepIn(ctx context.Context) error   { return f.command("stepIn") }
func (f *fakeAdapter) StepOut(ctx context.Context) error  { return f.command("stepOut") }
func (f *fakeAdapter) Pause(ctx context.Context) error    { return f.command("pause") }

func (f *fakeAdapter) Evaluate(ctx context.Context, ref, expr string) (Value, error) {
	f.record("evaluate:" + ref + ":" + expr)
	if f.evaluate != nil {
		return f.evaluate(ref, expr)
	}
	return Value{Value: expr, Type: "string"}, nil
}

func (f *fakeAdapter) Events() <-chan BackendEvent { return f.events }

func (f *fakeAdapter) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

// fakeFactory hands out adapters built by newFn.
type fakeFactory struct {
	mu       sync.Mutex
	newFn    func() *fakeAdapter
	err      error
	adapters []*fakeAdapter
}

func (ff *fakeFactory) Supports(kind Kind) bool { return kind.Valid() }

func (ff *fakeFactory) NewAdapter(kind Kind) (Adapter, error) {
	if ff.err != nil {
		return nil, ff.err
	}
	f := newFakeAdapter()
	if ff.newFn != nil {
		f = ff.newFn()
	}
	ff.mu.Lock()
	ff.adapters = append(ff.adapters, f)
	ff.mu.Unlock()
	return f, nil
}

func (ff *fakeFactory) last() *fakeAdapter {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.adapters) == 0 {
		return nil
	}
	return ff.adapters[len(ff.adapters)-1]
}

func newTestManager(t *testing.T, ff *fakeFactory, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithTimeout(2 * time.Second), WithStopGrace(100 * time.Millisecond)}, opts...)
	m := NewManager(ff, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func createSession(t *testing.T, m *Manager, cfg LaunchConfig) string {
	t.Helper()
	if cfg.Program == "" {
		cfg.Program = "app.js"
	}
	info, err := m.CreateSession("test", KindManaged, cfg)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return info.ID
}

// recorder collects the events of one session.
type recorder struct {
	sub *event.Subscription
}

func record(t *testing.T, m *Manager, id string) *recorder {
	t.Helper()
	sub, err := m.Subscribe(event.Filter{SessionID: id})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(sub.Close)
	return &recorder{sub: sub}
}

// next returns the next event or fails after a timeout.
func (r *recorder) next(t *testing.T) event.Event {
	t.Helper()
	select {
	case ev, ok := <-r.sub.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return event.Event{}
}

// expect reads events and checks their types in order.
func (r *recorder) expect(t *testing.T, types ...event.Type) []event.Event {
	t.Helper()
	out := make([]event.Event, 0, len(types))
	for i, want := range types {
		ev := r.next(t)
		if ev.Type != want {
			t.Fatalf("event %d: got %s, want %s", i, ev.Type, want)
		}
		out = append(out, ev)
	}
	return out
}

// drainFor collects everything delivered within d.
func (r *recorder) drainFor(d time.Duration) []event.Event {
	var out []event.Event
	deadline := time.After(d)
	for {
		select {
		case ev, ok := <-r.sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func waitForState(t *testing.T, m *Manager, id string, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		info, err := m.GetSession(id)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if info.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	info, _ := m.GetSession(id)
	t.Fatalf("state = %s, want %s", info.State, want)
}

func mustState(t *testing.T, st State, err error, want State) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st != want {
		t.Fatalf("state = %s, want %s", st, want)
	}
}
