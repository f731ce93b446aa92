package adapters

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/dshills/debugd/internal/debug"
)

func launchScript(t *testing.T, dbg *fakeDebugger, cfg debug.LaunchConfig, bps []debug.BreakpointRequest) (debug.Adapter, *fakeHost, []debug.BreakpointResult) {
	t.Helper()
	host := newFakeHost(t, func(p *fakeProc) {
		dbg.serve(newDAPPeer(p.stdinR, p.stdoutW))
	})
	a, err := NewScriptAdapter(Settings{Command: []string{"python3", "-m", "debugpy.adapter"}})
	if err != nil {
		t.Fatalf("NewScriptAdapter: %v", err)
	}
	t.Cleanup(func() { a.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := a.Launch(ctx, host, cfg, bps)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	return a, host, results
}

func TestScriptAdapterLaunch(t *testing.T) {
	dbg := &fakeDebugger{}
	bps := []debug.BreakpointRequest{
		{ID: 1, File: "/app/main.py", Line: 3},
		{ID: 2, File: "/app/util.py", Line: 7},
		{ID: 3, File: "/app/main.py", Line: 5, Condition: "x > 1"},
	}
	a, host, results := launchScript(t, dbg, debug.LaunchConfig{Program: "/app/main.py", StopOnEntry: true}, bps)

	spec := host.spec(t)
	if spec.Path != "python3" || !reflect.DeepEqual(spec.Args, []string{"-m", "debugpy.adapter"}) {
		t.Errorf("spawned %s %v", spec.Path, spec.Args)
	}

	args := dbg.launchArgs()
	if args.Get("program").String() != "/app/main.py" || !args.Get("justMyCode").Bool() || !args.Get("stopOnEntry").Bool() {
		t.Errorf("launch arguments = %s", args.Raw)
	}

	want := []struct {
		id      int
		ref     string
		warning bool
	}{
		{1, "1", false},
		{2, "3", false},
		{3, "2", true},
	}
	if len(results) != len(want) {
		t.Fatalf("got %d results", len(results))
	}
	for i, w := range want {
		r := results[i]
		if r.ID != w.id || r.Ref != w.ref || !r.Verified {
			t.Errorf("result %d = %+v", i, r)
		}
		if got := len(r.Warnings) > 0; got != w.warning {
			t.Errorf("result %d warnings = %v", i, r.Warnings)
		}
	}
	if w := results[2].Warnings; len(w) != 1 || w[0] != debug.Unsupported("condition") {
		t.Errorf("condition warning = %v", w)
	}
	if a.Capabilities().ConditionalBreakpoints {
		t.Error("conditional breakpoints reported without adapter support")
	}

	ev := nextEvent(t, a)
	if ev.Kind != debug.BackendOutput || ev.Text != "hello" || ev.Category != "stdout" {
		t.Errorf("first event = %+v", ev)
	}

	ev = nextEvent(t, a)
	if ev.Kind != debug.BackendPaused || ev.Reason != debug.ReasonEntry {
		t.Fatalf("event = %+v, want entry pause", ev)
	}
	if len(ev.Frames) != 2 {
		t.Fatalf("frames = %+v", ev.Frames)
	}
	top := ev.Frames[0]
	if top.Ref != "100" || top.Location != (debug.Location{File: "/app/main.py", Line: 3, Column: 1}) {
		t.Errorf("top frame = %+v", top)
	}
	if ev.Frames[1].Location.File != "main.py" {
		t.Errorf("frame without path = %+v", ev.Frames[1].Location)
	}
	wantVars := []debug.Variable{{Name: "x", Value: "41", Type: "int", Scope: "Locals"}}
	if !reflect.DeepEqual(top.Variables, wantVars) {
		t.Errorf("variables = %+v", top.Variables)
	}
}

func TestScriptAdapterRequestOrder(t *testing.T) {
	dbg := &fakeDebugger{}
	launchScript(t, dbg, debug.LaunchConfig{Program: "/app/main.py"},
		[]debug.BreakpointRequest{{ID: 1, File: "/app/main.py", Line: 3}})

	want := []string{"initialize", "launch", "setBreakpoints", "configurationDone"}
	if got := dbg.received(); len(got) < len(want) || !reflect.DeepEqual(got[:len(want)], want) {
		t.Errorf("requests = %v, want %v first", got, want)
	}
}

func TestScriptAdapterExecution(t *testing.T) {
	dbg := &fakeDebugger{conditional: true}
	a, _, _ := launchScript(t, dbg, debug.LaunchConfig{Program: "/app/main.py", StopOnEntry: true},
		[]debug.BreakpointRequest{{ID: 1, File: "/app/main.py", Line: 3, Condition: "x > 1"}})
	ctx := context.Background()

	nextEvent(t, a) // output
	if ev := nextEvent(t, a); ev.Kind != debug.BackendPaused {
		t.Fatalf("event = %+v", ev)
	}

	if err := a.Continue(ctx); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if ev := nextEvent(t, a); ev.Kind != debug.BackendResumed {
		t.Fatalf("event = %+v, want resumed", ev)
	}
	ev := nextEvent(t, a)
	if ev.Kind != debug.BackendPaused || ev.Reason != debug.ReasonBreakpoint || !reflect.DeepEqual(ev.HitRefs, []string{"1"}) {
		t.Fatalf("event = %+v, want breakpoint pause", ev)
	}

	v, err := a.Evaluate(ctx, ev.Frames[0].Ref, "x + 1")
	if err != nil || v.Value != "42" || v.Type != "int" {
		t.Errorf("Evaluate = %+v, %v", v, err)
	}
	if _, err := a.Evaluate(ctx, ev.Frames[0].Ref, "boom"); err == nil || !strings.Contains(err.Error(), "not defined") {
		t.Errorf("Evaluate(boom) err = %v", err)
	}
	if _, err := a.Evaluate(ctx, "top", "x"); err == nil {
		t.Error("Evaluate with a malformed frame reference succeeded")
	}

	if err := a.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev := nextEvent(t, a); ev.Kind != debug.BackendResumed {
		t.Fatalf("event = %+v, want resumed", ev)
	}
	if ev := nextEvent(t, a); ev.Reason != debug.ReasonStep {
		t.Fatalf("event = %+v, want step pause", ev)
	}

	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitClosed(t, a)
	if dbg.sent("disconnect") != 1 {
		t.Error("disconnect not sent")
	}
	if err := a.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := a.Continue(ctx); err == nil {
		t.Error("Continue after Close succeeded")
	}
}

func TestScriptAdapterBreakpointChanges(t *testing.T) {
	dbg := &fakeDebugger{}
	a, _, _ := launchScript(t, dbg, debug.LaunchConfig{Program: "main.py", Cwd: "/app"},
		[]debug.BreakpointRequest{{ID: 1, File: "util.py", Line: 7}})
	ctx := context.Background()
	nextEvent(t, a) // output

	if got := dbg.lines("/app/util.py"); !reflect.DeepEqual(got, []int{7}) {
		t.Fatalf("util.py lines = %v", got)
	}
	if got := dbg.launchArgs().Get("program").String(); got != "/app/main.py" {
		t.Errorf("program = %q", got)
	}

	res, err := a.SetBreakpoint(ctx, debug.BreakpointRequest{ID: 2, File: "util.py", Line: 9})
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if res.ID != 2 || res.Ref != "3" || res.Line != 9 {
		t.Errorf("result = %+v", res)
	}
	if got := dbg.lines("/app/util.py"); !reflect.DeepEqual(got, []int{7, 9}) {
		t.Errorf("util.py lines = %v", got)
	}
	ev := nextEvent(t, a)
	if ev.Kind != debug.BackendBreakpointChanged || ev.Breakpoint.ID != 1 || ev.Breakpoint.Ref != "2" {
		t.Errorf("sibling event = %+v", ev)
	}

	// Moving a breakpoint to another file clears it from the first.
	if _, err := a.SetBreakpoint(ctx, debug.BreakpointRequest{ID: 2, File: "main.py", Line: 4}); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if got := dbg.lines("/app/util.py"); !reflect.DeepEqual(got, []int{7}) {
		t.Errorf("util.py lines after move = %v", got)
	}
	if got := dbg.lines("/app/main.py"); !reflect.DeepEqual(got, []int{4}) {
		t.Errorf("main.py lines after move = %v", got)
	}

	if err := a.RemoveBreakpoint(ctx, 1); err != nil {
		t.Fatalf("RemoveBreakpoint: %v", err)
	}
	if got := dbg.lines("/app/util.py"); len(got) != 0 {
		t.Errorf("util.py lines after remove = %v", got)
	}
	if err := a.RemoveBreakpoint(ctx, 1); err != nil {
		t.Errorf("removing an unknown breakpoint: %v", err)
	}
}

func TestScriptAdapterPauseLooksUpThread(t *testing.T) {
	dbg := &fakeDebugger{}
	a, _, _ := launchScript(t, dbg, debug.LaunchConfig{Program: "/app/main.py"}, nil)
	nextEvent(t, a) // output

	if err := a.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if ev := nextEvent(t, a); ev.Kind != debug.BackendPaused || ev.Reason != debug.ReasonPause {
		t.Fatalf("event = %+v", ev)
	}
	if dbg.sent("threads") != 1 {
		t.Errorf("threads sent %d times", dbg.sent("threads"))
	}
}

func TestScriptAdapterBackendExit(t *testing.T) {
	host := newFakeHost(t, func(p *fakeProc) {
		peer := newDAPPeer(p.stdinR, p.stdoutW)
		if _, err := peer.read(); err != nil {
			return
		}
	})
	a, err := NewScriptAdapter(Settings{Command: []string{"python3"}})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.Launch(ctx, host, debug.LaunchConfig{Program: "x.py"}, nil); err == nil {
		t.Fatal("Launch succeeded against an exiting backend")
	}
	waitClosed(t, a)
}

func TestNewScriptAdapterNeedsCommand(t *testing.T) {
	if _, err := NewScriptAdapter(Settings{}); err == nil {
		t.Error("NewScriptAdapter without a command succeeded")
	}
}

func TestPauseReason(t *testing.T) {
	tests := map[string]string{
		"breakpoint":          debug.ReasonBreakpoint,
		"function breakpoint": debug.ReasonBreakpoint,
		"step":                debug.ReasonStep,
		"goto":                debug.ReasonStep,
		"entry":               debug.ReasonEntry,
		"exception":           debug.ReasonException,
		"pause":               debug.ReasonPause,
		"data breakpoint":     debug.ReasonBreakpoint,
		"":                    debug.ReasonPause,
	}
	for in, want := range tests {
		if got := pauseReason(in); got != want {
			t.Errorf("pauseReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSourcePath(t *testing.T) {
	b := newDAPBackend(debug.KindScript, Settings{})
	b.configure(debug.LaunchConfig{Cwd: "/work"})
	tests := []struct {
		in, want string
	}{
		{"/abs/a.py", "/abs/a.py"},
		{"src/a.py", "/work/src/a.py"},
		{"./a.py", "/work/a.py"},
	}
	for _, tt := range tests {
		if got := b.sourcePath(tt.in); got != tt.want {
			t.Errorf("sourcePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
