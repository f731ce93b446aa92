package adapters

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dshills/debugd/internal/debug"
	"github.com/dshills/debugd/internal/event"
)

// The test binary doubles as a backend process: with backendEnv set it
// serves one protocol on its stdio instead of running tests.
const (
	backendEnv = "DEBUGD_TEST_BACKEND"
	chattyEnv  = "DEBUGD_TEST_CHATTY"
)

func TestMain(m *testing.M) {
	backend := os.Getenv(backendEnv)
	if backend == "" {
		os.Exit(m.Run())
	}
	chatty, _ := strconv.Atoi(os.Getenv(chattyEnv))
	switch backend {
	case "custom", "custom-bare":
		b := &customBackend{chatty: chatty}
		if backend == "custom" {
			b.caps = `{"pause":true,"evaluate":true,"stopOnEntry":true}`
		}
		b.run(os.Stdin, func(line string) error {
			_, err := fmt.Fprintln(os.Stdout, line)
			return err
		})
	case "dap":
		d := &fakeDebugger{chatty: chatty}
		d.serve(newDAPPeer(os.Stdin, os.Stdout))
	default:
		fmt.Fprintf(os.Stderr, "unknown backend %q\n", backend)
		os.Exit(2)
	}
	os.Exit(0)
}

// backendManager returns a manager whose kind runs this test binary as
// the backend process.
func backendManager(t *testing.T, kind debug.Kind, ctor Constructor, backend string, chatty int) *debug.Manager {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	r := NewRegistry()
	r.Register(kind, func(s Settings) (debug.Adapter, error) {
		s.Command = []string{exe}
		s.Env = append(s.Env, backendEnv+"="+backend, chattyEnv+"="+strconv.Itoa(chatty))
		return ctor(s)
	})
	return testManager(t, r)
}

func testManager(t *testing.T, factory debug.AdapterFactory) *debug.Manager {
	t.Helper()
	m := debug.NewManager(factory, debug.WithTimeout(5*time.Second), debug.WithStopGrace(time.Second))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func subscribe(t *testing.T, m *debug.Manager, id string) *event.Subscription {
	t.Helper()
	sub, err := m.Subscribe(event.Filter{SessionID: id})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(sub.Close)
	return sub
}

// until reads events up to and including the first one of type typ.
func until(t *testing.T, sub *event.Subscription, typ event.Type) []event.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	var evs []event.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("event stream closed before %s", typ)
			}
			evs = append(evs, ev)
			if ev.Type == typ {
				return evs
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// outputLines counts the output events carrying a "line N" text.
func outputLines(evs []event.Event) int {
	n := 0
	for _, ev := range evs {
		if p, ok := ev.Payload.(debug.OutputPayload); ok && strings.HasPrefix(p.Output, "line ") {
			n++
		}
	}
	return n
}

func mustState(t *testing.T, op string, st debug.State, err error, want debug.State) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", op, err)
	}
	if st != want {
		t.Fatalf("%s state = %s, want %s", op, st, want)
	}
}

func hitCount(t *testing.T, m *debug.Manager, id string, bpID int) int {
	t.Helper()
	info, err := m.GetSession(id)
	if err != nil {
		t.Fatal(err)
	}
	for _, bp := range info.Breakpoints {
		if bp.ID == bpID {
			return bp.HitCount
		}
	}
	t.Fatalf("breakpoint %d not found", bpID)
	return 0
}

// runSession drives a launched session from a stop on entry to a
// breakpoint hit and back down.
func runSession(t *testing.T, m *debug.Manager, kind debug.Kind, cfg debug.LaunchConfig, bp debug.BreakpointSpec, chatty int) {
	t.Helper()
	ctx := context.Background()

	info, err := m.CreateSession("e2e", kind, cfg)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	id := info.ID
	sub := subscribe(t, m, id)

	added, err := m.AddBreakpoint(ctx, id, bp)
	if err != nil {
		t.Fatalf("AddBreakpoint: %v", err)
	}

	st, err := m.Start(ctx, id)
	mustState(t, "Start", st, err, debug.StatePaused)
	evs := until(t, sub, event.TypePaused)
	if evs[0].Type != event.TypeStarted {
		t.Errorf("first event = %s, want started", evs[0].Type)
	}
	if n := outputLines(evs); n != chatty {
		t.Errorf("got %d output lines before the entry pause, want %d", n, chatty)
	}
	info, _ = m.GetSession(id)
	if !info.ProcessAlive || info.ProcessRef == "" {
		t.Errorf("session has no live backend process: %+v", info)
	}

	st, err = m.Continue(ctx, id)
	mustState(t, "Continue", st, err, debug.StatePaused)
	until(t, sub, event.TypeBreakpointHit)
	if n := hitCount(t, m, id, added.ID); n != 1 {
		t.Errorf("hit count = %d, want 1", n)
	}
	frames, err := m.GetCallStack(id)
	if err != nil || len(frames) == 0 {
		t.Fatalf("GetCallStack = %v, %v", frames, err)
	}
	v, err := m.EvaluateExpression(ctx, id, 0, "n + 1")
	if err != nil || v.Value != "42" {
		t.Errorf("EvaluateExpression = %+v, %v", v, err)
	}

	if err := m.Stop(ctx, id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	evs = until(t, sub, event.TypeTerminated)
	p, _ := evs[len(evs)-1].Payload.(debug.TerminatedPayload)
	if p.Crashed {
		t.Errorf("terminated payload = %+v", p)
	}
	info, _ = m.GetSession(id)
	if info.State != debug.StateTerminated || info.ProcessAlive {
		t.Errorf("after Stop: state %s, process alive %v", info.State, info.ProcessAlive)
	}
}

func TestManagerCustomBackend(t *testing.T) {
	for _, chatty := range []int{0, 300} {
		t.Run(fmt.Sprintf("chatty=%d", chatty), func(t *testing.T) {
			m := backendManager(t, debug.KindCustom, NewCustomAdapter, "custom", chatty)
			runSession(t, m, debug.KindCustom,
				debug.LaunchConfig{Program: "main.x", StopOnEntry: true},
				debug.BreakpointSpec{File: "main.x", Line: 4}, chatty)
		})
	}
}

func TestManagerScriptBackend(t *testing.T) {
	for _, chatty := range []int{0, 300} {
		t.Run(fmt.Sprintf("chatty=%d", chatty), func(t *testing.T) {
			m := backendManager(t, debug.KindScript, NewScriptAdapter, "dap", chatty)
			runSession(t, m, debug.KindScript,
				debug.LaunchConfig{Program: "/app/main.py", StopOnEntry: true},
				debug.BreakpointSpec{File: "/app/main.py", Line: 3}, chatty)
		})
	}
}

func TestManagerChromeBackend(t *testing.T) {
	d := newDevtools(t, browserHandler)
	host, port := hostPort(t, d)
	m := testManager(t, NewRegistry())
	ctx := context.Background()

	info, err := m.CreateSession("page", debug.KindChrome, debug.LaunchConfig{Host: host, Port: port})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	id := info.ID
	sub := subscribe(t, m, id)
	added, err := m.AddBreakpoint(ctx, id, debug.BreakpointSpec{File: "app.js", Line: 3})
	if err != nil {
		t.Fatalf("AddBreakpoint: %v", err)
	}

	st, err := m.Start(ctx, id)
	mustState(t, "Start", st, err, debug.StateRunning)
	until(t, sub, event.TypeStarted)

	for i := 0; i < 100; i++ {
		if err := d.push(`{"method":"Runtime.consoleAPICalled","params":{"type":"log","args":[{"type":"string","value":"line ` + strconv.Itoa(i) + `"}]}}`); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.push(hitEvent); err != nil {
		t.Fatal(err)
	}
	evs := until(t, sub, event.TypeBreakpointHit)
	if n := outputLines(evs); n != 100 {
		t.Errorf("got %d console lines, want 100", n)
	}
	if n := hitCount(t, m, id, added.ID); n != 1 {
		t.Errorf("hit count = %d, want 1", n)
	}
	v, err := m.EvaluateExpression(ctx, id, 0, "greeting")
	if err != nil || v.Value != "hi" {
		t.Errorf("EvaluateExpression = %+v, %v", v, err)
	}

	st, err = m.Continue(ctx, id)
	mustState(t, "Continue", st, err, debug.StatePaused)
	if n := hitCount(t, m, id, added.ID); n != 2 {
		t.Errorf("hit count = %d, want 2", n)
	}

	if err := m.Stop(ctx, id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	until(t, sub, event.TypeTerminated)
}

func TestManagerCustomBackendWithoutCapabilities(t *testing.T) {
	m := backendManager(t, debug.KindCustom, NewCustomAdapter, "custom-bare", 0)
	ctx := context.Background()

	info, err := m.CreateSession("bare", debug.KindCustom, debug.LaunchConfig{Program: "main.x", StopOnEntry: true})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	id := info.ID
	sub := subscribe(t, m, id)

	// Without the stopOnEntry capability Start does not wait for the entry
	// pause; the backend still reports it.
	st, err := m.Start(ctx, id)
	mustState(t, "Start", st, err, debug.StateRunning)
	until(t, sub, event.TypePaused)

	v, err := m.EvaluateExpression(ctx, id, 0, "n")
	if err != nil {
		t.Fatalf("EvaluateExpression: %v", err)
	}
	if v.Value != "" || len(v.Warnings) != 1 || v.Warnings[0] != debug.Unsupported("evaluate") {
		t.Errorf("EvaluateExpression = %+v", v)
	}

	if err := m.Stop(ctx, id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	until(t, sub, event.TypeTerminated)
}
