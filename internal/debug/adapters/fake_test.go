package adapters

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	godap "github.com/google/go-dap"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/dshills/debugd/internal/debug"
)

// fakeProc is an in-memory backend process.
type fakeProc struct {
	spec    debug.ProcessSpec
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	done    chan struct{}
	once    sync.Once
}

func newFakeProc(spec debug.ProcessSpec) *fakeProc {
	p := &fakeProc{spec: spec, done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	if spec.Stdout != nil {
		go func() {
			sc := bufio.NewScanner(p.stdoutR)
			for sc.Scan() {
				spec.Stdout(sc.Text())
			}
		}()
	}
	return p
}

func (p *fakeProc) ID() string { return "fake" }

func (p *fakeProc) PID() int { return 0 }

func (p *fakeProc) Write(b []byte) (int, error) { return p.stdinW.Write(b) }

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) ExitCode() int { return 0 }

func (p *fakeProc) StderrTail() string { return "" }

func (p *fakeProc) println(line string) error {
	_, err := io.WriteString(p.stdoutW, line+"\n")
	return err
}

func (p *fakeProc) Stdout() (io.Reader, error) {
	if p.spec.Stdout != nil {
		return nil, errors.New("stdout has a line handler")
	}
	return p.stdoutR, nil
}

func (p *fakeProc) exit() {
	p.once.Do(func() {
		close(p.done)
		p.stdinR.Close()
		p.stdoutW.Close()
	})
}

// fakeHost runs serve for every spawned process; the process exits when
// serve returns.
type fakeHost struct {
	serve func(p *fakeProc)

	mu    sync.Mutex
	procs []*fakeProc
}

func newFakeHost(t *testing.T, serve func(p *fakeProc)) *fakeHost {
	h := &fakeHost{serve: serve}
	t.Cleanup(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, p := range h.procs {
			p.exit()
		}
	})
	return h
}

func (h *fakeHost) Spawn(_ context.Context, spec debug.ProcessSpec) (debug.Process, error) {
	p := newFakeProc(spec)
	h.mu.Lock()
	h.procs = append(h.procs, p)
	h.mu.Unlock()
	go func() {
		h.serve(p)
		p.exit()
	}()
	return p, nil
}

func (h *fakeHost) spec(t *testing.T) debug.ProcessSpec {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.procs) != 1 {
		t.Fatalf("spawned %d processes, want 1", len(h.procs))
	}
	return h.procs[0].spec
}

func nextEvent(t *testing.T, a debug.Adapter) debug.BackendEvent {
	t.Helper()
	select {
	case ev, ok := <-a.Events():
		if !ok {
			t.Fatal("events closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for backend event")
	}
	return debug.BackendEvent{}
}

func waitClosed(t *testing.T, a debug.Adapter) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-a.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("events not closed")
		}
	}
}

// dapPeer is the adapter side of a DAP stream.
type dapPeer struct {
	r   *bufio.Reader
	w   io.Writer
	mu  sync.Mutex
	seq int
}

func newDAPPeer(r io.Reader, w io.Writer) *dapPeer {
	return &dapPeer{r: bufio.NewReader(r), w: w}
}

func (p *dapPeer) read() (gjson.Result, error) {
	content, err := godap.ReadBaseMessage(p.r)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(content), nil
}

func (p *dapPeer) write(m map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	m["seq"] = p.seq
	content, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	_ = godap.WriteBaseMessage(p.w, content)
}

func (p *dapPeer) respond(req gjson.Result, body any) {
	m := map[string]any{
		"type":        "response",
		"request_seq": req.Get("seq").Int(),
		"command":     req.Get("command").String(),
		"success":     true,
	}
	if body != nil {
		m["body"] = body
	}
	p.write(m)
}

func (p *dapPeer) fail(req gjson.Result, msg string) {
	p.write(map[string]any{
		"type":        "response",
		"request_seq": req.Get("seq").Int(),
		"command":     req.Get("command").String(),
		"success":     false,
		"message":     msg,
	})
}

func (p *dapPeer) event(name string, body any) {
	m := map[string]any{"type": "event", "event": name}
	if body != nil {
		m["body"] = body
	}
	p.write(m)
}

// fakeDebugger is a scripted DAP debug adapter for one program. Like
// debugpy, it answers launch only after configurationDone.
type fakeDebugger struct {
	conditional bool
	// chatty is the number of output events sent before answering
	// configurationDone.
	chatty int

	mu       sync.Mutex
	launch   gjson.Result
	bpSeq    int
	commands []string
	files    map[string][]int
}

func (d *fakeDebugger) launchArgs() gjson.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launch
}

func (d *fakeDebugger) sent(command string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.commands {
		if c == command {
			n++
		}
	}
	return n
}

func (d *fakeDebugger) received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *fakeDebugger) lines(path string) []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.files[path]...)
}

var fakeFrames = []map[string]any{
	{"id": 100, "name": "main", "source": map[string]any{"path": "/app/main.py"}, "line": 3, "column": 1},
	{"id": 101, "name": "<module>", "source": map[string]any{"name": "main.py"}, "line": 10, "column": 1},
}

func (d *fakeDebugger) serve(p *dapPeer) {
	var launchReq gjson.Result
	for {
		req, err := p.read()
		if err != nil {
			return
		}
		if req.Get("type").String() != "request" {
			continue
		}
		cmd := req.Get("command").String()
		d.mu.Lock()
		d.commands = append(d.commands, cmd)
		d.mu.Unlock()

		switch cmd {
		case "initialize":
			p.respond(req, map[string]any{
				"supportsConfigurationDoneRequest": true,
				"supportsConditionalBreakpoints":   d.conditional,
			})
			p.event("initialized", nil)

		case "launch":
			d.mu.Lock()
			d.launch = req.Get("arguments")
			d.mu.Unlock()
			launchReq = req

		case "setBreakpoints":
			var bps []map[string]any
			var lines []int
			d.mu.Lock()
			for _, bp := range req.Get("arguments.breakpoints").Array() {
				d.bpSeq++
				lines = append(lines, int(bp.Get("line").Int()))
				bps = append(bps, map[string]any{"id": d.bpSeq, "verified": true, "line": bp.Get("line").Int()})
			}
			if d.files == nil {
				d.files = make(map[string][]int)
			}
			d.files[req.Get("arguments.source.path").String()] = lines
			d.mu.Unlock()
			p.respond(req, map[string]any{"breakpoints": bps})

		case "configurationDone":
			if !launchReq.Exists() {
				p.fail(req, "configurationDone before launch")
				continue
			}
			for i := 0; i < d.chatty; i++ {
				p.event("output", map[string]any{"category": "stdout", "output": "line " + strconv.Itoa(i) + "\n"})
			}
			p.respond(req, nil)
			p.respond(launchReq, nil)
			p.event("output", map[string]any{"category": "stdout", "output": "hello\n"})
			p.event("output", map[string]any{"category": "telemetry", "output": "ignored"})
			if d.launchArgs().Get("stopOnEntry").Bool() {
				p.event("stopped", map[string]any{"reason": "entry", "threadId": 1})
			}

		case "threads":
			p.respond(req, map[string]any{"threads": []map[string]any{{"id": 1, "name": "MainThread"}}})

		case "stackTrace":
			p.respond(req, map[string]any{"stackFrames": fakeFrames, "totalFrames": 2})

		case "scopes":
			p.respond(req, map[string]any{"scopes": []map[string]any{
				{"name": "Locals", "variablesReference": 7, "expensive": false},
				{"name": "Globals", "variablesReference": 8, "expensive": true},
			}})

		case "variables":
			p.respond(req, map[string]any{"variables": []map[string]any{
				{"name": "x", "value": "41", "type": "int", "variablesReference": 0},
			}})

		case "continue":
			p.respond(req, map[string]any{"allThreadsContinued": true})
			p.event("stopped", map[string]any{"reason": "breakpoint", "threadId": 1, "hitBreakpointIds": []int{1}})

		case "next":
			p.respond(req, nil)
			p.event("stopped", map[string]any{"reason": "step", "threadId": 1})

		case "pause":
			p.respond(req, nil)
			p.event("stopped", map[string]any{"reason": "pause", "threadId": 1})

		case "evaluate":
			if req.Get("arguments.expression").String() == "boom" {
				p.fail(req, "NameError: name 'boom' is not defined")
				continue
			}
			p.respond(req, map[string]any{"result": "42", "type": "int", "variablesReference": 0})

		case "disconnect":
			p.respond(req, nil)
			return

		default:
			p.respond(req, nil)
		}
	}
}

// devtools is a fake devtools endpoint: target discovery over HTTP and one
// page target over WebSocket.
type devtools struct {
	srv    *httptest.Server
	handle func(method string, params gjson.Result) (result string, events []string)

	mu      sync.Mutex
	methods []string
	params  map[string]gjson.Result
	conn    *websocket.Conn
}

func newDevtools(t *testing.T, handle func(method string, params gjson.Result) (string, []string)) *devtools {
	t.Helper()
	d := &devtools{handle: handle, params: make(map[string]gjson.Result)}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"p1","type":"page","title":"app","url":"http://localhost:3000/",` +
			`"webSocketDebuggerUrl":"` + d.wsURL() + `"}]`))
	})
	mux.HandleFunc("/devtools/page/p1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		d.mu.Lock()
		d.conn = conn
		d.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg := gjson.ParseBytes(data)
			method := msg.Get("method").String()
			d.mu.Lock()
			d.methods = append(d.methods, method)
			d.params[method] = msg.Get("params")
			d.mu.Unlock()

			result, events := d.handle(method, msg.Get("params"))
			if result == "" {
				result = "{}"
			}
			reply := `{"id":` + msg.Get("id").Raw + `,"result":` + result + `}`
			if strings.HasPrefix(result, `{"error"`) {
				reply = `{"id":` + msg.Get("id").Raw + `,` + result[1:]
			}
			for _, out := range append([]string{reply}, events...) {
				if err := d.push(out); err != nil {
					return
				}
			}
		}
	})
	d.srv = httptest.NewServer(mux)
	t.Cleanup(d.srv.Close)
	return d
}

func (d *devtools) wsURL() string {
	return "ws" + strings.TrimPrefix(d.srv.URL, "http") + "/devtools/page/p1"
}

func (d *devtools) called(method string) (gjson.Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.params[method]
	return p, ok
}

// push sends an unsolicited event.
func (d *devtools) push(ev string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return errors.New("not connected")
	}
	return d.conn.WriteMessage(websocket.TextMessage, []byte(ev))
}
