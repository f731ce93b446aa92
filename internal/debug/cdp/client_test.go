package cdp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// fakePeer is a devtools endpoint; handle answers each incoming message by
// returning the messages to send back.
type fakePeer struct {
	srv    *httptest.Server
	handle func(msg gjson.Result) []string
	conns  chan *websocket.Conn
}

func newFakePeer(t *testing.T, handle func(msg gjson.Result) []string) *fakePeer {
	t.Helper()
	p := &fakePeer{handle: handle, conns: make(chan *websocket.Conn, 1)}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			for _, out := range p.handle(gjson.ParseBytes(data)) {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(out)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePeer) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func dial(t *testing.T, p *fakePeer) *Client {
	t.Helper()
	c, err := Dial(context.Background(), p.url())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func reply(msg gjson.Result, result string) string {
	return `{"id":` + msg.Get("id").Raw + `,"result":` + result + `}`
}

func TestCall(t *testing.T) {
	p := newFakePeer(t, func(msg gjson.Result) []string {
		switch msg.Get("method").String() {
		case "Runtime.evaluate":
			expr := msg.Get("params.expression").String()
			return []string{reply(msg, `{"result":{"type":"string","value":"`+expr+`"}}`)}
		case "Debugger.enable":
			return []string{`{"id":` + msg.Get("id").Raw + `,"error":{"code":-32000,"message":"not allowed"}}`}
		}
		return []string{reply(msg, `{}`)}
	})
	c := dial(t, p)
	ctx := context.Background()

	res, err := c.Call(ctx, "Runtime.evaluate", map[string]any{"expression": "1+1"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := res.Get("result.value").String(); got != "1+1" {
		t.Errorf("value = %q", got)
	}

	_, err = c.Call(ctx, "Debugger.enable", nil)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
	if perr.Code != -32000 || perr.Message != "not allowed" || perr.Method != "Debugger.enable" {
		t.Errorf("ProtocolError = %+v", perr)
	}
}

func TestEventsBeforeResponse(t *testing.T) {
	p := newFakePeer(t, func(msg gjson.Result) []string {
		return []string{
			`{"method":"Debugger.resumed","params":{}}`,
			`{"method":"Debugger.paused","params":{"reason":"other","hitBreakpoints":["1:4:0:app"]}}`,
			reply(msg, `{}`),
		}
	})
	c := dial(t, p)

	if _, err := c.Call(context.Background(), "Debugger.stepOver", nil); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Debugger.resumed", "Debugger.paused"} {
		select {
		case ev := <-c.Events():
			if ev.Method != want {
				t.Fatalf("event = %s, want %s", ev.Method, want)
			}
			if want == "Debugger.paused" && ev.Params.Get("hitBreakpoints.0").String() != "1:4:0:app" {
				t.Errorf("params = %s", ev.Params.Raw)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestMalformedMessageDiscarded(t *testing.T) {
	p := newFakePeer(t, func(msg gjson.Result) []string {
		return []string{`{not json`, `{"neither":1}`, reply(msg, `{"ok":true}`)}
	})
	c := dial(t, p)

	res, err := c.Call(context.Background(), "Runtime.enable", nil)
	if err != nil || !res.Get("ok").Bool() {
		t.Fatalf("Call = %s, %v", res.Raw, err)
	}
}

func TestConnectionLost(t *testing.T) {
	p := newFakePeer(t, func(msg gjson.Result) []string { return nil })
	c := dial(t, p)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "Debugger.resume", nil)
		done <- err
	}()
	conn := <-p.conns
	time.Sleep(20 * time.Millisecond)
	conn.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Call = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed")
	}
	select {
	case _, ok := <-c.Events():
		if ok {
			t.Error("unexpected event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events not closed")
	}
}

func TestDiscoverTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/list" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`[
			{"id":"w1","type":"service_worker","webSocketDebuggerUrl":"ws://x/w1"},
			{"id":"p0","type":"page","title":"attached"},
			{"id":"n1","type":"node","webSocketDebuggerUrl":"ws://x/n1"},
			{"id":"p1","type":"page","title":"app","url":"http://localhost:3000/","webSocketDebuggerUrl":"ws://x/p1"}
		]`))
	}))
	defer srv.Close()

	host, portStr, _ := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	port, _ := strconv.Atoi(portStr)

	target, err := DiscoverTarget(context.Background(), srv.Client(), host, port)
	if err != nil {
		t.Fatalf("DiscoverTarget: %v", err)
	}
	if target.ID != "p1" || target.WebSocketURL != "ws://x/p1" || target.Title != "app" {
		t.Errorf("target = %+v", target)
	}

	targets, err := ListTargets(context.Background(), srv.Client(), host, port)
	if err != nil || len(targets) != 4 {
		t.Errorf("ListTargets = %d, %v", len(targets), err)
	}
}

func TestDiscoverTargetNone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"p0","type":"page"}]`))
	}))
	defer srv.Close()

	host, portStr, _ := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	port, _ := strconv.Atoi(portStr)

	if _, err := DiscoverTarget(context.Background(), srv.Client(), host, port); !errors.Is(err, ErrNoTarget) {
		t.Errorf("err = %v, want ErrNoTarget", err)
	}
}
