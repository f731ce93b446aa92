// Package cdp is a minimal Chrome DevTools Protocol client over WebSocket.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/debugd/internal/logflags"
)

// ErrClosed is returned by calls on a closed client or after the socket
// was lost.
var ErrClosed = errors.New("cdp: connection closed")

// ProtocolError is an error response to a method call.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Method, e.Message, e.Code)
}

// Event is a protocol notification.
type Event struct {
	Method string
	Params gjson.Result
}

type result struct {
	value gjson.Result
	err   error
}

type pendingCall struct {
	method string
	ch     chan result
}

// Client sends method calls and receives events over one WebSocket.
type Client struct {
	conn *websocket.Conn
	log  *logrus.Entry

	wmu sync.Mutex
	id  atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingCall
	err     error

	qmu    sync.Mutex
	queue  []Event
	ended  bool
	notify chan struct{}
	events chan Event

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a WebSocket debugger URL.
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewClient(conn), nil
}

// NewClient starts a client on an established connection.
func NewClient(conn *websocket.Conn) *Client {
	c := &Client{
		conn:    conn,
		log:     logflags.WireLogger().WithField("proto", "cdp"),
		pending: make(map[int64]*pendingCall),
		notify:  make(chan struct{}, 1),
		events:  make(chan Event),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.pump()
	return c
}

// Events delivers notifications in arrival order. It is closed after the
// connection ends and the queue drains, or when the client is closed.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Call invokes method and waits for its result.
func (c *Client) Call(ctx context.Context, method string, params any) (gjson.Result, error) {
	id := c.id.Add(1)
	msg, err := sjson.SetBytes([]byte(`{}`), "id", id)
	if err == nil {
		msg, err = sjson.SetBytes(msg, "method", method)
	}
	if err == nil && params != nil {
		msg, err = sjson.SetBytes(msg, "params", params)
	}
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encode %s: %w", method, err)
	}

	p := &pendingCall{method: method, ch: make(chan result, 1)}
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return gjson.Result{}, err
	}
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		c.forget(id)
		return gjson.Result{}, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case r := <-p.ch:
		return r.value, r.err
	case <-ctx.Done():
		c.forget(id)
		return gjson.Result{}, ctx.Err()
	}
}

func (c *Client) write(msg []byte) error {
	if logflags.Enabled(logflags.LayerWire) {
		c.log.Debugf("-> %s", msg)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close sends a close frame and closes the socket.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.fail(ErrClosed)
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()
	for _, p := range pending {
		p.ch <- result{err: err}
	}
}

func (c *Client) readLoop() {
	defer c.endQueue()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.WithError(err).Debug("cdp connection ended")
				}
			}
			c.fail(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		if logflags.Enabled(logflags.LayerWire) {
			c.log.Debugf("<- %s", data)
		}
		if !gjson.ValidBytes(data) {
			c.log.Warn("discarding malformed cdp message")
			continue
		}

		msg := gjson.ParseBytes(data)
		if id := msg.Get("id"); id.Exists() {
			c.resolve(id.Int(), msg)
			continue
		}
		if method := msg.Get("method").String(); method != "" {
			c.enqueue(Event{Method: method, Params: msg.Get("params")})
			continue
		}
		c.log.Warn("discarding cdp message without id or method")
	}
}

func (c *Client) resolve(id int64, msg gjson.Result) {
	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	if e := msg.Get("error"); e.Exists() {
		p.ch <- result{err: &ProtocolError{
			Method:  p.method,
			Code:    e.Get("code").Int(),
			Message: e.Get("message").String(),
		}}
		return
	}
	p.ch <- result{value: msg.Get("result")}
}

func (c *Client) enqueue(ev Event) {
	c.qmu.Lock()
	c.queue = append(c.queue, ev)
	c.qmu.Unlock()
	c.wake()
}

func (c *Client) endQueue() {
	c.qmu.Lock()
	c.ended = true
	c.qmu.Unlock()
	c.wake()
}

func (c *Client) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Client) pump() {
	defer close(c.events)
	for {
		c.qmu.Lock()
		if len(c.queue) == 0 {
			ended := c.ended
			c.qmu.Unlock()
			if ended {
				return
			}
			select {
			case <-c.notify:
				continue
			case <-c.done:
				return
			}
		}
		ev := c.queue[0]
		c.queue[0] = Event{}
		c.queue = c.queue[1:]
		c.qmu.Unlock()

		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}
