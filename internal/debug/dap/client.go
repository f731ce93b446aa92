package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/dshills/debugd/internal/logflags"
)

// ErrClosed is returned by calls on a closed client or after the adapter
// connection ended.
var ErrClosed = errors.New("dap: client closed")

// ResponseError is a failed response from the adapter.
type ResponseError struct {
	Command string
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed", e.Command)
	}
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}

// Event is an event received from the adapter.
type Event struct {
	Name string
	Body json.RawMessage

	// Synthetic marks events queued by the client itself.
	Synthetic bool
}

// RequestHandler answers a reverse request. The returned body is sent with a
// successful response; an error is sent as a failed response.
type RequestHandler func(args json.RawMessage) (any, error)

// resumeCommands are followed by a synthetic continued event.
var resumeCommands = map[string]bool{
	"continue":        true,
	"next":            true,
	"stepIn":          true,
	"stepOut":         true,
	"reverseContinue": true,
	"stepBack":        true,
}

// request is an outgoing request. go-dap's typed requests carry their own
// argument types; a single envelope lets Call take any argument value.
type request struct {
	dap.Request
	Arguments any `json:"arguments,omitempty"`
}

// response answers a reverse request.
type response struct {
	dap.Response
	Body any `json:"body,omitempty"`
}

// message is any incoming message.
type message struct {
	dap.ProtocolMessage
	Command    string          `json:"command"`
	RequestSeq int             `json:"request_seq"`
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Event      string          `json:"event"`
	Body       json.RawMessage `json:"body"`
	Arguments  json.RawMessage `json:"arguments"`
}

type pendingRequest struct {
	command string
	stops   uint64
	body    any
	done    chan error
}

// Client is a DAP client over a byte stream.
type Client struct {
	r      *bufio.Reader
	w      io.Writer
	closer io.Closer
	log    *logrus.Entry
	wire   *logrus.Entry

	wmu sync.Mutex
	seq atomic.Int64

	// stops counts stopped events received so far.
	stops atomic.Uint64

	mu       sync.Mutex
	pending  map[int]*pendingRequest
	handlers map[string]RequestHandler
	err      error

	qmu    sync.Mutex
	queue  []Event
	ended  bool
	notify chan struct{}
	events chan Event

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithCloser sets the closer invoked by Close, typically the connection.
func WithCloser(c io.Closer) Option {
	return func(cl *Client) {
		cl.closer = c
	}
}

// WithLogger sets the logger for protocol errors.
func WithLogger(log *logrus.Entry) Option {
	return func(cl *Client) {
		cl.log = log
	}
}

// NewClient starts a client reading messages from r and writing to w.
func NewClient(r io.Reader, w io.Writer, opts ...Option) *Client {
	c := &Client{
		r:        bufio.NewReader(r),
		w:        w,
		log:      logflags.WireLogger(),
		pending:  make(map[int]*pendingRequest),
		handlers: make(map[string]RequestHandler),
		notify:   make(chan struct{}, 1),
		events:   make(chan Event),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.wire = c.log.WithField("proto", "dap")
	go c.receiveLoop()
	go c.pump()
	return c
}

// Events delivers adapter events in arrival order. The channel is closed
// once the connection has ended and every queued event was delivered, or
// when the client is closed.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Handle registers h for reverse requests named command.
func (c *Client) Handle(command string, h RequestHandler) {
	c.mu.Lock()
	c.handlers[command] = h
	c.mu.Unlock()
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close fails pending calls, stops event delivery and closes the
// underlying connection if one was given.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.fail(ErrClosed)
		if c.closer != nil {
			err = c.closer.Close()
		}
	})
	return err
}

// Call sends a request and waits for its response. A non-nil body receives
// the decoded response body.
func (c *Client) Call(ctx context.Context, command string, args, body any) error {
	call, err := c.Send(command, args, body)
	if err != nil {
		return err
	}
	return call.Wait(ctx)
}

// Pending is a request that was written and awaits its response.
type Pending struct {
	c   *Client
	seq int
	p   *pendingRequest
}

// Send writes a request without waiting for the response. It returns once
// the request is on the wire, so requests sent in order arrive in order.
func (c *Client) Send(command string, args, body any) (*Pending, error) {
	seq := int(c.seq.Add(1))
	p := &pendingRequest{
		command: command,
		stops:   c.stops.Load(),
		body:    body,
		done:    make(chan error, 1),
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[seq] = p
	c.mu.Unlock()

	req := request{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "request"},
			Command:         command,
		},
		Arguments: args,
	}
	if err := c.send(req); err != nil {
		c.forget(seq)
		return nil, fmt.Errorf("send %s: %w", command, err)
	}
	return &Pending{c: c, seq: seq, p: p}, nil
}

// Wait blocks until the response arrives or ctx ends. After ctx ends a late
// response is dropped.
func (w *Pending) Wait(ctx context.Context) error {
	select {
	case err := <-w.p.done:
		return err
	case <-ctx.Done():
		w.c.forget(w.seq)
		return ctx.Err()
	}
}

func (c *Client) forget(seq int) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Client) send(v any) error {
	content, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if logflags.Enabled(logflags.LayerWire) {
		c.wire.Debugf("-> %s", content)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return dap.WriteBaseMessage(c.w, content)
}

// fail records err as the end of the connection and fails pending calls.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	pending := c.pending
	c.pending = make(map[int]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		p.done <- err
	}
}

func (c *Client) receiveLoop() {
	defer c.endQueue()
	for {
		content, err := dap.ReadBaseMessage(c.r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = ErrClosed
			} else {
				select {
				case <-c.done:
				default:
					c.log.WithError(err).Warn("dap connection failed")
				}
				err = fmt.Errorf("%w: %v", ErrClosed, err)
			}
			c.fail(err)
			return
		}
		if logflags.Enabled(logflags.LayerWire) {
			c.wire.Debugf("<- %s", content)
		}

		var msg message
		if err := json.Unmarshal(content, &msg); err != nil {
			c.log.WithError(err).Warn("discarding malformed dap message")
			continue
		}
		switch msg.Type {
		case "response":
			c.handleResponse(&msg, content)
		case "event":
			if msg.Event == "stopped" {
				c.stops.Add(1)
			}
			c.enqueue(Event{Name: msg.Event, Body: msg.Body})
		case "request":
			go c.handleRequest(&msg)
		default:
			c.log.WithField("type", msg.Type).Warn("discarding dap message of unknown type")
		}
	}
}

func (c *Client) handleResponse(msg *message, content []byte) {
	c.mu.Lock()
	p, ok := c.pending[msg.RequestSeq]
	delete(c.pending, msg.RequestSeq)
	c.mu.Unlock()
	if !ok {
		return
	}

	if !msg.Success {
		text := gjson.GetBytes(content, "body.error.format").String()
		if text == "" {
			text = msg.Message
		}
		p.done <- &ResponseError{Command: p.command, Message: text}
		return
	}

	if resumeCommands[p.command] && c.stops.Load() == p.stops {
		c.enqueue(Event{Name: "continued", Synthetic: true})
	}

	var err error
	if p.body != nil && len(msg.Body) > 0 {
		if uerr := json.Unmarshal(msg.Body, p.body); uerr != nil {
			err = fmt.Errorf("decode %s response: %w", p.command, uerr)
		}
	}
	p.done <- err
}

func (c *Client) handleRequest(msg *message) {
	c.mu.Lock()
	h := c.handlers[msg.Command]
	c.mu.Unlock()

	resp := response{Response: dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: int(c.seq.Add(1)), Type: "response"},
		RequestSeq:      msg.Seq,
		Command:         msg.Command,
	}}
	if h == nil {
		resp.Message = "unsupported request " + msg.Command
	} else if body, err := h(msg.Arguments); err != nil {
		resp.Message = err.Error()
	} else {
		resp.Success = true
		resp.Body = body
	}
	if err := c.send(resp); err != nil {
		c.log.WithError(err).WithField("command", msg.Command).Debug("reverse request response not sent")
	}
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
