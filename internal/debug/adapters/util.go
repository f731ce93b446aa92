package adapters

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dshills/debugd/internal/debug"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultMaxFrames = 20

	// maxVariables caps the variables kept per scope.
	maxVariables = 100

	disconnectTimeout = time.Second
)

// waitTimeout bounds backend round trips; sessions always pass their own.
func waitTimeout(cfg debug.LaunchConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return defaultTimeout
}

func maxFrames(s Settings) int {
	if s.MaxFrames > 0 {
		return s.MaxFrames
	}
	return defaultMaxFrames
}

// sink is an adapter's event channel. Events are queued without bound so
// emit never blocks the stream readers, even before anyone consumes them.
// After close, queued events are still delivered and then the channel is
// closed.
type sink struct {
	mu     sync.Mutex
	queue  []debug.BackendEvent
	closed bool
	notify chan struct{}
	ch     chan debug.BackendEvent
}

func newSink() *sink {
	s := &sink{
		notify: make(chan struct{}, 1),
		ch:     make(chan debug.BackendEvent),
	}
	go s.pump()
	return s
}

func (s *sink) events() <-chan debug.BackendEvent {
	return s.ch
}

func (s *sink) emit(ev debug.BackendEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

func (s *sink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *sink) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *sink) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.notify
			continue
		}
		ev := s.queue[0]
		s.queue[0] = debug.BackendEvent{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.ch <- ev
	}
}

// freePort returns a TCP port on host that was free a moment ago.
func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// dialWhenReady polls addr until it accepts a connection, the context ends
// or exited is closed.
func dialWhenReady(ctx context.Context, addr string, exited <-chan struct{}) (net.Conn, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", addr, ctx.Err())
		case <-exited:
			return nil, fmt.Errorf("backend exited before listening on %s", addr)
		case <-ticker.C:
		}
	}
}

// lineLogger returns a process line handler that logs at debug level.
func lineLogger(log *logrus.Entry, prefix string) func(string) {
	return func(line string) {
		log.Debug(prefix + strings.TrimRight(line, "\r"))
	}
}
