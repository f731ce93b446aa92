package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/dshills/debugd/internal/debug"
	"github.com/dshills/debugd/internal/debug/cdp"
)

var listeningRe = regexp.MustCompile(`Debugger listening on (wss?://\S+)`)

// inspectorNoise are stderr lines the runtime prints about the inspector
// itself.
var inspectorNoise = []string{
	"For help, see: ",
	"Debugger attached.",
	"Waiting for the debugger to disconnect",
	"Debugger ending on ",
}

// inspectorAdapter launches a runtime with --inspect-brk and debugs it over
// the devtools protocol. The WebSocket URL is read from the runtime's
// stderr.
type inspectorAdapter struct {
	*cdpBackend
	urls chan string
}

// NewInspectorAdapter returns an adapter for the inspector kind.
func NewInspectorAdapter(s Settings) (debug.Adapter, error) {
	b := newCDPBackend(debug.KindInspector, s)
	b.stopOnEntry = true
	b.endOnContextDestroyed = true
	return &inspectorAdapter{cdpBackend: b, urls: make(chan string, 1)}, nil
}

func (a *inspectorAdapter) runtime() (string, []string) {
	if len(a.settings.Command) > 0 {
		return a.settings.Command[0], a.settings.Command[1:]
	}
	if a.settings.Runtime != "" {
		return a.settings.Runtime, nil
	}
	return "node", nil
}

// Launch implements debug.Adapter.
func (a *inspectorAdapter) Launch(ctx context.Context, host debug.Host, cfg debug.LaunchConfig, bps []debug.BreakpointRequest) ([]debug.BreakpointResult, error) {
	a.configure(cfg)
	a.mu.Lock()
	a.skipEntry = !cfg.StopOnEntry
	a.mu.Unlock()

	bind := cfg.Host
	if bind == "" {
		bind = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		var err error
		if port, err = freePort(bind); err != nil {
			return nil, fmt.Errorf("allocating inspector port: %w", err)
		}
	}

	path, args := a.runtime()
	args = append(append([]string(nil), args...), "--inspect-brk="+net.JoinHostPort(bind, strconv.Itoa(port)))
	args = append(args, cfg.RuntimeArgs...)
	args = append(args, cfg.Program)
	args = append(args, cfg.Args...)

	proc, err := host.Spawn(ctx, debug.ProcessSpec{
		Name:   "inspector",
		Path:   path,
		Args:   args,
		Dir:    cfg.Cwd,
		Env:    append(append([]string(nil), a.settings.Env...), cfg.EnvList()...),
		Stdout: a.stdout,
		Stderr: a.stderr,
	})
	if err != nil {
		return nil, err
	}

	var wsURL string
	select {
	case wsURL = <-a.urls:
	case <-proc.Done():
		return nil, errors.New("runtime exited before the inspector was listening")
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for inspector URL: %w", ctx.Err())
	}

	client, err := cdp.Dial(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	results, err := a.attach(ctx, client, bps)
	if err != nil {
		return nil, err
	}
	if _, err := client.Call(ctx, "Runtime.runIfWaitingForDebugger", nil); err != nil {
		return nil, fmt.Errorf("Runtime.runIfWaitingForDebugger: %w", err)
	}
	return results, nil
}

func (a *inspectorAdapter) stdout(line string) {
	a.out.emit(debug.BackendEvent{Kind: debug.BackendOutput, Category: "stdout", Text: line})
}

func (a *inspectorAdapter) stderr(line string) {
	if m := listeningRe.FindStringSubmatch(line); m != nil {
		select {
		case a.urls <- m[1]:
		default:
		}
		return
	}
	for _, noise := range inspectorNoise {
		if strings.HasPrefix(line, noise) {
			a.log.Debug("runtime: " + line)
			return
		}
	}
	a.out.emit(debug.BackendEvent{Kind: debug.BackendOutput, Category: "stderr", Text: line})
}
