package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"

	"github.com/dshills/debugd/internal/debug"
	"github.com/dshills/debugd/internal/debug/dap"
)

const managedHost = "127.0.0.1"

// managedAdapter drives js-debug. The adapter runs as a TCP server; the
// first connection configures the launch and js-debug then asks, through a
// startDebugging request, for a second connection that debugs the program.
type managedAdapter struct {
	*dapBackend
	children chan dap.StartDebuggingArguments
}

// NewManagedAdapter returns an adapter for the managed kind.
func NewManagedAdapter(s Settings) (debug.Adapter, error) {
	if len(s.Command) == 0 {
		return nil, fmt.Errorf("%w: managed backend has no adapter command", debug.ErrInvalidConfig)
	}
	return &managedAdapter{
		dapBackend: newDAPBackend(debug.KindManaged, s),
		children:   make(chan dap.StartDebuggingArguments, 1),
	}, nil
}

// Launch implements debug.Adapter.
func (a *managedAdapter) Launch(ctx context.Context, host debug.Host, cfg debug.LaunchConfig, bps []debug.BreakpointRequest) ([]debug.BreakpointResult, error) {
	a.configure(cfg)

	port, err := freePort(managedHost)
	if err != nil {
		return nil, fmt.Errorf("allocating adapter port: %w", err)
	}
	args := append(append([]string(nil), a.settings.Command[1:]...), strconv.Itoa(port), managedHost)
	proc, err := host.Spawn(ctx, debug.ProcessSpec{
		Name:   "js-debug",
		Path:   a.settings.Command[0],
		Args:   args,
		Dir:    cfg.Cwd,
		Env:    a.settings.Env,
		Stdout: lineLogger(a.log, "adapter: "),
		Stderr: lineLogger(a.log, "adapter: "),
	})
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(managedHost, strconv.Itoa(port))

	conn, err := dialWhenReady(ctx, addr, proc.Done())
	if err != nil {
		return nil, err
	}
	parent, err := a.connect(conn, conn, conn, false)
	if err != nil {
		return nil, err
	}
	parent.client.Handle("startDebugging", a.startDebugging)
	a.setActive(parent)
	if _, err := a.handshake(ctx, parent, "pwa-node", "launch", a.launchArgs(cfg), nil); err != nil {
		return nil, err
	}

	var child dap.StartDebuggingArguments
	select {
	case child = <-a.children:
	case <-parent.ended:
		return nil, errors.New("adapter closed the connection before starting the program")
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for child session: %w", ctx.Err())
	}

	conn, err = dialWhenReady(ctx, addr, proc.Done())
	if err != nil {
		return nil, err
	}
	c, err := a.connect(conn, conn, conn, true)
	if err != nil {
		return nil, err
	}
	a.setActive(c)

	request := child.Request
	if request == "" {
		request = "launch"
	}
	return a.handshake(ctx, c, "pwa-node", request, child.Configuration, bps)
}

// startDebugging accepts the first child session. Later ones belong to
// processes the program forks and are acknowledged without a connection.
func (a *managedAdapter) startDebugging(raw json.RawMessage) (any, error) {
	var args dap.StartDebuggingArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	select {
	case a.children <- args:
	default:
		a.log.WithField("config", args.Configuration["name"]).Debug("ignoring additional child session")
	}
	return struct{}{}, nil
}

func (a *managedAdapter) launchArgs(cfg debug.LaunchConfig) map[string]any {
	program := cfg.Program
	if !filepath.IsAbs(program) {
		program = a.sourcePath(program)
	}
	console := cfg.Console
	if console == "" {
		console = "internalConsole"
	}
	args := map[string]any{
		"type":                     "pwa-node",
		"request":                  "launch",
		"name":                     "debugd",
		"program":                  program,
		"args":                     nonNil(cfg.Args),
		"runtimeArgs":              nonNil(cfg.RuntimeArgs),
		"console":                  console,
		"stopOnEntry":              cfg.StopOnEntry,
		"autoAttachChildProcesses": cfg.AutoAttach,
		"outputCapture":            "std",
	}
	if cfg.Cwd != "" {
		args["cwd"] = cfg.Cwd
	}
	if len(cfg.Env) > 0 {
		args["env"] = cfg.Env
	}
	if a.settings.Runtime != "" {
		args["runtimeExecutable"] = a.settings.Runtime
	}
	return args
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
