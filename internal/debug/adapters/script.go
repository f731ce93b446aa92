package adapters

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dshills/debugd/internal/debug"
)

// scriptAdapter drives debugpy's adapter over its stdio.
type scriptAdapter struct {
	*dapBackend
}

// NewScriptAdapter returns an adapter for the script kind.
func NewScriptAdapter(s Settings) (debug.Adapter, error) {
	if len(s.Command) == 0 {
		return nil, fmt.Errorf("%w: script backend has no adapter command", debug.ErrInvalidConfig)
	}
	return &scriptAdapter{dapBackend: newDAPBackend(debug.KindScript, s)}, nil
}

// Launch implements debug.Adapter.
func (a *scriptAdapter) Launch(ctx context.Context, host debug.Host, cfg debug.LaunchConfig, bps []debug.BreakpointRequest) ([]debug.BreakpointResult, error) {
	a.configure(cfg)

	proc, err := host.Spawn(ctx, debug.ProcessSpec{
		Name:   "debugpy",
		Path:   a.settings.Command[0],
		Args:   a.settings.Command[1:],
		Dir:    cfg.Cwd,
		Env:    a.settings.Env,
		Stderr: lineLogger(a.log, "adapter: "),
	})
	if err != nil {
		return nil, err
	}
	stdout, err := proc.Stdout()
	if err != nil {
		return nil, err
	}
	c, err := a.connect(stdout, proc, nil, true)
	if err != nil {
		return nil, err
	}
	a.setActive(c)
	return a.handshake(ctx, c, "debugpy", "launch", a.launchArgs(cfg), bps)
}

func (a *scriptAdapter) launchArgs(cfg debug.LaunchConfig) map[string]any {
	program := cfg.Program
	if !filepath.IsAbs(program) {
		program = a.sourcePath(program)
	}
	console := cfg.Console
	if console == "" {
		console = "internalConsole"
	}
	args := map[string]any{
		"type":           "python",
		"request":        "launch",
		"name":           "debugd",
		"program":        program,
		"args":           nonNil(cfg.Args),
		"console":        console,
		"stopOnEntry":    cfg.StopOnEntry,
		"justMyCode":     true,
		"redirectOutput": true,
		"subProcess":     cfg.AutoAttach,
	}
	if cfg.Cwd != "" {
		args["cwd"] = cfg.Cwd
	}
	if len(cfg.Env) > 0 {
		args["env"] = cfg.Env
	}
	if a.settings.Runtime != "" {
		args["python"] = []string{a.settings.Runtime}
	}
	if len(cfg.RuntimeArgs) > 0 {
		args["pythonArgs"] = cfg.RuntimeArgs
	}
	return args
}
