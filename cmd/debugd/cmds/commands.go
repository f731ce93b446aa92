// Package cmds implements the debugd command tree.
package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/debugd/internal/config"
	"github.com/dshills/debugd/internal/debug"
	"github.com/dshills/debugd/internal/debug/adapters"
	"github.com/dshills/debugd/internal/event"
	"github.com/dshills/debugd/internal/logflags"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var (
	// configPath is the configuration file; empty uses defaults and the
	// environment only.
	configPath string
	// logFlag enables the layers in logOutput.
	logFlag bool
	// logOutput is a comma separated list of log layers.
	logOutput string
	// logLevel overrides the configured level of enabled layers.
	logLevel string
)

// sessionOptions holds the flags of one session command.
type sessionOptions struct {
	kind        string
	name        string
	breaks      []string
	timeout     time.Duration
	host        string
	port        int
	cwd         string
	env         []string
	runtimeArgs []string
	console     string
	stopOnEntry bool
	autoAttach  bool
}

const debugdLongDesc = `debugd runs debug sessions against external debugger backends.

A session drives one backend (a DAP adapter, a devtools endpoint or a custom
JSON-lines debugger) through launch, breakpoints, stepping and evaluation.
Session events are written to stdout as JSON lines; commands are read from
stdin, one per line (type "help" for the list).

Pass flags to the program you are debugging after the program name, for example:

` + "`debugd run --kind script app.py --verbose`"

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:          "debugd",
		Short:        "debugd is a multi-backend debug session manager.",
		Long:         debugdLongDesc,
		SilenceUsage: true,
	}
	rootCommand.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (TOML or YAML).")
	rootCommand.PersistentFlags().BoolVar(&logFlag, "log", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVar(&logOutput, "log-output", "", "Comma separated list of log layers (session,adapter,process,wire,event or all).")
	rootCommand.PersistentFlags().StringVar(&logLevel, "log-level", "", "Level of enabled log layers.")

	var runOpts, attachOpts sessionOptions
	runCommand := &cobra.Command{
		Use:   "run [flags] program [args...]",
		Short: "Launch a program under a backend debugger.",
		Long: `Launch a program under the debugger of a launch-mode backend kind
(managed, script, inspector or custom) and start an interactive session.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := runOpts.launchConfig()
			cfg.Program = args[0]
			cfg.Args = args[1:]
			return runSession(cmd, &runOpts, cfg)
		},
	}
	runCommand.Flags().SetInterspersed(false)
	runOpts.flags(runCommand, string(debug.KindScript))
	runCommand.Flags().StringVar(&runOpts.cwd, "wd", "", "Working directory of the program.")
	runCommand.Flags().StringArrayVarP(&runOpts.env, "env", "e", nil, "Environment variable KEY=VALUE for the program (repeatable).")
	runCommand.Flags().StringArrayVar(&runOpts.runtimeArgs, "runtime-arg", nil, "Argument for the runtime executable (repeatable).")
	runCommand.Flags().StringVar(&runOpts.console, "console", "", "Where the backend runs the program (backend specific).")
	runCommand.Flags().BoolVar(&runOpts.stopOnEntry, "stop-on-entry", false, "Pause before the first line of the program.")
	runCommand.Flags().BoolVar(&runOpts.autoAttach, "auto-attach", false, "Debug child processes the program starts.")
	runCommand.Flags().IntVar(&runOpts.port, "port", 0, "Inspector port for the inspector kind (0 picks a free port).")
	rootCommand.AddCommand(runCommand)

	attachCommand := &cobra.Command{
		Use:   "attach [flags]",
		Short: "Attach to a running devtools endpoint.",
		Long: `Attach to the preferred target of a running devtools endpoint, such as a
browser started with --remote-debugging-port, and start an interactive session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, &attachOpts, attachOpts.launchConfig())
		},
	}
	attachOpts.flags(attachCommand, string(debug.KindChrome))
	attachCommand.Flags().StringVar(&attachOpts.host, "host", "localhost", "Devtools endpoint host.")
	attachCommand.Flags().IntVar(&attachOpts.port, "port", 9222, "Devtools endpoint port.")
	rootCommand.AddCommand(attachCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "backends",
		Short: "List the backend kinds and their configured commands.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			registry := adapters.NewRegistry()
			if err := registry.Configure(cfg); err != nil {
				return err
			}
			return listBackends(cmd.OutOrStdout(), registry)
		},
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "debugd %s\nCommit: %s\nBuilt: %s\n", version, commit, date)
		},
	})

	return rootCommand
}

func (o *sessionOptions) flags(cmd *cobra.Command, defaultKind string) {
	cmd.Flags().StringVarP(&o.kind, "kind", "k", defaultKind, "Backend kind (see 'debugd backends').")
	cmd.Flags().StringVar(&o.name, "name", "", "Session name.")
	cmd.Flags().StringArrayVarP(&o.breaks, "break", "b", nil, "Breakpoint file:line[:condition] set before start (repeatable).")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 0, "Bound on every backend wait (default from configuration).")
}

func (o *sessionOptions) launchConfig() debug.LaunchConfig {
	cfg := debug.LaunchConfig{
		Cwd:         o.cwd,
		RuntimeArgs: o.runtimeArgs,
		Console:     o.console,
		StopOnEntry: o.stopOnEntry,
		AutoAttach:  o.autoAttach,
		Host:        o.host,
		Port:        o.port,
		Timeout:     o.timeout,
	}
	for _, kv := range o.env {
		k, v, _ := strings.Cut(kv, "=")
		if cfg.Env == nil {
			cfg.Env = make(map[string]string)
		}
		cfg.Env[k] = v
	}
	return cfg
}

// parseBreakpoint parses file:line[:condition]. The condition may itself
// contain colons.
func parseBreakpoint(s string) (debug.BreakpointSpec, error) {
	file, rest, ok := strings.Cut(s, ":")
	if !ok || file == "" {
		return debug.BreakpointSpec{}, fmt.Errorf("breakpoint %q: want file:line[:condition]", s)
	}
	lineStr, cond, _ := strings.Cut(rest, ":")
	line, err := strconv.Atoi(lineStr)
	if err != nil || line < 1 {
		return debug.BreakpointSpec{}, fmt.Errorf("breakpoint %q: bad line %q", s, lineStr)
	}
	return debug.BreakpointSpec{File: file, Line: line, Condition: strings.TrimSpace(cond)}, nil
}

func listBackends(w io.Writer, registry *adapters.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tMODE\tCOMMAND")
	for _, k := range registry.Kinds() {
		s := registry.Settings(k)
		command := strings.Join(s.Command, " ")
		switch {
		case command == "" && s.Runtime != "":
			command = s.Runtime
		case command == "":
			command = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", k, k.Mode(), command)
	}
	return tw.Flush()
}

func setupLogging(cfg *config.Config, w io.Writer) error {
	enabled := logFlag || cfg.Logging.Enabled
	layers := cfg.Logging.Layers
	if logOutput != "" {
		layers = logOutput
	}
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	if !enabled {
		layers = ""
	}
	return logflags.Setup(enabled, layers, level, w)
}

// runSession creates one session, streams its events and serves commands
// from stdin until the session ends, stdin is closed or a signal arrives.
func runSession(cmd *cobra.Command, opts *sessionOptions, lc debug.LaunchConfig) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg, cmd.ErrOrStderr()); err != nil {
		return err
	}

	registry := adapters.NewRegistry()
	if err := registry.Configure(cfg); err != nil {
		return err
	}
	manager := debug.NewManager(registry,
		debug.WithTimeout(cfg.Session.Timeout.Duration),
		debug.WithStopGrace(cfg.Session.StopGrace.Duration),
		debug.WithMaxSessions(cfg.Session.MaxSessions),
	)
	shutdown := 2*cfg.Session.StopGrace.Duration + time.Second
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdown)
		defer cancel()
		manager.Close(ctx)
	}()

	log := logflags.SessionLogger()
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(c *config.Config) {
			if err := registry.Configure(c); err != nil {
				log.WithError(err).Warn("config reload")
				return
			}
			manager.Configure(c.Session.Timeout.Duration, c.Session.StopGrace.Duration, c.Session.MaxSessions)
			log.WithField("path", configPath).Info("configuration reloaded")
		}, config.WithErrorHandler(func(err error) {
			log.WithError(err).Warn("config reload")
		}))
		if err != nil {
			log.WithError(err).Warn("config changes will not be picked up")
		} else {
			defer watcher.Close()
		}
	}

	out := newOutput(cmd.OutOrStdout())
	sub, err := manager.Subscribe(event.Filter{})
	if err != nil {
		return err
	}

	info, err := manager.CreateSession(opts.name, debug.Kind(opts.kind), lc)
	if err != nil {
		return err
	}
	ended := make(chan struct{})
	go func() {
		defer close(ended)
		for ev := range sub.Events() {
			out.write(ev)
			if ev.Type == event.TypeTerminated && ev.SessionID == info.ID {
				return
			}
		}
	}()

	ctx := context.Background()
	for _, b := range opts.breaks {
		spec, err := parseBreakpoint(b)
		if err != nil {
			return err
		}
		if _, err := manager.AddBreakpoint(ctx, info.ID, spec); err != nil {
			return err
		}
	}
	if _, err := manager.Start(ctx, info.ID); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	r := newREPL(manager, info.ID, out)
	quit := make(chan error, 1)
	go func() {
		quit <- r.run(ctx, cmd.InOrStdin())
	}()

	select {
	case <-ended:
	case err = <-quit:
	case sig := <-signals:
		log.WithField("signal", sig).Debug("shutting down")
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdown)
	defer cancel()
	if cerr := manager.Cleanup(ctx); cerr != nil && err == nil {
		err = cerr
	}
	select {
	case <-ended:
	case <-ctx.Done():
	}
	return err
}
