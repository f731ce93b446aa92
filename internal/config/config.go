package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cosiner/argv"
	"github.com/sirupsen/logrus"
)

// Default values.
const (
	DefaultTimeout   = 10 * time.Second
	DefaultStopGrace = 2 * time.Second
	DefaultMaxFrames = 20
)

// Duration is a time.Duration that decodes from strings like "1.5s" in both
// TOML and YAML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the complete debugd configuration.
type Config struct {
	Session  SessionConfig            `toml:"session" yaml:"session"`
	Logging  LoggingConfig            `toml:"logging" yaml:"logging"`
	Backends map[string]BackendConfig `toml:"backends" yaml:"backends"`
}

// SessionConfig holds defaults applied to every session.
type SessionConfig struct {
	// Timeout bounds every wait on a backend when the launch
	// configuration does not set one.
	Timeout Duration `toml:"timeout" yaml:"timeout"`

	// StopGrace is how long a stopped backend process gets between
	// SIGTERM and SIGKILL.
	StopGrace Duration `toml:"stop_grace" yaml:"stop_grace"`

	// MaxSessions limits concurrently live sessions (0 = unlimited).
	MaxSessions int `toml:"max_sessions" yaml:"max_sessions"`
}

// LoggingConfig selects log layers, see package logflags.
type LoggingConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Layers  string `toml:"layers" yaml:"layers"`
	Level   string `toml:"level" yaml:"level"`
}

// BackendConfig configures how a backend kind is started.
type BackendConfig struct {
	// Command is the adapter command line, e.g. "python3 -m debugpy.adapter".
	Command string `toml:"command" yaml:"command"`

	// Args are appended after the words of Command.
	Args []string `toml:"args" yaml:"args"`

	// Env is added to the adapter process environment.
	Env map[string]string `toml:"env" yaml:"env"`

	// Runtime is the runtime executable for launch-mode devtools backends.
	Runtime string `toml:"runtime" yaml:"runtime"`

	// Script is a Lua codec for the custom backend.
	Script string `toml:"script" yaml:"script"`

	// MaxFrames caps the frames materialized on each pause.
	MaxFrames int `toml:"max_frames" yaml:"max_frames"`
}

// CommandLine splits Command with shell-like quoting and appends Args.
// It returns nil when no command is configured.
func (b BackendConfig) CommandLine() ([]string, error) {
	if strings.TrimSpace(b.Command) == "" {
		if len(b.Args) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: backend args without command", ErrInvalidConfig)
	}
	words, err := argv.Argv(b.Command, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in %q", s)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: command %q: %v", ErrInvalidConfig, b.Command, err)
	}
	if len(words) != 1 || len(words[0]) == 0 {
		return nil, fmt.Errorf("%w: command %q must be a single command", ErrInvalidConfig, b.Command)
	}
	return append(append([]string{}, words[0]...), b.Args...), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			Timeout:   Duration{DefaultTimeout},
			StopGrace: Duration{DefaultStopGrace},
		},
		Backends: map[string]BackendConfig{
			"managed":   {Command: "js-debug-adapter", MaxFrames: DefaultMaxFrames},
			"script":    {Command: "python3 -m debugpy.adapter", MaxFrames: DefaultMaxFrames},
			"inspector": {Runtime: "node", MaxFrames: DefaultMaxFrames},
			"chrome":    {MaxFrames: DefaultMaxFrames},
			"custom":    {MaxFrames: DefaultMaxFrames},
		},
	}
}

// Backend returns the settings for kind, or zero settings if none exist.
func (c *Config) Backend(kind string) BackendConfig {
	b := c.Backends[kind]
	if b.MaxFrames <= 0 {
		b.MaxFrames = DefaultMaxFrames
	}
	return b
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Session.Timeout.Duration < 0 {
		return fmt.Errorf("%w: session.timeout must not be negative", ErrInvalidConfig)
	}
	if c.Session.StopGrace.Duration < 0 {
		return fmt.Errorf("%w: session.stop_grace must not be negative", ErrInvalidConfig)
	}
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("%w: session.max_sessions must not be negative", ErrInvalidConfig)
	}
	if c.Logging.Level != "" {
		if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("%w: logging.level: %v", ErrInvalidConfig, err)
		}
	}
	for kind, b := range c.Backends {
		if _, err := b.CommandLine(); err != nil {
			return fmt.Errorf("backends.%s: %w", kind, err)
		}
		if b.MaxFrames < 0 {
			return fmt.Errorf("%w: backends.%s.max_frames must not be negative", ErrInvalidConfig, kind)
		}
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	out.Backends = make(map[string]BackendConfig, len(c.Backends))
	for k, b := range c.Backends {
		b.Args = append([]string(nil), b.Args...)
		if b.Env != nil {
			env := make(map[string]string, len(b.Env))
			for ek, ev := range b.Env {
				env[ek] = ev
			}
			b.Env = env
		}
		out.Backends[k] = b
	}
	return &out
}

// merge overlays the values set in src onto c.
func (c *Config) merge(src *Config) {
	if src.Session.Timeout.Duration != 0 {
		c.Session.Timeout = src.Session.Timeout
	}
	if src.Session.StopGrace.Duration != 0 {
		c.Session.StopGrace = src.Session.StopGrace
	}
	if src.Session.MaxSessions != 0 {
		c.Session.MaxSessions = src.Session.MaxSessions
	}
	if src.Logging.Enabled {
		c.Logging.Enabled = true
	}
	if src.Logging.Layers != "" {
		c.Logging.Layers = src.Logging.Layers
	}
	if src.Logging.Level != "" {
		c.Logging.Level = src.Logging.Level
	}
	if c.Backends == nil {
		c.Backends = make(map[string]BackendConfig)
	}
	for kind, b := range src.Backends {
		dst := c.Backends[kind]
		if b.Command != "" {
			dst.Command = b.Command
			dst.Args = nil
		}
		if len(b.Args) > 0 {
			dst.Args = b.Args
		}
		if len(b.Env) > 0 {
			dst.Env = b.Env
		}
		if b.Runtime != "" {
			dst.Runtime = b.Runtime
		}
		if b.Script != "" {
			dst.Script = b.Script
		}
		if b.MaxFrames != 0 {
			dst.MaxFrames = b.MaxFrames
		}
		c.Backends[kind] = dst
	}
}
