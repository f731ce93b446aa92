// Package adapters implements debug.Adapter for every backend kind.
package adapters

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/debugd/internal/config"
	"github.com/dshills/debugd/internal/debug"
)

// Settings is the per-kind backend configuration an adapter is built with.
type Settings struct {
	// Command is the adapter command line, already split into words.
	Command []string

	// Env entries (KEY=VALUE) are added to the adapter process environment.
	Env []string

	// Runtime is the runtime executable for launch-mode devtools backends.
	Runtime string

	// Script is the Lua codec source path for the custom backend.
	Script string

	// MaxFrames caps the frames materialized on each pause.
	MaxFrames int
}

// Constructor builds an adapter for one session.
type Constructor func(s Settings) (debug.Adapter, error)

// Registry maps backend kinds to adapter constructors and their current
// settings. It implements debug.AdapterFactory.
type Registry struct {
	mu       sync.RWMutex
	ctors    map[debug.Kind]Constructor
	settings map[debug.Kind]Settings
}

// NewRegistry creates a registry with the built-in adapters and default
// settings.
func NewRegistry() *Registry {
	r := &Registry{
		ctors:    make(map[debug.Kind]Constructor),
		settings: make(map[debug.Kind]Settings),
	}

	r.Register(debug.KindManaged, NewManagedAdapter)
	r.Register(debug.KindScript, NewScriptAdapter)
	r.Register(debug.KindChrome, NewChromeAdapter)
	r.Register(debug.KindInspector, NewInspectorAdapter)
	r.Register(debug.KindCustom, NewCustomAdapter)

	if err := r.Configure(config.Default()); err != nil {
		panic(fmt.Sprintf("adapters: default configuration: %v", err))
	}
	return r
}

// Register adds or replaces the constructor for kind.
func (r *Registry) Register(kind debug.Kind, ctor Constructor) {
	r.mu.Lock()
	r.ctors[kind] = ctor
	r.mu.Unlock()
}

// Supports reports whether kind has a constructor.
func (r *Registry) Supports(kind debug.Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[kind]
	return ok
}

// NewAdapter builds an adapter for kind with the current settings.
func (r *Registry) NewAdapter(kind debug.Kind) (debug.Adapter, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[kind]
	s := r.settings[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter for backend kind %q", kind)
	}
	s.Command = append([]string(nil), s.Command...)
	s.Env = append([]string(nil), s.Env...)
	return ctor(s)
}

// Configure replaces the settings of every kind with those in cfg. Adapters
// already created keep the settings they were built with.
func (r *Registry) Configure(cfg *config.Config) error {
	settings := make(map[debug.Kind]Settings, len(debug.Kinds()))
	for _, kind := range debug.Kinds() {
		b := cfg.Backend(string(kind))
		command, err := b.CommandLine()
		if err != nil {
			return fmt.Errorf("backend %s: %w", kind, err)
		}
		env := make([]string, 0, len(b.Env))
		for k, v := range b.Env {
			env = append(env, k+"="+v)
		}
		sort.Strings(env)
		settings[kind] = Settings{
			Command:   command,
			Env:       env,
			Runtime:   b.Runtime,
			Script:    b.Script,
			MaxFrames: b.MaxFrames,
		}
	}

	r.mu.Lock()
	r.settings = settings
	r.mu.Unlock()
	return nil
}

// Settings returns the current settings for kind.
func (r *Registry) Settings(kind debug.Kind) Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings[kind]
}

// Kinds returns the registered kinds in name order.
func (r *Registry) Kinds() []debug.Kind {
	r.mu.RLock()
	out := make([]debug.Kind, 0, len(r.ctors))
	for k := range r.ctors {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
