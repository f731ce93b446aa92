package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DEBUGD_"

// Load builds the effective configuration: defaults, then the file at path
// (skipped when path is empty or the file does not exist), then environment
// overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if fileCfg != nil {
			cfg.merge(fileCfg)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses a single configuration file without defaults.
// Returns nil, nil if the file doesn't exist.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse decodes data using the format implied by the extension of name.
// Unknown extensions are decoded as TOML.
func Parse(name string, data []byte) (*Config, error) {
	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, &ParseError{Path: name, Format: "yaml", Message: err.Error(), Err: err}
		}
	default:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, &ParseError{Path: name, Format: "toml", Message: err.Error(), Err: err}
		}
	}
	return &cfg, nil
}

// lookupFunc matches os.LookupEnv.
type lookupFunc func(string) (string, bool)

// applyEnv overlays DEBUGD_* variables onto cfg.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	durations := []struct {
		name string
		dst  *Duration
	}{
		{EnvPrefix + "TIMEOUT", &cfg.Session.Timeout},
		{EnvPrefix + "STOP_GRACE", &cfg.Session.StopGrace},
	}
	for _, d := range durations {
		if v, ok := lookup(d.name); ok && v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, d.name, err)
			}
			d.dst.Duration = parsed
		}
	}

	if v, ok := lookup(EnvPrefix + "MAX_SESSIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %sMAX_SESSIONS: %v", ErrInvalidConfig, EnvPrefix, err)
		}
		cfg.Session.MaxSessions = n
	}

	if v, ok := lookup(EnvPrefix + "LOG"); ok {
		cfg.Logging.Enabled = parseBool(v)
	}
	if v, ok := lookup(EnvPrefix + "LOG_LAYERS"); ok {
		cfg.Logging.Layers = v
	}
	if v, ok := lookup(EnvPrefix + "LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}

	for kind, b := range cfg.Backends {
		name := EnvPrefix + "BACKEND_" + strings.ToUpper(kind) + "_COMMAND"
		if v, ok := lookup(name); ok && v != "" {
			b.Command = v
			b.Args = nil
			cfg.Backends[kind] = b
		}
	}
	return nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
