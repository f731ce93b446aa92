// Package logflags configures the per-layer loggers used across debugd.
//
// Each layer (session, adapter, process, wire, event) can be switched on
// independently. A disabled layer still reports warnings and errors so that
// discarded protocol messages and backend crashes are never silent.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Layer names accepted by Setup.
const (
	LayerSession = "session"
	LayerAdapter = "adapter"
	LayerProcess = "process"
	LayerWire    = "wire"
	LayerEvent   = "event"
)

var (
	mu      sync.RWMutex
	enabled = map[string]bool{}
	level   = logrus.DebugLevel
	out     io.Writer = os.Stderr
)

var errLayersWithoutLog = errors.New("log layers specified without enabling logging")

// Setup enables the layers named in layers (comma separated). When logFlag is
// false only warnings and errors are written. An empty layer list with
// logging enabled turns on the session layer.
func Setup(logFlag bool, layers, levelName string, w io.Writer) error {
	mu.Lock()
	defer mu.Unlock()

	enabled = map[string]bool{}
	if w != nil {
		out = w
	}
	level = logrus.DebugLevel
	if levelName != "" {
		lvl, err := logrus.ParseLevel(levelName)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		level = lvl
	}

	if !logFlag {
		if layers != "" {
			return errLayersWithoutLog
		}
		return nil
	}
	if layers == "" {
		layers = LayerSession
	}
	for _, layer := range strings.Split(layers, ",") {
		switch layer = strings.TrimSpace(layer); layer {
		case LayerSession, LayerAdapter, LayerProcess, LayerWire, LayerEvent:
			enabled[layer] = true
		case "all":
			for _, l := range []string{LayerSession, LayerAdapter, LayerProcess, LayerWire, LayerEvent} {
				enabled[l] = true
			}
		case "":
		default:
			return fmt.Errorf("unknown log layer %q", layer)
		}
	}
	return nil
}

// Enabled reports whether layer is switched on.
func Enabled(layer string) bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled[layer]
}

func makeLogger(layer string, fields logrus.Fields) *logrus.Entry {
	mu.RLock()
	defer mu.RUnlock()

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(logrus.WarnLevel)
	if enabled[layer] {
		logger.SetLevel(level)
	}
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["layer"] = layer
	return logger.WithFields(fields)
}

// SessionLogger returns the logger for session lifecycle and state changes.
func SessionLogger() *logrus.Entry {
	return makeLogger(LayerSession, nil)
}

// AdapterLogger returns the logger for a backend adapter of the given kind.
func AdapterLogger(kind string) *logrus.Entry {
	return makeLogger(LayerAdapter, logrus.Fields{"kind": kind})
}

// ProcessLogger returns the logger for the process supervisor.
func ProcessLogger() *logrus.Entry {
	return makeLogger(LayerProcess, nil)
}

// WireLogger returns the logger for raw protocol traffic and parse errors.
func WireLogger() *logrus.Entry {
	return makeLogger(LayerWire, nil)
}

// EventLogger returns the logger for the event bus.
func EventLogger() *logrus.Entry {
	return makeLogger(LayerEvent, nil)
}
