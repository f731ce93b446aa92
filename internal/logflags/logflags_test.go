package logflags

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetupLayers(t *testing.T) {
	defer Setup(false, "", "", nil)

	if err := Setup(true, "session,wire", "debug", &bytes.Buffer{}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !Enabled(LayerSession) || !Enabled(LayerWire) {
		t.Error("expected session and wire enabled")
	}
	if Enabled(LayerProcess) {
		t.Error("process should be disabled")
	}
}

func TestSetupErrors(t *testing.T) {
	defer Setup(false, "", "", nil)

	tests := []struct {
		name    string
		log     bool
		layers  string
		level   string
		wantErr bool
	}{
		{"layers without log", false, "wire", "", true},
		{"unknown layer", true, "bogus", "", true},
		{"bad level", true, "", "loud", true},
		{"defaults", true, "", "", false},
		{"all", true, "all", "info", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Setup(tt.log, tt.layers, tt.level, &bytes.Buffer{})
			if (err != nil) != tt.wantErr {
				t.Errorf("Setup() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDisabledLayerStillWarns(t *testing.T) {
	defer Setup(false, "", "", nil)

	var buf bytes.Buffer
	if err := Setup(false, "", "", &buf); err != nil {
		t.Fatal(err)
	}
	log := WireLogger()
	log.Debug("hidden")
	log.Warn("discarded message")

	got := buf.String()
	if strings.Contains(got, "hidden") {
		t.Error("debug output should be suppressed")
	}
	if !strings.Contains(got, "discarded message") || !strings.Contains(got, "layer=wire") {
		t.Errorf("expected warning with layer field, got %q", got)
	}
}
