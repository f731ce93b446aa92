package cmds

import (
	"bytes"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/dshills/debugd/internal/debug"
)

func TestParseBreakpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    debug.BreakpointSpec
		wantErr bool
	}{
		{in: "main.py:12", want: debug.BreakpointSpec{File: "main.py", Line: 12}},
		{in: "/srv/app.js:3:n > 2", want: debug.BreakpointSpec{File: "/srv/app.js", Line: 3, Condition: "n > 2"}},
		{in: "a.py:7:d['k'] == 'x:y'", want: debug.BreakpointSpec{File: "a.py", Line: 7, Condition: "d['k'] == 'x:y'"}},
		{in: "main.py", wantErr: true},
		{in: ":4", wantErr: true},
		{in: "main.py:zero", wantErr: true},
		{in: "main.py:0", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseBreakpoint(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseBreakpoint(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseBreakpoint(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestLaunchConfig(t *testing.T) {
	o := sessionOptions{
		env:         []string{"A=1", "B=x=y", "EMPTY"},
		runtimeArgs: []string{"--inspect"},
		stopOnEntry: true,
		port:        9230,
	}
	cfg := o.launchConfig()
	want := map[string]string{"A": "1", "B": "x=y", "EMPTY": ""}
	if !reflect.DeepEqual(cfg.Env, want) {
		t.Errorf("env = %v", cfg.Env)
	}
	if !cfg.StopOnEntry || cfg.Port != 9230 || cfg.RuntimeArgs[0] != "--inspect" {
		t.Errorf("config = %+v", cfg)
	}
	if (&sessionOptions{}).launchConfig().Env != nil {
		t.Error("env set without --env")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := New()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "debugd "+version) {
		t.Errorf("version output = %q", out)
	}
}

func TestBackendsCommand(t *testing.T) {
	out, err := execute(t, "backends")
	if err != nil {
		t.Fatal(err)
	}
	rows := map[string][]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n")[1:] {
		f := strings.Fields(line)
		rows[f[0]] = f[1:]
	}
	want := map[string][]string{
		"chrome":    {"attach", "-"},
		"custom":    {"launch", "-"},
		"inspector": {"launch", "node"},
		"managed":   {"launch", "js-debug-adapter"},
		"script":    {"launch", "python3", "-m", "debugpy.adapter"},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("backends = %v", rows)
	}
}

func TestRunNeedsProgram(t *testing.T) {
	if _, err := execute(t, "run", "--kind", "script"); err == nil {
		t.Error("run without a program succeeded")
	}
	if _, err := execute(t, "attach", "extra"); err == nil {
		t.Error("attach with arguments succeeded")
	}
}

func TestRunRejectsUnknownKind(t *testing.T) {
	_, err := execute(t, "run", "--kind", "cobol", "main.cob")
	if err == nil || !strings.Contains(err.Error(), "cobol") {
		t.Errorf("err = %v", err)
	}
}
