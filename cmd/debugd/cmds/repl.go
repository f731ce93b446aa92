package cmds

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cosiner/argv"

	"github.com/dshills/debugd/internal/debug"
)

// controller is the part of *debug.Manager the command loop drives.
type controller interface {
	Pause(ctx context.Context, id string) (debug.State, error)
	Resume(ctx context.Context, id string) (debug.State, error)
	Continue(ctx context.Context, id string) (debug.State, error)
	StepOver(ctx context.Context, id string) (debug.State, error)
	StepInto(ctx context.Context, id string) (debug.State, error)
	StepOut(ctx context.Context, id string) (debug.State, error)
	AddBreakpoint(ctx context.Context, id string, spec debug.BreakpointSpec) (debug.Breakpoint, error)
	RemoveBreakpoint(ctx context.Context, id string, bpID int) error
	EvaluateExpression(ctx context.Context, id string, frameID int, expr string) (debug.Value, error)
	GetVariables(id string, frameID int) ([]debug.Variable, error)
	GetCallStack(id string) ([]debug.CallFrame, error)
	SetCurrentFrame(id string, frameID int) error
	GetSession(id string) (debug.SessionInfo, error)
}

var errQuit = errors.New("quit")

// rawCommands take the rest of the line verbatim instead of shell words.
var rawCommands = map[string]bool{"eval": true}

// output writes JSON lines; events and command replies share it.
type output struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newOutput(w io.Writer) *output {
	return &output{enc: json.NewEncoder(w)}
}

func (o *output) write(v any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_ = o.enc.Encode(v)
}

// reply is the line written for each command.
type reply struct {
	Command string `json:"command"`
	State   string `json:"state,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

type replCommand struct {
	aliases []string
	usage   string
	fn      func(r *repl, ctx context.Context, args []string, rest string) (reply, error)
}

var replCommands = []replCommand{
	{[]string{"continue", "c"}, "continue                      run until the next pause", stateCmd(controller.Continue)},
	{[]string{"next", "n"}, "next                          step over", stateCmd(controller.StepOver)},
	{[]string{"step", "s"}, "step                          step into", stateCmd(controller.StepInto)},
	{[]string{"out", "o"}, "out                           step out", stateCmd(controller.StepOut)},
	{[]string{"pause"}, "pause                         suspend execution", stateCmd(controller.Pause)},
	{[]string{"resume", "r"}, "resume                        resume a paused session", stateCmd(controller.Resume)},
	{[]string{"break", "b"}, "break file:line[:condition]   add a breakpoint", breakCmd},
	{[]string{"clear"}, "clear id                      remove a breakpoint", clearCmd},
	{[]string{"breakpoints", "bp"}, "breakpoints                   list breakpoints", breakpointsCmd},
	{[]string{"eval", "p"}, "eval expression               evaluate in the current frame", evalCmd},
	{[]string{"stack", "bt"}, "stack                         show the call stack", stackCmd},
	{[]string{"vars"}, "vars [frame]                  show the variables of a frame", varsCmd},
	{[]string{"frame"}, "frame id                      select the current frame", frameCmd},
	{[]string{"help", "h"}, "help                          list commands", helpCmd},
	{[]string{"quit", "q", "exit"}, "quit                          stop the session and exit", quitCmd},
}

// repl reads commands for one session.
type repl struct {
	ctl     controller
	session string
	out     *output
	cmds    map[string]*replCommand
	usage   []string
}

func newREPL(ctl controller, session string, out *output) *repl {
	r := &repl{ctl: ctl, session: session, out: out, cmds: make(map[string]*replCommand)}
	for i := range replCommands {
		for _, alias := range replCommands[i].aliases {
			r.cmds[alias] = &replCommands[i]
		}
		r.usage = append(r.usage, replCommands[i].usage)
	}
	sort.Strings(r.usage)
	return r
}

// run serves commands from in until quit or end of input.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if err := r.exec(ctx, sc.Text()); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			return err
		}
	}
	return sc.Err()
}

// exec runs one command line and writes its reply. Only errQuit is
// returned; command failures are reported in the reply.
func (r *repl) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	word := strings.Fields(line)[0]
	cmd, ok := r.cmds[word]
	if !ok {
		r.out.write(reply{Command: word, Error: fmt.Sprintf("unknown command %q, type help", word)})
		return nil
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line, word))

	var args []string
	if !rawCommands[cmd.aliases[0]] {
		words, err := split(line)
		if err != nil {
			r.out.write(reply{Command: cmd.aliases[0], Error: err.Error()})
			return nil
		}
		args = words[1:]
	}

	res, err := cmd.fn(r, ctx, args, rest)
	if errors.Is(err, errQuit) {
		return err
	}
	res.Command = cmd.aliases[0]
	if err != nil {
		res.Error = err.Error()
	}
	r.out.write(res)
	return nil
}

// split tokenizes a command line with shell quoting. Pipes and backticks
// are not commands here.
func split(line string) ([]string, error) {
	groups, err := argv.Argv(line, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in %q", s)
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(groups) != 1 || len(groups[0]) == 0 {
		return nil, errors.New("one command per line")
	}
	return groups[0], nil
}

// stateCmd adapts a manager operation that reports the resulting state.
func stateCmd(op func(controller, context.Context, string) (debug.State, error)) func(*repl, context.Context, []string, string) (reply, error) {
	return func(r *repl, ctx context.Context, args []string, _ string) (reply, error) {
		if len(args) > 0 {
			return reply{}, errors.New("no arguments expected")
		}
		st, err := op(r.ctl, ctx, r.session)
		if err != nil {
			return reply{}, err
		}
		return reply{State: st.String()}, nil
	}
}

func breakCmd(r *repl, ctx context.Context, args []string, _ string) (reply, error) {
	if len(args) != 1 {
		return reply{}, errors.New("usage: break file:line[:condition]")
	}
	spec, err := parseBreakpoint(args[0])
	if err != nil {
		return reply{}, err
	}
	bp, err := r.ctl.AddBreakpoint(ctx, r.session, spec)
	if err != nil {
		return reply{}, err
	}
	return reply{Result: bp}, nil
}

func clearCmd(r *repl, ctx context.Context, args []string, _ string) (reply, error) {
	if len(args) != 1 {
		return reply{}, errors.New("usage: clear id")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return reply{}, fmt.Errorf("bad breakpoint id %q", args[0])
	}
	return reply{}, r.ctl.RemoveBreakpoint(ctx, r.session, id)
}

func breakpointsCmd(r *repl, _ context.Context, _ []string, _ string) (reply, error) {
	info, err := r.ctl.GetSession(r.session)
	if err != nil {
		return reply{}, err
	}
	return reply{State: info.State.String(), Result: info.Breakpoints}, nil
}

func evalCmd(r *repl, ctx context.Context, _ []string, rest string) (reply, error) {
	if rest == "" {
		return reply{}, errors.New("usage: eval expression")
	}
	info, err := r.ctl.GetSession(r.session)
	if err != nil {
		return reply{}, err
	}
	v, err := r.ctl.EvaluateExpression(ctx, r.session, info.CurrentFrameID, rest)
	if err != nil {
		return reply{}, err
	}
	return reply{Result: v}, nil
}

func stackCmd(r *repl, _ context.Context, _ []string, _ string) (reply, error) {
	frames, err := r.ctl.GetCallStack(r.session)
	if err != nil {
		return reply{}, err
	}
	type frame struct {
		ID       int            `json:"id"`
		Name     string         `json:"name"`
		Location debug.Location `json:"location"`
	}
	out := make([]frame, len(frames))
	for i, f := range frames {
		out[i] = frame{ID: f.ID, Name: f.Name, Location: f.Location}
	}
	return reply{Result: out}, nil
}

func varsCmd(r *repl, _ context.Context, args []string, _ string) (reply, error) {
	var frameID int
	switch len(args) {
	case 0:
		info, err := r.ctl.GetSession(r.session)
		if err != nil {
			return reply{}, err
		}
		frameID = info.CurrentFrameID
	case 1:
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return reply{}, fmt.Errorf("bad frame id %q", args[0])
		}
		frameID = id
	default:
		return reply{}, errors.New("usage: vars [frame]")
	}
	vars, err := r.ctl.GetVariables(r.session, frameID)
	if err != nil {
		return reply{}, err
	}
	return reply{Result: vars}, nil
}

func frameCmd(r *repl, _ context.Context, args []string, _ string) (reply, error) {
	if len(args) != 1 {
		return reply{}, errors.New("usage: frame id")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return reply{}, fmt.Errorf("bad frame id %q", args[0])
	}
	if err := r.ctl.SetCurrentFrame(r.session, id); err != nil {
		return reply{}, err
	}
	return reply{Result: id}, nil
}

func helpCmd(r *repl, _ context.Context, _ []string, _ string) (reply, error) {
	return reply{Result: r.usage}, nil
}

func quitCmd(*repl, context.Context, []string, string) (reply, error) {
	return reply{}, errQuit
}
