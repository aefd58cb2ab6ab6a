package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ivle/jailconsole/internal/chat"
	"github.com/ivle/jailconsole/internal/console"
	"github.com/ivle/jailconsole/internal/wire"
)

// DefaultFlushInterval is how long a reply waits for the interpreter
// before returning whatever output has accumulated.
const DefaultFlushInterval = time.Second

type commandError struct {
	kind string
	msg  string
}

func (e *commandError) Error() string     { return e.msg }
func (e *commandError) ErrorType() string { return e.kind }

var errBusy = &commandError{kind: "Busy", msg: "interpreter is still running the previous command"}

func badCommand(format string, args ...any) error {
	return &commandError{kind: "BadCommand", msg: fmt.Sprintf(format, args...)}
}

type Options struct {
	FlushInterval time.Duration
	Logger        *log.Logger
}

// Agent turns console commands into interpreter operations. It is a
// chat.Handler and expects to be called from a single goroutine, which
// chat.Server guarantees.
type Agent struct {
	worker Worker
	flush  time.Duration
	logger *log.Logger

	mu sync.Mutex
	// busy is set while a chat or block command is running.
	busy bool
	// inputPending means the interpreter asked for a line while output was
	// still queued; the next continuation announces it.
	inputPending bool
	// inputAnnounced means the client has been told to send a line.
	inputAnnounced bool
	// held is a final reply withheld so queued output goes first.
	held   *console.Response
	stdout strings.Builder
	stderr strings.Builder
}

func New(w Worker, opts Options) *Agent {
	flush := opts.FlushInterval
	if flush <= 0 {
		flush = DefaultFlushInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Agent{worker: w, flush: flush, logger: logger}
}

// Handle implements chat.Handler.
func (a *Agent) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var cmd console.IncomingCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, badCommand("decode command: %v", err)
	}
	a.logger.Debug("command", "cmd", cmd.Cmd)

	switch cmd.Cmd {
	case console.CmdChat:
		text, err := textArg(cmd)
		if err != nil {
			return nil, err
		}
		return a.chat(ctx, text)
	case console.CmdBlock:
		text, err := textArg(cmd)
		if err != nil {
			return nil, err
		}
		if a.busy || a.held != nil {
			return nil, errBusy
		}
		if err := a.worker.Send(Op{Op: opExec, Code: text}); err != nil {
			return a.workerGone()
		}
		a.busy = true
		return a.await(ctx)
	case console.CmdExecute:
		text, err := textArg(cmd)
		if err != nil {
			return nil, err
		}
		return a.runSync(Op{Op: opExecute, Code: text})
	case console.CmdCall:
		var call console.CallRequest
		if err := json.Unmarshal(cmd.Text, &call); err != nil {
			return nil, badCommand("decode call: %v", err)
		}
		if call.Function == "" {
			return nil, badCommand("call needs a function name")
		}
		return a.runSync(Op{Op: opCall, Call: &call})
	case console.CmdGlobals:
		if isNull(cmd.Text) {
			return a.runSync(Op{Op: opGlobals})
		}
		values, err := valuesArg(cmd)
		if err != nil {
			return nil, err
		}
		return a.runSync(Op{Op: opSetGlobals, Values: values})
	case console.CmdSetVars:
		values, err := valuesArg(cmd)
		if err != nil {
			return nil, err
		}
		return a.runSync(Op{Op: opSetVars, Values: values})
	case console.CmdPing:
		return console.Response{Okay: true}, nil
	case console.CmdTerminate:
		a.logger.Info("terminate requested")
		_ = a.worker.Close()
		return nil, chat.Terminate(console.Response{Okay: true})
	default:
		return nil, badCommand("unknown command %q", cmd.Cmd)
	}
}

// chat handles a fresh line, a stdin line and the empty continuation.
// A line is only taken when the interpreter is idle or has announced that
// it is reading stdin; anything else is refused so no input is lost.
func (a *Agent) chat(ctx context.Context, text string) (any, error) {
	if text != "" && (a.held != nil || (a.busy && !a.inputAnnounced)) {
		return nil, errBusy
	}
	if a.held != nil {
		resp := *a.held
		a.held = nil
		return resp, nil
	}
	if a.busy {
		switch {
		case a.inputAnnounced:
			a.inputAnnounced = false
			if err := a.worker.Send(Op{Op: opStdin, Line: text, EOF: text == ""}); err != nil {
				return a.workerGone()
			}
		case a.inputPending:
			a.inputPending = false
			a.inputAnnounced = true
			return console.Response{Input: true}, nil
		}
		return a.await(ctx)
	}
	if err := a.worker.Send(Op{Op: opPush, Code: text}); err != nil {
		return a.workerGone()
	}
	a.busy = true
	return a.await(ctx)
}

// await collects interpreter events for at most one flush interval.
func (a *Agent) await(ctx context.Context) (any, error) {
	timer := time.NewTimer(a.flush)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-a.worker.Events():
			if !ok {
				return a.workerGone()
			}
			switch ev.Type {
			case eventStdout:
				a.stdout.WriteString(ev.Data)
			case eventStderr:
				a.stderr.WriteString(ev.Data)
			case eventInput:
				if a.hasOutput() {
					a.inputPending = true
					return a.takeOutput(), nil
				}
				a.inputAnnounced = true
				return console.Response{Input: true}, nil
			case eventDone:
				a.busy = false
				if ev.More {
					return a.finish(console.Response{More: true}), nil
				}
				return a.finish(console.Response{Okay: true}), nil
			case eventExc:
				a.busy = false
				return a.finish(console.Response{Exc: ev.Exc}), nil
			default:
				a.logger.Warn("unexpected interpreter event", "type", ev.Type)
			}
		case <-timer.C:
			return a.takeOutput(), nil
		case <-ctx.Done():
			return a.takeOutput(), nil
		}
	}
}

// runSync runs an operation to completion. Stdin requests are answered
// with end of file.
func (a *Agent) runSync(op Op) (any, error) {
	if a.busy || a.held != nil {
		return nil, errBusy
	}
	if err := a.worker.Send(op); err != nil {
		return a.workerGone()
	}

	var stdout, stderr strings.Builder
	for ev := range a.worker.Events() {
		switch ev.Type {
		case eventStdout:
			stdout.WriteString(ev.Data)
		case eventStderr:
			stderr.WriteString(ev.Data)
		case eventInput:
			if err := a.worker.Send(Op{Op: opStdin, EOF: true}); err != nil {
				return a.workerGone()
			}
		case eventDone:
			return console.Response{Okay: true, Stdout: stdout.String(), Stderr: stderr.String()}, nil
		case eventExc:
			return console.Response{Exc: ev.Exc, Stdout: stdout.String(), Stderr: stderr.String()}, nil
		case eventResult:
			if ev.Value == nil && ev.Exception == nil {
				none := wire.None()
				ev.Value = &none
			}
			return console.Response{Result: ev.Value, Exception: ev.Exception, Stdout: stdout.String(), Stderr: stderr.String()}, nil
		case eventGlobals:
			return console.Response{Globals: ev.Globals, Okay: len(ev.Globals) == 0}, nil
		default:
			a.logger.Warn("unexpected interpreter event", "type", ev.Type)
		}
	}
	return a.workerGone()
}

func (a *Agent) hasOutput() bool {
	return a.stdout.Len() > 0 || a.stderr.Len() > 0
}

func (a *Agent) takeOutput() console.Response {
	resp := console.OutputResponse(a.stdout.String(), a.stderr.String())
	a.stdout.Reset()
	a.stderr.Reset()
	return resp
}

func (a *Agent) finish(final console.Response) console.Response {
	if !a.hasOutput() {
		return final
	}
	a.held = &final
	return a.takeOutput()
}

// workerGone answers the current request and stops the server: without
// an interpreter there is nothing left to serve.
func (a *Agent) workerGone() (any, error) {
	reason := "interpreter exited"
	if err := a.worker.Err(); err != nil && err.Error() != reason {
		reason += ": " + err.Error()
	}
	a.logger.Warn("interpreter gone", "reason", reason)
	return nil, chat.Terminate(console.Response{Terminate: reason})
}

func textArg(cmd console.IncomingCommand) (string, error) {
	if isNull(cmd.Text) {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(cmd.Text, &text); err != nil {
		return "", badCommand("%s text must be a string", cmd.Cmd)
	}
	return text, nil
}

func valuesArg(cmd console.IncomingCommand) (map[string]wire.Value, error) {
	values := map[string]wire.Value{}
	if isNull(cmd.Text) {
		return values, nil
	}
	if err := json.Unmarshal(cmd.Text, &values); err != nil {
		return nil, badCommand("%s text must map names to values: %v", cmd.Cmd, err)
	}
	for name, v := range values {
		if !v.Portable() {
			return nil, badCommand("value for %q is not portable", name)
		}
	}
	return values, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}
