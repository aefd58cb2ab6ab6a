package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ivle/jailconsole/internal/chat"
	"github.com/ivle/jailconsole/internal/console"
	"github.com/ivle/jailconsole/internal/wire"
)

// fakeWorker replays scripted events for each op it receives.
type fakeWorker struct {
	mu     sync.Mutex
	sent   []Op
	script func(op Op) []Event
	events chan Event
	closed bool
}

func newFakeWorker(script func(op Op) []Event) *fakeWorker {
	return &fakeWorker{script: script, events: make(chan Event, 128)}
}

func (w *fakeWorker) Send(op Op) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("closed")
	}
	w.sent = append(w.sent, op)
	for _, ev := range w.script(op) {
		w.events <- ev
	}
	return nil
}

func (w *fakeWorker) Events() <-chan Event { return w.events }
func (w *fakeWorker) Err() error           { return errors.New("exit status 1") }

func (w *fakeWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.events)
	}
	return nil
}

func (w *fakeWorker) ops() []Op {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Op(nil), w.sent...)
}

func newTestAgent(w Worker) *Agent {
	return New(w, Options{FlushInterval: 50 * time.Millisecond, Logger: log.New(io.Discard)})
}

func send(t *testing.T, a *Agent, cmd string, text any) console.Response {
	t.Helper()

	resp, err := sendErr(a, cmd, text)
	if err != nil {
		t.Fatalf("%s returned error: %v", cmd, err)
	}
	return resp
}

func sendErr(a *Agent, cmd string, text any) (console.Response, error) {
	raw, err := json.Marshal(console.Command{Cmd: cmd, Text: text})
	if err != nil {
		return console.Response{}, err
	}
	out, err := a.Handle(context.Background(), raw)
	if err != nil {
		return console.Response{}, err
	}
	resp, _ := out.(console.Response)
	return resp, nil
}

func TestBlockWithOutputHoldsFinalReply(t *testing.T) {
	t.Parallel()

	w := newFakeWorker(func(op Op) []Event {
		if op.Op == opExec {
			return []Event{{Type: eventStdout, Data: "hello\n"}, {Type: eventDone}}
		}
		return nil
	})
	a := newTestAgent(w)

	first := send(t, a, console.CmdBlock, "print('hello')")
	if first.OutputText() != "hello\n" {
		t.Fatalf("expected queued output first, got %+v", first)
	}
	second := send(t, a, console.CmdChat, "")
	if !second.Okay {
		t.Fatalf("expected okay on continuation, got %+v", second)
	}
}

func TestChatLineIsRefusedWhileOutputIsPending(t *testing.T) {
	t.Parallel()

	w := newFakeWorker(func(op Op) []Event {
		if op.Op == opExec {
			return []Event{{Type: eventStdout, Data: "1\n"}, {Type: eventDone}}
		}
		return []Event{{Type: eventDone}}
	})
	a := newTestAgent(w)

	if first := send(t, a, console.CmdBlock, "print(1)"); first.OutputText() != "1\n" {
		t.Fatalf("expected queued output first, got %+v", first)
	}
	_, err := sendErr(a, console.CmdChat, "print(2)")
	var cmdErr *commandError
	if !errors.As(err, &cmdErr) || cmdErr.ErrorType() != "Busy" {
		t.Fatalf("expected a Busy error for a line sent before the held reply, got %v", err)
	}
	if second := send(t, a, console.CmdChat, ""); !second.Okay {
		t.Fatalf("the held reply must survive the refused line, got %+v", second)
	}
	for _, op := range w.ops() {
		if op.Op == opPush {
			t.Fatalf("the refused line reached the interpreter: %+v", w.ops())
		}
	}

	if resp := send(t, a, console.CmdChat, "print(2)"); !resp.Okay {
		t.Fatalf("an idle console should take the line, got %+v", resp)
	}
}

func TestChatLineIsRefusedWhileRunning(t *testing.T) {
	t.Parallel()

	w := newFakeWorker(func(Op) []Event { return nil })
	a := newTestAgent(w)

	if resp := send(t, a, console.CmdChat, "while True: pass"); !resp.HasOutput() {
		t.Fatalf("expected a partial reply after the flush interval, got %+v", resp)
	}
	if _, err := sendErr(a, console.CmdChat, "x = 1"); !errors.Is(err, errBusy) {
		t.Fatalf("got %v want %v", err, errBusy)
	}
	if resp := send(t, a, console.CmdChat, ""); !resp.HasOutput() {
		t.Fatalf("an empty continuation should keep polling, got %+v", resp)
	}
	if resp := send(t, a, console.CmdPing, nil); !resp.Okay {
		t.Fatalf("ping must be answered while the interpreter runs, got %+v", resp)
	}
	if ops := w.ops(); len(ops) != 1 {
		t.Fatalf("expected only the first line to reach the interpreter, got %+v", ops)
	}
}

func TestBlockWithoutOutputRepliesOkay(t *testing.T) {
	t.Parallel()

	w := newFakeWorker(func(Op) []Event { return []Event{{Type: eventDone}} })
	a := newTestAgent(w)

	if resp := send(t, a, console.CmdBlock, "x = 1"); !resp.Okay || resp.HasOutput() {
		t.Fatalf("expected bare okay, got %+v", resp)
	}
}

func TestSlowBlockFlushesEmptyOutput(t *testing.T) {
	t.Parallel()

	w := newFakeWorker(func(Op) []Event { return nil })
	a := newTestAgent(w)

	resp := send(t, a, console.CmdBlock, "while True: pass")
	if !resp.HasOutput() || resp.OutputText() != "" {
		t.Fatalf("expected empty partial output after the flush interval, got %+v", resp)
	}
	if _, err := sendErr(a, console.CmdBlock, "1"); err == nil {
		t.Fatal("a second block while busy must be rejected")
	}
}

func TestInputRequestAfterOutputIsAnnouncedOnContinuation(t *testing.T) {
	t.Parallel()

	w := newFakeWorker(func(op Op) []Event {
		switch op.Op {
		case opExec:
			return []Event{{Type: eventStdout, Data: "name? "}, {Type: eventInput}}
		case opStdin:
			return []Event{{Type: eventStdout, Data: "Hi " + op.Line}, {Type: eventDone}}
		}
		return nil
	})
	a := newTestAgent(w)

	if resp := send(t, a, console.CmdBlock, "input('name? ')"); resp.OutputText() != "name? " {
		t.Fatalf("expected prompt output, got %+v", resp)
	}
	if resp := send(t, a, console.CmdChat, ""); !resp.Input {
		t.Fatalf("expected input request, got %+v", resp)
	}
	if resp := send(t, a, console.CmdChat, "Ada\n"); resp.OutputText() != "Hi Ada\n" {
		t.Fatalf("expected greeting, got %+v", resp)
	}
	if resp := send(t, a, console.CmdChat, ""); !resp.Okay {
		t.Fatalf("expected okay, got %+v", resp)
	}

	ops := w.ops()
	if len(ops) != 2 || ops[1].Op != opStdin || ops[1].Line != "Ada\n" || ops[1].EOF {
		t.Fatalf("unexpected ops: %+v", ops)
	}
}

func TestEmptyStdinLineIsEndOfFile(t *testing.T) {
	t.Parallel()

	w := newFakeWorker(func(op Op) []Event {
		switch op.Op {
		case opExec:
			return []Event{{Type: eventInput}}
		case opStdin:
			return []Event{{Type: eventExc, Exc: &console.ExceptionInfo{Type: "EOFError"}}}
		}
		return nil
	})
	a := newTestAgent(w)

	if resp := send(t, a, console.CmdBlock, "input()"); !resp.Input {
		t.Fatalf("expected input request, got %+v", resp)
	}
	resp := send(t, a, console.CmdChat, "")
	if resp.Exc == nil || resp.Exc.Type != "EOFError" {
		t.Fatalf("expected EOFError, got %+v", resp)
	}
	if ops := w.ops(); !ops[1].EOF {
		t.Fatalf("expected eof stdin op, got %+v", ops[1])
	}
}

func TestChatPushReportsMore(t *testing.T) {
	t.Parallel()

	w := newFakeWorker(func(op Op) []Event {
		return []Event{{Type: eventDone, More: op.Code == "if True:"}}
	})
	a := newTestAgent(w)

	if resp := send(t, a, console.CmdChat, "if True:"); !resp.More {
		t.Fatalf("expected more, got %+v", resp)
	}
	if resp := send(t, a, console.CmdChat, "  pass"); !resp.Okay {
		t.Fatalf("expected okay, got %+v", resp)
	}
}

func TestExecuteCallAndGlobals(t *testing.T) {
	t.Parallel()

	w := newFakeWorker(func(op Op) []Event {
		switch op.Op {
		case opExecute:
			return []Event{{Type: eventStdout, Data: "ran\n"}, {Type: eventDone}}
		case opCall:
			v := wire.Int(3)
			return []Event{{Type: eventResult, Value: &v}}
		case opGlobals:
			return []Event{{Type: eventGlobals, Globals: map[string]wire.Value{"x": wire.Int(1)}}}
		case opSetGlobals, opSetVars:
			return []Event{{Type: eventDone}}
		}
		return nil
	})
	a := newTestAgent(w)

	if resp := send(t, a, console.CmdExecute, "print('ran')"); !resp.Okay || resp.Stdout != "ran\n" {
		t.Fatalf("unexpected execute reply: %+v", resp)
	}
	call := console.CallRequest{Function: "add", Args: []wire.Value{wire.Int(1), wire.Int(2)}}
	if resp := send(t, a, console.CmdCall, call); resp.Result == nil || resp.Result.Text != "3" {
		t.Fatalf("unexpected call reply: %+v", resp)
	}
	if resp := send(t, a, console.CmdGlobals, nil); resp.Globals["x"].Text != "1" {
		t.Fatalf("unexpected globals reply: %+v", resp)
	}
	if resp := send(t, a, console.CmdGlobals, map[string]wire.Value{}); !resp.Okay {
		t.Fatalf("unexpected set globals reply: %+v", resp)
	}
	if resp := send(t, a, console.CmdSetVars, map[string]wire.Value{"y": wire.Str("z")}); !resp.Okay {
		t.Fatalf("unexpected set_vars reply: %+v", resp)
	}

	ops := w.ops()
	if ops[3].Op != opSetGlobals || ops[4].Op != opSetVars || ops[4].Values["y"].Text != "z" {
		t.Fatalf("unexpected ops: %+v", ops)
	}
}

func TestRejectsBadCommands(t *testing.T) {
	t.Parallel()

	a := newTestAgent(newFakeWorker(func(Op) []Event { return nil }))

	for _, tc := range []struct {
		cmd  string
		text any
	}{
		{"launch", "x"},
		{console.CmdBlock, 42},
		{console.CmdCall, map[string]any{}},
		{console.CmdSetVars, map[string]wire.Value{"m": {Type: wire.TypeRepr, Text: "<m>"}}},
	} {
		_, err := sendErr(a, tc.cmd, tc.text)
		var typed chat.Typed
		if !errors.As(err, &typed) || typed.ErrorType() != "BadCommand" {
			t.Fatalf("%s: expected BadCommand, got %v", tc.cmd, err)
		}
	}
}

func TestWorkerExitTerminatesServer(t *testing.T) {
	t.Parallel()

	w := newFakeWorker(func(Op) []Event { return nil })
	a := newTestAgent(w)
	_ = w.Close()

	_, err := sendErr(a, console.CmdBlock, "1")
	var term *chat.TerminateError
	if !errors.As(err, &term) {
		t.Fatalf("expected TerminateError, got %v", err)
	}
	resp, ok := term.Reply.(console.Response)
	if !ok || resp.Terminate == "" {
		t.Fatalf("expected terminate reason, got %#v", term.Reply)
	}
}

func TestTerminateCommandStopsWorker(t *testing.T) {
	t.Parallel()

	w := newFakeWorker(func(Op) []Event { return nil })
	a := newTestAgent(w)

	_, err := sendErr(a, console.CmdTerminate, nil)
	var term *chat.TerminateError
	if !errors.As(err, &term) || !term.HasReply {
		t.Fatalf("expected TerminateError with reply, got %v", err)
	}
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if !closed {
		t.Fatal("worker must be closed on terminate")
	}
}
