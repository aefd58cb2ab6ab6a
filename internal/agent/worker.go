package agent

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ivle/jailconsole/internal/console"
	"github.com/ivle/jailconsole/internal/wire"
)

//go:embed worker.py
var workerSource string

// WorkerSource returns the built-in interpreter script.
func WorkerSource() string {
	return workerSource
}

// Op is one instruction for the interpreter.
type Op struct {
	Op     string                `json:"op"`
	Code   string                `json:"code,omitempty"`
	Line   string                `json:"line,omitempty"`
	EOF    bool                  `json:"eof,omitempty"`
	Call   *console.CallRequest  `json:"call,omitempty"`
	Values map[string]wire.Value `json:"values,omitempty"`
}

const (
	opPush       = "push"
	opExec       = "exec"
	opExecute    = "execute"
	opCall       = "call"
	opGlobals    = "globals"
	opSetGlobals = "set_globals"
	opSetVars    = "set_vars"
	opStdin      = "stdin"
)

// Event is one notification from the interpreter.
type Event struct {
	Type      string                 `json:"type"`
	Data      string                 `json:"data,omitempty"`
	More      bool                   `json:"more,omitempty"`
	Exc       *console.ExceptionInfo `json:"exc,omitempty"`
	Value     *wire.Value            `json:"value,omitempty"`
	Exception *console.ExceptionInfo `json:"exception,omitempty"`
	Globals   map[string]wire.Value  `json:"globals,omitempty"`
}

const (
	eventReady   = "ready"
	eventStdout  = "stdout"
	eventStderr  = "stderr"
	eventInput   = "input"
	eventDone    = "done"
	eventExc     = "exc"
	eventResult  = "result"
	eventGlobals = "globals"
)

// Worker is the interpreter process the agent drives. Events is closed
// when the interpreter exits; Err then reports why.
type Worker interface {
	Send(op Op) error
	Events() <-chan Event
	Err() error
	Close() error
}

type PythonConfig struct {
	// Python is the interpreter binary. Defaults to python3 on PATH.
	Python string
	// Script is a worker script on disk. Empty or "-" runs the built-in
	// copy.
	Script       string
	Dir          string
	Env          []string
	Stdout       io.Writer
	Stderr       io.Writer
	ReadyTimeout time.Duration
}

const (
	defaultPython       = "python3"
	defaultReadyTimeout = 10 * time.Second
	maxEventSize        = wire.DefaultMaxFrame
)

// PythonWorker runs worker.py with command and event pipes on fds 3 and 4.
type PythonWorker struct {
	cmd     *exec.Cmd
	version string

	mu  sync.Mutex
	in  *os.File
	enc *json.Encoder

	events chan Event
	err    error
}

func StartPython(ctx context.Context, cfg PythonConfig) (*PythonWorker, error) {
	python := strings.TrimSpace(cfg.Python)
	if python == "" {
		python = defaultPython
	}
	args := []string{"-u"}
	if script := strings.TrimSpace(cfg.Script); script == "" || script == "-" {
		args = append(args, "-c", workerSource)
	} else {
		args = append(args, script)
	}

	cmdR, cmdW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create command pipe: %w", err)
	}
	evR, evW, err := os.Pipe()
	if err != nil {
		_ = cmdR.Close()
		_ = cmdW.Close()
		return nil, fmt.Errorf("create event pipe: %w", err)
	}

	cmd := exec.Command(python, args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(append(os.Environ(), cfg.Env...), "PYTHONIOENCODING=utf-8")
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr
	cmd.ExtraFiles = []*os.File{cmdR, evW}

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{cmdR, cmdW, evR, evW} {
			_ = f.Close()
		}
		return nil, fmt.Errorf("start %s: %w", python, err)
	}
	_ = cmdR.Close()
	_ = evW.Close()

	w := &PythonWorker{
		cmd:    cmd,
		in:     cmdW,
		enc:    json.NewEncoder(cmdW),
		events: make(chan Event, 64),
	}
	go w.readEvents(evR)

	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case ev, ok := <-w.events:
		if !ok {
			return nil, fmt.Errorf("interpreter exited before it was ready: %w", w.Err())
		}
		if ev.Type != eventReady {
			_ = w.Close()
			return nil, fmt.Errorf("interpreter sent %q before ready", ev.Type)
		}
		w.version = ev.Data
	case <-readyCtx.Done():
		_ = w.Close()
		return nil, fmt.Errorf("waiting for interpreter: %w", readyCtx.Err())
	}
	return w, nil
}

// Version is the interpreter version reported at startup.
func (w *PythonWorker) Version() string {
	return w.version
}

func (w *PythonWorker) Send(op Op) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return errors.New("interpreter is closed")
	}
	if err := w.enc.Encode(op); err != nil {
		return fmt.Errorf("send %s to interpreter: %w", op.Op, err)
	}
	return nil
}

func (w *PythonWorker) Events() <-chan Event {
	return w.events
}

// Err is only meaningful once Events has been closed.
func (w *PythonWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *PythonWorker) Close() error {
	w.mu.Lock()
	if w.enc != nil {
		w.enc = nil
		_ = w.in.Close()
	}
	w.mu.Unlock()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	return nil
}

func (w *PythonWorker) readEvents(r io.ReadCloser) {
	defer close(w.events)
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		w.events <- ev
	}
	scanErr := scanner.Err()
	waitErr := w.cmd.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case waitErr != nil:
		w.err = waitErr
	case scanErr != nil:
		w.err = scanErr
	default:
		w.err = errors.New("interpreter exited")
	}
}
