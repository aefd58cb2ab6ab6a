package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ivle/jailconsole/internal/chat"
	"github.com/ivle/jailconsole/internal/wire"
)

// State is the lifecycle of a Session.
type State int

const (
	StateUninitialized State = iota
	StateRunning
	StateTerminated
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	case StateCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LaunchRequest identifies whose interpreter to start and where.
type LaunchRequest struct {
	Login    string
	UID      int
	GID      int
	JailPath string
	CWD      string
}

// Launcher starts a sandboxed interpreter and reports where it listens.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Endpoint, error)
}

const (
	DefaultStartupGrace = 2 * time.Second
	startupRetryDelay   = 50 * time.Millisecond
)

type Option func(*Session)

func WithDigest(d wire.Digest) Option {
	return func(s *Session) { s.digest = d }
}

// WithTimeout sets the per-exchange reply timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// WithStartupGrace bounds how long the first exchange retries a refused
// connection while the interpreter is still coming up.
func WithStartupGrace(d time.Duration) Option {
	return func(s *Session) { s.startupGrace = d }
}

func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Session is a client-side handle on one running console. Stdin is
// consumed a line at a time when the program asks for input. Stdout and
// Stderr accumulate everything the program prints until drained.
type Session struct {
	Stdin  Buffer
	Stdout Buffer
	Stderr Buffer

	ops sync.Mutex

	mu        sync.Mutex
	endpoint  Endpoint
	state     State
	contacted bool

	digest       wire.Digest
	timeout      time.Duration
	startupGrace time.Duration
	logger       *log.Logger
}

// Start launches a new interpreter through l and attaches to it.
func Start(ctx context.Context, l Launcher, req LaunchRequest, opts ...Option) (*Session, error) {
	ep, err := l.Launch(ctx, req)
	if err != nil {
		return nil, err
	}
	return Attach(ep, opts...), nil
}

// Attach returns a running session for an interpreter that is already
// listening at ep.
func Attach(ep Endpoint, opts ...Option) *Session {
	s := &Session{
		endpoint:     ep,
		state:        StateRunning,
		startupGrace: DefaultStartupGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) Endpoint() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SubmitPartial sends one line to the interactive console and returns the
// reply unchanged.
func (s *Session) SubmitPartial(ctx context.Context, line string) (Response, error) {
	s.ops.Lock()
	defer s.ops.Unlock()
	return s.exchange(ctx, Command{Cmd: CmdChat, Text: line})
}

// RunBlock executes code as one unit, shuttling output and stdin until the
// program finishes. It returns the output produced by this block, which is
// also appended to Stdout. An exception raised by the code is returned as
// *UserException.
func (s *Session) RunBlock(ctx context.Context, code string) (string, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	var out strings.Builder
	resp, err := s.exchange(ctx, Command{Cmd: CmdBlock, Text: code})
	for err == nil {
		switch {
		case resp.HasOutput():
			text := resp.OutputText()
			out.WriteString(text)
			s.Stdout.AppendString(text)
			s.Stderr.AppendString(resp.Stderr)
			resp, err = s.exchange(ctx, Command{Cmd: CmdChat, Text: ""})
			continue
		case resp.Input:
			line, _ := s.Stdin.TakeLine()
			resp, err = s.exchange(ctx, Command{Cmd: CmdChat, Text: line})
			continue
		}
		break
	}
	if err != nil {
		return out.String(), err
	}

	switch {
	case resp.Exc != nil:
		return out.String(), &UserException{Exc: *resp.Exc}
	case resp.Okay:
		return out.String(), nil
	default:
		return out.String(), &wire.ProtocolError{Reason: "unexpected reply to block: " + describe(resp)}
	}
}

// Execute runs code to completion without stdin. Output is appended to
// the session buffers.
func (s *Session) Execute(ctx context.Context, code string) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	resp, err := s.exchange(ctx, Command{Cmd: CmdExecute, Text: code})
	if err != nil {
		return err
	}
	s.Stdout.AppendString(resp.Stdout)
	s.Stderr.AppendString(resp.Stderr)
	switch {
	case resp.Exc != nil:
		return &UserException{Exc: *resp.Exc}
	case resp.Okay:
		return nil
	default:
		return &wire.ProtocolError{Reason: "unexpected reply to execute: " + describe(resp)}
	}
}

// CallResult is the outcome of Call. Exactly one of Result and Exception
// is set.
type CallResult struct {
	Result    *wire.Value
	Exception *ExceptionInfo
	Stdout    string
	Stderr    string
}

// Call invokes a function defined in the interpreter's namespace.
func (s *Session) Call(ctx context.Context, function string, args []wire.Value, kwargs map[string]wire.Value) (CallResult, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	if err := ensurePortable(args...); err != nil {
		return CallResult{}, err
	}
	for _, v := range kwargs {
		if err := ensurePortable(v); err != nil {
			return CallResult{}, err
		}
	}
	resp, err := s.exchange(ctx, Command{Cmd: CmdCall, Text: CallRequest{Function: function, Args: args, Kwargs: kwargs}})
	if err != nil {
		return CallResult{}, err
	}
	s.Stdout.AppendString(resp.Stdout)
	s.Stderr.AppendString(resp.Stderr)
	if resp.Result == nil && resp.Exception == nil {
		return CallResult{}, &wire.ProtocolError{Reason: "unexpected reply to call: " + describe(resp)}
	}
	return CallResult{Result: resp.Result, Exception: resp.Exception, Stdout: resp.Stdout, Stderr: resp.Stderr}, nil
}

// Globals returns the interpreter's global namespace. Values without a
// portable encoding come back as repr values.
func (s *Session) Globals(ctx context.Context) (map[string]wire.Value, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	resp, err := s.exchange(ctx, Command{Cmd: CmdGlobals})
	if err != nil {
		return nil, err
	}
	if resp.Globals == nil {
		if resp.Okay {
			return map[string]wire.Value{}, nil
		}
		return nil, &wire.ProtocolError{Reason: "unexpected reply to globals: " + describe(resp)}
	}
	return resp.Globals, nil
}

// SetGlobals replaces the interpreter's global namespace with values.
func (s *Session) SetGlobals(ctx context.Context, values map[string]wire.Value) error {
	return s.assign(ctx, CmdGlobals, values)
}

// SetVars merges values into the interpreter's global namespace.
func (s *Session) SetVars(ctx context.Context, values map[string]wire.Value) error {
	return s.assign(ctx, CmdSetVars, values)
}

func (s *Session) assign(ctx context.Context, cmd string, values map[string]wire.Value) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	for _, v := range values {
		if err := ensurePortable(v); err != nil {
			return err
		}
	}
	if values == nil {
		values = map[string]wire.Value{}
	}
	resp, err := s.exchange(ctx, Command{Cmd: cmd, Text: values})
	if err != nil {
		return err
	}
	if resp.Exc != nil {
		return &UserException{Exc: *resp.Exc}
	}
	if !resp.Okay {
		return &wire.ProtocolError{Reason: "unexpected reply to " + cmd + ": " + describe(resp)}
	}
	return nil
}

// Terminate asks the interpreter to exit. The session is terminated
// whatever the outcome; the returned error is informational.
func (s *Session) Terminate(ctx context.Context) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateRunning {
		s.setState(StateTerminated)
		return nil
	}
	_, err := s.exchange(ctx, Command{Cmd: CmdTerminate})
	s.setState(StateTerminated)
	if err != nil && chat.Unreachable(err) {
		return nil
	}
	return err
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) exchange(ctx context.Context, cmd Command) (Response, error) {
	s.mu.Lock()
	state, ep, contacted := s.state, s.endpoint, s.contacted
	s.mu.Unlock()

	switch state {
	case StateTerminated:
		return Response{}, ErrTerminated
	case StateCrashed:
		return Response{}, &UnreachableError{Endpoint: ep, Reason: "console crashed earlier"}
	case StateUninitialized:
		return Response{}, errors.New("console session not started")
	}

	opts := chat.Options{Secret: ep.Magic, Digest: s.digest, Timeout: s.timeout}
	raw, err := chat.Chat(ctx, ep.Addr(), cmd, opts)
	if err != nil && !contacted && errors.Is(err, chat.ErrConnRefused) {
		raw, err = s.retryStartup(ctx, ep, cmd, opts, err)
	}
	if err != nil {
		if chat.Unreachable(err) {
			s.setState(StateCrashed)
			return Response{}, &UnreachableError{Endpoint: ep, Err: err}
		}
		return Response{}, err
	}

	s.mu.Lock()
	s.contacted = true
	s.mu.Unlock()

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, &wire.ProtocolError{Reason: "decode console reply", Err: err}
	}
	if resp.Failed() {
		return resp, &AgentError{Type: resp.ErrorType, Value: resp.ErrorValue}
	}
	if resp.Terminate != "" && cmd.Cmd != CmdTerminate {
		s.setState(StateCrashed)
		return resp, &UnreachableError{Endpoint: ep, Reason: resp.Terminate}
	}
	return resp, nil
}

func (s *Session) retryStartup(ctx context.Context, ep Endpoint, cmd Command, opts chat.Options, err error) (json.RawMessage, error) {
	deadline := time.Now().Add(s.startupGrace)
	ticker := time.NewTicker(startupRetryDelay)
	defer ticker.Stop()

	var raw json.RawMessage
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		raw, err = chat.Chat(ctx, ep.Addr(), cmd, opts)
		if err == nil || !errors.Is(err, chat.ErrConnRefused) {
			return raw, err
		}
		if s.logger != nil {
			s.logger.Debug("console not accepting yet", "addr", ep.Addr())
		}
	}
	return raw, err
}

func ensurePortable(values ...wire.Value) error {
	for _, v := range values {
		if !v.Portable() {
			return fmt.Errorf("%w: %s", wire.ErrNotPortable, v)
		}
	}
	return nil
}

func describe(resp Response) string {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Sprintf("%+v", resp)
	}
	return string(raw)
}
