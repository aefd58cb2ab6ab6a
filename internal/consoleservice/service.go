// Package consoleservice is the stateless proxy in front of sandboxed
// consoles. Every call rebuilds the console endpoint from the caller's
// key; a console that has gone away is replaced and the caller is handed
// the new key.
package consoleservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ivle/jailconsole/internal/audit"
	"github.com/ivle/jailconsole/internal/chat"
	"github.com/ivle/jailconsole/internal/console"
	"github.com/ivle/jailconsole/internal/consoleapi"
	"github.com/ivle/jailconsole/internal/ids"
	"github.com/ivle/jailconsole/internal/wire"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrBadRequest      = errors.New("invalid request")
	// ErrStillRunning means the console accepted the command but did not
	// answer in time. It is not restarted.
	ErrStillRunning = errors.New("console is still running, try again")
)

const (
	DefaultRunTimeout = 30 * time.Second
	terminateTimeout  = 2 * time.Second

	reasonProtocolMismatch = "protocol mismatch"
)

type callerKey struct{}

// WithCaller attaches the authenticated login to ctx.
func WithCaller(ctx context.Context, login string) context.Context {
	return context.WithValue(ctx, callerKey{}, login)
}

// CallerFrom returns the login attached by WithCaller.
func CallerFrom(ctx context.Context) (string, bool) {
	login, ok := ctx.Value(callerKey{}).(string)
	return login, ok && login != ""
}

type Service struct {
	Launcher console.Launcher
	Users    Users
	Audit    audit.Recorder
	Logger   *log.Logger

	Digest       wire.Digest
	ChatTimeout  time.Duration
	RunTimeout   time.Duration
	StartupGrace time.Duration
	// AllowedHosts lists the hosts a session key may point at. Empty
	// means the loopback console host only.
	AllowedHosts []string
}

// Start launches a console for the caller and returns its key.
func (s *Service) Start(ctx context.Context, req consoleapi.StartRequest) (consoleapi.StartResponse, error) {
	u, err := s.caller(ctx)
	if err != nil {
		return consoleapi.StartResponse{}, err
	}
	cwd, err := resolveCWD(req.CWD, u)
	if err != nil {
		return consoleapi.StartResponse{}, err
	}
	ep, err := s.launch(ctx, u, cwd, audit.KindStart, "")
	if err != nil {
		return consoleapi.StartResponse{}, err
	}
	return consoleapi.StartResponse{Key: ep.Key()}, nil
}

// Chat performs one exchange with the console named by req.Key. When the
// console is gone, reports it is shutting down, or answers with something
// that cannot be decoded, a replacement is launched for the same user and
// working directory and the response carries its key instead of a reply.
// The command is not retried on the replacement.
func (s *Service) Chat(ctx context.Context, req consoleapi.ChatRequest) (consoleapi.ChatResponse, error) {
	u, err := s.caller(ctx)
	if err != nil {
		return consoleapi.ChatResponse{}, err
	}
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		kind = console.CmdChat
	}
	if !console.KnownCommand(kind) {
		return consoleapi.ChatResponse{}, fmt.Errorf("%w: unknown command kind %q", ErrBadRequest, kind)
	}
	ep, err := s.endpoint(req.Key)
	if err != nil {
		return consoleapi.ChatResponse{}, err
	}
	text, err := commandText(kind, req.Text)
	if err != nil {
		return consoleapi.ChatResponse{}, err
	}

	raw, err := chat.Chat(ctx, ep.Addr(), console.Command{Cmd: kind, Text: text}, s.chatOptions(ep))
	if err != nil {
		var decodeErr *chat.DecodeError
		switch {
		case chat.Unreachable(err):
			return s.restart(ctx, u, ep, "console unreachable: "+unreachableCause(err))
		case errors.As(err, &decodeErr):
			return s.restart(ctx, u, ep, reasonProtocolMismatch)
		case errors.Is(err, chat.ErrTimeout):
			return consoleapi.ChatResponse{}, fmt.Errorf("%w: %v", ErrStillRunning, err)
		}
		return consoleapi.ChatResponse{}, err
	}

	var peek struct {
		Terminate *string `json:"terminate"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return s.restart(ctx, u, ep, reasonProtocolMismatch)
	}
	if peek.Terminate != nil && kind != console.CmdTerminate {
		return s.restart(ctx, u, ep, "console exited: "+*peek.Terminate)
	}
	if kind == console.CmdTerminate {
		s.record(ctx, audit.Event{Kind: audit.KindTerminate, Login: u.Login, UID: u.UID, Host: ep.Host, Port: ep.Port, CWD: ep.CWD})
	}
	return consoleapi.ChatResponse{Reply: raw}, nil
}

// Run executes code in a throwaway console and returns everything it
// printed. An exception raised by the code, or the code exiting the
// interpreter, is part of the response, not an error.
func (s *Service) Run(ctx context.Context, req consoleapi.RunRequest) (consoleapi.RunResponse, error) {
	u, err := s.caller(ctx)
	if err != nil {
		return consoleapi.RunResponse{}, err
	}
	cwd, err := resolveCWD(req.CWD, u)
	if err != nil {
		return consoleapi.RunResponse{}, err
	}
	ep, err := s.launch(ctx, u, cwd, audit.KindRun, "")
	if err != nil {
		return consoleapi.RunResponse{}, err
	}

	runID := ids.NewRunID()
	sess := console.Attach(ep,
		console.WithDigest(s.Digest),
		console.WithTimeout(s.ChatTimeout),
		console.WithStartupGrace(s.StartupGrace),
		console.WithLogger(s.Logger),
	)
	for _, line := range req.Stdin {
		sess.Stdin.AppendString(strings.TrimSuffix(line, "\n") + "\n")
	}

	timeout := s.RunTimeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	_, runErr := sess.RunBlock(runCtx, req.Code)
	cancel()

	termCtx, termCancel := context.WithTimeout(context.WithoutCancel(ctx), terminateTimeout)
	if err := sess.Terminate(termCtx); err != nil {
		s.logger().Debug("terminate after run failed", "run_id", runID, "error", err)
	}
	termCancel()

	resp := consoleapi.RunResponse{
		RunID:  runID,
		Stdout: sess.Stdout.TakeAll(),
		Stderr: sess.Stderr.TakeAll(),
	}
	var userErr *console.UserException
	var gone *console.UnreachableError
	switch {
	case runErr == nil:
	case errors.As(runErr, &userErr):
		exc := userErr.Exc
		resp.Exception = &exc
	case errors.As(runErr, &gone) && gone.Err == nil && gone.Reason != "":
		// The agent answered that its interpreter is gone: the code exited.
		resp.Exited = gone.Reason
	case errors.Is(runErr, chat.ErrTimeout), errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil:
		return resp, fmt.Errorf("%w: run exceeded %s", ErrStillRunning, timeout)
	default:
		return resp, runErr
	}
	s.logger().Info("run finished", "run_id", runID, "login", u.Login, "raised", resp.Exception != nil, "exited", resp.Exited != "")
	return resp, nil
}

// Terminate asks the console to exit. Terminated reports whether it
// acknowledged; a console that is already gone is not an error.
func (s *Service) Terminate(ctx context.Context, req consoleapi.TerminateRequest) (consoleapi.TerminateResponse, error) {
	u, err := s.caller(ctx)
	if err != nil {
		return consoleapi.TerminateResponse{}, err
	}
	ep, err := s.endpoint(req.Key)
	if err != nil {
		return consoleapi.TerminateResponse{}, err
	}

	raw, err := chat.Chat(ctx, ep.Addr(), console.Command{Cmd: console.CmdTerminate}, s.chatOptions(ep))
	switch {
	case err != nil && chat.Unreachable(err):
		return consoleapi.TerminateResponse{Message: "console was not running"}, nil
	case err != nil && errors.Is(err, chat.ErrTimeout):
		return consoleapi.TerminateResponse{}, fmt.Errorf("%w: %v", ErrStillRunning, err)
	case err != nil:
		return consoleapi.TerminateResponse{Message: err.Error()}, nil
	}

	var resp console.Response
	if err := json.Unmarshal(raw, &resp); err != nil || !resp.Okay {
		return consoleapi.TerminateResponse{Message: "console did not acknowledge terminate"}, nil
	}
	s.record(ctx, audit.Event{Kind: audit.KindTerminate, Login: u.Login, UID: u.UID, Host: ep.Host, Port: ep.Port, CWD: ep.CWD})
	return consoleapi.TerminateResponse{Terminated: true, Message: "console terminated"}, nil
}

func (s *Service) restart(ctx context.Context, u User, old console.Endpoint, reason string) (consoleapi.ChatResponse, error) {
	s.logger().Warn("restarting console", "login", u.Login, "port", old.Port, "reason", reason)
	cwd := old.CWD
	if cwd == "" {
		cwd = u.Home
	}
	ep, err := s.launch(ctx, u, cwd, audit.KindRestart, reason)
	if err != nil {
		return consoleapi.ChatResponse{}, err
	}
	return consoleapi.ChatResponse{Restart: reason, Key: ep.Key()}, nil
}

func (s *Service) launch(ctx context.Context, u User, cwd string, kind audit.Kind, reason string) (console.Endpoint, error) {
	if s.Launcher == nil {
		return console.Endpoint{}, errors.New("console launcher is not configured")
	}
	consoleID := ids.NewConsoleID()
	ep, err := s.Launcher.Launch(ctx, console.LaunchRequest{
		Login:    u.Login,
		UID:      u.UID,
		GID:      u.GID,
		JailPath: u.JailPath,
		CWD:      cwd,
	})
	if err != nil {
		s.record(ctx, audit.Event{ConsoleID: consoleID, Kind: audit.KindStartFailed, Login: u.Login, UID: u.UID, CWD: cwd, Reason: err.Error()})
		return console.Endpoint{}, err
	}
	s.logger().Info("console ready", "console_id", consoleID, "login", u.Login, "port", ep.Port, "event", string(kind))
	s.record(ctx, audit.Event{
		ConsoleID: consoleID,
		Kind:      kind,
		Login:     u.Login,
		UID:       u.UID,
		Host:      ep.Host,
		Port:      ep.Port,
		CWD:       cwd,
		Reason:    reason,
	})
	return ep, nil
}

func (s *Service) caller(ctx context.Context) (User, error) {
	login, ok := CallerFrom(ctx)
	if !ok {
		return User{}, ErrUnauthenticated
	}
	if s.Users == nil {
		return User{}, errors.New("user directory is not configured")
	}
	u, err := s.Users.Lookup(login)
	if err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return u, nil
}

// endpoint decodes key and refuses endpoints on hosts this service does
// not launch consoles on.
func (s *Service) endpoint(key string) (console.Endpoint, error) {
	ep, err := console.ParseKey(key)
	if err != nil {
		return console.Endpoint{}, err
	}
	allowed := s.AllowedHosts
	if len(allowed) == 0 {
		allowed = []string{"127.0.0.1"}
	}
	if !slices.Contains(allowed, ep.Host) {
		return console.Endpoint{}, fmt.Errorf("%w: host %q is not a console host", console.ErrBadKey, ep.Host)
	}
	return ep, nil
}

func (s *Service) chatOptions(ep console.Endpoint) chat.Options {
	return chat.Options{Secret: ep.Magic, Digest: s.Digest, Timeout: s.ChatTimeout}
}

func (s *Service) record(ctx context.Context, ev audit.Event) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.Record(context.WithoutCancel(ctx), ev); err != nil {
		s.logger().Warn("audit record failed", "kind", string(ev.Kind), "error", err)
	}
}

func (s *Service) logger() *log.Logger {
	if s.Logger == nil {
		return log.Default()
	}
	return s.Logger
}

// commandText turns the caller's text into the command payload. Source
// commands carry the text as is; structured commands carry it decoded.
func commandText(kind, text string) (any, error) {
	if !console.StructuredCommand(kind) {
		return text, nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		if kind == console.CmdGlobals {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s requires a JSON payload", ErrBadRequest, kind)
	}
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("%w: %s payload is not valid JSON", ErrBadRequest, kind)
	}
	return json.RawMessage(text), nil
}

func resolveCWD(cwd string, u User) (string, error) {
	cwd = strings.TrimSpace(cwd)
	if cwd == "" {
		return u.Home, nil
	}
	if !path.IsAbs(cwd) {
		return "", fmt.Errorf("%w: working directory %q must be absolute", ErrBadRequest, cwd)
	}
	return path.Clean(cwd), nil
}

func unreachableCause(err error) string {
	if errors.Is(err, chat.ErrConnRefused) {
		return "connection refused"
	}
	return "connection reset"
}
