// Package consoleserver exposes consoleservice over connect RPC.
package consoleserver

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/charmbracelet/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"tailscale.com/tsnet"

	"github.com/ivle/jailconsole/internal/chat"
	"github.com/ivle/jailconsole/internal/console"
	"github.com/ivle/jailconsole/internal/consoleapi"
	"github.com/ivle/jailconsole/internal/consoleservice"
	"github.com/ivle/jailconsole/internal/endpoint"
	"github.com/ivle/jailconsole/internal/launcher"
	"github.com/ivle/jailconsole/internal/paths"
	"github.com/ivle/jailconsole/internal/tlsconfig"
)

type Server struct {
	service *consoleservice.Service
	logger  *log.Logger
	// token, when set, must be presented as a bearer token by every
	// caller.
	token string
}

func New(service *consoleservice.Service, logger *log.Logger, token string) *Server {
	return &Server{service: service, logger: logger, token: strings.TrimSpace(token)}
}

type tsnetServer interface {
	Listen(network, addr string) (net.Listener, error)
	Close() error
}

var newTSNetServer = func(ep endpoint.Endpoint, stateDir string, tsLogf func(format string, args ...any)) tsnetServer {
	return &tsnet.Server{
		Dir:      stateDir,
		Hostname: ep.TSNetHostname,
		Logf:     tsLogf,
	}
}

func tsnetLogf(logger *log.Logger) func(format string, args ...any) {
	if logger == nil {
		return nil
	}
	tsLogger := logger.With("subsystem", "tsnet")
	return func(format string, args ...any) {
		msg := strings.TrimSpace(fmt.Sprintf(format, args...))
		if msg == "" {
			return
		}
		tsLogger.Debug(msg)
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	opts := []connect.HandlerOption{
		connect.WithCodec(consoleapi.Codec{}),
		connect.WithInterceptors(s.authInterceptor()),
	}
	mux.Handle(consoleapi.StartProcedure, connect.NewUnaryHandler(consoleapi.StartProcedure, s.Start, opts...))
	mux.Handle(consoleapi.ChatProcedure, connect.NewUnaryHandler(consoleapi.ChatProcedure, s.Chat, opts...))
	mux.Handle(consoleapi.RunProcedure, connect.NewUnaryHandler(consoleapi.RunProcedure, s.Run, opts...))
	mux.Handle(consoleapi.TerminateProcedure, connect.NewUnaryHandler(consoleapi.TerminateProcedure, s.Terminate, opts...))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h2c.NewHandler(mux, &http2.Server{})
}

func (s *Server) Start(ctx context.Context, req *connect.Request[consoleapi.StartRequest]) (*connect.Response[consoleapi.StartResponse], error) {
	resp, err := s.service.Start(ctx, *req.Msg)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&resp), nil
}

func (s *Server) Chat(ctx context.Context, req *connect.Request[consoleapi.ChatRequest]) (*connect.Response[consoleapi.ChatResponse], error) {
	resp, err := s.service.Chat(ctx, *req.Msg)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&resp), nil
}

func (s *Server) Run(ctx context.Context, req *connect.Request[consoleapi.RunRequest]) (*connect.Response[consoleapi.RunResponse], error) {
	resp, err := s.service.Run(ctx, *req.Msg)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&resp), nil
}

func (s *Server) Terminate(ctx context.Context, req *connect.Request[consoleapi.TerminateRequest]) (*connect.Response[consoleapi.TerminateResponse], error) {
	resp, err := s.service.Terminate(ctx, *req.Msg)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&resp), nil
}

// authInterceptor resolves the caller from the user header and, when the
// server has a token, checks the bearer credential first.
func (s *Server) authInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if req.Spec().IsClient {
				return next(ctx, req)
			}
			login, err := s.authenticate(req.Header())
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("rejected console API call", "procedure", req.Spec().Procedure, "peer", req.Peer().Addr, "error", err)
				}
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}
			return next(consoleservice.WithCaller(ctx, login), req)
		}
	}
}

func (s *Server) authenticate(header http.Header) (string, error) {
	if s.token != "" {
		presented, ok := strings.CutPrefix(header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(s.token)) != 1 {
			return "", errors.New("invalid or missing bearer token")
		}
	}
	login := strings.TrimSpace(header.Get(consoleapi.UserHeader))
	if login == "" {
		return "", fmt.Errorf("missing %s header", consoleapi.UserHeader)
	}
	return login, nil
}

func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}

	var (
		startErr       *launcher.SandboxStartError
		unreachableErr *console.UnreachableError
	)
	code := connect.CodeInternal
	switch {
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, consoleservice.ErrStillRunning),
		errors.Is(err, chat.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, consoleservice.ErrUnauthenticated):
		code = connect.CodeUnauthenticated
	case errors.Is(err, console.ErrBadKey), errors.Is(err, consoleservice.ErrBadRequest):
		code = connect.CodeInvalidArgument
	case errors.As(err, &startErr), errors.As(err, &unreachableErr):
		code = connect.CodeUnavailable
	}
	return connect.NewError(code, err)
}

func Serve(ctx context.Context, ep endpoint.Endpoint, handler http.Handler, logger *log.Logger, tlsOpts tlsconfig.Options) error {
	listener, cleanup, err := listen(ep, logger, tlsOpts)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer func() {
			_ = cleanup()
		}()
	}
	defer listener.Close()
	if logger != nil {
		logger.Info("serving console API", "endpoint", ep.Address, "scheme", ep.Scheme, "base_url", ep.BaseURL)
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if ep.Scheme == "https" {
		if err := http2.ConfigureServer(httpServer, nil); err != nil {
			return fmt.Errorf("configure HTTP/2 for TLS: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if ep.Scheme == "unix" {
			_ = os.Remove(ep.Address)
		}
		if logger != nil {
			logger.Info("console API shutdown complete", "endpoint", ep.Address)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if logger != nil {
			logger.Error("console API serve failed", "error", err)
		}
		return err
	}
}

func listen(ep endpoint.Endpoint, logger *log.Logger, tlsOpts tlsconfig.Options) (net.Listener, func() error, error) {
	switch ep.Scheme {
	case "unix":
		if err := os.MkdirAll(filepath.Dir(ep.Address), 0o755); err != nil {
			return nil, nil, err
		}
		if err := os.Remove(ep.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, nil, err
		}
		listener, err := net.Listen("unix", ep.Address)
		if err != nil {
			return nil, nil, err
		}
		if err := os.Chmod(ep.Address, 0o600); err != nil {
			_ = listener.Close()
			return nil, nil, err
		}
		return listener, nil, nil

	case "tsnet":
		stateDir, err := paths.TSNetStateDir()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve tsnet state directory: %w", err)
		}
		if err := os.MkdirAll(stateDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create tsnet state directory: %w", err)
		}
		server := newTSNetServer(ep, stateDir, tsnetLogf(logger))
		listener, err := server.Listen("tcp", ep.Address)
		if err != nil {
			_ = server.Close()
			return nil, nil, fmt.Errorf("start tsnet listener for %q: %w", ep.Address, err)
		}
		return listener, server.Close, nil

	case "https":
		tlsCfg, err := tlsconfig.ResolveServer(tlsOpts)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve server TLS config: %w", err)
		}
		if tlsCfg == nil {
			return nil, nil, errors.New("https listen endpoint requires TLS certificates (provide --tls-cert/--tls-key or place server.pem and server.key in the TLS directory)")
		}
		listener, err := tls.Listen("tcp", hostPort(ep.Address), tlsCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("start TLS listener for %q: %w", ep.Address, err)
		}
		return listener, nil, nil

	case "http":
		listener, err := net.Listen("tcp", hostPort(ep.Address))
		return listener, nil, err
	}

	return nil, nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
}

func hostPort(addr string) string {
	for _, prefix := range []string{"https://", "http://"} {
		addr = strings.TrimPrefix(addr, prefix)
	}
	return strings.TrimRight(addr, "/")
}
