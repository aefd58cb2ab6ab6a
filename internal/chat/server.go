package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ivle/jailconsole/internal/wire"
)

// Handler answers one decoded request. Returning *TerminateError stops the
// server after the optional reply is sent. Any other error is sent back as
// an ErrorReply.
type Handler func(ctx context.Context, request json.RawMessage) (any, error)

// TerminateError asks Serve to stop once the connection has been answered.
type TerminateError struct {
	Reply    any
	HasReply bool
}

func (e *TerminateError) Error() string {
	return "terminate requested"
}

// Terminate returns a TerminateError that sends reply before stopping.
func Terminate(reply any) error {
	return &TerminateError{Reply: reply, HasReply: true}
}

// ErrorReply is the structured form of a handler failure.
type ErrorReply struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Traceback string `json:"traceback"`
}

// Typed lets handler errors choose the type name reported in ErrorReply.
type Typed interface {
	ErrorType() string
}

// Server is a single-threaded request/response loop: each accepted
// connection carries exactly one framed envelope in each direction.
type Server struct {
	Secret  string
	Digest  wire.Digest
	Handler Handler
	Logger  *log.Logger
	// Timeout bounds reading the request and writing the reply.
	Timeout  time.Duration
	MaxFrame int

	mu      sync.Mutex
	handled int
}

// Serve accepts connections on ln until the handler terminates, ctx is
// cancelled or ln is closed. Termination and a closed listener return nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.Handler == nil {
		return errors.New("chat server has no handler")
	}
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if s.handleConn(ctx, conn) {
			_ = ln.Close()
			return nil
		}
	}
}

// Handled returns the number of requests answered so far.
func (s *Server) Handled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handled
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) (terminate bool) {
	defer conn.Close()

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))

	raw, err := wire.ReadNetstring(bufio.NewReader(conn), s.MaxFrame)
	if errors.Is(err, io.EOF) {
		// Port scanners and TCP health checks hang up without a request.
		return false
	}
	if err != nil {
		s.logf("dropping connection: read request: %v", err)
		return false
	}
	var request json.RawMessage
	if err := wire.DecodeMessage(raw, s.Secret, s.Digest, &request); err != nil {
		s.logf("dropping connection: %v", err)
		return false
	}
	_ = conn.SetReadDeadline(time.Time{})

	reply, err := s.call(ctx, request)
	var term *TerminateError
	if errors.As(err, &term) {
		if term.HasReply {
			s.reply(conn, timeout, term.Reply)
		}
		return true
	}
	if err != nil {
		reply = errorReply(err)
	}
	s.reply(conn, timeout, reply)
	return false
}

func (s *Server) call(ctx context.Context, request json.RawMessage) (reply any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return s.Handler(ctx, request)
}

func (s *Server) reply(conn net.Conn, timeout time.Duration, reply any) {
	payload, err := wire.EncodeMessage(reply, s.Secret, s.Digest)
	if err != nil {
		payload, err = wire.EncodeMessage(errorReply(err), s.Secret, s.Digest)
		if err != nil {
			s.logf("encode reply: %v", err)
			return
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := wire.WriteNetstring(conn, payload); err != nil {
		s.logf("write reply: %v", err)
		return
	}
	s.mu.Lock()
	s.handled++
	s.mu.Unlock()
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger == nil {
		return
	}
	s.Logger.Warnf(format, args...)
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("%v", e.value)
}

func (e *panicError) ErrorType() string {
	return "panic"
}

func errorReply(err error) ErrorReply {
	out := ErrorReply{Type: "Error", Value: err.Error()}
	var typed Typed
	if errors.As(err, &typed) {
		out.Type = typed.ErrorType()
	}
	var p *panicError
	if errors.As(err, &p) {
		out.Traceback = p.stack
	} else {
		out.Traceback = strings.TrimSpace(fmt.Sprintf("%+v", err))
	}
	return out
}
