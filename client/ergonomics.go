package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"connectrpc.com/connect"
)

// ErrorCode is a stable classifier for jailconsole API errors.
type ErrorCode string

const (
	ErrorCodeUnknown         ErrorCode = "unknown"
	ErrorCodeCanceled        ErrorCode = "canceled"
	ErrorCodeStillRunning    ErrorCode = "still_running"
	ErrorCodeInvalidArgument ErrorCode = "invalid_argument"
	ErrorCodeInvalidKey      ErrorCode = "invalid_key"
	ErrorCodeUnauthenticated ErrorCode = "unauthenticated"
	ErrorCodeUnavailable     ErrorCode = "unavailable"
	ErrorCodeStartFailed     ErrorCode = "start_failed"
	ErrorCodeInternal        ErrorCode = "internal"
)

// ErrCode classifies API errors into a stable code.
//
// Messages the server is known to produce for specific failures are
// preferred over the transport-level Connect code.
func ErrCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}

	message := strings.ToLower(err.Error())
	if appCode := classifyAppErrorCode(message); appCode != ErrorCodeUnknown {
		return appCode
	}

	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		switch connectErr.Code() {
		case connect.CodeCanceled:
			return ErrorCodeCanceled
		case connect.CodeDeadlineExceeded:
			return ErrorCodeStillRunning
		case connect.CodeInvalidArgument:
			return ErrorCodeInvalidArgument
		case connect.CodeUnauthenticated:
			return ErrorCodeUnauthenticated
		case connect.CodeUnavailable:
			return ErrorCodeUnavailable
		default:
			return ErrorCodeInternal
		}
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCodeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeStillRunning
	}
	return ErrorCodeUnknown
}

func classifyAppErrorCode(message string) ErrorCode {
	switch {
	case strings.Contains(message, "invalid session key"):
		return ErrorCodeInvalidKey
	case strings.Contains(message, "console failed to start"):
		return ErrorCodeStartFailed
	case strings.Contains(message, "still running"):
		return ErrorCodeStillRunning
	default:
		return ErrorCodeUnknown
	}
}

// Must returns the client if err is nil; otherwise it panics.
func Must(c *Client, err error) *Client {
	if err != nil {
		panic(err)
	}
	return c
}

// NewFromEnv builds a client from JAILCONSOLE_HOST (or default endpoint when unset).
func NewFromEnv(opts ...Option) (*Client, error) {
	return New("", opts...)
}

// RestartedError reports that the console was replaced while a command
// was in flight. The command did not run on the replacement.
type RestartedError struct {
	Reason string
}

func (e *RestartedError) Error() string {
	return "console restarted: " + e.Reason
}

// UserError is an exception raised by the submitted code.
type UserError struct {
	Exc ExceptionInfo
}

func (e *UserError) Error() string {
	if e.Exc.Value == "" {
		return e.Exc.Type
	}
	return e.Exc.Type + ": " + e.Exc.Value
}

// Console tracks the key of one console across restarts.
type Console struct {
	client *Client

	// OnRestart, when set, is called after the key has been swapped.
	OnRestart func(reason string)

	mu  sync.Mutex
	key string
}

// OpenConsole starts a console in cwd, or the user's home when empty.
func (c *Client) OpenConsole(ctx context.Context, cwd string) (*Console, error) {
	resp, err := c.Start(ctx, &StartRequest{CWD: cwd})
	if err != nil {
		return nil, err
	}
	return &Console{client: c, key: resp.Key}, nil
}

// AttachConsole wraps an existing key.
func (c *Client) AttachConsole(key string) *Console {
	return &Console{client: c, key: strings.TrimSpace(key)}
}

func (c *Console) Key() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// Send performs one exchange. When the server replaced the console, the
// new key is adopted and *RestartedError is returned.
func (c *Console) Send(ctx context.Context, kind, text string) (Response, error) {
	key := c.Key()
	resp, err := c.client.Chat(ctx, &ChatRequest{Key: key, Text: text, Kind: kind})
	if err != nil {
		return Response{}, err
	}
	if resp.Restarted() {
		c.mu.Lock()
		c.key = resp.Key
		c.mu.Unlock()
		if c.OnRestart != nil {
			c.OnRestart(resp.Restart)
		}
		return Response{}, &RestartedError{Reason: resp.Restart}
	}
	return resp.Response()
}

// Line submits one line of interactive input. More reports whether the
// console is waiting for the rest of a statement.
func (c *Console) Line(ctx context.Context, line string, stdin io.Reader, stdout, stderr io.Writer) (more bool, err error) {
	resp, err := c.Send(ctx, KindChat, line)
	if err != nil {
		return false, err
	}
	if resp.More {
		return true, nil
	}
	return false, c.drain(ctx, resp, stdin, stdout, stderr)
}

// Block runs code as one unit, copying its output to stdout and stderr
// and answering input requests from stdin. An exception raised by the
// code is returned as *UserError.
func (c *Console) Block(ctx context.Context, code string, stdin io.Reader, stdout, stderr io.Writer) error {
	resp, err := c.Send(ctx, KindBlock, code)
	if err != nil {
		return err
	}
	return c.drain(ctx, resp, stdin, stdout, stderr)
}

func (c *Console) drain(ctx context.Context, resp Response, stdin io.Reader, stdout, stderr io.Writer) error {
	var lines *bufio.Reader
	if stdin != nil {
		lines = bufio.NewReader(stdin)
	}
	for {
		var (
			next string
			err  error
		)
		switch {
		case resp.HasOutput():
			if stdout != nil {
				_, _ = io.WriteString(stdout, resp.OutputText())
			}
			if stderr != nil && resp.Stderr != "" {
				_, _ = io.WriteString(stderr, resp.Stderr)
			}
		case resp.Input:
			if lines != nil {
				next, err = lines.ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
			}
		case resp.Exc != nil:
			return &UserError{Exc: *resp.Exc}
		case resp.Failed():
			return fmt.Errorf("console agent error: %s: %s", resp.ErrorType, resp.ErrorValue)
		default:
			return nil
		}
		if resp, err = c.Send(ctx, KindChat, next); err != nil {
			return err
		}
	}
}

// Call invokes a function in the console namespace.
func (c *Console) Call(ctx context.Context, function string, args ...Value) (*Value, *ExceptionInfo, error) {
	payload, err := json.Marshal(struct {
		Function string  `json:"function"`
		Args     []Value `json:"args,omitempty"`
	}{Function: function, Args: args})
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.Send(ctx, KindCall, string(payload))
	if err != nil {
		return nil, nil, err
	}
	if resp.Failed() {
		return nil, nil, fmt.Errorf("console agent error: %s: %s", resp.ErrorType, resp.ErrorValue)
	}
	return resp.Result, resp.Exception, nil
}

// Globals returns the console's global namespace.
func (c *Console) Globals(ctx context.Context) (map[string]Value, error) {
	resp, err := c.Send(ctx, KindGlobals, "")
	if err != nil {
		return nil, err
	}
	if resp.Failed() {
		return nil, fmt.Errorf("console agent error: %s: %s", resp.ErrorType, resp.ErrorValue)
	}
	return resp.Globals, nil
}

// SetVars binds values in the console's global namespace.
func (c *Console) SetVars(ctx context.Context, values map[string]Value) error {
	payload, err := json.Marshal(values)
	if err != nil {
		return err
	}
	resp, err := c.Send(ctx, KindSetVars, string(payload))
	if err != nil {
		return err
	}
	if resp.Failed() {
		return fmt.Errorf("console agent error: %s: %s", resp.ErrorType, resp.ErrorValue)
	}
	return nil
}

// Close terminates the console. A console that is already gone is not
// an error.
func (c *Console) Close(ctx context.Context) error {
	_, err := c.client.Terminate(ctx, &TerminateRequest{Key: c.Key()})
	return err
}
