package chat

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ivle/jailconsole/internal/wire"
)

var (
	// ErrConnRefused means nothing is listening at the endpoint.
	ErrConnRefused = errors.New("connection refused")
	// ErrConnReset means the peer went away during the exchange.
	ErrConnReset = errors.New("connection reset")
	// ErrTimeout means the peer accepted the connection but did not
	// answer in time. The interpreter may still be running.
	ErrTimeout = errors.New("timed out waiting for reply")
)

// DecodeError wraps a reply that arrived but could not be framed,
// verified or parsed.
type DecodeError struct {
	Addr string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode reply from %s: %v", e.Addr, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Unreachable reports whether err means the endpoint is gone, as opposed
// to slow or speaking a different protocol.
func Unreachable(err error) bool {
	return errors.Is(err, ErrConnRefused) || errors.Is(err, ErrConnReset)
}

func classify(op, addr string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, unix.ECONNREFUSED):
		return fmt.Errorf("%s %s: %w: %w", op, addr, ErrConnRefused, err)
	case errors.Is(err, unix.ECONNRESET),
		errors.Is(err, unix.EPIPE),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, wire.ErrTruncated):
		return fmt.Errorf("%s %s: %w: %w", op, addr, ErrConnReset, err)
	case isTimeout(err):
		return fmt.Errorf("%s %s: %w: %w", op, addr, ErrTimeout, err)
	}
	var perr *wire.ProtocolError
	if errors.As(err, &perr) {
		return &DecodeError{Addr: addr, Err: err}
	}
	return fmt.Errorf("%s %s: %w", op, addr, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
