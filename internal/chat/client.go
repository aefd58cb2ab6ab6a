package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/ivle/jailconsole/internal/wire"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultDialTimeout = 2 * time.Second
)

// Options configures one exchange.
type Options struct {
	Secret string
	Digest wire.Digest
	// Timeout bounds the write and the wait for the reply.
	Timeout     time.Duration
	DialTimeout time.Duration
	MaxFrame    int
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultTimeout
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}
	return DefaultDialTimeout
}

// Chat opens a connection to addr, sends message inside a signed envelope
// and returns the verified content of the single reply.
//
// Failures are classified: ErrConnRefused and ErrConnReset when the peer
// is gone, ErrTimeout when it is alive but slow, and *DecodeError when the
// reply cannot be trusted.
func Chat(ctx context.Context, addr string, message any, opts Options) (json.RawMessage, error) {
	raw, err := Exchange(ctx, addr, message, opts)
	if err != nil {
		return nil, err
	}
	var content json.RawMessage
	if err := wire.DecodeMessage(raw, opts.Secret, opts.Digest, &content); err != nil {
		return nil, &DecodeError{Addr: addr, Err: err}
	}
	return content, nil
}

// Exchange is Chat without verifying the reply. It returns the raw frame
// payload.
func Exchange(ctx context.Context, addr string, message any, opts Options) ([]byte, error) {
	payload, err := wire.EncodeMessage(message, opts.Secret, opts.Digest)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.dialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, classify("dial", addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(opts.timeout())); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := wire.WriteNetstring(conn, payload); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, classify("write", addr, err)
	}
	reply, err := wire.ReadNetstring(bufio.NewReader(conn), opts.MaxFrame)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, classify("read", addr, err)
	}
	return reply, nil
}
