package wire

import "errors"

var (
	// ErrTruncated reports a frame whose stream ended before the declared
	// payload and terminator arrived.
	ErrTruncated = errors.New("truncated frame")

	// ErrBadSignature reports an envelope whose digest does not match the
	// locally recomputed one.
	ErrBadSignature = errors.New("bad signature")

	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// ProtocolError is a malformed frame, a truncated stream or a signature
// mismatch. The exchange that produced it must be abandoned.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Reason
	}
	if e.Reason == "" {
		return "protocol error: " + e.Err.Error()
	}
	return "protocol error: " + e.Reason + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolErr(reason string, err error) error {
	return &ProtocolError{Reason: reason, Err: err}
}
