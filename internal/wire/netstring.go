package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// DefaultMaxFrame bounds the payload size ReadNetstring accepts when the
// caller passes a non-positive limit.
const DefaultMaxFrame = 16 << 20

// maxLengthDigits keeps the length prefix parseable as an int on every
// platform.
const maxLengthDigits = 10

// EncodeNetstring frames payload as "<decimal length>:<payload>,".
func EncodeNetstring(payload []byte) []byte {
	prefix := strconv.Itoa(len(payload))
	out := make([]byte, 0, len(prefix)+len(payload)+2)
	out = append(out, prefix...)
	out = append(out, ':')
	out = append(out, payload...)
	out = append(out, ',')
	return out
}

func WriteNetstring(w io.Writer, payload []byte) error {
	_, err := w.Write(EncodeNetstring(payload))
	return err
}

// ReadNetstring reads exactly one frame from r.
//
// A stream that ends inside the frame yields a ProtocolError wrapping
// ErrTruncated. Read deadline errors are returned wrapped but otherwise
// untouched so callers can tell a slow peer from a dead one.
func ReadNetstring(r io.Reader, maxLen int) ([]byte, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxFrame
	}
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReaderSize(r, 64)
	}

	var digits []byte
	for {
		c, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(digits) == 0 {
					return nil, io.EOF
				}
				return nil, protocolErr("read length", ErrTruncated)
			}
			return nil, fmt.Errorf("read netstring length: %w", err)
		}
		if c == ':' {
			break
		}
		if c < '0' || c > '9' {
			return nil, protocolErr(fmt.Sprintf("expected ':' after length, got %q", c), nil)
		}
		digits = append(digits, c)
		if len(digits) > maxLengthDigits {
			return nil, protocolErr("length prefix too long", nil)
		}
	}
	if len(digits) == 0 {
		return nil, protocolErr("missing length prefix", nil)
	}
	n, err := strconv.Atoi(string(digits))
	if err != nil {
		return nil, protocolErr("parse length", err)
	}
	if n > maxLen {
		return nil, protocolErr(fmt.Sprintf("declared length %d", n), ErrFrameTooLarge)
	}

	payload := make([]byte, n)
	if err := readFull(br, payload); err != nil {
		return nil, err
	}

	c, err := br.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, protocolErr("read terminator", ErrTruncated)
		}
		return nil, fmt.Errorf("read netstring terminator: %w", err)
	}
	if c != ',' {
		return nil, protocolErr(fmt.Sprintf("expected ',' terminator, got %q", c), nil)
	}
	return payload, nil
}

func readFull(br io.ByteReader, dst []byte) error {
	if r, ok := br.(io.Reader); ok {
		_, err := io.ReadFull(r, dst)
		if err == nil {
			return nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return protocolErr("read payload", ErrTruncated)
		}
		return fmt.Errorf("read netstring payload: %w", err)
	}
	for i := range dst {
		c, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return protocolErr("read payload", ErrTruncated)
			}
			return fmt.Errorf("read netstring payload: %w", err)
		}
		dst[i] = c
	}
	return nil
}
