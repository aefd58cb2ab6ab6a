package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ivle/jailconsole/internal/wire"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func startServer(t *testing.T, handler Handler) (string, <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := &Server{Secret: testSecret, Handler: handler, Timeout: time.Second}
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()
	return ln.Addr().String(), done
}

func closedAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestChatRoundTrip(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t, func(_ context.Context, req json.RawMessage) (any, error) {
		var in map[string]string
		if err := json.Unmarshal(req, &in); err != nil {
			return nil, err
		}
		return map[string]string{"output": in["text"]}, nil
	})

	got, err := Chat(context.Background(), addr, map[string]string{"cmd": "chat", "text": "hello"}, Options{Secret: testSecret})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if string(got) != `{"output":"hello"}` {
		t.Fatalf("got %s", got)
	}
}

func TestChatHandlerErrorBecomesStructuredReply(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t, func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})

	got, err := Chat(context.Background(), addr, "x", Options{Secret: testSecret})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	var reply ErrorReply
	if err := json.Unmarshal(got, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Type != "Error" || reply.Value != "boom" {
		t.Fatalf("unexpected error reply: %+v", reply)
	}
}

func TestChatHandlerPanicIsReported(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t, func(context.Context, json.RawMessage) (any, error) {
		panic("kaput")
	})

	got, err := Chat(context.Background(), addr, "x", Options{Secret: testSecret})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	var reply ErrorReply
	if err := json.Unmarshal(got, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Type != "panic" || reply.Value != "kaput" || reply.Traceback == "" {
		t.Fatalf("unexpected panic reply: %+v", reply)
	}
}

func TestServerTerminateSendsReplyAndStops(t *testing.T) {
	t.Parallel()

	addr, done := startServer(t, func(context.Context, json.RawMessage) (any, error) {
		return nil, Terminate(map[string]bool{"okay": true})
	})

	got, err := Chat(context.Background(), addr, "bye", Options{Secret: testSecret})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if string(got) != `{"okay":true}` {
		t.Fatalf("got %s", got)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after terminate")
	}

	_, err = Chat(context.Background(), addr, "again", Options{Secret: testSecret})
	if !errors.Is(err, ErrConnRefused) {
		t.Fatalf("expected ErrConnRefused after terminate, got %v", err)
	}
}

func TestServerDropsBadlySignedRequests(t *testing.T) {
	t.Parallel()

	called := make(chan struct{}, 1)
	addr, _ := startServer(t, func(context.Context, json.RawMessage) (any, error) {
		called <- struct{}{}
		return "ok", nil
	})

	_, err := Chat(context.Background(), addr, "x", Options{Secret: "not-the-secret"})
	if !errors.Is(err, ErrConnReset) {
		t.Fatalf("expected ErrConnReset for rejected request, got %v", err)
	}
	select {
	case <-called:
		t.Fatal("handler must not run for a badly signed request")
	default:
	}

	if _, err := Chat(context.Background(), addr, "x", Options{Secret: testSecret}); err != nil {
		t.Fatalf("server should keep serving after a bad request: %v", err)
	}
}

func TestChatClassifiesRefused(t *testing.T) {
	t.Parallel()

	_, err := Chat(context.Background(), closedAddr(t), "x", Options{Secret: testSecret})
	if !errors.Is(err, ErrConnRefused) {
		t.Fatalf("expected ErrConnRefused, got %v", err)
	}
	if !Unreachable(err) {
		t.Fatal("refused connection should be unreachable")
	}
}

func TestChatClassifiesResetWhenPeerClosesWithoutReply(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 64)
		_, _ = conn.Read(buf)
		_ = conn.Close()
	}()

	_, err = Chat(context.Background(), ln.Addr().String(), "x", Options{Secret: testSecret})
	if !errors.Is(err, ErrConnReset) {
		t.Fatalf("expected ErrConnReset, got %v", err)
	}
}

func TestChatClassifiesTimeout(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	release := make(chan struct{})
	defer close(release)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}()

	_, err = Chat(context.Background(), ln.Addr().String(), "x", Options{Secret: testSecret, Timeout: 100 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if Unreachable(err) {
		t.Fatal("timeout must not count as unreachable")
	}
}

func TestChatRejectsReplySignedWithAnotherSecret(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		_, _ = conn.Read(buf)
		payload, _ := wire.EncodeMessage("forged", "other", wire.DefaultDigest)
		_ = wire.WriteNetstring(conn, payload)
	}()

	_, err = Chat(context.Background(), ln.Addr().String(), "x", Options{Secret: testSecret})
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if !errors.Is(err, wire.ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature in chain, got %v", err)
	}
}

func TestChatHonoursContextCancellation(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = Chat(ctx, ln.Addr().String(), "x", Options{Secret: testSecret, Timeout: 5 * time.Second})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}
