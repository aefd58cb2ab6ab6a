package consoleserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"connectrpc.com/connect"
	"github.com/charmbracelet/log"

	"github.com/ivle/jailconsole/internal/chat"
	"github.com/ivle/jailconsole/internal/console"
	"github.com/ivle/jailconsole/internal/consoleapi"
	"github.com/ivle/jailconsole/internal/consoleclient"
	"github.com/ivle/jailconsole/internal/consoleservice"
	"github.com/ivle/jailconsole/internal/endpoint"
	"github.com/ivle/jailconsole/internal/launcher"
	"github.com/ivle/jailconsole/internal/runtimeconfig"
	"github.com/ivle/jailconsole/internal/tlsconfig"
)

// loopbackLauncher starts a chat server that answers every block with
// its text as output followed by okay.
type loopbackLauncher struct {
	t    *testing.T
	fail error
}

func (l *loopbackLauncher) Launch(_ context.Context, req console.LaunchRequest) (console.Endpoint, error) {
	if l.fail != nil {
		return console.Endpoint{}, l.fail
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return console.Endpoint{}, err
	}
	magic := "0123456789abcdef0123456789abcdef"
	srv := &chat.Server{
		Secret: magic,
		Handler: func(_ context.Context, raw json.RawMessage) (any, error) {
			var cmd console.IncomingCommand
			if err := json.Unmarshal(raw, &cmd); err != nil {
				return nil, err
			}
			var text string
			_ = json.Unmarshal(cmd.Text, &text)
			if cmd.Cmd == console.CmdBlock {
				return console.OutputResponse(text+"\n", ""), nil
			}
			return console.Response{Okay: true}, nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, ln) }()
	return console.Endpoint{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port, Magic: magic, CWD: req.CWD}, nil
}

func newTestServer(t *testing.T, token string, l console.Launcher) string {
	t.Helper()
	svc := &consoleservice.Service{
		Launcher: l,
		Users: &consoleservice.UserDirectory{
			JailsRoot: "/var/jails",
			Static:    map[string]runtimeconfig.StaticUser{"alice": {UID: 5001}},
		},
		Logger: log.New(io.Discard),
	}
	srv := New(svc, log.New(io.Discard), token)
	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(httpServer.Close)
	return httpServer.URL
}

func newClient(t *testing.T, baseURL string, opts ...consoleclient.Option) *consoleclient.Client {
	t.Helper()
	ep, err := endpoint.Resolve(baseURL)
	if err != nil {
		t.Fatalf("resolve endpoint: %v", err)
	}
	client, err := consoleclient.New(ep, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestStartAndChatOverConnect(t *testing.T) {
	t.Parallel()

	baseURL := newTestServer(t, "", &loopbackLauncher{t: t})
	client := newClient(t, baseURL, consoleclient.WithUser("alice"))
	ctx := context.Background()

	if err := client.Health(ctx); err != nil {
		t.Fatalf("Health returned error: %v", err)
	}

	started, err := client.Start(ctx, &consoleapi.StartRequest{CWD: "/home/alice"})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	resp, err := client.Chat(ctx, &consoleapi.ChatRequest{Key: started.Key, Text: "hello", Kind: console.CmdBlock})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	reply, err := resp.Response()
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if got, want := reply.OutputText(), "hello\n"; got != want {
		t.Fatalf("output: got %q want %q", got, want)
	}
}

func TestCallsWithoutUserAreUnauthenticated(t *testing.T) {
	t.Parallel()

	baseURL := newTestServer(t, "", &loopbackLauncher{t: t})
	client := newClient(t, baseURL)

	_, err := client.Start(context.Background(), &consoleapi.StartRequest{})
	if got, want := connect.CodeOf(err), connect.CodeUnauthenticated; got != want {
		t.Fatalf("unexpected code: got %v want %v (err %v)", got, want, err)
	}
}

func TestTokenIsRequiredWhenConfigured(t *testing.T) {
	t.Parallel()

	baseURL := newTestServer(t, "s3cret", &loopbackLauncher{t: t})
	ctx := context.Background()

	wrong := newClient(t, baseURL, consoleclient.WithUser("alice"), consoleclient.WithToken("guess"))
	if _, err := wrong.Start(ctx, &consoleapi.StartRequest{}); connect.CodeOf(err) != connect.CodeUnauthenticated {
		t.Fatalf("wrong token: got %v", err)
	}

	right := newClient(t, baseURL, consoleclient.WithUser("alice"), consoleclient.WithToken("s3cret"))
	if _, err := right.Start(ctx, &consoleapi.StartRequest{}); err != nil {
		t.Fatalf("right token: %v", err)
	}
}

func TestErrorCodes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	baseURL := newTestServer(t, "", &loopbackLauncher{t: t})
	client := newClient(t, baseURL, consoleclient.WithUser("alice"))

	_, err := client.Chat(ctx, &consoleapi.ChatRequest{Key: "not-hex"})
	if got, want := connect.CodeOf(err), connect.CodeInvalidArgument; got != want {
		t.Fatalf("bad key: got %v want %v", got, want)
	}

	failing := newTestServer(t, "", &loopbackLauncher{t: t, fail: &launcher.SandboxStartError{Attempts: 5, Err: errors.New("no ports")}})
	client = newClient(t, failing, consoleclient.WithUser("alice"))
	_, err = client.Start(ctx, &consoleapi.StartRequest{})
	if got, want := connect.CodeOf(err), connect.CodeUnavailable; got != want {
		t.Fatalf("start failure: got %v want %v", got, want)
	}
}

func TestToConnectError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want connect.Code
	}{
		{err: fmt.Errorf("%w: slow", consoleservice.ErrStillRunning), want: connect.CodeDeadlineExceeded},
		{err: consoleservice.ErrUnauthenticated, want: connect.CodeUnauthenticated},
		{err: fmt.Errorf("%w: empty", console.ErrBadKey), want: connect.CodeInvalidArgument},
		{err: consoleservice.ErrBadRequest, want: connect.CodeInvalidArgument},
		{err: &launcher.SandboxStartError{Attempts: 1, Err: errors.New("x")}, want: connect.CodeUnavailable},
		{err: &console.UnreachableError{Reason: "gone"}, want: connect.CodeUnavailable},
		{err: context.Canceled, want: connect.CodeCanceled},
		{err: errors.New("boom"), want: connect.CodeInternal},
	}
	for _, tc := range cases {
		if got := connect.CodeOf(toConnectError(tc.err)); got != tc.want {
			t.Fatalf("toConnectError(%v): got %v want %v", tc.err, got, tc.want)
		}
	}
	if toConnectError(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestListenHTTPAcceptsHTTPPrefix(t *testing.T) {
	t.Parallel()

	ep := endpoint.Endpoint{
		Scheme:  "http",
		Address: "http://127.0.0.1:0",
	}
	ln, cleanup, err := listen(ep, nil, tlsconfig.Options{})
	if err != nil {
		t.Fatalf("listen http endpoint: %v", err)
	}
	if cleanup != nil {
		t.Fatal("expected no cleanup callback for tcp/http listener")
	}
	t.Cleanup(func() { _ = ln.Close() })
	if _, ok := ln.Addr().(*net.TCPAddr); !ok {
		t.Fatalf("expected tcp listener, got %T", ln.Addr())
	}
}

func TestListenUnixSocketIsPrivate(t *testing.T) {
	t.Parallel()

	sock := filepath.Join(t.TempDir(), "run", "jailconsole.sock")
	ln, _, err := listen(endpoint.Endpoint{Scheme: "unix", Address: sock}, nil, tlsconfig.Options{})
	if err != nil {
		t.Fatalf("listen unix endpoint: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	info, err := os.Stat(sock)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if got, want := info.Mode().Perm(), os.FileMode(0o600); got != want {
		t.Fatalf("unexpected socket mode: got %o want %o", got, want)
	}
}

func TestListenHTTPSWithoutCertificatesFails(t *testing.T) {
	t.Parallel()

	ep := endpoint.Endpoint{Scheme: "https", Address: "https://127.0.0.1:0"}
	if _, _, err := listen(ep, nil, tlsconfig.Options{Dir: t.TempDir()}); err == nil {
		t.Fatal("expected error without TLS material")
	}
}

func TestListenRejectsUnsupportedScheme(t *testing.T) {
	t.Parallel()

	_, _, err := listen(endpoint.Endpoint{Scheme: "vsock", Address: "3:1234"}, nil, tlsconfig.Options{})
	if err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

type fakeTSNet struct {
	ln     net.Listener
	closed bool
}

func (f *fakeTSNet) Listen(network, addr string) (net.Listener, error) {
	return f.ln, nil
}

func (f *fakeTSNet) Close() error {
	f.closed = true
	return nil
}

func TestListenTSNetUsesStateDirAndHostname(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = inner.Close() })

	original := newTSNetServer
	t.Cleanup(func() { newTSNetServer = original })
	fake := &fakeTSNet{ln: inner}
	var gotHostname, gotDir string
	newTSNetServer = func(ep endpoint.Endpoint, stateDir string, _ func(string, ...any)) tsnetServer {
		gotHostname, gotDir = ep.TSNetHostname, stateDir
		return fake
	}

	ep, err := endpoint.ResolveListen("tsnet://consoles:7001")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ln, cleanup, err := listen(ep, nil, tlsconfig.Options{})
	if err != nil {
		t.Fatalf("listen tsnet endpoint: %v", err)
	}
	if ln != inner {
		t.Fatal("expected the tsnet listener to be returned")
	}
	if gotHostname != "consoles" {
		t.Fatalf("unexpected hostname %q", gotHostname)
	}
	if _, err := os.Stat(gotDir); err != nil {
		t.Fatalf("state dir was not created: %v", err)
	}
	if err := cleanup(); err != nil || !fake.closed {
		t.Fatalf("cleanup did not close the tsnet server (err %v)", err)
	}
}
