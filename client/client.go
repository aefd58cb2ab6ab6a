package client

import (
	"context"
	"errors"

	"github.com/ivle/jailconsole/internal/consoleclient"
	"github.com/ivle/jailconsole/internal/endpoint"
	"github.com/ivle/jailconsole/internal/tlsconfig"
)

// Client is the public Go client for the jailconsole API.
type Client struct {
	inner *consoleclient.Client
}

// TLSOptions configures optional TLS material for HTTPS connections.
type TLSOptions struct {
	CAPath string
}

// Option configures the jailconsole client.
type Option func(*options)

type options struct {
	tls   tlsconfig.Options
	user  string
	token string
}

// WithTLS configures TLS options for HTTPS endpoints.
func WithTLS(opts TLSOptions) Option {
	return func(o *options) {
		o.tls = tlsconfig.Options{CAPath: opts.CAPath}
	}
}

// WithUser sets the login consoles are started for. The server trusts
// this header only from callers holding its token.
func WithUser(login string) Option {
	return func(o *options) {
		o.user = login
	}
}

// WithToken sets the bearer token presented to the server.
func WithToken(token string) Option {
	return func(o *options) {
		o.token = token
	}
}

// New creates a client for the provided endpoint.
//
// Supported endpoint formats match the CLI:
// - unix:///path/to/jailconsole.sock
// - absolute unix socket path
// - http://host:port
// - https://host:port
//
// If host is empty, JAILCONSOLE_HOST is used, then the default unix socket path.
func New(host string, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	ep, err := endpoint.Resolve(host)
	if err != nil {
		return nil, err
	}
	inner, err := consoleclient.New(ep,
		consoleclient.WithTLS(o.tls),
		consoleclient.WithUser(o.user),
		consoleclient.WithToken(o.token),
	)
	if err != nil {
		return nil, err
	}
	return &Client{inner: inner}, nil
}

func (c *Client) Start(ctx context.Context, req *StartRequest) (*StartResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errors.New("nil client")
	}
	return c.inner.Start(ctx, req)
}

func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errors.New("nil client")
	}
	return c.inner.Chat(ctx, req)
}

func (c *Client) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errors.New("nil client")
	}
	return c.inner.Run(ctx, req)
}

func (c *Client) Terminate(ctx context.Context, req *TerminateRequest) (*TerminateResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errors.New("nil client")
	}
	return c.inner.Terminate(ctx, req)
}

// Health reports whether the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return errors.New("nil client")
	}
	return c.inner.Health(ctx)
}
