// Package consoleclient is the connect client for the console API.
package consoleclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"

	"github.com/ivle/jailconsole/internal/consoleapi"
	"github.com/ivle/jailconsole/internal/endpoint"
	"github.com/ivle/jailconsole/internal/tlsconfig"
)

type Client struct {
	httpClient *http.Client
	baseURL    string

	start     *connect.Client[consoleapi.StartRequest, consoleapi.StartResponse]
	chat      *connect.Client[consoleapi.ChatRequest, consoleapi.ChatResponse]
	run       *connect.Client[consoleapi.RunRequest, consoleapi.RunResponse]
	terminate *connect.Client[consoleapi.TerminateRequest, consoleapi.TerminateResponse]
}

// Option configures the client.
type Option func(*options)

type options struct {
	tlsOpts tlsconfig.Options
	user    string
	token   string
}

// WithTLS configures TLS options for the client.
func WithTLS(opts tlsconfig.Options) Option {
	return func(o *options) {
		o.tlsOpts = opts
	}
}

// WithUser sets the login every call acts for.
func WithUser(login string) Option {
	return func(o *options) {
		o.user = strings.TrimSpace(login)
	}
}

// WithToken sets the bearer token presented to the server.
func WithToken(token string) Option {
	return func(o *options) {
		o.token = strings.TrimSpace(token)
	}
}

func New(ep endpoint.Endpoint, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	baseURL := strings.TrimRight(ep.BaseURL, "/")
	transport, err := buildTransport(ep, baseURL, o.tlsOpts)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Transport: transport}
	clientOpts := []connect.ClientOption{
		connect.WithCodec(consoleapi.Codec{}),
		connect.WithInterceptors(credentials(o.user, o.token)),
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		start:      connect.NewClient[consoleapi.StartRequest, consoleapi.StartResponse](httpClient, baseURL+consoleapi.StartProcedure, clientOpts...),
		chat:       connect.NewClient[consoleapi.ChatRequest, consoleapi.ChatResponse](httpClient, baseURL+consoleapi.ChatProcedure, clientOpts...),
		run:        connect.NewClient[consoleapi.RunRequest, consoleapi.RunResponse](httpClient, baseURL+consoleapi.RunProcedure, clientOpts...),
		terminate:  connect.NewClient[consoleapi.TerminateRequest, consoleapi.TerminateResponse](httpClient, baseURL+consoleapi.TerminateProcedure, clientOpts...),
	}, nil
}

func credentials(user, token string) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if req.Spec().IsClient {
				if user != "" {
					req.Header().Set(consoleapi.UserHeader, user)
				}
				if token != "" {
					req.Header().Set("Authorization", "Bearer "+token)
				}
			}
			return next(ctx, req)
		}
	}
}

func buildTransport(ep endpoint.Endpoint, baseURL string, tlsOpts tlsconfig.Options) (http.RoundTripper, error) {
	dialer := &net.Dialer{}

	if ep.Scheme == "https" {
		tlsCfg, err := tlsconfig.ResolveClient(tlsOpts)
		if err != nil {
			return nil, err
		}
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS13}
		}
		return &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			TLSClientConfig:   tlsCfg,
			ForceAttemptHTTP2: true,
		}, nil
	}

	if ep.Scheme == "unix" {
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", ep.Address)
			},
		}, nil
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return &http.Transport{}, nil
	}
	host := parsed.Host
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", host)
		},
	}, nil
}

func (c *Client) Start(ctx context.Context, req *consoleapi.StartRequest) (*consoleapi.StartResponse, error) {
	resp, err := c.start.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) Chat(ctx context.Context, req *consoleapi.ChatRequest) (*consoleapi.ChatResponse, error) {
	resp, err := c.chat.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) Run(ctx context.Context, req *consoleapi.RunRequest) (*consoleapi.RunResponse, error) {
	resp, err := c.run.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) Terminate(ctx context.Context, req *consoleapi.TerminateRequest) (*consoleapi.TerminateResponse, error) {
	resp, err := c.terminate.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Health checks the server's /healthz endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %s", resp.Status)
	}
	return nil
}
