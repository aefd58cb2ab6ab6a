// Package endpoint resolves where the console API listens and where
// clients reach it.
package endpoint

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/ivle/jailconsole/internal/paths"
)

// HostEnvVar overrides the default endpoint for both server and clients.
const HostEnvVar = "JAILCONSOLE_HOST"

const (
	defaultTSNetHostname = "jailconsole"
	defaultTSNetPort     = 7777
)

type Endpoint struct {
	Scheme  string
	Address string
	BaseURL string

	TSNetHostname string
	TSNetPort     int
}

func Default() Endpoint {
	return Endpoint{Scheme: "unix", Address: paths.RuntimeSocketPath(), BaseURL: "http://unix"}
}

// ResolveListen resolves an endpoint for server-side listening. Unlike
// Resolve it accepts tsnet:// endpoints.
func ResolveListen(raw string) (Endpoint, error) {
	return resolve(raw, true)
}

func Resolve(raw string) (Endpoint, error) {
	return resolve(raw, false)
}

func resolve(raw string, listen bool) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv(HostEnvVar))
	}
	if value == "" {
		return Default(), nil
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}, nil
	case strings.HasPrefix(value, "tsnet://"):
		if !listen {
			return Endpoint{}, fmt.Errorf("tsnet endpoint %q is only valid for serve --listen; clients connect with http://<hostname>:<port>", value)
		}
		return resolveTSNet(value)
	case strings.HasPrefix(value, "http://"), strings.HasPrefix(value, "https://"):
		scheme := "http"
		if strings.HasPrefix(value, "https://") {
			scheme = "https"
		}
		return Endpoint{Scheme: scheme, Address: value, BaseURL: strings.TrimRight(value, "/")}, nil
	case strings.HasPrefix(value, "/"):
		return Endpoint{Scheme: "unix", Address: value, BaseURL: "http://unix"}, nil
	default:
		expected := "unix://, http://, https://, tsnet:// or an absolute unix socket path"
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected %s)", value, expected)
	}
}

func resolveTSNet(value string) (Endpoint, error) {
	u, err := url.Parse(value)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse tsnet endpoint %q: %w", value, err)
	}
	if u.Path != "" && u.Path != "/" {
		return Endpoint{}, fmt.Errorf("tsnet endpoint %q must not have a path", value)
	}
	hostname := u.Hostname()
	if hostname == "" {
		hostname = defaultTSNetHostname
	}
	port := defaultTSNetPort
	if rawPort := u.Port(); rawPort != "" {
		port, err = strconv.Atoi(rawPort)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("invalid tsnet port %q", rawPort)
		}
	}
	return Endpoint{
		Scheme:        "tsnet",
		Address:       ":" + strconv.Itoa(port),
		BaseURL:       fmt.Sprintf("http://%s:%d", hostname, port),
		TSNetHostname: hostname,
		TSNetPort:     port,
	}, nil
}
