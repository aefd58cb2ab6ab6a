package endpoint

import (
	"strings"
	"testing"
)

func TestResolveTSNetEndpointRejectedByResolve(t *testing.T) {
	t.Parallel()

	_, err := Resolve("tsnet://consoles:8443")
	if err == nil {
		t.Fatal("expected tsnet:// to be rejected by Resolve (client-side)")
	}
	if !strings.Contains(err.Error(), "serve --listen") {
		t.Fatalf("expected helpful error message, got %q", err)
	}
}

func TestResolveTSNetEndpointViaResolveListen(t *testing.T) {
	t.Parallel()

	ep, err := ResolveListen("tsnet://consoles:8443")
	if err != nil {
		t.Fatalf("resolve tsnet endpoint: %v", err)
	}
	if ep.Scheme != "tsnet" || ep.Address != ":8443" {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}
	if ep.BaseURL != "http://consoles:8443" {
		t.Fatalf("expected base url http://consoles:8443, got %q", ep.BaseURL)
	}
	if ep.TSNetHostname != "consoles" || ep.TSNetPort != 8443 {
		t.Fatalf("unexpected tsnet fields: %+v", ep)
	}
}

func TestResolveTSNetEndpointDefaults(t *testing.T) {
	t.Parallel()

	ep, err := ResolveListen("tsnet://")
	if err != nil {
		t.Fatalf("resolve tsnet endpoint with defaults: %v", err)
	}
	if ep.Address != ":7777" || ep.BaseURL != "http://jailconsole:7777" || ep.TSNetHostname != "jailconsole" {
		t.Fatalf("unexpected defaults: %+v", ep)
	}
}

func TestResolveTSNetEndpointRejectsBadInput(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"tsnet://consoles:99999", "tsnet://consoles:8443/path"} {
		if _, err := ResolveListen(raw); err == nil {
			t.Fatalf("expected %q to fail", raw)
		}
	}
}

func TestResolveHTTPAndUnix(t *testing.T) {
	t.Parallel()

	ep, err := Resolve("http://127.0.0.1:7070/")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if ep.Scheme != "http" || ep.BaseURL != "http://127.0.0.1:7070" {
		t.Fatalf("unexpected http endpoint: %+v", ep)
	}

	ep, err = Resolve("/run/jailconsole.sock")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if ep.Scheme != "unix" || ep.Address != "/run/jailconsole.sock" {
		t.Fatalf("unexpected unix endpoint: %+v", ep)
	}

	if _, err := Resolve("ftp://example.com"); err == nil {
		t.Fatal("expected unsupported scheme to fail")
	}
}

func TestResolveHonoursHostEnv(t *testing.T) {
	t.Setenv(HostEnvVar, "unix:///tmp/from-env.sock")

	ep, err := Resolve("")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if ep.Address != "/tmp/from-env.sock" {
		t.Fatalf("expected env endpoint, got %+v", ep)
	}
}
