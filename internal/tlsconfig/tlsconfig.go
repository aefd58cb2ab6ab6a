// Package tlsconfig loads TLS material for the console API.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ivle/jailconsole/internal/paths"
)

// Options holds explicit TLS paths from flags, config or environment.
// Empty paths are discovered in Dir, which defaults to the XDG TLS
// directory.
type Options struct {
	CertPath string
	KeyPath  string
	CAPath   string
	Dir      string
}

func (o Options) dir() string {
	if o.Dir != "" {
		return o.Dir
	}
	dir, err := paths.TLSDir()
	if err != nil {
		return ""
	}
	return dir
}

// ResolveServer returns a server tls.Config, or nil when no certificate is
// configured or discoverable.
func ResolveServer(opts Options) (*tls.Config, error) {
	certPath := firstExisting(opts.CertPath, opts.dir(), "server.pem")
	keyPath := firstExisting(opts.KeyPath, opts.dir(), "server.key")
	if certPath == "" || keyPath == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

// ResolveClient returns a client tls.Config trusting the configured or
// discovered CA in addition to the system roots.
func ResolveClient(opts Options) (*tls.Config, error) {
	if opts.CertPath != "" || opts.KeyPath != "" {
		return nil, fmt.Errorf("client certificates are not supported")
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS13}
	if caPath := firstExisting(opts.CAPath, opts.dir(), "ca.pem"); caPath != "" {
		pool, err := loadCAPool(caPath)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

// firstExisting returns explicit when set, otherwise dir/name if that
// file exists.
func firstExisting(explicit, dir, name string) string {
	if explicit != "" {
		return explicit
	}
	if dir == "" {
		return ""
	}
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no valid certificates found in CA file %s", path)
	}
	return pool, nil
}
