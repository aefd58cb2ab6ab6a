// Package tlsbootstrap issues a private CA and server certificate for the
// console API, laid out the way tlsconfig discovers them.
package tlsbootstrap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	caCommonName     = "jailconsole-ca"
	serverCommonName = "jailconsole-server"

	DefaultValidity = 365 * 24 * time.Hour
)

// DefaultHosts are the SANs used when none are given.
var DefaultHosts = []string{"localhost", "127.0.0.1", "::1"}

// ErrExists is returned by Write when the directory already holds a CA.
var ErrExists = errors.New("TLS material already exists")

// KeyPair holds PEM-encoded certificate and private key material.
type KeyPair struct {
	CertPEM []byte
	KeyPEM  []byte
}

// Bundle is a CA and a server certificate signed by it. Clients only need
// the CA; the console API authenticates users by token, not certificate.
type Bundle struct {
	CA     KeyPair
	Server KeyPair
}

type Options struct {
	Hosts    []string
	Validity time.Duration
	Now      func() time.Time
}

// Generate creates a fresh Bundle.
func Generate(opts Options) (*Bundle, error) {
	if opts.Validity <= 0 {
		opts.Validity = DefaultValidity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	hosts := opts.Hosts
	if len(hosts) == 0 {
		hosts = DefaultHosts
	}

	caKey, caCert, ca, err := newCA(opts.Now(), opts.Validity)
	if err != nil {
		return nil, err
	}
	server, err := issueServer(caCert, caKey, hosts, opts.Now(), opts.Validity)
	if err != nil {
		return nil, err
	}
	return &Bundle{CA: *ca, Server: *server}, nil
}

// Write stores the bundle in dir as ca.pem, ca.key, server.pem and
// server.key. Existing material is kept unless force is set.
func Write(dir string, b *Bundle, force bool) error {
	caPath := filepath.Join(dir, "ca.pem")
	if !force {
		if _, err := os.Stat(caPath); err == nil {
			return fmt.Errorf("%w at %s", ErrExists, caPath)
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create TLS directory: %w", err)
	}

	files := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{"ca.key", b.CA.KeyPEM, 0o600},
		{"server.key", b.Server.KeyPEM, 0o600},
		{"server.pem", b.Server.CertPEM, 0o644},
		{"ca.pem", b.CA.CertPEM, 0o644},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, f.perm); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	return nil
}

func newCA(now time.Time, validity time.Duration) (*ecdsa.PrivateKey, *x509.Certificate, *KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: caCommonName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	keyPEM, err := encodeKeyPEM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	return key, cert, &KeyPair{CertPEM: encodeCertPEM(der), KeyPEM: keyPEM}, nil
}

func issueServer(ca *x509.Certificate, caKey *ecdsa.PrivateKey, hosts []string, now time.Time, validity time.Duration) (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	dnsNames, ips := classifyHosts(hosts)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: serverCommonName},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create server certificate: %w", err)
	}
	keyPEM, err := encodeKeyPEM(key)
	if err != nil {
		return nil, err
	}
	return &KeyPair{CertPEM: encodeCertPEM(der), KeyPEM: keyPEM}, nil
}

func classifyHosts(hosts []string) (dnsNames []string, ips []net.IP) {
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		} else if h != "" {
			dnsNames = append(dnsNames, h)
		}
	}
	return dnsNames, ips
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func encodeKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}
