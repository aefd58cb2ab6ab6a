package wire

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Digest names the algorithm used to sign envelope content.
type Digest string

const (
	// DigestHMACSHA256 is HMAC-SHA256 keyed by the shared secret.
	DigestHMACSHA256 Digest = "hmac-sha256"
	// DigestMD5 is md5(content || secret), kept for peers that predate
	// HMAC signing.
	DigestMD5 Digest = "md5"

	DefaultDigest = DigestHMACSHA256
)

// DigestEnv names the environment variable that tells a spawned agent
// which digest its peer signs with.
const DigestEnv = "JAILCONSOLE_DIGEST"

func ParseDigest(raw string) (Digest, error) {
	switch Digest(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DigestHMACSHA256:
		return DigestHMACSHA256, nil
	case DigestMD5:
		return DigestMD5, nil
	default:
		return "", fmt.Errorf("unsupported digest %q (expected %q or %q)", raw, DigestHMACSHA256, DigestMD5)
	}
}

// Envelope carries a JSON-encoded payload next to its signature.
type Envelope struct {
	Content string `json:"content"`
	Digest  string `json:"digest"`
}

// Sign returns the lowercase hex digest of content under secret.
func Sign(content, secret string, digest Digest) (string, error) {
	switch digest {
	case "", DigestHMACSHA256:
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(content))
		return hex.EncodeToString(mac.Sum(nil)), nil
	case DigestMD5:
		sum := md5.Sum([]byte(content + secret))
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported digest %q", digest)
	}
}

// MakeEnvelope serialises payload to JSON and signs the resulting text.
func MakeEnvelope(payload any, secret string, digest Digest) (Envelope, error) {
	content, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode envelope content: %w", err)
	}
	sig, err := Sign(string(content), secret, digest)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Content: string(content), Digest: sig}, nil
}

// OpenEnvelope verifies env and decodes its content into out. The
// comparison runs in constant time.
func OpenEnvelope(env Envelope, secret string, digest Digest, out any) error {
	want, err := Sign(env.Content, secret, digest)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(env.Digest))) != 1 {
		return protocolErr("", ErrBadSignature)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(env.Content), out); err != nil {
		return protocolErr("decode envelope content", err)
	}
	return nil
}

// EncodeMessage returns the JSON text of a signed envelope for payload,
// ready to be framed.
func EncodeMessage(payload any, secret string, digest Digest) ([]byte, error) {
	env, err := MakeEnvelope(payload, secret, digest)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeMessage parses raw as an envelope, verifies it and decodes the
// content into out.
func DecodeMessage(raw []byte, secret string, digest Digest, out any) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return protocolErr("decode envelope", err)
	}
	if env.Digest == "" {
		return protocolErr("envelope has no digest", nil)
	}
	return OpenEnvelope(env, secret, digest, out)
}
