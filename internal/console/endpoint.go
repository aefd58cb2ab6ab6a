package console

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrBadKey reports a session key that does not decode to a usable
// endpoint.
var ErrBadKey = errors.New("invalid session key")

// Endpoint locates a running console and carries the secret it expects.
type Endpoint struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Magic string `json:"magic"`
	CWD   string `json:"cwd,omitempty"`
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("%w: missing host", ErrBadKey)
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrBadKey, e.Port)
	}
	if e.Magic == "" {
		return fmt.Errorf("%w: missing secret", ErrBadKey)
	}
	return nil
}

// Key encodes e as an opaque session key: the hex form of its JSON. The
// key is everything a stateless proxy needs to reach the console again.
func (e Endpoint) Key() string {
	raw, _ := json.Marshal(e)
	return hex.EncodeToString(raw)
}

// ParseKey is the inverse of Endpoint.Key.
func ParseKey(key string) (Endpoint, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Endpoint{}, fmt.Errorf("%w: empty", ErrBadKey)
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	var ep Endpoint
	if err := json.Unmarshal(raw, &ep); err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if err := ep.Validate(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}
