package launcher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/ivle/jailconsole/internal/chat"
	"github.com/ivle/jailconsole/internal/console"
	"github.com/ivle/jailconsole/internal/wire"
)

const (
	DefaultAttempts     = 5
	DefaultPortMin      = 3000
	DefaultPortMax      = 8999
	DefaultReadyTimeout = 5 * time.Second
	DefaultHost         = "127.0.0.1"

	readyPollInterval = 25 * time.Millisecond
	readyPollTimeout  = 500 * time.Millisecond
	cleanupTimeout    = 10 * time.Second
)

// Spec is everything a Spawner needs to bring one interpreter up.
type Spec struct {
	Request console.LaunchRequest
	Host    string
	Port    int
	Magic   string
	// Digest is the envelope digest the agent must sign with.
	Digest wire.Digest
}

func (s Spec) addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Spawner starts the interpreter process. A returned error means this
// attempt failed, typically because the port was taken, and the launcher
// may retry on another port.
type Spawner interface {
	Name() string
	Spawn(ctx context.Context, spec Spec) error
}

// Cleaner is implemented by spawners that can tear down an interpreter
// which was spawned but never answered the readiness check.
type Cleaner interface {
	Cleanup(ctx context.Context, spec Spec) error
}

type Config struct {
	Host         string
	PortMin      int
	PortMax      int
	Attempts     int
	ReadyTimeout time.Duration
	Digest       wire.Digest
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = DefaultHost
	}
	if c.PortMin <= 0 {
		c.PortMin = DefaultPortMin
	}
	if c.PortMax <= 0 {
		c.PortMax = DefaultPortMax
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.Digest == "" {
		c.Digest = wire.DefaultDigest
	}
	return c
}

func (c Config) Validate() error {
	c = c.withDefaults()
	if c.PortMin > c.PortMax {
		return fmt.Errorf("invalid port range %d-%d", c.PortMin, c.PortMax)
	}
	if c.PortMax > 65535 {
		return fmt.Errorf("port range upper bound %d exceeds 65535", c.PortMax)
	}
	return nil
}

// SandboxStartError means every launch attempt failed.
type SandboxStartError struct {
	Attempts int
	Err      error
}

func (e *SandboxStartError) Error() string {
	return fmt.Sprintf("console failed to start after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *SandboxStartError) Unwrap() error {
	return e.Err
}

// Launcher starts consoles through a Spawner, retrying on a fresh random
// port when an attempt fails.
type Launcher struct {
	cfg     Config
	spawner Spawner
	logger  *log.Logger

	pickPort  func(min, max int) (int, error)
	newMagic  func() (string, error)
	waitReady func(ctx context.Context, spec Spec, timeout time.Duration) error
}

func New(cfg Config, spawner Spawner, logger *log.Logger) (*Launcher, error) {
	if spawner == nil {
		return nil, errors.New("launcher requires a spawner")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Launcher{
		cfg:       cfg.withDefaults(),
		spawner:   spawner,
		logger:    logger,
		pickPort:  randomPort,
		newMagic:  NewMagic,
		waitReady: waitForConsole,
	}, nil
}

func (l *Launcher) Config() Config {
	return l.cfg
}

// Launch starts an interpreter for req and returns its endpoint once it
// answers a ping signed with its secret. The secret is generated once and
// reused across port retries.
func (l *Launcher) Launch(ctx context.Context, req console.LaunchRequest) (console.Endpoint, error) {
	magic, err := l.newMagic()
	if err != nil {
		return console.Endpoint{}, fmt.Errorf("generate console secret: %w", err)
	}

	var lastErr error
	attempts := 0
	for attempts < l.cfg.Attempts {
		attempts++
		port, err := l.pickPort(l.cfg.PortMin, l.cfg.PortMax)
		if err != nil {
			return console.Endpoint{}, fmt.Errorf("pick port: %w", err)
		}
		spec := Spec{Request: req, Host: l.cfg.Host, Port: port, Magic: magic, Digest: l.cfg.Digest}

		started := time.Now()
		err = l.spawner.Spawn(ctx, spec)
		if err == nil {
			if err = l.waitReady(ctx, spec, l.cfg.ReadyTimeout); err != nil {
				l.cleanup(ctx, spec)
			}
		}
		if err == nil {
			l.logger.Info("console started",
				"login", req.Login,
				"spawner", l.spawner.Name(),
				"port", port,
				"attempt", attempts,
				"duration_ms", time.Since(started).Milliseconds(),
			)
			return console.Endpoint{Host: l.cfg.Host, Port: port, Magic: magic, CWD: req.CWD}, nil
		}

		lastErr = err
		l.logger.Warn("console start attempt failed",
			"login", req.Login,
			"spawner", l.spawner.Name(),
			"port", port,
			"attempt", attempts,
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
	}
	return console.Endpoint{}, &SandboxStartError{Attempts: attempts, Err: lastErr}
}

// cleanup tears down an interpreter that was spawned but is not usable,
// so a retry on another port does not leave it running.
func (l *Launcher) cleanup(ctx context.Context, spec Spec) {
	c, ok := l.spawner.(Cleaner)
	if !ok {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := c.Cleanup(cleanupCtx, spec); err != nil {
		l.logger.Warn("console cleanup failed",
			"login", spec.Request.Login,
			"spawner", l.spawner.Name(),
			"port", spec.Port,
			"error", err,
		)
	}
}

// NewMagic returns a 64 character hex secret built from two random
// version 4 UUIDs, 244 random bits in total.
func NewMagic() (string, error) {
	var out strings.Builder
	for i := 0; i < 2; i++ {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", err
		}
		out.WriteString(hex.EncodeToString(id[:]))
	}
	return out.String(), nil
}

func randomPort(min, max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max-min+1)))
	if err != nil {
		return 0, err
	}
	return min + int(n.Int64()), nil
}

// waitForConsole polls spec's address with a signed ping until the agent
// answers. Only a reply that verifies under the console secret counts: a
// port that merely accepts connections, like a container runtime's proxy,
// is not ready yet. A reply signed with some other secret fails at once.
func waitForConsole(ctx context.Context, spec Spec, timeout time.Duration) error {
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := spec.addr()
	opts := chat.Options{
		Secret:      spec.Magic,
		Digest:      spec.Digest,
		Timeout:     readyPollTimeout,
		DialTimeout: readyPollTimeout,
	}
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		_, err := chat.Chat(readyCtx, addr, console.Command{Cmd: console.CmdPing}, opts)
		if err == nil {
			return nil
		}
		var decodeErr *chat.DecodeError
		if errors.As(err, &decodeErr) {
			return fmt.Errorf("process at %s does not hold the console secret: %w", addr, err)
		}

		select {
		case <-readyCtx.Done():
			return fmt.Errorf("timed out waiting for console at %s: %w", addr, err)
		case <-ticker.C:
		}
	}
}
