// Command jailconsole-agent serves one Python console on a loopback port.
// It is started inside the user's jail by jailconsole-helper, or as the
// entrypoint of a console container.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/ivle/jailconsole/internal/agent"
	"github.com/ivle/jailconsole/internal/chat"
	"github.com/ivle/jailconsole/internal/wire"
)

type agentConfig struct {
	Port       int    `env:"JAILCONSOLE_PORT" required:"" help:"Port to listen on"`
	Magic      string `env:"JAILCONSOLE_MAGIC" required:"" help:"Shared secret that signs every message"`
	CWD        string `env:"JAILCONSOLE_CWD" help:"Working directory of the interpreter"`
	Bind       string `env:"JAILCONSOLE_BIND" default:"127.0.0.1" help:"Address to listen on"`
	Python     string `env:"JAILCONSOLE_PYTHON" default:"python3" help:"Python interpreter"`
	Script     string `env:"JAILCONSOLE_WORKER_SCRIPT" default:"-" help:"Worker script, or - for the built-in one"`
	ServiceDir string `env:"JAILCONSOLE_SERVICE_DIR" help:"Directory added to PYTHONPATH"`
	Digest     string `env:"JAILCONSOLE_DIGEST" help:"Envelope digest (hmac-sha256 or md5)"`
	ReadyFD    int    `env:"JAILCONSOLE_READY_FD" default:"-1" help:"Descriptor to write 'ready' to once listening"`
	LogLevel   string `env:"JAILCONSOLE_LOG_LEVEL" default:"info" help:"Log level (debug|info|warn|error)"`
}

var (
	listen      = net.Listen
	startWorker = func(ctx context.Context, cfg agent.PythonConfig) (agent.Worker, error) {
		return agent.StartPython(ctx, cfg)
	}
)

func main() {
	var cfg agentConfig
	kong.Parse(&cfg,
		kong.Name("jailconsole-agent"),
		kong.Description("Serve one sandboxed Python console"),
	)

	level, err := log.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = log.InfoLevel
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
		Prefix:    "jailconsole-agent",
	})

	var ready io.WriteCloser
	if cfg.ReadyFD >= 0 {
		ready = os.NewFile(uintptr(cfg.ReadyFD), "ready")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, cfg, ready, logger); err != nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

// run listens, starts the interpreter, reports readiness and serves until
// the console is terminated or its interpreter dies.
func run(ctx context.Context, cfg agentConfig, ready io.WriteCloser, logger *log.Logger) error {
	defer func() {
		if ready != nil {
			_ = ready.Close()
		}
	}()
	digest, err := wire.ParseDigest(cfg.Digest)
	if err != nil {
		return err
	}

	// Listen first so a taken port fails before the interpreter starts.
	ln, err := listen("tcp", net.JoinHostPort(cfg.Bind, strconv.Itoa(cfg.Port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	var env []string
	if cfg.ServiceDir != "" {
		env = append(env, "PYTHONPATH="+cfg.ServiceDir)
	}
	worker, err := startWorker(ctx, agent.PythonConfig{
		Python: cfg.Python,
		Script: cfg.Script,
		Dir:    cfg.CWD,
		Env:    env,
		Stdout: os.Stderr,
		Stderr: os.Stderr,
	})
	if err != nil {
		return err
	}
	defer worker.Close()

	if ready != nil {
		if _, err := io.WriteString(ready, "ready\n"); err != nil {
			return fmt.Errorf("report ready: %w", err)
		}
		_ = ready.Close()
		ready = nil
	}
	logger.Info("console listening", "addr", ln.Addr().String(), "cwd", cfg.CWD)

	srv := &chat.Server{
		Secret:  cfg.Magic,
		Digest:  digest,
		Handler: agent.New(worker, agent.Options{Logger: logger}).Handle,
		Logger:  logger,
	}
	err = srv.Serve(ctx, ln)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
