package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"github.com/ivle/jailconsole/internal/audit"
	"github.com/ivle/jailconsole/internal/consoleserver"
	"github.com/ivle/jailconsole/internal/consoleservice"
	"github.com/ivle/jailconsole/internal/endpoint"
	"github.com/ivle/jailconsole/internal/launcher"
	"github.com/ivle/jailconsole/internal/paths"
	"github.com/ivle/jailconsole/internal/runtimeconfig"
	"github.com/ivle/jailconsole/internal/tlsconfig"
	"github.com/ivle/jailconsole/internal/wire"
)

type ServeCommand struct {
	Listen   string `help:"Listen endpoint for the console API (defaults to runtime endpoint; supports tsnet://hostname[:port])"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`
	EnvFile  string `help:"Load environment variables from this file before reading the runtime config"`

	TLSCert string `name:"tls-cert" help:"TLS certificate for https:// listeners"`
	TLSKey  string `name:"tls-key" help:"TLS private key for https:// listeners"`
	TLSCA   string `name:"tls-ca" help:"CA bundle for https:// listeners"`
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	cfg := ctx.Config
	if s.EnvFile != "" {
		if err := godotenv.Load(s.EnvFile); err != nil {
			return fmt.Errorf("load env file %s: %w", s.EnvFile, err)
		}
		// JAILCONSOLE_TOKEN is commonly kept in the env file.
		reloaded, err := runtimeconfig.LoadFile(ctx.ConfigPath)
		if err != nil {
			return err
		}
		cfg = reloaded
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("runtime config %s: %w", ctx.ConfigPath, err)
	}

	logger, err := newLogger(s.LogLevel, "server")
	if err != nil {
		return err
	}
	color := shouldUseANSI(os.Stderr)
	applyLoggerStyles(logger, color)

	listen := s.Listen
	if listen == "" {
		listen = cfg.Service.Listen
	}
	ep, err := endpoint.ResolveListen(listen)
	if err != nil {
		return err
	}
	if ep.Scheme != "unix" && cfg.Service.Token == "" {
		logger.Warn("serving a network endpoint without a token; any caller can act as any user", "endpoint", endpointDisplay(ep))
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, closeService, err := buildService(runCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeService()

	if isTerminalWriter(os.Stderr) {
		_ = writeStartupHeader(os.Stderr, startupHeader{
			Title: "jailconsole serve",
			Fields: []startupField{
				{Key: "listen", Value: endpointDisplay(ep)},
				{Key: "backend", Value: cfg.BackendName()},
				{Key: "config", Value: ctx.ConfigPath},
				{Key: "log level", Value: effectiveLogLevel(s.LogLevel)},
			},
		}, color)
	}

	server := consoleserver.New(svc, logger.With("subsystem", "http"), cfg.Service.Token)
	return consoleserver.Serve(runCtx, ep, server.Handler(), logger, tlsconfig.Options{
		CertPath: firstNonEmpty(s.TLSCert, cfg.Service.TLS.Cert),
		KeyPath:  firstNonEmpty(s.TLSKey, cfg.Service.TLS.Key),
		CAPath:   firstNonEmpty(s.TLSCA, cfg.Service.TLS.CA),
	})
}

// buildService wires the launcher, user directory and audit log described
// by cfg. The returned func releases what was opened.
func buildService(ctx context.Context, cfg runtimeconfig.Config, logger *log.Logger) (*consoleservice.Service, func(), error) {
	digest, err := wire.ParseDigest(cfg.Service.Digest)
	if err != nil {
		return nil, nil, err
	}

	spawner, closeSpawner, err := newSpawner(cfg, digest)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if closeSpawner != nil {
			_ = closeSpawner()
		}
	}

	l, err := launcher.New(launcher.Config{
		Host:         cfg.Launcher.Host,
		PortMin:      cfg.Launcher.PortMin,
		PortMax:      cfg.Launcher.PortMax,
		Attempts:     cfg.Launcher.Attempts,
		ReadyTimeout: cfg.Launcher.ReadyTimeout(),
		Digest:       digest,
	}, spawner, logger.With("subsystem", "launcher"))
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	users, err := consoleservice.NewUserDirectory(cfg.JailsRoot(), cfg.Users.Static)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("users: %w", err)
	}

	svc := &consoleservice.Service{
		Launcher:     l,
		Users:        users,
		Logger:       logger.With("subsystem", "service"),
		Digest:       digest,
		ChatTimeout:  cfg.Service.ChatTimeout(),
		RunTimeout:   cfg.Service.RunTimeout(),
		StartupGrace: cfg.Service.StartupGrace(),
		AllowedHosts: allowedHosts(l.Config().Host, cfg.Service.AllowedHosts),
	}

	if !cfg.Audit.Disabled {
		auditPath, err := resolveAuditPath(cfg)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		store, err := audit.Open(ctx, auditPath)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		svc.Audit = store
		logger.Debug("audit log enabled", "path", store.Path())
	}
	return svc, cleanup, nil
}

func newSpawner(cfg runtimeconfig.Config, digest wire.Digest) (launcher.Spawner, func() error, error) {
	switch cfg.BackendName() {
	case runtimeconfig.BackendDocker:
		d, err := launcher.NewDockerSpawner(launcher.DockerConfig{
			Image:     cfg.Docker.Image,
			Agent:     cfg.Docker.Agent,
			HomeMount: cfg.Docker.HomeMount,
			MemoryMiB: cfg.Docker.MemoryMiB,
			NanoCPUs:  cfg.Docker.NanoCPUs,
			Network:   cfg.Docker.Network,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("docker backend: %w", err)
		}
		return d, d.Close, nil
	case runtimeconfig.BackendHelper:
		helperPath, err := launcher.ResolveHelperBinaryPath(cfg.Launcher.HelperPath)
		if err != nil {
			return nil, nil, err
		}
		h, err := launcher.NewHelperSpawner(launcher.HelperConfig{
			Command:          helperCommand(helperPath, cfg.Launcher.UseSudo, digest),
			JailMountsRoot:   cfg.Launcher.JailMountsRoot,
			JailSrcRoot:      cfg.Launcher.JailSrcRoot,
			JailTemplateRoot: cfg.Launcher.JailTemplateRoot,
			ServiceDir:       cfg.Launcher.ServiceDir,
			Interpreter:      cfg.Launcher.Interpreter,
			ServiceScript:    cfg.Launcher.ServiceScript,
			Timeout:          cfg.Launcher.SpawnTimeout(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("helper backend: %w", err)
		}
		return h, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown launcher backend %q", cfg.BackendName())
	}
}

// helperCommand builds the helper invocation. sudo resets the environment,
// so a non-default digest needs --preserve-env and a matching sudoers
// env_keep or SETENV entry.
func helperCommand(path string, useSudo bool, digest wire.Digest) []string {
	if !useSudo {
		return []string{path}
	}
	if digest != "" && digest != wire.DefaultDigest {
		return []string{"sudo", "-n", "--preserve-env=" + wire.DigestEnv, path}
	}
	return []string{"sudo", "-n", path}
}

func allowedHosts(launcherHost string, extra []string) []string {
	out := []string{launcherHost}
	for _, host := range extra {
		host = strings.TrimSpace(host)
		if host == "" || slices.Contains(out, host) {
			continue
		}
		out = append(out, host)
	}
	return out
}

func resolveAuditPath(cfg runtimeconfig.Config) (string, error) {
	if path := strings.TrimSpace(cfg.Audit.Path); path != "" {
		return path, nil
	}
	path, err := paths.AuditDBPath()
	if err != nil {
		return "", fmt.Errorf("resolve audit database path: %w", err)
	}
	return path, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
