package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendHelper = "helper"
	BackendDocker = "docker"

	// TokenEnvVar overrides service.token so the secret can live in an
	// env file instead of the yaml.
	TokenEnvVar = "JAILCONSOLE_TOKEN"
)

type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Launcher LauncherConfig `yaml:"launcher"`
	Docker   DockerConfig   `yaml:"docker"`
	Users    UsersConfig    `yaml:"users"`
	Audit    AuditConfig    `yaml:"audit"`
}

type ServiceConfig struct {
	Listen             string    `yaml:"listen"`
	Token              string    `yaml:"token"`
	AllowedHosts       []string  `yaml:"allowed_hosts"`
	Digest             string    `yaml:"digest"`
	ChatTimeoutSeconds int64     `yaml:"chat_timeout_seconds"`
	RunTimeoutSeconds  int64     `yaml:"run_timeout_seconds"`
	StartupGraceMillis int64     `yaml:"startup_grace_millis"`
	TLS                TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	CA   string `yaml:"ca"`
}

type LauncherConfig struct {
	Backend             string `yaml:"backend"`
	HelperPath          string `yaml:"helper_path"`
	UseSudo             bool   `yaml:"use_sudo"`
	JailMountsRoot      string `yaml:"jail_mounts_root"`
	JailSrcRoot         string `yaml:"jail_src_root"`
	JailTemplateRoot    string `yaml:"jail_template_root"`
	ServiceDir          string `yaml:"service_dir"`
	Interpreter         string `yaml:"interpreter"`
	ServiceScript       string `yaml:"service_script"`
	Host                string `yaml:"host"`
	PortMin             int    `yaml:"port_min"`
	PortMax             int    `yaml:"port_max"`
	Attempts            int    `yaml:"attempts"`
	ReadyTimeoutSeconds int64  `yaml:"ready_timeout_seconds"`
	SpawnTimeoutSeconds int64  `yaml:"spawn_timeout_seconds"`
}

type DockerConfig struct {
	Image     string `yaml:"image"`
	Agent     string `yaml:"agent"`
	Network   string `yaml:"network"`
	HomeMount bool   `yaml:"home_mount"`
	MemoryMiB int64  `yaml:"memory_mib"`
	NanoCPUs  int64  `yaml:"nano_cpus"`
}

type UsersConfig struct {
	// JailsRoot holds one jail directory per login. Defaults to
	// launcher.jail_mounts_root.
	JailsRoot string `yaml:"jails_root"`
	// Static maps logins to ids without consulting the passwd database.
	Static map[string]StaticUser `yaml:"static"`
}

type StaticUser struct {
	UID int `yaml:"uid"`
	GID int `yaml:"gid"`
}

type AuditConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "jailconsole", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "jailconsole", "config.yaml"), nil
}

// Load reads the config file. A missing file yields the zero Config.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

func LoadFile(path string) (Config, error) {
	cfg := Config{}
	b, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.Launcher.Backend = strings.ToLower(strings.TrimSpace(cfg.Launcher.Backend))
	cfg.Service.Digest = strings.TrimSpace(cfg.Service.Digest)
	if token := strings.TrimSpace(os.Getenv(TokenEnvVar)); token != "" {
		cfg.Service.Token = token
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	switch c.Launcher.Backend {
	case "", BackendHelper, BackendDocker:
	default:
		return fmt.Errorf("unknown launcher backend %q (want %q or %q)", c.Launcher.Backend, BackendHelper, BackendDocker)
	}
	if c.Launcher.PortMin < 0 || c.Launcher.PortMax < 0 || c.Launcher.PortMax > 65535 {
		return fmt.Errorf("invalid launcher port range %d-%d", c.Launcher.PortMin, c.Launcher.PortMax)
	}
	if c.Launcher.PortMin > 0 && c.Launcher.PortMax > 0 && c.Launcher.PortMin > c.Launcher.PortMax {
		return fmt.Errorf("invalid launcher port range %d-%d", c.Launcher.PortMin, c.Launcher.PortMax)
	}
	for login, u := range c.Users.Static {
		if u.UID <= 0 {
			return fmt.Errorf("users.static.%s: uid must be positive", login)
		}
	}
	return nil
}

// BackendName returns the configured backend, defaulting to the helper.
func (c Config) BackendName() string {
	if c.Launcher.Backend == "" {
		return BackendHelper
	}
	return c.Launcher.Backend
}

// JailsRoot returns where per-user jails live.
func (c Config) JailsRoot() string {
	if root := strings.TrimSpace(c.Users.JailsRoot); root != "" {
		return root
	}
	return c.Launcher.JailMountsRoot
}

func (s ServiceConfig) ChatTimeout() time.Duration {
	return seconds(s.ChatTimeoutSeconds)
}

func (s ServiceConfig) RunTimeout() time.Duration {
	return seconds(s.RunTimeoutSeconds)
}

func (s ServiceConfig) StartupGrace() time.Duration {
	if s.StartupGraceMillis <= 0 {
		return 0
	}
	return time.Duration(s.StartupGraceMillis) * time.Millisecond
}

func (l LauncherConfig) ReadyTimeout() time.Duration {
	return seconds(l.ReadyTimeoutSeconds)
}

func (l LauncherConfig) SpawnTimeout() time.Duration {
	return seconds(l.SpawnTimeoutSeconds)
}

func seconds(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
