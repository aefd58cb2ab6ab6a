package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ivle/jailconsole/internal/launcher"
	"github.com/ivle/jailconsole/internal/runtimeconfig"
	"github.com/ivle/jailconsole/internal/wire"
)

type DoctorCommand struct {
	JSON bool `help:"Print doctor report as JSON"`
}

type doctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func pass(name, format string, args ...any) doctorCheck {
	return doctorCheck{Name: name, Status: "pass", Message: fmt.Sprintf(format, args...)}
}

func warn(name, format string, args ...any) doctorCheck {
	return doctorCheck{Name: name, Status: "warn", Message: fmt.Sprintf(format, args...)}
}

func fail(name, format string, args ...any) doctorCheck {
	return doctorCheck{Name: name, Status: "fail", Message: fmt.Sprintf(format, args...)}
}

var dockerPing = func(ctx context.Context, cfg runtimeconfig.DockerConfig) error {
	d, err := launcher.NewDockerSpawner(launcher.DockerConfig{Image: cfg.Image, Agent: cfg.Agent})
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Ping(ctx)
}

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	cfg := ctx.Config
	backendName := cfg.BackendName()
	checks := []doctorCheck{pass("runtime_config", "using runtime config path %s", ctx.ConfigPath)}
	if err := cfg.Validate(); err != nil {
		checks = append(checks, fail("runtime_config_valid", "%v", err))
	}
	checks = append(checks, pass("backend", "selected backend %s", backendName))

	switch backendName {
	case runtimeconfig.BackendDocker:
		checks = append(checks, dockerChecks(cfg)...)
	default:
		checks = append(checks, helperChecks(cfg)...)
	}
	checks = append(checks, serviceChecks(cfg)...)

	if d.JSON {
		payload := map[string]any{
			"backend": backendName,
			"checks":  checks,
		}
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	_, err := fmt.Fprint(ctx.Stdout, renderDoctorReport(backendName, checks, shouldUseANSI(ctx.Stdout)))
	if err != nil {
		return err
	}
	for _, check := range checks {
		if check.Status == "fail" {
			return exitCodeError{code: 1}
		}
	}
	return nil
}

func helperChecks(cfg runtimeconfig.Config) []doctorCheck {
	var checks []doctorCheck
	if path, err := launcher.ResolveHelperBinaryPath(cfg.Launcher.HelperPath); err != nil {
		checks = append(checks, fail("helper_binary", "%v", err))
	} else {
		checks = append(checks, pass("helper_binary", "using %s", path))
	}
	if cfg.Launcher.UseSudo {
		checks = append(checks, pass("helper_sudo", "helper runs through sudo -n"))
		if digest, err := wire.ParseDigest(cfg.Service.Digest); err == nil && digest != wire.DefaultDigest {
			checks = append(checks, warn("helper_sudo_env", "digest %s reaches the helper through sudo --preserve-env=%s; sudoers needs SETENV or env_keep for it", digest, wire.DigestEnv))
		}
	} else if os.Geteuid() != 0 {
		checks = append(checks, warn("helper_sudo", "not root and launcher.use_sudo is off; the helper must be setuid"))
	}

	checks = append(checks,
		dirCheck("jail_mounts_root", cfg.Launcher.JailMountsRoot),
		dirCheck("jails_root", cfg.JailsRoot()),
	)
	if cfg.Launcher.JailTemplateRoot != "" {
		checks = append(checks, dirCheck("jail_template_root", cfg.Launcher.JailTemplateRoot))
	}
	for _, setting := range []struct{ name, value string }{
		{"service_dir", cfg.Launcher.ServiceDir},
		{"interpreter", cfg.Launcher.Interpreter},
	} {
		if strings.TrimSpace(setting.value) == "" {
			checks = append(checks, fail(setting.name, "launcher.%s is not set", setting.name))
		} else {
			checks = append(checks, pass(setting.name, "%s (inside the jail)", setting.value))
		}
	}
	return checks
}

func dockerChecks(cfg runtimeconfig.Config) []doctorCheck {
	var checks []doctorCheck
	if strings.TrimSpace(cfg.Docker.Image) == "" {
		return append(checks, fail("docker_image", "docker.image is not set"))
	}
	checks = append(checks, pass("docker_image", "using %s", cfg.Docker.Image))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dockerPing(ctx, cfg.Docker); err != nil {
		checks = append(checks, fail("docker_daemon", "ping failed: %v", err))
	} else {
		checks = append(checks, pass("docker_daemon", "daemon reachable"))
	}
	if cfg.Docker.HomeMount {
		checks = append(checks, dirCheck("jails_root", cfg.JailsRoot()))
	}
	return checks
}

func serviceChecks(cfg runtimeconfig.Config) []doctorCheck {
	var checks []doctorCheck
	lc := launcher.Config{
		Host:    cfg.Launcher.Host,
		PortMin: cfg.Launcher.PortMin,
		PortMax: cfg.Launcher.PortMax,
	}
	if err := lc.Validate(); err != nil {
		checks = append(checks, fail("port_range", "%v", err))
	} else {
		checks = append(checks, pass("port_range", "%d-%d", orDefault(lc.PortMin, launcher.DefaultPortMin), orDefault(lc.PortMax, launcher.DefaultPortMax)))
	}

	if digest, err := wire.ParseDigest(cfg.Service.Digest); err != nil {
		checks = append(checks, fail("digest", "%v", err))
	} else {
		checks = append(checks, pass("digest", "%s", digest))
	}

	if cfg.Service.Token == "" {
		checks = append(checks, warn("token", "no service token; only use the unix socket endpoint"))
	} else {
		checks = append(checks, pass("token", "service token configured"))
	}

	if cfg.Audit.Disabled {
		checks = append(checks, warn("audit", "audit log disabled"))
	} else if path, err := resolveAuditPath(cfg); err != nil {
		checks = append(checks, fail("audit", "%v", err))
	} else {
		checks = append(checks, pass("audit", "recording to %s", path))
	}
	return checks
}

func dirCheck(name, path string) doctorCheck {
	if strings.TrimSpace(path) == "" {
		return fail(name, "not configured")
	}
	if !filepath.IsAbs(path) {
		return fail(name, "%s is not an absolute path", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fail(name, "%v", err)
	}
	if !info.IsDir() {
		return fail(name, "%s is not a directory", path)
	}
	return pass(name, "%s", path)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
