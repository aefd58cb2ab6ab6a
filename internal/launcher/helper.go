package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ivle/jailconsole/internal/chat"
	"github.com/ivle/jailconsole/internal/console"
	"github.com/ivle/jailconsole/internal/wire"
)

const DefaultHelperTimeout = 15 * time.Second

// HelperConfig describes the privileged helper and the fixed part of its
// argument list.
type HelperConfig struct {
	// Command is the helper invocation, for example
	// ["sudo", "-n", "/usr/libexec/jailconsole-helper"].
	Command          []string
	JailMountsRoot   string
	JailSrcRoot      string
	JailTemplateRoot string
	ServiceDir       string
	// Interpreter is the agent binary, as a path inside the jail.
	Interpreter string
	// ServiceScript is the worker script, as a path inside the jail. "-"
	// selects the copy built into the agent.
	ServiceScript string
	Timeout       time.Duration
}

// HelperSpawner runs the privileged helper once per attempt. The helper
// exits zero once the agent is listening and non-zero on any failure,
// including a port collision.
type HelperSpawner struct {
	cfg HelperConfig
	run func(ctx context.Context, name string, args, env []string) (stderr string, err error)
}

func NewHelperSpawner(cfg HelperConfig) (*HelperSpawner, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("helper command is required")
	}
	for name, value := range map[string]string{
		"jail mounts root":  cfg.JailMountsRoot,
		"service directory": cfg.ServiceDir,
		"interpreter":       cfg.Interpreter,
	} {
		if strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("helper %s is required", name)
		}
	}
	if strings.TrimSpace(cfg.ServiceScript) == "" {
		cfg.ServiceScript = "-"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHelperTimeout
	}
	return &HelperSpawner{cfg: cfg, run: runCommand}, nil
}

func (h *HelperSpawner) Name() string {
	return "helper"
}

func (h *HelperSpawner) Spawn(ctx context.Context, spec Spec) error {
	runCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	args := append(append([]string(nil), h.cfg.Command[1:]...), HelperArgs(h.cfg, spec)...)
	stderr, err := h.run(runCtx, h.cfg.Command[0], args, HelperEnv(spec))
	if err != nil {
		return decorateHelperError(fmt.Errorf("run helper for %s on port %d: %w", spec.Request.Login, spec.Port, err), stderr)
	}
	return nil
}

// Cleanup asks an agent that never answered the readiness check to
// terminate. The helper has already exited, so the agent itself is the
// only handle left; an agent that is gone needs nothing.
func (h *HelperSpawner) Cleanup(ctx context.Context, spec Spec) error {
	_, err := chat.Chat(ctx, spec.addr(), console.Command{Cmd: console.CmdTerminate}, chat.Options{
		Secret: spec.Magic,
		Digest: spec.Digest,
	})
	if err != nil && !chat.Unreachable(err) {
		return fmt.Errorf("terminate console on port %d: %w", spec.Port, err)
	}
	return nil
}

// HelperEnv is added to the helper's inherited environment. Sudo only
// passes it on when told to preserve wire.DigestEnv.
func HelperEnv(spec Spec) []string {
	if spec.Digest == "" {
		return nil
	}
	return []string{wire.DigestEnv + "=" + string(spec.Digest)}
}

// HelperArgs returns the positional arguments the helper expects:
//
//	uid jail_mounts_root jail_src_root jail_template_root this_users_jail_path
//	service_dir interpreter_binary service_script port magic working_dir
func HelperArgs(cfg HelperConfig, spec Spec) []string {
	return []string{
		strconv.Itoa(spec.Request.UID),
		cfg.JailMountsRoot,
		cfg.JailSrcRoot,
		cfg.JailTemplateRoot,
		spec.Request.JailPath,
		cfg.ServiceDir,
		cfg.Interpreter,
		cfg.ServiceScript,
		strconv.Itoa(spec.Port),
		spec.Magic,
		spec.Request.CWD,
	}
}

func runCommand(ctx context.Context, name string, args, env []string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

func decorateHelperError(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		return err
	}
	return fmt.Errorf("%w (helper stderr: %s)", err, msg)
}
