//go:build linux

package jail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultReadyTimeout bounds how long Launch waits for the agent to listen.
const DefaultReadyTimeout = 10 * time.Second

// Launch starts the agent inside the jail and returns once it reports
// that it is listening. The agent keeps running after the helper exits.
func Launch(ctx context.Context, a Args, readyTimeout time.Duration) error {
	if unix.Geteuid() != 0 {
		return errors.New("jailconsole-helper must run as root")
	}
	if err := checkDir(a.UserJail); err != nil {
		return fmt.Errorf("user jail: %w", err)
	}
	hostInterpreter := filepath.Join(a.UserJail, a.Interpreter)
	if err := unix.Access(hostInterpreter, unix.X_OK); err != nil {
		return fmt.Errorf("interpreter %s is not executable inside the jail: %w", a.Interpreter, err)
	}
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}

	readyR, readyW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create ready pipe: %w", err)
	}
	defer readyR.Close()

	cmd := exec.Command(a.Interpreter)
	cmd.Env = AgentEnv(a)
	cmd.Dir = a.WorkingDir
	cmd.ExtraFiles = []*os.File{readyW}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Chroot: a.UserJail,
		Credential: &syscall.Credential{
			Uid:    uint32(a.UID),
			Gid:    uint32(a.UID),
			Groups: []uint32{},
		},
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		_ = readyW.Close()
		return fmt.Errorf("start agent: %w", err)
	}
	_ = readyW.Close()

	exited := make(chan error, 1)
	ready := make(chan string, 1)
	go func() {
		line, err := bufio.NewReader(readyR).ReadString('\n')
		if err != nil && line == "" {
			exited <- cmd.Wait()
			return
		}
		ready <- strings.TrimSpace(line)
	}()

	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()
	select {
	case msg := <-ready:
		if msg != "ready" {
			_ = cmd.Process.Kill()
			return fmt.Errorf("agent reported %q instead of ready", msg)
		}
		return cmd.Process.Release()
	case err := <-exited:
		if err == nil {
			return errors.New("agent exited before it was ready")
		}
		return fmt.Errorf("agent exited before it was ready: %w", err)
	case <-timer.C:
		_ = cmd.Process.Kill()
		return fmt.Errorf("agent did not become ready within %s", readyTimeout)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	}
}

func checkDir(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}
