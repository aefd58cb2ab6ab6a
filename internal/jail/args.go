// Package jail implements the privileged side of console startup: it
// validates the helper's argument list and starts the agent chrooted into
// the user's jail as the user.
package jail

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ivle/jailconsole/internal/wire"
)

// ArgCount is the number of positional helper arguments.
const ArgCount = 11

// ReadyFD is the descriptor on which the agent reports that it listens.
const ReadyFD = 3

// Args is the helper's positional argument list.
type Args struct {
	UID              int
	JailMountsRoot   string
	JailSrcRoot      string
	JailTemplateRoot string
	UserJail         string
	ServiceDir       string
	Interpreter      string
	ServiceScript    string
	Port             int
	Magic            string
	WorkingDir       string

	// Digest is read from the helper's environment rather than argv so the
	// positional list stays fixed.
	Digest wire.Digest
}

var magicPattern = regexp.MustCompile(`^[0-9a-fA-F]{16,128}$`)

// ParseArgs parses and validates argv (without the program name).
func ParseArgs(argv []string) (Args, error) {
	if len(argv) != ArgCount {
		return Args{}, fmt.Errorf("expected %d arguments (uid jail_mounts_root jail_src_root jail_template_root this_users_jail_path service_dir interpreter_binary service_script port magic working_dir), got %d", ArgCount, len(argv))
	}
	uid, err := strconv.Atoi(argv[0])
	if err != nil {
		return Args{}, fmt.Errorf("parse uid %q: %w", argv[0], err)
	}
	port, err := strconv.Atoi(argv[8])
	if err != nil {
		return Args{}, fmt.Errorf("parse port %q: %w", argv[8], err)
	}
	args := Args{
		UID:              uid,
		JailMountsRoot:   argv[1],
		JailSrcRoot:      argv[2],
		JailTemplateRoot: argv[3],
		UserJail:         argv[4],
		ServiceDir:       argv[5],
		Interpreter:      argv[6],
		ServiceScript:    argv[7],
		Port:             port,
		Magic:            argv[9],
		WorkingDir:       argv[10],
	}
	if err := args.Validate(); err != nil {
		return Args{}, err
	}
	return args, nil
}

func (a Args) Validate() error {
	if a.UID <= 0 {
		return fmt.Errorf("refusing to run a console as uid %d", a.UID)
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("port %d out of range", a.Port)
	}
	if !magicPattern.MatchString(a.Magic) {
		return fmt.Errorf("magic must be 16 to 128 hex characters")
	}
	for name, p := range map[string]string{
		"jail_mounts_root":     a.JailMountsRoot,
		"this_users_jail_path": a.UserJail,
		"service_dir":          a.ServiceDir,
		"interpreter_binary":   a.Interpreter,
		"working_dir":          a.WorkingDir,
	} {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%s %q must be an absolute path", name, p)
		}
	}
	for name, p := range map[string]string{
		"jail_src_root":      a.JailSrcRoot,
		"jail_template_root": a.JailTemplateRoot,
	} {
		if p != "" && !filepath.IsAbs(p) {
			return fmt.Errorf("%s %q must be an absolute path", name, p)
		}
	}
	if a.ServiceScript != "-" && a.ServiceScript != "" && !filepath.IsAbs(a.ServiceScript) {
		return fmt.Errorf("service_script %q must be an absolute path or -", a.ServiceScript)
	}
	if !within(a.JailMountsRoot, a.UserJail) {
		return fmt.Errorf("jail %q is not below %q", a.UserJail, a.JailMountsRoot)
	}
	return nil
}

// within reports whether child is strictly below root once both are
// cleaned.
func within(root, child string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(child))
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// AgentEnv is the complete environment handed to the agent.
func AgentEnv(a Args) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"LANG=C.UTF-8",
		"JAILCONSOLE_PORT=" + strconv.Itoa(a.Port),
		"JAILCONSOLE_MAGIC=" + a.Magic,
		"JAILCONSOLE_CWD=" + a.WorkingDir,
		"JAILCONSOLE_SERVICE_DIR=" + a.ServiceDir,
		"JAILCONSOLE_READY_FD=" + strconv.Itoa(ReadyFD),
	}
	if a.Digest != "" {
		env = append(env, wire.DigestEnv+"="+string(a.Digest))
	}
	if a.ServiceScript != "" {
		env = append(env, "JAILCONSOLE_WORKER_SCRIPT="+a.ServiceScript)
	}
	if home := homeFor(a.WorkingDir); home != "" {
		env = append(env, "HOME="+home)
	}
	return env
}

// homeFor returns /home/<user> when dir lies inside it.
func homeFor(dir string) string {
	rest, ok := strings.CutPrefix(filepath.Clean(dir), "/home/")
	if !ok || rest == "" {
		return ""
	}
	user, _, _ := strings.Cut(rest, "/")
	return "/home/" + user
}
