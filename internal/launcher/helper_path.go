package launcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	helperBinaryName = "jailconsole-helper"
	helperEnvVar     = "JAILCONSOLE_HELPER"
)

// systemHelperPaths are the install locations packaged builds use.
var systemHelperPaths = []string{
	"/usr/libexec/jailconsole/" + helperBinaryName,
	"/usr/local/libexec/jailconsole/" + helperBinaryName,
}

// ResolveHelperBinaryPath finds the helper: the configured path, the
// JAILCONSOLE_HELPER override, next to the running executable (or in its
// ../libexec/jailconsole), PATH, then the system libexec directories.
func ResolveHelperBinaryPath(configured string) (string, error) {
	return resolveHelperBinaryPathWith(configured, os.Getenv(helperEnvVar), exec.LookPath, os.Executable, os.Stat)
}

func resolveHelperBinaryPathWith(
	configured string,
	envOverride string,
	lookPath func(string) (string, error),
	executable func() (string, error),
	stat func(string) (os.FileInfo, error),
) (string, error) {
	if path := strings.TrimSpace(configured); path != "" {
		// Configured paths are trusted as-is; the helper usually lives in a
		// root-only directory the service user cannot stat.
		if !filepath.IsAbs(path) {
			return "", fmt.Errorf("launcher.helper_path %q must be absolute", path)
		}
		return filepath.Clean(path), nil
	}
	if override := strings.TrimSpace(envOverride); override != "" {
		path, err := checkHelperFile(override, stat)
		if err != nil {
			return "", fmt.Errorf("resolve helper from %s=%q: %w", helperEnvVar, override, err)
		}
		return path, nil
	}

	if self, err := executable(); err == nil {
		for _, candidate := range installedNextTo(self) {
			if path, err := checkHelperFile(candidate, stat); err == nil {
				return path, nil
			}
		}
	}
	if path, err := lookPath(helperBinaryName); err == nil {
		return path, nil
	}
	for _, candidate := range systemHelperPaths {
		if path, err := checkHelperFile(candidate, stat); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf(
		"%s was not found (set launcher.helper_path or %s, or install it next to jailconsole)",
		helperBinaryName,
		helperEnvVar,
	)
}

// installedNextTo lists helper locations relative to the running binary,
// following a symlinked binary to its real install prefix too.
func installedNextTo(self string) []string {
	self = strings.TrimSpace(self)
	if self == "" {
		return nil
	}
	bins := []string{self}
	if resolved, err := filepath.EvalSymlinks(self); err == nil && resolved != self {
		bins = append(bins, resolved)
	}

	var out []string
	seen := map[string]bool{}
	for _, bin := range bins {
		dir := filepath.Dir(bin)
		for _, candidate := range []string{
			filepath.Join(dir, helperBinaryName),
			filepath.Join(dir, "..", "libexec", "jailconsole", helperBinaryName),
		} {
			if !seen[candidate] {
				seen[candidate] = true
				out = append(out, candidate)
			}
		}
	}
	return out
}

func checkHelperFile(path string, stat func(string) (os.FileInfo, error)) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", errors.New("path is empty")
	}
	absPath, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}
	info, err := stat(absPath)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", absPath)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%s is not executable", absPath)
	}
	return absPath, nil
}
