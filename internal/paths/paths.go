// Package paths resolves the XDG directories jailconsole keeps its files in.
package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const appName = "jailconsole"

// StateBaseDir resolves the base directory for jailconsole state.
// Preference order:
// 1. $XDG_STATE_HOME/jailconsole
// 2. ~/.local/state/jailconsole
// 3. $XDG_RUNTIME_DIR/jailconsole
func StateBaseDir() (string, error) {
	return xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

// ConfigBaseDir resolves $XDG_CONFIG_HOME/jailconsole or
// ~/.config/jailconsole.
func ConfigBaseDir() (string, error) {
	if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
		return filepath.Join(configHome, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName), nil
}

// AuditDBPath is the default location of the console event database.
func AuditDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "audit.db"), nil
}

func TSNetStateDir() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "tsnet"), nil
}

// TLSDir returns the default directory for TLS material.
func TLSDir() (string, error) {
	base, err := ConfigBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "tls"), nil
}

// RuntimeSocketPath is the default unix socket for the console API.
func RuntimeSocketPath() string {
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		runtimeDir = os.TempDir()
	}
	return filepath.Join(runtimeDir, appName, appName+".sock")
}

func xdgDir(envVar, homeRel string) (string, error) {
	if dir := strings.TrimSpace(os.Getenv(envVar)); dir != "" {
		return filepath.Join(dir, appName), nil
	}
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return filepath.Join(home, homeRel, appName), nil
	}
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, appName), nil
	}
	if err != nil {
		return "", err
	}
	return "", errors.New("unable to resolve " + envVar + " directory from XDG, runtime dir or home")
}
