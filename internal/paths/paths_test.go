package paths

import (
	"path/filepath"
	"testing"
)

func TestStateBaseDirPrefersXDGStateHome(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_STATE_HOME", tmp)

	got, err := StateBaseDir()
	if err != nil {
		t.Fatalf("StateBaseDir returned error: %v", err)
	}
	if want := filepath.Join(tmp, "jailconsole"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	db, err := AuditDBPath()
	if err != nil {
		t.Fatalf("AuditDBPath returned error: %v", err)
	}
	if want := filepath.Join(tmp, "jailconsole", "audit.db"); db != want {
		t.Fatalf("got %q want %q", db, want)
	}
}

func TestStateBaseDirFallsBackToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_STATE_HOME", "")
	t.Setenv("HOME", home)

	got, err := StateBaseDir()
	if err != nil {
		t.Fatalf("StateBaseDir returned error: %v", err)
	}
	if want := filepath.Join(home, ".local", "state", "jailconsole"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestTLSDirUsesConfigHome(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)

	got, err := TLSDir()
	if err != nil {
		t.Fatalf("TLSDir returned error: %v", err)
	}
	if want := filepath.Join(tmp, "jailconsole", "tls"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestRuntimeSocketPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	if got, want := RuntimeSocketPath(), "/run/user/1000/jailconsole/jailconsole.sock"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
