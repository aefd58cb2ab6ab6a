package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTLSInitWritesMaterial(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "tls")
	var stdout bytes.Buffer
	cmd := TLSInitCommand{Dir: dir, Host: []string{"consoles.example.edu"}}
	if err := cmd.Run(&runtimeContext{Stdout: &stdout}); err != nil {
		t.Fatalf("TLSInitCommand.Run returned error: %v", err)
	}
	for _, name := range []string{"ca.pem", "ca.key", "server.pem", "server.key"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	if !strings.Contains(stdout.String(), "--tls-ca "+dir+"/ca.pem") {
		t.Fatalf("unexpected output %q", stdout.String())
	}

	err := cmd.Run(&runtimeContext{Stdout: &stdout})
	if err == nil || !strings.Contains(err.Error(), "--force") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
}

func TestTLSInitUsesConfigHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)

	var stdout bytes.Buffer
	if err := (&TLSInitCommand{}).Run(&runtimeContext{Stdout: &stdout}); err != nil {
		t.Fatalf("TLSInitCommand.Run returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "jailconsole", "tls", "server.pem")); err != nil {
		t.Fatalf("expected server.pem under XDG_CONFIG_HOME: %v", err)
	}
}
