package cli

import (
	"errors"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
)

func newParserForTest(t *testing.T, c *CLI) *kong.Kong {
	t.Helper()

	parser, err := kong.New(
		c,
		kong.Name("jailconsole"),
		kong.Exit(func(int) {}),
	)
	if err != nil {
		t.Fatalf("create parser: %v", err)
	}
	return parser
}

func TestReplCommandAllowsNoArgs(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"repl"}); err != nil {
		t.Fatalf("parse repl with no args returned error: %v", err)
	}
	if c.Repl.Key != "" || c.Repl.Keep {
		t.Fatalf("unexpected repl defaults: %+v", c.Repl)
	}
}

func TestRunCommandCollectsInputLines(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"run", "-i", "Ada", "-i", "Grace", "--user", "alice", "print(input())"}); err != nil {
		t.Fatalf("parse run returned error: %v", err)
	}
	if got := strings.Join(c.Run.Input, ","); got != "Ada,Grace" {
		t.Fatalf("got inputs %q want %q", got, "Ada,Grace")
	}
	if c.Run.Code != "print(input())" {
		t.Fatalf("got code %q", c.Run.Code)
	}
	if c.Run.User != "alice" {
		t.Fatalf("got user %q want alice", c.Run.User)
	}
}

func TestChatCommandRejectsUnknownKind(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	_, err := parser.Parse([]string{"chat", "--key", "abc", "--kind", "shell", "ls"})
	if err == nil {
		t.Fatal("expected parse error for unknown kind")
	}
	if !strings.Contains(err.Error(), "kind") {
		t.Fatalf("expected kind parse error, got %v", err)
	}
}

func TestChatCommandDefaultsToChatKind(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"chat", "--key", "abc", "1 + 1"}); err != nil {
		t.Fatalf("parse chat returned error: %v", err)
	}
	if c.Chat.Kind != "chat" {
		t.Fatalf("got kind %q want chat", c.Chat.Kind)
	}
}

func TestStopCommandRequiresKey(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	_, err := parser.Parse([]string{"stop"})
	if err == nil {
		t.Fatal("expected parse error for missing key")
	}
	if !strings.Contains(err.Error(), "<key>") {
		t.Fatalf("expected missing key parse error, got %v", err)
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	if got := ExitCode(exitCodeError{code: 75}); got != 75 {
		t.Fatalf("got %d want 75", got)
	}
	if got := ExitCode(errors.New("boom")); got != 1 {
		t.Fatalf("got %d want 1", got)
	}
}

func TestResolveCWD(t *testing.T) {
	t.Parallel()

	cases := []struct {
		base, chdir, want string
	}{
		{base: "/home/alice", chdir: "", want: "/home/alice"},
		{base: "/home/alice", chdir: "proj", want: "/home/alice/proj"},
		{base: "/home/alice", chdir: "/srv/../tmp", want: "/tmp"},
	}
	for _, tc := range cases {
		got, err := resolveCWD(tc.base, tc.chdir)
		if err != nil {
			t.Fatalf("resolveCWD(%q, %q) returned error: %v", tc.base, tc.chdir, err)
		}
		if got != tc.want {
			t.Fatalf("resolveCWD(%q, %q): got %q want %q", tc.base, tc.chdir, got, tc.want)
		}
	}
}

func TestConsoleCWDRequiresAbsolutePathForRemote(t *testing.T) {
	t.Parallel()

	flags := ClientFlags{Host: "http://127.0.0.1:7777"}
	if _, err := flags.consoleCWD("/home/alice", "proj"); err == nil {
		t.Fatal("expected error for relative cwd on remote endpoint")
	}
	got, err := flags.consoleCWD("/home/alice", "/srv/proj")
	if err != nil {
		t.Fatalf("consoleCWD returned error: %v", err)
	}
	if got != "/srv/proj" {
		t.Fatalf("got %q want /srv/proj", got)
	}
	got, err = flags.consoleCWD("/home/alice", "")
	if err != nil || got != "" {
		t.Fatalf("expected empty cwd for home, got %q (%v)", got, err)
	}
}
