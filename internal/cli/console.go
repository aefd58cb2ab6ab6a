package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/ivle/jailconsole/client"
	"github.com/ivle/jailconsole/internal/endpoint"
)

// ClientFlags are shared by every command that talks to a running server.
type ClientFlags struct {
	Host  string `help:"Console API endpoint (unix://path, http://host:port, or https://host:port)" env:"JAILCONSOLE_HOST"`
	User  string `help:"Login the console runs as" env:"USER"`
	Token string `help:"Bearer token for the console API" env:"JAILCONSOLE_TOKEN"`
	TLSCA string `name:"tls-ca" help:"CA bundle used to verify https:// endpoints"`
}

func (f ClientFlags) client() (*client.Client, error) {
	return client.New(f.Host,
		client.WithUser(f.User),
		client.WithToken(f.Token),
		client.WithTLS(client.TLSOptions{CAPath: f.TLSCA}),
	)
}

// consoleCWD resolves the working directory a console starts in. Remote
// servers cannot see the caller's cwd, so an explicit absolute path is
// required there. Empty means the user's home.
func (f ClientFlags) consoleCWD(base, chdir string) (string, error) {
	ep, err := endpoint.Resolve(f.Host)
	if err != nil {
		return "", err
	}
	if chdir == "" {
		return "", nil
	}
	if ep.Scheme != "unix" && !filepath.IsAbs(chdir) {
		return "", fmt.Errorf("remote endpoint %q requires an absolute -c/--chdir path, got %q", ep.Address, chdir)
	}
	return resolveCWD(base, chdir)
}

type StartCommand struct {
	ClientFlags `embed:""`

	Chdir string `short:"c" help:"Working directory of the console (defaults to the user's home)"`
}

func (s *StartCommand) Run(ctx *runtimeContext) error {
	cwd, err := s.consoleCWD(ctx.CWD, s.Chdir)
	if err != nil {
		return err
	}
	c, err := s.client()
	if err != nil {
		return err
	}
	resp, err := c.Start(context.Background(), &client.StartRequest{CWD: cwd})
	if err != nil {
		return fmt.Errorf("start console: %w", err)
	}
	_, err = fmt.Fprintln(ctx.Stdout, resp.Key)
	return err
}

type ChatCommand struct {
	ClientFlags `embed:""`

	Key  string `required:"" env:"JAILCONSOLE_KEY" help:"Session key returned by start"`
	Kind string `default:"chat" enum:"chat,block,execute,call,globals,set_vars,terminate" help:"Command kind"`
	Text string `arg:"" optional:"" help:"Command text; '-' reads it from stdin"`
}

// Run prints the reply as JSON. A restart is reported on stderr with the
// replacement key, and exits 75 so scripts can retry with it.
func (c *ChatCommand) Run(ctx *runtimeContext) error {
	text := c.Text
	if text == "-" {
		b, err := io.ReadAll(ctx.Stdin)
		if err != nil {
			return fmt.Errorf("read command text: %w", err)
		}
		text = string(b)
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	resp, err := cl.Chat(context.Background(), &client.ChatRequest{Key: c.Key, Text: text, Kind: c.Kind})
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}

	enc := json.NewEncoder(ctx.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	if resp.Restarted() {
		_, _ = fmt.Fprintf(ctx.Stderr, "console restarted (%s); new key: %s\n", resp.Restart, resp.Key)
		return exitCodeError{code: exitRestarted}
	}
	return nil
}

const exitRestarted = 75

type RunCommand struct {
	ClientFlags `embed:""`

	Chdir string   `short:"c" help:"Working directory of the console (defaults to the user's home)"`
	File  string   `short:"f" type:"existingfile" help:"Read the program from this file"`
	Input []string `short:"i" help:"Line of standard input for the program (repeatable)"`
	Code  string   `arg:"" optional:"" help:"Program text; '-' or omitted reads it from stdin"`
}

func (r *RunCommand) Run(ctx *runtimeContext) error {
	code, err := r.program(ctx.Stdin)
	if err != nil {
		return err
	}
	cwd, err := r.consoleCWD(ctx.CWD, r.Chdir)
	if err != nil {
		return err
	}
	c, err := r.client()
	if err != nil {
		return err
	}
	resp, err := c.Run(context.Background(), &client.RunRequest{CWD: cwd, Code: code, Stdin: r.Input})
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if _, err := io.WriteString(ctx.Stdout, resp.Stdout); err != nil {
		return err
	}
	if _, err := io.WriteString(ctx.Stderr, resp.Stderr); err != nil {
		return err
	}
	if resp.Exception != nil {
		writeException(ctx.Stderr, *resp.Exception)
		return exitCodeError{code: 1}
	}
	if resp.Exited != "" {
		fmt.Fprintf(ctx.Stderr, "console exited: %s\n", resp.Exited)
	}
	return nil
}

func (r *RunCommand) program(stdin io.Reader) (string, error) {
	switch {
	case r.File != "" && r.Code != "":
		return "", errors.New("choose either --file or a program argument")
	case r.File != "":
		b, err := os.ReadFile(r.File)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case r.Code != "" && r.Code != "-":
		return r.Code, nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read program: %w", err)
	}
	return string(b), nil
}

type StopCommand struct {
	ClientFlags `embed:""`

	Key string `arg:"" help:"Session key of the console"`
}

func (s *StopCommand) Run(ctx *runtimeContext) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	resp, err := c.Terminate(context.Background(), &client.TerminateRequest{Key: s.Key})
	if err != nil {
		return fmt.Errorf("terminate: %w", err)
	}
	_, err = fmt.Fprintln(ctx.Stdout, resp.Message)
	return err
}

type ReplCommand struct {
	ClientFlags `embed:""`

	Chdir string `short:"c" help:"Working directory of the console (defaults to the user's home)"`
	Key   string `help:"Attach to an existing console instead of starting one"`
	Keep  bool   `help:"Leave the console running on exit and print its key"`
}

const (
	primaryPrompt   = ">>> "
	secondaryPrompt = "... "
)

func (r *ReplCommand) Run(ctx *runtimeContext) error {
	c, err := r.client()
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var con *client.Console
	if r.Key != "" {
		con = c.AttachConsole(r.Key)
	} else {
		cwd, err := r.consoleCWD(ctx.CWD, r.Chdir)
		if err != nil {
			return err
		}
		con, err = c.OpenConsole(runCtx, cwd)
		if err != nil {
			return fmt.Errorf("start console: %w", err)
		}
	}
	color := shouldUseANSI(ctx.Stderr)
	con.OnRestart = func(reason string) {
		_, _ = io.WriteString(ctx.Stderr, renderRestartNotice(reason, color))
	}

	err = repl(runCtx, con, ctx.Stdin, ctx.Stdout, ctx.Stderr, isTerminal(ctx.Stdin))

	if r.Keep {
		_, _ = fmt.Fprintf(ctx.Stderr, "console key: %s\n", con.Key())
		return err
	}
	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(runCtx), 5*time.Second)
	defer closeCancel()
	if closeErr := con.Close(closeCtx); closeErr != nil && err == nil {
		err = fmt.Errorf("terminate console: %w", closeErr)
	}
	return err
}

// repl reads lines from in until EOF, echoing prompts when interactive.
// Program input requested by running code is read from the same stream.
func repl(ctx context.Context, con *client.Console, in io.Reader, stdout, stderr io.Writer, interactive bool) error {
	lines := bufio.NewReader(in)
	prompt := primaryPrompt
	for {
		if interactive {
			_, _ = io.WriteString(stdout, prompt)
		}
		line, readErr := lines.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return readErr
		}
		if line == "" && errors.Is(readErr, io.EOF) {
			if interactive {
				_, _ = io.WriteString(stdout, "\n")
			}
			return nil
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

		more, err := con.Line(ctx, line, lines, stdout, stderr)
		var userErr *client.UserError
		var restarted *client.RestartedError
		switch {
		case errors.As(err, &userErr):
			writeException(stderr, userErr.Exc)
		case errors.As(err, &restarted):
			// Reported through OnRestart.
		case err != nil:
			return err
		}
		prompt = primaryPrompt
		if more && err == nil {
			prompt = secondaryPrompt
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
	}
}

func writeException(w io.Writer, exc client.ExceptionInfo) {
	if exc.Traceback != "" {
		_, _ = io.WriteString(w, strings.TrimRight(exc.Traceback, "\n")+"\n")
		return
	}
	_, _ = fmt.Fprintln(w, (&client.UserError{Exc: exc}).Error())
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
