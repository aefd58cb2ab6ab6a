package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/ivle/jailconsole/internal/runtimeconfig"
)

type runtimeContext struct {
	CWD        string
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	Config     runtimeconfig.Config
	ConfigPath string
}

type CLI struct {
	Version kong.VersionFlag `help:"Print version and exit"`

	Serve   ServeCommand   `cmd:"" help:"Run the console API server"`
	Start   StartCommand   `cmd:"" help:"Start a console and print its session key"`
	Chat    ChatCommand    `cmd:"" help:"Send one command to a console"`
	Run     RunCommand     `cmd:"" help:"Run Python code in a throwaway console"`
	Repl    ReplCommand    `cmd:"" help:"Open an interactive Python console"`
	Stop    StopCommand    `cmd:"" help:"Terminate a console"`
	Doctor  DoctorCommand  `cmd:"" help:"Check the host can launch consoles"`
	History HistoryCommand `cmd:"" help:"Show recent console events from the audit log"`
	TLS     TLSCommand     `cmd:"" name:"tls" help:"Manage TLS material for the console API"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func newParser(c *CLI, version string) (*kong.Kong, error) {
	return kong.New(
		c,
		kong.Name("jailconsole"),
		kong.Description("Sandboxed Python consoles behind a stateless proxy"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
}

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Config:     cfg,
		ConfigPath: cfgPath,
	}

	cli := CLI{}
	parser, err := newParser(&cli, version)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	runtimeCtx.CWD = cwd

	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func resolveCWD(base, chdir string) (string, error) {
	if chdir == "" {
		return base, nil
	}
	if filepath.IsAbs(chdir) {
		return filepath.Clean(chdir), nil
	}
	return filepath.Join(base, chdir), nil
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}
