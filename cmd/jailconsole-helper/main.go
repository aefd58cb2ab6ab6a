// Command jailconsole-helper starts jailconsole-agent inside a user's jail.
// It must run as root, normally through sudo or a setuid bit, and takes
// the eleven positional arguments written by the launcher.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ivle/jailconsole/internal/jail"
	"github.com/ivle/jailconsole/internal/wire"
)

func main() {
	args, err := jail.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "jailconsole-helper: %v\n", err)
		os.Exit(2)
	}
	if args.Digest, err = wire.ParseDigest(os.Getenv(wire.DigestEnv)); err != nil {
		fmt.Fprintf(os.Stderr, "jailconsole-helper: %s: %v\n", wire.DigestEnv, err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := jail.Launch(ctx, args, jail.DefaultReadyTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "jailconsole-helper: %v\n", err)
		os.Exit(1)
	}
}
