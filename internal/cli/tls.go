package cli

import (
	"errors"
	"fmt"

	"github.com/ivle/jailconsole/internal/paths"
	"github.com/ivle/jailconsole/internal/tlsbootstrap"
)

type TLSCommand struct {
	Init TLSInitCommand `cmd:"" help:"Generate a CA and server certificate for the console API"`
}

type TLSInitCommand struct {
	Dir   string   `help:"Directory to write TLS material to (defaults to the XDG TLS directory)"`
	Host  []string `help:"DNS name or IP the server certificate is valid for (repeatable)"`
	Force bool     `help:"Overwrite existing TLS material"`
}

func (c *TLSInitCommand) Run(ctx *runtimeContext) error {
	dir := c.Dir
	if dir == "" {
		var err error
		if dir, err = paths.TLSDir(); err != nil {
			return fmt.Errorf("resolve TLS directory: %w", err)
		}
	}

	bundle, err := tlsbootstrap.Generate(tlsbootstrap.Options{Hosts: c.Host})
	if err != nil {
		return err
	}
	if err := tlsbootstrap.Write(dir, bundle, c.Force); err != nil {
		if errors.Is(err, tlsbootstrap.ErrExists) {
			return fmt.Errorf("%w (use --force to overwrite)", err)
		}
		return err
	}

	_, err = fmt.Fprintf(ctx.Stdout, "wrote CA and server certificate to %s\nclients trust it with --tls-ca %s/ca.pem\n", dir, dir)
	return err
}
