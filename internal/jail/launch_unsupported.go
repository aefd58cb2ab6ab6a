//go:build !linux

package jail

import (
	"context"
	"errors"
	"time"
)

const DefaultReadyTimeout = 10 * time.Second

func Launch(context.Context, Args, time.Duration) error {
	return errors.New("jailconsole-helper is only supported on linux")
}
