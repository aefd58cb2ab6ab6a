package consoleservice

import (
	"errors"
	"fmt"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ivle/jailconsole/internal/runtimeconfig"
)

var loginPattern = regexp.MustCompile(`^[a-z_][a-z0-9_.-]{0,31}$`)

// ErrUnknownUser means the caller has no jail on this host.
var ErrUnknownUser = errors.New("unknown user")

// User is the OS identity and jail a login's consoles run under.
type User struct {
	Login    string
	UID      int
	GID      int
	JailPath string
	Home     string
}

// Users resolves logins to jail identities.
type Users interface {
	Lookup(login string) (User, error)
}

// UserDirectory resolves logins from a static table, then the host's
// passwd database. Jails live at JailsRoot/<login>.
type UserDirectory struct {
	JailsRoot string
	Static    map[string]runtimeconfig.StaticUser

	lookup func(login string) (*user.User, error)
}

func NewUserDirectory(jailsRoot string, static map[string]runtimeconfig.StaticUser) (*UserDirectory, error) {
	if !filepath.IsAbs(jailsRoot) {
		return nil, fmt.Errorf("jails root %q must be an absolute path", jailsRoot)
	}
	return &UserDirectory{
		JailsRoot: filepath.Clean(jailsRoot),
		Static:    static,
		lookup:    user.Lookup,
	}, nil
}

func (d *UserDirectory) Lookup(login string) (User, error) {
	login = strings.TrimSpace(login)
	if !loginPattern.MatchString(login) {
		return User{}, fmt.Errorf("%w: invalid login %q", ErrUnknownUser, login)
	}

	u := User{
		Login:    login,
		JailPath: filepath.Join(d.JailsRoot, login),
		Home:     "/home/" + login,
	}
	if entry, ok := d.Static[login]; ok {
		u.UID, u.GID = entry.UID, entry.GID
		if u.GID == 0 {
			u.GID = u.UID
		}
	} else {
		lookup := d.lookup
		if lookup == nil {
			lookup = user.Lookup
		}
		pw, err := lookup(login)
		if err != nil {
			return User{}, fmt.Errorf("%w: %s: %v", ErrUnknownUser, login, err)
		}
		if u.UID, err = strconv.Atoi(pw.Uid); err != nil {
			return User{}, fmt.Errorf("%w: %s has non-numeric uid %q", ErrUnknownUser, login, pw.Uid)
		}
		if u.GID, err = strconv.Atoi(pw.Gid); err != nil {
			return User{}, fmt.Errorf("%w: %s has non-numeric gid %q", ErrUnknownUser, login, pw.Gid)
		}
	}
	if u.UID <= 0 {
		return User{}, fmt.Errorf("%w: %s maps to a privileged uid", ErrUnknownUser, login)
	}
	return u, nil
}
