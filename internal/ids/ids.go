// Package ids generates the typeid identifiers attached to console log
// lines and audit rows.
package ids

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

const (
	ConsolePrefix = "con"
	RunPrefix     = "run"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewConsoleID identifies one launched interpreter.
func NewConsoleID() string {
	return newID(ConsolePrefix)
}

// NewRunID identifies one Run request.
func NewRunID() string {
	return newID(RunPrefix)
}

// Prefix returns the type prefix of id, or "" when id is neither a typeid
// nor a fallback id.
func Prefix(id string) string {
	if parsed, err := typeid.FromString(id); err == nil {
		return parsed.Prefix()
	}
	if i := strings.LastIndex(id, "-"); i > 0 {
		return id[:i]
	}
	return ""
}

func newID(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fmt.Sprintf("%s-%d", prefix, time.Now().UTC().UnixNano())
}
