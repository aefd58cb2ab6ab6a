package ids

import (
	"errors"
	"strings"
	"testing"

	"go.jetify.com/typeid"
)

func TestNewConsoleIDIsTypeID(t *testing.T) {
	t.Parallel()

	id := NewConsoleID()
	parsed, err := typeid.FromString(id)
	if err != nil {
		t.Fatalf("expected generated id to be parseable typeid, got %q: %v", id, err)
	}
	if got, want := parsed.Prefix(), ConsolePrefix; got != want {
		t.Fatalf("unexpected generated id prefix: got %q want %q", got, want)
	}
	if got, want := Prefix(id), ConsolePrefix; got != want {
		t.Fatalf("Prefix: got %q want %q", got, want)
	}
}

func TestNewIDFallsBackToTimestampShapeWhenGeneratorFails(t *testing.T) {
	originalGenerator := generateTypeID
	t.Cleanup(func() {
		generateTypeID = originalGenerator
	})

	generateTypeID = func(string) (string, error) {
		return "", errors.New("boom")
	}

	id := NewRunID()
	if !strings.HasPrefix(id, "run-") {
		t.Fatalf("expected fallback id shape, got %q", id)
	}
	if got, want := Prefix(id), RunPrefix; got != want {
		t.Fatalf("Prefix: got %q want %q", got, want)
	}
}

func TestPrefixOfGarbage(t *testing.T) {
	t.Parallel()

	if got := Prefix("garbage"); got != "" {
		t.Fatalf("Prefix: got %q want empty", got)
	}
}
