package console

import (
	"errors"
	"testing"
)

func TestKeyRoundTrip(t *testing.T) {
	t.Parallel()

	ep := Endpoint{Host: "127.0.0.1", Port: 41234, Magic: "abc123", CWD: "/home/ada/work"}
	got, err := ParseKey(ep.Key())
	if err != nil {
		t.Fatalf("ParseKey returned error: %v", err)
	}
	if got != ep {
		t.Fatalf("got %+v want %+v", got, ep)
	}
}

func TestParseKeyRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, key := range []string{
		"",
		"zz",
		"7b7d", // {}
		Endpoint{Host: "h", Port: 70000, Magic: "m"}.Key(),
		Endpoint{Host: "h", Port: 1}.Key(),
	} {
		if _, err := ParseKey(key); !errors.Is(err, ErrBadKey) {
			t.Fatalf("ParseKey(%q): expected ErrBadKey, got %v", key, err)
		}
	}
}

func TestBufferDrains(t *testing.T) {
	t.Parallel()

	var b Buffer
	b.AppendString("one\ntwo\nthree")
	if line, ok := b.TakeLine(); !ok || line != "one\n" {
		t.Fatalf("first line: got %q, %v", line, ok)
	}
	if line, ok := b.TakeLine(); !ok || line != "two\n" {
		t.Fatalf("second line: got %q, %v", line, ok)
	}
	if line, ok := b.TakeLine(); !ok || line != "three" {
		t.Fatalf("last line: got %q, %v", line, ok)
	}
	if _, ok := b.TakeLine(); ok {
		t.Fatal("expected empty buffer")
	}

	b.Append([]byte("ab"))
	b.AppendString("c")
	if got := b.TakeAll(); got != "abc" {
		t.Fatalf("TakeAll: got %q", got)
	}
	if got := b.TakeAll(); got != "" {
		t.Fatalf("TakeAll after drain: got %q", got)
	}
}
