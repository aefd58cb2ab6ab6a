package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAndRecent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "nested", "audit.db"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []Event{
		{ConsoleID: "con_a", Kind: KindStart, Login: "alice", UID: 5001, Host: "127.0.0.1", Port: 4001, CWD: "/home/alice", At: base},
		{ConsoleID: "con_b", Kind: KindStart, Login: "bob", UID: 5002, Host: "127.0.0.1", Port: 4002, CWD: "/home/bob", At: base.Add(time.Second)},
		{ConsoleID: "con_c", Kind: KindRestart, Login: "alice", UID: 5001, Host: "127.0.0.1", Port: 4003, CWD: "/home/alice", Reason: "connection refused", At: base.Add(2 * time.Second)},
	}
	for _, ev := range events {
		if err := store.Record(ctx, ev); err != nil {
			t.Fatalf("Record returned error: %v", err)
		}
	}

	all, err := store.Recent(ctx, 10, "")
	if err != nil {
		t.Fatalf("Recent returned error: %v", err)
	}
	if got, want := len(all), 3; got != want {
		t.Fatalf("unexpected event count: got %d want %d", got, want)
	}
	if got, want := all[0].ConsoleID, "con_c"; got != want {
		t.Fatalf("expected newest first: got %q want %q", got, want)
	}
	if got, want := all[0].Reason, "connection refused"; got != want {
		t.Fatalf("unexpected reason: got %q want %q", got, want)
	}
	if !all[0].At.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("unexpected timestamp: %s", all[0].At)
	}

	alice, err := store.Recent(ctx, 10, "alice")
	if err != nil {
		t.Fatalf("Recent returned error: %v", err)
	}
	if got, want := len(alice), 2; got != want {
		t.Fatalf("unexpected alice event count: got %d want %d", got, want)
	}
	for _, ev := range alice {
		if ev.Login != "alice" {
			t.Fatalf("unexpected login in filtered result: %q", ev.Login)
		}
	}

	limited, err := store.Recent(ctx, 1, "")
	if err != nil {
		t.Fatalf("Recent returned error: %v", err)
	}
	if got, want := len(limited), 1; got != want {
		t.Fatalf("unexpected limited count: got %d want %d", got, want)
	}
}

func TestRecordRequiresKind(t *testing.T) {
	t.Parallel()

	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if err := store.Record(context.Background(), Event{Login: "alice"}); err == nil {
		t.Fatal("expected error for event without kind")
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
