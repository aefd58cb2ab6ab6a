// Package audit keeps a sqlite record of console lifecycle events.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type Kind string

const (
	KindStart       Kind = "start"
	KindRestart     Kind = "restart"
	KindRun         Kind = "run"
	KindTerminate   Kind = "terminate"
	KindStartFailed Kind = "start_failed"
)

// Event is one audit row. ID is assigned by the store.
type Event struct {
	ID        int64     `json:"id"`
	ConsoleID string    `json:"console_id"`
	Kind      Kind      `json:"kind"`
	Login     string    `json:"login"`
	UID       int       `json:"uid"`
	Host      string    `json:"host,omitempty"`
	Port      int       `json:"port,omitempty"`
	CWD       string    `json:"cwd,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Recorder accepts audit events.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Store is a Recorder backed by a sqlite database file.
type Store struct {
	mu     sync.Mutex
	dbPath string
	now    func() time.Time
}

// Open prepares the database at path, creating parent directories and
// the schema when needed.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("audit database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit database directory: %w", err)
	}
	s := &Store{dbPath: path, now: time.Now}
	if err := s.initDB(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) Record(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Kind == "" {
		return errors.New("audit event kind is required")
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		INSERT INTO console_events (
			console_id,
			kind,
			login,
			uid,
			host,
			port,
			cwd,
			reason,
			at_unix_nano
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ConsoleID,
		string(ev.Kind),
		ev.Login,
		ev.UID,
		ev.Host,
		ev.Port,
		ev.CWD,
		ev.Reason,
		ev.At.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record %s event: %w", ev.Kind, err)
	}
	return nil
}

// Recent returns up to limit events, newest first. An empty login
// matches every user.
func (s *Store) Recent(ctx context.Context, limit int, login string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT
			id,
			console_id,
			kind,
			login,
			uid,
			host,
			port,
			cwd,
			reason,
			at_unix_nano
		FROM console_events
		WHERE ? = '' OR login = ?
		ORDER BY at_unix_nano DESC, id DESC
		LIMIT ?
	`, login, login, limit)
	if err != nil {
		return nil, fmt.Errorf("query console events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var (
			ev     Event
			kind   string
			atNano int64
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.ConsoleID,
			&kind,
			&ev.Login,
			&ev.UID,
			&ev.Host,
			&ev.Port,
			&ev.CWD,
			&ev.Reason,
			&atNano,
		); err != nil {
			return nil, fmt.Errorf("scan console event: %w", err)
		}
		ev.Kind = Kind(kind)
		ev.At = time.Unix(0, atNano).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate console events: %w", err)
	}
	return events, nil
}

func (s *Store) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit database %q: %w", s.dbPath, err)
	}
	return db, nil
}

func (s *Store) initDB(ctx context.Context) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS console_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			console_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			login TEXT NOT NULL,
			uid INTEGER NOT NULL,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			cwd TEXT NOT NULL,
			reason TEXT NOT NULL,
			at_unix_nano INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_console_events_login ON console_events(login);
	`)
	if err != nil {
		return fmt.Errorf("initialise audit schema: %w", err)
	}
	return nil
}
