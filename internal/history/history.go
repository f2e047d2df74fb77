package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Event is one recorded attach-lifecycle occurrence.
type Event struct {
	EventID   string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Event kinds.
const (
	KindAttach   = "attach"
	KindDetach   = "detach"
	KindConflict = "conflict"
)

type migration struct {
	version int
	upSQL   string
}

var migrations = []migration{
	{
		version: 1,
		upSQL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS attach_events (
	event_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	event TEXT NOT NULL CHECK(event IN ('attach','detach','conflict')),
	detail TEXT NOT NULL DEFAULT '',
	at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS attach_events_at ON attach_events(at DESC);
CREATE INDEX IF NOT EXISTS attach_events_session_at ON attach_events(session_id, at DESC);
`,
	},
}

// Store is the sqlite-backed attach-event log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database and applies pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := applyMigrations(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("init migrations table: %w", err)
	}
	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := db.ExecContext(ctx, m.upSQL); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`,
			m.version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Record appends one event.
func (s *Store) Record(ctx context.Context, sessionID, kind, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attach_events(event_id, session_id, event, detail, at) VALUES(?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, kind, detail,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record %s event: %w", kind, err)
	}
	return nil
}

// Recent returns the newest events, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, session_id, event, detail, at FROM attach_events ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var at string
		if err := rows.Scan(&e.EventID, &e.SessionID, &e.Kind, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, at); err == nil {
			e.At = ts
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows: %w", err)
	}
	return events, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
