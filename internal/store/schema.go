// Package store is the single-writer, multi-reader event and session
// store: an append-only event log plus a sessions table, backed by
// modernc.org/sqlite (pure Go, no cgo — the driver the rest of the
// retrieval pack reaches for wherever a repo embeds SQLite).
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps a single SQLite connection behind a mutex: one writer, N
// readers, all serialized through the same lock so batch inserts and
// paginated queries never interleave mid-statement.
type DB struct {
	mu   sync.Mutex
	conn *sql.DB
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	binary_path TEXT NOT NULL,
	project_root TEXT NOT NULL,
	pid INTEGER NOT NULL,
	status TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	timestamp_ns INTEGER NOT NULL,
	thread_id INTEGER NOT NULL,
	parent_event_id TEXT,
	event_type TEXT NOT NULL,
	function_name TEXT NOT NULL,
	function_name_raw TEXT,
	source_file TEXT,
	line_number INTEGER,
	arguments TEXT,
	return_value TEXT,
	duration_ns INTEGER,
	text TEXT,
	pid INTEGER,
	thread_name TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_events_function ON events(function_name);
CREATE INDEX IF NOT EXISTS idx_events_source_file ON events(source_file);
CREATE INDEX IF NOT EXISTS idx_events_session_thread_ts ON events(session_id, thread_id, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_events_session_pid ON events(session_id, pid);
`

// additiveColumns are the crash columns. schemaDDL's table definition
// leaves them out, so this list is the single source of truth for them:
// each is added by an ALTER TABLE ... ADD COLUMN that is skipped when the
// column already exists, on a fresh database and an old one alike.
var additiveColumns = []struct{ table, column, ddl string }{
	{"events", "signal", "ALTER TABLE events ADD COLUMN signal TEXT"},
	{"events", "fault_address", "ALTER TABLE events ADD COLUMN fault_address TEXT"},
	{"events", "registers", "ALTER TABLE events ADD COLUMN registers TEXT"},
	{"events", "backtrace", "ALTER TABLE events ADD COLUMN backtrace TEXT"},
	{"events", "locals", "ALTER TABLE events ADD COLUMN locals TEXT"},
}

// Open creates (or opens) the SQLite database at path, enables WAL mode
// and relaxed fsync, and applies the schema and any additive migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1) // single connection: we serialize with our own mutex anyway

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schemaDDL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	for _, col := range additiveColumns {
		exists, err := db.columnExists(col.table, col.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := db.conn.Exec(col.ddl); err != nil {
			return fmt.Errorf("migrate %s.%s: %w", col.table, col.column, err)
		}
	}
	return nil
}

func (db *DB) columnExists(table, column string) (bool, error) {
	rows, err := db.conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dfltValue  any
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &primaryKey); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
