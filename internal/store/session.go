package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/strobe-dev/strobe/internal/strobeerr"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusStopped Status = "stopped"
)

// Session is one observed target process.
type Session struct {
	ID          string
	BinaryPath  string
	ProjectRoot string
	PID         int
	Status      Status
	StartedAt   time.Time
	EndedAt     *time.Time
}

// CreateSession inserts a new Running session row.
func (db *DB) CreateSession(id, binaryPath, projectRoot string, pid int) (*Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	s := &Session{ID: id, BinaryPath: binaryPath, ProjectRoot: projectRoot, PID: pid, Status: StatusRunning, StartedAt: time.Now()}
	_, err := db.conn.Exec(
		`INSERT INTO sessions (id, binary_path, project_root, pid, status, started_at, ended_at) VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		s.ID, s.BinaryPath, s.ProjectRoot, s.PID, string(s.Status), s.StartedAt.UnixNano(),
	)
	if err != nil {
		return nil, strobeerr.Wrap(strobeerr.CodeInternal, err)
	}
	return s, nil
}

// GetSession looks up a session by id. Returns (nil, nil) if not found.
func (db *DB) GetSession(id string) (*Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.getSessionLocked("id = ?", id)
}

// GetSessionByBinary returns the most recently started session for a
// given binary path, if any.
func (db *DB) GetSessionByBinary(binaryPath string) (*Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.getSessionLockedOrdered("binary_path = ?", binaryPath)
}

func (db *DB) getSessionLocked(where, arg string) (*Session, error) {
	row := db.conn.QueryRow(
		`SELECT id, binary_path, project_root, pid, status, started_at, ended_at FROM sessions WHERE `+where, arg,
	)
	return scanSession(row)
}

func (db *DB) getSessionLockedOrdered(where, arg string) (*Session, error) {
	row := db.conn.QueryRow(
		`SELECT id, binary_path, project_root, pid, status, started_at, ended_at FROM sessions WHERE `+where+` ORDER BY started_at DESC LIMIT 1`, arg,
	)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var (
		s              Session
		status         string
		startedAtNs    int64
		endedAtNs      sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.BinaryPath, &s.ProjectRoot, &s.PID, &status, &startedAtNs, &endedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, strobeerr.Wrap(strobeerr.CodeInternal, err)
	}
	s.Status = Status(status)
	s.StartedAt = time.Unix(0, startedAtNs)
	if endedAtNs.Valid {
		t := time.Unix(0, endedAtNs.Int64)
		s.EndedAt = &t
	}
	return &s, nil
}

// GetRunningSessions returns every session currently marked Running.
func (db *DB) GetRunningSessions() ([]Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(
		`SELECT id, binary_path, project_root, pid, status, started_at, ended_at FROM sessions WHERE status = ?`,
		string(StatusRunning),
	)
	if err != nil {
		return nil, strobeerr.Wrap(strobeerr.CodeInternal, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s           Session
			status      string
			startedAtNs int64
			endedAtNs   sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.BinaryPath, &s.ProjectRoot, &s.PID, &status, &startedAtNs, &endedAtNs); err != nil {
			return nil, strobeerr.Wrap(strobeerr.CodeInternal, err)
		}
		s.Status = Status(status)
		s.StartedAt = time.Unix(0, startedAtNs)
		if endedAtNs.Valid {
			t := time.Unix(0, endedAtNs.Int64)
			s.EndedAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateSessionStatus transitions a session's status, stamping ended_at
// when the new status is terminal (Exited or Stopped).
func (db *DB) UpdateSessionStatus(id string, status Status) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if status == StatusExited || status == StatusStopped {
		_, err := db.conn.Exec(`UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?`, string(status), time.Now().UnixNano(), id)
		return strobeerr.ToRPCErrorOrNil(err)
	}
	_, err := db.conn.Exec(`UPDATE sessions SET status = ? WHERE id = ?`, string(status), id)
	return strobeerr.ToRPCErrorOrNil(err)
}

// DeleteSession removes a session row and all of its events (events
// first, to respect the logical foreign key).
func (db *DB) DeleteSession(id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return strobeerr.Wrap(strobeerr.CodeInternal, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM events WHERE session_id = ?`, id); err != nil {
		return strobeerr.Wrap(strobeerr.CodeInternal, err)
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return strobeerr.Wrap(strobeerr.CodeInternal, err)
	}
	return strobeerr.ToRPCErrorOrNil(tx.Commit())
}

// CountSessionEvents returns the number of events recorded for a session.
func (db *DB) CountSessionEvents(id string) (uint64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var count uint64
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM events WHERE session_id = ?`, id).Scan(&count)
	if err != nil {
		return 0, strobeerr.Wrap(strobeerr.CodeInternal, err)
	}
	return count, nil
}

// CleanupStaleSessions sweeps every row left Running from a previous
// daemon instance to Stopped: rows marked Running cannot refer to a live
// process once the daemon that spawned them has restarted.
func (db *DB) CleanupStaleSessions() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(
		`UPDATE sessions SET status = ?, ended_at = ? WHERE status = ?`,
		string(StatusStopped), time.Now().UnixNano(), string(StatusRunning),
	)
	return strobeerr.ToRPCErrorOrNil(err)
}
