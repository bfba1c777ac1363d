package store

import (
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/strobe-dev/strobe/internal/strobeerr"
)

// Kind is an event's type tag.
type Kind string

const (
	KindFunctionEnter    Kind = "function_enter"
	KindFunctionExit     Kind = "function_exit"
	KindStdout           Kind = "stdout"
	KindStderr           Kind = "stderr"
	KindCrash            Kind = "crash"
	KindVariableSnapshot Kind = "variable_snapshot"
	KindPause            Kind = "pause"
	KindLogpoint         Kind = "logpoint"
	KindConditionError   Kind = "condition_error"
)

// Event is one row of the append-only event log.
type Event struct {
	ID              string
	SessionID       string
	TimestampNs     int64
	ThreadID        int64
	ThreadName      string
	ParentEventID   string
	Kind            Kind
	FunctionName    string
	FunctionNameRaw string
	SourceFile      string
	LineNumber      int
	Arguments       json.RawMessage
	ReturnValue     json.RawMessage
	DurationNs      *int64
	Text            string
	PID             int

	// Crash-only fields.
	Signal       string
	FaultAddress string
	Registers    json.RawMessage
	Backtrace    json.RawMessage
	Locals       json.RawMessage
}

// InsertEvent inserts a single event row.
func (db *DB) InsertEvent(e Event) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return insertOne(db.conn, e)
}

// InsertEventsBatch inserts many events inside one transaction using a
// single prepared statement, so the per-event cost beyond row-binding is
// a single Exec call rather than a fresh statement per row.
func (db *DB) InsertEventsBatch(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return strobeerr.Wrap(strobeerr.CodeInternal, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertSQL)
	if err != nil {
		return strobeerr.Wrap(strobeerr.CodeInternal, err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.Exec(bindArgs(e)...); err != nil {
			return strobeerr.Wrap(strobeerr.CodeInternal, err)
		}
	}
	return strobeerr.ToRPCErrorOrNil(tx.Commit())
}

const insertSQL = `INSERT INTO events (
	id, session_id, timestamp_ns, thread_id, thread_name, parent_event_id,
	event_type, function_name, function_name_raw, source_file, line_number,
	arguments, return_value, duration_ns, text, pid,
	signal, fault_address, registers, backtrace, locals
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertOne(conn *sql.DB, e Event) error {
	_, err := conn.Exec(insertSQL, bindArgs(e)...)
	return strobeerr.ToRPCErrorOrNil(err)
}

func bindArgs(e Event) []any {
	var duration any
	if e.DurationNs != nil {
		duration = *e.DurationNs
	}
	return []any{
		e.ID, e.SessionID, e.TimestampNs, e.ThreadID, nullIfEmpty(e.ThreadName), nullIfEmpty(e.ParentEventID),
		string(e.Kind), e.FunctionName, nullIfEmpty(e.FunctionNameRaw), nullIfEmpty(e.SourceFile), nullIfZero(e.LineNumber),
		nullIfEmptyRaw(e.Arguments), nullIfEmptyRaw(e.ReturnValue), duration, nullIfEmpty(e.Text), nullIfZero(e.PID),
		nullIfEmpty(e.Signal), nullIfEmpty(e.FaultAddress), nullIfEmptyRaw(e.Registers), nullIfEmptyRaw(e.Backtrace), nullIfEmptyRaw(e.Locals),
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullIfEmptyRaw(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// Query is the filter builder for QueryEvents. Zero values mean
// "unfiltered" for that dimension. Limit is capped at 500 and defaults
// to 50 when unset.
type Query struct {
	Kind                 Kind
	FunctionEquals       string
	FunctionContains     string
	SourceFileContains   string
	ReturnValueIsNull    *bool
	MinDurationNs        *int64
	ThreadNameContains   string
	PID                  int
	FromTimestampNs      *int64 // inclusive
	ToTimestampNs        *int64 // exclusive
	AfterEventRowID      int64  // cursor: strictly-older-than this row id (newest-first order)
	Limit                int
	Offset               int
}

// Page is the result of a cursor query: the matching events (newest
// first) and the cursor to pass as AfterEventRowID on the next call.
type Page struct {
	Events      []Event
	LastEventID int64
}

// QueryEvents runs a filtered, paginated query. Default ordering is
// newest-first; callers wanting chronological order reverse client-side.
func (db *DB) QueryEvents(sessionID string, q Query) (*Page, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	var sb strings.Builder
	sb.WriteString(`SELECT rowid, id, session_id, timestamp_ns, thread_id, thread_name, parent_event_id,
		event_type, function_name, function_name_raw, source_file, line_number,
		arguments, return_value, duration_ns, text, pid,
		signal, fault_address, registers, backtrace, locals
		FROM events WHERE session_id = ?`)
	args := []any{sessionID}

	if q.Kind != "" {
		sb.WriteString(" AND event_type = ?")
		args = append(args, string(q.Kind))
	}
	if q.FunctionEquals != "" {
		sb.WriteString(" AND function_name = ?")
		args = append(args, q.FunctionEquals)
	}
	if q.FunctionContains != "" {
		sb.WriteString(" AND function_name LIKE ?")
		args = append(args, "%"+q.FunctionContains+"%")
	}
	if q.SourceFileContains != "" {
		sb.WriteString(" AND source_file LIKE ?")
		args = append(args, "%"+q.SourceFileContains+"%")
	}
	if q.ReturnValueIsNull != nil {
		if *q.ReturnValueIsNull {
			sb.WriteString(" AND return_value IS NULL")
		} else {
			sb.WriteString(" AND return_value IS NOT NULL")
		}
	}
	if q.MinDurationNs != nil {
		sb.WriteString(" AND duration_ns >= ?")
		args = append(args, *q.MinDurationNs)
	}
	if q.ThreadNameContains != "" {
		sb.WriteString(" AND thread_name LIKE ?")
		args = append(args, "%"+q.ThreadNameContains+"%")
	}
	if q.PID != 0 {
		sb.WriteString(" AND pid = ?")
		args = append(args, q.PID)
	}
	if q.FromTimestampNs != nil {
		sb.WriteString(" AND timestamp_ns >= ?")
		args = append(args, *q.FromTimestampNs)
	}
	if q.ToTimestampNs != nil {
		sb.WriteString(" AND timestamp_ns < ?")
		args = append(args, *q.ToTimestampNs)
	}
	if q.AfterEventRowID > 0 {
		sb.WriteString(" AND rowid < ?")
		args = append(args, q.AfterEventRowID)
	}

	sb.WriteString(" ORDER BY rowid DESC LIMIT ? OFFSET ?")
	args = append(args, limit, q.Offset)

	rows, err := db.conn.Query(sb.String(), args...)
	if err != nil {
		return nil, strobeerr.Wrap(strobeerr.CodeInternal, err)
	}
	defer rows.Close()

	page := &Page{}
	for rows.Next() {
		var (
			rowID                                                    int64
			e                                                         Event
			kind                                                      string
			threadName, parentEventID, functionNameRaw, sourceFile    sql.NullString
			lineNumber                                                sql.NullInt64
			arguments, returnValue, registers, backtrace, locals      sql.NullString
			durationNs                                                sql.NullInt64
			text, signal, faultAddress                                sql.NullString
			pid                                                       sql.NullInt64
		)
		err := rows.Scan(&rowID, &e.ID, &e.SessionID, &e.TimestampNs, &e.ThreadID, &threadName, &parentEventID,
			&kind, &e.FunctionName, &functionNameRaw, &sourceFile, &lineNumber,
			&arguments, &returnValue, &durationNs, &text, &pid,
			&signal, &faultAddress, &registers, &backtrace, &locals,
		)
		if err != nil {
			return nil, strobeerr.Wrap(strobeerr.CodeInternal, err)
		}
		e.Kind = Kind(kind)
		e.ThreadName = threadName.String
		e.ParentEventID = parentEventID.String
		e.FunctionNameRaw = functionNameRaw.String
		e.SourceFile = sourceFile.String
		e.LineNumber = int(lineNumber.Int64)
		if arguments.Valid {
			e.Arguments = json.RawMessage(arguments.String)
		}
		if returnValue.Valid {
			e.ReturnValue = json.RawMessage(returnValue.String)
		}
		if durationNs.Valid {
			d := durationNs.Int64
			e.DurationNs = &d
		}
		e.Text = text.String
		e.PID = int(pid.Int64)
		e.Signal = signal.String
		e.FaultAddress = faultAddress.String
		if registers.Valid {
			e.Registers = json.RawMessage(registers.String)
		}
		if backtrace.Valid {
			e.Backtrace = json.RawMessage(backtrace.String)
		}
		if locals.Valid {
			e.Locals = json.RawMessage(locals.String)
		}

		page.Events = append(page.Events, e)
		if rowID > page.LastEventID {
			page.LastEventID = rowID
		}
	}
	return page, rows.Err()
}

// CountEvents returns the total event count for a session (unfiltered).
func (db *DB) CountEvents(sessionID string) (uint64, error) {
	return db.CountSessionEvents(sessionID)
}

// HasCrash reports whether a Crash event has already been recorded for
// pid in this session: subsequent events from a crashed PID are dropped
// rather than persisted.
func (db *DB) HasCrash(sessionID string, pid int) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM events WHERE session_id = ? AND pid = ? AND event_type = ?`,
		sessionID, pid, string(KindCrash),
	).Scan(&count)
	if err != nil {
		return false, strobeerr.Wrap(strobeerr.CodeInternal, err)
	}
	return count > 0, nil
}
