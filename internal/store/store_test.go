package store

import (
	"fmt"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateAndGetSession(t *testing.T) {
	db := openTestDB(t)

	s, err := db.CreateSession("target-2026-07-31-10h00", "/bin/target", "/repo", 4242)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if s.Status != StatusRunning {
		t.Fatalf("new session status = %v, want Running", s.Status)
	}

	got, err := db.GetSession(s.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got == nil || got.PID != 4242 {
		t.Fatalf("GetSession() = %+v, want pid 4242", got)
	}
}

func TestGetSessionMissingReturnsNilNoError(t *testing.T) {
	db := openTestDB(t)
	got, err := db.GetSession("does-not-exist")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got != nil {
		t.Fatalf("GetSession() = %+v, want nil", got)
	}
}

func TestUpdateSessionStatusStampsEndedAt(t *testing.T) {
	db := openTestDB(t)
	s, _ := db.CreateSession("s1", "/bin/t", "/repo", 1)

	if err := db.UpdateSessionStatus(s.ID, StatusStopped); err != nil {
		t.Fatalf("UpdateSessionStatus() error = %v", err)
	}
	got, _ := db.GetSession(s.ID)
	if got.Status != StatusStopped {
		t.Fatalf("status = %v, want Stopped", got.Status)
	}
	if got.EndedAt == nil {
		t.Fatalf("expected EndedAt to be set on terminal transition")
	}
}

func TestDeleteSessionRemovesEventsAndRow(t *testing.T) {
	db := openTestDB(t)
	s, _ := db.CreateSession("s1", "/bin/t", "/repo", 1)
	if err := db.InsertEvent(Event{ID: "e1", SessionID: s.ID, Kind: KindStdout, Text: "hi", PID: 1}); err != nil {
		t.Fatalf("InsertEvent() error = %v", err)
	}

	err := db.DeleteSession(s.ID)
	if err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}

	got, _ := db.GetSession(s.ID)
	if got != nil {
		t.Fatalf("expected session to be gone after delete")
	}
	n, _ := db.CountEvents(s.ID)
	if n != 0 {
		t.Fatalf("expected 0 events after delete, got %d", n)
	}
}

func TestCleanupStaleSessionsSweepsRunningToStopped(t *testing.T) {
	db := openTestDB(t)
	s, _ := db.CreateSession("s1", "/bin/t", "/repo", 1)

	if err := db.CleanupStaleSessions(); err != nil {
		t.Fatalf("CleanupStaleSessions() error = %v", err)
	}
	got, _ := db.GetSession(s.ID)
	if got.Status != StatusStopped {
		t.Fatalf("status = %v, want Stopped after cleanup", got.Status)
	}
}

func TestInsertAndQueryEventsNewestFirst(t *testing.T) {
	db := openTestDB(t)
	s, _ := db.CreateSession("s1", "/bin/t", "/repo", 1)

	for i := int64(0); i < 3; i++ {
		err := db.InsertEvent(Event{
			ID: idFor(i), SessionID: s.ID, TimestampNs: i, ThreadID: 1,
			Kind: KindFunctionEnter, FunctionName: "audio::process_buffer",
		})
		if err != nil {
			t.Fatalf("InsertEvent() error = %v", err)
		}
	}

	page, err := db.QueryEvents(s.ID, Query{Limit: 10})
	if err != nil {
		t.Fatalf("QueryEvents() error = %v", err)
	}
	if len(page.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(page.Events))
	}
	if page.Events[0].TimestampNs < page.Events[1].TimestampNs {
		t.Fatalf("expected newest-first ordering")
	}
}

func TestQueryEventsFunctionContainsFilter(t *testing.T) {
	db := openTestDB(t)
	s, _ := db.CreateSession("s1", "/bin/t", "/repo", 1)
	db.InsertEvent(Event{ID: "e1", SessionID: s.ID, Kind: KindFunctionEnter, FunctionName: "timing::fast"})
	db.InsertEvent(Event{ID: "e2", SessionID: s.ID, Kind: KindFunctionEnter, FunctionName: "timing::slow"})

	page, err := db.QueryEvents(s.ID, Query{FunctionContains: "slow"})
	if err != nil {
		t.Fatalf("QueryEvents() error = %v", err)
	}
	if len(page.Events) != 1 || page.Events[0].FunctionName != "timing::slow" {
		t.Fatalf("unexpected result: %+v", page.Events)
	}
}

func TestInsertEventsBatch(t *testing.T) {
	db := openTestDB(t)
	s, _ := db.CreateSession("s1", "/bin/t", "/repo", 1)

	batch := make([]Event, 0, 150)
	for i := 0; i < 150; i++ {
		batch = append(batch, Event{ID: idFor(int64(i)), SessionID: s.ID, Kind: KindStdout, PID: 1, Text: "line"})
	}
	if err := db.InsertEventsBatch(batch); err != nil {
		t.Fatalf("InsertEventsBatch() error = %v", err)
	}
	n, err := db.CountEvents(s.ID)
	if err != nil {
		t.Fatalf("CountEvents() error = %v", err)
	}
	if n != 150 {
		t.Fatalf("CountEvents() = %d, want 150", n)
	}
}

func idFor(i int64) string {
	return fmt.Sprintf("evt-%d", i)
}
