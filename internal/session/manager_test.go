package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/strobe-dev/strobe/internal/buffers"
	"github.com/strobe-dev/strobe/internal/store"
	"github.com/strobe-dev/strobe/internal/stuck"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, nil)
}

func TestGenerateSessionIDIsDeterministicWithoutCollision(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	now := time.Date(2026, 7, 31, 10, 15, 0, 0, time.UTC)

	id, err := m.GenerateSessionID("target", now)
	if err != nil {
		t.Fatalf("GenerateSessionID() error = %v", err)
	}
	want := "target-2026-07-31-10h15"
	if id != want {
		t.Fatalf("GenerateSessionID() = %q, want %q", id, want)
	}
}

func TestGenerateSessionIDSuffixesOnCollision(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	now := time.Date(2026, 7, 31, 10, 15, 0, 0, time.UTC)

	base, err := m.GenerateSessionID("target", now)
	if err != nil {
		t.Fatalf("GenerateSessionID() error = %v", err)
	}
	if _, err := m.db.CreateSession(base, "/bin/target", "/repo", 1); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	next, err := m.GenerateSessionID("target", now)
	if err != nil {
		t.Fatalf("GenerateSessionID() error = %v", err)
	}
	if next != base+"-2" {
		t.Fatalf("GenerateSessionID() after collision = %q, want %q", next, base+"-2")
	}
}

func TestStateReturnsSessionNotFoundForUnknownID(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	if _, err := m.state("does-not-exist"); err == nil {
		t.Fatalf("state() error = nil, want SessionNotFound")
	}
}

func TestRecordAndFetchPausedThreads(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	m.mu.Lock()
	m.sessions["s1"] = &sessionState{
		paused:      make(map[string]PauseRecord),
		breakpoints: make(map[string]*Breakpoint),
		watches:     make(map[string]*Watch),
	}
	m.mu.Unlock()

	if err := m.RecordPause("s1", "thread-1", PauseRecord{BreakpointID: "bp1", PC: 0x1000}); err != nil {
		t.Fatalf("RecordPause() error = %v", err)
	}
	paused, err := m.PausedThreads("s1")
	if err != nil {
		t.Fatalf("PausedThreads() error = %v", err)
	}
	if len(paused) != 1 || paused["thread-1"].BreakpointID != "bp1" {
		t.Fatalf("PausedThreads() = %+v, want one entry for thread-1/bp1", paused)
	}
}

func TestProgressReturnsSessionsTracker(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	progress := stuck.NewProgress()
	m.mu.Lock()
	m.sessions["s1"] = &sessionState{progress: progress}
	m.mu.Unlock()

	got, err := m.Progress("s1")
	if err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	if got != progress {
		t.Fatal("Progress() returned a different tracker than the one registered")
	}
}

func TestRecentOutputReturnsTrailingLines(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	rb := buffers.NewRingBuffer[OutputLine](10)
	rb.WriteOne(OutputLine{Stream: "stdout", Text: "one"})
	rb.WriteOne(OutputLine{Stream: "stdout", Text: "two"})
	rb.WriteOne(OutputLine{Stream: "stderr", Text: "three"})
	m.mu.Lock()
	m.sessions["s1"] = &sessionState{recentOutput: rb}
	m.mu.Unlock()

	lines, err := m.RecentOutput("s1", 2)
	if err != nil {
		t.Fatalf("RecentOutput() error = %v", err)
	}
	if len(lines) != 2 || lines[0].Text != "two" || lines[1].Text != "three" {
		t.Fatalf("RecentOutput() = %+v, want last 2 lines", lines)
	}
}

func TestLastSlash(t *testing.T) {
	t.Parallel()
	cases := map[string]int{
		"/bin/target": 4,
		"target":      -1,
		"":            -1,
	}
	for in, want := range cases {
		if got := lastSlash(in); got != want {
			t.Errorf("lastSlash(%q) = %d, want %d", in, got, want)
		}
	}
}
