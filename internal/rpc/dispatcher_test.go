package rpc

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/strobe-dev/strobe/internal/session"
	"github.com/strobe-dev/strobe/internal/store"
)

func testDispatcher(t *testing.T) (*Dispatcher, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(session.New(db, nil), db), db
}

func roundTrip(t *testing.T, client net.Conn, reader *bufio.Reader, req Request) Response {
	t.Helper()
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal(req) error = %v", err)
	}
	b = append(b, '\n')
	if _, err := client.Write(b); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("ReadBytes() error = %v", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("Unmarshal(resp) error = %v", err)
	}
	return resp
}

func TestNonInitializeMethodRejectedBeforeInitialize(t *testing.T) {
	t.Parallel()
	d, _ := testDispatcher(t)
	server, client := net.Pipe()
	go d.Serve(server)
	defer client.Close()

	reader := bufio.NewReader(client)
	resp := roundTrip(t, client, reader, Request{ID: "1", Method: "debug_stop"})
	if resp.Error == nil {
		t.Fatal("expected an error for a non-initialize first call")
	}
}

func TestInitializeThenUnknownMethod(t *testing.T) {
	t.Parallel()
	d, _ := testDispatcher(t)
	server, client := net.Pipe()
	go d.Serve(server)
	defer client.Close()

	reader := bufio.NewReader(client)
	initResp := roundTrip(t, client, reader, Request{ID: "1", Method: MethodInitialize})
	if initResp.Error != nil {
		t.Fatalf("initialize returned error: %s", initResp.Error)
	}

	resp := roundTrip(t, client, reader, Request{ID: "2", Method: "not_a_real_method"})
	if resp.Error == nil {
		t.Fatal("expected an error for an unknown method")
	}
}

func TestDebugSpawnValidatesBinaryPath(t *testing.T) {
	t.Parallel()
	d, _ := testDispatcher(t)
	server, client := net.Pipe()
	go d.Serve(server)
	defer client.Close()

	reader := bufio.NewReader(client)
	roundTrip(t, client, reader, Request{ID: "1", Method: MethodInitialize})

	resp := roundTrip(t, client, reader, Request{ID: "2", Method: "debug_spawn", Params: json.RawMessage(`{}`)})
	if resp.Error == nil {
		t.Fatal("expected an error for debug_spawn with no binaryPath")
	}
}

func TestDebugStatusUnknownSessionErrors(t *testing.T) {
	t.Parallel()
	d, _ := testDispatcher(t)
	server, client := net.Pipe()
	go d.Serve(server)
	defer client.Close()

	reader := bufio.NewReader(client)
	roundTrip(t, client, reader, Request{ID: "1", Method: MethodInitialize})

	resp := roundTrip(t, client, reader, Request{ID: "2", Method: "debug_status", Params: json.RawMessage(`{"sessionId":"nope"}`)})
	if resp.Error == nil {
		t.Fatal("expected an error for debug_status on an unknown session")
	}
}

func TestCleanupStopsSessionsOwnedByConnection(t *testing.T) {
	t.Parallel()
	d, db := testDispatcher(t)
	if _, err := db.CreateSession("s1", "/bin/target", "/repo", 123); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	c := &conn{ownedSessions: map[string]bool{"s1": true}}
	d.cleanup(c)

	got, err := db.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got != nil {
		t.Fatalf("GetSession() = %+v, want nil after cleanup stops owned sessions", got)
	}
}
