package events

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/strobe-dev/strobe/internal/coordinator"
	"github.com/strobe-dev/strobe/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTranslateStdoutStderr(t *testing.T) {
	w := NewWriter(testDB(t), "sess1", 0)
	evt := coordinator.Event{SessionID: "sess1", PID: 10, Kind: "stderr", Data: []byte("boom"), At: time.Unix(0, 1000)}
	out := w.translate(evt)
	if len(out) != 1 || out[0].Kind != store.KindStderr || out[0].Text != "boom" || out[0].PID != 10 {
		t.Fatalf("unexpected translation: %+v", out)
	}
}

func TestAdmitDropsEventsAfterCrashForSamePID(t *testing.T) {
	w := NewWriter(testDB(t), "sess1", 0)
	crash := store.Event{PID: 5, Kind: store.KindCrash}
	after := store.Event{PID: 5, Kind: store.KindFunctionEnter}
	otherPID := store.Event{PID: 6, Kind: store.KindFunctionEnter}

	admitted := w.admit([]store.Event{crash, after, otherPID})
	if len(admitted) != 2 {
		t.Fatalf("admit() len = %d, want 2 (crash event itself, plus the other PID)", len(admitted))
	}

	admittedAgain := w.admit([]store.Event{after})
	if len(admittedAgain) != 0 {
		t.Fatalf("admit() let through a post-crash event for the same PID: %+v", admittedAgain)
	}
}

func TestExtractAgentEventBatchUnwrapsSendEnvelope(t *testing.T) {
	payload := `{"type":"events","events":[{"type":"function_enter","id":"a"}]}`
	raw, _ := json.Marshal(map[string]json.RawMessage{
		"type":    json.RawMessage(`"send"`),
		"payload": json.RawMessage(payload),
	})
	batch, ok := ExtractAgentEventBatch(raw)
	if !ok || len(batch) != 1 {
		t.Fatalf("ExtractAgentEventBatch() = %v, %v, want one event", batch, ok)
	}
}

func TestExtractAgentEventBatchRejectsNonEventsPayload(t *testing.T) {
	raw, _ := json.Marshal(map[string]json.RawMessage{
		"type":    json.RawMessage(`"send"`),
		"payload": json.RawMessage(`{"type":"log","message":"hi"}`),
	})
	if _, ok := ExtractAgentEventBatch(raw); ok {
		t.Fatal("ExtractAgentEventBatch() ok = true for a non-events payload, want false")
	}
}

func TestTranslateAgentMessageInvokesOnPauseHook(t *testing.T) {
	w := NewWriter(testDB(t), "sess1", 0)
	var captured PauseInfo
	w.OnPause = func(info PauseInfo) { captured = info }

	payload := `{"type":"events","events":[{"type":"pause","threadId":3,"breakpointId":"bp1"}]}`
	raw, _ := json.Marshal(map[string]json.RawMessage{
		"type":    json.RawMessage(`"send"`),
		"payload": json.RawMessage(payload),
	})

	w.translateAgentMessage(raw, 99)
	if captured.ThreadID != 3 || captured.BreakpointID != "bp1" {
		t.Fatalf("OnPause hook not invoked with expected info: %+v", captured)
	}
}

func TestRunFlushesOnChannelClose(t *testing.T) {
	db := testDB(t)
	w := NewWriter(db, "sess1", 0)
	in := make(chan coordinator.Event, 1)
	in <- coordinator.Event{SessionID: "sess1", PID: 1, Kind: "stdout", Data: []byte("hi"), At: time.Now()}
	close(in)

	done := make(chan struct{})
	go func() {
		w.Run(in)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after the input channel closed")
	}
}
