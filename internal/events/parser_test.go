package events

import (
	"encoding/json"
	"testing"

	"github.com/strobe-dev/strobe/internal/store"
)

func TestParseFunctionEnter(t *testing.T) {
	raw := json.RawMessage(`{"type":"function_enter","id":"e1","timestampNs":1000,"threadId":7,"functionName":"main.Run","pid":42}`)
	e, ok := Parse(raw, "sess1", 500)
	if !ok {
		t.Fatal("Parse() ok = false, want true")
	}
	if e.Kind != store.KindFunctionEnter || e.FunctionName != "main.Run" || e.TimestampNs != 500 || e.PID != 42 {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestParseUnknownTypeRejected(t *testing.T) {
	raw := json.RawMessage(`{"type":"mystery"}`)
	if _, ok := Parse(raw, "sess1", 0); ok {
		t.Fatal("Parse() ok = true for unknown type, want false")
	}
}

func TestParseMalformedJSONRejected(t *testing.T) {
	if _, ok := Parse(json.RawMessage(`{not json`), "sess1", 0); ok {
		t.Fatal("Parse() ok = true for malformed JSON, want false")
	}
}

func TestParseGeneratesIDWhenMissing(t *testing.T) {
	raw := json.RawMessage(`{"type":"stdout","threadId":3}`)
	e, ok := Parse(raw, "sess1", 0)
	if !ok {
		t.Fatal("Parse() ok = false")
	}
	if e.ID == "" {
		t.Fatal("expected a generated ID when the wire event omits one")
	}
}

func TestParseBatchDropsMalformedEntriesIndividually(t *testing.T) {
	batch := []json.RawMessage{
		json.RawMessage(`{"type":"function_enter","id":"a"}`),
		json.RawMessage(`{bad`),
		json.RawMessage(`{"type":"function_exit","id":"b"}`),
	}
	out := ParseBatch(batch, "sess1", 0)
	if len(out) != 2 {
		t.Fatalf("ParseBatch() len = %d, want 2 (malformed entry dropped)", len(out))
	}
}

func TestParsePauseInfoExtractsWireFields(t *testing.T) {
	raw := json.RawMessage(`{"type":"pause","threadId":9,"breakpointId":"bp1","pc":4096,"returnAddress":8192,"hasReturnAddress":true,"functionName":"main.Step"}`)
	info, ok := ParsePauseInfo(raw)
	if !ok {
		t.Fatal("ParsePauseInfo() ok = false, want true")
	}
	if info.ThreadID != 9 || info.BreakpointID != "bp1" || info.PC != 4096 || info.ReturnAddress != 8192 || !info.HasReturnAddr || info.FunctionName != "main.Step" {
		t.Fatalf("unexpected PauseInfo: %+v", info)
	}
}

func TestParsePauseInfoRejectsNonPauseEvents(t *testing.T) {
	raw := json.RawMessage(`{"type":"function_enter","threadId":9}`)
	if _, ok := ParsePauseInfo(raw); ok {
		t.Fatal("ParsePauseInfo() ok = true for a non-pause event, want false")
	}
}
