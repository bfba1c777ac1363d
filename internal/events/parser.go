// Package events implements the Event Parser (C9): a pure translation
// from agent wire envelopes into persisted store.Event records, plus the
// Crash Capture policy (C13) of admitting at most one crash event per
// PID.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/strobe-dev/strobe/internal/store"
)

// rawEvent mirrors the agent's wire shape for one event inside an
// `events` payload batch. Every field is optional except kind; callers
// decide which are mandatory per kind.
type rawEvent struct {
	Type            string          `json:"type"`
	ID              string          `json:"id"`
	TimestampNs     int64           `json:"timestampNs"`
	ThreadID        int64           `json:"threadId"`
	ThreadName      string          `json:"threadName"`
	ParentEventID   string          `json:"parentEventId"`
	FunctionName    string          `json:"functionName"`
	FunctionNameRaw string          `json:"functionNameRaw"`
	SourceFile      string          `json:"sourceFile"`
	LineNumber      int             `json:"lineNumber"`
	Arguments       json.RawMessage `json:"arguments"`
	ReturnValue     json.RawMessage `json:"returnValue"`
	DurationNs      *int64          `json:"durationNs"`
	Text            string          `json:"text"`
	PID             int             `json:"pid"`

	Signal       string          `json:"signal"`
	FaultAddress string          `json:"faultAddress"`
	Registers    json.RawMessage `json:"registers"`
	Backtrace    json.RawMessage `json:"backtrace"`
	Locals       json.RawMessage `json:"locals"`

	BreakpointID  string `json:"breakpointId"`
	PC            uint64 `json:"pc"`
	ReturnAddress uint64 `json:"returnAddress"`
	HasReturnAddr bool   `json:"hasReturnAddress"`
	Message       string `json:"message"`
}

var kindByWireType = map[string]store.Kind{
	"function_enter":    store.KindFunctionEnter,
	"function_exit":     store.KindFunctionExit,
	"stdout":            store.KindStdout,
	"stderr":            store.KindStderr,
	"crash":             store.KindCrash,
	"variable_snapshot": store.KindVariableSnapshot,
	"pause":             store.KindPause,
	"logpoint":          store.KindLogpoint,
	"condition_error":   store.KindConditionError,
}

// Parse translates one raw agent event into a store.Event. Returns
// ok=false for a malformed or unrecognized payload rather than erroring:
// a single bad event in a batch must not drop its siblings.
func Parse(raw json.RawMessage, sessionID string, originNs int64) (store.Event, bool) {
	var re rawEvent
	if err := json.Unmarshal(raw, &re); err != nil {
		return store.Event{}, false
	}
	kind, ok := kindByWireType[re.Type]
	if !ok {
		return store.Event{}, false
	}

	id := re.ID
	if id == "" {
		id = fmt.Sprintf("%s-%d-%d", sessionID, re.ThreadID, time.Now().UnixNano())
	}

	e := store.Event{
		ID:              id,
		SessionID:       sessionID,
		TimestampNs:     re.TimestampNs - originNs,
		ThreadID:        re.ThreadID,
		ThreadName:      re.ThreadName,
		ParentEventID:   re.ParentEventID,
		Kind:            kind,
		FunctionName:    re.FunctionName,
		FunctionNameRaw: re.FunctionNameRaw,
		SourceFile:      re.SourceFile,
		LineNumber:      re.LineNumber,
		Arguments:       re.Arguments,
		ReturnValue:     re.ReturnValue,
		DurationNs:      re.DurationNs,
		Text:            re.Text,
		PID:             re.PID,
	}

	switch kind {
	case store.KindCrash:
		e.Signal = re.Signal
		e.FaultAddress = re.FaultAddress
		e.Registers = re.Registers
		e.Backtrace = re.Backtrace
		e.Locals = re.Locals
	case store.KindPause, store.KindLogpoint:
		if re.BreakpointID != "" && e.Text == "" {
			e.Text = re.Message
		}
	}

	return e, true
}

// ParseBatch parses every element of an `events` payload's array,
// discarding malformed entries individually.
func ParseBatch(rawEvents []json.RawMessage, sessionID string, originNs int64) []store.Event {
	out := make([]store.Event, 0, len(rawEvents))
	for _, raw := range rawEvents {
		if e, ok := Parse(raw, sessionID, originNs); ok {
			out = append(out, e)
		}
	}
	return out
}

// PauseInfo carries the wire fields a Pause event needs for the
// session package's pause registry, none of which store.Event persists.
type PauseInfo struct {
	ThreadID      int64
	BreakpointID  string
	PC            uint64
	ReturnAddress uint64
	HasReturnAddr bool
	FunctionName  string
	Message       string
}

// ParsePauseInfo extracts PauseInfo from one raw agent event, ok=false
// unless the event is a "pause".
func ParsePauseInfo(raw json.RawMessage) (PauseInfo, bool) {
	var re rawEvent
	if err := json.Unmarshal(raw, &re); err != nil || re.Type != "pause" {
		return PauseInfo{}, false
	}
	return PauseInfo{
		ThreadID:      re.ThreadID,
		BreakpointID:  re.BreakpointID,
		PC:            re.PC,
		ReturnAddress: re.ReturnAddress,
		HasReturnAddr: re.HasReturnAddr,
		FunctionName:  re.FunctionName,
		Message:       re.Message,
	}, true
}
