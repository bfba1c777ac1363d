package events

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/strobe-dev/strobe/internal/coordinator"
	"github.com/strobe-dev/strobe/internal/engine"
	"github.com/strobe-dev/strobe/internal/store"
)

const (
	batchFlushSize     = 100
	batchFlushInterval = 10 * time.Millisecond
)

// eventsPayload is the inner shape of a `send` envelope whose type is
// "events": a batch of raw agent events.
type eventsPayload struct {
	Events []json.RawMessage `json:"events"`
}

// Writer drains a session's coordinator.Event channel, translates
// stdout/stderr and agent messages into store.Event rows, and flushes
// them in batches. One Writer per session.
type Writer struct {
	db        *store.DB
	sessionID string
	originNs  int64

	crashedPIDs map[int]bool

	// OnEach, when set, is called for every translated event before
	// crash-gating is applied, so a caller can react to live events
	// independently of whether the event is ultimately persisted.
	OnEach func(store.Event)

	// OnPause, when set, is called for every raw agent event that
	// parses as a pause, with the wire fields store.Event doesn't
	// carry. Lets a caller (the Session Manager) populate its pause
	// registry without a second reader on the same event channel.
	OnPause func(PauseInfo)
}

// NewWriter constructs a Writer bound to db for sessionID. originNs
// should be the session's start time in nanoseconds, used to make event
// timestamps relative to session origin.
func NewWriter(db *store.DB, sessionID string, originNs int64) *Writer {
	return &Writer{db: db, sessionID: sessionID, originNs: originNs, crashedPIDs: make(map[int]bool)}
}

// Run drains events until the channel is closed, batching at
// batchFlushSize events or batchFlushInterval, whichever comes first.
// Intended to be launched via util.SafeGo.
func (w *Writer) Run(in <-chan coordinator.Event) {
	ticker := time.NewTicker(batchFlushInterval)
	defer ticker.Stop()

	var pending []store.Event
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := w.db.InsertEventsBatch(pending); err != nil {
			fmt.Fprintf(os.Stderr, "[strobe] events writer: batch insert for session %s failed: %v\n", w.sessionID, err)
		}
		pending = pending[:0]
	}

	for {
		select {
		case evt, ok := <-in:
			if !ok {
				flush()
				return
			}
			translated := w.translate(evt)
			if w.OnEach != nil {
				for _, e := range translated {
					w.OnEach(e)
				}
			}
			pending = append(pending, w.admit(translated)...)
			if len(pending) >= batchFlushSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// admit drops any event whose PID already produced a Crash event: "no
// events from the same PID are persisted after a Crash event is
// recorded."
func (w *Writer) admit(candidates []store.Event) []store.Event {
	out := candidates[:0]
	for _, e := range candidates {
		if w.crashedPIDs[e.PID] {
			continue
		}
		if e.Kind == store.KindCrash {
			w.crashedPIDs[e.PID] = true
		}
		out = append(out, e)
	}
	return out
}

func (w *Writer) translate(evt coordinator.Event) []store.Event {
	switch evt.Kind {
	case "stdout", "stderr":
		kind := store.KindStdout
		if evt.Kind == "stderr" {
			kind = store.KindStderr
		}
		return []store.Event{{
			ID:          fmt.Sprintf("%s-%d-%d", w.sessionID, evt.PID, evt.At.UnixNano()),
			SessionID:   w.sessionID,
			TimestampNs: evt.At.UnixNano() - w.originNs,
			Kind:        kind,
			Text:        string(evt.Data),
			PID:         evt.PID,
		}}
	case "agent_message":
		return w.translateAgentMessage(evt.Data, evt.PID)
	default:
		return nil
	}
}

func (w *Writer) translateAgentMessage(raw []byte, pid int) []store.Event {
	rawEvents, ok := ExtractAgentEventBatch(raw)
	if !ok {
		return nil
	}

	if w.OnPause != nil {
		for _, r := range rawEvents {
			if info, ok := ParsePauseInfo(r); ok {
				w.OnPause(info)
			}
		}
	}

	parsed := ParseBatch(rawEvents, w.sessionID, w.originNs)
	for i := range parsed {
		if parsed[i].PID == 0 {
			parsed[i].PID = pid
		}
	}
	return parsed
}

// ExtractAgentEventBatch unwraps a `send` envelope whose payload type is
// "events" into its raw event array. ok=false for any other envelope or
// payload shape (heartbeats, acks, malformed JSON).
func ExtractAgentEventBatch(raw []byte) ([]json.RawMessage, bool) {
	var env engine.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != "send" {
		return nil, false
	}
	var inner struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(env.Payload, &inner); err != nil || inner.Type != engine.PayloadEvents {
		return nil, false
	}
	var batch eventsPayload
	if err := json.Unmarshal(env.Payload, &batch); err != nil {
		return nil, false
	}
	return batch.Events, true
}
