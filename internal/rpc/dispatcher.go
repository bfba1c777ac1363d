package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/strobe-dev/strobe/internal/session"
	"github.com/strobe-dev/strobe/internal/store"
	"github.com/strobe-dev/strobe/internal/strobeerr"
)

// maxSessionsPerConnection is the hard cap on sessions a single
// connection may own at once.
const maxSessionsPerConnection = 10

// Dispatcher routes requests from connections to the Session Manager
// and Event Store, enforcing per-connection initialization and
// ownership rules.
type Dispatcher struct {
	sessions *session.Manager
	db       *store.DB
}

// New constructs a Dispatcher bound to the given Session Manager and
// Event Store.
func New(sessions *session.Manager, db *store.DB) *Dispatcher {
	return &Dispatcher{sessions: sessions, db: db}
}

// conn is the per-connection state the spec calls for: an
// initialization flag, an id, the set of sessions this connection
// owns (for cleanup on disconnect), and any patterns staged to apply
// to the connection's next spawn.
type conn struct {
	id              string
	mu              sync.Mutex
	initialized     bool
	ownedSessions   map[string]bool
	pendingPatterns []string
}

// Serve handles one accepted connection until it closes or a fatal
// framing error occurs. It reads newline-delimited JSON requests and
// writes newline-delimited JSON responses.
func (d *Dispatcher) Serve(nc net.Conn) {
	defer nc.Close()

	c := &conn{
		id:            uuid.NewString(),
		ownedSessions: make(map[string]bool),
	}
	defer d.cleanup(c)

	reader := bufio.NewReader(nc)
	var writeMu sync.Mutex

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			d.handleLine(c, line, nc, &writeMu)
		}
		if err != nil {
			return
		}
	}
}

func (d *Dispatcher) handleLine(c *conn, line []byte, w io.Writer, writeMu *sync.Mutex) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		d.reply(w, writeMu, Response{Error: strobeerr.Validation("malformed request: %v", err).AsJSON()})
		return
	}

	c.mu.Lock()
	wasInitialized := c.initialized
	c.mu.Unlock()

	if !wasInitialized && req.Method != MethodInitialize {
		d.reply(w, writeMu, Response{ID: req.ID, Error: strobeerr.Validation("connection must call %q before any other method", MethodInitialize).AsJSON()})
		return
	}

	result, err := d.dispatch(c, req)
	resp := Response{ID: req.ID}
	if err != nil {
		resp.Error = strobeerr.ToRPCError(err).AsJSON()
	} else {
		resp.Result = result
	}
	d.reply(w, writeMu, resp)
}

func (d *Dispatcher) reply(w io.Writer, writeMu *sync.Mutex, resp Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	b = append(b, '\n')
	writeMu.Lock()
	defer writeMu.Unlock()
	w.Write(b)
}

func (d *Dispatcher) dispatch(c *conn, req Request) (json.RawMessage, error) {
	switch req.Method {
	case MethodInitialize:
		return d.handleInitialize(c, req.Params)
	case "debug_spawn":
		return d.handleDebugSpawn(c, req.Params)
	case "debug_stop":
		return d.handleDebugStop(c, req.Params)
	case "debug_hooks_add":
		return d.handleHooksAdd(req.Params)
	case "debug_hooks_remove":
		return d.handleHooksRemove(req.Params)
	case "debug_breakpoint_set":
		return d.handleBreakpointSet(req.Params)
	case "debug_breakpoint_remove":
		return d.handleBreakpointRemove(req.Params)
	case "debug_watch_set":
		return d.handleWatchSet(req.Params)
	case "debug_read":
		return d.handleDebugRead(req.Params)
	case "debug_write":
		return d.handleDebugWrite(req.Params)
	case "debug_continue":
		return d.handleDebugContinue(req.Params)
	case "debug_events_query":
		return d.handleEventsQuery(req.Params)
	case "debug_status":
		return d.handleDebugStatus(req.Params)
	default:
		return nil, strobeerr.Validation("unknown method %q", req.Method)
	}
}

// cleanup runs on disconnect: pending patterns are dropped (simply by
// letting c be garbage collected) and every session this connection
// owns is stopped.
func (d *Dispatcher) cleanup(c *conn) {
	c.mu.Lock()
	owned := make([]string, 0, len(c.ownedSessions))
	for id := range c.ownedSessions {
		owned = append(owned, id)
	}
	c.mu.Unlock()

	for _, id := range owned {
		d.sessions.StopSession(id)
	}
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return strobeerr.Validation("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return strobeerr.Validation("malformed params: %v", err)
	}
	return nil
}

func marshalResult(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, strobeerr.Wrap(strobeerr.CodeInternal, fmt.Errorf("marshal result: %w", err))
	}
	return b, nil
}
