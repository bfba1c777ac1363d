package rpc

import (
	"context"
	"encoding/json"

	"github.com/strobe-dev/strobe/internal/session"
	"github.com/strobe-dev/strobe/internal/store"
	"github.com/strobe-dev/strobe/internal/strobeerr"
	"github.com/strobe-dev/strobe/internal/stuck"
)

type initializeParams struct {
	// ClientName is advisory, logged but not otherwise validated.
	ClientName string `json:"clientName"`
}

type initializeResult struct {
	ConnectionID string `json:"connectionId"`
}

func (d *Dispatcher) handleInitialize(c *conn, raw json.RawMessage) (json.RawMessage, error) {
	var params initializeParams
	// initialize tolerates an empty/omitted body; a client with
	// nothing to declare still needs to call it first.
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, strobeerr.Validation("malformed initialize params: %v", err)
		}
	}
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return marshalResult(initializeResult{ConnectionID: c.id})
}

type debugSpawnParams struct {
	BinaryPath  string            `json:"binaryPath"`
	Args        []string          `json:"args"`
	Cwd         string            `json:"cwd"`
	Env         map[string]string `json:"env"`
	ProjectRoot string            `json:"projectRoot"`
	DeferResume bool              `json:"deferResume"`
	Patterns    []string          `json:"patterns"`
}

type debugSpawnResult struct {
	SessionID string `json:"sessionId"`
	PID       int    `json:"pid"`
}

func (d *Dispatcher) handleDebugSpawn(c *conn, raw json.RawMessage) (json.RawMessage, error) {
	var params debugSpawnParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if params.BinaryPath == "" {
		return nil, strobeerr.Validation("binaryPath is required")
	}

	c.mu.Lock()
	ownedCount := len(c.ownedSessions)
	pending := append([]string(nil), c.pendingPatterns...)
	c.pendingPatterns = nil
	c.mu.Unlock()
	if ownedCount >= maxSessionsPerConnection {
		return nil, strobeerr.Validation("connection already owns %d sessions (limit: %d)", ownedCount, maxSessionsPerConnection)
	}

	sess, err := d.sessions.SpawnWithEngine(context.Background(), session.SpawnOptions{
		BinaryPath:  params.BinaryPath,
		Args:        params.Args,
		Cwd:         params.Cwd,
		Env:         params.Env,
		ProjectRoot: params.ProjectRoot,
		DeferResume: params.DeferResume,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.ownedSessions[sess.ID] = true
	c.mu.Unlock()

	patterns := params.Patterns
	if len(patterns) == 0 {
		patterns = pending
	}
	if len(patterns) > 0 {
		if _, err := d.sessions.AddPatterns(sess.ID, patterns, "::"); err != nil {
			return nil, err
		}
	}

	return marshalResult(debugSpawnResult{SessionID: sess.ID, PID: sess.PID})
}

type debugStopParams struct {
	SessionID string `json:"sessionId"`
}

type debugStopResult struct {
	DeletedEventCount uint64 `json:"deletedEventCount"`
}

func (d *Dispatcher) handleDebugStop(c *conn, raw json.RawMessage) (json.RawMessage, error) {
	var params debugStopParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	count, err := d.sessions.StopSession(params.SessionID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	delete(c.ownedSessions, params.SessionID)
	c.mu.Unlock()
	return marshalResult(debugStopResult{DeletedEventCount: count})
}

type hooksParams struct {
	SessionID string   `json:"sessionId"`
	Patterns  []string `json:"patterns"`
	Separator string   `json:"separator"`
}

func (d *Dispatcher) handleHooksAdd(raw json.RawMessage) (json.RawMessage, error) {
	var params hooksParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if len(params.Patterns) == 0 {
		return nil, strobeerr.Validation("patterns is required")
	}
	sep := params.Separator
	if sep == "" {
		sep = "::"
	}
	result, err := d.sessions.AddPatterns(params.SessionID, params.Patterns, sep)
	if err != nil {
		return nil, err
	}
	return marshalResult(result)
}

func (d *Dispatcher) handleHooksRemove(raw json.RawMessage) (json.RawMessage, error) {
	var params hooksParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	sep := params.Separator
	if sep == "" {
		sep = "::"
	}
	if err := d.sessions.RemovePatterns(params.SessionID, params.Patterns, sep); err != nil {
		return nil, err
	}
	return marshalResult(map[string]bool{"ok": true})
}

type breakpointSetParams struct {
	SessionID  string `json:"sessionId"`
	ID         string `json:"id"`
	Function   string `json:"function"`
	File       string `json:"file"`
	Line       int    `json:"line"`
	Condition  string `json:"condition"`
	HitCeiling int    `json:"hitCeiling"`
	Message    string `json:"message"`
}

func (d *Dispatcher) handleBreakpointSet(raw json.RawMessage) (json.RawMessage, error) {
	var params breakpointSetParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if params.ID == "" {
		return nil, strobeerr.Validation("id is required")
	}
	err := d.sessions.SetBreakpoint(params.SessionID, session.SetBreakpointOptions{
		ID: params.ID, Function: params.Function, File: params.File, Line: params.Line,
		Condition: params.Condition, HitCeiling: params.HitCeiling, Message: params.Message,
	})
	if err != nil {
		return nil, err
	}
	return marshalResult(map[string]bool{"ok": true})
}

type breakpointRemoveParams struct {
	SessionID    string `json:"sessionId"`
	BreakpointID string `json:"breakpointId"`
}

func (d *Dispatcher) handleBreakpointRemove(raw json.RawMessage) (json.RawMessage, error) {
	var params breakpointRemoveParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if err := d.sessions.RemoveBreakpoint(params.SessionID, params.BreakpointID); err != nil {
		return nil, err
	}
	return marshalResult(map[string]bool{"ok": true})
}

type watchSetParams struct {
	SessionID string           `json:"sessionId"`
	Watches   []watchSpecParam `json:"watches"`
}

type watchSpecParam struct {
	Label        string   `json:"label"`
	FunctionName string   `json:"functionName"`
	Expression   string   `json:"expression"`
	OnPatterns   []string `json:"onPatterns"`
}

type watchSetResult struct {
	ActiveCount int `json:"activeCount"`
}

func (d *Dispatcher) handleWatchSet(raw json.RawMessage) (json.RawMessage, error) {
	var params watchSetParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	specs := make([]session.WatchSpec, 0, len(params.Watches))
	for _, w := range params.Watches {
		specs = append(specs, session.WatchSpec{
			Label: w.Label, FunctionName: w.FunctionName, Expression: w.Expression, OnPatterns: w.OnPatterns,
		})
	}
	count, err := d.sessions.SetWatches(params.SessionID, specs)
	if err != nil {
		return nil, err
	}
	return marshalResult(watchSetResult{ActiveCount: count})
}

type readWriteParams struct {
	SessionID string            `json:"sessionId"`
	Targets   []readWriteTarget `json:"targets"`
}

type readWriteTarget struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

func (d *Dispatcher) handleDebugRead(raw json.RawMessage) (json.RawMessage, error) {
	var params readWriteParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	targets := make([]session.ReadTarget, 0, len(params.Targets))
	for _, t := range params.Targets {
		targets = append(targets, session.ReadTarget{Label: t.Label})
	}
	if err := d.sessions.ExecuteDebugRead(params.SessionID, targets); err != nil {
		return nil, err
	}
	return marshalResult(map[string]bool{"polling": true})
}

func (d *Dispatcher) handleDebugWrite(raw json.RawMessage) (json.RawMessage, error) {
	var params readWriteParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	targets := make([]session.WriteTarget, 0, len(params.Targets))
	for _, t := range params.Targets {
		targets = append(targets, session.WriteTarget{Label: t.Label, Value: t.Value})
	}
	if err := d.sessions.ExecuteDebugWrite(params.SessionID, targets); err != nil {
		return nil, err
	}
	return marshalResult(map[string]bool{"ok": true})
}

type debugContinueParams struct {
	SessionID string `json:"sessionId"`
	ThreadID  string `json:"threadId"`
	Action    string `json:"action"`
}

func (d *Dispatcher) handleDebugContinue(raw json.RawMessage) (json.RawMessage, error) {
	var params debugContinueParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	action := session.StepAction(params.Action)
	if action == "" {
		action = session.StepContinue
	}
	if err := d.sessions.DebugContinue(params.SessionID, params.ThreadID, action); err != nil {
		return nil, err
	}
	return marshalResult(map[string]bool{"ok": true})
}

type eventsQueryParams struct {
	SessionID          string `json:"sessionId"`
	Kind               string `json:"kind"`
	FunctionEquals     string `json:"functionEquals"`
	FunctionContains   string `json:"functionContains"`
	SourceFileContains string `json:"sourceFileContains"`
	PID                int    `json:"pid"`
	AfterEventRowID    int64  `json:"afterEventRowId"`
	Limit              int    `json:"limit"`
	Offset             int    `json:"offset"`
}

type debugStatusParams struct {
	SessionID       string `json:"sessionId"`
	RecentOutputMax int    `json:"recentOutputMax"`
}

type debugStatusResult struct {
	Warnings      []stuck.Warning      `json:"warnings"`
	PausedThreads []string             `json:"pausedThreads"`
	RecentOutput  []session.OutputLine `json:"recentOutput,omitempty"`
}

func (d *Dispatcher) handleDebugStatus(raw json.RawMessage) (json.RawMessage, error) {
	var params debugStatusParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	progress, err := d.sessions.Progress(params.SessionID)
	if err != nil {
		return nil, err
	}
	paused, err := d.sessions.PausedThreads(params.SessionID)
	if err != nil {
		return nil, err
	}
	threads := make([]string, 0, len(paused))
	for id := range paused {
		threads = append(threads, id)
	}

	result := debugStatusResult{Warnings: progress.Snapshot(), PausedThreads: threads}
	if params.RecentOutputMax > 0 {
		lines, err := d.sessions.RecentOutput(params.SessionID, params.RecentOutputMax)
		if err != nil {
			return nil, err
		}
		result.RecentOutput = lines
	}
	return marshalResult(result)
}

func (d *Dispatcher) handleEventsQuery(raw json.RawMessage) (json.RawMessage, error) {
	var params eventsQueryParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	page, err := d.db.QueryEvents(params.SessionID, store.Query{
		Kind:               store.Kind(params.Kind),
		FunctionEquals:     params.FunctionEquals,
		FunctionContains:   params.FunctionContains,
		SourceFileContains: params.SourceFileContains,
		PID:                params.PID,
		AfterEventRowID:    params.AfterEventRowID,
		Limit:              params.Limit,
		Offset:             params.Offset,
	})
	if err != nil {
		return nil, err
	}
	return marshalResult(page)
}
