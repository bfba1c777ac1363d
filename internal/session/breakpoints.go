package session

import (
	"fmt"

	"github.com/strobe-dev/strobe/internal/engine"
	"github.com/strobe-dev/strobe/internal/strobeerr"
	"github.com/strobe-dev/strobe/internal/symbols"
)

// SetBreakpointOptions describes a breakpoint or logpoint request. A
// non-empty Message makes it a logpoint.
type SetBreakpointOptions struct {
	ID         string
	Function   string // mutually exclusive with File/Line
	File       string
	Line       int
	Condition  string
	HitCeiling int
	Message    string
}

// breakpointMessage is the wire payload for a breakpoint/logpoint set
// request.
type breakpointMessage struct {
	ID         string `json:"id"`
	Address    uint64 `json:"address"`
	Condition  string `json:"condition,omitempty"`
	HitCeiling int    `json:"hitCeiling,omitempty"`
	Message    string `json:"message,omitempty"`
	OneShot    bool   `json:"oneShot,omitempty"`
}

// SetBreakpoint resolves function-or-(file,line) to an address and posts
// a breakpoint/logpoint wire message. Enforces the per-session cap
// (50 breakpoints, 100 logpoints).
func (m *Manager) SetBreakpoint(id string, opts SetBreakpointOptions) error {
	st, err := m.state(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	var bpCount, lpCount int
	for _, b := range st.breakpoints {
		if b.Message != "" {
			lpCount++
		} else {
			bpCount++
		}
	}
	st.mu.Unlock()

	isLogpoint := opts.Message != ""
	if isLogpoint && lpCount >= maxLogpoints {
		return strobeerr.Validation("logpoint count exceeds the limit of %d", maxLogpoints)
	}
	if !isLogpoint && bpCount >= maxBreakpoints {
		return strobeerr.Validation("breakpoint count exceeds the limit of %d", maxBreakpoints)
	}

	parser, err := st.dwarf.Get()
	if err != nil {
		return strobeerr.New(strobeerr.CodeNoDebugSymbols, "%v", err)
	}

	var address uint64
	switch {
	case opts.Function != "":
		fns := parser.FindByName(opts.Function)
		if len(fns) == 0 {
			return strobeerr.Validation("no function named %q", opts.Function)
		}
		address = fns[0].LowPC
	case opts.File != "":
		addr, _, nearest, ok := parser.ResolveLine(opts.File, opts.Line)
		if !ok {
			return strobeerr.NoCodeAtLine(opts.File, opts.Line, nearest)
		}
		address = addr
	default:
		return strobeerr.Validation("breakpoint requires either a function name or a file:line")
	}

	bp := &Breakpoint{
		ID: opts.ID, Address: address, File: opts.File, Line: opts.Line,
		Condition: opts.Condition, HitCeiling: opts.HitCeiling, Message: opts.Message,
	}

	st.mu.Lock()
	st.breakpoints[bp.ID] = bp
	worker := st.worker
	imageBase := st.imageBase
	st.mu.Unlock()

	msgType := engine.MsgBreakpoint
	if isLogpoint {
		msgType = engine.MsgLogpoint
	}
	payload := breakpointMessage{
		ID: bp.ID, Address: bp.Address + imageBase, Condition: bp.Condition,
		HitCeiling: bp.HitCeiling, Message: bp.Message,
	}
	return worker.Post(msgType, payload)
}

// RemoveBreakpoint drops the bookkeeping record. Removal is idempotent.
func (m *Manager) RemoveBreakpoint(id, breakpointID string) error {
	st, err := m.state(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	delete(st.breakpoints, breakpointID)
	st.mu.Unlock()
	return nil
}

// StepAction is one of the debug_continue actions.
type StepAction string

const (
	StepContinue StepAction = "continue"
	StepOver     StepAction = "step-over"
	StepInto     StepAction = "step-into"
	StepOut      StepAction = "step-out"
)

// DebugContinue implements the Step Engine (C14): it must find at least
// one paused thread for the session, then for step actions it computes a
// target address from the paused thread's PC/return-address/DWARF
// next-line information, installs a one-shot hook, and resumes.
func (m *Manager) DebugContinue(id string, threadID string, action StepAction) error {
	st, err := m.state(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	record, paused := st.paused[threadID]
	worker := st.worker
	imageBase := st.imageBase
	st.mu.Unlock()
	if !paused {
		return strobeerr.Validation("no paused thread %q for session %q", threadID, id)
	}

	if action == StepContinue {
		st.mu.Lock()
		delete(st.paused, threadID)
		st.mu.Unlock()
		return worker.Post("continue", map[string]string{"threadId": threadID})
	}

	parser, err := st.dwarf.Get()
	if err != nil {
		return strobeerr.New(strobeerr.CodeNoDebugSymbols, "%v", err)
	}

	target, err := resolveStepTarget(parser, record, action)
	if err != nil {
		return err
	}

	st.mu.Lock()
	st.stepCounter++
	stepID := fmt.Sprintf("step-%d", st.stepCounter)
	delete(st.paused, threadID)
	st.mu.Unlock()

	payload := breakpointMessage{ID: stepID, Address: target + imageBase, OneShot: true}
	return worker.Post(engine.MsgStep, payload)
}

// resolveStepTarget computes the address a one-shot step hook should land
// on, given the paused thread's pause record:
//
//   - step-over resolves DWARF for the next source line in the same
//     function; if the paused PC is already on the function's last line,
//     it falls through to step-out.
//   - step-into installs at the same fall-through address as step-over;
//     the engine tolerates that ambiguity rather than distinguishing a
//     call target, matching the documented limitation for a static
//     (non-live) DWARF view.
//   - step-out uses the captured return address, or fails with a
//     descriptive error when none was captured.
func resolveStepTarget(parser *symbols.Parser, record PauseRecord, action StepAction) (uint64, error) {
	switch action {
	case StepOut:
		if !record.HasReturnAddr {
			return 0, strobeerr.Validation("cannot step-out: no captured return address for this pause")
		}
		return record.ReturnAddress, nil

	case StepOver, StepInto:
		fn, ok := parser.FunctionAtAddress(record.PC)
		if ok {
			if next, ok := parser.NextLineAddress(fn, record.PC); ok {
				return next, nil
			}
		}
		// Last line of the function (or function unknown): fall through
		// to step-out.
		if record.HasReturnAddr {
			return record.ReturnAddress, nil
		}
		return 0, strobeerr.Validation("cannot resolve a step target: no next-line or return-address information for this pause")

	default:
		return 0, strobeerr.Validation("unknown step action %q", action)
	}
}

// RecordPause is invoked by the Event Parser when a Pause event for this
// session arrives; it populates the pause registry.
func (m *Manager) RecordPause(id, threadID string, record PauseRecord) error {
	st, err := m.state(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.paused[threadID] = record
	st.mu.Unlock()
	return nil
}

// PausedThreads returns a snapshot of the paused-thread registry for a
// session, keyed by thread id.
func (m *Manager) PausedThreads(id string) (map[string]PauseRecord, error) {
	st, err := m.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]PauseRecord, len(st.paused))
	for k, v := range st.paused {
		out[k] = v
	}
	return out, nil
}
