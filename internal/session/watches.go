package session

import (
	"fmt"

	"github.com/strobe-dev/strobe/internal/engine"
	"github.com/strobe-dev/strobe/internal/strobeerr"
	"github.com/strobe-dev/strobe/internal/symbols"
)

const maxTargetsPerCall = 16

// SetWatches resolves each watch's expression against the first function
// named by its FunctionName, at that function's entry address, then
// installs the full set on the session worker. Enforces the per-session cap of 32.
func (m *Manager) SetWatches(id string, specs []WatchSpec) (int, error) {
	st, err := m.state(id)
	if err != nil {
		return 0, err
	}
	if len(specs) > maxWatches {
		return 0, strobeerr.Validation("watch count %d exceeds the limit of %d", len(specs), maxWatches)
	}

	parser, err := st.dwarf.Get()
	if err != nil {
		return 0, strobeerr.New(strobeerr.CodeNoDebugSymbols, "%v", err)
	}

	watches := make(map[string]*Watch, len(specs))
	targets := make([]engine.WatchTarget, 0, len(specs))

	for _, spec := range specs {
		fn, ok := resolveRelativeFunction(parser, spec.FunctionName)
		if !ok {
			return 0, strobeerr.Validation("no function named %q to resolve watch %q against", spec.FunctionName, spec.Label)
		}
		recipe, err := parser.ResolveWatchExpression(fn, fn.LowPC, spec.Expression)
		if err != nil {
			return 0, strobeerr.WatchFailed(err.Error())
		}
		watches[spec.Label] = &Watch{Label: spec.Label, Recipe: *recipe, OnPatterns: spec.OnPatterns}
		targets = append(targets, engine.WatchTarget{
			Label: spec.Label, Address: recipe.BaseAddress, Size: recipe.FinalSize,
			TypeKind: string(recipe.TypeKind), DerefDepth: len(recipe.DerefChain),
			DerefOffset: recipe.DerefChain, TypeName: recipe.TypeName, OnPatterns: spec.OnPatterns,
		})
	}

	st.mu.Lock()
	worker := st.worker
	st.mu.Unlock()

	count, err := worker.SetWatches(targets)
	if err != nil {
		return 0, err
	}

	st.mu.Lock()
	st.watches = watches
	st.mu.Unlock()

	return count, nil
}

// WatchSpec is the caller-facing watch declaration before DWARF
// resolution.
type WatchSpec struct {
	Label        string
	FunctionName string
	Expression   string
	OnPatterns   []string
}

func resolveRelativeFunction(parser *symbols.Parser, name string) (symbols.FunctionInfo, bool) {
	fns := parser.FindByName(name)
	if len(fns) == 0 {
		return symbols.FunctionInfo{}, false
	}
	return fns[0], true
}

// ReadTarget/WriteTarget describe one memory access by watch label.
type ReadTarget struct {
	Label string
}

type WriteTarget struct {
	Label string
	Value string
}

// readMessage/writeMessage are the wire payloads for debug_read/write.
type readMessage struct {
	Label       string  `json:"label"`
	Address     uint64  `json:"address"`
	Size        int     `json:"size"`
	TypeKind    string  `json:"typeKind"`
	DerefOffset []int64 `json:"derefOffset"`
	ImageBase   uint64  `json:"imageBase"`
}

type writeMessage struct {
	readMessage
	Value string `json:"value"`
}

// ExecuteDebugRead validates up to 16 targets per call, resolves each
// against its active watch, and posts a read request per target. Poll
// mode is signalled by the caller wanting the immediate {polling: true}
// shape; this implementation posts the read and returns without
// correlating a response, matching the documented "result arrives as a
// VariableSnapshot event" contract.
func (m *Manager) ExecuteDebugRead(id string, targets []ReadTarget) error {
	if len(targets) == 0 || len(targets) > maxTargetsPerCall {
		return strobeerr.Validation("debug_read accepts 1-%d targets, got %d", maxTargetsPerCall, len(targets))
	}
	st, err := m.state(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	worker := st.worker
	imageBase := st.imageBase
	watches := st.watches
	st.mu.Unlock()

	for _, t := range targets {
		w, ok := watches[t.Label]
		if !ok {
			return strobeerr.Validation("no active watch named %q", t.Label)
		}
		payload := readMessage{
			Label: w.Label, Address: w.Recipe.BaseAddress, Size: w.Recipe.FinalSize,
			TypeKind: string(w.Recipe.TypeKind), DerefOffset: w.Recipe.DerefChain, ImageBase: imageBase,
		}
		if err := worker.Post(engine.MsgRead, payload); err != nil {
			return fmt.Errorf("session: debug_read %q: %w", t.Label, err)
		}
	}
	return nil
}

// ExecuteDebugWrite validates up to 16 targets per call and posts a write
// request per target.
func (m *Manager) ExecuteDebugWrite(id string, targets []WriteTarget) error {
	if len(targets) == 0 || len(targets) > maxTargetsPerCall {
		return strobeerr.Validation("debug_write accepts 1-%d targets, got %d", maxTargetsPerCall, len(targets))
	}
	st, err := m.state(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	worker := st.worker
	imageBase := st.imageBase
	watches := st.watches
	st.mu.Unlock()

	for _, t := range targets {
		w, ok := watches[t.Label]
		if !ok {
			return strobeerr.Validation("no active watch named %q", t.Label)
		}
		payload := writeMessage{
			readMessage: readMessage{
				Label: w.Label, Address: w.Recipe.BaseAddress, Size: w.Recipe.FinalSize,
				TypeKind: string(w.Recipe.TypeKind), DerefOffset: w.Recipe.DerefChain, ImageBase: imageBase,
			},
			Value: t.Value,
		}
		if err := worker.Post(engine.MsgWrite, payload); err != nil {
			return fmt.Errorf("session: debug_write %q: %w", t.Label, err)
		}
	}
	return nil
}
