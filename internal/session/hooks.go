package session

import (
	"fmt"

	"github.com/strobe-dev/strobe/internal/engine"
	"github.com/strobe-dev/strobe/internal/hook"
	"github.com/strobe-dev/strobe/internal/strobeerr"
	"github.com/strobe-dev/strobe/internal/symbols"
)

// AddPatternsResult is the outcome of an AddPatterns call: the count that
// actually landed plus any non-fatal warnings (truncation, per-pattern
// resolution errors).
type AddPatternsResult struct {
	InstalledCount int
	Warnings       []string
}

type resolvedMatch struct {
	pattern string
	fn      symbols.FunctionInfo
	mode    hook.Mode
}

// AddPatterns resolves each pattern against DWARF, classifies per
// (pattern, match count), enforces the per-call cap (dropping Light
// entries first on truncation), chunks the survivors, and sends them to
// the session worker sequentially.
func (m *Manager) AddPatterns(id string, patterns []string, separator string) (AddPatternsResult, error) {
	st, err := m.state(id)
	if err != nil {
		return AddPatternsResult{}, err
	}

	parser, err := st.dwarf.Get()
	if err != nil {
		return AddPatternsResult{}, strobeerr.New(strobeerr.CodeNoDebugSymbols, "%v", err)
	}

	var result AddPatternsResult
	var matches []resolvedMatch

	for _, pat := range patterns {
		fns, err := parser.FindByPattern(pat, separator, st.projectRoot)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("pattern %q: %v", pat, err))
			continue
		}
		mode := hook.ClassifyWithCount(pat, len(fns))
		for _, fn := range fns {
			matches = append(matches, resolvedMatch{pattern: pat, fn: fn, mode: mode})
		}
	}

	if len(matches) > maxHooksPerCall {
		result.Warnings = append(result.Warnings, fmt.Sprintf("pattern matched %d functions (limit: %d), truncating", len(matches), maxHooksPerCall))
		matches = truncatePreferringLightDrop(matches, maxHooksPerCall)
	}

	st.mu.Lock()
	seenPatterns := make(map[string]bool, len(st.patterns))
	for _, p := range st.patterns {
		seenPatterns[p] = true
	}
	for _, pat := range patterns {
		if !seenPatterns[pat] {
			st.patterns = append(st.patterns, pat)
			seenPatterns[pat] = true
		}
	}
	imageBase := st.imageBase
	worker := st.worker
	st.mu.Unlock()

	for _, group := range groupByMode(matches) {
		modeStr := "full"
		if group.mode == hook.Light {
			modeStr = "light"
		}
		for _, chunk := range chunkMatches(group.matches, hookChunkSize) {
			functions := make([]engine.FunctionTarget, 0, len(chunk))
			for _, mm := range chunk {
				functions = append(functions, engine.FunctionTarget{
					Address:    mm.fn.LowPC,
					Name:       mm.fn.Name,
					NameRaw:    mm.fn.NameRaw,
					SourceFile: mm.fn.SourceFile,
					LineNumber: mm.fn.Line,
				})
			}
			count, err := worker.AddPatterns(functions, imageBase, modeStr, 0)
			if err != nil {
				result.Warnings = append(result.Warnings, fmt.Sprintf("chunk install error: %v", err))
				continue
			}
			result.InstalledCount += count
		}
	}

	st.mu.Lock()
	st.hookCount += result.InstalledCount
	for _, mm := range matches {
		st.patternMode[mm.pattern] = string(mm.mode)
	}
	st.mu.Unlock()

	return result, nil
}

// RemovePatterns resolves patterns, posts a removal message, and updates
// the active-pattern set. Removals never error on missing patterns.
func (m *Manager) RemovePatterns(id string, patterns []string, separator string) error {
	st, err := m.state(id)
	if err != nil {
		return err
	}
	parser, err := st.dwarf.Get()
	if err != nil {
		return strobeerr.New(strobeerr.CodeNoDebugSymbols, "%v", err)
	}

	var functions []engine.FunctionTarget
	for _, pat := range patterns {
		fns, err := parser.FindByPattern(pat, separator, st.projectRoot)
		if err != nil {
			continue
		}
		for _, fn := range fns {
			functions = append(functions, engine.FunctionTarget{Address: fn.LowPC, Name: fn.Name})
		}
	}

	st.mu.Lock()
	worker := st.worker
	remaining := st.patterns[:0]
	toRemove := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		toRemove[p] = true
		delete(st.patternMode, p)
	}
	for _, p := range st.patterns {
		if !toRemove[p] {
			remaining = append(remaining, p)
		}
	}
	st.patterns = remaining
	st.mu.Unlock()

	if len(functions) == 0 {
		return nil
	}
	return worker.RemovePatterns(functions)
}

func truncatePreferringLightDrop(matches []resolvedMatch, limit int) []resolvedMatch {
	if len(matches) <= limit {
		return matches
	}
	var full, light []resolvedMatch
	for _, m := range matches {
		if m.mode == hook.Light {
			light = append(light, m)
		} else {
			full = append(full, m)
		}
	}
	kept := make([]resolvedMatch, 0, limit)
	kept = append(kept, full...)
	remaining := limit - len(kept)
	if remaining < 0 {
		return kept[:limit]
	}
	if remaining > len(light) {
		remaining = len(light)
	}
	kept = append(kept, light[:remaining]...)
	return kept
}

type modeGroup struct {
	mode    hook.Mode
	matches []resolvedMatch
}

// groupByMode partitions matches by hook mode so each install chunk only
// ever contains functions classified the same way; chunkMatches must never
// see a mode-mixed slice, or a chunk gets installed under one mode while
// carrying functions classified under another.
func groupByMode(matches []resolvedMatch) []modeGroup {
	var full, light []resolvedMatch
	for _, m := range matches {
		if m.mode == hook.Light {
			light = append(light, m)
		} else {
			full = append(full, m)
		}
	}
	var groups []modeGroup
	if len(full) > 0 {
		groups = append(groups, modeGroup{mode: hook.Full, matches: full})
	}
	if len(light) > 0 {
		groups = append(groups, modeGroup{mode: hook.Light, matches: light})
	}
	return groups
}

func chunkMatches(matches []resolvedMatch, size int) [][]resolvedMatch {
	if len(matches) == 0 {
		return nil
	}
	var chunks [][]resolvedMatch
	for i := 0; i < len(matches); i += size {
		end := i + size
		if end > len(matches) {
			end = len(matches)
		}
		chunks = append(chunks, matches[i:end])
	}
	return chunks
}
