package session

import (
	"testing"

	"github.com/strobe-dev/strobe/internal/hook"
	"github.com/strobe-dev/strobe/internal/symbols"
)

func TestTruncatePreferringLightDropDropsLightFirst(t *testing.T) {
	t.Parallel()
	var matches []resolvedMatch
	for i := 0; i < 5; i++ {
		matches = append(matches, resolvedMatch{pattern: "full", fn: symbols.FunctionInfo{Name: "f"}, mode: hook.Full})
	}
	for i := 0; i < 5; i++ {
		matches = append(matches, resolvedMatch{pattern: "light", fn: symbols.FunctionInfo{Name: "l"}, mode: hook.Light})
	}

	kept := truncatePreferringLightDrop(matches, 7)
	if len(kept) != 7 {
		t.Fatalf("truncatePreferringLightDrop() len = %d, want 7", len(kept))
	}
	var full, light int
	for _, m := range kept {
		if m.mode == hook.Full {
			full++
		} else {
			light++
		}
	}
	if full != 5 || light != 2 {
		t.Fatalf("kept full=%d light=%d, want full=5 light=2 (Light dropped first)", full, light)
	}
}

func TestTruncatePreferringLightDropNoopUnderLimit(t *testing.T) {
	t.Parallel()
	matches := []resolvedMatch{
		{pattern: "a", mode: hook.Full},
		{pattern: "b", mode: hook.Light},
	}
	kept := truncatePreferringLightDrop(matches, 100)
	if len(kept) != 2 {
		t.Fatalf("truncatePreferringLightDrop() len = %d, want 2 (no truncation below limit)", len(kept))
	}
}

func TestChunkMatchesSplitsEvenlyWithRemainder(t *testing.T) {
	t.Parallel()
	matches := make([]resolvedMatch, 125)
	chunks := chunkMatches(matches, 50)
	if len(chunks) != 3 {
		t.Fatalf("chunkMatches() produced %d chunks, want 3", len(chunks))
	}
	if len(chunks[0]) != 50 || len(chunks[1]) != 50 || len(chunks[2]) != 25 {
		t.Fatalf("chunk sizes = %d/%d/%d, want 50/50/25", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}

func TestChunkMatchesEmptyInput(t *testing.T) {
	t.Parallel()
	if chunks := chunkMatches(nil, 50); chunks != nil {
		t.Fatalf("chunkMatches(nil) = %v, want nil", chunks)
	}
}
