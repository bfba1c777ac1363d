package symbols

import "testing"

func TestReadyHandleResolvesImmediately(t *testing.T) {
	p := &Parser{functionsByName: make(map[string][]int)}
	h := Ready(p)

	got, err := h.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != p {
		t.Fatalf("Get() returned a different parser than the one passed to Ready")
	}
	if _, _, ok := h.TryBorrowParser(); !ok {
		t.Fatalf("TryBorrowParser should report ready immediately")
	}
}

func TestHandleClonesShareResult(t *testing.T) {
	p := &Parser{functionsByName: make(map[string][]int)}
	h1 := Ready(p)
	h2 := h1 // clone

	got1, _ := h1.Get()
	got2, _ := h2.Get()
	if got1 != got2 {
		t.Fatalf("clones of a Ready handle resolved to different values")
	}
}

func TestSpawnParseFailsOnMissingBinary(t *testing.T) {
	h := SpawnParse("/nonexistent/binary/path")
	_, err := h.Get()
	if err == nil {
		t.Fatalf("expected error for missing binary")
	}
	if !h.IsFailed() {
		t.Fatalf("IsFailed() should be true after a failed parse")
	}
}
