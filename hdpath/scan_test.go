package hdpath

import "testing"

// fakeHistory simulates an address set with history at specific indices.
func fakeHistory(used map[uint32]bool) (ScriptHasher, HistoryChecker) {
	hasher := func(p Path) (scriptHash [32]byte, address string, err error) {
		scriptHash[0] = byte(p.Index)
		scriptHash[1] = byte(p.Index >> 8)
		return scriptHash, "addr", nil
	}
	checker := func(sh [32]byte) (bool, error) {
		idx := uint32(sh[0]) | uint32(sh[1])<<8
		return used[idx], nil
	}
	return hasher, checker
}

func TestScanGapLimitTermination(t *testing.T) {
	used := map[uint32]bool{0: true, 1: true, 5: true}
	hasher, checker := fakeHistory(used)

	w := NewWalker(84, 0, 0)
	result, err := w.Scan(ExternalChain, 0, 4, hasher, checker)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Found) != 3 {
		t.Fatalf("expected 3 found addresses, got %d: %+v", len(result.Found), result.Found)
	}
	// The empty run resets at index 5 (used), so the trailing run starts
	// at index 6 and termination happens once 4 consecutive empties
	// (6,7,8,9) are seen.
	if result.GapEnd != 6 {
		t.Fatalf("expected GapEnd 6, got %d", result.GapEnd)
	}
}

func TestScanAdvancesWalker(t *testing.T) {
	used := map[uint32]bool{0: true, 2: true}
	hasher, checker := fakeHistory(used)

	w := NewWalker(84, 0, 0)
	if _, err := w.Scan(ExternalChain, 0, 2, hasher, checker); err != nil {
		t.Fatal(err)
	}
	last, ok := w.LastIndex(ExternalChain)
	if !ok || last != 2 {
		t.Fatalf("expected last advanced index 2, got %d (ok=%v)", last, ok)
	}
}

func TestScanDefaultGapLimit(t *testing.T) {
	hasher, checker := fakeHistory(nil)
	w := NewWalker(84, 0, 0)
	result, err := w.Scan(ExternalChain, 0, 0, hasher, checker)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Found) != 0 {
		t.Fatalf("expected no addresses found, got %d", len(result.Found))
	}
	if result.GapEnd != 0 {
		t.Fatalf("expected GapEnd 0, got %d", result.GapEnd)
	}
}
