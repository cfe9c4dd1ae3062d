package hdpath

import "testing"

func TestPathString(t *testing.T) {
	p := Path{Purpose: 84, Coin: 0, Account: 0, Change: ExternalChain, Index: 5}
	want := "m/84'/0'/0'/0/5"
	if got := p.String(); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestGetAddressType(t *testing.T) {
	cases := map[uint32]AddressType{
		44: P2PKH,
		49: P2SHP2WPKH,
		84: P2WPKH,
		86: P2TR,
		12: UnknownType,
	}
	for purpose, want := range cases {
		if got := GetAddressType(purpose); got != want {
			t.Fatalf("purpose %d: got %v want %v", purpose, got, want)
		}
	}
}

func TestWalkerNextAndAdvance(t *testing.T) {
	w := NewWalker(84, 0, 0)

	first := w.Next(ExternalChain)
	if first.Index != 0 {
		t.Fatalf("expected first index 0, got %d", first.Index)
	}
	w.Advance(ExternalChain, 0)

	second := w.Next(ExternalChain)
	if second.Index != 1 {
		t.Fatalf("expected second index 1, got %d", second.Index)
	}

	// Internal chain is independent.
	internalFirst := w.Next(InternalChain)
	if internalFirst.Index != 0 {
		t.Fatalf("expected internal first index 0, got %d", internalFirst.Index)
	}
}

func TestWalkerAdvanceNonMonotonicPanics(t *testing.T) {
	w := NewWalker(84, 0, 0)
	w.Advance(ExternalChain, 5)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on non-monotonic advance")
		}
	}()
	w.Advance(ExternalChain, 5)
}

func TestBump(t *testing.T) {
	p := Path{Index: 3}
	next := p.Bump()
	if next.Index != 4 {
		t.Fatalf("got %d want 4", next.Index)
	}
	if p.Index != 3 {
		t.Fatalf("Bump must not mutate receiver")
	}
}
