package walletstore

import (
	"errors"
	"testing"
)

func TestMemStoreGetPutDelete(t *testing.T) {
	s := NewMemStore()
	inst, err := s.Instance("addr")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := inst.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := inst.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	v, err := inst.Get([]byte("k"))
	if err != nil || string(v) != "v" {
		t.Fatalf("got %q, %v", v, err)
	}

	if err := inst.Delete([]byte("k")); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemStoreEntriesRange(t *testing.T) {
	s := NewMemStore()
	inst, _ := s.Instance("hist")
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		if err := inst.Put([]byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	err := inst.Entries(Range{Gt: []byte("b"), Lt: []byte("e")}, func(k, v []byte) bool {
		got = append(got, string(k))
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestMemStoreEntriesReverse(t *testing.T) {
	s := NewMemStore()
	inst, _ := s.Instance("hist")
	for _, k := range []string{"a", "b", "c"} {
		inst.Put([]byte(k), []byte(k))
	}
	var got []string
	inst.Entries(Range{Reverse: true}, func(k, v []byte) bool {
		got = append(got, string(k))
		return true
	})
	want := []string{"c", "b", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestMemStoreEntriesStopEarly(t *testing.T) {
	s := NewMemStore()
	inst, _ := s.Instance("hist")
	for _, k := range []string{"a", "b", "c"} {
		inst.Put([]byte(k), []byte(k))
	}
	var got []string
	inst.Entries(Range{}, func(k, v []byte) bool {
		got = append(got, string(k))
		return len(got) < 2
	})
	if len(got) != 2 {
		t.Fatalf("expected scan to stop after 2 entries, got %v", got)
	}
}

func TestMemStoreClear(t *testing.T) {
	s := NewMemStore()
	inst, _ := s.Instance("hist")
	inst.Put([]byte("a"), []byte("1"))
	if err := inst.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.Get([]byte("a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected empty store after Clear")
	}
}
