package pending

import (
	"errors"
	"testing"
)

func TestRegisterResolve(t *testing.T) {
	tbl := NewTable[string]()
	if err := tbl.Register(Entry[string]{CorrelationID: "a1", Caller: "tab-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tbl.Register(Entry[string]{CorrelationID: "a2", Caller: "tab-2"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	e, ok := tbl.Resolve("a2")
	if !ok || e.Caller != "tab-2" {
		t.Fatalf("resolve a2: %+v %v", e, ok)
	}
	if tbl.Len() != 1 {
		t.Fatalf("len after resolve: %d", tbl.Len())
	}
	if _, ok := tbl.Resolve("a2"); ok {
		t.Fatalf("a2 resolved twice")
	}
	if _, ok := tbl.Resolve("never"); ok {
		t.Fatalf("unknown id resolved")
	}
	if tbl.Len() != 1 {
		t.Fatalf("failed resolves must not change the table: %d", tbl.Len())
	}
}

func TestRegisterDuplicate(t *testing.T) {
	tbl := NewTable[int]()
	if err := tbl.Register(Entry[int]{CorrelationID: "x", Caller: 1}); err != nil {
		t.Fatal(err)
	}
	err := tbl.Register(Entry[int]{CorrelationID: "x", Caller: 2})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	e, _ := tbl.Resolve("x")
	if e.Caller != 1 {
		t.Fatalf("duplicate overwrote the original entry")
	}
}

func TestDrainAllInsertionOrder(t *testing.T) {
	tbl := NewTable[int]()
	ids := []string{"9", "10", "2", "33", "1"}
	for i, id := range ids {
		if err := tbl.Register(Entry[int]{CorrelationID: id, Caller: i}); err != nil {
			t.Fatal(err)
		}
	}
	tbl.Resolve("2")
	drained := tbl.DrainAll()
	want := []string{"9", "10", "33", "1"}
	if len(drained) != len(want) {
		t.Fatalf("drained %d entries", len(drained))
	}
	for i, e := range drained {
		if e.CorrelationID != want[i] {
			t.Fatalf("drain order %d: got %s want %s", i, e.CorrelationID, want[i])
		}
	}
	if tbl.Len() != 0 || len(tbl.DrainAll()) != 0 {
		t.Fatalf("table not empty after drain")
	}
}

func TestIDSourceStrictlyIncreasing(t *testing.T) {
	src := NewIDSource("r")
	seen := map[string]bool{}
	for i := 0; i < 10000; i++ {
		id := src.Next()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	if got := NewIDSource("").Next(); got != "1" {
		t.Fatalf("first id: %s", got)
	}
}
