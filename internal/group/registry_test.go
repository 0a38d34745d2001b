package group

import (
	"testing"

	"github.com/pvdmeer/babbel/internal/wire"
)

func TestUpsertReplacesWholeRecord(t *testing.T) {
	r := NewRegistry()

	r.Upsert(wire.Group{ID: "g1", Name: "team", Members: []string{"x", "y"}})

	// A later snapshot with fewer members wins outright; snapshots are never
	// merged with the stored record.
	r.Upsert(wire.Group{ID: "g1", Name: "team", Members: []string{"x"}})

	g, ok := r.Get("g1")
	if !ok {
		t.Fatal("group missing")
	}
	if len(g.Members) != 1 || g.Members[0] != "x" {
		t.Fatalf("snapshot merged instead of replaced: %v", g.Members)
	}
}

func TestUpsertIdempotent(t *testing.T) {
	r := NewRegistry()
	g := wire.Group{ID: "g1", Name: "team", Members: []string{"a", "b"}}

	r.Upsert(g)
	r.Upsert(g)
	r.Upsert(g)

	if r.Len() != 1 {
		t.Fatalf("expected one record, got %d", r.Len())
	}
}

func TestSeedReplacesRegistry(t *testing.T) {
	r := NewRegistry()
	r.Upsert(wire.Group{ID: "stale", Name: "old"})

	r.Seed([]wire.Group{
		{ID: "g1", Name: "one", Members: []string{}},
		{ID: "g2", Name: "two", Members: []string{"a"}},
	})

	if _, ok := r.Get("stale"); ok {
		t.Fatal("seed did not drop the previous contents")
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", r.Len())
	}
}

func TestListSorted(t *testing.T) {
	r := NewRegistry()
	r.Upsert(wire.Group{ID: "bb"})
	r.Upsert(wire.Group{ID: "aa"})
	r.Upsert(wire.Group{ID: "cc"})

	list := r.List()
	if len(list) != 3 || list[0].ID != "aa" || list[2].ID != "cc" {
		t.Fatalf("not sorted: %+v", list)
	}
}

func TestSubscribeSeesUpserts(t *testing.T) {
	r := NewRegistry()
	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	r.Upsert(wire.Group{ID: "g1", Name: "team"})

	evt := <-ch
	if evt.Type != "upsert" || evt.Group == nil || evt.Group.ID != "g1" {
		t.Fatalf("unexpected event %+v", evt)
	}
}
