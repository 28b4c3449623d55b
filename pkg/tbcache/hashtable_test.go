package tbcache

import (
	"testing"

	"tbcache/pkg/tb"
	"tbcache/pkg/types"
)

func placed(pc types.GuestAddr, cflags tb.CFlags) *tb.TB {
	t := tb.New(pc, 0, 0, cflags)
	t.Size = 4
	t.PageAddr[0] = types.PageAddr(pc).PageBase()
	return t
}

func TestHashTableInsertRemove(t *testing.T) {
	h := NewHashTable(5)
	if len(h.shards) != 8 {
		t.Errorf("shards = %d, want 8", len(h.shards))
	}

	a := placed(0x1000, 0)
	if _, ok := h.InsertIfAbsent(a); !ok {
		t.Fatal("first insert refused")
	}
	dup := placed(0x1000, 0)
	if existing, ok := h.InsertIfAbsent(dup); ok || existing != a {
		t.Errorf("duplicate insert = %v, %v, want %s, false", existing, ok, a)
	}
	if other := placed(0x1000, 1); h.Lookup(other.Key()) != nil {
		t.Error("lookup with different cflags hit")
	}

	// An invalid block no longer blocks its key.
	a.MarkInvalid()
	if h.Lookup(a.Key()) != nil {
		t.Error("Lookup returned an invalid block")
	}
	if _, ok := h.InsertIfAbsent(dup); !ok {
		t.Error("insert refused next to an invalid block")
	}
	if h.Len() != 2 {
		t.Errorf("Len = %d, want 2", h.Len())
	}

	if !h.Remove(a) || h.Remove(a) {
		t.Error("Remove(a) should succeed exactly once")
	}
	if h.Lookup(dup.Key()) != dup {
		t.Error("removing a dropped its valid twin")
	}

	h.Reset()
	if h.Len() != 0 || h.Lookup(dup.Key()) != nil {
		t.Error("table not empty after Reset")
	}
}

func TestHashTableRange(t *testing.T) {
	h := NewHashTable(4)
	for pc := types.GuestAddr(0); pc < 0x10000; pc += 0x1000 {
		h.InsertIfAbsent(placed(pc, 0))
	}
	n := 0
	h.Range(func(*tb.TB) bool {
		n++
		return true
	})
	if n != 16 {
		t.Errorf("Range visited %d blocks, want 16", n)
	}
}
