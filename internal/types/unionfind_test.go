package types

import (
	"sort"
	"testing"
)

func TestUnionFindSingletons(t *testing.T) {
	uf := NewUnionFind(5)
	comps := uf.Components()
	if len(comps) != 5 {
		t.Fatalf("expected 5 singleton components, got %d", len(comps))
	}
}

func TestUnionFindMerges(t *testing.T) {
	uf := NewUnionFind(6)
	uf.Union(0, 1)
	uf.Union(1, 2)
	uf.Union(4, 5)

	comps := uf.Components()
	var sizes []int
	for _, c := range comps {
		sizes = append(sizes, len(c))
	}
	sort.Ints(sizes)
	if got, want := sizes, []int{1, 2, 3}; !equalInts(got, want) {
		t.Fatalf("component sizes = %v, want %v", got, want)
	}

	if uf.Find(0) != uf.Find(2) {
		t.Error("0 and 2 should be in the same set")
	}
	if uf.Find(3) == uf.Find(4) {
		t.Error("3 and 4 should not be in the same set")
	}
}

func TestUnionFindSelfUnionNoOp(t *testing.T) {
	uf := NewUnionFind(3)
	uf.Union(0, 0)
	if len(uf.Components()) != 3 {
		t.Error("unioning a node with itself should not merge anything")
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
