/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"testing"
)

// TestCanonicalNameCompare tests the label-reversed ordering used by
// the tree and the denial chains.
func TestCanonicalNameCompare(t *testing.T) {
	testCases := []struct {
		a, b string
		want int
	}{
		{".", ".", 0},
		{".", "example.", -1},
		{"example.", "a.example.", -1},
		{"a.example.", "b.example.", -1},
		{"b.example.", "a.b.example.", -1},
		{"A.EXAMPLE.", "a.example.", 0},
		{"z.example.", "zz.example.", -1},
		{"*.example.", "a.example.", -1}, // '*' is 0x2a, below letters
		{"example.", "example.com.", 1},  // com. < example.
	}

	for _, tc := range testCases {
		t.Run(tc.a+" vs "+tc.b, func(t *testing.T) {
			got := CanonicalNameCompare(tc.a, tc.b)
			if got != tc.want {
				t.Errorf("CanonicalNameCompare(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
			}
			rev := CanonicalNameCompare(tc.b, tc.a)
			if rev != -tc.want {
				t.Errorf("CanonicalNameCompare(%q, %q) = %d, want %d", tc.b, tc.a, rev, -tc.want)
			}
		})
	}
}

// TestNameTreeInsert tests ancestor creation and the ordering of the
// owner list.
func TestNameTreeInsert(t *testing.T) {
	tree := NewNameTree()
	tree.Insert("www.sub.example.")
	tree.Insert("example.")
	tree.Insert("mail.example.")

	t.Run("AncestorsCreated", func(t *testing.T) {
		for _, name := range []string{".", "example.", "sub.example.", "www.sub.example."} {
			if _, ok := tree.Get(name); !ok {
				t.Errorf("expected node %q to exist", name)
			}
		}
	})

	t.Run("ParentLinks", func(t *testing.T) {
		n, _ := tree.Get("www.sub.example.")
		if n.Parent == nil || n.Parent.Name != "sub.example." {
			t.Errorf("wrong parent for www.sub.example.")
		}
	})

	t.Run("OwnersInOrder", func(t *testing.T) {
		want := []string{".", "example.", "mail.example.", "sub.example.", "www.sub.example."}
		owners := tree.OwnersInOrder()
		if len(owners) != len(want) {
			t.Fatalf("expected %d owners, got %d", len(want), len(owners))
		}
		for i, n := range owners {
			if n.Name != want[i] {
				t.Errorf("owner %d = %q, want %q", i, n.Name, want[i])
			}
		}
	})

	t.Run("InsertIsIdempotent", func(t *testing.T) {
		before := tree.Len()
		tree.Insert("mail.example.")
		if tree.Len() != before {
			t.Errorf("re-insert changed node count from %d to %d", before, tree.Len())
		}
	})
}

// TestNameTreeSearch tests the exact / closest match / closest encloser
// contract.
func TestNameTreeSearch(t *testing.T) {
	tree := NewNameTree()
	for _, name := range []string{"example.", "a.example.", "c.example.", "x.c.example."} {
		tree.Insert(name)
	}

	t.Run("Exact", func(t *testing.T) {
		exact, cm, ce := tree.Search("a.example.")
		if !exact || cm.Name != "a.example." || ce.Name != "a.example." {
			t.Errorf("exact search failed: %v %v %v", exact, cm.Name, ce.Name)
		}
	})

	t.Run("PredecessorAndEncloser", func(t *testing.T) {
		exact, cm, ce := tree.Search("b.example.")
		if exact {
			t.Fatal("b.example. should not exist")
		}
		if cm.Name != "a.example." {
			t.Errorf("closest match = %q, want a.example.", cm.Name)
		}
		if ce.Name != "example." {
			t.Errorf("closest encloser = %q, want example.", ce.Name)
		}
	})

	t.Run("EncloserBelowMatch", func(t *testing.T) {
		// y.c.example. sorts after x.c.example., encloser walks up to c.
		exact, cm, ce := tree.Search("y.c.example.")
		if exact {
			t.Fatal("y.c.example. should not exist")
		}
		if cm.Name != "x.c.example." {
			t.Errorf("closest match = %q, want x.c.example.", cm.Name)
		}
		if ce.Name != "c.example." {
			t.Errorf("closest encloser = %q, want c.example.", ce.Name)
		}
	})

	t.Run("DeepUnderLeaf", func(t *testing.T) {
		_, _, ce := tree.Search("deep.down.a.example.")
		if ce.Name != "a.example." {
			t.Errorf("closest encloser = %q, want a.example.", ce.Name)
		}
	})
}

// TestWildcardChildClosestMatch tests the wildcard shortcut under
// inserts and deletes.
func TestWildcardChildClosestMatch(t *testing.T) {
	tree := NewNameTree()
	parent := tree.Insert("example.")

	t.Run("NoChildren", func(t *testing.T) {
		if parent.WildcardChildClosestMatch != parent {
			t.Error("fresh node should point at itself")
		}
		if parent.WildcardChild() != nil {
			t.Error("no wildcard child expected")
		}
	})

	t.Run("WildcardInserted", func(t *testing.T) {
		wc := tree.Insert("*.example.")
		if parent.WildcardChildClosestMatch != wc {
			t.Errorf("closest match should be the wildcard, got %q", parent.WildcardChildClosestMatch.Name)
		}
		if parent.WildcardChild() != wc {
			t.Error("WildcardChild should return the wildcard node")
		}
	})

	t.Run("LaterSiblingDoesNotDisplace", func(t *testing.T) {
		tree.Insert("zzz.example.")
		if parent.WildcardChild() == nil {
			t.Error("sibling above *. displaced the wildcard match")
		}
	})

	t.Run("DeleteRestores", func(t *testing.T) {
		wc, _ := tree.Get("*.example.")
		tree.Delete(wc)
		if _, ok := tree.Get("*.example."); ok {
			t.Fatal("wildcard should be deleted")
		}
		if parent.WildcardChild() != nil {
			t.Error("deleted wildcard still reported as child")
		}
	})
}

// TestNameTreeDelete tests the upward cascade and its stop conditions.
func TestNameTreeDelete(t *testing.T) {
	t.Run("CascadeStopsAtData", func(t *testing.T) {
		tree := NewNameTree()
		apex := tree.Insert("example.")
		apex.IsApex = true
		leaf := tree.Insert("a.b.c.example.")
		tree.Delete(leaf)
		for _, name := range []string{"a.b.c.example.", "b.c.example.", "c.example."} {
			if _, ok := tree.Get(name); ok {
				t.Errorf("%q should have been cascade-deleted", name)
			}
		}
		if _, ok := tree.Get("example."); !ok {
			t.Error("apex must survive the cascade")
		}
	})

	t.Run("UsageBlocksDelete", func(t *testing.T) {
		tree := NewNameTree()
		n := tree.Insert("glue.example.")
		n.Usage = 1
		tree.Delete(n)
		if _, ok := tree.Get("glue.example."); !ok {
			t.Error("node with usage must not be deleted")
		}
	})

	t.Run("DescendantBlocksDelete", func(t *testing.T) {
		tree := NewNameTree()
		tree.Insert("deep.mid.example.")
		mid, _ := tree.Get("mid.example.")
		tree.Delete(mid)
		if _, ok := tree.Get("mid.example."); !ok {
			t.Error("node with descendants must not be deleted")
		}
	})
}

// TestNumlistDensity tests that node numbers stay dense across deletes.
func TestNumlistDensity(t *testing.T) {
	tree := NewNameTree()
	names := []string{"example.", "a.example.", "b.example.", "c.example.", "d.example."}
	for _, name := range names {
		tree.Insert(name)
	}

	check := func(t *testing.T) {
		seen := map[uint32]string{}
		for _, n := range tree.OwnersInOrder() {
			if n.Number == 0 || n.Number > tree.Count {
				t.Errorf("node %q has number %d outside 1..%d", n.Name, n.Number, tree.Count)
			}
			if prev, dup := seen[n.Number]; dup {
				t.Errorf("number %d assigned to both %q and %q", n.Number, prev, n.Name)
			}
			seen[n.Number] = n.Name
		}
		if uint32(tree.Len()) != tree.Count {
			t.Errorf("Count %d does not match %d nodes", tree.Count, tree.Len())
		}
	}

	t.Run("AfterInsert", check)

	t.Run("AfterMiddleDelete", func(t *testing.T) {
		b, _ := tree.Get("b.example.")
		tree.Delete(b)
		check(t)
	})

	t.Run("AfterTailDelete", func(t *testing.T) {
		d, _ := tree.Get("d.example.")
		tree.Delete(d)
		check(t)
	})
}

// TestAddRRsetExisting tests is_existing propagation and its teardown.
func TestAddRRsetExisting(t *testing.T) {
	tree := NewNameTree()
	z := &Zone{Name: "example."}
	leaf := tree.Insert("www.deep.example.")
	rs := &RRset{Zone: z, Type: 1, Class: 1, TTL: 3600}
	tree.AddRRset(leaf, rs)

	t.Run("PropagatesUp", func(t *testing.T) {
		for _, name := range []string{"www.deep.example.", "deep.example.", "example.", "."} {
			n, _ := tree.Get(name)
			if !n.IsExisting {
				t.Errorf("%q should be marked existing", name)
			}
		}
	})

	t.Run("FindRRset", func(t *testing.T) {
		if tree.FindRRset(leaf, z, 1) != rs {
			t.Error("FindRRset did not return the added set")
		}
		if tree.FindRRset(leaf, z, 2) != nil {
			t.Error("FindRRset invented a set")
		}
	})

	t.Run("RemoveClears", func(t *testing.T) {
		got := tree.RemoveRRset(leaf, z, 1)
		if got != rs {
			t.Fatal("RemoveRRset did not return the removed set")
		}
		if leaf.IsExisting {
			t.Error("leaf still existing after removal")
		}
		deep, _ := tree.Get("deep.example.")
		if deep.IsExisting {
			t.Error("empty interior node still existing after removal")
		}
	})
}

// TestFloorSuccessorPredecessor tests the ordered navigation helpers.
func TestFloorSuccessorPredecessor(t *testing.T) {
	tree := NewNameTree()
	for _, name := range []string{"example.", "a.example.", "m.example.", "z.example."} {
		tree.Insert(name)
	}

	t.Run("FloorBetween", func(t *testing.T) {
		f := tree.Floor("k.example.")
		if f == nil || f.Name != "a.example." {
			t.Errorf("Floor(k.example.) = %v, want a.example.", f)
		}
	})

	t.Run("FloorExact", func(t *testing.T) {
		f := tree.Floor("m.example.")
		if f == nil || f.Name != "m.example." {
			t.Errorf("Floor(m.example.) = %v, want m.example.", f)
		}
	})

	t.Run("SuccessorChain", func(t *testing.T) {
		a, _ := tree.Get("a.example.")
		s := tree.Successor(a)
		if s == nil || s.Name != "m.example." {
			t.Errorf("Successor(a.example.) = %v, want m.example.", s)
		}
		last, _ := tree.Get("z.example.")
		if tree.Successor(last) != nil {
			t.Error("Successor of the last node should be nil")
		}
	})

	t.Run("PredecessorChain", func(t *testing.T) {
		m, _ := tree.Get("m.example.")
		p := tree.Predecessor(m)
		if p == nil || p.Name != "a.example." {
			t.Errorf("Predecessor(m.example.) = %v, want a.example.", p)
		}
		root, _ := tree.Get(".")
		if tree.Predecessor(root) != nil {
			t.Error("Predecessor of the root should be nil")
		}
	})
}
