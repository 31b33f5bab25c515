/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"sort"
	"strings"

	"github.com/miekg/dns"
	"github.com/twotwotwo/sorts"
)

// NameNode is one entry in the name tree. Parent and the wildcard match
// are non-owning references into the same tree.
type NameNode struct {
	Name   string // canonical fqdn, lower case
	Parent *NameNode

	// Greatest child name sorting <= "*.<this>" in canonical order,
	// the node itself when there is none.
	WildcardChildClosestMatch *NameNode

	RRsets     []*RRset // insertion order
	IsExisting bool     // an RRset exists at or below this name
	IsApex     bool

	// Dense id, also used by the compiled image. Maintained by the
	// insertion-order numlist: deletion swaps with the tail and pops.
	Number  uint32
	Usage   uint32 // references from rdata domain atoms
	numPrev *NameNode
	numNext *NameNode

	// Precomputed NSEC3 links, nil outside signed zones.
	NSEC3Cover           *NameNode
	NSEC3WcardChildCover *NameNode
	NSEC3DSParentCover   *NameNode
	NSEC3DSParentExact   *NameNode
	NSEC3Exact           *NameNode

	// The wildcard-denial hash coincides with this name's own hash;
	// a query needing both proofs cannot be answered.
	NSEC3WcardCollision bool
}

func (n *NameNode) LabelCount() int {
	return dns.CountLabel(n.Name)
}

// WildcardChild returns the "*" child of n, or nil.
func (n *NameNode) WildcardChild() *NameNode {
	w := n.WildcardChildClosestMatch
	if w != nil && w != n && w.Name == "*."+n.Name {
		return w
	}
	return nil
}

// NodeSlice sorts nodes in canonical DNS order.
type NodeSlice []*NameNode

func (ns NodeSlice) Len() int           { return len(ns) }
func (ns NodeSlice) Swap(i, j int)      { ns[i], ns[j] = ns[j], ns[i] }
func (ns NodeSlice) Less(i, j int) bool { return CanonicalNameCompare(ns[i].Name, ns[j].Name) < 0 }

// NameTree is the ordered index from canonical name to node, shared by
// all zones in one database. The root node always exists.
type NameTree struct {
	Root  *NameNode
	nodes map[string]*NameNode

	owners NodeSlice // canonical order, resorted lazily
	dirty  bool

	numHead *NameNode
	numTail *NameNode
	Count   uint32
}

func NewNameTree() *NameTree {
	t := &NameTree{
		nodes: map[string]*NameNode{},
	}
	t.Root = t.Insert(".")
	return t
}

// Insert returns the node for name, creating it and all missing
// ancestors up to the root in one pass. Name must be a canonical fqdn.
func (t *NameTree) Insert(name string) *NameNode {
	if n, ok := t.nodes[name]; ok {
		return n
	}

	var parent *NameNode
	if name != "." {
		parent = t.Insert(parentName(name))
	}

	n := &NameNode{
		Name:   name,
		Parent: parent,
	}
	n.WildcardChildClosestMatch = n
	t.nodes[name] = n
	t.owners = append(t.owners, n)
	t.dirty = true
	t.numlistAppend(n)

	if parent != nil {
		wname := "*." + parent.Name
		if CanonicalNameCompare(name, wname) <= 0 &&
			CanonicalNameCompare(name, parent.WildcardChildClosestMatch.Name) > 0 {
			parent.WildcardChildClosestMatch = n
		}
	}
	return n
}

// Search looks up name. When not exact, closestMatch is the canonical
// predecessor and closestEncloser the deepest existing ancestor.
func (t *NameTree) Search(name string) (exact bool, closestMatch, closestEncloser *NameNode) {
	if n, ok := t.nodes[name]; ok {
		return true, n, n
	}

	closestMatch = t.Floor(name)
	if closestMatch == nil {
		closestMatch = t.Root
	}
	common := dns.CompareDomainName(name, closestMatch.Name)
	closestEncloser = closestMatch
	for closestEncloser.LabelCount() > common {
		closestEncloser = closestEncloser.Parent
	}
	return false, closestMatch, closestEncloser
}

func (t *NameTree) Get(name string) (*NameNode, bool) {
	n, ok := t.nodes[name]
	return n, ok
}

// Floor returns the greatest node <= name in canonical order, nil when
// name sorts before everything in the tree.
func (t *NameTree) Floor(name string) *NameNode {
	t.ensureSorted()
	i := sort.Search(len(t.owners), func(i int) bool {
		return CanonicalNameCompare(t.owners[i].Name, name) > 0
	})
	if i == 0 {
		return nil
	}
	return t.owners[i-1]
}

// Successor returns the next node after n in canonical order, nil at the
// end of the tree.
func (t *NameTree) Successor(n *NameNode) *NameNode {
	t.ensureSorted()
	i := sort.Search(len(t.owners), func(i int) bool {
		return CanonicalNameCompare(t.owners[i].Name, n.Name) > 0
	})
	if i == len(t.owners) {
		return nil
	}
	return t.owners[i]
}

// Predecessor returns the node before n in canonical order, nil at the
// start of the tree.
func (t *NameTree) Predecessor(n *NameNode) *NameNode {
	t.ensureSorted()
	i := sort.Search(len(t.owners), func(i int) bool {
		return CanonicalNameCompare(t.owners[i].Name, n.Name) >= 0
	})
	if i == 0 {
		return nil
	}
	return t.owners[i-1]
}

// Delete removes n if deletable, then cascades upward as long as the
// parents qualify: no RRsets, no usage, no existing descendant.
func (t *NameTree) Delete(n *NameNode) {
	for n != nil && t.canDelete(n) {
		parent := n.Parent
		t.remove(n)
		n = parent
	}
}

func (t *NameTree) canDelete(n *NameNode) bool {
	if n == nil || n == t.Root || n.Parent == nil {
		return false
	}
	if len(n.RRsets) != 0 || n.Usage != 0 || n.IsApex {
		return false
	}
	// the canonical successor being a proper subdomain means n still
	// has descendants
	if succ := t.Successor(n); succ != nil && succ.Name != n.Name && dns.IsSubDomain(n.Name, succ.Name) {
		return false
	}
	return true
}

func (t *NameTree) remove(n *NameNode) {
	delete(t.nodes, n.Name)
	t.ensureSorted()
	i := sort.Search(len(t.owners), func(i int) bool {
		return CanonicalNameCompare(t.owners[i].Name, n.Name) >= 0
	})
	if i < len(t.owners) && t.owners[i] == n {
		t.owners = append(t.owners[:i], t.owners[i+1:]...)
	}
	t.numlistDelete(n)

	p := n.Parent
	n.Parent = nil // guards against double removal
	if p != nil && p.WildcardChildClosestMatch == n {
		t.fixWildcardMatch(p)
	}
}

// fixWildcardMatch recomputes p's wildcard closest match after the old
// match was removed.
func (t *NameTree) fixWildcardMatch(p *NameNode) {
	p.WildcardChildClosestMatch = p
	f := t.Floor("*." + p.Name)
	if f == nil || f == p || !dns.IsSubDomain(p.Name, f.Name) {
		return
	}
	// walk up to the direct child of p
	for f.Parent != nil && f.Parent != p {
		f = f.Parent
	}
	if f.Parent == p && CanonicalNameCompare(f.Name, "*."+p.Name) <= 0 {
		p.WildcardChildClosestMatch = f
	}
}

// AddRRset appends rs to n preserving insertion order and marks n and
// all its ancestors as existing.
func (t *NameTree) AddRRset(n *NameNode, rs *RRset) {
	n.RRsets = append(n.RRsets, rs)
	for p := n; p != nil && !p.IsExisting; p = p.Parent {
		p.IsExisting = true
	}
}

// FindRRset scans n's RRset list for (zone, type).
func (t *NameTree) FindRRset(n *NameNode, zone *Zone, rrtype uint16) *RRset {
	for _, rs := range n.RRsets {
		if rs.Zone == zone && rs.Type == rrtype {
			return rs
		}
	}
	return nil
}

// RemoveRRset unlinks (zone, type) from n, releases the domain atoms it
// referenced and clears IsExisting upward where nothing remains below.
// Node removal is left to the caller via Delete.
func (t *NameTree) RemoveRRset(n *NameNode, zone *Zone, rrtype uint16) *RRset {
	for i, rs := range n.RRsets {
		if rs.Zone != zone || rs.Type != rrtype {
			continue
		}
		n.RRsets = append(n.RRsets[:i], n.RRsets[i+1:]...)
		for _, rr := range rs.RRs {
			for _, a := range rr.Atoms {
				if a.Domain != nil && a.Domain.Usage > 0 {
					a.Domain.Usage--
				}
			}
		}
		t.fixExisting(n)
		return rs
	}
	return nil
}

func (t *NameTree) fixExisting(n *NameNode) {
	for p := n; p != nil && p.IsExisting; p = p.Parent {
		if len(p.RRsets) != 0 {
			return
		}
		if succ := t.Successor(p); succ != nil && dns.IsSubDomain(p.Name, succ.Name) {
			// something below p may still exist
			existing := false
			for s := succ; s != nil && dns.IsSubDomain(p.Name, s.Name); s = t.Successor(s) {
				if len(s.RRsets) != 0 {
					existing = true
					break
				}
			}
			if existing {
				return
			}
		}
		p.IsExisting = false
	}
}

// OwnersInOrder returns all nodes in canonical order. The slice is the
// tree's own; callers must not modify it.
func (t *NameTree) OwnersInOrder() []*NameNode {
	t.ensureSorted()
	return t.owners
}

func (t *NameTree) Len() int {
	return len(t.owners)
}

func (t *NameTree) ensureSorted() {
	if !t.dirty {
		return
	}
	sorts.Quicksort(t.owners)
	t.dirty = false
}

func (t *NameTree) numlistAppend(n *NameNode) {
	t.Count++
	n.Number = t.Count
	n.numPrev = t.numTail
	if t.numTail != nil {
		t.numTail.numNext = n
	} else {
		t.numHead = n
	}
	t.numTail = n
}

// numlistDelete keeps numbers dense: the victim swaps number and list
// position with the tail, then the tail is popped.
func (t *NameTree) numlistDelete(d *NameNode) {
	tail := t.numTail
	if d != tail {
		d.Number, tail.Number = tail.Number, d.Number
		t.numlistSwap(d, tail)
	}
	if d.numPrev != nil {
		d.numPrev.numNext = nil
	} else {
		t.numHead = nil
	}
	t.numTail = d.numPrev
	d.numPrev, d.numNext = nil, nil
	t.Count--
}

func (t *NameTree) numlistSwap(a, b *NameNode) {
	if a == b {
		return
	}
	ap, an := a.numPrev, a.numNext
	bp, bn := b.numPrev, b.numNext
	switch {
	case an == b:
		a.numPrev, a.numNext = b, bn
		b.numPrev, b.numNext = ap, a
	case bn == a:
		b.numPrev, b.numNext = a, an
		a.numPrev, a.numNext = bp, b
	default:
		a.numPrev, a.numNext = bp, bn
		b.numPrev, b.numNext = ap, an
	}
	for _, n := range []*NameNode{a, b} {
		if n.numPrev != nil {
			n.numPrev.numNext = n
		} else {
			t.numHead = n
		}
		if n.numNext != nil {
			n.numNext.numPrev = n
		} else {
			t.numTail = n
		}
	}
}

// CanonicalName folds a name to the tree's canonical form.
func CanonicalName(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}

func parentName(name string) string {
	lbls := dns.Split(name)
	if len(lbls) < 2 {
		return "."
	}
	return name[lbls[1]:]
}

// CanonicalNameCompare orders names label-reversed and case-insensitive
// as in RFC 4034 section 6.1.
func CanonicalNameCompare(a, b string) int {
	if a == b {
		return 0
	}
	al := dns.SplitDomainName(a)
	bl := dns.SplitDomainName(b)
	i, j := len(al)-1, len(bl)-1
	for i >= 0 && j >= 0 {
		if c := compareLabel(al[i], bl[j]); c != 0 {
			return c
		}
		i--
		j--
	}
	switch {
	case i >= 0:
		return 1
	case j >= 0:
		return -1
	}
	return 0
}

func compareLabel(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for k := 0; k < n; k++ {
		ca, cb := lowerByte(a[k]), lowerByte(b[k])
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func lowerByte(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}
