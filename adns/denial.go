/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"encoding/binary"

	"github.com/miekg/dns"
)

// Denial proof assembly for secure zones, driven by the links laid down
// at precompute time. NSEC zones walk the canonical chain instead.

// denialNodata proves the type absent at an existing name. For a DS
// query at a delegation the parent-side links apply.
func (a *answer) denialNodata(node *NameNode, qname string, atCut bool) {
	if a.z.NSEC3Params != nil {
		if atCut {
			if node.NSEC3DSParentExact != nil {
				a.appendNSEC3(node.NSEC3DSParentExact)
			} else {
				a.appendNSEC3(node.NSEC3DSParentCover)
			}
			return
		}
		if node.NSEC3Exact != nil {
			a.appendNSEC3(node.NSEC3Exact)
		} else {
			a.appendNSEC3(node.NSEC3Cover)
		}
		return
	}
	a.appendNSECOf(node)
}

// denialNxdomain proves the name absent: the closest encloser exists,
// the next closer does not, and no wildcard applies.
func (a *answer) denialNxdomain(qname string, ce *NameNode) {
	if a.z.NSEC3Params != nil {
		if ce.NSEC3WcardCollision {
			a.servfail = true
			return
		}
		a.appendNSEC3(ce.NSEC3Exact)
		a.appendNextCloserCover(qname, ce)
		a.appendNSEC3(ce.NSEC3WcardChildCover)
		return
	}
	a.appendNSECCovering(qname)
	a.appendNSECCovering("*." + ce.Name)
}

// denialWildcardAnswer accompanies a synthesised answer with the proof
// that nothing sits between the query name and the wildcard.
func (a *answer) denialWildcardAnswer(ce *NameNode, qname string) {
	if a.z.NSEC3Params != nil {
		a.appendNextCloserCover(qname, ce)
		return
	}
	a.appendNSECCovering(qname)
}

// denialWildcardNodata proves the name absent, the wildcard present and
// the type absent at the wildcard.
func (a *answer) denialWildcardNodata(wc, ce *NameNode, qname string) {
	if a.z.NSEC3Params != nil {
		a.appendNSEC3(ce.NSEC3Exact)
		a.appendNextCloserCover(qname, ce)
		if wc.NSEC3Exact != nil {
			a.appendNSEC3(wc.NSEC3Exact)
		} else {
			a.appendNSEC3(wc.NSEC3Cover)
		}
		return
	}
	a.appendNSECOf(wc)
	a.appendNSECCovering(qname)
}

// denialDelegationDS proves a delegation unsigned.
func (a *answer) denialDelegationDS(cut *NameNode) {
	if a.z.NSEC3Params != nil {
		if cut.NSEC3DSParentExact != nil {
			a.appendNSEC3(cut.NSEC3DSParentExact)
		} else {
			a.appendNSEC3(cut.NSEC3DSParentCover)
		}
		return
	}
	a.appendNSECOf(cut)
}

// appendNextCloserCover hashes the next closer name, one label below
// the closest encloser on the query name, and appends its covering
// NSEC3. The hash cannot be precomputed since the name never exists.
func (a *answer) appendNextCloserCover(qname string, ce *NameNode) {
	idx := dns.Split(qname)
	want := ce.LabelCount() + 1
	if want > len(idx) {
		return
	}
	nextCloser := qname[idx[len(idx)-want]:]
	cover, exact := a.z.nsec3Cover(a.z.HashOwner(nextCloser))
	if exact {
		// hash collision with an existing owner, no proof possible
		a.servfail = true
		return
	}
	a.appendNSEC3(cover)
}

// appendNSEC3 adds the NSEC3 set owned by n plus its signatures.
func (a *answer) appendNSEC3(n *NameNode) {
	if n == nil {
		return
	}
	rs := a.db.Tree.FindRRset(n, a.z, dns.TypeNSEC3)
	if rs == nil {
		return
	}
	a.appendSet(&a.m.Ns, n, rs, n.Name, false)
}

// appendNSECOf adds the NSEC at node, walking back through the chain
// when the node itself owns none.
func (a *answer) appendNSECOf(node *NameNode) {
	t := a.db.Tree
	for n := node; n != nil && dns.IsSubDomain(a.z.Name, n.Name); n = t.Predecessor(n) {
		if rs := t.FindRRset(n, a.z, dns.TypeNSEC); rs != nil {
			a.appendSet(&a.m.Ns, n, rs, n.Name, false)
			return
		}
	}
}

// appendNSECCovering adds the NSEC whose span covers name.
func (a *answer) appendNSECCovering(name string) {
	t := a.db.Tree
	n := t.Floor(name)
	for n != nil && dns.IsSubDomain(a.z.Name, n.Name) {
		if rs := t.FindRRset(n, a.z, dns.TypeNSEC); rs != nil {
			a.appendSet(&a.m.Ns, n, rs, n.Name, false)
			return
		}
		n = t.Predecessor(n)
	}
}

// signatures returns the RRSIGs at node covering one type. Synthetic
// answers rebuild the signatures under the substituted owner.
func (a *answer) signatures(node *NameNode, covered uint16, owner string, synthetic bool) []dns.RR {
	sigs := a.db.Tree.FindRRset(node, a.z, dns.TypeRRSIG)
	if sigs == nil {
		return nil
	}
	var out []dns.RR
	if !synthetic {
		wire, err := sigs.DnsRRs(node.Name)
		if err != nil {
			return nil
		}
		for i, rr := range sigs.RRs {
			if sigCoveredType(rr) == covered && i < len(wire) {
				out = append(out, wire[i])
			}
		}
		return out
	}
	for _, rr := range sigs.RRs {
		if sigCoveredType(rr) != covered {
			continue
		}
		w, err := rr.WireRR(owner, dns.TypeRRSIG, sigs.Class, sigs.TTL)
		if err != nil {
			continue
		}
		out = append(out, w)
	}
	return out
}

// sigCoveredType pulls the covered type out of a stored RRSIG.
func sigCoveredType(rr RR) uint16 {
	if len(rr.Atoms) == 0 || rr.Atoms[0].IsDomain() || len(rr.Atoms[0].Blob) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(rr.Atoms[0].Blob)
}
