/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

// Package ixfr assembles and dissects RFC 1995 incremental zone
// transfer payloads.
package ixfr

import (
	"fmt"

	"github.com/miekg/dns"
)

// Ixfr is the parsed body of one transfer response stream. Either a
// sequence of diffs (incremental) or, when the server answered
// AXFR-style, the full record set.
type Ixfr struct {
	InitialSerial uint32
	FinalSerial   uint32
	IsAxfr        bool
	Diffs         []DiffSequence
	AxfrRRs       []dns.RR
}

func FromMsg(rsp *dns.Msg) (*Ixfr, error) {
	return FromRRs(rsp.Answer)
}

// FromRRs dissects the answer RRs of a transfer response with all
// envelopes concatenated. A single SOA means "client is up to date". A
// second RR that is not a SOA marks an AXFR-style body.
func FromRRs(rrs []dns.RR) (*Ixfr, error) {
	if len(rrs) == 0 {
		return nil, fmt.Errorf("empty transfer body")
	}
	final, ok := rrs[0].(*dns.SOA)
	if !ok {
		return nil, fmt.Errorf("transfer body does not start with SOA")
	}
	ix := &Ixfr{FinalSerial: final.Serial}

	if len(rrs) == 1 {
		// single SOA, nothing newer than what the client has
		ix.InitialSerial = final.Serial
		return ix, nil
	}

	if _, ok := rrs[1].(*dns.SOA); !ok {
		ix.IsAxfr = true
		ix.AxfrRRs = rrs
		last, ok := rrs[len(rrs)-1].(*dns.SOA)
		if !ok || last.Serial != final.Serial {
			return nil, fmt.Errorf("full transfer body does not end with SOA serial %d", final.Serial)
		}
		return ix, nil
	}

	trailer, ok := rrs[len(rrs)-1].(*dns.SOA)
	if !ok || trailer.Serial != final.Serial {
		return nil, fmt.Errorf("incremental body does not end with SOA serial %d", final.Serial)
	}

	// body grammar: (old-SOA, deletions, new-SOA, additions)+
	const (
		phaseDel = iota
		phaseAdd
	)
	var cur DiffSequence
	phase := phaseAdd // so the first SOA opens a sequence
	first := true

	for _, rr := range rrs[1 : len(rrs)-1] {
		if soa, ok := rr.(*dns.SOA); ok {
			if phase == phaseAdd {
				if first {
					ix.InitialSerial = soa.Serial
					first = false
				} else {
					ix.Diffs = append(ix.Diffs, cur)
				}
				cur = DiffSequence{StartSerial: soa.Serial, StartSOA: soa}
				phase = phaseDel
			} else {
				cur.EndSerial = soa.Serial
				cur.EndSOA = soa
				phase = phaseAdd
			}
			continue
		}
		if first {
			return nil, fmt.Errorf("diff sequence must open with the old SOA")
		}
		if phase == phaseDel {
			cur.Deleted = append(cur.Deleted, rr)
		} else {
			cur.Added = append(cur.Added, rr)
		}
	}
	if first {
		return nil, fmt.Errorf("incremental body carries no diff sequence")
	}
	if phase != phaseAdd {
		return nil, fmt.Errorf("diff sequence from serial %d has no new SOA", cur.StartSerial)
	}
	ix.Diffs = append(ix.Diffs, cur)
	if last := ix.Diffs[len(ix.Diffs)-1]; last.EndSerial != ix.FinalSerial {
		return nil, fmt.Errorf("last diff ends at serial %d, body at %d", last.EndSerial, ix.FinalSerial)
	}
	return ix, nil
}

// AnswerRRs flattens back into the answer-section form: final SOA, each
// sequence as old SOA, deletions, new SOA, additions, then the final
// SOA again. The caller supplies the final SOA record.
func (ix *Ixfr) AnswerRRs(final dns.RR) []dns.RR {
	out := []dns.RR{final}
	for _, d := range ix.Diffs {
		out = append(out, d.StartSOA)
		out = append(out, d.Deleted...)
		out = append(out, d.EndSOA)
		out = append(out, d.Added...)
	}
	return append(out, final)
}

// Append chains another parsed increment onto this one. The next body
// must start where this one ends.
func (ix *Ixfr) Append(next *Ixfr) error {
	if ix.IsAxfr || next.IsAxfr {
		return fmt.Errorf("cannot chain full transfer bodies")
	}
	if next.InitialSerial != ix.FinalSerial {
		return fmt.Errorf("increment starts at serial %d, have %d", next.InitialSerial, ix.FinalSerial)
	}
	ix.Diffs = append(ix.Diffs, next.Diffs...)
	ix.FinalSerial = next.FinalSerial
	return nil
}

// NetAdded is the net record change over all sequences: records added
// and not deleted again later.
func (ix *Ixfr) NetAdded() []dns.RR {
	return ix.merged().NetAdded()
}

func (ix *Ixfr) NetDeleted() []dns.RR {
	return ix.merged().NetDeleted()
}

func (ix *Ixfr) merged() DiffSequence {
	m := DiffSequence{StartSerial: ix.InitialSerial, EndSerial: ix.FinalSerial}
	for _, d := range ix.Diffs {
		m.Added = append(m.Added, d.Added...)
		m.Deleted = append(m.Deleted, d.Deleted...)
	}
	return m
}

func (ix *Ixfr) Equals(other *Ixfr) bool {
	if ix.InitialSerial != other.InitialSerial || ix.FinalSerial != other.FinalSerial {
		return false
	}
	if ix.IsAxfr != other.IsAxfr {
		return false
	}
	if len(ix.Diffs) != len(other.Diffs) {
		return false
	}
	for i, d := range ix.Diffs {
		if !d.Equals(other.Diffs[i]) {
			return false
		}
	}
	return true
}
