/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package ixfr

import (
	"fmt"

	"github.com/miekg/dns"
)

// DiffSequence is one deletion/addition pair of an incremental
// transfer, taking the zone from StartSerial to EndSerial. The SOA
// records are kept as they appeared on the wire so the sequence can be
// re-emitted.
type DiffSequence struct {
	StartSerial uint32
	EndSerial   uint32
	StartSOA    dns.RR
	EndSOA      dns.RR
	Deleted     []dns.RR
	Added       []dns.RR
}

func (ds *DiffSequence) Equals(other DiffSequence) bool {
	if ds.StartSerial != other.StartSerial || ds.EndSerial != other.EndSerial {
		return false
	}
	return rrSetEqual(ds.Added, other.Added) && rrSetEqual(ds.Deleted, other.Deleted)
}

// NetAdded returns the additions minus records that also appear as
// deletions: the records genuinely new after the sequence.
func (ds *DiffSequence) NetAdded() []dns.RR {
	return netDifference(ds.Added, ds.Deleted)
}

// NetDeleted returns the deletions minus records added back.
func (ds *DiffSequence) NetDeleted() []dns.RR {
	return netDifference(ds.Deleted, ds.Added)
}

// netDifference computes the multiset difference a \ b, with records
// grouped by owner and type so that a changed record (one deleted, one
// added under the same owner and type) cancels out.
func netDifference(a, b []dns.RR) []dns.RR {
	diff := make(map[string][]string)

	for _, rr := range a {
		key := fmt.Sprintf("%s+%d", rr.Header().Name, rr.Header().Rrtype)
		diff[key] = append(diff[key], rr.String())
	}
	for _, rr := range b {
		key := fmt.Sprintf("%s+%d", rr.Header().Name, rr.Header().Rrtype)
		slice, ok := diff[key]
		if !ok {
			continue
		}
		diff[key] = slice[1:]
		if len(diff[key]) == 0 {
			delete(diff, key)
		}
	}

	var out []dns.RR
	for _, texts := range diff {
		for _, s := range texts {
			rr, err := dns.NewRR(s)
			if err != nil {
				continue
			}
			out = append(out, rr)
		}
	}
	return out
}

// rrSetEqual compares two RR slices as multisets of their presentation
// forms, ignoring order.
func rrSetEqual(a, b []dns.RR) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, rr := range a {
		if rr == nil {
			continue
		}
		counts[rr.String()]++
	}
	for _, rr := range b {
		if rr == nil {
			continue
		}
		if counts[rr.String()] == 0 {
			return false
		}
		counts[rr.String()]--
		if counts[rr.String()] == 0 {
			delete(counts, rr.String())
		}
	}
	return len(counts) == 0
}
