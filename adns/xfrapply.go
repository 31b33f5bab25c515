/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"fmt"
	"log"

	"github.com/miekg/dns"
)

// ApplyCommitted replays journal transfers onto z in file order.
// Already-applied and out-of-chain entries are skipped; a transfer
// that fails mid-application wipes the zone so a later full transfer
// in the journal, or the next refresh, can rebuild it. Runs on a
// private database before it is sealed and published, never on the
// serving snapshot.
func (db *NameDB) ApplyCommitted(z *Zone, txns []JournalTxn, lg *log.Logger) error {
	var failed int
	for _, txn := range txns {
		cur := z.Serial()
		empty := z.SOA == nil
		if !empty && (txn.SerialNew == cur || SerialGt(cur, txn.SerialNew)) {
			continue
		}
		rrs, err := txn.RRs()
		if err != nil {
			if lg != nil {
				lg.Printf("ApplyCommitted: zone %s: transfer to serial %d unreadable: %v", z.Name, txn.SerialNew, err)
			}
			failed++
			continue
		}
		if IsIncremental(rrs) {
			if empty || txn.SerialOld != cur {
				if lg != nil {
					lg.Printf("ApplyCommitted: zone %s: skipping delta %d -> %d at serial %d",
						z.Name, txn.SerialOld, txn.SerialNew, cur)
				}
				continue
			}
		}
		if err := db.ApplyXFR(z, rrs, lg); err != nil {
			if lg != nil {
				lg.Printf("ApplyCommitted: zone %s: transfer to serial %d failed, wiping zone: %v",
					z.Name, txn.SerialNew, err)
			}
			db.WipeZone(z)
			failed++
			continue
		}
		if lg != nil {
			lg.Printf("ApplyCommitted: zone %s now at serial %d (%s)", z.Name, z.Serial(), txn.Msg)
		}
	}
	if failed > 0 {
		return fmt.Errorf("zone %s: %d journal transfers failed", z.Name, failed)
	}
	return nil
}

// IsIncremental reports whether a transfer RR sequence is an IXFR-style
// delta: the new SOA followed immediately by an older section SOA.
func IsIncremental(rrs []dns.RR) bool {
	if len(rrs) < 2 {
		return false
	}
	first, ok := rrs[0].(*dns.SOA)
	if !ok {
		return false
	}
	second, ok := rrs[1].(*dns.SOA)
	return ok && second.Serial != first.Serial
}

// ApplyXFR applies one transfer RR sequence to z. The first RR must be
// the new SOA. A second SOA immediately after marks an incremental
// stream, anything else a full replacement.
func (db *NameDB) ApplyXFR(z *Zone, rrs []dns.RR, lg *log.Logger) error {
	if len(rrs) == 0 {
		return fmt.Errorf("empty transfer")
	}
	soa, ok := rrs[0].(*dns.SOA)
	if !ok {
		return fmt.Errorf("transfer does not start with SOA")
	}
	if CanonicalName(soa.Hdr.Name) != z.Name {
		return fmt.Errorf("transfer SOA owner %s is not the apex", soa.Hdr.Name)
	}
	if len(rrs) == 1 {
		return fmt.Errorf("transfer contains only the SOA")
	}
	var err error
	if IsIncremental(rrs) {
		err = db.applyIXFR(z, rrs, lg)
	} else {
		err = db.applyAXFR(z, rrs, lg)
	}
	db.refreshApex(z)
	return err
}

// applyAXFR wipes the zone and loads the stream. The trailing SOA that
// closes an AXFR is dropped as a duplicate.
func (db *NameDB) applyAXFR(z *Zone, rrs []dns.RR, lg *log.Logger) error {
	db.WipeZone(z)

	last := len(rrs)
	if tail, ok := rrs[last-1].(*dns.SOA); ok && last > 1 {
		if head := rrs[0].(*dns.SOA); tail.Serial == head.Serial {
			last--
		}
	}
	for _, rr := range rrs[:last] {
		if err := db.addRR(z, rr, lg); err != nil {
			return err
		}
	}
	return nil
}

// applyIXFR walks the delta sections: each starts with the SOA being
// removed, runs deletions up to the SOA being added, then additions up
// to the next section. The final SOA closes the stream.
func (db *NameDB) applyIXFR(z *Zone, rrs []dns.RR, lg *log.Logger) error {
	newSOA := rrs[0].(*dns.SOA)
	touched := map[*NameNode]bool{}
	curSerial := z.Serial()

	i := 1
	for i < len(rrs)-1 {
		del, ok := rrs[i].(*dns.SOA)
		if !ok {
			return fmt.Errorf("expected section SOA at record %d, got %s", i, dns.TypeToString[rrs[i].Header().Rrtype])
		}
		if del.Serial != curSerial {
			return fmt.Errorf("delta from serial %d does not match zone serial %d", del.Serial, curSerial)
		}
		if err := db.removeRR(z, del, touched, lg); err != nil {
			return err
		}
		i++
		for i < len(rrs) {
			if _, ok := rrs[i].(*dns.SOA); ok {
				break
			}
			if err := db.removeRR(z, rrs[i], touched, lg); err != nil {
				return err
			}
			i++
		}
		if i >= len(rrs) {
			return fmt.Errorf("incremental stream ends inside a deletion section")
		}
		add := rrs[i].(*dns.SOA)
		if err := db.addRR(z, add, lg); err != nil {
			return err
		}
		curSerial = add.Serial
		i++
		for i < len(rrs)-1 {
			if _, ok := rrs[i].(*dns.SOA); ok {
				break
			}
			if err := db.addRR(z, rrs[i], lg); err != nil {
				return err
			}
			i++
		}
	}
	if i == len(rrs)-1 {
		tail, ok := rrs[i].(*dns.SOA)
		if !ok || tail.Serial != newSOA.Serial {
			return fmt.Errorf("incremental stream does not close with the new SOA")
		}
	}

	for n := range touched {
		db.Tree.Delete(n)
	}
	return nil
}

// WipeZone removes every RRset belonging to z and prunes the emptied
// part of the tree. The apex node stays.
func (db *NameDB) WipeZone(z *Zone) {
	type victim struct {
		n      *NameNode
		rrtype uint16
	}
	var victims []victim
	var nodes []*NameNode
	db.WalkZone(z, func(n *NameNode, rs *RRset) error {
		victims = append(victims, victim{n, rs.Type})
		return nil
	})
	seen := map[*NameNode]bool{}
	for _, v := range victims {
		db.Tree.RemoveRRset(v.n, z, v.rrtype)
		if !seen[v.n] {
			seen[v.n] = true
			nodes = append(nodes, v.n)
		}
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		db.Tree.Delete(nodes[i])
	}
	z.SOA = nil
	z.NS = nil
}

func (db *NameDB) addRR(z *Zone, rr dns.RR, lg *log.Logger) error {
	hdr := rr.Header()
	if hdr.Class != dns.ClassINET {
		return fmt.Errorf("%s: class %s in transfer", hdr.Name, dns.ClassToString[hdr.Class])
	}
	owner := CanonicalName(hdr.Name)
	if owner != z.Name && !dns.IsSubDomain(z.Name, owner) {
		return fmt.Errorf("%s: owner outside zone %s", hdr.Name, z.Name)
	}

	node, atomic, err := db.Tree.AtomizeRR(rr)
	if err != nil {
		return fmt.Errorf("%s %s: %v", hdr.Name, dns.TypeToString[hdr.Rrtype], err)
	}
	rs := db.Tree.FindRRset(node, z, hdr.Rrtype)
	if rs == nil {
		rs = &RRset{
			Zone:  z,
			Type:  hdr.Rrtype,
			Class: hdr.Class,
			TTL:   hdr.Ttl,
			RRs:   []RR{atomic},
		}
		db.Tree.AddRRset(node, rs)
		return nil
	}
	for _, have := range rs.RRs {
		if have.Equal(atomic) {
			releaseAtoms(atomic)
			return nil
		}
	}
	if len(rs.RRs) >= MaxRRsPerRRset {
		releaseAtoms(atomic)
		return fmt.Errorf("%s: %s RRset exceeds %d RRs", hdr.Name, dns.TypeToString[hdr.Rrtype], MaxRRsPerRRset)
	}
	if rs.TTL != hdr.Ttl && lg != nil {
		lg.Printf("addRR: %s %s: TTL %d does not match RRset TTL %d, keeping %d",
			hdr.Name, dns.TypeToString[hdr.Rrtype], hdr.Ttl, rs.TTL, rs.TTL)
	}
	rs.RRs = append(rs.RRs, atomic)
	return nil
}

func (db *NameDB) removeRR(z *Zone, rr dns.RR, touched map[*NameNode]bool, lg *log.Logger) error {
	hdr := rr.Header()
	owner := CanonicalName(hdr.Name)
	node, ok := db.Tree.Get(owner)
	if !ok {
		if lg != nil {
			lg.Printf("removeRR: %s: deletion of unknown name", hdr.Name)
		}
		return nil
	}

	_, probe, err := db.Tree.AtomizeRR(rr)
	if err != nil {
		return fmt.Errorf("%s %s: %v", hdr.Name, dns.TypeToString[hdr.Rrtype], err)
	}
	defer releaseAtoms(probe)

	rs := db.Tree.FindRRset(node, z, hdr.Rrtype)
	if rs == nil {
		if lg != nil {
			lg.Printf("removeRR: %s %s: deletion of unknown RRset", hdr.Name, dns.TypeToString[hdr.Rrtype])
		}
		return nil
	}
	for i, have := range rs.RRs {
		if !have.Equal(probe) {
			continue
		}
		releaseAtoms(have)
		rs.RRs = append(rs.RRs[:i], rs.RRs[i+1:]...)
		if len(rs.RRs) == 0 {
			db.Tree.RemoveRRset(node, z, hdr.Rrtype)
			touched[node] = true
		}
		return nil
	}
	if lg != nil {
		lg.Printf("removeRR: %s %s: deletion of unknown RR", hdr.Name, dns.TypeToString[hdr.Rrtype])
	}
	return nil
}

// refreshApex repoints the SOA and NS shortcuts after a transfer
// rewrote the apex RRsets.
func (db *NameDB) refreshApex(z *Zone) {
	z.SOA = db.Tree.FindRRset(z.Apex, z, dns.TypeSOA)
	z.NS = db.Tree.FindRRset(z.Apex, z, dns.TypeNS)
}
