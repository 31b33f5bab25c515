/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

var errStopWalk = errors.New("stop walk")

// Zone is one loaded zone inside a NameDB.
type Zone struct {
	Name   string // canonical apex name
	Number uint32 // dense, position in the zone list
	Apex   *NameNode
	SOA    *RRset // nil until loaded
	NS     *RRset

	IsSecure    bool
	NSEC3Params *NSEC3Params // nil unless NSEC3-signed
	NSEC3Last   *NameNode    // last NSEC3 owner in hash order
	nsec3Ring   NodeSlice    // all NSEC3 owners in hash order

	db *NameDB
}

// NameDB is one immutable-between-reloads database snapshot: the shared
// name tree plus the zones loaded into it.
type NameDB struct {
	Tree     *NameTree
	ZoneList []*Zone // insertion order, Number == index+1
	zones    map[string]*Zone
}

func NewNameDB() *NameDB {
	return &NameDB{
		Tree:  NewNameTree(),
		zones: map[string]*Zone{},
	}
}

// AddZone creates the zone entry and its apex node.
func (db *NameDB) AddZone(name string) *Zone {
	name = CanonicalName(name)
	if z, ok := db.zones[name]; ok {
		return z
	}
	z := &Zone{
		Name: name,
		Apex: db.Tree.Insert(name),
		db:   db,
	}
	z.Apex.IsApex = true
	db.ZoneList = append(db.ZoneList, z)
	z.Number = uint32(len(db.ZoneList))
	db.zones[name] = z
	return z
}

func (db *NameDB) Zone(name string) *Zone {
	return db.zones[CanonicalName(name)]
}

// FindZone returns the zone with the longest apex name that the qname
// falls under, nil when we are not authoritative for qname.
func (db *NameDB) FindZone(qname string) *Zone {
	name := CanonicalName(qname)
	for {
		if z, ok := db.zones[name]; ok {
			return z
		}
		if name == "." {
			return nil
		}
		name = parentName(name)
	}
}

// WalkZone visits every (node, RRset) pair of z in canonical order.
func (db *NameDB) WalkZone(z *Zone, fn func(n *NameNode, rs *RRset) error) error {
	owners := db.Tree.OwnersInOrder()
	for _, n := range owners {
		if !dns.IsSubDomain(z.Name, n.Name) {
			continue
		}
		for _, rs := range n.RRsets {
			if rs.Zone != z {
				continue
			}
			if err := fn(n, rs); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteZone removes all of z's RRsets and any nodes left without a
// reason to exist, then drops the zone entry.
func (db *NameDB) DeleteZone(z *Zone) {
	var nodes []*NameNode
	owners := db.Tree.OwnersInOrder()
	for _, n := range owners {
		if dns.IsSubDomain(z.Name, n.Name) {
			nodes = append(nodes, n)
		}
	}
	for _, n := range nodes {
		var types []uint16
		for _, rs := range n.RRsets {
			if rs.Zone == z {
				types = append(types, rs.Type)
			}
		}
		for _, typ := range types {
			db.Tree.RemoveRRset(n, z, typ)
		}
	}
	z.Apex.IsApex = false
	z.SOA, z.NS = nil, nil
	for i := len(nodes) - 1; i >= 0; i-- {
		db.Tree.Delete(nodes[i])
	}

	delete(db.zones, z.Name)
	for i, zz := range db.ZoneList {
		if zz == z {
			db.ZoneList = append(db.ZoneList[:i], db.ZoneList[i+1:]...)
			break
		}
	}
	for i, zz := range db.ZoneList {
		zz.Number = uint32(i + 1)
	}
}

// Seal prepares the snapshot for serving: zone shortcuts, servable RR
// conversions and NSEC3 precomputation. Must run before the snapshot is
// shared with query workers.
func (db *NameDB) Seal() error {
	for _, z := range db.ZoneList {
		z.SOA = db.Tree.FindRRset(z.Apex, z, dns.TypeSOA)
		z.NS = db.Tree.FindRRset(z.Apex, z, dns.TypeNS)
		if z.SOA == nil && z.HasData() {
			return fmt.Errorf("zone %s has data but no SOA at the apex", z.Name)
		}
	}
	var err error
	owners := db.Tree.OwnersInOrder()
	for _, n := range owners {
		for _, rs := range n.RRsets {
			if e := rs.Seal(n.Name); e != nil && err == nil {
				err = e
			}
		}
	}
	if err != nil {
		return err
	}
	for _, z := range db.ZoneList {
		db.detectSecure(z)
		if e := db.PrecomputeNSEC3(z); e != nil {
			return e
		}
	}
	return nil
}

func (db *NameDB) detectSecure(z *Zone) {
	for _, rs := range z.Apex.RRsets {
		if rs.Zone != z {
			continue
		}
		switch rs.Type {
		case dns.TypeRRSIG, dns.TypeNSEC, dns.TypeNSEC3PARAM, dns.TypeDNSKEY:
			z.IsSecure = true
			return
		}
	}
}

// HasData reports whether any RRset is loaded for z. An empty zone is
// a secondary awaiting its first transfer; queries for it get SERVFAIL.
func (z *Zone) HasData() bool {
	found := false
	z.db.WalkZone(z, func(n *NameNode, rs *RRset) error {
		found = true
		return errStopWalk
	})
	return found
}

// Serial reads the zone's SOA serial straight from the stored atoms.
func (z *Zone) Serial() uint32 {
	if z.SOA == nil || len(z.SOA.RRs) == 0 {
		return 0
	}
	return soaLong(z.SOA.RRs[0], 2)
}

// SoaTimers returns the timing fields of the zone SOA.
func (z *Zone) SoaTimers() SoaInfo {
	if z.SOA == nil || len(z.SOA.RRs) == 0 {
		return SoaInfo{}
	}
	rr := z.SOA.RRs[0]
	return SoaInfo{
		Serial:  soaLong(rr, 2),
		Refresh: soaLong(rr, 3),
		Retry:   soaLong(rr, 4),
		Expire:  soaLong(rr, 5),
	}
}

// soaLong reads the n-th atom of a SOA RR as a 32 bit integer. Atom
// layout per the descriptor table: mname, rname, serial, refresh,
// retry, expire, minimum.
func soaLong(rr RR, n int) uint32 {
	if n >= len(rr.Atoms) || rr.Atoms[n].IsDomain() || len(rr.Atoms[n].Blob) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(rr.Atoms[n].Blob)
}

// ApexSOA returns the servable SOA RR of the zone.
func (z *Zone) ApexSOA() (dns.RR, error) {
	rrs, err := z.SOA.DnsRRs(z.Name)
	if err != nil || len(rrs) == 0 {
		return nil, fmt.Errorf("zone %s: no servable SOA: %v", z.Name, err)
	}
	return rrs[0], nil
}
