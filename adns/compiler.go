/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"bufio"
	"fmt"
	"log"
	"os"

	"github.com/miekg/dns"
)

// DefaultTTL applies to records before any $TTL directive.
const DefaultTTL = 3600

// CompileCtx carries the state of one compiler run. All zones of a run
// share the NameDB under construction; the error counter decides
// whether the result may be persisted.
type CompileCtx struct {
	DB      *NameDB
	Errors  int
	Verbose bool
	Logger  *log.Logger
}

func NewCompileCtx(logger *log.Logger) *CompileCtx {
	if logger == nil {
		logger = log.Default()
	}
	return &CompileCtx{
		DB:     NewNameDB(),
		Logger: logger,
	}
}

func (cc *CompileCtx) error(format string, args ...interface{}) {
	cc.Errors++
	cc.Logger.Printf("error: %s", fmt.Sprintf(format, args...))
}

// CompileZoneList compiles every zone of the list into cc.DB. Zones
// with masters and a missing zone file are left empty awaiting their
// first transfer; every file that does exist must parse cleanly.
func (cc *CompileCtx) CompileZoneList(entries []ZoneListEntry) {
	for i := range entries {
		e := &entries[i]
		z := cc.DB.AddZone(e.Name)
		if _, err := os.Stat(e.File); err != nil {
			if e.Type() == Secondary {
				cc.Logger.Printf("CompileZoneList: zone %s: no zone file yet (%s), awaiting transfer",
					e.Name, e.File)
				continue
			}
			cc.error("zone %s: cannot open %s: %v", e.Name, e.File, err)
			continue
		}
		if err := cc.ReadZone(z, e.File); err != nil {
			cc.error("zone %s: %v", e.Name, err)
			continue
		}
		if z.SOA == nil {
			cc.error("zone %s: missing SOA record at the apex", e.Name)
		}
		if z.NS == nil {
			cc.error("zone %s: missing NS record set at the apex", e.Name)
		}
	}
}

// ReadZone parses one zone file into z. Syntax errors abort the file;
// semantic errors are counted record by record.
func (cc *CompileCtx) ReadZone(z *Zone, filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("cannot open %s: %v", filename, err)
	}
	defer f.Close()

	zp := dns.NewZoneParser(bufio.NewReader(f), z.Name, filename)
	zp.SetDefaultTTL(DefaultTTL)
	zp.SetIncludeAllowed(true)

	count := 0
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		cc.ProcessRR(z, rr)
		count++
	}
	if err := zp.Err(); err != nil {
		return fmt.Errorf("parse error: %v", err)
	}
	if cc.Verbose {
		cc.Logger.Printf("ReadZone: zone %s: processed %d RRs from %s", z.Name, count, filename)
	}
	return nil
}

// ProcessRR attaches one parsed RR to the zone: looks up the (owner,
// zone, type) RRset, creating it when absent; rejects wrong class,
// out-of-zone data, extra apex SOAs and TTL mismatches; drops exact
// duplicates silently. The first apex SOA and NS set the zone
// shortcuts.
func (cc *CompileCtx) ProcessRR(z *Zone, rr dns.RR) bool {
	hdr := rr.Header()

	if hdr.Class != dns.ClassINET {
		cc.error("zone %s: %s: only class IN is supported", z.Name, hdr.Name)
		return false
	}
	owner := CanonicalName(hdr.Name)
	if !dns.IsSubDomain(z.Name, owner) {
		cc.error("zone %s: %s: out of zone data", z.Name, owner)
		return false
	}
	if hdr.Rrtype == dns.TypeSOA {
		if owner != z.Name {
			cc.error("zone %s: SOA record with invalid domain name %s", z.Name, owner)
			return false
		}
		if z.SOA != nil && len(z.SOA.RRs) > 0 {
			cc.error("zone %s: this SOA record was already encountered", z.Name)
			return false
		}
	}

	node, stored, err := cc.DB.Tree.AtomizeRR(rr)
	if err != nil {
		cc.error("zone %s: %s: %v", z.Name, owner, err)
		return false
	}

	rs := cc.DB.Tree.FindRRset(node, z, hdr.Rrtype)
	if rs == nil {
		rs = &RRset{
			Zone:  z,
			Type:  hdr.Rrtype,
			Class: hdr.Class,
			TTL:   hdr.Ttl,
			RRs:   []RR{stored},
		}
		cc.DB.Tree.AddRRset(node, rs)
		if node == z.Apex {
			switch hdr.Rrtype {
			case dns.TypeSOA:
				z.SOA = rs
			case dns.TypeNS:
				z.NS = rs
			}
		}
		return true
	}

	if rs.TTL != hdr.Ttl {
		cc.error("zone %s: %s: TTL %d does not match the TTL %d of the %s RRset",
			z.Name, owner, hdr.Ttl, rs.TTL, dns.TypeToString[hdr.Rrtype])
		return false
	}
	for i := range rs.RRs {
		if rs.RRs[i].Equal(stored) {
			// silent duplicate drop, but give back the atom references
			releaseAtoms(stored)
			return false
		}
	}
	if len(rs.RRs) >= MaxRRsPerRRset {
		cc.error("zone %s: %s: %s RRset has more than %d RRs",
			z.Name, owner, dns.TypeToString[hdr.Rrtype], MaxRRsPerRRset)
		return false
	}
	rs.RRs = append(rs.RRs, stored)
	return true
}

func releaseAtoms(rr RR) {
	for _, a := range rr.Atoms {
		if a.Domain != nil && a.Domain.Usage > 0 {
			a.Domain.Usage--
		}
	}
}
