/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/dchest/safefile"
	"github.com/miekg/dns"
)

// ImageMagic guards the compiled database format.
const ImageMagic = "NSDdbV06"

// WriteImage serialises the database to path, atomically via a
// temporary file and rename.
//
// Layout after the magic: u32 zone count and the zone apex dnames in
// insertion order; u32 domain count and all domain dnames in canonical
// tree order (their numbers are the positions, 1-based); the RRsets as
// {domain u32, zone u32, type u16, class u16, ttl u32, rr count u16,
// per RR atom count u16 + atoms}; a u32 zero terminator. A domain atom
// is the referenced domain's number (u32), a blob atom is u16 size +
// bytes; the type descriptor table decides which is which on read.
func (db *NameDB) WriteImage(path string) error {
	f, err := safefile.Create(path, 0644)
	if err != nil {
		return fmt.Errorf("cannot create %s: %v", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := db.writeImage(w); err != nil {
		return fmt.Errorf("writing %s: %v", path, err)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Commit()
}

func (db *NameDB) writeImage(w io.Writer) error {
	if _, err := w.Write([]byte(ImageMagic)); err != nil {
		return err
	}

	if err := writeU32(w, uint32(len(db.ZoneList))); err != nil {
		return err
	}
	for _, z := range db.ZoneList {
		if err := writeDname(w, z.Name); err != nil {
			return err
		}
	}

	// renumber in tree order so rdata references match the dname list
	owners := db.Tree.OwnersInOrder()
	for i, n := range owners {
		n.Number = uint32(i + 1)
	}
	if err := writeU32(w, uint32(len(owners))); err != nil {
		return err
	}
	for _, n := range owners {
		if err := writeDname(w, n.Name); err != nil {
			return err
		}
	}

	for _, n := range owners {
		for _, rs := range n.RRsets {
			if err := writeRRset(w, n, rs); err != nil {
				return err
			}
		}
	}
	return writeU32(w, 0)
}

func writeRRset(w io.Writer, n *NameNode, rs *RRset) error {
	if len(rs.RRs) > MaxRRsPerRRset {
		return fmt.Errorf("%s: %s RRset exceeds %d RRs", n.Name, dns.TypeToString[rs.Type], MaxRRsPerRRset)
	}
	if err := writeU32(w, n.Number); err != nil {
		return err
	}
	if err := writeU32(w, rs.Zone.Number); err != nil {
		return err
	}
	if err := writeU16(w, rs.Type); err != nil {
		return err
	}
	if err := writeU16(w, rs.Class); err != nil {
		return err
	}
	if err := writeU32(w, rs.TTL); err != nil {
		return err
	}
	if err := writeU16(w, uint16(len(rs.RRs))); err != nil {
		return err
	}
	for _, rr := range rs.RRs {
		if err := writeU16(w, uint16(len(rr.Atoms))); err != nil {
			return err
		}
		for i := range rr.Atoms {
			a := &rr.Atoms[i]
			if a.IsDomain() {
				if err := writeU32(w, a.Domain.Number); err != nil {
					return err
				}
			} else {
				if len(a.Blob) > 65535 {
					return fmt.Errorf("%s: blob atom exceeds 65535 bytes", n.Name)
				}
				if err := writeU16(w, uint16(len(a.Blob))); err != nil {
					return err
				}
				if _, err := w.Write(a.Blob); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// LoadImage reads a compiled database. The returned NameDB is not yet
// sealed; callers replay journals first, then Seal.
func LoadImage(path string) (*NameDB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %v", path, err)
	}
	defer f.Close()

	db, err := readImage(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return db, nil
}

func readImage(r io.Reader) (*NameDB, error) {
	magic := make([]byte, len(ImageMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, err
	}
	if string(magic) != ImageMagic {
		return nil, fmt.Errorf("bad magic %q, want %q", magic, ImageMagic)
	}

	db := NewNameDB()

	zcount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	zoneNames := make([]string, 0, zcount)
	for i := uint32(0); i < zcount; i++ {
		name, err := readDname(r)
		if err != nil {
			return nil, err
		}
		zoneNames = append(zoneNames, name)
	}

	dcount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	domains := make([]*NameNode, dcount+1) // 1-based
	for i := uint32(1); i <= dcount; i++ {
		name, err := readDname(r)
		if err != nil {
			return nil, err
		}
		n := db.Tree.Insert(name)
		if n.Number != i {
			return nil, fmt.Errorf("domain list out of tree order at %s", name)
		}
		domains[i] = n
	}
	for _, name := range zoneNames {
		if _, ok := db.Tree.Get(name); !ok {
			return nil, fmt.Errorf("zone %s has no domain entry", name)
		}
		db.AddZone(name)
	}

	for {
		dnum, err := readU32(r)
		if err != nil {
			return nil, err
		}
		if dnum == 0 {
			break
		}
		if dnum > dcount {
			return nil, fmt.Errorf("rrset references domain %d of %d", dnum, dcount)
		}
		node := domains[dnum]

		znum, err := readU32(r)
		if err != nil {
			return nil, err
		}
		if znum == 0 || znum > uint32(len(db.ZoneList)) {
			return nil, fmt.Errorf("rrset references zone %d of %d", znum, len(db.ZoneList))
		}
		zone := db.ZoneList[znum-1]

		rrtype, err := readU16(r)
		if err != nil {
			return nil, err
		}
		class, err := readU16(r)
		if err != nil {
			return nil, err
		}
		ttl, err := readU32(r)
		if err != nil {
			return nil, err
		}
		rrcount, err := readU16(r)
		if err != nil {
			return nil, err
		}

		rs := &RRset{
			Zone:  zone,
			Type:  rrtype,
			Class: class,
			TTL:   ttl,
			RRs:   make([]RR, 0, rrcount),
		}
		desc := DescriptorFor(rrtype)
		for i := 0; i < int(rrcount); i++ {
			acount, err := readU16(r)
			if err != nil {
				return nil, err
			}
			if acount > MaxRdataAtoms {
				return nil, fmt.Errorf("%s: RR with %d atoms", node.Name, acount)
			}
			var rr RR
			for ai := 0; ai < int(acount); ai++ {
				if atomKindIsDomain(desc, ai) {
					ref, err := readU32(r)
					if err != nil {
						return nil, err
					}
					if ref == 0 || ref > dcount {
						return nil, fmt.Errorf("%s: atom references domain %d of %d", node.Name, ref, dcount)
					}
					target := domains[ref]
					target.Usage++
					rr.Atoms = append(rr.Atoms, Atom{Domain: target})
				} else {
					size, err := readU16(r)
					if err != nil {
						return nil, err
					}
					blob := make([]byte, size)
					if _, err := io.ReadFull(r, blob); err != nil {
						return nil, err
					}
					rr.Atoms = append(rr.Atoms, Atom{Blob: blob})
				}
			}
			rs.RRs = append(rs.RRs, rr)
		}
		db.Tree.AddRRset(node, rs)
		if node == zone.Apex {
			switch rrtype {
			case dns.TypeSOA:
				zone.SOA = rs
			case dns.TypeNS:
				zone.NS = rs
			}
		}
	}

	return db, nil
}

// atomKindIsDomain maps an atom index to the descriptor field deciding
// its on-disk representation.
func atomKindIsDomain(desc TypeDescriptor, i int) bool {
	if i >= len(desc.Fields) {
		return false
	}
	switch desc.Fields[i] {
	case RdataNameCompressed, RdataNameUncompressed:
		return true
	}
	return false
}

func writeDname(w io.Writer, name string) error {
	buf := make([]byte, 256)
	off, err := dns.PackDomainName(name, buf, 0, nil, false)
	if err != nil {
		return fmt.Errorf("cannot pack dname %s: %v", name, err)
	}
	if _, err := w.Write([]byte{byte(dns.CountLabel(name)), byte(off)}); err != nil {
		return err
	}
	_, err = w.Write(buf[:off])
	return err
}

func readDname(r io.Reader) (string, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return "", err
	}
	wire := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(r, wire); err != nil {
		return "", err
	}
	name, _, err := dns.UnpackDomainName(wire, 0)
	if err != nil {
		return "", err
	}
	name = CanonicalName(name)
	if int(hdr[0]) != dns.CountLabel(name) {
		return "", fmt.Errorf("dname %s: label count %d does not match %d", name, dns.CountLabel(name), hdr[0])
	}
	return name, nil
}

func writeU16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
