/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/miekg/dns"
)

// RdataKind describes one rdata field in the type descriptor table.
type RdataKind uint8

const (
	RdataNameCompressed   RdataKind = iota // domain reference, compressible on the wire
	RdataNameUncompressed                  // domain reference, never compressed
	RdataNameLiteral                       // dname kept inline as a blob
	RdataByte
	RdataShort
	RdataLong
	RdataString    // length-prefixed character-string
	RdataRemaining // rest of the rdata as one blob
)

// MaxRdataAtoms bounds the number of atoms in one RR.
const MaxRdataAtoms = 64

// MaxRRsPerRRset is the u16 bound shared by the wire and the image.
const MaxRRsPerRRset = 65535

type TypeDescriptor struct {
	Type   uint16
	Fields []RdataKind
}

var typeDescriptors = map[uint16]TypeDescriptor{
	dns.TypeNS:    {dns.TypeNS, []RdataKind{RdataNameCompressed}},
	dns.TypeMD:    {dns.TypeMD, []RdataKind{RdataNameCompressed}},
	dns.TypeMF:    {dns.TypeMF, []RdataKind{RdataNameCompressed}},
	dns.TypeCNAME: {dns.TypeCNAME, []RdataKind{RdataNameCompressed}},
	dns.TypeSOA: {dns.TypeSOA, []RdataKind{RdataNameCompressed, RdataNameCompressed,
		RdataLong, RdataLong, RdataLong, RdataLong, RdataLong}},
	dns.TypeMB:    {dns.TypeMB, []RdataKind{RdataNameCompressed}},
	dns.TypeMG:    {dns.TypeMG, []RdataKind{RdataNameCompressed}},
	dns.TypeMR:    {dns.TypeMR, []RdataKind{RdataNameCompressed}},
	dns.TypePTR:   {dns.TypePTR, []RdataKind{RdataNameCompressed}},
	dns.TypeMINFO: {dns.TypeMINFO, []RdataKind{RdataNameCompressed, RdataNameCompressed}},
	dns.TypeMX:    {dns.TypeMX, []RdataKind{RdataShort, RdataNameCompressed}},
	dns.TypeRP:    {dns.TypeRP, []RdataKind{RdataNameUncompressed, RdataNameUncompressed}},
	dns.TypeAFSDB: {dns.TypeAFSDB, []RdataKind{RdataShort, RdataNameUncompressed}},
	dns.TypeRT:    {dns.TypeRT, []RdataKind{RdataShort, RdataNameCompressed}},
	dns.TypeKX:    {dns.TypeKX, []RdataKind{RdataShort, RdataNameUncompressed}},
	dns.TypeSRV: {dns.TypeSRV, []RdataKind{RdataShort, RdataShort, RdataShort,
		RdataNameUncompressed}},
	dns.TypeNAPTR: {dns.TypeNAPTR, []RdataKind{RdataShort, RdataShort, RdataString,
		RdataString, RdataString, RdataNameLiteral}},
	dns.TypePX:    {dns.TypePX, []RdataKind{RdataShort, RdataNameUncompressed, RdataNameUncompressed}},
	dns.TypeDNAME: {dns.TypeDNAME, []RdataKind{RdataNameUncompressed}},
	dns.TypeSIG: {dns.TypeSIG, []RdataKind{RdataShort, RdataByte, RdataByte, RdataLong,
		RdataLong, RdataLong, RdataShort, RdataNameLiteral, RdataRemaining}},
	dns.TypeRRSIG: {dns.TypeRRSIG, []RdataKind{RdataShort, RdataByte, RdataByte, RdataLong,
		RdataLong, RdataLong, RdataShort, RdataNameLiteral, RdataRemaining}},
	dns.TypeNSEC: {dns.TypeNSEC, []RdataKind{RdataNameUncompressed, RdataRemaining}},
}

// DescriptorFor returns the rdata layout for rrtype. Unknown types
// decode as a single opaque blob.
func DescriptorFor(rrtype uint16) TypeDescriptor {
	if d, ok := typeDescriptors[rrtype]; ok {
		return d
	}
	return TypeDescriptor{Type: rrtype, Fields: []RdataKind{RdataRemaining}}
}

// Atom is one rdata field: either a reference into the name tree or an
// opaque blob, never both.
type Atom struct {
	Domain *NameNode
	Blob   []byte
}

func (a *Atom) IsDomain() bool {
	return a.Domain != nil
}

// RR is the stored form of one resource record: its rdata as atoms. The
// owner, type, class and TTL live on the enclosing RRset.
type RR struct {
	Atoms []Atom
}

// Equal compares two stored RRs: domain atoms by node identity, blobs
// by bytes.
func (rr RR) Equal(other RR) bool {
	if len(rr.Atoms) != len(other.Atoms) {
		return false
	}
	for i := range rr.Atoms {
		a, b := &rr.Atoms[i], &other.Atoms[i]
		if a.IsDomain() != b.IsDomain() {
			return false
		}
		if a.IsDomain() {
			if a.Domain != b.Domain {
				return false
			}
		} else if !bytes.Equal(a.Blob, b.Blob) {
			return false
		}
	}
	return true
}

// RRset is the set of all RRs of one type at one owner, belonging to
// exactly one zone.
type RRset struct {
	Zone  *Zone
	Type  uint16
	Class uint16
	TTL   uint32
	RRs   []RR

	wire []dns.RR // sealed conversion, set once before serving
}

// AtomizeRR interns a wire RR into the tree: the owner node is created
// (or found) and rdata domain names become tree references.
func (t *NameTree) AtomizeRR(rr dns.RR) (*NameNode, RR, error) {
	var out RR

	buf := make([]byte, dns.Len(rr)+64)
	off, err := dns.PackRR(rr, buf, 0, nil, false)
	if err != nil {
		return nil, out, fmt.Errorf("cannot pack %s RR: %v", dns.TypeToString[rr.Header().Rrtype], err)
	}
	buf = buf[:off]

	_, pos, err := dns.UnpackDomainName(buf, 0)
	if err != nil {
		return nil, out, err
	}
	if pos+10 > len(buf) {
		return nil, out, fmt.Errorf("short RR wire form")
	}
	rdlen := int(binary.BigEndian.Uint16(buf[pos+8 : pos+10]))
	rdata := buf[pos+10:]
	if len(rdata) != rdlen {
		return nil, out, fmt.Errorf("rdlength mismatch: %d != %d", len(rdata), rdlen)
	}

	owner := t.Insert(CanonicalName(rr.Header().Name))

	desc := DescriptorFor(rr.Header().Rrtype)
	p := 0
	for _, kind := range desc.Fields {
		if kind == RdataRemaining {
			if p < len(rdata) {
				out.Atoms = append(out.Atoms, Atom{Blob: append([]byte{}, rdata[p:]...)})
			}
			p = len(rdata)
			break
		}
		if p >= len(rdata) {
			return nil, out, fmt.Errorf("%s rdata too short", dns.TypeToString[rr.Header().Rrtype])
		}
		switch kind {
		case RdataNameCompressed, RdataNameUncompressed:
			name, np, err := dns.UnpackDomainName(rdata, p)
			if err != nil {
				return nil, out, err
			}
			node := t.Insert(CanonicalName(name))
			node.Usage++
			out.Atoms = append(out.Atoms, Atom{Domain: node})
			p = np
		case RdataNameLiteral:
			_, np, err := dns.UnpackDomainName(rdata, p)
			if err != nil {
				return nil, out, err
			}
			out.Atoms = append(out.Atoms, Atom{Blob: append([]byte{}, rdata[p:np]...)})
			p = np
		case RdataByte:
			out.Atoms = append(out.Atoms, Atom{Blob: append([]byte{}, rdata[p:p+1]...)})
			p++
		case RdataShort:
			if p+2 > len(rdata) {
				return nil, out, fmt.Errorf("%s rdata too short", dns.TypeToString[rr.Header().Rrtype])
			}
			out.Atoms = append(out.Atoms, Atom{Blob: append([]byte{}, rdata[p:p+2]...)})
			p += 2
		case RdataLong:
			if p+4 > len(rdata) {
				return nil, out, fmt.Errorf("%s rdata too short", dns.TypeToString[rr.Header().Rrtype])
			}
			out.Atoms = append(out.Atoms, Atom{Blob: append([]byte{}, rdata[p:p+4]...)})
			p += 4
		case RdataString:
			n := int(rdata[p])
			if p+1+n > len(rdata) {
				return nil, out, fmt.Errorf("%s character-string overruns rdata", dns.TypeToString[rr.Header().Rrtype])
			}
			out.Atoms = append(out.Atoms, Atom{Blob: append([]byte{}, rdata[p:p+1+n]...)})
			p += 1 + n
		}
		if len(out.Atoms) > MaxRdataAtoms {
			return nil, out, fmt.Errorf("more than %d rdata atoms", MaxRdataAtoms)
		}
	}
	if p != len(rdata) {
		return nil, out, fmt.Errorf("%s rdata has %d trailing bytes", dns.TypeToString[rr.Header().Rrtype], len(rdata)-p)
	}

	return owner, out, nil
}

// WireRR reassembles a servable dns.RR from the stored atoms.
func (rr RR) WireRR(owner string, rrtype uint16, class uint16, ttl uint32) (dns.RR, error) {
	rdata := make([]byte, 0, 64)
	for i := range rr.Atoms {
		a := &rr.Atoms[i]
		if a.IsDomain() {
			nbuf := make([]byte, 256)
			off, err := dns.PackDomainName(a.Domain.Name, nbuf, 0, nil, false)
			if err != nil {
				return nil, err
			}
			rdata = append(rdata, nbuf[:off]...)
		} else {
			rdata = append(rdata, a.Blob...)
		}
	}
	if len(rdata) > 65535 {
		return nil, fmt.Errorf("rdata of %s exceeds 65535 bytes", owner)
	}

	buf := make([]byte, 0, len(rdata)+len(owner)+16)
	nbuf := make([]byte, 256)
	off, err := dns.PackDomainName(owner, nbuf, 0, nil, false)
	if err != nil {
		return nil, err
	}
	buf = append(buf, nbuf[:off]...)
	buf = binary.BigEndian.AppendUint16(buf, rrtype)
	buf = binary.BigEndian.AppendUint16(buf, class)
	buf = binary.BigEndian.AppendUint32(buf, ttl)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(rdata)))
	buf = append(buf, rdata...)

	out, _, err := dns.UnpackRR(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot unpack rebuilt %s RR at %s: %v",
			dns.TypeToString[rrtype], owner, err)
	}
	return out, nil
}

// DnsRRs returns the servable form of the whole RRset under its own
// owner. Sealed sets return the prebuilt slice; unsealed sets convert
// on the fly.
func (rs *RRset) DnsRRs(owner string) ([]dns.RR, error) {
	if rs.wire != nil {
		return rs.wire, nil
	}
	return rs.buildWire(owner)
}

// SyntheticRRs rebuilds the set under a substituted owner, used when a
// wildcard answers for the query name. Never served from the sealed
// slice since that carries the wildcard owner.
func (rs *RRset) SyntheticRRs(owner string) ([]dns.RR, error) {
	return rs.buildWire(owner)
}

func (rs *RRset) buildWire(owner string) ([]dns.RR, error) {
	out := make([]dns.RR, 0, len(rs.RRs))
	for _, rr := range rs.RRs {
		w, err := rr.WireRR(owner, rs.Type, rs.Class, rs.TTL)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// Seal precomputes the servable RRs. Must be called before the set is
// shared with query workers.
func (rs *RRset) Seal(owner string) error {
	w, err := rs.buildWire(owner)
	if err != nil {
		return err
	}
	rs.wire = w
	return nil
}
