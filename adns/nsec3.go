/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// NSEC3Params are the hashing parameters of an NSEC3-signed zone.
type NSEC3Params struct {
	Algorithm  uint8
	Flags      uint8
	Iterations uint16
	Salt       string // hex, "" when empty
}

func (p *NSEC3Params) String() string {
	salt := p.Salt
	if salt == "" {
		salt = "-"
	}
	return fmt.Sprintf("alg=%d flags=%d iter=%d salt=%s", p.Algorithm, p.Flags, p.Iterations, salt)
}

// HashOwner returns the canonical NSEC3 owner name for name in zone z.
func (z *Zone) HashOwner(name string) string {
	h := dns.HashName(name, z.NSEC3Params.Algorithm, z.NSEC3Params.Iterations, z.NSEC3Params.Salt)
	if h == "" {
		return ""
	}
	return strings.ToLower(h) + "." + z.Name
}

// PrecomputeNSEC3 detects whether z is NSEC3-signed and fills in the
// cover, wildcard-cover, DS-parent-cover and exact links on every node
// of the zone. No-op for unsigned zones.
func (db *NameDB) PrecomputeNSEC3(z *Zone) error {
	params := db.findNSEC3Params(z)
	z.NSEC3Params = params
	z.NSEC3Last = nil
	z.nsec3Ring = nil
	if params == nil {
		return nil
	}

	// NSEC3 owners sort in hash order: base32hex preserves it and all
	// owners share the zone suffix.
	for _, n := range db.Tree.OwnersInOrder() {
		if !dns.IsSubDomain(z.Name, n.Name) {
			continue
		}
		if db.Tree.FindRRset(n, z, dns.TypeNSEC3) != nil {
			z.nsec3Ring = append(z.nsec3Ring, n)
		}
	}
	if len(z.nsec3Ring) == 0 {
		z.NSEC3Params = nil
		return nil
	}
	z.NSEC3Last = z.nsec3Ring[len(z.nsec3Ring)-1]

	for _, n := range db.Tree.OwnersInOrder() {
		if !dns.IsSubDomain(z.Name, n.Name) {
			continue
		}
		if db.nsec3Only(n, z) {
			continue
		}
		own := z.HashOwner(n.Name)
		if own == "" {
			return fmt.Errorf("zone %s: cannot hash %s (%s)", z.Name, n.Name, z.NSEC3Params.String())
		}
		cover, exact := z.nsec3Cover(own)
		n.NSEC3Cover = cover
		if exact {
			n.NSEC3Exact = cover
		} else {
			n.NSEC3Exact = nil
		}

		wcard := z.HashOwner("*." + n.Name)
		wcover, _ := z.nsec3Cover(wcard)
		n.NSEC3WcardChildCover = wcover
		n.NSEC3WcardCollision = false
		if wcard == own {
			n.NSEC3WcardCollision = true
			log.Printf("PrecomputeNSEC3: zone %s: wildcard hash collision at %s (%s)",
				z.Name, n.Name, z.NSEC3Params.String())
		}

		// zone cuts answer DS from the parent side
		if n != z.Apex && (db.Tree.FindRRset(n, z, dns.TypeNS) != nil || n.IsApex) {
			n.NSEC3DSParentCover = cover
			if exact {
				n.NSEC3DSParentExact = cover
			} else {
				n.NSEC3DSParentExact = nil
			}
		}
	}
	return nil
}

// nsec3Only reports whether n exists purely as an NSEC3 owner.
func (db *NameDB) nsec3Only(n *NameNode, z *Zone) bool {
	if len(n.RRsets) == 0 {
		return false
	}
	for _, rs := range n.RRsets {
		if rs.Zone != z {
			return false
		}
		if rs.Type != dns.TypeNSEC3 && rs.Type != dns.TypeRRSIG {
			return false
		}
	}
	return true
}

// nsec3Cover finds the ring node for hashOwner: exact or the greatest
// predecessor, wrapping to the last node when the hash precedes the
// first.
func (z *Zone) nsec3Cover(hashOwner string) (*NameNode, bool) {
	ring := z.nsec3Ring
	if len(ring) == 0 {
		return nil, false
	}
	i := sort.Search(len(ring), func(i int) bool {
		return CanonicalNameCompare(ring[i].Name, hashOwner) > 0
	})
	if i > 0 && ring[i-1].Name == hashOwner {
		return ring[i-1], true
	}
	if i == 0 {
		return ring[len(ring)-1], false
	}
	return ring[i-1], false
}

// findNSEC3Params extracts the zone's NSEC3 parameters: from an apex
// NSEC3PARAM when present, otherwise from an NSEC3 RR whose type bitmap
// has the SOA bit set.
func (db *NameDB) findNSEC3Params(z *Zone) *NSEC3Params {
	if rs := db.Tree.FindRRset(z.Apex, z, dns.TypeNSEC3PARAM); rs != nil && len(rs.RRs) > 0 {
		if p := parseNSEC3Blob(rs.RRs[0], false); p != nil {
			return p
		}
	}

	for _, n := range db.Tree.OwnersInOrder() {
		if !dns.IsSubDomain(z.Name, n.Name) {
			continue
		}
		rs := db.Tree.FindRRset(n, z, dns.TypeNSEC3)
		if rs == nil || len(rs.RRs) == 0 {
			continue
		}
		if p := parseNSEC3Blob(rs.RRs[0], true); p != nil {
			return p
		}
	}
	return nil
}

// parseNSEC3Blob reads parameters from a stored NSEC3 or NSEC3PARAM RR.
// With needSOABit set, the type bitmap must have the SOA bit (the RR at
// the apex hash).
func parseNSEC3Blob(rr RR, needSOABit bool) *NSEC3Params {
	if len(rr.Atoms) == 0 || rr.Atoms[0].IsDomain() {
		return nil
	}
	b := rr.Atoms[0].Blob
	if len(b) < 5 {
		return nil
	}
	p := &NSEC3Params{
		Algorithm:  b[0],
		Flags:      b[1],
		Iterations: binary.BigEndian.Uint16(b[2:4]),
	}
	saltlen := int(b[4])
	if len(b) < 5+saltlen {
		return nil
	}
	p.Salt = strings.ToUpper(hex.EncodeToString(b[5 : 5+saltlen]))

	if !needSOABit {
		return p
	}
	// skip next-hash, then walk the bitmap for type SOA (6): window 0,
	// byte 0, mask 0x02
	off := 5 + saltlen
	if len(b) < off+1 {
		return nil
	}
	hashlen := int(b[off])
	off += 1 + hashlen
	for off+2 <= len(b) {
		window := b[off]
		wlen := int(b[off+1])
		off += 2
		if off+wlen > len(b) {
			return nil
		}
		if window == 0 && wlen > 0 && b[off]&0x02 != 0 {
			return p
		}
		off += wlen
	}
	return nil
}
