/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"log"

	"github.com/miekg/dns"
)

const (
	DefaultEdnsSize = 4096
	MaxCnameChain   = 8
)

// QueryEngine answers authoritative queries against the current
// database snapshot. Snapshot is called once per query; the returned
// database is immutable until the next reload swap.
type QueryEngine struct {
	Snapshot func() *NameDB
	Version  string // CHAOS version.server answer, "" refuses
	Identity string // CHAOS id.server answer, "" refuses
	EdnsSize uint16
	Verbose  bool
	Debug    bool
	Logger   *log.Logger
}

func NewQueryEngine(snap func() *NameDB, lg *log.Logger) *QueryEngine {
	return &QueryEngine{
		Snapshot: snap,
		EdnsSize: DefaultEdnsSize,
		Logger:   lg,
	}
}

// Respond builds the reply for r and writes it back, truncating to the
// client's buffer size over UDP.
func (qe *QueryEngine) Respond(w dns.ResponseWriter, r *dns.Msg) {
	tcp := isTcp(w)
	m := qe.Answer(r)
	if m == nil {
		return
	}
	if !tcp {
		TruncateReply(m, ClientBufSize(r, qe.size()))
	}
	if qe.Verbose {
		q := r.Question[0]
		qe.Logger.Printf("QueryEngine: %s %s %s from %s => %s (%d/%d/%d)",
			q.Name, dns.ClassToString[q.Qclass], dns.TypeToString[q.Qtype],
			w.RemoteAddr(), dns.RcodeToString[m.Rcode],
			len(m.Answer), len(m.Ns), len(m.Extra))
	}
	if err := w.WriteMsg(m); err != nil {
		qe.Logger.Printf("QueryEngine: write to %s failed: %v", w.RemoteAddr(), err)
	}
}

// Answer runs the resolution pipeline and returns the complete reply,
// untruncated. Exposed separately from Respond so it can be driven
// without sockets.
func (qe *QueryEngine) Answer(r *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = true
	m.Authoritative = true

	if len(r.Question) != 1 {
		m.Authoritative = false
		m.Rcode = dns.RcodeFormatError
		return m
	}
	q := r.Question[0]
	qname := CanonicalName(q.Name)

	opt := r.IsEdns0()
	dobit := opt != nil && opt.Do()
	finish := func() *dns.Msg {
		if opt != nil {
			m.SetEdns0(qe.size(), dobit)
		}
		return m
	}

	switch q.Qclass {
	case dns.ClassINET, dns.ClassANY:
	case dns.ClassCHAOS:
		qe.chaosAnswer(m, qname, q.Qtype)
		return finish()
	default:
		m.Authoritative = false
		m.Rcode = dns.RcodeRefused
		return finish()
	}

	switch q.Qtype {
	case dns.TypeAXFR, dns.TypeIXFR:
		// zone transfers only exist over TCP, on the transfer path
		m.Authoritative = false
		m.Rcode = dns.RcodeFormatError
		return finish()
	case dns.TypeMAILA, dns.TypeMAILB:
		m.Authoritative = false
		m.Rcode = dns.RcodeNotImplemented
		return finish()
	}

	db := qe.Snapshot()
	if db == nil {
		m.Authoritative = false
		m.Rcode = dns.RcodeRefused
		return finish()
	}
	z := db.FindZone(qname)
	if z != nil && q.Qtype == dns.TypeDS && qname == z.Name {
		// the parent holds the DS, when we serve it
		if pz := db.FindZone(parentName(qname)); pz != nil && pz.SOA != nil {
			z = pz
		}
	}
	if z == nil {
		m.Authoritative = false
		m.Rcode = dns.RcodeRefused
		return finish()
	}
	if z.SOA == nil {
		// configured but not yet loaded
		m.Authoritative = false
		m.Rcode = dns.RcodeServerFailure
		return finish()
	}

	a := &answer{
		qe: qe,
		db: db,
		z:  z,
		m:  m,
		do: dobit && z.IsSecure,
	}
	a.resolve(qname, q.Qtype)
	if a.servfail {
		m.Answer, m.Ns, m.Extra = nil, nil, nil
		m.Authoritative = false
		m.Rcode = dns.RcodeServerFailure
		return finish()
	}
	a.additionals()
	return finish()
}

func (qe *QueryEngine) size() uint16 {
	if qe.EdnsSize >= dns.MinMsgSize {
		return qe.EdnsSize
	}
	return DefaultEdnsSize
}

// chaosAnswer serves version.server and id.server (and the BIND
// spellings) when configured, everything else in CHAOS is refused.
func (qe *QueryEngine) chaosAnswer(m *dns.Msg, qname string, qtype uint16) {
	m.Authoritative = false
	var txt string
	if qtype == dns.TypeTXT || qtype == dns.TypeANY {
		switch qname {
		case "version.server.", "version.bind.":
			txt = qe.Version
		case "id.server.", "hostname.bind.":
			txt = qe.Identity
		}
	}
	if txt == "" {
		m.Rcode = dns.RcodeRefused
		return
	}
	m.Answer = append(m.Answer, &dns.TXT{
		Hdr: dns.RR_Header{
			Name:   m.Question[0].Name,
			Rrtype: dns.TypeTXT,
			Class:  dns.ClassCHAOS,
		},
		Txt: []string{txt},
	})
}

// answer carries the state of one resolution through the steps.
type answer struct {
	qe *QueryEngine
	db *NameDB
	z  *Zone
	m  *dns.Msg

	do         bool // zone is secure and client set DO
	hops       int
	servfail   bool
	answeredNS bool
	added      map[*RRset]bool
}

func (a *answer) resolve(qname string, qtype uint16) {
	t := a.db.Tree
	exact, _, ce := t.Search(qname)
	var node *NameNode
	if exact {
		node = ce
		if !node.IsExisting {
			// the node only holds rdata references, treat as absent
			exact = false
			ce = node.Parent
		}
	}
	// the encloser must hold or enclose data itself
	for ce != nil && !ce.IsExisting {
		ce = ce.Parent
	}
	if ce == nil {
		a.servfail = true
		return
	}

	from := ce
	if exact {
		from = node
	}
	if cut := a.findCut(from); cut != nil {
		if exact && cut == node && qtype == dns.TypeDS {
			a.positive(node, qname, qtype, true)
			return
		}
		a.referral(cut)
		return
	}

	if exact {
		a.positive(node, qname, qtype, false)
		return
	}

	if wc := ce.WildcardChild(); wc != nil && wc.IsExisting {
		a.wildcard(wc, ce, qname, qtype)
		return
	}

	a.nxdomain(qname, ce)
}

// findCut returns the highest delegation point at or below from within
// the zone, nil when the path to the apex carries no NS cut.
func (a *answer) findCut(from *NameNode) *NameNode {
	var cut *NameNode
	for p := from; p != nil && p != a.z.Apex; p = p.Parent {
		if a.db.Tree.FindRRset(p, a.z, dns.TypeNS) != nil {
			cut = p
		}
	}
	return cut
}

func (a *answer) positive(node *NameNode, qname string, qtype uint16, atCut bool) {
	t := a.db.Tree

	if qtype != dns.TypeCNAME && qtype != dns.TypeANY {
		if cname := t.FindRRset(node, a.z, dns.TypeCNAME); cname != nil {
			a.appendSet(&a.m.Answer, node, cname, node.Name, false)
			a.followCname(cname, qtype)
			return
		}
	}

	if qtype == dns.TypeANY {
		found := false
		for _, rs := range node.RRsets {
			if rs.Zone != a.z {
				continue
			}
			a.appendSet(&a.m.Answer, node, rs, node.Name, false)
			found = true
		}
		if !found {
			a.nodata(node, qname, atCut)
			return
		}
		a.authorityNS()
		return
	}

	rs := t.FindRRset(node, a.z, qtype)
	if rs == nil {
		a.nodata(node, qname, atCut)
		return
	}
	a.appendSet(&a.m.Answer, node, rs, node.Name, false)
	a.authorityNS()
}

// followCname restarts resolution at the chain target while it stays
// inside the zone. The resolver on the other end follows external
// targets itself.
func (a *answer) followCname(cname *RRset, qtype uint16) {
	if len(cname.RRs) == 0 || len(cname.RRs[0].Atoms) == 0 || !cname.RRs[0].Atoms[0].IsDomain() {
		return
	}
	target := cname.RRs[0].Atoms[0].Domain.Name
	if !dns.IsSubDomain(a.z.Name, target) {
		return
	}
	if a.hops >= MaxCnameChain {
		return
	}
	a.hops++
	a.resolve(target, qtype)
}

func (a *answer) wildcard(wc, ce *NameNode, qname string, qtype uint16) {
	t := a.db.Tree

	if a.do && a.z.NSEC3Params != nil && ce.NSEC3WcardCollision {
		a.servfail = true
		return
	}

	if qtype != dns.TypeCNAME && qtype != dns.TypeANY {
		if cname := t.FindRRset(wc, a.z, dns.TypeCNAME); cname != nil {
			a.appendSet(&a.m.Answer, wc, cname, qname, true)
			if a.do {
				a.denialWildcardAnswer(ce, qname)
			}
			a.followCname(cname, qtype)
			return
		}
	}

	if qtype == dns.TypeANY {
		found := false
		for _, rs := range wc.RRsets {
			if rs.Zone != a.z {
				continue
			}
			a.appendSet(&a.m.Answer, wc, rs, qname, true)
			found = true
		}
		if !found {
			a.wildcardNodata(wc, ce, qname)
			return
		}
		if a.do {
			a.denialWildcardAnswer(ce, qname)
		}
		a.authorityNS()
		return
	}

	rs := t.FindRRset(wc, a.z, qtype)
	if rs == nil {
		a.wildcardNodata(wc, ce, qname)
		return
	}
	a.appendSet(&a.m.Answer, wc, rs, qname, true)
	if a.do {
		a.denialWildcardAnswer(ce, qname)
	}
	a.authorityNS()
}

func (a *answer) nodata(node *NameNode, qname string, atCut bool) {
	a.authoritySOA()
	if a.do {
		a.denialNodata(node, qname, atCut)
	}
}

func (a *answer) wildcardNodata(wc, ce *NameNode, qname string) {
	a.authoritySOA()
	if a.do {
		a.denialWildcardNodata(wc, ce, qname)
	}
}

func (a *answer) nxdomain(qname string, ce *NameNode) {
	a.m.Rcode = dns.RcodeNameError
	a.authoritySOA()
	if a.do {
		a.denialNxdomain(qname, ce)
	}
}

func (a *answer) referral(cut *NameNode) {
	a.m.Authoritative = false
	ns := a.db.Tree.FindRRset(cut, a.z, dns.TypeNS)
	if ns == nil {
		a.servfail = true
		return
	}
	a.appendSet(&a.m.Ns, cut, ns, cut.Name, false)
	if a.do {
		if ds := a.db.Tree.FindRRset(cut, a.z, dns.TypeDS); ds != nil {
			a.appendSet(&a.m.Ns, cut, ds, cut.Name, false)
		} else {
			a.denialDelegationDS(cut)
		}
	}
}

// authorityNS places the apex NS set in the authority section of
// positive answers, unless it already is the answer.
func (a *answer) authorityNS() {
	if a.z.NS == nil || a.answeredNS || len(a.m.Ns) > 0 {
		return
	}
	a.appendSet(&a.m.Ns, a.z.Apex, a.z.NS, a.z.Name, false)
}

func (a *answer) authoritySOA() {
	if a.z.SOA == nil {
		return
	}
	a.appendSet(&a.m.Ns, a.z.Apex, a.z.SOA, a.z.Name, false)
}

// appendSet adds one RRset, and with DO its covering signatures, to a
// message section. Sets already present in the reply are skipped.
func (a *answer) appendSet(sec *[]dns.RR, node *NameNode, rs *RRset, owner string, synthetic bool) {
	if rs == nil {
		return
	}
	if a.added == nil {
		a.added = map[*RRset]bool{}
	}
	if a.added[rs] {
		return
	}
	a.added[rs] = true
	if rs == a.z.NS && sec == &a.m.Answer {
		a.answeredNS = true
	}

	var rrs []dns.RR
	var err error
	if synthetic {
		rrs, err = rs.SyntheticRRs(owner)
	} else {
		rrs, err = rs.DnsRRs(owner)
	}
	if err != nil {
		a.qe.Logger.Printf("appendSet: %s %s: %v", owner, dns.TypeToString[rs.Type], err)
		a.servfail = true
		return
	}
	*sec = append(*sec, rrs...)

	if a.do && rs.Type != dns.TypeRRSIG {
		*sec = append(*sec, a.signatures(node, rs.Type, owner, synthetic)...)
	}
}

// additionals fills the additional section with A and AAAA sets for
// names referenced by NS, MX and SRV records in the reply.
func (a *answer) additionals() {
	refs := make([]string, 0, 4)
	for _, sec := range [][]dns.RR{a.m.Answer, a.m.Ns} {
		for _, rr := range sec {
			switch x := rr.(type) {
			case *dns.NS:
				refs = append(refs, x.Ns)
			case *dns.MX:
				refs = append(refs, x.Mx)
			case *dns.SRV:
				refs = append(refs, x.Target)
			}
		}
	}

	seen := map[string]bool{}
	for _, ref := range refs {
		target := CanonicalName(ref)
		if seen[target] {
			continue
		}
		seen[target] = true
		node, ok := a.db.Tree.Get(target)
		if !ok {
			continue
		}
		for _, typ := range []uint16{dns.TypeA, dns.TypeAAAA} {
			rs := a.db.Tree.FindRRset(node, a.z, typ)
			if rs == nil {
				continue
			}
			a.appendSet(&a.m.Extra, node, rs, target, false)
		}
	}
}
