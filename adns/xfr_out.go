/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package adns

import (
	"log"
	"sync"

	"github.com/johanix/adns/adns/ixfr"
	"github.com/miekg/dns"
)

// envelopeBatch is how many RRs go into one transfer envelope before it
// is flushed to the wire.
const envelopeBatch = 500

// XfrOutResponder serves AXFR and IXFR requests arriving over TCP. The
// zone must be configured and loaded; an IXFR is answered from the
// journal when an unbroken serial chain exists, with a full transfer as
// the fallback RFC 1995 allows.
func XfrOutResponder(conf *Config, w dns.ResponseWriter, r *dns.Msg) {
	qname := CanonicalName(r.Question[0].Name)
	qtype := r.Question[0].Qtype

	reject := func(rcode int) {
		m := new(dns.Msg)
		m.SetRcode(r, rcode)
		w.WriteMsg(m)
	}

	if r.Question[0].Qclass != dns.ClassINET {
		reject(dns.RcodeRefused)
		return
	}
	if r.IsTsig() != nil && w.TsigStatus() != nil {
		log.Printf("XfrOut: zone %s: TSIG from %s did not verify: %v",
			qname, w.RemoteAddr(), w.TsigStatus())
		reject(dns.RcodeNotAuth)
		return
	}

	zd, known := conf.Internal.Registry.Get(qname)
	if !known {
		log.Printf("XfrOut: refusing %s for unconfigured zone %s from %s",
			dns.TypeToString[qtype], qname, w.RemoteAddr())
		reject(dns.RcodeRefused)
		return
	}
	if zd.Error {
		reject(dns.RcodeServerFailure)
		return
	}

	db := conf.Internal.Store.Current()
	var z *Zone
	if db != nil {
		z = db.Zone(qname)
	}
	if z == nil || z.SOA == nil {
		reject(dns.RcodeServerFailure)
		return
	}

	switch qtype {
	case dns.TypeAXFR:
		if _, err := ZoneTransferOut(w, r, db, z); err != nil {
			log.Printf("XfrOut: AXFR of %s to %s failed: %v", qname, w.RemoteAddr(), err)
		}

	case dns.TypeIXFR:
		clientSerial, ok := ixfrRequestSerial(r)
		if !ok {
			// the request must carry the client's SOA in authority
			reject(dns.RcodeFormatError)
			return
		}
		if !SerialGt(z.Serial(), clientSerial) {
			// client is current, one SOA says so
			soa, err := z.ApexSOA()
			if err != nil {
				reject(dns.RcodeServerFailure)
				return
			}
			m := new(dns.Msg)
			m.SetReply(r)
			m.Authoritative = true
			m.Answer = []dns.RR{soa}
			w.WriteMsg(m)
			return
		}
		if rrs, ok := ixfrFromJournal(conf, zd, z, clientSerial); ok {
			if err := streamXfrRRs(w, r, rrs); err != nil {
				log.Printf("XfrOut: IXFR of %s to %s failed: %v", qname, w.RemoteAddr(), err)
			}
			return
		}
		log.Printf("XfrOut: no journal chain %d..%d for %s, serving full zone",
			clientSerial, z.Serial(), qname)
		if _, err := ZoneTransferOut(w, r, db, z); err != nil {
			log.Printf("XfrOut: AXFR-style IXFR of %s to %s failed: %v", qname, w.RemoteAddr(), err)
		}
	}
}

// ixfrRequestSerial pulls the client's serial out of the SOA the IXFR
// request carries in its authority section.
func ixfrRequestSerial(r *dns.Msg) (uint32, bool) {
	for _, rr := range r.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Serial, true
		}
	}
	return 0, false
}

// ZoneTransferOut streams the full zone: leading SOA, every other
// record in tree order, trailing SOA. Returns the number of RRs sent.
func ZoneTransferOut(w dns.ResponseWriter, r *dns.Msg, db *NameDB, z *Zone) (int, error) {
	soa, err := z.ApexSOA()
	if err != nil {
		return 0, err
	}

	outbound_xfr := make(chan *dns.Envelope)
	tr := new(dns.Transfer)
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		tr.Out(w, r, outbound_xfr)
		wg.Done()
	}()

	total_sent := 0
	env := dns.Envelope{}
	env.RR = append(env.RR, soa)
	count := len(env.RR)

	werr := db.WalkZone(z, func(n *NameNode, rs *RRset) error {
		if rs == z.SOA {
			return nil
		}
		rrs, err := rs.DnsRRs(n.Name)
		if err != nil {
			return err
		}
		env.RR = append(env.RR, rrs...)
		count += len(rrs)

		if count >= envelopeBatch {
			total_sent += count
			outbound_xfr <- &env
			env = dns.Envelope{}
			count = 0
		}
		return nil
	})
	if werr != nil {
		// the stream is already half written, all we can do is stop
		close(outbound_xfr)
		wg.Wait()
		return total_sent, werr
	}

	env.RR = append(env.RR, soa) // trailing SOA
	total_sent += len(env.RR)
	outbound_xfr <- &env

	close(outbound_xfr)
	wg.Wait() // wait until everything is written out
	w.Close() // close connection

	log.Printf("ZoneTransferOut: %s: sent %d RRs to %s.", z.Name, total_sent, w.RemoteAddr())
	return total_sent, nil
}

// streamXfrRRs sends an already assembled answer body (an IXFR delta)
// through the transfer machinery, batched like a full transfer.
func streamXfrRRs(w dns.ResponseWriter, r *dns.Msg, rrs []dns.RR) error {
	outbound_xfr := make(chan *dns.Envelope)
	tr := new(dns.Transfer)
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		tr.Out(w, r, outbound_xfr)
		wg.Done()
	}()

	for len(rrs) > 0 {
		n := envelopeBatch
		if n > len(rrs) {
			n = len(rrs)
		}
		outbound_xfr <- &dns.Envelope{RR: rrs[:n]}
		rrs = rrs[n:]
	}

	close(outbound_xfr)
	wg.Wait()
	w.Close()
	return nil
}

// ixfrFromJournal assembles the delta from the client's serial to the
// zone's current one out of the committed journal transactions. Reports
// false when the chain is broken (missing serials, or a full transfer
// in the middle), which sends the caller down the AXFR path.
func ixfrFromJournal(conf *Config, zd *ZoneData, z *Zone, from uint32) ([]dns.RR, bool) {
	path := JournalPath(conf.Xfr.JournalDir, zd.ZoneName)
	txns, _, err := ReplayJournal(path)
	if err != nil || len(txns) == 0 {
		return nil, false
	}

	chain := &ixfr.Ixfr{InitialSerial: from, FinalSerial: from}
	for _, txn := range txns {
		if !SerialGt(txn.SerialNew, chain.FinalSerial) {
			continue // already covered
		}
		if txn.SerialOld != chain.FinalSerial {
			return nil, false
		}
		rrs, err := txn.RRs()
		if err != nil {
			return nil, false
		}
		part, err := ixfr.FromRRs(rrs)
		if err != nil || part.IsAxfr {
			return nil, false
		}
		if err := chain.Append(part); err != nil {
			return nil, false
		}
	}
	if chain.FinalSerial != z.Serial() || len(chain.Diffs) == 0 {
		return nil, false
	}

	soa, err := z.ApexSOA()
	if err != nil {
		return nil, false
	}
	return chain.AnswerRRs(soa), true
}
