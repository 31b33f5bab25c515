/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package adns

import (
	"log"
	"net"

	"github.com/miekg/dns"
)

// NotifyHandler drains the inbound NOTIFY queue fed by the DNS engine.
func NotifyHandler(conf *Config, stopch chan struct{}) error {
	dnsnotifyq := conf.Internal.DnsNotifyQ

	log.Printf("*** DnsNotifyResponderEngine: starting")
	for {
		select {
		case <-stopch:
			log.Println("DnsNotifyResponderEngine: terminating")
			return nil
		case dnr, ok := <-dnsnotifyq:
			if !ok {
				log.Println("DnsNotifyResponderEngine: dnsnotifyq closed")
				return nil
			}
			NotifyResponder(conf, &dnr)
		}
	}
}

// NotifyResponder validates one NOTIFY and forwards acceptable ones to
// the transfer coordinator. Only NOTIFY(SOA) for a configured secondary
// zone, arriving from one of its masters, is acted on.
func NotifyResponder(conf *Config, dnr *DnsNotifyRequest) error {
	qname := dnr.Qname
	ntype := dnr.Msg.Question[0].Qtype

	log.Printf("NotifyResponder: Received NOTIFY(%s) for zone %q", dns.TypeToString[ntype], qname)

	refuse := func(rcode int) error {
		m := new(dns.Msg)
		m.SetRcode(dnr.Msg, rcode)
		return dnr.ResponseWriter.WriteMsg(m)
	}

	zd, found := conf.Internal.Registry.Get(qname)
	if !found {
		log.Printf("NotifyResponder: Received NOTIFY for unknown zone %q. Refusing.", qname)
		return refuse(dns.RcodeRefused)
	}
	if zd.ZoneType != Secondary {
		log.Printf("NotifyResponder: Received NOTIFY for zone %q, but it is not a secondary here. Refusing.", qname)
		return refuse(dns.RcodeRefused)
	}

	if dnr.Msg.IsTsig() != nil && dnr.ResponseWriter.TsigStatus() != nil {
		log.Printf("NotifyResponder: zone %q: bad TSIG on NOTIFY: %v", qname, dnr.ResponseWriter.TsigStatus())
		return refuse(dns.RcodeNotAuth)
	}

	source := notifySourceMaster(zd, dnr.ResponseWriter.RemoteAddr())
	if source == "" {
		log.Printf("NotifyResponder: zone %q: NOTIFY from %s, which is not a configured master. Refusing.",
			qname, dnr.ResponseWriter.RemoteAddr())
		return refuse(dns.RcodeRefused)
	}

	m := new(dns.Msg)
	m.SetReply(dnr.Msg)
	m.SetRcode(dnr.Msg, dns.RcodeSuccess)
	m.Authoritative = true

	if ntype != dns.TypeSOA {
		// only SOA change notifications are acted on
		log.Printf("NotifyResponder: NOTIFY(%s) for %q noted and ignored", dns.TypeToString[ntype], qname)
		return dnr.ResponseWriter.WriteMsg(m)
	}

	var serial *uint32
	if len(dnr.Msg.Answer) > 0 {
		if soa, ok := dnr.Msg.Answer[0].(*dns.SOA); ok {
			s := soa.Serial
			serial = &s
		}
	}

	conf.Internal.XfrdNotifyQ <- XfrdNotify{
		ZoneName: zd.ZoneName,
		Serial:   serial,
		Source:   source,
	}
	log.Printf("NotifyResponder: NOTIFY(SOA) for %q forwarded to the transfer coordinator", qname)

	return dnr.ResponseWriter.WriteMsg(m)
}

// notifySourceMaster matches the sender address against the zone's
// configured masters by host and returns the configured master string,
// empty when the sender is not a master.
func notifySourceMaster(zd *ZoneData, remote net.Addr) string {
	if remote == nil {
		return ""
	}
	rhost, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		rhost = remote.String()
	}
	for _, master := range zd.Masters {
		mhost, _, err := net.SplitHostPort(master)
		if err != nil {
			mhost = master
		}
		if mhost == rhost {
			return master
		}
	}
	return ""
}
