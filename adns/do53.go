/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package adns

import (
	"log"
	"strings"

	"github.com/miekg/dns"
)

// DnsEngine starts the listeners: one dns.Server per address and
// transport, times the configured worker count. Workers beyond the
// first share the port via SO_REUSEPORT.
func DnsEngine(conf *Config) error {
	authDNSHandler := createAuthDnsHandler(conf)
	dns.HandleFunc(".", authDNSHandler)

	addresses := conf.DnsEngine.Addresses
	workers := conf.DnsEngine.Workers
	if workers < 1 {
		workers = 1
	}
	log.Printf("DnsEngine: UDP/TCP addresses: %v (%d worker sets)", addresses, workers)
	for _, addr := range addresses {
		for _, transport := range []string{"udp", "tcp"} {
			for set := 0; set < workers; set++ {
				go func(addr, transport string) {
					log.Printf("DnsEngine: serving on %s (%s)\n", addr, transport)
					server := &dns.Server{
						Addr:          addr,
						Net:           transport,
						MsgAcceptFunc: MsgAcceptFunc, // NOTIFY and IXFR carry extra section RRs
						TsigSecret:    conf.Internal.TsigSecrets,
						ReusePort:     workers > 1,
					}

					// Transfer requests and signed NOTIFYs can be
					// larger than plain queries.
					server.UDPSize = dns.DefaultMsgSize // 4096
					if err := server.ListenAndServe(); err != nil {
						log.Printf("Failed to setup the %s server: %s", transport, err.Error())
					} else {
						log.Printf("DnsEngine: listening on %s/%s", addr, transport)
					}
				}(addr, transport)
			}
		}
	}
	return nil
}

func createAuthDnsHandler(conf *Config) func(w dns.ResponseWriter, r *dns.Msg) {
	dnsnotifyq := conf.Internal.DnsNotifyQ

	qe := NewQueryEngine(conf.Internal.Store.Current, log.Default())
	qe.Version = conf.Service.Version
	qe.Identity = conf.Service.Identity
	qe.Verbose = Globals.Verbose
	qe.Debug = Globals.Debug

	stats := conf.Internal.Stats

	return func(w dns.ResponseWriter, r *dns.Msg) {
		qname := r.Question[0].Name

		switch r.Opcode {
		case dns.OpcodeNotify:
			if Globals.Debug {
				log.Printf("DnsHandler: qname: %s opcode: %s. len(dnsnotifyq): %d",
					qname, dns.OpcodeToString[r.Opcode], len(dnsnotifyq))
			}
			stats.Notifies.Add(1)
			// A NOTIFY may trigger a slow inbound transfer
			dnsnotifyq <- DnsNotifyRequest{ResponseWriter: w, Msg: r, Qname: qname}
			// Not waiting for a result
			return

		case dns.OpcodeQuery:
			qtype := r.Question[0].Qtype
			if qtype == dns.TypeAXFR || qtype == dns.TypeIXFR {
				if isTcp(w) {
					stats.XfrOut.Add(1)
					XfrOutResponder(conf, w, r)
					return
				}
				// over UDP the query path rejects these with FORMERR
			}
			stats.Queries.Add(1)
			qe.Respond(w, r)
			return

		default:
			// MsgAcceptFunc keeps other opcodes out; answer anyway in
			// case a packet slips through on a shared mux
			m := new(dns.Msg)
			m.SetRcode(r, dns.RcodeNotImplemented)
			w.WriteMsg(m)
		}
	}
}

func isTcp(w dns.ResponseWriter) bool {
	return strings.HasPrefix(w.RemoteAddr().Network(), "tcp")
}
