/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package adns

import (
	"fmt"
	"strings"
	"time"

	"github.com/johanix/adns/adns/ixfr"
	"github.com/miekg/dns"
)

// ProbeOutcome classifies the reply to a UDP IXFR probe.
type ProbeOutcome uint8

const (
	ProbeUpToDate ProbeOutcome = iota // single SOA, nothing newer
	ProbeDelta                        // complete increment in the datagram
	ProbeNeedTcp                      // truncated, retry IXFR over TCP
	ProbeNeedAxfr                     // master has newer but offers no increment
)

var ProbeOutcomeToString = map[ProbeOutcome]string{
	ProbeUpToDate: "up-to-date",
	ProbeDelta:    "delta",
	ProbeNeedTcp:  "need-tcp",
	ProbeNeedAxfr: "need-axfr",
}

const xfrTimeout = 30 * time.Second

// IxfrProbe asks the master for an increment over UDP. On ProbeDelta
// the returned message is the complete validated increment, ready to be
// journalled as a single part.
func (zd *ZoneData) IxfrProbe(conf *Config, upstream string, soaDisk SoaInfo) (ProbeOutcome, *dns.Msg, time.Duration, error) {
	m := new(dns.Msg)
	m.SetIxfr(zd.ZoneName, soaDisk.Serial, "", "")
	secrets := zd.tsigSign(conf, upstream, m)

	c := &dns.Client{
		Net:        "udp",
		UDPSize:    dns.DefaultMsgSize,
		Timeout:    xfrTimeout,
		TsigSecret: secrets,
	}
	in, rtt, err := c.Exchange(m, upstream)
	if err != nil {
		return 0, nil, rtt, err
	}
	if in.Rcode != dns.RcodeSuccess {
		return 0, nil, rtt, fmt.Errorf("IXFR probe of %s at %s: %s",
			zd.ZoneName, upstream, dns.RcodeToString[in.Rcode])
	}
	if in.Truncated {
		return ProbeNeedTcp, nil, rtt, nil
	}
	if len(in.Answer) == 0 {
		return 0, nil, rtt, fmt.Errorf("IXFR probe of %s at %s: empty answer", zd.ZoneName, upstream)
	}

	body, err := ixfr.FromRRs(in.Answer)
	if err != nil {
		return 0, nil, rtt, fmt.Errorf("IXFR probe of %s at %s: %v", zd.ZoneName, upstream, err)
	}
	switch {
	case len(in.Answer) == 1:
		if SerialGt(body.FinalSerial, soaDisk.Serial) {
			// newer serial but no increment over UDP
			return ProbeNeedAxfr, nil, rtt, nil
		}
		return ProbeUpToDate, nil, rtt, nil
	case body.IsAxfr:
		// a full zone cannot be trusted to one datagram
		return ProbeNeedAxfr, nil, rtt, nil
	}
	if body.InitialSerial != soaDisk.Serial {
		return 0, nil, rtt, fmt.Errorf("IXFR probe of %s at %s: increment starts at %d, have %d",
			zd.ZoneName, upstream, body.InitialSerial, soaDisk.Serial)
	}
	if !SerialGt(body.FinalSerial, soaDisk.Serial) {
		return 0, nil, rtt, fmt.Errorf("IXFR probe of %s at %s: serial went backwards (%d from %d)",
			zd.ZoneName, upstream, body.FinalSerial, soaDisk.Serial)
	}
	if err := checkBodyInZone(zd.ZoneName, in.Answer); err != nil {
		return 0, nil, rtt, err
	}
	return ProbeDelta, in, rtt, nil
}

// ZoneTransferIn pulls the zone over TCP, as IXFR from serial when
// ttype is "ixfr", otherwise as AXFR. The stream is validated and
// returned as packed messages, one per envelope, for journalling,
// together with the timer values of the new SOA.
func (zd *ZoneData) ZoneTransferIn(conf *Config, upstream string, serial uint32, ttype string) ([][]byte, uint16, SoaInfo, error) {
	if upstream == "" {
		return nil, 0, SoaInfo{}, fmt.Errorf("zone %s: no upstream to transfer from", zd.ZoneName)
	}

	msg := new(dns.Msg)
	if ttype == "ixfr" {
		msg.SetIxfr(zd.ZoneName, serial, "", "")
	} else {
		msg.SetAxfr(zd.ZoneName)
	}

	transfer := &dns.Transfer{
		TsigSecret: zd.tsigSign(conf, upstream, msg),
	}
	answerChan, err := transfer.In(msg, upstream)
	if err != nil {
		zd.Logger.Printf("Error from transfer.In: %v\n", err)
		return nil, 0, SoaInfo{}, err
	}

	var parts [][]byte
	var body []dns.RR
	count := 0
	for envelope := range answerChan {
		if envelope.Error != nil {
			// a broken or badly signed stream is discarded whole
			zd.Logger.Printf("ZoneTransferIn: zone %s error: %v", zd.ZoneName, envelope.Error)
			return nil, 0, SoaInfo{}, envelope.Error
		}
		if len(envelope.RR) == 0 {
			continue
		}
		part, err := packXfrPart(zd.ZoneName, msg.Question[0].Qtype, envelope.RR)
		if err != nil {
			return nil, 0, SoaInfo{}, err
		}
		parts = append(parts, part)
		body = append(body, envelope.RR...)
		count += len(envelope.RR)
	}
	if len(body) == 0 {
		return nil, 0, SoaInfo{}, fmt.Errorf("zone %s: empty transfer from %s", zd.ZoneName, upstream)
	}

	newSoa, err := validateXfrBody(zd.ZoneName, serial, ttype, body)
	if err != nil {
		return nil, 0, SoaInfo{}, err
	}

	zd.Logger.Printf("*** Zone %s transferred from upstream %s: %d RRs, serial %d. No errors.",
		zd.ZoneName, upstream, count, newSoa.Serial)
	return parts, msg.Id, newSoa, nil
}

// tsigSign puts a TSIG request on m when a key is bound to the peer and
// returns the secret map for the exchange, nil for unsigned traffic.
func (zd *ZoneData) tsigSign(conf *Config, peer string, m *dns.Msg) map[string]string {
	keyname := zd.TsigKeyFor(peer)
	if keyname == "" {
		return nil
	}
	td := conf.Internal.TsigDetails[keyname]
	if td == nil {
		zd.Logger.Printf("zone %s: key %s bound to %s is not configured", zd.ZoneName, keyname, peer)
		return nil
	}
	m.SetTsig(keyname, TsigAlgorithm(td.Algorithm), 300, time.Now().Unix())
	return conf.Internal.TsigSecrets
}

// validateXfrBody enforces the stream structure: an AXFR starts and
// ends with the zone's new SOA, an IXFR increment chains from the
// serial we hold, and the new serial must move forward.
func validateXfrBody(zone string, haveSerial uint32, ttype string, body []dns.RR) (SoaInfo, error) {
	if err := checkBodyInZone(zone, body); err != nil {
		return SoaInfo{}, err
	}
	parsed, err := ixfr.FromRRs(body)
	if err != nil {
		return SoaInfo{}, fmt.Errorf("zone %s: bad transfer body: %v", zone, err)
	}
	if ttype == "ixfr" && !parsed.IsAxfr && len(parsed.Diffs) > 0 {
		if parsed.InitialSerial != haveSerial {
			return SoaInfo{}, fmt.Errorf("zone %s: increment starts at serial %d, have %d",
				zone, parsed.InitialSerial, haveSerial)
		}
	}
	if haveSerial != 0 && !SerialGt(parsed.FinalSerial, haveSerial) {
		return SoaInfo{}, fmt.Errorf("zone %s: serial went backwards (%d from %d)",
			zone, parsed.FinalSerial, haveSerial)
	}
	soa, ok := body[0].(*dns.SOA)
	if !ok || CanonicalName(soa.Hdr.Name) != zone {
		return SoaInfo{}, fmt.Errorf("zone %s: transfer does not open with the zone SOA", zone)
	}
	return SoaInfoFromRR(soa), nil
}

// SoaInfoFromRR lifts the timer fields out of a SOA record, stamping
// the acquisition time as now.
func SoaInfoFromRR(soa *dns.SOA) SoaInfo {
	return SoaInfo{
		Serial:   soa.Serial,
		Refresh:  soa.Refresh,
		Retry:    soa.Retry,
		Expire:   soa.Expire,
		Acquired: time.Now(),
	}
}

func checkBodyInZone(zone string, body []dns.RR) error {
	for _, rr := range body {
		if !nameInZone(zone, rr.Header().Name) {
			return fmt.Errorf("zone %s: out-of-zone record %s rejected",
				zone, rr.Header().Name)
		}
	}
	return nil
}

func nameInZone(zone, owner string) bool {
	if zone == "." {
		return true
	}
	owner = CanonicalName(owner)
	return owner == zone || strings.HasSuffix(owner, "."+zone)
}

// packXfrPart wraps one envelope of a transfer stream back into a
// response message so the journal can hold it as received.
func packXfrPart(zone string, qtype uint16, rrs []dns.RR) ([]byte, error) {
	m := new(dns.Msg)
	m.SetQuestion(zone, qtype)
	m.Response = true
	m.Authoritative = true
	m.Answer = rrs
	wire, err := m.Pack()
	if err != nil {
		return nil, fmt.Errorf("zone %s: cannot pack transfer part: %v", zone, err)
	}
	if len(wire) > dns.MaxMsgSize {
		return nil, fmt.Errorf("zone %s: transfer part exceeds %d bytes", zone, dns.MaxMsgSize)
	}
	return wire, nil
}
