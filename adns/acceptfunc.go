/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package adns

import (
	"log"

	"github.com/miekg/dns"
)

// MsgAcceptFunc replaces the dns library default so that NOTIFY requests
// (SOA in the answer section, RFC 1996) and IXFR requests (SOA in the
// authority section, RFC 1995) make it through to the handler.

const (
	MsgAccept               dns.MsgAcceptAction = iota // Accept the message
	MsgReject                                          // Reject the message with a RcodeFormatError
	MsgIgnore                                          // Ignore the error and send nothing back.
	MsgRejectNotImplemented                            // Reject the message with a RcodeNotImplemented
)

const (
	// Header.Bits
	_QR = 1 << 15 // query/response (response=1)
	_AA = 1 << 10 // authoritative
	_TC = 1 << 9  // truncated
	_RD = 1 << 8  // recursion desired
	_RA = 1 << 7  // recursion available
	_Z  = 1 << 6  // Z
	_AD = 1 << 5  // authenticated data
	_CD = 1 << 4  // checking disabled
)

func MsgAcceptFunc(dh dns.Header) dns.MsgAcceptAction {
	if isResponse := dh.Bits&_QR != 0; isResponse {
		return MsgIgnore
	}

	opcode := int(dh.Bits>>11) & 0xF
	if opcode != dns.OpcodeQuery && opcode != dns.OpcodeNotify {
		log.Printf("ADNS: NOTIMP: %d (%s)", opcode, dns.OpcodeToString[opcode])
		return MsgRejectNotImplemented
	}

	if dh.Qdcount != 1 {
		log.Printf("ADNS: dh.Qdcount != 1")
		return MsgReject
	}
	// NOTIFY requests can have a SOA in the ANSWER section. See RFC 1996 Section 3.7 and 3.11.
	if dh.Ancount > 1 {
		log.Printf("ADNS: dh.Ancount > 1")
		return MsgReject
	}
	// IXFR request could have one SOA RR in the NS section. See RFC 1995, section 3.
	if dh.Nscount > 1 {
		log.Printf("ADNS: dh.Nscount > 1")
		return MsgReject
	}
	if dh.Arcount > 2 {
		log.Printf("ADNS: dh.Arcount > 2")
		return MsgReject
	}
	return MsgAccept
}
