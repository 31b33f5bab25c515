/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"github.com/miekg/dns"
)

// ClientBufSize returns the reply budget for a UDP client: the EDNS0
// advertised size clamped to [512, max], or plain 512.
func ClientBufSize(r *dns.Msg, max uint16) int {
	opt := r.IsEdns0()
	if opt == nil {
		return dns.MinMsgSize
	}
	size := opt.UDPSize()
	if size < dns.MinMsgSize {
		size = dns.MinMsgSize
	}
	if size > max {
		size = max
	}
	return int(size)
}

// TruncateReply shrinks m under limit bytes. Whole RRsets leave the
// additional section first, newest first, then the authority section
// with the SOA held back. Only when even that does not fit is TC set
// and the reply cut down to the question.
func TruncateReply(m *dns.Msg, limit int) {
	m.Compress = true
	if m.Len() <= limit {
		return
	}

	// the OPT rides along through every stage
	var opt dns.RR
	extra := m.Extra
	if n := len(extra); n > 0 && extra[n-1].Header().Rrtype == dns.TypeOPT {
		opt = extra[n-1]
		extra = extra[:n-1]
	}

	groups := rrsetGroups(extra)
	for len(groups) > 0 && m.Len() > limit {
		groups = groups[:len(groups)-1]
		m.Extra = regroup(groups, opt)
	}
	if m.Len() <= limit {
		return
	}

	auth := rrsetGroups(m.Ns)
	for m.Len() > limit {
		i := lastDroppable(auth)
		if i < 0 {
			break
		}
		auth = append(auth[:i], auth[i+1:]...)
		m.Ns = flatten(auth)
	}
	if m.Len() <= limit {
		return
	}

	m.Truncated = true
	m.Answer = nil
	m.Ns = nil
	if opt != nil {
		m.Extra = []dns.RR{opt}
	} else {
		m.Extra = nil
	}
}

// rrsetGroups splits a section into runs of one RRset each, preserving
// order.
func rrsetGroups(sec []dns.RR) [][]dns.RR {
	var groups [][]dns.RR
	for _, rr := range sec {
		h := rr.Header()
		n := len(groups)
		if n > 0 {
			prev := groups[n-1][0].Header()
			if prev.Name == h.Name && prev.Rrtype == h.Rrtype && prev.Class == h.Class {
				groups[n-1] = append(groups[n-1], rr)
				continue
			}
		}
		groups = append(groups, []dns.RR{rr})
	}
	return groups
}

func regroup(groups [][]dns.RR, opt dns.RR) []dns.RR {
	out := flatten(groups)
	if opt != nil {
		out = append(out, opt)
	}
	return out
}

func flatten(groups [][]dns.RR) []dns.RR {
	var out []dns.RR
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// lastDroppable picks the last authority group that is not the SOA.
func lastDroppable(groups [][]dns.RR) int {
	for i := len(groups) - 1; i >= 0; i-- {
		if groups[i][0].Header().Rrtype != dns.TypeSOA {
			return i
		}
	}
	return -1
}
