/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"strings"
	"testing"

	"github.com/miekg/dns"
)

func mustRR(t *testing.T, text string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(text)
	if err != nil {
		t.Fatalf("cannot parse %q: %v", text, err)
	}
	return rr
}

// TestAtomizeRR tests the descriptor-driven split of rdata into domain
// references and opaque blobs.
func TestAtomizeRR(t *testing.T) {
	testCases := []struct {
		name    string
		rr      string
		atoms   int
		domains []string // canonical names of the domain atoms, in order
	}{
		{"NS", "example. 3600 IN NS ns1.example.", 1, []string{"ns1.example."}},
		{"MX", "example. 3600 IN MX 10 mail.example.", 2, []string{"mail.example."}},
		{"CNAME", "www.example. 3600 IN CNAME web.example.", 1, []string{"web.example."}},
		{"SOA", "example. 3600 IN SOA ns1.example. hostmaster.example. 2024010101 7200 3600 1209600 3600",
			7, []string{"ns1.example.", "hostmaster.example."}},
		{"SRV", "_dns._udp.example. 3600 IN SRV 0 5 53 ns1.example.", 4, []string{"ns1.example."}},
		{"A", "www.example. 3600 IN A 192.0.2.1", 1, nil},
		{"TXT", "www.example. 3600 IN TXT \"hello world\"", 1, nil},
		{"AAAA", "www.example. 3600 IN AAAA 2001:db8::1", 1, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tree := NewNameTree()
			rr := mustRR(t, tc.rr)
			owner, atomic, err := tree.AtomizeRR(rr)
			if err != nil {
				t.Fatalf("AtomizeRR failed: %v", err)
			}
			if owner.Name != CanonicalName(rr.Header().Name) {
				t.Errorf("owner node = %q, want %q", owner.Name, rr.Header().Name)
			}
			if len(atomic.Atoms) != tc.atoms {
				t.Fatalf("got %d atoms, want %d", len(atomic.Atoms), tc.atoms)
			}
			var domains []string
			for i := range atomic.Atoms {
				if atomic.Atoms[i].IsDomain() {
					domains = append(domains, atomic.Atoms[i].Domain.Name)
				}
			}
			if len(domains) != len(tc.domains) {
				t.Fatalf("got %d domain atoms %v, want %v", len(domains), domains, tc.domains)
			}
			for i, d := range domains {
				if d != tc.domains[i] {
					t.Errorf("domain atom %d = %q, want %q", i, d, tc.domains[i])
				}
				n, ok := tree.Get(d)
				if !ok {
					t.Fatalf("domain atom %q not interned in the tree", d)
				}
				if n.Usage == 0 {
					t.Errorf("interned node %q has zero usage", d)
				}
			}
		})
	}
}

// TestWireRRRoundTrip tests that atomize followed by reassembly yields
// the original record.
func TestWireRRRoundTrip(t *testing.T) {
	records := []string{
		"example. 3600 IN SOA ns1.example. hostmaster.example. 2024010101 7200 3600 1209600 3600",
		"example. 3600 IN NS ns1.example.",
		"example. 3600 IN MX 10 mail.example.",
		"www.example. 3600 IN A 192.0.2.1",
		"www.example. 3600 IN AAAA 2001:db8::1",
		"www.example. 3600 IN TXT \"a text record\" \"with two strings\"",
		"_dns._udp.example. 3600 IN SRV 0 5 53 ns1.example.",
		"www.example. 300 IN CNAME web.example.",
		"example. 3600 IN CAA 0 issue \"ca.example.net\"",
	}

	tree := NewNameTree()
	for _, text := range records {
		t.Run(strings.Fields(text)[3], func(t *testing.T) {
			rr := mustRR(t, text)
			_, atomic, err := tree.AtomizeRR(rr)
			if err != nil {
				t.Fatalf("AtomizeRR failed: %v", err)
			}
			hdr := rr.Header()
			back, err := atomic.WireRR(CanonicalName(hdr.Name), hdr.Rrtype, hdr.Class, hdr.Ttl)
			if err != nil {
				t.Fatalf("WireRR failed: %v", err)
			}
			if back.String() != rr.String() {
				t.Errorf("round trip changed the record:\n  in:  %s\n  out: %s", rr, back)
			}
		})
	}
}

// TestRREqual tests duplicate detection: domain atoms compare by node
// identity, blobs by content.
func TestRREqual(t *testing.T) {
	tree := NewNameTree()

	t.Run("SameRecordTwice", func(t *testing.T) {
		_, a, err := tree.AtomizeRR(mustRR(t, "example. 3600 IN MX 10 mail.example."))
		if err != nil {
			t.Fatal(err)
		}
		_, b, err := tree.AtomizeRR(mustRR(t, "example. 3600 IN MX 10 MAIL.example."))
		if err != nil {
			t.Fatal(err)
		}
		if !a.Equal(b) {
			t.Error("case-folded duplicate not detected")
		}
	})

	t.Run("DifferentPreference", func(t *testing.T) {
		_, a, _ := tree.AtomizeRR(mustRR(t, "example. 3600 IN MX 10 mail.example."))
		_, b, _ := tree.AtomizeRR(mustRR(t, "example. 3600 IN MX 20 mail.example."))
		if a.Equal(b) {
			t.Error("records with different preference compare equal")
		}
	})

	t.Run("DifferentTarget", func(t *testing.T) {
		_, a, _ := tree.AtomizeRR(mustRR(t, "example. 3600 IN NS ns1.example."))
		_, b, _ := tree.AtomizeRR(mustRR(t, "example. 3600 IN NS ns2.example."))
		if a.Equal(b) {
			t.Error("records with different target compare equal")
		}
	})

	t.Run("DifferentBlob", func(t *testing.T) {
		_, a, _ := tree.AtomizeRR(mustRR(t, "www.example. 3600 IN A 192.0.2.1"))
		_, b, _ := tree.AtomizeRR(mustRR(t, "www.example. 3600 IN A 192.0.2.2"))
		if a.Equal(b) {
			t.Error("records with different address compare equal")
		}
	})
}

// TestRRsetSealAndSynthetic tests the precomputed wire form and the
// wildcard owner substitution path.
func TestRRsetSealAndSynthetic(t *testing.T) {
	tree := NewNameTree()
	z := &Zone{Name: "example."}
	node, atomic, err := tree.AtomizeRR(mustRR(t, "*.example. 3600 IN A 192.0.2.7"))
	if err != nil {
		t.Fatal(err)
	}
	rs := &RRset{Zone: z, Type: dns.TypeA, Class: dns.ClassINET, TTL: 3600, RRs: []RR{atomic}}
	tree.AddRRset(node, rs)

	if err := rs.Seal(node.Name); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	t.Run("SealedOwner", func(t *testing.T) {
		rrs, err := rs.DnsRRs(node.Name)
		if err != nil {
			t.Fatal(err)
		}
		if len(rrs) != 1 || rrs[0].Header().Name != "*.example." {
			t.Errorf("sealed set = %v, want one RR owned by *.example.", rrs)
		}
	})

	t.Run("SyntheticOwner", func(t *testing.T) {
		rrs, err := rs.SyntheticRRs("host.example.")
		if err != nil {
			t.Fatal(err)
		}
		if len(rrs) != 1 || rrs[0].Header().Name != "host.example." {
			t.Errorf("synthetic set = %v, want one RR owned by host.example.", rrs)
		}
		a, ok := rrs[0].(*dns.A)
		if !ok || a.A.String() != "192.0.2.7" {
			t.Errorf("synthetic RR lost its rdata: %v", rrs[0])
		}
	})
}

// TestDescriptorFor tests the fallback for types without a descriptor.
func TestDescriptorFor(t *testing.T) {
	d := DescriptorFor(dns.TypeA)
	if len(d.Fields) != 1 || d.Fields[0] != RdataRemaining {
		t.Errorf("A should fall back to a single opaque blob, got %v", d.Fields)
	}
	d = DescriptorFor(dns.TypeSOA)
	if len(d.Fields) != 7 {
		t.Errorf("SOA descriptor has %d fields, want 7", len(d.Fields))
	}
}
