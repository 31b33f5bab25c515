/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/miekg/dns"
)

const (
	testSalt = "ABCD"
	testIter = 1
)

// buildNSEC3Zone compiles a small NSEC3-signed zone. The NSEC3 chain is
// generated from the real hashes of the names so the precompute links
// can be checked against independently sorted expectations. Returns the
// database, the zone and name -> hash-owner map.
func buildNSEC3Zone(t *testing.T) (*NameDB, *Zone, map[string]string) {
	t.Helper()
	cc := NewCompileCtx(testLogger())
	z := cc.DB.AddZone("example.")

	records := []string{
		"example. 3600 IN SOA ns1.example. host.example. 10 7200 3600 1209600 300",
		"example. 3600 IN NS ns1.example.",
		"example. 3600 IN NSEC3PARAM 1 0 1 " + testSalt,
		"example. 3600 IN RRSIG SOA 8 1 3600 20260101000000 20250101000000 12345 example. bGlnaHR3ZWlnaHQ=",
		"ns1.example. 3600 IN A 192.0.2.1",
		"alpha.example. 3600 IN A 192.0.2.10",
		"beta.example. 3600 IN TXT \"beta\"",
		"deleg.example. 3600 IN NS ns1.deleg.example.",
		"ns1.deleg.example. 3600 IN A 192.0.2.53",
	}
	for _, text := range records {
		if !cc.ProcessRR(z, mustRR(t, text)) {
			t.Fatalf("record rejected: %s", text)
		}
	}

	// one NSEC3 per authoritative name, chained in hash order
	names := []string{"example.", "ns1.example.", "alpha.example.", "beta.example.", "deleg.example."}
	hashes := map[string]string{}
	var sorted []string
	for _, name := range names {
		h := strings.ToLower(dns.HashName(name, dns.SHA1, testIter, testSalt))
		if h == "" {
			t.Fatalf("cannot hash %s", name)
		}
		hashes[name] = h + ".example."
		sorted = append(sorted, h)
	}
	sort.Strings(sorted)
	for i, h := range sorted {
		next := sorted[(i+1)%len(sorted)]
		types := "A RRSIG"
		if h == strings.TrimSuffix(hashes["example."], ".example.") {
			types = "NS SOA RRSIG NSEC3PARAM"
		}
		text := fmt.Sprintf("%s.example. 3600 IN NSEC3 1 0 %d %s %s %s",
			h, testIter, testSalt, strings.ToUpper(next), types)
		if !cc.ProcessRR(z, mustRR(t, text)) {
			t.Fatalf("NSEC3 rejected: %s", text)
		}
	}

	if cc.Errors != 0 {
		t.Fatalf("compile errors: %d", cc.Errors)
	}
	if err := cc.DB.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	return cc.DB, z, hashes
}

// TestPrecomputeNSEC3 tests parameter detection and the per-node links.
func TestPrecomputeNSEC3(t *testing.T) {
	db, z, hashes := buildNSEC3Zone(t)

	t.Run("ParamsFromApex", func(t *testing.T) {
		if z.NSEC3Params == nil {
			t.Fatal("zone not detected as NSEC3-signed")
		}
		if z.NSEC3Params.Algorithm != 1 || z.NSEC3Params.Iterations != testIter || z.NSEC3Params.Salt != testSalt {
			t.Errorf("params = %s", z.NSEC3Params.String())
		}
		if !z.IsSecure {
			t.Error("zone should be secure")
		}
	})

	t.Run("RingComplete", func(t *testing.T) {
		if len(z.nsec3Ring) != len(hashes) {
			t.Errorf("ring has %d entries, want %d", len(z.nsec3Ring), len(hashes))
		}
		if z.NSEC3Last == nil {
			t.Fatal("NSEC3Last not set")
		}
		for i := 1; i < len(z.nsec3Ring); i++ {
			if CanonicalNameCompare(z.nsec3Ring[i-1].Name, z.nsec3Ring[i].Name) >= 0 {
				t.Fatal("ring out of hash order")
			}
		}
	})

	t.Run("ExactLinks", func(t *testing.T) {
		for _, name := range []string{"example.", "alpha.example.", "beta.example."} {
			n, ok := db.Tree.Get(name)
			if !ok {
				t.Fatalf("node %s missing", name)
			}
			if n.NSEC3Exact == nil {
				t.Errorf("%s has no exact NSEC3 link", name)
				continue
			}
			if n.NSEC3Exact.Name != hashes[name] {
				t.Errorf("%s exact link = %s, want %s", name, n.NSEC3Exact.Name, hashes[name])
			}
			if n.NSEC3Cover != n.NSEC3Exact {
				t.Errorf("%s cover should equal exact for an existing owner", name)
			}
		}
	})

	t.Run("DSParentLinksOnCut", func(t *testing.T) {
		deleg, _ := db.Tree.Get("deleg.example.")
		if deleg.NSEC3DSParentExact == nil || deleg.NSEC3DSParentExact.Name != hashes["deleg.example."] {
			t.Errorf("delegation DS parent link wrong: %v", deleg.NSEC3DSParentExact)
		}
		alpha, _ := db.Tree.Get("alpha.example.")
		if alpha.NSEC3DSParentExact != nil || alpha.NSEC3DSParentCover != nil {
			t.Error("plain name should carry no DS parent links")
		}
	})

	t.Run("HashOwnerNodesSkipped", func(t *testing.T) {
		hn, ok := db.Tree.Get(hashes["alpha.example."])
		if !ok {
			t.Fatal("hash owner node missing")
		}
		if hn.NSEC3Cover != nil || hn.NSEC3Exact != nil {
			t.Error("pure NSEC3 owner should not receive links")
		}
	})

	t.Run("NoCollisions", func(t *testing.T) {
		for _, n := range db.Tree.OwnersInOrder() {
			if n.NSEC3WcardCollision {
				t.Errorf("unexpected wildcard hash collision at %s", n.Name)
			}
		}
	})
}

// TestNsec3Cover tests the ring lookup contract including wraparound.
func TestNsec3Cover(t *testing.T) {
	_, z, _ := buildNSEC3Zone(t)

	ringNames := make([]string, len(z.nsec3Ring))
	for i, n := range z.nsec3Ring {
		ringNames[i] = n.Name
	}

	t.Run("Contract", func(t *testing.T) {
		// arbitrary probe names checked against a reference search
		for _, probe := range []string{"a.example.", "m.example.", "q1.example.", "q2.example.", "zz.example."} {
			hashOwner := z.HashOwner(probe)
			cover, exact := z.nsec3Cover(hashOwner)
			i := sort.Search(len(ringNames), func(i int) bool {
				return CanonicalNameCompare(ringNames[i], hashOwner) > 0
			})
			var want string
			switch {
			case i > 0 && ringNames[i-1] == hashOwner:
				want = ringNames[i-1]
				if !exact {
					t.Errorf("probe %s: expected exact hit", probe)
				}
			case i == 0:
				want = ringNames[len(ringNames)-1]
			default:
				want = ringNames[i-1]
			}
			if cover.Name != want {
				t.Errorf("probe %s: cover = %s, want %s", probe, cover.Name, want)
			}
		}
	})

	t.Run("WrapBeforeFirst", func(t *testing.T) {
		// sorts before every real base32hex hash
		low := strings.Repeat("0", 31) + ".example."
		cover, exact := z.nsec3Cover(low)
		if exact {
			t.Fatal("all-zero probe cannot be an exact hit")
		}
		if cover != z.NSEC3Last {
			t.Errorf("cover = %s, want the last ring node %s", cover.Name, z.NSEC3Last.Name)
		}
	})

	t.Run("ExactApex", func(t *testing.T) {
		cover, exact := z.nsec3Cover(z.HashOwner("example."))
		if !exact {
			t.Error("apex hash must hit its own NSEC3")
		}
		if cover == nil {
			t.Fatal("nil cover for apex")
		}
	})
}

// TestFindNSEC3ParamsFromChain tests detection without NSEC3PARAM, from
// the SOA bit in the bitmap of the apex-hash NSEC3.
func TestFindNSEC3ParamsFromChain(t *testing.T) {
	cc := NewCompileCtx(testLogger())
	z := cc.DB.AddZone("example.")
	for _, text := range []string{
		"example. 3600 IN SOA ns1.example. host.example. 1 7200 3600 1209600 300",
		"example. 3600 IN NS ns1.example.",
	} {
		cc.ProcessRR(z, mustRR(t, text))
	}
	apexHash := strings.ToLower(dns.HashName("example.", dns.SHA1, 2, "AABB"))
	cc.ProcessRR(z, mustRR(t, fmt.Sprintf(
		"%s.example. 3600 IN NSEC3 1 0 2 AABB %s NS SOA RRSIG", apexHash, strings.ToUpper(apexHash))))

	if err := cc.DB.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if z.NSEC3Params == nil {
		t.Fatal("params not detected from the NSEC3 chain")
	}
	if z.NSEC3Params.Iterations != 2 || z.NSEC3Params.Salt != "AABB" {
		t.Errorf("params = %s", z.NSEC3Params.String())
	}
}
