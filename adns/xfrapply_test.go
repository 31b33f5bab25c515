/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"reflect"
	"sort"
	"testing"

	"github.com/miekg/dns"
)

const (
	xfrSOA1 = "example. 3600 IN SOA ns1.example. host.example. 1 7200 3600 1209600 300"
	xfrSOA2 = "example. 3600 IN SOA ns1.example. host.example. 2 7200 3600 1209600 300"
	xfrSOA3 = "example. 3600 IN SOA ns1.example. host.example. 3 7200 3600 1209600 300"
)

func xfrTestZone(t *testing.T) (*NameDB, *Zone) {
	t.Helper()
	cc := NewCompileCtx(testLogger())
	z := cc.DB.AddZone("example.")
	for _, text := range []string{
		xfrSOA1,
		"example. 3600 IN NS ns1.example.",
		"ns1.example. 3600 IN A 192.0.2.1",
		"www.example. 3600 IN A 192.0.2.10",
	} {
		if !cc.ProcessRR(z, mustRR(t, text)) {
			t.Fatalf("record rejected: %s", text)
		}
	}
	return cc.DB, z
}

func mustRRs(t *testing.T, texts ...string) []dns.RR {
	t.Helper()
	out := make([]dns.RR, len(texts))
	for i, text := range texts {
		out[i] = mustRR(t, text)
	}
	return out
}

// TestApplyAXFR tests a full zone replacement.
func TestApplyAXFR(t *testing.T) {
	db, z := xfrTestZone(t)

	rrs := mustRRs(t,
		xfrSOA2,
		"example. 3600 IN NS ns1.example.",
		"ns1.example. 3600 IN A 192.0.2.1",
		"mail.example. 3600 IN A 192.0.2.20",
		xfrSOA2,
	)
	if err := db.ApplyXFR(z, rrs, nil); err != nil {
		t.Fatalf("ApplyXFR failed: %v", err)
	}

	if z.Serial() != 2 {
		t.Errorf("serial = %d, want 2", z.Serial())
	}
	if len(z.SOA.RRs) != 1 {
		t.Errorf("trailing SOA kept: %d SOA RRs", len(z.SOA.RRs))
	}
	if _, ok := db.Tree.Get("www.example."); ok {
		t.Error("old content survived the replacement")
	}
	if n, ok := db.Tree.Get("mail.example."); !ok || db.Tree.FindRRset(n, z, dns.TypeA) == nil {
		t.Error("new content missing")
	}
	if z.NS == nil {
		t.Error("NS shortcut not refreshed")
	}
}

// TestApplyIXFR tests delta application over one and several sections.
func TestApplyIXFR(t *testing.T) {
	t.Run("SingleSection", func(t *testing.T) {
		db, z := xfrTestZone(t)
		rrs := mustRRs(t,
			xfrSOA3,
			xfrSOA1,
			"www.example. 3600 IN A 192.0.2.10",
			xfrSOA3,
			"mail.example. 3600 IN A 192.0.2.20",
			xfrSOA3,
		)
		if err := db.ApplyXFR(z, rrs, nil); err != nil {
			t.Fatalf("ApplyXFR failed: %v", err)
		}
		if z.Serial() != 3 {
			t.Errorf("serial = %d, want 3", z.Serial())
		}
		if _, ok := db.Tree.Get("www.example."); ok {
			t.Error("deleted name still in the tree")
		}
		if _, ok := db.Tree.Get("mail.example."); !ok {
			t.Error("added name missing")
		}
		if n, _ := db.Tree.Get("ns1.example."); db.Tree.FindRRset(n, z, dns.TypeA) == nil {
			t.Error("untouched name lost its records")
		}
	})

	t.Run("TwoSections", func(t *testing.T) {
		db, z := xfrTestZone(t)
		rrs := mustRRs(t,
			xfrSOA3,
			xfrSOA1,
			"www.example. 3600 IN A 192.0.2.10",
			xfrSOA2,
			"a.example. 3600 IN A 192.0.2.30",
			xfrSOA2,
			"a.example. 3600 IN A 192.0.2.30",
			xfrSOA3,
			"b.example. 3600 IN A 192.0.2.40",
			xfrSOA3,
		)
		if err := db.ApplyXFR(z, rrs, nil); err != nil {
			t.Fatalf("ApplyXFR failed: %v", err)
		}
		if z.Serial() != 3 {
			t.Errorf("serial = %d, want 3", z.Serial())
		}
		for name, want := range map[string]bool{
			"www.example.": false,
			"a.example.":   false,
			"b.example.":   true,
		} {
			if _, ok := db.Tree.Get(name); ok != want {
				t.Errorf("%s present=%v, want %v", name, ok, want)
			}
		}
	})

	t.Run("WrongBaseSerial", func(t *testing.T) {
		db, z := xfrTestZone(t)
		rrs := mustRRs(t,
			"example. 3600 IN SOA ns1.example. host.example. 9 7200 3600 1209600 300",
			"example. 3600 IN SOA ns1.example. host.example. 8 7200 3600 1209600 300",
			"www.example. 3600 IN A 192.0.2.10",
			"example. 3600 IN SOA ns1.example. host.example. 9 7200 3600 1209600 300",
		)
		if err := db.ApplyXFR(z, rrs, nil); err == nil {
			t.Error("delta against the wrong base serial accepted")
		}
	})

	t.Run("ForeignApex", func(t *testing.T) {
		db, z := xfrTestZone(t)
		rrs := mustRRs(t, "other. 3600 IN SOA ns1.other. host.other. 2 600 600 600 600", xfrSOA1)
		if err := db.ApplyXFR(z, rrs, nil); err == nil {
			t.Error("transfer for a different apex accepted")
		}
	})
}

// TestApplyEquivalence tests that a delta lands the zone in the same
// state as a full transfer of the new version.
func TestApplyEquivalence(t *testing.T) {
	collect := func(db *NameDB, z *Zone) []string {
		var out []string
		db.WalkZone(z, func(n *NameNode, rs *RRset) error {
			for _, rr := range rs.RRs {
				out = append(out, rr.String())
			}
			return nil
		})
		sort.Strings(out)
		return out
	}

	axfr := mustRRs(t,
		xfrSOA3,
		"example. 3600 IN NS ns1.example.",
		"ns1.example. 3600 IN A 192.0.2.1",
		"mail.example. 3600 IN A 192.0.2.20",
		xfrSOA3,
	)
	ixfr := mustRRs(t,
		xfrSOA3,
		xfrSOA1,
		"www.example. 3600 IN A 192.0.2.10",
		xfrSOA3,
		"mail.example. 3600 IN A 192.0.2.20",
		xfrSOA3,
	)

	dbA, zA := xfrTestZone(t)
	if err := dbA.ApplyXFR(zA, axfr, nil); err != nil {
		t.Fatalf("full transfer failed: %v", err)
	}
	dbI, zI := xfrTestZone(t)
	if err := dbI.ApplyXFR(zI, ixfr, nil); err != nil {
		t.Fatalf("delta failed: %v", err)
	}

	got, want := collect(dbI, zI), collect(dbA, zA)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("delta state:\n%v\nfull state:\n%v", got, want)
	}
}

// TestApplyCommitted tests journal replay onto a zone, including the
// bootstrap of an empty secondary and skip rules for stale entries.
func TestApplyCommitted(t *testing.T) {
	axfrTxn := func(t *testing.T) JournalTxn {
		return JournalTxn{
			SerialOld: 0, SerialNew: 2, QueryID: 1,
			Parts: [][]byte{packXfrMsg(t,
				xfrSOA2,
				"example. 3600 IN NS ns1.example.",
				"ns1.example. 3600 IN A 192.0.2.1",
				xfrSOA2,
			)},
			Msg: "axfr",
		}
	}
	ixfrTxn := func(t *testing.T) JournalTxn {
		return JournalTxn{
			SerialOld: 2, SerialNew: 3, QueryID: 2,
			Parts: [][]byte{packXfrMsg(t,
				xfrSOA3,
				xfrSOA2,
				xfrSOA3,
				"mail.example. 3600 IN A 192.0.2.20",
				xfrSOA3,
			)},
			Msg: "ixfr",
		}
	}

	t.Run("BootstrapThenDelta", func(t *testing.T) {
		db := NewNameDB()
		z := db.AddZone("example.")
		txns := []JournalTxn{axfrTxn(t), ixfrTxn(t)}
		if err := db.ApplyCommitted(z, txns, testLogger()); err != nil {
			t.Fatalf("ApplyCommitted failed: %v", err)
		}
		if z.Serial() != 3 {
			t.Errorf("serial = %d, want 3", z.Serial())
		}
		if _, ok := db.Tree.Get("mail.example."); !ok {
			t.Error("delta content missing")
		}
	})

	t.Run("ReplayIsIdempotent", func(t *testing.T) {
		db := NewNameDB()
		z := db.AddZone("example.")
		txns := []JournalTxn{axfrTxn(t), ixfrTxn(t)}
		if err := db.ApplyCommitted(z, txns, testLogger()); err != nil {
			t.Fatal(err)
		}
		if err := db.ApplyCommitted(z, txns, testLogger()); err != nil {
			t.Fatalf("second replay failed: %v", err)
		}
		if z.Serial() != 3 {
			t.Errorf("serial = %d after double replay", z.Serial())
		}
	})

	t.Run("DeltaFromForeignSerialSkipped", func(t *testing.T) {
		db := NewNameDB()
		z := db.AddZone("example.")
		stray := JournalTxn{
			SerialOld: 7, SerialNew: 8, QueryID: 9,
			Parts: [][]byte{packXfrMsg(t,
				"example. 3600 IN SOA ns1.example. host.example. 8 7200 3600 1209600 300",
				"example. 3600 IN SOA ns1.example. host.example. 7 7200 3600 1209600 300",
				"example. 3600 IN SOA ns1.example. host.example. 8 7200 3600 1209600 300",
				"example. 3600 IN SOA ns1.example. host.example. 8 7200 3600 1209600 300",
			)},
		}
		txns := []JournalTxn{axfrTxn(t), stray}
		if err := db.ApplyCommitted(z, txns, testLogger()); err != nil {
			t.Fatalf("stray delta must be skipped, not failed: %v", err)
		}
		if z.Serial() != 2 {
			t.Errorf("serial = %d, want 2", z.Serial())
		}
	})

	t.Run("UnreadablePartFails", func(t *testing.T) {
		db := NewNameDB()
		z := db.AddZone("example.")
		bad := JournalTxn{SerialOld: 0, SerialNew: 5, QueryID: 1, Parts: [][]byte{{1, 2, 3}}}
		if err := db.ApplyCommitted(z, []JournalTxn{bad}, testLogger()); err == nil {
			t.Error("unreadable transaction must surface as an error")
		}
	})
}

// TestWipeZone tests that a wipe removes content but keeps the apex.
func TestWipeZone(t *testing.T) {
	db, z := xfrTestZone(t)
	db.WipeZone(z)

	if z.SOA != nil || z.NS != nil {
		t.Error("apex shortcuts survived the wipe")
	}
	if _, ok := db.Tree.Get("www.example."); ok {
		t.Error("zone content survived the wipe")
	}
	apex, ok := db.Tree.Get("example.")
	if !ok {
		t.Fatal("apex node deleted")
	}
	if len(apex.RRsets) != 0 {
		t.Errorf("apex still carries %d RRsets", len(apex.RRsets))
	}
}
