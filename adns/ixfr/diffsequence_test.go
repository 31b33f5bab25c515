/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package ixfr

import (
	"testing"
)

// TestDiffSequenceEquals checks that record order within a sequence does
// not matter.
func TestDiffSequenceEquals(t *testing.T) {
	seq1 := DiffSequence{
		StartSerial: 2,
		EndSerial:   3,
		Added:       makeRRSlice(t, "nezu.jain.ad.jp. 3600 IN A 133.69.136.5"),
		Deleted: makeRRSlice(t,
			"jain-bb.jain.ad.jp. 3600 IN A 133.69.136.4",
			"jain-bb.jain.ad.jp. 3600 IN A 192.41.197.2"),
	}
	seq2 := DiffSequence{
		StartSerial: 2,
		EndSerial:   3,
		Added:       makeRRSlice(t, "nezu.jain.ad.jp. 3600 IN A 133.69.136.5"),
		Deleted: makeRRSlice(t,
			"jain-bb.jain.ad.jp. 3600 IN A 192.41.197.2",
			"jain-bb.jain.ad.jp. 3600 IN A 133.69.136.4"),
	}

	if !seq1.Equals(seq2) {
		t.Errorf("reordered sequences compare unequal")
	}

	seq2.EndSerial = 4
	if seq1.Equals(seq2) {
		t.Errorf("sequences with different end serials compare equal")
	}
}

// TestNetAdded checks the plain case with no overlap between added and
// deleted records.
func TestNetAdded(t *testing.T) {
	seq := DiffSequence{
		Added: makeRRSlice(t,
			"example.com. 3600 IN A 1.1.1.1",
			"example.org. 3600 IN A 8.8.8.8"),
	}

	got := seq.NetAdded()
	if !rrSetEqual(got, seq.Added) {
		t.Errorf("got %v, want %v", got, seq.Added)
	}
}

// TestNetDeletedWithChanged models one removed delegation plus a glue
// record that merely changed address: the changed record must cancel
// out of the net deletions.
func TestNetDeletedWithChanged(t *testing.T) {
	seq := DiffSequence{
		Deleted: makeRRSlice(t,
			"test.se. 172800 IN NS a.dns.se.",
			"z.ns.se. 172800 IN A 185.159.198.150"),
		Added: makeRRSlice(t,
			"z.ns.se. 172800 IN A 1.1.1.1"),
	}

	want := makeRRSlice(t, "test.se. 172800 IN NS a.dns.se.")
	got := seq.NetDeleted()
	if !rrSetEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
