/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"path/filepath"
	"testing"
	"time"
)

func testStateDB(t *testing.T) *StateDB {
	t.Helper()
	db, err := NewStateDB(filepath.Join(t.TempDir(), "state.sqlite"), false)
	if err != nil {
		t.Fatalf("NewStateDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestZoneStateRoundTrip tests saving, overwriting and deleting the
// per-zone transfer state rows.
func TestZoneStateRoundTrip(t *testing.T) {
	db := testStateDB(t)

	notified := uint32(2024010105)
	acquired := time.Now().Truncate(time.Second)
	row := &ZoneXfrState{
		Zone:           "example.net.",
		State:          StateOK,
		Serial:         2024010101,
		Refresh:        7200,
		Retry:          900,
		Expire:         1209600,
		Acquired:       acquired,
		NotifiedSerial: &notified,
		MasterIdx:      1,
	}
	if err := db.SaveZoneState(row); err != nil {
		t.Fatalf("SaveZoneState failed: %v", err)
	}

	t.Run("ReadBack", func(t *testing.T) {
		got, err := db.ZoneState("example.net.")
		if err != nil {
			t.Fatalf("ZoneState failed: %v", err)
		}
		if got == nil {
			t.Fatal("row vanished")
		}
		if got.State != StateOK || got.Serial != 2024010101 || got.MasterIdx != 1 {
			t.Errorf("row = %+v", got)
		}
		if got.Refresh != 7200 || got.Retry != 900 || got.Expire != 1209600 {
			t.Errorf("timers = %d/%d/%d", got.Refresh, got.Retry, got.Expire)
		}
		if !got.Acquired.Equal(acquired) {
			t.Errorf("acquired = %v, want %v", got.Acquired, acquired)
		}
		if got.NotifiedSerial == nil || *got.NotifiedSerial != notified {
			t.Errorf("notified serial = %v, want %d", got.NotifiedSerial, notified)
		}
	})

	t.Run("Upsert", func(t *testing.T) {
		row.State = StateExpired
		row.Serial = 2024010110
		row.NotifiedSerial = nil
		if err := db.SaveZoneState(row); err != nil {
			t.Fatalf("SaveZoneState failed: %v", err)
		}
		got, err := db.ZoneState("example.net.")
		if err != nil || got == nil {
			t.Fatalf("ZoneState after upsert: %v, %v", got, err)
		}
		if got.State != StateExpired || got.Serial != 2024010110 {
			t.Errorf("row after upsert = %+v", got)
		}
		if got.NotifiedSerial != nil {
			t.Errorf("notified serial should be cleared, got %d", *got.NotifiedSerial)
		}
	})

	t.Run("AllZoneStates", func(t *testing.T) {
		second := &ZoneXfrState{Zone: "example.org.", State: StateRefreshing, Serial: 7}
		if err := db.SaveZoneState(second); err != nil {
			t.Fatalf("SaveZoneState failed: %v", err)
		}
		all, err := db.AllZoneStates()
		if err != nil {
			t.Fatalf("AllZoneStates failed: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("got %d rows, want 2", len(all))
		}
		if all["example.org."].State != StateRefreshing {
			t.Errorf("example.org row = %+v", all["example.org."])
		}
		if !all["example.org."].Acquired.IsZero() {
			t.Errorf("zero acquired time must survive the round trip")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := db.DeleteZoneState("example.net."); err != nil {
			t.Fatalf("DeleteZoneState failed: %v", err)
		}
		got, err := db.ZoneState("example.net.")
		if err != nil {
			t.Fatalf("ZoneState failed: %v", err)
		}
		if got != nil {
			t.Errorf("row still present after delete: %+v", got)
		}
	})
}

// TestZoneStateAbsent tests that an unknown zone reads back as nil, nil.
func TestZoneStateAbsent(t *testing.T) {
	db := testStateDB(t)
	got, err := db.ZoneState("nosuchzone.example.")
	if err != nil {
		t.Fatalf("ZoneState failed: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v for an absent zone", got)
	}
}
