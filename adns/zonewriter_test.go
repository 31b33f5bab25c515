/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestWriteZoneFile tests the write-back of the in-memory zone: the
// file must recompile to the same serial and record count.
func TestWriteZoneFile(t *testing.T) {
	cc, z := compileTestZone(t, "example.", testZoneText)
	if cc.Errors != 0 {
		t.Fatalf("compiler reported %d errors", cc.Errors)
	}
	if err := cc.DB.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	conf := &Config{AppName: "adnsd"}
	conf.Internal.Store = NewZoneStore(cc.DB)

	outfile := filepath.Join(t.TempDir(), "example.zone")
	zd := &ZoneData{
		ZoneName: "example.",
		ZoneType: Primary,
		Zonefile: outfile,
		Logger:   log.New(os.Stderr, "", 0),
	}

	serial, err := zd.WriteZoneFile(conf)
	if err != nil {
		t.Fatalf("WriteZoneFile failed: %v", err)
	}
	if serial != 2024010101 {
		t.Errorf("serial = %d, want 2024010101", serial)
	}

	data, err := os.ReadFile(outfile)
	if err != nil {
		t.Fatalf("cannot read written zone file: %v", err)
	}
	text := string(data)

	t.Run("SOAFirst", func(t *testing.T) {
		lines := strings.Split(text, "\n")
		if len(lines) < 2 || !strings.HasPrefix(lines[0], ";") {
			t.Fatalf("missing header comment: %q", lines[0])
		}
		if !strings.Contains(lines[1], "SOA") {
			t.Errorf("first record is not the SOA: %q", lines[1])
		}
	})

	t.Run("Recompiles", func(t *testing.T) {
		cc2 := NewCompileCtx(testLogger())
		z2 := cc2.DB.AddZone("example.")
		if err := cc2.ReadZone(z2, outfile); err != nil {
			t.Fatalf("written file does not parse: %v", err)
		}
		if cc2.Errors != 0 {
			t.Fatalf("written file recompiles with %d errors", cc2.Errors)
		}
		if z2.Serial() != z.Serial() {
			t.Errorf("serial after round trip = %d, want %d", z2.Serial(), z.Serial())
		}
		for _, name := range []string{"www.example.", "mail.example.", "*.wild.example."} {
			if _, ok := cc2.DB.Tree.Get(name); !ok {
				t.Errorf("name %q lost in round trip", name)
			}
		}
	})

	t.Run("NoFileConfigured", func(t *testing.T) {
		bare := &ZoneData{ZoneName: "example.", Logger: zd.Logger}
		if _, err := bare.WriteZoneFile(conf); err == nil {
			t.Error("zone without a file must not write")
		}
	})

	t.Run("NoContents", func(t *testing.T) {
		empty := &ZoneData{ZoneName: "void.example.", Zonefile: outfile, Logger: zd.Logger}
		if _, err := empty.WriteZoneFile(conf); err == nil {
			t.Error("zone without servable contents must not write")
		}
	})
}
