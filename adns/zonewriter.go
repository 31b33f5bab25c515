/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"bufio"
	"fmt"
	"time"

	"github.com/dchest/safefile"
	"github.com/miekg/dns"
)

// WriteZoneFile dumps the current in-memory contents of the zone to its
// configured zone file. The write is atomic, so a crash mid-write never
// leaves a half zone behind.
func (zd *ZoneData) WriteZoneFile(conf *Config) (uint32, error) {
	if zd.Zonefile == "" {
		return 0, fmt.Errorf("zone %s has no zone file configured", zd.ZoneName)
	}

	db := conf.Internal.Store.Current()
	z := db.Zone(zd.ZoneName)
	if z == nil || z.SOA == nil {
		return 0, fmt.Errorf("zone %s has no servable contents", zd.ZoneName)
	}

	f, err := safefile.Create(zd.Zonefile, 0644)
	if err != nil {
		return 0, fmt.Errorf("cannot write zone file for %s: %v", zd.ZoneName, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "; zone %s written by %s at %s\n", zd.ZoneName,
		conf.AppName, time.Now().Format(time.RFC3339))

	soa, err := z.ApexSOA()
	if err != nil {
		return 0, err
	}
	fmt.Fprintln(w, soa.String())

	werr := db.WalkZone(z, func(n *NameNode, rs *RRset) error {
		if n.Name == z.Name && rs.Type == dns.TypeSOA {
			return nil // already first in the file
		}
		rrs, err := rs.DnsRRs(n.Name)
		if err != nil {
			return err
		}
		for _, rr := range rrs {
			fmt.Fprintln(w, rr.String())
		}
		return nil
	})
	if werr == nil {
		werr = w.Flush()
	}
	if werr != nil {
		return 0, fmt.Errorf("writing zone %s: %v", zd.ZoneName, werr)
	}
	if err := f.Commit(); err != nil {
		return 0, err
	}

	serial := z.Serial()
	zd.Logger.Printf("WriteZoneFile: zone %s serial %d written to %s",
		zd.ZoneName, serial, zd.Zonefile)
	return serial, nil
}
