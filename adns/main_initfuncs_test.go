/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"reflect"
	"testing"
)

// TestApplyServerOpts tests how command line overrides rewrite the
// configured listen addresses.
func TestApplyServerOpts(t *testing.T) {
	base := func() *Config {
		conf := &Config{}
		conf.DnsEngine.Addresses = []string{"192.0.2.1:53", "[2001:db8::1]:53"}
		conf.DnsEngine.Workers = 2
		return conf
	}

	t.Run("BothFamiliesRefused", func(t *testing.T) {
		if err := applyServerOpts(base(), &serverOpts{ip4only: true, ip6only: true}); err == nil {
			t.Error("-4 together with -6 must be refused")
		}
	})

	t.Run("AddressOverride", func(t *testing.T) {
		conf := base()
		err := applyServerOpts(conf, &serverOpts{addresses: []string{"127.0.0.1", "127.0.0.2@5353"}})
		if err != nil {
			t.Fatalf("applyServerOpts failed: %v", err)
		}
		want := []string{"127.0.0.1:53", "127.0.0.2:5353"}
		if !reflect.DeepEqual(conf.DnsEngine.Addresses, want) {
			t.Errorf("addresses = %v, want %v", conf.DnsEngine.Addresses, want)
		}
	})

	t.Run("PortRewrite", func(t *testing.T) {
		conf := base()
		if err := applyServerOpts(conf, &serverOpts{port: "5399"}); err != nil {
			t.Fatalf("applyServerOpts failed: %v", err)
		}
		want := []string{"192.0.2.1:5399", "[2001:db8::1]:5399"}
		if !reflect.DeepEqual(conf.DnsEngine.Addresses, want) {
			t.Errorf("addresses = %v, want %v", conf.DnsEngine.Addresses, want)
		}
	})

	t.Run("BadPort", func(t *testing.T) {
		for _, p := range []string{"0", "65536", "dns"} {
			if err := applyServerOpts(base(), &serverOpts{port: p}); err == nil {
				t.Errorf("port %q must be refused", p)
			}
		}
	})

	t.Run("V4Only", func(t *testing.T) {
		conf := base()
		if err := applyServerOpts(conf, &serverOpts{ip4only: true}); err != nil {
			t.Fatalf("applyServerOpts failed: %v", err)
		}
		want := []string{"192.0.2.1:53"}
		if !reflect.DeepEqual(conf.DnsEngine.Addresses, want) {
			t.Errorf("addresses = %v, want %v", conf.DnsEngine.Addresses, want)
		}
	})

	t.Run("V6Only", func(t *testing.T) {
		conf := base()
		if err := applyServerOpts(conf, &serverOpts{ip6only: true}); err != nil {
			t.Fatalf("applyServerOpts failed: %v", err)
		}
		want := []string{"[2001:db8::1]:53"}
		if !reflect.DeepEqual(conf.DnsEngine.Addresses, want) {
			t.Errorf("addresses = %v, want %v", conf.DnsEngine.Addresses, want)
		}
	})

	t.Run("FilterLeavesNothing", func(t *testing.T) {
		conf := &Config{}
		conf.DnsEngine.Addresses = []string{"192.0.2.1:53"}
		if err := applyServerOpts(conf, &serverOpts{ip6only: true}); err == nil {
			t.Error("filtering away every address must be an error")
		}
	})

	t.Run("WorkerAndDbOverrides", func(t *testing.T) {
		conf := base()
		if err := applyServerOpts(conf, &serverOpts{workers: 8, dbfile: "/tmp/x.db"}); err != nil {
			t.Fatalf("applyServerOpts failed: %v", err)
		}
		if conf.DnsEngine.Workers != 8 || conf.Xfr.DbFile != "/tmp/x.db" {
			t.Errorf("workers = %d, dbfile = %q", conf.DnsEngine.Workers, conf.Xfr.DbFile)
		}
	})
}
