/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testApiKey = "test-api-key-0123456789"

func testAPIServer(t *testing.T) (*Config, *httptest.Server) {
	t.Helper()
	conf := &Config{
		AppName:    "adnsd",
		AppVersion: "test",
	}
	conf.ServerBootTime = time.Now()
	conf.ServerConfigTime = time.Now()
	conf.ApiServer.ApiKey = testApiKey
	conf.Xfr.ZoneListFile = filepath.Join(t.TempDir(), "zones.list")
	if err := os.WriteFile(conf.Xfr.ZoneListFile, nil, 0644); err != nil {
		t.Fatal(err)
	}

	conf.Internal.Registry = NewZoneRegistry()
	conf.Internal.Store = NewZoneStore(NewNameDB())
	conf.Internal.Stats = NewServerStats()
	conf.Internal.RefreshZoneCh = make(chan ZoneRefresher, 10)
	conf.Internal.ReloadQ = make(chan string, 10)
	conf.Internal.APIStopCh = make(chan struct{})

	router, err := SetupAPIRouter(conf)
	if err != nil {
		t.Fatalf("SetupAPIRouter failed: %v", err)
	}
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return conf, srv
}

func apiPost(t *testing.T, srv *httptest.Server, key, endpoint string, data, out interface{}) int {
	t.Helper()
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest("POST", srv.URL+"/api/v1"+endpoint, buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rsp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("POST %s failed: %v", endpoint, err)
	}
	defer rsp.Body.Close()
	if out != nil && rsp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(rsp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s response: %v", endpoint, err)
		}
	}
	return rsp.StatusCode
}

// TestAPIKeyGuard tests that requests without the key never reach a
// handler.
func TestAPIKeyGuard(t *testing.T) {
	_, srv := testAPIServer(t)

	var pr PingResponse
	if code := apiPost(t, srv, "", "/ping", PingPost{Msg: "ping"}, nil); code == http.StatusOK {
		t.Error("request without API key must not succeed")
	}
	if code := apiPost(t, srv, "wrong-key", "/ping", PingPost{Msg: "ping"}, nil); code == http.StatusOK {
		t.Error("request with a wrong API key must not succeed")
	}
	if code := apiPost(t, srv, testApiKey, "/ping", PingPost{Msg: "ping", Pings: 3}, &pr); code != http.StatusOK {
		t.Fatalf("authorized ping got status %d", code)
	}
	if pr.Daemon != "adnsd" || pr.Pongs < 1 {
		t.Errorf("ping response = %+v", pr)
	}
}

// TestAPIcommand tests the /command endpoint dispatch.
func TestAPIcommand(t *testing.T) {
	conf, srv := testAPIServer(t)

	t.Run("Status", func(t *testing.T) {
		var cr CommandResponse
		apiPost(t, srv, testApiKey, "/command", CommandPost{Command: "status"}, &cr)
		if cr.Status != "ok" || cr.AppName != "adnsd" {
			t.Errorf("status response = %+v", cr)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		conf.Internal.Stats.Queries.Add(7)
		var cr CommandResponse
		apiPost(t, srv, testApiKey, "/command", CommandPost{Command: "stats"}, &cr)
		if cr.Stats == nil {
			t.Fatal("no stats in response")
		}
		if cr.Stats.Queries != 7 {
			t.Errorf("queries = %d, want 7", cr.Stats.Queries)
		}
	})

	t.Run("BadVerbosity", func(t *testing.T) {
		var cr CommandResponse
		apiPost(t, srv, testApiKey, "/command", CommandPost{Command: "verbosity", SubCommand: "7"}, &cr)
		if !cr.Error {
			t.Error("verbosity 7 must be rejected")
		}
	})

	t.Run("UnknownCommand", func(t *testing.T) {
		var cr CommandResponse
		apiPost(t, srv, testApiKey, "/command", CommandPost{Command: "frobnicate"}, &cr)
		if !cr.Error {
			t.Error("unknown command must set the error flag")
		}
	})

	t.Run("Stop", func(t *testing.T) {
		var cr CommandResponse
		apiPost(t, srv, testApiKey, "/command", CommandPost{Command: "stop"}, &cr)
		if cr.Status != "stopping" {
			t.Errorf("status = %q, want stopping", cr.Status)
		}
		select {
		case <-conf.Internal.APIStopCh:
		case <-time.After(2 * time.Second):
			t.Error("stop command did not close the stop channel")
		}
	})
}

// TestAPIzone tests the /zone endpoint: listing, status, refresh and
// the addzone/delzone pair.
func TestAPIzone(t *testing.T) {
	conf, srv := testAPIServer(t)

	conf.Internal.Registry.Set("example.com.", &ZoneData{
		ZoneName: "example.com.",
		ZoneType: Primary,
		Zonefile: "zones/example.com",
	})

	// stand-in transfer coordinator for refresh round trips
	go func() {
		for zr := range conf.Internal.RefreshZoneCh {
			if zr.Response != nil {
				zr.Response <- RefresherResponse{Zone: zr.Name, Msg: "refresh scheduled"}
			}
		}
	}()

	t.Run("List", func(t *testing.T) {
		var zr ZoneResponse
		apiPost(t, srv, testApiKey, "/zone", ZonePost{Command: "list"}, &zr)
		if zr.Error {
			t.Fatalf("list failed: %s", zr.ErrorMsg)
		}
		zs, ok := zr.Zones["example.com."]
		if !ok {
			t.Fatalf("example.com. missing from list: %+v", zr.Zones)
		}
		if zs.Type != "primary" || zs.Zonefile != "zones/example.com" {
			t.Errorf("zone status = %+v", zs)
		}
	})

	t.Run("StatusUnknownZone", func(t *testing.T) {
		var zr ZoneResponse
		apiPost(t, srv, testApiKey, "/zone", ZonePost{Command: "status", Zone: "nosuch.example."}, &zr)
		if !zr.Error || !strings.Contains(zr.ErrorMsg, "unknown") {
			t.Errorf("expected unknown zone error, got %+v", zr)
		}
	})

	t.Run("Refresh", func(t *testing.T) {
		var zr ZoneResponse
		apiPost(t, srv, testApiKey, "/zone", ZonePost{Command: "refresh", Zone: "example.com."}, &zr)
		if zr.Error {
			t.Fatalf("refresh failed: %s", zr.ErrorMsg)
		}
		if zr.Msg != "refresh scheduled" {
			t.Errorf("msg = %q", zr.Msg)
		}
	})

	t.Run("AddZone", func(t *testing.T) {
		var zr ZoneResponse
		apiPost(t, srv, testApiKey, "/zone", ZonePost{
			Command:  "addzone",
			Zone:     "example.net",
			Zonefile: "zones/example.net",
			Masters:  []string{"192.0.2.1", "192.0.2.2@5300"},
		}, &zr)
		if zr.Error {
			t.Fatalf("addzone failed: %s", zr.ErrorMsg)
		}

		zd, ok := conf.Internal.Registry.Get("example.net.")
		if !ok {
			t.Fatal("zone not in registry after addzone")
		}
		if zd.ZoneType != Secondary || len(zd.Masters) != 2 {
			t.Errorf("registered zone = %+v", zd)
		}
		if zd.Masters[1] != "192.0.2.2:5300" {
			t.Errorf("master = %q, want normalized host:port", zd.Masters[1])
		}

		entries, err := ReadZoneList(conf.Xfr.ZoneListFile)
		if err != nil {
			t.Fatalf("ReadZoneList failed: %v", err)
		}
		if len(entries) != 1 || entries[0].Name != "example.net." {
			t.Errorf("zone list after addzone = %+v", entries)
		}
	})

	t.Run("AddZoneDuplicate", func(t *testing.T) {
		var zr ZoneResponse
		apiPost(t, srv, testApiKey, "/zone", ZonePost{
			Command:  "addzone",
			Zone:     "example.net.",
			Zonefile: "zones/example.net",
		}, &zr)
		if !zr.Error {
			t.Error("adding an existing zone must fail")
		}
	})

	t.Run("AddZoneNoFile", func(t *testing.T) {
		var zr ZoneResponse
		apiPost(t, srv, testApiKey, "/zone", ZonePost{
			Command: "addzone",
			Zone:    "example.org.",
		}, &zr)
		if !zr.Error || !strings.Contains(zr.ErrorMsg, "zone file") {
			t.Errorf("expected missing zone file error, got %+v", zr)
		}
	})

	t.Run("DelZone", func(t *testing.T) {
		var zr ZoneResponse
		apiPost(t, srv, testApiKey, "/zone", ZonePost{Command: "delzone", Zone: "example.net."}, &zr)
		if zr.Error {
			t.Fatalf("delzone failed: %s", zr.ErrorMsg)
		}
		if _, ok := conf.Internal.Registry.Get("example.net."); ok {
			t.Error("zone still in registry after delzone")
		}
		entries, err := ReadZoneList(conf.Xfr.ZoneListFile)
		if err != nil {
			t.Fatalf("ReadZoneList failed: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("zone list after delzone = %+v", entries)
		}
		select {
		case zone := <-conf.Internal.ReloadQ:
			if zone != "example.net." {
				t.Errorf("reload queued for %q", zone)
			}
		default:
			t.Error("delzone must queue a snapshot rebuild")
		}
	})

	t.Run("DelZoneUnknown", func(t *testing.T) {
		var zr ZoneResponse
		apiPost(t, srv, testApiKey, "/zone", ZonePost{Command: "delzone", Zone: "ghost.example."}, &zr)
		if !zr.Error {
			t.Error("deleting an unknown zone must fail")
		}
	})
}

// TestAPIconfigStatus tests the /config status report.
func TestAPIconfigStatus(t *testing.T) {
	conf, srv := testAPIServer(t)
	conf.DnsEngine.Addresses = []string{"127.0.0.1:5399"}

	var cr ConfigResponse
	apiPost(t, srv, testApiKey, "/config", ConfigPost{Command: "status"}, &cr)
	if cr.Error {
		t.Fatalf("config status failed: %s", cr.ErrorMsg)
	}
	if len(cr.DnsEngine.Addresses) != 1 || cr.DnsEngine.Addresses[0] != "127.0.0.1:5399" {
		t.Errorf("dns engine addresses = %v", cr.DnsEngine.Addresses)
	}
	if !strings.Contains(cr.Msg, "Configuration is ok") {
		t.Errorf("msg = %q", cr.Msg)
	}

	t.Run("UnknownCommand", func(t *testing.T) {
		var cr ConfigResponse
		apiPost(t, srv, testApiKey, "/config", ConfigPost{Command: "bogus"}, &cr)
		if !cr.Error {
			t.Error("unknown config command must set the error flag")
		}
	})
}
