/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package adns

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

func APIcommand(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {

		decoder := json.NewDecoder(r.Body)
		var cp CommandPost
		err := decoder.Decode(&cp)
		if err != nil {
			log.Println("APIcommand: error decoding command post:", err)
		}

		log.Printf("API: received /command request (cmd: %s) from %s.\n",
			cp.Command, r.RemoteAddr)

		resp := CommandResponse{
			Time:    time.Now(),
			AppName: conf.AppName,
		}

		switch cp.Command {
		case "status":
			log.Printf("Daemon status inquiry\n")
			resp.Status = "ok" // only status we know, so far
			resp.Msg = fmt.Sprintf("%s: I'm happy, but send more cookies", conf.AppName)

		case "stop":
			log.Printf("Daemon instructed to stop\n")
			resp.Status = "stopping"
			resp.Msg = fmt.Sprintf("%s: Daemon was happy, but now winding down", conf.AppName)

			go func() {
				// Allow the HTTP response to be sent before triggering shutdown
				time.Sleep(200 * time.Millisecond)
				conf.Internal.StopOnce.Do(func() {
					close(conf.Internal.APIStopCh)
				})
			}()

		case "stats":
			resp.Status = "ok"
			resp.Stats = conf.Internal.Stats.Snapshot()
			resp.Msg = fmt.Sprintf("%s: statistics since boot", conf.AppName)

		case "verbosity":
			level, cerr := strconv.Atoi(cp.SubCommand)
			if cerr != nil || level < 0 || level > 2 {
				resp.Error = true
				resp.ErrorMsg = fmt.Sprintf("Bad verbosity level %q (must be 0, 1 or 2)", cp.SubCommand)
				break
			}
			Globals.Verbose = level >= 1
			Globals.Debug = level >= 2
			resp.Msg = fmt.Sprintf("%s: verbosity level %d (verbose: %v, debug: %v)",
				conf.AppName, level, Globals.Verbose, Globals.Debug)

		case "log-reopen":
			LogReopen(conf.Log.File)
			resp.Msg = fmt.Sprintf("%s: log file %s reopened", conf.AppName, conf.Log.File)

		default:
			resp.ErrorMsg = fmt.Sprintf("%s: Unknown command: %s", conf.AppName, cp.Command)
			resp.Error = true
		}

		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(resp)
		if err != nil {
			log.Printf("Error from json encoder: %v", err)
		}
	}
}

func APIconfig(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {

		decoder := json.NewDecoder(r.Body)
		var cp ConfigPost
		err := decoder.Decode(&cp)
		if err != nil {
			log.Println("APIconfig: error decoding config post:", err)
		}

		log.Printf("API: received /config request (cmd: %s) from %s.\n",
			cp.Command, r.RemoteAddr)

		resp := ConfigResponse{
			AppName: conf.AppName,
			Time:    time.Now(),
		}

		switch cp.Command {
		case "reload":
			log.Printf("APIconfig: reloading configuration")
			resp.Msg, err = conf.ReloadConfig()
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = err.Error()
			}

		case "reload-zones":
			log.Printf("APIconfig: reloading zones")
			resp.Msg, err = conf.ReloadZoneConfig()
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = err.Error()
			}

		case "status":
			log.Printf("APIconfig: config status inquiry")
			resp.DnsEngine = conf.DnsEngine
			resp.ApiServer = conf.ApiServer
			resp.Msg = fmt.Sprintf("%s: Configuration is ok, boot time: %s, last config reload: %s",
				conf.AppName, conf.ServerBootTime.Format(TimeLayout),
				conf.ServerConfigTime.Format(TimeLayout))

		default:
			resp.ErrorMsg = fmt.Sprintf("Unknown config command: %s", cp.Command)
			resp.Error = true
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func APIzone(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {

		decoder := json.NewDecoder(r.Body)
		var zp ZonePost
		err := decoder.Decode(&zp)
		if err != nil {
			log.Println("APIzone: error decoding zone command post:", err)
		}

		log.Printf("API: received /zone request (cmd: %s zone: %s) from %s.\n",
			zp.Command, zp.Zone, r.RemoteAddr)

		resp := ZoneResponse{
			Time:    time.Now(),
			AppName: conf.AppName,
			Zone:    zp.Zone,
		}

		defer func() {
			w.Header().Set("Content-Type", "application/json")
			err := json.NewEncoder(w).Encode(resp)
			if err != nil {
				log.Printf("Error from json encoder: %v", err)
			}
		}()

		zp.Zone = dns.Fqdn(zp.Zone)
		zd, exist := conf.Internal.Registry.Get(zp.Zone)

		switch zp.Command {
		case "list", "list-zones", "addzone":
			// no pre-existing zone needed
		default:
			if !exist {
				resp.Error = true
				resp.ErrorMsg = fmt.Sprintf("Zone %s is unknown", zp.Zone)
				return
			}
		}

		switch zp.Command {
		case "list", "list-zones":
			zones := map[string]ZoneStatus{}
			for _, item := range conf.Internal.Registry.Items() {
				zones[item.ZoneName] = zoneStatusFor(conf, item)
			}
			resp.Zones = zones

		case "status":
			resp.Zones = map[string]ZoneStatus{
				zp.Zone: zoneStatusFor(conf, zd),
			}

		case "refresh":
			resp.Msg, err = zd.RefreshZone(conf.Internal.RefreshZoneCh, zp.Force)
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = err.Error()
			}

		case "write", "write-zone":
			serial, err := zd.WriteZoneFile(conf)
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = err.Error()
				return
			}
			resp.Msg = fmt.Sprintf("Zone %s: current contents (serial %d) written to %s",
				zd.ZoneName, serial, zd.Zonefile)

		case "addzone":
			resp.Msg, err = addZone(conf, &zp)
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = err.Error()
			}

		case "delzone":
			resp.Msg, err = delZone(conf, zp.Zone)
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = err.Error()
			}

		default:
			resp.ErrorMsg = fmt.Sprintf("Unknown zone command: %s", zp.Command)
			resp.Error = true
		}
	}
}

// zoneStatusFor folds the registry entry, the serving snapshot and the
// coordinator's persisted state into one report.
func zoneStatusFor(conf *Config, zd *ZoneData) ZoneStatus {
	zs := ZoneStatus{
		Name:     zd.ZoneName,
		Type:     ZoneTypeToString[zd.ZoneType],
		Zonefile: zd.Zonefile,
		Masters:  zd.Masters,
		Notify:   zd.Notify,
		Error:    zd.Error,
		ErrorMsg: zd.ErrorMsg,
	}
	if z := conf.Internal.Store.Current().Zone(zd.ZoneName); z != nil {
		zs.Serial = z.Serial()
	}
	if zd.ZoneType == Secondary && conf.Internal.StateDB != nil {
		if row, err := conf.Internal.StateDB.ZoneState(zd.ZoneName); err == nil && row != nil {
			zs.State = ZoneStateToString[row.State]
			zs.Acquired = row.Acquired
		}
	}
	return zs
}

// RefreshZone asks the transfer coordinator to refresh the zone now and
// waits briefly for its verdict.
func (zd *ZoneData) RefreshZone(refreshCh chan<- ZoneRefresher, force bool) (string, error) {
	var respch = make(chan RefresherResponse, 1)
	refreshCh <- ZoneRefresher{
		Name:     zd.ZoneName,
		Response: respch,
		Force:    force,
	}

	var resp RefresherResponse

	select {
	case resp = <-respch:
	case <-time.After(4 * time.Second):
		return "", fmt.Errorf("zone %s: timeout waiting for response from transfer coordinator", zd.ZoneName)
	}

	if resp.Error {
		log.Printf("RefreshZone: error from coordinator: %s", resp.ErrorMsg)
		return "", fmt.Errorf("zone %s: %s", zd.ZoneName, resp.ErrorMsg)
	}
	if resp.Msg == "" {
		resp.Msg = fmt.Sprintf("Zone %s: refresh queued", zd.ZoneName)
	}
	return resp.Msg, nil
}

// addZone validates a new zone definition, appends it to the zone list
// file and folds it into the running server.
func addZone(conf *Config, zp *ZonePost) (string, error) {
	if zp.Zone == "." || zp.Zone == "" {
		return "", fmt.Errorf("no zone name given")
	}
	if _, ok := dns.IsDomainName(zp.Zone); !ok {
		return "", fmt.Errorf("%q is not a valid zone name", zp.Zone)
	}
	if zp.Zonefile == "" {
		return "", fmt.Errorf("no zone file given for zone %s", zp.Zone)
	}
	if _, exist := conf.Internal.Registry.Get(zp.Zone); exist {
		return "", fmt.Errorf("zone %s already exists", zp.Zone)
	}

	e := ZoneListEntry{
		Name: zp.Zone,
		File: zp.Zonefile,
	}
	for _, m := range zp.Masters {
		addr, err := normalizeAddr(m)
		if err != nil {
			return "", fmt.Errorf("bad master address %q: %v", m, err)
		}
		e.Masters = append(e.Masters, addr)
	}
	for _, n := range zp.Notify {
		addr, err := normalizeAddr(n)
		if err != nil {
			return "", fmt.Errorf("bad notify address %q: %v", n, err)
		}
		e.Notify = append(e.Notify, addr)
	}

	listfile := conf.Xfr.ZoneListFile
	entries, err := ReadZoneList(listfile)
	if err != nil {
		return "", err
	}
	for i := range entries {
		if entries[i].Name == e.Name {
			return "", fmt.Errorf("zone %s is already in %s", e.Name, listfile)
		}
	}
	entries = append(entries, e)
	if err := WriteZoneList(listfile, entries); err != nil {
		return "", err
	}

	RegisterZone(conf, &e, false)
	return fmt.Sprintf("Zone %s (%s) added to %s", e.Name,
		ZoneTypeToString[e.Type()], listfile), nil
}

// delZone removes the zone from the zone list file and from the running
// server. The zone file and any journal are left on disk.
func delZone(conf *Config, zone string) (string, error) {
	listfile := conf.Xfr.ZoneListFile
	entries, err := ReadZoneList(listfile)
	if err != nil {
		return "", err
	}
	kept := entries[:0]
	found := false
	for i := range entries {
		if entries[i].Name == zone {
			found = true
			continue
		}
		kept = append(kept, entries[i])
	}
	if !found {
		return "", fmt.Errorf("zone %s is not in %s", zone, listfile)
	}
	if err := WriteZoneList(listfile, kept); err != nil {
		return "", err
	}

	conf.Internal.Registry.Remove(zone)
	if conf.Internal.StateDB != nil {
		if err := conf.Internal.StateDB.DeleteZoneState(zone); err != nil {
			log.Printf("delZone: cannot delete state for %s: %v", zone, err)
		}
	}

	// The coordinator rebuilds the snapshot without the zone.
	select {
	case conf.Internal.ReloadQ <- zone:
	default:
		log.Printf("delZone: reload queue full, zone %s drops at next rebuild", zone)
	}

	return fmt.Sprintf("Zone %s removed from %s", zone, listfile), nil
}
