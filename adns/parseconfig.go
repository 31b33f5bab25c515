/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package adns

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"slices"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

func ParseConfig(conf *Config, reload bool) error {
	if Globals.Debug {
		log.Printf("Enter ParseConfig")
	}
	cfgfile := conf.Internal.CfgFile
	if cfgfile == "" {
		cfgfile = DefaultServerCfgFile
	}
	viper.SetConfigFile(cfgfile)

	viper.AutomaticEnv() // read in environment variables that match

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else {
		return fmt.Errorf("could not load config %s: %v", cfgfile, err)
	}

	// Durations may be written as "15m", second-valued fields in zone
	// file time notation ("2h"), and address lists as one
	// comma-separated string.
	err := viper.Unmarshal(conf, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToTTLHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return fmt.Errorf("error unmarshalling config into struct: %v", err)
	}

	if conf.Xfr.ZoneListFile == "" {
		conf.Xfr.ZoneListFile = DefaultZoneListFile
	}
	if conf.Xfr.DbFile == "" {
		conf.Xfr.DbFile = DefaultDbFile
	}
	conf.FillXfrDefaults()

	numtsig, err := ParseTsigKeys(&conf.Keys, conf)
	if err != nil {
		return err
	}
	if Globals.Verbose {
		log.Printf("ParseConfig: %d TSIG keys configured", numtsig)
	}

	if conf.Internal.Registry == nil {
		conf.Internal.Registry = NewZoneRegistry()
	}
	if conf.Internal.Stats == nil {
		conf.Internal.Stats = NewServerStats()
	}
	if conf.Internal.Store == nil {
		conf.Internal.Store = NewZoneStore(NewNameDB())
	}

	if !reload || conf.Internal.StateDB == nil {
		dbfile := conf.Db.File
		if dbfile == "" {
			dbfile = DefaultStateDbFile
		}
		sdb, err := NewStateDB(dbfile, false)
		if err != nil {
			return fmt.Errorf("error opening state DB %s: %v", dbfile, err)
		}
		conf.Internal.StateDB = sdb
	}

	ValidateConfig(nil, cfgfile) // will terminate on error

	if Globals.Debug {
		log.Printf("ParseConfig: exit")
	}
	return nil
}

// stringToTTLHookFunc decodes strings into uint32 config fields via
// ParseTTL, so values like min-retry may carry s/m/h/d/w suffixes.
func stringToTTLHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Uint32 {
			return data, nil
		}
		return ParseTTL(data.(string))
	}
}

// ParseZones reads the zone list file, folds the entries into the zone
// registry and queues every zone for refresh. On reload, zones that
// left the list are dropped from the registry.
func ParseZones(conf *Config, reload bool) ([]string, error) {
	if Globals.Debug {
		log.Printf("ParseZones: enter")
	}
	listfile := conf.Xfr.ZoneListFile
	log.Printf("ParseZones: using zone list from file: %s", listfile)

	entries, err := ReadZoneList(listfile)
	if err != nil {
		return nil, err
	}

	registry := conf.Internal.Registry
	var all_zones []string

	for i := range entries {
		RegisterZone(conf, &entries[i], reload)
		all_zones = append(all_zones, entries[i].Name)
	}

	if reload {
		for _, zname := range registry.Keys() {
			if !slices.Contains(all_zones, zname) {
				log.Printf("ParseZones: zone %s no longer in zone list. Removing.", zname)
				registry.Remove(zname)
			}
		}
	}

	log.Printf("All configured zones now refreshing: %v (queued for refresh: %d zones)",
		all_zones, len(conf.Internal.RefreshZoneCh))

	if Globals.Debug {
		log.Printf("ParseZones: exit")
	}
	return all_zones, nil
}

// RegisterZone folds one zone list entry into the registry and queues
// the zone for refresh. Force bypasses the serial check, as on reload
// from file.
func RegisterZone(conf *Config, e *ZoneListEntry, force bool) {
	registry := conf.Internal.Registry
	zd, exist := registry.Get(e.Name)
	if !exist {
		zd = &ZoneData{
			ZoneName: e.Name,
			Logger:   log.Default(),
		}
	}
	zd.ZoneType = e.Type()
	zd.Zonefile = e.File
	zd.Masters = e.Masters
	zd.Notify = e.Notify
	zd.TsigKeys = map[string]string{}
	for _, addr := range append(slices.Clone(e.Masters), e.Notify...) {
		if keyname, _ := conf.TsigKeyForAddr(addr); keyname != "" {
			zd.TsigKeys[addr] = keyname
		}
	}
	registry.Set(e.Name, zd)

	conf.Internal.RefreshZoneCh <- ZoneRefresher{
		Name:  e.Name,
		Force: force,
	}
}

func (conf *Config) ReloadConfig() (string, error) {
	err := ParseConfig(conf, true) // true: reload, not initial parsing
	if err != nil {
		log.Printf("Error parsing config: %v", err)
	}
	conf.ServerConfigTime = time.Now()
	return "Config reloaded.", err
}

func (conf *Config) ReloadZoneConfig() (string, error) {
	prezones := conf.Internal.Registry.Keys()
	log.Printf("ReloadZoneConfig: zones prior to reloading: %v", prezones)
	zonelist, err := ParseZones(conf, true)
	if err != nil {
		log.Printf("ReloadZoneConfig: error parsing zones: %v", err)
		return "", err
	}
	conf.ServerConfigTime = time.Now()
	return fmt.Sprintf("Zones reloaded. Before: %v, After: %v", prezones, zonelist), nil
}
